package plan

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/saccessco/api/schemas"
)

const (
	msgElementNotFound = "Element not found"
	msgUnknownAction   = "Unknown action type"
)

// paramRef matches step data that names a plan parameter, e.g. {{date}}.
var paramRef = regexp.MustCompile(`^\{\{\s*([A-Za-z0-9_.-]+)\s*\}\}$`)

// State is the lifecycle of the most recent plan.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Options tunes an Executor.
type Options struct {
	// WaitTimeout bounds waitForElement.
	WaitTimeout time.Duration
	// PollInterval is how often waitForElement re-checks the page.
	PollInterval time.Duration
	// ConfirmTimeout bounds each exchange with the user.
	ConfirmTimeout time.Duration
}

// Executor runs plans against one page. Plans are executed one at a time.
type Executor struct {
	page      Page
	sensitive *SensitiveInputController
	opts      Options
	logger    *zap.Logger

	runMu sync.Mutex
	mu    sync.RWMutex
	state State
}

// NewExecutor wires an executor to a page and a user channel.
func NewExecutor(page Page, user UserChannel, opts Options, logger *zap.Logger) *Executor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	logger = logger.Named("plan")
	return &Executor{
		page:      page,
		sensitive: NewSensitiveInputController(user, opts.ConfirmTimeout, logger),
		opts:      opts,
		logger:    logger,
		state:     StatePending,
	}
}

// State returns the lifecycle state of the latest plan.
func (e *Executor) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

func (e *Executor) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// Execute runs the plan in order and stops at the first failing step. Step
// failures are reported in the result, never returned as errors.
func (e *Executor) Execute(ctx context.Context, exec schemas.Execute) schemas.PlanResult {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	e.setState(StateRunning)
	e.logger.Info("Executing plan", zap.Int("steps", len(exec.Plan)))

	// Values the user typed for missing parameters are reused for the rest
	// of the plan.
	collected := make(map[string]any)
	result := schemas.PlanResult{Status: schemas.PlanCompleted, Results: make([]schemas.StepResult, 0, len(exec.Plan))}

	for i, step := range exec.Plan {
		if err := e.runStep(ctx, step, exec.Parameters, collected); err != nil {
			e.logger.Warn("Plan step failed",
				zap.Int("step", i),
				zap.String("action", string(step.Action)),
				zap.String("selector", step.Selector),
				zap.Error(err))
			result.Results = append(result.Results, schemas.StepFailed(err.Error()))
			result.Status = schemas.PlanFailed
			e.setState(StateFailed)
			return result
		}
		e.logger.Debug("Plan step succeeded", zap.Int("step", i), zap.String("action", string(step.Action)))
		result.Results = append(result.Results, schemas.StepSucceeded())
	}

	e.setState(StateCompleted)
	e.logger.Info("Plan completed", zap.Int("steps", len(exec.Plan)))
	return result
}

// runStep resolves the element before validating the action, so a missing
// element is reported ahead of any other problem with the step.
func (e *Executor) runStep(ctx context.Context, step schemas.Step, params, collected map[string]any) error {
	var (
		info ElementInfo
		err  error
	)
	if step.Action == schemas.ActionWaitForElement {
		info, err = e.waitFor(ctx, step.Selector)
	} else {
		info, err = e.page.Describe(ctx, step.Selector)
	}
	if err != nil {
		return stepError(err)
	}

	if !step.Action.Known() {
		return errors.New(msgUnknownAction)
	}
	if err := checkDataContract(step); err != nil {
		return err
	}

	value, err := e.resolveData(ctx, step, info, params, collected)
	if err != nil {
		return err
	}
	return stepError(e.apply(ctx, step, value))
}

// checkDataContract enforces that value actions carry data and the others
// do not. An empty string counts as no data.
func checkDataContract(step schemas.Step) error {
	hasData := step.Data != nil && step.Data != ""
	switch {
	case step.Action.ConsumesData() && step.Data == nil:
		return fmt.Errorf("Action '%s' requires data", step.Action)
	case !step.Action.ConsumesData() && hasData:
		return fmt.Errorf("Action '%s' does not accept data", step.Action)
	}
	return nil
}

func (e *Executor) resolveData(ctx context.Context, step schemas.Step, info ElementInfo, params, collected map[string]any) (any, error) {
	s, ok := step.Data.(string)
	if !ok {
		return step.Data, nil
	}
	if s == schemas.UserFromSentinel {
		return e.sensitive.Resolve(ctx, info, step.Selector)
	}
	m := paramRef.FindStringSubmatch(s)
	if m == nil {
		return s, nil
	}

	name := m[1]
	if v, ok := params[name]; ok && v != nil {
		return v, nil
	}
	if v, ok := collected[name]; ok {
		return v, nil
	}
	v, err := e.sensitive.Ask(ctx, name, info.Sensitive())
	if err != nil {
		return nil, err
	}
	collected[name] = v
	return v, nil
}

func (e *Executor) apply(ctx context.Context, step schemas.Step, value any) error {
	sel := step.Selector
	switch step.Action {
	case schemas.ActionTypeInto:
		text, ok := textValue(value)
		if !ok {
			return fmt.Errorf("Action 'typeInto' needs a text value, got %T", value)
		}
		return e.page.TypeInto(ctx, sel, text)
	case schemas.ActionClick:
		return e.page.Click(ctx, sel)
	case schemas.ActionScrollTo:
		return e.page.ScrollTo(ctx, sel)
	case schemas.ActionCheckCheckbox, schemas.ActionCheckRadioButton:
		checked, ok := boolValue(value)
		if !ok {
			return fmt.Errorf("Action '%s' needs a boolean value, got %v", step.Action, value)
		}
		return e.page.SetChecked(ctx, sel, checked)
	case schemas.ActionSelectOptionByValue:
		text, ok := textValue(value)
		if !ok {
			return fmt.Errorf("Action 'selectOptionByValue' needs a text value, got %T", value)
		}
		return e.page.SelectByValue(ctx, sel, text)
	case schemas.ActionSelectOptionByIndex:
		idx, ok := indexValue(value)
		if !ok {
			return fmt.Errorf("Invalid option index: %v", value)
		}
		return e.page.SelectByIndex(ctx, sel, idx)
	case schemas.ActionEnter:
		return e.page.PressEnter(ctx, sel)
	case schemas.ActionFocusElement:
		return e.page.Focus(ctx, sel)
	case schemas.ActionSubmitForm:
		return e.page.Submit(ctx, sel)
	case schemas.ActionWaitForElement:
		// The element was found while resolving the selector.
		return nil
	}
	return errors.New(msgUnknownAction)
}

// waitFor polls until the selector matches or the wait timeout expires.
func (e *Executor) waitFor(ctx context.Context, selector string) (ElementInfo, error) {
	if e.opts.WaitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.WaitTimeout)
		defer cancel()
	}

	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()
	for {
		info, err := e.page.Describe(ctx, selector)
		if err == nil || !errors.Is(err, ErrElementNotFound) {
			return info, err
		}
		select {
		case <-ctx.Done():
			return ElementInfo{}, fmt.Errorf("Timed out waiting for element '%s'", selector)
		case <-ticker.C:
		}
	}
}

// stepError turns page errors into the messages reported to the user.
func stepError(err error) error {
	if err != nil && errors.Is(err, ErrElementNotFound) {
		return errors.New(msgElementNotFound)
	}
	return err
}

func textValue(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case int:
		return strconv.Itoa(val), true
	case bool:
		return strconv.FormatBool(val), true
	}
	return "", false
}

func boolValue(v any) (bool, bool) {
	switch val := v.(type) {
	case bool:
		return val, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(val))
		return b, err == nil
	case float64:
		return val != 0, true
	case int:
		return val != 0, true
	}
	return false, false
}

func indexValue(v any) (int, bool) {
	switch val := v.(type) {
	case float64:
		if val != math.Trunc(val) {
			return 0, false
		}
		return int(val), true
	case int:
		return val, true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(val))
		return n, err == nil
	}
	return 0, false
}
