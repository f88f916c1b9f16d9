package plan

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"
)

const (
	msgSensitiveWarning = "Warning: This field is security-sensitive. Your input may be overheard. Please ensure no one else is listening."
	msgSpellPrompt      = "Please spell your input letter by letter, with spaces between each letter."
	msgValuePrompt      = "Please provide the value for '%s'."
)

var (
	// ErrNotConfirmed is returned when the user declines a sensitive entry.
	ErrNotConfirmed = errors.New("User did not confirm sensitive input")
	// ErrInputNotProvided is wrapped by errors for empty or cancelled input.
	ErrInputNotProvided = errors.New("input not provided")
)

// inputError keeps the user-facing message while still matching
// ErrInputNotProvided.
type inputError struct{ field string }

func (e *inputError) Error() string {
	return fmt.Sprintf("Input for '%s' was not provided or cancelled", e.field)
}

func (e *inputError) Unwrap() error { return ErrInputNotProvided }

// SensitiveInputController collects values that must come from the user
// rather than the model.
type SensitiveInputController struct {
	user    UserChannel
	timeout time.Duration
	logger  *zap.Logger
}

// NewSensitiveInputController bounds each confirm and collect exchange by
// timeout. A zero timeout leaves only the caller's context.
func NewSensitiveInputController(user UserChannel, timeout time.Duration, logger *zap.Logger) *SensitiveInputController {
	return &SensitiveInputController{user: user, timeout: timeout, logger: logger.Named("sensitive_input")}
}

// Resolve obtains the value for a field whose step data was the
// from-user sentinel. Sensitive fields need an explicit confirmation and a
// spelled value, which is de-spaced. Other fields take the collected value
// as typed.
func (c *SensitiveInputController) Resolve(ctx context.Context, field ElementInfo, selector string) (string, error) {
	label := field.Label(selector)
	if !field.Sensitive() {
		return c.collect(ctx, label, false)
	}

	c.say(ctx, msgSensitiveWarning)
	confirmed, err := c.confirm(ctx, label)
	if err != nil || !confirmed {
		c.logger.Info("Sensitive input not confirmed", zap.String("field", label), zap.Error(err))
		return "", ErrNotConfirmed
	}

	c.say(ctx, msgSpellPrompt)
	return c.collect(ctx, label, true)
}

// Ask collects a named plan parameter that the model left unresolved.
func (c *SensitiveInputController) Ask(ctx context.Context, name string, sensitive bool) (string, error) {
	return c.collect(ctx, name, sensitive)
}

func (c *SensitiveInputController) confirm(ctx context.Context, label string) (bool, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	return c.user.Confirm(ctx, label)
}

func (c *SensitiveInputController) collect(ctx context.Context, label string, spelled bool) (string, error) {
	if !spelled {
		c.say(ctx, fmt.Sprintf(msgValuePrompt, label))
	}

	collectCtx, cancel := c.bound(ctx)
	value, err := c.user.Collect(collectCtx, label, spelled)
	cancel()

	if err == nil && spelled {
		value = despace(value)
	}
	if err != nil || strings.TrimSpace(value) == "" {
		failure := &inputError{field: label}
		c.logger.Info("User input missing", zap.String("field", label), zap.Error(err))
		c.say(ctx, failure.Error())
		return "", failure
	}
	return value, nil
}

func (c *SensitiveInputController) say(ctx context.Context, msg string) {
	if err := c.user.Say(ctx, msg); err != nil {
		c.logger.Debug("Could not deliver message to user", zap.Error(err))
	}
}

func (c *SensitiveInputController) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

// despace removes every whitespace rune from a spelled value.
func despace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}
