package conversation

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/saccessco/api/schemas"
	"github.com/xkilldash9x/saccessco/internal/chat"
	"github.com/xkilldash9x/saccessco/internal/llmutil"
	"github.com/xkilldash9x/saccessco/internal/scenario"
)

// NoResponseMessage is spoken when the model could not be reached.
const NoResponseMessage = "Error: Could not get a response from the AI."

const pageChangeHeader = "PAGE CHANGE\n"

// ErrTaskAborted resolves a pending prompt whose task panicked.
var ErrTaskAborted = errors.New("conversation task aborted")

type task func(ctx context.Context)

// Pending is the handle for a queued user prompt. It resolves once the
// reply has been published.
type Pending struct {
	done chan struct{}
	once sync.Once
	msg  schemas.Published
	err  error
}

func newPending() *Pending {
	return &Pending{done: make(chan struct{})}
}

func (p *Pending) resolve(msg schemas.Published, err error) {
	p.once.Do(func() {
		p.msg = msg
		p.err = err
		close(p.done)
	})
}

// Wait blocks until the prompt has been handled or ctx ends. The message is
// returned even when publishing it failed.
func (p *Pending) Wait(ctx context.Context) (schemas.Published, error) {
	select {
	case <-p.done:
		return p.msg, p.err
	case <-ctx.Done():
		return schemas.Published{}, ctx.Err()
	}
}

// Done is closed once the prompt has been handled.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Session is one conversation: a chat engine plus the single lane that
// serializes every piece of work touching it.
type Session struct {
	id     string
	engine *chat.Engine
	deps   *dependencies
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
	tasks  chan task

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newSession(id string, deps *dependencies, logger *zap.Logger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:     id,
		engine: chat.NewEngine(deps.client, deps.opts.Preamble, deps.opts.Generation, logger),
		deps:   deps,
		logger: logger.With(zap.String("conversation_id", id)),
		tasks:  make(chan task, deps.opts.QueueSize),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

// ID returns the conversation id.
func (s *Session) ID() string { return s.id }

// Engine exposes the chat thread, mainly for inspection.
func (s *Session) Engine() *chat.Engine { return s.engine }

func (s *Session) run() {
	defer close(s.done)
	for t := range s.tasks {
		s.runTask(t)
	}
}

func (s *Session) runTask(t task) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Recovered from panic in conversation task",
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())))
		}
	}()
	t(s.ctx)
}

// enqueue hands t to the lane. It blocks while the queue is full.
func (s *Session) enqueue(t task) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrRegistryClosed
	}
	s.tasks <- t
	return nil
}

// OnPageChange queues an analysis of the new page. Nothing is published and
// failures are only logged.
func (s *Session) OnPageChange(html string) {
	err := s.enqueue(func(ctx context.Context) {
		s.logger.Info("Processing page change", zap.Int("html_bytes", len(html)))
		page := html
		if s.deps.opts.Trimmer != nil {
			prepared, err := s.deps.opts.Trimmer.Prepare(html)
			if err != nil {
				s.logger.Warn("Could not simplify page, sending it as received", zap.Error(err))
			} else {
				page = prepared
			}
		}

		prompt := pageChangeHeader + page
		analysis, err := s.engine.Respond(ctx, schemas.RoleSystem, prompt)
		if err != nil {
			s.logger.Error("Error during page change analysis", zap.Error(err))
			return
		}
		s.engine.AddToHistory(schemas.RoleModel, analysis)
		s.record(ctx, schemas.Message{Role: schemas.RoleSystem, Content: prompt}, schemas.Message{Role: schemas.RoleModel, Content: analysis})
		s.logger.Info("Page change analysis complete", zap.Int("history_len", s.engine.Len()))
	})
	if err != nil {
		s.logger.Warn("Dropping page change for closed conversation")
	}
}

// OnUserPrompt queues the prompt and returns a handle for its reply.
// Exactly one message is published per prompt.
func (s *Session) OnUserPrompt(prompt string) *Pending {
	p := newPending()
	err := s.enqueue(func(ctx context.Context) {
		defer p.resolve(schemas.Published{}, ErrTaskAborted)

		var msg schemas.Published
		if s.deps.opts.Scenarios != nil && s.deps.opts.Scenarios.IsTestPrompt(prompt) {
			msg = s.runScenario(prompt)
		} else {
			msg = s.askModel(ctx, prompt)
		}
		p.resolve(msg, s.publish(ctx, msg))
	})
	if err != nil {
		p.resolve(schemas.Published{}, err)
	}
	return p
}

func (s *Session) askModel(ctx context.Context, prompt string) schemas.Published {
	s.logger.Info("Processing user prompt")
	reply, err := s.engine.Respond(ctx, schemas.RoleUser, prompt)
	if err != nil {
		s.logger.Error("Error during user prompt processing", zap.Error(err))
		return schemas.NewPublished(schemas.StructuredResponse{Speak: NoResponseMessage})
	}
	s.engine.AddToHistory(schemas.RoleModel, reply)
	s.record(ctx, schemas.Message{Role: schemas.RoleUser, Content: prompt}, schemas.Message{Role: schemas.RoleModel, Content: reply})

	resp := llmutil.ParseStructuredResponse(reply)
	if _, err := json.Marshal(resp); err != nil {
		s.logger.Error("Structured response is not serializable", zap.Error(err))
		return schemas.NewPublishedError(schemas.ParseError{
			Error:         "JSON serialization failed",
			Details:       err.Error(),
			RawAIResponse: llmutil.TruncateString(reply, 100),
		})
	}
	return schemas.NewPublished(resp)
}

func (s *Session) runScenario(prompt string) schemas.Published {
	catalog := s.deps.opts.Scenarios
	name, kwargs := scenario.Parse(prompt)
	s.logger.Info("Running test scenario", zap.String("scenario", name))

	resp, err := catalog.Respond(name, kwargs)
	switch {
	case err == nil:
	case errors.Is(err, scenario.ErrUnknownScenario):
		resp = schemas.StructuredResponse{Speak: fmt.Sprintf("Test not found: %s. Available tests: %s",
			strings.TrimSpace(prompt), strings.Join(catalog.Names(), ", "))}
	default:
		s.logger.Warn("Test scenario could not be rendered", zap.String("scenario", name), zap.Error(err))
		resp = schemas.StructuredResponse{Speak: fmt.Sprintf("Test failed: %v", err)}
	}
	return schemas.NewPublished(resp)
}

func (s *Session) publish(ctx context.Context, msg schemas.Published) error {
	pubCtx, cancel := context.WithTimeout(ctx, s.deps.opts.PublishTimeout)
	defer cancel()
	if err := s.deps.publisher.Publish(pubCtx, s.id, msg); err != nil {
		s.logger.Error("Failed to publish AI response", zap.Error(err))
		return fmt.Errorf("publishing reply for conversation %s: %w", s.id, err)
	}
	s.logger.Info("Sent structured AI response")
	return nil
}

func (s *Session) record(ctx context.Context, msgs ...schemas.Message) {
	if s.deps.opts.Recorder == nil {
		return
	}
	for _, m := range msgs {
		if err := s.deps.opts.Recorder.RecordMessage(ctx, s.id, m); err != nil {
			s.logger.Warn("Failed to record transcript message", zap.String("role", string(m.Role)), zap.Error(err))
		}
	}
}

// close stops accepting work and waits for the lane to drain. When ctx
// ends first, the in-flight task's context is cancelled.
func (s *Session) close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.tasks)
	}
	s.mu.Unlock()

	select {
	case <-s.done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		select {
		case <-s.done:
		case <-time.After(time.Second):
		}
		return fmt.Errorf("conversation %s did not drain: %w", s.id, ctx.Err())
	}
}
