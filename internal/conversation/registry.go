// Package conversation keeps one serialized session per conversation id and
// turns page changes and user prompts into published assistant replies.
package conversation

import (
	"context"
	_ "embed"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/saccessco/api/schemas"
	"github.com/xkilldash9x/saccessco/internal/pagehtml"
	"github.com/xkilldash9x/saccessco/internal/scenario"
)

// DefaultPreamble is the system prompt used when none is configured.
//
//go:embed preamble.md
var DefaultPreamble string

// ErrRegistryClosed is returned once Shutdown has started.
var ErrRegistryClosed = errors.New("conversation registry is closed")

// Publisher delivers a finished turn to whoever listens on the conversation.
type Publisher interface {
	Publish(ctx context.Context, conversationID string, msg schemas.Published) error
}

// Recorder persists transcript messages.
type Recorder interface {
	RecordMessage(ctx context.Context, conversationID string, msg schemas.Message) error
}

// Options configures every session created by a Registry.
type Options struct {
	Preamble       string
	Generation     schemas.GenerationOptions
	QueueSize      int
	PublishTimeout time.Duration
	Trimmer        *pagehtml.Trimmer
	Scenarios      *scenario.Catalog
	Recorder       Recorder
}

type dependencies struct {
	client    schemas.LLMClient
	publisher Publisher
	opts      Options
}

// Registry maps conversation ids to sessions. It is the only state shared
// between request handlers.
type Registry struct {
	deps   *dependencies
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewRegistry creates an empty registry.
func NewRegistry(client schemas.LLMClient, publisher Publisher, opts Options, logger *zap.Logger) *Registry {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 5 * time.Second
	}
	if opts.Preamble == "" {
		opts.Preamble = DefaultPreamble
	}
	return &Registry{
		deps:     &dependencies{client: client, publisher: publisher, opts: opts},
		logger:   logger.Named("conversation"),
		sessions: make(map[string]*Session),
	}
}

// GetOrCreate returns the session for id, creating it on first use. Every
// caller for the same id gets the same session.
func (r *Registry) GetOrCreate(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}
	if s, ok := r.sessions[id]; ok {
		return s, nil
	}
	s := newSession(id, r.deps, r.logger)
	r.sessions[id] = s
	r.logger.Info("New conversation created", zap.String("conversation_id", id))
	return s, nil
}

// Len is the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Reset drops every session after draining it. Intended for tests.
func (r *Registry) Reset(ctx context.Context) error {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()
	return closeAll(ctx, sessions)
}

// Shutdown rejects new sessions and drains the existing ones.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	r.logger.Info("Shutting down conversations", zap.Int("count", len(sessions)))
	return closeAll(ctx, sessions)
}

func closeAll(ctx context.Context, sessions map[string]*Session) error {
	var g errgroup.Group
	for _, s := range sessions {
		g.Go(func() error { return s.close(ctx) })
	}
	return g.Wait()
}
