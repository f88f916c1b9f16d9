// Package chat holds the per-conversation LLM thread: an ordered history
// that is sent in full on every call and rolled back when a call fails.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/saccessco/api/schemas"
	"github.com/xkilldash9x/saccessco/internal/llmutil"
)

// ErrNoResponse wraps every failure of Respond.
var ErrNoResponse = errors.New("could not get a response from the LLM")

// Engine owns one conversation thread. The preamble is kept out of band so
// it is sent exactly once per request no matter how often the history is
// reset or extended.
type Engine struct {
	mu       sync.Mutex
	client   schemas.LLMClient
	preamble string
	options  schemas.GenerationOptions
	history  []schemas.Message
	logger   *zap.Logger
}

// NewEngine creates an engine with an empty history.
func NewEngine(client schemas.LLMClient, preamble string, options schemas.GenerationOptions, logger *zap.Logger) *Engine {
	return &Engine{
		client:   client,
		preamble: preamble,
		options:  options,
		logger:   logger.Named("chat"),
	}
}

// Respond appends a turn, sends the whole history and returns the reply.
// The reply is not appended; callers decide how to remember it. On failure
// the appended turn is removed again so history length is unchanged.
func (e *Engine) Respond(ctx context.Context, role schemas.Role, text string) (string, error) {
	if !role.Valid() {
		return "", fmt.Errorf("%w: invalid role %q", ErrNoResponse, role)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.history = append(e.history, schemas.Message{Role: role, Content: text})
	req := schemas.GenerationRequest{
		SystemPrompt: e.preamble,
		History:      append([]schemas.Message(nil), e.history...),
		Options:      e.options,
	}
	e.logTokenEstimate(req)

	reply, err := e.client.Generate(ctx, req)
	if err == nil && strings.TrimSpace(reply) == "" {
		err = errors.New("empty reply")
	}
	if err != nil {
		e.history = e.history[:len(e.history)-1]
		e.logger.Warn("LLM call failed, history rolled back",
			zap.String("role", string(role)),
			zap.Int("history_len", len(e.history)),
			zap.Error(err))
		return "", fmt.Errorf("%w: %w", ErrNoResponse, err)
	}
	return reply, nil
}

// AddToHistory appends a turn without calling the model.
func (e *Engine) AddToHistory(role schemas.Role, text string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = append(e.history, schemas.Message{Role: role, Content: text})
}

// Reset clears every turn. The preamble survives.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = nil
}

// History returns a copy of the turns, without the preamble.
func (e *Engine) History() []schemas.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]schemas.Message(nil), e.history...)
}

// Len is the number of turns.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.history)
}

// Transcript is the history as the model sees it: a single leading system
// message carrying the preamble, then the turns.
func (e *Engine) Transcript() []schemas.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]schemas.Message, 0, len(e.history)+1)
	if e.preamble != "" {
		out = append(out, schemas.Message{Role: schemas.RoleSystem, Content: e.preamble})
	}
	return append(out, e.history...)
}

func (e *Engine) logTokenEstimate(req schemas.GenerationRequest) {
	ce := e.logger.Check(zap.DebugLevel, "Sending history to LLM")
	if ce == nil {
		return
	}
	var b strings.Builder
	b.WriteString(req.SystemPrompt)
	for _, m := range req.History {
		b.WriteString(m.Content)
	}
	tokens, err := llmutil.EstimateTokens(b.String())
	if err != nil {
		tokens = -1
	}
	ce.Write(zap.Int("turns", len(req.History)), zap.Int("estimated_tokens", tokens))
}
