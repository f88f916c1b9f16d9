// Package hub fans published assistant replies out to every listener of a
// conversation.
package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/saccessco/api/schemas"
)

// ErrShutdown is returned by Publish once the hub has been shut down.
var ErrShutdown = errors.New("hub is shut down")

// Envelope is what subscribers receive for every published message.
type Envelope struct {
	ID             string
	Timestamp      time.Time
	ConversationID string
	Message        schemas.Published
}

type subscription struct {
	ch chan Envelope
}

// Hub is an in-process pub/sub keyed by conversation id. Sends block while a
// subscriber's buffer is full, bounded by the publisher's context.
type Hub struct {
	logger     *zap.Logger
	bufferSize int

	mu     sync.RWMutex
	topics map[string][]*subscription

	// Tracks in-flight Publish calls so Shutdown can wait for them.
	activePosts sync.WaitGroup
	shutdownMu  sync.Mutex
	isShutdown  bool
}

// New creates a Hub. A non-positive bufferSize falls back to 16.
func New(logger *zap.Logger, bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = 16
	}
	return &Hub{
		logger:     logger.Named("hub"),
		bufferSize: bufferSize,
		topics:     make(map[string][]*subscription),
	}
}

// Publish delivers msg to every current subscriber of conversationID, in
// subscription order. A stalled subscriber does not stop delivery to the
// rest; its error is joined into the result. With no subscribers it does
// nothing.
func (h *Hub) Publish(ctx context.Context, conversationID string, msg schemas.Published) error {
	h.shutdownMu.Lock()
	if h.isShutdown {
		h.shutdownMu.Unlock()
		return ErrShutdown
	}
	h.activePosts.Add(1)
	h.shutdownMu.Unlock()
	defer h.activePosts.Done()

	h.mu.RLock()
	subs := h.topics[conversationID]
	if len(subs) == 0 {
		h.mu.RUnlock()
		h.logger.Debug("No subscribers for conversation, dropping message", zap.String("conversation_id", conversationID))
		return nil
	}
	subsCopy := make([]*subscription, len(subs))
	copy(subsCopy, subs)
	h.mu.RUnlock()

	env := Envelope{
		ID:             uuid.New().String(),
		Timestamp:      time.Now().UTC(),
		ConversationID: conversationID,
		Message:        msg,
	}
	var errs []error
	for _, sub := range subsCopy {
		if err := h.deliver(ctx, sub, env); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// deliver sends one envelope. A channel closed underneath us by an
// unsubscribe or Shutdown surfaces as a recovered panic.
func (h *Hub) deliver(ctx context.Context, sub *subscription, env Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Debug("Recovered from send on closed subscription", zap.Any("panic", r))
			h.shutdownMu.Lock()
			closed := h.isShutdown
			h.shutdownMu.Unlock()
			if closed {
				err = ErrShutdown
			}
		}
	}()

	// Buffer space wins even after an earlier subscriber used up the deadline.
	select {
	case sub.ch <- env:
		return nil
	default:
	}

	select {
	case sub.ch <- env:
		return nil
	case <-ctx.Done():
		h.logger.Warn("Subscriber did not drain in time",
			zap.String("conversation_id", env.ConversationID),
			zap.Error(ctx.Err()))
		return ctx.Err()
	}
}

// Subscribe registers a listener for conversationID. The returned function
// removes the subscription and closes the channel; calling it more than once
// is safe.
func (h *Hub) Subscribe(conversationID string) (<-chan Envelope, func()) {
	sub := &subscription{ch: make(chan Envelope, h.bufferSize)}

	h.mu.Lock()
	h.shutdownMu.Lock()
	down := h.isShutdown
	h.shutdownMu.Unlock()
	if down {
		h.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	h.topics[conversationID] = append(h.topics[conversationID], sub)
	h.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()

			subs := h.topics[conversationID]
			for i, s := range subs {
				if s == sub {
					h.topics[conversationID] = append(subs[:i], subs[i+1:]...)
					if len(h.topics[conversationID]) == 0 {
						delete(h.topics, conversationID)
					}
					close(sub.ch)
					return
				}
			}
			// Not found: Shutdown already closed it.
		})
	}
	return sub.ch, unsubscribe
}

// Subscribers reports how many listeners conversationID currently has.
func (h *Hub) Subscribers(conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[conversationID])
}

// Shutdown closes every subscription and waits for in-flight publishes to
// return. Later publishes fail with ErrShutdown.
func (h *Hub) Shutdown() {
	h.shutdownMu.Lock()
	if h.isShutdown {
		h.shutdownMu.Unlock()
		return
	}
	h.isShutdown = true
	h.shutdownMu.Unlock()

	h.mu.Lock()
	for _, subs := range h.topics {
		for _, s := range subs {
			close(s.ch)
		}
	}
	h.topics = make(map[string][]*subscription)
	h.mu.Unlock()

	h.activePosts.Wait()
	h.logger.Info("Hub shut down")
}
