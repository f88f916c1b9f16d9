package chat

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/saccessco/api/schemas"
	"github.com/xkilldash9x/saccessco/internal/mocks"
)

func newTestEngine(t *testing.T, client schemas.LLMClient) (*Engine, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	return NewEngine(client, "You operate web pages.", schemas.GenerationOptions{Temperature: 0.2}, zap.New(core)), logs
}

func TestRespond_SendsWholeHistory(t *testing.T) {
	client := new(mocks.MockLLMClient)
	engine, logs := newTestEngine(t, client)
	engine.AddToHistory(schemas.RoleUser, "PAGE CHANGE\n<main/>")
	engine.AddToHistory(schemas.RoleModel, "noted")

	client.On("Generate", mock.Anything, mock.MatchedBy(func(req schemas.GenerationRequest) bool {
		return req.SystemPrompt == "You operate web pages." &&
			len(req.History) == 3 &&
			req.History[2] == schemas.Message{Role: schemas.RoleUser, Content: "click search"} &&
			req.Options.Temperature == 0.2
	})).Return(`{"speak":"ok"}`, nil).Once()

	reply, err := engine.Respond(context.Background(), schemas.RoleUser, "click search")
	require.NoError(t, err)
	assert.Equal(t, `{"speak":"ok"}`, reply)
	// The reply is the caller's to record.
	assert.Equal(t, 3, engine.Len())
	client.AssertExpectations(t)

	debug := logs.FilterMessage("Sending history to LLM").All()
	require.Len(t, debug, 1)
	assert.Greater(t, debug[0].ContextMap()["estimated_tokens"], int64(0))
}

func TestRespond_RollsBackOnFailure(t *testing.T) {
	client := new(mocks.MockLLMClient)
	engine, logs := newTestEngine(t, client)
	engine.AddToHistory(schemas.RoleUser, "hello")
	engine.AddToHistory(schemas.RoleModel, "hi")
	before := engine.History()

	boom := errors.New("503 from upstream")
	client.On("Generate", mock.Anything, mock.Anything).Return("", boom).Once()

	_, err := engine.Respond(context.Background(), schemas.RoleUser, "fill the form")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoResponse)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, before, engine.History())
	assert.Equal(t, 1, logs.FilterMessage("LLM call failed, history rolled back").Len())

	// The next call sees no dangling turn.
	client.On("Generate", mock.Anything, mock.MatchedBy(func(req schemas.GenerationRequest) bool {
		return len(req.History) == 3 && req.History[2].Content == "try again"
	})).Return("done", nil).Once()
	_, err = engine.Respond(context.Background(), schemas.RoleUser, "try again")
	require.NoError(t, err)
	client.AssertExpectations(t)
}

func TestRespond_EmptyReplyIsAFailure(t *testing.T) {
	client := new(mocks.MockLLMClient)
	engine, _ := newTestEngine(t, client)
	client.On("Generate", mock.Anything, mock.Anything).Return("   ", nil).Once()

	_, err := engine.Respond(context.Background(), schemas.RoleUser, "hi")
	assert.ErrorIs(t, err, ErrNoResponse)
	assert.Zero(t, engine.Len())
}

func TestRespond_InvalidRole(t *testing.T) {
	engine, _ := newTestEngine(t, new(mocks.MockLLMClient))
	_, err := engine.Respond(context.Background(), schemas.Role("assistant"), "x")
	assert.ErrorIs(t, err, ErrNoResponse)
	assert.Zero(t, engine.Len())
}

func TestTranscript_PreambleAppearsOnce(t *testing.T) {
	client := new(mocks.MockLLMClient)
	client.On("Generate", mock.Anything, mock.Anything).Return("ok", nil)
	engine, _ := newTestEngine(t, client)

	for i := 0; i < 3; i++ {
		_, err := engine.Respond(context.Background(), schemas.RoleSystem, "PAGE CHANGE\n<p/>")
		require.NoError(t, err)
		engine.AddToHistory(schemas.RoleModel, "ok")
	}
	engine.Reset()
	engine.AddToHistory(schemas.RoleUser, "after reset")

	transcript := engine.Transcript()
	require.Len(t, transcript, 2)
	assert.Equal(t, schemas.Message{Role: schemas.RoleSystem, Content: "You operate web pages."}, transcript[0])
	assert.Equal(t, "after reset", transcript[1].Content)

	for _, call := range client.Calls {
		req := call.Arguments.Get(1).(schemas.GenerationRequest)
		for _, m := range req.History {
			assert.NotEqual(t, "You operate web pages.", m.Content, "preamble must not be a turn")
		}
	}
}

func TestHistory_ReturnsCopy(t *testing.T) {
	engine, _ := newTestEngine(t, new(mocks.MockLLMClient))
	engine.AddToHistory(schemas.RoleUser, "a")
	h := engine.History()
	h[0].Content = "mutated"
	assert.Equal(t, "a", engine.History()[0].Content)
}

func TestRespond_ConcurrentCallsStayConsistent(t *testing.T) {
	client := new(mocks.MockLLMClient)
	client.On("Generate", mock.Anything, mock.Anything).Return("", errors.New("down"))
	engine, _ := newTestEngine(t, client)
	engine.AddToHistory(schemas.RoleUser, "seed")

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = engine.Respond(context.Background(), schemas.RoleUser, "x")
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, engine.Len())
}
