package conversation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/saccessco/api/schemas"
	"github.com/xkilldash9x/saccessco/internal/mocks"
	"github.com/xkilldash9x/saccessco/internal/pagehtml"
	"github.com/xkilldash9x/saccessco/internal/scenario"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// -- Test doubles --

type recordingPublisher struct {
	mu    sync.Mutex
	msgs  []schemas.Published
	ids   []string
	err   error
	panic bool
}

func (p *recordingPublisher) Publish(_ context.Context, id string, msg schemas.Published) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.panic {
		p.panic = false
		panic("publisher exploded")
	}
	p.msgs = append(p.msgs, msg)
	p.ids = append(p.ids, id)
	return p.err
}

func (p *recordingPublisher) published() []schemas.Published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]schemas.Published(nil), p.msgs...)
}

type memoryRecorder struct {
	mu   sync.Mutex
	msgs map[string][]schemas.Message
	err  error
}

func (r *memoryRecorder) RecordMessage(_ context.Context, id string, msg schemas.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.msgs == nil {
		r.msgs = make(map[string][]schemas.Message)
	}
	r.msgs[id] = append(r.msgs[id], msg)
	return r.err
}

func setupRegistry(t *testing.T, llm *mocks.MockLLMClient, pub Publisher, opts Options) *Registry {
	t.Helper()
	if opts.Scenarios == nil {
		catalog, err := scenario.Builtin("test")
		require.NoError(t, err)
		opts.Scenarios = catalog
	}
	reg := NewRegistry(llm, pub, opts, zaptest.NewLogger(t))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, reg.Shutdown(ctx))
	})
	return reg
}

func waitFor(t *testing.T, p *Pending) schemas.Published {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := p.Wait(ctx)
	require.NoError(t, err)
	return msg
}

func structured(t *testing.T, msg schemas.Published) schemas.StructuredResponse {
	t.Helper()
	require.Equal(t, schemas.MsgTypeAIResponse, msg.Type)
	resp, ok := msg.AIResponse.(schemas.StructuredResponse)
	require.True(t, ok, "expected a StructuredResponse, got %T", msg.AIResponse)
	return resp
}

// -- Registry --

func TestRegistry_GetOrCreateIsSingleFlight(t *testing.T) {
	reg := setupRegistry(t, new(mocks.MockLLMClient), &recordingPublisher{}, Options{})

	const callers = 32
	sessions := make([]*Session, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := reg.GetOrCreate("shared")
			require.NoError(t, err)
			sessions[i] = s
		}(i)
	}
	wg.Wait()

	for _, s := range sessions {
		assert.Same(t, sessions[0], s)
	}
	assert.Equal(t, 1, reg.Len())

	other, err := reg.GetOrCreate("other")
	require.NoError(t, err)
	assert.NotSame(t, sessions[0], other)
	assert.Equal(t, "other", other.ID())
}

func TestRegistry_ShutdownRejectsWork(t *testing.T) {
	reg := NewRegistry(new(mocks.MockLLMClient), &recordingPublisher{}, Options{}, zaptest.NewLogger(t))
	s, err := reg.GetOrCreate("c1")
	require.NoError(t, err)

	require.NoError(t, reg.Shutdown(context.Background()))
	require.NoError(t, reg.Shutdown(context.Background()))

	_, err = reg.GetOrCreate("c2")
	assert.ErrorIs(t, err, ErrRegistryClosed)

	_, err = s.OnUserPrompt("hello").Wait(context.Background())
	assert.ErrorIs(t, err, ErrRegistryClosed)
	s.OnPageChange("<p>ignored</p>")
}

func TestRegistry_ResetDropsSessions(t *testing.T) {
	reg := setupRegistry(t, new(mocks.MockLLMClient), &recordingPublisher{}, Options{})
	first, err := reg.GetOrCreate("c1")
	require.NoError(t, err)

	require.NoError(t, reg.Reset(context.Background()))
	assert.Zero(t, reg.Len())

	second, err := reg.GetOrCreate("c1")
	require.NoError(t, err)
	assert.NotSame(t, first, second)
}

// -- User prompts --

func TestSession_UserPromptPublishesParsedReply(t *testing.T) {
	llm := new(mocks.MockLLMClient)
	pub := &recordingPublisher{}
	rec := &memoryRecorder{}
	reg := setupRegistry(t, llm, pub, Options{Preamble: "be helpful", Recorder: rec})

	reply := "Sure: ```json\n{\"speak\":\"Searching.\",\"execute\":[{\"selector\":\"#q\",\"action\":\"click\",\"data\":null}]}\n```"
	llm.On("Generate", mock.Anything, mock.MatchedBy(func(req schemas.GenerationRequest) bool {
		return req.SystemPrompt == "be helpful" &&
			len(req.History) == 1 &&
			req.History[0] == schemas.Message{Role: schemas.RoleUser, Content: "find shoes"}
	})).Return(reply, nil).Once()

	s, err := reg.GetOrCreate("c1")
	require.NoError(t, err)
	resp := structured(t, waitFor(t, s.OnUserPrompt("find shoes")))

	assert.Equal(t, "Sure: Searching.", resp.Speak)
	require.Len(t, resp.Execute.Plan, 1)
	assert.Equal(t, schemas.ActionClick, resp.Execute.Plan[0].Action)

	assert.Equal(t, []schemas.Message{
		{Role: schemas.RoleUser, Content: "find shoes"},
		{Role: schemas.RoleModel, Content: reply},
	}, s.Engine().History())
	assert.Len(t, pub.published(), 1)
	assert.Equal(t, s.Engine().History(), rec.msgs["c1"])
	llm.AssertExpectations(t)
}

func TestSession_LLMFailurePublishesGenericMessage(t *testing.T) {
	llm := new(mocks.MockLLMClient)
	pub := &recordingPublisher{}
	reg := setupRegistry(t, llm, pub, Options{})

	llm.On("Generate", mock.Anything, mock.Anything).Return("", errors.New("quota exceeded")).Once()

	s, err := reg.GetOrCreate("c1")
	require.NoError(t, err)
	resp := structured(t, waitFor(t, s.OnUserPrompt("hello")))

	assert.Equal(t, NoResponseMessage, resp.Speak)
	assert.True(t, resp.Execute.Empty())
	assert.Zero(t, s.Engine().Len(), "failed turn must be rolled back")
	assert.Len(t, pub.published(), 1)
}

func TestSession_PublishErrorIsReported(t *testing.T) {
	llm := new(mocks.MockLLMClient)
	pub := new(mocks.MockPublisher)
	reg := setupRegistry(t, llm, pub, Options{})
	llm.On("Generate", mock.Anything, mock.Anything).Return(`{"speak":"ok"}`, nil)
	pub.On("Publish", mock.Anything, "c1", mock.AnythingOfType("schemas.Published")).
		Return(errors.New("hub is shut down")).Once()

	s, err := reg.GetOrCreate("c1")
	require.NoError(t, err)
	msg, err := s.OnUserPrompt("hi").Wait(context.Background())
	assert.ErrorContains(t, err, "hub is shut down")
	assert.Equal(t, "ok", structured(t, msg).Speak)
	pub.AssertExpectations(t)
}

func TestSession_PromptsArePublishedInOrder(t *testing.T) {
	llm := new(mocks.MockLLMClient)
	pub := &recordingPublisher{}
	reg := setupRegistry(t, llm, pub, Options{})

	llm.On("Generate", mock.Anything, mock.Anything).Return(func(_ context.Context, req schemas.GenerationRequest) string {
		last := req.History[len(req.History)-1].Content
		return `{"speak":"` + last + `"}`
	}, nil)

	s, err := reg.GetOrCreate("c1")
	require.NoError(t, err)

	var pendings []*Pending
	want := []string{"one", "two", "three", "four", "five"}
	for _, p := range want {
		pendings = append(pendings, s.OnUserPrompt(p))
	}
	waitFor(t, pendings[len(pendings)-1])

	var got []string
	for _, msg := range pub.published() {
		got = append(got, structured(t, msg).Speak)
	}
	assert.Equal(t, want, got)
	assert.Equal(t, 2*len(want), s.Engine().Len())
}

// -- Page changes --

func TestSession_PageChangeIsAnalysedBeforeNextPrompt(t *testing.T) {
	llm := new(mocks.MockLLMClient)
	pub := &recordingPublisher{}
	reg := setupRegistry(t, llm, pub, Options{Trimmer: pagehtml.NewTrimmer(0)})

	llm.On("Generate", mock.Anything, mock.MatchedBy(func(req schemas.GenerationRequest) bool {
		return len(req.History) == 1
	})).Return("The page has a search box.", nil).Once()
	llm.On("Generate", mock.Anything, mock.MatchedBy(func(req schemas.GenerationRequest) bool {
		return len(req.History) == 3
	})).Return(`{"speak":"ready"}`, nil).Once()

	s, err := reg.GetOrCreate("c1")
	require.NoError(t, err)
	s.OnPageChange(`<html><body><script>track()</script><input id="q"></body></html>`)
	resp := structured(t, waitFor(t, s.OnUserPrompt("what can I do?")))
	assert.Equal(t, "ready", resp.Speak)

	history := s.Engine().History()
	require.Len(t, history, 4)
	assert.Equal(t, schemas.RoleSystem, history[0].Role)
	assert.True(t, strings.HasPrefix(history[0].Content, "PAGE CHANGE\n"))
	assert.Contains(t, history[0].Content, `<input id="q"/>`)
	assert.NotContains(t, history[0].Content, "track()")
	assert.Equal(t, schemas.Message{Role: schemas.RoleModel, Content: "The page has a search box."}, history[1])

	assert.Len(t, pub.published(), 1, "page changes publish nothing")
	llm.AssertExpectations(t)
}

func TestSession_PageChangeFailureIsOnlyLogged(t *testing.T) {
	llm := new(mocks.MockLLMClient)
	reg := setupRegistry(t, llm, &recordingPublisher{}, Options{})
	llm.On("Generate", mock.Anything, mock.Anything).Return("", errors.New("boom")).Once()
	llm.On("Generate", mock.Anything, mock.Anything).Return(`{"speak":"fine"}`, nil).Once()

	s, err := reg.GetOrCreate("c1")
	require.NoError(t, err)
	s.OnPageChange("<p>page</p>")
	resp := structured(t, waitFor(t, s.OnUserPrompt("hello")))

	assert.Equal(t, "fine", resp.Speak)
	assert.Equal(t, 2, s.Engine().Len())
}

// -- Test scenarios --

func TestSession_TestPromptBypassesLLM(t *testing.T) {
	llm := new(mocks.MockLLMClient)
	pub := &recordingPublisher{}
	reg := setupRegistry(t, llm, pub, Options{})

	s, err := reg.GetOrCreate("c1")
	require.NoError(t, err)
	resp := structured(t, waitFor(t, s.OnUserPrompt(`Test select date no wait {"date": "5/11/2025"}`)))

	assert.Contains(t, resp.Speak, "5 November 2025.")
	require.Len(t, resp.Execute.Plan, 2)
	assert.Equal(t, "[aria-label*='5 November 2025.']", resp.Execute.Plan[1].Selector)
	assert.Zero(t, s.Engine().Len())
	llm.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything)
	assert.Len(t, pub.published(), 1)
}

func TestSession_UnknownTestListsAvailable(t *testing.T) {
	reg := setupRegistry(t, new(mocks.MockLLMClient), &recordingPublisher{}, Options{})
	s, err := reg.GetOrCreate("c1")
	require.NoError(t, err)

	resp := structured(t, waitFor(t, s.OnUserPrompt("test fly me to the moon")))
	assert.True(t, strings.HasPrefix(resp.Speak, "Test not found: test fly me to the moon."))
	assert.Contains(t, resp.Speak, "select date no wait")
	assert.True(t, resp.Execute.Empty())
}

func TestSession_BadScenarioArgumentsAreSpoken(t *testing.T) {
	reg := setupRegistry(t, new(mocks.MockLLMClient), &recordingPublisher{}, Options{})
	s, err := reg.GetOrCreate("c1")
	require.NoError(t, err)

	resp := structured(t, waitFor(t, s.OnUserPrompt(`test select date no wait {"date": "not a date"}`)))
	assert.True(t, strings.HasPrefix(resp.Speak, "Test failed:"))
}

// -- Lane resilience --

func TestSession_PanicInTaskKeepsLaneAlive(t *testing.T) {
	llm := new(mocks.MockLLMClient)
	pub := &recordingPublisher{panic: true}
	reg := setupRegistry(t, llm, pub, Options{})
	llm.On("Generate", mock.Anything, mock.Anything).Return(`{"speak":"again"}`, nil)

	s, err := reg.GetOrCreate("c1")
	require.NoError(t, err)

	_, err = s.OnUserPrompt("first").Wait(context.Background())
	assert.ErrorIs(t, err, ErrTaskAborted)

	resp := structured(t, waitFor(t, s.OnUserPrompt("second")))
	assert.Equal(t, "again", resp.Speak)
}

func TestPending_WaitHonoursContext(t *testing.T) {
	p := newPending()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := p.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	p.resolve(schemas.NewPublished(schemas.StructuredResponse{Speak: "late"}), nil)
	<-p.Done()
	msg, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "late", structured(t, msg).Speak)
}

func TestDefaultPreambleIsEmbedded(t *testing.T) {
	assert.Contains(t, DefaultPreamble, "PAGE CHANGE")
	assert.Contains(t, DefaultPreamble, schemas.UserFromSentinel)
}
