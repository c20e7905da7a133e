package orchestrator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/n0madic/go-chatdispatch/internal/config"
	"github.com/n0madic/go-chatdispatch/internal/models"
	"github.com/n0madic/go-chatdispatch/internal/providers"
	"github.com/n0madic/go-chatdispatch/internal/stream"
	"github.com/n0madic/go-chatdispatch/internal/toolloop"
	"github.com/n0madic/go-chatdispatch/internal/types"
	"github.com/n0madic/go-chatdispatch/internal/upstream"
)

// stubSender answers through fn and records the models it was asked for.
type stubSender struct {
	mu    sync.Mutex
	calls []string
	reqs  []*providers.Request
	fn    func(ctx context.Context, req *providers.Request) *types.Result
}

func (s *stubSender) Send(ctx context.Context, req *providers.Request) *types.Result {
	s.mu.Lock()
	s.calls = append(s.calls, req.Model.ID)
	s.reqs = append(s.reqs, req)
	s.mu.Unlock()
	return s.fn(ctx, req).WithModel(req.Model.ID)
}

func (s *stubSender) models() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func descriptor(id string, flags models.Flag) models.Descriptor {
	return models.Descriptor{ID: id, Provider: "test", Format: models.FormatOpenAI, Flags: flags, KeyID: "test"}
}

func testRegistry(t *testing.T, descs ...models.Descriptor) *models.Registry {
	t.Helper()
	if len(descs) == 0 {
		descs = []models.Descriptor{descriptor("model-p", 0), descriptor("model-a", 0), descriptor("model-b", 0)}
	}
	reg, err := models.NewRegistry(descs...)
	require.NoError(t, err)
	return reg
}

func testStore(mut func(s *config.Settings)) *config.Store {
	s := config.Default()
	s.Model = "model-p"
	s.Fallbacks = map[models.Mode][]string{models.ModeModel: {"model-a", "model-b"}}
	s.RetryCount = 0
	if mut != nil {
		mut(s)
	}
	return config.NewStore(s)
}

func newTestOrchestrator(t *testing.T, store *config.Store, sender Sender, descs ...models.Descriptor) *Orchestrator {
	t.Helper()
	return New(store, testRegistry(t, descs...), Options{Sender: sender, OverloadBackoff: -1})
}

func userSays(text string) []types.Message {
	return []types.Message{{Role: types.RoleUser, Content: text}}
}

func TestFallbackOrdering(t *testing.T) {
	sender := &stubSender{fn: func(_ context.Context, req *providers.Request) *types.Result {
		if req.Model.ID == "model-b" {
			return types.Success("from b")
		}
		return types.Fail(types.TransientNetwork, "connection reset")
	}}
	o := newTestOrchestrator(t, testStore(nil), sender)

	res := o.RequestChatData(context.Background(), Args{Messages: userSays("hi")}, models.ModeModel)
	require.True(t, res.IsSuccess(), res.Text)
	assert.Equal(t, "from b", res.Text)
	assert.Equal(t, "model-b", res.Model)
	assert.Equal(t, []string{"model-p", "model-a", "model-b"}, sender.models())
}

func TestLastModelFailureIsReturned(t *testing.T) {
	sender := &stubSender{fn: func(_ context.Context, req *providers.Request) *types.Result {
		return types.Failf(types.TransientNetwork, "%s down", req.Model.ID)
	}}
	o := newTestOrchestrator(t, testStore(func(s *config.Settings) { s.RetryCount = 1 }), sender)

	res := o.RequestChatData(context.Background(), Args{Messages: userSays("hi")}, models.ModeModel)
	require.True(t, res.IsFail())
	assert.Equal(t, "model-b down", res.Text)
	assert.Equal(t, []string{"model-p", "model-p", "model-a", "model-a", "model-b", "model-b"}, sender.models())
}

func TestScenarioEcho(t *testing.T) {
	sender := &stubSender{fn: func(_ context.Context, req *providers.Request) *types.Result {
		return types.Success("echo:" + req.Messages[len(req.Messages)-1].Content)
	}}
	o := newTestOrchestrator(t, testStore(nil), sender)

	res := o.RequestChatData(context.Background(), Args{Messages: userSays("hi")}, models.ModeModel)
	require.True(t, res.IsSuccess())
	assert.Equal(t, "echo:hi", res.Text)
	require.NotNil(t, res.Usage)
	assert.True(t, res.Usage.Estimated)
}

func TestScenarioUserFirstNormalization(t *testing.T) {
	sender := &stubSender{fn: func(context.Context, *providers.Request) *types.Result {
		return types.Success("ok")
	}}
	strict := descriptor("model-p", models.MustStartWithUserInput|models.RequiresAlternateRole)
	o := newTestOrchestrator(t, testStore(nil), sender, strict)

	res := o.RequestChatData(context.Background(), Args{
		Messages: []types.Message{{Role: types.RoleSystem, Content: "sys"}},
	}, models.ModeModel)
	require.True(t, res.IsSuccess())
	require.Len(t, sender.reqs, 1)
	assert.Equal(t, []types.Message{{Role: types.RoleUser, Content: "system: sys"}}, sender.reqs[0].Messages)
}

func TestScenarioOverloadedStreamKeepsOnlyFinalAttempt(t *testing.T) {
	defer goleak.VerifyNone(t)

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")
		if hits.Add(1) == 1 {
			_, _ = w.Write([]byte("data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"partial text\"}}]}\n\n"))
			_, _ = w.Write([]byte("data: {\"error\":{\"type\":\"overloaded_error\",\"message\":\"Overloaded\"}}\n\n"))
			return
		}
		_, _ = w.Write([]byte("data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"full text\"}}]}\n\n"))
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer srv.Close()

	store := testStore(func(s *config.Settings) {
		s.Streaming = true
		s.Providers = map[string]config.Credential{"test": {APIKey: "sk-test", BaseURL: srv.URL}}
	})
	client := upstream.NewClient(false, false)
	client.HTTP = srv.Client()
	o := New(store, testRegistry(t, descriptor("model-p", models.HasStreaming)), Options{
		Deps:            providers.Deps{Client: client, ResetBackoff: -1},
		OverloadBackoff: -1,
	})

	res := o.RequestChatData(context.Background(), Args{Messages: userSays("hi")}, models.ModeModel)
	require.True(t, res.IsStreaming(), res.Text)
	assert.Equal(t, "model-p", res.Model)

	var seen []string
	got := stream.Collect(context.Background(), res.Stream, func(c types.StreamChunk) {
		seen = append(seen, c.Primary())
	})
	res.Stream.Close()

	require.NoError(t, got.Err)
	assert.Equal(t, "full text", got.Text())
	assert.Contains(t, seen, "", "the overload reset is signalled by an empty chunk")
	for _, c := range seen {
		assert.NotContains(t, c, "partial textfull text")
	}
	assert.EqualValues(t, 2, hits.Load())
}

func TestOverloadStrikes(t *testing.T) {
	tests := []struct {
		name  string
		anti  bool
		sends int
	}{
		{name: "half strike with anti-overload", anti: true, sends: 3},
		{name: "full strike without", anti: false, sends: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := &stubSender{fn: func(context.Context, *providers.Request) *types.Result {
				return types.Fail(types.ServerOverload, "overloaded")
			}}
			store := testStore(func(s *config.Settings) {
				s.RetryCount = 1
				s.AntiServerOverload = tt.anti
				s.Fallbacks = nil
			})
			o := newTestOrchestrator(t, store, sender)
			res := o.RequestChatData(context.Background(), Args{Messages: userSays("hi")}, models.ModeModel)
			assert.True(t, res.ServerOverload)
			assert.Len(t, sender.models(), tt.sends)
		})
	}
}

func TestOverloadHonoursRetryAfter(t *testing.T) {
	first := true
	sender := &stubSender{fn: func(context.Context, *providers.Request) *types.Result {
		if first {
			first = false
			r := types.Fail(types.ServerOverload, "slow down")
			r.RetryAfter = 25 * time.Millisecond
			return r
		}
		return types.Success("ok")
	}}
	o := newTestOrchestrator(t, testStore(func(s *config.Settings) { s.RetryCount = 1 }), sender)

	start := time.Now()
	res := o.RequestChatData(context.Background(), Args{Messages: userSays("hi")}, models.ModeModel)
	require.True(t, res.IsSuccess())
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

func TestTerminalFailuresStopTheChain(t *testing.T) {
	tests := []struct {
		name string
		res  *types.Result
	}{
		{name: "not retryable", res: types.Fail(types.AuthOrConfig, "bad key")},
		{name: "no retry flag", res: types.Fail(types.TransientNetwork, "x").WithNoRetry()},
		{name: "aborted", res: types.Aborted()},
		{name: "protocol mismatch", res: types.Fail(types.ProtocolMismatch, "html page")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := &stubSender{fn: func(context.Context, *providers.Request) *types.Result { return tt.res }}
			o := newTestOrchestrator(t, testStore(func(s *config.Settings) { s.RetryCount = 3 }), sender)
			res := o.RequestChatData(context.Background(), Args{Messages: userSays("hi")}, models.ModeModel)
			assert.True(t, res.IsFail())
			assert.Equal(t, []string{"model-p"}, sender.models())
		})
	}
}

func TestCancelledContextAborts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sender := &stubSender{fn: func(context.Context, *providers.Request) *types.Result {
		cancel()
		return types.Fail(types.TransientNetwork, "reset")
	}}
	o := newTestOrchestrator(t, testStore(nil), sender)

	res := o.RequestChatData(ctx, Args{Messages: userSays("hi")}, models.ModeModel)
	assert.True(t, res.IsAborted())
	assert.Equal(t, []string{"model-p"}, sender.models())
}

func TestTimeoutAborts(t *testing.T) {
	sender := &stubSender{fn: func(ctx context.Context, _ *providers.Request) *types.Result {
		<-ctx.Done()
		return types.Aborted()
	}}
	o := newTestOrchestrator(t, testStore(func(s *config.Settings) { s.Timeout = 20 * time.Millisecond }), sender)

	res := o.RequestChatData(context.Background(), Args{Messages: userSays("hi")}, models.ModeModel)
	assert.True(t, res.IsAborted())
	assert.Len(t, sender.models(), 1)
}

func TestPostFilterRetriesSameModel(t *testing.T) {
	replies := []string{"привет", "hello"}
	sender := &stubSender{fn: func(context.Context, *providers.Request) *types.Result {
		r := replies[0]
		replies = replies[1:]
		return types.Success(r)
	}}
	store := testStore(func(s *config.Settings) {
		s.RetryCount = 1
		s.BannedScripts = []string{"Cyrillic"}
	})
	o := newTestOrchestrator(t, store, sender)

	res := o.RequestChatData(context.Background(), Args{Messages: userSays("hi")}, models.ModeModel)
	require.True(t, res.IsSuccess(), res.Text)
	assert.Equal(t, "hello", res.Text)
	assert.Equal(t, []string{"model-p", "model-p"}, sender.models())
}

func TestCallerFilterExhaustsModel(t *testing.T) {
	sender := &stubSender{fn: func(_ context.Context, req *providers.Request) *types.Result {
		return types.Success("reply from " + req.Model.ID)
	}}
	noP := func(text string) error {
		if strings.Contains(text, "model-p") {
			return assert.AnError
		}
		return nil
	}
	o := newTestOrchestrator(t, testStore(nil), sender)

	res := o.RequestChatData(context.Background(), Args{Messages: userSays("hi"), Filters: []Filter{noP}}, models.ModeModel)
	require.True(t, res.IsSuccess())
	assert.Equal(t, "reply from model-a", res.Text)
}

func TestFallbackWhenBlank(t *testing.T) {
	sender := &stubSender{fn: func(_ context.Context, req *providers.Request) *types.Result {
		if req.Model.ID == "model-p" {
			return types.Success("  \n")
		}
		return types.Success("filled")
	}}

	o := newTestOrchestrator(t, testStore(nil), sender)
	res := o.RequestChatData(context.Background(), Args{Messages: userSays("hi")}, models.ModeModel)
	assert.Equal(t, "  \n", res.Text, "blank replies are returned when the policy is off")

	sender.calls = nil
	o = newTestOrchestrator(t, testStore(func(s *config.Settings) { s.FallbackWhenBlank = true }), sender)
	res = o.RequestChatData(context.Background(), Args{Messages: userSays("hi")}, models.ModeModel)
	assert.Equal(t, "filled", res.Text)
	assert.Equal(t, []string{"model-p", "model-a"}, sender.models())
}

func TestUnknownModelIsSkipped(t *testing.T) {
	sender := &stubSender{fn: func(context.Context, *providers.Request) *types.Result {
		return types.Success("ok")
	}}
	o := newTestOrchestrator(t, testStore(nil), sender)

	res := o.RequestChatData(context.Background(), Args{Messages: userSays("hi"), Model: "no-such-model"}, models.ModeModel)
	require.True(t, res.IsSuccess())
	assert.Equal(t, []string{"model-a"}, sender.models())
}

func TestModeSelectsModelAndProfile(t *testing.T) {
	sender := &stubSender{fn: func(context.Context, *providers.Request) *types.Result {
		return types.Success("ok")
	}}
	store := testStore(func(s *config.Settings) {
		s.ModeModels = map[models.Mode]string{models.ModeTranslate: "model-b"}
		s.SeparateParameters = true
		s.Parameters = config.Profile{models.ParamTemperature: 70}
		s.ModeParameters = map[models.Mode]config.Profile{models.ModeTranslate: {models.ParamTemperature: 10}}
		s.Providers = map[string]config.Credential{"test": {APIKey: "sk-b"}}
		s.Anthropic.Cache = true
	})
	o := newTestOrchestrator(t, store, sender)

	res := o.RequestChatData(context.Background(), Args{Messages: userSays("hola")}, models.ModeTranslate)
	require.True(t, res.IsSuccess())
	require.Len(t, sender.reqs, 1)
	req := sender.reqs[0]
	assert.Equal(t, "model-b", req.Model.ID)
	assert.EqualValues(t, 10, req.Params.Value(models.ParamTemperature))
	assert.Equal(t, "sk-b", req.Credential.APIKey)
	assert.True(t, req.Options.AnthropicCache)
	assert.False(t, req.Stream)
}

type weatherTool struct{}

func (weatherTool) ListTools(context.Context) ([]types.ToolDescriptor, error) {
	return []types.ToolDescriptor{{Name: "weather", Description: "current weather"}}, nil
}

func (weatherTool) CallTool(_ context.Context, _, args string) ([]types.ContentBlock, error) {
	return []types.ContentBlock{{Type: types.BlockText, Text: "sunny for " + args}}, nil
}

func TestToolLoopRunsInsideAttempt(t *testing.T) {
	sender := &stubSender{fn: func(_ context.Context, req *providers.Request) *types.Result {
		last := req.Messages[len(req.Messages)-1]
		if last.Role == types.RoleTool {
			return types.Success("It is " + last.Content)
		}
		res := types.Success("")
		res.ToolCalls = []types.ToolCall{{ID: "c1", Name: "weather", Arguments: `{"city":"Oslo"}`}}
		return res
	}}
	o := newTestOrchestrator(t, testStore(nil), sender, descriptor("model-p", models.HasToolUse))

	res := o.RequestChatData(context.Background(), Args{
		Messages:  userSays("weather?"),
		Executors: []toolloop.Executor{weatherTool{}},
	}, models.ModeModel)
	require.True(t, res.IsSuccess(), res.Text)
	assert.Equal(t, `It is sunny for {"city":"Oslo"}`, res.Text)
	require.Len(t, sender.reqs, 2)
	require.Len(t, sender.reqs[0].Tools, 1)
	assert.Equal(t, "weather", sender.reqs[0].Tools[0].Name)
	assert.False(t, sender.reqs[1].Stream)
}

func TestToolsOmittedForModelsWithoutToolUse(t *testing.T) {
	sender := &stubSender{fn: func(context.Context, *providers.Request) *types.Result {
		return types.Success("plain")
	}}
	o := newTestOrchestrator(t, testStore(nil), sender)

	res := o.RequestChatData(context.Background(), Args{
		Messages:  userSays("hi"),
		Executors: []toolloop.Executor{weatherTool{}},
	}, models.ModeModel)
	require.True(t, res.IsSuccess())
	assert.Empty(t, sender.reqs[0].Tools)
}

func TestRetrievalCachingRecordsRequests(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"index":0,"message":{"role":"assistant","content":"ok"}}]}`))
	}))
	defer srv.Close()

	for _, on := range []bool{false, true} {
		store := testStore(func(s *config.Settings) {
			s.Anthropic.RetrievalCaching = on
			s.Providers = map[string]config.Credential{"test": {APIKey: "sk-secret", BaseURL: srv.URL}}
		})
		client := upstream.NewClient(false, false)
		client.HTTP = srv.Client()
		o := New(store, testRegistry(t), Options{Deps: providers.Deps{Client: client}, OverloadBackoff: -1})

		res := o.RequestChatData(context.Background(), Args{Messages: userSays("hi")}, models.ModeModel)
		require.True(t, res.IsSuccess(), res.Text)

		snap, ok := o.LastRequest()
		assert.Equal(t, on, ok)
		if on {
			assert.Equal(t, http.MethodPost, snap.Method)
			assert.NotContains(t, snap.Header.Get("Authorization"), "sk-secret")
			assert.Contains(t, string(snap.Body), `"hi"`)
		}

		reply, ok := o.LastReply()
		assert.Equal(t, on, ok)
		if on {
			assert.Equal(t, http.StatusOK, reply.Status)
			assert.Contains(t, string(reply.Body), `"ok"`)
		}
	}
}
