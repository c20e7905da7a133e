// Package providers turns a normalized request into one upstream call per
// wire format and decodes the reply into a types.Result.
package providers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/n0madic/go-chatdispatch/internal/auth"
	"github.com/n0madic/go-chatdispatch/internal/config"
	"github.com/n0madic/go-chatdispatch/internal/models"
	"github.com/n0madic/go-chatdispatch/internal/params"
	"github.com/n0madic/go-chatdispatch/internal/stream"
	"github.com/n0madic/go-chatdispatch/internal/types"
	"github.com/n0madic/go-chatdispatch/internal/upstream"
)

// Request is one adapter call.
type Request struct {
	Model      models.Descriptor
	Messages   []types.Message
	Params     params.Source
	Stream     bool
	Tools      []types.ToolDescriptor
	MaxTokens  int
	Candidates int
	Credential config.Credential
	Options    Options
}

// Options carries per-provider toggles from the settings snapshot.
type Options struct {
	AnthropicBatch    bool
	AnthropicCache    bool
	BatchPollInterval time.Duration
	GoogleShim        bool
	GoogleSafetyOff   bool
}

// Adapter performs one upstream call. Adapters classify failures but never
// retry across models and never execute tools.
type Adapter interface {
	Send(ctx context.Context, req *Request) *types.Result
}

// AdapterFunc adapts a function to Adapter.
type AdapterFunc func(ctx context.Context, req *Request) *types.Result

// Send implements Adapter.
func (f AdapterFunc) Send(ctx context.Context, req *Request) *types.Result { return f(ctx, req) }

// Deps are the collaborators adapters share.
type Deps struct {
	Client *upstream.Client
	Tokens *auth.TokenCache
	// Engine backs the webllm format; nil reports it unavailable.
	Engine LocalEngine
	// Plugins backs the plugin format; nil reports it unavailable.
	Plugins *PluginBridge
	// PollInterval paces Horde and batch polling; zero means the default.
	PollInterval time.Duration
	// ResetBackoff is the stream reissue pause; zero means the default.
	ResetBackoff time.Duration
}

// Table maps every format to its adapter.
type Table map[models.Format]Adapter

// NewTable builds the dispatch table. It panics if a format has no adapter.
func NewTable(deps Deps) Table {
	if deps.Client == nil {
		deps.Client = upstream.NewClient(false, false)
	}
	if deps.Tokens == nil {
		deps.Tokens = auth.NewTokenCache()
	}
	oa := &openAIAdapter{deps: deps, defaultBase: "https://api.openai.com/v1"}
	t := Table{
		models.FormatOpenAI:          oa,
		models.FormatOpenAIResponses: &responsesAdapter{deps: deps},
		models.FormatOpenAILegacy:    &legacyAdapter{deps: deps},
		models.FormatAnthropic:       &anthropicAdapter{deps: deps},
		models.FormatBedrock:         &bedrockAdapter{deps: deps},
		models.FormatGoogle:          &googleAdapter{deps: deps, shim: oa},
		models.FormatVertex:          &googleAdapter{deps: deps, vertex: true},
		models.FormatCohere:          &cohereAdapter{deps: deps},
		models.FormatMistral:         &openAIAdapter{deps: deps, defaultBase: "https://api.mistral.ai/v1", noCandidates: true},
		models.FormatNovelAI:         &novelAIAdapter{deps: deps},
		models.FormatKobold:          &koboldAdapter{deps: deps},
		models.FormatOoba:            &oobaAdapter{deps: deps},
		models.FormatOobaChat:        &oobaAdapter{deps: deps, chat: true},
		models.FormatOllama:          &ollamaAdapter{deps: deps},
		models.FormatHorde:           &hordeAdapter{deps: deps},
		models.FormatWebLLM:          &webLLMAdapter{engine: deps.Engine},
		models.FormatPlugin:          &pluginAdapter{bridge: deps.Plugins},
	}
	for _, f := range models.AllFormats() {
		if t[f] == nil {
			panic(fmt.Sprintf("providers: no adapter for format %q", f))
		}
	}
	return t
}

// Send dispatches req by its model format.
func (t Table) Send(ctx context.Context, req *Request) *types.Result {
	a, ok := t[req.Model.Format]
	if !ok {
		return types.Failf(types.AuthOrConfig, "no adapter for format %q", req.Model.Format)
	}
	if ctx.Err() != nil {
		return types.Aborted()
	}
	res := a.Send(ctx, req)
	if res == nil {
		return types.Failf(types.ProtocolMismatch, "adapter for %q returned no result", req.Model.Format)
	}
	if res.IsFail() && ctx.Err() != nil {
		return types.Aborted()
	}
	return res.WithModel(req.Model.ID)
}

func baseURL(req *Request, def string) string {
	base := firstNonEmpty(req.Credential.BaseURL, req.Model.Endpoint, def)
	return strings.TrimRight(base, "/")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func maxTokens(req *Request) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	return config.DefaultMaxTokens
}

func candidates(req *Request) int {
	if req.Candidates > 1 && req.Model.Flags.Has(models.PoolSupported) {
		return req.Candidates
	}
	return 1
}

func streaming(req *Request) bool {
	return req.Stream && req.Model.Flags.Has(models.HasStreaming)
}

func applyParams(body []byte, req *Request, rename params.Rename) ([]byte, *types.Result) {
	if req.Params == nil {
		return body, nil
	}
	out, err := params.Apply(body, req.Model.Parameters, rename, req.Params)
	if err != nil {
		return nil, types.Failf(types.AuthOrConfig, "invalid sampling parameters: %v", err)
	}
	return out, nil
}

// startStream opens the first attempt and hands the source to a stream
// decoder that reissues through open after an overload.
func (d Deps) startStream(ctx context.Context, req *Request, open stream.Opener, handle stream.Handler) *types.Result {
	src, err := open(ctx)
	if err != nil {
		return upstream.ResultFromError(err)
	}
	return d.resume(ctx, req, src, open, handle)
}

// resume wraps an already opened source in a live stream.
func (d Deps) resume(ctx context.Context, req *Request, src stream.Source, open stream.Opener, handle stream.Handler) *types.Result {
	s := stream.Start(ctx, src, stream.Config{
		Handle:       handle,
		Reopen:       open,
		ResetBackoff: d.ResetBackoff,
		Model:        req.Model.ID,
	})
	return types.Streaming(s)
}

// opener returns a stream.Opener that reissues up as an event stream. With
// ndjson set the body is decoded line by line instead of as SSE.
func (d Deps) opener(up upstream.Request, ndjson bool) stream.Opener {
	up.Expect = upstream.ExpectStream
	return func(ctx context.Context) (stream.Source, error) {
		resp, err := d.Client.Open(ctx, &up)
		if err != nil {
			return nil, err
		}
		if ndjson {
			return stream.NDJSON(resp.Body), nil
		}
		return stream.SSE(resp.Body), nil
	}
}

func bearer(key string) http.Header {
	h := http.Header{}
	if key != "" {
		h.Set("Authorization", "Bearer "+key)
	}
	return h
}

// textResult builds a success with text and tool calls, or a multiline
// result when more than one candidate came back.
func textResult(texts []string, calls []types.ToolCall, usage *types.Usage) *types.Result {
	if len(texts) > 1 {
		lines := make([]types.Line, len(texts))
		for i, t := range texts {
			lines[i] = types.Line{Role: "char", Text: t}
		}
		return types.Multiline(lines).WithUsage(usage)
	}
	text := ""
	if len(texts) == 1 {
		text = texts[0]
	}
	r := types.Success(text).WithUsage(usage)
	r.ToolCalls = calls
	return r
}

func logVerbose(d Deps, event string, args ...any) {
	if d.Client != nil && d.Client.Verbose {
		slog.Info(event, args...)
	}
}
