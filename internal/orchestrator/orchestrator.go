// Package orchestrator is the outermost control loop of a chat request: it
// walks the primary model and its fallbacks, retries transient failures,
// applies post-filters, and runs the tool loop on replies that call tools.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/n0madic/go-chatdispatch/internal/auth"
	"github.com/n0madic/go-chatdispatch/internal/config"
	"github.com/n0madic/go-chatdispatch/internal/models"
	"github.com/n0madic/go-chatdispatch/internal/normalize"
	"github.com/n0madic/go-chatdispatch/internal/providers"
	"github.com/n0madic/go-chatdispatch/internal/tokens"
	"github.com/n0madic/go-chatdispatch/internal/toolloop"
	"github.com/n0madic/go-chatdispatch/internal/types"
	"github.com/n0madic/go-chatdispatch/internal/upstream"
)

const (
	// DefaultOverloadBackoff is the pause after an overload failure when the
	// provider sent no Retry-After hint.
	DefaultOverloadBackoff = time.Second
	// MaxRetryAfter caps provider Retry-After hints.
	MaxRetryAfter = 30 * time.Second

	recordedRequests = 16
)

// Sender performs one adapter call. providers.Table implements it.
type Sender interface {
	Send(ctx context.Context, req *providers.Request) *types.Result
}

// Options wires an Orchestrator's collaborators.
type Options struct {
	// Sender overrides the adapter table built from Deps.
	Sender Sender
	Deps   providers.Deps
	// OverloadBackoff defaults to DefaultOverloadBackoff; negative disables it.
	OverloadBackoff time.Duration
}

// Orchestrator dispatches chat requests. It is safe for concurrent use;
// every call gets its own CallContext.
type Orchestrator struct {
	store    *config.Store
	models   *models.Registry
	sender   Sender
	tokens   *auth.TokenCache
	recorder *upstream.Recorder
	backoff  time.Duration
}

// New builds an orchestrator reading settings from store and resolving
// models through reg.
func New(store *config.Store, reg *models.Registry, opts Options) *Orchestrator {
	o := &Orchestrator{
		store:    store,
		models:   reg,
		recorder: upstream.NewRecorder(recordedRequests),
		backoff:  opts.OverloadBackoff,
	}
	switch {
	case o.backoff == 0:
		o.backoff = DefaultOverloadBackoff
	case o.backoff < 0:
		o.backoff = 0
	}

	deps := opts.Deps
	if deps.Client == nil {
		s := store.Snapshot()
		deps.Client = upstream.NewClient(s.Verbose, s.Debug)
	}
	if deps.Client.Observer == nil {
		deps.Client.Observer = o.observe
	}
	if deps.Client.Replies == nil {
		deps.Client.Replies = o.observeReply
	}
	if deps.Tokens == nil {
		deps.Tokens = auth.NewTokenCache()
	}
	o.tokens = deps.Tokens
	o.sender = opts.Sender
	if o.sender == nil {
		o.sender = providers.NewTable(deps)
	}
	return o
}

// observe records outbound requests while retrieval caching is enabled.
func (o *Orchestrator) observe(s upstream.Snapshot) {
	if o.store.Snapshot().Anthropic.RetrievalCaching {
		o.recorder.Observe(s)
	}
}

func (o *Orchestrator) observeReply(r upstream.Reply) {
	if o.store.Snapshot().Anthropic.RetrievalCaching {
		o.recorder.ObserveReply(r)
	}
}

// LastReply returns the most recent recorded upstream response.
func (o *Orchestrator) LastReply() (upstream.Reply, bool) {
	return o.recorder.LastReply()
}

// LastRequest returns the most recent recorded outbound request.
func (o *Orchestrator) LastRequest() (upstream.Snapshot, bool) {
	return o.recorder.Last()
}

// Args is one chat request.
type Args struct {
	Messages []types.Message
	// Model overrides the primary model of the mode.
	Model string
	// Stream overrides the streaming toggle of the settings when set.
	Stream *bool
	// Filters run on every successful reply after the banned-script filter.
	Filters []Filter
	// Executors provide the tools the model may call.
	Executors []toolloop.Executor
}

// CallContext is the state owned by a single call. Nothing in it is shared
// with other calls except the token cache.
type CallContext struct {
	Settings *config.Settings
	Mode     models.Mode
	Messages []types.Message
	Tools    *toolloop.Registry
	Filters  []Filter
	Stream   bool
	Tokens   *auth.TokenCache
}

// NewCall prepares the per-call context: it snapshots the settings and
// registers the call's tools.
func (o *Orchestrator) NewCall(ctx context.Context, args Args, mode models.Mode) (*CallContext, error) {
	s := o.store.Snapshot()
	call := &CallContext{
		Settings: s,
		Mode:     mode,
		Messages: types.CloneMessages(args.Messages),
		Tools:    toolloop.NewRegistry(),
		Stream:   s.Streaming,
		Tokens:   o.tokens,
	}
	if args.Stream != nil {
		call.Stream = *args.Stream
	}
	if f := BannedScripts(s.BannedScripts...); f != nil {
		call.Filters = append(call.Filters, f)
	}
	call.Filters = append(call.Filters, args.Filters...)
	for _, exec := range args.Executors {
		if err := call.Tools.Register(ctx, exec); err != nil {
			return nil, err
		}
	}
	return call, nil
}

// chain returns the ordered candidate models ending with the empty
// sentinel.
func (o *Orchestrator) chain(args Args, s *config.Settings, mode models.Mode) []string {
	primary := args.Model
	if primary == "" {
		primary = s.ModelFor(mode)
	}
	out := append([]string{primary}, s.FallbacksFor(mode)...)
	return append(out, "")
}

// RequestChatData runs one chat request through the fallback chain. The
// caller timeout from the settings bounds the whole call, stream included.
func (o *Orchestrator) RequestChatData(ctx context.Context, args Args, mode models.Mode) *types.Result {
	call, err := o.NewCall(ctx, args, mode)
	if err != nil {
		if ctx.Err() != nil {
			return types.Aborted()
		}
		return types.Failf(types.ToolExecutionFailure, "register tools: %v", err).WithNoRetry()
	}

	var cancel context.CancelFunc
	if call.Settings.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, call.Settings.Timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	chain := o.chain(args, call.Settings, mode)
	if call.Settings.Verbose {
		slog.Info("orchestrator.request", "mode", mode, "chain", describeChain(chain), "stream", call.Stream, "tools", call.Tools.Len())
	}
	res := o.run(ctx, call, chain)
	if res.IsStreaming() {
		out := types.Streaming(newRelay(ctx, res.Stream, cancel))
		out.Model = res.Model
		return out
	}
	cancel()
	return res
}

func (o *Orchestrator) run(ctx context.Context, call *CallContext, chain []string) *types.Result {
	last := types.Fail(types.AuthOrConfig, "no model configured")
	for i, id := range chain {
		if id == "" {
			break
		}
		isLast := chain[i+1] == ""
		desc, err := o.models.MustLookup(id)
		if err != nil {
			slog.Warn("orchestrator.unknown_model", "model", id, "error", err)
			last = types.Fail(types.AuthOrConfig, err.Error()).WithModel(id)
			continue
		}

		res, advance := o.tryModel(ctx, call, desc)
		if !advance {
			return res
		}
		last = res
		if !isLast {
			slog.Warn("orchestrator.fallback", "from", desc.ID, "next", chain[i+1], "reason", res.Text)
		}
	}
	return last
}

// tryModel retries one model. advance reports that the chain should move
// on; res is then the last outcome for that model.
func (o *Orchestrator) tryModel(ctx context.Context, call *CallContext, desc models.Descriptor) (res *types.Result, advance bool) {
	s := call.Settings
	var strikes float64
	for {
		res = o.attempt(ctx, call, desc)
		if res.IsAborted() || ctx.Err() != nil {
			return types.Aborted().WithModel(desc.ID), false
		}

		switch res.Kind {
		case types.KindStreaming:
			return res, false
		case types.KindFail:
			if !res.Retryable || res.NoRetry {
				return res, false
			}
			strike := 1.0
			if res.ServerOverload {
				if s.AntiServerOverload {
					strike = 0.5
				}
				if !sleep(ctx, o.overloadWait(res)) {
					return types.Aborted().WithModel(desc.ID), false
				}
			}
			strikes += strike
		default:
			if s.FallbackWhenBlank && res.Blank() {
				slog.Info("orchestrator.blank_reply", "model", desc.ID)
				return res, true
			}
			if err := check(res, call.Filters); err != nil {
				slog.Info("orchestrator.filtered", "model", desc.ID, "reason", err)
				res = types.Fail(types.TransientNetwork, err.Error()).WithModel(desc.ID)
				strikes++
				break
			}
			return tokens.Fill(res, call.Messages), false
		}

		if strikes > float64(s.RetryCount) {
			return res, true
		}
		slog.Debug("orchestrator.retry", "model", desc.ID, "strikes", strikes, "reason", res.Text)
	}
}

func (o *Orchestrator) overloadWait(res *types.Result) time.Duration {
	if res.RetryAfter > 0 {
		return min(res.RetryAfter, MaxRetryAfter)
	}
	return o.backoff
}

// attempt runs the pipeline once against desc: normalize, send, and
// resolve tool calls.
func (o *Orchestrator) attempt(ctx context.Context, call *CallContext, desc models.Descriptor) *types.Result {
	s := call.Settings
	req := &providers.Request{
		Model:      desc,
		Messages:   prepare(call.Messages, desc, s),
		Params:     s.ProfileFor(call.Mode),
		Stream:     call.Stream && desc.Flags.Has(models.HasStreaming),
		MaxTokens:  s.MaxTokens,
		Candidates: s.GenerationCount,
		Credential: s.Credential(desc.KeyID),
		Options:    requestOptions(s),
	}
	toolsOn := call.Tools.Len() > 0 && desc.Flags.Has(models.HasToolUse)
	if toolsOn {
		req.Tools = call.Tools.Descriptors()
	}
	if s.Verbose {
		slog.Info("orchestrator.attempt", "model", desc.ID, "format", desc.Format, "stream", req.Stream, "tools", len(req.Tools))
	}

	res := o.sender.Send(ctx, req)
	if res == nil {
		return types.Failf(types.ProtocolMismatch, "no result from %s adapter", desc.Format)
	}
	if !toolsOn {
		return res
	}
	if !res.IsStreaming() && (!res.IsSuccess() || len(res.ToolCalls) == 0) {
		return res
	}

	loop := toolloop.New(call.Tools, func(ctx context.Context, convo []types.Message) *types.Result {
		next := *req
		next.Messages = prepare(convo, desc, s)
		next.Stream = false
		return o.sender.Send(ctx, &next)
	}, toolloop.Config{
		Retries:    s.ToolRetries,
		MaxDepth:   s.ToolMaxDepth,
		Simplified: s.SimplifiedToolUse,
		Backoff:    o.backoff,
	})
	if res.IsStreaming() {
		out := types.Streaming(loop.Splice(ctx, req.Messages, res.Stream, desc.ID))
		out.Model = res.Model
		return out
	}
	return loop.Run(ctx, req.Messages, res)
}

func prepare(msgs []types.Message, desc models.Descriptor, s *config.Settings) []types.Message {
	out := normalize.Normalize(msgs, desc.Flags, normalize.Options{SystemTemplate: s.SystemRoleTemplate})
	return normalize.StripUnsupportedParts(out, desc.Flags)
}

func requestOptions(s *config.Settings) providers.Options {
	return providers.Options{
		AnthropicBatch:    s.Anthropic.Batch,
		AnthropicCache:    s.Anthropic.Cache,
		BatchPollInterval: s.Anthropic.BatchPollInterval,
		GoogleShim:        s.Google.ShimFallback,
		GoogleSafetyOff:   s.Google.SafetyOff,
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// describeChain renders a chain without its sentinel.
func describeChain(chain []string) string {
	return fmt.Sprint(chain[:len(chain)-1])
}
