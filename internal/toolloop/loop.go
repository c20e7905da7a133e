package toolloop

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"github.com/n0madic/go-chatdispatch/internal/stream"
	"github.com/n0madic/go-chatdispatch/internal/types"
)

// DefaultMaxDepth bounds the number of tool rounds in one call.
const DefaultMaxDepth = 25

// State is the position of a Loop in its round cycle.
type State int32

const (
	StateIdle State = iota
	StateAwaitingToolResult
	StateResubmitting
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingToolResult:
		return "awaiting_tool_result"
	case StateResubmitting:
		return "resubmitting"
	case StateDone:
		return "done"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Sender reissues the conversation to the same model. It must not stream.
type Sender func(ctx context.Context, msgs []types.Message) *types.Result

// Config controls a Loop.
type Config struct {
	// Retries is how many times a failed resubmission is repeated.
	Retries int
	// MaxDepth caps tool rounds; zero means DefaultMaxDepth.
	MaxDepth int
	// Simplified flattens tool results into plain text.
	Simplified bool
	// Parallelism limits concurrent tool calls in one round; zero means no limit.
	Parallelism int
	// Backoff is the base delay between resubmission retries when the
	// provider gave no hint.
	Backoff time.Duration
}

// Loop drives tool rounds for a single call. It is not reusable across calls.
type Loop struct {
	reg   *Registry
	send  Sender
	cfg   Config
	state atomic.Int32
	depth int
}

// New returns a loop that resolves tools through reg and resubmits with send.
func New(reg *Registry, send Sender, cfg Config) *Loop {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	return &Loop{reg: reg, send: send, cfg: cfg}
}

// State returns the current state.
func (l *Loop) State() State { return State(l.state.Load()) }

// Depth returns how many tool rounds have run.
func (l *Loop) Depth() int { return l.depth }

func (l *Loop) setState(s State) { l.state.Store(int32(s)) }

// Run resolves the tool calls carried by first. msgs is the conversation
// that produced first. The returned success joins the text of every round.
// A result without tool calls is returned untouched.
func (l *Loop) Run(ctx context.Context, msgs []types.Message, first *types.Result) *types.Result {
	if !first.IsSuccess() || len(first.ToolCalls) == 0 {
		l.setState(StateDone)
		return first
	}
	res, tail := l.rounds(ctx, msgs, first)
	if !res.IsSuccess() {
		return res
	}
	out := *res
	out.Text = joinRounds(first.Text, tail)
	if out.Model == "" {
		out.Model = first.Model
	}
	return &out
}

// rounds executes tool rounds starting from first and returns the last
// resubmission result plus the text produced after first.
func (l *Loop) rounds(ctx context.Context, msgs []types.Message, first *types.Result) (*types.Result, string) {
	convo := types.CloneMessages(msgs)
	res := first
	var tail string
	for {
		if len(res.ToolCalls) == 0 {
			l.setState(StateDone)
			return res, tail
		}
		if l.depth >= l.cfg.MaxDepth {
			l.setState(StateDone)
			return types.Failf(types.ToolExecutionFailure,
				"tool call depth limit of %d reached", l.cfg.MaxDepth).WithNoRetry().WithModel(res.Model), tail
		}
		l.depth++
		l.setState(StateAwaitingToolResult)

		turn := assistantTurn(res)
		results, err := l.execute(ctx, turn.ToolCalls)
		if err != nil {
			l.setState(StateDone)
			return types.Aborted(), tail
		}
		convo = append(convo, turn)
		convo = append(convo, results...)

		l.setState(StateResubmitting)
		next := l.resubmit(ctx, convo)
		if !next.IsSuccess() {
			l.setState(StateDone)
			return next, tail
		}
		tail = joinRounds(tail, next.Text)
		res = next
		l.setState(StateIdle)
	}
}

// assistantTurn records a tool-calling reply as a conversation turn.
// Calls without an id get one so the tool turns can reference them.
func assistantTurn(res *types.Result) types.Message {
	thought, text := stream.SplitThoughts(res.Text)
	msg := types.Message{Role: types.RoleAssistant, Content: text}
	if strings.TrimSpace(thought) != "" {
		msg.Thoughts = []string{thought}
	}
	msg.ToolCalls = make([]types.ToolCall, len(res.ToolCalls))
	for i, c := range res.ToolCalls {
		if c.ID == "" {
			c.ID = "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")
		}
		msg.ToolCalls[i] = c
	}
	return msg
}

// execute runs one round of calls concurrently and returns the tool turns
// in call order. Tool failures become error turns; only cancellation fails
// the round.
func (l *Loop) execute(ctx context.Context, calls []types.ToolCall) ([]types.Message, error) {
	out := make([]types.Message, len(calls))
	var g errgroup.Group
	if l.cfg.Parallelism > 0 {
		g.SetLimit(l.cfg.Parallelism)
	}
	for i, call := range calls {
		g.Go(func() error {
			blocks, err := l.invoke(ctx, call)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err != nil {
				slog.Warn("tool.failed", "tool", call.Name, "id", call.ID, "error", err)
			}
			out[i] = ToolMessage(call, blocks, err, l.cfg.Simplified)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (l *Loop) invoke(ctx context.Context, call types.ToolCall) ([]types.ContentBlock, error) {
	exec, ok := l.reg.Lookup(call.Name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, call.Name)
	}
	args := strings.TrimSpace(call.Arguments)
	if args == "" {
		args = "{}"
	}
	if !gjson.Valid(args) {
		return nil, ErrMalformedArguments
	}
	return exec.CallTool(ctx, call.Name, args)
}

// resubmit sends the extended conversation, repeating retryable failures
// up to the configured budget.
func (l *Loop) resubmit(ctx context.Context, convo []types.Message) *types.Result {
	for attempt := 0; ; attempt++ {
		res := settle(ctx, l.send(ctx, types.CloneMessages(convo)))
		if !res.IsFail() || res.IsAborted() || res.NoRetry || !res.Retryable || attempt >= l.cfg.Retries {
			return res
		}
		wait := res.RetryAfter
		if wait <= 0 {
			wait = l.cfg.Backoff * time.Duration(attempt+1)
		}
		slog.Debug("tool.resubmit_retry", "attempt", attempt+1, "wait", wait, "reason", res.Text)
		if !sleep(ctx, wait) {
			return types.Aborted()
		}
	}
}

// settle turns a streamed reply into a plain success.
func settle(ctx context.Context, res *types.Result) *types.Result {
	if res == nil {
		return types.Fail(types.ProtocolMismatch, "empty reply")
	}
	if !res.IsStreaming() {
		return res
	}
	got := stream.Collect(ctx, res.Stream, nil)
	if ctx.Err() != nil {
		return types.Aborted()
	}
	if got.Err != nil {
		return types.Fail(types.TransientNetwork, got.Err.Error()).WithModel(res.Model)
	}
	out := types.Success(got.Text()).WithModel(res.Model).WithUsage(got.Usage)
	out.ToolCalls = got.ToolCalls
	return out
}

func joinRounds(a, b string) string {
	switch {
	case b == "":
		return a
	case a == "":
		return b
	}
	return a + "\n\n" + b
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
