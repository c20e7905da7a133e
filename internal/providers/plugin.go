package providers

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/n0madic/go-chatdispatch/internal/types"
)

// PluginRequest is handed to the host for a plugin-backed model. The host
// answers it later through PluginBridge.Resolve with the same ID.
type PluginRequest struct {
	ID       string
	Model    string
	Messages []types.Message
	Options  map[string]any
	Stream   bool
}

// PluginReply is a plugin's answer. When Chunks is set the reply streams
// cumulative chunks until the channel is closed; otherwise Text is final.
type PluginReply struct {
	Text   string
	Err    error
	Chunks <-chan types.StreamChunk
}

// PluginHost forwards requests to whatever runs the plugins.
type PluginHost interface {
	Dispatch(ctx context.Context, req PluginRequest) error
}

// ErrUnknownPluginRequest is returned by Resolve for an ID nobody waits on.
var ErrUnknownPluginRequest = errors.New("unknown plugin request")

// PluginBridge pairs outgoing plugin requests with their asynchronous
// replies.
type PluginBridge struct {
	host PluginHost

	mu      sync.Mutex
	pending map[string]chan PluginReply
}

// NewPluginBridge returns a bridge that dispatches through host.
func NewPluginBridge(host PluginHost) *PluginBridge {
	return &PluginBridge{host: host, pending: make(map[string]chan PluginReply)}
}

// Resolve delivers the reply for id. Each ID resolves at most once.
func (b *PluginBridge) Resolve(id string, reply PluginReply) error {
	b.mu.Lock()
	ch, ok := b.pending[id]
	delete(b.pending, id)
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPluginRequest, id)
	}
	ch <- reply
	return nil
}

// Pending reports how many requests await a reply.
func (b *PluginBridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *PluginBridge) call(ctx context.Context, req PluginRequest) (PluginReply, error) {
	req.ID = uuid.NewString()
	ch := make(chan PluginReply, 1)
	b.mu.Lock()
	b.pending[req.ID] = ch
	b.mu.Unlock()
	forget := func() {
		b.mu.Lock()
		delete(b.pending, req.ID)
		b.mu.Unlock()
	}

	if err := b.host.Dispatch(ctx, req); err != nil {
		forget()
		return PluginReply{}, err
	}
	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		forget()
		return PluginReply{}, ctx.Err()
	}
}

type pluginAdapter struct {
	bridge *PluginBridge
}

func (a *pluginAdapter) Send(ctx context.Context, req *Request) *types.Result {
	if a.bridge == nil || a.bridge.host == nil {
		return types.Fail(types.AuthOrConfig, "no plugin host is registered")
	}
	options, fail := optionsMap(req, nil)
	if fail != nil {
		return fail
	}
	options["max_tokens"] = maxTokens(req)
	reply, err := a.bridge.call(ctx, PluginRequest{
		Model:    req.Model.WireModel(),
		Messages: req.Messages,
		Options:  options,
		Stream:   streaming(req),
	})
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return types.Aborted()
	case err != nil:
		return types.Failf(types.AuthOrConfig, "plugin dispatch: %v", err)
	case reply.Err != nil:
		return types.Failf(types.TransientNetwork, "plugin: %v", reply.Err)
	case reply.Chunks != nil:
		return types.Streaming(newPluginStream(ctx, reply.Chunks))
	}
	return types.Success(reply.Text)
}

// pluginStream relays a plugin's chunk channel as a types.ChunkSource.
type pluginStream struct {
	out  chan types.StreamChunk
	done chan struct{}
	once sync.Once
	err  error
}

func newPluginStream(ctx context.Context, in <-chan types.StreamChunk) *pluginStream {
	s := &pluginStream{out: make(chan types.StreamChunk), done: make(chan struct{})}
	go func() {
		defer close(s.out)
		for {
			select {
			case c, ok := <-in:
				if !ok {
					return
				}
				select {
				case s.out <- c:
				case <-s.done:
					return
				case <-ctx.Done():
					s.err = ctx.Err()
					return
				}
			case <-s.done:
				return
			case <-ctx.Done():
				s.err = ctx.Err()
				return
			}
		}
	}()
	return s
}

func (s *pluginStream) Chunks() <-chan types.StreamChunk { return s.out }

// Err is valid once Chunks is closed.
func (s *pluginStream) Err() error { return s.err }

func (s *pluginStream) ToolCalls() []types.ToolCall { return nil }

func (s *pluginStream) Close() { s.once.Do(func() { close(s.done) }) }
