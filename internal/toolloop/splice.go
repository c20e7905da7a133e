package toolloop

import (
	"context"
	"sync"

	"github.com/n0madic/go-chatdispatch/internal/types"
)

// Splice relays src and, when the stream ends with tool calls, runs the
// loop and emits one final chunk that appends the continuation to the
// streamed text. The prefix property of cumulative chunks is kept.
func (l *Loop) Splice(ctx context.Context, msgs []types.Message, src types.ChunkSource, model string) types.ChunkSource {
	ctx, cancel := context.WithCancel(ctx)
	s := &splice{
		src:    src,
		chunks: make(chan types.StreamChunk),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.run(ctx, l, msgs, model)
	return s
}

type splice struct {
	src    types.ChunkSource
	chunks chan types.StreamChunk
	cancel context.CancelFunc
	done   chan struct{}

	mu    sync.Mutex
	err   error
	usage *types.Usage
	once  sync.Once
}

func (s *splice) Chunks() <-chan types.StreamChunk { return s.chunks }

func (s *splice) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// ToolCalls is always empty: the calls were resolved by the loop.
func (s *splice) ToolCalls() []types.ToolCall { return nil }

// Usage reports the usage of the last upstream reply.
func (s *splice) Usage() *types.Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}

// Close stops the relay and any running tool round, then waits for the
// relay goroutine to exit.
func (s *splice) Close() {
	s.once.Do(func() {
		s.cancel()
		s.src.Close()
	})
	<-s.done
}

func (s *splice) emit(ctx context.Context, c types.StreamChunk) bool {
	select {
	case s.chunks <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *splice) finish(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	close(s.chunks)
}

type usageReporter interface {
	Usage() *types.Usage
}

func (s *splice) run(ctx context.Context, l *Loop, msgs []types.Message, model string) {
	defer close(s.done)
	defer s.cancel()
	var last types.StreamChunk
	for c := range s.src.Chunks() {
		last = c
		if !s.emit(ctx, c) {
			s.src.Close()
			s.finish(ctx.Err())
			return
		}
	}
	if err := s.src.Err(); err != nil {
		s.finish(err)
		return
	}
	if u, ok := s.src.(usageReporter); ok {
		s.mu.Lock()
		s.usage = u.Usage()
		s.mu.Unlock()
	}
	calls := s.src.ToolCalls()
	if len(calls) == 0 {
		l.setState(StateDone)
		s.finish(nil)
		return
	}

	first := types.Success(last.Primary()).WithModel(model)
	first.ToolCalls = calls
	res, tail := l.rounds(ctx, msgs, first)
	if !res.IsSuccess() {
		s.finish(res.Err())
		return
	}
	s.mu.Lock()
	if res.Usage != nil {
		s.usage = res.Usage
	}
	s.mu.Unlock()

	final := types.StreamChunk{}
	if last != nil {
		final = last.Clone()
	}
	final[0] = joinRounds(last.Primary(), tail)
	if !s.emit(ctx, final) {
		s.finish(ctx.Err())
		return
	}
	s.finish(nil)
}
