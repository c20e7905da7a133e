package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/n0madic/go-chatdispatch/internal/types"
)

var (
	// ErrOverloaded is returned by a Handler when the provider signals a
	// transient overload mid-stream. The attempt is discarded and reissued.
	ErrOverloaded = errors.New("stream: upstream overloaded")
	// ErrDone is returned by a Handler to end the stream successfully.
	ErrDone = errors.New("stream: done")
)

const (
	// DefaultMaxResets bounds overload reissues per stream.
	DefaultMaxResets = 3
	// DefaultResetBackoff is the pause before reissuing after an overload.
	DefaultResetBackoff = time.Second
)

// State is the per-attempt decoding state handed to a Handler.
type State struct {
	Acc   *Accumulator
	Tools *ToolBuffer
	Usage *types.Usage
}

// Handler folds one event into the state. It returns ErrOverloaded to
// request a reset, ErrDone to finish, or any other error to fail the stream.
type Handler func(ev *Event, st *State) error

// Opener issues the upstream call and returns its event source.
type Opener func(ctx context.Context) (Source, error)

// Config describes how a Stream decodes and reissues.
type Config struct {
	Handle Handler
	// Reopen reissues the upstream call after an overload. When nil an
	// overload fails the stream.
	Reopen    Opener
	MaxResets int
	// ResetBackoff defaults to DefaultResetBackoff; negative disables it.
	ResetBackoff time.Duration
	// Model tags log lines.
	Model string
}

// Stream decodes an upstream event source into cumulative chunks on its own
// goroutine. It implements types.ChunkSource.
type Stream struct {
	cfg    Config
	chunks chan types.StreamChunk
	done   chan struct{}
	cancel context.CancelFunc

	mu    sync.Mutex
	src   Source
	err   error
	calls []types.ToolCall
	usage *types.Usage
}

// Start begins decoding src. The stream stops when the source ends, the
// handler finishes or fails, ctx is cancelled, or Close is called.
func Start(ctx context.Context, src Source, cfg Config) *Stream {
	if cfg.MaxResets <= 0 {
		cfg.MaxResets = DefaultMaxResets
	}
	switch {
	case cfg.ResetBackoff == 0:
		cfg.ResetBackoff = DefaultResetBackoff
	case cfg.ResetBackoff < 0:
		cfg.ResetBackoff = 0
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		cfg:    cfg,
		chunks: make(chan types.StreamChunk),
		done:   make(chan struct{}),
		cancel: cancel,
		src:    src,
	}
	stop := context.AfterFunc(ctx, s.closeSource)
	go func() {
		defer close(s.done)
		defer stop()
		defer s.closeSource()
		defer close(s.chunks)
		s.run(ctx)
	}()
	return s
}

// Chunks returns the chunk channel. It is closed when the stream ends.
func (s *Stream) Chunks() <-chan types.StreamChunk { return s.chunks }

// Err returns the terminal error once Chunks is closed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// ToolCalls returns the tool calls assembled by the final attempt.
func (s *Stream) ToolCalls() []types.ToolCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Usage returns token usage reported by the provider, if any.
func (s *Stream) Usage() *types.Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}

// Close stops decoding and waits for the goroutine to exit.
func (s *Stream) Close() {
	s.cancel()
	<-s.done
}

func (s *Stream) closeSource() {
	s.mu.Lock()
	src := s.src
	s.src = nil
	s.mu.Unlock()
	if src != nil {
		_ = src.Close()
	}
}

func (s *Stream) setSource(src Source) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false
	}
	s.src = src
	return true
}

func (s *Stream) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

func (s *Stream) emit(ctx context.Context, c types.StreamChunk) bool {
	select {
	case s.chunks <- c:
		return true
	case <-ctx.Done():
		s.fail(ctx.Err())
		return false
	}
}

func (s *Stream) run(ctx context.Context) {
	st := &State{Acc: NewAccumulator(), Tools: NewToolBuffer()}
	resets := 0
	last := ""
	emitted := false

	for {
		s.mu.Lock()
		src := s.src
		s.mu.Unlock()
		if src == nil {
			s.fail(context.Canceled)
			return
		}

		ev, err := src.Next()
		if err == nil {
			err = s.cfg.Handle(ev, st)
		}

		switch {
		case err == nil:
			if st.Acc.Changed() {
				snap := st.Acc.Snapshot()
				last = snap[0]
				emitted = true
				if !s.emit(ctx, snap) {
					return
				}
			}
			continue

		case errors.Is(err, io.EOF), errors.Is(err, ErrDone):
			final := st.Acc.Final()
			if !emitted || final[0] != last || len(final) > 1 {
				if !s.emit(ctx, final) {
					return
				}
			}
			s.mu.Lock()
			s.calls = st.Tools.Calls()
			s.usage = st.Usage
			s.mu.Unlock()
			return

		case errors.Is(err, ErrOverloaded):
			resets++
			if s.cfg.Reopen == nil || resets > s.cfg.MaxResets {
				s.fail(fmt.Errorf("%w after %d reissues", ErrOverloaded, resets-1))
				return
			}
			slog.Warn("stream.overload_reset", "model", s.cfg.Model, "attempt", resets)
			s.closeSource()
			st.Acc.Reset()
			st.Tools.Reset()
			st.Usage = nil
			last, emitted = "", false
			if !s.emit(ctx, types.StreamChunk{}) {
				return
			}
			if !sleep(ctx, s.cfg.ResetBackoff*time.Duration(resets)) {
				s.fail(ctx.Err())
				return
			}
			next, oerr := s.cfg.Reopen(ctx)
			if oerr != nil {
				s.fail(oerr)
				return
			}
			if ctx.Err() != nil || !s.setSource(next) {
				_ = next.Close()
				s.fail(context.Canceled)
				return
			}

		default:
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			s.fail(err)
			return
		}
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
