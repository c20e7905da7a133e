package stream

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/n0madic/go-chatdispatch/internal/types"
)

// sliceSource replays raw frames and then returns tail (io.EOF when nil).
type sliceSource struct {
	frames []string
	tail   error
	closed atomic.Bool
}

func (s *sliceSource) Next() (*Event, error) {
	if s.closed.Load() {
		return nil, io.ErrClosedPipe
	}
	if len(s.frames) == 0 {
		if s.tail != nil {
			return nil, s.tail
		}
		return nil, io.EOF
	}
	f := s.frames[0]
	s.frames = s.frames[1:]
	return NewEvent("", []byte(f)), nil
}

func (s *sliceSource) Close() error {
	s.closed.Store(true)
	return nil
}

// blockingSource blocks in Next until closed.
type blockingSource struct {
	first sync.Once
	stop  chan struct{}
	once  sync.Once
}

func newBlockingSource() *blockingSource {
	return &blockingSource{stop: make(chan struct{})}
}

func (b *blockingSource) Next() (*Event, error) {
	var ev *Event
	b.first.Do(func() { ev = NewEvent("", []byte(`{"type":"text","delta":"hi"}`)) })
	if ev != nil {
		return ev, nil
	}
	<-b.stop
	return nil, io.ErrClosedPipe
}

func (b *blockingSource) Close() error {
	b.once.Do(func() { close(b.stop) })
	return nil
}

func testHandler(ev *Event, st *State) error {
	switch ev.Type {
	case "text":
		st.Acc.AddText(int(ev.Get("branch").Int()), ev.Get("delta").String())
	case "thought":
		st.Acc.AddThought(0, ev.Get("delta").String())
	case "tool":
		st.Tools.OnIndexDelta(0, ev.Get("id").String(), ev.Get("name").String(), ev.Get("args").String())
	case "overloaded":
		return ErrOverloaded
	case "done":
		return ErrDone
	case "error":
		return errors.New(ev.Get("message").String())
	}
	return nil
}

func textFrames(deltas ...string) []string {
	out := make([]string, len(deltas))
	for i, d := range deltas {
		out[i] = `{"type":"text","delta":"` + d + `"}`
	}
	return out
}

func drain(s *Stream) []types.StreamChunk {
	var out []types.StreamChunk
	for c := range s.Chunks() {
		out = append(out, c)
	}
	return out
}

func TestStreamChunksGrowMonotonically(t *testing.T) {
	defer goleak.VerifyNone(t)

	deltas := []string{"The", " quick", " brown", " fox", " jumps"}
	s := Start(context.Background(), &sliceSource{frames: textFrames(deltas...)}, Config{Handle: testHandler})
	chunks := drain(s)

	require.NoError(t, s.Err())
	require.Len(t, chunks, len(deltas))
	for i := 1; i < len(chunks); i++ {
		assert.True(t, strings.HasPrefix(chunks[i][0], chunks[i-1][0]),
			"chunk %d %q does not extend %q", i, chunks[i][0], chunks[i-1][0])
	}
	assert.Equal(t, "The quick brown fox jumps", chunks[len(chunks)-1][0])
}

func TestStreamBranches(t *testing.T) {
	defer goleak.VerifyNone(t)

	frames := []string{
		`{"type":"text","branch":0,"delta":"a"}`,
		`{"type":"text","branch":1,"delta":"b"}`,
		`{"type":"text","branch":1,"delta":"c"}`,
	}
	s := Start(context.Background(), &sliceSource{frames: frames}, Config{Handle: testHandler})
	chunks := drain(s)
	require.NoError(t, s.Err())
	last := chunks[len(chunks)-1]
	assert.Equal(t, "a", last[0])
	assert.Equal(t, "bc", last[1])
	assert.Equal(t, []int{0, 1}, last.Branches())
}

func TestStreamOverloadResetReissues(t *testing.T) {
	defer goleak.VerifyNone(t)

	first := &sliceSource{frames: append(textFrames("partial"), `{"type":"overloaded"}`)}
	second := &sliceSource{frames: textFrames("full text")}
	var reopens int
	cfg := Config{
		Handle: testHandler,
		Reopen: func(ctx context.Context) (Source, error) {
			reopens++
			return second, nil
		},
		ResetBackoff: -1,
	}
	s := Start(context.Background(), first, cfg)
	chunks := drain(s)

	require.NoError(t, s.Err())
	assert.Equal(t, 1, reopens)
	assert.True(t, first.closed.Load(), "overloaded attempt must be closed")
	require.Len(t, chunks, 3)
	assert.Equal(t, "partial", chunks[0][0])
	assert.True(t, chunks[1].IsReset(), "expected an empty reset chunk, got %v", chunks[1])
	assert.Equal(t, "full text", chunks[2][0])
	for _, c := range chunks {
		assert.NotContains(t, c[0], "partialfull")
	}
}

func TestStreamOverloadGivesUpAfterMaxResets(t *testing.T) {
	defer goleak.VerifyNone(t)

	overloaded := func() *sliceSource {
		return &sliceSource{frames: []string{`{"type":"overloaded"}`}}
	}
	var reopens int
	cfg := Config{
		Handle: testHandler,
		Reopen: func(ctx context.Context) (Source, error) {
			reopens++
			return overloaded(), nil
		},
		MaxResets:    2,
		ResetBackoff: -1,
	}
	s := Start(context.Background(), overloaded(), cfg)
	chunks := drain(s)

	require.Error(t, s.Err())
	assert.ErrorIs(t, s.Err(), ErrOverloaded)
	assert.Equal(t, 2, reopens)
	assert.Len(t, chunks, 2)
}

func TestStreamOverloadWithoutReopenFails(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := Start(context.Background(), &sliceSource{frames: []string{`{"type":"overloaded"}`}}, Config{Handle: testHandler})
	drain(s)
	assert.ErrorIs(t, s.Err(), ErrOverloaded)
}

func TestStreamReopenError(t *testing.T) {
	defer goleak.VerifyNone(t)

	boom := errors.New("dial failed")
	cfg := Config{
		Handle:       testHandler,
		Reopen:       func(context.Context) (Source, error) { return nil, boom },
		ResetBackoff: -1,
	}
	s := Start(context.Background(), &sliceSource{frames: []string{`{"type":"overloaded"}`}}, cfg)
	drain(s)
	assert.ErrorIs(t, s.Err(), boom)
}

func TestStreamFinalChunkWrapsThoughts(t *testing.T) {
	defer goleak.VerifyNone(t)

	frames := []string{
		`{"type":"thought","delta":"thinking"}`,
		`{"type":"text","delta":"answer"}`,
		`{"type":"done"}`,
		`{"type":"text","delta":"ignored"}`,
	}
	s := Start(context.Background(), &sliceSource{frames: frames}, Config{Handle: testHandler})
	chunks := drain(s)

	require.NoError(t, s.Err())
	require.Len(t, chunks, 2)
	assert.Equal(t, "answer", chunks[0][0])
	assert.Equal(t, "<Thoughts>\nthinking\n</Thoughts>\n\nanswer", chunks[1][0])
}

func TestSplitThoughts(t *testing.T) {
	thought, rest := SplitThoughts(WrapThoughts("plan", "answer"))
	assert.Equal(t, "plan", thought)
	assert.Equal(t, "answer", rest)

	thought, rest = SplitThoughts("plain")
	assert.Empty(t, thought)
	assert.Equal(t, "plain", rest)

	thought, rest = SplitThoughts("<Thoughts>\nunterminated")
	assert.Empty(t, thought)
	assert.Equal(t, "<Thoughts>\nunterminated", rest)
}

func TestStreamEmptyUpstreamEmitsEmptyFinal(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := Start(context.Background(), &sliceSource{}, Config{Handle: testHandler})
	chunks := drain(s)
	require.NoError(t, s.Err())
	require.Len(t, chunks, 1)
	assert.Equal(t, "", chunks[0][0])
}

func TestStreamToolCallsAndHandlerError(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := Start(context.Background(), &sliceSource{frames: []string{
		`{"type":"tool","id":"call_1","name":"search","args":"{\"q\":1}"}`,
	}}, Config{Handle: testHandler})
	drain(s)
	require.NoError(t, s.Err())
	require.Len(t, s.ToolCalls(), 1)
	assert.Equal(t, "search", s.ToolCalls()[0].Name)

	s = Start(context.Background(), &sliceSource{frames: []string{
		`{"type":"error","message":"bad frame"}`,
	}}, Config{Handle: testHandler})
	drain(s)
	assert.EqualError(t, s.Err(), "bad frame")
}

func TestStreamCloseStopsProducer(t *testing.T) {
	defer goleak.VerifyNone(t)

	src := newBlockingSource()
	s := Start(context.Background(), src, Config{Handle: testHandler})
	first := <-s.Chunks()
	assert.Equal(t, "hi", first[0])

	s.Close()
	for range s.Chunks() {
	}
	assert.ErrorIs(t, s.Err(), context.Canceled)
}

func TestStreamContextCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx, cancel := context.WithCancel(context.Background())
	src := newBlockingSource()
	s := Start(ctx, src, Config{Handle: testHandler})
	<-s.Chunks()
	cancel()

	select {
	case _, ok := <-s.Chunks():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not stop after cancel")
	}
	assert.ErrorIs(t, s.Err(), context.Canceled)
}

func TestCollectWithPipe(t *testing.T) {
	defer goleak.VerifyNone(t)

	var closed atomic.Bool
	pipe := NewPipe(func() error { closed.Store(true); return nil })
	go func() {
		for _, f := range textFrames("one", " two") {
			if !pipe.Send("", []byte(f)) {
				return
			}
		}
		pipe.Finish(nil)
	}()

	var seen int
	s := Start(context.Background(), pipe, Config{Handle: testHandler})
	got := Collect(context.Background(), s, func(types.StreamChunk) { seen++ })

	require.NoError(t, got.Err)
	assert.Equal(t, "one two", got.Text())
	assert.Equal(t, 2, seen)
	assert.True(t, closed.Load())
}

func TestCollectCancelled(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx, cancel := context.WithCancel(context.Background())
	s := Start(context.Background(), newBlockingSource(), Config{Handle: testHandler})
	got := Collect(ctx, s, func(types.StreamChunk) { cancel() })
	assert.ErrorIs(t, got.Err, context.Canceled)
	assert.Equal(t, "hi", got.Text())
}
