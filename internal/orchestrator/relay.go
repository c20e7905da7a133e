package orchestrator

import (
	"context"
	"sync"

	"github.com/n0madic/go-chatdispatch/internal/types"
)

// relay forwards a chunk source and releases the call context once the
// stream ends or is closed.
type relay struct {
	src     types.ChunkSource
	chunks  chan types.StreamChunk
	release context.CancelFunc
	ctx     context.Context
	done    chan struct{}
	once    sync.Once

	mu  sync.Mutex
	err error
}

func newRelay(ctx context.Context, src types.ChunkSource, release context.CancelFunc) *relay {
	r := &relay{
		src:     src,
		chunks:  make(chan types.StreamChunk),
		release: release,
		ctx:     ctx,
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *relay) run() {
	defer close(r.done)
	defer r.release()
	defer close(r.chunks)
	for c := range r.src.Chunks() {
		select {
		case r.chunks <- c:
		case <-r.ctx.Done():
			r.mu.Lock()
			r.err = r.ctx.Err()
			r.mu.Unlock()
			r.src.Close()
			return
		}
	}
}

func (r *relay) Chunks() <-chan types.StreamChunk { return r.chunks }

func (r *relay) Err() error {
	if err := r.src.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *relay) ToolCalls() []types.ToolCall { return r.src.ToolCalls() }

// Usage forwards the usage of the wrapped source when it reports one.
func (r *relay) Usage() *types.Usage {
	if u, ok := r.src.(interface{ Usage() *types.Usage }); ok {
		return u.Usage()
	}
	return nil
}

func (r *relay) Close() {
	r.once.Do(func() {
		r.release()
		r.src.Close()
	})
	<-r.done
}
