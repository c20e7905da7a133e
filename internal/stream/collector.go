package stream

import (
	"context"

	"github.com/n0madic/go-chatdispatch/internal/types"
)

// Collected is the drained outcome of a chunk source.
type Collected struct {
	// Chunk is the last chunk received; nil when none arrived.
	Chunk     types.StreamChunk
	ToolCalls []types.ToolCall
	Usage     *types.Usage
	Err       error
}

// Text returns the final text of branch 0.
func (c Collected) Text() string {
	return c.Chunk[0]
}

type usageReporter interface {
	Usage() *types.Usage
}

// Collect drains src, calling onChunk (when non-nil) for every chunk.
// It closes src when ctx is cancelled.
func Collect(ctx context.Context, src types.ChunkSource, onChunk func(types.StreamChunk)) Collected {
	var out Collected
	for {
		select {
		case c, ok := <-src.Chunks():
			if !ok {
				out.Err = src.Err()
				out.ToolCalls = src.ToolCalls()
				if u, ok := src.(usageReporter); ok {
					out.Usage = u.Usage()
				}
				return out
			}
			out.Chunk = c
			if onChunk != nil {
				onChunk(c)
			}
		case <-ctx.Done():
			src.Close()
			out.Err = ctx.Err()
			return out
		}
	}
}
