package types

import "sort"

// StreamChunk maps a branch index to the cumulative text of that branch.
//
// Within one attempt each branch's text only grows: every chunk's string is
// a prefix-superset of the previous one for the same branch. An overload
// reset is the one exception and is signalled by an empty chunk.
type StreamChunk map[int]string

// Clone returns a copy safe to hand to another goroutine.
func (c StreamChunk) Clone() StreamChunk {
	out := make(StreamChunk, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Branches returns the branch indices in ascending order.
func (c StreamChunk) Branches() []int {
	keys := make([]int, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

// Primary returns the text of branch 0.
func (c StreamChunk) Primary() string {
	return c[0]
}

// IsReset reports whether the chunk is an overload reset marker.
func (c StreamChunk) IsReset() bool {
	for _, v := range c {
		if v != "" {
			return false
		}
	}
	return true
}
