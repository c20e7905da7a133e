package stream

import (
	"strings"

	"github.com/n0madic/go-chatdispatch/internal/types"
)

// Accumulator collects text and reasoning deltas per branch.
type Accumulator struct {
	text     map[int]*strings.Builder
	thoughts map[int]*strings.Builder
	dirty    bool
}

// NewAccumulator returns an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{
		text:     map[int]*strings.Builder{},
		thoughts: map[int]*strings.Builder{},
	}
}

// AddText appends a text delta to branch.
func (a *Accumulator) AddText(branch int, delta string) {
	if delta == "" {
		return
	}
	builder(a.text, branch).WriteString(delta)
	a.dirty = true
}

// AddThought appends a reasoning delta to branch. Thoughts are only
// surfaced by Final.
func (a *Accumulator) AddThought(branch int, delta string) {
	if delta == "" {
		return
	}
	builder(a.thoughts, branch).WriteString(delta)
}

// Text returns the accumulated text of branch.
func (a *Accumulator) Text(branch int) string {
	if b, ok := a.text[branch]; ok {
		return b.String()
	}
	return ""
}

// Thought returns the accumulated reasoning of branch.
func (a *Accumulator) Thought(branch int) string {
	if b, ok := a.thoughts[branch]; ok {
		return b.String()
	}
	return ""
}

// Changed reports whether text grew since the last Snapshot.
func (a *Accumulator) Changed() bool {
	return a.dirty
}

// Snapshot returns the cumulative text of every branch and clears Changed.
func (a *Accumulator) Snapshot() types.StreamChunk {
	a.dirty = false
	out := make(types.StreamChunk, len(a.text))
	for k, b := range a.text {
		out[k] = b.String()
	}
	return out
}

// Final returns the completed chunk with reasoning wrapped and prefixed to
// each branch that has any.
func (a *Accumulator) Final() types.StreamChunk {
	out := a.Snapshot()
	for k := range a.thoughts {
		out[k] = WrapThoughts(a.Thought(k), out[k])
	}
	if len(out) == 0 {
		out[0] = ""
	}
	return out
}

// Reset discards everything accumulated for the current attempt.
func (a *Accumulator) Reset() {
	a.text = map[int]*strings.Builder{}
	a.thoughts = map[int]*strings.Builder{}
	a.dirty = false
}

func builder(m map[int]*strings.Builder, k int) *strings.Builder {
	b, ok := m[k]
	if !ok {
		b = &strings.Builder{}
		m[k] = b
	}
	return b
}

// WrapThoughts prefixes text with a <Thoughts> block when thought is not blank.
func WrapThoughts(thought, text string) string {
	if strings.TrimSpace(thought) == "" {
		return text
	}
	return "<Thoughts>\n" + thought + "\n</Thoughts>\n\n" + text
}

// SplitThoughts undoes WrapThoughts: it returns the wrapped reasoning and
// the remaining text. Text without a leading block is returned unchanged.
func SplitThoughts(text string) (thought, rest string) {
	const openTag, closeTag = "<Thoughts>\n", "\n</Thoughts>\n\n"
	if !strings.HasPrefix(text, openTag) {
		return "", text
	}
	end := strings.Index(text, closeTag)
	if end < 0 {
		return "", text
	}
	return text[len(openTag):end], text[end+len(closeTag):]
}
