package stream

import (
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/n0madic/go-chatdispatch/internal/types"
)

// MaxToolArgBufSize is the upper bound (in bytes) for buffered function-call
// argument deltas per tool call.
const MaxToolArgBufSize = 1 << 20 // 1 MB

type pendingCall struct {
	id    string
	name  string
	args  strings.Builder
	final string
}

// ToolBuffer merges streamed tool-call fragments into complete calls.
//
// Chat-completions style deltas are keyed by their index; Responses-style
// events are keyed by item id, with item ids mapped onto call ids.
type ToolBuffer struct {
	order   []string
	calls   map[string]*pendingCall
	itemMap map[string]string
}

// NewToolBuffer creates a new empty ToolBuffer.
func NewToolBuffer() *ToolBuffer {
	return &ToolBuffer{
		calls:   map[string]*pendingCall{},
		itemMap: map[string]string{},
	}
}

func indexKey(index int) string {
	return "#" + strconv.Itoa(index)
}

func (tb *ToolBuffer) get(key string) *pendingCall {
	pc, ok := tb.calls[key]
	if !ok {
		pc = &pendingCall{}
		tb.calls[key] = pc
		tb.order = append(tb.order, key)
	}
	return pc
}

func (tb *ToolBuffer) appendArgs(pc *pendingCall, key, delta string) {
	if delta == "" {
		return
	}
	if pc.args.Len()+len(delta) > MaxToolArgBufSize {
		slog.Warn("stream.toolbuf.limit", "key", key, "buf_len", pc.args.Len(), "delta_len", len(delta))
		return
	}
	pc.args.WriteString(delta)
}

// OnIndexDelta merges a fragment of the tool call at index. Non-empty id and
// name replace earlier values; argsDelta is appended.
func (tb *ToolBuffer) OnIndexDelta(index int, id, name, argsDelta string) {
	key := indexKey(index)
	pc := tb.get(key)
	if id = strings.TrimSpace(id); id != "" {
		pc.id = id
	}
	if name = strings.TrimSpace(name); name != "" {
		pc.name = name
	}
	tb.appendArgs(pc, key, argsDelta)
}

// OnIndexComplete records a call delivered whole (non-streamed or Gemini
// function-call parts).
func (tb *ToolBuffer) OnIndexComplete(index int, id, name, args string) {
	pc := tb.get(indexKey(index))
	if id != "" {
		pc.id = id
	}
	if name != "" {
		pc.name = name
	}
	pc.final = args
}

// OnOutputItemAdded processes a Responses function_call item as it opens.
func (tb *ToolBuffer) OnOutputItemAdded(item gjson.Result) {
	if item.Get("type").String() != "function_call" {
		return
	}
	itemID := strings.TrimSpace(item.Get("id").String())
	callID := strings.TrimSpace(item.Get("call_id").String())
	if callID == "" {
		callID = itemID
	}
	if callID == "" {
		return
	}
	if itemID != "" && itemID != callID {
		tb.itemMap[itemID] = callID
	}
	pc := tb.get(callID)
	pc.id = callID
	if name := item.Get("name").String(); name != "" {
		pc.name = name
	}
	if args := item.Get("arguments").String(); !IsEmptyToolArgs(args) {
		pc.final = args
	}
}

func (tb *ToolBuffer) resolveItem(itemID string) string {
	if callID, ok := tb.itemMap[itemID]; ok {
		return callID
	}
	return itemID
}

// OnArgumentsDelta appends an argument fragment for a Responses item.
func (tb *ToolBuffer) OnArgumentsDelta(itemID, delta string) {
	itemID = strings.TrimSpace(itemID)
	if itemID == "" {
		return
	}
	key := tb.resolveItem(itemID)
	tb.appendArgs(tb.get(key), key, delta)
}

// OnArgumentsDone records the final arguments for a Responses item.
func (tb *ToolBuffer) OnArgumentsDone(itemID, args string) {
	itemID = strings.TrimSpace(itemID)
	if itemID == "" || IsEmptyToolArgs(args) {
		return
	}
	tb.get(tb.resolveItem(itemID)).final = args
}

// Len returns the number of calls seen so far.
func (tb *ToolBuffer) Len() int {
	return len(tb.order)
}

// Reset discards all buffered calls.
func (tb *ToolBuffer) Reset() {
	tb.order = nil
	tb.calls = map[string]*pendingCall{}
	tb.itemMap = map[string]string{}
}

// Calls returns the assembled calls in first-seen order. Calls without a
// name are dropped; missing ids are generated.
func (tb *ToolBuffer) Calls() []types.ToolCall {
	var out []types.ToolCall
	for _, key := range tb.order {
		pc := tb.calls[key]
		if pc.name == "" {
			continue
		}
		args := pc.final
		if IsEmptyToolArgs(args) {
			args = pc.args.String()
		}
		id := pc.id
		if id == "" {
			id = "call_" + uuid.NewString()
		}
		out = append(out, types.ToolCall{ID: id, Name: pc.name, Arguments: SerializeToolArgs(args)})
	}
	return out
}

// IsEmptyToolArgs returns true if the args represent an empty/null value.
func IsEmptyToolArgs(args string) bool {
	trimmed := strings.TrimSpace(args)
	return trimmed == "" || trimmed == "{}" || trimmed == "null"
}

// SerializeToolArgs normalizes raw argument text to compact JSON. Empty input
// becomes "{}"; text that is not JSON is returned unchanged so the tool loop
// can report it as malformed.
func SerializeToolArgs(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return "{}"
	}
	var parsed any
	if json.Unmarshal([]byte(raw), &parsed) != nil {
		return raw
	}
	b, err := json.Marshal(parsed)
	if err != nil {
		return raw
	}
	return string(b)
}
