package types

import "strings"

// Role is the speaker of a canonical message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleFunction  Role = "function"
	RoleTool      Role = "tool"
)

// PartKind identifies the media carried by a multimodal part.
type PartKind string

const (
	PartImage PartKind = "image"
	PartAudio PartKind = "audio"
	PartVideo PartKind = "video"
)

// Part is a multimodal attachment of a message. Either Data or URL is set.
type Part struct {
	Kind PartKind `json:"kind" yaml:"kind"`
	MIME string   `json:"mime,omitempty" yaml:"mime,omitempty"`
	Data []byte   `json:"data,omitempty" yaml:"data,omitempty"`
	URL  string   `json:"url,omitempty" yaml:"url,omitempty"`
}

// Message is the canonical, provider-agnostic chat turn.
//
// Content is always present, possibly empty, even when Parts carries the
// payload. Messages are kept in conversation order.
type Message struct {
	Role       Role       `json:"role" yaml:"role"`
	Content    string     `json:"content" yaml:"content"`
	Parts      []Part     `json:"parts,omitempty" yaml:"parts,omitempty"`
	Thoughts   []string   `json:"thoughts,omitempty" yaml:"thoughts,omitempty"`
	CachePoint bool       `json:"cache_point,omitempty" yaml:"cache_point,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty" yaml:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty" yaml:"tool_calls,omitempty"`
	Name       string     `json:"name,omitempty" yaml:"name,omitempty"`
	// Results holds the answers of a tool turn that covers several calls.
	// When set, ToolCallID and Name are empty and Content joins the answers.
	Results []ToolResult `json:"results,omitempty" yaml:"results,omitempty"`
}

// ToolResult is the answer to one tool call.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id" yaml:"tool_call_id"`
	Name       string `json:"name,omitempty" yaml:"name,omitempty"`
	Content    string `json:"content" yaml:"content"`
	Parts      []Part `json:"parts,omitempty" yaml:"parts,omitempty"`
}

// ToolResults returns the per-call answers carried by a tool turn.
func (m Message) ToolResults() []ToolResult {
	if len(m.Results) > 0 {
		return m.Results
	}
	return []ToolResult{{ToolCallID: m.ToolCallID, Name: m.Name, Content: m.Content, Parts: m.Parts}}
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	out := m
	if m.Parts != nil {
		out.Parts = append([]Part(nil), m.Parts...)
	}
	if m.Thoughts != nil {
		out.Thoughts = append([]string(nil), m.Thoughts...)
	}
	if m.ToolCalls != nil {
		out.ToolCalls = append([]ToolCall(nil), m.ToolCalls...)
	}
	if m.Results != nil {
		out.Results = make([]ToolResult, len(m.Results))
		for i, r := range m.Results {
			r.Parts = append([]Part(nil), r.Parts...)
			out.Results[i] = r
		}
	}
	return out
}

// CloneMessages deep-copies a message list.
func CloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}

// HasParts reports whether the message carries any part of the given kind.
func (m Message) HasParts(kind PartKind) bool {
	for _, p := range m.Parts {
		if p.Kind == kind {
			return true
		}
	}
	return false
}

// ToolDescriptor describes a tool the model may call.
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// ToolCall is a model request to invoke a tool. Arguments is raw JSON text.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// BlockType is the kind of a tool result content block.
type BlockType string

const (
	BlockText     BlockType = "text"
	BlockImage    BlockType = "image"
	BlockAudio    BlockType = "audio"
	BlockResource BlockType = "resource"
)

// ContentBlock is one piece of a tool result. The core treats it opaquely
// apart from rendering text and images into provider content.
type ContentBlock struct {
	Type BlockType `json:"type"`
	Text string    `json:"text,omitempty"`
	MIME string    `json:"mime,omitempty"`
	Data []byte    `json:"data,omitempty"`
	URI  string    `json:"uri,omitempty"`
}

// BlocksText joins the text of all text and resource blocks.
func BlocksText(blocks []ContentBlock) string {
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case BlockText:
			parts = append(parts, b.Text)
		case BlockResource:
			if b.Text != "" {
				parts = append(parts, b.Text)
			} else if b.URI != "" {
				parts = append(parts, b.URI)
			}
		}
	}
	return strings.Join(parts, "\n")
}

// Usage holds token accounting for a completed reply.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
	Estimated        bool  `json:"estimated,omitempty"`
}
