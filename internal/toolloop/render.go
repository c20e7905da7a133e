package toolloop

import (
	"fmt"
	"strings"

	"github.com/n0madic/go-chatdispatch/internal/types"
)

const emptyResult = "(no output)"

// ToolMessage renders one tool outcome as a tool-role turn. A failed call
// becomes a readable error the model can react to. With simplified set
// every block is flattened into text and media become placeholders.
func ToolMessage(call types.ToolCall, blocks []types.ContentBlock, err error, simplified bool) types.Message {
	msg := types.Message{Role: types.RoleTool, ToolCallID: call.ID, Name: call.Name}
	if err != nil {
		msg.Content = fmt.Sprintf("Error: tool %q failed: %v", call.Name, err)
		return msg
	}
	if simplified {
		msg.Content = flatten(blocks)
	} else {
		msg.Content = types.BlocksText(blocks)
		msg.Parts = mediaParts(blocks)
	}
	if strings.TrimSpace(msg.Content) == "" && len(msg.Parts) == 0 {
		msg.Content = emptyResult
	}
	return msg
}

func flatten(blocks []types.ContentBlock) string {
	lines := make([]string, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case types.BlockText:
			lines = append(lines, b.Text)
		case types.BlockResource:
			lines = append(lines, firstNonEmpty(b.Text, b.URI))
		case types.BlockImage, types.BlockAudio:
			lines = append(lines, fmt.Sprintf("[%s: %s]", b.Type, firstNonEmpty(b.MIME, "unknown")))
		}
	}
	return strings.Join(lines, "\n")
}

func mediaParts(blocks []types.ContentBlock) []types.Part {
	var parts []types.Part
	for _, b := range blocks {
		var kind types.PartKind
		switch b.Type {
		case types.BlockImage:
			kind = types.PartImage
		case types.BlockAudio:
			kind = types.PartAudio
		default:
			continue
		}
		if len(b.Data) == 0 && b.URI == "" {
			continue
		}
		parts = append(parts, types.Part{Kind: kind, MIME: b.MIME, Data: b.Data, URL: b.URI})
	}
	return parts
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
