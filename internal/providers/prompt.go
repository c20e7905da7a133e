package providers

import (
	"strings"

	"github.com/n0madic/go-chatdispatch/internal/types"
)

// transcript flattens a conversation into a plain completion prompt for
// text-completion backends. The prompt ends with an open assistant turn
// unless the last message is an assistant prefill.
func transcript(msgs []types.Message) string {
	var b strings.Builder
	prefill := false
	for i, m := range msgs {
		if m.Content == "" && len(m.ToolCalls) == 0 {
			continue
		}
		last := i == len(msgs)-1
		switch m.Role {
		case types.RoleSystem:
			b.WriteString(m.Content)
			b.WriteString("\n\n")
		case types.RoleAssistant:
			b.WriteString("Assistant: ")
			b.WriteString(m.Content)
			if last {
				prefill = true
				continue
			}
			b.WriteString("\n")
		case types.RoleTool, types.RoleFunction:
			b.WriteString("Tool result: ")
			b.WriteString(m.Content)
			b.WriteString("\n")
		default:
			b.WriteString("User: ")
			b.WriteString(m.Content)
			b.WriteString("\n")
		}
	}
	if !prefill {
		b.WriteString("Assistant:")
	}
	return b.String()
}

// stopSequences keeps text backends from writing the next user turn.
var stopSequences = []string{"\nUser:"}
