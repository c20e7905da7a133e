// Package normalize rewrites canonical message lists for a target model's
// role and ordering constraints.
package normalize

import (
	"strings"

	"github.com/n0madic/go-chatdispatch/internal/models"
	"github.com/n0madic/go-chatdispatch/internal/types"
)

// DefaultSystemTemplate demotes a system message to a user turn.
const DefaultSystemTemplate = "system: {{slot}}"

// Placeholder is the user turn prepended when a model must start with user input.
const Placeholder = " "

// Options tunes Normalize.
type Options struct {
	// SystemTemplate renders demoted system messages; "{{slot}}" is replaced
	// with the original content. Empty means DefaultSystemTemplate.
	SystemTemplate string
}

// Normalize rewrites msgs for a model with the given flags. The input is not
// modified. Applying Normalize to its own output with the same flags and
// options returns an equal list.
//
// Rules, in order:
//  1. Without full system support but with first-system support, leading
//     system messages are detached and joined with a blank line.
//  2. Without full system support, remaining system messages become user
//     messages rendered through the system template.
//  3. With RequiresAlternateRole, a message whose role matches the previous
//     kept message is merged into it. Tool turns answering different calls
//     are folded into one turn that keeps a result per call.
//  4. With MustStartWithUserInput, a placeholder user turn is prepended when
//     the list is empty or does not start with a user turn.
//  5. The detached system prompt is re-inserted at index 0.
func Normalize(msgs []types.Message, flags models.Flag, opts Options) []types.Message {
	out := types.CloneMessages(msgs)
	if out == nil {
		out = []types.Message{}
	}

	var detached *types.Message
	if !flags.Has(models.HasFullSystemPrompt) {
		if flags.Has(models.HasFirstSystemPrompt) {
			detached, out = detachLeadingSystem(out)
		}
		out = demoteSystem(out, opts.template())
	}

	if flags.Has(models.RequiresAlternateRole) {
		out = mergeSameRole(out)
	}

	if flags.Has(models.MustStartWithUserInput) {
		if len(out) == 0 || out[0].Role != types.RoleUser {
			out = append([]types.Message{{Role: types.RoleUser, Content: Placeholder}}, out...)
		}
	}

	if detached != nil {
		out = append([]types.Message{*detached}, out...)
	}
	return out
}

func (o Options) template() string {
	if strings.TrimSpace(o.SystemTemplate) == "" {
		return DefaultSystemTemplate
	}
	return o.SystemTemplate
}

func detachLeadingSystem(msgs []types.Message) (*types.Message, []types.Message) {
	n := 0
	for n < len(msgs) && msgs[n].Role == types.RoleSystem {
		n++
	}
	if n == 0 {
		return nil, msgs
	}
	sys := msgs[0]
	if n == 1 {
		return &sys, msgs[1:]
	}
	texts := []string{msgs[0].Content}
	for _, m := range msgs[1:n] {
		texts = append(texts, m.Content)
		sys.Parts = append(sys.Parts, m.Parts...)
		sys.CachePoint = sys.CachePoint || m.CachePoint
	}
	sys.Content = joinNonEmpty("\n\n", texts...)
	return &sys, msgs[n:]
}

func demoteSystem(msgs []types.Message, tmpl string) []types.Message {
	for i := range msgs {
		if msgs[i].Role != types.RoleSystem {
			continue
		}
		msgs[i].Role = types.RoleUser
		msgs[i].Content = strings.ReplaceAll(tmpl, "{{slot}}", msgs[i].Content)
	}
	return msgs
}

func mergeSameRole(msgs []types.Message) []types.Message {
	out := make([]types.Message, 0, len(msgs))
	for _, m := range msgs {
		if len(out) == 0 {
			out = append(out, m)
			continue
		}
		prev := &out[len(out)-1]
		switch {
		case prev.Role != m.Role:
			out = append(out, m)
		case answersOtherCalls(*prev, m):
			foldToolResults(prev, m)
		default:
			prev.Content = prev.Content + "\n" + m.Content
			prev.Parts = append(prev.Parts, m.Parts...)
			prev.Thoughts = append(prev.Thoughts, m.Thoughts...)
			prev.ToolCalls = append(prev.ToolCalls, m.ToolCalls...)
			prev.CachePoint = prev.CachePoint || m.CachePoint
		}
	}
	return out
}

// answersOtherCalls reports whether two adjacent tool turns answer
// different calls, so their answers must stay addressable per call.
func answersOtherCalls(a, b types.Message) bool {
	if a.Role != types.RoleTool {
		return false
	}
	return a.ToolCallID != b.ToolCallID || len(a.Results) > 0 || len(b.Results) > 0
}

// foldToolResults turns prev into one tool turn carrying the answers of
// both messages, each still keyed by its call ID.
func foldToolResults(prev *types.Message, m types.Message) {
	results := append(prev.ToolResults(), m.ToolResults()...)
	texts := make([]string, 0, len(results))
	var parts []types.Part
	for _, r := range results {
		texts = append(texts, r.Content)
		parts = append(parts, r.Parts...)
	}
	prev.Results = results
	prev.ToolCallID = ""
	prev.Name = ""
	prev.Content = strings.Join(texts, "\n")
	prev.Parts = parts
	prev.Thoughts = append(prev.Thoughts, m.Thoughts...)
	prev.CachePoint = prev.CachePoint || m.CachePoint
}

func joinNonEmpty(sep string, parts ...string) string {
	var out []string
	for _, p := range parts {
		if strings.TrimSpace(p) == "" {
			continue
		}
		out = append(out, p)
	}
	return strings.Join(out, sep)
}
