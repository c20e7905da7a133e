package normalize

import (
	"strings"

	"github.com/n0madic/go-chatdispatch/internal/models"
	"github.com/n0madic/go-chatdispatch/internal/types"
)

// Tools drops nameless and duplicate descriptors and gives every tool an
// object input schema. The first descriptor with a given name wins.
func Tools(in []types.ToolDescriptor) []types.ToolDescriptor {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := make([]types.ToolDescriptor, 0, len(in))
	for _, t := range in {
		t.Name = strings.TrimSpace(t.Name)
		if t.Name == "" || seen[t.Name] {
			continue
		}
		seen[t.Name] = true
		if t.InputSchema == nil {
			t.InputSchema = map[string]any{"type": "object", "properties": map[string]any{}}
		} else if _, ok := t.InputSchema["type"]; !ok {
			schema := make(map[string]any, len(t.InputSchema)+1)
			for k, v := range t.InputSchema {
				schema[k] = v
			}
			schema["type"] = "object"
			t.InputSchema = schema
		}
		out = append(out, t)
	}
	return out
}

// StripUnsupportedParts removes multimodal parts the model cannot accept.
// Message order and content are untouched.
func StripUnsupportedParts(msgs []types.Message, flags models.Flag) []types.Message {
	allowed := map[types.PartKind]bool{
		types.PartImage: flags.Has(models.HasImageInput),
		types.PartAudio: flags.Has(models.HasAudioInput),
		types.PartVideo: flags.Has(models.HasVideoInput),
	}
	out := types.CloneMessages(msgs)
	for i := range out {
		if len(out[i].Parts) == 0 {
			continue
		}
		kept := out[i].Parts[:0]
		for _, p := range out[i].Parts {
			if allowed[p.Kind] {
				kept = append(kept, p)
			}
		}
		if len(kept) == 0 {
			kept = nil
		}
		out[i].Parts = kept
	}
	return out
}
