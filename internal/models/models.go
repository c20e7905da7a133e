package models

import (
	"fmt"
	"sort"
	"strings"
)

// Format identifies the wire protocol family a model speaks.
type Format string

const (
	FormatOpenAI          Format = "openai"
	FormatOpenAIResponses Format = "openai-responses"
	FormatOpenAILegacy    Format = "openai-legacy"
	FormatAnthropic       Format = "anthropic"
	FormatBedrock         Format = "bedrock"
	FormatGoogle          Format = "google"
	FormatVertex          Format = "vertex"
	FormatCohere          Format = "cohere"
	FormatMistral         Format = "mistral"
	FormatNovelAI         Format = "novelai"
	FormatKobold          Format = "kobold"
	FormatOoba            Format = "ooba"
	FormatOobaChat        Format = "ooba-chat"
	FormatOllama          Format = "ollama"
	FormatHorde           Format = "horde"
	FormatWebLLM          Format = "webllm"
	FormatPlugin          Format = "plugin"
)

// AllFormats returns every supported format. The dispatch table must cover each.
func AllFormats() []Format {
	return []Format{
		FormatOpenAI, FormatOpenAIResponses, FormatOpenAILegacy,
		FormatAnthropic, FormatBedrock,
		FormatGoogle, FormatVertex,
		FormatCohere, FormatMistral, FormatNovelAI, FormatKobold,
		FormatOoba, FormatOobaChat, FormatOllama, FormatHorde,
		FormatWebLLM, FormatPlugin,
	}
}

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllFormats() {
		if f == known {
			return f, nil
		}
	}
	return "", fmt.Errorf("unknown model format %q", s)
}

// Flag is a model capability bit.
type Flag uint32

const (
	HasFullSystemPrompt Flag = 1 << iota
	HasFirstSystemPrompt
	RequiresAlternateRole
	MustStartWithUserInput
	HasPrefill
	HasStreaming
	HasImageInput
	HasAudioInput
	HasVideoInput
	HasToolUse
	HasCache
	DeveloperRole
	PoolSupported
)

var flagNames = map[Flag]string{
	HasFullSystemPrompt:    "hasFullSystemPrompt",
	HasFirstSystemPrompt:   "hasFirstSystemPrompt",
	RequiresAlternateRole:  "requiresAlternateRole",
	MustStartWithUserInput: "mustStartWithUserInput",
	HasPrefill:             "hasPrefill",
	HasStreaming:           "hasStreaming",
	HasImageInput:          "hasImageInput",
	HasAudioInput:          "hasAudioInput",
	HasVideoInput:          "hasVideoInput",
	HasToolUse:             "hasToolUse",
	HasCache:               "hasCache",
	DeveloperRole:          "developerRole",
	PoolSupported:          "poolSupported",
}

// Has reports whether every bit of want is set.
func (f Flag) Has(want Flag) bool {
	return f&want == want
}

// Names returns the set flag names sorted alphabetically.
func (f Flag) Names() []string {
	var out []string
	for bit, name := range flagNames {
		if f.Has(bit) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func (f Flag) String() string {
	return strings.Join(f.Names(), "|")
}

// ParseFlags builds a flag set from names, case-insensitively.
func ParseFlags(names []string) (Flag, error) {
	var f Flag
	for _, n := range names {
		found := false
		for bit, name := range flagNames {
			if strings.EqualFold(strings.TrimSpace(n), name) {
				f |= bit
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown model flag %q", n)
		}
	}
	return f, nil
}

// Param is a canonical sampling parameter.
type Param string

const (
	ParamTemperature       Param = "temperature"
	ParamTopP              Param = "top_p"
	ParamTopK              Param = "top_k"
	ParamTopA              Param = "top_a"
	ParamMinP              Param = "min_p"
	ParamFrequencyPenalty  Param = "frequency_penalty"
	ParamPresencePenalty   Param = "presence_penalty"
	ParamRepetitionPenalty Param = "repetition_penalty"
	ParamReasoningEffort   Param = "reasoning_effort"
	ParamThinkingTokens    Param = "thinking_tokens"
	ParamVerbosity         Param = "verbosity"
)

// AllParams returns every canonical parameter.
func AllParams() []Param {
	return []Param{
		ParamTemperature, ParamTopP, ParamTopK, ParamTopA, ParamMinP,
		ParamFrequencyPenalty, ParamPresencePenalty, ParamRepetitionPenalty,
		ParamReasoningEffort, ParamThinkingTokens, ParamVerbosity,
	}
}

// Mode selects which stored parameter profile and fallback list apply.
type Mode string

const (
	ModeModel     Mode = "model"
	ModeSubmodel  Mode = "submodel"
	ModeMemory    Mode = "memory"
	ModeEmotion   Mode = "emotion"
	ModeOtherAx   Mode = "otherAx"
	ModeTranslate Mode = "translate"
)

// ParseMode validates a mode name. Empty means ModeModel.
func ParseMode(s string) (Mode, error) {
	if strings.TrimSpace(s) == "" {
		return ModeModel, nil
	}
	for _, m := range []Mode{ModeModel, ModeSubmodel, ModeMemory, ModeEmotion, ModeOtherAx, ModeTranslate} {
		if strings.EqualFold(s, string(m)) {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown request mode %q", s)
}

// Descriptor is immutable per-model metadata.
type Descriptor struct {
	ID         string  `json:"id" yaml:"id"`
	Name       string  `json:"name" yaml:"name"`
	Provider   string  `json:"provider" yaml:"provider"`
	Format     Format  `json:"format" yaml:"format"`
	Flags      Flag    `json:"flags" yaml:"-"`
	Parameters []Param `json:"parameters" yaml:"parameters"`
	// Endpoint is the provider base URL; empty means the format default.
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	// KeyID names the credential entry used to authenticate.
	KeyID string `json:"key_id,omitempty" yaml:"key_id,omitempty"`
	// Submodel is the model name sent on the wire.
	Submodel   string `json:"submodel,omitempty" yaml:"submodel,omitempty"`
	MaxContext int    `json:"max_context,omitempty" yaml:"max_context,omitempty"`
}

// Accepts reports whether the model accepts the parameter.
func (d Descriptor) Accepts(p Param) bool {
	for _, q := range d.Parameters {
		if q == p {
			return true
		}
	}
	return false
}

// WireModel returns the model name to send upstream.
func (d Descriptor) WireModel() string {
	if d.Submodel != "" {
		return d.Submodel
	}
	return d.ID
}
