package models

import "strings"

var (
	openAIParams    = []Param{ParamTemperature, ParamTopP, ParamFrequencyPenalty, ParamPresencePenalty}
	reasoningParams = []Param{ParamReasoningEffort, ParamVerbosity}
	claudeParams    = []Param{ParamTemperature, ParamTopP, ParamTopK, ParamThinkingTokens}
	geminiParams    = []Param{ParamTemperature, ParamTopP, ParamTopK, ParamFrequencyPenalty, ParamPresencePenalty, ParamThinkingTokens}
	samplerParams   = []Param{ParamTemperature, ParamTopP, ParamTopK, ParamTopA, ParamMinP, ParamRepetitionPenalty}
)

const (
	chatFlags   = HasFullSystemPrompt | HasStreaming | HasImageInput | HasToolUse | PoolSupported
	claudeFlags = HasFirstSystemPrompt | RequiresAlternateRole | MustStartWithUserInput | HasPrefill | HasImageInput | HasToolUse | HasCache
	geminiFlags = HasFirstSystemPrompt | RequiresAlternateRole | MustStartWithUserInput | HasStreaming | HasImageInput | HasAudioInput | HasVideoInput | HasToolUse
	legacyFlags = HasFullSystemPrompt | HasStreaming
)

// StaticCatalog returns the built-in model descriptors.
func StaticCatalog() []Descriptor {
	return []Descriptor{
		{ID: "gpt-4o", Name: "GPT-4o", Provider: "openai", Format: FormatOpenAI, Flags: chatFlags | HasAudioInput, Parameters: openAIParams, KeyID: "openai", MaxContext: 128000},
		{ID: "gpt-4.1", Name: "GPT-4.1", Provider: "openai", Format: FormatOpenAI, Flags: chatFlags, Parameters: openAIParams, KeyID: "openai", MaxContext: 1047576},
		{ID: "gpt-5", Name: "GPT-5", Provider: "openai", Format: FormatOpenAI, Flags: chatFlags | DeveloperRole, Parameters: reasoningParams, KeyID: "openai", MaxContext: 400000},
		{ID: "gpt-5-responses", Name: "GPT-5 (Responses)", Provider: "openai", Format: FormatOpenAIResponses, Flags: HasFullSystemPrompt | HasStreaming | HasImageInput | HasToolUse | DeveloperRole, Parameters: reasoningParams, KeyID: "openai", Submodel: "gpt-5", MaxContext: 400000},
		{ID: "gpt-3.5-turbo-instruct", Name: "GPT-3.5 Instruct", Provider: "openai", Format: FormatOpenAILegacy, Flags: legacyFlags | PoolSupported, Parameters: openAIParams, KeyID: "openai", MaxContext: 4096},
		{ID: "claude-sonnet-4", Name: "Claude Sonnet 4", Provider: "anthropic", Format: FormatAnthropic, Flags: claudeFlags | HasStreaming, Parameters: claudeParams, KeyID: "anthropic", Submodel: "claude-sonnet-4-20250514", MaxContext: 200000},
		{ID: "claude-opus-4", Name: "Claude Opus 4", Provider: "anthropic", Format: FormatAnthropic, Flags: claudeFlags | HasStreaming, Parameters: claudeParams, KeyID: "anthropic", Submodel: "claude-opus-4-20250514", MaxContext: 200000},
		{ID: "claude-3-5-haiku", Name: "Claude 3.5 Haiku", Provider: "anthropic", Format: FormatAnthropic, Flags: claudeFlags | HasStreaming, Parameters: []Param{ParamTemperature, ParamTopP, ParamTopK}, KeyID: "anthropic", Submodel: "claude-3-5-haiku-20241022", MaxContext: 200000},
		{ID: "claude-sonnet-4-bedrock", Name: "Claude Sonnet 4 (Bedrock)", Provider: "aws", Format: FormatBedrock, Flags: claudeFlags, Parameters: claudeParams, KeyID: "aws", Submodel: "anthropic.claude-sonnet-4-20250514-v1:0", MaxContext: 200000},
		{ID: "gemini-2.5-pro", Name: "Gemini 2.5 Pro", Provider: "google", Format: FormatGoogle, Flags: geminiFlags, Parameters: geminiParams, KeyID: "google", MaxContext: 1048576},
		{ID: "gemini-2.5-flash", Name: "Gemini 2.5 Flash", Provider: "google", Format: FormatGoogle, Flags: geminiFlags, Parameters: geminiParams, KeyID: "google", MaxContext: 1048576},
		{ID: "gemini-2.5-pro-vertex", Name: "Gemini 2.5 Pro (Vertex)", Provider: "vertex", Format: FormatVertex, Flags: geminiFlags, Parameters: geminiParams, KeyID: "vertex", Submodel: "gemini-2.5-pro", MaxContext: 1048576},
		{ID: "command-r-plus", Name: "Command R+", Provider: "cohere", Format: FormatCohere, Flags: HasFirstSystemPrompt | RequiresAlternateRole | HasStreaming, Parameters: []Param{ParamTemperature, ParamTopP, ParamTopK, ParamFrequencyPenalty, ParamPresencePenalty}, KeyID: "cohere", MaxContext: 128000},
		{ID: "mistral-large", Name: "Mistral Large", Provider: "mistral", Format: FormatMistral, Flags: HasFirstSystemPrompt | RequiresAlternateRole | MustStartWithUserInput | HasStreaming | HasToolUse, Parameters: openAIParams, KeyID: "mistral", Submodel: "mistral-large-latest", MaxContext: 128000},
		{ID: "novelai-kayra", Name: "NovelAI Kayra", Provider: "novelai", Format: FormatNovelAI, Flags: legacyFlags, Parameters: samplerParams, KeyID: "novelai", Submodel: "kayra-v1", MaxContext: 8192},
		{ID: "kobold", Name: "KoboldCpp", Provider: "kobold", Format: FormatKobold, Flags: legacyFlags, Parameters: samplerParams, MaxContext: 8192},
		{ID: "ooba", Name: "Text Generation WebUI", Provider: "ooba", Format: FormatOoba, Flags: legacyFlags, Parameters: samplerParams, MaxContext: 8192},
		{ID: "ooba-chat", Name: "Text Generation WebUI (chat)", Provider: "ooba", Format: FormatOobaChat, Flags: HasFirstSystemPrompt | RequiresAlternateRole | HasStreaming, Parameters: samplerParams, MaxContext: 8192},
		{ID: "ollama", Name: "Ollama", Provider: "ollama", Format: FormatOllama, Flags: HasFullSystemPrompt | HasStreaming | HasImageInput | HasToolUse, Parameters: []Param{ParamTemperature, ParamTopP, ParamTopK, ParamMinP, ParamRepetitionPenalty}, Submodel: "llama3.1", MaxContext: 8192},
		{ID: "horde", Name: "AI Horde", Provider: "horde", Format: FormatHorde, Flags: HasFullSystemPrompt, Parameters: samplerParams, KeyID: "horde", MaxContext: 4096},
		{ID: "webllm", Name: "WebLLM (local)", Provider: "webllm", Format: FormatWebLLM, Flags: HasFullSystemPrompt, Parameters: []Param{ParamTemperature, ParamTopP}, MaxContext: 4096},
	}
}

var aliases = map[string]string{
	"gpt4o":         "gpt-4o",
	"gpt-4o-latest": "gpt-4o",
	"gpt5":          "gpt-5",
	"gpt-5-latest":  "gpt-5",
	"claude":        "claude-sonnet-4",
	"sonnet":        "claude-sonnet-4",
	"opus":          "claude-opus-4",
	"haiku":         "claude-3-5-haiku",
	"gemini":        "gemini-2.5-pro",
	"gemini-pro":    "gemini-2.5-pro",
	"gemini-flash":  "gemini-2.5-flash",
	"command-r+":    "command-r-plus",
	"mistral":       "mistral-large",
	"kayra":         "novelai-kayra",
}

// NormalizeModelID maps aliases to catalog IDs and strips a ":variant" suffix.
func NormalizeModelID(id string) string {
	base := strings.TrimSpace(strings.SplitN(id, ":", 2)[0])
	if mapped, ok := aliases[strings.ToLower(base)]; ok {
		return mapped
	}
	return base
}
