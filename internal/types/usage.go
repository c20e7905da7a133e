package types

import "github.com/tidwall/gjson"

// UsageFromJSON extracts token usage from a provider response body.
// It understands the OpenAI, Anthropic, Gemini, Cohere and Ollama shapes
// and returns nil when no usage is present.
func UsageFromJSON(raw []byte) *Usage {
	root := gjson.ParseBytes(raw)
	if r := root.Get("response.usage"); r.Exists() {
		root = root.Get("response")
	}

	var pt, ct, tt int64
	switch {
	case root.Get("usage").Exists():
		u := root.Get("usage")
		pt = firstInt(u, "prompt_tokens", "input_tokens")
		ct = firstInt(u, "completion_tokens", "output_tokens")
		tt = u.Get("total_tokens").Int()
	case root.Get("usageMetadata").Exists():
		u := root.Get("usageMetadata")
		pt = u.Get("promptTokenCount").Int()
		ct = u.Get("candidatesTokenCount").Int() + u.Get("thoughtsTokenCount").Int()
		tt = u.Get("totalTokenCount").Int()
	case root.Get("meta.billed_units").Exists():
		u := root.Get("meta.billed_units")
		pt = u.Get("input_tokens").Int()
		ct = u.Get("output_tokens").Int()
	case root.Get("prompt_eval_count").Exists() || root.Get("eval_count").Exists():
		pt = root.Get("prompt_eval_count").Int()
		ct = root.Get("eval_count").Int()
	default:
		return nil
	}
	if tt == 0 {
		tt = pt + ct
	}
	return &Usage{PromptTokens: pt, CompletionTokens: ct, TotalTokens: tt}
}

func firstInt(r gjson.Result, keys ...string) int64 {
	for _, k := range keys {
		if v := r.Get(k); v.Exists() {
			return v.Int()
		}
	}
	return 0
}
