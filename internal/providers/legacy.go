package providers

import (
	"context"
	"fmt"
	"sort"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/n0madic/go-chatdispatch/internal/stream"
	"github.com/n0madic/go-chatdispatch/internal/types"
	"github.com/n0madic/go-chatdispatch/internal/upstream"
)

// legacyAdapter speaks the OpenAI text completions endpoint.
type legacyAdapter struct {
	deps Deps
}

func (a *legacyAdapter) Send(ctx context.Context, req *Request) *types.Result {
	body := []byte(`{}`)
	body, _ = sjson.SetBytes(body, "model", req.Model.WireModel())
	body, _ = sjson.SetBytes(body, "prompt", transcript(req.Messages))
	body, _ = sjson.SetBytes(body, "max_tokens", maxTokens(req))
	body, _ = sjson.SetBytes(body, "stop", stopSequences)
	if n := candidates(req); n > 1 {
		body, _ = sjson.SetBytes(body, "n", n)
	}
	body, fail := applyParams(body, req, nil)
	if fail != nil {
		return fail
	}

	up := upstream.Request{
		URL:    baseURL(req, "https://api.openai.com/v1") + "/completions",
		Header: bearer(req.Credential.APIKey),
		Body:   body,
		Model:  req.Model.ID,
	}
	if streaming(req) {
		up.Body, _ = sjson.SetBytes(up.Body, "stream", true)
		return a.deps.startStream(ctx, req, a.deps.opener(up, false), legacyHandler)
	}
	data, _, err := a.deps.Client.DoJSON(ctx, &up)
	if err != nil {
		return upstream.ResultFromError(err)
	}
	choices := gjson.GetBytes(data, "choices")
	if !choices.IsArray() || len(choices.Array()) == 0 {
		return types.Fail(types.ProtocolMismatch, "completion has no choices")
	}
	list := choices.Array()
	sort.SliceStable(list, func(i, j int) bool { return list[i].Get("index").Int() < list[j].Get("index").Int() })
	texts := make([]string, len(list))
	for i, c := range list {
		texts[i] = c.Get("text").String()
	}
	return textResult(texts, nil, types.UsageFromJSON(data))
}

func legacyHandler(ev *stream.Event, st *stream.State) error {
	if ev.Get("error").Exists() {
		if upstream.IsOverloadEvent(ev.Raw) {
			return stream.ErrOverloaded
		}
		return fmt.Errorf("upstream stream error: %s", upstream.ExtractErrorMessage(ev.Raw))
	}
	for _, c := range ev.Get("choices").Array() {
		st.Acc.AddText(int(c.Get("index").Int()), c.Get("text").String())
	}
	setUsage(ev.Raw, st)
	return nil
}
