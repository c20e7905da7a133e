package providers

import (
	"context"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/n0madic/go-chatdispatch/internal/models"
	"github.com/n0madic/go-chatdispatch/internal/params"
	"github.com/n0madic/go-chatdispatch/internal/stream"
	"github.com/n0madic/go-chatdispatch/internal/types"
	"github.com/n0madic/go-chatdispatch/internal/upstream"
)

var novelAIRename = params.Rename{
	models.ParamTemperature:       "parameters.temperature",
	models.ParamTopP:              "parameters.top_p",
	models.ParamTopK:              "parameters.top_k",
	models.ParamTopA:              "parameters.top_a",
	models.ParamMinP:              "parameters.min_p",
	models.ParamRepetitionPenalty: "parameters.repetition_penalty",
	models.ParamFrequencyPenalty:  "parameters.repetition_penalty_frequency",
	models.ParamPresencePenalty:   "parameters.repetition_penalty_presence",
}

// novelAIAdapter speaks the NovelAI text generation API.
type novelAIAdapter struct {
	deps Deps
}

func (a *novelAIAdapter) Send(ctx context.Context, req *Request) *types.Result {
	body := []byte(`{}`)
	body, _ = sjson.SetBytes(body, "input", transcript(req.Messages))
	body, _ = sjson.SetBytes(body, "model", req.Model.WireModel())
	body, _ = sjson.SetBytes(body, "parameters.max_length", maxTokens(req))
	body, _ = sjson.SetBytes(body, "parameters.min_length", 1)
	body, _ = sjson.SetBytes(body, "parameters.use_string", true)
	body, fail := applyParams(body, req, novelAIRename)
	if fail != nil {
		return fail
	}

	base := baseURL(req, "https://text.novelai.net")
	header := bearer(req.Credential.APIKey)
	if streaming(req) {
		up := upstream.Request{URL: base + "/ai/generate-stream", Header: header, Body: body, Model: req.Model.ID}
		return a.deps.startStream(ctx, req, a.deps.opener(up, false), tokenHandler)
	}
	data, _, err := a.deps.Client.DoJSON(ctx, &upstream.Request{
		URL: base + "/ai/generate", Header: header, Body: body, Model: req.Model.ID,
	})
	if err != nil {
		return upstream.ResultFromError(err)
	}
	out := gjson.GetBytes(data, "output")
	if !out.Exists() {
		return types.Fail(types.ProtocolMismatch, "novelai response has no output")
	}
	return types.Success(out.String())
}

// tokenHandler decodes streams whose frames carry one {"token": "..."}
// delta each, as NovelAI and KoboldCpp send them.
func tokenHandler(ev *stream.Event, st *stream.State) error {
	if ev.Get("error").Exists() {
		return fmt.Errorf("upstream stream error: %s", upstream.ExtractErrorMessage(ev.Raw))
	}
	st.Acc.AddText(0, ev.Get("token").String())
	if ev.Get("final").Bool() {
		return stream.ErrDone
	}
	return nil
}
