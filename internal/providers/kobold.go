package providers

import (
	"context"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/n0madic/go-chatdispatch/internal/models"
	"github.com/n0madic/go-chatdispatch/internal/params"
	"github.com/n0madic/go-chatdispatch/internal/types"
	"github.com/n0madic/go-chatdispatch/internal/upstream"
)

var koboldRename = params.Rename{
	models.ParamRepetitionPenalty: "rep_pen",
}

// koboldAdapter speaks the KoboldAI / KoboldCpp generate API.
type koboldAdapter struct {
	deps Deps
}

func (a *koboldAdapter) Send(ctx context.Context, req *Request) *types.Result {
	body := []byte(`{}`)
	body, _ = sjson.SetBytes(body, "prompt", transcript(req.Messages))
	body, _ = sjson.SetBytes(body, "max_length", maxTokens(req))
	body, _ = sjson.SetBytes(body, "stop_sequence", stopSequences)
	if req.Model.MaxContext > 0 {
		body, _ = sjson.SetBytes(body, "max_context_length", req.Model.MaxContext)
	}
	body, fail := applyParams(body, req, koboldRename)
	if fail != nil {
		return fail
	}

	base := baseURL(req, "http://localhost:5001")
	header := bearer(req.Credential.APIKey)
	if streaming(req) {
		up := upstream.Request{URL: base + "/api/extra/generate/stream", Header: header, Body: body, Model: req.Model.ID}
		return a.deps.startStream(ctx, req, a.deps.opener(up, false), tokenHandler)
	}
	data, _, err := a.deps.Client.DoJSON(ctx, &upstream.Request{
		Method: http.MethodPost, URL: base + "/api/v1/generate", Header: header, Body: body, Model: req.Model.ID,
	})
	if err != nil {
		return upstream.ResultFromError(err)
	}
	return generateResult(data)
}

// generateResult reads the {"results":[{"text": ...}]} reply shared by
// KoboldAI and text-generation-webui.
func generateResult(data []byte) *types.Result {
	results := gjson.GetBytes(data, "results").Array()
	if len(results) == 0 {
		return types.Fail(types.ProtocolMismatch, "generate response has no results")
	}
	texts := make([]string, len(results))
	for i, r := range results {
		texts[i] = strings.TrimSuffix(r.Get("text").String(), "\nUser:")
	}
	return textResult(texts, nil, nil)
}
