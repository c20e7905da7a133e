package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"google.golang.org/genai"

	"github.com/n0madic/go-chatdispatch/internal/auth"
	"github.com/n0madic/go-chatdispatch/internal/models"
	"github.com/n0madic/go-chatdispatch/internal/params"
	"github.com/n0madic/go-chatdispatch/internal/stream"
	"github.com/n0madic/go-chatdispatch/internal/types"
	"github.com/n0madic/go-chatdispatch/internal/upstream"
)

const (
	geminiBase      = "https://generativelanguage.googleapis.com"
	geminiShimPath  = "/v1beta/openai"
	defaultLocation = "us-central1"
)

var googleRename = params.Rename{
	models.ParamTemperature:      "generationConfig.temperature",
	models.ParamTopP:             "generationConfig.topP",
	models.ParamTopK:             "generationConfig.topK",
	models.ParamFrequencyPenalty: "generationConfig.frequencyPenalty",
	models.ParamPresencePenalty:  "generationConfig.presencePenalty",
	models.ParamThinkingTokens:   "generationConfig.thinkingConfig.thinkingBudget",
}

// shimParams are the parameters the OpenAI-compatible endpoint still gets
// when a Gemini request is reissued there.
var shimParams = []models.Param{
	models.ParamTemperature,
	models.ParamTopP,
	models.ParamFrequencyPenalty,
	models.ParamPresencePenalty,
}

var safetyCategories = []genai.HarmCategory{
	genai.HarmCategoryHarassment,
	genai.HarmCategoryHateSpeech,
	genai.HarmCategorySexuallyExplicit,
	genai.HarmCategoryDangerousContent,
}

type geminiRequest struct {
	Contents          []*genai.Content       `json:"contents"`
	SystemInstruction *genai.Content         `json:"systemInstruction,omitempty"`
	Tools             []*genai.Tool          `json:"tools,omitempty"`
	SafetySettings    []*genai.SafetySetting `json:"safetySettings,omitempty"`
}

// googleAdapter speaks generateContent for both the Gemini API (key auth)
// and Vertex AI (service-account bearer).
type googleAdapter struct {
	deps   Deps
	vertex bool
	// shim reissues RESOURCE_EXHAUSTED Gemini requests through the
	// OpenAI-compatible endpoint. Nil for Vertex.
	shim Adapter
}

func (a *googleAdapter) Send(ctx context.Context, req *Request) *types.Result {
	body, fail := geminiBody(req)
	if fail != nil {
		return fail
	}
	method := "generateContent"
	if streaming(req) {
		method = "streamGenerateContent"
	}
	endpoint, header, sa, fail := a.endpoint(ctx, req, method)
	if fail != nil {
		return fail
	}
	up := upstream.Request{URL: endpoint, Header: header, Body: body, Model: req.Model.ID}

	var (
		res *types.Result
		err error
	)
	if streaming(req) {
		open := a.deps.opener(up, false)
		var src stream.Source
		if src, err = open(ctx); err == nil {
			res = a.deps.resume(ctx, req, src, open, geminiHandler)
		}
	} else {
		var data []byte
		if data, _, err = a.deps.Client.DoJSON(ctx, &up); err == nil {
			res = parseGemini(data)
		}
	}
	if err != nil {
		res = googleError(err)
	}

	if res.IsFail() && res.Failure == types.AuthOrConfig && sa != nil {
		a.deps.Tokens.Invalidate(sa)
	}
	if a.shim != nil && req.Options.GoogleShim && googleStatus(err) == "RESOURCE_EXHAUSTED" {
		slog.Warn("google.shim_fallback", "model", req.Model.ID)
		return a.shim.Send(ctx, shimRequest(req))
	}
	return res
}

// googleError prefixes the reason with the Google status, e.g.
// RESOURCE_EXHAUSTED.
func googleError(err error) *types.Result {
	res := upstream.ResultFromError(err)
	if status := googleStatus(err); status != "" && !strings.Contains(res.Text, status) {
		res.Text = status + ": " + res.Text
	}
	return res
}

// googleStatus returns the error.status of a Google error reply, or "".
func googleStatus(err error) string {
	var upErr *upstream.Error
	if !errors.As(err, &upErr) {
		return ""
	}
	return gjson.GetBytes(upErr.Body, "error.status").String()
}

func (a *googleAdapter) endpoint(ctx context.Context, req *Request, method string) (string, http.Header, *auth.ServiceAccount, *types.Result) {
	model := url.PathEscape(req.Model.WireModel())
	header := http.Header{}
	q := url.Values{}
	if strings.HasPrefix(method, "stream") {
		q.Set("alt", "sse")
	}

	if !a.vertex {
		if req.Credential.APIKey == "" {
			return "", nil, nil, types.Fail(types.AuthOrConfig, "Google API key is required")
		}
		header.Set("x-goog-api-key", req.Credential.APIKey)
		u := baseURL(req, geminiBase) + "/v1beta/models/" + model + ":" + method
		if len(q) > 0 {
			u += "?" + q.Encode()
		}
		return u, header, nil, nil
	}

	sa, err := auth.LoadServiceAccount(req.Credential.ServiceAccountFile)
	if err != nil {
		return "", nil, nil, types.Failf(types.AuthOrConfig, "vertex credentials: %v", err)
	}
	token, err := a.deps.Tokens.Token(ctx, sa)
	if err != nil {
		if ctx.Err() != nil {
			return "", nil, nil, types.Aborted()
		}
		return "", nil, nil, types.Failf(types.AuthOrConfig, "vertex token: %v", err)
	}
	header.Set("Authorization", "Bearer "+token)

	project := firstNonEmpty(req.Credential.ProjectID, sa.ProjectID)
	if project == "" {
		return "", nil, nil, types.Fail(types.AuthOrConfig, "vertex project id is required")
	}
	location := firstNonEmpty(req.Credential.Location, defaultLocation)
	host := "https://" + location + "-aiplatform.googleapis.com"
	if location == "global" {
		host = "https://aiplatform.googleapis.com"
	}
	u := fmt.Sprintf("%s/v1/projects/%s/locations/%s/publishers/google/models/%s:%s",
		baseURL(req, host), url.PathEscape(project), url.PathEscape(location), model, method)
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u, header, sa, nil
}

func shimRequest(req *Request) *Request {
	shim := *req
	shim.Model.Format = models.FormatOpenAI
	shim.Model.Endpoint = ""
	shim.Model.Flags &^= models.PoolSupported
	shim.Model.Parameters = nil
	for _, p := range shimParams {
		if req.Model.Accepts(p) {
			shim.Model.Parameters = append(shim.Model.Parameters, p)
		}
	}
	shim.Credential.BaseURL = baseURL(req, geminiBase) + geminiShimPath
	return &shim
}

func geminiBody(req *Request) ([]byte, *types.Result) {
	gr := geminiRequest{Contents: geminiContents(req.Messages)}
	var system []string
	for _, m := range req.Messages {
		if m.Role == types.RoleSystem && m.Content != "" {
			system = append(system, m.Content)
		}
	}
	if len(system) > 0 {
		gr.SystemInstruction = genai.NewContentFromText(strings.Join(system, "\n\n"), genai.RoleUser)
	}
	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:                 t.Name,
				Description:          t.Description,
				ParametersJsonSchema: t.InputSchema,
			})
		}
		gr.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	if req.Options.GoogleSafetyOff {
		for _, c := range safetyCategories {
			gr.SafetySettings = append(gr.SafetySettings, &genai.SafetySetting{Category: c, Threshold: genai.HarmBlockThresholdBlockNone})
		}
	}

	body, err := json.Marshal(gr)
	if err != nil {
		return nil, types.Failf(types.AuthOrConfig, "build gemini request: %v", err)
	}
	body, _ = sjson.SetBytes(body, "generationConfig.maxOutputTokens", maxTokens(req))
	if n := candidates(req); n > 1 {
		body, _ = sjson.SetBytes(body, "generationConfig.candidateCount", n)
	}
	body, fail := applyParams(body, req, googleRename)
	if fail != nil {
		return nil, fail
	}
	if req.Model.Accepts(models.ParamThinkingTokens) {
		body, _ = sjson.SetBytes(body, "generationConfig.thinkingConfig.includeThoughts", true)
	}
	return body, nil
}

func geminiContents(msgs []types.Message) []*genai.Content {
	names := map[string]string{}
	out := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case types.RoleSystem:
			continue
		case types.RoleAssistant:
			var parts []*genai.Part
			if m.Content != "" {
				parts = append(parts, genai.NewPartFromText(m.Content))
			}
			for _, tc := range m.ToolCalls {
				names[tc.ID] = tc.Name
				var args map[string]any
				_ = json.Unmarshal([]byte(stream.SerializeToolArgs(tc.Arguments)), &args)
				part := genai.NewPartFromFunctionCall(tc.Name, args)
				part.FunctionCall.ID = tc.ID
				parts = append(parts, part)
			}
			if len(parts) > 0 {
				out = append(out, genai.NewContentFromParts(parts, genai.RoleModel))
			}
		case types.RoleTool, types.RoleFunction:
			var parts []*genai.Part
			for _, r := range m.ToolResults() {
				part := genai.NewPartFromFunctionResponse(firstNonEmpty(r.Name, names[r.ToolCallID]), map[string]any{"output": r.Content})
				part.FunctionResponse.ID = r.ToolCallID
				parts = append(parts, part)
			}
			if n := len(out); n > 0 && out[n-1].Role == string(genai.RoleUser) && out[n-1].Parts[0].FunctionResponse != nil {
				out[n-1].Parts = append(out[n-1].Parts, parts...)
				continue
			}
			out = append(out, genai.NewContentFromParts(parts, genai.RoleUser))
		default:
			var parts []*genai.Part
			for _, p := range m.Parts {
				switch {
				case len(p.Data) > 0:
					parts = append(parts, genai.NewPartFromBytes(p.Data, p.MIME))
				case p.URL != "":
					parts = append(parts, genai.NewPartFromURI(p.URL, p.MIME))
				}
			}
			if m.Content != "" || len(parts) == 0 {
				parts = append(parts, genai.NewPartFromText(m.Content))
			}
			out = append(out, genai.NewContentFromParts(parts, genai.RoleUser))
		}
	}
	return out
}

func parseGemini(data []byte) *types.Result {
	var resp genai.GenerateContentResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return upstream.ResultFromError(err)
	}
	if len(resp.Candidates) == 0 {
		if reason := gjson.GetBytes(data, "promptFeedback.blockReason").String(); reason != "" {
			return types.Failf(types.AuthOrConfig, "prompt blocked: %s", reason)
		}
		return types.Fail(types.ProtocolMismatch, "gemini response has no candidates")
	}
	texts := make([]string, len(resp.Candidates))
	var calls []types.ToolCall
	for i, c := range resp.Candidates {
		var text, thought strings.Builder
		if c.Content != nil {
			for _, p := range c.Content.Parts {
				switch {
				case p.FunctionCall != nil && i == 0:
					calls = append(calls, geminiCall(p.FunctionCall))
				case p.Thought:
					thought.WriteString(p.Text)
				default:
					text.WriteString(p.Text)
				}
			}
		}
		texts[i] = stream.WrapThoughts(thought.String(), text.String())
	}
	return textResult(texts, calls, types.UsageFromJSON(data))
}

func geminiCall(fc *genai.FunctionCall) types.ToolCall {
	args, err := json.Marshal(fc.Args)
	if err != nil || fc.Args == nil {
		args = []byte("{}")
	}
	return types.ToolCall{ID: fc.ID, Name: fc.Name, Arguments: string(args)}
}

func geminiHandler(ev *stream.Event, st *stream.State) error {
	if ev.Get("error").Exists() {
		if upstream.IsOverloadEvent(ev.Raw) {
			return stream.ErrOverloaded
		}
		return fmt.Errorf("upstream stream error: %s", upstream.ExtractErrorMessage(ev.Raw))
	}
	var resp genai.GenerateContentResponse
	if err := json.Unmarshal(ev.Raw, &resp); err != nil {
		return fmt.Errorf("%w: %v", upstream.ErrProtocol, err)
	}
	for i, c := range resp.Candidates {
		branch := int(c.Index)
		if c.Index == 0 {
			branch = i
		}
		if c.Content == nil {
			continue
		}
		for _, p := range c.Content.Parts {
			switch {
			case p.FunctionCall != nil:
				if branch == 0 {
					call := geminiCall(p.FunctionCall)
					st.Tools.OnIndexComplete(st.Tools.Len(), call.ID, call.Name, call.Arguments)
				}
			case p.Thought:
				st.Acc.AddThought(branch, p.Text)
			default:
				st.Acc.AddText(branch, p.Text)
			}
		}
	}
	setUsage(ev.Raw, st)
	return nil
}
