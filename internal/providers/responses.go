package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/responses"
	"github.com/openai/openai-go/v3/shared"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/n0madic/go-chatdispatch/internal/models"
	"github.com/n0madic/go-chatdispatch/internal/params"
	"github.com/n0madic/go-chatdispatch/internal/stream"
	"github.com/n0madic/go-chatdispatch/internal/types"
	"github.com/n0madic/go-chatdispatch/internal/upstream"
)

var responsesRename = params.Rename{
	models.ParamReasoningEffort: "reasoning.effort",
	models.ParamVerbosity:       "text.verbosity",
}

// responsesAdapter speaks the OpenAI Responses API.
type responsesAdapter struct {
	deps Deps
}

func (a *responsesAdapter) Send(ctx context.Context, req *Request) *types.Result {
	body, err := json.Marshal(responsesParams(req))
	if err != nil {
		return types.Failf(types.AuthOrConfig, "build responses request: %v", err)
	}
	body, fail := applyParams(body, req, responsesRename)
	if fail != nil {
		return fail
	}
	if req.Model.Accepts(models.ParamReasoningEffort) {
		body, _ = sjson.SetBytes(body, "reasoning.summary", "auto")
	}

	up := upstream.Request{
		URL:    baseURL(req, "https://api.openai.com/v1") + "/responses",
		Header: bearer(req.Credential.APIKey),
		Body:   body,
		Model:  req.Model.ID,
	}
	if streaming(req) {
		up.Body, _ = sjson.SetBytes(up.Body, "stream", true)
		return a.deps.startStream(ctx, req, a.deps.opener(up, false), responsesHandler)
	}
	data, _, err := a.deps.Client.DoJSON(ctx, &up)
	if err != nil {
		return upstream.ResultFromError(err)
	}
	return parseResponse(data)
}

func responsesParams(req *Request) responses.ResponseNewParams {
	var instructions []string
	items := make(responses.ResponseInputParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		if item, ok := responsesItem(m, &instructions); ok {
			items = append(items, item...)
		}
	}
	p := responses.ResponseNewParams{
		Model:           shared.ResponsesModel(req.Model.WireModel()),
		Input:           responses.ResponseNewParamsInputUnion{OfInputItemList: items},
		MaxOutputTokens: openai.Int(int64(maxTokens(req))),
		Store:           openai.Bool(false),
	}
	if len(instructions) > 0 {
		p.Instructions = openai.String(strings.Join(instructions, "\n\n"))
	}
	for _, t := range req.Tools {
		schema := t.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		ft := responses.FunctionToolParam{
			Name:       t.Name,
			Parameters: schema,
			Strict:     openai.Bool(false),
		}
		if t.Description != "" {
			ft.Description = openai.String(t.Description)
		}
		p.Tools = append(p.Tools, responses.ToolUnionParam{OfFunction: &ft})
	}
	return p
}

func responsesItem(m types.Message, instructions *[]string) ([]responses.ResponseInputItemUnionParam, bool) {
	switch m.Role {
	case types.RoleSystem:
		if m.Content != "" {
			*instructions = append(*instructions, m.Content)
		}
		return nil, false

	case types.RoleAssistant:
		var out []responses.ResponseInputItemUnionParam
		if m.Content != "" {
			content := []responses.ResponseOutputMessageContentUnionParam{{
				OfOutputText: &responses.ResponseOutputTextParam{Text: m.Content},
			}}
			out = append(out, responses.ResponseInputItemParamOfOutputMessage(content, "", responses.ResponseOutputMessageStatusCompleted))
		}
		for _, tc := range m.ToolCalls {
			out = append(out, responses.ResponseInputItemParamOfFunctionCall(stream.SerializeToolArgs(tc.Arguments), tc.ID, tc.Name))
		}
		return out, len(out) > 0

	case types.RoleTool, types.RoleFunction:
		var out []responses.ResponseInputItemUnionParam
		for _, r := range m.ToolResults() {
			if r.ToolCallID == "" {
				continue
			}
			out = append(out, responses.ResponseInputItemParamOfFunctionCallOutput(r.ToolCallID, r.Content))
		}
		return out, len(out) > 0

	default:
		content := make(responses.ResponseInputMessageContentListParam, 0, 1+len(m.Parts))
		if m.Content != "" {
			content = append(content, responses.ResponseInputContentParamOfInputText(m.Content))
		}
		for _, p := range m.Parts {
			if p.Kind == types.PartImage {
				content = append(content, responses.ResponseInputContentUnionParam{
					OfInputImage: &responses.ResponseInputImageParam{ImageURL: openai.String(partURL(p))},
				})
			}
		}
		if len(content) == 0 {
			return nil, false
		}
		return []responses.ResponseInputItemUnionParam{
			responses.ResponseInputItemParamOfMessage(content, responses.EasyInputMessageRole("user")),
		}, true
	}
}

func parseResponse(data []byte) *types.Result {
	root := gjson.ParseBytes(data)
	if msg := root.Get("error.message").String(); msg != "" {
		return types.Fail(types.ProtocolMismatch, msg)
	}
	output := root.Get("output")
	if !output.IsArray() {
		return types.Fail(types.ProtocolMismatch, "response has no output")
	}
	var text, thought strings.Builder
	var calls []types.ToolCall
	for _, item := range output.Array() {
		switch item.Get("type").String() {
		case "message":
			for _, c := range item.Get("content").Array() {
				if c.Get("type").String() == "output_text" {
					text.WriteString(c.Get("text").String())
				}
			}
		case "reasoning":
			for _, s := range item.Get("summary").Array() {
				thought.WriteString(s.Get("text").String())
			}
		case "function_call":
			calls = append(calls, types.ToolCall{
				ID:        item.Get("call_id").String(),
				Name:      item.Get("name").String(),
				Arguments: item.Get("arguments").String(),
			})
		}
	}
	return textResult([]string{stream.WrapThoughts(thought.String(), text.String())}, calls, types.UsageFromJSON(data))
}

var responsesOverloadCodes = map[string]bool{
	"server_is_overloaded": true,
	"rate_limit_exceeded":  true,
	"slow_down":            true,
}

func responsesHandler(ev *stream.Event, st *stream.State) error {
	switch ev.Type {
	case "response.output_text.delta":
		st.Acc.AddText(0, ev.Get("delta").String())
	case "response.reasoning_summary_text.delta", "response.reasoning_text.delta":
		st.Acc.AddThought(0, ev.Get("delta").String())
	case "response.output_item.added":
		st.Tools.OnOutputItemAdded(ev.Get("item"))
	case "response.function_call_arguments.delta":
		st.Tools.OnArgumentsDelta(ev.Get("item_id").String(), ev.Get("delta").String())
	case "response.function_call_arguments.done":
		st.Tools.OnArgumentsDone(ev.Get("item_id").String(), ev.Get("arguments").String())
	case "response.completed":
		setUsage(ev.Raw, st)
		return stream.ErrDone
	case "response.failed", "error":
		code := firstNonEmpty(ev.Get("response.error.code").String(), ev.Get("error.code").String(), ev.Get("code").String())
		if responsesOverloadCodes[code] || upstream.IsOverloadEvent(ev.Raw) {
			return stream.ErrOverloaded
		}
		msg := firstNonEmpty(ev.Get("response.error.message").String(), ev.Get("message").String(), upstream.ExtractErrorMessage(ev.Raw))
		return fmt.Errorf("upstream stream error: %s", msg)
	}
	return nil
}
