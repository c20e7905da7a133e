package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/shared"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/n0madic/go-chatdispatch/internal/models"
	"github.com/n0madic/go-chatdispatch/internal/stream"
	"github.com/n0madic/go-chatdispatch/internal/types"
	"github.com/n0madic/go-chatdispatch/internal/upstream"
)

// openAIAdapter speaks Chat Completions. Mistral and the Gemini
// compatibility endpoint use the same wire format.
type openAIAdapter struct {
	deps         Deps
	defaultBase  string
	noCandidates bool
}

func (a *openAIAdapter) Send(ctx context.Context, req *Request) *types.Result {
	body, err := a.buildBody(req)
	if err != nil {
		return types.Failf(types.AuthOrConfig, "build chat request: %v", err)
	}
	body, fail := applyParams(body, req, nil)
	if fail != nil {
		return fail
	}

	up := upstream.Request{
		URL:    baseURL(req, a.defaultBase) + "/chat/completions",
		Header: bearer(req.Credential.APIKey),
		Body:   body,
		Model:  req.Model.ID,
	}
	if streaming(req) {
		up.Body, _ = sjson.SetBytes(up.Body, "stream", true)
		up.Body, _ = sjson.SetBytes(up.Body, "stream_options.include_usage", true)
		return a.deps.startStream(ctx, req, a.deps.opener(up, false), chatChunkHandler)
	}

	data, _, err := a.deps.Client.DoJSON(ctx, &up)
	if err != nil {
		return upstream.ResultFromError(err)
	}
	return parseChatCompletion(data)
}

func (a *openAIAdapter) buildBody(req *Request) ([]byte, error) {
	p := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(req.Model.WireModel()),
		Messages: chatMessages(req.Messages, req.Model.Flags),
	}
	if req.Model.Accepts(models.ParamReasoningEffort) {
		p.MaxCompletionTokens = openai.Int(int64(maxTokens(req)))
	} else {
		p.MaxTokens = openai.Int(int64(maxTokens(req)))
	}
	if n := candidates(req); n > 1 && !a.noCandidates {
		p.N = openai.Int(int64(n))
	}
	if len(req.Tools) > 0 {
		p.Tools = chatTools(req.Tools)
	}
	return json.Marshal(p)
}

func chatMessages(msgs []types.Message, flags models.Flag) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case types.RoleSystem:
			if flags.Has(models.DeveloperRole) {
				out = append(out, openai.ChatCompletionMessageParamUnion{
					OfDeveloper: &openai.ChatCompletionDeveloperMessageParam{
						Content: openai.ChatCompletionDeveloperMessageParamContentUnion{OfString: openai.String(m.Content)},
					},
				})
				continue
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{
				OfSystem: &openai.ChatCompletionSystemMessageParam{
					Content: openai.ChatCompletionSystemMessageParamContentUnion{OfString: openai.String(m.Content)},
				},
			})
		case types.RoleUser:
			out = append(out, chatUserMessage(m))
		case types.RoleAssistant:
			asst := &openai.ChatCompletionAssistantMessageParam{
				Content: openai.ChatCompletionAssistantMessageParamContentUnion{OfString: openai.String(m.Content)},
			}
			for _, tc := range m.ToolCalls {
				asst.ToolCalls = append(asst.ToolCalls, openai.ChatCompletionMessageToolCallUnionParam{
					OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
						ID: tc.ID,
						Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
							Name:      tc.Name,
							Arguments: stream.SerializeToolArgs(tc.Arguments),
						},
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: asst})
		case types.RoleTool, types.RoleFunction:
			for _, r := range m.ToolResults() {
				out = append(out, openai.ChatCompletionMessageParamUnion{
					OfTool: &openai.ChatCompletionToolMessageParam{
						ToolCallID: r.ToolCallID,
						Content:    openai.ChatCompletionToolMessageParamContentUnion{OfString: openai.String(r.Content)},
					},
				})
			}
		}
	}
	return out
}

func chatUserMessage(m types.Message) openai.ChatCompletionMessageParamUnion {
	if !m.HasParts(types.PartImage) {
		return openai.ChatCompletionMessageParamUnion{
			OfUser: &openai.ChatCompletionUserMessageParam{
				Content: openai.ChatCompletionUserMessageParamContentUnion{OfString: openai.String(m.Content)},
			},
		}
	}
	parts := []openai.ChatCompletionContentPartUnionParam{}
	if m.Content != "" {
		parts = append(parts, openai.TextContentPart(m.Content))
	}
	for _, p := range m.Parts {
		if p.Kind != types.PartImage {
			continue
		}
		parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
			URL:    partURL(p),
			Detail: "auto",
		}))
	}
	return openai.ChatCompletionMessageParamUnion{
		OfUser: &openai.ChatCompletionUserMessageParam{
			Content: openai.ChatCompletionUserMessageParamContentUnion{OfArrayOfContentParts: parts},
		},
	}
}

// partURL returns the part's URL, or a data URL for inline bytes.
func partURL(p types.Part) string {
	if p.URL != "" {
		return p.URL
	}
	return "data:" + p.MIME + ";base64," + base64.StdEncoding.EncodeToString(p.Data)
}

func chatTools(tools []types.ToolDescriptor) []openai.ChatCompletionToolUnionParam {
	out := make([]openai.ChatCompletionToolUnionParam, len(tools))
	for i, t := range tools {
		out[i] = openai.ChatCompletionToolUnionParam{
			OfFunction: &openai.ChatCompletionFunctionToolParam{
				Function: shared.FunctionDefinitionParam{
					Name:        t.Name,
					Description: openai.String(t.Description),
					Parameters:  shared.FunctionParameters(t.InputSchema),
				},
			},
		}
	}
	return out
}

func parseChatCompletion(data []byte) *types.Result {
	var resp openai.ChatCompletion
	if err := json.Unmarshal(data, &resp); err != nil {
		return upstream.ResultFromError(err)
	}
	if len(resp.Choices) == 0 {
		if msg := upstream.ExtractErrorMessage(data); msg != "" {
			return types.Fail(types.ProtocolMismatch, msg)
		}
		return types.Fail(types.ProtocolMismatch, "chat completion has no choices")
	}

	texts := make([]string, len(resp.Choices))
	for i, ch := range resp.Choices {
		reasoning := gjson.GetBytes(data, fmt.Sprintf("choices.%d.message.reasoning_content", i)).String()
		texts[i] = stream.WrapThoughts(reasoning, ch.Message.Content)
	}
	var calls []types.ToolCall
	for _, tc := range resp.Choices[0].Message.ToolCalls {
		if tc.Type != "function" {
			continue
		}
		fn := tc.AsFunction()
		calls = append(calls, types.ToolCall{ID: fn.ID, Name: fn.Function.Name, Arguments: fn.Function.Arguments})
	}
	return textResult(texts, calls, types.UsageFromJSON(data))
}

// chatChunkHandler decodes Chat Completions stream chunks. Each choice index
// is a branch; tool calls are only assembled for branch 0.
func chatChunkHandler(ev *stream.Event, st *stream.State) error {
	if ev.Get("error").Exists() {
		if upstream.IsOverloadEvent(ev.Raw) {
			return stream.ErrOverloaded
		}
		return fmt.Errorf("upstream stream error: %s", upstream.ExtractErrorMessage(ev.Raw))
	}
	var chunk openai.ChatCompletionChunk
	if err := json.Unmarshal(ev.Raw, &chunk); err != nil {
		return fmt.Errorf("%w: %v", upstream.ErrProtocol, err)
	}
	for i, ch := range chunk.Choices {
		branch := int(ch.Index)
		st.Acc.AddThought(branch, ev.Get(fmt.Sprintf("choices.%d.delta.reasoning_content", i)).String())
		st.Acc.AddText(branch, ch.Delta.Content)
		if branch != 0 {
			continue
		}
		for _, tc := range ch.Delta.ToolCalls {
			st.Tools.OnIndexDelta(int(tc.Index), tc.ID, tc.Function.Name, tc.Function.Arguments)
		}
	}
	setUsage(ev.Raw, st)
	return nil
}

func setUsage(raw []byte, st *stream.State) {
	if u := types.UsageFromJSON(raw); u != nil && u.TotalTokens > 0 {
		st.Usage = u
	}
}
