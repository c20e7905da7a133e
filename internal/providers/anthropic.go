package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/n0madic/go-chatdispatch/internal/models"
	"github.com/n0madic/go-chatdispatch/internal/params"
	"github.com/n0madic/go-chatdispatch/internal/stream"
	"github.com/n0madic/go-chatdispatch/internal/types"
	"github.com/n0madic/go-chatdispatch/internal/upstream"
)

const (
	anthropicVersion     = "2023-06-01"
	defaultBatchInterval = 5 * time.Second
	redactedThought      = "[redacted thinking]"
)

var anthropicRename = params.Rename{
	models.ParamThinkingTokens: "thinking.budget_tokens",
}

// anthropicAdapter speaks the Anthropic Messages API, optionally through
// the message batches endpoint.
type anthropicAdapter struct {
	deps Deps
}

func (a *anthropicAdapter) Send(ctx context.Context, req *Request) *types.Result {
	body, fail := anthropicBody(req)
	if fail != nil {
		return fail
	}
	base := baseURL(req, "https://api.anthropic.com")
	header := http.Header{}
	header.Set("x-api-key", req.Credential.APIKey)
	header.Set("anthropic-version", anthropicVersion)

	if req.Options.AnthropicBatch && !req.Stream {
		return a.sendBatch(ctx, req, base, header, body)
	}

	up := upstream.Request{URL: base + "/v1/messages", Header: header, Body: body, Model: req.Model.ID}
	if streaming(req) {
		up.Body, _ = sjson.SetBytes(up.Body, "stream", true)
		return a.deps.startStream(ctx, req, a.deps.opener(up, false), anthropicHandler)
	}
	data, _, err := a.deps.Client.DoJSON(ctx, &up)
	if err != nil {
		return upstream.ResultFromError(err)
	}
	return parseAnthropicMessage(data)
}

// anthropicBody builds the Messages request body shared by the direct,
// batch and Bedrock paths.
func anthropicBody(req *Request) ([]byte, *types.Result) {
	p, marks := anthropicParams(req)
	body, err := json.Marshal(p)
	if err != nil {
		return nil, types.Failf(types.AuthOrConfig, "build anthropic request: %v", err)
	}
	if req.Options.AnthropicCache {
		for _, m := range marks {
			body, _ = sjson.SetBytes(body, m, map[string]string{"type": "ephemeral"})
		}
	}
	body, fail := applyParams(body, req, anthropicRename)
	if fail != nil {
		return nil, fail
	}
	if gjson.GetBytes(body, "thinking.budget_tokens").Int() > 0 {
		body, _ = sjson.SetBytes(body, "thinking.type", "enabled")
	} else {
		body, _ = sjson.DeleteBytes(body, "thinking")
	}
	return body, nil
}

// anthropicParams converts the conversation. Consecutive tool results are
// folded into one user turn. It also returns the sjson paths of the blocks
// that close a cache point.
func anthropicParams(req *Request) (anthropic.MessageNewParams, []string) {
	p := anthropic.MessageNewParams{
		MaxTokens: int64(maxTokens(req)),
		Model:     anthropic.Model(req.Model.WireModel()),
	}
	var (
		system  []string
		marks   []string
		msgs    []anthropic.MessageParam
		results []anthropic.ContentBlockParamUnion
		cached  bool
	)
	flush := func() {
		if len(results) > 0 {
			msgs = append(msgs, anthropic.NewUserMessage(results...))
			if cached {
				marks = append(marks, fmt.Sprintf("messages.%d.content.%d.cache_control", len(msgs)-1, len(results)-1))
			}
			results, cached = nil, false
		}
	}

	for _, m := range req.Messages {
		if m.Role == types.RoleTool || m.Role == types.RoleFunction {
			for _, r := range m.ToolResults() {
				results = append(results, anthropic.NewToolResultBlock(r.ToolCallID, r.Content, false))
			}
			cached = cached || m.CachePoint
			continue
		}
		flush()
		var blocks []anthropic.ContentBlockParamUnion
		switch m.Role {
		case types.RoleSystem:
			system = append(system, m.Content)
			if m.CachePoint {
				marks = append(marks, "system.0.cache_control")
			}
			continue
		case types.RoleAssistant:
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(strings.TrimRight(m.Content, " \n")))
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, json.RawMessage(stream.SerializeToolArgs(tc.Arguments)), tc.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			msgs = append(msgs, anthropic.NewAssistantMessage(blocks...))
		default:
			blocks = anthropicUserBlocks(m)
			msgs = append(msgs, anthropic.NewUserMessage(blocks...))
		}
		if m.CachePoint {
			marks = append(marks, fmt.Sprintf("messages.%d.content.%d.cache_control", len(msgs)-1, len(blocks)-1))
		}
	}
	flush()

	if len(system) > 0 {
		p.System = []anthropic.TextBlockParam{{Text: strings.Join(system, "\n\n")}}
	}
	p.Messages = msgs
	for _, t := range req.Tools {
		tool := anthropic.ToolUnionParamOfTool(anthropicSchema(t.InputSchema), t.Name)
		if t.Description != "" {
			tool.OfTool.Description = anthropic.String(t.Description)
		}
		p.Tools = append(p.Tools, tool)
	}
	return p, marks
}

func anthropicUserBlocks(m types.Message) []anthropic.ContentBlockParamUnion {
	var blocks []anthropic.ContentBlockParamUnion
	for _, part := range m.Parts {
		if part.Kind != types.PartImage || len(part.Data) == 0 {
			continue
		}
		mime := part.MIME
		if mime == "" {
			mime = "image/png"
		}
		blocks = append(blocks, anthropic.NewImageBlockBase64(mime, base64.StdEncoding.EncodeToString(part.Data)))
	}
	text := m.Content
	if text == "" && len(blocks) == 0 {
		text = " "
	}
	if text != "" {
		blocks = append(blocks, anthropic.NewTextBlock(text))
	}
	return blocks
}

func anthropicSchema(in map[string]any) anthropic.ToolInputSchemaParam {
	schema := anthropic.ToolInputSchemaParam{Type: constant.Object("object")}
	if in == nil {
		return schema
	}
	if props, ok := in["properties"].(map[string]any); ok {
		schema.Properties = props
	}
	switch r := in["required"].(type) {
	case []string:
		schema.Required = r
	case []any:
		for _, x := range r {
			if s, ok := x.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	return schema
}

func parseAnthropicMessage(data []byte) *types.Result {
	var msg anthropic.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return upstream.ResultFromError(err)
	}
	if msg.Type != "" && msg.Type != "message" {
		if upstream.IsOverloadEvent(data) {
			return types.Fail(types.ServerOverload, upstream.ExtractErrorMessage(data))
		}
		return types.Failf(types.ProtocolMismatch, "unexpected anthropic reply type %q", msg.Type)
	}
	var text, thought strings.Builder
	var calls []types.ToolCall
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "thinking":
			thought.WriteString(block.Thinking)
		case "redacted_thinking":
			thought.WriteString(redactedThought)
		case "tool_use":
			args := string(block.Input)
			if args == "" {
				args = "{}"
			}
			calls = append(calls, types.ToolCall{ID: block.ID, Name: block.Name, Arguments: args})
		}
	}
	return textResult([]string{stream.WrapThoughts(thought.String(), text.String())}, calls, types.UsageFromJSON(data))
}

func anthropicHandler(ev *stream.Event, st *stream.State) error {
	switch ev.Type {
	case "message_start":
		if in := ev.Get("message.usage.input_tokens").Int(); in > 0 {
			st.Usage = &types.Usage{PromptTokens: in, TotalTokens: in}
		}
	case "content_block_start":
		idx := int(ev.Get("index").Int())
		switch ev.Get("content_block.type").String() {
		case "tool_use":
			st.Tools.OnIndexDelta(idx, ev.Get("content_block.id").String(), ev.Get("content_block.name").String(), "")
		case "redacted_thinking":
			st.Acc.AddThought(0, redactedThought)
		}
	case "content_block_delta":
		switch ev.Get("delta.type").String() {
		case "text_delta":
			st.Acc.AddText(0, ev.Get("delta.text").String())
		case "thinking_delta":
			st.Acc.AddThought(0, ev.Get("delta.thinking").String())
		case "input_json_delta":
			st.Tools.OnIndexDelta(int(ev.Get("index").Int()), "", "", ev.Get("delta.partial_json").String())
		}
	case "message_delta":
		if out := ev.Get("usage.output_tokens").Int(); out > 0 {
			if st.Usage == nil {
				st.Usage = &types.Usage{}
			}
			st.Usage.CompletionTokens = out
			st.Usage.TotalTokens = st.Usage.PromptTokens + out
		}
	case "message_stop":
		return stream.ErrDone
	case "error":
		if upstream.IsOverloadEvent(ev.Raw) {
			return stream.ErrOverloaded
		}
		return fmt.Errorf("upstream stream error: %s", upstream.ExtractErrorMessage(ev.Raw))
	}
	return nil
}

// sendBatch submits a single-request message batch and polls it to
// completion. Cancelling ctx cancels the batch upstream.
func (a *anthropicAdapter) sendBatch(ctx context.Context, req *Request, base string, header http.Header, body []byte) *types.Result {
	customID := uuid.NewString()
	payload := []byte(`{}`)
	payload, _ = sjson.SetBytes(payload, "requests.0.custom_id", customID)
	payload, _ = sjson.SetRawBytes(payload, "requests.0.params", body)

	created, _, err := a.deps.Client.DoJSON(ctx, &upstream.Request{
		URL: base + "/v1/messages/batches", Header: header, Body: payload, Model: req.Model.ID,
	})
	if err != nil {
		return upstream.ResultFromError(err)
	}
	batchID := gjson.GetBytes(created, "id").String()
	if batchID == "" {
		return types.Fail(types.ProtocolMismatch, "batch response has no id")
	}
	logVerbose(a.deps, "anthropic.batch.created", "model", req.Model.ID, "batch_id", batchID)

	interval := firstPositive(req.Options.BatchPollInterval, a.deps.PollInterval, defaultBatchInterval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		status, _, err := a.deps.Client.DoJSON(ctx, &upstream.Request{
			Method: http.MethodGet, URL: base + "/v1/messages/batches/" + batchID, Header: header, Model: req.Model.ID,
		})
		if err != nil {
			if ctx.Err() != nil {
				a.cancelBatch(base, header, batchID)
			}
			return upstream.ResultFromError(err)
		}
		if gjson.GetBytes(status, "processing_status").String() == "ended" {
			return a.batchResult(ctx, req, header, gjson.GetBytes(status, "results_url").String(), customID)
		}
		select {
		case <-ctx.Done():
			a.cancelBatch(base, header, batchID)
			return types.Aborted()
		case <-ticker.C:
		}
	}
}

func (a *anthropicAdapter) batchResult(ctx context.Context, req *Request, header http.Header, resultsURL, customID string) *types.Result {
	if resultsURL == "" {
		return types.Fail(types.ProtocolMismatch, "ended batch has no results_url")
	}
	resp, err := a.deps.Client.Open(ctx, &upstream.Request{
		Method: http.MethodGet, URL: resultsURL, Header: header, Model: req.Model.ID,
	})
	if err != nil {
		return upstream.ResultFromError(err)
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || gjson.GetBytes(line, "custom_id").String() != customID {
			continue
		}
		result := gjson.GetBytes(line, "result")
		switch result.Get("type").String() {
		case "succeeded":
			return parseAnthropicMessage([]byte(result.Get("message").Raw))
		case "errored":
			raw := []byte(result.Get("error").Raw)
			if upstream.IsOverloadEvent(raw) {
				return types.Fail(types.ServerOverload, upstream.ExtractErrorMessage(raw))
			}
			return types.Fail(types.AuthOrConfig, firstNonEmpty(upstream.ExtractErrorMessage(raw), "batch request errored"))
		case "canceled", "expired":
			return types.Failf(types.TransientNetwork, "batch request %s", result.Get("type").String())
		}
	}
	if err := scanner.Err(); err != nil {
		return upstream.ResultFromError(err)
	}
	return types.Fail(types.ProtocolMismatch, "batch results missing request")
}

func (a *anthropicAdapter) cancelBatch(base string, header http.Header, batchID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, _, err := a.deps.Client.DoJSON(ctx, &upstream.Request{
		URL: base + "/v1/messages/batches/" + batchID + "/cancel", Header: header, Body: []byte(`{}`),
	})
	if err != nil {
		slog.Warn("anthropic.batch.cancel_failed", "batch_id", batchID, "error", err)
	}
}

func firstPositive(values ...time.Duration) time.Duration {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}
