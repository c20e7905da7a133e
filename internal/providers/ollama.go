package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/ollama/ollama/api"

	"github.com/n0madic/go-chatdispatch/internal/models"
	"github.com/n0madic/go-chatdispatch/internal/params"
	"github.com/n0madic/go-chatdispatch/internal/stream"
	"github.com/n0madic/go-chatdispatch/internal/types"
	"github.com/n0madic/go-chatdispatch/internal/upstream"
)

var ollamaRename = params.Rename{
	models.ParamRepetitionPenalty: "repeat_penalty",
}

// ollamaAdapter talks to a local Ollama server through its Go client.
type ollamaAdapter struct {
	deps Deps
}

func (a *ollamaAdapter) Send(ctx context.Context, req *Request) *types.Result {
	base, err := url.Parse(baseURL(req, "http://localhost:11434"))
	if err != nil {
		return types.Failf(types.AuthOrConfig, "invalid ollama endpoint: %v", err)
	}
	chatReq, fail := ollamaRequest(req)
	if fail != nil {
		return fail
	}
	httpClient := a.deps.Client.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	client := api.NewClient(base, httpClient)
	logVerbose(a.deps, "upstream.request", "model", req.Model.ID, "url", base.String()+"/api/chat")

	if streaming(req) {
		on := true
		chatReq.Stream = &on
		open := func(ctx context.Context) (stream.Source, error) {
			return ollamaStream(ctx, client, chatReq)
		}
		return a.deps.startStream(ctx, req, open, ollamaHandler)
	}

	off := false
	chatReq.Stream = &off
	var final api.ChatResponse
	err = client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
		final.Message.Content += resp.Message.Content
		final.Message.Thinking += resp.Message.Thinking
		final.Message.ToolCalls = append(final.Message.ToolCalls, resp.Message.ToolCalls...)
		if resp.Done {
			final.Metrics = resp.Metrics
		}
		return nil
	})
	if err != nil {
		return upstream.ResultFromError(ollamaError(err))
	}
	calls := make([]types.ToolCall, 0, len(final.Message.ToolCalls))
	for _, tc := range final.Message.ToolCalls {
		calls = append(calls, ollamaCall(tc))
	}
	res := types.Success(stream.WrapThoughts(final.Message.Thinking, final.Message.Content))
	res.ToolCalls = calls
	if final.PromptEvalCount > 0 || final.EvalCount > 0 {
		res = res.WithUsage(&types.Usage{
			PromptTokens:     int64(final.PromptEvalCount),
			CompletionTokens: int64(final.EvalCount),
			TotalTokens:      int64(final.PromptEvalCount + final.EvalCount),
		})
	}
	return res
}

// optionsMap applies the accepted parameters to an empty object and returns
// it decoded, for backends that take options as a map.
func optionsMap(req *Request, rename params.Rename) (map[string]any, *types.Result) {
	opts, fail := applyParams([]byte(`{}`), req, rename)
	if fail != nil {
		return nil, fail
	}
	options := map[string]any{}
	if err := json.Unmarshal(opts, &options); err != nil {
		return nil, types.Failf(types.AuthOrConfig, "options: %v", err)
	}
	return options, nil
}

func ollamaRequest(req *Request) (*api.ChatRequest, *types.Result) {
	options, fail := optionsMap(req, ollamaRename)
	if fail != nil {
		return nil, fail
	}
	options["num_predict"] = maxTokens(req)
	if req.Model.MaxContext > 0 {
		options["num_ctx"] = req.Model.MaxContext
	}

	chatReq := &api.ChatRequest{
		Model:    req.Model.WireModel(),
		Messages: make([]api.Message, 0, len(req.Messages)),
		Options:  options,
	}
	for _, m := range req.Messages {
		msg := api.Message{Role: string(m.Role), Content: m.Content}
		switch m.Role {
		case types.RoleUser:
			for _, p := range m.Parts {
				if p.Kind == types.PartImage && len(p.Data) > 0 {
					msg.Images = append(msg.Images, api.ImageData(p.Data))
				}
			}
		case types.RoleAssistant:
			for i, tc := range m.ToolCalls {
				var args api.ToolCallFunctionArguments
				_ = json.Unmarshal([]byte(stream.SerializeToolArgs(tc.Arguments)), &args)
				msg.ToolCalls = append(msg.ToolCalls, api.ToolCall{
					ID:       tc.ID,
					Function: api.ToolCallFunction{Index: i, Name: tc.Name, Arguments: args},
				})
			}
		case types.RoleTool, types.RoleFunction:
			for _, r := range m.ToolResults() {
				chatReq.Messages = append(chatReq.Messages, api.Message{Role: "tool", Content: r.Content, ToolName: r.Name, ToolCallID: r.ToolCallID})
			}
			continue
		}
		chatReq.Messages = append(chatReq.Messages, msg)
	}
	for _, t := range req.Tools {
		chatReq.Tools = append(chatReq.Tools, ollamaTool(t))
	}
	return chatReq, nil
}

func ollamaTool(t types.ToolDescriptor) api.Tool {
	fnParams := api.ToolFunctionParameters{Type: "object", Properties: api.NewToolPropertiesMap()}
	if t.InputSchema != nil {
		if b, err := json.Marshal(t.InputSchema); err == nil {
			_ = json.Unmarshal(b, &fnParams)
		}
		if fnParams.Properties == nil {
			fnParams.Properties = api.NewToolPropertiesMap()
		}
	}
	return api.Tool{
		Type: "function",
		Function: api.ToolFunction{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  fnParams,
		},
	}
}

func ollamaCall(tc api.ToolCall) types.ToolCall {
	args := "{}"
	if m := tc.Function.Arguments.ToMap(); len(m) > 0 {
		if b, err := json.Marshal(m); err == nil {
			args = string(b)
		}
	}
	return types.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args}
}

// ollamaStream runs the client's callback loop on its own goroutine and
// relays every response through a pipe. It returns once the first response
// or an error arrives so request failures surface before streaming starts.
func ollamaStream(ctx context.Context, client *api.Client, chatReq *api.ChatRequest) (stream.Source, error) {
	ctx, cancel := context.WithCancel(ctx)
	pipe := stream.NewPipe(func() error {
		cancel()
		return nil
	})
	ready := make(chan error, 1)
	var once sync.Once

	go func() {
		err := client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
			once.Do(func() { ready <- nil })
			raw, err := json.Marshal(resp)
			if err != nil {
				return err
			}
			if !pipe.Send("", raw) {
				return context.Canceled
			}
			return nil
		})
		err = ollamaError(err)
		once.Do(func() { ready <- err })
		pipe.Finish(err)
	}()

	select {
	case err := <-ready:
		if err != nil {
			_ = pipe.Close()
			return nil, err
		}
		return pipe, nil
	case <-ctx.Done():
		_ = pipe.Close()
		return nil, ctx.Err()
	}
}

// ollamaError maps client status errors onto upstream errors so they are
// classified like every other provider.
func ollamaError(err error) error {
	if err == nil {
		return nil
	}
	var se api.StatusError
	if errors.As(err, &se) {
		body, _ := json.Marshal(map[string]string{"error": se.ErrorMessage})
		return &upstream.Error{StatusCode: se.StatusCode, Body: body}
	}
	return err
}

func ollamaHandler(ev *stream.Event, st *stream.State) error {
	if msg := ev.Get("error").String(); msg != "" {
		return fmt.Errorf("upstream stream error: %s", msg)
	}
	var resp api.ChatResponse
	if err := json.Unmarshal(ev.Raw, &resp); err != nil {
		return fmt.Errorf("%w: %v", upstream.ErrProtocol, err)
	}
	st.Acc.AddThought(0, resp.Message.Thinking)
	st.Acc.AddText(0, resp.Message.Content)
	for _, tc := range resp.Message.ToolCalls {
		call := ollamaCall(tc)
		st.Tools.OnIndexComplete(st.Tools.Len(), call.ID, call.Name, call.Arguments)
	}
	if resp.Done {
		setUsage(ev.Raw, st)
		return stream.ErrDone
	}
	return nil
}
