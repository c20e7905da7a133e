package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/n0madic/go-chatdispatch/internal/stream"
	"github.com/n0madic/go-chatdispatch/internal/types"
	"github.com/n0madic/go-chatdispatch/internal/upstream"
)

const oobaBase = "http://localhost:5000"

// oobaAdapter speaks the legacy text-generation-webui API: blocking calls
// over HTTP and streaming over WebSocket. With chat set it uses the chat
// endpoints, which exchange whole histories.
type oobaAdapter struct {
	deps Deps
	chat bool
}

func (a *oobaAdapter) Send(ctx context.Context, req *Request) *types.Result {
	body, fail := a.body(req)
	if fail != nil {
		return fail
	}
	base := baseURL(req, oobaBase)
	path := "/api/v1/generate"
	if a.chat {
		path = "/api/v1/chat"
	}

	if streaming(req) {
		wsPath, handler := "/api/v1/stream", oobaStreamHandler
		if a.chat {
			wsPath, handler = "/api/v1/chat-stream", oobaChatStreamHandler
		}
		wsURL := wsBase(base) + wsPath
		var first any = json.RawMessage(body)
		open := func(ctx context.Context) (stream.Source, error) {
			conn, err := a.deps.Client.DialWebSocket(ctx, wsURL, bearer(req.Credential.APIKey))
			if err != nil {
				return nil, err
			}
			return upstream.WebSocketSource(conn, first)
		}
		return a.deps.startStream(ctx, req, open, handler)
	}

	data, _, err := a.deps.Client.DoJSON(ctx, &upstream.Request{
		URL: base + path, Header: bearer(req.Credential.APIKey), Body: body, Model: req.Model.ID,
	})
	if err != nil {
		return upstream.ResultFromError(err)
	}
	if !a.chat {
		return generateResult(data)
	}
	visible := gjson.GetBytes(data, "results.0.history.visible").Array()
	if len(visible) == 0 {
		return types.Fail(types.ProtocolMismatch, "chat response has no history")
	}
	return types.Success(visible[len(visible)-1].Get("1").String())
}

func (a *oobaAdapter) body(req *Request) ([]byte, *types.Result) {
	body := []byte(`{}`)
	body, _ = sjson.SetBytes(body, "max_new_tokens", maxTokens(req))
	if req.Model.MaxContext > 0 {
		body, _ = sjson.SetBytes(body, "truncation_length", req.Model.MaxContext)
	}
	if a.chat {
		input, history, sysContext := oobaHistory(req.Messages)
		body, _ = sjson.SetBytes(body, "user_input", input)
		body, _ = sjson.SetBytes(body, "history.internal", history)
		body, _ = sjson.SetBytes(body, "history.visible", history)
		body, _ = sjson.SetBytes(body, "mode", "chat")
		if sysContext != "" {
			body, _ = sjson.SetBytes(body, "context_instruct", sysContext)
		}
	} else {
		body, _ = sjson.SetBytes(body, "prompt", transcript(req.Messages))
		body, _ = sjson.SetBytes(body, "stopping_strings", stopSequences)
	}
	return applyParams(body, req, nil)
}

// oobaHistory splits a conversation into the pending user input, completed
// [user, assistant] pairs and the joined system context.
func oobaHistory(msgs []types.Message) (string, [][2]string, string) {
	var (
		system  []string
		history [][2]string
		pending []string
	)
	for _, m := range msgs {
		switch m.Role {
		case types.RoleSystem:
			system = append(system, m.Content)
		case types.RoleAssistant:
			history = append(history, [2]string{strings.Join(pending, "\n"), m.Content})
			pending = nil
		default:
			pending = append(pending, m.Content)
		}
	}
	if history == nil {
		history = [][2]string{}
	}
	return strings.Join(pending, "\n"), history, strings.Join(system, "\n\n")
}

func wsBase(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base
}

func oobaStreamHandler(ev *stream.Event, st *stream.State) error {
	switch ev.Get("event").String() {
	case "text_stream":
		st.Acc.AddText(0, ev.Get("text").String())
	case "stream_end":
		return stream.ErrDone
	}
	return nil
}

// oobaChatStreamHandler reads cumulative history frames; the reply so far
// is the assistant half of the last visible pair.
func oobaChatStreamHandler(ev *stream.Event, st *stream.State) error {
	switch ev.Get("event").String() {
	case "text_stream":
		visible := ev.Get("history.visible").Array()
		if len(visible) == 0 {
			return nil
		}
		reply := visible[len(visible)-1].Get("1").String()
		current := st.Acc.Text(0)
		if !strings.HasPrefix(reply, current) {
			return fmt.Errorf("%w: chat stream reply is not cumulative", upstream.ErrProtocol)
		}
		st.Acc.AddText(0, reply[len(current):])
	case "stream_end":
		return stream.ErrDone
	}
	return nil
}
