package providers

import (
	"context"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/n0madic/go-chatdispatch/internal/models"
	"github.com/n0madic/go-chatdispatch/internal/params"
	"github.com/n0madic/go-chatdispatch/internal/stream"
	"github.com/n0madic/go-chatdispatch/internal/types"
	"github.com/n0madic/go-chatdispatch/internal/upstream"
)

var cohereRename = params.Rename{
	models.ParamTopP: "p",
	models.ParamTopK: "k",
}

type cohereTurn struct {
	Role    string `json:"role"`
	Message string `json:"message"`
}

// cohereAdapter speaks the Cohere v1 chat endpoint.
type cohereAdapter struct {
	deps Deps
}

func (a *cohereAdapter) Send(ctx context.Context, req *Request) *types.Result {
	var (
		preamble []string
		history  []cohereTurn
	)
	for _, m := range req.Messages {
		switch m.Role {
		case types.RoleSystem:
			preamble = append(preamble, m.Content)
		case types.RoleAssistant:
			history = append(history, cohereTurn{Role: "CHATBOT", Message: m.Content})
		default:
			history = append(history, cohereTurn{Role: "USER", Message: m.Content})
		}
	}
	message := ""
	if n := len(history); n > 0 && history[n-1].Role == "USER" {
		message = history[n-1].Message
		history = history[:n-1]
	}
	if strings.TrimSpace(message) == "" {
		message = " "
	}

	body := []byte(`{}`)
	body, _ = sjson.SetBytes(body, "model", req.Model.WireModel())
	body, _ = sjson.SetBytes(body, "message", message)
	if len(history) > 0 {
		body, _ = sjson.SetBytes(body, "chat_history", history)
	}
	if len(preamble) > 0 {
		body, _ = sjson.SetBytes(body, "preamble", strings.Join(preamble, "\n\n"))
	}
	body, _ = sjson.SetBytes(body, "max_tokens", maxTokens(req))
	body, fail := applyParams(body, req, cohereRename)
	if fail != nil {
		return fail
	}

	up := upstream.Request{
		URL:    baseURL(req, "https://api.cohere.ai") + "/v1/chat",
		Header: bearer(req.Credential.APIKey),
		Body:   body,
		Model:  req.Model.ID,
	}
	if streaming(req) {
		up.Body, _ = sjson.SetBytes(up.Body, "stream", true)
		return a.deps.startStream(ctx, req, a.deps.opener(up, true), cohereHandler)
	}
	data, _, err := a.deps.Client.DoJSON(ctx, &up)
	if err != nil {
		return upstream.ResultFromError(err)
	}
	text := gjson.GetBytes(data, "text")
	if !text.Exists() {
		return types.Fail(types.ProtocolMismatch, "cohere response has no text")
	}
	return types.Success(text.String()).WithUsage(types.UsageFromJSON(data))
}

func cohereHandler(ev *stream.Event, st *stream.State) error {
	switch ev.Type {
	case "text-generation":
		st.Acc.AddText(0, ev.Get("text").String())
	case "stream-end":
		if reason := ev.Get("finish_reason").String(); reason == "ERROR" || reason == "ERROR_TOXIC" {
			return fmt.Errorf("upstream stream error: cohere finished with %s", reason)
		}
		setUsage([]byte(ev.Get("response").Raw), st)
		return stream.ErrDone
	}
	return nil
}
