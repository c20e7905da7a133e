package providers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/n0madic/go-chatdispatch/internal/models"
	"github.com/n0madic/go-chatdispatch/internal/params"
	"github.com/n0madic/go-chatdispatch/internal/types"
	"github.com/n0madic/go-chatdispatch/internal/upstream"
)

const (
	hordeBase         = "https://aihorde.net/api"
	hordeAnonymousKey = "0000000000"
	hordePollInterval = 2 * time.Second
)

var hordeRename = params.Rename{
	models.ParamTemperature:       "params.temperature",
	models.ParamTopP:              "params.top_p",
	models.ParamTopK:              "params.top_k",
	models.ParamTopA:              "params.top_a",
	models.ParamMinP:              "params.min_p",
	models.ParamRepetitionPenalty: "params.rep_pen",
}

// hordeAdapter submits an asynchronous AI Horde text job and polls it until
// a worker finishes. Cancelling ctx deletes the job.
type hordeAdapter struct {
	deps Deps
}

func (a *hordeAdapter) Send(ctx context.Context, req *Request) *types.Result {
	body := []byte(`{}`)
	body, _ = sjson.SetBytes(body, "prompt", transcript(req.Messages))
	body, _ = sjson.SetBytes(body, "params.max_length", maxTokens(req))
	body, _ = sjson.SetBytes(body, "params.n", candidates(req))
	body, _ = sjson.SetBytes(body, "params.stop_sequence", stopSequences)
	if req.Model.MaxContext > 0 {
		body, _ = sjson.SetBytes(body, "params.max_context_length", req.Model.MaxContext)
	}
	if req.Model.Submodel != "" {
		body, _ = sjson.SetBytes(body, "models", []string{req.Model.Submodel})
	}
	body, fail := applyParams(body, req, hordeRename)
	if fail != nil {
		return fail
	}

	base := baseURL(req, hordeBase)
	header := http.Header{}
	header.Set("apikey", firstNonEmpty(req.Credential.APIKey, hordeAnonymousKey))
	header.Set("Client-Agent", "chatdispatch:1:https://github.com/n0madic/go-chatdispatch")

	created, _, err := a.deps.Client.DoJSON(ctx, &upstream.Request{
		URL: base + "/v2/generate/text/async", Header: header, Body: body, Model: req.Model.ID,
	})
	if err != nil {
		return upstream.ResultFromError(err)
	}
	id := gjson.GetBytes(created, "id").String()
	if id == "" {
		return types.Fail(types.ProtocolMismatch, "horde did not return a job id")
	}
	logVerbose(a.deps, "horde.job_submitted", "model", req.Model.ID, "job_id", id)

	statusURL := base + "/v2/generate/text/status/" + id
	ticker := time.NewTicker(firstPositive(a.deps.PollInterval, hordePollInterval))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.cancel(statusURL, header)
			return types.Aborted()
		case <-ticker.C:
		}

		status, _, err := a.deps.Client.DoJSON(ctx, &upstream.Request{
			Method: http.MethodGet, URL: statusURL, Header: header, Model: req.Model.ID,
		})
		if err != nil {
			if ctx.Err() != nil {
				a.cancel(statusURL, header)
			}
			return upstream.ResultFromError(err)
		}
		st := gjson.ParseBytes(status)
		switch {
		case st.Get("faulted").Bool():
			return types.Fail(types.TransientNetwork, "horde job faulted")
		case st.Get("is_possible").Exists() && !st.Get("is_possible").Bool():
			a.cancel(statusURL, header)
			return types.Fail(types.AuthOrConfig, "no horde worker can serve this request")
		case st.Get("done").Bool():
			gens := st.Get("generations").Array()
			if len(gens) == 0 {
				return types.Fail(types.ProtocolMismatch, "horde job finished without generations")
			}
			texts := make([]string, len(gens))
			for i, g := range gens {
				texts[i] = g.Get("text").String()
			}
			return textResult(texts, nil, nil)
		}
	}
}

func (a *hordeAdapter) cancel(statusURL string, header http.Header) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	resp, err := a.deps.Client.Do(ctx, &upstream.Request{Method: http.MethodDelete, URL: statusURL, Header: header})
	if err != nil {
		slog.Warn("horde.cancel_failed", "error", err)
		return
	}
	resp.Body.Close()
}
