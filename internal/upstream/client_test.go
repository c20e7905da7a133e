package upstream

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/n0madic/go-chatdispatch/internal/types"
)

func TestDoJSONDecodesBrotli(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.Header.Get("Accept-Encoding"), "br")
		assert.True(t, strings.HasPrefix(r.Header.Get("User-Agent"), "chatdispatch/"))
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Encoding", "br")
		bw := brotli.NewWriter(w)
		_, _ = bw.Write([]byte(`{"ok":true}`))
		_ = bw.Close()
	}))
	defer srv.Close()

	c := NewClient(false, false)
	body, _, err := c.DoJSON(context.Background(), &Request{URL: srv.URL, Body: []byte(`{}`)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(body))
}

func TestOpenReturnsUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("x-request-id", "req_42")
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(529)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`))
	}))
	defer srv.Close()

	_, err := NewClient(false, false).Open(context.Background(), &Request{URL: srv.URL, Body: []byte(`{}`), Expect: ExpectStream})
	require.Error(t, err)
	var upErr *Error
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, 529, upErr.StatusCode)
	assert.Equal(t, types.ServerOverload, upErr.Kind())
	assert.Contains(t, upErr.Error(), "Overloaded")
	assert.Contains(t, upErr.Error(), "req_42")

	r := ResultFromError(err)
	assert.True(t, r.IsFail())
	assert.True(t, r.Retryable)
	assert.True(t, r.ServerOverload)
	assert.Equal(t, 3*time.Second, r.RetryAfter)
}

func TestDoJSONContentTypeMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html>login</html>"))
	}))
	defer srv.Close()

	_, _, err := NewClient(false, false).DoJSON(context.Background(), &Request{URL: srv.URL})
	require.ErrorIs(t, err, ErrProtocol)
	r := ResultFromError(err)
	assert.Equal(t, types.ProtocolMismatch, r.Failure)
	assert.False(t, r.Retryable)
}

func TestObserverRedactsSecrets(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	rec := NewRecorder(2)
	c := NewClient(false, false)
	c.Observer = rec.Observe
	_, _, err := c.DoJSON(context.Background(), &Request{
		URL:    srv.URL + "/v1/models/x:generateContent?key=secret&alt=sse",
		Header: http.Header{"X-Api-Key": {"sk-ant"}, "Authorization": {"Bearer sk"}, "Anthropic-Version": {"2023-06-01"}},
		Body:   []byte(`{"a":1}`),
	})
	require.NoError(t, err)

	snap, ok := rec.Last()
	require.True(t, ok)
	assert.Equal(t, http.MethodPost, snap.Method)
	assert.NotContains(t, snap.URL, "secret")
	assert.Contains(t, snap.URL, "alt=sse")
	assert.Equal(t, redacted, snap.Header.Get("X-Api-Key"))
	assert.Equal(t, redacted, snap.Header.Get("Authorization"))
	assert.Equal(t, "2023-06-01", snap.Header.Get("Anthropic-Version"))
	assert.Equal(t, `{"a":1}`, string(snap.Body))
	assert.True(t, IsSecretHeader("x-api-key"))
}

func TestSignerRuns(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "signed", r.Header.Get("X-Signature"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	sign := func(r *http.Request, body []byte) error {
		r.Header.Set("X-Signature", "signed")
		return nil
	}
	_, _, err := NewClient(false, false).DoJSON(context.Background(), &Request{URL: srv.URL, Body: []byte(`{}`), Sign: sign})
	require.NoError(t, err)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		status int
		body   string
		want   types.FailureKind
	}{
		{429, ``, types.ServerOverload},
		{529, ``, types.ServerOverload},
		{503, ``, types.ServerOverload},
		{200, `{"error":{"type":"overloaded_error"}}`, types.ServerOverload},
		{400, `{"error":{"code":429,"status":"RESOURCE_EXHAUSTED"}}`, types.ServerOverload},
		{401, `{"error":{"message":"bad key"}}`, types.AuthOrConfig},
		{403, ``, types.AuthOrConfig},
		{400, `{"error":{"message":"bad"}}`, types.AuthOrConfig},
		{404, ``, types.AuthOrConfig},
		{422, ``, types.AuthOrConfig},
		{500, ``, types.TransientNetwork},
		{502, ``, types.TransientNetwork},
		{408, ``, types.TransientNetwork},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.status, []byte(tt.body)), "status %d body %s", tt.status, tt.body)
	}
}

func TestResultFromErrorCancellation(t *testing.T) {
	assert.True(t, ResultFromError(context.Canceled).IsAborted())
	assert.True(t, ResultFromError(context.DeadlineExceeded).IsAborted())
	r := ResultFromError(io.ErrUnexpectedEOF)
	assert.Equal(t, types.TransientNetwork, r.Failure)
	assert.Nil(t, ResultFromError(nil))
}

func TestExtractErrorMessage(t *testing.T) {
	tests := []struct {
		body string
		want string
	}{
		{`{"error":{"message":"Invalid model"}}`, "Invalid model"},
		{`{"detail":"not found"}`, "not found"},
		{`{"error":"plain"}`, "plain"},
		{`{"errors":[{"msg":"first"}]}`, "first"},
		{`[{"error":{"code":429,"message":"quota","status":"RESOURCE_EXHAUSTED"}}]`, "quota"},
		{`not json`, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ExtractErrorMessage([]byte(tt.body)), tt.body)
	}
	assert.Equal(t, "Upstream returned HTTP 500 Internal Server Error with empty error body", FormatError(500, nil))
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	h := http.Header{}
	assert.Zero(t, ParseRetryAfter(h, now))

	h.Set("Retry-After", "2")
	assert.Equal(t, 2*time.Second, ParseRetryAfter(h, now))

	h.Set("Retry-After", "3600")
	assert.Equal(t, MaxRetryAfter, ParseRetryAfter(h, now))

	h.Set("Retry-After", now.Add(5*time.Second).Format(http.TimeFormat))
	assert.Equal(t, 5*time.Second, ParseRetryAfter(h, now))

	h.Set("retry-after-ms", "250")
	assert.Equal(t, 250*time.Millisecond, ParseRetryAfter(h, now))
}

func TestParseRateLimit(t *testing.T) {
	assert.Nil(t, ParseRateLimit(http.Header{"Content-Type": {"application/json"}}))

	h := http.Header{}
	h.Set("x-ratelimit-remaining-requests", "12")
	h.Set("anthropic-ratelimit-tokens-remaining", "9000")
	h.Set("x-ratelimit-reset-requests", "1s")
	rl := ParseRateLimit(h)
	require.NotNil(t, rl)
	require.NotNil(t, rl.RequestsRemaining)
	assert.Equal(t, 12, *rl.RequestsRemaining)
	require.NotNil(t, rl.TokensRemaining)
	assert.Equal(t, 9000, *rl.TokensRemaining)
	assert.Equal(t, "1s", rl.ResetRequests)
	assert.Contains(t, rl.LogAttrs(), "ratelimit_requests_remaining")
}

func TestReplyTapDumpsEventFrames(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("X-Api-Key", "leaked")
		_, _ = w.Write([]byte("data: {\"a\":1}\n\ndata: [DONE]\n\n"))
	}))
	defer srv.Close()

	var dump bytes.Buffer
	rec := NewRecorder(4)
	c := NewClient(false, true)
	c.DumpTo = &dump
	c.Replies = rec.ObserveReply
	resp, err := c.Open(context.Background(), &Request{URL: srv.URL, Expect: ExpectStream, Model: "m1"})
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	assert.Contains(t, string(data), `data: {"a":1}`)
	out := dump.String()
	assert.Contains(t, out, "===== UPSTREAM REPLY m1 HEADERS BEGIN =====")
	assert.Contains(t, out, "===== UPSTREAM REPLY m1 BODY status=200 BEGIN =====\ndata: {\"a\":1}\n\ndata: [DONE]\n\n===== UPSTREAM REPLY m1 BODY status=200 END =====")
	assert.NotContains(t, out, "leaked")

	rep, ok := rec.LastReply()
	require.True(t, ok)
	assert.Equal(t, "m1", rep.Model)
	assert.Equal(t, http.StatusOK, rep.Status)
	assert.Equal(t, 2, rep.Events)
	assert.Equal(t, data, rep.Body)
	assert.Equal(t, "[REDACTED]", rep.Header.Get("X-Api-Key"))
}

func TestReplyTapObservesFailedReplies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"type":"rate_limit_error"}}`))
	}))
	defer srv.Close()

	rec := NewRecorder(1)
	c := NewClient(false, false)
	c.Replies = rec.ObserveReply
	_, _, err := c.DoJSON(context.Background(), &Request{URL: srv.URL})
	require.Error(t, err)

	rep, ok := rec.LastReply()
	require.True(t, ok)
	assert.Equal(t, http.StatusTooManyRequests, rep.Status)
	assert.JSONEq(t, `{"error":{"type":"rate_limit_error"}}`, string(rep.Body))
	assert.Zero(t, rep.Events)
	assert.False(t, rep.Truncated)
}

func TestWebSocketSource(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var req map[string]any
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"text_stream","text":"`+req["prompt"].(string)+`"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"stream_end"}`))
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}))
	defer srv.Close()

	c := NewClient(false, false)
	conn, err := c.DialWebSocket(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	src, err := WebSocketSource(conn, map[string]any{"prompt": "hi"})
	require.NoError(t, err)

	ev, err := src.Next()
	require.NoError(t, err)
	assert.Equal(t, "hi", ev.Get("text").String())
	ev, err = src.Next()
	require.NoError(t, err)
	assert.Equal(t, "stream_end", ev.Get("event").String())
	_, err = src.Next()
	assert.ErrorIs(t, err, io.EOF)
	require.NoError(t, src.Close())
}

func TestDialWebSocketRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"nope"}`, http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := NewClient(false, false).DialWebSocket(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	var upErr *Error
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, http.StatusForbidden, upErr.StatusCode)
	assert.Equal(t, types.AuthOrConfig, upErr.Kind())
}
