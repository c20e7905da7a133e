package providers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/goleak"

	"github.com/n0madic/go-chatdispatch/internal/config"
	"github.com/n0madic/go-chatdispatch/internal/models"
	"github.com/n0madic/go-chatdispatch/internal/params"
	"github.com/n0madic/go-chatdispatch/internal/types"
)

const anthropicReply = `{"id":"msg_1","type":"message","role":"assistant","model":"claude",
	"content":[{"type":"thinking","thinking":"hmm","signature":"s"},{"type":"text","text":"Answer"},
		{"type":"tool_use","id":"toolu_1","name":"calc","input":{"x":2}}],
	"stop_reason":"tool_use","usage":{"input_tokens":12,"output_tokens":8}}`

func TestAnthropicMessage(t *testing.T) {
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "sk-test", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))
		body, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(anthropicReply))
	}))
	defer srv.Close()

	m := testModel(models.FormatAnthropic, models.HasToolUse, models.ParamTemperature, models.ParamThinkingTokens)
	req := testRequest(srv, m,
		types.Message{Role: types.RoleSystem, Content: "You are terse.", CachePoint: true},
		types.Message{Role: types.RoleUser, Content: "Add"},
		types.Message{Role: types.RoleAssistant, Content: "", ToolCalls: []types.ToolCall{{ID: "toolu_0", Name: "calc", Arguments: `{"x":1}`}}},
		types.Message{Role: types.RoleTool, ToolCallID: "toolu_0", Content: "1"},
		types.Message{Role: types.RoleTool, ToolCallID: "toolu_0b", Content: "2", CachePoint: true},
	)
	req.Params = params.Values{models.ParamTemperature: 100, models.ParamThinkingTokens: 2048}
	req.Options.AnthropicCache = true

	res := NewTable(testDeps(srv)).Send(context.Background(), req)
	require.Equal(t, types.KindSuccess, res.Kind, res.Text)
	assert.Equal(t, "<Thoughts>\nhmm\n</Thoughts>\n\nAnswer", res.Text)
	require.Len(t, res.ToolCalls, 1)
	assert.JSONEq(t, `{"x":2}`, res.ToolCalls[0].Arguments)
	require.NotNil(t, res.Usage)
	assert.EqualValues(t, 20, res.Usage.TotalTokens)

	assert.Equal(t, "You are terse.", gjson.GetBytes(body, "system.0.text").String())
	assert.Equal(t, "ephemeral", gjson.GetBytes(body, "system.0.cache_control.type").String())
	// Both tool results fold into one user turn, marked at its last block.
	assert.Equal(t, "user", gjson.GetBytes(body, "messages.2.role").String())
	assert.Len(t, gjson.GetBytes(body, "messages.2.content").Array(), 2)
	assert.Equal(t, "ephemeral", gjson.GetBytes(body, "messages.2.content.1.cache_control.type").String())
	assert.Equal(t, "enabled", gjson.GetBytes(body, "thinking.type").String())
	assert.EqualValues(t, 2048, gjson.GetBytes(body, "thinking.budget_tokens").Int())
	assert.InDelta(t, 1.0, gjson.GetBytes(body, "temperature").Float(), 1e-9)
}

func TestAnthropicOmitsThinkingAndCacheWhenOff(t *testing.T) {
	req := &Request{
		Model:    testModel(models.FormatAnthropic, 0, models.ParamThinkingTokens),
		Messages: []types.Message{{Role: types.RoleUser, Content: "hi", CachePoint: true}},
		Params:   params.Values{},
	}
	body, fail := anthropicBody(req)
	require.Nil(t, fail)
	assert.False(t, gjson.GetBytes(body, "thinking").Exists())
	assert.NotContains(t, string(body), "cache_control")
}

func TestAnthropicStreamOverloadReset(t *testing.T) {
	defer goleak.VerifyNone(t)

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		if calls.Add(1) == 1 {
			fmt.Fprint(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"partial\"}}\n\n")
			fmt.Fprint(w, "event: error\ndata: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"Overloaded\"}}\n\n")
			return
		}
		for _, f := range []string{
			`{"type":"message_start","message":{"usage":{"input_tokens":5}}}`,
			`{"type":"content_block_start","index":0,"content_block":{"type":"thinking","thinking":""}}`,
			`{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"ok"}}`,
			`{"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"Full "}}`,
			`{"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"answer"}}`,
			`{"type":"content_block_start","index":2,"content_block":{"type":"tool_use","id":"toolu_9","name":"note","input":{}}}`,
			`{"type":"content_block_delta","index":2,"delta":{"type":"input_json_delta","partial_json":"{\"t\":"}}`,
			`{"type":"content_block_delta","index":2,"delta":{"type":"input_json_delta","partial_json":"1}"}}`,
			`{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":3}}`,
			`{"type":"message_stop"}`,
		} {
			fmt.Fprintf(w, "data: %s\n\n", f)
		}
	}))
	defer srv.Close()

	req := testRequest(srv, testModel(models.FormatAnthropic, models.HasStreaming))
	req.Stream = true
	res := NewTable(testDeps(srv)).Send(context.Background(), req)
	require.Equal(t, types.KindStreaming, res.Kind, res.Text)

	var chunks []types.StreamChunk
	for c := range res.Stream.Chunks() {
		chunks = append(chunks, c)
	}
	require.NoError(t, res.Stream.Err())
	assert.EqualValues(t, 2, calls.Load())

	// The reset is announced with an empty chunk before the reissue.
	require.GreaterOrEqual(t, len(chunks), 3)
	assert.Equal(t, "partial", chunks[0][0])
	assert.Empty(t, chunks[1][0])
	assert.Equal(t, "<Thoughts>\nok\n</Thoughts>\n\nFull answer", chunks[len(chunks)-1][0])

	calls2 := res.Stream.ToolCalls()
	require.Len(t, calls2, 1)
	assert.Equal(t, "toolu_9", calls2[0].ID)
	assert.JSONEq(t, `{"t":1}`, calls2[0].Arguments)
}

func TestAnthropicBatch(t *testing.T) {
	var polls atomic.Int32
	var srvURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/messages/batches":
			b, _ := io.ReadAll(r.Body)
			customID := gjson.GetBytes(b, "requests.0.custom_id").String()
			assert.NotEmpty(t, customID)
			assert.Equal(t, "Hello", gjson.GetBytes(b, "requests.0.params.messages.0.content.0.text").String())
			// Stash the id in the batch id so the results can echo it.
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"id":"batch_%s","processing_status":"in_progress"}`, customID)
		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/v1/messages/batches/batch_"):
			id := strings.TrimPrefix(r.URL.Path, "/v1/messages/batches/")
			w.Header().Set("Content-Type", "application/json")
			if polls.Add(1) < 2 {
				fmt.Fprintf(w, `{"id":%q,"processing_status":"in_progress"}`, id)
				return
			}
			fmt.Fprintf(w, `{"id":%q,"processing_status":"ended","results_url":"%s/results/%s"}`, id, srvURL, strings.TrimPrefix(id, "batch_"))
		case strings.HasPrefix(r.URL.Path, "/results/"):
			customID := strings.TrimPrefix(r.URL.Path, "/results/")
			w.Header().Set("Content-Type", "application/binary")
			fmt.Fprintf(w, "{\"custom_id\":\"other\",\"result\":{\"type\":\"errored\"}}\n")
			fmt.Fprintf(w, "{\"custom_id\":%q,\"result\":{\"type\":\"succeeded\",\"message\":%s}}\n", customID, strings.Join(strings.Fields(anthropicReply), " "))
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()
	srvURL = srv.URL

	req := testRequest(srv, testModel(models.FormatAnthropic, models.HasStreaming))
	req.Options.AnthropicBatch = true
	res := NewTable(testDeps(srv)).Send(context.Background(), req)
	require.Equal(t, types.KindSuccess, res.Kind, res.Text)
	assert.Equal(t, "<Thoughts>\nhmm\n</Thoughts>\n\nAnswer", res.Text)
	assert.GreaterOrEqual(t, polls.Load(), int32(2))
}

func TestAnthropicBatchCancel(t *testing.T) {
	cancelled := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/cancel"):
			close(cancelled)
			fmt.Fprint(w, `{"id":"batch_1","processing_status":"canceling"}`)
		case r.Method == http.MethodPost:
			fmt.Fprint(w, `{"id":"batch_1","processing_status":"in_progress"}`)
		default:
			cancel()
			fmt.Fprint(w, `{"id":"batch_1","processing_status":"in_progress"}`)
		}
	}))
	defer srv.Close()

	req := testRequest(srv, testModel(models.FormatAnthropic, 0))
	req.Options.AnthropicBatch = true
	res := NewTable(testDeps(srv)).Send(ctx, req)
	assert.True(t, res.IsAborted())
	select {
	case <-cancelled:
	default:
		t.Fatal("batch was not cancelled upstream")
	}
}

func TestBedrockSignsAndInvokes(t *testing.T) {
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/model/anthropic.claude-v2:1/invoke", r.URL.Path)
		assert.True(t, strings.HasPrefix(r.Header.Get("Authorization"), "AWS4-HMAC-SHA256 Credential=AKIDEXAMPLE/"))
		assert.Contains(t, r.Header.Get("Authorization"), "/eu-west-1/bedrock/aws4_request")
		assert.NotEmpty(t, r.Header.Get("X-Amz-Date"))
		body, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(anthropicReply))
	}))
	defer srv.Close()

	m := testModel(models.FormatBedrock, models.HasStreaming)
	m.Submodel = "anthropic.claude-v2:1"
	req := &Request{
		Model:    m,
		Messages: []types.Message{{Role: types.RoleUser, Content: "Hi"}},
		Stream:   true,
		Credential: config.Credential{
			BaseURL:         srv.URL,
			Region:          "eu-west-1",
			AccessKeyID:     "AKIDEXAMPLE",
			SecretAccessKey: "secret",
		},
	}
	res := NewTable(testDeps(srv)).Send(context.Background(), req)
	require.Equal(t, types.KindSuccess, res.Kind, res.Text)
	assert.Contains(t, res.Text, "Answer")
	assert.Equal(t, "bedrock-2023-05-31", gjson.GetBytes(body, "anthropic_version").String())
	assert.False(t, gjson.GetBytes(body, "model").Exists())
	assert.False(t, gjson.GetBytes(body, "stream").Exists())
}

func TestBedrockRequiresCredentials(t *testing.T) {
	res := NewTable(Deps{}).Send(context.Background(), &Request{
		Model:    testModel(models.FormatBedrock, 0),
		Messages: []types.Message{{Role: types.RoleUser, Content: "Hi"}},
	})
	assert.Equal(t, types.AuthOrConfig, res.Failure)
}
