package upstream

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/n0madic/go-chatdispatch/internal/config"
)

// upstreamHTTPTimeout is the maximum time allowed for one upstream request.
// Streams can be long-lived, so we use a generous timeout; callers bound
// individual calls through their context.
const upstreamHTTPTimeout = 5 * time.Minute

// defaultHTTPClient is shared by clients that are not given their own.
var defaultHTTPClient = &http.Client{Timeout: upstreamHTTPTimeout}

// ErrProtocol reports a response whose content type or body cannot be
// decoded as the wire format the adapter expects.
var ErrProtocol = errors.New("upstream: unexpected response format")

// Expect names the body format a request expects back.
type Expect int

const (
	ExpectAny Expect = iota
	ExpectJSON
	ExpectStream
)

// Signer signs an outbound request after headers are set. body is the exact
// payload that will be sent.
type Signer func(req *http.Request, body []byte) error

// Request is one outbound upstream call.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
	Expect Expect
	Sign   Signer
	// Model tags log lines.
	Model string
}

// Response wraps the upstream HTTP response. Body is already decompressed.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// Client sends requests to provider endpoints.
type Client struct {
	HTTP     *http.Client
	Verbose  bool
	Debug    bool
	Observer Observer
	Replies  ReplyObserver
	// DumpTo receives debug dumps; nil means os.Stderr.
	DumpTo io.Writer

	dumpMu sync.Mutex
}

// NewClient creates a new upstream client.
func NewClient(verbose, debug bool) *Client {
	return &Client{HTTP: defaultHTTPClient, Verbose: verbose, Debug: debug}
}

func (c *Client) httpClient() *http.Client {
	if c != nil && c.HTTP != nil {
		return c.HTTP
	}
	return defaultHTTPClient
}

// Do sends req and returns the raw response for any status.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodPost
	}
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}

	config.ApplyDefaultHeaders(httpReq.Header)
	for k, vs := range req.Header {
		httpReq.Header[k] = append([]string(nil), vs...)
	}
	if req.Body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	switch req.Expect {
	case ExpectStream:
		if httpReq.Header.Get("Accept") == "" {
			httpReq.Header.Set("Accept", "text/event-stream")
		}
	case ExpectJSON:
		if httpReq.Header.Get("Accept") == "" {
			httpReq.Header.Set("Accept", "application/json")
		}
	}
	httpReq.Header.Set("Accept-Encoding", "br, gzip")

	if req.Sign != nil {
		if err := req.Sign(httpReq, req.Body); err != nil {
			return nil, fmt.Errorf("sign upstream request: %w", err)
		}
	}
	c.observe(httpReq, req.Body)

	if c.Verbose {
		slog.Info("upstream.request",
			"model", req.Model,
			"method", method,
			"url", redactURL(httpReq.URL),
			"body_bytes", len(req.Body),
		)
	}

	resp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}
	if err := decodeBody(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	if c.Verbose {
		attrs := []any{"model", req.Model, "status", resp.StatusCode}
		if requestID := upstreamRequestID(resp.Header); requestID != "" {
			attrs = append(attrs, "request_id", requestID)
		}
		if rl := ParseRateLimit(resp.Header); rl != nil {
			attrs = append(attrs, rl.LogAttrs()...)
		}
		slog.Info("upstream.response", attrs...)
	}
	c.tapResponse(req.Model, resp)

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: resp.Body}, nil
}

// Open sends req and returns the response when the status is a success.
// Failed statuses are returned as *Error with the body drained.
func (c *Client) Open(ctx context.Context, req *Request) (*Response, error) {
	resp, err := c.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		return nil, &Error{StatusCode: resp.StatusCode, Body: errBody, Header: resp.Header}
	}
	if err := checkContentType(resp.Header, req.Expect); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp, nil
}

// DoJSON sends req and reads the whole success body.
func (c *Client) DoJSON(ctx context.Context, req *Request) ([]byte, http.Header, error) {
	if req.Expect == ExpectAny {
		req.Expect = ExpectJSON
	}
	resp, err := c.Open(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.Header, fmt.Errorf("read upstream body: %w", err)
	}
	return data, resp.Header, nil
}

const maxErrorBody = 64 << 10

func checkContentType(h http.Header, expect Expect) error {
	ct := strings.TrimSpace(h.Get("Content-Type"))
	if ct == "" || expect == ExpectAny {
		return nil
	}
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return fmt.Errorf("%w: content type %q", ErrProtocol, ct)
	}
	switch expect {
	case ExpectJSON:
		if !strings.Contains(mediaType, "json") {
			return fmt.Errorf("%w: expected JSON, got %s", ErrProtocol, mediaType)
		}
	case ExpectStream:
		if strings.HasPrefix(mediaType, "text/html") {
			return fmt.Errorf("%w: expected a stream, got %s", ErrProtocol, mediaType)
		}
	}
	return nil
}

type decodedBody struct {
	io.Reader
	closer io.Closer
}

func (d *decodedBody) Close() error { return d.closer.Close() }

func decodeBody(resp *http.Response) error {
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "br":
		resp.Body = &decodedBody{Reader: brotli.NewReader(resp.Body), closer: resp.Body}
	case "gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return fmt.Errorf("%w: bad gzip body: %v", ErrProtocol, err)
		}
		resp.Body = &decodedBody{Reader: zr, closer: resp.Body}
	default:
		return nil
	}
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v != "" {
			return v
		}
	}
	return ""
}

func upstreamRequestID(headers http.Header) string {
	if headers == nil {
		return ""
	}
	return firstNonEmpty(
		headers.Get("x-request-id"),
		headers.Get("request-id"),
		headers.Get("x-amzn-requestid"),
		headers.Get("x-goog-request-id"),
		headers.Get("openai-request-id"),
		headers.Get("cf-ray"),
	)
}
