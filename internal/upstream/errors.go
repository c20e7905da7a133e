package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/n0madic/go-chatdispatch/internal/types"
)

// Error represents a failed upstream request with error details.
type Error struct {
	StatusCode int
	Body       []byte
	Header     http.Header
}

func (e *Error) Error() string {
	return FormatErrorWithHeaders(e.StatusCode, e.Body, e.Header)
}

// Kind classifies the failure by status and body shape.
func (e *Error) Kind() types.FailureKind {
	return Classify(e.StatusCode, e.Body)
}

// RetryAfter returns the provider's backoff hint, capped at MaxRetryAfter.
func (e *Error) RetryAfter() time.Duration {
	return ParseRetryAfter(e.Header, time.Now())
}

// Classify maps an upstream status and error body to a failure kind.
func Classify(statusCode int, body []byte) types.FailureKind {
	if isOverloadBody(body) {
		return types.ServerOverload
	}
	switch {
	case statusCode == http.StatusTooManyRequests,
		statusCode == 529,
		statusCode == http.StatusServiceUnavailable:
		return types.ServerOverload
	case statusCode == http.StatusUnauthorized,
		statusCode == http.StatusForbidden,
		statusCode == http.StatusPaymentRequired:
		return types.AuthOrConfig
	case statusCode == http.StatusRequestTimeout:
		return types.TransientNetwork
	case statusCode >= 500:
		return types.TransientNetwork
	case statusCode >= 400:
		// 400, 404 and 422: the request itself was rejected.
		return types.AuthOrConfig
	}
	return types.ProtocolMismatch
}

func isOverloadBody(body []byte) bool {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return false
	}
	for _, path := range []string{"error.type", "type", "error.status", "status", "error.code"} {
		switch strings.ToLower(gjson.GetBytes(body, path).String()) {
		case "overloaded_error", "resource_exhausted", "rate_limit_error", "rate_limit_exceeded":
			return true
		}
	}
	return false
}

// IsOverloadEvent reports whether a mid-stream error frame signals overload.
func IsOverloadEvent(raw []byte) bool {
	return isOverloadBody(raw)
}

// ResultFromError converts a transport or upstream error into a failure
// result. Cancellation always yields the terminal Aborted result.
func ResultFromError(err error) *types.Result {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return types.Aborted()
	}
	var upErr *Error
	if errors.As(err, &upErr) {
		r := types.Fail(upErr.Kind(), upErr.Error())
		if r.ServerOverload {
			r.RetryAfter = upErr.RetryAfter()
		}
		return r
	}
	if errors.Is(err, ErrProtocol) {
		return types.Fail(types.ProtocolMismatch, err.Error())
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return types.Failf(types.ProtocolMismatch, "malformed upstream response: %v", err)
	}
	return types.Fail(types.TransientNetwork, err.Error())
}

// FormatError renders a human-readable upstream failure message.
func FormatError(statusCode int, rawBody []byte) string {
	status := fmt.Sprintf("%d", statusCode)
	if text := http.StatusText(statusCode); text != "" {
		status = fmt.Sprintf("%d %s", statusCode, text)
	}
	if msg := ExtractErrorMessage(rawBody); msg != "" {
		return fmt.Sprintf("Upstream returned HTTP %s: %s", status, msg)
	}
	if preview := compactBodyPreview(rawBody, 280); preview != "" {
		return fmt.Sprintf("Upstream returned HTTP %s with unparsed body: %s", status, preview)
	}
	return fmt.Sprintf("Upstream returned HTTP %s with empty error body", status)
}

// FormatErrorWithHeaders includes the request id header in the error.
func FormatErrorWithHeaders(statusCode int, rawBody []byte, headers http.Header) string {
	msg := FormatError(statusCode, rawBody)
	if reqID := upstreamRequestID(headers); reqID != "" {
		return fmt.Sprintf("%s (request_id: %s)", msg, reqID)
	}
	return msg
}

// ExtractErrorMessage extracts the provider's message from an error body.
func ExtractErrorMessage(rawBody []byte) string {
	trimmed := strings.TrimSpace(string(rawBody))
	if trimmed == "" {
		return ""
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(trimmed), &payload); err != nil {
		var list []any
		if json.Unmarshal([]byte(trimmed), &list) == nil && len(list) > 0 {
			if entry, ok := list[0].(map[string]any); ok {
				return extractErrorMessageFromMap(entry)
			}
		}
		return ""
	}
	return extractErrorMessageFromMap(payload)
}

func extractErrorMessageFromMap(payload map[string]any) string {
	if payload == nil {
		return ""
	}
	for _, key := range []string{"message", "detail", "error_description", "title", "reason", "msg"} {
		if v, ok := payload[key].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	if nested, ok := payload["error"].(map[string]any); ok {
		if msg := extractErrorMessageFromMap(nested); msg != "" {
			return msg
		}
	}
	if v, ok := payload["error"].(string); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	if list, ok := payload["errors"].([]any); ok {
		for _, item := range list {
			if entry, ok := item.(map[string]any); ok {
				if msg := extractErrorMessageFromMap(entry); msg != "" {
					return msg
				}
			}
			if v, ok := item.(string); ok && strings.TrimSpace(v) != "" {
				return strings.TrimSpace(v)
			}
		}
	}
	return ""
}

func compactBodyPreview(rawBody []byte, maxLen int) string {
	trimmed := strings.TrimSpace(string(rawBody))
	if trimmed == "" {
		return ""
	}
	clean := strings.Join(strings.Fields(trimmed), " ")
	if len(clean) <= maxLen {
		return clean
	}
	return clean[:maxLen] + "..."
}
