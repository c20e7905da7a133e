package types

import (
	"fmt"
	"time"
)

// ResultKind tags the populated variant of a Result.
type ResultKind int

const (
	KindSuccess ResultKind = iota + 1
	KindFail
	KindStreaming
	KindMultiline
)

func (k ResultKind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindFail:
		return "fail"
	case KindStreaming:
		return "streaming"
	case KindMultiline:
		return "multiline"
	}
	return fmt.Sprintf("ResultKind(%d)", int(k))
}

// FailureKind classifies a failed request.
type FailureKind int

const (
	FailureNone FailureKind = iota
	TransientNetwork
	ServerOverload
	AuthOrConfig
	ProtocolMismatch
	ToolExecutionFailure
	UserAborted
)

func (k FailureKind) String() string {
	switch k {
	case FailureNone:
		return "none"
	case TransientNetwork:
		return "transient_network"
	case ServerOverload:
		return "server_overload"
	case AuthOrConfig:
		return "auth_or_config"
	case ProtocolMismatch:
		return "protocol_mismatch"
	case ToolExecutionFailure:
		return "tool_execution_failure"
	case UserAborted:
		return "user_aborted"
	}
	return fmt.Sprintf("FailureKind(%d)", int(k))
}

// Retryable reports whether a failure of this kind may be retried.
func (k FailureKind) Retryable() bool {
	return k == TransientNetwork || k == ServerOverload
}

// AbortedReason is the reason carried by every cancellation failure.
const AbortedReason = "Aborted"

// Line is one reply of a multi-candidate result.
type Line struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// ChunkSource is a live stream of cumulative chunks.
//
// Chunks is closed when the stream ends; Err is valid after that.
// ToolCalls returns the tool calls assembled by the stream once it ended.
type ChunkSource interface {
	Chunks() <-chan StreamChunk
	Err() error
	ToolCalls() []ToolCall
	Close()
}

// Result is the outcome of one request. Exactly one variant is populated,
// selected by Kind; use the constructors rather than literals.
type Result struct {
	Kind ResultKind

	// Text is the reply for KindSuccess and the human-readable reason for KindFail.
	Text string

	Failure        FailureKind
	Retryable      bool
	ServerOverload bool
	NoRetry        bool
	// RetryAfter is a provider backoff hint for overload failures; zero if absent.
	RetryAfter time.Duration

	Stream ChunkSource
	Lines  []Line

	// ToolCalls holds tool calls requested by a successful non-streamed reply.
	ToolCalls []ToolCall

	Model string
	Usage *Usage
}

// Success returns a success result carrying text.
func Success(text string) *Result {
	return &Result{Kind: KindSuccess, Text: text}
}

// Fail returns a failure of the given kind. Retryable and ServerOverload
// are derived from kind.
func Fail(kind FailureKind, reason string) *Result {
	return &Result{
		Kind:           KindFail,
		Text:           reason,
		Failure:        kind,
		Retryable:      kind.Retryable(),
		ServerOverload: kind == ServerOverload,
	}
}

// Failf is Fail with a formatted reason.
func Failf(kind FailureKind, format string, args ...any) *Result {
	return Fail(kind, fmt.Sprintf(format, args...))
}

// Aborted returns the terminal cancellation failure.
func Aborted() *Result {
	r := Fail(UserAborted, AbortedReason)
	r.NoRetry = true
	return r
}

// Streaming wraps a live chunk source.
func Streaming(src ChunkSource) *Result {
	return &Result{Kind: KindStreaming, Stream: src}
}

// Multiline returns a multi-candidate result.
func Multiline(lines []Line) *Result {
	return &Result{Kind: KindMultiline, Lines: lines}
}

func (r *Result) IsSuccess() bool   { return r != nil && r.Kind == KindSuccess }
func (r *Result) IsFail() bool      { return r != nil && r.Kind == KindFail }
func (r *Result) IsStreaming() bool { return r != nil && r.Kind == KindStreaming }
func (r *Result) IsMultiline() bool { return r != nil && r.Kind == KindMultiline }

// IsAborted reports whether the result is a cancellation failure.
func (r *Result) IsAborted() bool {
	return r.IsFail() && (r.Failure == UserAborted || r.Text == AbortedReason)
}

// WithModel tags the result with the model that produced it.
func (r *Result) WithModel(id string) *Result {
	if r != nil {
		r.Model = id
	}
	return r
}

// WithUsage attaches token usage.
func (r *Result) WithUsage(u *Usage) *Result {
	if r != nil {
		r.Usage = u
	}
	return r
}

// WithNoRetry marks a failure as not to be retried.
func (r *Result) WithNoRetry() *Result {
	if r != nil {
		r.NoRetry = true
	}
	return r
}

// Blank reports whether a successful result carries no visible text.
func (r *Result) Blank() bool {
	if r == nil {
		return true
	}
	switch r.Kind {
	case KindSuccess:
		return len(r.ToolCalls) == 0 && isBlank(r.Text)
	case KindMultiline:
		for _, l := range r.Lines {
			if !isBlank(l.Text) {
				return false
			}
		}
		return true
	}
	return false
}

func isBlank(s string) bool {
	for _, c := range s {
		if c != ' ' && c != '\n' && c != '\t' && c != '\r' {
			return false
		}
	}
	return true
}

// Err renders a failure result as an error. It returns nil for other kinds.
func (r *Result) Err() error {
	if !r.IsFail() {
		return nil
	}
	return &FailureError{Kind: r.Failure, Reason: r.Text}
}

// FailureError is the error form of a failed Result.
type FailureError struct {
	Kind   FailureKind
	Reason string
}

func (e *FailureError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}
