package upstream

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// MaxRetryAfter caps provider backoff hints.
const MaxRetryAfter = 30 * time.Second

// RateLimit holds the quota headers a provider reported on a response.
type RateLimit struct {
	RequestsLimit     *int
	RequestsRemaining *int
	TokensLimit       *int
	TokensRemaining   *int
	ResetRequests     string
	ResetTokens       string
}

// header families: OpenAI/Mistral/Groq style and Anthropic style.
var rateLimitPrefixes = []string{"x-ratelimit-", "anthropic-ratelimit-"}

// ParseRateLimit extracts quota information from response headers.
func ParseRateLimit(headers http.Header) *RateLimit {
	if headers == nil {
		return nil
	}
	rl := &RateLimit{}
	found := false
	for _, p := range rateLimitPrefixes {
		found = parseInt(headers, &rl.RequestsLimit, p+"limit-requests", p+"requests-limit") || found
		found = parseInt(headers, &rl.RequestsRemaining, p+"remaining-requests", p+"requests-remaining") || found
		found = parseInt(headers, &rl.TokensLimit, p+"limit-tokens", p+"tokens-limit") || found
		found = parseInt(headers, &rl.TokensRemaining, p+"remaining-tokens", p+"tokens-remaining") || found
		if v := firstNonEmpty(headers.Get(p+"reset-requests"), headers.Get(p+"requests-reset")); v != "" && rl.ResetRequests == "" {
			rl.ResetRequests = v
			found = true
		}
		if v := firstNonEmpty(headers.Get(p+"reset-tokens"), headers.Get(p+"tokens-reset")); v != "" && rl.ResetTokens == "" {
			rl.ResetTokens = v
			found = true
		}
	}
	if !found {
		return nil
	}
	return rl
}

func parseInt(headers http.Header, dst **int, keys ...string) bool {
	if *dst != nil {
		return false
	}
	for _, k := range keys {
		v := strings.TrimSpace(headers.Get(k))
		if v == "" {
			continue
		}
		if i, err := strconv.Atoi(v); err == nil {
			*dst = &i
			return true
		}
	}
	return false
}

// LogAttrs renders the populated fields as slog key/value pairs.
func (rl *RateLimit) LogAttrs() []any {
	var attrs []any
	add := func(key string, v *int) {
		if v != nil {
			attrs = append(attrs, key, *v)
		}
	}
	add("ratelimit_requests_remaining", rl.RequestsRemaining)
	add("ratelimit_tokens_remaining", rl.TokensRemaining)
	if rl.ResetRequests != "" {
		attrs = append(attrs, "ratelimit_reset_requests", rl.ResetRequests)
	}
	return attrs
}

// ParseRetryAfter reads retry-after-ms or Retry-After (seconds or HTTP date)
// relative to now. The result is capped at MaxRetryAfter; zero means absent.
func ParseRetryAfter(headers http.Header, now time.Time) time.Duration {
	if headers == nil {
		return 0
	}
	var d time.Duration
	if v := strings.TrimSpace(headers.Get("retry-after-ms")); v != "" {
		if ms, err := strconv.ParseFloat(v, 64); err == nil && !math.IsNaN(ms) && ms > 0 {
			if ms >= float64(MaxRetryAfter.Milliseconds()) {
				return MaxRetryAfter
			}
			d = time.Duration(ms * float64(time.Millisecond))
		}
	}
	if d == 0 {
		v := strings.TrimSpace(headers.Get("Retry-After"))
		if v == "" {
			return 0
		}
		if secs, err := strconv.ParseFloat(v, 64); err == nil {
			if math.IsNaN(secs) || secs <= 0 {
				return 0
			}
			if secs >= MaxRetryAfter.Seconds() {
				return MaxRetryAfter
			}
			d = time.Duration(secs * float64(time.Second))
		} else if t, err := http.ParseTime(v); err == nil {
			d = t.Sub(now)
		}
	}
	if d <= 0 {
		return 0
	}
	return min(d, MaxRetryAfter)
}
