package upstream

import (
	"net/http"
	"net/url"
	"strings"
	"sync"
)

// Snapshot is a copy of one outbound request with secrets redacted.
type Snapshot struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Observer is called with a snapshot of every outbound request.
type Observer func(Snapshot)

// Reply is a copy of one upstream response, taken once its body has been
// read or closed.
type Reply struct {
	Model  string
	Status int
	Header http.Header
	// Body holds at most maxReplyBody bytes of the decoded body.
	Body      []byte
	Truncated bool
	// Events counts the frames of an event-stream body.
	Events int
}

// ReplyObserver is called with every finished upstream response.
type ReplyObserver func(Reply)

var secretHeaders = []string{
	"Authorization",
	"X-Api-Key",
	"Api-Key",
	"Apikey",
	"X-Goog-Api-Key",
	"X-Amz-Security-Token",
}

var secretQueryKeys = []string{"key", "api_key", "apikey"}

const redacted = "[REDACTED]"

func redactHeader(h http.Header) http.Header {
	out := h.Clone()
	for _, k := range secretHeaders {
		if out.Get(k) != "" {
			out.Set(k, redacted)
		}
	}
	return out
}

func redactURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	q := u.Query()
	changed := false
	for _, k := range secretQueryKeys {
		if q.Has(k) {
			q.Set(k, redacted)
			changed = true
		}
	}
	if !changed {
		return u.String()
	}
	cp := *u
	cp.RawQuery = q.Encode()
	return cp.String()
}

func (c *Client) observe(req *http.Request, body []byte) {
	if c == nil || c.Observer == nil {
		return
	}
	c.Observer(Snapshot{
		Method: req.Method,
		URL:    redactURL(req.URL),
		Header: redactHeader(req.Header),
		Body:   append([]byte(nil), body...),
	})
}

// Recorder is an Observer and ReplyObserver that keeps the most recent
// snapshots and replies.
type Recorder struct {
	mu      sync.Mutex
	max     int
	snaps   []Snapshot
	replies []Reply
}

// NewRecorder keeps up to max snapshots; max <= 0 keeps one.
func NewRecorder(max int) *Recorder {
	if max <= 0 {
		max = 1
	}
	return &Recorder{max: max}
}

// Observe implements Observer.
func (r *Recorder) Observe(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
	if len(r.snaps) > r.max {
		r.snaps = r.snaps[len(r.snaps)-r.max:]
	}
}

// ObserveReply implements ReplyObserver.
func (r *Recorder) ObserveReply(rep Reply) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replies = append(r.replies, rep)
	if len(r.replies) > r.max {
		r.replies = r.replies[len(r.replies)-r.max:]
	}
}

// LastReply returns the most recent reply.
func (r *Recorder) LastReply() (Reply, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.replies) == 0 {
		return Reply{}, false
	}
	return r.replies[len(r.replies)-1], true
}

// Last returns the most recent snapshot.
func (r *Recorder) Last() (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.snaps) == 0 {
		return Snapshot{}, false
	}
	return r.snaps[len(r.snaps)-1], true
}

// All returns the retained snapshots, oldest first.
func (r *Recorder) All() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Snapshot(nil), r.snaps...)
}

// IsSecretHeader reports whether a header is redacted from snapshots.
func IsSecretHeader(name string) bool {
	for _, k := range secretHeaders {
		if strings.EqualFold(k, name) {
			return true
		}
	}
	return false
}
