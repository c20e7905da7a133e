package upstream

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
)

const maxReplyBody = 64 * 1024

var eventBoundary = []byte("\n\n")

// tapResponse wraps resp.Body so the reply is dumped while it is read and
// handed to the Replies observer once it is finished.
func (c *Client) tapResponse(model string, resp *http.Response) {
	if c == nil || resp == nil || (!c.Debug && c.Replies == nil) {
		return
	}
	label := "UPSTREAM REPLY"
	if model != "" {
		label += " " + model
	}
	header := redactHeader(resp.Header)
	if c.Debug {
		var b bytes.Buffer
		fmt.Fprintf(&b, "%s %s\n", resp.Proto, resp.Status)
		if err := header.Write(&b); err != nil {
			slog.Error("upstream.dump.header.failed", "error", err)
		}
		c.dumpSection(label+" HEADERS", b.Bytes())
	}
	t := &replyTap{
		client: c,
		label:  fmt.Sprintf("%s BODY status=%d", label, resp.StatusCode),
		events: strings.Contains(strings.ToLower(resp.Header.Get("Content-Type")), "text/event-stream"),
		reply:  Reply{Model: model, Status: resp.StatusCode, Header: header},
	}
	if resp.Body == nil {
		t.finish()
		return
	}
	t.src = resp.Body
	if c.Debug {
		c.dumpMarker(t.label, "BEGIN")
	}
	resp.Body = t
}

func (c *Client) dumpWriter() io.Writer {
	if c.DumpTo != nil {
		return c.DumpTo
	}
	return os.Stderr
}

func (c *Client) dump(data []byte) {
	if len(data) == 0 {
		return
	}
	c.dumpMu.Lock()
	defer c.dumpMu.Unlock()
	if _, err := c.dumpWriter().Write(data); err != nil {
		slog.Error("upstream.dump.write.failed", "error", err)
	}
}

func (c *Client) dumpMarker(label, edge string) {
	c.dump([]byte("===== " + label + " " + edge + " =====\n"))
}

func (c *Client) dumpSection(label string, data []byte) {
	c.dumpMarker(label, "BEGIN")
	c.dump(data)
	if len(data) > 0 && data[len(data)-1] != '\n' {
		c.dump([]byte("\n"))
	}
	c.dumpMarker(label, "END")
}

// replyTap copies a response body into a Reply as it is read. Event
// streams are dumped one complete frame at a time.
type replyTap struct {
	src    io.ReadCloser
	client *Client
	label  string

	mu      sync.Mutex
	events  bool
	sniffed bool
	pending []byte
	tail    byte
	done    bool
	reply   Reply
}

func (t *replyTap) Read(p []byte) (int, error) {
	n, err := t.src.Read(p)
	t.feed(p[:n])
	if err != nil {
		t.finish()
	}
	return n, err
}

func (t *replyTap) Close() error {
	err := t.src.Close()
	t.finish()
	return err
}

func (t *replyTap) feed(b []byte) {
	if len(b) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return
	}
	if room := maxReplyBody - len(t.reply.Body); room < len(b) {
		t.reply.Body = append(t.reply.Body, b[:max(room, 0)]...)
		t.reply.Truncated = true
	} else {
		t.reply.Body = append(t.reply.Body, b...)
	}
	if !t.sniffed {
		t.sniffed = true
		t.events = t.events || looksLikeEvents(b)
	}
	if !t.events {
		t.write(b)
		return
	}
	t.pending = append(t.pending, b...)
	for {
		i := bytes.Index(t.pending, eventBoundary)
		if i < 0 {
			break
		}
		t.frame(t.pending[:i])
		t.pending = t.pending[i+len(eventBoundary):]
	}
}

func (t *replyTap) frame(f []byte) {
	f = bytes.TrimSpace(f)
	if len(f) == 0 {
		return
	}
	t.reply.Events++
	t.write(f)
	t.write(eventBoundary)
}

func (t *replyTap) write(b []byte) {
	if !t.client.Debug || len(b) == 0 {
		return
	}
	t.client.dump(b)
	t.tail = b[len(b)-1]
}

func (t *replyTap) finish() {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return
	}
	t.done = true
	t.frame(t.pending)
	t.pending = nil
	if t.client.Debug {
		if t.tail != 0 && t.tail != '\n' {
			t.client.dump([]byte("\n"))
		}
		t.client.dumpMarker(t.label, "END")
	}
	rep := t.reply
	t.mu.Unlock()

	if t.client.Replies != nil {
		t.client.Replies(rep)
	}
}

// looksLikeEvents sniffs an event stream served under another content type.
func looksLikeEvents(b []byte) bool {
	b = bytes.TrimSpace(b)
	return bytes.HasPrefix(b, []byte("data:")) || bytes.HasPrefix(b, []byte("event:")) || bytes.HasPrefix(b, []byte(":"))
}
