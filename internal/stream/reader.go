package stream

import (
	"bufio"
	"io"
	"strings"

	"github.com/tidwall/gjson"
)

// Decoder yields events until io.EOF.
type Decoder interface {
	Next() (*Event, error)
}

// Source is a decoder bound to an open upstream connection.
type Source interface {
	Decoder
	Close() error
}

func newScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 256*1024), 1024*1024)
	return scanner
}

// Reader reads SSE events from an io.Reader.
type Reader struct {
	scanner *bufio.Scanner
	name    string
	data    []string
	queue   []*Event
	done    bool
}

// NewReader creates a new SSE reader.
func NewReader(r io.Reader) *Reader {
	return &Reader{scanner: newScanner(r)}
}

// Next returns the next SSE event. Returns nil, io.EOF when done.
// The data lines of one event are joined with "\n" and decoded together;
// payloads that are not valid JSON are skipped.
func (r *Reader) Next() (*Event, error) {
	for len(r.queue) == 0 {
		if r.done {
			return nil, io.EOF
		}
		if !r.scanner.Scan() {
			if err := r.scanner.Err(); err != nil {
				return nil, err
			}
			r.dispatch()
			r.done = true
			continue
		}
		line := r.scanner.Text()
		if line == "" {
			r.dispatch()
			r.name = ""
			continue
		}
		if name, ok := strings.CutPrefix(line, "event:"); ok {
			r.dispatch()
			r.name = strings.TrimSpace(name)
			continue
		}
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			r.dispatch()
			r.done = true
			continue
		}
		r.data = append(r.data, data)
	}
	evt := r.queue[0]
	r.queue = r.queue[1:]
	return evt, nil
}

// dispatch queues the buffered data lines as one event. Upstreams that
// omit the blank line between events send lines that only parse alone, so
// those are queued one by one.
func (r *Reader) dispatch() {
	lines := r.data
	r.data = nil
	if payload := strings.TrimSpace(strings.Join(lines, "\n")); payload != "" && gjson.Valid(payload) {
		r.queue = append(r.queue, NewEvent(r.name, []byte(payload)))
		return
	}
	for _, l := range lines {
		if l != "" && gjson.Valid(l) {
			r.queue = append(r.queue, NewEvent(r.name, []byte(l)))
		}
	}
}

// NDJSONReader reads newline-delimited JSON events.
type NDJSONReader struct {
	scanner *bufio.Scanner
}

// NewNDJSONReader creates a reader for newline-delimited JSON.
func NewNDJSONReader(r io.Reader) *NDJSONReader {
	return &NDJSONReader{scanner: newScanner(r)}
}

// Next returns the next JSON line. Returns nil, io.EOF when done.
func (r *NDJSONReader) Next() (*Event, error) {
	for r.scanner.Scan() {
		line := strings.TrimSpace(r.scanner.Text())
		if line == "" || !gjson.Valid(line) {
			continue
		}
		return NewEvent("", []byte(line)), nil
	}
	if err := r.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// BodySource binds a decoder to the body it reads from.
type BodySource struct {
	Decoder
	Body io.Closer
}

// Close closes the underlying body.
func (s *BodySource) Close() error {
	return s.Body.Close()
}

// SSE returns a Source decoding SSE from body.
func SSE(body io.ReadCloser) Source {
	return &BodySource{Decoder: NewReader(body), Body: body}
}

// NDJSON returns a Source decoding newline-delimited JSON from body.
func NDJSON(body io.ReadCloser) Source {
	return &BodySource{Decoder: NewNDJSONReader(body), Body: body}
}
