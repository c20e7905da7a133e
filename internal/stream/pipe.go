package stream

import (
	"encoding/json"
	"io"
	"sync"
)

// Pipe is a Source fed by a producer goroutine, for transports that deliver
// frames through callbacks or message loops rather than a byte stream.
type Pipe struct {
	events chan *Event
	errc   chan error
	stop   chan struct{}
	once   sync.Once
	close  func() error
}

// NewPipe returns a pipe. closeFn, when non-nil, is called once by Close to
// release the producer's connection.
func NewPipe(closeFn func() error) *Pipe {
	return &Pipe{
		events: make(chan *Event),
		errc:   make(chan error, 1),
		stop:   make(chan struct{}),
		close:  closeFn,
	}
}

// Send delivers a JSON frame. It returns false once the pipe is closed.
func (p *Pipe) Send(name string, raw []byte) bool {
	select {
	case p.events <- NewEvent(name, json.RawMessage(raw)):
		return true
	case <-p.stop:
		return false
	}
}

// Finish ends the pipe with err; nil means io.EOF.
func (p *Pipe) Finish(err error) {
	if err == nil {
		err = io.EOF
	}
	select {
	case p.errc <- err:
	default:
	}
}

// Next implements Decoder.
func (p *Pipe) Next() (*Event, error) {
	select {
	case ev := <-p.events:
		return ev, nil
	case err := <-p.errc:
		return nil, err
	case <-p.stop:
		return nil, io.ErrClosedPipe
	}
}

// Close implements Source.
func (p *Pipe) Close() error {
	var err error
	p.once.Do(func() {
		close(p.stop)
		if p.close != nil {
			err = p.close()
		}
	})
	return err
}
