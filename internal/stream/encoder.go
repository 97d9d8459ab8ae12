// ABOUTME: Encoder writes stream events as newline-terminated JSON records
// ABOUTME: Flushes after every record so fragments reach the client immediately

package stream

import (
	"fmt"
	"io"
)

// flusher matches http.Flusher.
type flusher interface {
	Flush()
}

// errFlusher matches buffered writers such as bufio.Writer.
type errFlusher interface {
	Flush() error
}

// Encoder writes events to an underlying writer, one line per event.
// It is not safe for concurrent use.
type Encoder struct {
	w       io.Writer
	written int
}

// NewEncoder returns an Encoder writing to w. If w can be flushed, it is
// flushed after every event.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes ev followed by a newline and flushes the writer.
func (e *Encoder) Encode(ev Event) error {
	data, err := Marshal(ev)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	if _, err := e.w.Write(data); err != nil {
		return fmt.Errorf("writing %s event: %w", ev.Type(), err)
	}

	switch f := e.w.(type) {
	case errFlusher:
		if err := f.Flush(); err != nil {
			return fmt.Errorf("flushing %s event: %w", ev.Type(), err)
		}
	case flusher:
		f.Flush()
	}

	e.written++
	return nil
}

// Written returns the number of events successfully encoded.
func (e *Encoder) Written() int {
	return e.written
}
