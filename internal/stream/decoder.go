// ABOUTME: Incremental decoder that turns arbitrary byte chunks into stream events
// ABOUTME: Keeps partial lines between chunks and skips lines that fail to parse

package stream

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"unicode/utf8"
)

// Decoder reassembles events from chunks that may split records at any byte.
// It performs no I/O and is not safe for concurrent use.
type Decoder struct {
	buf     []byte
	skipped int
	logger  *slog.Logger
}

// NewDecoder creates a Decoder. Skipped lines are logged at warn level.
func NewDecoder(logger *slog.Logger) *Decoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decoder{logger: logger.With("component", "stream-decoder")}
}

// Feed appends chunk to the internal buffer and returns every event completed
// by it, in order. The trailing partial line is retained for the next call.
func (d *Decoder) Feed(chunk []byte) []Event {
	d.buf = append(d.buf, chunk...)

	var events []Event
	for {
		idx := bytes.IndexByte(d.buf, '\n')
		if idx < 0 {
			break
		}
		line := d.buf[:idx]
		if ev, ok := d.parseLine(line); ok {
			events = append(events, ev)
		}
		d.buf = d.buf[idx+1:]
	}

	// Release the backing array once it is fully consumed.
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return events
}

// Flush parses whatever remains in the buffer as a final line. Use it once the
// byte source is exhausted; a sender that omits the final newline still has its
// last record delivered.
func (d *Decoder) Flush() []Event {
	rest := d.buf
	d.buf = nil
	if ev, ok := d.parseLine(rest); ok {
		return []Event{ev}
	}
	return nil
}

// Buffered returns the number of bytes held for an incomplete line.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Skipped returns how many non-blank lines failed to parse.
func (d *Decoder) Skipped() int {
	return d.skipped
}

func (d *Decoder) parseLine(line []byte) (Event, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, false
	}
	ev, err := Unmarshal(line)
	if err != nil {
		d.skipped++
		d.logger.Warn("skipping unparseable stream line",
			"error", err,
			"line", truncate(string(line), 200))
		return nil, false
	}
	return ev, true
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

// Reader pulls events from an io.Reader through a Decoder.
type Reader struct {
	src     io.Reader
	dec     *Decoder
	pending []Event
	chunk   []byte
	err     error
}

// NewReader creates a Reader over r.
func NewReader(r io.Reader, logger *slog.Logger) *Reader {
	return &Reader{
		src:   r,
		dec:   NewDecoder(logger),
		chunk: make([]byte, 4096),
	}
}

// Next returns the next event. It returns io.EOF once the source is exhausted
// and every buffered event has been delivered. Any other error is a transport
// failure from the underlying reader.
func (r *Reader) Next() (Event, error) {
	for len(r.pending) == 0 {
		if r.err != nil {
			return nil, r.err
		}
		n, err := r.src.Read(r.chunk)
		if n > 0 {
			r.pending = append(r.pending, r.dec.Feed(r.chunk[:n])...)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				r.pending = append(r.pending, r.dec.Flush()...)
				r.err = io.EOF
			} else {
				r.err = err
			}
		}
	}

	ev := r.pending[0]
	r.pending = r.pending[1:]
	return ev, nil
}

// Skipped returns how many lines the underlying decoder skipped.
func (r *Reader) Skipped() int {
	return r.dec.Skipped()
}
