// ABOUTME: Tests for the stream encoder, chunked decoder, and pull reader
// ABOUTME: Verifies round-trips under arbitrary chunk boundaries and bad-line skipping

package stream

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleEvents() []Event {
	return []Event{
		Start{ConversationID: "c1"},
		Text{Fragment: "Hel"},
		Text{Fragment: "lo, "},
		Text{Fragment: "wörld ✓"},
		End{MessageID: "m9"},
	}
}

func encodeAll(t *testing.T, events []Event) []byte {
	t.Helper()
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	for _, ev := range events {
		require.NoError(t, enc.Encode(ev))
	}
	assert.Equal(t, len(events), enc.Written())
	return buf.Bytes()
}

func TestEncoder_OneLinePerEvent(t *testing.T) {
	data := encodeAll(t, sampleEvents())
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, `{"type":"start","conversationId":"c1"}`, lines[0])
	assert.Equal(t, `{"type":"end","messageId":"m9"}`, lines[4])
}

func TestEncoder_FlushesHTTPWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	enc := NewEncoder(rec)
	require.NoError(t, enc.Encode(Start{ConversationID: "c1"}))
	assert.True(t, rec.Flushed)
}

func TestEncoder_FlushesBufferedWriter(t *testing.T) {
	var out bytes.Buffer
	bw := bufio.NewWriter(&out)
	enc := NewEncoder(bw)

	require.NoError(t, enc.Encode(Text{Fragment: "x"}))
	assert.Equal(t, "{\"type\":\"text\",\"content\":\"x\"}\n", out.String())
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestEncoder_WriteError(t *testing.T) {
	enc := NewEncoder(failingWriter{})
	err := enc.Encode(Text{Fragment: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken pipe")
	assert.Equal(t, 0, enc.Written())
}

func TestDecoder_RoundTripAtEveryChunkSize(t *testing.T) {
	want := sampleEvents()
	data := encodeAll(t, want)

	for size := 1; size <= len(data); size++ {
		dec := NewDecoder(quietLogger())
		var got []Event
		for start := 0; start < len(data); start += size {
			end := start + size
			if end > len(data) {
				end = len(data)
			}
			got = append(got, dec.Feed(data[start:end])...)
		}
		got = append(got, dec.Flush()...)
		require.Equal(t, want, got, "chunk size %d", size)
		assert.Equal(t, 0, dec.Buffered())
	}
}

func TestDecoder_KeepsPartialLine(t *testing.T) {
	dec := NewDecoder(quietLogger())

	events := dec.Feed([]byte(`{"type":"start","conversationId":"c1"}` + "\n" + `{"type":"te`))
	require.Equal(t, []Event{Start{ConversationID: "c1"}}, events)
	assert.Greater(t, dec.Buffered(), 0)

	events = dec.Feed([]byte(`xt","content":"hi"}` + "\n"))
	assert.Equal(t, []Event{Text{Fragment: "hi"}}, events)
	assert.Equal(t, 0, dec.Buffered())
}

func TestDecoder_SkipsBlankAndBadLines(t *testing.T) {
	dec := NewDecoder(quietLogger())
	input := "\n" +
		`{"type":"start","conversationId":"c1"}` + "\n" +
		"   \n" +
		"not json at all\n" +
		`{"type":"bogus"}` + "\n" +
		`{"type":"text","content":"ok"}` + "\r\n"

	events := dec.Feed([]byte(input))
	assert.Equal(t, []Event{Start{ConversationID: "c1"}, Text{Fragment: "ok"}}, events)
	assert.Equal(t, 2, dec.Skipped())
}

func TestTruncate_KeepsRunesWhole(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abc...", truncate("abcdef", 3))

	// "é" is two bytes; a cut inside it backs off to the rune start.
	got := truncate("aé", 2)
	assert.Equal(t, "a...", got)
	assert.True(t, utf8.ValidString(got))

	long := strings.Repeat("日本語", 100)
	got = truncate(long, 200)
	assert.True(t, utf8.ValidString(got))
	assert.LessOrEqual(t, len(got), 203)
}

func TestDecoder_FlushWithoutResidual(t *testing.T) {
	dec := NewDecoder(nil)
	assert.Empty(t, dec.Flush())
}

type errAfterReader struct {
	data []byte
	err  error
}

func (r *errAfterReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, r.err
	}
	n := copy(p, r.data)
	r.data = r.data[n:]
	return n, nil
}

func TestReader_DeliversAllThenEOF(t *testing.T) {
	want := sampleEvents()
	data := encodeAll(t, want)
	r := NewReader(bytes.NewReader(data), quietLogger())

	var got []Event
	for {
		ev, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		got = append(got, ev)
	}
	assert.Equal(t, want, got)

	_, err := r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReader_SurfacesTransportError(t *testing.T) {
	data := []byte(`{"type":"start","conversationId":"c1"}` + "\n" + `{"type":"text","content":"par`)
	transportErr := errors.New("connection reset")
	r := NewReader(&errAfterReader{data: data, err: transportErr}, quietLogger())

	ev, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, Start{ConversationID: "c1"}, ev)

	_, err = r.Next()
	assert.ErrorIs(t, err, transportErr)
}
