package streaming

import (
	"bytes"
	"errors"
	"io"
)

// DefaultBufferSize is the read size for upstream SSE bodies.
const DefaultBufferSize = 32 * 1024

// Reader yields the data payload of each SSE event from an upstream body.
type Reader struct {
	r      io.Reader
	buf    []byte
	chunk  []byte
	eof    bool
	events [][]byte
}

// NewReader wraps an upstream SSE body.
func NewReader(r io.Reader) *Reader {
	return &Reader{
		r:     r,
		buf:   make([]byte, 0, DefaultBufferSize),
		chunk: make([]byte, DefaultBufferSize),
	}
}

// Next returns the next data payload. It returns io.EOF once the body is drained.
// "[DONE]" markers and comment lines are skipped.
func (r *Reader) Next() ([]byte, error) {
	for {
		if len(r.events) > 0 {
			ev := r.events[0]
			r.events = r.events[1:]
			if data := eventData(ev); data != nil {
				return data, nil
			}
			continue
		}
		if r.eof {
			return nil, io.EOF
		}
		n, err := r.r.Read(r.chunk)
		if n > 0 {
			r.buf = append(r.buf, r.chunk[:n]...)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				return nil, err
			}
			r.eof = true
		}
		r.split(r.eof)
	}
}

func (r *Reader) split(flush bool) {
	for {
		event, rest, ok := nextSSEEvent(r.buf, flush)
		if !ok {
			return
		}
		r.events = append(r.events, bytes.Clone(event))
		r.buf = append(r.buf[:0], rest...)
	}
}

func nextSSEEvent(buf []byte, flush bool) ([]byte, []byte, bool) {
	if idx := bytes.Index(buf, []byte("\r\n\r\n")); idx >= 0 {
		return buf[:idx], buf[idx+4:], true
	}
	if idx := bytes.Index(buf, []byte("\n\n")); idx >= 0 {
		return buf[:idx], buf[idx+2:], true
	}
	if flush {
		trimmed := bytes.TrimSpace(buf)
		if len(trimmed) > 0 {
			return trimmed, nil, true
		}
	}
	return nil, nil, false
}

// eventData joins the data lines of one event. Returns nil when there are none.
func eventData(event []byte) []byte {
	var lines [][]byte
	for _, line := range bytes.Split(event, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		payload := bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))
		if len(payload) == 0 || bytes.Equal(payload, []byte("[DONE]")) {
			continue
		}
		lines = append(lines, payload)
	}
	if len(lines) == 0 {
		return nil
	}
	return bytes.Join(lines, []byte("\n"))
}
