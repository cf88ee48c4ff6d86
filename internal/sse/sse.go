// Package sse frames JSON payloads as `data: <json>\n\n` lines over a
// streamed HTTP body and reads them back.
package sse

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const dataPrefix = "data:"

// ErrNotFlushable is returned when the response writer cannot stream.
var ErrNotFlushable = errors.New("response writer does not support flushing")

// Writer emits one frame per call and flushes it immediately.
type Writer struct {
	w       io.Writer
	flusher http.Flusher
}

// Prepare sets the event-stream headers and returns a Writer for w.
func Prepare(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrNotFlushable
	}
	// Streams outlive the server's write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &Writer{w: w, flusher: flusher}, nil
}

// NewWriter wraps an arbitrary stream; flushing is skipped when w cannot flush.
func NewWriter(w io.Writer) *Writer {
	f, _ := w.(http.Flusher)
	return &Writer{w: w, flusher: f}
}

// Send marshals v and writes it as a single frame.
func (w *Writer) Send(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if _, err := fmt.Fprintf(w.w, "data: %s\n\n", payload); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	if w.flusher != nil {
		w.flusher.Flush()
	}
	return nil
}

// Reader yields the payload of each `data:` line. Blank lines, comments and
// other fields are skipped.
type Reader struct {
	r *bufio.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next data payload, or io.EOF once the stream is done.
// A final line without a trailing newline is still returned.
func (r *Reader) Next() ([]byte, error) {
	for {
		line, err := r.r.ReadBytes('\n')
		if len(line) > 0 {
			line = bytes.TrimRight(line, "\r\n")
			if payload, ok := bytes.CutPrefix(line, []byte(dataPrefix)); ok {
				return bytes.TrimPrefix(payload, []byte(" ")), nil
			}
		}
		if err != nil {
			return nil, err
		}
	}
}
