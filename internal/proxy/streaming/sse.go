// Package streaming converts upstream events into the caller's SSE dialect.
// Converters are per-request state machines; the accumulated result of a
// streamed response is byte-identical in content to the non-streaming body
// built from the same events.
package streaming

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Writer emits SSE frames and flushes after each one so deltas reach the
// client immediately.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewWriter sets SSE headers. Fails when the ResponseWriter cannot stream.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("response writer does not support streaming")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	return &Writer{w: w, flusher: flusher}, nil
}

// Event writes a named event (Claude dialect: "event: x\ndata: {...}").
func (s *Writer) Event(name string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Data writes an unnamed data frame (OpenAI dialect).
func (s *Writer) Data(data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Done writes the OpenAI terminal marker.
func (s *Writer) Done() error {
	if _, err := fmt.Fprint(s.w, "data: [DONE]\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// SSEEvent is one dialect event produced by a converter, ready for a Writer.
// Name is empty for unnamed (OpenAI-style) frames.
type SSEEvent struct {
	Name string
	Data interface{}
}

// WriteAll sends a batch of converter events.
func (s *Writer) WriteAll(events []SSEEvent) error {
	for _, ev := range events {
		var err error
		if ev.Name != "" {
			err = s.Event(ev.Name, ev.Data)
		} else {
			err = s.Data(ev.Data)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
