package stream

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Writer emits server-sent events on an http.ResponseWriter, flushing after each frame.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewWriter returns nil if w cannot flush.
func NewWriter(w http.ResponseWriter) *Writer {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil
	}
	return &Writer{w: w, flusher: flusher}
}

func (s *Writer) WriteHeaders() {
	s.w.Header().Set("Content-Type", "text/event-stream")
	s.w.Header().Set("Cache-Control", "no-cache")
	s.w.Header().Set("Connection", "keep-alive")
	s.w.Header().Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	s.flusher.Flush()
}

func (s *Writer) WriteData(data []byte) error {
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *Writer) WriteDone() error {
	return s.WriteData([]byte(doneSentinel))
}

// WriteError terminates the stream with an error event. No [DONE] follows it.
func (s *Writer) WriteError(msg string) error {
	data, _ := json.Marshal(map[string]string{"error": msg})
	if _, err := fmt.Fprintf(s.w, "event: error\ndata: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
