package httpserver

import (
	"fmt"
	"net/http"

	"github.com/mindatlas/mindatlas/internal/service/skill"
)

// sseWriter streams skill events as server-sent events. Headers go out on
// the first Emit, so a turn that fails before producing any event can still
// fall back to a plain JSON error response.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}
	return &sseWriter{w: w, flusher: flusher}, nil
}

// Started reports whether any event has been written.
func (s *sseWriter) Started() bool { return s.started }

// Emit writes one SSE frame and flushes it. The X-Accel-Buffering header
// keeps nginx-style proxies from buffering the stream.
func (s *sseWriter) Emit(event string, payload any) error {
	if !s.started {
		h := s.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, skill.MarshalPayload(payload)); err != nil {
		return fmt.Errorf("op=sse.emit: %w", err)
	}
	s.flusher.Flush()
	return nil
}

var _ skill.Emitter = (*sseWriter)(nil)
