package livestatus

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrStreamingUnsupported is returned when the response writer cannot flush.
var ErrStreamingUnsupported = errors.New("streaming not supported")

// Event is one message on the stream. ID is empty for events that are not log entries.
type Event struct {
	ID   string
	Name string
	Data any
}

// Emitter delivers stream events to a subscriber.
type Emitter interface {
	Emit(ev Event) error
}

// SSEWriter writes Server-Sent Events.
type SSEWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

// NewSSEWriter prepares w for streaming: it sets the SSE headers, lifts the server's write
// deadline for this response, and flushes the headers.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	rc := http.NewResponseController(w)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// A long-lived stream must outlive http.Server.WriteTimeout.
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return nil, fmt.Errorf("clear write deadline: %w", err)
	}

	if err := rc.Flush(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStreamingUnsupported, err)
	}

	return &SSEWriter{w: w, rc: rc}, nil
}

// Emit implements Emitter.
func (s *SSEWriter) Emit(ev Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", ev.Name, err)
	}

	var b strings.Builder

	if ev.ID != "" {
		fmt.Fprintf(&b, "id: %s\n", ev.ID)
	}

	fmt.Fprintf(&b, "event: %s\ndata: %s\n\n", ev.Name, data)

	if _, err := s.w.Write([]byte(b.String())); err != nil {
		return err
	}

	return s.rc.Flush()
}
