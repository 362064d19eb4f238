// Package sink publishes pipeline observations (status changes, dropped callbacks, background
// task failures) to an observability backend.
package sink

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ErrSinkClosed is returned when publishing to a closed sink.
var ErrSinkClosed = errors.New("sink closed")

// Kind classifies a sink event.
type Kind string

// Event kinds.
const (
	KindStatus          Kind = "status"
	KindTaskFailed      Kind = "task_failed"
	KindUnmappedTask    Kind = "unmapped_task"
	KindPersistFailed   Kind = "artifact_persist_failed"
	KindRejectedPayload Kind = "rejected_payload"
)

// Event is one observation. JobID is the partition key when present.
type Event struct {
	Kind    Kind              `json:"kind"`
	JobID   string            `json:"job_id,omitempty"`
	Message string            `json:"message"`
	Attrs   map[string]string `json:"attrs,omitempty"`
	At      time.Time         `json:"at"`
}

// Sink publishes events. Publish must be safe for concurrent use.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// LogSink writes events to a structured logger. It is the fallback when no broker is configured.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink that logs every event at info level (warn for failures).
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}

	return &LogSink{logger: logger}
}

// Publish implements Sink.
func (s *LogSink) Publish(ctx context.Context, ev Event) error {
	attrs := []slog.Attr{
		slog.String("sink_kind", string(ev.Kind)),
		slog.String("job_id", ev.JobID),
	}

	for k, v := range ev.Attrs {
		attrs = append(attrs, slog.String(k, v))
	}

	level := slog.LevelInfo
	if ev.Kind != KindStatus {
		level = slog.LevelWarn
	}

	s.logger.LogAttrs(ctx, level, ev.Message, attrs...)

	return nil
}

// Close implements Sink.
func (s *LogSink) Close() error {
	return nil
}

// Multi fans an event out to several sinks and joins their errors.
type Multi []Sink

// Publish implements Sink.
func (m Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error

	for _, s := range m {
		if err := s.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Close implements Sink.
func (m Multi) Close() error {
	var errs []error

	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Nop discards every event.
type Nop struct{}

// Publish implements Sink.
func (Nop) Publish(context.Context, Event) error { return nil }

// Close implements Sink.
func (Nop) Close() error { return nil }
