// Package broadcast provides the per-job status log that backs the live status stream.
//
// Entries are persisted through jobs.StatusLog, which assigns a dense, strictly increasing
// sequence number per job. Subscribers resume by reading everything after the last sequence
// number they saw, so reconnects and late joiners need no per-connection state.
package broadcast

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/genrelay-io/genrelay/internal/jobs"
	"github.com/genrelay-io/genrelay/internal/sink"
)

// DefaultPageSize bounds a single ReadSince call.
const DefaultPageSize = 200

// Log is the status broadcast log.
type Log struct {
	store    jobs.StatusLog
	sink     sink.Sink
	logger   *slog.Logger
	pageSize int
}

// NewLog creates a Log. A nil sink disables fan-out.
func NewLog(store jobs.StatusLog, s sink.Sink, logger *slog.Logger) *Log {
	if s == nil {
		s = sink.Nop{}
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Log{store: store, sink: s, logger: logger, pageSize: DefaultPageSize}
}

// Append stores ev with the next sequence number for its job and fans it out.
func (l *Log) Append(ctx context.Context, ev jobs.StatusEvent) (jobs.StatusEvent, error) {
	stored, err := l.store.AppendStatus(ctx, ev)
	if err != nil {
		return ev, fmt.Errorf("append status for %s: %w", ev.JobID, err)
	}

	l.Announce(ctx, stored)

	return stored, nil
}

// Announce fans out an entry that was already appended, typically inside a job transition.
// Sink failures are logged; the log itself is the source of truth.
func (l *Log) Announce(ctx context.Context, ev jobs.StatusEvent) {
	attrs := map[string]string{
		"seq":  strconv.FormatInt(ev.Seq, 10),
		"kind": string(ev.Kind),
	}

	if ev.State != "" {
		attrs["state"] = string(ev.State)
	}

	if ev.Variant != nil {
		attrs["view"] = string(ev.Variant.View)
		attrs["variant_status"] = string(ev.Variant.Status)
	}

	err := l.sink.Publish(ctx, sink.Event{
		Kind:    sink.KindStatus,
		JobID:   ev.JobID,
		Message: "status " + string(ev.Kind),
		Attrs:   attrs,
		At:      ev.CreatedAt,
	})
	if err != nil {
		l.logger.Warn("failed to publish status event",
			slog.String("job_id", ev.JobID),
			slog.Int64("seq", ev.Seq),
			slog.String("error", err.Error()),
		)
	}
}

// ReadSince returns entries with Seq > lastSeq in order, at most one page per call.
func (l *Log) ReadSince(ctx context.Context, jobID string, lastSeq int64) ([]jobs.StatusEvent, error) {
	events, err := l.store.ReadStatusSince(ctx, jobID, lastSeq, l.pageSize)
	if err != nil {
		return nil, fmt.Errorf("read status for %s since %d: %w", jobID, lastSeq, err)
	}

	return events, nil
}
