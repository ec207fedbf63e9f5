package control

import (
	"context"
	"log/slog"

	"github.com/vietddude/pollwatch/internal/core/domain"
	"github.com/vietddude/pollwatch/internal/polling/recovery"
)

// Sink receives the resilient event sequence of every job.
type Sink interface {
	Emit(ctx context.Context, id domain.JobID, ev recovery.Event[domain.Execution])
}

// LogSink implements Sink by logging events, the default when no
// downstream consumer is wired in.
type LogSink struct {
	Log *slog.Logger
}

func (s *LogSink) Emit(ctx context.Context, id domain.JobID, ev recovery.Event[domain.Execution]) {
	log := s.Log
	if log == nil {
		log = slog.Default()
	}

	switch {
	case ev.Err != nil:
		log.Warn("execution errored", "job", id, "kind", ev.Err.Kind, "error", ev.Err)
	case ev.Heartbeat:
		log.Info("execution heartbeat", "job", id)
	default:
		log.Info("execution update",
			"job", id,
			"status", ev.Value.Status,
			"workflow", ev.Value.WorkflowID,
		)
	}
}
