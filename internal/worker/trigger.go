package worker

import (
	"context"

	"go.uber.org/zap"

	"github.com/pollcast/backend/internal/pollqueue"
	"github.com/pollcast/backend/pkg/jobs"
)

// Enqueuer accepts history archive jobs.
type Enqueuer interface {
	EnqueueHistoryArchive(ctx context.Context, payload jobs.HistoryArchivePayload) error
}

// ArchiveTrigger is a queue notifier that schedules a history archive when a session's queue drains.
type ArchiveTrigger struct {
	queue  Enqueuer
	logger *zap.Logger
}

// NewArchiveTrigger creates an archive trigger.
func NewArchiveTrigger(q Enqueuer, logger *zap.Logger) *ArchiveTrigger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ArchiveTrigger{queue: q, logger: logger}
}

// Notify enqueues an archive job on queue_drained and ignores every other event.
func (t *ArchiveTrigger) Notify(ctx context.Context, ev pollqueue.Event) {
	if ev.Type != pollqueue.EventQueueDrained {
		return
	}
	err := t.queue.EnqueueHistoryArchive(ctx, jobs.HistoryArchivePayload{
		SessionID:   ev.SessionID,
		SessionCode: ev.SessionCode,
		Reason:      string(ev.Type),
	})
	if err != nil {
		t.logger.Error("enqueue history archive", zap.String("session_code", ev.SessionCode), zap.Error(err))
	}
}
