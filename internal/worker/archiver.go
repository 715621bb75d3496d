package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/pollcast/backend/internal/pollqueue"
	"github.com/pollcast/backend/pkg/jobs"
)

const dequeueTimeout = 5 * time.Second

// ArchiveBuilder snapshots a session's queue history.
type ArchiveBuilder interface {
	BuildArchive(ctx context.Context, code, reason string) (*pollqueue.HistoryArchive, error)
}

// Uploader stores archive documents.
type Uploader interface {
	UploadArchive(ctx context.Context, key string, body io.Reader, size int64) (string, error)
}

// JobSource hands out jobs and takes failed ones back.
type JobSource interface {
	Dequeue(ctx context.Context, timeout time.Duration, keys ...string) (*jobs.Job, error)
	Retry(ctx context.Context, job *jobs.Job) error
}

// HistoryArchiver processes history archive jobs: build the archive document, upload it as JSON.
type HistoryArchiver struct {
	builder  ArchiveBuilder
	uploader Uploader
	queue    JobSource
	logger   *zap.Logger
	backoff  time.Duration
}

// NewHistoryArchiver creates a history archive processor.
func NewHistoryArchiver(builder ArchiveBuilder, uploader Uploader, q JobSource, logger *zap.Logger) *HistoryArchiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HistoryArchiver{builder: builder, uploader: uploader, queue: q, logger: logger, backoff: jobs.RetryBackoff}
}

// Process executes one history archive job and returns the uploaded object key.
func (a *HistoryArchiver) Process(ctx context.Context, job *jobs.Job) (string, error) {
	if job.Type != jobs.JobTypeHistoryArchive {
		return "", fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload jobs.HistoryArchivePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return "", fmt.Errorf("unmarshal payload: %w", err)
	}
	if payload.SessionCode == "" {
		return "", fmt.Errorf("job %s has no session code", job.ID)
	}

	archive, err := a.builder.BuildArchive(ctx, payload.SessionCode, payload.Reason)
	if err != nil {
		return "", fmt.Errorf("build archive: %w", err)
	}
	body, err := json.Marshal(archive)
	if err != nil {
		return "", fmt.Errorf("marshal archive: %w", err)
	}
	key := pollqueue.ArchiveKey(archive.SessionCode, archive.ArchivedAt)
	if _, err := a.uploader.UploadArchive(ctx, key, bytes.NewReader(body), int64(len(body))); err != nil {
		return "", fmt.Errorf("upload archive: %w", err)
	}

	a.logger.Info("queue history archived",
		zap.String("session_code", archive.SessionCode),
		zap.String("key", key),
		zap.Int("entries", len(archive.History)))
	return key, nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (a *HistoryArchiver) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			a.logger.Info("history archive worker stopping")
			return
		default:
		}

		job, err := a.queue.Dequeue(ctx, dequeueTimeout, jobs.QueueHistoryArchive)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			a.logger.Warn("dequeue error", zap.Error(err))
			a.sleep(ctx)
			continue
		}
		if job == nil {
			continue
		}

		a.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if _, err := a.Process(ctx, job); err != nil {
			a.logger.Error("job failed", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt), zap.Error(err))
			if reErr := a.queue.Retry(ctx, job); reErr != nil {
				a.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			a.sleep(ctx)
		}
	}
}

func (a *HistoryArchiver) sleep(ctx context.Context) {
	t := time.NewTimer(a.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
