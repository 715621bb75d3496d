package pollqueue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pollcast/backend/internal/models"
)

// HistoryArchive is the document uploaded when a session's queue drains.
type HistoryArchive struct {
	SessionID   int64                      `json:"session_id"`
	SessionCode string                     `json:"session_code"`
	Reason      string                     `json:"reason"`
	ArchivedAt  time.Time                  `json:"archived_at"`
	Status      *models.QueueStatusSummary `json:"status"`
	Queue       []models.QueueEntry        `json:"queue"`
	History     []models.QueueHistoryEntry `json:"history"`
}

// ArchivePrefix is the object key prefix of a session's archives.
func ArchivePrefix(code string) string {
	return "queue-history/" + strings.ToUpper(code) + "/"
}

// ArchiveKey is the object key of an archive taken at t.
func ArchiveKey(code string, t time.Time) string {
	return fmt.Sprintf("%s%d.json", ArchivePrefix(code), t.Unix())
}

// BuildArchive snapshots a session's queue and its full history.
func (s *Scheduler) BuildArchive(ctx context.Context, code, reason string) (*HistoryArchive, error) {
	session, err := s.ResolveSession(ctx, code)
	if err != nil {
		return nil, err
	}
	status, err := s.GetQueueStatus(ctx, session.Code)
	if err != nil {
		return nil, err
	}
	queue, err := s.GetDetailedQueue(ctx, session.Code)
	if err != nil {
		return nil, err
	}
	history, err := s.GetHistory(ctx, session.Code, 0)
	if err != nil {
		return nil, err
	}
	return &HistoryArchive{
		SessionID:   session.ID,
		SessionCode: session.Code,
		Reason:      reason,
		ArchivedAt:  s.now(),
		Status:      status,
		Queue:       queue,
		History:     history,
	}, nil
}
