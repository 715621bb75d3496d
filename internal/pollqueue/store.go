package pollqueue

import (
	"context"
	"time"

	"github.com/pollcast/backend/internal/models"
)

// Store is the durable queue state and the single source of truth for the scheduler.
// Every mutation runs inside InTx. Implementations must serialize transactions that
// call Tx.LockSession for the same session, and must roll back everything fn did when
// it returns an error.
type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error

	GetPoll(ctx context.Context, pollID int64) (*models.Poll, error)
	GetSettings(ctx context.Context, sessionID int64) (*models.QueueSettings, error)
	// ListQueue returns every entry of the session ordered by position, with response counts.
	ListQueue(ctx context.Context, sessionID int64) ([]models.QueueEntry, error)
	// ListHistory returns history newest first. limit <= 0 returns everything.
	ListHistory(ctx context.Context, sessionID int64, limit int) ([]models.QueueHistoryEntry, error)
	// ListExpired scans all sessions for active polls with auto-advance on whose time ran out before now.
	ListExpired(ctx context.Context, now time.Time) ([]ExpiredPoll, error)

	SaveQuestions(ctx context.Context, questions []models.GeneratedMCQ) ([]models.GeneratedMCQ, error)
	ListPendingQuestions(ctx context.Context, sessionID int64) ([]models.GeneratedMCQ, error)
}

// Tx is the set of operations available inside a queue transaction.
// Lookups return (nil, nil) when the row doesn't exist.
type Tx interface {
	// LockSession takes the per-session write lock for the rest of the transaction.
	LockSession(ctx context.Context, sessionID int64) error

	GetSettings(ctx context.Context, sessionID int64) (*models.QueueSettings, error)
	UpsertSettings(ctx context.Context, s *models.QueueSettings) error
	// UpsertAutoAdvance flips auto_advance, creating the settings row from s when missing.
	UpsertAutoAdvance(ctx context.Context, s *models.QueueSettings) error

	// TakeQuestion returns the unconsumed question with that id in the session, or nil.
	TakeQuestion(ctx context.Context, sessionID, questionID int64) (*models.GeneratedMCQ, error)
	MarkQuestionConsumed(ctx context.Context, questionID int64, at time.Time) error

	NextPosition(ctx context.Context, sessionID int64) (int, error)
	InsertPoll(ctx context.Context, p *models.Poll) error
	GetPoll(ctx context.Context, pollID int64) (*models.Poll, error)
	FindActive(ctx context.Context, sessionID int64) (*models.Poll, error)
	// FindNextEligible returns the lowest-position queued or paused entry.
	FindNextEligible(ctx context.Context, sessionID int64) (*models.Poll, error)
	ListBySession(ctx context.Context, sessionID int64) ([]models.Poll, error)
	// UpdateStatus sets status, keeps is_active in sync and stamps activated_at/completed_at with at.
	UpdateStatus(ctx context.Context, pollID int64, status models.QueueStatus, at time.Time) error
	SetPosition(ctx context.Context, pollID int64, position int) error

	AppendHistory(ctx context.Context, e *models.QueueHistoryEntry) error

	// InsertResponse records an answer; ErrDuplicateResponse when the participant already answered.
	InsertResponse(ctx context.Context, r *models.PollResponse) error
	CountResponses(ctx context.Context, pollID int64) (int, error)
}

// ExpiredPoll is a monitor scan hit.
type ExpiredPoll struct {
	PollID      int64
	SessionID   int64
	Position    int
	ActivatedAt time.Time
	Limit       time.Duration
}

// SessionResolver maps session identities. Lookups return (nil, nil) when absent.
type SessionResolver interface {
	Resolve(ctx context.Context, code string) (*models.Session, error)
	GetByID(ctx context.Context, id int64) (*models.Session, error)
}
