package pollqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pollcast/backend/internal/models"
)

const (
	// DefaultPollDuration is used when an enqueue doesn't specify one (seconds).
	DefaultPollDuration = 60
	// DefaultBreakBetweenPolls is stored when an enqueue doesn't specify one (seconds).
	DefaultBreakBetweenPolls = 10
	// DefaultTxRetries is how many times a conflicting transaction is attempted.
	DefaultTxRetries = 3
)

// Options configures one AddToQueue batch. They become the session's queue settings.
type Options struct {
	AutoAdvance       bool
	ActivateFirst     bool
	PollDuration      int
	BreakBetweenPolls int
}

// DefaultOptions returns the options used when a caller leaves them out.
func DefaultOptions() Options {
	return Options{
		AutoAdvance:       true,
		ActivateFirst:     true,
		PollDuration:      DefaultPollDuration,
		BreakBetweenPolls: DefaultBreakBetweenPolls,
	}
}

// EnqueueResult is returned by AddToQueue.
type EnqueueResult struct {
	Message     string                     `json:"message"`
	Polls       []models.Poll              `json:"polls"`
	Skipped     []int64                    `json:"skipped"`
	QueueStatus *models.QueueStatusSummary `json:"queue_status"`
}

// ActivateResult is returned by ActivateNext. Activated=false is a normal outcome.
type ActivateResult struct {
	Activated bool   `json:"activated"`
	PollID    *int64 `json:"poll_id,omitempty"`
	Position  *int   `json:"position,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Message   string `json:"message"`
}

// CompleteResult is returned by CompleteAndAdvance.
type CompleteResult struct {
	CompletedPollID int64  `json:"completed_poll_id"`
	NextPollID      *int64 `json:"next_poll_id,omitempty"`
	Message         string `json:"message"`
}

// SkipResult is returned by SkipCurrent.
type SkipResult struct {
	Skipped       bool            `json:"skipped"`
	SkippedPollID *int64          `json:"skipped_poll_id,omitempty"`
	NextPoll      *ActivateResult `json:"next_poll,omitempty"`
	Message       string          `json:"message"`
}

// ReorderResult is returned by ReorderQueue.
type ReorderResult struct {
	Applied []int64 `json:"applied"`
	Ignored []int64 `json:"ignored"`
	Message string  `json:"message"`
}

// Scheduler owns queue transitions. It keeps no authoritative state of its own: every
// transition reads and writes the Store inside a session-locked transaction, which is what
// keeps at most one poll active per session across goroutines and processes.
type Scheduler struct {
	store    Store
	sessions SessionResolver
	notifier Notifier
	logger   *zap.Logger

	now             func() time.Time
	txRetries       int
	defaultDuration int
	defaultBreak    int

	// session id -> *sync.Mutex, held from transaction start until its events are published
	order sync.Map
}

// NewScheduler creates a scheduler. notifier may be nil.
func NewScheduler(store Store, sessions SessionResolver, notifier Notifier, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		store:           store,
		sessions:        sessions,
		notifier:        notifier,
		logger:          logger,
		now:             time.Now,
		txRetries:       DefaultTxRetries,
		defaultDuration: DefaultPollDuration,
		defaultBreak:    DefaultBreakBetweenPolls,
	}
}

// SetClock replaces the time source (tests).
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// SetTxRetries sets how many attempts a conflicting transaction gets.
func (s *Scheduler) SetTxRetries(n int) {
	if n < 1 {
		n = 1
	}
	s.txRetries = n
}

// SetDefaults sets the duration and break used when settings are created implicitly.
func (s *Scheduler) SetDefaults(pollDuration, breakBetweenPolls int) {
	if pollDuration > 0 {
		s.defaultDuration = pollDuration
	}
	if breakBetweenPolls >= 0 {
		s.defaultBreak = breakBetweenPolls
	}
}

// Store returns the backing store.
func (s *Scheduler) Store() Store { return s.store }

// Now returns the scheduler's current time.
func (s *Scheduler) Now() time.Time { return s.now() }

// ResolveSession maps a session code to the session, or ErrSessionNotFound.
func (s *Scheduler) ResolveSession(ctx context.Context, code string) (*models.Session, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return nil, ErrSessionNotFound
	}
	session, err := s.sessions.Resolve(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("resolve session: %w", err)
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// AddToQueue turns generated questions into queue entries. Questions that are missing,
// already consumed or invalid are skipped; any storage error rolls back the whole batch.
func (s *Scheduler) AddToQueue(ctx context.Context, code string, questionIDs []int64, opts Options) (*EnqueueResult, error) {
	if len(questionIDs) == 0 {
		return nil, ErrEmptyBatch
	}
	if opts.PollDuration <= 0 {
		opts.PollDuration = s.defaultDuration
	}
	if opts.BreakBetweenPolls < 0 {
		opts.BreakBetweenPolls = 0
	}
	session, err := s.ResolveSession(ctx, code)
	if err != nil {
		return nil, err
	}
	defer s.serialize(session.ID)()

	var (
		inserted []models.Poll
		skipped  []int64
		events   []Event
	)
	err = s.withTx(ctx, func(tx Tx) error {
		inserted, skipped, events = nil, nil, nil
		if err := tx.LockSession(ctx, session.ID); err != nil {
			return err
		}
		now := s.now()
		if err := tx.UpsertSettings(ctx, &models.QueueSettings{
			SessionID:         session.ID,
			AutoAdvance:       opts.AutoAdvance,
			PollDuration:      opts.PollDuration,
			BreakBetweenPolls: opts.BreakBetweenPolls,
			CreatedAt:         now,
			UpdatedAt:         now,
		}); err != nil {
			return fmt.Errorf("upsert settings: %w", err)
		}

		activate := opts.ActivateFirst
		if activate {
			active, err := tx.FindActive(ctx, session.ID)
			if err != nil {
				return fmt.Errorf("find active: %w", err)
			}
			if active != nil {
				s.logger.Info("session already has an active poll, batch queued without activation",
					zap.String("session_code", session.Code), zap.Int64("poll_id", active.ID))
				activate = false
			}
		}

		for _, qid := range questionIDs {
			q, err := tx.TakeQuestion(ctx, session.ID, qid)
			if err != nil {
				return fmt.Errorf("take question %d: %w", qid, err)
			}
			if q == nil {
				s.logger.Warn("question not found or already queued", zap.String("session_code", session.Code), zap.Int64("question_id", qid))
				skipped = append(skipped, qid)
				continue
			}
			if err := q.Validate(); err != nil {
				s.logger.Warn("skipping invalid question", zap.String("session_code", session.Code), zap.Int64("question_id", qid), zap.Error(err))
				skipped = append(skipped, qid)
				continue
			}

			pos, err := tx.NextPosition(ctx, session.ID)
			if err != nil {
				return fmt.Errorf("next position: %w", err)
			}
			p := models.Poll{
				SessionID:     session.ID,
				Question:      q.Question,
				Options:       q.Options,
				CorrectAnswer: q.CorrectAnswer,
				Justification: q.Justification,
				TimeLimit:     opts.PollDuration,
				QueueStatus:   models.StatusQueued,
				QueuePosition: pos,
				CreatedAt:     now,
			}
			if q.TimeLimit != nil && *q.TimeLimit > 0 {
				p.TimeLimit = *q.TimeLimit
			}
			if activate {
				at := now
				p.QueueStatus = models.StatusActive
				p.IsActive = true
				p.ActivatedAt = &at
				activate = false
			}
			if err := tx.InsertPoll(ctx, &p); err != nil {
				return fmt.Errorf("insert poll: %w", err)
			}
			status := p.QueueStatus
			if err := tx.AppendHistory(ctx, &models.QueueHistoryEntry{
				SessionID:   session.ID,
				PollID:      &p.ID,
				Action:      models.ActionQueued,
				NewStatus:   &status,
				TriggeredBy: models.ActorTeacher,
				Metadata:    metadata(map[string]interface{}{"question_id": qid, "queue_position": pos}),
				CreatedAt:   now,
			}); err != nil {
				return fmt.Errorf("append history: %w", err)
			}
			if err := tx.MarkQuestionConsumed(ctx, qid, now); err != nil {
				return fmt.Errorf("mark question consumed: %w", err)
			}
			inserted = append(inserted, p)
			if p.QueueStatus == models.StatusActive {
				activated := p
				events = append(events, Event{Type: EventPollActivated, Poll: &activated, Action: models.ActionQueued, At: now})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, session, events)

	status, err := s.GetQueueStatus(ctx, session.Code)
	if err != nil {
		return nil, err
	}
	if inserted == nil {
		inserted = []models.Poll{}
	}
	s.logger.Info("polls added to queue", zap.String("session_code", session.Code), zap.Int("inserted", len(inserted)), zap.Int("skipped", len(skipped)))
	return &EnqueueResult{
		Message:     fmt.Sprintf("%d MCQs added to queue successfully", len(inserted)),
		Polls:       inserted,
		Skipped:     skipped,
		QueueStatus: status,
	}, nil
}

// ActivateNext activates the lowest-position queued or paused poll. It never creates a
// second active poll: when one is already active the call reports ReasonAlreadyActive.
func (s *Scheduler) ActivateNext(ctx context.Context, code string) (*ActivateResult, error) {
	session, err := s.ResolveSession(ctx, code)
	if err != nil {
		return nil, err
	}
	defer s.serialize(session.ID)()

	var (
		result *ActivateResult
		events []Event
	)
	err = s.withTx(ctx, func(tx Tx) error {
		result, events = nil, nil
		if err := tx.LockSession(ctx, session.ID); err != nil {
			return err
		}
		active, err := tx.FindActive(ctx, session.ID)
		if err != nil {
			return fmt.Errorf("find active: %w", err)
		}
		if active != nil {
			result = &ActivateResult{
				PollID:   &active.ID,
				Position: &active.QueuePosition,
				Reason:   ReasonAlreadyActive,
				Message:  "A poll is already active",
			}
			return nil
		}
		next, err := s.activateNextTx(ctx, tx, session.ID, models.ActorTeacher)
		if err != nil {
			return err
		}
		result = activateResult(next)
		if next != nil {
			events = append(events, Event{Type: EventPollActivated, Poll: next, Action: models.ActionActivated, At: *next.ActivatedAt})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, session, events)
	return result, nil
}

// CompleteAndAdvance completes a poll and, when it was the active one, activates the next.
// Completing an already completed poll changes nothing.
func (s *Scheduler) CompleteAndAdvance(ctx context.Context, pollID int64) (*CompleteResult, error) {
	return s.complete(ctx, pollID, models.ActionManualComplete, models.ActorTeacher, false)
}

// Expire is the monitor's completion path. It re-checks under the session lock that the poll
// is still active, auto-advance is on and its time ran out; it returns nil when any of that
// no longer holds.
func (s *Scheduler) Expire(ctx context.Context, pollID int64) (*CompleteResult, error) {
	return s.complete(ctx, pollID, models.ActionExpired, models.ActorSystem, true)
}

func (s *Scheduler) complete(ctx context.Context, pollID int64, action, actor string, expiredOnly bool) (*CompleteResult, error) {
	poll, err := s.store.GetPoll(ctx, pollID)
	if err != nil {
		return nil, fmt.Errorf("get poll: %w", err)
	}
	if poll == nil {
		return nil, ErrPollNotFound
	}
	session, err := s.sessions.GetByID(ctx, poll.SessionID)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}
	defer s.serialize(session.ID)()

	var (
		result *CompleteResult
		events []Event
	)
	err = s.withTx(ctx, func(tx Tx) error {
		result, events = nil, nil
		if err := tx.LockSession(ctx, session.ID); err != nil {
			return err
		}
		cur, err := tx.GetPoll(ctx, pollID)
		if err != nil {
			return fmt.Errorf("get poll: %w", err)
		}
		if cur == nil {
			return ErrPollNotFound
		}
		if cur.QueueStatus == models.StatusCompleted {
			if !expiredOnly {
				result = &CompleteResult{CompletedPollID: cur.ID, Message: "Poll already completed"}
			}
			return nil
		}
		now := s.now()
		if expiredOnly {
			expired, err := s.isExpired(ctx, tx, cur, now)
			if err != nil || !expired {
				return err
			}
		}

		wasActive := cur.QueueStatus == models.StatusActive
		if err := s.completeTx(ctx, tx, cur, action, actor, now); err != nil {
			return err
		}
		events = append(events, Event{Type: EventPollCompleted, Poll: cur, Action: action, At: now})
		result = &CompleteResult{CompletedPollID: cur.ID, Message: "Poll completed"}
		if !wasActive {
			return nil
		}

		next, err := s.activateNextTx(ctx, tx, session.ID, actor)
		if err != nil {
			return err
		}
		if next == nil {
			result.Message = "Poll completed, no more polls in queue"
			events = append(events, Event{Type: EventQueueDrained, Action: action, At: now})
			return nil
		}
		result.NextPollID = &next.ID
		result.Message = "Poll completed and next poll activated"
		events = append(events, Event{Type: EventPollActivated, Poll: next, Action: action, At: now})
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, session, events)
	return result, nil
}

// SkipCurrent completes the active poll without waiting for its time limit and activates the next.
func (s *Scheduler) SkipCurrent(ctx context.Context, code string) (*SkipResult, error) {
	session, err := s.ResolveSession(ctx, code)
	if err != nil {
		return nil, err
	}
	defer s.serialize(session.ID)()

	var (
		result *SkipResult
		events []Event
	)
	err = s.withTx(ctx, func(tx Tx) error {
		result, events = nil, nil
		if err := tx.LockSession(ctx, session.ID); err != nil {
			return err
		}
		active, err := tx.FindActive(ctx, session.ID)
		if err != nil {
			return fmt.Errorf("find active: %w", err)
		}
		if active == nil {
			result = &SkipResult{Message: "No active poll to skip"}
			return nil
		}
		now := s.now()
		if err := s.completeTx(ctx, tx, active, models.ActionSkipped, models.ActorTeacher, now); err != nil {
			return err
		}
		events = append(events, Event{Type: EventPollCompleted, Poll: active, Action: models.ActionSkipped, At: now})

		next, err := s.activateNextTx(ctx, tx, session.ID, models.ActorTeacher)
		if err != nil {
			return err
		}
		if next != nil {
			events = append(events, Event{Type: EventPollActivated, Poll: next, Action: models.ActionSkipped, At: now})
		} else {
			events = append(events, Event{Type: EventQueueDrained, Action: models.ActionSkipped, At: now})
		}
		result = &SkipResult{
			Skipped:       true,
			SkippedPollID: &active.ID,
			NextPoll:      activateResult(next),
			Message:       "Poll skipped successfully",
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, session, events)
	return result, nil
}

// PauseQueue turns auto-advance off. The active poll stays active; manual advance still works.
func (s *Scheduler) PauseQueue(ctx context.Context, code string) error {
	return s.setAutoAdvance(ctx, code, false)
}

// ResumeQueue turns auto-advance back on.
func (s *Scheduler) ResumeQueue(ctx context.Context, code string) error {
	return s.setAutoAdvance(ctx, code, true)
}

func (s *Scheduler) setAutoAdvance(ctx context.Context, code string, on bool) error {
	session, err := s.ResolveSession(ctx, code)
	if err != nil {
		return err
	}
	defer s.serialize(session.ID)()

	action, evType := models.ActionQueuePaused, EventQueuePaused
	if on {
		action, evType = models.ActionQueueResumed, EventQueueResumed
	}
	var now time.Time
	err = s.withTx(ctx, func(tx Tx) error {
		if err := tx.LockSession(ctx, session.ID); err != nil {
			return err
		}
		now = s.now()
		if err := tx.UpsertAutoAdvance(ctx, &models.QueueSettings{
			SessionID:         session.ID,
			AutoAdvance:       on,
			PollDuration:      s.defaultDuration,
			BreakBetweenPolls: s.defaultBreak,
			CreatedAt:         now,
			UpdatedAt:         now,
		}); err != nil {
			return fmt.Errorf("update auto advance: %w", err)
		}
		return tx.AppendHistory(ctx, &models.QueueHistoryEntry{
			SessionID:   session.ID,
			Action:      action,
			TriggeredBy: models.ActorTeacher,
			Metadata:    metadata(map[string]interface{}{"auto_advance": on, "timestamp": now}),
			CreatedAt:   now,
		})
	})
	if err != nil {
		return err
	}
	s.logger.Info("queue auto-advance changed", zap.String("session_code", session.Code), zap.String("action", action))
	s.publish(ctx, session, []Event{{Type: evType, Action: action, At: now, Metadata: map[string]interface{}{"auto_advance": on}}})
	return nil
}

// ReorderQueue rewrites positions of queued and paused entries. Listed eligible ids take
// positions 1..k in the given order; eligible entries not listed follow in their current
// order, so eligible positions always end up exactly 1..N. Ids that are unknown, belong to
// another session, or are active/completed are ignored.
func (s *Scheduler) ReorderQueue(ctx context.Context, code string, newOrder []int64) (*ReorderResult, error) {
	if len(newOrder) == 0 {
		return nil, ErrInvalidReorder
	}
	session, err := s.ResolveSession(ctx, code)
	if err != nil {
		return nil, err
	}
	defer s.serialize(session.ID)()

	var (
		result *ReorderResult
		now    time.Time
	)
	err = s.withTx(ctx, func(tx Tx) error {
		result = nil
		if err := tx.LockSession(ctx, session.ID); err != nil {
			return err
		}
		polls, err := tx.ListBySession(ctx, session.ID)
		if err != nil {
			return fmt.Errorf("list queue: %w", err)
		}
		eligible := make(map[int64]models.Poll)
		for _, p := range polls {
			if p.QueueStatus.Reorderable() {
				eligible[p.ID] = p
			}
		}

		applied := make([]int64, 0, len(eligible))
		ignored := []int64{}
		seen := make(map[int64]bool, len(newOrder))
		for _, id := range newOrder {
			if _, ok := eligible[id]; !ok || seen[id] {
				ignored = append(ignored, id)
				continue
			}
			seen[id] = true
			applied = append(applied, id)
		}
		for _, p := range polls {
			if p.QueueStatus.Reorderable() && !seen[p.ID] {
				applied = append(applied, p.ID)
			}
		}

		for i, id := range applied {
			if eligible[id].QueuePosition == i+1 {
				continue
			}
			if err := tx.SetPosition(ctx, id, i+1); err != nil {
				return fmt.Errorf("set position: %w", err)
			}
		}

		now = s.now()
		if err := tx.AppendHistory(ctx, &models.QueueHistoryEntry{
			SessionID:   session.ID,
			Action:      models.ActionQueueReordered,
			TriggeredBy: models.ActorTeacher,
			Metadata: metadata(map[string]interface{}{
				"new_order": newOrder,
				"applied":   applied,
				"ignored":   ignored,
				"timestamp": now,
			}),
			CreatedAt: now,
		}); err != nil {
			return fmt.Errorf("append history: %w", err)
		}
		result = &ReorderResult{Applied: applied, Ignored: ignored, Message: "Queue reordered successfully"}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(result.Ignored) > 0 {
		s.logger.Info("reorder ignored ineligible polls", zap.String("session_code", session.Code), zap.Int64s("ignored", result.Ignored))
	}
	s.publish(ctx, session, []Event{{
		Type:     EventQueueReordered,
		Action:   models.ActionQueueReordered,
		At:       now,
		Metadata: map[string]interface{}{"order": result.Applied},
	}})
	return result, nil
}

// GetQueueStatus aggregates the session's queue. Read-only; not for control decisions.
func (s *Scheduler) GetQueueStatus(ctx context.Context, code string) (*models.QueueStatusSummary, error) {
	session, err := s.ResolveSession(ctx, code)
	if err != nil {
		return nil, err
	}
	entries, err := s.store.ListQueue(ctx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	settings, err := s.store.GetSettings(ctx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("get settings: %w", err)
	}
	summary := &models.QueueStatusSummary{SessionCode: session.Code, TotalPolls: len(entries), Settings: settings}
	for _, e := range entries {
		switch e.QueueStatus {
		case models.StatusQueued:
			summary.QueuedPolls++
		case models.StatusActive:
			summary.ActivePolls++
			pos := e.QueuePosition
			summary.CurrentPosition = &pos
		case models.StatusCompleted:
			summary.CompletedPolls++
		case models.StatusPaused:
			summary.PausedPolls++
		}
	}
	summary.TotalPositions = summary.TotalPolls - summary.CompletedPolls
	return summary, nil
}

// GetDetailedQueue lists every entry ordered by position with response counts.
func (s *Scheduler) GetDetailedQueue(ctx context.Context, code string) ([]models.QueueEntry, error) {
	session, err := s.ResolveSession(ctx, code)
	if err != nil {
		return nil, err
	}
	entries, err := s.store.ListQueue(ctx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	if entries == nil {
		entries = []models.QueueEntry{}
	}
	return entries, nil
}

// GetActivePoll returns the session's active poll, or nil.
func (s *Scheduler) GetActivePoll(ctx context.Context, code string) (*models.Poll, error) {
	entries, err := s.GetDetailedQueue(ctx, code)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if entries[i].QueueStatus == models.StatusActive {
			return &entries[i].Poll, nil
		}
	}
	return nil, nil
}

// GetHistory returns the session's queue history, newest first.
func (s *Scheduler) GetHistory(ctx context.Context, code string, limit int) ([]models.QueueHistoryEntry, error) {
	session, err := s.ResolveSession(ctx, code)
	if err != nil {
		return nil, err
	}
	list, err := s.store.ListHistory(ctx, session.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	if list == nil {
		list = []models.QueueHistoryEntry{}
	}
	return list, nil
}

// activateNextTx flips the lowest-position eligible entry to active. It returns nil when the
// session already has an active poll or nothing is eligible. Callers hold the session lock.
func (s *Scheduler) activateNextTx(ctx context.Context, tx Tx, sessionID int64, actor string) (*models.Poll, error) {
	active, err := tx.FindActive(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("find active: %w", err)
	}
	if active != nil {
		return nil, nil
	}
	next, err := tx.FindNextEligible(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("find next: %w", err)
	}
	if next == nil {
		return nil, nil
	}
	now := s.now()
	prev := next.QueueStatus
	if err := tx.UpdateStatus(ctx, next.ID, models.StatusActive, now); err != nil {
		return nil, fmt.Errorf("activate poll %d: %w", next.ID, err)
	}
	next.QueueStatus = models.StatusActive
	next.IsActive = true
	next.ActivatedAt = &now

	status := models.StatusActive
	if err := tx.AppendHistory(ctx, &models.QueueHistoryEntry{
		SessionID:      sessionID,
		PollID:         &next.ID,
		Action:         models.ActionActivated,
		PreviousStatus: &prev,
		NewStatus:      &status,
		TriggeredBy:    actor,
		Metadata:       metadata(map[string]interface{}{"queue_position": next.QueuePosition}),
		CreatedAt:      now,
	}); err != nil {
		return nil, fmt.Errorf("append history: %w", err)
	}
	return next, nil
}

func (s *Scheduler) completeTx(ctx context.Context, tx Tx, p *models.Poll, action, actor string, now time.Time) error {
	prev := p.QueueStatus
	if err := tx.UpdateStatus(ctx, p.ID, models.StatusCompleted, now); err != nil {
		return fmt.Errorf("complete poll %d: %w", p.ID, err)
	}
	p.QueueStatus = models.StatusCompleted
	p.IsActive = false
	p.CompletedAt = &now

	status := models.StatusCompleted
	if err := tx.AppendHistory(ctx, &models.QueueHistoryEntry{
		SessionID:      p.SessionID,
		PollID:         &p.ID,
		Action:         action,
		PreviousStatus: &prev,
		NewStatus:      &status,
		TriggeredBy:    actor,
		CreatedAt:      now,
	}); err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

func (s *Scheduler) isExpired(ctx context.Context, tx Tx, p *models.Poll, now time.Time) (bool, error) {
	if p.QueueStatus != models.StatusActive {
		return false, nil
	}
	settings, err := tx.GetSettings(ctx, p.SessionID)
	if err != nil {
		return false, fmt.Errorf("get settings: %w", err)
	}
	if settings == nil || !settings.AutoAdvance {
		return false, nil
	}
	deadline, ok := p.ExpiresAt(settings.PollDuration)
	return ok && now.After(deadline), nil
}

func (s *Scheduler) withTx(ctx context.Context, fn func(tx Tx) error) error {
	var err error
	for attempt := 1; attempt <= s.txRetries; attempt++ {
		err = s.store.InTx(ctx, fn)
		if !errors.Is(err, ErrConflict) {
			return err
		}
		s.logger.Warn("queue transaction conflict", zap.Int("attempt", attempt), zap.Error(err))
	}
	return err
}

// serialize blocks until this process has no other transition in flight for the session and
// returns the release func. Committed events then reach the notifier in commit order.
func (s *Scheduler) serialize(sessionID int64) func() {
	v, _ := s.order.LoadOrStore(sessionID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (s *Scheduler) publish(ctx context.Context, session *models.Session, events []Event) {
	if s.notifier == nil {
		return
	}
	for _, ev := range events {
		ev.SessionID = session.ID
		ev.SessionCode = session.Code
		s.notifier.Notify(ctx, ev)
	}
}

func activateResult(p *models.Poll) *ActivateResult {
	if p == nil {
		return &ActivateResult{Reason: ReasonNoEligiblePoll, Message: "No more polls in queue"}
	}
	return &ActivateResult{
		Activated: true,
		PollID:    &p.ID,
		Position:  &p.QueuePosition,
		Message:   fmt.Sprintf("Poll %d activated successfully", p.QueuePosition),
	}
}

func metadata(m map[string]interface{}) json.RawMessage {
	b, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return b
}
