package pollqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pollcast/backend/internal/models"
)

// Postgres error codes treated as retryable conflicts.
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
	pgUniqueViolation      = "23505"
	pgForeignKeyViolation  = "23503"

	singleActiveIndex = "idx_polls_single_active"
)

const pollColumns = `id, session_id, question, options, correct_answer, justification, time_limit,
	is_active, queue_status, queue_position, activated_at, completed_at, created_at`

const questionColumns = `id, session_id, question, options, correct_answer, justification, time_limit,
	sent_to_students, sent_at, created_at`

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// PostgresStore is the queue store backed by PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a store over pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// InTx runs fn in a READ COMMITTED transaction. Per-session serialization comes from
// Tx.LockSession (SELECT ... FOR UPDATE on the session row).
func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return classify(fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(&pgTx{q: tx}); err != nil {
		return classify(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return classify(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// GetPoll returns a poll by id.
func (s *PostgresStore) GetPoll(ctx context.Context, pollID int64) (*models.Poll, error) {
	return getPoll(ctx, s.pool, pollID, false)
}

// GetSettings returns the session's queue settings, or nil.
func (s *PostgresStore) GetSettings(ctx context.Context, sessionID int64) (*models.QueueSettings, error) {
	return getSettings(ctx, s.pool, sessionID)
}

// ListQueue returns the session's entries ordered by position with response counts.
func (s *PostgresStore) ListQueue(ctx context.Context, sessionID int64) ([]models.QueueEntry, error) {
	const query = `SELECT p.id, p.session_id, p.question, p.options, p.correct_answer, p.justification, p.time_limit,
			p.is_active, p.queue_status, p.queue_position, p.activated_at, p.completed_at, p.created_at,
			COUNT(r.id)
		FROM polls p
		LEFT JOIN poll_responses r ON r.poll_id = p.id
		WHERE p.session_id = $1
		GROUP BY p.id
		ORDER BY p.queue_position, p.id`
	rows, err := s.pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.QueueEntry
	for rows.Next() {
		var count int
		p, err := scanPoll(rows, &count)
		if err != nil {
			return nil, err
		}
		list = append(list, models.QueueEntry{Poll: *p, StatusDisplay: p.QueueStatus.Display(), ResponseCount: count})
	}
	return list, rows.Err()
}

// ListHistory returns history newest first. limit <= 0 returns everything.
func (s *PostgresStore) ListHistory(ctx context.Context, sessionID int64, limit int) ([]models.QueueHistoryEntry, error) {
	const query = `SELECT id, session_id, poll_id, action, previous_status, new_status, triggered_by, metadata, created_at
		FROM poll_queue_history WHERE session_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`
	var lim interface{}
	if limit > 0 {
		lim = limit
	}
	rows, err := s.pool.Query(ctx, query, sessionID, lim)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.QueueHistoryEntry
	for rows.Next() {
		var (
			e          models.QueueHistoryEntry
			prev, next *string
			meta       []byte
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.PollID, &e.Action, &prev, &next, &e.TriggeredBy, &meta, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.PreviousStatus = statusPtr(prev)
		e.NewStatus = statusPtr(next)
		if len(meta) > 0 {
			e.Metadata = json.RawMessage(meta)
		}
		list = append(list, e)
	}
	return list, rows.Err()
}

// ListExpired returns active polls in auto-advancing sessions whose poll_duration elapsed before now.
func (s *PostgresStore) ListExpired(ctx context.Context, now time.Time) ([]ExpiredPoll, error) {
	const query = `SELECT p.id, p.session_id, p.queue_position, p.activated_at, q.poll_duration
		FROM polls p
		JOIN poll_queue_settings q ON q.session_id = p.session_id
		WHERE p.queue_status = 'active' AND q.auto_advance AND p.activated_at IS NOT NULL
			AND p.activated_at + make_interval(secs => q.poll_duration) < $1
		ORDER BY p.activated_at`
	rows, err := s.pool.Query(ctx, query, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []ExpiredPoll
	for rows.Next() {
		var (
			e     ExpiredPoll
			limit int
		)
		if err := rows.Scan(&e.PollID, &e.SessionID, &e.Position, &e.ActivatedAt, &limit); err != nil {
			return nil, err
		}
		e.Limit = time.Duration(limit) * time.Second
		list = append(list, e)
	}
	return list, rows.Err()
}

// SaveQuestions inserts generated questions in one transaction.
func (s *PostgresStore) SaveQuestions(ctx context.Context, questions []models.GeneratedMCQ) ([]models.GeneratedMCQ, error) {
	const query = `INSERT INTO generated_mcqs (session_id, question, options, correct_answer, justification, time_limit)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	out := make([]models.GeneratedMCQ, 0, len(questions))
	for _, q := range questions {
		opts, err := json.Marshal(q.Options)
		if err != nil {
			return nil, fmt.Errorf("marshal options: %w", err)
		}
		err = tx.QueryRow(ctx, query, q.SessionID, q.Question, opts, q.CorrectAnswer, q.Justification, q.TimeLimit).
			Scan(&q.ID, &q.CreatedAt)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
				return nil, ErrSessionNotFound
			}
			return nil, err
		}
		out = append(out, q)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

// ListPendingQuestions returns the session's questions not yet sent to the queue.
func (s *PostgresStore) ListPendingQuestions(ctx context.Context, sessionID int64) ([]models.GeneratedMCQ, error) {
	const query = `SELECT ` + questionColumns + ` FROM generated_mcqs
		WHERE session_id = $1 AND sent_to_students = FALSE ORDER BY id`
	rows, err := s.pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.GeneratedMCQ
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *q)
	}
	return list, rows.Err()
}

type pgTx struct {
	q querier
}

func (t *pgTx) LockSession(ctx context.Context, sessionID int64) error {
	const query = `SELECT id FROM sessions WHERE id = $1 FOR UPDATE`
	var id int64
	err := t.q.QueryRow(ctx, query, sessionID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrSessionNotFound
	}
	return err
}

func (t *pgTx) GetSettings(ctx context.Context, sessionID int64) (*models.QueueSettings, error) {
	return getSettings(ctx, t.q, sessionID)
}

func (t *pgTx) UpsertSettings(ctx context.Context, s *models.QueueSettings) error {
	const query = `INSERT INTO poll_queue_settings (session_id, auto_advance, poll_duration, break_between_polls, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (session_id) DO UPDATE SET
			auto_advance = EXCLUDED.auto_advance,
			poll_duration = EXCLUDED.poll_duration,
			break_between_polls = EXCLUDED.break_between_polls,
			updated_at = EXCLUDED.updated_at
		RETURNING created_at, updated_at`
	return t.q.QueryRow(ctx, query, s.SessionID, s.AutoAdvance, s.PollDuration, s.BreakBetweenPolls, s.CreatedAt, s.UpdatedAt).
		Scan(&s.CreatedAt, &s.UpdatedAt)
}

func (t *pgTx) UpsertAutoAdvance(ctx context.Context, s *models.QueueSettings) error {
	const query = `INSERT INTO poll_queue_settings (session_id, auto_advance, poll_duration, break_between_polls, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (session_id) DO UPDATE SET
			auto_advance = EXCLUDED.auto_advance,
			updated_at = EXCLUDED.updated_at
		RETURNING poll_duration, break_between_polls, created_at, updated_at`
	return t.q.QueryRow(ctx, query, s.SessionID, s.AutoAdvance, s.PollDuration, s.BreakBetweenPolls, s.CreatedAt, s.UpdatedAt).
		Scan(&s.PollDuration, &s.BreakBetweenPolls, &s.CreatedAt, &s.UpdatedAt)
}

func (t *pgTx) TakeQuestion(ctx context.Context, sessionID, questionID int64) (*models.GeneratedMCQ, error) {
	const query = `SELECT ` + questionColumns + ` FROM generated_mcqs
		WHERE id = $1 AND session_id = $2 AND sent_to_students = FALSE
		FOR UPDATE`
	q, err := scanQuestion(t.q.QueryRow(ctx, query, questionID, sessionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return q, err
}

func (t *pgTx) MarkQuestionConsumed(ctx context.Context, questionID int64, at time.Time) error {
	const query = `UPDATE generated_mcqs SET sent_to_students = TRUE, sent_at = $2 WHERE id = $1`
	_, err := t.q.Exec(ctx, query, questionID, at)
	return err
}

func (t *pgTx) NextPosition(ctx context.Context, sessionID int64) (int, error) {
	const query = `SELECT COALESCE(MAX(queue_position), 0) + 1 FROM polls WHERE session_id = $1`
	var pos int
	err := t.q.QueryRow(ctx, query, sessionID).Scan(&pos)
	return pos, err
}

func (t *pgTx) InsertPoll(ctx context.Context, p *models.Poll) error {
	const query = `INSERT INTO polls (session_id, question, options, correct_answer, justification, time_limit,
			is_active, queue_status, queue_position, activated_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`
	opts, err := json.Marshal(p.Options)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}
	p.IsActive = p.QueueStatus == models.StatusActive
	return t.q.QueryRow(ctx, query, p.SessionID, p.Question, opts, p.CorrectAnswer, p.Justification, p.TimeLimit,
		p.IsActive, string(p.QueueStatus), p.QueuePosition, p.ActivatedAt, p.CreatedAt).Scan(&p.ID)
}

func (t *pgTx) GetPoll(ctx context.Context, pollID int64) (*models.Poll, error) {
	return getPoll(ctx, t.q, pollID, true)
}

func (t *pgTx) FindActive(ctx context.Context, sessionID int64) (*models.Poll, error) {
	const query = `SELECT ` + pollColumns + ` FROM polls
		WHERE session_id = $1 AND queue_status = 'active'
		LIMIT 1`
	p, err := scanPoll(t.q.QueryRow(ctx, query, sessionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

func (t *pgTx) FindNextEligible(ctx context.Context, sessionID int64) (*models.Poll, error) {
	const query = `SELECT ` + pollColumns + ` FROM polls
		WHERE session_id = $1 AND queue_status IN ('queued', 'paused')
		ORDER BY queue_position, id
		LIMIT 1`
	p, err := scanPoll(t.q.QueryRow(ctx, query, sessionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

func (t *pgTx) ListBySession(ctx context.Context, sessionID int64) ([]models.Poll, error) {
	const query = `SELECT ` + pollColumns + ` FROM polls WHERE session_id = $1 ORDER BY queue_position, id`
	rows, err := t.q.Query(ctx, query, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.Poll
	for rows.Next() {
		p, err := scanPoll(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *p)
	}
	return list, rows.Err()
}

func (t *pgTx) UpdateStatus(ctx context.Context, pollID int64, status models.QueueStatus, at time.Time) error {
	const query = `UPDATE polls SET
			queue_status = $2::varchar,
			is_active = ($2::varchar = 'active'),
			activated_at = CASE WHEN $2::varchar = 'active' THEN $3::timestamptz ELSE activated_at END,
			completed_at = CASE WHEN $2::varchar = 'completed' THEN $3::timestamptz ELSE completed_at END
		WHERE id = $1`
	tag, err := t.q.Exec(ctx, query, pollID, string(status), at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPollNotFound
	}
	return nil
}

func (t *pgTx) SetPosition(ctx context.Context, pollID int64, position int) error {
	const query = `UPDATE polls SET queue_position = $2 WHERE id = $1`
	_, err := t.q.Exec(ctx, query, pollID, position)
	return err
}

func (t *pgTx) AppendHistory(ctx context.Context, e *models.QueueHistoryEntry) error {
	const query = `INSERT INTO poll_queue_history (session_id, poll_id, action, previous_status, new_status, triggered_by, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`
	var meta []byte
	if len(e.Metadata) > 0 {
		meta = []byte(e.Metadata)
	}
	return t.q.QueryRow(ctx, query, e.SessionID, e.PollID, e.Action, statusString(e.PreviousStatus), statusString(e.NewStatus),
		e.TriggeredBy, meta, e.CreatedAt).Scan(&e.ID)
}

func (t *pgTx) InsertResponse(ctx context.Context, r *models.PollResponse) error {
	const query = `INSERT INTO poll_responses (poll_id, student_id, selected_option, is_correct, response_time, responded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (poll_id, student_id) DO NOTHING
		RETURNING id`
	err := t.q.QueryRow(ctx, query, r.PollID, r.StudentID, r.SelectedOption, r.IsCorrect, r.ResponseTime, r.RespondedAt).Scan(&r.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrDuplicateResponse
	}
	return err
}

func (t *pgTx) CountResponses(ctx context.Context, pollID int64) (int, error) {
	const query = `SELECT COUNT(*) FROM poll_responses WHERE poll_id = $1`
	var n int
	err := t.q.QueryRow(ctx, query, pollID).Scan(&n)
	return n, err
}

func getPoll(ctx context.Context, q querier, pollID int64, forUpdate bool) (*models.Poll, error) {
	query := `SELECT ` + pollColumns + ` FROM polls WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	p, err := scanPoll(q.QueryRow(ctx, query, pollID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

func getSettings(ctx context.Context, q querier, sessionID int64) (*models.QueueSettings, error) {
	const query = `SELECT session_id, auto_advance, poll_duration, break_between_polls, created_at, updated_at
		FROM poll_queue_settings WHERE session_id = $1`
	var s models.QueueSettings
	err := q.QueryRow(ctx, query, sessionID).
		Scan(&s.SessionID, &s.AutoAdvance, &s.PollDuration, &s.BreakBetweenPolls, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func scanPoll(row pgx.Row, extra ...interface{}) (*models.Poll, error) {
	var (
		p      models.Poll
		opts   []byte
		status string
	)
	dest := append([]interface{}{&p.ID, &p.SessionID, &p.Question, &opts, &p.CorrectAnswer, &p.Justification, &p.TimeLimit,
		&p.IsActive, &status, &p.QueuePosition, &p.ActivatedAt, &p.CompletedAt, &p.CreatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(opts, &p.Options); err != nil {
		return nil, fmt.Errorf("decode options of poll %d: %w", p.ID, err)
	}
	p.QueueStatus = models.QueueStatus(status)
	return &p, nil
}

func scanQuestion(row pgx.Row) (*models.GeneratedMCQ, error) {
	var (
		q    models.GeneratedMCQ
		opts []byte
	)
	if err := row.Scan(&q.ID, &q.SessionID, &q.Question, &opts, &q.CorrectAnswer, &q.Justification, &q.TimeLimit,
		&q.Consumed, &q.ConsumedAt, &q.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(opts, &q.Options); err != nil {
		return nil, fmt.Errorf("decode options of question %d: %w", q.ID, err)
	}
	return &q, nil
}

// classify maps Postgres conflicts to ErrConflict so the scheduler can retry them.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable:
		return fmt.Errorf("%w: %v", ErrConflict, err)
	case pgUniqueViolation:
		if pgErr.ConstraintName == singleActiveIndex {
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
	}
	return err
}

func statusPtr(s *string) *models.QueueStatus {
	if s == nil {
		return nil
	}
	st := models.QueueStatus(*s)
	return &st
}

func statusString(s *models.QueueStatus) *string {
	if s == nil {
		return nil
	}
	v := string(*s)
	return &v
}
