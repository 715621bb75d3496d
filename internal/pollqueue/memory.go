package pollqueue

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pollcast/backend/internal/models"
)

// MemoryStore keeps queue state in process. Transactions are serialized by one mutex and run
// against a copy of the state that replaces the original only when fn succeeds.
// It also serves as the session registry when no database is configured.
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
}

type memState struct {
	sessions  map[int64]models.Session
	polls     map[int64]models.Poll
	questions map[int64]models.GeneratedMCQ
	settings  map[int64]models.QueueSettings
	history   []models.QueueHistoryEntry
	responses map[int64][]models.PollResponse

	seqSession, seqPoll, seqQuestion, seqHistory, seqResponse int64
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: &memState{
		sessions:  make(map[int64]models.Session),
		polls:     make(map[int64]models.Poll),
		questions: make(map[int64]models.GeneratedMCQ),
		settings:  make(map[int64]models.QueueSettings),
		responses: make(map[int64][]models.PollResponse),
	}}
}

func (st *memState) clone() *memState {
	c := *st
	c.sessions = make(map[int64]models.Session, len(st.sessions))
	for k, v := range st.sessions {
		c.sessions[k] = v
	}
	c.polls = make(map[int64]models.Poll, len(st.polls))
	for k, v := range st.polls {
		c.polls[k] = v
	}
	c.questions = make(map[int64]models.GeneratedMCQ, len(st.questions))
	for k, v := range st.questions {
		c.questions[k] = v
	}
	c.settings = make(map[int64]models.QueueSettings, len(st.settings))
	for k, v := range st.settings {
		c.settings[k] = v
	}
	c.history = append([]models.QueueHistoryEntry(nil), st.history...)
	c.responses = make(map[int64][]models.PollResponse, len(st.responses))
	for k, v := range st.responses {
		c.responses[k] = append([]models.PollResponse(nil), v...)
	}
	return &c
}

// InTx runs fn against a private copy of the state and commits it when fn returns nil.
func (m *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	work := m.state.clone()
	if err := fn(&memTx{st: work}); err != nil {
		return err
	}
	m.state = work
	return nil
}

// CreateSession registers a session under code.
func (m *MemoryStore) CreateSession(ctx context.Context, code, title string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return nil, fmt.Errorf("session code is required")
	}
	for _, s := range m.state.sessions {
		if s.Code == code {
			return nil, ErrSessionCodeTaken
		}
	}
	m.state.seqSession++
	s := models.Session{ID: m.state.seqSession, Code: code, Title: title, IsActive: true, CreatedAt: time.Now()}
	m.state.sessions[s.ID] = s
	return &s, nil
}

// Resolve looks a session up by code.
func (m *MemoryStore) Resolve(ctx context.Context, code string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.state.sessions {
		if s.Code == code {
			out := s
			return &out, nil
		}
	}
	return nil, nil
}

// GetByID looks a session up by id.
func (m *MemoryStore) GetByID(ctx context.Context, id int64) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.state.sessions[id]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

// GetPoll returns a poll by id.
func (m *MemoryStore) GetPoll(ctx context.Context, pollID int64) (*models.Poll, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&memTx{st: m.state}).GetPoll(ctx, pollID)
}

// GetSettings returns the session's queue settings, or nil.
func (m *MemoryStore) GetSettings(ctx context.Context, sessionID int64) (*models.QueueSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&memTx{st: m.state}).GetSettings(ctx, sessionID)
}

// ListQueue returns the session's entries by position with response counts.
func (m *MemoryStore) ListQueue(ctx context.Context, sessionID int64) ([]models.QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	polls := m.state.sessionPolls(sessionID)
	out := make([]models.QueueEntry, 0, len(polls))
	for _, p := range polls {
		out = append(out, models.QueueEntry{
			Poll:          p,
			StatusDisplay: p.QueueStatus.Display(),
			ResponseCount: len(m.state.responses[p.ID]),
		})
	}
	return out, nil
}

// ListHistory returns history newest first.
func (m *MemoryStore) ListHistory(ctx context.Context, sessionID int64, limit int) ([]models.QueueHistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.QueueHistoryEntry
	for i := len(m.state.history) - 1; i >= 0; i-- {
		e := m.state.history[i]
		if e.SessionID != sessionID {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// ListExpired returns active polls whose time ran out before now in sessions with auto-advance on.
func (m *MemoryStore) ListExpired(ctx context.Context, now time.Time) ([]ExpiredPoll, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ExpiredPoll
	for _, p := range m.state.polls {
		if p.QueueStatus != models.StatusActive || p.ActivatedAt == nil {
			continue
		}
		settings, ok := m.state.settings[p.SessionID]
		if !ok || !settings.AutoAdvance {
			continue
		}
		deadline, _ := p.ExpiresAt(settings.PollDuration)
		if !now.After(deadline) {
			continue
		}
		out = append(out, ExpiredPoll{
			PollID:      p.ID,
			SessionID:   p.SessionID,
			Position:    p.QueuePosition,
			ActivatedAt: *p.ActivatedAt,
			Limit:       deadline.Sub(*p.ActivatedAt),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ActivatedAt.Before(out[j].ActivatedAt) })
	return out, nil
}

// SaveQuestions stores generated questions and assigns their ids.
func (m *MemoryStore) SaveQuestions(ctx context.Context, questions []models.GeneratedMCQ) ([]models.GeneratedMCQ, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.GeneratedMCQ, 0, len(questions))
	for _, q := range questions {
		if _, ok := m.state.sessions[q.SessionID]; !ok {
			return nil, ErrSessionNotFound
		}
		m.state.seqQuestion++
		q.ID = m.state.seqQuestion
		if q.CreatedAt.IsZero() {
			q.CreatedAt = time.Now()
		}
		m.state.questions[q.ID] = q
		out = append(out, q)
	}
	return out, nil
}

// ListPendingQuestions returns the session's questions not yet queued, oldest first.
func (m *MemoryStore) ListPendingQuestions(ctx context.Context, sessionID int64) ([]models.GeneratedMCQ, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.GeneratedMCQ
	for _, q := range m.state.questions {
		if q.SessionID == sessionID && !q.Consumed {
			out = append(out, q)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (st *memState) sessionPolls(sessionID int64) []models.Poll {
	var out []models.Poll
	for _, p := range st.polls {
		if p.SessionID == sessionID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].QueuePosition != out[j].QueuePosition {
			return out[i].QueuePosition < out[j].QueuePosition
		}
		return out[i].ID < out[j].ID
	})
	return out
}

type memTx struct {
	st *memState
}

func (t *memTx) LockSession(ctx context.Context, sessionID int64) error {
	if _, ok := t.st.sessions[sessionID]; !ok {
		return ErrSessionNotFound
	}
	return nil
}

func (t *memTx) GetSettings(ctx context.Context, sessionID int64) (*models.QueueSettings, error) {
	s, ok := t.st.settings[sessionID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (t *memTx) UpsertSettings(ctx context.Context, s *models.QueueSettings) error {
	if cur, ok := t.st.settings[s.SessionID]; ok {
		s.CreatedAt = cur.CreatedAt
	}
	t.st.settings[s.SessionID] = *s
	return nil
}

func (t *memTx) UpsertAutoAdvance(ctx context.Context, s *models.QueueSettings) error {
	cur, ok := t.st.settings[s.SessionID]
	if !ok {
		t.st.settings[s.SessionID] = *s
		return nil
	}
	cur.AutoAdvance = s.AutoAdvance
	cur.UpdatedAt = s.UpdatedAt
	t.st.settings[s.SessionID] = cur
	*s = cur
	return nil
}

func (t *memTx) TakeQuestion(ctx context.Context, sessionID, questionID int64) (*models.GeneratedMCQ, error) {
	q, ok := t.st.questions[questionID]
	if !ok || q.SessionID != sessionID || q.Consumed {
		return nil, nil
	}
	return &q, nil
}

func (t *memTx) MarkQuestionConsumed(ctx context.Context, questionID int64, at time.Time) error {
	q, ok := t.st.questions[questionID]
	if !ok {
		return fmt.Errorf("question %d not found", questionID)
	}
	q.Consumed = true
	q.ConsumedAt = &at
	t.st.questions[questionID] = q
	return nil
}

func (t *memTx) NextPosition(ctx context.Context, sessionID int64) (int, error) {
	highest := 0
	for _, p := range t.st.polls {
		if p.SessionID == sessionID && p.QueuePosition > highest {
			highest = p.QueuePosition
		}
	}
	return highest + 1, nil
}

func (t *memTx) InsertPoll(ctx context.Context, p *models.Poll) error {
	if p.QueueStatus == models.StatusActive {
		if err := t.checkSingleActive(p.SessionID, 0); err != nil {
			return err
		}
	}
	t.st.seqPoll++
	p.ID = t.st.seqPoll
	p.IsActive = p.QueueStatus == models.StatusActive
	t.st.polls[p.ID] = *p
	return nil
}

func (t *memTx) GetPoll(ctx context.Context, pollID int64) (*models.Poll, error) {
	p, ok := t.st.polls[pollID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (t *memTx) FindActive(ctx context.Context, sessionID int64) (*models.Poll, error) {
	for _, p := range t.st.sessionPolls(sessionID) {
		if p.QueueStatus == models.StatusActive {
			return &p, nil
		}
	}
	return nil, nil
}

func (t *memTx) FindNextEligible(ctx context.Context, sessionID int64) (*models.Poll, error) {
	for _, p := range t.st.sessionPolls(sessionID) {
		if p.QueueStatus.Reorderable() {
			return &p, nil
		}
	}
	return nil, nil
}

func (t *memTx) ListBySession(ctx context.Context, sessionID int64) ([]models.Poll, error) {
	return t.st.sessionPolls(sessionID), nil
}

func (t *memTx) UpdateStatus(ctx context.Context, pollID int64, status models.QueueStatus, at time.Time) error {
	p, ok := t.st.polls[pollID]
	if !ok {
		return ErrPollNotFound
	}
	if status == models.StatusActive {
		if err := t.checkSingleActive(p.SessionID, pollID); err != nil {
			return err
		}
		p.ActivatedAt = &at
	}
	if status == models.StatusCompleted {
		p.CompletedAt = &at
	}
	p.QueueStatus = status
	p.IsActive = status == models.StatusActive
	t.st.polls[pollID] = p
	return nil
}

func (t *memTx) SetPosition(ctx context.Context, pollID int64, position int) error {
	p, ok := t.st.polls[pollID]
	if !ok {
		return ErrPollNotFound
	}
	p.QueuePosition = position
	t.st.polls[pollID] = p
	return nil
}

func (t *memTx) AppendHistory(ctx context.Context, e *models.QueueHistoryEntry) error {
	t.st.seqHistory++
	e.ID = t.st.seqHistory
	t.st.history = append(t.st.history, *e)
	return nil
}

func (t *memTx) InsertResponse(ctx context.Context, r *models.PollResponse) error {
	for _, existing := range t.st.responses[r.PollID] {
		if existing.StudentID == r.StudentID {
			return ErrDuplicateResponse
		}
	}
	t.st.seqResponse++
	r.ID = t.st.seqResponse
	t.st.responses[r.PollID] = append(t.st.responses[r.PollID], *r)
	return nil
}

func (t *memTx) CountResponses(ctx context.Context, pollID int64) (int, error) {
	return len(t.st.responses[pollID]), nil
}

// checkSingleActive mirrors the partial unique index on polls(session_id) WHERE queue_status = 'active'.
func (t *memTx) checkSingleActive(sessionID, except int64) error {
	for _, p := range t.st.polls {
		if p.SessionID == sessionID && p.ID != except && p.QueueStatus == models.StatusActive {
			return fmt.Errorf("%w: session %d already has active poll %d", ErrConflict, sessionID, p.ID)
		}
	}
	return nil
}
