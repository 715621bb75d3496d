package pollqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/pollcast/backend/internal/models"
)

var baseTime = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) Notify(_ context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

func (r *eventRecorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

type fixture struct {
	t       *testing.T
	ctx     context.Context
	store   *MemoryStore
	sched   *Scheduler
	events  *eventRecorder
	clock   *fakeClock
	session *models.Session
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := NewMemoryStore()
	session, err := store.CreateSession(ctx, "abc123", "Cell biology")
	require.NoError(t, err)

	events := &eventRecorder{}
	clock := &fakeClock{t: baseTime}
	sched := NewScheduler(store, store, events, zaptest.NewLogger(t))
	sched.SetClock(clock.Now)
	return &fixture{t: t, ctx: ctx, store: store, sched: sched, events: events, clock: clock, session: session}
}

func intPtr(n int) *int { return &n }

// seed stores n valid questions for the fixture's session and returns their ids.
func (f *fixture) seed(n int, mutate ...func(i int, q *models.GeneratedMCQ)) []int64 {
	f.t.Helper()
	return seedSession(f.t, f.store, f.session.ID, n, mutate...)
}

func seedSession(t *testing.T, store *MemoryStore, sessionID int64, n int, mutate ...func(i int, q *models.GeneratedMCQ)) []int64 {
	t.Helper()
	qs := make([]models.GeneratedMCQ, n)
	for i := range qs {
		qs[i] = models.GeneratedMCQ{
			SessionID:     sessionID,
			Question:      fmt.Sprintf("Which organelle is number %d?", i+1),
			Options:       []string{"Nucleus", "Ribosome", "Mitochondrion", "Golgi"},
			CorrectAnswer: intPtr(i % 4),
		}
		for _, m := range mutate {
			m(i, &qs[i])
		}
	}
	saved, err := store.SaveQuestions(context.Background(), qs)
	require.NoError(t, err)
	ids := make([]int64, len(saved))
	for i, q := range saved {
		ids[i] = q.ID
	}
	return ids
}

func (f *fixture) enqueue(n int, opts Options) *EnqueueResult {
	f.t.Helper()
	res, err := f.sched.AddToQueue(f.ctx, f.session.Code, f.seed(n), opts)
	require.NoError(f.t, err)
	return res
}

func (f *fixture) poll(id int64) *models.Poll {
	f.t.Helper()
	p, err := f.store.GetPoll(f.ctx, id)
	require.NoError(f.t, err)
	require.NotNil(f.t, p)
	return p
}

func (f *fixture) activeIDs() []int64 {
	f.t.Helper()
	entries, err := f.store.ListQueue(f.ctx, f.session.ID)
	require.NoError(f.t, err)
	var ids []int64
	for _, e := range entries {
		if e.QueueStatus == models.StatusActive {
			ids = append(ids, e.ID)
		}
	}
	return ids
}

func (f *fixture) historyActions() []string {
	f.t.Helper()
	list, err := f.sched.GetHistory(f.ctx, f.session.Code, 0)
	require.NoError(f.t, err)
	out := make([]string, len(list))
	for i, e := range list {
		out[len(list)-1-i] = e.Action
	}
	return out
}

func TestAddToQueueActivatesFirst(t *testing.T) {
	f := newFixture(t)

	res := f.enqueue(3, DefaultOptions())

	require.Len(t, res.Polls, 3)
	assert.Empty(t, res.Skipped)
	assert.Equal(t, "3 MCQs added to queue successfully", res.Message)

	first := res.Polls[0]
	assert.Equal(t, models.StatusActive, first.QueueStatus)
	assert.True(t, first.IsActive)
	assert.Equal(t, 1, first.QueuePosition)
	require.NotNil(t, first.ActivatedAt)
	assert.True(t, first.ActivatedAt.Equal(baseTime))
	assert.Equal(t, DefaultPollDuration, first.TimeLimit)

	for i, p := range res.Polls[1:] {
		assert.Equal(t, models.StatusQueued, p.QueueStatus)
		assert.False(t, p.IsActive)
		assert.Equal(t, i+2, p.QueuePosition)
	}

	require.NotNil(t, res.QueueStatus)
	assert.Equal(t, 3, res.QueueStatus.TotalPolls)
	assert.Equal(t, 1, res.QueueStatus.ActivePolls)
	assert.Equal(t, 2, res.QueueStatus.QueuedPolls)
	require.NotNil(t, res.QueueStatus.CurrentPosition)
	assert.Equal(t, 1, *res.QueueStatus.CurrentPosition)
	assert.Equal(t, 3, res.QueueStatus.TotalPositions)
	require.NotNil(t, res.QueueStatus.Settings)
	assert.True(t, res.QueueStatus.Settings.AutoAdvance)
	assert.Equal(t, DefaultBreakBetweenPolls, res.QueueStatus.Settings.BreakBetweenPolls)

	pending, err := f.store.ListPendingQuestions(f.ctx, f.session.ID)
	require.NoError(t, err)
	assert.Empty(t, pending)

	assert.Equal(t, []EventType{EventPollActivated}, f.events.types())
	assert.Equal(t, []string{models.ActionQueued, models.ActionQueued, models.ActionQueued}, f.historyActions())
}

func TestAddToQueueWithoutActivation(t *testing.T) {
	f := newFixture(t)
	opts := DefaultOptions()
	opts.ActivateFirst = false

	res := f.enqueue(2, opts)

	for _, p := range res.Polls {
		assert.Equal(t, models.StatusQueued, p.QueueStatus)
	}
	assert.Empty(t, f.activeIDs())
	assert.Empty(t, f.events.types())
}

func TestAddToQueueKeepsSingleActive(t *testing.T) {
	f := newFixture(t)
	first := f.enqueue(3, DefaultOptions())

	second := f.enqueue(2, DefaultOptions())

	for _, p := range second.Polls {
		assert.Equal(t, models.StatusQueued, p.QueueStatus)
	}
	assert.Equal(t, 4, second.Polls[0].QueuePosition)
	assert.Equal(t, 5, second.Polls[1].QueuePosition)
	assert.Equal(t, []int64{first.Polls[0].ID}, f.activeIDs())
}

func TestAddToQueueAppendsAfterCompleted(t *testing.T) {
	f := newFixture(t)
	first := f.enqueue(2, DefaultOptions())
	_, err := f.sched.CompleteAndAdvance(f.ctx, first.Polls[0].ID)
	require.NoError(t, err)
	_, err = f.sched.CompleteAndAdvance(f.ctx, first.Polls[1].ID)
	require.NoError(t, err)

	res := f.enqueue(1, DefaultOptions())

	require.Len(t, res.Polls, 1)
	assert.Equal(t, 3, res.Polls[0].QueuePosition)
	assert.Equal(t, models.StatusActive, res.Polls[0].QueueStatus)
}

func TestAddToQueueSkipsConsumedAndInvalid(t *testing.T) {
	f := newFixture(t)
	ids := f.seed(3, func(i int, q *models.GeneratedMCQ) {
		if i == 1 {
			q.Options = []string{"only one"}
		}
		if i == 2 {
			q.CorrectAnswer = intPtr(7)
		}
	})
	good := f.seed(1)
	_, err := f.sched.AddToQueue(f.ctx, f.session.Code, good, DefaultOptions())
	require.NoError(t, err)

	batch := append([]int64{}, ids...)
	batch = append(batch, good[0], 9999)
	res, err := f.sched.AddToQueue(f.ctx, f.session.Code, batch, DefaultOptions())
	require.NoError(t, err)

	require.Len(t, res.Polls, 1)
	assert.Equal(t, "1 MCQs added to queue successfully", res.Message)
	assert.ElementsMatch(t, []int64{ids[1], ids[2], good[0], 9999}, res.Skipped)

	pending, err := f.store.ListPendingQuestions(f.ctx, f.session.ID)
	require.NoError(t, err)
	assert.Len(t, pending, 2, "invalid questions stay unconsumed")
}

func TestAddToQueueIgnoresOtherSessionsQuestions(t *testing.T) {
	f := newFixture(t)
	other, err := f.store.CreateSession(f.ctx, "XYZ789", "Chemistry")
	require.NoError(t, err)
	foreign := seedSession(t, f.store, other.ID, 1)

	res, err := f.sched.AddToQueue(f.ctx, f.session.Code, foreign, DefaultOptions())
	require.NoError(t, err)

	assert.Empty(t, res.Polls)
	assert.Equal(t, foreign, res.Skipped)
}

func TestAddToQueueUsesQuestionTimeLimit(t *testing.T) {
	f := newFixture(t)
	ids := f.seed(2, func(i int, q *models.GeneratedMCQ) {
		if i == 0 {
			q.TimeLimit = intPtr(15)
		}
	})
	opts := DefaultOptions()
	opts.PollDuration = 45

	res, err := f.sched.AddToQueue(f.ctx, f.session.Code, ids, opts)
	require.NoError(t, err)

	assert.Equal(t, 15, res.Polls[0].TimeLimit)
	assert.Equal(t, 45, res.Polls[1].TimeLimit)
}

func TestAddToQueueErrors(t *testing.T) {
	f := newFixture(t)

	_, err := f.sched.AddToQueue(f.ctx, f.session.Code, nil, DefaultOptions())
	assert.ErrorIs(t, err, ErrEmptyBatch)

	_, err = f.sched.AddToQueue(f.ctx, "NOPE42", []int64{1}, DefaultOptions())
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSessionCodeIsCaseInsensitive(t *testing.T) {
	f := newFixture(t)
	f.enqueue(1, DefaultOptions())

	status, err := f.sched.GetQueueStatus(f.ctx, " abc123 ")
	require.NoError(t, err)
	assert.Equal(t, "ABC123", status.SessionCode)
	assert.Equal(t, 1, status.TotalPolls)
}

func TestAddToQueueOverwritesSettings(t *testing.T) {
	f := newFixture(t)
	f.enqueue(1, DefaultOptions())

	f.enqueue(1, Options{AutoAdvance: false, ActivateFirst: true, PollDuration: 30, BreakBetweenPolls: 5})

	settings, err := f.store.GetSettings(f.ctx, f.session.ID)
	require.NoError(t, err)
	require.NotNil(t, settings)
	assert.False(t, settings.AutoAdvance)
	assert.Equal(t, 30, settings.PollDuration)
	assert.Equal(t, 5, settings.BreakBetweenPolls)
}

func TestCompleteAndAdvanceDrainsQueue(t *testing.T) {
	f := newFixture(t)
	polls := f.enqueue(3, DefaultOptions()).Polls
	f.events.reset()

	res, err := f.sched.CompleteAndAdvance(f.ctx, polls[0].ID)
	require.NoError(t, err)
	assert.Equal(t, polls[0].ID, res.CompletedPollID)
	require.NotNil(t, res.NextPollID)
	assert.Equal(t, polls[1].ID, *res.NextPollID)

	res, err = f.sched.CompleteAndAdvance(f.ctx, polls[1].ID)
	require.NoError(t, err)
	require.NotNil(t, res.NextPollID)
	assert.Equal(t, polls[2].ID, *res.NextPollID)

	res, err = f.sched.CompleteAndAdvance(f.ctx, polls[2].ID)
	require.NoError(t, err)
	assert.Nil(t, res.NextPollID)
	assert.Equal(t, "Poll completed, no more polls in queue", res.Message)

	assert.Empty(t, f.activeIDs())
	for _, p := range polls {
		got := f.poll(p.ID)
		assert.Equal(t, models.StatusCompleted, got.QueueStatus)
		assert.False(t, got.IsActive)
		require.NotNil(t, got.CompletedAt)
	}

	assert.Equal(t, []EventType{
		EventPollCompleted, EventPollActivated,
		EventPollCompleted, EventPollActivated,
		EventPollCompleted, EventQueueDrained,
	}, f.events.types())
	assert.Equal(t, []string{
		models.ActionQueued, models.ActionQueued, models.ActionQueued,
		models.ActionManualComplete, models.ActionActivated,
		models.ActionManualComplete, models.ActionActivated,
		models.ActionManualComplete,
	}, f.historyActions())
}

func TestCompleteAlreadyCompletedIsNoop(t *testing.T) {
	f := newFixture(t)
	polls := f.enqueue(3, DefaultOptions()).Polls
	_, err := f.sched.CompleteAndAdvance(f.ctx, polls[0].ID)
	require.NoError(t, err)
	f.events.reset()

	res, err := f.sched.CompleteAndAdvance(f.ctx, polls[0].ID)
	require.NoError(t, err)

	assert.Equal(t, polls[0].ID, res.CompletedPollID)
	assert.Nil(t, res.NextPollID)
	assert.Equal(t, []int64{polls[1].ID}, f.activeIDs())
	assert.Equal(t, models.StatusQueued, f.poll(polls[2].ID).QueueStatus)
	assert.Empty(t, f.events.types())
}

func TestCompleteQueuedPollDoesNotAdvance(t *testing.T) {
	f := newFixture(t)
	polls := f.enqueue(3, DefaultOptions()).Polls

	res, err := f.sched.CompleteAndAdvance(f.ctx, polls[2].ID)
	require.NoError(t, err)

	assert.Nil(t, res.NextPollID)
	assert.Equal(t, models.StatusCompleted, f.poll(polls[2].ID).QueueStatus)
	assert.Equal(t, []int64{polls[0].ID}, f.activeIDs())
}

func TestCompleteUnknownPoll(t *testing.T) {
	f := newFixture(t)
	_, err := f.sched.CompleteAndAdvance(f.ctx, 4242)
	assert.ErrorIs(t, err, ErrPollNotFound)
}

func TestActivateNextIsIdempotent(t *testing.T) {
	f := newFixture(t)
	opts := DefaultOptions()
	opts.ActivateFirst = false
	polls := f.enqueue(2, opts).Polls

	res, err := f.sched.ActivateNext(f.ctx, f.session.Code)
	require.NoError(t, err)
	assert.True(t, res.Activated)
	require.NotNil(t, res.PollID)
	assert.Equal(t, polls[0].ID, *res.PollID)
	require.NotNil(t, res.Position)
	assert.Equal(t, 1, *res.Position)

	again, err := f.sched.ActivateNext(f.ctx, f.session.Code)
	require.NoError(t, err)
	assert.False(t, again.Activated)
	assert.Equal(t, ReasonAlreadyActive, again.Reason)
	assert.Equal(t, polls[0].ID, *again.PollID)
	assert.Equal(t, []int64{polls[0].ID}, f.activeIDs())
}

func TestActivateNextOnEmptyQueue(t *testing.T) {
	f := newFixture(t)

	res, err := f.sched.ActivateNext(f.ctx, f.session.Code)
	require.NoError(t, err)

	assert.False(t, res.Activated)
	assert.Equal(t, ReasonNoEligiblePoll, res.Reason)
	assert.Equal(t, "No more polls in queue", res.Message)
}

func TestConcurrentActivateNextActivatesOnce(t *testing.T) {
	f := newFixture(t)
	opts := DefaultOptions()
	opts.ActivateFirst = false
	f.enqueue(5, opts)

	const workers = 20
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		activated int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.sched.ActivateNext(f.ctx, f.session.Code)
			if !assert.NoError(t, err) {
				return
			}
			if res.Activated {
				mu.Lock()
				activated++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, activated)
	assert.Len(t, f.activeIDs(), 1)
}

func TestConcurrentCompleteAdvancesOnce(t *testing.T) {
	f := newFixture(t)
	polls := f.enqueue(3, DefaultOptions()).Polls

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.sched.CompleteAndAdvance(f.ctx, polls[0].ID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, []int64{polls[1].ID}, f.activeIDs())
	assert.Equal(t, models.StatusQueued, f.poll(polls[2].ID).QueueStatus)
}

// gatedNotifier holds the first poll_activated it sees until release is closed.
type gatedNotifier struct {
	held    chan struct{}
	release chan struct{}
	once    sync.Once

	mu        sync.Mutex
	activated []int64
}

func newGatedNotifier() *gatedNotifier {
	return &gatedNotifier{held: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedNotifier) Notify(_ context.Context, ev Event) {
	if ev.Type != EventPollActivated || ev.Poll == nil {
		return
	}
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.held)
		<-g.release
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.activated = append(g.activated, ev.Poll.ID)
}

func (g *gatedNotifier) seen() []int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]int64(nil), g.activated...)
}

func TestActivationsPublishInCommitOrder(t *testing.T) {
	f := newFixture(t)
	polls := f.enqueue(3, DefaultOptions()).Polls

	gate := newGatedNotifier()
	sched := NewScheduler(f.store, f.store, gate, zaptest.NewLogger(t))
	sched.SetClock(f.clock.Now)

	errs := make(chan error, 2)
	go func() {
		_, err := sched.CompleteAndAdvance(f.ctx, polls[0].ID)
		errs <- err
	}()
	<-gate.held

	go func() {
		_, err := sched.SkipCurrent(f.ctx, f.session.Code)
		errs <- err
	}()
	assert.Never(t, func() bool { return len(gate.seen()) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, []int64{polls[1].ID}, f.activeIDs(), "skip waits for the completion to publish")

	close(gate.release)
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)

	assert.Equal(t, []int64{polls[2].ID}, f.activeIDs())
	assert.Equal(t, []int64{polls[1].ID, polls[2].ID}, gate.seen())
}

func TestSkipCurrent(t *testing.T) {
	f := newFixture(t)
	polls := f.enqueue(2, DefaultOptions()).Polls

	res, err := f.sched.SkipCurrent(f.ctx, f.session.Code)
	require.NoError(t, err)

	assert.True(t, res.Skipped)
	require.NotNil(t, res.SkippedPollID)
	assert.Equal(t, polls[0].ID, *res.SkippedPollID)
	require.NotNil(t, res.NextPoll)
	assert.True(t, res.NextPoll.Activated)
	assert.Equal(t, polls[1].ID, *res.NextPoll.PollID)

	list, err := f.sched.GetHistory(f.ctx, f.session.Code, 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, models.ActionActivated, list[0].Action)
	assert.Equal(t, models.ActionSkipped, list[1].Action)
	assert.Equal(t, models.ActorTeacher, list[1].TriggeredBy)
	require.NotNil(t, list[1].PollID)
	assert.Equal(t, polls[0].ID, *list[1].PollID)
	require.NotNil(t, list[1].PreviousStatus)
	assert.Equal(t, models.StatusActive, *list[1].PreviousStatus)
}

func TestSkipWithoutActivePoll(t *testing.T) {
	f := newFixture(t)

	res, err := f.sched.SkipCurrent(f.ctx, f.session.Code)
	require.NoError(t, err)

	assert.False(t, res.Skipped)
	assert.Equal(t, "No active poll to skip", res.Message)
	assert.Empty(t, f.historyActions())
}

func TestSkipLastPollDrains(t *testing.T) {
	f := newFixture(t)
	f.enqueue(1, DefaultOptions())
	f.events.reset()

	res, err := f.sched.SkipCurrent(f.ctx, f.session.Code)
	require.NoError(t, err)

	assert.True(t, res.Skipped)
	require.NotNil(t, res.NextPoll)
	assert.False(t, res.NextPoll.Activated)
	assert.Equal(t, ReasonNoEligiblePoll, res.NextPoll.Reason)
	assert.Equal(t, []EventType{EventPollCompleted, EventQueueDrained}, f.events.types())
}

func TestPauseAndResume(t *testing.T) {
	f := newFixture(t)
	polls := f.enqueue(2, DefaultOptions()).Polls

	require.NoError(t, f.sched.PauseQueue(f.ctx, f.session.Code))

	settings, err := f.store.GetSettings(f.ctx, f.session.ID)
	require.NoError(t, err)
	assert.False(t, settings.AutoAdvance)
	assert.Equal(t, []int64{polls[0].ID}, f.activeIDs(), "pause leaves the active poll running")

	res, err := f.sched.CompleteAndAdvance(f.ctx, polls[0].ID)
	require.NoError(t, err)
	require.NotNil(t, res.NextPollID, "manual advance still works while paused")

	require.NoError(t, f.sched.ResumeQueue(f.ctx, f.session.Code))
	settings, err = f.store.GetSettings(f.ctx, f.session.ID)
	require.NoError(t, err)
	assert.True(t, settings.AutoAdvance)
	assert.Equal(t, DefaultPollDuration, settings.PollDuration)

	actions := f.historyActions()
	assert.Contains(t, actions, models.ActionQueuePaused)
	assert.Contains(t, actions, models.ActionQueueResumed)
}

func TestPauseCreatesMissingSettings(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.sched.PauseQueue(f.ctx, f.session.Code))

	settings, err := f.store.GetSettings(f.ctx, f.session.ID)
	require.NoError(t, err)
	require.NotNil(t, settings)
	assert.False(t, settings.AutoAdvance)
	assert.Equal(t, DefaultPollDuration, settings.PollDuration)
	assert.Equal(t, DefaultBreakBetweenPolls, settings.BreakBetweenPolls)
}

func TestPauseUnknownSession(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.sched.PauseQueue(f.ctx, "MISSING"), ErrSessionNotFound)
}

func TestReorderQueue(t *testing.T) {
	f := newFixture(t)
	polls := f.enqueue(4, DefaultOptions()).Polls
	other, err := f.store.CreateSession(f.ctx, "OTHER1", "Physics")
	require.NoError(t, err)
	otherRes, err := f.sched.AddToQueue(f.ctx, other.Code, seedSession(t, f.store, other.ID, 1), DefaultOptions())
	require.NoError(t, err)
	foreign := otherRes.Polls[0].ID

	res, err := f.sched.ReorderQueue(f.ctx, f.session.Code, []int64{polls[3].ID, polls[0].ID, foreign, polls[1].ID, polls[3].ID, 999})
	require.NoError(t, err)

	assert.Equal(t, []int64{polls[3].ID, polls[1].ID, polls[2].ID}, res.Applied)
	assert.ElementsMatch(t, []int64{polls[0].ID, foreign, polls[3].ID, 999}, res.Ignored)

	assert.Equal(t, 1, f.poll(polls[3].ID).QueuePosition)
	assert.Equal(t, 2, f.poll(polls[1].ID).QueuePosition)
	assert.Equal(t, 3, f.poll(polls[2].ID).QueuePosition)
	assert.Equal(t, 1, f.poll(polls[0].ID).QueuePosition, "active poll keeps its position")
	assert.Equal(t, 1, f.poll(foreign).QueuePosition, "other session untouched")

	next, err := f.sched.CompleteAndAdvance(f.ctx, polls[0].ID)
	require.NoError(t, err)
	require.NotNil(t, next.NextPollID)
	assert.Equal(t, polls[3].ID, *next.NextPollID)

	assert.Contains(t, f.historyActions(), models.ActionQueueReordered)
}

func TestReorderKeepsUnlistedOrder(t *testing.T) {
	f := newFixture(t)
	opts := DefaultOptions()
	opts.ActivateFirst = false
	polls := f.enqueue(4, opts).Polls

	_, err := f.sched.ReorderQueue(f.ctx, f.session.Code, []int64{polls[2].ID})
	require.NoError(t, err)

	entries, err := f.sched.GetDetailedQueue(f.ctx, f.session.Code)
	require.NoError(t, err)
	var order []int64
	var positions []int
	for _, e := range entries {
		order = append(order, e.ID)
		positions = append(positions, e.QueuePosition)
	}
	assert.Equal(t, []int64{polls[2].ID, polls[0].ID, polls[1].ID, polls[3].ID}, order)
	assert.Equal(t, []int{1, 2, 3, 4}, positions)
}

func TestReorderRejectsEmpty(t *testing.T) {
	f := newFixture(t)
	_, err := f.sched.ReorderQueue(f.ctx, f.session.Code, nil)
	assert.ErrorIs(t, err, ErrInvalidReorder)
}

func TestDetailedQueueAndActivePoll(t *testing.T) {
	f := newFixture(t)
	polls := f.enqueue(3, DefaultOptions()).Polls

	entries, err := f.sched.GetDetailedQueue(f.ctx, f.session.Code)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "Currently Active", entries[0].StatusDisplay)
	assert.Equal(t, "In Queue", entries[1].StatusDisplay)

	active, err := f.sched.GetActivePoll(f.ctx, f.session.Code)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, polls[0].ID, active.ID)
}

func TestHistoryLimitNewestFirst(t *testing.T) {
	f := newFixture(t)
	polls := f.enqueue(2, DefaultOptions()).Polls
	_, err := f.sched.CompleteAndAdvance(f.ctx, polls[0].ID)
	require.NoError(t, err)

	list, err := f.sched.GetHistory(f.ctx, f.session.Code, 1)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, models.ActionActivated, list[0].Action)
	assert.Equal(t, models.ActorTeacher, list[0].TriggeredBy)
}

func TestSubmitResponse(t *testing.T) {
	f := newFixture(t)
	polls := f.enqueue(2, DefaultOptions()).Polls
	active := polls[0]
	f.events.reset()

	r, err := f.sched.SubmitResponse(f.ctx, active.ID, "student-1", *active.CorrectAnswer, 1200)
	require.NoError(t, err)
	require.NotNil(t, r.IsCorrect)
	assert.True(t, *r.IsCorrect)

	r, err = f.sched.SubmitResponse(f.ctx, active.ID, "student-2", (*active.CorrectAnswer+1)%4, 900)
	require.NoError(t, err)
	assert.False(t, *r.IsCorrect)

	_, err = f.sched.SubmitResponse(f.ctx, active.ID, "student-1", 0, 100)
	assert.ErrorIs(t, err, ErrDuplicateResponse)

	_, err = f.sched.SubmitResponse(f.ctx, active.ID, "student-3", 4, 100)
	assert.ErrorIs(t, err, ErrInvalidOption)

	_, err = f.sched.SubmitResponse(f.ctx, polls[1].ID, "student-1", 0, 100)
	assert.ErrorIs(t, err, ErrPollNotActive)

	entries, err := f.sched.GetDetailedQueue(f.ctx, f.session.Code)
	require.NoError(t, err)
	assert.Equal(t, 2, entries[0].ResponseCount)
	assert.Equal(t, 0, entries[1].ResponseCount)

	assert.Equal(t, []EventType{EventResponseCount, EventResponseCount}, f.events.types())
}

// failingStore injects storage failures around a MemoryStore.
type failingStore struct {
	*MemoryStore
	mu           sync.Mutex
	conflicts    int
	failInsertAt int
	inserts      int
}

func (s *failingStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	if s.conflicts > 0 {
		s.conflicts--
		s.mu.Unlock()
		return fmt.Errorf("%w: could not serialize access", ErrConflict)
	}
	s.mu.Unlock()
	return s.MemoryStore.InTx(ctx, func(tx Tx) error {
		return fn(&failingTx{Tx: tx, store: s})
	})
}

type failingTx struct {
	Tx
	store *failingStore
}

func (t *failingTx) InsertPoll(ctx context.Context, p *models.Poll) error {
	t.store.mu.Lock()
	t.store.inserts++
	fail := t.store.failInsertAt > 0 && t.store.inserts == t.store.failInsertAt
	t.store.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return t.Tx.InsertPoll(ctx, p)
}

func TestAddToQueueRollsBackOnFailure(t *testing.T) {
	f := newFixture(t)
	store := &failingStore{MemoryStore: f.store, failInsertAt: 2}
	sched := NewScheduler(store, f.store, f.events, zaptest.NewLogger(t))
	ids := f.seed(3)

	_, err := sched.AddToQueue(f.ctx, f.session.Code, ids, DefaultOptions())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	entries, err := f.store.ListQueue(f.ctx, f.session.ID)
	require.NoError(t, err)
	assert.Empty(t, entries)
	pending, err := f.store.ListPendingQuestions(f.ctx, f.session.ID)
	require.NoError(t, err)
	assert.Len(t, pending, 3)
	settings, err := f.store.GetSettings(f.ctx, f.session.ID)
	require.NoError(t, err)
	assert.Nil(t, settings)
	assert.Empty(t, f.historyActions())
	assert.Empty(t, f.events.types())
}

func TestConflictsAreRetried(t *testing.T) {
	f := newFixture(t)
	store := &failingStore{MemoryStore: f.store, conflicts: 2}
	sched := NewScheduler(store, f.store, nil, zaptest.NewLogger(t))

	res, err := sched.AddToQueue(f.ctx, f.session.Code, f.seed(1), DefaultOptions())
	require.NoError(t, err)
	assert.Len(t, res.Polls, 1)
}

func TestConflictSurfacesAfterRetries(t *testing.T) {
	f := newFixture(t)
	store := &failingStore{MemoryStore: f.store, conflicts: 5}
	sched := NewScheduler(store, f.store, nil, zaptest.NewLogger(t))
	sched.SetTxRetries(2)

	_, err := sched.ActivateNext(f.ctx, f.session.Code)
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, 3, store.conflicts)
}

func TestMemoryStoreRejectsSecondActive(t *testing.T) {
	f := newFixture(t)
	polls := f.enqueue(2, DefaultOptions()).Polls

	err := f.store.InTx(f.ctx, func(tx Tx) error {
		return tx.UpdateStatus(f.ctx, polls[1].ID, models.StatusActive, baseTime)
	})
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, []int64{polls[0].ID}, f.activeIDs())
}
