package pollqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/pollcast/backend/internal/models"
)

type fakeLocker struct {
	mu    sync.Mutex
	ok    bool
	err   error
	calls int
	keys  []string
}

func (l *fakeLocker) TryLock(_ context.Context, key string, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	l.keys = append(l.keys, key)
	return l.ok, l.err
}

// enqueueWithDuration queues n MCQs that carry the generator's 60s time_limit under a session
// poll_duration of seconds.
func (f *fixture) enqueueWithDuration(seconds, n int) []models.Poll {
	f.t.Helper()
	ids := f.seed(n, func(i int, q *models.GeneratedMCQ) { q.TimeLimit = intPtr(60) })
	opts := DefaultOptions()
	opts.PollDuration = seconds
	res, err := f.sched.AddToQueue(f.ctx, f.session.Code, ids, opts)
	require.NoError(f.t, err)
	return res.Polls
}

func TestMonitorExpiresAfterPollDuration(t *testing.T) {
	f := newFixture(t)
	polls := f.enqueueWithDuration(5, 2)
	m := NewMonitor(f.sched, time.Second, zaptest.NewLogger(t))

	f.clock.Set(baseTime.Add(4 * time.Second))
	n, err := m.Tick(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, models.StatusActive, f.poll(polls[0].ID).QueueStatus)

	f.clock.Set(baseTime.Add(6 * time.Second))
	n, err = m.Tick(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	first := f.poll(polls[0].ID)
	assert.Equal(t, models.StatusCompleted, first.QueueStatus)
	second := f.poll(polls[1].ID)
	assert.Equal(t, models.StatusActive, second.QueueStatus)
	require.NotNil(t, second.ActivatedAt)
	assert.True(t, second.ActivatedAt.Equal(baseTime.Add(6*time.Second)))

	list, err := f.sched.GetHistory(f.ctx, f.session.Code, 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, models.ActionActivated, list[0].Action)
	assert.Equal(t, models.ActorSystem, list[0].TriggeredBy)
	assert.Equal(t, models.ActionExpired, list[1].Action)
	assert.Equal(t, models.ActorSystem, list[1].TriggeredBy)
}

func TestMonitorDeadlineIsExclusive(t *testing.T) {
	f := newFixture(t)
	polls := f.enqueueWithDuration(5, 1)
	m := NewMonitor(f.sched, time.Second, zaptest.NewLogger(t))

	f.clock.Set(baseTime.Add(5 * time.Second))
	n, err := m.Tick(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, models.StatusActive, f.poll(polls[0].ID).QueueStatus)
}

func TestMonitorDrainsLastPoll(t *testing.T) {
	f := newFixture(t)
	f.enqueueWithDuration(5, 1)
	f.events.reset()
	m := NewMonitor(f.sched, time.Second, zaptest.NewLogger(t))

	f.clock.Set(baseTime.Add(time.Minute))
	n, err := m.Tick(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, f.activeIDs())
	assert.Equal(t, []EventType{EventPollCompleted, EventQueueDrained}, f.events.types())
}

func TestMonitorRespectsPause(t *testing.T) {
	f := newFixture(t)
	polls := f.enqueueWithDuration(5, 2)
	m := NewMonitor(f.sched, time.Second, zaptest.NewLogger(t))
	require.NoError(t, f.sched.PauseQueue(f.ctx, f.session.Code))

	f.clock.Set(baseTime.Add(time.Minute))
	n, err := m.Tick(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, models.StatusActive, f.poll(polls[0].ID).QueueStatus)

	require.NoError(t, f.sched.ResumeQueue(f.ctx, f.session.Code))
	n, err = m.Tick(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []int64{polls[1].ID}, f.activeIDs())
}

func TestMonitorHandlesSessionsIndependently(t *testing.T) {
	f := newFixture(t)
	a := f.enqueueWithDuration(5, 2)

	other, err := f.store.CreateSession(f.ctx, "LAB042", "Lab")
	require.NoError(t, err)
	ids := seedSession(t, f.store, other.ID, 2)
	opts := DefaultOptions()
	opts.PollDuration = 30
	res, err := f.sched.AddToQueue(f.ctx, other.Code, ids, opts)
	require.NoError(t, err)
	b := res.Polls

	m := NewMonitor(f.sched, time.Second, zaptest.NewLogger(t))
	f.clock.Set(baseTime.Add(10 * time.Second))
	n, err := m.Tick(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, models.StatusActive, f.poll(a[1].ID).QueueStatus)
	assert.Equal(t, models.StatusActive, f.poll(b[0].ID).QueueStatus)

	f.clock.Set(baseTime.Add(31 * time.Second))
	n, err = m.Tick(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, models.StatusCompleted, f.poll(a[1].ID).QueueStatus)
	assert.Equal(t, models.StatusActive, f.poll(b[1].ID).QueueStatus)
}

func TestMonitorIgnoresQuestionTimeLimit(t *testing.T) {
	f := newFixture(t)
	polls := f.enqueueWithDuration(5, 2)
	require.Equal(t, 60, polls[0].TimeLimit)
	m := NewMonitor(f.sched, time.Second, zaptest.NewLogger(t))

	f.clock.Set(baseTime.Add(6 * time.Second))
	n, err := m.Tick(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, models.StatusCompleted, f.poll(polls[0].ID).QueueStatus)
	assert.Equal(t, models.StatusActive, f.poll(polls[1].ID).QueueStatus)
}

func TestMonitorUsesCurrentPollDuration(t *testing.T) {
	f := newFixture(t)
	polls := f.enqueueWithDuration(60, 1)
	m := NewMonitor(f.sched, time.Second, zaptest.NewLogger(t))

	f.clock.Set(baseTime.Add(10 * time.Second))
	n, err := m.Tick(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	more := f.enqueueWithDuration(5, 1)
	n, err = m.Tick(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, models.StatusCompleted, f.poll(polls[0].ID).QueueStatus)
	assert.Equal(t, models.StatusActive, f.poll(more[0].ID).QueueStatus)
}

func TestExpireRechecksState(t *testing.T) {
	f := newFixture(t)
	polls := f.enqueueWithDuration(5, 2)

	res, err := f.sched.Expire(f.ctx, polls[0].ID)
	require.NoError(t, err)
	assert.Nil(t, res, "not expired yet")

	res, err = f.sched.Expire(f.ctx, polls[1].ID)
	require.NoError(t, err)
	assert.Nil(t, res, "queued polls never expire")

	_, err = f.sched.CompleteAndAdvance(f.ctx, polls[0].ID)
	require.NoError(t, err)
	f.clock.Set(baseTime.Add(time.Hour))
	res, err = f.sched.Expire(f.ctx, polls[0].ID)
	require.NoError(t, err)
	assert.Nil(t, res, "completed polls are left alone")
}

func TestMonitorSkipsTickWhenLockHeldElsewhere(t *testing.T) {
	f := newFixture(t)
	polls := f.enqueueWithDuration(5, 2)
	locker := &fakeLocker{ok: false}
	m := NewMonitor(f.sched, time.Second, zaptest.NewLogger(t))
	m.SetLocker(locker, 0)

	f.clock.Set(baseTime.Add(time.Minute))
	n, err := m.Tick(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, models.StatusActive, f.poll(polls[0].ID).QueueStatus)
	assert.Equal(t, []string{monitorLockKey}, locker.keys)
}

func TestMonitorScansWhenLockerFails(t *testing.T) {
	f := newFixture(t)
	f.enqueueWithDuration(5, 2)
	m := NewMonitor(f.sched, time.Second, zaptest.NewLogger(t))
	m.SetLocker(&fakeLocker{err: errors.New("connection refused")}, time.Second)

	f.clock.Set(baseTime.Add(time.Minute))
	n, err := m.Tick(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

type brokenScanStore struct {
	*MemoryStore
	panics bool
}

func (s *brokenScanStore) ListExpired(ctx context.Context, now time.Time) ([]ExpiredPoll, error) {
	if s.panics {
		panic("scan exploded")
	}
	return nil, errors.New("connection reset")
}

func TestMonitorTickErrors(t *testing.T) {
	f := newFixture(t)

	sched := NewScheduler(&brokenScanStore{MemoryStore: f.store}, f.store, nil, zaptest.NewLogger(t))
	_, err := NewMonitor(sched, time.Second, zaptest.NewLogger(t)).Tick(f.ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")

	sched = NewScheduler(&brokenScanStore{MemoryStore: f.store, panics: true}, f.store, nil, zaptest.NewLogger(t))
	_, err = NewMonitor(sched, time.Second, zaptest.NewLogger(t)).safeTick(f.ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scan exploded")
}

func TestMonitorLoopAdvancesQueue(t *testing.T) {
	f := newFixture(t)
	polls := f.enqueueWithDuration(5, 2)
	f.clock.Set(baseTime.Add(time.Minute))

	m := NewMonitor(f.sched, 5*time.Millisecond, zaptest.NewLogger(t))
	m.Start(f.ctx)
	defer m.Stop()

	require.Eventually(t, func() bool {
		p, err := f.store.GetPoll(f.ctx, polls[1].ID)
		return err == nil && p != nil && p.QueueStatus == models.StatusActive
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, models.StatusCompleted, f.poll(polls[0].ID).QueueStatus)
}

func TestMonitorStartStopIsRepeatable(t *testing.T) {
	f := newFixture(t)
	m := NewMonitor(f.sched, time.Millisecond, zaptest.NewLogger(t))

	m.Start(f.ctx)
	m.Start(f.ctx)
	m.Stop()
	m.Stop()
	m.Start(f.ctx)
	m.Stop()
}
