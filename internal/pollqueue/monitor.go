package pollqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultMonitorInterval is how often the monitor scans for expired polls.
	DefaultMonitorInterval = 10 * time.Second

	monitorLockKey = "pollqueue:monitor:tick"
)

// TickLocker lets monitors in several processes take turns. TryLock reports whether this
// process owns the tick until ttl runs out.
type TickLocker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Monitor periodically completes active polls whose time limit ran out and advances their queue.
// A tick never fails the loop: errors are logged and the next tick runs as usual.
type Monitor struct {
	scheduler *Scheduler
	logger    *zap.Logger
	interval  time.Duration
	locker    TickLocker
	lockTTL   time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor creates a monitor over scheduler.
func NewMonitor(scheduler *Scheduler, interval time.Duration, logger *zap.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultMonitorInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		scheduler: scheduler,
		logger:    logger,
		interval:  interval,
	}
}

// SetLocker makes ticks conditional on winning a shared lock held for ttl.
func (m *Monitor) SetLocker(locker TickLocker, ttl time.Duration) {
	if ttl <= 0 {
		ttl = m.interval
	}
	m.locker = locker
	m.lockTTL = ttl
}

// Start begins the monitor loop. Call Stop() to release resources.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	go m.run(ctx, done)
	m.logger.Info("poll queue monitor started", zap.Duration("interval", m.interval))
}

// Stop stops the loop and waits for an in-flight tick to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel == nil {
		return
	}
	m.cancel()
	m.cancel = nil
	<-m.done
	m.logger.Info("poll queue monitor stopped")
}

func (m *Monitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.safeTick(ctx); err != nil && ctx.Err() == nil {
				m.logger.Error("poll queue monitor tick failed", zap.Error(err))
			}
		}
	}
}

func (m *Monitor) safeTick(ctx context.Context) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("monitor tick panic: %v", r)
		}
	}()
	return m.Tick(ctx)
}

// Tick runs one scan and returns how many polls it expired. Failures on single polls are logged
// and skipped; only a failed scan is returned.
func (m *Monitor) Tick(ctx context.Context) (int, error) {
	if m.locker != nil {
		ok, err := m.locker.TryLock(ctx, monitorLockKey, m.lockTTL)
		if err != nil {
			m.logger.Warn("monitor tick lock unavailable, scanning anyway", zap.Error(err))
		} else if !ok {
			return 0, nil
		}
	}

	expired, err := m.scheduler.Store().ListExpired(ctx, m.scheduler.Now())
	if err != nil {
		return 0, fmt.Errorf("list expired polls: %w", err)
	}
	n := 0
	for _, e := range expired {
		res, err := m.scheduler.Expire(ctx, e.PollID)
		if err != nil {
			m.logger.Error("auto-advance failed",
				zap.Int64("poll_id", e.PollID), zap.Int64("session_id", e.SessionID), zap.Error(err))
			continue
		}
		if res == nil {
			continue
		}
		n++
		fields := []zap.Field{
			zap.Int64("poll_id", e.PollID),
			zap.Int64("session_id", e.SessionID),
			zap.Int("position", e.Position),
			zap.Duration("limit", e.Limit),
		}
		if res.NextPollID != nil {
			fields = append(fields, zap.Int64("next_poll_id", *res.NextPollID))
		}
		m.logger.Info("poll expired", fields...)
	}
	return n, nil
}
