package pollqueue

import (
	"context"
	"time"

	"github.com/pollcast/backend/internal/models"
)

// EventType names a queue transition published to the realtime transport.
type EventType string

const (
	EventPollActivated  EventType = "poll_activated"
	EventPollCompleted  EventType = "poll_completed"
	EventQueueDrained   EventType = "queue_drained"
	EventQueuePaused    EventType = "queue_paused"
	EventQueueResumed   EventType = "queue_resumed"
	EventQueueReordered EventType = "queue_reordered"
	EventResponseCount  EventType = "poll_response_count"
)

// Event is emitted after a queue transaction commits.
type Event struct {
	Type        EventType              `json:"type"`
	SessionID   int64                  `json:"session_id"`
	SessionCode string                 `json:"session_code"`
	Poll        *models.Poll           `json:"poll,omitempty"`
	Action      string                 `json:"action,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	At          time.Time              `json:"at"`
}

// Notifier receives committed queue events. Implementations must not block for long;
// they run on the caller's goroutine (a request handler or the monitor tick) while the
// session's next transition waits, so one session's events arrive in commit order.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, ev Event)

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, ev Event) { f(ctx, ev) }

// Notifiers fans an event out to every notifier in order.
type Notifiers []Notifier

// Notify delivers ev to each non-nil notifier.
func (ns Notifiers) Notify(ctx context.Context, ev Event) {
	for _, n := range ns {
		if n != nil {
			n.Notify(ctx, ev)
		}
	}
}
