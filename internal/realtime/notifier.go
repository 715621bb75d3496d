package realtime

import (
	"context"

	"github.com/pollcast/backend/internal/pollqueue"
)

// Websocket event names sent to session rooms.
const (
	EventPollActivated  = "poll_activated"
	EventPollCompleted  = "poll_completed"
	EventQueueDrained   = "queue_drained"
	EventQueuePaused    = "queue_paused"
	EventQueueResumed   = "queue_resumed"
	EventQueueReordered = "queue_reordered"
	EventResponseCount  = "poll_response_count"
)

// Notify publishes a committed queue event to the session room. Polls are sent without
// their answer key; the presenter reads the full poll over REST.
func (h *Hub) Notify(ctx context.Context, ev pollqueue.Event) {
	if ev.SessionCode == "" {
		return
	}
	payload := map[string]interface{}{
		"session_id": ev.SessionCode,
		"at":         ev.At,
	}
	if ev.Action != "" {
		payload["action"] = ev.Action
	}
	for k, v := range ev.Metadata {
		payload[k] = v
	}

	var name string
	switch ev.Type {
	case pollqueue.EventPollActivated:
		name = EventPollActivated
		if ev.Poll != nil {
			payload["poll"] = ev.Poll.AudienceView()
		}
	case pollqueue.EventPollCompleted:
		name = EventPollCompleted
		if ev.Poll != nil {
			payload["poll_id"] = ev.Poll.ID
			payload["queue_position"] = ev.Poll.QueuePosition
			if ev.Poll.CorrectAnswer != nil {
				payload["correct_answer"] = *ev.Poll.CorrectAnswer
			}
		}
	case pollqueue.EventQueueDrained:
		name = EventQueueDrained
	case pollqueue.EventQueuePaused:
		name = EventQueuePaused
	case pollqueue.EventQueueResumed:
		name = EventQueueResumed
	case pollqueue.EventQueueReordered:
		name = EventQueueReordered
	case pollqueue.EventResponseCount:
		name = EventResponseCount
	default:
		return
	}
	h.PublishToSessionOnly(ev.SessionCode, name, payload)
}
