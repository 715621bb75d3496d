package models

import (
	"encoding/json"
	"time"
)

// QueueSettings is the per-session scheduler configuration.
type QueueSettings struct {
	SessionID         int64     `json:"session_id"`
	AutoAdvance       bool      `json:"auto_advance"`
	PollDuration      int       `json:"poll_duration"`       // seconds
	BreakBetweenPolls int       `json:"break_between_polls"` // seconds, advisory
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// History actions.
const (
	ActionQueued         = "queued"
	ActionActivated      = "activated"
	ActionManualComplete = "manual_complete"
	ActionExpired        = "expired"
	ActionSkipped        = "skipped"
	ActionQueuePaused    = "queue_paused"
	ActionQueueResumed   = "queue_resumed"
	ActionQueueReordered = "queue_reordered"
)

// Actors recorded in the history log.
const (
	ActorTeacher = "teacher"
	ActorSystem  = "system"
)

// QueueHistoryEntry is one immutable row of the queue audit trail.
// PollID is nil for session-level actions (pause, resume, reorder).
type QueueHistoryEntry struct {
	ID             int64           `json:"id"`
	SessionID      int64           `json:"session_id"`
	PollID         *int64          `json:"poll_id,omitempty"`
	Action         string          `json:"action"`
	PreviousStatus *QueueStatus    `json:"previous_status,omitempty"`
	NewStatus      *QueueStatus    `json:"new_status,omitempty"`
	TriggeredBy    string          `json:"triggered_by"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// QueueStatusSummary aggregates a session queue for display.
type QueueStatusSummary struct {
	SessionCode     string         `json:"session_id"`
	TotalPolls      int            `json:"total_polls"`
	QueuedPolls     int            `json:"queued_polls"`
	ActivePolls     int            `json:"active_polls"`
	CompletedPolls  int            `json:"completed_polls"`
	PausedPolls     int            `json:"paused_polls"`
	CurrentPosition *int           `json:"current_position"`
	TotalPositions  int            `json:"total_positions"`
	Settings        *QueueSettings `json:"settings,omitempty"`
}
