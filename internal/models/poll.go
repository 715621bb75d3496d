package models

import (
	"time"
)

// QueueStatus is the scheduling state of a poll inside its session queue.
type QueueStatus string

const (
	StatusQueued    QueueStatus = "queued"
	StatusActive    QueueStatus = "active"
	StatusCompleted QueueStatus = "completed"
	StatusPaused    QueueStatus = "paused"
)

// Valid reports whether s is one of the known queue statuses.
func (s QueueStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusActive, StatusCompleted, StatusPaused:
		return true
	}
	return false
}

// Reorderable reports whether an entry in this status may be repositioned.
func (s QueueStatus) Reorderable() bool {
	return s == StatusQueued || s == StatusPaused
}

// Display returns the label shown in the presenter's queue view.
func (s QueueStatus) Display() string {
	switch s {
	case StatusActive:
		return "Currently Active"
	case StatusQueued:
		return "In Queue"
	case StatusCompleted:
		return "Completed"
	case StatusPaused:
		return "Paused"
	}
	return string(s)
}

// Poll is one queue entry: an MCQ scheduled inside a session.
// IsActive mirrors QueueStatus == StatusActive and is kept for clients that only read the flag.
type Poll struct {
	ID            int64       `json:"id"`
	SessionID     int64       `json:"session_id"`
	Question      string      `json:"question"`
	Options       []string    `json:"options"`
	CorrectAnswer *int        `json:"correct_answer,omitempty"`
	Justification *string     `json:"justification,omitempty"`
	TimeLimit     int         `json:"time_limit"` // seconds
	IsActive      bool        `json:"is_active"`
	QueueStatus   QueueStatus `json:"queue_status"`
	QueuePosition int         `json:"queue_position"`
	ActivatedAt   *time.Time  `json:"activated_at,omitempty"`
	CompletedAt   *time.Time  `json:"completed_at,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
}

// ExpiresAt returns when an active poll runs out of time under the session's poll duration (seconds).
// TimeLimit is what participants are shown; the queue deadline is always the session setting.
func (p *Poll) ExpiresAt(pollDuration int) (time.Time, bool) {
	if p.ActivatedAt == nil {
		return time.Time{}, false
	}
	return p.ActivatedAt.Add(time.Duration(pollDuration) * time.Second), true
}

// AudienceView is the poll as broadcast to participants: no answer key.
func (p *Poll) AudienceView() map[string]interface{} {
	return map[string]interface{}{
		"id":             p.ID,
		"question":       p.Question,
		"options":        p.Options,
		"time_limit":     p.TimeLimit,
		"queue_position": p.QueuePosition,
		"activated_at":   p.ActivatedAt,
	}
}

// PollResponse is a participant's answer to a poll.
type PollResponse struct {
	ID             int64     `json:"id"`
	PollID         int64     `json:"poll_id"`
	StudentID      string    `json:"student_id"`
	SelectedOption int       `json:"selected_option"`
	IsCorrect      *bool     `json:"is_correct,omitempty"`
	ResponseTime   int       `json:"response_time"` // milliseconds as reported by the client
	RespondedAt    time.Time `json:"responded_at"`
}

// QueueEntry is a poll joined with its response count for the presenter's detailed queue.
type QueueEntry struct {
	Poll
	StatusDisplay string `json:"status_display"`
	ResponseCount int    `json:"response_count"`
}
