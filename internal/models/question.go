package models

import (
	"errors"
	"strings"
	"time"
)

// GeneratedMCQ is a question produced by the external generation pipeline and waiting to be queued.
// Consumed marks questions already turned into polls; they can't be queued again.
type GeneratedMCQ struct {
	ID            int64      `json:"id"`
	SessionID     int64      `json:"session_id"`
	Question      string     `json:"question"`
	Options       []string   `json:"options"`
	CorrectAnswer *int       `json:"correct_answer,omitempty"`
	Justification *string    `json:"justification,omitempty"`
	TimeLimit     *int       `json:"time_limit,omitempty"`
	Consumed      bool       `json:"sent_to_students"`
	ConsumedAt    *time.Time `json:"sent_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Validate checks the content fields a poll needs.
func (q *GeneratedMCQ) Validate() error {
	if strings.TrimSpace(q.Question) == "" {
		return errors.New("question text is empty")
	}
	if len(q.Options) < 2 {
		return errors.New("at least two options are required")
	}
	for _, o := range q.Options {
		if strings.TrimSpace(o) == "" {
			return errors.New("options must not be empty")
		}
	}
	if q.CorrectAnswer != nil && (*q.CorrectAnswer < 0 || *q.CorrectAnswer >= len(q.Options)) {
		return errors.New("correct answer index out of range")
	}
	return nil
}
