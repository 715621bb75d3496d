package models

import (
	"time"
)

// Session is a live classroom event. Code is the short human-facing identifier participants type in.
type Session struct {
	ID        int64     `json:"id"`
	Code      string    `json:"session_id"`
	Title     string    `json:"title"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}
