package pollqueue

import "errors"

var (
	// ErrSessionNotFound is returned when a session code (or id) doesn't resolve.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionCodeTaken is returned when creating a session under an existing code.
	ErrSessionCodeTaken = errors.New("session code already exists")
	// ErrPollNotFound is returned when a poll id doesn't exist.
	ErrPollNotFound = errors.New("poll not found")
	// ErrEmptyBatch is returned by AddToQueue when no question ids are given.
	ErrEmptyBatch = errors.New("no question ids provided")
	// ErrInvalidReorder is returned when a reorder request carries no ids.
	ErrInvalidReorder = errors.New("new order must list at least one poll id")
	// ErrConflict is a storage-level transaction conflict. Transitions are retried before it surfaces.
	ErrConflict = errors.New("queue transaction conflict")
	// ErrPollNotActive is returned when a response targets a poll that isn't open.
	ErrPollNotActive = errors.New("poll is not active")
	// ErrDuplicateResponse is returned when a participant answers the same poll twice.
	ErrDuplicateResponse = errors.New("already responded to this poll")
	// ErrInvalidOption is returned when a response selects an option the poll doesn't have.
	ErrInvalidOption = errors.New("selected option out of range")
)

// Reasons reported when activation finds nothing to do. Neither is an error.
const (
	ReasonNoEligiblePoll = "no_eligible_poll"
	ReasonAlreadyActive  = "already_active"
)
