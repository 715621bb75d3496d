package pollqueue

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/pollcast/backend/internal/models"
)

// SubmitResponse records a participant's answer. Only the active poll accepts answers and each
// participant answers once.
func (s *Scheduler) SubmitResponse(ctx context.Context, pollID int64, studentID string, selected, responseTime int) (*models.PollResponse, error) {
	studentID = strings.TrimSpace(studentID)
	if studentID == "" {
		return nil, fmt.Errorf("student id is required")
	}
	poll, err := s.store.GetPoll(ctx, pollID)
	if err != nil {
		return nil, fmt.Errorf("get poll: %w", err)
	}
	if poll == nil {
		return nil, ErrPollNotFound
	}
	session, err := s.sessions.GetByID(ctx, poll.SessionID)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}

	var (
		resp  *models.PollResponse
		count int
	)
	err = s.withTx(ctx, func(tx Tx) error {
		resp, count = nil, 0
		cur, err := tx.GetPoll(ctx, pollID)
		if err != nil {
			return fmt.Errorf("get poll: %w", err)
		}
		if cur == nil {
			return ErrPollNotFound
		}
		if cur.QueueStatus != models.StatusActive {
			return ErrPollNotActive
		}
		if selected < 0 || selected >= len(cur.Options) {
			return ErrInvalidOption
		}
		r := &models.PollResponse{
			PollID:         pollID,
			StudentID:      studentID,
			SelectedOption: selected,
			ResponseTime:   responseTime,
			RespondedAt:    s.now(),
		}
		if cur.CorrectAnswer != nil {
			ok := *cur.CorrectAnswer == selected
			r.IsCorrect = &ok
		}
		if err := tx.InsertResponse(ctx, r); err != nil {
			return err
		}
		count, err = tx.CountResponses(ctx, pollID)
		if err != nil {
			return fmt.Errorf("count responses: %w", err)
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug("poll response recorded", zap.Int64("poll_id", pollID), zap.String("student_id", studentID))
	s.publish(ctx, session, []Event{{
		Type:     EventResponseCount,
		At:       resp.RespondedAt,
		Metadata: map[string]interface{}{"poll_id": pollID, "response_count": count},
	}})
	return resp, nil
}
