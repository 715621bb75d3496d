package pollqueue

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pollcast/backend/internal/models"
	"github.com/pollcast/backend/pkg/response"
)

// QueueOptionsRequest carries the optional batch settings of a send-mcqs call.
type QueueOptionsRequest struct {
	AutoAdvance       *bool `json:"autoAdvance"`
	ActivateFirst     *bool `json:"activateFirst"`
	PollDuration      *int  `json:"pollDuration"`
	BreakBetweenPolls *int  `json:"breakBetweenPolls"`
}

// SendMCQsRequest is the body for POST /sessions/:code/send-mcqs.
type SendMCQsRequest struct {
	MCQIDs       []int64              `json:"mcq_ids"`
	QueueOptions *QueueOptionsRequest `json:"queueOptions"`
}

// ReorderRequest is the body for PUT /sessions/:code/queue/reorder.
type ReorderRequest struct {
	NewOrder []int64 `json:"new_order"`
	// Legacy clients send camelCase.
	NewOrderCamel []int64 `json:"newOrder"`
}

// RespondRequest is the body for POST /polls/:id/respond.
type RespondRequest struct {
	StudentID      string `json:"student_id" binding:"required"`
	SelectedOption *int   `json:"selected_option" binding:"required"`
	ResponseTime   int    `json:"response_time"`
}

// MCQInput is one generated question as delivered by the generation pipeline.
// Options come either as option_a..option_d or as an options array; correct_answer is a letter or an index.
type MCQInput struct {
	Question      string      `json:"question"`
	OptionA       string      `json:"option_a"`
	OptionB       string      `json:"option_b"`
	OptionC       string      `json:"option_c"`
	OptionD       string      `json:"option_d"`
	Options       []string    `json:"options"`
	CorrectAnswer interface{} `json:"correct_answer"`
	Justification *string     `json:"justification"`
	TimeLimit     *int        `json:"time_limit"`
}

// IntakeRequest is the body for POST /generated-mcqs.
type IntakeRequest struct {
	SessionCode string     `json:"session_id" binding:"required"`
	MCQs        []MCQInput `json:"mcqs" binding:"required"`
}

// ArchiveSigner issues download links for archived queue history.
type ArchiveSigner interface {
	PresignArchive(ctx context.Context, key string) (string, error)
}

// Handler handles poll queue HTTP endpoints.
type Handler struct {
	scheduler *Scheduler
	signer    ArchiveSigner
	logger    *zap.Logger
}

// NewHandler creates a poll queue handler.
func NewHandler(scheduler *Scheduler, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{scheduler: scheduler, logger: logger}
}

// SetArchiveSigner enables the archive-url endpoint.
func (h *Handler) SetArchiveSigner(s ArchiveSigner) {
	h.signer = s
}

// Register mounts the queue routes on r.
func (h *Handler) Register(r gin.IRoutes) {
	r.POST("/generated-mcqs", h.IntakeMCQs)
	r.GET("/sessions/:code/generated-mcqs", h.ListPendingMCQs)
	r.POST("/sessions/:code/send-mcqs", h.SendMCQs)
	r.GET("/sessions/:code/poll-queue", h.GetQueue)
	r.GET("/sessions/:code/queue/status", h.GetStatus)
	r.GET("/sessions/:code/active-poll", h.GetActivePoll)
	r.POST("/sessions/:code/queue/advance", h.Advance)
	r.POST("/sessions/:code/queue/pause", h.Pause)
	r.POST("/sessions/:code/queue/resume", h.Resume)
	r.POST("/sessions/:code/queue/skip", h.Skip)
	r.PUT("/sessions/:code/queue/reorder", h.Reorder)
	r.GET("/sessions/:code/queue/history", h.History)
	r.GET("/sessions/:code/queue/history/archive-url", h.ArchiveURL)
	r.POST("/polls/:id/complete", h.Complete)
	r.POST("/polls/:id/respond", h.Respond)
}

// SendMCQs handles POST /sessions/:code/send-mcqs.
func (h *Handler) SendMCQs(c *gin.Context) {
	var req SendMCQsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if len(req.MCQIDs) == 0 {
		response.BadRequest(c, ErrEmptyBatch.Error())
		return
	}
	opts := DefaultOptions()
	if q := req.QueueOptions; q != nil {
		if q.AutoAdvance != nil {
			opts.AutoAdvance = *q.AutoAdvance
		}
		if q.ActivateFirst != nil {
			opts.ActivateFirst = *q.ActivateFirst
		}
		if q.PollDuration != nil && *q.PollDuration > 0 {
			opts.PollDuration = *q.PollDuration
		}
		if q.BreakBetweenPolls != nil && *q.BreakBetweenPolls >= 0 {
			opts.BreakBetweenPolls = *q.BreakBetweenPolls
		}
	}
	res, err := h.scheduler.AddToQueue(c.Request.Context(), c.Param("code"), req.MCQIDs, opts)
	if err != nil {
		h.fail(c, "failed to add polls to queue", err)
		return
	}
	response.Created(c, res)
}

// GetQueue handles GET /sessions/:code/poll-queue.
func (h *Handler) GetQueue(c *gin.Context) {
	ctx := c.Request.Context()
	code := c.Param("code")
	status, err := h.scheduler.GetQueueStatus(ctx, code)
	if err != nil {
		h.fail(c, "failed to get queue status", err)
		return
	}
	queue, err := h.scheduler.GetDetailedQueue(ctx, code)
	if err != nil {
		h.fail(c, "failed to get queue", err)
		return
	}
	response.OK(c, gin.H{"status": status, "queue": queue})
}

// GetStatus handles GET /sessions/:code/queue/status.
func (h *Handler) GetStatus(c *gin.Context) {
	status, err := h.scheduler.GetQueueStatus(c.Request.Context(), c.Param("code"))
	if err != nil {
		h.fail(c, "failed to get queue status", err)
		return
	}
	response.OK(c, status)
}

// GetActivePoll handles GET /sessions/:code/active-poll. Participants get the poll without its answer key.
func (h *Handler) GetActivePoll(c *gin.Context) {
	p, err := h.scheduler.GetActivePoll(c.Request.Context(), c.Param("code"))
	if err != nil {
		h.fail(c, "failed to get active poll", err)
		return
	}
	if p == nil {
		response.NotFound(c, "no active poll")
		return
	}
	response.OK(c, p.AudienceView())
}

// Advance handles POST /sessions/:code/queue/advance.
func (h *Handler) Advance(c *gin.Context) {
	res, err := h.scheduler.ActivateNext(c.Request.Context(), c.Param("code"))
	if err != nil {
		h.fail(c, "failed to advance queue", err)
		return
	}
	response.OK(c, res)
}

// Complete handles POST /polls/:id/complete.
func (h *Handler) Complete(c *gin.Context) {
	pollID, ok := parseID(c)
	if !ok {
		return
	}
	res, err := h.scheduler.CompleteAndAdvance(c.Request.Context(), pollID)
	if err != nil {
		h.fail(c, "failed to complete poll", err)
		return
	}
	response.OK(c, res)
}

// Pause handles POST /sessions/:code/queue/pause.
func (h *Handler) Pause(c *gin.Context) {
	if err := h.scheduler.PauseQueue(c.Request.Context(), c.Param("code")); err != nil {
		h.fail(c, "failed to pause queue", err)
		return
	}
	response.OK(c, gin.H{"message": "Queue paused successfully", "auto_advance": false})
}

// Resume handles POST /sessions/:code/queue/resume.
func (h *Handler) Resume(c *gin.Context) {
	if err := h.scheduler.ResumeQueue(c.Request.Context(), c.Param("code")); err != nil {
		h.fail(c, "failed to resume queue", err)
		return
	}
	response.OK(c, gin.H{"message": "Queue resumed successfully", "auto_advance": true})
}

// Skip handles POST /sessions/:code/queue/skip.
func (h *Handler) Skip(c *gin.Context) {
	res, err := h.scheduler.SkipCurrent(c.Request.Context(), c.Param("code"))
	if err != nil {
		h.fail(c, "failed to skip poll", err)
		return
	}
	response.OK(c, res)
}

// Reorder handles PUT /sessions/:code/queue/reorder.
func (h *Handler) Reorder(c *gin.Context) {
	var req ReorderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	order := req.NewOrder
	if len(order) == 0 {
		order = req.NewOrderCamel
	}
	res, err := h.scheduler.ReorderQueue(c.Request.Context(), c.Param("code"), order)
	if err != nil {
		h.fail(c, "failed to reorder queue", err)
		return
	}
	response.OK(c, res)
}

// History handles GET /sessions/:code/queue/history?limit=N.
func (h *Handler) History(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			response.BadRequest(c, "invalid limit")
			return
		}
		limit = n
	}
	list, err := h.scheduler.GetHistory(c.Request.Context(), c.Param("code"), limit)
	if err != nil {
		h.fail(c, "failed to get queue history", err)
		return
	}
	response.OK(c, list)
}

// ArchiveURL handles GET /sessions/:code/queue/history/archive-url?key=...
func (h *Handler) ArchiveURL(c *gin.Context) {
	if h.signer == nil {
		response.ServiceUnavailable(c, "history archive not configured")
		return
	}
	session, err := h.scheduler.ResolveSession(c.Request.Context(), c.Param("code"))
	if err != nil {
		h.fail(c, "failed to resolve session", err)
		return
	}
	key := c.Query("key")
	if !strings.HasPrefix(key, ArchivePrefix(session.Code)) {
		response.BadRequest(c, "key does not belong to this session")
		return
	}
	url, err := h.signer.PresignArchive(c.Request.Context(), key)
	if err != nil {
		h.logger.Error("presign history archive", zap.String("key", key), zap.Error(err))
		response.Internal(c, "failed to generate download url")
		return
	}
	response.OK(c, gin.H{"url": url, "key": key})
}

// Respond handles POST /polls/:id/respond.
func (h *Handler) Respond(c *gin.Context) {
	pollID, ok := parseID(c)
	if !ok {
		return
	}
	var req RespondRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	r, err := h.scheduler.SubmitResponse(c.Request.Context(), pollID, req.StudentID, *req.SelectedOption, req.ResponseTime)
	if err != nil {
		h.fail(c, "failed to submit response", err)
		return
	}
	response.Created(c, r)
}

// IntakeMCQs handles POST /generated-mcqs. Malformed questions are skipped, not rejected.
func (h *Handler) IntakeMCQs(c *gin.Context) {
	var req IntakeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if len(req.MCQs) == 0 {
		response.BadRequest(c, "mcqs must not be empty")
		return
	}
	ctx := c.Request.Context()
	session, err := h.scheduler.ResolveSession(ctx, req.SessionCode)
	if err != nil {
		h.fail(c, "failed to resolve session", err)
		return
	}
	var batch []models.GeneratedMCQ
	for i, in := range req.MCQs {
		q := in.toModel(session.ID)
		if err := q.Validate(); err != nil {
			h.logger.Warn("skipping invalid generated mcq", zap.String("session_code", session.Code), zap.Int("index", i), zap.Error(err))
			continue
		}
		batch = append(batch, q)
	}
	saved := []models.GeneratedMCQ{}
	if len(batch) > 0 {
		saved, err = h.scheduler.Store().SaveQuestions(ctx, batch)
		if err != nil {
			h.fail(c, "failed to store generated mcqs", err)
			return
		}
	}
	response.Created(c, gin.H{
		"message": "Generated MCQs received and stored for teacher review",
		"mcqs":    saved,
		"count":   len(saved),
	})
}

// ListPendingMCQs handles GET /sessions/:code/generated-mcqs.
func (h *Handler) ListPendingMCQs(c *gin.Context) {
	ctx := c.Request.Context()
	session, err := h.scheduler.ResolveSession(ctx, c.Param("code"))
	if err != nil {
		h.fail(c, "failed to resolve session", err)
		return
	}
	list, err := h.scheduler.Store().ListPendingQuestions(ctx, session.ID)
	if err != nil {
		h.fail(c, "failed to list generated mcqs", err)
		return
	}
	if list == nil {
		list = []models.GeneratedMCQ{}
	}
	response.OK(c, list)
}

// fail maps scheduler errors onto the response envelope.
func (h *Handler) fail(c *gin.Context, msg string, err error) {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		response.NotFound(c, ErrSessionNotFound.Error())
	case errors.Is(err, ErrPollNotFound):
		response.NotFound(c, ErrPollNotFound.Error())
	case errors.Is(err, ErrEmptyBatch), errors.Is(err, ErrInvalidReorder),
		errors.Is(err, ErrInvalidOption), errors.Is(err, ErrDuplicateResponse):
		response.BadRequest(c, err.Error())
	case errors.Is(err, ErrPollNotActive):
		response.NotFound(c, "poll not found or not active")
	case errors.Is(err, ErrConflict):
		response.Conflict(c, "queue is busy, retry")
	default:
		h.logger.Error(msg, zap.String("path", c.FullPath()), zap.Error(err))
		response.Internal(c, msg)
	}
}

func parseID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		response.BadRequest(c, "invalid poll id")
		return 0, false
	}
	return id, true
}

func (in MCQInput) toModel(sessionID int64) models.GeneratedMCQ {
	opts := in.Options
	if len(opts) == 0 {
		for _, o := range []string{in.OptionA, in.OptionB, in.OptionC, in.OptionD} {
			if strings.TrimSpace(o) != "" {
				opts = append(opts, o)
			}
		}
	}
	q := models.GeneratedMCQ{
		SessionID:     sessionID,
		Question:      strings.TrimSpace(in.Question),
		Options:       opts,
		Justification: in.Justification,
		TimeLimit:     in.TimeLimit,
	}
	if idx, ok := parseCorrectAnswer(in.CorrectAnswer); ok {
		q.CorrectAnswer = &idx
	}
	return q
}

// parseCorrectAnswer accepts "A".."Z" (case-insensitive), "0".."n" or a JSON number.
func parseCorrectAnswer(v interface{}) (int, bool) {
	switch a := v.(type) {
	case float64:
		if a < 0 || a != float64(int(a)) {
			return 0, false
		}
		return int(a), true
	case string:
		a = strings.TrimSpace(a)
		if len(a) == 1 {
			ch := strings.ToUpper(a)[0]
			if ch >= 'A' && ch <= 'Z' {
				return int(ch - 'A'), true
			}
		}
		if n, err := strconv.Atoi(a); err == nil && n >= 0 {
			return n, true
		}
	}
	return 0, false
}
