package sessions

import (
	"context"
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pollcast/backend/internal/models"
	"github.com/pollcast/backend/internal/pollqueue"
	"github.com/pollcast/backend/pkg/response"
)

// CodeLength is the length of generated session codes.
const CodeLength = 6

const createAttempts = 5

// Registry stores sessions. Both Repository and pollqueue.MemoryStore implement it.
type Registry interface {
	pollqueue.SessionResolver
	CreateSession(ctx context.Context, code, title string) (*models.Session, error)
}

// AudienceCounter reports connected clients per session.
type AudienceCounter interface {
	AudienceCount(code string) int
}

// CreateRequest is the body for POST /sessions.
type CreateRequest struct {
	Title string `json:"title" binding:"required"`
	Code  string `json:"session_id"`
}

// Handler handles session HTTP endpoints.
type Handler struct {
	registry Registry
	audience AudienceCounter
	logger   *zap.Logger
}

// NewHandler creates a sessions handler. audience may be nil.
func NewHandler(registry Registry, audience AudienceCounter, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{registry: registry, audience: audience, logger: logger}
}

// NewCode returns a random upper-case session code.
func NewCode() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", ""))[:CodeLength]
}

// Create handles POST /sessions.
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	ctx := c.Request.Context()
	code := strings.ToUpper(strings.TrimSpace(req.Code))
	if code != "" {
		s, err := h.registry.CreateSession(ctx, code, req.Title)
		if errors.Is(err, pollqueue.ErrSessionCodeTaken) {
			response.Conflict(c, err.Error())
			return
		}
		if err != nil {
			h.logger.Error("create session", zap.String("session_code", code), zap.Error(err))
			response.Internal(c, "failed to create session")
			return
		}
		response.Created(c, s)
		return
	}
	for i := 0; i < createAttempts; i++ {
		s, err := h.registry.CreateSession(ctx, NewCode(), req.Title)
		if errors.Is(err, pollqueue.ErrSessionCodeTaken) {
			continue
		}
		if err != nil {
			h.logger.Error("create session", zap.Error(err))
			response.Internal(c, "failed to create session")
			return
		}
		response.Created(c, s)
		return
	}
	response.Internal(c, "failed to allocate a session code")
}

// Get handles GET /sessions/:code.
func (h *Handler) Get(c *gin.Context) {
	code := strings.ToUpper(strings.TrimSpace(c.Param("code")))
	s, err := h.registry.Resolve(c.Request.Context(), code)
	if err != nil {
		h.logger.Error("resolve session", zap.String("session_code", code), zap.Error(err))
		response.Internal(c, "failed to get session")
		return
	}
	if s == nil {
		response.NotFound(c, pollqueue.ErrSessionNotFound.Error())
		return
	}
	count := 0
	if h.audience != nil {
		count = h.audience.AudienceCount(s.Code)
	}
	response.OK(c, gin.H{"session": s, "participant_count": count})
}
