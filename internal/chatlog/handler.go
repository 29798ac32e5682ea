package chatlog

import (
	"context"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devtribes/backend/internal/middleware"
	"github.com/devtribes/backend/internal/models"
	"github.com/devtribes/backend/pkg/response"
)

const maxHistoryLimit = 200

// MessageReader reads archived history.
type MessageReader interface {
	ListRecent(ctx context.Context, tribeID uuid.UUID, before time.Time, limit int) ([]models.TribeMessage, error)
}

// MembershipChecker checks durable tribe membership.
type MembershipChecker interface {
	IsMember(ctx context.Context, tribeID, userID uuid.UUID) (bool, error)
}

// Handler serves archived chat history.
type Handler struct {
	repo         MessageReader
	members      MembershipChecker
	defaultLimit int
	logger       *zap.Logger
}

// NewHandler creates a history handler. defaultLimit applies when the request gives none.
func NewHandler(repo MessageReader, members MembershipChecker, defaultLimit int, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if defaultLimit <= 0 || defaultLimit > maxHistoryLimit {
		defaultLimit = 50
	}
	return &Handler{repo: repo, members: members, defaultLimit: defaultLimit, logger: logger}
}

// History handles GET /tribes/:id/messages?limit=&before=. Members only.
// before is an RFC3339 timestamp for paging backwards.
func (h *Handler) History(c *gin.Context) {
	tribeID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid tribe id")
		return
	}
	userID, _ := middleware.UserID(c)
	member, err := h.members.IsMember(c.Request.Context(), tribeID, userID)
	if err != nil {
		h.logger.Error("check membership", zap.String("tribe_id", tribeID.String()), zap.Error(err))
		response.Internal(c, "failed to load messages")
		return
	}
	if !member {
		response.Forbidden(c, "not a member of this tribe")
		return
	}

	limit := h.defaultLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			response.BadRequest(c, "limit must be a positive integer")
			return
		}
		if n > maxHistoryLimit {
			n = maxHistoryLimit
		}
		limit = n
	}
	before := time.Now().UTC()
	if v := c.Query("before"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			response.BadRequest(c, "before must be an RFC3339 timestamp")
			return
		}
		before = t
	}

	msgs, err := h.repo.ListRecent(c.Request.Context(), tribeID, before, limit)
	if err != nil {
		h.logger.Error("list messages", zap.String("tribe_id", tribeID.String()), zap.Error(err))
		response.Internal(c, "failed to load messages")
		return
	}
	response.List(c, msgs, len(msgs))
}
