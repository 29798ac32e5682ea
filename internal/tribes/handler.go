package tribes

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devtribes/backend/internal/middleware"
	"github.com/devtribes/backend/internal/models"
	"github.com/devtribes/backend/pkg/response"
)

// Slug must be lowercase alphanumeric and hyphens only, 2–64 chars.
var slugRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,63}$`)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Store is the persistence the handler needs.
type Store interface {
	MembershipStore
	Create(ctx context.Context, t *models.Tribe) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Tribe, error)
	List(ctx context.Context, limit, offset int) ([]*models.Tribe, error)
	ListForUser(ctx context.Context, userID uuid.UUID) ([]*models.Tribe, error)
	AddMember(ctx context.Context, tribeID, userID uuid.UUID, role string) error
	MemberRole(ctx context.Context, tribeID, userID uuid.UUID) (string, error)
	RemoveMember(ctx context.Context, tribeID, userID uuid.UUID) error
	ListMembers(ctx context.Context, tribeID uuid.UUID) ([]models.TribeMember, error)
}

// Presence reports live chat room occupancy.
type Presence interface {
	RoomSize(tribeID string) int
}

// Handler handles tribe HTTP endpoints.
type Handler struct {
	repo     Store
	presence Presence
	logger   *zap.Logger
}

// NewHandler creates a tribes handler.
func NewHandler(repo Store, presence Presence, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{repo: repo, presence: presence, logger: logger}
}

// CreateTribeRequest is the body for POST /tribes.
type CreateTribeRequest struct {
	Name        string `json:"name" binding:"required"`
	Slug        string `json:"slug" binding:"required"`
	Description string `json:"description"`
	Visibility  string `json:"visibility"`
}

// CreateTribe handles POST /tribes. The caller becomes the tribe's admin.
func (h *Handler) CreateTribe(c *gin.Context) {
	userID, _ := middleware.UserID(c)
	var body CreateTribeRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "name and slug required")
		return
	}
	body.Slug = strings.ToLower(strings.TrimSpace(body.Slug))
	if !slugRegex.MatchString(body.Slug) {
		response.BadRequest(c, "slug must be 2–64 chars, lowercase letters, numbers, hyphens only")
		return
	}
	body.Name = strings.TrimSpace(body.Name)
	if len(body.Name) < 1 || len(body.Name) > 255 {
		response.BadRequest(c, "name must be 1–255 characters")
		return
	}
	switch body.Visibility {
	case "":
		body.Visibility = models.TribePublic
	case models.TribePublic, models.TribePrivate:
	default:
		response.BadRequest(c, "visibility must be public or private")
		return
	}

	tribe := &models.Tribe{
		Name:        body.Name,
		Slug:        body.Slug,
		Description: strings.TrimSpace(body.Description),
		Visibility:  body.Visibility,
		CreatedBy:   userID,
	}
	if err := h.repo.Create(c.Request.Context(), tribe); err != nil {
		if errors.Is(err, ErrDuplicateSlug) {
			response.Conflict(c, "a tribe with this slug already exists")
			return
		}
		h.logger.Error("create tribe", zap.Error(err))
		response.Internal(c, "failed to create tribe")
		return
	}
	response.Created(c, tribe)
}

// ListTribes handles GET /tribes. With ?mine=true it lists the caller's tribes instead of public ones.
func (h *Handler) ListTribes(c *gin.Context) {
	var (
		list []*models.Tribe
		err  error
	)
	if c.Query("mine") == "true" {
		userID, _ := middleware.UserID(c)
		list, err = h.repo.ListForUser(c.Request.Context(), userID)
	} else {
		limit := queryInt(c, "limit", defaultPageSize)
		if limit <= 0 || limit > maxPageSize {
			limit = defaultPageSize
		}
		offset := queryInt(c, "offset", 0)
		if offset < 0 {
			offset = 0
		}
		list, err = h.repo.List(c.Request.Context(), limit, offset)
	}
	if err != nil {
		h.logger.Error("list tribes", zap.Error(err))
		response.Internal(c, "failed to load tribes")
		return
	}
	response.List(c, list, len(list))
}

// GetTribe handles GET /tribes/:id. Private tribes are visible to members only.
func (h *Handler) GetTribe(c *gin.Context) {
	tribe, ok := h.loadVisibleTribe(c)
	if !ok {
		return
	}
	response.OK(c, tribe)
}

// JoinTribe handles POST /tribes/:id/join. Only public tribes can be joined directly; private
// tribes are 404 to non-members and a no-op for members.
func (h *Handler) JoinTribe(c *gin.Context) {
	tribe, ok := h.loadVisibleTribe(c)
	if !ok {
		return
	}
	userID, _ := middleware.UserID(c)
	ctx := c.Request.Context()
	if tribe.Visibility == models.TribePublic {
		if err := h.repo.AddMember(ctx, tribe.ID, userID, models.TribeRoleMember); err != nil {
			h.logger.Error("join tribe", zap.String("tribe_id", tribe.ID.String()), zap.Error(err))
			response.Internal(c, "failed to join tribe")
			return
		}
	}
	role, err := h.repo.MemberRole(ctx, tribe.ID, userID)
	if err != nil {
		h.logger.Error("member role", zap.String("tribe_id", tribe.ID.String()), zap.Error(err))
		response.Internal(c, "failed to join tribe")
		return
	}
	response.OK(c, gin.H{"tribe_id": tribe.ID, "role": role})
}

// AddMemberRequest is the body for POST /tribes/:id/members.
type AddMemberRequest struct {
	UserID uuid.UUID `json:"user_id" binding:"required"`
	Role   string    `json:"role"`
}

// AddMember handles POST /tribes/:id/members. Tribe admins only; this is how private tribes grow.
func (h *Handler) AddMember(c *gin.Context) {
	tribe, ok := h.loadVisibleTribe(c)
	if !ok {
		return
	}
	var body AddMemberRequest
	if err := c.ShouldBindJSON(&body); err != nil || body.UserID == uuid.Nil {
		response.BadRequest(c, "user_id required")
		return
	}
	switch body.Role {
	case "":
		body.Role = models.TribeRoleMember
	case models.TribeRoleMember, models.TribeRoleAdmin:
	default:
		response.BadRequest(c, "role must be member or admin")
		return
	}

	ctx := c.Request.Context()
	callerID, _ := middleware.UserID(c)
	role, err := h.repo.MemberRole(ctx, tribe.ID, callerID)
	if err != nil && !errors.Is(err, ErrNotMember) {
		h.logger.Error("member role", zap.String("tribe_id", tribe.ID.String()), zap.Error(err))
		response.Internal(c, "failed to add member")
		return
	}
	if role != models.TribeRoleAdmin {
		response.Forbidden(c, "only tribe admins can add members")
		return
	}

	if err := h.repo.AddMember(ctx, tribe.ID, body.UserID, body.Role); err != nil {
		if errors.Is(err, ErrUserNotFound) {
			response.NotFound(c, "user not found")
			return
		}
		h.logger.Error("add member", zap.String("tribe_id", tribe.ID.String()), zap.Error(err))
		response.Internal(c, "failed to add member")
		return
	}
	h.logger.Info("tribe member added",
		zap.String("tribe_id", tribe.ID.String()), zap.String("user_id", body.UserID.String()), zap.String("by", callerID.String()))
	response.Created(c, gin.H{"tribe_id": tribe.ID, "user_id": body.UserID, "role": body.Role})
}

// LeaveTribe handles POST /tribes/:id/leave. Live chat connections are not evicted.
func (h *Handler) LeaveTribe(c *gin.Context) {
	tribeID, ok := parseTribeID(c)
	if !ok {
		return
	}
	userID, _ := middleware.UserID(c)
	if err := h.repo.RemoveMember(c.Request.Context(), tribeID, userID); err != nil {
		if errors.Is(err, ErrNotMember) {
			response.NotFound(c, "you are not a member of this tribe")
			return
		}
		h.logger.Error("leave tribe", zap.String("tribe_id", tribeID.String()), zap.Error(err))
		response.Internal(c, "failed to leave tribe")
		return
	}
	response.NoContent(c)
}

// ListMembers handles GET /tribes/:id/members.
func (h *Handler) ListMembers(c *gin.Context) {
	tribe, ok := h.loadVisibleTribe(c)
	if !ok {
		return
	}
	members, err := h.repo.ListMembers(c.Request.Context(), tribe.ID)
	if err != nil {
		h.logger.Error("list members", zap.String("tribe_id", tribe.ID.String()), zap.Error(err))
		response.Internal(c, "failed to load members")
		return
	}
	response.List(c, members, len(members))
}

// Online handles GET /tribes/:id/online: connections currently in the tribe's chat room on this instance.
func (h *Handler) Online(c *gin.Context) {
	tribe, ok := h.loadVisibleTribe(c)
	if !ok {
		return
	}
	online := 0
	if h.presence != nil {
		online = h.presence.RoomSize(tribe.ID.String())
	}
	response.OK(c, gin.H{"tribe_id": tribe.ID, "online": online})
}

func (h *Handler) loadTribe(c *gin.Context) (*models.Tribe, bool) {
	tribeID, ok := parseTribeID(c)
	if !ok {
		return nil, false
	}
	tribe, err := h.repo.GetByID(c.Request.Context(), tribeID)
	if errors.Is(err, ErrTribeNotFound) {
		response.NotFound(c, "tribe not found")
		return nil, false
	}
	if err != nil {
		h.logger.Error("get tribe", zap.String("tribe_id", tribeID.String()), zap.Error(err))
		response.Internal(c, "failed to load tribe")
		return nil, false
	}
	return tribe, true
}

// loadVisibleTribe is loadTribe plus a membership check for private tribes. Non-members get 404.
func (h *Handler) loadVisibleTribe(c *gin.Context) (*models.Tribe, bool) {
	tribe, ok := h.loadTribe(c)
	if !ok || tribe.Visibility == models.TribePublic {
		return tribe, ok
	}
	userID, _ := middleware.UserID(c)
	member, err := h.repo.IsMember(c.Request.Context(), tribe.ID, userID)
	if err != nil {
		h.logger.Error("check membership", zap.String("tribe_id", tribe.ID.String()), zap.Error(err))
		response.Internal(c, "failed to load tribe")
		return nil, false
	}
	if !member {
		response.NotFound(c, "tribe not found")
		return nil, false
	}
	return tribe, true
}

func parseTribeID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid tribe id")
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(c *gin.Context, key string, fallback int) int {
	if v := c.Query(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
