package projects

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devtribes/backend/internal/middleware"
	"github.com/devtribes/backend/internal/models"
	"github.com/devtribes/backend/pkg/response"
)

const (
	statusActive   = "active"
	updatesPerPage = 50
)

// Store is the persistence the handler needs.
type Store interface {
	Create(ctx context.Context, p *models.Project) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Project, error)
	AddUpdate(ctx context.Context, u *models.ProjectUpdate) error
	ListUpdates(ctx context.Context, projectID uuid.UUID, limit int) ([]models.ProjectUpdate, error)
}

// MembershipChecker checks durable tribe membership.
type MembershipChecker interface {
	IsMember(ctx context.Context, tribeID, userID uuid.UUID) (bool, error)
}

// Broadcaster pushes project updates to connected clients.
type Broadcaster interface {
	BroadcastProjectUpdate(projectID string, update interface{}) error
}

// Handler handles project HTTP endpoints.
type Handler struct {
	repo        Store
	members     MembershipChecker
	broadcaster Broadcaster
	logger      *zap.Logger
}

// NewHandler creates a projects handler.
func NewHandler(repo Store, members MembershipChecker, broadcaster Broadcaster, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{repo: repo, members: members, broadcaster: broadcaster, logger: logger}
}

// CreateProjectRequest is the body for POST /projects.
type CreateProjectRequest struct {
	Title       string  `json:"title" binding:"required"`
	Description string  `json:"description"`
	RepoURL     string  `json:"repo_url"`
	TribeID     *string `json:"tribe_id"`
}

// PostUpdateRequest is the body for POST /projects/:id/updates.
type PostUpdateRequest struct {
	Update json.RawMessage `json:"update" binding:"required"`
}

// Create handles POST /projects. Attaching to a tribe requires membership of it.
func (h *Handler) Create(c *gin.Context) {
	userID, _ := middleware.UserID(c)
	var req CreateProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "title required")
		return
	}
	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" || len(req.Title) > 255 {
		response.BadRequest(c, "title must be 1–255 characters")
		return
	}
	if req.RepoURL != "" {
		u, err := url.Parse(req.RepoURL)
		if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
			response.BadRequest(c, "repo_url must be an http(s) URL")
			return
		}
	}

	p := &models.Project{
		OwnerID:     userID,
		Title:       req.Title,
		Description: strings.TrimSpace(req.Description),
		RepoURL:     req.RepoURL,
		Status:      statusActive,
	}
	if req.TribeID != nil && *req.TribeID != "" {
		tribeID, err := uuid.Parse(*req.TribeID)
		if err != nil {
			response.BadRequest(c, "invalid tribe_id")
			return
		}
		member, err := h.members.IsMember(c.Request.Context(), tribeID, userID)
		if err != nil {
			h.logger.Error("check membership", zap.Error(err))
			response.Internal(c, "failed to create project")
			return
		}
		if !member {
			response.Forbidden(c, "not a member of this tribe")
			return
		}
		p.TribeID = &tribeID
	}

	if err := h.repo.Create(c.Request.Context(), p); err != nil {
		h.logger.Error("create project", zap.Error(err))
		response.Internal(c, "failed to create project")
		return
	}
	response.Created(c, p)
}

// Get handles GET /projects/:id.
func (h *Handler) Get(c *gin.Context) {
	p, ok := h.loadProject(c)
	if !ok {
		return
	}
	response.OK(c, p)
}

// PostUpdate handles POST /projects/:id/updates. Owner only. The update is stored, then
// broadcast verbatim as project-update:<id>.
func (h *Handler) PostUpdate(c *gin.Context) {
	p, ok := h.loadProject(c)
	if !ok {
		return
	}
	userID, _ := middleware.UserID(c)
	if p.OwnerID != userID {
		response.Forbidden(c, "only the project owner can post updates")
		return
	}
	var req PostUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil || !json.Valid(req.Update) {
		response.BadRequest(c, "update required")
		return
	}

	u := &models.ProjectUpdate{ProjectID: p.ID, AuthorID: userID, Body: req.Update}
	if err := h.repo.AddUpdate(c.Request.Context(), u); err != nil {
		h.logger.Error("add project update", zap.String("project_id", p.ID.String()), zap.Error(err))
		response.Internal(c, "failed to save update")
		return
	}
	if err := h.broadcaster.BroadcastProjectUpdate(p.ID.String(), req.Update); err != nil {
		h.logger.Warn("broadcast project update", zap.String("project_id", p.ID.String()), zap.Error(err))
	}
	response.Created(c, u)
}

// ListUpdates handles GET /projects/:id/updates.
func (h *Handler) ListUpdates(c *gin.Context) {
	p, ok := h.loadProject(c)
	if !ok {
		return
	}
	list, err := h.repo.ListUpdates(c.Request.Context(), p.ID, updatesPerPage)
	if err != nil {
		h.logger.Error("list project updates", zap.String("project_id", p.ID.String()), zap.Error(err))
		response.Internal(c, "failed to load updates")
		return
	}
	response.List(c, list, len(list))
}

func (h *Handler) loadProject(c *gin.Context) (*models.Project, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid project id")
		return nil, false
	}
	p, err := h.repo.GetByID(c.Request.Context(), id)
	if errors.Is(err, ErrProjectNotFound) {
		response.NotFound(c, "project not found")
		return nil, false
	}
	if err != nil {
		h.logger.Error("get project", zap.String("project_id", id.String()), zap.Error(err))
		response.Internal(c, "failed to load project")
		return nil, false
	}
	return p, true
}
