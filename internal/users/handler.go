package users

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devtribes/backend/internal/auth"
	"github.com/devtribes/backend/internal/middleware"
	"github.com/devtribes/backend/internal/models"
	"github.com/devtribes/backend/pkg/response"
	"github.com/devtribes/backend/pkg/storage"
)

// UserStore is the persistence the handler needs.
type UserStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	UpdateProfile(ctx context.Context, id uuid.UUID, bio, country string) (*models.User, error)
	UpdateAvatar(ctx context.Context, id uuid.UUID, avatarURL string) error
}

// MediaStore is the object storage the handler needs; *storage.S3 implements it.
type MediaStore interface {
	UploadImage(ctx context.Context, key, contentType string, body io.Reader, size int64) (string, error)
	PresignUpload(ctx context.Context, key, contentType string) (string, error)
	DeleteObject(ctx context.Context, key string) error
	PublicObjectURL(key string) string
	KeyFromURL(url string) string
	PresignExpire() time.Duration
}

// Handler handles profile endpoints for the current user.
type Handler struct {
	repo   UserStore
	media  MediaStore
	logger *zap.Logger
}

// NewHandler creates a users handler. media may be nil when S3 is not configured.
func NewHandler(repo UserStore, media MediaStore, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{repo: repo, media: media, logger: logger}
}

// UpdateProfileRequest is the body for PATCH /users/me.
type UpdateProfileRequest struct {
	Bio     string `json:"bio"`
	Country string `json:"country"`
}

// PresignAvatarRequest is the body for POST /users/me/avatar/presign.
type PresignAvatarRequest struct {
	ContentType string `json:"content_type" binding:"required"`
	FileSize    int64  `json:"file_size"`
}

// ConfirmAvatarRequest is the body for PUT /users/me/avatar, sent after a presigned upload.
type ConfirmAvatarRequest struct {
	AvatarURL string `json:"avatar_url" binding:"required"`
}

// Me handles GET /users/me.
func (h *Handler) Me(c *gin.Context) {
	userID, _ := middleware.UserID(c)
	u, err := h.repo.GetByID(c.Request.Context(), userID)
	if errors.Is(err, auth.ErrUserNotFound) {
		response.NotFound(c, "user not found")
		return
	}
	if err != nil {
		h.logger.Error("get user", zap.Error(err))
		response.Internal(c, "failed to load profile")
		return
	}
	response.OK(c, u.ToPublic())
}

// UpdateProfile handles PATCH /users/me.
func (h *Handler) UpdateProfile(c *gin.Context) {
	userID, _ := middleware.UserID(c)
	var req UpdateProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	req.Bio = strings.TrimSpace(req.Bio)
	req.Country = strings.TrimSpace(req.Country)
	if len(req.Bio) > 500 {
		response.BadRequest(c, "bio must be at most 500 characters")
		return
	}
	if len(req.Country) > 64 {
		response.BadRequest(c, "country must be at most 64 characters")
		return
	}
	u, err := h.repo.UpdateProfile(c.Request.Context(), userID, req.Bio, req.Country)
	if errors.Is(err, auth.ErrUserNotFound) {
		response.NotFound(c, "user not found")
		return
	}
	if err != nil {
		h.logger.Error("update profile", zap.Error(err))
		response.Internal(c, "failed to update profile")
		return
	}
	response.OK(c, u.ToPublic())
}

// UploadAvatar handles POST /users/me/avatar (multipart, form field "file"). Server-side upload to the media bucket.
func (h *Handler) UploadAvatar(c *gin.Context) {
	if h.media == nil {
		response.ServiceUnavailable(c, "media storage not configured")
		return
	}
	userID, _ := middleware.UserID(c)
	file, err := c.FormFile("file")
	if err != nil {
		response.BadRequest(c, "missing file (form field: file)")
		return
	}
	if file.Size > storage.MaxImageSize {
		response.BadRequest(c, "file size exceeds 5MB limit")
		return
	}
	headerType := file.Header.Get("Content-Type")
	if !storage.ValidateImageType(headerType, file.Filename) {
		response.BadRequest(c, "invalid file type: only jpg, png, webp and gif images allowed")
		return
	}
	contentType := storage.ImageContentType(headerType, file.Filename)

	rc, err := file.Open()
	if err != nil {
		h.logger.Error("open uploaded file failed", zap.Error(err))
		response.Internal(c, "failed to read file")
		return
	}
	defer rc.Close()

	key := storage.AvatarKey(userID.String(), contentType)
	avatarURL, err := h.media.UploadImage(c.Request.Context(), key, contentType, rc, file.Size)
	if err != nil {
		h.logger.Error("S3 upload failed", zap.Error(err), zap.String("key", key))
		response.Internal(c, "failed to upload file to storage")
		return
	}
	h.replaceAvatar(c, userID, avatarURL)
}

// PresignAvatar handles POST /users/me/avatar/presign so the client can PUT the image directly.
func (h *Handler) PresignAvatar(c *gin.Context) {
	if h.media == nil {
		response.ServiceUnavailable(c, "media storage not configured")
		return
	}
	userID, _ := middleware.UserID(c)
	var req PresignAvatarRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "content_type required")
		return
	}
	if req.FileSize > storage.MaxImageSize {
		response.BadRequest(c, "file size exceeds 5MB limit")
		return
	}
	if !storage.ValidateImageType(req.ContentType, "") {
		response.BadRequest(c, "invalid file type: only jpg, png, webp and gif images allowed")
		return
	}
	contentType := storage.ImageContentType(req.ContentType, "")
	key := storage.AvatarKey(userID.String(), contentType)
	url, err := h.media.PresignUpload(c.Request.Context(), key, contentType)
	if err != nil {
		h.logger.Error("presign avatar upload failed", zap.Error(err), zap.String("key", key))
		response.Internal(c, "upload unavailable")
		return
	}
	response.OK(c, gin.H{
		"upload_url":   url,
		"avatar_url":   h.media.PublicObjectURL(key),
		"content_type": contentType,
		"expires_in":   int(h.media.PresignExpire().Seconds()),
	})
}

// ConfirmAvatar handles PUT /users/me/avatar. Only URLs under the caller's own avatar prefix are accepted.
func (h *Handler) ConfirmAvatar(c *gin.Context) {
	if h.media == nil {
		response.ServiceUnavailable(c, "media storage not configured")
		return
	}
	userID, _ := middleware.UserID(c)
	var req ConfirmAvatarRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "avatar_url required")
		return
	}
	key := h.media.KeyFromURL(req.AvatarURL)
	if !strings.HasPrefix(key, storage.FolderAvatars+"/"+userID.String()+"/") {
		response.BadRequest(c, "avatar_url does not belong to you")
		return
	}
	h.replaceAvatar(c, userID, req.AvatarURL)
}

// replaceAvatar stores the new URL and removes the previous object when it lives in our bucket.
func (h *Handler) replaceAvatar(c *gin.Context, userID uuid.UUID, avatarURL string) {
	ctx := c.Request.Context()
	var previous string
	if u, err := h.repo.GetByID(ctx, userID); err == nil {
		previous = u.AvatarURL
	}
	if err := h.repo.UpdateAvatar(ctx, userID, avatarURL); err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			response.NotFound(c, "user not found")
			return
		}
		h.logger.Error("update avatar", zap.Error(err))
		response.Internal(c, "failed to save avatar")
		return
	}
	if previous != "" && previous != avatarURL {
		if key := h.media.KeyFromURL(previous); key != "" {
			if err := h.media.DeleteObject(ctx, key); err != nil {
				h.logger.Warn("delete previous avatar", zap.String("key", key), zap.Error(err))
			}
		}
	}
	response.OK(c, gin.H{"avatar_url": avatarURL})
}
