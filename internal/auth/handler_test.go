package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devtribes/backend/internal/models"
	"github.com/devtribes/backend/pkg/utils"
)

type fakeUserStore struct {
	byEmail map[string]*models.User
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{byEmail: make(map[string]*models.User)}
}

func (s *fakeUserStore) GetByEmail(_ context.Context, email string) (*models.User, error) {
	u, ok := s.byEmail[email]
	if !ok {
		return nil, ErrUserNotFound
	}
	return u, nil
}

func (s *fakeUserStore) Create(_ context.Context, p CreateUserParams) (*models.User, error) {
	if _, ok := s.byEmail[p.Email]; ok {
		return nil, ErrDuplicateUser
	}
	u := &models.User{
		ID:        uuid.New(),
		Email:     p.Email,
		Username:  p.Username,
		Password:  p.PasswordHash,
		FullName:  p.FullName,
		Role:      p.Role,
		CreatedAt: time.Now(),
	}
	s.byEmail[p.Email] = u
	return u, nil
}

func newTestRouter(store UserStore, jwt *JWTService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewHandler(store, jwt, nil)
	r := gin.New()
	r.POST("/auth/register", h.Register)
	r.POST("/auth/login", h.Login)
	return r
}

func doJSON(t *testing.T, r http.Handler, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestRegisterIssuesValidToken(t *testing.T) {
	jwt := NewJWTService("secret", 1)
	r := newTestRouter(newFakeUserStore(), jwt)

	rec := doJSON(t, r, "/auth/register", RegisterRequest{
		Email:    "Ada@Example.com",
		Username: "ada_dev",
		Password: "correct-horse",
		FullName: "Ada Obi",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp struct {
		Success bool          `json:"success"`
		Data    TokenResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "ada_dev", resp.Data.User.Username)

	claims, err := jwt.Validate(resp.Data.Token)
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", claims.Email)
}

func TestRegisterValidation(t *testing.T) {
	r := newTestRouter(newFakeUserStore(), NewJWTService("secret", 1))

	tests := []struct {
		name string
		body RegisterRequest
		code int
	}{
		{"bad username", RegisterRequest{Email: "a@b.co", Username: "A!", Password: "long-enough", FullName: "A"}, http.StatusBadRequest},
		{"short password", RegisterRequest{Email: "a@b.co", Username: "abc", Password: "short", FullName: "A"}, http.StatusBadRequest},
		{"missing email", RegisterRequest{Username: "abc", Password: "long-enough", FullName: "A"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, r, "/auth/register", tt.body)
			assert.Equal(t, tt.code, rec.Code)
		})
	}
}

func TestRegisterDuplicate(t *testing.T) {
	r := newTestRouter(newFakeUserStore(), NewJWTService("secret", 1))
	body := RegisterRequest{Email: "a@b.co", Username: "abc", Password: "long-enough", FullName: "A"}

	require.Equal(t, http.StatusCreated, doJSON(t, r, "/auth/register", body).Code)
	assert.Equal(t, http.StatusConflict, doJSON(t, r, "/auth/register", body).Code)
}

func TestLogin(t *testing.T) {
	store := newFakeUserStore()
	hash, err := utils.HashPassword("long-enough")
	require.NoError(t, err)
	store.byEmail["a@b.co"] = &models.User{ID: uuid.New(), Email: "a@b.co", Username: "abc", Password: hash, Role: models.RoleDeveloper}
	r := newTestRouter(store, NewJWTService("secret", 1))

	assert.Equal(t, http.StatusOK, doJSON(t, r, "/auth/login", LoginRequest{Email: "a@b.co", Password: "long-enough"}).Code)
	assert.Equal(t, http.StatusUnauthorized, doJSON(t, r, "/auth/login", LoginRequest{Email: "a@b.co", Password: "nope-nope"}).Code)
	assert.Equal(t, http.StatusUnauthorized, doJSON(t, r, "/auth/login", LoginRequest{Email: "x@b.co", Password: "long-enough"}).Code)
}
