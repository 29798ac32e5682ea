package chatlog

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devtribes/backend/internal/middleware"
	"github.com/devtribes/backend/internal/models"
	"github.com/devtribes/backend/internal/realtime"
	"github.com/devtribes/backend/pkg/queue"
)

type captureQueue struct {
	got []queue.ChatArchivePayload
}

func (q *captureQueue) EnqueueChatArchive(_ context.Context, p queue.ChatArchivePayload) error {
	q.got = append(q.got, p)
	return nil
}

func TestQueueArchiverMapsMessage(t *testing.T) {
	q := &captureQueue{}
	var a realtime.Archiver = NewQueueArchiver(q)
	sentAt := time.Now().UTC()

	require.NoError(t, a.Archive(context.Background(), realtime.ChatMessage{
		ID: "m1", TribeID: "t1", SenderID: "u1", User: json.RawMessage(`{"username":"ada"}`), Message: "hi", SentAt: sentAt,
	}))
	require.Len(t, q.got, 1)
	assert.Equal(t, queue.ChatArchivePayload{
		MessageID: "m1", TribeID: "t1", SenderID: "u1", Sender: json.RawMessage(`{"username":"ada"}`), Body: "hi", SentAt: sentAt,
	}, q.got[0])
}

type fakeHistory struct {
	msgs       []models.TribeMessage
	lastLimit  int
	lastBefore time.Time
	err        error
}

func (f *fakeHistory) ListRecent(_ context.Context, _ uuid.UUID, before time.Time, limit int) ([]models.TribeMessage, error) {
	f.lastLimit, f.lastBefore = limit, before
	if f.err != nil {
		return nil, f.err
	}
	if len(f.msgs) > limit {
		return f.msgs[:limit], nil
	}
	return f.msgs, nil
}

type memberSet map[uuid.UUID]bool

func (m memberSet) IsMember(_ context.Context, _ uuid.UUID, userID uuid.UUID) (bool, error) {
	return m[userID], nil
}

func newHistoryRouter(repo MessageReader, members MembershipChecker, userID uuid.UUID) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) { c.Set(middleware.ContextUserID, userID); c.Next() })
	r.GET("/tribes/:id/messages", NewHandler(repo, members, 2, nil).History)
	return r
}

func get(r http.Handler, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHistory(t *testing.T) {
	member := uuid.New()
	tribeID := uuid.New()
	repo := &fakeHistory{msgs: []models.TribeMessage{
		{ID: uuid.New(), TribeID: tribeID, Body: "c"},
		{ID: uuid.New(), TribeID: tribeID, Body: "b"},
		{ID: uuid.New(), TribeID: tribeID, Body: "a"},
	}}
	r := newHistoryRouter(repo, memberSet{member: true}, member)

	rec := get(r, "/tribes/"+tribeID.String()+"/messages")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data struct {
			Items []models.TribeMessage `json:"items"`
			Count int                   `json:"count"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Data.Count)
	assert.Equal(t, "c", resp.Data.Items[0].Body)

	rec = get(r, "/tribes/"+tribeID.String()+"/messages?limit=500&before=2026-01-01T00:00:00Z")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, maxHistoryLimit, repo.lastLimit)
	assert.True(t, repo.lastBefore.Equal(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))
}

func TestHistoryRejects(t *testing.T) {
	member := uuid.New()
	tribeID := uuid.New().String()

	outsider := newHistoryRouter(&fakeHistory{}, memberSet{member: true}, uuid.New())
	assert.Equal(t, http.StatusForbidden, get(outsider, "/tribes/"+tribeID+"/messages").Code)

	r := newHistoryRouter(&fakeHistory{}, memberSet{member: true}, member)
	assert.Equal(t, http.StatusBadRequest, get(r, "/tribes/nope/messages").Code)
	assert.Equal(t, http.StatusBadRequest, get(r, "/tribes/"+tribeID+"/messages?limit=-1").Code)
	assert.Equal(t, http.StatusBadRequest, get(r, "/tribes/"+tribeID+"/messages?before=yesterday").Code)

	broken := newHistoryRouter(&fakeHistory{err: errors.New("db down")}, memberSet{member: true}, member)
	assert.Equal(t, http.StatusInternalServerError, get(broken, "/tribes/"+tribeID+"/messages").Code)
}
