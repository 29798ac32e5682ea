package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const archiveTimeout = 2 * time.Second

// ErrMissingTribe is returned when a chat message names no tribe.
var ErrMissingTribe = errors.New("tribe id is required")

// Archiver persists relayed chat messages out of band.
type Archiver interface {
	Archive(ctx context.Context, msg ChatMessage) error
}

// ChatRelay broadcasts chat messages to the current members of one room.
type ChatRelay struct {
	hub      *Hub
	archiver Archiver
	logger   *zap.Logger
	now      func() time.Time
}

// NewChatRelay creates a relay. archiver may be nil.
func NewChatRelay(hub *Hub, archiver Archiver, logger *zap.Logger) *ChatRelay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChatRelay{hub: hub, archiver: archiver, logger: logger, now: time.Now}
}

// SendChatMessage delivers content to everyone in tribeID's room at the time of sending.
// The sender's own membership is not re-checked: a connection that joined once is trusted
// (see Hub.IsMember for the check this skips). An empty room is a no-op.
func (r *ChatRelay) SendChatMessage(connID, tribeID, content string, user json.RawMessage) error {
	if tribeID == "" {
		return ErrMissingTribe
	}
	msg := ChatMessage{
		ID:       uuid.New().String(),
		TribeID:  tribeID,
		User:     user,
		Message:  content,
		SentAt:   r.now().UTC(),
		SenderID: r.hub.userID(connID),
	}
	if len(msg.User) == 0 {
		msg.User = json.RawMessage("null")
	}
	if err := r.hub.PublishToRoom(tribeID, EventRoomChatMessage, msg); err != nil {
		return err
	}
	if r.archiver != nil {
		ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		defer cancel()
		if err := r.archiver.Archive(ctx, msg); err != nil {
			r.logger.Warn("archive chat message", zap.String("tribe_id", tribeID), zap.String("message_id", msg.ID), zap.Error(err))
		}
	}
	return nil
}
