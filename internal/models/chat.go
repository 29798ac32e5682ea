package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TribeMessage is an archived tribe chat message.
type TribeMessage struct {
	ID       uuid.UUID       `json:"id"`
	TribeID  uuid.UUID       `json:"tribe_id"`
	SenderID *uuid.UUID      `json:"sender_id,omitempty"`
	Sender   json.RawMessage `json:"user"`
	Body     string          `json:"message"`
	SentAt   time.Time       `json:"sent_at"`
}
