package realtime

import (
	"encoding/json"
	"time"
)

// Inbound events.
const (
	EventJoinRoom      = "join-room"
	EventLeaveRoom     = "leave-room"
	EventChatMessage   = "chat-message"
	EventProjectUpdate = "project-update"
)

// Outbound events.
const (
	EventRoomChatMessage = "room-chat-message"
	EventError           = "error"
)

// Error codes carried by the error event.
const (
	CodeBadRequest       = "bad_request"
	CodeUnsupportedEvent = "unsupported_event"
	CodeUnauthorized     = "unauthorized"
	CodeForbidden        = "forbidden"
	CodeNotFound         = "not_found"
	CodeUnavailable      = "unavailable"
	CodeInternal         = "internal"
	CodeTooManyJoins     = "too_many_joins"
)

// ProjectUpdateEvent returns the project-scoped topic name clients listen on.
func ProjectUpdateEvent(projectID string) string {
	return EventProjectUpdate + ":" + projectID
}

// WSMessage is the WebSocket message envelope.
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// JoinRoomRequest is the join-room payload. An empty credential falls back to the connect token.
type JoinRoomRequest struct {
	TribeID    string `json:"tribeId"`
	Credential string `json:"credential"`
}

// LeaveRoomRequest is the leave-room payload.
type LeaveRoomRequest struct {
	TribeID string `json:"tribeId"`
}

// ChatMessageRequest is the chat-message payload. Message is a pointer so a missing field can be told apart from "".
type ChatMessageRequest struct {
	TribeID string          `json:"tribeId"`
	Message *string         `json:"message"`
	User    json.RawMessage `json:"user"`
}

// ProjectUpdateRequest is the project-update payload.
type ProjectUpdateRequest struct {
	ProjectID string          `json:"projectId"`
	Update    json.RawMessage `json:"update"`
}

// ChatMessage is what room members receive as room-chat-message.
type ChatMessage struct {
	ID       string          `json:"id"`
	TribeID  string          `json:"tribeId"`
	User     json.RawMessage `json:"user"`
	Message  string          `json:"message"`
	SentAt   time.Time       `json:"sentAt"`
	SenderID string          `json:"-"`
}

// ErrorPayload is the data of an error event.
type ErrorPayload struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}
