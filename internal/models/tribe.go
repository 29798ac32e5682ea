package models

import (
	"time"

	"github.com/google/uuid"
)

// Tribe visibility values.
const (
	TribePublic  = "public"
	TribePrivate = "private"
)

// Tribe member roles.
const (
	TribeRoleAdmin  = "admin"
	TribeRoleMember = "member"
)

// Tribe is a community group of developers.
type Tribe struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Slug        string    `json:"slug"`
	Description string    `json:"description"`
	Visibility  string    `json:"visibility"`
	CreatedBy   uuid.UUID `json:"created_by"`
	MemberCount int       `json:"member_count"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TribeMember is a durable membership record joined with profile fields.
type TribeMember struct {
	TribeID   uuid.UUID `json:"tribe_id"`
	UserID    uuid.UUID `json:"user_id"`
	Username  string    `json:"username"`
	FullName  string    `json:"full_name"`
	AvatarURL string    `json:"avatar_url,omitempty"`
	Role      string    `json:"role"`
	JoinedAt  time.Time `json:"joined_at"`
}
