package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Project is a developer project, optionally attached to a tribe.
type Project struct {
	ID          uuid.UUID  `json:"id"`
	OwnerID     uuid.UUID  `json:"owner_id"`
	TribeID     *uuid.UUID `json:"tribe_id,omitempty"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	RepoURL     string     `json:"repo_url,omitempty"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// ProjectUpdate is an application-defined update posted to a project.
// Body is stored and broadcast verbatim.
type ProjectUpdate struct {
	ID        uuid.UUID       `json:"id"`
	ProjectID uuid.UUID       `json:"project_id"`
	AuthorID  uuid.UUID       `json:"author_id"`
	Body      json.RawMessage `json:"body"`
	CreatedAt time.Time       `json:"created_at"`
}
