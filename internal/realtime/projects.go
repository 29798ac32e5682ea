package realtime

import (
	"errors"

	"go.uber.org/zap"
)

// ErrMissingProject is returned when a project update names no project.
var ErrMissingProject = errors.New("project id is required")

// ProjectBroadcaster fans project updates out to every connection, independent of rooms.
// It performs no authorization; callers that need it check before calling.
type ProjectBroadcaster struct {
	hub    *Hub
	logger *zap.Logger
}

func NewProjectBroadcaster(hub *Hub, logger *zap.Logger) *ProjectBroadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProjectBroadcaster{hub: hub, logger: logger}
}

// BroadcastProjectUpdate sends update verbatim as event project-update:<projectID>.
func (p *ProjectBroadcaster) BroadcastProjectUpdate(projectID string, update interface{}) error {
	if projectID == "" {
		return ErrMissingProject
	}
	p.logger.Debug("project update", zap.String("project_id", projectID))
	return p.hub.PublishGlobal(ProjectUpdateEvent(projectID), update)
}
