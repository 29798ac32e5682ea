package chatlog

import (
	"context"

	"github.com/devtribes/backend/internal/realtime"
	"github.com/devtribes/backend/pkg/queue"
)

// Enqueuer accepts chat archive jobs.
type Enqueuer interface {
	EnqueueChatArchive(ctx context.Context, payload queue.ChatArchivePayload) error
}

// QueueArchiver hands relayed messages to the worker through the job queue.
type QueueArchiver struct {
	queue Enqueuer
}

func NewQueueArchiver(q Enqueuer) *QueueArchiver {
	return &QueueArchiver{queue: q}
}

// Archive implements realtime.Archiver.
func (a *QueueArchiver) Archive(ctx context.Context, msg realtime.ChatMessage) error {
	return a.queue.EnqueueChatArchive(ctx, queue.ChatArchivePayload{
		MessageID: msg.ID,
		TribeID:   msg.TribeID,
		SenderID:  msg.SenderID,
		Sender:    msg.User,
		Body:      msg.Message,
		SentAt:    msg.SentAt,
	})
}
