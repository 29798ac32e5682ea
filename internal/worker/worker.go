package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devtribes/backend/internal/models"
	"github.com/devtribes/backend/pkg/queue"
)

// errPermanent marks a job that no retry can fix.
var errPermanent = errors.New("permanent job failure")

// MessageStore persists archived chat messages.
type MessageStore interface {
	Insert(ctx context.Context, m *models.TribeMessage) error
}

// JobQueue is the part of queue.Queue the processor drives.
type JobQueue interface {
	Dequeue(ctx context.Context, queues ...string) (*queue.Job, string, error)
	Retry(ctx context.Context, queueName string, job *queue.Job) error
	DeadLetter(ctx context.Context, job *queue.Job) error
}

// ChatArchiveProcessor drains chat archive jobs into tribe_messages.
type ChatArchiveProcessor struct {
	store   MessageStore
	queue   JobQueue
	logger  *zap.Logger
	backoff time.Duration
}

// NewChatArchiveProcessor creates a chat archive processor.
func NewChatArchiveProcessor(store MessageStore, q JobQueue, logger *zap.Logger) *ChatArchiveProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChatArchiveProcessor{store: store, queue: q, logger: logger, backoff: queue.RetryBackoff}
}

// Process executes one chat archive job.
func (p *ChatArchiveProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeChatArchive {
		return fmt.Errorf("%w: unknown job type %q", errPermanent, job.Type)
	}
	var payload queue.ChatArchivePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("%w: unmarshal payload: %v", errPermanent, err)
	}
	msg, err := toMessage(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", errPermanent, err)
	}
	if err := p.store.Insert(ctx, msg); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	p.logger.Debug("chat message archived", zap.String("message_id", payload.MessageID), zap.String("tribe_id", payload.TribeID))
	return nil
}

func toMessage(p queue.ChatArchivePayload) (*models.TribeMessage, error) {
	id, err := uuid.Parse(p.MessageID)
	if err != nil {
		return nil, fmt.Errorf("message id: %w", err)
	}
	tribeID, err := uuid.Parse(p.TribeID)
	if err != nil {
		return nil, fmt.Errorf("tribe id: %w", err)
	}
	m := &models.TribeMessage{
		ID:      id,
		TribeID: tribeID,
		Sender:  p.Sender,
		Body:    p.Body,
		SentAt:  p.SentAt,
	}
	if p.SenderID != "" {
		if sender, err := uuid.Parse(p.SenderID); err == nil {
			m.SenderID = &sender
		}
	}
	return m, nil
}

// Run starts the worker loop: dequeue, process, retry on error. Returns when ctx is done.
func (p *ChatArchiveProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("chat archive worker stopping")
			return
		default:
		}

		job, queueName, err := p.queue.Dequeue(ctx, queue.QueueChatArchive)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			p.sleep(ctx)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		err = p.Process(ctx, job)
		switch {
		case err == nil:
		case errors.Is(err, errPermanent):
			p.logger.Error("job rejected", zap.String("job_id", job.ID), zap.Error(err))
			if dlErr := p.queue.DeadLetter(ctx, job); dlErr != nil {
				p.logger.Error("dead-letter failed", zap.Error(dlErr))
			}
		default:
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			if reErr := p.queue.Retry(ctx, queueName, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			p.sleep(ctx)
		}
	}
}

func (p *ChatArchiveProcessor) sleep(ctx context.Context) {
	t := time.NewTimer(p.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
