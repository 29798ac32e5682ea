package chatlog

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/devtribes/backend/internal/models"
)

// Repository handles tribe_messages persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a chat archive repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert stores a message. Re-inserting the same ID is a no-op so retried jobs do not duplicate.
func (r *Repository) Insert(ctx context.Context, m *models.TribeMessage) error {
	sender := m.Sender
	if len(sender) == 0 {
		sender = []byte("{}")
	}
	const q = `INSERT INTO tribe_messages (id, tribe_id, sender_id, sender, body, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`
	_, err := r.pool.Exec(ctx, q, m.ID, m.TribeID, m.SenderID, sender, m.Body, m.SentAt)
	return err
}

// ListRecent returns up to limit messages sent before the given time, newest first.
func (r *Repository) ListRecent(ctx context.Context, tribeID uuid.UUID, before time.Time, limit int) ([]models.TribeMessage, error) {
	const q = `SELECT id, tribe_id, sender_id, sender, body, sent_at
		FROM tribe_messages
		WHERE tribe_id = $1 AND sent_at < $2
		ORDER BY sent_at DESC
		LIMIT $3`
	rows, err := r.pool.Query(ctx, q, tribeID, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := make([]models.TribeMessage, 0, limit)
	for rows.Next() {
		var m models.TribeMessage
		if err := rows.Scan(&m.ID, &m.TribeID, &m.SenderID, &m.Sender, &m.Body, &m.SentAt); err != nil {
			return nil, err
		}
		list = append(list, m)
	}
	return list, rows.Err()
}
