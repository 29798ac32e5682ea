package tribes

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/devtribes/backend/internal/models"
)

var (
	ErrTribeNotFound = errors.New("tribe not found")
	ErrNotMember     = errors.New("not a member of this tribe")
	ErrDuplicateSlug = errors.New("a tribe with this slug already exists")
	ErrUserNotFound  = errors.New("user not found")
)

const tribeColumns = `t.id, t.name, t.slug, t.description, t.visibility, t.created_by,
	(SELECT COUNT(*) FROM tribe_members m WHERE m.tribe_id = t.id), t.created_at, t.updated_at`

// Repository handles tribe and tribe_members persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a tribes repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func scanTribe(row pgx.Row) (*models.Tribe, error) {
	var t models.Tribe
	err := row.Scan(&t.ID, &t.Name, &t.Slug, &t.Description, &t.Visibility, &t.CreatedBy,
		&t.MemberCount, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTribeNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Create inserts the tribe and makes its creator an admin member in one transaction.
func (r *Repository) Create(ctx context.Context, t *models.Tribe) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		const q = `INSERT INTO tribes (name, slug, description, visibility, created_by)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id, created_at, updated_at`
		err := tx.QueryRow(ctx, q, t.Name, t.Slug, t.Description, t.Visibility, t.CreatedBy).
			Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return ErrDuplicateSlug
			}
			return fmt.Errorf("insert tribe: %w", err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO tribe_members (tribe_id, user_id, role) VALUES ($1, $2, $3)`,
			t.ID, t.CreatedBy, models.TribeRoleAdmin); err != nil {
			return fmt.Errorf("insert creator membership: %w", err)
		}
		t.MemberCount = 1
		return nil
	})
}

// GetByID returns a tribe with its member count.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Tribe, error) {
	return scanTribe(r.pool.QueryRow(ctx, `SELECT `+tribeColumns+` FROM tribes t WHERE t.id = $1`, id))
}

// List returns public tribes, newest first.
func (r *Repository) List(ctx context.Context, limit, offset int) ([]*models.Tribe, error) {
	const q = `SELECT ` + tribeColumns + ` FROM tribes t
		WHERE t.visibility = 'public'
		ORDER BY t.created_at DESC
		LIMIT $1 OFFSET $2`
	return r.queryTribes(ctx, q, limit, offset)
}

// ListForUser returns the tribes a user belongs to.
func (r *Repository) ListForUser(ctx context.Context, userID uuid.UUID) ([]*models.Tribe, error) {
	const q = `SELECT ` + tribeColumns + ` FROM tribes t
		INNER JOIN tribe_members tm ON tm.tribe_id = t.id
		WHERE tm.user_id = $1
		ORDER BY t.name`
	return r.queryTribes(ctx, q, userID)
}

func (r *Repository) queryTribes(ctx context.Context, q string, args ...interface{}) ([]*models.Tribe, error) {
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := make([]*models.Tribe, 0)
	for rows.Next() {
		t, err := scanTribe(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	return list, rows.Err()
}

// TribeExists reports whether a tribe with id exists.
func (r *Repository) TribeExists(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM tribes WHERE id = $1)`, id).Scan(&exists)
	return exists, err
}

// IsMember reports whether userID holds a durable membership of tribeID.
func (r *Repository) IsMember(ctx context.Context, tribeID, userID uuid.UUID) (bool, error) {
	var member bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM tribe_members WHERE tribe_id = $1 AND user_id = $2)`,
		tribeID, userID).Scan(&member)
	return member, err
}

// AddMember records a membership. Joining twice keeps the existing role.
// Returns ErrUserNotFound when userID has no account.
func (r *Repository) AddMember(ctx context.Context, tribeID, userID uuid.UUID, role string) error {
	const q = `INSERT INTO tribe_members (tribe_id, user_id, role) VALUES ($1, $2, $3)
		ON CONFLICT (tribe_id, user_id) DO NOTHING`
	_, err := r.pool.Exec(ctx, q, tribeID, userID, role)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" && pgErr.ConstraintName == "tribe_members_user_id_fkey" {
		return ErrUserNotFound
	}
	return err
}

// MemberRole returns userID's role in tribeID, or ErrNotMember.
func (r *Repository) MemberRole(ctx context.Context, tribeID, userID uuid.UUID) (string, error) {
	var role string
	err := r.pool.QueryRow(ctx,
		`SELECT role FROM tribe_members WHERE tribe_id = $1 AND user_id = $2`, tribeID, userID).Scan(&role)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotMember
	}
	return role, err
}

// RemoveMember deletes a membership. Returns ErrNotMember when there was none.
func (r *Repository) RemoveMember(ctx context.Context, tribeID, userID uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM tribe_members WHERE tribe_id = $1 AND user_id = $2`, tribeID, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotMember
	}
	return nil
}

// ListMembers returns members joined with their public profile, oldest first.
func (r *Repository) ListMembers(ctx context.Context, tribeID uuid.UUID) ([]models.TribeMember, error) {
	const q = `SELECT tm.tribe_id, tm.user_id, u.username, u.full_name, COALESCE(u.avatar_url, ''), tm.role, tm.joined_at
		FROM tribe_members tm
		INNER JOIN users u ON u.id = tm.user_id
		WHERE tm.tribe_id = $1
		ORDER BY tm.joined_at ASC`
	rows, err := r.pool.Query(ctx, q, tribeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := make([]models.TribeMember, 0)
	for rows.Next() {
		var m models.TribeMember
		if err := rows.Scan(&m.TribeID, &m.UserID, &m.Username, &m.FullName, &m.AvatarURL, &m.Role, &m.JoinedAt); err != nil {
			return nil, err
		}
		list = append(list, m)
	}
	return list, rows.Err()
}
