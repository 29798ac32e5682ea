package projects

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/devtribes/backend/internal/models"
)

// ErrProjectNotFound is returned when no project matches the lookup.
var ErrProjectNotFound = errors.New("project not found")

// Repository handles projects and project_updates persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a projects repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a project.
func (r *Repository) Create(ctx context.Context, p *models.Project) error {
	const q = `INSERT INTO projects (owner_id, tribe_id, title, description, repo_url, status)
		VALUES ($1, $2, $3, $4, NULLIF($5,''), $6)
		RETURNING id, created_at, updated_at`
	return r.pool.QueryRow(ctx, q, p.OwnerID, p.TribeID, p.Title, p.Description, p.RepoURL, p.Status).
		Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
}

// GetByID returns a project by ID.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	const q = `SELECT id, owner_id, tribe_id, title, description, COALESCE(repo_url,''), status, created_at, updated_at
		FROM projects WHERE id = $1`
	var p models.Project
	err := r.pool.QueryRow(ctx, q, id).Scan(&p.ID, &p.OwnerID, &p.TribeID, &p.Title, &p.Description,
		&p.RepoURL, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrProjectNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// AddUpdate stores a project update and bumps the project's updated_at.
func (r *Repository) AddUpdate(ctx context.Context, u *models.ProjectUpdate) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		const q = `INSERT INTO project_updates (project_id, author_id, body)
			VALUES ($1, $2, $3)
			RETURNING id, created_at`
		if err := tx.QueryRow(ctx, q, u.ProjectID, u.AuthorID, u.Body).Scan(&u.ID, &u.CreatedAt); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `UPDATE projects SET updated_at = NOW() WHERE id = $1`, u.ProjectID)
		return err
	})
}

// ListUpdates returns a project's updates, newest first.
func (r *Repository) ListUpdates(ctx context.Context, projectID uuid.UUID, limit int) ([]models.ProjectUpdate, error) {
	const q = `SELECT id, project_id, author_id, body, created_at
		FROM project_updates WHERE project_id = $1
		ORDER BY created_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, q, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := make([]models.ProjectUpdate, 0)
	for rows.Next() {
		var u models.ProjectUpdate
		if err := rows.Scan(&u.ID, &u.ProjectID, &u.AuthorID, &u.Body, &u.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, u)
	}
	return list, rows.Err()
}
