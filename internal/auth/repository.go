package auth

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/devtribes/backend/internal/models"
)

var (
	// ErrUserNotFound is returned when no user matches the lookup.
	ErrUserNotFound = errors.New("user not found")
	// ErrDuplicateUser is returned when email or username is already registered.
	ErrDuplicateUser = errors.New("email or username already registered")
)

const userColumns = `id, email, username, password_hash, full_name, role,
	COALESCE(bio,''), COALESCE(country,''), COALESCE(avatar_url,''), created_at, updated_at`

// Repository handles user persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an auth repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.Email, &u.Username, &u.Password, &u.FullName, &u.Role,
		&u.Bio, &u.Country, &u.AvatarURL, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetByID returns a user by ID.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	return scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

// GetByEmail returns a user by email.
func (r *Repository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	return scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email))
}

// CreateUserParams holds the registration fields.
type CreateUserParams struct {
	Email        string
	Username     string
	PasswordHash string
	FullName     string
	Role         models.Role
	Country      string
}

// Create inserts a new user. Returns ErrDuplicateUser on a unique violation.
func (r *Repository) Create(ctx context.Context, p CreateUserParams) (*models.User, error) {
	const q = `INSERT INTO users (email, username, password_hash, full_name, role, country)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6,''))
		RETURNING ` + userColumns
	u, err := scanUser(r.pool.QueryRow(ctx, q, p.Email, p.Username, p.PasswordHash, p.FullName, string(p.Role), p.Country))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrDuplicateUser
		}
		return nil, err
	}
	return u, nil
}

// UpdateProfile sets bio and country.
func (r *Repository) UpdateProfile(ctx context.Context, id uuid.UUID, bio, country string) (*models.User, error) {
	const q = `UPDATE users SET bio = NULLIF($2,''), country = NULLIF($3,''), updated_at = NOW()
		WHERE id = $1 RETURNING ` + userColumns
	return scanUser(r.pool.QueryRow(ctx, q, id, bio, country))
}

// UpdateAvatar stores the avatar URL.
func (r *Repository) UpdateAvatar(ctx context.Context, id uuid.UUID, avatarURL string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE users SET avatar_url = $2, updated_at = NOW() WHERE id = $1`, id, avatarURL)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}
