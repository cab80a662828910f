package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"

	domain "github.com/tackle-tarts/giveaway-backend/internal/domain/user"
)

// UserRepository stores users in Postgres.
type UserRepository struct {
	db *sql.DB
}

var _ domain.Repository = (*UserRepository)(nil)

func NewUserRepository(db *sql.DB) *UserRepository { return &UserRepository{db: db} }

// Create inserts a user. E-mails are stored lower-cased and unique.
func (r *UserRepository) Create(ctx context.Context, u *domain.User) error {
	const q = `
	INSERT INTO users (id, email, password_hash, role, created_at)
	VALUES ($1, lower($2), $3, $4, $5)`
	_, err := r.db.ExecContext(ctx, q, u.ID, u.Email, u.PasswordHash, u.Role, u.CreatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return domain.ErrEmailTaken
	}
	return err
}

func (r *UserRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	return r.get(ctx, `SELECT id, email, password_hash, role, created_at FROM users WHERE id=$1`, id)
}

// GetByEmail is case-insensitive. Returns nil if not found.
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	return r.get(ctx, `SELECT id, email, password_hash, role, created_at FROM users WHERE email = lower($1)`, email)
}

func (r *UserRepository) get(ctx context.Context, q string, arg interface{}) (*domain.User, error) {
	var u domain.User
	if err := r.db.QueryRowContext(ctx, q, arg).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Role, &u.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}
