package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/histoseg/platform/internal/domain"
)

// UserRepo persists users.
type UserRepo struct{ DB DB }

// Create inserts a user and returns its id.
func (r *UserRepo) Create(ctx domain.Context, u domain.User) (string, error) {
	id := u.ID
	if id == "" {
		id = uuid.New().String()
	}
	q := `INSERT INTO users (id, email, created_at) VALUES ($1,$2,$3)`
	if _, err := r.DB.Exec(ctx, q, id, u.Email, time.Now().UTC()); err != nil {
		return "", fmt.Errorf("op=user.create: %w", err)
	}
	return id, nil
}

// Get loads a user by id.
func (r *UserRepo) Get(ctx domain.Context, id string) (domain.User, error) {
	q := `SELECT id, email, created_at FROM users WHERE id=$1`
	var u domain.User
	if err := r.DB.QueryRow(ctx, q, id).Scan(&u.ID, &u.Email, &u.CreatedAt); err != nil {
		return domain.User{}, notFound("user.get", err)
	}
	return u, nil
}

// GetByEmail loads a user by email.
func (r *UserRepo) GetByEmail(ctx domain.Context, email string) (domain.User, error) {
	q := `SELECT id, email, created_at FROM users WHERE email=$1`
	var u domain.User
	if err := r.DB.QueryRow(ctx, q, email).Scan(&u.ID, &u.Email, &u.CreatedAt); err != nil {
		return domain.User{}, notFound("user.get_by_email", err)
	}
	return u, nil
}
