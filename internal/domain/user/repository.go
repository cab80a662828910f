package user

import (
	"context"
	"errors"
)

// ErrEmailTaken is returned by Create when the e-mail is already registered.
var ErrEmailTaken = errors.New("email already exists")

// Repository defines persistence operations for User aggregate.
type Repository interface {
	Create(ctx context.Context, u *User) error
	GetByID(ctx context.Context, id string) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
}
