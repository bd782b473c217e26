package core

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrAlreadyExists       = errors.New("already exists")
	ErrValidation          = errors.New("validation failed")
	ErrUnsupportedProvider = errors.New("unsupported provider")
)

// Repository is the credential store. Lookups return ErrNotFound when nothing
// matches; writes return ErrAlreadyExists on a uniqueness violation of either
// the email or a (provider, providerID) pair. Implementations normalize email
// with NormalizeEmail.
type Repository interface {
	FindByID(ctx context.Context, id uuid.UUID) (*User, error)

	FindByCredential(ctx context.Context, provider Provider, providerID string) (*User, error)

	FindByEmail(ctx context.Context, email string) (*User, error)

	CreateUser(ctx context.Context, user *User) error

	// SaveUser persists scalar fields and inserts credentials not yet stored.
	// Credentials are never removed.
	SaveUser(ctx context.Context, user *User) error
}
