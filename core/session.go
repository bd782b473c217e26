package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Session references a user by id only. The profile is re-read per request.
type Session struct {
	ID        string    `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SessionStore persists sessions. Get returns ErrNotFound for unknown or
// expired sessions; Delete of an unknown session is not an error.
type SessionStore interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	Delete(ctx context.Context, id string) error
}

// PrincipalAdapter maps reconciled users to session references and back.
type PrincipalAdapter struct {
	repo     Repository
	sessions SessionStore
	duration time.Duration
	logger   *zap.Logger
}

func NewPrincipalAdapter(repo Repository, sessions SessionStore, duration time.Duration, logger *zap.Logger) *PrincipalAdapter {
	if duration <= 0 {
		duration = DefaultSessionDuration
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PrincipalAdapter{
		repo:     repo,
		sessions: sessions,
		duration: duration,
		logger:   logger,
	}
}

func (a *PrincipalAdapter) Serialize(ctx context.Context, user *User) (*Session, error) {
	id, err := RandomToken(32)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	session := &Session{
		ID:        id,
		UserID:    user.ID,
		CreatedAt: now,
		ExpiresAt: now.Add(a.duration),
	}
	if err := a.sessions.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return session, nil
}

// Deserialize resolves the session to a live user. ErrNotFound means the
// request is unauthenticated.
func (a *PrincipalAdapter) Deserialize(ctx context.Context, sessionID string) (*User, error) {
	if sessionID == "" {
		return nil, ErrNotFound
	}

	session, err := a.sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	user, err := a.repo.FindByID(ctx, session.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			a.logger.Info("session references a vanished user",
				zap.String("user_id", session.UserID.String()),
			)
			if err := a.sessions.Delete(ctx, sessionID); err != nil {
				a.logger.Warn("failed to delete orphaned session", zap.Error(err))
			}
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load session user: %w", err)
	}
	return user, nil
}

func (a *PrincipalAdapter) Revoke(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	if err := a.sessions.Delete(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}
