package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultReconcileAttempts = 4
	defaultRetryInterval     = 10 * time.Millisecond
)

// IdentityService reconciles provider assertions with local users.
type IdentityService struct {
	repo          Repository
	logger        *zap.Logger
	metrics       *Metrics
	maxAttempts   uint
	retryInterval time.Duration
}

func NewIdentityService(repo Repository, logger *zap.Logger, metrics *Metrics) *IdentityService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IdentityService{
		repo:          repo,
		logger:        logger,
		metrics:       metrics,
		maxAttempts:   defaultReconcileAttempts,
		retryInterval: defaultRetryInterval,
	}
}

// Reconcile resolves the assertion to a user: by linked credential first, then
// by email (linking the credential), and otherwise by creating a new user.
// Store conflicts caused by concurrent sign-ins re-run the whole lookup.
func (s *IdentityService) Reconcile(ctx context.Context, assertion *IdpAssertion) (*User, error) {
	if err := validateAssertion(assertion); err != nil {
		provider := Provider("")
		if assertion != nil {
			provider = assertion.Provider
		}
		s.metrics.observe(provider, OutcomeRejected)
		s.logger.Warn("identity assertion rejected",
			zap.String("provider", string(provider)),
			zap.Error(err),
		)
		return nil, err
	}

	var outcome string
	operation := func() (*User, error) {
		user, result, err := s.reconcileOnce(ctx, assertion)
		if err == nil {
			outcome = result
			return user, nil
		}
		if errors.Is(err, ErrAlreadyExists) {
			s.metrics.conflict()
			s.logger.Info("store conflict during reconciliation, retrying lookup",
				zap.String("provider", string(assertion.Provider)),
				zap.String("provider_id", assertion.ProviderID),
				zap.Error(err),
			)
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retryInterval
	user, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(s.maxAttempts),
	)
	if err != nil {
		s.metrics.observe(assertion.Provider, OutcomeFailed)
		s.logger.Error("identity reconciliation failed",
			zap.String("provider", string(assertion.Provider)),
			zap.String("provider_id", assertion.ProviderID),
			zap.Error(err),
		)
		return nil, err
	}

	s.metrics.observe(assertion.Provider, outcome)
	s.logger.Info("identity reconciled",
		zap.String("provider", string(assertion.Provider)),
		zap.String("user_id", user.ID.String()),
		zap.String("outcome", outcome),
	)
	return user, nil
}

func validateAssertion(a *IdpAssertion) error {
	if a == nil {
		return fmt.Errorf("%w: missing assertion", ErrValidation)
	}
	// Email is the mandatory dedup channel; providers that cannot supply it
	// are rejected.
	if strings.TrimSpace(a.Email) == "" {
		return fmt.Errorf("%w: email is required from identity provider", ErrValidation)
	}
	if a.Provider == "" {
		return fmt.Errorf("%w: provider is required", ErrValidation)
	}
	if strings.TrimSpace(a.ProviderID) == "" {
		return fmt.Errorf("%w: provider id is required", ErrValidation)
	}
	return nil
}

func (s *IdentityService) reconcileOnce(ctx context.Context, a *IdpAssertion) (*User, string, error) {
	now := time.Now().UTC()

	// 1. Linked credential: the provider identity is authoritative, email drift
	// is ignored.
	user, err := s.repo.FindByCredential(ctx, a.Provider, a.ProviderID)
	if err == nil {
		user.LastLogin = now
		user.UpdatedAt = now
		if err := s.repo.SaveUser(ctx, user); err != nil {
			return nil, "", fmt.Errorf("failed to save returning user: %w", err)
		}
		return user, OutcomeReturning, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, "", fmt.Errorf("failed to find user by credential: %w", err)
	}

	// 2. Same email: merge the new credential into the existing account.
	email := NormalizeEmail(a.Email)
	user, err = s.repo.FindByEmail(ctx, email)
	if err == nil {
		if !user.HasCredential(a.Provider, a.ProviderID) {
			user.IdentityProviders = append(user.IdentityProviders, newCredential(a))
		}
		user.LastLogin = now
		user.UpdatedAt = now
		if err := s.repo.SaveUser(ctx, user); err != nil {
			return nil, "", fmt.Errorf("failed to link credential: %w", err)
		}
		return user, OutcomeLinked, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, "", fmt.Errorf("failed to find user by email: %w", err)
	}

	// 3. First sign-in ever.
	name := a.Name
	if strings.TrimSpace(name) == "" {
		name = a.Email
	}
	user = &User{
		ID:                uuid.New(),
		Email:             email,
		Name:              name,
		IdentityProviders: []LinkedCredential{newCredential(a)},
		LastLogin:         now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.repo.CreateUser(ctx, user); err != nil {
		return nil, "", fmt.Errorf("failed to create user: %w", err)
	}
	return user, OutcomeCreated, nil
}

func newCredential(a *IdpAssertion) LinkedCredential {
	return LinkedCredential{
		Provider:    a.Provider,
		ProviderID:  a.ProviderID,
		Email:       a.Email,
		ProfileData: a.ProfileData,
	}
}
