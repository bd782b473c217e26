package storage

import (
	"context"
	"sync"
	"time"

	"idgate/core"

	"github.com/google/uuid"
)

type credentialKey struct {
	provider   core.Provider
	providerID string
}

// MemoryRepository keeps users in process memory with the same uniqueness
// guarantees as the SQL stores.
type MemoryRepository struct {
	mu           sync.RWMutex
	usersByID    map[uuid.UUID]*core.User
	usersByEmail map[string]uuid.UUID
	credentials  map[credentialKey]uuid.UUID
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		usersByID:    make(map[uuid.UUID]*core.User),
		usersByEmail: make(map[string]uuid.UUID),
		credentials:  make(map[credentialKey]uuid.UUID),
	}
}

func (m *MemoryRepository) FindByID(ctx context.Context, id uuid.UUID) (*core.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	user, ok := m.usersByID[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	return user.Clone(), nil
}

func (m *MemoryRepository) FindByCredential(ctx context.Context, provider core.Provider, providerID string) (*core.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.credentials[credentialKey{provider, providerID}]
	if !ok {
		return nil, core.ErrNotFound
	}
	return m.usersByID[id].Clone(), nil
}

func (m *MemoryRepository) FindByEmail(ctx context.Context, email string) (*core.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.usersByEmail[core.NormalizeEmail(email)]
	if !ok {
		return nil, core.ErrNotFound
	}
	return m.usersByID[id].Clone(), nil
}

func (m *MemoryRepository) CreateUser(ctx context.Context, user *core.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	email := core.NormalizeEmail(user.Email)
	if email == "" {
		return core.ErrValidation
	}
	if _, exists := m.usersByID[user.ID]; exists {
		return core.ErrAlreadyExists
	}
	if _, exists := m.usersByEmail[email]; exists {
		return core.ErrAlreadyExists
	}
	seen := make(map[credentialKey]struct{}, len(user.IdentityProviders))
	for _, cred := range user.IdentityProviders {
		key := credentialKey{cred.Provider, cred.ProviderID}
		if _, exists := m.credentials[key]; exists {
			return core.ErrAlreadyExists
		}
		if _, dup := seen[key]; dup {
			return core.ErrAlreadyExists
		}
		seen[key] = struct{}{}
	}

	stored := user.Clone()
	stored.Email = email
	m.usersByID[stored.ID] = stored
	m.usersByEmail[email] = stored.ID
	for key := range seen {
		m.credentials[key] = stored.ID
	}
	user.Email = email
	return nil
}

func (m *MemoryRepository) SaveUser(ctx context.Context, user *core.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.usersByID[user.ID]
	if !ok {
		return core.ErrNotFound
	}

	email := core.NormalizeEmail(user.Email)
	if email == "" {
		return core.ErrValidation
	}
	if owner, exists := m.usersByEmail[email]; exists && owner != user.ID {
		return core.ErrAlreadyExists
	}

	var added []core.LinkedCredential
	seen := make(map[credentialKey]struct{})
	for _, cred := range user.IdentityProviders {
		key := credentialKey{cred.Provider, cred.ProviderID}
		owner, exists := m.credentials[key]
		if exists && owner != user.ID {
			return core.ErrAlreadyExists
		}
		if _, dup := seen[key]; !exists && !dup {
			added = append(added, cred)
		}
		seen[key] = struct{}{}
	}

	updated := stored.Clone()
	if updated.Email != email {
		delete(m.usersByEmail, updated.Email)
		m.usersByEmail[email] = user.ID
	}
	updated.Email = email
	updated.Name = user.Name
	updated.LastLogin = user.LastLogin
	updated.UpdatedAt = user.UpdatedAt
	if updated.UpdatedAt.IsZero() {
		updated.UpdatedAt = time.Now().UTC()
	}
	for _, cred := range added {
		updated.IdentityProviders = append(updated.IdentityProviders, cred)
		m.credentials[credentialKey{cred.Provider, cred.ProviderID}] = user.ID
	}
	m.usersByID[user.ID] = updated.Clone()
	user.Email = email
	return nil
}

// Len returns the number of stored users.
func (m *MemoryRepository) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.usersByID)
}

// Delete removes a user and its links. Only administrative tooling and tests
// delete users.
func (m *MemoryRepository) Delete(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.usersByID[id]
	if !ok {
		return
	}
	delete(m.usersByEmail, user.Email)
	for _, cred := range user.IdentityProviders {
		delete(m.credentials, credentialKey{cred.Provider, cred.ProviderID})
	}
	delete(m.usersByID, id)
}
