package storage

import (
	"context"
	"sync"
	"time"

	"idgate/core"
)

// MemorySessionStore keeps sessions in process memory. Expired entries are
// dropped lazily on read.
type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]core.Session
	now      func() time.Time
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[string]core.Session),
		now:      time.Now,
	}
}

func (m *MemorySessionStore) Create(ctx context.Context, s *core.Session) error {
	if s.ID == "" {
		return core.ErrValidation
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[s.ID]; exists {
		return core.ErrAlreadyExists
	}
	m.sessions[s.ID] = *s
	return nil
}

func (m *MemorySessionStore) Get(ctx context.Context, id string) (*core.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	if !m.now().Before(s.ExpiresAt) {
		delete(m.sessions, id)
		return nil, core.ErrNotFound
	}
	return &s, nil
}

func (m *MemorySessionStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

// Len returns the number of stored sessions, expired ones included.
func (m *MemorySessionStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
