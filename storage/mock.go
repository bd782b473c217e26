package storage

import (
	"context"
	"sync"
	"time"

	"idgate/core"

	"github.com/google/uuid"
)

var (
	User1 = &core.User{
		ID:        uuid.MustParse("11111111-1111-1111-1111-111111111111"),
		Email:     "user1@mock.test",
		Name:      "Mock User One",
		LastLogin: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		UpdatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		IdentityProviders: []core.LinkedCredential{
			{
				Provider:   core.ProviderMock,
				ProviderID: "mock_user_1",
				Email:      "user1@mock.test",
			},
		},
	}

	User2 = &core.User{
		ID:        uuid.MustParse("22222222-2222-2222-2222-222222222222"),
		Email:     "user2@mock.test",
		Name:      "Mock User Two",
		LastLogin: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC),
		CreatedAt: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC),
		UpdatedAt: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC),
		IdentityProviders: []core.LinkedCredential{
			{
				Provider:    core.ProviderGoogle,
				ProviderID:  "google_user_2",
				Email:       "user2@mock.test",
				ProfileData: core.ProfileData{"locale": "en"},
			},
			{
				Provider:   core.ProviderFacebook,
				ProviderID: "facebook_user_2",
				Email:      "user2.fb@mock.test",
			},
		},
	}

	User3 = &core.User{
		ID:        uuid.MustParse("33333333-3333-3333-3333-333333333333"),
		Email:     "user3@mock.test",
		Name:      "Mock User Three",
		LastLogin: time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC),
		CreatedAt: time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC),
		UpdatedAt: time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC),
		IdentityProviders: []core.LinkedCredential{
			{
				Provider:   core.ProviderApple,
				ProviderID: "apple_user_3",
				Email:      "relay@privaterelay.appleid.com",
			},
		},
	}

	AllUsers = []*core.User{User1, User2, User3}
)

// MockRepository is a MemoryRepository seeded with fixtures that counts calls
// and lets tests interfere with writes.
type MockRepository struct {
	*MemoryRepository

	mu sync.Mutex

	// Track method calls for verification
	FindByIDCalls         int
	FindByCredentialCalls int
	FindByEmailCalls      int
	CreateUserCalls       int
	SaveUserCalls         int

	// BeforeCreate runs ahead of every CreateUser, e.g. to play a concurrent
	// sign-in that wins the race.
	BeforeCreate func(ctx context.Context, user *core.User)

	// Err, when set, fails every call.
	Err error
}

func NewMockRepository() *MockRepository {
	repo := &MockRepository{MemoryRepository: NewMemoryRepository()}
	for _, user := range AllUsers {
		if err := repo.MemoryRepository.CreateUser(context.Background(), user.Clone()); err != nil {
			panic(err)
		}
	}
	return repo
}

func (m *MockRepository) record(counter *int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	*counter++
	return m.Err
}

func (m *MockRepository) FindByID(ctx context.Context, id uuid.UUID) (*core.User, error) {
	if err := m.record(&m.FindByIDCalls); err != nil {
		return nil, err
	}
	return m.MemoryRepository.FindByID(ctx, id)
}

func (m *MockRepository) FindByCredential(ctx context.Context, provider core.Provider, providerID string) (*core.User, error) {
	if err := m.record(&m.FindByCredentialCalls); err != nil {
		return nil, err
	}
	return m.MemoryRepository.FindByCredential(ctx, provider, providerID)
}

func (m *MockRepository) FindByEmail(ctx context.Context, email string) (*core.User, error) {
	if err := m.record(&m.FindByEmailCalls); err != nil {
		return nil, err
	}
	return m.MemoryRepository.FindByEmail(ctx, email)
}

func (m *MockRepository) CreateUser(ctx context.Context, user *core.User) error {
	if err := m.record(&m.CreateUserCalls); err != nil {
		return err
	}
	if m.BeforeCreate != nil {
		m.BeforeCreate(ctx, user)
	}
	return m.MemoryRepository.CreateUser(ctx, user)
}

func (m *MockRepository) SaveUser(ctx context.Context, user *core.User) error {
	if err := m.record(&m.SaveUserCalls); err != nil {
		return err
	}
	return m.MemoryRepository.SaveUser(ctx, user)
}

// Writes returns the number of CreateUser and SaveUser calls.
func (m *MockRepository) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CreateUserCalls + m.SaveUserCalls
}
