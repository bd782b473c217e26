package core_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"idgate/core"
	"idgate/storage"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newIdentityService(t *testing.T, repo core.Repository) *core.IdentityService {
	t.Helper()
	return core.NewIdentityService(repo, zaptest.NewLogger(t), nil)
}

func googleAssertion(id, email string) *core.IdpAssertion {
	return &core.IdpAssertion{
		Provider:    core.ProviderGoogle,
		ProviderID:  id,
		Email:       email,
		Name:        "Ada Lovelace",
		ProfileData: core.ProfileData{"picture": "https://example.test/ada.png"},
	}
}

func TestReconcile_FirstSignInCreatesUser(t *testing.T) {
	repo := storage.NewMemoryRepository()
	svc := newIdentityService(t, repo)

	user, err := svc.Reconcile(context.Background(), googleAssertion("g1", " Ada@Example.COM "))

	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, user.ID)
	assert.Equal(t, "ada@example.com", user.Email)
	assert.Equal(t, "Ada Lovelace", user.Name)
	require.Len(t, user.IdentityProviders, 1)
	assert.Equal(t, core.ProviderGoogle, user.IdentityProviders[0].Provider)
	assert.Equal(t, "g1", user.IdentityProviders[0].ProviderID)
	assert.Equal(t, "https://example.test/ada.png", user.IdentityProviders[0].ProfileData["picture"])
	assert.False(t, user.CreatedAt.IsZero())
	assert.Equal(t, user.CreatedAt, user.LastLogin)

	stored, err := repo.FindByCredential(context.Background(), core.ProviderGoogle, "g1")
	require.NoError(t, err)
	assert.Equal(t, user.ID, stored.ID)
	assert.Equal(t, 1, repo.Len())
}

func TestReconcile_NameDefaultsToEmail(t *testing.T) {
	svc := newIdentityService(t, storage.NewMemoryRepository())
	assertion := googleAssertion("g1", "ada@example.com")
	assertion.Name = ""

	user, err := svc.Reconcile(context.Background(), assertion)

	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", user.Name)
}

func TestReconcile_ReturningUserIgnoresEmailDrift(t *testing.T) {
	repo := storage.NewMemoryRepository()
	svc := newIdentityService(t, repo)
	ctx := context.Background()

	first, err := svc.Reconcile(ctx, googleAssertion("g1", "a@x.com"))
	require.NoError(t, err)

	second, err := svc.Reconcile(ctx, googleAssertion("g1", "b@y.com"))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "a@x.com", second.Email)
	assert.Len(t, second.IdentityProviders, 1)
	assert.False(t, second.LastLogin.Before(first.LastLogin))
	assert.Equal(t, first.CreatedAt, second.CreatedAt)

	_, err = repo.FindByEmail(ctx, "b@y.com")
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.Equal(t, 1, repo.Len())
}

func TestReconcile_LinksNewProviderByEmail(t *testing.T) {
	repo := storage.NewMemoryRepository()
	svc := newIdentityService(t, repo)
	ctx := context.Background()

	first, err := svc.Reconcile(ctx, googleAssertion("g1", "a@x.com"))
	require.NoError(t, err)

	second, err := svc.Reconcile(ctx, &core.IdpAssertion{
		Provider:   core.ProviderFacebook,
		ProviderID: "f1",
		Email:      "A@X.com",
		Name:       "Ada L.",
	})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	require.Len(t, second.IdentityProviders, 2)
	assert.Equal(t, core.ProviderGoogle, second.IdentityProviders[0].Provider)
	assert.Equal(t, core.ProviderFacebook, second.IdentityProviders[1].Provider)
	assert.Equal(t, "f1", second.IdentityProviders[1].ProviderID)
	assert.Equal(t, 1, repo.Len())

	viaFacebook, err := repo.FindByCredential(ctx, core.ProviderFacebook, "f1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, viaFacebook.ID)
}

func TestReconcile_IsIdempotent(t *testing.T) {
	repo := storage.NewMemoryRepository()
	svc := newIdentityService(t, repo)
	ctx := context.Background()

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		user, err := svc.Reconcile(ctx, googleAssertion("g1", "a@x.com"))
		require.NoError(t, err)
		assert.Len(t, user.IdentityProviders, 1)
		ids = append(ids, user.ID)
	}

	assert.Equal(t, ids[0], ids[1])
	assert.Equal(t, ids[0], ids[2])
	assert.Equal(t, 1, repo.Len())
}

func TestReconcile_RejectsInvalidAssertions(t *testing.T) {
	tests := []struct {
		name      string
		assertion *core.IdpAssertion
	}{
		{"nil", nil},
		{"missing email", &core.IdpAssertion{Provider: core.ProviderFacebook, ProviderID: "f1"}},
		{"blank email", &core.IdpAssertion{Provider: core.ProviderFacebook, ProviderID: "f1", Email: "   "}},
		{"missing provider", &core.IdpAssertion{ProviderID: "x", Email: "a@x.com"}},
		{"missing provider id", &core.IdpAssertion{Provider: core.ProviderGoogle, Email: "a@x.com"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := storage.NewMockRepository()
			svc := newIdentityService(t, repo)

			user, err := svc.Reconcile(context.Background(), tt.assertion)

			assert.Nil(t, user)
			assert.ErrorIs(t, err, core.ErrValidation)
			assert.Equal(t, 0, repo.FindByCredentialCalls+repo.FindByEmailCalls)
			assert.Equal(t, 0, repo.Writes())
			assert.Equal(t, len(storage.AllUsers), repo.Len())
		})
	}
}

func TestReconcile_MissingEmailMessage(t *testing.T) {
	svc := newIdentityService(t, storage.NewMemoryRepository())

	_, err := svc.Reconcile(context.Background(), &core.IdpAssertion{Provider: core.ProviderFacebook, ProviderID: "f1"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "email is required from identity provider")
}

func TestReconcile_StoreFailureIsNotRetried(t *testing.T) {
	repo := storage.NewMockRepository()
	repo.Err = errors.New("connection refused")
	svc := newIdentityService(t, repo)

	_, err := svc.Reconcile(context.Background(), googleAssertion("g1", "a@x.com"))

	require.Error(t, err)
	assert.ErrorIs(t, err, repo.Err)
	assert.Equal(t, 1, repo.FindByCredentialCalls)
}

func TestReconcile_RecoversFromLostCreateRace(t *testing.T) {
	repo := storage.NewMockRepository()
	registry := prometheus.NewRegistry()
	svc := core.NewIdentityService(repo, zaptest.NewLogger(t), core.NewMetrics(registry))

	winner := &core.User{
		ID:    uuid.New(),
		Email: "race@x.com",
		Name:  "Winner",
		IdentityProviders: []core.LinkedCredential{
			{Provider: core.ProviderGoogle, ProviderID: "g-winner", Email: "race@x.com"},
		},
	}
	var once sync.Once
	repo.BeforeCreate = func(ctx context.Context, _ *core.User) {
		once.Do(func() {
			require.NoError(t, repo.MemoryRepository.CreateUser(ctx, winner.Clone()))
		})
	}

	user, err := svc.Reconcile(context.Background(), &core.IdpAssertion{
		Provider:   core.ProviderFacebook,
		ProviderID: "f-loser",
		Email:      "race@x.com",
	})

	require.NoError(t, err)
	assert.Equal(t, winner.ID, user.ID)
	require.Len(t, user.IdentityProviders, 2)
	assert.Equal(t, "f-loser", user.IdentityProviders[1].ProviderID)
	assert.Equal(t, 1, repo.CreateUserCalls)
	assert.Equal(t, 2, repo.FindByCredentialCalls)

	expected := `
# HELP idgate_reconcile_conflicts_total Store uniqueness conflicts recovered by re-running the lookup.
# TYPE idgate_reconcile_conflicts_total counter
idgate_reconcile_conflicts_total 1
`
	assert.NoError(t, testutil.GatherAndCompare(registry, strings.NewReader(expected), "idgate_reconcile_conflicts_total"))
}

// conflictRepository never finds anything and always loses the create race.
type conflictRepository struct {
	mu      sync.Mutex
	creates int
}

func (r *conflictRepository) FindByID(context.Context, uuid.UUID) (*core.User, error) {
	return nil, core.ErrNotFound
}

func (r *conflictRepository) FindByCredential(context.Context, core.Provider, string) (*core.User, error) {
	return nil, core.ErrNotFound
}

func (r *conflictRepository) FindByEmail(context.Context, string) (*core.User, error) {
	return nil, core.ErrNotFound
}

func (r *conflictRepository) CreateUser(context.Context, *core.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.creates++
	return core.ErrAlreadyExists
}

func (r *conflictRepository) SaveUser(context.Context, *core.User) error {
	return core.ErrNotFound
}

func TestReconcile_GivesUpAfterRepeatedConflicts(t *testing.T) {
	repo := &conflictRepository{}
	svc := newIdentityService(t, repo)

	_, err := svc.Reconcile(context.Background(), googleAssertion("g1", "a@x.com"))

	assert.ErrorIs(t, err, core.ErrAlreadyExists)
	assert.Equal(t, 4, repo.creates)
}

func TestReconcile_ConcurrentFirstSignIns(t *testing.T) {
	repo := storage.NewMemoryRepository()
	svc := newIdentityService(t, repo)

	const workers = 8
	ids := make([]uuid.UUID, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user, err := svc.Reconcile(context.Background(), googleAssertion("g1", "a@x.com"))
			errs[i] = err
			if err == nil {
				ids[i] = user.ID
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
	assert.Equal(t, 1, repo.Len())
}

func TestReconcile_ConcurrentProvidersSameEmail(t *testing.T) {
	repo := storage.NewMemoryRepository()
	svc := newIdentityService(t, repo)

	assertions := []*core.IdpAssertion{
		googleAssertion("g1", "a@x.com"),
		{Provider: core.ProviderFacebook, ProviderID: "f1", Email: "A@x.com"},
		{Provider: core.ProviderApple, ProviderID: "ap1", Email: "a@X.com"},
	}

	var wg sync.WaitGroup
	errs := make([]error, len(assertions))
	for i, a := range assertions {
		wg.Add(1)
		go func(i int, a *core.IdpAssertion) {
			defer wg.Done()
			_, errs[i] = svc.Reconcile(context.Background(), a)
		}(i, a)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, 1, repo.Len())

	user, err := repo.FindByEmail(context.Background(), "a@x.com")
	require.NoError(t, err)
	assert.Len(t, user.IdentityProviders, 3)
	for _, a := range assertions {
		assert.True(t, user.HasCredential(a.Provider, a.ProviderID), a.Provider)
	}
}
