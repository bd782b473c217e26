package core_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"idgate/core"
	"idgate/core/providers"
	"idgate/storage"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const flowCookie = "idgate_oauth_flow"

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	router   *gin.Engine
	config   *core.Config
	repo     *storage.MockRepository
	sessions *storage.MemorySessionStore
	provider *providers.MockProvider
	tokens   *core.TokenService
	registry *prometheus.Registry
}

func setupTestServer(t *testing.T) *testEnv {
	t.Helper()

	config := &core.Config{
		JWT:     core.JWTConfig{Secret: "test-secret-key-for-testing-purposes-only"},
		Session: core.SessionConfig{Secret: "test-session-secret"},
	}
	config.ApplyDefaults()
	require.NoError(t, config.Validate())

	logger := zaptest.NewLogger(t)
	repo := storage.NewMockRepository()
	sessions := storage.NewMemorySessionStore()
	provider := providers.NewMockProvider()
	registry := prometheus.NewRegistry()

	crypto, err := core.NewCryptoService(config.Session.Secret)
	require.NoError(t, err)

	tokens := core.NewTokenService(&config.JWT)
	server := core.NewServer(
		config,
		core.NewProviderRegistry(provider),
		core.NewIdentityService(repo, logger, core.NewMetrics(registry)),
		core.NewPrincipalAdapter(repo, sessions, config.Session.Duration, logger),
		tokens,
		crypto,
		logger,
	)

	return &testEnv{
		router:   server.Router(registry),
		config:   config,
		repo:     repo,
		sessions: sessions,
		provider: provider,
		tokens:   tokens,
		registry: registry,
	}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func findCookie(w *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range w.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// startFlow begins a login and returns the flow cookie and state.
func (e *testEnv) startFlow(t *testing.T) (*http.Cookie, string) {
	t.Helper()

	w := e.do(httptest.NewRequest(http.MethodGet, "/auth/mock", nil))
	require.Equal(t, http.StatusFound, w.Code)

	location, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	state := location.Query().Get("state")
	require.NotEmpty(t, state)

	cookie := findCookie(w, flowCookie)
	require.NotNil(t, cookie)
	return cookie, state
}

// login runs the whole browser flow for code and returns the session cookie.
func (e *testEnv) login(t *testing.T, code string) *http.Cookie {
	t.Helper()

	flow, state := e.startFlow(t)
	req := httptest.NewRequest(http.MethodGet, "/auth/mock/callback?"+url.Values{
		"code":  {code},
		"state": {state},
	}.Encode(), nil)
	req.AddCookie(flow)

	w := e.do(req)
	require.Equal(t, http.StatusFound, w.Code)
	require.Equal(t, e.config.Server.WelcomePath, w.Header().Get("Location"))

	session := findCookie(w, e.config.Session.CookieName)
	require.NotNil(t, session)
	require.NotEmpty(t, session.Value)
	return session
}

func (e *testEnv) currentUser(t *testing.T, session *http.Cookie) (*core.User, int) {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, "/api/user", nil)
	if session != nil {
		req.AddCookie(session)
	}
	w := e.do(req)
	if w.Code != http.StatusOK {
		return nil, w.Code
	}
	var user core.User
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &user))
	return &user, w.Code
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestHandleHealth(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "http://localhost:3000", body["publicBaseUrl"])
}

func TestLoginStart_RedirectsToProvider(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(httptest.NewRequest(http.MethodGet, "/auth/mock", nil))

	require.Equal(t, http.StatusFound, w.Code)
	location, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "idp.mock.test", location.Host)
	assert.Equal(t, "mock", location.Query().Get("provider"))

	cookie := findCookie(w, flowCookie)
	require.NotNil(t, cookie)
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, "/auth/", cookie.Path)
	assert.NotContains(t, cookie.Value, location.Query().Get("state"), "flow cookie must be sealed")
	assert.Equal(t, 1, env.provider.AuthCodeURLCalls)
}

func TestLoginStart_UnknownProvider(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(httptest.NewRequest(http.MethodGet, "/auth/myspace", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "invalid_provider", decodeBody(t, w)["error"])
	assert.Nil(t, findCookie(w, flowCookie))
}

func TestCallback_ReturningUser(t *testing.T) {
	env := setupTestServer(t)

	session := env.login(t, providers.ValidCode1)

	user, code := env.currentUser(t, session)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, storage.User1.ID, user.ID)
	assert.Equal(t, storage.User1.Email, user.Email)
	assert.Len(t, user.IdentityProviders, 1)
	assert.True(t, user.LastLogin.After(storage.User1.LastLogin))
	assert.Equal(t, 0, env.repo.CreateUserCalls)
}

func TestCallback_LinksCredentialByEmail(t *testing.T) {
	env := setupTestServer(t)

	session := env.login(t, providers.ValidCode2)

	user, code := env.currentUser(t, session)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, storage.User1.ID, user.ID)
	require.Len(t, user.IdentityProviders, 2)
	assert.Equal(t, "mock_user_1", user.IdentityProviders[0].ProviderID)
	assert.Equal(t, "mock_user_2", user.IdentityProviders[1].ProviderID)
	assert.Equal(t, 3, env.repo.Len())
}

func TestCallback_CreatesUser(t *testing.T) {
	env := setupTestServer(t)

	session := env.login(t, providers.ValidCode3)

	user, code := env.currentUser(t, session)
	require.Equal(t, http.StatusOK, code)
	for _, fixture := range storage.AllUsers {
		assert.NotEqual(t, fixture.ID, user.ID)
	}
	assert.Equal(t, "new3@mock.test", user.Email)
	assert.Equal(t, "Mock User Three", user.Name)
	require.Len(t, user.IdentityProviders, 1)
	assert.Equal(t, "mock_user_3", user.IdentityProviders[0].ProviderID)
	assert.Equal(t, 4, env.repo.Len())
	assert.Equal(t, 1, env.repo.CreateUserCalls)
	assert.Equal(t, 0, env.repo.SaveUserCalls)
}

func TestCallback_FormPost(t *testing.T) {
	env := setupTestServer(t)
	flow, state := env.startFlow(t)

	form := url.Values{
		"code":  {providers.ValidCode3},
		"state": {state},
		"user":  {`{"name":{"firstName":"Ann","lastName":"Lee"}}`},
	}
	req := httptest.NewRequest(http.MethodPost, "/auth/mock/callback", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.AddCookie(flow)

	w := env.do(req)

	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, env.config.Server.WelcomePath, w.Header().Get("Location"))
	require.NotNil(t, env.provider.LastRequest)
	assert.Equal(t, form.Get("user"), env.provider.LastRequest.User)
	assert.Equal(t, 4, env.repo.Len())
}

func TestCallback_FailuresRedirectToLogin(t *testing.T) {
	tests := []struct {
		name       string
		query      func(state string) url.Values
		sendCookie bool
		authCalls  int
	}{
		{
			name:       "missing email",
			query:      func(state string) url.Values { return url.Values{"code": {providers.NoEmailCode}, "state": {state}} },
			sendCookie: true,
			authCalls:  1,
		},
		{
			name:       "unknown code",
			query:      func(state string) url.Values { return url.Values{"code": {"bogus"}, "state": {state}} },
			sendCookie: true,
			authCalls:  1,
		},
		{
			name:       "state mismatch",
			query:      func(string) url.Values { return url.Values{"code": {providers.ValidCode1}, "state": {"forged"}} },
			sendCookie: true,
		},
		{
			name:  "missing flow cookie",
			query: func(state string) url.Values { return url.Values{"code": {providers.ValidCode1}, "state": {state}} },
		},
		{
			name: "provider error",
			query: func(state string) url.Values {
				return url.Values{"error": {"access_denied"}, "state": {state}}
			},
			sendCookie: true,
		},
		{
			name:       "missing code",
			query:      func(state string) url.Values { return url.Values{"state": {state}} },
			sendCookie: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestServer(t)
			flow, state := env.startFlow(t)

			req := httptest.NewRequest(http.MethodGet, "/auth/mock/callback?"+tt.query(state).Encode(), nil)
			if tt.sendCookie {
				req.AddCookie(flow)
			}
			w := env.do(req)

			assert.Equal(t, http.StatusFound, w.Code)
			assert.Equal(t, env.config.Server.LoginPath, w.Header().Get("Location"))
			assert.Nil(t, findCookie(w, env.config.Session.CookieName))
			assert.Equal(t, tt.authCalls, env.provider.AuthenticateCalls)
			assert.Equal(t, 0, env.repo.Writes())
			assert.Equal(t, 0, env.sessions.Len())
		})
	}
}

func TestCallback_FlowCookieIsSingleUse(t *testing.T) {
	env := setupTestServer(t)
	flow, state := env.startFlow(t)

	target := "/auth/mock/callback?" + url.Values{"code": {providers.ValidCode1}, "state": {state}}.Encode()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.AddCookie(flow)
	w := env.do(req)
	require.Equal(t, env.config.Server.WelcomePath, w.Header().Get("Location"))

	cleared := findCookie(w, flowCookie)
	require.NotNil(t, cleared)
	assert.Empty(t, cleared.Value)
	assert.Negative(t, cleared.MaxAge)
}

func TestCallback_UnknownProvider(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(httptest.NewRequest(http.MethodGet, "/auth/myspace/callback?code=x", nil))

	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, env.config.Server.LoginPath, w.Header().Get("Location"))
}

func TestCurrentUser_Unauthenticated(t *testing.T) {
	env := setupTestServer(t)

	for _, path := range []string{"/api/user", "/auth/user"} {
		w := env.do(httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)
		assert.Equal(t, map[string]any{
			"error":   "not_authenticated",
			"message": "Not authenticated",
		}, decodeBody(t, w), path)
	}
}

func TestCurrentUser_UnknownSessionCookie(t *testing.T) {
	env := setupTestServer(t)

	_, code := env.currentUser(t, &http.Cookie{Name: env.config.Session.CookieName, Value: "nope"})

	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestCurrentUser_VanishedUserDropsSession(t *testing.T) {
	env := setupTestServer(t)
	session := env.login(t, providers.ValidCode3)
	user, _ := env.currentUser(t, session)
	require.NotNil(t, user)

	env.repo.Delete(user.ID)

	_, code := env.currentUser(t, session)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, 0, env.sessions.Len())
}

func TestHandleLogout(t *testing.T) {
	env := setupTestServer(t)
	session := env.login(t, providers.ValidCode1)

	req := httptest.NewRequest(http.MethodPost, "/api/logout", nil)
	req.AddCookie(session)
	w := env.do(req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decodeBody(t, w)["success"])
	cleared := findCookie(w, env.config.Session.CookieName)
	require.NotNil(t, cleared)
	assert.Empty(t, cleared.Value)

	_, code := env.currentUser(t, session)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, 0, env.sessions.Len())
}

func TestHandleLogout_WithoutSession(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(httptest.NewRequest(http.MethodPost, "/auth/logout", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decodeBody(t, w)["success"])
}

func TestHandleToken(t *testing.T) {
	env := setupTestServer(t)
	session := env.login(t, providers.ValidCode1)

	req := httptest.NewRequest(http.MethodGet, "/api/token", nil)
	req.AddCookie(session)
	w := env.do(req)

	require.Equal(t, http.StatusOK, w.Code)
	token, _ := decodeBody(t, w)["token"].(string)
	require.NotEmpty(t, token)

	claims, err := env.tokens.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, storage.User1.ID.String(), claims.Subject)
	assert.Equal(t, storage.User1.ID.String(), claims.UserID)
	assert.Equal(t, storage.User1.Email, claims.Email)
	assert.Equal(t, core.TokenIssuer, claims.Issuer)
	assert.WithinDuration(t, time.Now().Add(core.DefaultTokenDuration), claims.ExpiresAt.Time, time.Minute)
}

func TestHandleToken_Unauthenticated(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(httptest.NewRequest(http.MethodGet, "/api/token", nil))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "not_authenticated", decodeBody(t, w)["error"])
}

func TestHandleWhoAmI(t *testing.T) {
	env := setupTestServer(t)
	token, err := env.tokens.Issue(storage.User2)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := env.do(req)

	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, storage.User2.ID.String(), body["sub"])
	assert.Equal(t, storage.User2.Email, body["email"])
	assert.Equal(t, core.TokenIssuer, body["iss"])
}

func TestHandleWhoAmI_Rejected(t *testing.T) {
	env := setupTestServer(t)
	foreign := core.NewTokenService(&core.JWTConfig{Secret: "another-secret"})
	forged, err := foreign.Issue(storage.User1)
	require.NoError(t, err)

	headers := map[string]string{
		"missing":      "",
		"malformed":    "Token abc",
		"garbage":      "Bearer not-a-jwt",
		"wrong secret": "Bearer " + forged,
	}
	for name, header := range headers {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/whoami", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			w := env.do(req)

			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Equal(t, "invalid_token", decodeBody(t, w)["error"])
		})
	}
}

func TestUnknownAPIRoute(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(httptest.NewRequest(http.MethodGet, "/api/nothing-here", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, map[string]any{
		"error":   "not_found",
		"message": "API endpoint not found",
	}, decodeBody(t, w))
}

func TestMetricsEndpoint(t *testing.T) {
	env := setupTestServer(t)
	env.login(t, providers.ValidCode3)

	w := env.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `idgate_reconcile_total{outcome="created",provider="mock"} 1`)
	assert.NotContains(t, w.Body.String(), `outcome="linked"`)
}
