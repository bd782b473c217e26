package integration_test

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

const (
	mockClientID = "mock_client_id"
	mockKeyID    = "mock-key"

	// deniedCode makes the authorize endpoint report access_denied.
	deniedCode = "denied"
)

type mockUser struct {
	Subject       string
	Email         string
	EmailVerified bool
	Name          string
}

var mockUsers = map[string]mockUser{
	"google_ada": {
		Subject:       "g-ada",
		Email:         "ada@example.com",
		EmailVerified: true,
		Name:          "Ada Lovelace",
	},
	"facebook_ada": {
		Subject: "fb-ada",
		Email:   "ADA@Example.com",
		Name:    "Ada L.",
	},
	"google_bob": {
		Subject:       "g-bob",
		Email:         "bob@example.com",
		EmailVerified: true,
		Name:          "Bob",
	},
	"google_unverified": {
		Subject: "g-eve",
		Email:   "eve@example.com",
		Name:    "Eve",
	},
	"facebook_noemail": {
		Subject: "fb-anon",
		Name:    "No Email",
	},
}

// MockOAuthServer plays an OpenID Connect provider (discovery, JWKS, PKCE
// checking token endpoint) and a Graph-style profile endpoint.
type MockOAuthServer struct {
	server *httptest.Server
	key    *rsa.PrivateKey

	mu         sync.Mutex
	nextCode   string
	issued     int
	codes      map[string]string // issued code -> mock user key
	challenges map[string]string // issued code -> PKCE challenge
	exchanges  int
}

func NewMockOAuthServer() (*MockOAuthServer, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}

	m := &MockOAuthServer{
		key:        key,
		codes:      make(map[string]string),
		challenges: make(map[string]string),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", m.handleDiscovery)
	mux.HandleFunc("/jwks", m.handleJWKS)
	mux.HandleFunc("/authorize", m.handleAuthorize)
	mux.HandleFunc("/token", m.handleToken)
	mux.HandleFunc("/me", m.handleGraphMe)

	m.server = httptest.NewServer(mux)
	return m, nil
}

func (m *MockOAuthServer) URL() string {
	return m.server.URL
}

func (m *MockOAuthServer) Close() {
	m.server.Close()
}

// SetNextUser picks the account the next authorization signs in as.
func (m *MockOAuthServer) SetNextUser(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextCode = key
}

func (m *MockOAuthServer) Exchanges() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exchanges
}

func (m *MockOAuthServer) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                m.URL(),
		"authorization_endpoint":                m.URL() + "/authorize",
		"token_endpoint":                        m.URL() + "/token",
		"jwks_uri":                              m.URL() + "/jwks",
		"response_types_supported":              []string{"code"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
	})
}

func (m *MockOAuthServer) handleJWKS(w http.ResponseWriter, r *http.Request) {
	pub := m.key.PublicKey
	writeJSON(w, http.StatusOK, map[string]any{
		"keys": []map[string]string{{
			"kty": "RSA",
			"kid": mockKeyID,
			"use": "sig",
			"alg": "RS256",
			"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		}},
	})
}

func (m *MockOAuthServer) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	redirect, err := url.Parse(q.Get("redirect_uri"))
	if err != nil || redirect.Scheme == "" {
		http.Error(w, "invalid redirect_uri", http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	userKey := m.nextCode
	params := url.Values{"state": {q.Get("state")}}
	if userKey == deniedCode {
		params.Set("error", "access_denied")
		params.Set("error_description", "The user denied the request")
	} else {
		m.issued++
		code := fmt.Sprintf("%s.%d", userKey, m.issued)
		m.codes[code] = userKey
		if challenge := q.Get("code_challenge"); challenge != "" {
			m.challenges[code] = challenge
		}
		params.Set("code", code)
	}
	m.mu.Unlock()

	redirect.RawQuery = params.Encode()
	http.Redirect(w, r, redirect.String(), http.StatusFound)
}

func (m *MockOAuthServer) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	if r.PostForm.Get("grant_type") != "authorization_code" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
		return
	}

	code := r.PostForm.Get("code")
	m.mu.Lock()
	m.exchanges++
	userKey, ok := m.codes[code]
	challenge := m.challenges[code]
	delete(m.codes, code)
	delete(m.challenges, code)
	m.mu.Unlock()

	user, known := mockUsers[userKey]
	if !ok || !known {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
		return
	}
	if challenge != "" && oauth2.S256ChallengeFromVerifier(r.PostForm.Get("code_verifier")) != challenge {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant", "error_description": "pkce mismatch"})
		return
	}

	idToken, err := m.signIDToken(user)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "server_error"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": "access_" + userKey,
		"token_type":   "Bearer",
		"expires_in":   3600,
		"id_token":     idToken,
	})
}

func (m *MockOAuthServer) signIDToken(user mockUser) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":            m.URL(),
		"aud":            mockClientID,
		"sub":            user.Subject,
		"iat":            now.Unix(),
		"exp":            now.Add(time.Hour).Unix(),
		"email":          user.Email,
		"email_verified": user.EmailVerified,
		"name":           user.Name,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = mockKeyID
	return token.SignedString(m.key)
}

func (m *MockOAuthServer) handleGraphMe(w http.ResponseWriter, r *http.Request) {
	userKey, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer access_")
	user, known := mockUsers[userKey]
	if !ok || !known {
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"error": map[string]string{"message": "Invalid OAuth access token"},
		})
		return
	}

	body := map[string]string{
		"id":   user.Subject,
		"name": user.Name,
	}
	if user.Email != "" {
		body["email"] = user.Email
	}
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
