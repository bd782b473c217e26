package providers

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"idgate/core"
)

const (
	appleIssuer       = "https://appleid.apple.com"
	appleClientSecret = 5 * time.Minute
)

type AppleConfig struct {
	ClientID       string   `yaml:"client_id" env:"CLIENT_ID"`
	TeamID         string   `yaml:"team_id" env:"TEAM_ID"`
	KeyID          string   `yaml:"key_id" env:"KEY_ID"`
	PrivateKeyPath string   `yaml:"private_key_path" env:"PRIVATE_KEY_PATH"`
	PrivateKey     string   `yaml:"private_key" env:"PRIVATE_KEY"` // PEM, takes precedence over the path
	CallbackPath   string   `yaml:"callback_path" env:"CALLBACK_PATH"`
	RedirectURL    string   `yaml:"redirect_url" env:"REDIRECT_URL"`
	Scopes         []string `yaml:"scope" env:"SCOPE"`
	AuthURL        string   `yaml:"auth_url" env:"AUTH_URL"`
	TokenURL       string   `yaml:"token_url" env:"TOKEN_URL"`
	KeysURL        string   `yaml:"keys_url" env:"KEYS_URL"`
}

type AppleProvider struct {
	oauthConfig *oauth2.Config
	verifier    *oidc.IDTokenVerifier
	teamID      string
	keyID       string
	privateKey  *ecdsa.PrivateKey
	now         func() time.Time
}

// NewAppleProvider loads the Sign in with Apple key. Apple's signing keys are
// fetched lazily on first verification.
func NewAppleProvider(ctx context.Context, config *AppleConfig) (*AppleProvider, error) {
	if config.ClientID == "" || config.TeamID == "" || config.KeyID == "" || config.RedirectURL == "" {
		return nil, errors.New("apple oauth config missing required fields")
	}

	pemData := []byte(config.PrivateKey)
	if len(pemData) == 0 {
		data, err := os.ReadFile(config.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read apple private key: %w", err)
		}
		pemData = data
	}
	privateKey, err := jwt.ParseECPrivateKeyFromPEM(pemData)
	if err != nil {
		return nil, fmt.Errorf("failed to parse apple private key: %w", err)
	}

	keysURL := config.KeysURL
	if keysURL == "" {
		keysURL = appleIssuer + "/auth/keys"
	}
	keySet := oidc.NewRemoteKeySet(ctx, keysURL)
	verifier := oidc.NewVerifier(appleIssuer, keySet, &oidc.Config{ClientID: config.ClientID})

	return newAppleProvider(config, privateKey, verifier), nil
}

func newAppleProvider(config *AppleConfig, privateKey *ecdsa.PrivateKey, verifier *oidc.IDTokenVerifier) *AppleProvider {
	endpoint := oauth2.Endpoint{
		AuthURL:   appleIssuer + "/auth/authorize",
		TokenURL:  appleIssuer + "/auth/token",
		AuthStyle: oauth2.AuthStyleInParams,
	}
	if config.AuthURL != "" {
		endpoint.AuthURL = config.AuthURL
	}
	if config.TokenURL != "" {
		endpoint.TokenURL = config.TokenURL
	}

	scopes := config.Scopes
	if len(scopes) == 0 {
		scopes = []string{"name", "email"}
	}

	return &AppleProvider{
		oauthConfig: &oauth2.Config{
			ClientID:    config.ClientID,
			RedirectURL: config.RedirectURL,
			Endpoint:    endpoint,
			Scopes:      scopes,
		},
		verifier:   verifier,
		teamID:     config.TeamID,
		keyID:      config.KeyID,
		privateKey: privateKey,
		now:        time.Now,
	}
}

// AuthCodeURL asks for form_post, which Apple requires whenever name or email
// scopes are requested. The PKCE verifier is not used.
func (a *AppleProvider) AuthCodeURL(state, _ string) string {
	return a.oauthConfig.AuthCodeURL(state, oauth2.SetAuthURLParam("response_mode", "form_post"))
}

// clientSecret signs the short-lived ES256 client assertion Apple expects in
// place of a static client secret.
func (a *AppleProvider) clientSecret() (string, error) {
	now := a.now()
	claims := jwt.RegisteredClaims{
		Issuer:    a.teamID,
		Subject:   a.oauthConfig.ClientID,
		Audience:  jwt.ClaimStrings{appleIssuer},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(appleClientSecret)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = a.keyID
	return token.SignedString(a.privateKey)
}

type appleClaims struct {
	Subject       string       `json:"sub"`
	Email         string       `json:"email"`
	EmailVerified flexibleBool `json:"email_verified"`
}

// flexibleBool accepts Apple's boolean claims, which arrive either as JSON
// booleans or as the strings "true"/"false".
type flexibleBool bool

func (b *flexibleBool) UnmarshalJSON(data []byte) error {
	switch strings.Trim(string(data), `"`) {
	case "true":
		*b = true
	case "false", "", "null":
		*b = false
	default:
		return fmt.Errorf("invalid boolean %s", data)
	}
	return nil
}

// appleUser is the out-of-band payload Apple posts on first authorization only.
type appleUser struct {
	Name struct {
		FirstName string `json:"firstName"`
		LastName  string `json:"lastName"`
	} `json:"name"`
	Email string `json:"email"`
}

// parseAppleUser normalizes the raw user field, which may be a JSON object or
// a JSON-encoded string holding one.
func parseAppleUser(raw string) (*appleUser, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return &appleUser{}, nil
	}

	data := []byte(raw)
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(data, &inner); err != nil {
			return nil, fmt.Errorf("decode apple user string: %w", err)
		}
		data = []byte(inner)
	}

	var user appleUser
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("decode apple user: %w", err)
	}
	return &user, nil
}

func (a *AppleProvider) Authenticate(ctx context.Context, req *core.CallbackRequest) (*core.IdpAssertion, error) {
	secret, err := a.clientSecret()
	if err != nil {
		return nil, fmt.Errorf("%w: client secret: %v", core.ErrProviderTokenExchange, err)
	}

	oauthConfig := *a.oauthConfig
	oauthConfig.ClientSecret = secret
	token, err := oauthConfig.Exchange(ctx, req.Code)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrProviderTokenExchange, err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, fmt.Errorf("%w: apple did not return id_token", core.ErrProviderUserInfo)
	}
	idToken, err := a.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("%w: id_token verification: %v", core.ErrProviderUserInfo, err)
	}

	var claims appleClaims
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: id_token claims: %v", core.ErrProviderUserInfo, err)
	}

	// A malformed first-authorization payload only costs us the name.
	user, err := parseAppleUser(req.User)
	if err != nil {
		user = &appleUser{}
	}

	// The posted user payload is unsigned, so only a verified token email
	// may drive account linking.
	email := ""
	if bool(claims.EmailVerified) {
		email = claims.Email
	}

	firstName, lastName := user.Name.FirstName, user.Name.LastName
	name := strings.TrimSpace(firstName + " " + lastName)
	if name == "" {
		name = email
	}

	return &core.IdpAssertion{
		Provider:   core.ProviderApple,
		ProviderID: claims.Subject,
		Email:      email,
		Name:       name,
		ProfileData: compactProfile(core.ProfileData{
			"firstName": firstName,
			"lastName":  lastName,
		}),
	}, nil
}

func (a *AppleProvider) Provider() core.Provider {
	return core.ProviderApple
}
