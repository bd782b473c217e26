package providers

import (
	"context"
	"errors"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"idgate/core"
)

const googleIssuer = "https://accounts.google.com"

type GoogleConfig struct {
	ClientID     string   `yaml:"client_id" env:"CLIENT_ID"`
	ClientSecret string   `yaml:"client_secret" env:"CLIENT_SECRET"`
	CallbackPath string   `yaml:"callback_path" env:"CALLBACK_PATH"`
	RedirectURL  string   `yaml:"redirect_url" env:"REDIRECT_URL"`
	Scopes       []string `yaml:"scope" env:"SCOPE"`
	Issuer       string   `yaml:"issuer" env:"ISSUER"`
}

type GoogleProvider struct {
	oauthConfig *oauth2.Config
	verifier    *oidc.IDTokenVerifier
}

// NewGoogleProvider discovers Google's OIDC endpoints and signing keys.
func NewGoogleProvider(ctx context.Context, config *GoogleConfig) (*GoogleProvider, error) {
	if config.ClientID == "" || config.ClientSecret == "" || config.RedirectURL == "" {
		return nil, errors.New("google oauth config missing required fields")
	}

	issuer := config.Issuer
	if issuer == "" {
		issuer = googleIssuer
	}
	oidcProvider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to init google oidc provider: %w", err)
	}

	verifier := oidcProvider.Verifier(&oidc.Config{ClientID: config.ClientID})
	return newGoogleProvider(config, oidcProvider.Endpoint(), verifier), nil
}

func newGoogleProvider(config *GoogleConfig, endpoint oauth2.Endpoint, verifier *oidc.IDTokenVerifier) *GoogleProvider {
	scopes := config.Scopes
	if len(scopes) == 0 {
		scopes = []string{"profile", "email"}
	}
	return &GoogleProvider{
		oauthConfig: &oauth2.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			RedirectURL:  config.RedirectURL,
			Endpoint:     endpoint,
			Scopes:       append([]string{oidc.ScopeOpenID}, scopes...),
		},
		verifier: verifier,
	}
}

type googleClaims struct {
	Subject       string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
	Locale        string `json:"locale"`
}

func (g *GoogleProvider) AuthCodeURL(state, codeVerifier string) string {
	return g.oauthConfig.AuthCodeURL(
		state,
		oauth2.AccessTypeOnline,
		oauth2.S256ChallengeOption(codeVerifier),
	)
}

func (g *GoogleProvider) Authenticate(ctx context.Context, req *core.CallbackRequest) (*core.IdpAssertion, error) {
	token, err := g.oauthConfig.Exchange(ctx, req.Code, oauth2.VerifierOption(req.CodeVerifier))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrProviderTokenExchange, err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, fmt.Errorf("%w: google did not return id_token", core.ErrProviderUserInfo)
	}

	idToken, err := g.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("%w: id_token verification: %v", core.ErrProviderUserInfo, err)
	}

	var claims googleClaims
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: id_token claims: %v", core.ErrProviderUserInfo, err)
	}

	// Only a verified address may take part in email-based account linking.
	email := claims.Email
	if !claims.EmailVerified {
		email = ""
	}

	return &core.IdpAssertion{
		Provider:   core.ProviderGoogle,
		ProviderID: claims.Subject,
		Email:      email,
		Name:       claims.Name,
		ProfileData: compactProfile(core.ProfileData{
			"displayName": claims.Name,
			"picture":     claims.Picture,
			"locale":      claims.Locale,
		}),
	}, nil
}

func (g *GoogleProvider) Provider() core.Provider {
	return core.ProviderGoogle
}

// compactProfile drops empty string attributes.
func compactProfile(p core.ProfileData) core.ProfileData {
	for k, v := range p {
		if s, ok := v.(string); ok && s == "" {
			delete(p, k)
		}
	}
	if len(p) == 0 {
		return nil
	}
	return p
}
