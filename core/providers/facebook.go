package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/facebook"

	"idgate/core"
)

const defaultFacebookGraphURL = "https://graph.facebook.com/v19.0"

type FacebookConfig struct {
	ClientID      string   `yaml:"client_id" env:"CLIENT_ID"`
	ClientSecret  string   `yaml:"client_secret" env:"CLIENT_SECRET"`
	CallbackPath  string   `yaml:"callback_path" env:"CALLBACK_PATH"`
	RedirectURL   string   `yaml:"redirect_url" env:"REDIRECT_URL"`
	Scopes        []string `yaml:"scope" env:"SCOPE"`
	ProfileFields []string `yaml:"profile_fields" env:"PROFILE_FIELDS"`
	AuthURL       string   `yaml:"auth_url" env:"AUTH_URL"`
	TokenURL      string   `yaml:"token_url" env:"TOKEN_URL"`
	GraphURL      string   `yaml:"graph_url" env:"GRAPH_URL"`
}

type FacebookProvider struct {
	oauthConfig   *oauth2.Config
	graphURL      string
	profileFields []string
}

func NewFacebookProvider(config *FacebookConfig) (*FacebookProvider, error) {
	if config.ClientID == "" || config.ClientSecret == "" || config.RedirectURL == "" {
		return nil, errors.New("facebook oauth config missing required fields")
	}

	endpoint := facebook.Endpoint
	if config.AuthURL != "" {
		endpoint.AuthURL = config.AuthURL
	}
	if config.TokenURL != "" {
		endpoint.TokenURL = config.TokenURL
	}

	scopes := config.Scopes
	if len(scopes) == 0 {
		scopes = []string{"public_profile", "email"}
	}
	fields := config.ProfileFields
	if len(fields) == 0 {
		fields = []string{"id", "name", "email", "first_name", "last_name"}
	}
	graphURL := config.GraphURL
	if graphURL == "" {
		graphURL = defaultFacebookGraphURL
	}

	return &FacebookProvider{
		oauthConfig: &oauth2.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			RedirectURL:  config.RedirectURL,
			Endpoint:     endpoint,
			Scopes:       scopes,
		},
		graphURL:      strings.TrimRight(graphURL, "/"),
		profileFields: fields,
	}, nil
}

type facebookUser struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// AuthCodeURL ignores the PKCE verifier; the Facebook web flow is protected by
// state and the client secret.
func (f *FacebookProvider) AuthCodeURL(state, _ string) string {
	return f.oauthConfig.AuthCodeURL(state)
}

func (f *FacebookProvider) Authenticate(ctx context.Context, req *core.CallbackRequest) (*core.IdpAssertion, error) {
	token, err := f.oauthConfig.Exchange(ctx, req.Code)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrProviderTokenExchange, err)
	}

	meURL := f.graphURL + "/me?" + url.Values{"fields": {strings.Join(f.profileFields, ",")}}.Encode()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, meURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrProviderUserInfo, err)
	}

	resp, err := f.oauthConfig.Client(ctx, token).Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrProviderUserInfo, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: status %d: %s", core.ErrProviderUserInfo, resp.StatusCode, string(body))
	}

	var user facebookUser
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrProviderUserInfo, err)
	}
	if user.ID == "" {
		return nil, fmt.Errorf("%w: missing user id", core.ErrProviderUserInfo)
	}

	return &core.IdpAssertion{
		Provider:   core.ProviderFacebook,
		ProviderID: user.ID,
		Email:      user.Email,
		Name:       user.Name,
		ProfileData: compactProfile(core.ProfileData{
			"displayName": user.Name,
			"firstName":   user.FirstName,
			"lastName":    user.LastName,
		}),
	}, nil
}

func (f *FacebookProvider) Provider() core.Provider {
	return core.ProviderFacebook
}
