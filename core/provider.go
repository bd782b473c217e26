package core

import (
	"context"
	"errors"
	"sort"
)

var (
	ErrProviderTokenExchange = errors.New("provider token exchange failed")
	ErrProviderUserInfo      = errors.New("provider user info request failed")
)

// CallbackRequest carries what the browser brought back from the provider.
type CallbackRequest struct {
	Code         string
	CodeVerifier string
	// User is Apple's first-authorization payload, passed through raw.
	User string
}

// AuthProvider runs the OAuth handshake for one provider and returns a
// normalized assertion. It never creates or links users.
type AuthProvider interface {
	Provider() Provider

	AuthCodeURL(state, codeVerifier string) string

	Authenticate(ctx context.Context, req *CallbackRequest) (*IdpAssertion, error)
}

// ProviderRegistry maps provider tags to their configured handshake. It is
// built once at startup and handed to the server.
type ProviderRegistry map[Provider]AuthProvider

func NewProviderRegistry(list ...AuthProvider) ProviderRegistry {
	r := make(ProviderRegistry, len(list))
	for _, p := range list {
		r[p.Provider()] = p
	}
	return r
}

func (r ProviderRegistry) Get(provider Provider) (AuthProvider, error) {
	p, ok := r[provider]
	if !ok {
		return nil, ErrUnsupportedProvider
	}
	return p, nil
}

// Names returns the registered provider tags in sorted order.
func (r ProviderRegistry) Names() []string {
	names := make([]string, 0, len(r))
	for provider := range r {
		names = append(names, string(provider))
	}
	sort.Strings(names)
	return names
}
