package providers

import (
	"context"
	"net/url"
	"sync"

	"idgate/core"
)

const ProviderMock = core.ProviderMock

// Predefined test authorization codes
const (
	ValidCode1  = "mock_auth_code_1"
	ValidCode2  = "mock_auth_code_2"
	ValidCode3  = "mock_auth_code_3"
	NoEmailCode = "mock_auth_code_no_email"
)

// Predefined test assertions
var (
	Assertion1 = &core.IdpAssertion{
		Provider:   ProviderMock,
		ProviderID: "mock_user_1",
		Email:      "user1@mock.test",
		Name:       "Mock User One",
		ProfileData: core.ProfileData{
			"picture": "https://mock.test/avatar1.jpg",
		},
	}

	// Assertion2 reports user1's address under a different provider identity.
	Assertion2 = &core.IdpAssertion{
		Provider:   ProviderMock,
		ProviderID: "mock_user_2",
		Email:      " User1@Mock.Test ",
		Name:       "Mock User Two",
	}

	Assertion3 = &core.IdpAssertion{
		Provider:   ProviderMock,
		ProviderID: "mock_user_3",
		Email:      "new3@mock.test",
		Name:       "Mock User Three",
	}

	AssertionNoEmail = &core.IdpAssertion{
		Provider:   ProviderMock,
		ProviderID: "mock_user_4",
		Name:       "Mock User Four",
	}
)

// MockProvider is a test implementation of AuthProvider
type MockProvider struct {
	mu         sync.Mutex
	provider   core.Provider
	assertions map[string]*core.IdpAssertion

	// track method calls for verification
	AuthCodeURLCalls  int
	AuthenticateCalls int
	LastRequest       *core.CallbackRequest
}

func NewMockProvider() *MockProvider {
	return NewMockProviderFor(ProviderMock, map[string]*core.IdpAssertion{
		ValidCode1:  Assertion1,
		ValidCode2:  Assertion2,
		ValidCode3:  Assertion3,
		NoEmailCode: AssertionNoEmail,
	})
}

// NewMockProviderFor serves the given code table under any provider tag.
func NewMockProviderFor(provider core.Provider, assertions map[string]*core.IdpAssertion) *MockProvider {
	return &MockProvider{
		provider:   provider,
		assertions: assertions,
	}
}

// AuthCodeURL points at a fake authorization page carrying the state back.
func (m *MockProvider) AuthCodeURL(state, codeVerifier string) string {
	m.mu.Lock()
	m.AuthCodeURLCalls++
	m.mu.Unlock()

	return "https://idp.mock.test/authorize?" + url.Values{
		"provider": {string(m.provider)},
		"state":    {state},
	}.Encode()
}

func (m *MockProvider) Authenticate(ctx context.Context, req *core.CallbackRequest) (*core.IdpAssertion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AuthenticateCalls++
	m.LastRequest = req

	assertion, ok := m.assertions[req.Code]
	if !ok {
		return nil, core.ErrProviderTokenExchange
	}

	copied := *assertion
	copied.Provider = m.provider
	return &copied, nil
}

func (m *MockProvider) Provider() core.Provider {
	return m.provider
}
