package core

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Provider represents an external identity provider
type Provider string

const (
	ProviderGoogle   Provider = "google"
	ProviderFacebook Provider = "facebook"
	ProviderApple    Provider = "apple"
	// ProviderMock is served by the scripted test provider
	ProviderMock     Provider = "mock"
)

// ProfileData holds provider-specific attributes with no enforced schema
type ProfileData map[string]any

// LinkedCredential is one provider-scoped identity attached to a User
type LinkedCredential struct {
	Provider    Provider    `json:"provider"`
	ProviderID  string      `json:"providerId"`
	Email       string      `json:"email,omitempty"` // as reported by the provider at link time
	ProfileData ProfileData `json:"profileData,omitempty"`
}

// User is the durable identity anchor. IdentityProviders keeps link order.
type User struct {
	ID                uuid.UUID          `json:"id"`
	Email             string             `json:"email"`
	Name              string             `json:"name,omitempty"`
	IdentityProviders []LinkedCredential `json:"identityProviders"`
	LastLogin         time.Time          `json:"lastLogin"`
	CreatedAt         time.Time          `json:"createdAt"`
	UpdatedAt         time.Time          `json:"updatedAt"`
}

// IdpAssertion is the normalized result of one sign-in at an identity provider.
// It is never persisted.
type IdpAssertion struct {
	Provider    Provider
	ProviderID  string
	Email       string
	Name        string
	ProfileData ProfileData
}

// NormalizeEmail is the single email normalization used for lookups and writes.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// HasCredential reports whether the user already holds (provider, providerID).
func (u *User) HasCredential(provider Provider, providerID string) bool {
	return u.credentialIndex(provider, providerID) >= 0
}

func (u *User) credentialIndex(provider Provider, providerID string) int {
	for i := range u.IdentityProviders {
		if u.IdentityProviders[i].Provider == provider && u.IdentityProviders[i].ProviderID == providerID {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy so stores never share state with callers.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	c := *u
	c.IdentityProviders = make([]LinkedCredential, len(u.IdentityProviders))
	for i, cred := range u.IdentityProviders {
		c.IdentityProviders[i] = cred
		if cred.ProfileData != nil {
			pd := make(ProfileData, len(cred.ProfileData))
			for k, v := range cred.ProfileData {
				pd[k] = v
			}
			c.IdentityProviders[i].ProfileData = pd
		}
	}
	return &c
}
