// Package domain defines the core types for the authorization engine.
package domain

import (
	"encoding/json"
	"slices"
	"time"
)

// Client represents an OAuth 2.0 client application.
type Client struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Secret       string   `json:"secret,omitempty"` // Empty for public clients
	RedirectURIs []string `json:"redirect_uris"`
	GrantTypes   []string `json:"grant_types,omitempty"` // Empty allows every enabled grant
}

// IsConfidential reports whether the client was issued a secret.
func (c *Client) IsConfidential() bool {
	return c.Secret != ""
}

// AllowsGrant reports whether the client may use the given grant type.
func (c *Client) AllowsGrant(grantType string) bool {
	if len(c.GrantTypes) == 0 {
		return true
	}
	return slices.Contains(c.GrantTypes, grantType)
}

// User is the resource owner. Integer identifiers are carried in decimal form.
type User struct {
	ID string `json:"id"`
}

// AuthorizationRequest carries a validated authorization request across the
// user interaction step. The host stores it (session, signed cookie) between
// ValidateAuthorizationRequest and CompleteAuthorizationRequest.
type AuthorizationRequest struct {
	GrantTypeID           string   `json:"grant_type_id"`
	Client                *Client  `json:"client"`
	User                  *User    `json:"user,omitempty"`
	Scopes                ScopeSet `json:"scopes"`
	AuthorizationApproved bool     `json:"authorization_approved"`
	RedirectURI           string   `json:"redirect_uri,omitempty"`
	State                 string   `json:"state,omitempty"`
	CodeChallenge         string   `json:"code_challenge,omitempty"`
	CodeChallengeMethod   string   `json:"code_challenge_method,omitempty"` // plain or S256
}

// MarshalJSON encodes the request without the client secret, since the
// encoded form is handed to the host for storage.
func (ar AuthorizationRequest) MarshalJSON() ([]byte, error) {
	type plain AuthorizationRequest
	out := plain(ar)
	if ar.Client != nil {
		client := *ar.Client
		client.Secret = ""
		out.Client = &client
	}
	return json.Marshal(out)
}

// TokenFields holds the fields shared by every issued artifact.
type TokenFields struct {
	ID        string    `json:"id"`
	ExpiresAt time.Time `json:"expires_at"`
	ClientID  string    `json:"client_id"`
	UserID    string    `json:"user_id,omitempty"`
	Scopes    ScopeSet  `json:"scopes"`
}

// IsExpired reports whether the artifact has expired at the given instant.
func (f *TokenFields) IsExpired(now time.Time) bool {
	return !now.Before(f.ExpiresAt)
}

// AccessToken is signed into a JWT at issuance and never mutated afterwards.
type AccessToken struct {
	TokenFields
	PrivateClaims map[string]any `json:"private_claims,omitempty"`
}

// RefreshToken is serialized as an encrypted opaque string and is single-use.
type RefreshToken struct {
	TokenFields
	AccessTokenID string `json:"access_token_id"`
	// FamilyID is the identifier of the first refresh token in a rotation chain.
	FamilyID string `json:"family_id"`
}

// AuthCode is a short-lived, single-use authorization code.
type AuthCode struct {
	TokenFields
	RedirectURI         string `json:"redirect_uri,omitempty"`
	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`
}

// DeviceCodeStatus is the user's decision on a device authorization request.
type DeviceCodeStatus string

const (
	DeviceCodePending  DeviceCodeStatus = "pending"
	DeviceCodeApproved DeviceCodeStatus = "approved"
	DeviceCodeDenied   DeviceCodeStatus = "denied"
)

// DeviceCode represents an RFC 8628 device authorization request.
type DeviceCode struct {
	TokenFields
	UserCode        string           `json:"user_code"`
	VerificationURI string           `json:"verification_uri"`
	Status          DeviceCodeStatus `json:"status"`
	LastPolledAt    *time.Time       `json:"last_polled_at,omitempty"`
	Interval        time.Duration    `json:"interval"`
}

// IsApproved reports whether the user approved the device.
func (d *DeviceCode) IsApproved() bool {
	return d.Status == DeviceCodeApproved
}
