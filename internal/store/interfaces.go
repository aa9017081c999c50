// Package store defines the repository contracts the engine persists through.
//
// Lookups return (nil, nil) for unknown entities; a non-nil error always means
// the repository itself failed. Single-use artifacts expose Consume, which must
// atomically flip the artifact to revoked and report whether this caller was
// the one that did so.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/tendant/oauth2-engine/internal/domain"
)

// ErrDuplicateIdentifier is returned by Persist when the identifier is taken.
// The engine regenerates the identifier and retries.
var ErrDuplicateIdentifier = errors.New("duplicate token identifier")

// ClientRepository looks up registered clients.
type ClientRepository interface {
	GetClient(ctx context.Context, clientID, grantType string) (*domain.Client, error)
}

// ScopeRepository looks up scopes and applies the scope policy.
type ScopeRepository interface {
	GetScope(ctx context.Context, identifier, grantType, clientID string) (*domain.Scope, error)
	// FinalizeScopes may add, remove or substitute scopes before issuance.
	FinalizeScopes(ctx context.Context, scopes domain.ScopeSet, grantType string, client *domain.Client, userID string) (domain.ScopeSet, error)
}

// UserRepository authenticates resource owners for the password grant.
type UserRepository interface {
	GetUserByCredentials(ctx context.Context, username, password, grantType string, client *domain.Client) (*domain.User, error)
}

// AccessTokenRepository records issued access tokens.
type AccessTokenRepository interface {
	Persist(ctx context.Context, token *domain.AccessToken) error
	Revoke(ctx context.Context, tokenID string) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

// RefreshTokenRepository records issued refresh tokens.
type RefreshTokenRepository interface {
	Persist(ctx context.Context, token *domain.RefreshToken) error
	Revoke(ctx context.Context, tokenID string) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
	Consume(ctx context.Context, tokenID string) (bool, error)
}

// RefreshTokenFamilyRevoker is implemented by refresh token repositories that
// can revoke a whole rotation chain, including the access tokens it produced.
type RefreshTokenFamilyRevoker interface {
	RevokeFamily(ctx context.Context, familyID string) error
}

// AuthCodeRepository records issued authorization codes.
type AuthCodeRepository interface {
	Persist(ctx context.Context, code *domain.AuthCode) error
	Revoke(ctx context.Context, codeID string) error
	IsRevoked(ctx context.Context, codeID string) (bool, error)
	Consume(ctx context.Context, codeID string) (bool, error)
}

// DeviceCodeRepository records device authorization requests.
type DeviceCodeRepository interface {
	// Persist creates or replaces the device code.
	Persist(ctx context.Context, code *domain.DeviceCode) error
	GetByDeviceCode(ctx context.Context, deviceCodeID string) (*domain.DeviceCode, error)
	GetByUserCode(ctx context.Context, userCode string) (*domain.DeviceCode, error)
	Revoke(ctx context.Context, deviceCodeID string) error
	IsRevoked(ctx context.Context, deviceCodeID string) (bool, error)
	Consume(ctx context.Context, deviceCodeID string) (bool, error)
	// Decide records the user's decision if the code is still pending and
	// not revoked. It reports false when another decision got there first.
	Decide(ctx context.Context, deviceCodeID, userID string, status domain.DeviceCodeStatus) (bool, error)
	UpdateLastPolled(ctx context.Context, deviceCodeID string, polledAt time.Time, interval time.Duration) error
}
