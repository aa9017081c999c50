package auth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tendant/oauth2-engine/internal/domain"
)

// Credential is a stored resource owner login.
type Credential struct {
	UserID       string `json:"user_id"`
	Username     string `json:"username"`
	PasswordHash string `json:"password_hash"`
	Active       bool   `json:"active"`
}

// CredentialStore looks up credentials by username. Unknown users yield
// (nil, nil).
type CredentialStore interface {
	GetCredential(ctx context.Context, username string) (*Credential, error)
}

// Authenticator verifies resource owner passwords. It implements
// store.UserRepository.
type Authenticator struct {
	credentials CredentialStore
	lockout     *LockoutService
	onLockout   func(username string)
	logger      *slog.Logger
	verify      func(password, hash string) (bool, error)
}

// dummyHash is verified against when there is no usable credential so that
// unknown, disabled and locked accounts cost the same as a wrong password.
var dummyHash = sync.OnceValue(func() string {
	hash, err := HashPassword("oauth2-engine dummy password")
	if err != nil {
		panic(fmt.Sprintf("auth: failed to create dummy hash: %v", err))
	}
	return hash
})

// AuthenticatorOption configures the Authenticator.
type AuthenticatorOption func(*Authenticator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) AuthenticatorOption {
	return func(a *Authenticator) {
		a.logger = logger
	}
}

// WithLockout refuses logins for accounts with too many recent failures.
// onLockout, when non-nil, is called each time an account becomes locked.
func WithLockout(lockout *LockoutService, onLockout func(username string)) AuthenticatorOption {
	return func(a *Authenticator) {
		a.lockout = lockout
		a.onLockout = onLockout
	}
}

// NewAuthenticator creates an Authenticator.
func NewAuthenticator(credentials CredentialStore, opts ...AuthenticatorOption) *Authenticator {
	a := &Authenticator{
		credentials: credentials,
		logger:      slog.Default(),
		verify:      VerifyPassword,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Authenticate returns the user for valid credentials and nil otherwise.
// Locked, disabled and unknown accounts are indistinguishable from a wrong
// password.
func (a *Authenticator) Authenticate(ctx context.Context, username, password string) (*domain.User, error) {
	if a.lockout != nil && a.lockout.IsLocked(username) {
		a.logger.Warn("login refused for locked account", "username", username)
		_, _ = a.verify(password, dummyHash())
		return nil, nil
	}

	cred, err := a.credentials.GetCredential(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}

	valid := false
	if cred != nil && cred.Active {
		valid, err = a.verify(password, cred.PasswordHash)
		if err != nil {
			a.logger.Error("password verification error", "username", username, "error", err)
			valid = false
		}
	} else {
		_, _ = a.verify(password, dummyHash())
	}

	if !valid {
		a.recordFailure(username)
		return nil, nil
	}

	if a.lockout != nil {
		a.lockout.RecordSuccess(username)
	}
	return &domain.User{ID: cred.UserID}, nil
}

// GetUserByCredentials implements store.UserRepository.
func (a *Authenticator) GetUserByCredentials(ctx context.Context, username, password, grantType string, client *domain.Client) (*domain.User, error) {
	return a.Authenticate(ctx, username, password)
}

func (a *Authenticator) recordFailure(username string) {
	if a.lockout == nil {
		return
	}
	if a.lockout.RecordFailure(username) {
		a.logger.Warn("account locked", "username", username)
		if a.onLockout != nil {
			a.onLockout(username)
		}
	}
}
