// Package memory implements the engine's repositories in process memory.
//
// Issued artifacts live in TTL caches that drop them shortly after they
// expire. Identifiers the store has never seen, or has already dropped, are
// reported as revoked.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/tendant/oauth2-engine/internal/auth"
	"github.com/tendant/oauth2-engine/internal/domain"
	"github.com/tendant/oauth2-engine/internal/store"
)

const (
	defaultRetention       = time.Minute
	defaultCleanupInterval = 5 * time.Minute
)

// Store bundles the in-memory repositories.
type Store struct {
	retention       time.Duration
	cleanupInterval time.Duration

	clients       *ClientRepository
	scopes        *ScopeRepository
	credentials   *CredentialRepository
	accessTokens  *AccessTokenRepository
	refreshTokens *RefreshTokenRepository
	authCodes     *AuthCodeRepository
	deviceCodes   *DeviceCodeRepository
}

// Option configures the Store.
type Option func(*Store)

// WithRetention keeps artifacts for d past their expiry so that verifier
// leeway does not turn a just-expired token into a revoked one.
func WithRetention(d time.Duration) Option {
	return func(s *Store) {
		s.retention = d
	}
}

// WithCleanupInterval sets how often expired artifacts are purged.
func WithCleanupInterval(d time.Duration) Option {
	return func(s *Store) {
		s.cleanupInterval = d
	}
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		retention:       defaultRetention,
		cleanupInterval: defaultCleanupInterval,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.clients = &ClientRepository{clients: map[string]*domain.Client{}}
	s.scopes = &ScopeRepository{scopes: map[string]*domain.Scope{}}
	s.credentials = &CredentialRepository{credentials: map[string]*auth.Credential{}}
	s.accessTokens = &AccessTokenRepository{artifacts: s.newArtifacts()}
	s.refreshTokens = &RefreshTokenRepository{artifacts: s.newArtifacts(), accessTokens: s.accessTokens}
	s.authCodes = &AuthCodeRepository{artifacts: s.newArtifacts()}
	s.deviceCodes = &DeviceCodeRepository{artifacts: s.newArtifacts(), userCodes: map[string]string{}}
	s.deviceCodes.items.OnEvicted(s.deviceCodes.evicted)
	return s
}

func (s *Store) newArtifacts() *artifacts {
	return &artifacts{items: cache.New(cache.NoExpiration, s.cleanupInterval), retention: s.retention}
}

func (s *Store) Clients() *ClientRepository             { return s.clients }
func (s *Store) Scopes() *ScopeRepository               { return s.scopes }
func (s *Store) Credentials() *CredentialRepository     { return s.credentials }
func (s *Store) AccessTokens() *AccessTokenRepository   { return s.accessTokens }
func (s *Store) RefreshTokens() *RefreshTokenRepository { return s.refreshTokens }
func (s *Store) AuthCodes() *AuthCodeRepository         { return s.authCodes }
func (s *Store) DeviceCodes() *DeviceCodeRepository     { return s.deviceCodes }

// artifact is the cached state of one issued token or code.
type artifact[T any] struct {
	value   T
	revoked bool
}

// artifacts is a TTL cache of issued artifacts keyed by identifier. The
// mutex serializes read-modify-write sequences such as Consume.
type artifacts struct {
	mu        sync.Mutex
	items     *cache.Cache
	retention time.Duration
}

func (a *artifacts) ttl(expiresAt time.Time) time.Duration {
	d := time.Until(expiresAt) + a.retention
	if d <= 0 {
		// go-cache treats zero as the default expiration, which is never.
		return time.Nanosecond
	}
	return d
}

func add[T any](a *artifacts, id string, expiresAt time.Time, value T) error {
	if err := a.items.Add(id, &artifact[T]{value: value}, a.ttl(expiresAt)); err != nil {
		return store.ErrDuplicateIdentifier
	}
	return nil
}

func get[T any](a *artifacts, id string) (*artifact[T], bool) {
	v, ok := a.items.Get(id)
	if !ok {
		return nil, false
	}
	return v.(*artifact[T]), true
}

func revoke[T any](a *artifacts, id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if e, ok := get[T](a, id); ok {
		e.revoked = true
	}
}

func isRevoked[T any](a *artifacts, id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := get[T](a, id)
	return !ok || e.revoked
}

func consume[T any](a *artifacts, id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := get[T](a, id)
	if !ok || e.revoked {
		return false
	}
	e.revoked = true
	return true
}

// ClientRepository holds registered clients.
type ClientRepository struct {
	mu      sync.RWMutex
	clients map[string]*domain.Client
}

// Register adds or replaces a client.
func (r *ClientRepository) Register(client *domain.Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *client
	r.clients[client.ID] = &cp
}

// GetClient implements store.ClientRepository.
func (r *ClientRepository) GetClient(ctx context.Context, clientID, grantType string) (*domain.Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[clientID]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

// ScopeRepository holds the registered scopes. FinalizeScopes grants what
// was requested.
type ScopeRepository struct {
	mu     sync.RWMutex
	scopes map[string]*domain.Scope
}

// Register adds or replaces a scope.
func (r *ScopeRepository) Register(scope *domain.Scope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *scope
	r.scopes[scope.ID] = &cp
}

// GetScope implements store.ScopeRepository.
func (r *ScopeRepository) GetScope(ctx context.Context, identifier, grantType, clientID string) (*domain.Scope, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.scopes[identifier]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

// FinalizeScopes implements store.ScopeRepository.
func (r *ScopeRepository) FinalizeScopes(ctx context.Context, scopes domain.ScopeSet, grantType string, client *domain.Client, userID string) (domain.ScopeSet, error) {
	return scopes, nil
}

// CredentialRepository holds resource owner credentials.
type CredentialRepository struct {
	mu          sync.RWMutex
	credentials map[string]*auth.Credential
}

// Register adds or replaces a credential.
func (r *CredentialRepository) Register(cred *auth.Credential) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *cred
	r.credentials[cred.Username] = &cp
}

// GetCredential implements auth.CredentialStore.
func (r *CredentialRepository) GetCredential(ctx context.Context, username string) (*auth.Credential, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.credentials[username]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

// AccessTokenRepository records issued access tokens.
type AccessTokenRepository struct {
	*artifacts
}

func (r *AccessTokenRepository) Persist(ctx context.Context, token *domain.AccessToken) error {
	return add(r.artifacts, token.ID, token.ExpiresAt, token.TokenFields)
}

func (r *AccessTokenRepository) Revoke(ctx context.Context, tokenID string) error {
	revoke[domain.TokenFields](r.artifacts, tokenID)
	return nil
}

func (r *AccessTokenRepository) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	return isRevoked[domain.TokenFields](r.artifacts, tokenID), nil
}

// RefreshTokenRepository records issued refresh tokens and their rotation
// families.
type RefreshTokenRepository struct {
	*artifacts
	accessTokens *AccessTokenRepository
}

type refreshEntry struct {
	familyID      string
	accessTokenID string
}

func (r *RefreshTokenRepository) Persist(ctx context.Context, token *domain.RefreshToken) error {
	return add(r.artifacts, token.ID, token.ExpiresAt, refreshEntry{familyID: token.FamilyID, accessTokenID: token.AccessTokenID})
}

func (r *RefreshTokenRepository) Revoke(ctx context.Context, tokenID string) error {
	revoke[refreshEntry](r.artifacts, tokenID)
	return nil
}

func (r *RefreshTokenRepository) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	return isRevoked[refreshEntry](r.artifacts, tokenID), nil
}

func (r *RefreshTokenRepository) Consume(ctx context.Context, tokenID string) (bool, error) {
	return consume[refreshEntry](r.artifacts, tokenID), nil
}

// RevokeFamily implements store.RefreshTokenFamilyRevoker.
func (r *RefreshTokenRepository) RevokeFamily(ctx context.Context, familyID string) error {
	r.mu.Lock()
	var accessIDs []string
	for _, item := range r.items.Items() {
		e := item.Object.(*artifact[refreshEntry])
		if e.value.familyID == familyID {
			e.revoked = true
			accessIDs = append(accessIDs, e.value.accessTokenID)
		}
	}
	r.mu.Unlock()

	for _, id := range accessIDs {
		r.accessTokens.Revoke(ctx, id)
	}
	return nil
}

// AuthCodeRepository records issued authorization codes.
type AuthCodeRepository struct {
	*artifacts
}

func (r *AuthCodeRepository) Persist(ctx context.Context, code *domain.AuthCode) error {
	return add(r.artifacts, code.ID, code.ExpiresAt, struct{}{})
}

func (r *AuthCodeRepository) Revoke(ctx context.Context, codeID string) error {
	revoke[struct{}](r.artifacts, codeID)
	return nil
}

func (r *AuthCodeRepository) IsRevoked(ctx context.Context, codeID string) (bool, error) {
	return isRevoked[struct{}](r.artifacts, codeID), nil
}

func (r *AuthCodeRepository) Consume(ctx context.Context, codeID string) (bool, error) {
	return consume[struct{}](r.artifacts, codeID), nil
}

// DeviceCodeRepository records device authorization requests.
type DeviceCodeRepository struct {
	*artifacts
	userCodes map[string]string // user code -> device code ID
}

// Persist creates or replaces a device code. A user code already held by a
// different live request is reported as a duplicate.
func (r *DeviceCodeRepository) Persist(ctx context.Context, code *domain.DeviceCode) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if owner, ok := r.userCodes[code.UserCode]; ok && owner != code.ID {
		if _, live := r.items.Get(owner); live {
			return store.ErrDuplicateIdentifier
		}
	}

	entry := &artifact[domain.DeviceCode]{value: *code}
	if existing, ok := get[domain.DeviceCode](r.artifacts, code.ID); ok {
		entry.revoked = existing.revoked
	}
	r.items.Set(code.ID, entry, r.ttl(code.ExpiresAt))
	r.userCodes[code.UserCode] = code.ID
	return nil
}

func (r *DeviceCodeRepository) evicted(id string, v any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	code := v.(*artifact[domain.DeviceCode]).value
	if r.userCodes[code.UserCode] == id {
		delete(r.userCodes, code.UserCode)
	}
}

func (r *DeviceCodeRepository) GetByDeviceCode(ctx context.Context, deviceCodeID string) (*domain.DeviceCode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := get[domain.DeviceCode](r.artifacts, deviceCodeID)
	if !ok {
		return nil, nil
	}
	cp := e.value
	return &cp, nil
}

func (r *DeviceCodeRepository) GetByUserCode(ctx context.Context, userCode string) (*domain.DeviceCode, error) {
	r.mu.Lock()
	id, ok := r.userCodes[userCode]
	r.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return r.GetByDeviceCode(ctx, id)
}

func (r *DeviceCodeRepository) Revoke(ctx context.Context, deviceCodeID string) error {
	revoke[domain.DeviceCode](r.artifacts, deviceCodeID)
	return nil
}

func (r *DeviceCodeRepository) IsRevoked(ctx context.Context, deviceCodeID string) (bool, error) {
	return isRevoked[domain.DeviceCode](r.artifacts, deviceCodeID), nil
}

func (r *DeviceCodeRepository) Consume(ctx context.Context, deviceCodeID string) (bool, error) {
	return consume[domain.DeviceCode](r.artifacts, deviceCodeID), nil
}

func (r *DeviceCodeRepository) Decide(ctx context.Context, deviceCodeID, userID string, status domain.DeviceCodeStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := get[domain.DeviceCode](r.artifacts, deviceCodeID)
	if !ok || e.revoked || e.value.Status != domain.DeviceCodePending {
		return false, nil
	}
	e.value.UserID = userID
	e.value.Status = status
	return true, nil
}

func (r *DeviceCodeRepository) UpdateLastPolled(ctx context.Context, deviceCodeID string, polledAt time.Time, interval time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := get[domain.DeviceCode](r.artifacts, deviceCodeID); ok {
		e.value.LastPolledAt = &polledAt
		e.value.Interval = interval
	}
	return nil
}

var (
	_ store.ClientRepository          = (*ClientRepository)(nil)
	_ store.ScopeRepository           = (*ScopeRepository)(nil)
	_ auth.CredentialStore            = (*CredentialRepository)(nil)
	_ store.AccessTokenRepository     = (*AccessTokenRepository)(nil)
	_ store.RefreshTokenRepository    = (*RefreshTokenRepository)(nil)
	_ store.RefreshTokenFamilyRevoker = (*RefreshTokenRepository)(nil)
	_ store.AuthCodeRepository        = (*AuthCodeRepository)(nil)
	_ store.DeviceCodeRepository      = (*DeviceCodeRepository)(nil)
)
