// Package file implements the engine's repositories on JSON files.
//
// Each collection is one file under the data directory. Every mutation is a
// read-modify-write under the store lock, which makes Consume atomic within
// one process. Sharing a data directory between processes is not supported.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tendant/oauth2-engine/internal/auth"
	"github.com/tendant/oauth2-engine/internal/domain"
	"github.com/tendant/oauth2-engine/internal/store"
)

// ErrAlreadyExists is returned when registering an entity whose ID is taken.
var ErrAlreadyExists = errors.New("already exists")

// Store persists repositories as JSON files.
type Store struct {
	dataDir   string
	retention time.Duration
	now       func() time.Time
	mu        sync.RWMutex

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

// WithRetention keeps expired artifacts for d before DeleteExpired drops them.
func WithRetention(d time.Duration) Option {
	return func(s *Store) {
		s.retention = d
	}
}

// WithClock overrides the time source used by DeleteExpired.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore creates a new file-based store.
func NewStore(dataDir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	s := &Store{
		dataDir:   dataDir,
		retention: time.Minute,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.clients = &ClientRepository{store: s}
	s.scopes = &ScopeRepository{store: s}
	s.credentials = &CredentialRepository{store: s}
	s.accessTokens = &AccessTokenRepository{tokenFile{store: s, name: "access_tokens"}}
	s.refreshTokens = &RefreshTokenRepository{tokenFile: tokenFile{store: s, name: "refresh_tokens"}, accessTokens: s.accessTokens}
	s.authCodes = &AuthCodeRepository{tokenFile{store: s, name: "auth_codes"}}
	s.deviceCodes = &DeviceCodeRepository{store: s}

	return s, nil
}

func (s *Store) Clients() *ClientRepository             { return s.clients }
func (s *Store) Scopes() *ScopeRepository               { return s.scopes }
func (s *Store) Credentials() *CredentialRepository     { return s.credentials }
func (s *Store) AccessTokens() *AccessTokenRepository   { return s.accessTokens }
func (s *Store) RefreshTokens() *RefreshTokenRepository { return s.refreshTokens }
func (s *Store) AuthCodes() *AuthCodeRepository         { return s.authCodes }
func (s *Store) DeviceCodes() *DeviceCodeRepository     { return s.deviceCodes }
func (s *Store) Close() error                           { return nil }

// DeleteExpired drops artifacts that expired more than the retention period
// ago from every collection.
func (s *Store) DeleteExpired(ctx context.Context) error {
	cutoff := s.now().Add(-s.retention)
	for _, f := range []tokenFile{s.accessTokens.tokenFile, s.refreshTokens.tokenFile, s.authCodes.tokenFile} {
		if err := f.deleteExpired(cutoff); err != nil {
			return err
		}
	}
	return s.deviceCodes.deleteExpired(cutoff)
}

// Helper methods for file operations

func (s *Store) filePath(name string) string {
	return filepath.Join(s.dataDir, name+".json")
}

// read loads a collection. The caller holds the lock.
func (s *Store) read(name string, v any) error {
	data, err := os.ReadFile(s.filePath(name))
	if os.IsNotExist(err) {
		return nil // Empty collection
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", name, err)
	}
	return nil
}

// write saves a collection through a temporary file and rename. The caller
// holds the lock.
func (s *Store) write(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", name, err)
	}
	tmp := s.filePath(name) + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := os.Rename(tmp, s.filePath(name)); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}

func (s *Store) view(name string, v any) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read(name, v)
}

// update loads a collection, applies fn and saves the result unless fn
// fails or reports that nothing changed.
func (s *Store) update(name string, v any, fn func() (bool, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.read(name, v); err != nil {
		return err
	}
	changed, err := fn()
	if err != nil || !changed {
		return err
	}
	return s.write(name, v)
}

// Client Repository

// ClientRepository stores registered clients.
type ClientRepository struct {
	store *Store
}

type clientsData struct {
	Clients []*domain.Client `json:"clients"`
}

// Create registers a client.
func (r *ClientRepository) Create(ctx context.Context, client *domain.Client) error {
	var data clientsData
	return r.store.update("clients", &data, func() (bool, error) {
		for _, c := range data.Clients {
			if c.ID == client.ID {
				return false, fmt.Errorf("client %s: %w", client.ID, ErrAlreadyExists)
			}
		}
		data.Clients = append(data.Clients, client)
		return true, nil
	})
}

// GetClient implements store.ClientRepository.
func (r *ClientRepository) GetClient(ctx context.Context, clientID, grantType string) (*domain.Client, error) {
	var data clientsData
	if err := r.store.view("clients", &data); err != nil {
		return nil, err
	}
	for _, c := range data.Clients {
		if c.ID == clientID {
			return c, nil
		}
	}
	return nil, nil
}

// Delete removes a client. Unknown clients are ignored.
func (r *ClientRepository) Delete(ctx context.Context, clientID string) error {
	var data clientsData
	return r.store.update("clients", &data, func() (bool, error) {
		for i, c := range data.Clients {
			if c.ID == clientID {
				data.Clients = append(data.Clients[:i], data.Clients[i+1:]...)
				return true, nil
			}
		}
		return false, nil
	})
}

// List returns every registered client.
func (r *ClientRepository) List(ctx context.Context) ([]*domain.Client, error) {
	var data clientsData
	if err := r.store.view("clients", &data); err != nil {
		return nil, err
	}
	return data.Clients, nil
}

// Scope Repository

// ScopeRepository stores scopes. FinalizeScopes grants what was requested.
type ScopeRepository struct {
	store *Store
}

type scopesData struct {
	Scopes []*domain.Scope `json:"scopes"`
}

// Create registers a scope.
func (r *ScopeRepository) Create(ctx context.Context, scope *domain.Scope) error {
	var data scopesData
	return r.store.update("scopes", &data, func() (bool, error) {
		for _, s := range data.Scopes {
			if s.ID == scope.ID {
				return false, fmt.Errorf("scope %s: %w", scope.ID, ErrAlreadyExists)
			}
		}
		data.Scopes = append(data.Scopes, scope)
		return true, nil
	})
}

// GetScope implements store.ScopeRepository.
func (r *ScopeRepository) GetScope(ctx context.Context, identifier, grantType, clientID string) (*domain.Scope, error) {
	var data scopesData
	if err := r.store.view("scopes", &data); err != nil {
		return nil, err
	}
	for _, s := range data.Scopes {
		if s.ID == identifier {
			return s, nil
		}
	}
	return nil, nil
}

// FinalizeScopes implements store.ScopeRepository.
func (r *ScopeRepository) FinalizeScopes(ctx context.Context, scopes domain.ScopeSet, grantType string, client *domain.Client, userID string) (domain.ScopeSet, error) {
	return scopes, nil
}

// Credential Repository

// CredentialRepository stores resource owner credentials.
type CredentialRepository struct {
	store *Store
}

type credentialsData struct {
	Credentials []*auth.Credential `json:"credentials"`
}

// Create registers a credential.
func (r *CredentialRepository) Create(ctx context.Context, cred *auth.Credential) error {
	var data credentialsData
	return r.store.update("credentials", &data, func() (bool, error) {
		for _, c := range data.Credentials {
			if c.Username == cred.Username {
				return false, fmt.Errorf("user %s: %w", cred.Username, ErrAlreadyExists)
			}
		}
		data.Credentials = append(data.Credentials, cred)
		return true, nil
	})
}

// GetCredential implements auth.CredentialStore.
func (r *CredentialRepository) GetCredential(ctx context.Context, username string) (*auth.Credential, error) {
	var data credentialsData
	if err := r.store.view("credentials", &data); err != nil {
		return nil, err
	}
	for _, c := range data.Credentials {
		if c.Username == username {
			return c, nil
		}
	}
	return nil, nil
}

// Token files

// tokenRecord is the persisted revocation state of an issued artifact.
type tokenRecord struct {
	ExpiresAt     time.Time `json:"expires_at"`
	Revoked       bool      `json:"revoked"`
	FamilyID      string    `json:"family_id,omitempty"`
	AccessTokenID string    `json:"access_token_id,omitempty"`
}

type tokensData struct {
	Tokens map[string]*tokenRecord `json:"tokens"`
}

// tokenFile is one collection of tokenRecords keyed by identifier.
type tokenFile struct {
	store *Store
	name  string
}

func (f tokenFile) persist(id string, rec *tokenRecord) error {
	var data tokensData
	return f.store.update(f.name, &data, func() (bool, error) {
		if _, ok := data.Tokens[id]; ok {
			return false, store.ErrDuplicateIdentifier
		}
		if data.Tokens == nil {
			data.Tokens = map[string]*tokenRecord{}
		}
		data.Tokens[id] = rec
		return true, nil
	})
}

func (f tokenFile) revoke(id string) error {
	var data tokensData
	return f.store.update(f.name, &data, func() (bool, error) {
		rec, ok := data.Tokens[id]
		if !ok || rec.Revoked {
			return false, nil
		}
		rec.Revoked = true
		return true, nil
	})
}

func (f tokenFile) isRevoked(id string) (bool, error) {
	var data tokensData
	if err := f.store.view(f.name, &data); err != nil {
		return false, err
	}
	rec, ok := data.Tokens[id]
	return !ok || rec.Revoked, nil
}

func (f tokenFile) consume(id string) (bool, error) {
	consumed := false
	var data tokensData
	err := f.store.update(f.name, &data, func() (bool, error) {
		rec, ok := data.Tokens[id]
		if !ok || rec.Revoked {
			return false, nil
		}
		rec.Revoked = true
		consumed = true
		return true, nil
	})
	return consumed, err
}

func (f tokenFile) deleteExpired(cutoff time.Time) error {
	var data tokensData
	return f.store.update(f.name, &data, func() (bool, error) {
		changed := false
		for id, rec := range data.Tokens {
			if rec.ExpiresAt.Before(cutoff) {
				delete(data.Tokens, id)
				changed = true
			}
		}
		return changed, nil
	})
}

// AccessTokenRepository records issued access tokens.
type AccessTokenRepository struct {
	tokenFile
}

func (r *AccessTokenRepository) Persist(ctx context.Context, token *domain.AccessToken) error {
	return r.persist(token.ID, &tokenRecord{ExpiresAt: token.ExpiresAt})
}

func (r *AccessTokenRepository) Revoke(ctx context.Context, tokenID string) error {
	return r.revoke(tokenID)
}

func (r *AccessTokenRepository) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	return r.isRevoked(tokenID)
}

// RefreshTokenRepository records issued refresh tokens and their rotation
// families.
type RefreshTokenRepository struct {
	tokenFile
	accessTokens *AccessTokenRepository
}

func (r *RefreshTokenRepository) Persist(ctx context.Context, token *domain.RefreshToken) error {
	return r.persist(token.ID, &tokenRecord{
		ExpiresAt:     token.ExpiresAt,
		FamilyID:      token.FamilyID,
		AccessTokenID: token.AccessTokenID,
	})
}

func (r *RefreshTokenRepository) Revoke(ctx context.Context, tokenID string) error {
	return r.revoke(tokenID)
}

func (r *RefreshTokenRepository) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	return r.isRevoked(tokenID)
}

func (r *RefreshTokenRepository) Consume(ctx context.Context, tokenID string) (bool, error) {
	return r.consume(tokenID)
}

// RevokeFamily implements store.RefreshTokenFamilyRevoker.
func (r *RefreshTokenRepository) RevokeFamily(ctx context.Context, familyID string) error {
	var accessIDs []string
	var data tokensData
	err := r.store.update(r.name, &data, func() (bool, error) {
		for _, rec := range data.Tokens {
			if rec.FamilyID == familyID {
				rec.Revoked = true
				accessIDs = append(accessIDs, rec.AccessTokenID)
			}
		}
		return len(accessIDs) > 0, nil
	})
	if err != nil {
		return err
	}

	for _, id := range accessIDs {
		if err := r.accessTokens.revoke(id); err != nil {
			return err
		}
	}
	return nil
}

// AuthCodeRepository records issued authorization codes.
type AuthCodeRepository struct {
	tokenFile
}

func (r *AuthCodeRepository) Persist(ctx context.Context, code *domain.AuthCode) error {
	return r.persist(code.ID, &tokenRecord{ExpiresAt: code.ExpiresAt})
}

func (r *AuthCodeRepository) Revoke(ctx context.Context, codeID string) error {
	return r.revoke(codeID)
}

func (r *AuthCodeRepository) IsRevoked(ctx context.Context, codeID string) (bool, error) {
	return r.isRevoked(codeID)
}

func (r *AuthCodeRepository) Consume(ctx context.Context, codeID string) (bool, error) {
	return r.consume(codeID)
}

// Device Code Repository

// DeviceCodeRepository records device authorization requests.
type DeviceCodeRepository struct {
	store *Store
}

type deviceCodeRecord struct {
	domain.DeviceCode
	Revoked bool `json:"revoked"`
}

type deviceCodesData struct {
	DeviceCodes map[string]*deviceCodeRecord `json:"device_codes"`
}

const deviceCodesFile = "device_codes"

// Persist creates or replaces a device code. A user code already held by a
// different live request is reported as a duplicate.
func (r *DeviceCodeRepository) Persist(ctx context.Context, code *domain.DeviceCode) error {
	var data deviceCodesData
	return r.store.update(deviceCodesFile, &data, func() (bool, error) {
		for id, rec := range data.DeviceCodes {
			if id != code.ID && rec.UserCode == code.UserCode && !rec.IsExpired(r.store.now()) {
				return false, store.ErrDuplicateIdentifier
			}
		}
		if data.DeviceCodes == nil {
			data.DeviceCodes = map[string]*deviceCodeRecord{}
		}
		rec := &deviceCodeRecord{DeviceCode: *code}
		if existing, ok := data.DeviceCodes[code.ID]; ok {
			rec.Revoked = existing.Revoked
		}
		data.DeviceCodes[code.ID] = rec
		return true, nil
	})
}

func (r *DeviceCodeRepository) GetByDeviceCode(ctx context.Context, deviceCodeID string) (*domain.DeviceCode, error) {
	var data deviceCodesData
	if err := r.store.view(deviceCodesFile, &data); err != nil {
		return nil, err
	}
	rec, ok := data.DeviceCodes[deviceCodeID]
	if !ok {
		return nil, nil
	}
	return &rec.DeviceCode, nil
}

func (r *DeviceCodeRepository) GetByUserCode(ctx context.Context, userCode string) (*domain.DeviceCode, error) {
	var data deviceCodesData
	if err := r.store.view(deviceCodesFile, &data); err != nil {
		return nil, err
	}
	for _, rec := range data.DeviceCodes {
		if rec.UserCode == userCode {
			return &rec.DeviceCode, nil
		}
	}
	return nil, nil
}

func (r *DeviceCodeRepository) Revoke(ctx context.Context, deviceCodeID string) error {
	var data deviceCodesData
	return r.store.update(deviceCodesFile, &data, func() (bool, error) {
		rec, ok := data.DeviceCodes[deviceCodeID]
		if !ok || rec.Revoked {
			return false, nil
		}
		rec.Revoked = true
		return true, nil
	})
}

func (r *DeviceCodeRepository) IsRevoked(ctx context.Context, deviceCodeID string) (bool, error) {
	var data deviceCodesData
	if err := r.store.view(deviceCodesFile, &data); err != nil {
		return false, err
	}
	rec, ok := data.DeviceCodes[deviceCodeID]
	return !ok || rec.Revoked, nil
}

func (r *DeviceCodeRepository) Consume(ctx context.Context, deviceCodeID string) (bool, error) {
	consumed := false
	var data deviceCodesData
	err := r.store.update(deviceCodesFile, &data, func() (bool, error) {
		rec, ok := data.DeviceCodes[deviceCodeID]
		if !ok || rec.Revoked {
			return false, nil
		}
		rec.Revoked = true
		consumed = true
		return true, nil
	})
	return consumed, err
}

func (r *DeviceCodeRepository) Decide(ctx context.Context, deviceCodeID, userID string, status domain.DeviceCodeStatus) (bool, error) {
	decided := false
	var data deviceCodesData
	err := r.store.update(deviceCodesFile, &data, func() (bool, error) {
		rec, ok := data.DeviceCodes[deviceCodeID]
		if !ok || rec.Revoked || rec.Status != domain.DeviceCodePending {
			return false, nil
		}
		rec.UserID = userID
		rec.Status = status
		decided = true
		return true, nil
	})
	return decided, err
}

func (r *DeviceCodeRepository) UpdateLastPolled(ctx context.Context, deviceCodeID string, polledAt time.Time, interval time.Duration) error {
	var data deviceCodesData
	return r.store.update(deviceCodesFile, &data, func() (bool, error) {
		rec, ok := data.DeviceCodes[deviceCodeID]
		if !ok {
			return false, nil
		}
		rec.LastPolledAt = &polledAt
		rec.Interval = interval
		return true, nil
	})
}

func (r *DeviceCodeRepository) deleteExpired(cutoff time.Time) error {
	var data deviceCodesData
	return r.store.update(deviceCodesFile, &data, func() (bool, error) {
		changed := false
		for id, rec := range data.DeviceCodes {
			if rec.ExpiresAt.Before(cutoff) {
				delete(data.DeviceCodes, id)
				changed = true
			}
		}
		return changed, nil
	})
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
