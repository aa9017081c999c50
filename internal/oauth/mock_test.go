package oauth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tendant/oauth2-engine/internal/crypto"
	"github.com/tendant/oauth2-engine/internal/domain"
	autherrors "github.com/tendant/oauth2-engine/internal/errors"
	"github.com/tendant/oauth2-engine/internal/store"
)

// mockClientRepo implements store.ClientRepository.
type mockClientRepo struct {
	clients map[string]*domain.Client
}

func (m *mockClientRepo) GetClient(ctx context.Context, clientID, grantType string) (*domain.Client, error) {
	return m.clients[clientID], nil
}

// mockScopeRepo implements store.ScopeRepository.
type mockScopeRepo struct {
	scopes   map[string]*domain.Scope
	finalize func(domain.ScopeSet) domain.ScopeSet
}

func (m *mockScopeRepo) GetScope(ctx context.Context, id, grantType, clientID string) (*domain.Scope, error) {
	return m.scopes[id], nil
}

func (m *mockScopeRepo) FinalizeScopes(ctx context.Context, scopes domain.ScopeSet, grantType string, client *domain.Client, userID string) (domain.ScopeSet, error) {
	if m.finalize != nil {
		return m.finalize(scopes), nil
	}
	return scopes, nil
}

// mockUserRepo implements store.UserRepository.
type mockUserRepo struct {
	passwords map[string]string
}

func (m *mockUserRepo) GetUserByCredentials(ctx context.Context, username, password, grantType string, client *domain.Client) (*domain.User, error) {
	if p, ok := m.passwords[username]; ok && p == password {
		return &domain.User{ID: username}, nil
	}
	return nil, nil
}

// mockAccessTokenRepo implements store.AccessTokenRepository.
type mockAccessTokenRepo struct {
	mu         sync.Mutex
	tokens     map[string]*domain.AccessToken
	revoked    map[string]bool
	duplicates int
	err        error
}

func newMockAccessTokenRepo() *mockAccessTokenRepo {
	return &mockAccessTokenRepo{tokens: map[string]*domain.AccessToken{}, revoked: map[string]bool{}}
}

func (m *mockAccessTokenRepo) Persist(ctx context.Context, t *domain.AccessToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.duplicates > 0 {
		m.duplicates--
		return store.ErrDuplicateIdentifier
	}
	m.tokens[t.ID] = t
	return nil
}

func (m *mockAccessTokenRepo) Revoke(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked[id] = true
	return nil
}

func (m *mockAccessTokenRepo) IsRevoked(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	return m.revoked[id], nil
}

// mockRefreshTokenRepo implements store.RefreshTokenRepository and
// store.RefreshTokenFamilyRevoker.
type mockRefreshTokenRepo struct {
	mu      sync.Mutex
	tokens  map[string]*domain.RefreshToken
	revoked map[string]bool
	access  *mockAccessTokenRepo
}

func newMockRefreshTokenRepo(access *mockAccessTokenRepo) *mockRefreshTokenRepo {
	return &mockRefreshTokenRepo{tokens: map[string]*domain.RefreshToken{}, revoked: map[string]bool{}, access: access}
}

func (m *mockRefreshTokenRepo) Persist(ctx context.Context, t *domain.RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tokens[t.ID]; ok {
		return store.ErrDuplicateIdentifier
	}
	m.tokens[t.ID] = t
	return nil
}

func (m *mockRefreshTokenRepo) Revoke(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked[id] = true
	return nil
}

func (m *mockRefreshTokenRepo) IsRevoked(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.revoked[id], nil
}

func (m *mockRefreshTokenRepo) Consume(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.revoked[id] {
		return false, nil
	}
	m.revoked[id] = true
	return true, nil
}

func (m *mockRefreshTokenRepo) RevokeFamily(ctx context.Context, familyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.tokens {
		if t.FamilyID == familyID {
			m.revoked[id] = true
			m.access.Revoke(ctx, t.AccessTokenID)
		}
	}
	return nil
}

// mockAuthCodeRepo implements store.AuthCodeRepository.
type mockAuthCodeRepo struct {
	mu      sync.Mutex
	codes   map[string]*domain.AuthCode
	revoked map[string]bool
}

func newMockAuthCodeRepo() *mockAuthCodeRepo {
	return &mockAuthCodeRepo{codes: map[string]*domain.AuthCode{}, revoked: map[string]bool{}}
}

func (m *mockAuthCodeRepo) Persist(ctx context.Context, c *domain.AuthCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.codes[c.ID] = c
	return nil
}

func (m *mockAuthCodeRepo) Revoke(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked[id] = true
	return nil
}

func (m *mockAuthCodeRepo) IsRevoked(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.revoked[id], nil
}

func (m *mockAuthCodeRepo) Consume(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.revoked[id] {
		return false, nil
	}
	m.revoked[id] = true
	return true, nil
}

// mockDeviceCodeRepo implements store.DeviceCodeRepository.
type mockDeviceCodeRepo struct {
	mu      sync.Mutex
	codes   map[string]*domain.DeviceCode
	revoked map[string]bool

	// beforeDecide runs ahead of each Decide, outside the lock.
	beforeDecide func()
}

func newMockDeviceCodeRepo() *mockDeviceCodeRepo {
	return &mockDeviceCodeRepo{codes: map[string]*domain.DeviceCode{}, revoked: map[string]bool{}}
}

func (m *mockDeviceCodeRepo) Persist(ctx context.Context, c *domain.DeviceCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.codes[c.ID] = &cp
	return nil
}

func (m *mockDeviceCodeRepo) GetByDeviceCode(ctx context.Context, id string) (*domain.DeviceCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.codes[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (m *mockDeviceCodeRepo) GetByUserCode(ctx context.Context, userCode string) (*domain.DeviceCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.codes {
		if c.UserCode == userCode {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *mockDeviceCodeRepo) Revoke(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked[id] = true
	return nil
}

func (m *mockDeviceCodeRepo) IsRevoked(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.revoked[id], nil
}

func (m *mockDeviceCodeRepo) Consume(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.revoked[id] {
		return false, nil
	}
	m.revoked[id] = true
	return true, nil
}

func (m *mockDeviceCodeRepo) Decide(ctx context.Context, id, userID string, status domain.DeviceCodeStatus) (bool, error) {
	if hook := m.beforeDecide; hook != nil {
		m.beforeDecide = nil
		hook()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.codes[id]
	if !ok || m.revoked[id] || c.Status != domain.DeviceCodePending {
		return false, nil
	}
	c.UserID = userID
	c.Status = status
	return true, nil
}

func (m *mockDeviceCodeRepo) UpdateLastPolled(ctx context.Context, id string, polledAt time.Time, interval time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.codes[id]; ok {
		c.LastPolledAt = &polledAt
		c.Interval = interval
	}
	return nil
}

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingListener collects events.
type recordingListener struct {
	mu     sync.Mutex
	events []Event
}

func (l *recordingListener) Handle(ctx context.Context, e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *recordingListener) count(t EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

const (
	testSecret      = "s3cret"
	testRedirectURI = "https://app.example.com/callback"
)

// testEnv wires a Server against in-memory mocks.
type testEnv struct {
	server        *Server
	clock         *fakeClock
	events        *recordingListener
	clients       *mockClientRepo
	scopes        *mockScopeRepo
	accessTokens  *mockAccessTokenRepo
	refreshTokens *mockRefreshTokenRepo
	authCodes     *mockAuthCodeRepo
	deviceCodes   *mockDeviceCodeRepo
	validator     *BearerValidator
	handler       *TokenHandler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	kp, err := crypto.GenerateECKeyPair(nil)
	if err != nil {
		t.Fatalf("GenerateECKeyPair() error = %v", err)
	}
	signer, err := crypto.NewSigner(kp)
	if err != nil {
		t.Fatalf("NewSigner() error = %v", err)
	}
	key, err := crypto.GenerateEncryptionKey()
	if err != nil {
		t.Fatalf("GenerateEncryptionKey() error = %v", err)
	}
	envelope, err := crypto.NewKeyEnvelope(key)
	if err != nil {
		t.Fatalf("NewKeyEnvelope() error = %v", err)
	}

	env := &testEnv{
		clock:  newFakeClock(),
		events: &recordingListener{},
		clients: &mockClientRepo{clients: map[string]*domain.Client{
			"confidential": {ID: "confidential", Secret: testSecret, RedirectURIs: []string{testRedirectURI}},
			"public":       {ID: "public", RedirectURIs: []string{testRedirectURI, "http://127.0.0.1/cb"}},
			"other":        {ID: "other", Secret: testSecret, RedirectURIs: []string{"https://other.example.com/cb"}},
			"limited":      {ID: "limited", Secret: testSecret, RedirectURIs: []string{testRedirectURI}, GrantTypes: []string{GrantTypeClientCredentials}},
		}},
		scopes: &mockScopeRepo{scopes: map[string]*domain.Scope{
			"basic": {ID: "basic"},
			"email": {ID: "email"},
			"admin": {ID: "admin"},
		}},
		accessTokens: newMockAccessTokenRepo(),
		authCodes:    newMockAuthCodeRepo(),
		deviceCodes:  newMockDeviceCodeRepo(),
	}
	env.refreshTokens = newMockRefreshTokenRepo(env.accessTokens)

	env.server, err = NewServer(Config{
		Clients:       env.clients,
		Scopes:        env.scopes,
		AccessTokens:  env.accessTokens,
		RefreshTokens: env.refreshTokens,
		Signer:        signer,
		Envelope:      envelope,
		DefaultScope:  "basic",
	}, WithClock(env.clock.Now), WithListener(env.events))
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}

	verifier, err := crypto.NewVerifier([]*crypto.KeyPair{kp}, crypto.WithVerifierClock(env.clock.Now))
	if err != nil {
		t.Fatalf("NewVerifier() error = %v", err)
	}
	env.validator = NewBearerValidator(verifier, env.accessTokens, nil)
	env.handler = NewTokenHandler(env.server, env.validator)
	return env
}

// tokenRequest builds a form POST, authenticating the client via Basic auth
// when secret is non-empty.
func tokenRequest(clientID, secret string, form url.Values) *http.Request {
	if secret == "" && clientID != "" {
		form.Set("client_id", clientID)
	}
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if secret != "" {
		req.SetBasicAuth(clientID, secret)
	}
	return req
}

func assertCode(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", code)
	}
	if !autherrors.IsCode(err, code) {
		t.Fatalf("expected %s error, got %v", code, err)
	}
}
