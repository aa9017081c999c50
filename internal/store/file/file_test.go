package file

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tendant/oauth2-engine/internal/auth"
	"github.com/tendant/oauth2-engine/internal/domain"
	"github.com/tendant/oauth2-engine/internal/store"
)

func setupTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), opts...)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func fields(id string, expiresAt time.Time) domain.TokenFields {
	return domain.TokenFields{ID: id, ExpiresAt: expiresAt, ClientID: "app"}
}

func TestClientRepository_CRUD(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	repo := s.Clients()

	client := &domain.Client{
		ID:           "client-1",
		Name:         "Test Client",
		Secret:       "secret",
		RedirectURIs: []string{"https://app.example.com/callback"},
		GrantTypes:   []string{"authorization_code"},
	}
	if err := repo.Create(ctx, client); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := repo.Create(ctx, client); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("Expected ErrAlreadyExists, got %v", err)
	}

	got, err := repo.GetClient(ctx, "client-1", "")
	if err != nil {
		t.Fatalf("GetClient failed: %v", err)
	}
	if got == nil || got.Name != "Test Client" || !got.AllowsGrant("authorization_code") || got.AllowsGrant("password") {
		t.Errorf("Unexpected client: %+v", got)
	}

	if got, err := repo.GetClient(ctx, "missing", ""); err != nil || got != nil {
		t.Errorf("Expected (nil, nil) for unknown client, got %+v, %v", got, err)
	}

	list, err := repo.List(ctx)
	if err != nil || len(list) != 1 {
		t.Errorf("List = %d clients, %v", len(list), err)
	}

	if err := repo.Delete(ctx, "client-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if got, _ := repo.GetClient(ctx, "client-1", ""); got != nil {
		t.Error("Client should be deleted")
	}
}

func TestScopeAndCredentialRepositories(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if err := s.Scopes().Create(ctx, &domain.Scope{ID: "basic", Description: "Basic"}); err != nil {
		t.Fatalf("Create scope failed: %v", err)
	}
	if err := s.Scopes().Create(ctx, &domain.Scope{ID: "basic"}); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("Expected ErrAlreadyExists, got %v", err)
	}
	if sc, _ := s.Scopes().GetScope(ctx, "basic", "", "app"); sc == nil || sc.Description != "Basic" {
		t.Errorf("Unexpected scope: %+v", sc)
	}
	if sc, _ := s.Scopes().GetScope(ctx, "admin", "", "app"); sc != nil {
		t.Error("Unknown scope should not be found")
	}

	cred := &auth.Credential{UserID: "1", Username: "alex", PasswordHash: "hash", Active: true}
	if err := s.Credentials().Create(ctx, cred); err != nil {
		t.Fatalf("Create credential failed: %v", err)
	}
	if err := s.Credentials().Create(ctx, cred); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("Expected ErrAlreadyExists, got %v", err)
	}
	if got, _ := s.Credentials().GetCredential(ctx, "alex"); got == nil || got.UserID != "1" {
		t.Errorf("Unexpected credential: %+v", got)
	}
}

func TestAccessTokenRepository(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	repo := s.AccessTokens()

	token := &domain.AccessToken{TokenFields: fields("at-1", time.Now().Add(time.Hour))}
	if err := repo.Persist(ctx, token); err != nil {
		t.Fatalf("Persist failed: %v", err)
	}
	if err := repo.Persist(ctx, token); !errors.Is(err, store.ErrDuplicateIdentifier) {
		t.Errorf("Expected ErrDuplicateIdentifier, got %v", err)
	}

	if revoked, err := repo.IsRevoked(ctx, "at-1"); err != nil || revoked {
		t.Errorf("IsRevoked = %v, %v", revoked, err)
	}
	if revoked, _ := repo.IsRevoked(ctx, "unknown"); !revoked {
		t.Error("Unknown token should be reported revoked")
	}

	if err := repo.Revoke(ctx, "at-1"); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	if revoked, _ := repo.IsRevoked(ctx, "at-1"); !revoked {
		t.Error("Token should be revoked")
	}
}

func TestAuthCodeRepository_ConsumeOnce(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	repo := s.AuthCodes()

	if err := repo.Persist(ctx, &domain.AuthCode{TokenFields: fields("code-1", time.Now().Add(time.Minute))}); err != nil {
		t.Fatalf("Persist failed: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := repo.Consume(ctx, "code-1")
			if err != nil {
				t.Errorf("Consume failed: %v", err)
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("Consume succeeded %d times, want 1", wins)
	}
}

func TestRefreshTokenRepository_RevokeFamily(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	exp := time.Now().Add(time.Hour)

	for _, id := range []string{"at-1", "at-2", "at-3"} {
		s.AccessTokens().Persist(ctx, &domain.AccessToken{TokenFields: fields(id, exp)})
	}
	s.RefreshTokens().Persist(ctx, &domain.RefreshToken{TokenFields: fields("rt-1", exp), AccessTokenID: "at-1", FamilyID: "rt-1"})
	s.RefreshTokens().Persist(ctx, &domain.RefreshToken{TokenFields: fields("rt-2", exp), AccessTokenID: "at-2", FamilyID: "rt-1"})
	s.RefreshTokens().Persist(ctx, &domain.RefreshToken{TokenFields: fields("rt-3", exp), AccessTokenID: "at-3", FamilyID: "rt-3"})

	if ok, _ := s.RefreshTokens().Consume(ctx, "rt-1"); !ok {
		t.Fatal("Consume failed")
	}
	if err := s.RefreshTokens().RevokeFamily(ctx, "rt-1"); err != nil {
		t.Fatalf("RevokeFamily failed: %v", err)
	}

	for id, want := range map[string]bool{"rt-2": true, "rt-3": false} {
		if got, _ := s.RefreshTokens().IsRevoked(ctx, id); got != want {
			t.Errorf("refresh %s revoked = %v, want %v", id, got, want)
		}
	}
	for id, want := range map[string]bool{"at-1": true, "at-2": true, "at-3": false} {
		if got, _ := s.AccessTokens().IsRevoked(ctx, id); got != want {
			t.Errorf("access %s revoked = %v, want %v", id, got, want)
		}
	}
}

func TestDeviceCodeRepository(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	repo := s.DeviceCodes()
	exp := time.Now().Add(time.Minute)

	code := &domain.DeviceCode{TokenFields: fields("dc-1", exp), UserCode: "BCDF-GHJK", Status: domain.DeviceCodePending, Interval: 5 * time.Second}
	if err := repo.Persist(ctx, code); err != nil {
		t.Fatalf("Persist failed: %v", err)
	}
	other := &domain.DeviceCode{TokenFields: fields("dc-2", exp), UserCode: "BCDF-GHJK"}
	if err := repo.Persist(ctx, other); !errors.Is(err, store.ErrDuplicateIdentifier) {
		t.Errorf("Expected ErrDuplicateIdentifier, got %v", err)
	}

	got, err := repo.GetByUserCode(ctx, "BCDF-GHJK")
	if err != nil || got == nil || got.ID != "dc-1" || got.ClientID != "app" {
		t.Fatalf("GetByUserCode = %+v, %v", got, err)
	}

	got.Status = domain.DeviceCodeApproved
	got.UserID = "alex"
	if err := repo.Persist(ctx, got); err != nil {
		t.Fatalf("Persist update failed: %v", err)
	}
	polled := time.Now().UTC().Truncate(time.Second)
	if err := repo.UpdateLastPolled(ctx, "dc-1", polled, 10*time.Second); err != nil {
		t.Fatalf("UpdateLastPolled failed: %v", err)
	}

	got, _ = repo.GetByDeviceCode(ctx, "dc-1")
	if !got.IsApproved() || got.UserID != "alex" || got.Interval != 10*time.Second {
		t.Errorf("Unexpected stored code: %+v", got)
	}
	if got.LastPolledAt == nil || !got.LastPolledAt.Equal(polled) {
		t.Errorf("LastPolledAt = %v, want %v", got.LastPolledAt, polled)
	}

	if ok, _ := repo.Consume(ctx, "dc-1"); !ok {
		t.Error("First Consume should succeed")
	}
	if ok, _ := repo.Consume(ctx, "dc-1"); ok {
		t.Error("Second Consume should fail")
	}
	repo.Persist(ctx, got)
	if revoked, _ := repo.IsRevoked(ctx, "dc-1"); !revoked {
		t.Error("Persist should keep the revocation")
	}
}

func TestDeviceCodeRepository_DecideOnce(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	repo := s.DeviceCodes()
	exp := time.Now().Add(time.Minute)

	if err := repo.Persist(ctx, &domain.DeviceCode{TokenFields: fields("dc-1", exp), UserCode: "BCDF-GHJK", Status: domain.DeviceCodePending}); err != nil {
		t.Fatalf("Persist failed: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status := domain.DeviceCodeApproved
			if i%2 == 1 {
				status = domain.DeviceCodeDenied
			}
			ok, err := repo.Decide(ctx, "dc-1", "alex", status)
			if err != nil {
				t.Errorf("Decide failed: %v", err)
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("Decide succeeded %d times, want 1", wins)
	}
	got, _ := repo.GetByDeviceCode(ctx, "dc-1")
	if got.Status == domain.DeviceCodePending || got.UserID != "alex" {
		t.Errorf("Unexpected stored code: %+v", got)
	}

	repo.Revoke(ctx, "dc-1")
	if ok, _ := repo.Decide(ctx, "dc-1", "alex", domain.DeviceCodeApproved); ok {
		t.Error("Decide on a revoked code should fail")
	}
}

func TestDeleteExpired(t *testing.T) {
	now := time.Now()
	s := setupTestStore(t, WithRetention(time.Minute), WithClock(func() time.Time { return now }))
	ctx := context.Background()

	s.AccessTokens().Persist(ctx, &domain.AccessToken{TokenFields: fields("old", now.Add(-2*time.Minute))})
	s.AccessTokens().Persist(ctx, &domain.AccessToken{TokenFields: fields("grace", now.Add(-30*time.Second))})
	s.AccessTokens().Persist(ctx, &domain.AccessToken{TokenFields: fields("live", now.Add(time.Hour))})
	s.DeviceCodes().Persist(ctx, &domain.DeviceCode{TokenFields: fields("dc-old", now.Add(-time.Hour)), UserCode: "AAAA-AAAA"})

	if err := s.DeleteExpired(ctx); err != nil {
		t.Fatalf("DeleteExpired failed: %v", err)
	}

	var data tokensData
	if err := s.view("access_tokens", &data); err != nil {
		t.Fatal(err)
	}
	if _, ok := data.Tokens["old"]; ok {
		t.Error("Expired token should be deleted")
	}
	if _, ok := data.Tokens["grace"]; !ok {
		t.Error("Token within retention should be kept")
	}
	if _, ok := data.Tokens["live"]; !ok {
		t.Error("Live token should be kept")
	}
	if got, _ := s.DeviceCodes().GetByDeviceCode(ctx, "dc-old"); got != nil {
		t.Error("Expired device code should be deleted")
	}
}

func TestPersistenceAcrossRestarts(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s1, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	s1.Clients().Create(ctx, &domain.Client{ID: "app", RedirectURIs: []string{"https://a/cb"}})
	s1.RefreshTokens().Persist(ctx, &domain.RefreshToken{TokenFields: fields("rt-1", time.Now().Add(time.Hour)), FamilyID: "rt-1"})
	s1.RefreshTokens().Consume(ctx, "rt-1")
	s1.Close()

	s2, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	defer s2.Close()

	if c, _ := s2.Clients().GetClient(ctx, "app", ""); c == nil {
		t.Error("Client should persist across restarts")
	}
	if revoked, _ := s2.RefreshTokens().IsRevoked(ctx, "rt-1"); !revoked {
		t.Error("Consumed refresh token should stay revoked across restarts")
	}
}
