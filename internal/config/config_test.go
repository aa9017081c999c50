package config

import (
	"os"
	"slices"
	"testing"
	"time"

	"github.com/tendant/oauth2-engine/internal/crypto"
)

func TestLoadDefaults(t *testing.T) {
	clearAuthEnvVars()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Host != "0.0.0.0" {
		t.Errorf("Expected default host '0.0.0.0', got '%s'", cfg.Host)
	}
	if cfg.Port != 8080 {
		t.Errorf("Expected default port 8080, got %d", cfg.Port)
	}
	if cfg.IssuerURL != "http://localhost:8080" {
		t.Errorf("Expected default issuer URL, got '%s'", cfg.IssuerURL)
	}
	if cfg.Store != "memory" {
		t.Errorf("Expected default store 'memory', got '%s'", cfg.Store)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("Expected default log format 'json', got '%s'", cfg.LogFormat)
	}
	if cfg.RefreshReusePolicy != "revoke_family" {
		t.Errorf("Expected default reuse policy 'revoke_family', got '%s'", cfg.RefreshReusePolicy)
	}
	if !cfg.IssueRefreshTokens {
		t.Error("Refresh tokens should be issued by default")
	}
	if cfg.AllowPlainPKCE {
		t.Error("Plain PKCE should be disabled by default")
	}
	if cfg.VerificationURI != "http://localhost:8080/device/verify" {
		t.Errorf("Expected derived verification URI, got '%s'", cfg.VerificationURI)
	}
	if cfg.TokenRateLimit != 20 {
		t.Errorf("Expected default token rate limit 20, got %d", cfg.TokenRateLimit)
	}
	if cfg.LockoutMaxAttempts != 5 {
		t.Errorf("Expected default lockout max attempts 5, got %d", cfg.LockoutMaxAttempts)
	}
}

func TestLoadFromEnv(t *testing.T) {
	clearAuthEnvVars()

	os.Setenv("AUTH_HOST", "127.0.0.1")
	os.Setenv("AUTH_PORT", "9090")
	os.Setenv("AUTH_ISSUER_URL", "https://auth.example.com/")
	os.Setenv("AUTH_STORE", "file")
	os.Setenv("AUTH_DATA_DIR", "/var/auth/data")
	os.Setenv("AUTH_LOG_LEVEL", "debug")
	os.Setenv("AUTH_REQUIRE_PKCE", "true")
	os.Setenv("AUTH_REFRESH_REUSE_POLICY", "reject")
	os.Setenv("AUTH_PUBLIC_KEYS", "/keys/old.pem,/keys/older.pem")
	os.Setenv("AUTH_DEVICE_POLL_INTERVAL", "10s")
	defer clearAuthEnvVars()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Addr() != "127.0.0.1:9090" {
		t.Errorf("Expected addr '127.0.0.1:9090', got '%s'", cfg.Addr())
	}
	if cfg.Store != "file" || cfg.DataDir != "/var/auth/data" {
		t.Errorf("Unexpected store settings: %s %s", cfg.Store, cfg.DataDir)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("Expected log level 'debug', got '%s'", cfg.LogLevel)
	}
	if !cfg.RequirePKCE {
		t.Error("Expected RequirePKCE to be true")
	}
	if cfg.RefreshReusePolicy != "reject" {
		t.Errorf("Expected reuse policy 'reject', got '%s'", cfg.RefreshReusePolicy)
	}
	if !slices.Equal(cfg.PublicKeys, []string{"/keys/old.pem", "/keys/older.pem"}) {
		t.Errorf("Unexpected public keys: %v", cfg.PublicKeys)
	}
	if cfg.DevicePollInterval != 10*time.Second {
		t.Errorf("Expected poll interval 10s, got %v", cfg.DevicePollInterval)
	}
	if cfg.VerificationURI != "https://auth.example.com/device/verify" {
		t.Errorf("Unexpected verification URI '%s'", cfg.VerificationURI)
	}
}

func TestEncryptionKeyAutoGeneration(t *testing.T) {
	clearAuthEnvVars()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if !cfg.EncryptionKeyGenerated {
		t.Error("EncryptionKeyGenerated flag should be true")
	}
	if _, err := crypto.ParseEncryptionKey(cfg.EncryptionKey); err != nil {
		t.Errorf("Generated key does not parse: %v", err)
	}

	cfg2, _ := Load()
	if cfg.EncryptionKey == cfg2.EncryptionKey {
		t.Error("Different loads should generate different keys")
	}
}

func TestCSRFSecret(t *testing.T) {
	clearAuthEnvVars()
	defer clearAuthEnvVars()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.CSRFSecret == "" || !cfg.CSRFSecretGenerated {
		t.Error("CSRF secret should be auto-generated")
	}

	os.Setenv("AUTH_CSRF_SECRET", "consent-secret")
	os.Setenv("AUTH_COOKIE_SECURE", "true")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.CSRFSecret != "consent-secret" || cfg.CSRFSecretGenerated {
		t.Errorf("Expected configured CSRF secret, got %q (generated %v)", cfg.CSRFSecret, cfg.CSRFSecretGenerated)
	}
	if !cfg.CookieSecure {
		t.Error("Expected cookie secure to be true")
	}
}

func TestEncryptionPasswordSkipsGeneration(t *testing.T) {
	clearAuthEnvVars()
	os.Setenv("AUTH_ENCRYPTION_PASSWORD", "hunter2")
	defer clearAuthEnvVars()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.EncryptionKeyGenerated || cfg.EncryptionKey != "" {
		t.Error("A configured password should not produce a generated key")
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"store", "AUTH_STORE", "postgres"},
		{"reuse policy", "AUTH_REFRESH_REUSE_POLICY", "ignore"},
		{"access token ttl", "AUTH_ACCESS_TOKEN_TTL", "0s"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearAuthEnvVars()
			os.Setenv(tt.key, tt.value)
			defer clearAuthEnvVars()

			if _, err := Load(); err == nil {
				t.Errorf("Expected an error for %s=%s", tt.key, tt.value)
			}
		})
	}
}

func TestParseBootstrapUsers(t *testing.T) {
	tests := []struct {
		name           string
		bootstrapUsers string
		wantCount      int
		wantFirst      *BootstrapUser
	}{
		{
			name:      "empty",
			wantCount: 0,
		},
		{
			name:           "single user with id",
			bootstrapUsers: "alex:password123:42",
			wantCount:      1,
			wantFirst:      &BootstrapUser{Username: "alex", Password: "password123", ID: "42"},
		},
		{
			name:           "id defaults to username",
			bootstrapUsers: "alex:password123",
			wantCount:      1,
			wantFirst:      &BootstrapUser{Username: "alex", Password: "password123", ID: "alex"},
		},
		{
			name:           "with whitespace",
			bootstrapUsers: " alex : password : 7 , sam:pass2 ",
			wantCount:      2,
			wantFirst:      &BootstrapUser{Username: "alex", Password: "password", ID: "7"},
		},
		{
			name:           "invalid entries skipped",
			bootstrapUsers: "invalid,alex:password:1",
			wantCount:      1,
			wantFirst:      &BootstrapUser{Username: "alex", Password: "password", ID: "1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{BootstrapUsers: tt.bootstrapUsers}
			users := cfg.ParseBootstrapUsers()

			if len(users) != tt.wantCount {
				t.Fatalf("Expected %d users, got %d", tt.wantCount, len(users))
			}
			if tt.wantFirst != nil && users[0] != *tt.wantFirst {
				t.Errorf("Expected %+v, got %+v", *tt.wantFirst, users[0])
			}
		})
	}
}

func TestParseBootstrapClients(t *testing.T) {
	tests := []struct {
		name             string
		bootstrapClients string
		wantClients      []BootstrapClient
	}{
		{
			name: "empty",
		},
		{
			name:             "confidential client",
			bootstrapClients: "my-app|secret123|https://app.example.com/callback",
			wantClients: []BootstrapClient{
				{ID: "my-app", Secret: "secret123", RedirectURIs: []string{"https://app.example.com/callback"}},
			},
		},
		{
			name:             "public client with grant types",
			bootstrapClients: "cli||http://127.0.0.1/cb|authorization_code refresh_token",
			wantClients: []BootstrapClient{
				{ID: "cli", RedirectURIs: []string{"http://127.0.0.1/cb"}, GrantTypes: []string{"authorization_code", "refresh_token"}, Public: true},
			},
		},
		{
			name:             "multiple clients and URIs",
			bootstrapClients: "app1|s1|https://a.com/cb https://b.com/cb, app2|s2|https://c.com/cb",
			wantClients: []BootstrapClient{
				{ID: "app1", Secret: "s1", RedirectURIs: []string{"https://a.com/cb", "https://b.com/cb"}},
				{ID: "app2", Secret: "s2", RedirectURIs: []string{"https://c.com/cb"}},
			},
		},
		{
			name:             "invalid entries skipped",
			bootstrapClients: "invalid|only-two,valid-app|secret|https://valid.com/callback",
			wantClients: []BootstrapClient{
				{ID: "valid-app", Secret: "secret", RedirectURIs: []string{"https://valid.com/callback"}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{BootstrapClients: tt.bootstrapClients}
			clients := cfg.ParseBootstrapClients()

			if len(clients) != len(tt.wantClients) {
				t.Fatalf("Expected %d clients, got %d", len(tt.wantClients), len(clients))
			}
			for i, want := range tt.wantClients {
				got := clients[i]
				if got.ID != want.ID || got.Secret != want.Secret || got.Public != want.Public {
					t.Errorf("Client %d: expected %+v, got %+v", i, want, got)
				}
				if !slices.Equal(got.RedirectURIs, want.RedirectURIs) {
					t.Errorf("Client %d: expected URIs %v, got %v", i, want.RedirectURIs, got.RedirectURIs)
				}
				if !slices.Equal(got.GrantTypes, want.GrantTypes) {
					t.Errorf("Client %d: expected grant types %v, got %v", i, want.GrantTypes, got.GrantTypes)
				}
			}
		})
	}
}

func TestSimpleClientComesFirst(t *testing.T) {
	cfg := &Config{
		ClientID:          "simple-app",
		ClientSecret:      "simple-secret",
		ClientRedirectURI: "http://localhost:3000/callback",
		BootstrapClients:  "complex-app|complex-secret|https://complex.com/callback",
	}

	clients := cfg.ParseBootstrapClients()
	if len(clients) != 2 {
		t.Fatalf("Expected 2 clients, got %d", len(clients))
	}
	if clients[0].ID != "simple-app" || clients[1].ID != "complex-app" {
		t.Errorf("Unexpected order: %s, %s", clients[0].ID, clients[1].ID)
	}
}

func TestParseBootstrapScopes(t *testing.T) {
	cfg := &Config{BootstrapScopes: "basic:Basic access, email ,bad scope:x,:empty"}
	scopes := cfg.ParseBootstrapScopes()

	want := []BootstrapScope{{ID: "basic", Description: "Basic access"}, {ID: "email"}}
	if !slices.Equal(scopes, want) {
		t.Errorf("Expected %+v, got %+v", want, scopes)
	}
}

func clearAuthEnvVars() {
	vars := []string{
		"AUTH_HOST", "AUTH_PORT", "AUTH_ISSUER_URL", "AUTH_STORE", "AUTH_DATA_DIR",
		"AUTH_PRIVATE_KEY", "AUTH_PRIVATE_KEY_PASSPHRASE", "AUTH_PUBLIC_KEYS",
		"AUTH_ENCRYPTION_KEY", "AUTH_ENCRYPTION_PASSWORD", "AUTH_ENCRYPTION_SALT", "AUTH_ENCRYPTION_PREVIOUS_SALTS",
		"AUTH_ACCESS_TOKEN_TTL", "AUTH_REFRESH_TOKEN_TTL", "AUTH_AUTH_CODE_TTL",
		"AUTH_DEVICE_CODE_TTL", "AUTH_DEVICE_POLL_INTERVAL", "AUTH_TOKEN_LEEWAY",
		"AUTH_ISSUE_REFRESH_TOKENS", "AUTH_REFRESH_REUSE_POLICY", "AUTH_DEFAULT_SCOPE",
		"AUTH_ALLOW_PLAIN_PKCE", "AUTH_REQUIRE_PKCE",
		"AUTH_VERIFICATION_URI", "AUTH_VERIFICATION_URI_COMPLETE",
		"AUTH_TOKEN_RATE_LIMIT", "AUTH_CORS_ALLOWED_ORIGINS", "AUTH_CSRF_SECRET", "AUTH_COOKIE_SECURE", "AUTH_COOKIE_DOMAIN", "AUTH_LOCKOUT_MAX_ATTEMPTS", "AUTH_LOCKOUT_DURATION",
		"AUTH_LOG_LEVEL", "AUTH_LOG_FORMAT",
		"AUTH_BOOTSTRAP_USERS", "AUTH_BOOTSTRAP_CLIENTS", "AUTH_BOOTSTRAP_SCOPES",
		"AUTH_CLIENT_ID", "AUTH_CLIENT_SECRET", "AUTH_CLIENT_REDIRECT_URI",
	}
	for _, v := range vars {
		os.Unsetenv(v)
	}
}
