// Package config handles application configuration via environment variables.
package config

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/tendant/oauth2-engine/internal/crypto"
)

// Config holds all configuration for the authorization server.
type Config struct {
	// Server settings
	Host string `env:"AUTH_HOST" env-default:"0.0.0.0"`
	Port int    `env:"AUTH_PORT" env-default:"8080"`

	// Issuer URL, also the base for the device verification URI
	IssuerURL string `env:"AUTH_ISSUER_URL" env-default:"http://localhost:8080"`

	// Storage settings
	Store   string `env:"AUTH_STORE" env-default:"memory"` // memory or file
	DataDir string `env:"AUTH_DATA_DIR" env-default:"./data"`

	// Keys. PrivateKey is an inline PEM, a file:// URI or a path; when empty
	// an ephemeral EC key is generated at startup.
	PrivateKey           string   `env:"AUTH_PRIVATE_KEY"`
	PrivateKeyPassphrase string   `env:"AUTH_PRIVATE_KEY_PASSPHRASE"`
	PublicKeys           []string `env:"AUTH_PUBLIC_KEYS" env-separator:","` // previous keys still accepted for verification
	EncryptionKey        string   `env:"AUTH_ENCRYPTION_KEY"`
	EncryptionPassword   string   `env:"AUTH_ENCRYPTION_PASSWORD"`
	EncryptionSalt       string   `env:"AUTH_ENCRYPTION_SALT"`                             // base64, password mode only
	EncryptionOldSalts   []string `env:"AUTH_ENCRYPTION_PREVIOUS_SALTS" env-separator:","` // still accepted for decryption

	// Token settings
	AccessTokenTTL     time.Duration `env:"AUTH_ACCESS_TOKEN_TTL" env-default:"1h"`
	RefreshTokenTTL    time.Duration `env:"AUTH_REFRESH_TOKEN_TTL" env-default:"720h"` // 30 days
	AuthCodeTTL        time.Duration `env:"AUTH_AUTH_CODE_TTL" env-default:"10m"`
	DeviceCodeTTL      time.Duration `env:"AUTH_DEVICE_CODE_TTL" env-default:"10m"`
	DevicePollInterval time.Duration `env:"AUTH_DEVICE_POLL_INTERVAL" env-default:"5s"`
	TokenLeeway        time.Duration `env:"AUTH_TOKEN_LEEWAY" env-default:"0s"`
	IssueRefreshTokens bool          `env:"AUTH_ISSUE_REFRESH_TOKENS" env-default:"true"`
	RefreshReusePolicy string        `env:"AUTH_REFRESH_REUSE_POLICY" env-default:"revoke_family"` // revoke_family or reject
	DefaultScope       string        `env:"AUTH_DEFAULT_SCOPE"`

	// PKCE
	AllowPlainPKCE bool `env:"AUTH_ALLOW_PLAIN_PKCE" env-default:"false"`
	RequirePKCE    bool `env:"AUTH_REQUIRE_PKCE" env-default:"false"`

	// Device flow
	VerificationURI         string `env:"AUTH_VERIFICATION_URI"` // defaults to <issuer>/device/verify
	VerificationURIComplete bool   `env:"AUTH_VERIFICATION_URI_COMPLETE" env-default:"true"`

	// Rate limiting
	TokenRateLimit int `env:"AUTH_TOKEN_RATE_LIMIT" env-default:"20"` // requests per minute per IP

	// CORS
	CORSAllowedOrigins []string `env:"AUTH_CORS_ALLOWED_ORIGINS" env-separator:","`

	// Consent form CSRF protection
	CSRFSecret   string `env:"AUTH_CSRF_SECRET"`
	CookieSecure bool   `env:"AUTH_COOKIE_SECURE" env-default:"false"`
	CookieDomain string `env:"AUTH_COOKIE_DOMAIN"`

	// Account lockout
	LockoutMaxAttempts int           `env:"AUTH_LOCKOUT_MAX_ATTEMPTS" env-default:"5"`
	LockoutDuration    time.Duration `env:"AUTH_LOCKOUT_DURATION" env-default:"15m"`

	// Logging
	LogLevel  string `env:"AUTH_LOG_LEVEL" env-default:"info"`
	LogFormat string `env:"AUTH_LOG_FORMAT" env-default:"json"` // json or text

	// Bootstrap data (created on startup if not exists)
	// Format: "username:password:user_id,username2:password2"
	BootstrapUsers string `env:"AUTH_BOOTSTRAP_USERS"`
	// Format: "client_id|client_secret|redirect_uris|grant_types" (| avoids URL conflicts)
	// Redirect URIs and grant types are space separated; grant types are optional.
	// Multiple clients separated by comma. Empty secret for public clients.
	BootstrapClients string `env:"AUTH_BOOTSTRAP_CLIENTS"`
	// Format: "scope:description,scope2"
	BootstrapScopes string `env:"AUTH_BOOTSTRAP_SCOPES" env-default:"basic:Basic access"`

	// Simple single-client configuration
	ClientID          string `env:"AUTH_CLIENT_ID"`
	ClientSecret      string `env:"AUTH_CLIENT_SECRET"`
	ClientRedirectURI string `env:"AUTH_CLIENT_REDIRECT_URI"`

	// Internal flags (not from env)
	EncryptionKeyGenerated bool `env:"-"` // True if the key was auto-generated
	CSRFSecretGenerated    bool `env:"-"` // True if the CSRF secret was auto-generated
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Generate a random encryption key if neither form is provided.
	// Encrypted tokens will not survive a restart.
	if cfg.EncryptionKey == "" && cfg.EncryptionPassword == "" {
		key, err := crypto.GenerateEncryptionKey()
		if err != nil {
			return nil, fmt.Errorf("failed to generate encryption key: %w", err)
		}
		cfg.EncryptionKey = base64.StdEncoding.EncodeToString(key)
		cfg.EncryptionKeyGenerated = true
	}

	// Consent forms rendered before a restart stop validating.
	if cfg.CSRFSecret == "" {
		secret, err := crypto.GenerateEncryptionKey()
		if err != nil {
			return nil, fmt.Errorf("failed to generate CSRF secret: %w", err)
		}
		cfg.CSRFSecret = base64.RawURLEncoding.EncodeToString(secret)
		cfg.CSRFSecretGenerated = true
	}

	if cfg.VerificationURI == "" {
		cfg.VerificationURI = strings.TrimSuffix(cfg.IssuerURL, "/") + "/device/verify"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that cleanenv cannot.
func (c *Config) Validate() error {
	switch c.Store {
	case "memory", "file":
	default:
		return fmt.Errorf("invalid AUTH_STORE %q: must be memory or file", c.Store)
	}
	switch c.RefreshReusePolicy {
	case "revoke_family", "reject":
	default:
		return fmt.Errorf("invalid AUTH_REFRESH_REUSE_POLICY %q: must be revoke_family or reject", c.RefreshReusePolicy)
	}
	if c.AccessTokenTTL <= 0 {
		return fmt.Errorf("AUTH_ACCESS_TOKEN_TTL must be positive")
	}
	return nil
}

// Addr returns the server address in host:port format.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// BootstrapUser represents a user to be created on startup.
type BootstrapUser struct {
	Username string
	Password string
	ID       string // defaults to the username
}

// BootstrapClient represents a client to be created on startup.
type BootstrapClient struct {
	ID           string
	Secret       string
	RedirectURIs []string
	GrantTypes   []string
	Public       bool
}

// BootstrapScope represents a scope to be registered on startup.
type BootstrapScope struct {
	ID          string
	Description string
}

// ParseBootstrapUsers parses the AUTH_BOOTSTRAP_USERS environment variable.
// Format: "username:password:user_id,username2:password2"
func (c *Config) ParseBootstrapUsers() []BootstrapUser {
	if c.BootstrapUsers == "" {
		return nil
	}

	var users []BootstrapUser
	for _, entry := range strings.Split(c.BootstrapUsers, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) < 2 {
			continue
		}

		user := BootstrapUser{
			Username: strings.TrimSpace(parts[0]),
			Password: strings.TrimSpace(parts[1]),
		}
		user.ID = user.Username
		if len(parts) >= 3 && strings.TrimSpace(parts[2]) != "" {
			user.ID = strings.TrimSpace(parts[2])
		}
		users = append(users, user)
	}
	return users
}

// ParseBootstrapClients parses the AUTH_CLIENT_* and AUTH_BOOTSTRAP_CLIENTS
// environment variables. The simple client, when configured, comes first.
func (c *Config) ParseBootstrapClients() []BootstrapClient {
	var clients []BootstrapClient

	if c.ClientID != "" && c.ClientRedirectURI != "" {
		clients = append(clients, BootstrapClient{
			ID:           c.ClientID,
			Secret:       c.ClientSecret,
			RedirectURIs: strings.Fields(c.ClientRedirectURI),
			Public:       c.ClientSecret == "",
		})
	}

	if c.BootstrapClients == "" {
		return clients
	}

	for _, entry := range strings.Split(c.BootstrapClients, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "|", 4)
		if len(parts) < 3 {
			continue
		}

		secret := strings.TrimSpace(parts[1])
		client := BootstrapClient{
			ID:           strings.TrimSpace(parts[0]),
			Secret:       secret,
			RedirectURIs: strings.Fields(parts[2]),
			Public:       secret == "",
		}
		if len(parts) == 4 {
			client.GrantTypes = strings.Fields(parts[3])
		}
		clients = append(clients, client)
	}
	return clients
}

// ParseBootstrapScopes parses the AUTH_BOOTSTRAP_SCOPES environment variable.
// Format: "scope:description,scope2"
func (c *Config) ParseBootstrapScopes() []BootstrapScope {
	var scopes []BootstrapScope
	for _, entry := range strings.Split(c.BootstrapScopes, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, desc, _ := strings.Cut(entry, ":")
		id = strings.TrimSpace(id)
		if id == "" || strings.ContainsAny(id, " \t") {
			continue
		}
		scopes = append(scopes, BootstrapScope{ID: id, Description: strings.TrimSpace(desc)})
	}
	return scopes
}
