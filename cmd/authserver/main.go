// Package main is the entry point for the OAuth 2.0 authorization server.
package main

import (
	"context"
	"crypto/elliptic"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tendant/oauth2-engine/internal/auth"
	"github.com/tendant/oauth2-engine/internal/config"
	"github.com/tendant/oauth2-engine/internal/crypto"
	authhttp "github.com/tendant/oauth2-engine/internal/http"
	"github.com/tendant/oauth2-engine/internal/metrics"
	"github.com/tendant/oauth2-engine/internal/oauth"
)

func main() {
	// A .env file is optional.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("failed to read .env file", "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Setup logger
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.LogLevel)}
	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.EncryptionKeyGenerated {
		logger.Warn("no encryption key configured, generated a random one; issued codes and refresh tokens will not survive a restart")
	}
	if cfg.CSRFSecretGenerated {
		logger.Warn("no CSRF secret configured, generated a random one; open consent forms will not survive a restart")
	}

	b, err := newBackend(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer b.close()
	logger.Info("initialized store", "type", cfg.Store, "data_dir", cfg.DataDir)

	if err := b.bootstrap(ctx, cfg, logger); err != nil {
		return err
	}

	signingKey, verifyKeys, err := loadKeys(cfg, logger)
	if err != nil {
		return err
	}
	signer, err := crypto.NewSigner(signingKey)
	if err != nil {
		return fmt.Errorf("failed to create signer: %w", err)
	}
	verifier, err := crypto.NewVerifier(verifyKeys, crypto.WithLeeway(cfg.TokenLeeway))
	if err != nil {
		return fmt.Errorf("failed to create verifier: %w", err)
	}
	envelope, err := newEnvelope(cfg)
	if err != nil {
		return err
	}

	server, err := oauth.NewServer(oauth.Config{
		Clients:       b.clients,
		Scopes:        b.scopes,
		AccessTokens:  b.accessTokens,
		RefreshTokens: b.refreshTokens,
		Signer:        signer,
		Envelope:      envelope,
		DefaultScope:  cfg.DefaultScope,
		Issuer:        cfg.IssuerURL,
	}, oauth.WithLogger(logger), oauth.WithListener(metrics.NewListener()))
	if err != nil {
		return fmt.Errorf("failed to create authorization server: %w", err)
	}

	authOpts := []auth.AuthenticatorOption{auth.WithLogger(logger)}
	if cfg.LockoutMaxAttempts > 0 {
		lockout := auth.NewLockoutService(cfg.LockoutMaxAttempts, cfg.LockoutDuration)
		authOpts = append(authOpts, auth.WithLockout(lockout, func(string) { metrics.RecordAccountLockout() }))
	}
	authenticator := auth.NewAuthenticator(b.credentials, authOpts...)

	enableGrants(server, cfg, b, authenticator)
	logger.Info("enabled grants", "grant_types", server.GrantTypes())

	validator := oauth.NewBearerValidator(verifier, b.accessTokens, logger)

	srv := authhttp.NewServer(cfg.Addr(),
		authhttp.WithLogger(logger),
		authhttp.WithMiddleware(
			authhttp.SecurityHeadersMiddleware(nil),
			authhttp.CORSMiddleware(&authhttp.CORSConfig{
				AllowedOrigins: cfg.CORSAllowedOrigins,
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", auth.CSRFHeader},
				MaxAge:         86400,
			}),
		),
	)
	router := srv.Router()

	csrfOpts := []auth.CSRFOption{}
	if cfg.CookieDomain != "" {
		csrfOpts = append(csrfOpts, auth.WithCookieDomain(cfg.CookieDomain))
	}
	csrf := auth.NewCSRFService(cfg.CSRFSecret, cfg.CookieSecure, csrfOpts...)

	authhttp.NewOAuthHandler(server, validator, authenticator, csrf).Routes(router,
		authhttp.NewDeviceHandler(server, authenticator),
		authhttp.RouteConfig{TokenRateLimit: cfg.TokenRateLimit})

	jwks := authhttp.NewJWKSHandler(verifyKeys, logger)
	router.Get("/jwks", jwks.JWKS)
	router.Get("/.well-known/jwks.json", jwks.JWKS)

	pkceMethods := []string{oauth.CodeChallengeMethodS256}
	if cfg.AllowPlainPKCE {
		pkceMethods = append(pkceMethods, oauth.CodeChallengeMethodPlain)
	}
	var scopes []string
	for _, s := range cfg.ParseBootstrapScopes() {
		scopes = append(scopes, s.ID)
	}
	discovery := authhttp.NewDiscoveryHandler(authhttp.DiscoveryConfig{
		IssuerURL:       cfg.IssuerURL,
		GrantTypes:      server.GrantTypes(),
		Scopes:          scopes,
		PKCEMethods:     pkceMethods,
		SigningAlg:      signingKey.Alg,
		AuthorizeCode:   true,
		DeviceAuthorize: true,
	})
	router.Get("/.well-known/oauth-authorization-server", discovery.Metadata)

	go b.runJanitor(ctx, time.Minute, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	logger.Info("server started", "addr", cfg.Addr(), "issuer", cfg.IssuerURL)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

func enableGrants(server *oauth.Server, cfg *config.Config, b *backend, users *auth.Authenticator) {
	// withRefresh returns a fresh option slice per grant.
	withRefresh := func(extra ...oauth.GrantOption) []oauth.GrantOption {
		opts := []oauth.GrantOption{oauth.WithRefreshTokenTTL(cfg.RefreshTokenTTL)}
		if !cfg.IssueRefreshTokens {
			opts = append(opts, oauth.WithoutRefreshTokens())
		}
		return append(opts, extra...)
	}

	var codeOpts []oauth.GrantOption
	if cfg.AllowPlainPKCE {
		codeOpts = append(codeOpts, oauth.WithPlainPKCE())
	}
	if cfg.RequirePKCE {
		codeOpts = append(codeOpts, oauth.WithRequirePKCE())
	}

	deviceOpts := []oauth.GrantOption{oauth.WithPollInterval(cfg.DevicePollInterval)}
	if cfg.VerificationURIComplete {
		deviceOpts = append(deviceOpts, oauth.WithVerificationURIComplete())
	}

	reuse := oauth.ReuseRevokeFamily
	if cfg.RefreshReusePolicy == "reject" {
		reuse = oauth.ReuseReject
	}

	ttl := cfg.AccessTokenTTL
	server.EnableGrant(oauth.NewAuthCodeGrant(b.authCodes, cfg.AuthCodeTTL, withRefresh(codeOpts...)...), ttl)
	server.EnableGrant(oauth.NewClientCredentialsGrant(), ttl)
	server.EnableGrant(oauth.NewPasswordGrant(users, withRefresh()...), ttl)
	server.EnableGrant(oauth.NewRefreshTokenGrant(withRefresh(oauth.WithReusePolicy(reuse))...), ttl)
	server.EnableGrant(oauth.NewDeviceCodeGrant(b.deviceCodes, cfg.DeviceCodeTTL, cfg.VerificationURI, withRefresh(deviceOpts...)...), ttl)
}

// loadKeys returns the signing key and every key accepted for verification.
func loadKeys(cfg *config.Config, logger *slog.Logger) (*crypto.KeyPair, []*crypto.KeyPair, error) {
	var signingKey *crypto.KeyPair
	if cfg.PrivateKey == "" {
		kp, err := crypto.GenerateECKeyPair(elliptic.P256())
		if err != nil {
			return nil, nil, fmt.Errorf("failed to generate signing key: %w", err)
		}
		logger.Warn("no private key configured, generated an ephemeral signing key", "kid", kp.Kid)
		signingKey = kp
	} else {
		kp, err := crypto.LoadPrivateKey(cfg.PrivateKey, cfg.PrivateKeyPassphrase)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load private key: %w", err)
		}
		signingKey = kp
	}

	verifyKeys := []*crypto.KeyPair{signingKey.Public()}
	for _, keyOrPath := range cfg.PublicKeys {
		kp, err := crypto.LoadPublicKey(keyOrPath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load public key: %w", err)
		}
		verifyKeys = append(verifyKeys, kp)
	}
	logger.Info("loaded keys", "kid", signingKey.Kid, "alg", signingKey.Alg, "verification_keys", len(verifyKeys))
	return signingKey, verifyKeys, nil
}

func newEnvelope(cfg *config.Config) (*crypto.Envelope, error) {
	if cfg.EncryptionPassword != "" {
		var opts []crypto.EnvelopeOption
		if cfg.EncryptionSalt != "" {
			salt, err := crypto.ParseSalt(cfg.EncryptionSalt)
			if err != nil {
				return nil, fmt.Errorf("invalid AUTH_ENCRYPTION_SALT: %w", err)
			}
			opts = append(opts, crypto.WithSalt(salt))
		}
		for _, s := range cfg.EncryptionOldSalts {
			salt, err := crypto.ParseSalt(s)
			if err != nil {
				return nil, fmt.Errorf("invalid AUTH_ENCRYPTION_PREVIOUS_SALTS: %w", err)
			}
			opts = append(opts, crypto.WithPreviousSalts(salt))
		}
		env, err := crypto.NewPasswordEnvelope(cfg.EncryptionPassword, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create envelope: %w", err)
		}
		return env, nil
	}

	key, err := crypto.ParseEncryptionKey(cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("invalid AUTH_ENCRYPTION_KEY: %w", err)
	}
	env, err := crypto.NewKeyEnvelope(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create envelope: %w", err)
	}
	return env, nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
