package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tendant/oauth2-engine/internal/auth"
	"github.com/tendant/oauth2-engine/internal/config"
	"github.com/tendant/oauth2-engine/internal/domain"
	"github.com/tendant/oauth2-engine/internal/store"
	"github.com/tendant/oauth2-engine/internal/store/file"
	"github.com/tendant/oauth2-engine/internal/store/memory"
)

// backend bundles the repositories of the configured store.
type backend struct {
	clients       store.ClientRepository
	scopes        store.ScopeRepository
	credentials   auth.CredentialStore
	accessTokens  store.AccessTokenRepository
	refreshTokens store.RefreshTokenRepository
	authCodes     store.AuthCodeRepository
	deviceCodes   store.DeviceCodeRepository

	addClient     func(context.Context, *domain.Client) error
	addScope      func(context.Context, *domain.Scope) error
	addCredential func(context.Context, *auth.Credential) error

	// deleteExpired is nil when the store expires entries itself.
	deleteExpired func(context.Context) error
	close         func() error
}

func newBackend(cfg *config.Config) (*backend, error) {
	// Keep revocation state around for as long as verifiers may still
	// accept an expired token.
	retention := cfg.TokenLeeway + time.Minute

	switch cfg.Store {
	case "file":
		fileStore, err := file.NewStore(cfg.DataDir, file.WithRetention(retention))
		if err != nil {
			return nil, err
		}
		return &backend{
			clients:       fileStore.Clients(),
			scopes:        fileStore.Scopes(),
			credentials:   fileStore.Credentials(),
			accessTokens:  fileStore.AccessTokens(),
			refreshTokens: fileStore.RefreshTokens(),
			authCodes:     fileStore.AuthCodes(),
			deviceCodes:   fileStore.DeviceCodes(),
			addClient:     ignoreExisting(fileStore.Clients().Create),
			addScope:      ignoreExisting(fileStore.Scopes().Create),
			addCredential: ignoreExisting(fileStore.Credentials().Create),
			deleteExpired: fileStore.DeleteExpired,
			close:         fileStore.Close,
		}, nil

	default:
		memStore := memory.New(memory.WithRetention(retention))
		return &backend{
			clients:       memStore.Clients(),
			scopes:        memStore.Scopes(),
			credentials:   memStore.Credentials(),
			accessTokens:  memStore.AccessTokens(),
			refreshTokens: memStore.RefreshTokens(),
			authCodes:     memStore.AuthCodes(),
			deviceCodes:   memStore.DeviceCodes(),
			addClient:     register(memStore.Clients().Register),
			addScope:      register(memStore.Scopes().Register),
			addCredential: register(memStore.Credentials().Register),
			close:         func() error { return nil },
		}, nil
	}
}

// ignoreExisting keeps entities already present in a persistent store.
func ignoreExisting[T any](create func(context.Context, T) error) func(context.Context, T) error {
	return func(ctx context.Context, v T) error {
		if err := create(ctx, v); err != nil && !errors.Is(err, file.ErrAlreadyExists) {
			return err
		}
		return nil
	}
}

func register[T any](fn func(T)) func(context.Context, T) error {
	return func(_ context.Context, v T) error {
		fn(v)
		return nil
	}
}

// bootstrap registers the clients, scopes and users named in the config.
func (b *backend) bootstrap(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	for _, s := range cfg.ParseBootstrapScopes() {
		if err := b.addScope(ctx, &domain.Scope{ID: s.ID, Description: s.Description}); err != nil {
			return fmt.Errorf("failed to register scope %s: %w", s.ID, err)
		}
		logger.Info("registered scope", "scope", s.ID)
	}

	for _, c := range cfg.ParseBootstrapClients() {
		client := &domain.Client{
			ID:           c.ID,
			Name:         c.ID,
			Secret:       c.Secret,
			RedirectURIs: c.RedirectURIs,
			GrantTypes:   c.GrantTypes,
		}
		if err := b.addClient(ctx, client); err != nil {
			return fmt.Errorf("failed to register client %s: %w", c.ID, err)
		}
		logger.Info("registered client", "client_id", c.ID, "public", c.Public, "grant_types", c.GrantTypes)
	}

	for _, u := range cfg.ParseBootstrapUsers() {
		hash, err := auth.HashPassword(u.Password)
		if err != nil {
			return fmt.Errorf("failed to hash password for %s: %w", u.Username, err)
		}
		cred := &auth.Credential{UserID: u.ID, Username: u.Username, PasswordHash: hash, Active: true}
		if err := b.addCredential(ctx, cred); err != nil {
			return fmt.Errorf("failed to register user %s: %w", u.Username, err)
		}
		logger.Info("registered user", "username", u.Username, "user_id", u.ID)
	}
	return nil
}

// runJanitor purges expired entries until ctx is done.
func (b *backend) runJanitor(ctx context.Context, interval time.Duration, logger *slog.Logger) {
	if b.deleteExpired == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.deleteExpired(ctx); err != nil {
				logger.Error("failed to delete expired entries", "error", err)
			}
		}
	}
}
