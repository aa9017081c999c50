// Package main seeds a file store with development clients, scopes and a user.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/tendant/oauth2-engine/internal/auth"
	"github.com/tendant/oauth2-engine/internal/domain"
	"github.com/tendant/oauth2-engine/internal/oauth"
	"github.com/tendant/oauth2-engine/internal/store/file"
)

func main() {
	dataDir := flag.String("data-dir", "./data", "Data directory")
	username := flag.String("username", "test", "Username of the development user")
	password := flag.String("password", "password123", "Password of the development user")
	flag.Parse()

	store, err := file.NewStore(*dataDir)
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()

	for _, scope := range []*domain.Scope{
		{ID: "basic", Description: "Basic access"},
		{ID: "email", Description: "Read your email address"},
		{ID: "offline", Description: "Access while you are away"},
	} {
		report("scope", scope.ID, store.Scopes().Create(ctx, scope))
	}

	redirectURIs := []string{"http://localhost:3000/callback", "http://127.0.0.1/callback"}
	clients := []*domain.Client{
		{
			ID:           "test-client",
			Name:         "Test Application",
			Secret:       "test-secret",
			RedirectURIs: redirectURIs,
		},
		{
			// Public clients must use PKCE.
			ID:           "test-public-client",
			Name:         "Test Public Application",
			RedirectURIs: redirectURIs,
			GrantTypes:   []string{oauth.GrantTypeAuthorizationCode, oauth.GrantTypeRefreshToken},
		},
		{
			ID:         "test-device",
			Name:       "Test Device",
			GrantTypes: []string{oauth.GrantTypeDeviceCode, oauth.GrantTypeRefreshToken},
		},
	}
	for _, client := range clients {
		report("client", client.ID, store.Clients().Create(ctx, client))
	}

	hash, err := auth.HashPassword(*password)
	if err != nil {
		log.Fatalf("Failed to hash password: %v", err)
	}
	cred := &auth.Credential{
		UserID:       uuid.NewString(),
		Username:     *username,
		PasswordHash: hash,
		Active:       true,
	}
	report("user", cred.Username, store.Credentials().Create(ctx, cred))

	fmt.Println("\nSeed data created successfully!")
	fmt.Println("\nTest with:")
	fmt.Printf("  1. Start server: AUTH_STORE=file AUTH_DATA_DIR=%s go run ./cmd/authserver\n", *dataDir)
	fmt.Println("  2. Client credentials: curl -u test-client:test-secret -d grant_type=client_credentials http://localhost:8080/token")
	fmt.Printf("  3. Password grant: curl -u test-client:test-secret -d grant_type=password -d username=%s -d password=%s http://localhost:8080/token\n", *username, *password)
}

func report(kind, id string, err error) {
	switch {
	case err == nil:
		fmt.Printf("Created %s: %s\n", kind, id)
	case errors.Is(err, file.ErrAlreadyExists):
		fmt.Printf("%s %s already exists\n", kind, id)
	default:
		log.Fatalf("Failed to create %s %s: %v", kind, id, err)
	}
}
