package oauth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"time"

	"github.com/tendant/oauth2-engine/internal/domain"
	autherrors "github.com/tendant/oauth2-engine/internal/errors"
	"github.com/tendant/oauth2-engine/internal/store"
)

const (
	DefaultRefreshTokenTTL = 30 * 24 * time.Hour
	DefaultPollInterval    = 5 * time.Second
	slowDownIncrement      = 5 * time.Second
)

// Grant handles one grant_type at the token endpoint.
type Grant interface {
	Identifier() string
	CanRespondToAccessTokenRequest(req *TokenRequest) bool
	RespondToAccessTokenRequest(ctx context.Context, req *TokenRequest, accessTTL time.Duration) (*TokenResponse, error)

	bind(e *engine)
}

// AuthorizationGrant is a grant that starts at the authorization endpoint.
type AuthorizationGrant interface {
	Grant
	CanRespondToAuthorizationRequest(r *http.Request) bool
	ValidateAuthorizationRequest(ctx context.Context, r *http.Request) (*domain.AuthorizationRequest, error)
	CompleteAuthorizationRequest(ctx context.Context, ar *domain.AuthorizationRequest) (*RedirectResponse, error)
}

// DeviceGrant is a grant that starts at the device authorization endpoint.
type DeviceGrant interface {
	Grant
	RespondToDeviceAuthorizationRequest(ctx context.Context, r *http.Request) (*DeviceAuthorizationResponse, error)
	CompleteDeviceAuthorization(ctx context.Context, userCode, userID string, approved bool) error
}

// ReusePolicy decides what happens when a consumed refresh token is replayed.
type ReusePolicy int

const (
	// ReuseRevokeFamily revokes every token descended from the same original
	// grant, provided the repository implements store.RefreshTokenFamilyRevoker.
	ReuseRevokeFamily ReusePolicy = iota
	// ReuseReject only rejects the replayed token.
	ReuseReject
)

// engine holds the collaborators shared by every grant. The Server builds it
// and binds it to each grant on EnableGrant.
type engine struct {
	clients       store.ClientRepository
	scopes        *ScopeResolver
	accessTokens  store.AccessTokenRepository
	refreshTokens store.RefreshTokenRepository
	factory       *TokenFactory
	listener      Listener
	logger        *slog.Logger
	now           func() time.Time
}

// GrantOption configures a grant.
type GrantOption func(*grantOptions)

type grantOptions struct {
	refreshTTL         time.Duration
	issueRefreshTokens bool
	allowPlainPKCE     bool
	requirePKCE        bool
	reusePolicy        ReusePolicy
	pollInterval       time.Duration
	completeURI        bool
}

func newGrantOptions(opts []GrantOption) grantOptions {
	o := grantOptions{
		refreshTTL:         DefaultRefreshTokenTTL,
		issueRefreshTokens: true,
		reusePolicy:        ReuseRevokeFamily,
		pollInterval:       DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithRefreshTokenTTL sets the lifetime of refresh tokens the grant issues.
func WithRefreshTokenTTL(ttl time.Duration) GrantOption {
	return func(o *grantOptions) {
		o.refreshTTL = ttl
	}
}

// WithoutRefreshTokens stops the grant from issuing refresh tokens.
func WithoutRefreshTokens() GrantOption {
	return func(o *grantOptions) {
		o.issueRefreshTokens = false
	}
}

// WithPlainPKCE permits the "plain" code challenge method.
func WithPlainPKCE() GrantOption {
	return func(o *grantOptions) {
		o.allowPlainPKCE = true
	}
}

// WithRequirePKCE demands a code challenge from confidential clients too.
func WithRequirePKCE() GrantOption {
	return func(o *grantOptions) {
		o.requirePKCE = true
	}
}

// WithReusePolicy sets the refresh token replay policy.
func WithReusePolicy(p ReusePolicy) GrantOption {
	return func(o *grantOptions) {
		o.reusePolicy = p
	}
}

// WithPollInterval sets the minimum device polling interval.
func WithPollInterval(d time.Duration) GrantOption {
	return func(o *grantOptions) {
		o.pollInterval = d
	}
}

// WithVerificationURIComplete adds verification_uri_complete to device responses.
func WithVerificationURIComplete() GrantOption {
	return func(o *grantOptions) {
		o.completeURI = true
	}
}

// grantBase carries the shared plumbing embedded in every grant.
type grantBase struct {
	*engine
	opts grantOptions
}

func (g *grantBase) bind(e *engine) {
	g.engine = e
}

func (g *grantBase) emit(ctx context.Context, e Event) {
	g.listener.Handle(ctx, e)
}

// authenticateClient resolves and authenticates the client for grantType.
// Public clients authenticate by identifier alone.
func (g *grantBase) authenticateClient(ctx context.Context, req *TokenRequest, grantType string) (*domain.Client, error) {
	if req.ClientID == "" {
		return nil, autherrors.InvalidRequest("client_id", "")
	}

	client, err := g.clients.GetClient(ctx, req.ClientID, grantType)
	if err != nil {
		return nil, autherrors.ServerError(err)
	}
	if client == nil || (client.IsConfidential() && !secretsMatch(client.Secret, req.ClientSecret)) {
		g.emit(ctx, Event{Type: EventClientAuthenticationFailed, GrantType: grantType, ClientID: req.ClientID, Request: req.HTTP})
		return nil, autherrors.InvalidClient(req.HTTP)
	}

	if grantType != "" && !client.AllowsGrant(grantType) {
		return nil, autherrors.UnauthorizedClient("The client is not permitted to use this grant type")
	}
	return client, nil
}

// secretsMatch compares digests so that timing reveals neither content nor length.
func secretsMatch(expected, presented string) bool {
	a := sha256.Sum256([]byte(expected))
	b := sha256.Sum256([]byte(presented))
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

// issueTokens mints the access token and, when enabled, a paired refresh token.
func (g *grantBase) issueTokens(ctx context.Context, req *TokenRequest, grantType string, accessTTL time.Duration, client *domain.Client, userID string, scopes domain.ScopeSet, familyID string, withRefresh bool) (*TokenResponse, error) {
	access, jwt, err := g.factory.IssueAccessToken(ctx, accessTTL, client, userID, scopes, nil)
	if err != nil {
		return nil, autherrors.ServerError(err)
	}
	g.emit(ctx, Event{Type: EventAccessTokenIssued, GrantType: grantType, ClientID: client.ID, UserID: userID, TokenID: access.ID, Request: req.HTTP})

	resp := &TokenResponse{
		AccessToken: jwt,
		TokenType:   TokenType,
		ExpiresIn:   int(accessTTL.Seconds()),
	}

	if withRefresh {
		refresh, encrypted, err := g.factory.IssueRefreshToken(ctx, g.opts.refreshTTL, access, familyID)
		if err != nil {
			return nil, autherrors.ServerError(err)
		}
		g.emit(ctx, Event{Type: EventRefreshTokenIssued, GrantType: grantType, ClientID: client.ID, UserID: userID, TokenID: refresh.ID, Request: req.HTTP})
		resp.RefreshToken = encrypted
	}

	return resp, nil
}

// checkRevoked wraps a repository revocation lookup.
func checkRevoked(ctx context.Context, isRevoked func(context.Context, string) (bool, error), id string) (bool, error) {
	revoked, err := isRevoked(ctx, id)
	if err != nil {
		return false, autherrors.ServerError(err)
	}
	return revoked, nil
}
