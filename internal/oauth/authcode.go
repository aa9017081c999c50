package oauth

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/tendant/oauth2-engine/internal/domain"
	autherrors "github.com/tendant/oauth2-engine/internal/errors"
	"github.com/tendant/oauth2-engine/internal/store"
)

// AuthCodeGrant implements the authorization code grant with PKCE.
type AuthCodeGrant struct {
	grantBase
	codes   store.AuthCodeRepository
	codeTTL time.Duration
}

// NewAuthCodeGrant creates the grant. Codes live for codeTTL.
func NewAuthCodeGrant(codes store.AuthCodeRepository, codeTTL time.Duration, opts ...GrantOption) *AuthCodeGrant {
	return &AuthCodeGrant{
		grantBase: grantBase{opts: newGrantOptions(opts)},
		codes:     codes,
		codeTTL:   codeTTL,
	}
}

func (g *AuthCodeGrant) Identifier() string {
	return GrantTypeAuthorizationCode
}

func (g *AuthCodeGrant) CanRespondToAccessTokenRequest(req *TokenRequest) bool {
	return req.GrantType == GrantTypeAuthorizationCode
}

func (g *AuthCodeGrant) CanRespondToAuthorizationRequest(r *http.Request) bool {
	q := r.URL.Query()
	return q.Get("response_type") == "code" && q.Get("client_id") != ""
}

// ValidateAuthorizationRequest checks the authorization request before the
// user is asked for consent. Errors raised before the redirect URI is trusted
// are never redirected.
func (g *AuthCodeGrant) ValidateAuthorizationRequest(ctx context.Context, r *http.Request) (*domain.AuthorizationRequest, error) {
	q := r.URL.Query()

	clientID := q.Get("client_id")
	if clientID == "" {
		return nil, autherrors.InvalidRequest("client_id", "")
	}

	client, err := g.clients.GetClient(ctx, clientID, g.Identifier())
	if err != nil {
		return nil, autherrors.ServerError(err)
	}
	// The front channel carries no client credentials, so the errors below
	// never ask for any.
	if client == nil {
		g.emit(ctx, Event{Type: EventClientAuthenticationFailed, GrantType: g.Identifier(), ClientID: clientID, Request: r})
		return nil, autherrors.InvalidClient(nil)
	}

	redirectURI := q.Get("redirect_uri")
	if redirectURI != "" {
		if !ValidateRedirectURI(redirectURI, client.RedirectURIs) {
			g.emit(ctx, Event{Type: EventClientAuthenticationFailed, GrantType: g.Identifier(), ClientID: clientID, Request: r})
			return nil, autherrors.InvalidClient(nil)
		}
	} else if len(client.RedirectURIs) != 1 {
		g.emit(ctx, Event{Type: EventClientAuthenticationFailed, GrantType: g.Identifier(), ClientID: clientID, Request: r})
		return nil, autherrors.InvalidClient(nil)
	}

	if !client.AllowsGrant(g.Identifier()) {
		return nil, autherrors.UnauthorizedClient("The client is not permitted to use this grant type")
	}

	state := q.Get("state")
	finalRedirect := redirectURI
	if finalRedirect == "" {
		finalRedirect = client.RedirectURIs[0]
	}

	scopes, err := g.scopes.Validate(ctx, q.Get("scope"), g.Identifier(), client.ID)
	if err != nil {
		if pe, ok := autherrors.As(err); ok && pe.Code == autherrors.CodeInvalidScope {
			return nil, pe.WithRedirect(finalRedirect, state)
		}
		return nil, err
	}

	ar := &domain.AuthorizationRequest{
		GrantTypeID: g.Identifier(),
		Client:      client,
		Scopes:      scopes,
		RedirectURI: redirectURI,
		State:       state,
	}

	challenge := q.Get("code_challenge")
	if challenge == "" {
		if !client.IsConfidential() || g.opts.requirePKCE {
			return nil, autherrors.InvalidRequest("code_challenge", "Code challenge must be provided for public clients")
		}
		return ar, nil
	}

	method := q.Get("code_challenge_method")
	if method == "" {
		method = CodeChallengeMethodPlain
	}
	switch method {
	case CodeChallengeMethodS256:
	case CodeChallengeMethodPlain:
		if !g.opts.allowPlainPKCE {
			return nil, autherrors.InvalidRequest("code_challenge_method", "Plain code challenge method is not allowed")
		}
	default:
		return nil, autherrors.InvalidRequest("code_challenge_method", "Code challenge method must be one of `S256` or `plain`")
	}
	if !pkcePattern.MatchString(challenge) {
		return nil, autherrors.InvalidRequest("code_challenge", "Code challenge must use the RFC 7636 character set and length.")
	}

	ar.CodeChallenge = challenge
	ar.CodeChallengeMethod = method
	return ar, nil
}

// CompleteAuthorizationRequest issues the code once the host has attached the
// user and their decision.
func (g *AuthCodeGrant) CompleteAuthorizationRequest(ctx context.Context, ar *domain.AuthorizationRequest) (*RedirectResponse, error) {
	if ar.User == nil {
		return nil, errors.New("authorization request has no user attached")
	}

	finalRedirect := ar.RedirectURI
	if finalRedirect == "" && len(ar.Client.RedirectURIs) > 0 {
		finalRedirect = ar.Client.RedirectURIs[0]
	}

	if !ar.AuthorizationApproved {
		return nil, autherrors.AccessDenied("The user denied the request").WithRedirect(finalRedirect, ar.State)
	}

	code := &domain.AuthCode{
		TokenFields: domain.TokenFields{
			ClientID: ar.Client.ID,
			UserID:   ar.User.ID,
			Scopes:   ar.Scopes,
		},
		RedirectURI:         ar.RedirectURI,
		CodeChallenge:       ar.CodeChallenge,
		CodeChallengeMethod: ar.CodeChallengeMethod,
	}
	encrypted, err := g.factory.IssueAuthCode(ctx, g.codes, g.codeTTL, code)
	if err != nil {
		return nil, autherrors.ServerError(err)
	}
	g.emit(ctx, Event{Type: EventAuthCodeIssued, GrantType: g.Identifier(), ClientID: ar.Client.ID, UserID: ar.User.ID, TokenID: code.ID})

	u, err := url.Parse(finalRedirect)
	if err != nil {
		return nil, autherrors.ServerError(err)
	}
	params := u.Query()
	params.Set("code", encrypted)
	if ar.State != "" {
		params.Set("state", ar.State)
	}
	u.RawQuery = params.Encode()

	return &RedirectResponse{URL: u.String()}, nil
}

// RespondToAccessTokenRequest exchanges a code for tokens.
func (g *AuthCodeGrant) RespondToAccessTokenRequest(ctx context.Context, req *TokenRequest, accessTTL time.Duration) (*TokenResponse, error) {
	client, err := g.authenticateClient(ctx, req, g.Identifier())
	if err != nil {
		return nil, err
	}

	encrypted := req.Param("code")
	if encrypted == "" {
		return nil, autherrors.InvalidRequest("code", "")
	}

	code, err := g.factory.OpenAuthCode(encrypted)
	if err != nil {
		return nil, autherrors.InvalidGrant("Cannot decrypt the authorization code")
	}

	if code.IsExpired(g.now()) {
		return nil, autherrors.InvalidGrant("Authorization code has expired")
	}
	revoked, err := checkRevoked(ctx, g.codes.IsRevoked, code.ID)
	if err != nil {
		return nil, err
	}
	if revoked {
		return nil, autherrors.InvalidGrant("Authorization code has been revoked")
	}
	if code.ClientID != client.ID {
		return nil, autherrors.InvalidGrant("Authorization code was not issued to this client")
	}

	presented := req.Param("redirect_uri")
	if code.RedirectURI != "" {
		if presented != code.RedirectURI {
			return nil, autherrors.InvalidGrant("Invalid redirect URI")
		}
	} else if presented != "" && !ValidateRedirectURI(presented, client.RedirectURIs) {
		return nil, autherrors.InvalidGrant("Invalid redirect URI")
	}

	verifier := req.Param("code_verifier")
	if code.CodeChallenge != "" {
		if verifier == "" {
			return nil, autherrors.InvalidRequest("code_verifier", "")
		}
		if !pkcePattern.MatchString(verifier) {
			return nil, autherrors.InvalidRequest("code_verifier", "Code verifier must use the RFC 7636 character set and length.")
		}
		if !ValidateCodeVerifier(verifier, code.CodeChallenge, code.CodeChallengeMethod) {
			return nil, autherrors.InvalidGrant("Failed to verify `code_verifier`.")
		}
	} else if verifier != "" {
		return nil, autherrors.InvalidRequest("code_verifier", "Failed to verify `code_verifier`: no code challenge was issued")
	}

	scopes, err := g.scopes.Lookup(ctx, code.Scopes.IDs(), g.Identifier(), client.ID)
	if err != nil {
		return nil, err
	}
	scopes, err = g.scopes.Finalize(ctx, scopes, g.Identifier(), client, code.UserID)
	if err != nil {
		return nil, err
	}

	consumed, err := g.codes.Consume(ctx, code.ID)
	if err != nil {
		return nil, autherrors.ServerError(err)
	}
	if !consumed {
		return nil, autherrors.InvalidGrant("Authorization code has been revoked")
	}

	return g.issueTokens(ctx, req, g.Identifier(), accessTTL, client, code.UserID, scopes, "", g.opts.issueRefreshTokens)
}
