package oauth

import (
	"context"
	"time"

	autherrors "github.com/tendant/oauth2-engine/internal/errors"
)

// ClientCredentialsGrant issues access tokens to confidential clients acting
// on their own behalf. It never issues refresh tokens.
type ClientCredentialsGrant struct {
	grantBase
}

func NewClientCredentialsGrant(opts ...GrantOption) *ClientCredentialsGrant {
	return &ClientCredentialsGrant{grantBase: grantBase{opts: newGrantOptions(opts)}}
}

func (g *ClientCredentialsGrant) Identifier() string {
	return GrantTypeClientCredentials
}

func (g *ClientCredentialsGrant) CanRespondToAccessTokenRequest(req *TokenRequest) bool {
	return req.GrantType == GrantTypeClientCredentials
}

func (g *ClientCredentialsGrant) RespondToAccessTokenRequest(ctx context.Context, req *TokenRequest, accessTTL time.Duration) (*TokenResponse, error) {
	client, err := g.authenticateClient(ctx, req, g.Identifier())
	if err != nil {
		return nil, err
	}
	if !client.IsConfidential() {
		g.emit(ctx, Event{Type: EventClientAuthenticationFailed, GrantType: g.Identifier(), ClientID: client.ID, Request: req.HTTP})
		return nil, autherrors.InvalidClient(req.HTTP)
	}

	scopes, err := g.scopes.Resolve(ctx, req.Param("scope"), g.Identifier(), client, "")
	if err != nil {
		return nil, err
	}

	return g.issueTokens(ctx, req, g.Identifier(), accessTTL, client, "", scopes, "", false)
}
