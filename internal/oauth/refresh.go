package oauth

import (
	"context"
	"log/slog"
	"time"

	"github.com/tendant/oauth2-engine/internal/domain"
	autherrors "github.com/tendant/oauth2-engine/internal/errors"
	"github.com/tendant/oauth2-engine/internal/store"
)

// RefreshTokenGrant rotates refresh tokens. Every successful exchange
// consumes the presented token and revokes its access token.
type RefreshTokenGrant struct {
	grantBase
}

func NewRefreshTokenGrant(opts ...GrantOption) *RefreshTokenGrant {
	return &RefreshTokenGrant{grantBase: grantBase{opts: newGrantOptions(opts)}}
}

func (g *RefreshTokenGrant) Identifier() string {
	return GrantTypeRefreshToken
}

func (g *RefreshTokenGrant) CanRespondToAccessTokenRequest(req *TokenRequest) bool {
	return req.GrantType == GrantTypeRefreshToken
}

func (g *RefreshTokenGrant) RespondToAccessTokenRequest(ctx context.Context, req *TokenRequest, accessTTL time.Duration) (*TokenResponse, error) {
	client, err := g.authenticateClient(ctx, req, g.Identifier())
	if err != nil {
		return nil, err
	}

	encrypted := req.Param("refresh_token")
	if encrypted == "" {
		return nil, autherrors.InvalidRequest("refresh_token", "")
	}

	token, err := g.factory.OpenRefreshToken(encrypted)
	if err != nil {
		return nil, autherrors.InvalidGrant("Cannot decrypt the refresh token")
	}
	if token.ClientID != client.ID {
		return nil, autherrors.InvalidGrant("Token is not linked to client")
	}
	if token.IsExpired(g.now()) {
		return nil, autherrors.InvalidGrant("Token has expired")
	}

	revoked, err := checkRevoked(ctx, g.refreshTokens.IsRevoked, token.ID)
	if err != nil {
		return nil, err
	}
	if revoked {
		g.handleReuse(ctx, req, token)
		return nil, autherrors.InvalidGrant("Token has been revoked")
	}

	scopes := token.Scopes
	if requested := SplitScopes(req.Param("scope")); len(requested) > 0 {
		if scopes, err = narrowScopes(requested, token.Scopes); err != nil {
			return nil, err
		}
	}
	if scopes, err = g.scopes.Lookup(ctx, scopes.IDs(), g.Identifier(), client.ID); err != nil {
		return nil, err
	}

	consumed, err := g.refreshTokens.Consume(ctx, token.ID)
	if err != nil {
		return nil, autherrors.ServerError(err)
	}
	if !consumed {
		g.handleReuse(ctx, req, token)
		return nil, autherrors.InvalidGrant("Token has been revoked")
	}

	if err := g.accessTokens.Revoke(ctx, token.AccessTokenID); err != nil {
		return nil, autherrors.ServerError(err)
	}

	familyID := token.FamilyID
	if familyID == "" {
		familyID = token.ID
	}
	return g.issueTokens(ctx, req, g.Identifier(), accessTTL, client, token.UserID, scopes, familyID, true)
}

// handleReuse applies the reuse policy to a replayed refresh token.
func (g *RefreshTokenGrant) handleReuse(ctx context.Context, req *TokenRequest, token *domain.RefreshToken) {
	g.emit(ctx, Event{Type: EventRefreshTokenReuse, GrantType: g.Identifier(), ClientID: token.ClientID, UserID: token.UserID, TokenID: token.ID, Request: req.HTTP})
	g.logger.Warn("refresh token reuse detected",
		slog.String("client_id", token.ClientID),
		slog.String("family_id", token.FamilyID))

	if g.opts.reusePolicy != ReuseRevokeFamily || token.FamilyID == "" {
		return
	}
	revoker, ok := g.refreshTokens.(store.RefreshTokenFamilyRevoker)
	if !ok {
		return
	}
	if err := revoker.RevokeFamily(ctx, token.FamilyID); err != nil {
		g.logger.Error("failed to revoke refresh token family",
			slog.String("family_id", token.FamilyID),
			slog.String("error", err.Error()))
	}
}
