package oauth

import (
	"context"
	"time"

	autherrors "github.com/tendant/oauth2-engine/internal/errors"
	"github.com/tendant/oauth2-engine/internal/store"
)

// PasswordGrant implements the resource owner password credentials grant.
type PasswordGrant struct {
	grantBase
	users store.UserRepository
}

func NewPasswordGrant(users store.UserRepository, opts ...GrantOption) *PasswordGrant {
	return &PasswordGrant{
		grantBase: grantBase{opts: newGrantOptions(opts)},
		users:     users,
	}
}

func (g *PasswordGrant) Identifier() string {
	return GrantTypePassword
}

func (g *PasswordGrant) CanRespondToAccessTokenRequest(req *TokenRequest) bool {
	return req.GrantType == GrantTypePassword
}

func (g *PasswordGrant) RespondToAccessTokenRequest(ctx context.Context, req *TokenRequest, accessTTL time.Duration) (*TokenResponse, error) {
	client, err := g.authenticateClient(ctx, req, g.Identifier())
	if err != nil {
		return nil, err
	}

	username := req.Param("username")
	if username == "" {
		return nil, autherrors.InvalidRequest("username", "")
	}
	password := req.Param("password")
	if password == "" {
		return nil, autherrors.InvalidRequest("password", "")
	}

	user, err := g.users.GetUserByCredentials(ctx, username, password, g.Identifier(), client)
	if err != nil {
		return nil, autherrors.ServerError(err)
	}
	if user == nil {
		g.emit(ctx, Event{Type: EventUserAuthenticationFailed, GrantType: g.Identifier(), ClientID: client.ID, Request: req.HTTP})
		return nil, autherrors.InvalidCredentials()
	}

	scopes, err := g.scopes.Resolve(ctx, req.Param("scope"), g.Identifier(), client, user.ID)
	if err != nil {
		return nil, err
	}

	return g.issueTokens(ctx, req, g.Identifier(), accessTTL, client, user.ID, scopes, "", g.opts.issueRefreshTokens)
}
