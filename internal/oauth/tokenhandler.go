package oauth

import (
	"context"
	"net/http"
	"strings"

	"github.com/tendant/oauth2-engine/internal/domain"
	autherrors "github.com/tendant/oauth2-engine/internal/errors"
)

const (
	tokenTypeAccess  = "access_token"
	tokenTypeRefresh = "refresh_token"
)

// TokenHandler implements token introspection (RFC 7662) and revocation
// (RFC 7009). Tokens belonging to another client are treated as unknown.
type TokenHandler struct {
	base      grantBase
	validator *BearerValidator
}

// NewTokenHandler creates a handler sharing the server's repositories.
func NewTokenHandler(s *Server, validator *BearerValidator) *TokenHandler {
	return &TokenHandler{
		base:      grantBase{engine: s.engine},
		validator: validator,
	}
}

// Introspect reports whether the presented token is active. Only
// confidential clients may introspect.
func (h *TokenHandler) Introspect(ctx context.Context, r *http.Request) (*IntrospectionResponse, error) {
	req, client, token, err := h.parse(ctx, r)
	if err != nil {
		return nil, err
	}
	if !client.IsConfidential() {
		h.base.emit(ctx, Event{Type: EventClientAuthenticationFailed, ClientID: client.ID, Request: r})
		return nil, autherrors.InvalidClient(r)
	}

	for _, kind := range lookupOrder(req.Param("token_type_hint")) {
		switch kind {
		case tokenTypeAccess:
			if claims, ok, err := h.accessToken(ctx, token, client); err != nil {
				return nil, err
			} else if ok {
				h.base.emit(ctx, Event{Type: EventTokenIntrospected, ClientID: client.ID, TokenID: claims.TokenID, Active: true, Request: r})
				return &IntrospectionResponse{
					Active:    true,
					Scope:     strings.Join(claims.Scopes, " "),
					ClientID:  claims.ClientID,
					TokenType: TokenType,
					Exp:       claims.ExpiresAt,
					Iat:       claims.IssuedAt,
					Nbf:       claims.NotBefore,
					Sub:       claims.UserID,
					Aud:       []string{claims.ClientID},
					Iss:       claims.Issuer,
					Jti:       claims.TokenID,
				}, nil
			}
		case tokenTypeRefresh:
			if rt, ok, err := h.refreshToken(ctx, token, client); err != nil {
				return nil, err
			} else if ok {
				h.base.emit(ctx, Event{Type: EventTokenIntrospected, ClientID: client.ID, TokenID: rt.ID, Active: true, Request: r})
				return &IntrospectionResponse{
					Active:    true,
					Scope:     rt.Scopes.String(),
					ClientID:  rt.ClientID,
					TokenType: tokenTypeRefresh,
					Exp:       rt.ExpiresAt.Unix(),
					Sub:       rt.UserID,
					Jti:       rt.ID,
				}, nil
			}
		}
	}

	h.base.emit(ctx, Event{Type: EventTokenIntrospected, ClientID: client.ID, Request: r})
	return &IntrospectionResponse{Active: false}, nil
}

// Revoke revokes the presented token. Unknown and foreign tokens succeed
// silently, as RFC 7009 requires.
func (h *TokenHandler) Revoke(ctx context.Context, r *http.Request) error {
	req, client, token, err := h.parse(ctx, r)
	if err != nil {
		return err
	}

	for _, kind := range lookupOrder(req.Param("token_type_hint")) {
		switch kind {
		case tokenTypeAccess:
			claims, ok, err := h.accessToken(ctx, token, client)
			if err != nil {
				return err
			}
			if ok {
				if err := h.base.accessTokens.Revoke(ctx, claims.TokenID); err != nil {
					return autherrors.ServerError(err)
				}
				h.base.emit(ctx, Event{Type: EventTokenRevoked, ClientID: client.ID, UserID: claims.UserID, TokenID: claims.TokenID, Request: r})
				return nil
			}
		case tokenTypeRefresh:
			rt, ok, err := h.refreshToken(ctx, token, client)
			if err != nil {
				return err
			}
			if ok {
				if err := h.base.refreshTokens.Revoke(ctx, rt.ID); err != nil {
					return autherrors.ServerError(err)
				}
				if err := h.base.accessTokens.Revoke(ctx, rt.AccessTokenID); err != nil {
					return autherrors.ServerError(err)
				}
				h.base.emit(ctx, Event{Type: EventTokenRevoked, ClientID: client.ID, UserID: rt.UserID, TokenID: rt.ID, Request: r})
				return nil
			}
		}
	}
	return nil
}

func (h *TokenHandler) parse(ctx context.Context, r *http.Request) (*TokenRequest, *domain.Client, string, error) {
	req, err := ParseTokenRequest(r)
	if err != nil {
		return nil, nil, "", err
	}
	client, err := h.base.authenticateClient(ctx, req, "")
	if err != nil {
		return nil, nil, "", err
	}
	token := req.Param("token")
	if token == "" {
		return nil, nil, "", autherrors.InvalidRequest("token", "")
	}
	return req, client, token, nil
}

// accessToken returns the claims of an active access token owned by client.
func (h *TokenHandler) accessToken(ctx context.Context, token string, client *domain.Client) (*AccessClaims, bool, error) {
	claims, err := h.validator.ValidateToken(ctx, token)
	if err != nil {
		if autherrors.IsCode(err, autherrors.CodeServerError) {
			return nil, false, err
		}
		return nil, false, nil
	}
	if claims.ClientID != client.ID {
		return nil, false, nil
	}
	return claims, true, nil
}

// refreshToken returns an active refresh token owned by client.
func (h *TokenHandler) refreshToken(ctx context.Context, token string, client *domain.Client) (*domain.RefreshToken, bool, error) {
	rt, err := h.base.factory.OpenRefreshToken(token)
	if err != nil || rt.ClientID != client.ID || rt.IsExpired(h.base.now()) {
		return nil, false, nil
	}
	revoked, err := checkRevoked(ctx, h.base.refreshTokens.IsRevoked, rt.ID)
	if err != nil || revoked {
		return nil, false, err
	}
	return rt, true, nil
}

// lookupOrder tries the hinted type first, then the other.
func lookupOrder(hint string) []string {
	if hint == tokenTypeRefresh {
		return []string{tokenTypeRefresh, tokenTypeAccess}
	}
	return []string{tokenTypeAccess, tokenTypeRefresh}
}
