package oauth

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tendant/oauth2-engine/internal/crypto"
	autherrors "github.com/tendant/oauth2-engine/internal/errors"
	"github.com/tendant/oauth2-engine/internal/store"
)

type contextKey string

const claimsContextKey contextKey = "oauth_access_claims"

// AccessClaims are the validated attributes of a bearer access token.
type AccessClaims struct {
	TokenID   string
	ClientID  string
	UserID    string
	Scopes    []string
	Issuer    string
	ExpiresAt int64
	IssuedAt  int64
	NotBefore int64
	// Private holds non-registered claims.
	Private map[string]any
}

// HasScope reports whether the token carries scope.
func (c *AccessClaims) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// BearerValidator authenticates resource requests carrying access tokens.
type BearerValidator struct {
	verifier     *crypto.Verifier
	accessTokens store.AccessTokenRepository
	logger       *slog.Logger
}

// NewBearerValidator creates a validator. Leeway and clock are configured on
// the verifier.
func NewBearerValidator(verifier *crypto.Verifier, accessTokens store.AccessTokenRepository, logger *slog.Logger) *BearerValidator {
	if logger == nil {
		logger = slog.Default()
	}
	return &BearerValidator{verifier: verifier, accessTokens: accessTokens, logger: logger}
}

// ValidateRequest validates the request's bearer token. Every failure other
// than a repository outage is access_denied.
func (v *BearerValidator) ValidateRequest(ctx context.Context, r *http.Request) (*AccessClaims, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, autherrors.AccessDenied("Missing \"Authorization\" header")
	}
	token, ok := ExtractBearerToken(header)
	if !ok {
		return nil, autherrors.AccessDenied("Malformed \"Authorization\" header")
	}
	return v.ValidateToken(ctx, token)
}

// ValidateToken checks signature, validity window and revocation, in that order.
func (v *BearerValidator) ValidateToken(ctx context.Context, token string) (*AccessClaims, error) {
	mc, err := v.verifier.Verify(token)
	if err != nil {
		v.logger.Debug("bearer token rejected", slog.String("error", err.Error()))
		return nil, autherrors.AccessDenied("The access token could not be verified")
	}

	claims := claimsFromMap(mc)
	if claims.TokenID == "" {
		return nil, autherrors.AccessDenied("The access token has no identifier")
	}

	revoked, err := v.accessTokens.IsRevoked(ctx, claims.TokenID)
	if err != nil {
		return nil, autherrors.ServerError(err)
	}
	if revoked {
		return nil, autherrors.AccessDenied("Access token has been revoked")
	}
	return claims, nil
}

// Middleware rejects requests without a valid bearer token and stores the
// claims in the request context.
func (v *BearerValidator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := v.ValidateRequest(r.Context(), r)
		if err != nil {
			pe, _ := autherrors.As(err)
			if pe.Code == autherrors.CodeServerError {
				v.logger.Error("bearer validation failed", slog.String("error", err.Error()))
			} else {
				w.Header().Set("WWW-Authenticate", `Bearer realm="OAuth"`)
			}
			pe.Write(w, false)
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithClaims(r.Context(), claims)))
	})
}

// ContextWithClaims returns a context carrying claims.
func ContextWithClaims(ctx context.Context, claims *AccessClaims) context.Context {
	return context.WithValue(ctx, claimsContextKey, claims)
}

// ClaimsFromContext returns the claims stored by Middleware.
func ClaimsFromContext(ctx context.Context) (*AccessClaims, bool) {
	claims, ok := ctx.Value(claimsContextKey).(*AccessClaims)
	return claims, ok
}

func claimsFromMap(mc jwt.MapClaims) *AccessClaims {
	c := &AccessClaims{Private: map[string]any{}}
	c.TokenID, _ = mc["jti"].(string)
	c.UserID, _ = mc.GetSubject()
	c.Issuer, _ = mc.GetIssuer()
	if aud, err := mc.GetAudience(); err == nil && len(aud) > 0 {
		c.ClientID = aud[0]
	}
	if exp, err := mc.GetExpirationTime(); err == nil && exp != nil {
		c.ExpiresAt = exp.Unix()
	}
	if iat, err := mc.GetIssuedAt(); err == nil && iat != nil {
		c.IssuedAt = iat.Unix()
	}
	if nbf, err := mc.GetNotBefore(); err == nil && nbf != nil {
		c.NotBefore = nbf.Unix()
	}
	if raw, ok := mc["scopes"].([]any); ok {
		for _, s := range raw {
			if id, ok := s.(string); ok {
				c.Scopes = append(c.Scopes, id)
			}
		}
	}
	for k, val := range mc {
		if !registeredClaims[k] {
			c.Private[k] = val
		}
	}
	return c
}
