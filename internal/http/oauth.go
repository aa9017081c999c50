package http

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tendant/oauth2-engine/internal/auth"
	"github.com/tendant/oauth2-engine/internal/domain"
	autherrors "github.com/tendant/oauth2-engine/internal/errors"
	"github.com/tendant/oauth2-engine/internal/oauth"
)

// ResourceOwnerAuthenticator checks a resource owner's username and password.
// It returns a nil user for rejected credentials.
type ResourceOwnerAuthenticator interface {
	Authenticate(ctx context.Context, username, password string) (*domain.User, error)
}

// OAuthHandler serves the OAuth 2.0 endpoints.
type OAuthHandler struct {
	server    *oauth.Server
	tokens    *oauth.TokenHandler
	validator *oauth.BearerValidator
	owners    ResourceOwnerAuthenticator
	csrf      *auth.CSRFService
	logger    *slog.Logger
}

// NewOAuthHandler creates a new OAuthHandler. csrf protects the consent
// form served by /authorize.
func NewOAuthHandler(server *oauth.Server, validator *oauth.BearerValidator, owners ResourceOwnerAuthenticator, csrf *auth.CSRFService) *OAuthHandler {
	return &OAuthHandler{
		server:    server,
		tokens:    oauth.NewTokenHandler(server, validator),
		validator: validator,
		owners:    owners,
		csrf:      csrf,
		logger:    server.Logger(),
	}
}

// Token handles POST /token.
func (h *OAuthHandler) Token(w http.ResponseWriter, r *http.Request) {
	resp, err := h.server.RespondToAccessTokenRequest(r.Context(), r)
	if err != nil {
		h.server.WriteError(w, err)
		return
	}
	h.server.WriteResponse(w, resp)
}

func (h *OAuthHandler) authenticateOwner(w http.ResponseWriter, r *http.Request) (*domain.User, bool) {
	username, password, ok := r.BasicAuth()
	if ok {
		user, err := h.owners.Authenticate(r.Context(), username, password)
		if err != nil {
			h.server.WriteError(w, autherrors.ServerError(err))
			return nil, false
		}
		if user != nil {
			return user, true
		}
		h.logger.Info("resource owner authentication failed", "username", username)
	}

	w.Header().Set("WWW-Authenticate", `Basic realm="authorize"`)
	oauth.WriteJSON(w, http.StatusUnauthorized, map[string]string{
		"error":             "access_denied",
		"error_description": "Resource owner authentication required",
	})
	return nil, false
}

// Introspect handles POST /introspect.
func (h *OAuthHandler) Introspect(w http.ResponseWriter, r *http.Request) {
	resp, err := h.tokens.Introspect(r.Context(), r)
	if err != nil {
		h.server.WriteError(w, err)
		return
	}
	oauth.WriteJSON(w, http.StatusOK, resp)
}

// Revoke handles POST /revoke. Unknown tokens still get 200.
func (h *OAuthHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	if err := h.tokens.Revoke(r.Context(), r); err != nil {
		h.server.WriteError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
}

// MeResponse describes the bearer of an access token.
type MeResponse struct {
	Subject   string   `json:"sub,omitempty"`
	ClientID  string   `json:"client_id"`
	Scopes    []string `json:"scopes"`
	TokenID   string   `json:"jti"`
	ExpiresAt int64    `json:"exp"`
}

// Me handles GET /me. It must sit behind the bearer middleware.
func (h *OAuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	claims, ok := oauth.ClaimsFromContext(r.Context())
	if !ok {
		h.server.WriteError(w, autherrors.AccessDenied("Missing access token"))
		return
	}

	scopes := claims.Scopes
	if scopes == nil {
		scopes = []string{}
	}
	oauth.WriteJSON(w, http.StatusOK, MeResponse{
		Subject:   claims.UserID,
		ClientID:  claims.ClientID,
		Scopes:    scopes,
		TokenID:   claims.TokenID,
		ExpiresAt: claims.ExpiresAt,
	})
}

// RouteConfig controls how the OAuth endpoints are mounted.
type RouteConfig struct {
	// TokenRateLimit is the per-IP request budget per minute for the token
	// and device endpoints. Zero disables limiting.
	TokenRateLimit int
}

// Routes mounts the OAuth endpoints on r.
func (h *OAuthHandler) Routes(r chi.Router, device *DeviceHandler, cfg RouteConfig) {
	r.With(RateLimit("token", cfg.TokenRateLimit)).Post("/token", h.Token)
	r.Get("/authorize", h.Authorize)
	r.Post("/authorize", h.Decide)
	r.Post("/introspect", h.Introspect)
	r.Post("/revoke", h.Revoke)
	r.With(h.validator.Middleware).Get("/me", h.Me)

	if device != nil {
		r.With(RateLimit("device_authorization", cfg.TokenRateLimit)).Post("/device_authorization", device.DeviceAuthorization)
		r.Route("/device/verify", func(r chi.Router) {
			r.Use(RateLimit("device_verify", cfg.TokenRateLimit))
			r.Get("/", device.VerifyPage)
			r.Post("/", device.Verify)
		})
	}
}
