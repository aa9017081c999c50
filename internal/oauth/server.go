package oauth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/tendant/oauth2-engine/internal/crypto"
	"github.com/tendant/oauth2-engine/internal/domain"
	autherrors "github.com/tendant/oauth2-engine/internal/errors"
	"github.com/tendant/oauth2-engine/internal/store"
)

// DefaultAccessTokenTTL applies when a grant is enabled without a TTL.
const DefaultAccessTokenTTL = time.Hour

// Config holds the Server's required collaborators.
type Config struct {
	Clients       store.ClientRepository
	Scopes        store.ScopeRepository
	AccessTokens  store.AccessTokenRepository
	RefreshTokens store.RefreshTokenRepository
	Signer        *crypto.Signer
	Envelope      *crypto.Envelope
	// DefaultScope is granted when a request names no scope.
	DefaultScope string
	// Issuer, when set, becomes the iss claim of access tokens.
	Issuer string
}

// Server dispatches requests to the enabled grants.
type Server struct {
	engine *engine
	grants []Grant
	ttls   map[string]time.Duration
}

// ServerOption configures the Server.
type ServerOption func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.engine.logger = logger
	}
}

// WithListener sets the event listener.
func WithListener(l Listener) ServerOption {
	return func(s *Server) {
		s.engine.listener = l
	}
}

// WithClock overrides the time source used for issuance and expiry checks.
func WithClock(now func() time.Time) ServerOption {
	return func(s *Server) {
		s.engine.now = now
	}
}

// NewServer creates a Server.
func NewServer(cfg Config, opts ...ServerOption) (*Server, error) {
	switch {
	case cfg.Clients == nil:
		return nil, errors.New("client repository is required")
	case cfg.Scopes == nil:
		return nil, errors.New("scope repository is required")
	case cfg.AccessTokens == nil:
		return nil, errors.New("access token repository is required")
	case cfg.RefreshTokens == nil:
		return nil, errors.New("refresh token repository is required")
	case cfg.Signer == nil:
		return nil, errors.New("signer is required")
	case cfg.Envelope == nil:
		return nil, errors.New("envelope is required")
	}

	e := &engine{
		clients:       cfg.Clients,
		scopes:        NewScopeResolver(cfg.Scopes, cfg.DefaultScope),
		accessTokens:  cfg.AccessTokens,
		refreshTokens: cfg.RefreshTokens,
		listener:      nopListener{},
		logger:        slog.Default(),
		now:           time.Now,
	}
	s := &Server{engine: e, ttls: make(map[string]time.Duration)}
	for _, opt := range opts {
		opt(s)
	}

	e.factory = &TokenFactory{
		signer:        cfg.Signer,
		envelope:      cfg.Envelope,
		accessTokens:  cfg.AccessTokens,
		refreshTokens: cfg.RefreshTokens,
		issuer:        cfg.Issuer,
		now:           e.now,
	}
	return s, nil
}

// EnableGrant registers g. Re-enabling a grant type replaces the previous one.
func (s *Server) EnableGrant(g Grant, accessTTL time.Duration) {
	if accessTTL <= 0 {
		accessTTL = DefaultAccessTokenTTL
	}
	g.bind(s.engine)

	for i, existing := range s.grants {
		if existing.Identifier() == g.Identifier() {
			s.grants[i] = g
			s.ttls[g.Identifier()] = accessTTL
			return
		}
	}
	s.grants = append(s.grants, g)
	s.ttls[g.Identifier()] = accessTTL
}

// GrantTypes lists the enabled grant identifiers in registration order.
func (s *Server) GrantTypes() []string {
	ids := make([]string, 0, len(s.grants))
	for _, g := range s.grants {
		ids = append(ids, g.Identifier())
	}
	return ids
}

// RespondToAccessTokenRequest handles a token endpoint request.
func (s *Server) RespondToAccessTokenRequest(ctx context.Context, r *http.Request) (*TokenResponse, error) {
	req, err := ParseTokenRequest(r)
	if err != nil {
		return nil, err
	}
	for _, g := range s.grants {
		if g.CanRespondToAccessTokenRequest(req) {
			resp, err := g.RespondToAccessTokenRequest(ctx, req, s.ttls[g.Identifier()])
			if err != nil {
				return nil, s.protocolError(err)
			}
			return resp, nil
		}
	}
	return nil, autherrors.UnsupportedGrantType()
}

// ValidateAuthorizationRequest validates an authorization endpoint request.
func (s *Server) ValidateAuthorizationRequest(ctx context.Context, r *http.Request) (*domain.AuthorizationRequest, error) {
	for _, g := range s.grants {
		ag, ok := g.(AuthorizationGrant)
		if ok && ag.CanRespondToAuthorizationRequest(r) {
			ar, err := ag.ValidateAuthorizationRequest(ctx, r)
			if err != nil {
				return nil, s.protocolError(err)
			}
			return ar, nil
		}
	}
	return nil, autherrors.UnsupportedGrantType()
}

// CompleteAuthorizationRequest finishes an authorization request validated
// earlier by ValidateAuthorizationRequest.
func (s *Server) CompleteAuthorizationRequest(ctx context.Context, ar *domain.AuthorizationRequest) (*RedirectResponse, error) {
	for _, g := range s.grants {
		ag, ok := g.(AuthorizationGrant)
		if ok && g.Identifier() == ar.GrantTypeID {
			resp, err := ag.CompleteAuthorizationRequest(ctx, ar)
			if err != nil {
				return nil, s.protocolError(err)
			}
			return resp, nil
		}
	}
	return nil, autherrors.UnsupportedGrantType()
}

// RespondToDeviceAuthorizationRequest handles a device authorization request.
func (s *Server) RespondToDeviceAuthorizationRequest(ctx context.Context, r *http.Request) (*DeviceAuthorizationResponse, error) {
	dg, ok := s.deviceGrant()
	if !ok {
		return nil, autherrors.UnsupportedGrantType()
	}
	resp, err := dg.RespondToDeviceAuthorizationRequest(ctx, r)
	if err != nil {
		return nil, s.protocolError(err)
	}
	return resp, nil
}

// CompleteDeviceAuthorization records the user's decision for userCode.
func (s *Server) CompleteDeviceAuthorization(ctx context.Context, userCode, userID string, approved bool) error {
	dg, ok := s.deviceGrant()
	if !ok {
		return autherrors.UnsupportedGrantType()
	}
	if err := dg.CompleteDeviceAuthorization(ctx, userCode, userID, approved); err != nil {
		return s.protocolError(err)
	}
	return nil
}

func (s *Server) deviceGrant() (DeviceGrant, bool) {
	for _, g := range s.grants {
		if dg, ok := g.(DeviceGrant); ok {
			return dg, true
		}
	}
	return nil, false
}

// WriteResponse writes a token or device authorization response.
func (s *Server) WriteResponse(w http.ResponseWriter, v any) {
	WriteJSON(w, http.StatusOK, v)
}

// WriteError renders err. Anything that is not a protocol error is logged and
// reported as server_error.
func (s *Server) WriteError(w http.ResponseWriter, err error) {
	pe := s.protocolError(err)
	if pe.Code == autherrors.CodeServerError && pe.Err != nil {
		s.engine.logger.Error("authorization server error", slog.String("error", pe.Err.Error()))
	}
	pe.Write(w, false)
}

// protocolError maps err to a protocol error.
func (s *Server) protocolError(err error) *autherrors.Error {
	if pe, ok := autherrors.As(err); ok {
		return pe
	}
	return autherrors.ServerError(err)
}

// Logger returns the server's logger.
func (s *Server) Logger() *slog.Logger {
	return s.engine.logger
}
