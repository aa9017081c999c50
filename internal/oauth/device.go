package oauth

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/tendant/oauth2-engine/internal/domain"
	autherrors "github.com/tendant/oauth2-engine/internal/errors"
	"github.com/tendant/oauth2-engine/internal/store"
)

// DeviceCodeGrant implements the device authorization grant (RFC 8628).
type DeviceCodeGrant struct {
	grantBase
	codes           store.DeviceCodeRepository
	codeTTL         time.Duration
	verificationURI string
}

// NewDeviceCodeGrant creates the grant. verificationURI is where users enter
// their user code.
func NewDeviceCodeGrant(codes store.DeviceCodeRepository, codeTTL time.Duration, verificationURI string, opts ...GrantOption) *DeviceCodeGrant {
	return &DeviceCodeGrant{
		grantBase:       grantBase{opts: newGrantOptions(opts)},
		codes:           codes,
		codeTTL:         codeTTL,
		verificationURI: verificationURI,
	}
}

func (g *DeviceCodeGrant) Identifier() string {
	return GrantTypeDeviceCode
}

func (g *DeviceCodeGrant) CanRespondToAccessTokenRequest(req *TokenRequest) bool {
	return req.GrantType == GrantTypeDeviceCode
}

// RespondToDeviceAuthorizationRequest starts a device flow.
func (g *DeviceCodeGrant) RespondToDeviceAuthorizationRequest(ctx context.Context, r *http.Request) (*DeviceAuthorizationResponse, error) {
	req, err := ParseTokenRequest(r)
	if err != nil {
		return nil, err
	}

	client, err := g.authenticateClient(ctx, req, g.Identifier())
	if err != nil {
		return nil, err
	}

	scopes, err := g.scopes.Validate(ctx, req.Param("scope"), g.Identifier(), client.ID)
	if err != nil {
		return nil, err
	}

	code := &domain.DeviceCode{
		TokenFields: domain.TokenFields{
			ClientID: client.ID,
			Scopes:   scopes,
		},
		VerificationURI: g.verificationURI,
		Interval:        g.opts.pollInterval,
	}
	encrypted, err := g.factory.IssueDeviceCode(ctx, g.codes, g.codeTTL, code)
	if err != nil {
		return nil, autherrors.ServerError(err)
	}
	g.emit(ctx, Event{Type: EventDeviceCodeIssued, GrantType: g.Identifier(), ClientID: client.ID, TokenID: code.ID, Request: r})

	resp := &DeviceAuthorizationResponse{
		DeviceCode:      encrypted,
		UserCode:        code.UserCode,
		VerificationURI: g.verificationURI,
		ExpiresIn:       int(g.codeTTL.Seconds()),
		Interval:        int(g.opts.pollInterval.Seconds()),
	}
	if g.opts.completeURI {
		if u, err := url.Parse(g.verificationURI); err == nil {
			q := u.Query()
			q.Set("user_code", code.UserCode)
			u.RawQuery = q.Encode()
			resp.VerificationURIComplete = u.String()
		}
	}
	return resp, nil
}

// CompleteDeviceAuthorization records the user's decision for a user code.
func (g *DeviceCodeGrant) CompleteDeviceAuthorization(ctx context.Context, userCode, userID string, approved bool) error {
	code, err := g.codes.GetByUserCode(ctx, NormalizeUserCode(userCode))
	if err != nil {
		return autherrors.ServerError(err)
	}
	if code == nil {
		return autherrors.InvalidGrant("Unknown user code")
	}
	if code.IsExpired(g.now()) {
		return autherrors.ExpiredToken()
	}
	revoked, err := checkRevoked(ctx, g.codes.IsRevoked, code.ID)
	if err != nil {
		return err
	}
	if revoked {
		return autherrors.InvalidGrant("Device code has been revoked")
	}
	if code.Status != domain.DeviceCodePending {
		return autherrors.InvalidGrant("Device code has already been decided")
	}

	status := domain.DeviceCodeDenied
	if approved {
		status = domain.DeviceCodeApproved
	}
	decided, err := g.codes.Decide(ctx, code.ID, userID, status)
	if err != nil {
		return autherrors.ServerError(err)
	}
	if !decided {
		return autherrors.InvalidGrant("Device code has already been decided")
	}
	return nil
}

// RespondToAccessTokenRequest handles one device poll.
func (g *DeviceCodeGrant) RespondToAccessTokenRequest(ctx context.Context, req *TokenRequest, accessTTL time.Duration) (*TokenResponse, error) {
	client, err := g.authenticateClient(ctx, req, g.Identifier())
	if err != nil {
		return nil, err
	}

	encrypted := req.Param("device_code")
	if encrypted == "" {
		return nil, autherrors.InvalidRequest("device_code", "")
	}

	presented, err := g.factory.OpenDeviceCode(encrypted)
	if err != nil {
		return nil, autherrors.InvalidGrant("Cannot decrypt the device code")
	}
	if presented.ClientID != client.ID {
		return nil, autherrors.InvalidGrant("Device code was not issued to this client")
	}

	now := g.now()
	if presented.IsExpired(now) {
		return nil, autherrors.ExpiredToken()
	}

	code, err := g.codes.GetByDeviceCode(ctx, presented.ID)
	if err != nil {
		return nil, autherrors.ServerError(err)
	}
	if code == nil {
		return nil, autherrors.InvalidGrant("Unknown device code")
	}
	revoked, err := checkRevoked(ctx, g.codes.IsRevoked, code.ID)
	if err != nil {
		return nil, err
	}
	if revoked {
		return nil, autherrors.InvalidGrant("Device code has been revoked")
	}

	interval := code.Interval
	if interval <= 0 {
		interval = g.opts.pollInterval
	}
	tooFast := code.LastPolledAt != nil && now.Sub(*code.LastPolledAt) < interval
	if tooFast {
		interval += slowDownIncrement
	}
	if err := g.codes.UpdateLastPolled(ctx, code.ID, now, interval); err != nil {
		return nil, autherrors.ServerError(err)
	}
	if tooFast {
		return nil, autherrors.SlowDown()
	}

	switch code.Status {
	case domain.DeviceCodeApproved:
	case domain.DeviceCodeDenied:
		return nil, autherrors.AccessDenied("The user denied the request")
	default:
		return nil, autherrors.AuthorizationPending()
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
		return nil, autherrors.InvalidGrant("Device code has been revoked")
	}

	return g.issueTokens(ctx, req, g.Identifier(), accessTTL, client, code.UserID, scopes, "", g.opts.issueRefreshTokens)
}
