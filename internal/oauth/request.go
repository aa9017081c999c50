// Package oauth implements the OAuth 2.0 grant state machines, bearer token
// validation and the introspection/revocation endpoints.
package oauth

import (
	"net/http"
	"net/url"
	"strings"

	autherrors "github.com/tendant/oauth2-engine/internal/errors"
)

// Grant type identifiers as they appear in the grant_type parameter.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeClientCredentials = "client_credentials"
	GrantTypePassword          = "password"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeDeviceCode        = "urn:ietf:params:oauth:grant-type:device_code"
)

// TokenRequest is a parsed form-encoded request to the token, device
// authorization, introspection or revocation endpoint.
type TokenRequest struct {
	GrantType    string
	ClientID     string
	ClientSecret string
	Form         url.Values
	HTTP         *http.Request
}

// ParseTokenRequest parses the request body and extracts client credentials,
// preferring HTTP Basic authentication over form fields.
func ParseTokenRequest(r *http.Request) (*TokenRequest, error) {
	if err := r.ParseForm(); err != nil {
		return nil, autherrors.InvalidRequest("", "The request body could not be parsed")
	}

	req := &TokenRequest{
		GrantType:    r.PostForm.Get("grant_type"),
		ClientID:     r.PostForm.Get("client_id"),
		ClientSecret: r.PostForm.Get("client_secret"),
		Form:         r.PostForm,
		HTTP:         r,
	}

	// RFC 6749 2.3.1: credentials in the Basic header are form-encoded.
	if id, secret, ok := r.BasicAuth(); ok {
		req.ClientID = formUnescape(id)
		req.ClientSecret = formUnescape(secret)
	}

	return req, nil
}

// Param returns a body parameter.
func (t *TokenRequest) Param(name string) string {
	return t.Form.Get(name)
}

// HasAuthorizationHeader reports whether the caller sent an Authorization header.
func (t *TokenRequest) HasAuthorizationHeader() bool {
	return t.HTTP != nil && t.HTTP.Header.Get("Authorization") != ""
}

func formUnescape(s string) string {
	if u, err := url.QueryUnescape(s); err == nil {
		return u
	}
	return s
}

// ExtractBearerToken extracts the token from an "Authorization: Bearer" header.
func ExtractBearerToken(header string) (string, bool) {
	const prefix = "bearer "
	header = strings.TrimSpace(header)
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	if token == "" || strings.ContainsAny(token, " \t") {
		return "", false
	}
	return token, true
}
