// Package errors provides the OAuth 2.0 protocol error type returned by the engine.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Error codes from RFC 6749, RFC 8628 and RFC 7009.
const (
	CodeInvalidRequest       = "invalid_request"
	CodeInvalidClient        = "invalid_client"
	CodeInvalidGrant         = "invalid_grant"
	CodeInvalidScope         = "invalid_scope"
	CodeUnauthorizedClient   = "unauthorized_client"
	CodeUnsupportedGrantType = "unsupported_grant_type"
	CodeAccessDenied         = "access_denied"
	CodeServerError          = "server_error"
	CodeSlowDown             = "slow_down"
	CodeAuthorizationPending = "authorization_pending"
	CodeExpiredToken         = "expired_token"
)

// Error is an expected protocol outcome. It is rendered either as a JSON body
// or, when RedirectURI is set, as a redirect back to the client.
type Error struct {
	Code        string
	Message     string
	Hint        string
	Status      int
	RedirectURI string
	State       string
	Err         error

	// wwwAuthenticate is the challenge scheme echoed back to a client that
	// authenticated with an Authorization header.
	wwwAuthenticate string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a new Error with the given code, message and HTTP status.
func New(code, message string, status int) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Status:  status,
	}
}

// Wrap wraps an existing error with a code and message.
func Wrap(err error, code, message string, status int) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Status:  status,
		Err:     err,
	}
}

// As extracts an *Error from err.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code string) bool {
	if e, ok := As(err); ok {
		return e.Code == code
	}
	return false
}

// WithHint attaches a hint for the client developer.
func (e *Error) WithHint(hint string) *Error {
	e.Hint = hint
	return e
}

// WithRedirect makes the error deliverable to the client's redirect URI.
func (e *Error) WithRedirect(redirectURI, state string) *Error {
	e.RedirectURI = redirectURI
	e.State = state
	return e
}

// WWWAuthenticate returns the challenge to send, or "" when none is due.
func (e *Error) WWWAuthenticate() string {
	return e.wwwAuthenticate
}

// InvalidRequest reports a missing or malformed parameter.
func InvalidRequest(parameter, hint string) *Error {
	e := New(CodeInvalidRequest,
		"The request is missing a required parameter, includes an invalid parameter value, includes a parameter more than once, or is otherwise malformed.",
		http.StatusBadRequest)
	if hint == "" && parameter != "" {
		hint = fmt.Sprintf("Check the `%s` parameter", parameter)
	}
	return e.WithHint(hint)
}

// InvalidClient reports failed client authentication. A challenge is only
// attached when the request carried an Authorization header.
func InvalidClient(r *http.Request) *Error {
	e := New(CodeInvalidClient, "Client authentication failed", http.StatusUnauthorized)
	if r != nil {
		if auth := r.Header.Get("Authorization"); auth != "" {
			e.wwwAuthenticate = `Basic realm="OAuth"`
			if strings.HasPrefix(auth, "Bearer") {
				e.wwwAuthenticate = `Bearer realm="OAuth"`
			}
		}
	}
	return e
}

// InvalidGrant covers expired, revoked, replayed and malformed grants alike.
func InvalidGrant(hint string) *Error {
	return New(CodeInvalidGrant,
		"The provided authorization grant (e.g., authorization code, resource owner credentials) or refresh token is invalid, expired, revoked, does not match the redirection URI used in the authorization request, or was issued to another client.",
		http.StatusBadRequest).WithHint(hint)
}

// InvalidCredentials is returned when user authentication fails.
func InvalidCredentials() *Error {
	return New(CodeInvalidGrant, "The user credentials were incorrect.", http.StatusBadRequest)
}

// InvalidScope names the offending scope.
func InvalidScope(scope string) *Error {
	return New(CodeInvalidScope, "The requested scope is invalid, unknown, or malformed", http.StatusBadRequest).
		WithHint(fmt.Sprintf("Check the `%s` scope", scope))
}

// UnauthorizedClient reports a client that may not use the grant.
func UnauthorizedClient(hint string) *Error {
	return New(CodeUnauthorizedClient, "The client is not authorized to request an access token using this method.", http.StatusBadRequest).
		WithHint(hint)
}

// UnsupportedGrantType reports an unknown or disabled grant.
func UnsupportedGrantType() *Error {
	return New(CodeUnsupportedGrantType, "The authorization grant type is not supported by the authorization server.", http.StatusBadRequest).
		WithHint("Check that all required parameters have been provided")
}

// AccessDenied reports a refusal by the resource owner or the server.
func AccessDenied(hint string) *Error {
	return New(CodeAccessDenied, "The resource owner or authorization server denied the request.", http.StatusForbidden).
		WithHint(hint)
}

// SlowDown asks a polling device to back off.
func SlowDown() *Error {
	return New(CodeSlowDown, "The device is polling too frequently.", http.StatusBadRequest)
}

// AuthorizationPending reports that the user has not decided yet.
func AuthorizationPending() *Error {
	return New(CodeAuthorizationPending, "The authorization request is still pending.", http.StatusBadRequest)
}

// ExpiredToken reports an expired device code.
func ExpiredToken() *Error {
	return New(CodeExpiredToken, "The device code has expired.", http.StatusBadRequest)
}

// ServerError hides err from the client; the caller is expected to log it.
func ServerError(err error) *Error {
	return Wrap(err, CodeServerError, "The authorization server encountered an unexpected condition which prevented it from fulfilling the request.", http.StatusInternalServerError)
}

// RedirectURL builds the redirect carrying the error, in the query or fragment.
func (e *Error) RedirectURL(useFragment bool) string {
	u, err := url.Parse(e.RedirectURI)
	if err != nil {
		return ""
	}
	params := url.Values{}
	if !useFragment {
		params = u.Query()
	}
	params.Set("error", e.Code)
	params.Set("error_description", e.Message)
	if e.Hint != "" {
		params.Set("hint", e.Hint)
	}
	if e.State != "" {
		params.Set("state", e.State)
	}
	if useFragment {
		u.Fragment = ""
		return u.String() + "#" + params.Encode()
	}
	u.RawQuery = params.Encode()
	return u.String()
}

// Payload returns the JSON error body.
func (e *Error) Payload() map[string]string {
	p := map[string]string{
		"error":             e.Code,
		"error_description": e.Message,
		"message":           e.Message,
	}
	if e.Hint != "" {
		p["hint"] = e.Hint
	}
	return p
}

// Write renders the error to w.
func (e *Error) Write(w http.ResponseWriter, useFragment bool) {
	if e.RedirectURI != "" {
		w.Header().Set("Location", e.RedirectURL(useFragment))
		w.WriteHeader(http.StatusFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	if e.wwwAuthenticate != "" {
		w.Header().Set("WWW-Authenticate", e.wwwAuthenticate)
	}
	status := e.Status
	if status == 0 {
		status = http.StatusBadRequest
	}
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(e.Payload())
}
