package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	// CSRFCookieName is the name of the consent CSRF cookie.
	CSRFCookieName = "oauth_csrf"
	// CSRFFormField is the form field carrying the token.
	CSRFFormField = "csrf_token"
	// CSRFHeader is accepted in place of the form field.
	CSRFHeader = "X-CSRF-Token"
	// CSRFTTL is how long a consent form stays valid.
	CSRFTTL = 10 * time.Minute

	csrfNonceLength = 32
)

var (
	ErrCSRFMissing  = errors.New("missing CSRF token")
	ErrCSRFMismatch = errors.New("CSRF token does not match cookie")
	ErrCSRFInvalid  = errors.New("invalid CSRF token")
	ErrCSRFExpired  = errors.New("CSRF token expired")
)

// CSRFService issues and checks consent form tokens. A token is signed over
// a binding chosen by the caller, so it is only valid for the request it was
// issued for. The token is also set as a cookie and must match on submit.
type CSRFService struct {
	secret       []byte
	cookieSecure bool
	cookieDomain string
	now          func() time.Time
}

// CSRFOption configures the CSRFService.
type CSRFOption func(*CSRFService)

// WithCookieDomain sets the cookie's Domain attribute.
func WithCookieDomain(domain string) CSRFOption {
	return func(s *CSRFService) {
		s.cookieDomain = domain
	}
}

// WithCSRFClock overrides the time source.
func WithCSRFClock(now func() time.Time) CSRFOption {
	return func(s *CSRFService) {
		s.now = now
	}
}

// NewCSRFService creates a CSRFService.
func NewCSRFService(secret string, cookieSecure bool, opts ...CSRFOption) *CSRFService {
	s := &CSRFService{
		secret:       []byte(secret),
		cookieSecure: cookieSecure,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GenerateToken returns a token for binding and sets it as a cookie.
func (s *CSRFService) GenerateToken(w http.ResponseWriter, binding string) (string, error) {
	nonce := make([]byte, csrfNonceLength)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate CSRF token: %w", err)
	}

	data := strconv.FormatInt(s.now().Unix(), 10) + ":" + base64.RawURLEncoding.EncodeToString(nonce)
	token := data + "." + s.sign(data, binding)

	http.SetCookie(w, &http.Cookie{
		Name:     CSRFCookieName,
		Value:    token,
		Path:     "/",
		Domain:   s.cookieDomain,
		MaxAge:   int(CSRFTTL.Seconds()),
		HttpOnly: true,
		Secure:   s.cookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
	return token, nil
}

// ValidateToken checks the submitted token against the cookie and binding.
// The caller must have parsed the form.
func (s *CSRFService) ValidateToken(r *http.Request, binding string) error {
	token := r.PostFormValue(CSRFFormField)
	if token == "" {
		token = r.Header.Get(CSRFHeader)
	}
	if token == "" {
		return ErrCSRFMissing
	}

	cookie, err := r.Cookie(CSRFCookieName)
	if err != nil {
		return ErrCSRFMissing
	}
	if !hmac.Equal([]byte(token), []byte(cookie.Value)) {
		return ErrCSRFMismatch
	}

	data, signature, ok := strings.Cut(token, ".")
	if !ok || data == "" || signature == "" {
		return ErrCSRFInvalid
	}
	if !hmac.Equal([]byte(signature), []byte(s.sign(data, binding))) {
		return ErrCSRFInvalid
	}

	issued, _, _ := strings.Cut(data, ":")
	ts, err := strconv.ParseInt(issued, 10, 64)
	if err != nil {
		return ErrCSRFInvalid
	}
	if s.now().Sub(time.Unix(ts, 0)) > CSRFTTL {
		return ErrCSRFExpired
	}
	return nil
}

// ClearToken expires the cookie so a token cannot be submitted twice from
// the same browser.
func (s *CSRFService) ClearToken(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CSRFCookieName,
		Value:    "",
		Path:     "/",
		Domain:   s.cookieDomain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.cookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
}

func (s *CSRFService) sign(data, binding string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(data))
	mac.Write([]byte{0})
	mac.Write([]byte(binding))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
