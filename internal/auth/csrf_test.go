package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

const testBinding = "user-1\x00client=app\x00state=xyz"

// csrfSubmit builds a POST carrying token in the form and cookie in the jar.
func csrfSubmit(formToken string, cookies []*http.Cookie) *http.Request {
	form := url.Values{}
	if formToken != "" {
		form.Set(CSRFFormField, formToken)
	}
	req := httptest.NewRequest(http.MethodPost, "/authorize", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for _, c := range cookies {
		req.AddCookie(c)
	}
	return req
}

func TestCSRFGenerateToken(t *testing.T) {
	svc := NewCSRFService("test-secret", true, WithCookieDomain("auth.example.com"))

	w := httptest.NewRecorder()
	token, err := svc.GenerateToken(w, testBinding)
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}

	cookies := w.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("Expected one cookie, got %d", len(cookies))
	}
	c := cookies[0]
	if c.Name != CSRFCookieName || c.Value != token {
		t.Errorf("Unexpected cookie %s=%s", c.Name, c.Value)
	}
	if !c.HttpOnly || !c.Secure || c.SameSite != http.SameSiteStrictMode || c.Domain != "auth.example.com" {
		t.Errorf("Unexpected cookie attributes: %+v", c)
	}
}

func TestCSRFValidateToken(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	svc := NewCSRFService("test-secret", false, WithCSRFClock(clock))

	w := httptest.NewRecorder()
	token, _ := svc.GenerateToken(w, testBinding)
	cookies := w.Result().Cookies()

	other := NewCSRFService("other-secret", false)
	w2 := httptest.NewRecorder()
	foreign, _ := other.GenerateToken(w2, testBinding)

	tests := []struct {
		name    string
		req     *http.Request
		binding string
		advance time.Duration
		wantErr error
	}{
		{name: "valid", req: csrfSubmit(token, cookies), binding: testBinding},
		{name: "missing token", req: csrfSubmit("", cookies), binding: testBinding, wantErr: ErrCSRFMissing},
		{name: "missing cookie", req: csrfSubmit(token, nil), binding: testBinding, wantErr: ErrCSRFMissing},
		{name: "mismatch", req: csrfSubmit(token+"x", cookies), binding: testBinding, wantErr: ErrCSRFMismatch},
		{name: "other request", req: csrfSubmit(token, cookies), binding: "user-2\x00client=app", wantErr: ErrCSRFInvalid},
		{name: "other secret", req: csrfSubmit(foreign, w2.Result().Cookies()), binding: testBinding, wantErr: ErrCSRFInvalid},
		{name: "expired", req: csrfSubmit(token, cookies), binding: testBinding, advance: CSRFTTL + time.Second, wantErr: ErrCSRFExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now = time.Now().Add(tt.advance)
			err := svc.ValidateToken(tt.req, tt.binding)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateToken() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestCSRFValidateTokenFromHeader(t *testing.T) {
	svc := NewCSRFService("test-secret", false)

	w := httptest.NewRecorder()
	token, _ := svc.GenerateToken(w, testBinding)

	req := csrfSubmit("", w.Result().Cookies())
	req.Header.Set(CSRFHeader, token)
	if err := svc.ValidateToken(req, testBinding); err != nil {
		t.Errorf("ValidateToken failed: %v", err)
	}
}

func TestCSRFClearToken(t *testing.T) {
	svc := NewCSRFService("test-secret", false)

	w := httptest.NewRecorder()
	svc.ClearToken(w)

	cookies := w.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != CSRFCookieName || cookies[0].MaxAge >= 0 {
		t.Errorf("Expected an expired CSRF cookie, got %+v", cookies)
	}
}
