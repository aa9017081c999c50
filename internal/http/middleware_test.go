package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestCORSMiddleware(t *testing.T) {
	handler := CORSMiddleware(&CORSConfig{
		AllowedOrigins:   []string{"https://app.example.com"},
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "POST"},
		AllowedHeaders:   []string{"Authorization"},
		MaxAge:           600,
	})(okHandler)

	tests := []struct {
		name       string
		method     string
		origin     string
		wantOrigin string
		wantCode   int
	}{
		{"allowed origin", http.MethodGet, "https://app.example.com", "https://app.example.com", http.StatusOK},
		{"disallowed origin", http.MethodGet, "https://evil.example.com", "", http.StatusOK},
		{"no origin", http.MethodGet, "", "", http.StatusOK},
		{"preflight", http.MethodOptions, "https://app.example.com", "https://app.example.com", http.StatusNoContent},
		{"preflight disallowed", http.MethodOptions, "https://evil.example.com", "", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/token", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", w.Code, tt.wantCode)
			}
			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, tt.wantOrigin)
			}
			if tt.method == http.MethodOptions && tt.wantOrigin != "" {
				if got := w.Header().Get("Access-Control-Max-Age"); got != "600" {
					t.Errorf("Access-Control-Max-Age = %q", got)
				}
			}
		})
	}
}

func TestCORSMiddlewareWildcard(t *testing.T) {
	handler := CORSMiddleware(&CORSConfig{AllowedOrigins: []string{"*"}})(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://anywhere.example.com")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://anywhere.example.com" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Credentials"); got != "" {
		t.Errorf("credentials allowed without being configured: %q", got)
	}
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	cfg := DefaultSecurityHeadersConfig()
	cfg.StrictTransportSecurity = "max-age=31536000"
	handler := SecurityHeadersMiddleware(cfg)(okHandler)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	want := map[string]string{
		"X-Frame-Options":        "DENY",
		"X-Content-Type-Options": "nosniff",
		"Referrer-Policy":        "no-referrer",
	}
	for name, value := range want {
		if got := w.Header().Get(name); got != value {
			t.Errorf("%s = %q, want %q", name, got, value)
		}
	}
	if w.Header().Get("Content-Security-Policy") == "" {
		t.Error("Content-Security-Policy not set")
	}
	if got := w.Header().Get("Strict-Transport-Security"); got != "" {
		t.Errorf("HSTS sent over plain HTTP: %q", got)
	}
}

func TestRateLimit(t *testing.T) {
	handler := RateLimit("test_endpoint", 2)(okHandler)

	codes := make([]int, 0, 3)
	for range 3 {
		req := httptest.NewRequest(http.MethodPost, "/token", nil)
		req.RemoteAddr = "203.0.113.7:5000"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		codes = append(codes, w.Code)

		if w.Code == http.StatusTooManyRequests {
			var body map[string]string
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body["error"] != "temporarily_unavailable" {
				t.Errorf("error = %q", body["error"])
			}
		}
	}

	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("status codes = %v, want [200 200 429]", codes)
	}

	// A different client address has its own budget.
	req := httptest.NewRequest(http.MethodPost, "/token", nil)
	req.RemoteAddr = "203.0.113.8:5000"
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("other client status = %d, want 200", w.Code)
	}
}

func TestRateLimitDisabled(t *testing.T) {
	handler := RateLimit("disabled", 0)(okHandler)
	for range 5 {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/token", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", w.Code)
		}
	}
}
