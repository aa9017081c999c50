package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tendant/oauth2-engine/internal/crypto"
)

func TestHealthHandler_Healthz(t *testing.T) {
	handler := NewHealthHandler()

	w := httptest.NewRecorder()
	handler.Healthz(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var response map[string]string
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if response["status"] != "ok" {
		t.Errorf("Expected status 'ok', got '%s'", response["status"])
	}
}

func TestHealthHandler_Readyz(t *testing.T) {
	handler := NewHealthHandler()

	tests := []struct {
		ready      bool
		wantCode   int
		wantStatus string
	}{
		{true, http.StatusOK, "ready"},
		{false, http.StatusServiceUnavailable, "not ready"},
	}
	for _, tt := range tests {
		handler.SetReady(tt.ready)

		w := httptest.NewRecorder()
		handler.Readyz(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))

		if w.Code != tt.wantCode {
			t.Errorf("ready=%v: expected status %d, got %d", tt.ready, tt.wantCode, w.Code)
		}
		var response map[string]string
		if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
		if response["status"] != tt.wantStatus {
			t.Errorf("ready=%v: expected status %q, got %q", tt.ready, tt.wantStatus, response["status"])
		}
	}
}

func TestJWKSHandler(t *testing.T) {
	kp, err := crypto.GenerateECKeyPair(nil)
	if err != nil {
		t.Fatalf("GenerateECKeyPair() error = %v", err)
	}
	handler := NewJWKSHandler([]*crypto.KeyPair{kp.Public()}, testLogger())

	w := httptest.NewRecorder()
	handler.JWKS(w, httptest.NewRequest(http.MethodGet, "/.well-known/jwks.json", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected Content-Type application/json, got %s", ct)
	}

	var jwks struct {
		Keys []map[string]any `json:"keys"`
	}
	if err := json.NewDecoder(w.Body).Decode(&jwks); err != nil {
		t.Fatalf("Failed to decode JWKS: %v", err)
	}
	if len(jwks.Keys) != 1 {
		t.Fatalf("Expected 1 key, got %d", len(jwks.Keys))
	}
	if jwks.Keys[0]["kid"] != kp.Kid {
		t.Errorf("Expected kid %q, got %v", kp.Kid, jwks.Keys[0]["kid"])
	}
	if _, ok := jwks.Keys[0]["d"]; ok {
		t.Error("JWKS must not expose private key material")
	}
}

func TestDiscoveryHandler(t *testing.T) {
	handler := NewDiscoveryHandler(DiscoveryConfig{
		IssuerURL:       "https://auth.example.com/",
		GrantTypes:      []string{"authorization_code", "client_credentials"},
		Scopes:          []string{"basic"},
		PKCEMethods:     []string{"S256"},
		SigningAlg:      "ES256",
		AuthorizeCode:   true,
		DeviceAuthorize: false,
	})

	w := httptest.NewRecorder()
	handler.Metadata(w, httptest.NewRequest(http.MethodGet, "/.well-known/oauth-authorization-server", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var md ServerMetadata
	if err := json.NewDecoder(w.Body).Decode(&md); err != nil {
		t.Fatalf("Failed to decode metadata: %v", err)
	}

	if md.Issuer != "https://auth.example.com" {
		t.Errorf("issuer = %q", md.Issuer)
	}
	if md.TokenEndpoint != "https://auth.example.com/token" {
		t.Errorf("token_endpoint = %q", md.TokenEndpoint)
	}
	if md.AuthorizationEndpoint != "https://auth.example.com/authorize" {
		t.Errorf("authorization_endpoint = %q", md.AuthorizationEndpoint)
	}
	if md.DeviceAuthorizationEndpoint != "" {
		t.Errorf("device endpoint advertised while disabled: %q", md.DeviceAuthorizationEndpoint)
	}
	if len(md.ResponseTypesSupported) != 1 || md.ResponseTypesSupported[0] != "code" {
		t.Errorf("response_types_supported = %v", md.ResponseTypesSupported)
	}
	if len(md.CodeChallengeMethodsSupported) != 1 {
		t.Errorf("code_challenge_methods_supported = %v", md.CodeChallengeMethodsSupported)
	}
}

func TestDiscoveryHandlerWithoutAuthorizeEndpoint(t *testing.T) {
	handler := NewDiscoveryHandler(DiscoveryConfig{
		IssuerURL:       "https://auth.example.com",
		GrantTypes:      []string{"client_credentials"},
		DeviceAuthorize: true,
	})

	w := httptest.NewRecorder()
	handler.Metadata(w, httptest.NewRequest(http.MethodGet, "/.well-known/oauth-authorization-server", nil))

	var md map[string]any
	if err := json.NewDecoder(w.Body).Decode(&md); err != nil {
		t.Fatalf("Failed to decode metadata: %v", err)
	}
	if _, ok := md["authorization_endpoint"]; ok {
		t.Error("authorization_endpoint advertised without the authorization code grant")
	}
	if md["device_authorization_endpoint"] != "https://auth.example.com/device_authorization" {
		t.Errorf("device_authorization_endpoint = %v", md["device_authorization_endpoint"])
	}
}
