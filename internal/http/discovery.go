package http

import (
	"encoding/json"
	"net/http"
	"strings"
)

// ServerMetadata is the RFC 8414 authorization server metadata document.
type ServerMetadata struct {
	Issuer                             string   `json:"issuer"`
	AuthorizationEndpoint              string   `json:"authorization_endpoint,omitempty"`
	TokenEndpoint                      string   `json:"token_endpoint"`
	DeviceAuthorizationEndpoint        string   `json:"device_authorization_endpoint,omitempty"`
	IntrospectionEndpoint              string   `json:"introspection_endpoint"`
	RevocationEndpoint                 string   `json:"revocation_endpoint"`
	JwksURI                            string   `json:"jwks_uri"`
	ScopesSupported                    []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported             []string `json:"response_types_supported"`
	GrantTypesSupported                []string `json:"grant_types_supported"`
	TokenEndpointAuthMethodsSupported  []string `json:"token_endpoint_auth_methods_supported"`
	IntrospectionEndpointAuthMethods   []string `json:"introspection_endpoint_auth_methods_supported"`
	RevocationEndpointAuthMethods      []string `json:"revocation_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported      []string `json:"code_challenge_methods_supported,omitempty"`
	AccessTokenSigningAlgValuesSupport []string `json:"access_token_signing_alg_values_supported,omitempty"`
}

// DiscoveryHandler serves the authorization server metadata.
type DiscoveryHandler struct {
	metadata ServerMetadata
}

// DiscoveryConfig lists what the metadata document advertises.
type DiscoveryConfig struct {
	IssuerURL       string
	GrantTypes      []string
	Scopes          []string
	PKCEMethods     []string
	SigningAlg      string
	AuthorizeCode   bool
	DeviceAuthorize bool
}

// NewDiscoveryHandler creates a new DiscoveryHandler.
func NewDiscoveryHandler(cfg DiscoveryConfig) *DiscoveryHandler {
	issuer := strings.TrimSuffix(cfg.IssuerURL, "/")
	authMethods := []string{"client_secret_basic", "client_secret_post", "none"}

	md := ServerMetadata{
		Issuer:                            issuer,
		TokenEndpoint:                     issuer + "/token",
		IntrospectionEndpoint:             issuer + "/introspect",
		RevocationEndpoint:                issuer + "/revoke",
		JwksURI:                           issuer + "/.well-known/jwks.json",
		ScopesSupported:                   cfg.Scopes,
		ResponseTypesSupported:            []string{},
		GrantTypesSupported:               cfg.GrantTypes,
		TokenEndpointAuthMethodsSupported: authMethods,
		IntrospectionEndpointAuthMethods:  authMethods[:2],
		RevocationEndpointAuthMethods:     authMethods,
	}
	if cfg.AuthorizeCode {
		md.AuthorizationEndpoint = issuer + "/authorize"
		md.ResponseTypesSupported = []string{"code"}
		md.CodeChallengeMethodsSupported = cfg.PKCEMethods
	}
	if cfg.DeviceAuthorize {
		md.DeviceAuthorizationEndpoint = issuer + "/device_authorization"
	}
	if cfg.SigningAlg != "" {
		md.AccessTokenSigningAlgValuesSupport = []string{cfg.SigningAlg}
	}

	return &DiscoveryHandler{metadata: md}
}

// Metadata handles the /.well-known/oauth-authorization-server endpoint.
func (h *DiscoveryHandler) Metadata(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	if err := json.NewEncoder(w).Encode(h.metadata); err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}
