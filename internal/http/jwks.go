package http

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/tendant/oauth2-engine/internal/crypto"
)

// JWKSHandler publishes the access token verification keys.
type JWKSHandler struct {
	jwks   *crypto.JWKS
	logger *slog.Logger
}

// NewJWKSHandler creates a JWKSHandler for the given public keys.
func NewJWKSHandler(keys []*crypto.KeyPair, logger *slog.Logger) *JWKSHandler {
	return &JWKSHandler{
		jwks:   crypto.NewJWKS(keys...),
		logger: logger,
	}
}

// JWKS handles the /jwks and /.well-known/jwks.json endpoints.
func (h *JWKSHandler) JWKS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	if err := json.NewEncoder(w).Encode(h.jwks); err != nil {
		h.logger.Error("failed to encode JWKS", "error", err)
	}
}
