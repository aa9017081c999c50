package oauth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"regexp"
)

// PKCE code challenge methods (RFC 7636).
const (
	CodeChallengeMethodPlain = "plain"
	CodeChallengeMethodS256  = "S256"
)

// Challenges and verifiers use the unreserved URI character set.
var pkcePattern = regexp.MustCompile(`^[A-Za-z0-9\-._~]{1,128}$`)

// S256Challenge returns base64url(SHA-256(verifier)).
func S256Challenge(verifier string) string {
	hash := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}

// ValidateCodeVerifier validates the PKCE code verifier against the stored
// challenge in constant time.
func ValidateCodeVerifier(codeVerifier, codeChallenge, codeChallengeMethod string) bool {
	if codeChallenge == "" || codeVerifier == "" {
		return false
	}

	var computed string
	switch codeChallengeMethod {
	case CodeChallengeMethodPlain:
		computed = codeVerifier
	case CodeChallengeMethodS256:
		computed = S256Challenge(codeVerifier)
	default:
		return false
	}
	return subtle.ConstantTimeCompare([]byte(computed), []byte(codeChallenge)) == 1
}
