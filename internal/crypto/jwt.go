package crypto

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var supportedMethods = []string{"RS256", "ES256", "ES384", "ES512"}

// Signer signs access-token claims with a private key.
type Signer struct {
	keyPair *KeyPair
	method  jwt.SigningMethod
}

// NewSigner creates a Signer for the key pair.
func NewSigner(keyPair *KeyPair) (*Signer, error) {
	if keyPair == nil || keyPair.PrivateKey == nil {
		return nil, errors.New("signer requires a private key")
	}
	method := jwt.GetSigningMethod(keyPair.Alg)
	if method == nil {
		return nil, fmt.Errorf("unsupported signing algorithm %s", keyPair.Alg)
	}
	return &Signer{keyPair: keyPair, method: method}, nil
}

// Sign returns the compact JWS for claims.
func (s *Signer) Sign(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(s.method, claims)
	token.Header["kid"] = s.keyPair.Kid

	signed, err := token.SignedString(s.keyPair.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// KeyID returns the key ID placed in the JWT header.
func (s *Signer) KeyID() string {
	return s.keyPair.Kid
}

// Verifier checks signatures and temporal claims of access-token JWTs.
type Verifier struct {
	keys   map[string]*KeyPair
	only   *KeyPair
	leeway time.Duration
	now    func() time.Time
}

// VerifierOption configures the Verifier.
type VerifierOption func(*Verifier)

// WithLeeway tolerates clock skew when checking exp, nbf and iat.
func WithLeeway(leeway time.Duration) VerifierOption {
	return func(v *Verifier) {
		v.leeway = leeway
	}
}

// WithVerifierClock overrides the time source.
func WithVerifierClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) {
		v.now = now
	}
}

// NewVerifier creates a Verifier that accepts tokens signed by any of keys.
// Several keys allow rotation: the token's kid selects the key.
func NewVerifier(keys []*KeyPair, opts ...VerifierOption) (*Verifier, error) {
	if len(keys) == 0 {
		return nil, errors.New("verifier requires at least one public key")
	}

	v := &Verifier{
		keys: make(map[string]*KeyPair, len(keys)),
		now:  time.Now,
	}
	for _, k := range keys {
		v.keys[k.Kid] = k.Public()
	}
	if len(keys) == 1 {
		v.only = keys[0].Public()
	}

	for _, opt := range opts {
		opt(v)
	}

	return v, nil
}

// Verify parses tokenString and returns its claims.
func (v *Verifier) Verify(tokenString string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}

	parser := jwt.NewParser(
		jwt.WithValidMethods(supportedMethods),
		jwt.WithLeeway(v.leeway),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(v.now),
	)

	_, err := parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		key := v.only
		if kid, ok := token.Header["kid"].(string); ok {
			if k, found := v.keys[kid]; found {
				key = k
			} else {
				return nil, fmt.Errorf("unknown key ID: %s", kid)
			}
		}
		if key == nil {
			return nil, errors.New("missing key ID in token header")
		}
		if token.Method.Alg() != key.Alg {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return key.PublicKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	return claims, nil
}
