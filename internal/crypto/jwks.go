package crypto

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"encoding/base64"
	"math/big"
)

// JWKS represents a JSON Web Key Set.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// JWK represents a public JSON Web Key.
type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	N   string `json:"n,omitempty"`   // RSA modulus
	E   string `json:"e,omitempty"`   // RSA exponent
	Crv string `json:"crv,omitempty"` // EC curve
	X   string `json:"x,omitempty"`
	Y   string `json:"y,omitempty"`
}

// ToJWK converts the public half of the key pair to a JWK.
func (kp *KeyPair) ToJWK() JWK {
	jwk := JWK{
		Use: KeyUse,
		Kid: kp.Kid,
		Alg: kp.Alg,
	}

	switch pub := kp.PublicKey.(type) {
	case *rsa.PublicKey:
		jwk.Kty = "RSA"
		jwk.N = base64URLEncode(pub.N.Bytes())
		jwk.E = base64URLEncode(big.NewInt(int64(pub.E)).Bytes())
	case *ecdsa.PublicKey:
		jwk.Kty = "EC"
		jwk.Crv = pub.Curve.Params().Name
		if ecdhKey, err := pub.ECDH(); err == nil {
			// Uncompressed point: 0x04 || X || Y
			point := ecdhKey.Bytes()
			size := (len(point) - 1) / 2
			jwk.X = base64URLEncode(point[1 : 1+size])
			jwk.Y = base64URLEncode(point[1+size:])
		}
	}

	return jwk
}

// NewJWKS publishes the public halves of keys.
func NewJWKS(keys ...*KeyPair) *JWKS {
	set := &JWKS{Keys: make([]JWK, 0, len(keys))}
	for _, k := range keys {
		set.Keys = append(set.Keys, k.ToJWK())
	}
	return set
}

// base64URLEncode encodes bytes to base64url without padding.
func base64URLEncode(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}
