// Package crypto provides token encryption, JWT signing and key handling.
package crypto

import (
	gocrypto "crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
)

const (
	// DefaultKeySize is the default RSA key size in bits.
	DefaultKeySize = 2048
	// KeyUse is the JWK key use.
	KeyUse = "sig"
)

// KeyPair is a signing key (private half optional) for access-token JWTs.
type KeyPair struct {
	Kid        string
	Alg        string
	PrivateKey gocrypto.Signer
	PublicKey  gocrypto.PublicKey
}

// GenerateKeyPair generates a new RSA key pair.
func GenerateKeyPair(keySize int) (*KeyPair, error) {
	if keySize == 0 {
		keySize = DefaultKeySize
	}

	privateKey, err := rsa.GenerateKey(rand.Reader, keySize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}
	return newKeyPair(privateKey, &privateKey.PublicKey)
}

// GenerateECKeyPair generates a new ECDSA key pair on the given curve.
func GenerateECKeyPair(curve elliptic.Curve) (*KeyPair, error) {
	if curve == nil {
		curve = elliptic.P256()
	}

	privateKey, err := ecdsa.GenerateKey(curve, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate EC key: %w", err)
	}
	return newKeyPair(privateKey, &privateKey.PublicKey)
}

func newKeyPair(private gocrypto.Signer, public gocrypto.PublicKey) (*KeyPair, error) {
	alg, err := algorithmFor(public)
	if err != nil {
		return nil, err
	}
	kid, err := thumbprint(public)
	if err != nil {
		return nil, err
	}
	return &KeyPair{
		Kid:        kid,
		Alg:        alg,
		PrivateKey: private,
		PublicKey:  public,
	}, nil
}

// Public returns a copy of the key pair without the private half.
func (kp *KeyPair) Public() *KeyPair {
	return &KeyPair{Kid: kp.Kid, Alg: kp.Alg, PublicKey: kp.PublicKey}
}

// LoadPrivateKey loads a private key from inline PEM, a file:// URI or a file
// path. Legacy passphrase-protected PEM blocks are decrypted with passphrase.
func LoadPrivateKey(keyOrPath, passphrase string) (*KeyPair, error) {
	block, err := readPEM(keyOrPath)
	if err != nil {
		return nil, err
	}

	der := block.Bytes
	//nolint:staticcheck // RFC 1423 encrypted PEM is the only passphrase form the stdlib can read
	if x509.IsEncryptedPEMBlock(block) {
		if passphrase == "" {
			return nil, errors.New("private key is encrypted but no passphrase was given")
		}
		//nolint:staticcheck // see above
		der, err = x509.DecryptPEMBlock(block, []byte(passphrase))
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt private key: %w", err)
		}
	}

	private, err := parsePrivateKey(der)
	if err != nil {
		return nil, err
	}
	return newKeyPair(private, private.Public())
}

// LoadPublicKey loads a public key from inline PEM, a file:// URI or a file path.
func LoadPublicKey(keyOrPath string) (*KeyPair, error) {
	block, err := readPEM(keyOrPath)
	if err != nil {
		return nil, err
	}

	var public gocrypto.PublicKey
	switch block.Type {
	case "RSA PUBLIC KEY":
		public, err = x509.ParsePKCS1PublicKey(block.Bytes)
	case "CERTIFICATE":
		var cert *x509.Certificate
		if cert, err = x509.ParseCertificate(block.Bytes); err == nil {
			public = cert.PublicKey
		}
	default:
		public, err = x509.ParsePKIXPublicKey(block.Bytes)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	return newKeyPair(nil, public)
}

// EncodePrivateKeyPEM serializes the private key as PKCS#8 PEM.
func EncodePrivateKeyPEM(kp *KeyPair) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(kp.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// EncodePublicKeyPEM serializes the public key as PKIX PEM.
func EncodePublicKeyPEM(kp *KeyPair) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(kp.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

func readPEM(keyOrPath string) (*pem.Block, error) {
	material := strings.TrimSpace(keyOrPath)
	if material == "" {
		return nil, errors.New("key material is empty")
	}

	var data []byte
	if strings.HasPrefix(material, "-----BEGIN") {
		data = []byte(material)
	} else {
		path := strings.TrimPrefix(material, "file://")
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read key file: %w", err)
		}
		data = b
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("failed to decode key PEM")
	}
	return block, nil
}

func parsePrivateKey(der []byte) (gocrypto.Signer, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	signer, ok := key.(gocrypto.Signer)
	if !ok {
		return nil, fmt.Errorf("unsupported private key type %T", key)
	}
	return signer, nil
}

func algorithmFor(public gocrypto.PublicKey) (string, error) {
	switch k := public.(type) {
	case *rsa.PublicKey:
		return "RS256", nil
	case *ecdsa.PublicKey:
		switch k.Curve {
		case elliptic.P256():
			return "ES256", nil
		case elliptic.P384():
			return "ES384", nil
		case elliptic.P521():
			return "ES512", nil
		}
		return "", fmt.Errorf("unsupported curve %s", k.Curve.Params().Name)
	default:
		return "", fmt.Errorf("unsupported public key type %T", public)
	}
}

// thumbprint derives a stable key ID from the public key.
func thumbprint(public gocrypto.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(public)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	sum := sha256.Sum256(der)
	return base64.RawURLEncoding.EncodeToString(sum[:16]), nil
}
