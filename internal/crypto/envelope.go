package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32

	versionRawKey   byte = 1
	versionPassword byte = 2
	saltSize             = 16

	argonTime    = 2
	argonMemory  = 19 * 1024 // KiB
	argonThreads = 1
)

// ErrInvalidToken is the only error Decrypt returns. Wrong key, truncation,
// tampering and bad payloads are deliberately indistinguishable.
var ErrInvalidToken = errors.New("invalid token")

// Envelope seals token payloads with AES-256-GCM. The key is either supplied
// raw or derived from a password with argon2id.
type Envelope struct {
	key []byte

	// Password mode: salt seals new tokens, keys holds the derived key for
	// every salt accepted on decryption.
	salt []byte
	keys map[string][]byte
}

// EnvelopeOption configures a password Envelope.
type EnvelopeOption func(*envelopeOptions)

type envelopeOptions struct {
	salt     []byte
	previous [][]byte
}

// WithSalt sets the salt new tokens are sealed with. Instances that share a
// password and salt can open each other's tokens.
func WithSalt(salt []byte) EnvelopeOption {
	return func(o *envelopeOptions) {
		o.salt = salt
	}
}

// WithPreviousSalts keeps tokens sealed under earlier salts readable.
func WithPreviousSalts(salts ...[]byte) EnvelopeOption {
	return func(o *envelopeOptions) {
		o.previous = append(o.previous, salts...)
	}
}

// NewKeyEnvelope creates an Envelope from a raw 32-byte key.
func NewKeyEnvelope(key []byte) (*Envelope, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption key must be exactly %d bytes, got %d", KeySize, len(key))
	}
	k := make([]byte, KeySize)
	copy(k, key)
	return &Envelope{key: k}, nil
}

// NewPasswordEnvelope creates an Envelope whose keys are derived from password.
// Keys are derived once here; Decrypt only accepts tokens whose salt is one
// of the configured salts, so it never runs the KDF on untrusted input.
// Without WithSalt the salt is derived from the password itself.
func NewPasswordEnvelope(password string, opts ...EnvelopeOption) (*Envelope, error) {
	if password == "" {
		return nil, errors.New("encryption password must not be empty")
	}

	var o envelopeOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.salt == nil {
		sum := sha256.Sum256([]byte("oauth2-engine envelope salt\x00" + password))
		o.salt = sum[:saltSize]
	}

	e := &Envelope{keys: make(map[string][]byte, 1+len(o.previous))}
	for i, salt := range append([][]byte{o.salt}, o.previous...) {
		if len(salt) != saltSize {
			return nil, fmt.Errorf("salt %d must be exactly %d bytes, got %d", i, saltSize, len(salt))
		}
		e.keys[string(salt)] = argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, KeySize)
	}
	e.salt = append([]byte(nil), o.salt...)
	return e, nil
}

// ParseSalt decodes a base64 password-mode salt.
func ParseSalt(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(s); err == nil && len(b) == saltSize {
			return b, nil
		}
	}
	return nil, fmt.Errorf("invalid salt: expected %d base64-encoded bytes", saltSize)
}

// ParseEncryptionKey decodes a key given as base64, unpadded base64, hex or
// a raw 32-character string.
func ParseEncryptionKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)

	if b, err := base64.StdEncoding.DecodeString(s); err == nil && len(b) == KeySize {
		return b, nil
	}
	if b, err := base64.RawStdEncoding.DecodeString(s); err == nil && len(b) == KeySize {
		return b, nil
	}
	if len(s) == 2*KeySize {
		if b, err := hex.DecodeString(s); err == nil {
			return b, nil
		}
	}
	if len(s) == KeySize {
		return []byte(s), nil
	}
	return nil, fmt.Errorf("invalid encryption key: expected %d bytes", KeySize)
}

// GenerateEncryptionKey returns a new random key.
func GenerateEncryptionKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// Encrypt JSON-encodes payload and seals it into a URL-safe string.
func (e *Envelope) Encrypt(payload any) (string, error) {
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode payload: %w", err)
	}

	header := []byte{versionRawKey}
	key := e.key
	if e.keys != nil {
		header = append([]byte{versionPassword}, e.salt...)
		key = e.keys[string(e.salt)]
	}

	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	// Layout: [header][nonce][ciphertext]; the header is authenticated.
	out := append(header, nonce...)
	out = gcm.Seal(out, nonce, plaintext, header)
	return base64.RawURLEncoding.EncodeToString(out), nil
}

// Decrypt opens token and JSON-decodes it into v.
func (e *Envelope) Decrypt(token string, v any) error {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(raw) == 0 {
		return ErrInvalidToken
	}

	var header []byte
	var key []byte
	switch raw[0] {
	case versionRawKey:
		if e.key == nil {
			return ErrInvalidToken
		}
		header, key = raw[:1], e.key
	case versionPassword:
		if e.keys == nil || len(raw) < 1+saltSize {
			return ErrInvalidToken
		}
		header = raw[:1+saltSize]
		var ok bool
		if key, ok = e.keys[string(header[1:])]; !ok {
			return ErrInvalidToken
		}
	default:
		return ErrInvalidToken
	}

	gcm, err := newGCM(key)
	if err != nil {
		return ErrInvalidToken
	}

	body := raw[len(header):]
	if len(body) < gcm.NonceSize() {
		return ErrInvalidToken
	}
	nonce, ciphertext := body[:gcm.NonceSize()], body[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, header)
	if err != nil {
		return ErrInvalidToken
	}
	if err := json.Unmarshal(plaintext, v); err != nil {
		return ErrInvalidToken
	}
	return nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
