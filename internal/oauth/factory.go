package oauth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/tendant/oauth2-engine/internal/crypto"
	"github.com/tendant/oauth2-engine/internal/domain"
	"github.com/tendant/oauth2-engine/internal/store"
)

const (
	// maxGenerationAttempts bounds identifier regeneration on collisions.
	maxGenerationAttempts = 10

	userCodeAlphabet = "BCDFGHJKLMNPQRSTVWXZ"
	userCodeLength   = 8

	kindRefreshToken = "refresh_token"
	kindAuthCode     = "authorization_code"
	kindDeviceCode   = "device_code"
)

var errTooManyCollisions = errors.New("unable to generate a unique token identifier")

// registeredClaims may not be overridden by private claims.
var registeredClaims = map[string]bool{
	"iss": true, "sub": true, "aud": true, "exp": true,
	"nbf": true, "iat": true, "jti": true, "scopes": true,
}

// sealed wraps an encrypted payload with its kind so that one artifact
// cannot be replayed as another.
type sealed[T any] struct {
	Kind  string `json:"kind"`
	Token T      `json:"token"`
}

// TokenFactory mints, persists and serializes every issued artifact.
type TokenFactory struct {
	signer        *crypto.Signer
	envelope      *crypto.Envelope
	accessTokens  store.AccessTokenRepository
	refreshTokens store.RefreshTokenRepository
	issuer        string
	now           func() time.Time
}

// IssueAccessToken persists a new access token and returns it with its JWT.
func (f *TokenFactory) IssueAccessToken(ctx context.Context, ttl time.Duration, client *domain.Client, userID string, scopes domain.ScopeSet, privateClaims map[string]any) (*domain.AccessToken, string, error) {
	token := &domain.AccessToken{
		TokenFields: domain.TokenFields{
			ExpiresAt: f.expiry(ttl),
			ClientID:  client.ID,
			UserID:    userID,
			Scopes:    scopes,
		},
		PrivateClaims: privateClaims,
	}

	err := persistWithRetry(func() error {
		token.ID = uuid.NewString()
		return f.accessTokens.Persist(ctx, token)
	})
	if err != nil {
		return nil, "", fmt.Errorf("persist access token: %w", err)
	}

	signed, err := f.SignAccessToken(token)
	if err != nil {
		return nil, "", err
	}
	return token, signed, nil
}

// SignAccessToken renders the access token as a signed JWT.
func (f *TokenFactory) SignAccessToken(token *domain.AccessToken) (string, error) {
	now := f.now()
	claims := jwt.MapClaims{}
	for k, v := range token.PrivateClaims {
		if !registeredClaims[k] {
			claims[k] = v
		}
	}

	claims["jti"] = token.ID
	claims["aud"] = token.ClientID
	claims["iat"] = now.Unix()
	claims["nbf"] = now.Unix()
	claims["exp"] = token.ExpiresAt.Unix()
	claims["scopes"] = token.Scopes.IDs()
	if token.UserID != "" {
		claims["sub"] = token.UserID
	}
	if f.issuer != "" {
		claims["iss"] = f.issuer
	}

	return f.signer.Sign(claims)
}

// IssueRefreshToken persists a refresh token paired with access. An empty
// familyID starts a new rotation chain.
func (f *TokenFactory) IssueRefreshToken(ctx context.Context, ttl time.Duration, access *domain.AccessToken, familyID string) (*domain.RefreshToken, string, error) {
	token := &domain.RefreshToken{
		TokenFields: domain.TokenFields{
			ExpiresAt: f.expiry(ttl),
			ClientID:  access.ClientID,
			UserID:    access.UserID,
			Scopes:    access.Scopes,
		},
		AccessTokenID: access.ID,
		FamilyID:      familyID,
	}

	err := persistWithRetry(func() error {
		id, err := newIdentifier()
		if err != nil {
			return err
		}
		token.ID = id
		if familyID == "" {
			token.FamilyID = id
		}
		return f.refreshTokens.Persist(ctx, token)
	})
	if err != nil {
		return nil, "", fmt.Errorf("persist refresh token: %w", err)
	}

	encrypted, err := f.envelope.Encrypt(sealed[*domain.RefreshToken]{Kind: kindRefreshToken, Token: token})
	if err != nil {
		return nil, "", err
	}
	return token, encrypted, nil
}

// IssueAuthCode persists an authorization code and returns its encrypted form.
func (f *TokenFactory) IssueAuthCode(ctx context.Context, repo store.AuthCodeRepository, ttl time.Duration, code *domain.AuthCode) (string, error) {
	code.ExpiresAt = f.expiry(ttl)

	err := persistWithRetry(func() error {
		id, err := newIdentifier()
		if err != nil {
			return err
		}
		code.ID = id
		return repo.Persist(ctx, code)
	})
	if err != nil {
		return "", fmt.Errorf("persist auth code: %w", err)
	}

	return f.envelope.Encrypt(sealed[*domain.AuthCode]{Kind: kindAuthCode, Token: code})
}

// IssueDeviceCode persists a pending device code with a fresh user code.
func (f *TokenFactory) IssueDeviceCode(ctx context.Context, repo store.DeviceCodeRepository, ttl time.Duration, code *domain.DeviceCode) (string, error) {
	code.ExpiresAt = f.expiry(ttl)
	code.Status = domain.DeviceCodePending

	err := persistWithRetry(func() error {
		id, err := newIdentifier()
		if err != nil {
			return err
		}
		userCode, err := GenerateUserCode()
		if err != nil {
			return err
		}
		code.ID = id
		code.UserCode = userCode
		return repo.Persist(ctx, code)
	})
	if err != nil {
		return "", fmt.Errorf("persist device code: %w", err)
	}

	// The encrypted device code only identifies the request. Status and
	// polling state are always read back from the repository.
	snapshot := domain.DeviceCode{TokenFields: code.TokenFields}
	return f.envelope.Encrypt(sealed[domain.DeviceCode]{Kind: kindDeviceCode, Token: snapshot})
}

// OpenRefreshToken decrypts a refresh token.
func (f *TokenFactory) OpenRefreshToken(s string) (*domain.RefreshToken, error) {
	var v sealed[*domain.RefreshToken]
	if err := f.open(s, kindRefreshToken, &v, &v.Kind); err != nil || v.Token == nil {
		return nil, crypto.ErrInvalidToken
	}
	return v.Token, nil
}

// OpenAuthCode decrypts an authorization code.
func (f *TokenFactory) OpenAuthCode(s string) (*domain.AuthCode, error) {
	var v sealed[*domain.AuthCode]
	if err := f.open(s, kindAuthCode, &v, &v.Kind); err != nil || v.Token == nil {
		return nil, crypto.ErrInvalidToken
	}
	return v.Token, nil
}

// OpenDeviceCode decrypts a device code.
func (f *TokenFactory) OpenDeviceCode(s string) (*domain.DeviceCode, error) {
	var v sealed[domain.DeviceCode]
	if err := f.open(s, kindDeviceCode, &v, &v.Kind); err != nil || v.Token.ID == "" {
		return nil, crypto.ErrInvalidToken
	}
	return &v.Token, nil
}

func (f *TokenFactory) open(s, kind string, v any, gotKind *string) error {
	if err := f.envelope.Decrypt(s, v); err != nil {
		return err
	}
	if *gotKind != kind {
		return crypto.ErrInvalidToken
	}
	return nil
}

// expiry truncates to whole seconds so the persisted and signed expiry agree.
func (f *TokenFactory) expiry(ttl time.Duration) time.Time {
	return time.Unix(f.now().Add(ttl).Unix(), 0)
}

func persistWithRetry(persist func() error) error {
	for range maxGenerationAttempts {
		err := persist()
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrDuplicateIdentifier) {
			return err
		}
	}
	return errTooManyCollisions
}

// newIdentifier returns 40 random bytes, hex encoded.
func newIdentifier() (string, error) {
	b := make([]byte, 40)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate identifier: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// GenerateUserCode returns a code such as "BDFG-HJKL". Vowels are excluded
// so that codes never spell words.
func GenerateUserCode() (string, error) {
	var b strings.Builder
	alphabetSize := big.NewInt(int64(len(userCodeAlphabet)))
	for i := range userCodeLength {
		if i == userCodeLength/2 {
			b.WriteByte('-')
		}
		n, err := rand.Int(rand.Reader, alphabetSize)
		if err != nil {
			return "", fmt.Errorf("generate user code: %w", err)
		}
		b.WriteByte(userCodeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// NormalizeUserCode uppercases a user-typed code and restores the dash.
func NormalizeUserCode(s string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(s) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	code := b.String()
	if len(code) != userCodeLength {
		return code
	}
	return code[:userCodeLength/2] + "-" + code[userCodeLength/2:]
}
