package licensing

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sitelicense/license-server/internal/db/models"
)

const tokenIssuer = "license-server"

// DecisionClaims is the payload of a signed positive validation decision. The plugin may
// cache it and keep working offline until it expires.
type DecisionClaims struct {
	LicenseKey  string             `json:"lic"`
	Fingerprint string             `json:"site"`
	LicenseType models.LicenseType `json:"ltype"`
	SeatLimit   models.SeatLimit   `json:"seats"`
	jwt.RegisteredClaims
}

// TokenIssuer signs decision tokens with an Ed25519 key
type TokenIssuer struct {
	key ed25519.PrivateKey
	ttl time.Duration
}

// NewTokenIssuer decodes a base64 Ed25519 seed (32 bytes) or private key (64 bytes)
func NewTokenIssuer(encodedKey string, ttl time.Duration) (*TokenIssuer, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encodedKey))
	if err != nil {
		return nil, fmt.Errorf("invalid token signing key encoding: %w", err)
	}

	var key ed25519.PrivateKey
	switch len(raw) {
	case ed25519.SeedSize:
		key = ed25519.NewKeyFromSeed(raw)
	case ed25519.PrivateKeySize:
		key = ed25519.PrivateKey(raw)
	default:
		return nil, fmt.Errorf("token signing key must be %d or %d bytes, got %d",
			ed25519.SeedSize, ed25519.PrivateKeySize, len(raw))
	}

	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &TokenIssuer{key: key, ttl: ttl}, nil
}

// PublicKey returns the verification key plugins embed
func (t *TokenIssuer) PublicKey() ed25519.PublicKey {
	return t.key.Public().(ed25519.PublicKey)
}

// Issue signs a token for an allowed decision. The token never outlives the license.
func (t *TokenIssuer) Issue(l *models.License, fingerprint string, now time.Time) (string, error) {
	exp := now.Add(t.ttl)
	if l.ExpiresAt != nil && l.ExpiresAt.Before(exp) {
		exp = *l.ExpiresAt
	}

	claims := &DecisionClaims{
		LicenseKey:  l.LicenseKey,
		Fingerprint: fingerprint,
		LicenseType: l.LicenseType,
		SeatLimit:   l.SeatLimit,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   l.LicenseKey,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(t.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign decision token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a decision token
func (t *TokenIssuer) Verify(tokenString string) (*DecisionClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &DecisionClaims{}, func(token *jwt.Token) (interface{}, error) {
		return t.PublicKey(), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}), jwt.WithIssuer(tokenIssuer))
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*DecisionClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid decision token")
	}
	return claims, nil
}
