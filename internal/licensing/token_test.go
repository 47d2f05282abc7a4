package licensing

import (
	"crypto/ed25519"
	"encoding/base64"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitelicense/license-server/internal/db/models"
)

func newTestIssuer(t *testing.T) *TokenIssuer {
	t.Helper()
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = byte(i)
	}
	issuer, err := NewTokenIssuer(base64.StdEncoding.EncodeToString(seed), time.Hour)
	require.NoError(t, err)
	return issuer
}

func TestNewTokenIssuer_KeyForms(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	fromSeed, err := NewTokenIssuer(base64.StdEncoding.EncodeToString(priv.Seed()), 0)
	require.NoError(t, err)
	fromKey, err := NewTokenIssuer(base64.StdEncoding.EncodeToString(priv), 0)
	require.NoError(t, err)

	assert.Equal(t, fromSeed.PublicKey(), fromKey.PublicKey())
	assert.Equal(t, 72*time.Hour, fromSeed.ttl)
}

func TestNewTokenIssuer_Invalid(t *testing.T) {
	_, err := NewTokenIssuer("%%%", time.Hour)
	assert.Error(t, err)

	_, err = NewTokenIssuer(base64.StdEncoding.EncodeToString([]byte("short")), time.Hour)
	assert.Error(t, err)
}

func TestTokenIssuer_IssueAndVerify(t *testing.T) {
	issuer := newTestIssuer(t)
	now := time.Now().Truncate(time.Second)
	lic := &models.License{
		LicenseKey:  "WPL-1",
		LicenseType: models.LicenseTypeUnlimitedSubscription,
		SeatLimit:   models.UnlimitedSeats,
	}

	token, err := issuer.Issue(lic, "0123456789abcdef0123456789abcdef", now)
	require.NoError(t, err)

	claims, err := issuer.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "WPL-1", claims.LicenseKey)
	assert.Equal(t, "0123456789abcdef0123456789abcdef", claims.Fingerprint)
	assert.Equal(t, models.LicenseTypeUnlimitedSubscription, claims.LicenseType)
	assert.True(t, claims.SeatLimit.IsUnlimited())
	assert.Equal(t, now.Add(time.Hour).Unix(), claims.ExpiresAt.Unix())
}

func TestTokenIssuer_ExpiryCappedByLicense(t *testing.T) {
	issuer := newTestIssuer(t)
	now := time.Now().Truncate(time.Second)
	exp := now.Add(10 * time.Minute)
	lic := &models.License{LicenseKey: "WPL-1", LicenseType: models.LicenseTypeFixedSeat, SeatLimit: 3, ExpiresAt: &exp}

	token, err := issuer.Issue(lic, "fp", now)
	require.NoError(t, err)
	claims, err := issuer.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, exp.Unix(), claims.ExpiresAt.Unix())
}

func TestTokenIssuer_RejectsForeignAndExpiredTokens(t *testing.T) {
	issuer := newTestIssuer(t)
	lic := &models.License{LicenseKey: "WPL-1", LicenseType: models.LicenseTypeFixedSeat, SeatLimit: 1}

	_, other, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	foreign, err := NewTokenIssuer(base64.StdEncoding.EncodeToString(other), time.Hour)
	require.NoError(t, err)
	token, err := foreign.Issue(lic, "fp", time.Now())
	require.NoError(t, err)
	_, err = issuer.Verify(token)
	assert.Error(t, err)

	stale, err := issuer.Issue(lic, "fp", time.Now().Add(-2*time.Hour))
	require.NoError(t, err)
	_, err = issuer.Verify(stale)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)
}
