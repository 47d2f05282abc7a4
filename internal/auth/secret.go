// Package auth provides the shared-secret primitives guarding the admin API: secret
// generation, bcrypt hashing for the stored form and Bearer header parsing.
// See internal/middleware/auth.go for the request-time checks built on these.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	// SecretLength is the number of random bytes in a generated admin secret
	SecretLength = 32

	// SecretPrefix marks generated admin secrets so they are recognisable in leaked logs
	SecretPrefix = "sls_admin"

	// BcryptCost is the cost factor for bcrypt hashing
	BcryptCost = 12
)

// ErrSecretTooShort is returned when hashing a secret that is too weak to store
var ErrSecretTooShort = errors.New("admin secret must be at least 16 characters")

// GenerateSecret creates a new random admin secret and its bcrypt hash.
// The secret is shown once; only the hash goes into configuration.
func GenerateSecret() (secret string, hash string, err error) {
	randomBytes := make([]byte, SecretLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	secret = fmt.Sprintf("%s_%s", SecretPrefix, base64.RawURLEncoding.EncodeToString(randomBytes))
	hash, err = HashSecret(secret)
	if err != nil {
		return "", "", err
	}
	return secret, hash, nil
}

// HashSecret returns the bcrypt hash of secret
func HashSecret(secret string) (string, error) {
	if len(secret) < 16 {
		return "", ErrSecretTooShort
	}
	hashBytes, err := bcrypt.GenerateFromPassword([]byte(secret), BcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash admin secret: %w", err)
	}
	return string(hashBytes), nil
}

// VerifySecret checks a presented secret against the stored hash
func VerifySecret(presented, storedHash string) bool {
	if presented == "" || storedHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(presented)) == nil
}

// ExtractBearer extracts the credential from an Authorization header.
// Expected format: "Bearer sls_admin_abc123..."
func ExtractBearer(header string) (string, error) {
	if header == "" {
		return "", errors.New("authorization header is empty")
	}

	scheme, credential, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", errors.New("authorization header must start with 'Bearer '")
	}

	credential = strings.TrimSpace(credential)
	if credential == "" {
		return "", errors.New("credential is empty after Bearer prefix")
	}
	return credential, nil
}
