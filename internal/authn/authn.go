// Package authn implements agent API-key generation/hashing/verification
// and admin password hashing. Admin password hashing uses bcrypt (opaque to
// the core beyond hash/verify); API keys use a fast SHA-256 hash at rest,
// since the keys themselves carry >=128 bits of entropy and bcrypt on every
// agent request would be prohibitive for a local-first, high-frequency
// control plane.
package authn

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	apiKeyPrefix    = "sk_agent_"
	apiKeyRandBytes = 32 // >=128 bits of entropy
	bcryptCost      = 12
)

// ErrMalformedAPIKey is returned when a presented key doesn't match the
// sk_agent_<hex> shape.
var ErrMalformedAPIKey = errors.New("malformed api key")

// GenerateAPIKey returns a new plaintext API key in the sk_agent_<hex>
// format and its SHA-256 hash, suitable for storage.
func GenerateAPIKey() (plaintext, hash string, err error) {
	buf := make([]byte, apiKeyRandBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generating api key randomness: %w", err)
	}
	plaintext = apiKeyPrefix + hex.EncodeToString(buf)
	hash = HashAPIKey(plaintext)
	return plaintext, hash, nil
}

// HashAPIKey returns the SHA-256 hex digest of a plaintext key.
func HashAPIKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// VerifyAPIKey reports whether plaintext's hash matches storedHash, in
// constant time over the hex digest.
func VerifyAPIKey(plaintext, storedHash string) bool {
	if !strings.HasPrefix(plaintext, apiKeyPrefix) {
		return false
	}
	computed := HashAPIKey(plaintext)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(storedHash)) == 1
}

// HashPassword hashes an admin password with bcrypt.
func HashPassword(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(hashed), nil
}

// VerifyPassword reports whether password matches the bcrypt hash.
func VerifyPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
