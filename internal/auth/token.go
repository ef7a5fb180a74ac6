// Package auth provides node token generation and hashing plus the admin
// key comparison used by the hub API and the CLI admin commands.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// GenerateToken returns a cryptographically random, URL-safe node token.
func GenerateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// GenerateSigningKey returns 32 random bytes hex encoded.
func GenerateSigningKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// HashToken returns the bcrypt hash stored for a node token.
func HashToken(token string) (string, error) {
	if token == "" {
		return "", errors.New("empty token")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// VerifyToken reports whether token matches the stored bcrypt hash.
func VerifyToken(hash, token string) bool {
	if hash == "" || token == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) == nil
}

// HashAPIKey returns a deterministic SHA-256 hex digest of key + pepper.
func HashAPIKey(key, pepper string) string {
	sum := sha256.Sum256([]byte(key + ":" + pepper))
	return hex.EncodeToString(sum[:])
}

// ConstantTimeHashEquals compares two hex hash strings in constant time.
func ConstantTimeHashEquals(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
