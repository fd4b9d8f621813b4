// Package auth issues and verifies the credentials of API users: bcrypt
// password hashes and prefixed API tokens.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const (
	// TokenPrefix marks every token issued by the server
	TokenPrefix = "qpc_"
	// MinPasswordLength applies to admin passwords set from the CLI
	MinPasswordLength = 8

	secretLength = 32
	lookupLength = len(TokenPrefix) + 8
	bcryptCost   = 12
)

var errMalformedToken = errors.New("malformed api token")

// HashPassword hashes a user password
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword reports whether password matches hash
func CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// GenerateAPIKey returns a new token, the bcrypt hash of its secret part and
// the lookup prefix stored next to the hash. The token is shown once.
func GenerateAPIKey() (token, keyHash, keyPrefix string, err error) {
	secret := make([]byte, secretLength)
	if _, err := rand.Read(secret); err != nil {
		return "", "", "", fmt.Errorf("failed to generate token: %w", err)
	}
	token = TokenPrefix + base64.RawURLEncoding.EncodeToString(secret)

	hash, err := bcrypt.GenerateFromPassword(secret, bcryptCost)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to hash token: %w", err)
	}
	return token, string(hash), GetKeyPrefix(token), nil
}

// VerifyAPIKey checks token against a stored hash
func VerifyAPIKey(token, keyHash string) bool {
	secret, err := decodeSecret(token)
	if err != nil {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(keyHash), secret) == nil
}

// GetKeyPrefix returns the indexed lookup prefix of a token
func GetKeyPrefix(token string) string {
	if len(token) > lookupLength {
		return token[:lookupLength]
	}
	return token
}

func decodeSecret(token string) ([]byte, error) {
	encoded, ok := strings.CutPrefix(token, TokenPrefix)
	if !ok {
		return nil, errMalformedToken
	}
	secret, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil || len(secret) != secretLength {
		return nil, errMalformedToken
	}
	return secret, nil
}

// IsExpired reports whether expiresAt has passed; nil never expires
func IsExpired(expiresAt *time.Time) bool {
	return expiresAt != nil && time.Now().After(*expiresAt)
}
