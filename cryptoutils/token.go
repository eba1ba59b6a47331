package cryptoutils

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

const (
	tokenSecretSize = 32
	tokenSaltSize   = 16
)

// NewTokenSecret returns a random URL-safe secret for a one-time token,
// together with the salt and argon2id hash that are persisted in its place.
func NewTokenSecret() (secret string, salt []byte, hash []byte, err error) {
	raw := make([]byte, tokenSecretSize)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", nil, nil, fmt.Errorf("failed to generate token secret: %w", err)
	}
	salt = make([]byte, tokenSaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", nil, nil, fmt.Errorf("failed to generate token salt: %w", err)
	}
	secret = base64.RawURLEncoding.EncodeToString(raw)
	return secret, salt, HashTokenSecret(secret, salt), nil
}

// HashTokenSecret derives the stored form of a token secret.
func HashTokenSecret(secret string, salt []byte) []byte {
	return argon2.IDKey([]byte(secret), salt, 1, 64*1024, 4, 32)
}

// VerifyTokenSecret compares a presented secret against the stored hash in constant time.
func VerifyTokenSecret(secret string, salt, hash []byte) bool {
	if len(hash) == 0 || len(salt) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare(HashTokenSecret(secret, salt), hash) == 1
}
