// Package token mints and verifies the opaque bearer tokens used by the
// registry. Two prefixes form an enforced boundary: brce_ tokens authorize
// run callbacks only, breg_ tokens authorize registry CRUD only. Only the
// SHA-256 hash of a token is ever persisted.
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	// CallbackPrefix marks executor callback tokens.
	CallbackPrefix = "brce_"
	// RegistryPrefix marks registry API tokens.
	RegistryPrefix = "breg_"

	randomBytes = 32
)

// Mint returns a fresh token with the given prefix and its SHA-256 hex hash.
// The token itself is returned to the caller exactly once and never stored.
func Mint(prefix string) (token, tokenHash string, err error) {
	buf := make([]byte, randomBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("token: entropy read failed: %w", err)
	}
	token = prefix + hex.EncodeToString(buf)
	return token, Hash(token), nil
}

// MintCallback mints a brce_ callback token.
func MintCallback() (token, tokenHash string, err error) {
	return Mint(CallbackPrefix)
}

// MintRegistry mints a breg_ registry API token.
func MintRegistry() (token, tokenHash string, err error) {
	return Mint(RegistryPrefix)
}

// Hash returns the SHA-256 hex digest of a token.
func Hash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Verify reports whether token hashes to storedHash, in constant time.
func Verify(token, storedHash string) bool {
	computed := Hash(token)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(storedHash)) == 1
}

// ExtractBearer returns the token following a case-sensitive "Bearer "
// prefix in an Authorization header value, or "" when absent.
func ExtractBearer(header string) string {
	const scheme = "Bearer "
	if !strings.HasPrefix(header, scheme) {
		return ""
	}
	return header[len(scheme):]
}

// IsCallback reports whether the token carries the callback prefix.
func IsCallback(token string) bool {
	return strings.HasPrefix(token, CallbackPrefix)
}

// IsRegistry reports whether the token carries the registry prefix.
func IsRegistry(token string) bool {
	return strings.HasPrefix(token, RegistryPrefix)
}
