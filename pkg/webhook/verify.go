// Package webhook verifies and parses VCS push webhooks.
//
// Verification is boolean and deliberately silent: callers respond 200
// regardless of the result so a hostile sender learns nothing. HMAC is
// computed over the exact body bytes as received; CanonicalBody exists only
// for callers that arrive with already-parsed JSON.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"

	"github.com/gowebpki/jcs"
)

// Provider names accepted by Verify and ParsePush.
const (
	ProviderGitHub    = "github"
	ProviderGitLab    = "gitlab"
	ProviderBitbucket = "bitbucket"
)

// Verify checks the signature headers of a webhook delivery against the
// shared secret for the named provider. Any unknown provider fails.
func Verify(provider string, headers http.Header, body []byte, secret string) bool {
	if secret == "" {
		return false
	}

	switch provider {
	case ProviderGitHub:
		return verifyHMACHeader(headers.Get("X-Hub-Signature-256"), "sha256=", body, secret)
	case ProviderBitbucket:
		return verifyHMACHeader(headers.Get("X-Hub-Signature"), "sha256=", body, secret)
	case ProviderGitLab:
		return verifySharedToken(headers.Get("X-Gitlab-Token"), secret)
	default:
		return false
	}
}

// verifyHMACHeader checks header == prefix + hex(hmacSha256(secret, body)).
func verifyHMACHeader(header, prefix string, body []byte, secret string) bool {
	if header == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := prefix + hex.EncodeToString(mac.Sum(nil))
	if len(header) != len(expected) {
		return false
	}
	return hmac.Equal([]byte(header), []byte(expected))
}

// verifySharedToken compares a plain shared-secret header in constant time.
// Absent or length-mismatched tokens fail without comparison.
func verifySharedToken(got, want string) bool {
	if got == "" || len(got) != len(want) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// CanonicalBody re-serializes a parsed JSON payload into RFC 8785 canonical
// form. HMAC over these bytes only matches when the sender signed the same
// canonical form; handlers should retain the raw body instead whenever they
// can.
func CanonicalBody(parsed []byte) ([]byte, error) {
	return jcs.Transform(parsed)
}
