package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestVerify(t *testing.T) {
	body := []byte(`{"ref":"refs/tags/v1.2.4"}`)
	secret := "hunter2"

	t.Run("github valid signature", func(t *testing.T) {
		h := http.Header{}
		h.Set("X-Hub-Signature-256", sign(secret, body))
		assert.True(t, Verify(ProviderGitHub, h, body, secret))
	})

	t.Run("github mangled signature", func(t *testing.T) {
		h := http.Header{}
		h.Set("X-Hub-Signature-256", sign(secret, body)[:len(sign(secret, body))-1]+"0")
		assert.False(t, Verify(ProviderGitHub, h, body, secret))
	})

	t.Run("github missing header", func(t *testing.T) {
		assert.False(t, Verify(ProviderGitHub, http.Header{}, body, secret))
	})

	t.Run("github body tampered", func(t *testing.T) {
		h := http.Header{}
		h.Set("X-Hub-Signature-256", sign(secret, body))
		assert.False(t, Verify(ProviderGitHub, h, []byte(`{"ref":"refs/tags/v6.6.6"}`), secret))
	})

	t.Run("bitbucket uses X-Hub-Signature", func(t *testing.T) {
		h := http.Header{}
		h.Set("X-Hub-Signature", sign(secret, body))
		assert.True(t, Verify(ProviderBitbucket, h, body, secret))
	})

	t.Run("gitlab shared token", func(t *testing.T) {
		h := http.Header{}
		h.Set("X-Gitlab-Token", secret)
		assert.True(t, Verify(ProviderGitLab, h, body, secret))

		h.Set("X-Gitlab-Token", "wrong-length")
		assert.False(t, Verify(ProviderGitLab, h, body, secret))

		h.Set("X-Gitlab-Token", "")
		assert.False(t, Verify(ProviderGitLab, h, body, secret))
	})

	t.Run("unknown provider", func(t *testing.T) {
		h := http.Header{}
		h.Set("X-Hub-Signature-256", sign(secret, body))
		assert.False(t, Verify("gitea", h, body, secret))
	})

	t.Run("empty secret disables provider", func(t *testing.T) {
		h := http.Header{}
		h.Set("X-Hub-Signature-256", sign("", body))
		assert.False(t, Verify(ProviderGitHub, h, body, ""))
	})
}

func TestParseGitHubPush(t *testing.T) {
	body := []byte(`{
		"ref": "refs/tags/v1.2.4",
		"repository": {
			"full_name": "infra/vpc",
			"clone_url": "https://github.com/infra/vpc.git",
			"html_url": "https://github.com/infra/vpc"
		}
	}`)

	ev, err := ParsePush(ProviderGitHub, body)
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/infra/vpc.git", ev.RepositoryURL)
	assert.Equal(t, "infra/vpc", ev.RepositoryFullName)
	assert.Equal(t, "refs/tags/v1.2.4", ev.Ref)
	assert.Equal(t, "v1.2.4", ev.Tag)
}

func TestParseGitHubBranchPush(t *testing.T) {
	body := []byte(`{"ref": "refs/heads/main", "repository": {"full_name": "infra/vpc", "clone_url": "https://github.com/infra/vpc.git"}}`)
	ev, err := ParsePush(ProviderGitHub, body)
	require.NoError(t, err)
	assert.Empty(t, ev.Tag)
}

func TestParseGitLabPush(t *testing.T) {
	body := []byte(`{
		"ref": "refs/tags/v2.0.0",
		"project": {
			"path_with_namespace": "infra/dns",
			"git_http_url": "https://gitlab.example.com/infra/dns.git"
		}
	}`)

	ev, err := ParsePush(ProviderGitLab, body)
	require.NoError(t, err)
	assert.Equal(t, "https://gitlab.example.com/infra/dns.git", ev.RepositoryURL)
	assert.Equal(t, "v2.0.0", ev.Tag)
}

func TestParseBitbucketPush(t *testing.T) {
	t.Run("tag push", func(t *testing.T) {
		body := []byte(`{
			"push": {"changes": [{"new": {"type": "tag", "name": "v0.3.0"}}]},
			"repository": {
				"full_name": "infra/eks",
				"links": {
					"html": {"href": "https://bitbucket.org/infra/eks"},
					"clone": [{"name": "https", "href": "https://bitbucket.org/infra/eks.git"}]
				}
			}
		}`)
		ev, err := ParsePush(ProviderBitbucket, body)
		require.NoError(t, err)
		assert.Equal(t, "https://bitbucket.org/infra/eks.git", ev.RepositoryURL)
		assert.Equal(t, "v0.3.0", ev.Tag)
	})

	t.Run("deletion yields ErrNotPush", func(t *testing.T) {
		body := []byte(`{"push": {"changes": [{"new": null}]}, "repository": {"full_name": "infra/eks"}}`)
		_, err := ParsePush(ProviderBitbucket, body)
		assert.ErrorIs(t, err, ErrNotPush)
	})

	t.Run("missing clone link falls back to html", func(t *testing.T) {
		body := []byte(`{
			"push": {"changes": [{"new": {"type": "branch", "name": "main"}}]},
			"repository": {"full_name": "infra/eks", "links": {"html": {"href": "https://bitbucket.org/infra/eks"}}}
		}`)
		ev, err := ParsePush(ProviderBitbucket, body)
		require.NoError(t, err)
		assert.Equal(t, "https://bitbucket.org/infra/eks", ev.RepositoryURL)
		assert.Empty(t, ev.Tag)
	})
}

func TestCanonicalBody(t *testing.T) {
	// Key order and insignificant whitespace collapse to one canonical form.
	a, err := CanonicalBody([]byte(`{"b": 1, "a": 2}`))
	require.NoError(t, err)
	b, err := CanonicalBody([]byte(`{"a":2,"b":1}`))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
