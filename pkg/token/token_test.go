package token

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMint(t *testing.T) {
	t.Run("callback token shape", func(t *testing.T) {
		tok, hash, err := MintCallback()
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(tok, "brce_"))
		assert.Len(t, tok, len("brce_")+64)
		assert.Len(t, hash, 64)
		assert.True(t, Verify(tok, hash))
	})

	t.Run("registry token shape", func(t *testing.T) {
		tok, hash, err := MintRegistry()
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(tok, "breg_"))
		assert.True(t, Verify(tok, hash))
	})

	t.Run("tokens are unique", func(t *testing.T) {
		a, _, err := MintCallback()
		require.NoError(t, err)
		b, _, err := MintCallback()
		require.NoError(t, err)
		assert.NotEqual(t, a, b)
	})
}

func TestVerify(t *testing.T) {
	tok, hash, err := MintCallback()
	require.NoError(t, err)

	t.Run("wrong token fails", func(t *testing.T) {
		assert.False(t, Verify(tok+"x", hash))
		assert.False(t, Verify("", hash))
	})

	t.Run("single character flip fails", func(t *testing.T) {
		for i := range tok {
			flipped := []byte(tok)
			flipped[i] ^= 0x01
			assert.False(t, Verify(string(flipped), hash), "flip at %d", i)
		}
	})
}

func TestVerifyProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("verify(tok, hash(tok)) holds for any prefix", prop.ForAll(
		func(prefix string) bool {
			tok, hash, err := Mint(prefix)
			if err != nil {
				return false
			}
			return Verify(tok, hash)
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

func TestExtractBearer(t *testing.T) {
	assert.Equal(t, "brce_abc", ExtractBearer("Bearer brce_abc"))
	assert.Equal(t, "", ExtractBearer("bearer brce_abc")) // case-sensitive
	assert.Equal(t, "", ExtractBearer("Basic dXNlcg=="))
	assert.Equal(t, "", ExtractBearer(""))
	assert.Equal(t, "", ExtractBearer("Bearer"))
}

func TestPrefixBoundary(t *testing.T) {
	assert.True(t, IsCallback("brce_deadbeef"))
	assert.False(t, IsCallback("breg_deadbeef"))
	assert.True(t, IsRegistry("breg_deadbeef"))
	assert.False(t, IsRegistry("brce_deadbeef"))
	// Legacy tokens carry neither prefix.
	assert.False(t, IsCallback("legacy-token"))
	assert.False(t, IsRegistry("legacy-token"))
}
