package versioning

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Run("plain", func(t *testing.T) {
		v, err := Parse("1.2.3")
		require.NoError(t, err)
		assert.Equal(t, 1, v.Major)
		assert.Equal(t, 2, v.Minor)
		assert.Equal(t, 3, v.Patch)
		assert.Empty(t, v.Prerelease)
		assert.Equal(t, "1.2.3", v.Raw)
	})

	t.Run("v prefix stripped", func(t *testing.T) {
		v, err := Parse("v1.2.3")
		require.NoError(t, err)
		assert.Equal(t, "1.2.3", v.Raw)
	})

	t.Run("prerelease", func(t *testing.T) {
		v, err := Parse("v2.0.0-rc.1")
		require.NoError(t, err)
		assert.Equal(t, "rc.1", v.Prerelease)
		assert.Equal(t, "2.0.0-rc.1", v.Raw)
	})

	t.Run("rejects malformed", func(t *testing.T) {
		for _, s := range []string{"", "1", "1.2", "1.2.x", "a.b.c", "1.2.3.4", "release-1"} {
			_, err := Parse(s)
			assert.ErrorIs(t, err, ErrInvalidVersion, "input %q", s)
		}
	})
}

func TestCompare(t *testing.T) {
	mk := func(s string) Version {
		v, err := Parse(s)
		require.NoError(t, err)
		return *v
	}

	assert.Equal(t, -1, mk("1.2.3").Compare(mk("1.2.4")))
	assert.Equal(t, 1, mk("2.0.0").Compare(mk("1.9.9")))
	assert.Equal(t, 0, mk("1.2.3").Compare(mk("1.2.3")))
	// Release outranks prerelease of the same triple.
	assert.Equal(t, -1, mk("1.0.0-rc.1").Compare(mk("1.0.0")))
	assert.Equal(t, 1, mk("1.0.0").Compare(mk("1.0.0-rc.1")))
	// Prereleases compare lexicographically.
	assert.Equal(t, -1, mk("1.0.0-alpha").Compare(mk("1.0.0-beta")))
}

func TestIsPatchBump(t *testing.T) {
	mk := func(s string) *Version {
		v, err := Parse(s)
		require.NoError(t, err)
		return v
	}

	assert.True(t, IsPatchBump(mk("1.2.3"), mk("1.2.4")))
	assert.True(t, IsPatchBump(mk("1.2.3"), mk("1.2.10")))
	assert.False(t, IsPatchBump(mk("1.2.3"), mk("1.3.0")))
	assert.False(t, IsPatchBump(mk("1.2.3"), mk("2.2.4")))
	assert.False(t, IsPatchBump(mk("1.2.3"), mk("1.2.3")))
	assert.False(t, IsPatchBump(mk("1.2.4"), mk("1.2.3")))
	assert.False(t, IsPatchBump(mk("1.2.3"), mk("1.2.4-rc.1")))
	assert.False(t, IsPatchBump(nil, mk("1.2.4")))
}

func TestParseRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("parse(render(parse(s))) == parse(s)", prop.ForAll(
		func(major, minor, patch int) bool {
			s := Version{Major: major, Minor: minor, Patch: patch}.String()
			first, err := Parse(s)
			if err != nil {
				return false
			}
			second, err := Parse(first.String())
			if err != nil {
				return false
			}
			return first.Compare(*second) == 0 && first.Raw == second.Raw
		},
		gen.IntRange(0, 1000), gen.IntRange(0, 1000), gen.IntRange(0, 1000),
	))

	properties.TestingRun(t)
}
