package versioning

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatches(t *testing.T) {
	mk := func(s string) *Version {
		v, err := Parse(s)
		require.NoError(t, err)
		return v
	}

	t.Run("pessimistic two-part", func(t *testing.T) {
		// ~> 1.2 covers >=1.2.0 <2.0.0
		assert.True(t, Matches("~> 1.2", mk("1.2.0")))
		assert.True(t, Matches("~> 1.2", mk("1.2.4")))
		assert.True(t, Matches("~> 1.2", mk("1.9.9")))
		assert.False(t, Matches("~> 1.2", mk("2.0.0")))
		assert.False(t, Matches("~> 1.2", mk("1.1.9")))
	})

	t.Run("pessimistic three-part", func(t *testing.T) {
		// ~> 1.2.0 covers >=1.2.0 <1.3.0
		assert.True(t, Matches("~> 1.2.0", mk("1.2.4")))
		assert.False(t, Matches("~> 1.2.0", mk("1.3.0")))
		assert.False(t, Matches("~> 1.1.0", mk("1.2.4")))
	})

	t.Run("exact forms", func(t *testing.T) {
		assert.True(t, Matches("1.2.4", mk("1.2.4")))
		assert.True(t, Matches("= 1.2.4", mk("1.2.4")))
		assert.True(t, Matches("=1.2.4", mk("1.2.4")))
		assert.False(t, Matches("1.2.4", mk("1.2.5")))
	})

	t.Run("comparison and combinations", func(t *testing.T) {
		assert.True(t, Matches(">= 1.0", mk("1.2.4")))
		assert.True(t, Matches(">= 1.0, < 2.0", mk("1.9.0")))
		assert.False(t, Matches(">= 1.0, < 2.0", mk("2.0.0")))
		// Commas equivalent to spaces.
		assert.True(t, Matches(">= 1.0 < 2.0", mk("1.5.0")))
	})

	t.Run("unparseable falls back to exact string", func(t *testing.T) {
		assert.False(t, Matches("latest", mk("1.2.4")))
		assert.False(t, Matches("~> bananas", mk("1.2.4")))
		assert.True(t, Matches("1.2.4", mk("1.2.4")))
	})

	t.Run("whitespace trimmed", func(t *testing.T) {
		assert.True(t, Matches("  ~> 1.2  ", mk("1.2.4")))
	})
}

func TestRangeFor(t *testing.T) {
	t.Run("dangling operator rejected", func(t *testing.T) {
		_, err := RangeFor(">=")
		assert.ErrorIs(t, err, ErrUnparseableConstraint)
	})

	t.Run("empty rejected", func(t *testing.T) {
		_, err := RangeFor("   ")
		assert.ErrorIs(t, err, ErrUnparseableConstraint)
	})

	t.Run("exact requires full triple", func(t *testing.T) {
		_, err := RangeFor("1.2")
		assert.ErrorIs(t, err, ErrUnparseableConstraint)
	})
}
