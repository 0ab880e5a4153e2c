package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalAllow(t *testing.T) {
	ctx := context.Background()

	t.Run("burst admits, then rejects with retry hint", func(t *testing.T) {
		l := NewLocal(Config{RequestsPerMinute: 60, Burst: 3})

		for i := 0; i < 3; i++ {
			d, err := l.Allow(ctx, "token-1")
			require.NoError(t, err)
			assert.True(t, d.Allowed, "request %d within burst", i)
		}

		d, err := l.Allow(ctx, "token-1")
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.GreaterOrEqual(t, d.RetryAfter, time.Second)
	})

	t.Run("keys are independent", func(t *testing.T) {
		l := NewLocal(Config{RequestsPerMinute: 60, Burst: 1})

		d, err := l.Allow(ctx, "a")
		require.NoError(t, err)
		assert.True(t, d.Allowed)

		d, err = l.Allow(ctx, "a")
		require.NoError(t, err)
		assert.False(t, d.Allowed)

		d, err = l.Allow(ctx, "b")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	})

	t.Run("idle buckets evicted", func(t *testing.T) {
		l := NewLocal(Config{RequestsPerMinute: 60, Burst: 1})
		_, err := l.Allow(ctx, "stale")
		require.NoError(t, err)

		l.mu.Lock()
		l.buckets["stale"].lastSeen = time.Now().Add(-10 * time.Minute)
		l.mu.Unlock()

		l.evict(time.Now())

		l.mu.Lock()
		_, ok := l.buckets["stale"]
		l.mu.Unlock()
		assert.False(t, ok)
	})
}
