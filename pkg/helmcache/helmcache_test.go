package helmcache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache(t *testing.T) {
	t.Run("set then get", func(t *testing.T) {
		c := New(time.Minute)
		set := c.Set("acme", []byte("apiVersion: v1\nentries: {}\n"))

		got, ok := c.Get("acme")
		require.True(t, ok)
		assert.Equal(t, set.ETag, got.ETag)
		assert.Equal(t, set.Content, got.Content)
	})

	t.Run("etag is quoted 16-hex prefix and content-addressed", func(t *testing.T) {
		c := New(time.Minute)
		a := c.Set("ns", []byte("one"))
		assert.Len(t, a.ETag, 18)
		assert.Equal(t, byte('"'), a.ETag[0])
		assert.Equal(t, byte('"'), a.ETag[17])

		b := c.Set("ns", []byte("two"))
		assert.NotEqual(t, a.ETag, b.ETag)

		same := c.Set("other", []byte("one"))
		assert.Equal(t, a.ETag, same.ETag)
	})

	t.Run("expired entries miss", func(t *testing.T) {
		c := New(time.Minute)
		c.Set("acme", []byte("x"))
		c.mu.Lock()
		c.entries["acme"].CreatedAt = time.Now().Add(-2 * time.Minute)
		c.mu.Unlock()

		_, ok := c.Get("acme")
		assert.False(t, ok)
	})

	t.Run("invalidate removes", func(t *testing.T) {
		c := New(time.Minute)
		c.Set("acme", []byte("x"))
		c.Invalidate("acme")
		_, ok := c.Get("acme")
		assert.False(t, ok)
	})

	t.Run("unknown namespace misses", func(t *testing.T) {
		c := New(0)
		_, ok := c.Get("nope")
		assert.False(t, ok)
	})
}
