package adapters

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRUCacheSetGetDelete(t *testing.T) {
	c := NewLRUCache(4)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k1", []byte("v1"), 60))
	got, ok := c.Get(ctx, "k1")
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), got)

	require.NoError(t, c.Delete(ctx, "k1"))
	_, ok = c.Get(ctx, "k1")
	assert.False(t, ok)
}

func TestLRUCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewLRUCache(2)
	ctx := context.Background()

	c.Set(ctx, "a", []byte("1"), 60)
	c.Set(ctx, "b", []byte("2"), 60)

	// Touch "a" so "b" becomes the eviction candidate.
	_, ok := c.Get(ctx, "a")
	require.True(t, ok)

	c.Set(ctx, "c", []byte("3"), 60)

	_, ok = c.Get(ctx, "b")
	assert.False(t, ok, "least recently used entry should be evicted")
	_, ok = c.Get(ctx, "a")
	assert.True(t, ok)
	_, ok = c.Get(ctx, "c")
	assert.True(t, ok)
}

func TestLRUCacheExpiresByTTL(t *testing.T) {
	c := NewLRUCache(4)
	ctx := context.Background()

	c.Set(ctx, "soon", []byte("x"), 0)
	_, ok := c.Get(ctx, "soon")
	assert.False(t, ok, "zero TTL entries are already expired")
}

func TestLRUCacheUpdateKeepsSingleEntry(t *testing.T) {
	c := NewLRUCache(2)
	ctx := context.Background()

	c.Set(ctx, "k", []byte("old"), 60)
	c.Set(ctx, "k", []byte("new"), 60)
	c.Set(ctx, "other", []byte("x"), 60)

	got, ok := c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, []byte("new"), got)
}
