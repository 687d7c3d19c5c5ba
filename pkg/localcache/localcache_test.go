package localcache_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/illmade-knight/go-entitystore/pkg/keys"
	"github.com/illmade-knight/go-entitystore/pkg/localcache"
	"github.com/illmade-knight/go-entitystore/pkg/types"
)

func entity(kind string, id int64) *types.Entity {
	return &types.Entity{
		Key:        keys.IDKey(kind, id, nil),
		Properties: map[string]interface{}{"n": id},
	}
}

func TestCache_SetGet(t *testing.T) {
	c, err := localcache.New(10)
	require.NoError(t, err)

	ent := entity("Account", 1)
	c.Set(ent.Key.Encode(), ent)

	entry, ok := c.Get(ent.Key.Encode())
	require.True(t, ok)
	assert.False(t, entry.Tombstone)
	assert.Equal(t, ent, entry.Entity)

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestCache_Tombstone(t *testing.T) {
	c, err := localcache.New(10)
	require.NoError(t, err)

	c.SetTombstone("k")
	entry, ok := c.Get("k")
	require.True(t, ok)
	assert.True(t, entry.Tombstone)
	assert.Nil(t, entry.Entity)

	// A later value replaces the tombstone.
	ent := entity("Account", 1)
	c.Set("k", ent)
	entry, ok = c.Get("k")
	require.True(t, ok)
	assert.False(t, entry.Tombstone)
}

func TestCache_LRUEviction(t *testing.T) {
	c, err := localcache.New(2)
	require.NoError(t, err)

	c.Set("a", entity("A", 1))
	c.Set("b", entity("B", 2))

	// Touch "a" so "b" becomes the eviction candidate.
	_, ok := c.Get("a")
	require.True(t, ok)

	c.Set("c", entity("C", 3))
	assert.Equal(t, 2, c.Len())

	_, ok = c.Get("b")
	assert.False(t, ok, "least recently used entry should be evicted")
	_, ok = c.Get("a")
	assert.True(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
}

func TestCache_DeleteAndClear(t *testing.T) {
	c, err := localcache.New(4)
	require.NoError(t, err)

	c.Set("a", entity("A", 1))
	c.Delete("a")
	c.Delete("a") // deleting an absent key is a no-op
	_, ok := c.Get("a")
	assert.False(t, ok)

	c.Set("b", entity("B", 2))
	c.SetTombstone("c")
	c.Clear()
	assert.Equal(t, 0, c.Len())
}

func TestCache_RejectsNonPositiveSize(t *testing.T) {
	_, err := localcache.New(0)
	assert.Error(t, err)
}
