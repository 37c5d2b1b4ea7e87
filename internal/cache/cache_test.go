package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaywantadh/ferry/internal/remote"
)

func dir(p string) remote.Path  { return remote.NewPath(p, remote.TypeDirectory) }
func file(p string) remote.Path { return remote.NewPath(p, remote.TypeFile) }

func TestLookup(t *testing.T) {
	c := New(10)
	f := file("/d/f").WithAttributes(remote.Attributes{Size: 4})

	_, _, cached := c.Lookup(f)
	assert.False(t, cached)

	c.Put(dir("/d"), remote.NewList(f))
	entry, found, cached := c.Lookup(file("/d/f"))
	require.True(t, cached)
	require.True(t, found)
	assert.Equal(t, int64(4), entry.Attributes().Size)

	_, found, cached = c.Lookup(file("/d/g"))
	assert.True(t, cached)
	assert.False(t, found)
}

func TestInvalidateAndClear(t *testing.T) {
	c := New(10)
	c.Put(dir("/a"), remote.NewList())
	c.Put(dir("/b"), remote.NewList())
	assert.Equal(t, 2, c.Len())

	c.Invalidate(dir("/a"))
	_, ok := c.Get(dir("/a"))
	assert.False(t, ok)
	assert.Equal(t, 1, c.Len())

	c.Clear()
	assert.Equal(t, 0, c.Len())
}

func TestBounded(t *testing.T) {
	c := New(2)
	c.Put(dir("/a"), remote.NewList())
	c.Put(dir("/b"), remote.NewList())
	c.Put(dir("/c"), remote.NewList())
	assert.Equal(t, 2, c.Len())
	_, ok := c.Get(dir("/a"))
	assert.False(t, ok)
}

func TestEmptyStoresNothing(t *testing.T) {
	for _, c := range []*PathCache{Empty(), New(0), nil} {
		c.Put(dir("/a"), remote.NewList(file("/a/f")))
		_, ok := c.Get(dir("/a"))
		assert.False(t, ok)
		_, _, cached := c.Lookup(file("/a/f"))
		assert.False(t, cached)
		c.Invalidate(dir("/a"))
		c.Clear()
		assert.Equal(t, 0, c.Len())
	}
}
