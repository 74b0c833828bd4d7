package edgecache

import (
	"testing"

	"github.com/crv-vcs/crv/chunk"
	"github.com/stretchr/testify/assert"
)

func TestMemCachePutGetRoundTrip(t *testing.T) {
	c := NewMemCache()
	h := chunk.ComputeHash([]byte("cached chunk"))
	c.Put(h, []byte("cached chunk"))

	got, ok := c.Get(h)
	assert.True(t, ok)
	assert.Equal(t, []byte("cached chunk"), got)
}

func TestMemCacheMissReturnsFalse(t *testing.T) {
	c := NewMemCache()
	_, ok := c.Get(chunk.ComputeHash([]byte("never cached")))
	assert.False(t, ok)
}

func TestMemCachePutCopiesData(t *testing.T) {
	c := NewMemCache()
	h := chunk.ComputeHash([]byte("x"))
	data := []byte("original")
	c.Put(h, data)
	data[0] = 'X'

	got, ok := c.Get(h)
	assert.True(t, ok)
	assert.Equal(t, []byte("original"), got)
}

func TestMemCacheEvict(t *testing.T) {
	c := NewMemCache()
	h := chunk.ComputeHash([]byte("evict me"))
	c.Put(h, []byte("evict me"))
	c.Evict(h)

	_, ok := c.Get(h)
	assert.False(t, ok)
}
