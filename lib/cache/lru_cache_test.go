package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRU_PutGet(t *testing.T) {
	l := NewLRU[int, []byte](2)
	l.Put(1, []byte("a"))

	v, ok := l.Get(1)
	require.True(t, ok)
	assert.Equal(t, []byte("a"), v)

	_, ok = l.Get(2)
	assert.False(t, ok)
}

func TestLRU_EvictsLeastRecentlyUsed(t *testing.T) {
	l := NewLRU[string, int](2)
	l.Put("a", 1)
	l.Put("b", 2)

	// touch a so b becomes the eviction candidate
	_, ok := l.Get("a")
	require.True(t, ok)

	l.Put("c", 3)

	_, ok = l.Get("b")
	assert.False(t, ok)
	_, ok = l.Get("a")
	assert.True(t, ok)
	_, ok = l.Get("c")
	assert.True(t, ok)
	assert.Equal(t, 2, l.Len())
}

func TestLRU_OverwriteKeepsSingleEntry(t *testing.T) {
	l := NewLRU[string, int](2)
	l.Put("a", 1)
	l.Put("a", 2)

	v, ok := l.Get("a")
	require.True(t, ok)
	assert.Equal(t, 2, v)
	assert.Equal(t, 1, l.Len())
}
