package store

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func infoWithVersion(v string) contentEntry {
	return contentEntry{info: &StoreInfo{Content: NewBufferedContent([]byte(v)), MetaData: &MetaData{}, Version: v}}
}

func cachedVersion(t *testing.T, c *fifoCache, key string) string {
	t.Helper()
	entry, ok := c.get(key)
	require.True(t, ok, "expected %s to be cached", key)
	return entry.(contentEntry).info.Version
}

func TestFIFOCache_EvictsOldestInserted(t *testing.T) {
	t.Parallel()

	c := newFIFOCache(3)
	c.put("a", infoWithVersion("1"))
	c.put("b", infoWithVersion("2"))
	c.put("c", infoWithVersion("3"))

	// reading a does not protect it from eviction
	_, ok := c.get("a")
	require.True(t, ok)

	c.put("d", infoWithVersion("4"))
	_, ok = c.get("a")
	assert.False(t, ok)
	assert.Equal(t, 3, c.len())

	for _, key := range []string{"b", "c", "d"} {
		_, ok := c.get(key)
		assert.True(t, ok, key)
	}
}

func TestFIFOCache_ReplaceKeepsPosition(t *testing.T) {
	t.Parallel()

	c := newFIFOCache(2)
	c.put("a", infoWithVersion("1"))
	c.put("b", infoWithVersion("2"))
	c.put("a", infoWithVersion("3"))

	assert.Equal(t, "3", cachedVersion(t, c, "a"))

	c.put("c", infoWithVersion("4"))
	_, ok := c.get("a")
	assert.False(t, ok, "a was inserted first and is evicted despite the update")
	assert.Equal(t, "2", cachedVersion(t, c, "b"))
}

func TestFIFOCache_PutIfCurrent(t *testing.T) {
	t.Parallel()

	c := newFIFOCache(10)
	gen := c.generation()
	got := c.putIfCurrent("a", infoWithVersion("1"), gen)
	assert.Equal(t, "1", got.(contentEntry).info.Version)

	got = c.putIfCurrent("a", infoWithVersion("2"), gen)
	assert.Equal(t, "1", got.(contentEntry).info.Version)

	got = c.putIfCurrent("absent", contentEntry{}, gen)
	assert.False(t, got.(contentEntry).present())
	assert.Equal(t, 2, c.len())
}

func TestFIFOCache_PutIfCurrent_AfterClear(t *testing.T) {
	t.Parallel()

	c := newFIFOCache(10)
	stale := c.generation()
	c.clear()
	assert.NotEqual(t, stale, c.generation())

	got := c.putIfCurrent("a", infoWithVersion("old"), stale)
	assert.Equal(t, "old", got.(contentEntry).info.Version)
	_, ok := c.get("a")
	assert.False(t, ok, "a value loaded before the clear is not cached")

	// an entry written after the clear wins over the stale load
	c.put("b", infoWithVersion("new"))
	got = c.putIfCurrent("b", infoWithVersion("old"), stale)
	assert.Equal(t, "new", got.(contentEntry).info.Version)

	got = c.putIfCurrent("a", infoWithVersion("fresh"), c.generation())
	assert.Equal(t, "fresh", got.(contentEntry).info.Version)
	assert.Equal(t, "fresh", cachedVersion(t, c, "a"))
}

func TestFIFOCache_Bound(t *testing.T) {
	t.Parallel()

	c := newFIFOCache(0)
	for i := range DefaultCacheSize + 50 {
		c.put(fmt.Sprintf("key-%d", i), infoWithVersion(fmt.Sprint(i)))
	}
	assert.Equal(t, DefaultCacheSize, c.len())

	_, ok := c.get("key-49")
	assert.False(t, ok)
	assert.Equal(t, "50", cachedVersion(t, c, "key-50"))

	var order []string
	c.each(func(key string, _ cacheEntry) { order = append(order, key) })
	require.Len(t, order, DefaultCacheSize)
	assert.Equal(t, "key-50", order[0])
	assert.Equal(t, fmt.Sprintf("key-%d", DefaultCacheSize+49), order[len(order)-1])
}

func TestFIFOCache_RemoveAndClear(t *testing.T) {
	t.Parallel()

	c := newFIFOCache(10)
	c.put("a", infoWithVersion("1"))
	c.put("b", infoWithVersion("2"))

	c.remove("a")
	c.remove("missing")
	_, ok := c.get("a")
	assert.False(t, ok)
	assert.Equal(t, 1, c.len())

	c.clear()
	assert.Equal(t, 0, c.len())
	c.put("c", infoWithVersion("3"))
	assert.Equal(t, 1, c.len())
}
