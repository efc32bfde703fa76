package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMultimapSetGet(t *testing.T) {
	t.Parallel()

	m := newMultimap[string, int]()
	assert.Equal(t, 0, m.size())
	assert.False(t, m.has("a"))

	m.set("a", 1)
	m.set("a", 2)
	m.set("b", 3)

	assert.True(t, m.has("a"))
	assert.True(t, m.hasValue("a", 2))
	assert.False(t, m.hasValue("a", 3))
	assert.Equal(t, []int{1, 2}, m.get("a"))
	assert.Equal(t, 3, m.size())
}

func TestMultimapFIFOOrder(t *testing.T) {
	t.Parallel()

	m := newMultimap[string, int]()
	for i := 1; i <= 5; i++ {
		m.set("k", i)
	}

	// firstValue drains in insertion order when paired with delete.
	for want := 1; want <= 5; want++ {
		v, ok := m.firstValue("k")
		require.True(t, ok)
		assert.Equal(t, want, v)
		m.delete("k", v)
	}
	_, ok := m.firstValue("k")
	assert.False(t, ok)
}

func TestMultimapDelete(t *testing.T) {
	t.Parallel()

	m := newMultimap[string, int]()
	m.set("k", 1)
	m.set("k", 2)
	m.set("k", 1)

	// Only the first occurrence goes away.
	assert.True(t, m.delete("k", 1))
	assert.Equal(t, []int{2, 1}, m.get("k"))

	assert.False(t, m.delete("k", 7))
	assert.False(t, m.delete("missing", 1))

	m.deleteAll("k")
	assert.False(t, m.has("k"))
	assert.Equal(t, 0, m.size())
}

func TestMultimapClear(t *testing.T) {
	t.Parallel()

	m := newMultimap[string, string]()
	m.set("a", "x")
	m.set("b", "y")
	m.clear()
	assert.Equal(t, 0, m.size())
	assert.False(t, m.has("a"))
}
