package cache

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryTier(t *testing.T) {
	t.Parallel()

	t.Run("lru eviction by size", func(t *testing.T) {
		r := require.New(t)

		m := newMemoryTier(30)

		for i := range 3 {
			m.set(fmt.Sprintf("key-%d", i), nil, make([]byte, 10))
		}
		for i := range 3 {
			_, _, ok := m.get(fmt.Sprintf("key-%d", i))
			r.True(ok)
		}

		// key-0 is the oldest and gets evicted.
		m.set("key-3", nil, make([]byte, 10))

		_, _, ok := m.get("key-0")
		r.False(ok)
		_, _, ok = m.get("key-3")
		r.True(ok)
		r.Equal(int64(30), m.size)
	})

	t.Run("get refreshes recency", func(t *testing.T) {
		r := require.New(t)

		m := newMemoryTier(20)
		m.set("a", nil, make([]byte, 10))
		m.set("b", nil, make([]byte, 10))

		// Touch "a" so that "b" becomes the eviction candidate.
		_, _, ok := m.get("a")
		r.True(ok)

		m.set("c", nil, make([]byte, 10))

		_, _, ok = m.get("a")
		r.True(ok)
		_, _, ok = m.get("b")
		r.False(ok)
	})

	t.Run("overwrite replaces size accounting", func(t *testing.T) {
		r := require.New(t)

		m := newMemoryTier(100)
		m.set("a", nil, make([]byte, 10))
		m.set("a", nil, make([]byte, 30))

		r.Equal(int64(30), m.size)
		r.Equal(1, m.order.Len())
	})

	t.Run("single oversized entry is kept", func(t *testing.T) {
		r := require.New(t)

		m := newMemoryTier(10)
		m.set("big", nil, make([]byte, 100))

		_, _, ok := m.get("big")
		r.True(ok)
	})

	t.Run("remove", func(t *testing.T) {
		r := require.New(t)

		m := newMemoryTier(100)
		m.set("a", nil, make([]byte, 10))
		m.remove("a")
		m.remove("a")

		_, _, ok := m.get("a")
		r.False(ok)
		r.Zero(m.size)
	})
}
