package btree

import (
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMapOrdering(t *testing.T) {
	m := New[string, int](8, strings.Compare)

	for i, k := range []string{"c", "a", "d", "b"} {
		m.Set(k, i)
	}

	require.Equal(t, 4, m.Len())
	require.Equal(t, []string{"a", "b", "c", "d"}, slices.Collect(m.Keys()))

	var reverse []string
	for k := range m.ItemsReverse() {
		reverse = append(reverse, k)
	}
	require.Equal(t, []string{"d", "c", "b", "a"}, reverse)

	v, ok := m.Get("c")
	require.True(t, ok)
	require.Equal(t, 0, v)

	prev, replaced := m.Swap("c", 42)
	require.True(t, replaced)
	require.Equal(t, 0, prev)
	require.Equal(t, 42, m.GetMaybe("c"))

	require.True(t, m.Delete("c"))
	require.Equal(t, 3, m.Len())
	_, ok = m.Get("c")
	require.False(t, ok)
}

func TestMapSeek(t *testing.T) {
	m := New[string, int](8, strings.Compare)
	m.Set("b", 1)
	m.Set("d", 2)

	var hit string
	for k := range m.Seek("c") {
		hit = k
		break
	}
	require.Equal(t, "d", hit)

	for k := range m.SeekReverse("c") {
		hit = k
		break
	}
	require.Equal(t, "b", hit)

	cp := m.Copy()
	cp.Set("e", 3)
	require.Equal(t, 2, m.Len())
	require.Equal(t, 3, cp.Len())
}
