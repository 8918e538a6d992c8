// Package btree wraps a B-Tree library with a generic ordered-map API
// that supports custom comparison functions and range iteration.
package btree

import (
	"iter"

	"github.com/tidwall/btree"
)

// Map is an ordered map backed by a B-Tree.
// The zero value is not usable, use New to create instances.
// Not safe for concurrent use.
type Map[K, V any] struct {
	hint btree.PathHint
	tr   *btree.BTreeG[entry[K, V]]
	cmp  func(K, K) int
}

type entry[K, V any] struct {
	K K
	V V
}

// New creates a new ordered map with the given B-Tree degree and comparison function.
func New[K, V any](degree int, cmp func(K, K) int) *Map[K, V] {
	tr := btree.NewBTreeGOptions(
		func(a, b entry[K, V]) bool {
			return cmp(a.K, b.K) < 0
		},
		btree.Options{
			NoLocks: true,
			Degree:  degree,
		},
	)

	return &Map[K, V]{
		tr:  tr,
		cmp: cmp,
	}
}

// Set key k to value v, reporting whether a previous value was replaced.
func (b *Map[K, V]) Set(k K, v V) (replaced bool) {
	_, replaced = b.tr.SetHint(entry[K, V]{K: k, V: v}, &b.hint)
	return replaced
}

// Swap is like Set but returns the previous value if any.
func (b *Map[K, V]) Swap(k K, v V) (prev V, replaced bool) {
	old, replaced := b.tr.SetHint(entry[K, V]{K: k, V: v}, &b.hint)
	return old.V, replaced
}

// Delete the value at key k.
func (b *Map[K, V]) Delete(k K) (deleted bool) {
	_, deleted = b.tr.DeleteHint(entry[K, V]{K: k}, &b.hint)
	return deleted
}

// Get the value at key k.
func (b *Map[K, V]) Get(k K) (v V, ok bool) {
	b.tr.AscendHint(entry[K, V]{K: k}, func(item entry[K, V]) bool {
		if b.cmp(item.K, k) == 0 {
			v = item.V
			ok = true
		}
		return false
	}, &b.hint)

	return v, ok
}

// GetMaybe returns the value at k, or the zero value if k is not set.
// Use Get to distinguish a zero value from a missing key.
func (b *Map[K, V]) GetMaybe(k K) (v V) {
	v, _ = b.Get(k)
	return v
}

// GetAt returns the key-value pair at position idx in key order.
func (b *Map[K, V]) GetAt(idx int) (k K, v V, ok bool) {
	e, ok := b.tr.GetAt(idx)
	return e.K, e.V, ok
}

// Len returns the number of elements in the map.
func (b *Map[K, V]) Len() int {
	if b == nil {
		return 0
	}
	return b.tr.Len()
}

// Items returns an in-order iterator over the key-value pairs.
func (b *Map[K, V]) Items() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		if b == nil {
			return
		}
		b.tr.Scan(func(item entry[K, V]) bool {
			return yield(item.K, item.V)
		})
	}
}

// Keys returns an in-order iterator over the keys.
func (b *Map[K, V]) Keys() iter.Seq[K] {
	return func(yield func(K) bool) {
		for k := range b.Items() {
			if !yield(k) {
				break
			}
		}
	}
}

// ItemsReverse returns a reverse-order iterator over the key-value pairs.
func (b *Map[K, V]) ItemsReverse() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		if b == nil {
			return
		}
		b.tr.Reverse(func(item entry[K, V]) bool {
			return yield(item.K, item.V)
		})
	}
}

// Seek returns an iterator over the pairs whose key is >= k.
func (b *Map[K, V]) Seek(k K) iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		b.tr.AscendHint(entry[K, V]{K: k}, func(item entry[K, V]) bool {
			return yield(item.K, item.V)
		}, &b.hint)
	}
}

// SeekReverse returns an iterator over the pairs whose key is <= k, in reverse order.
func (b *Map[K, V]) SeekReverse(k K) iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		b.tr.DescendHint(entry[K, V]{K: k}, func(item entry[K, V]) bool {
			return yield(item.K, item.V)
		}, &b.hint)
	}
}

// Clear all elements in the map.
func (b *Map[K, V]) Clear() {
	b.tr.Clear()
}

// Copy performs an efficient structural copy of the map.
func (b *Map[K, V]) Copy() *Map[K, V] {
	return &Map[K, V]{
		tr:  b.tr.Copy(),
		cmp: b.cmp,
	}
}
