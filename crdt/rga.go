package crdt

import (
	"cmp"
	"errors"
	"fmt"
	"iter"

	"roci.dev/fracdex"

	"scribe/util/btree"
)

// Sentinel errors for the integration paths. Callers buffer operations
// failing with ErrCausality until the missing dependency arrives, and
// treat ErrDuplicate as an idempotent no-op.
var (
	ErrCausality = errors.New("causality violation")
	ErrDuplicate = errors.New("duplicate operation")
)

type rgaItem[T any] struct {
	ID      OpID
	Ref     OpID
	Value   T
	Deleted bool
}

// RGA is a replicated growable array: an ordered sequence CRDT with
// tombstoned deletion. Positions are kept as fractional indexes in a
// B-Tree, so integration is a log-time insert instead of a list splice.
//
// Sibling order follows the RGA rule: an insert lands right after its
// anchor, skipping over any sibling with a greater ID, so concurrent
// inserts at one anchor deterministically order higher-ID-first.
type RGA[T any] struct {
	applied *btree.Map[OpID, string]     // op ID => fracdex
	items   *btree.Map[string, rgaItem[T]] // fracdex => item
	alive   int
}

// NewRGA creates an empty sequence.
func NewRGA[T any]() *RGA[T] {
	return &RGA[T]{
		applied: btree.New[OpID, string](8, OpID.Compare),
		items:   btree.New[string, rgaItem[T]](8, cmp.Compare),
	}
}

// Integrate links a new node with the given ID after the anchor ref.
// The zero ref anchors at the beginning of the sequence.
//
// Returns ErrDuplicate if the ID was integrated before, and
// ErrCausality if the anchor is not yet known on this replica.
func (l *RGA[T]) Integrate(id, ref OpID, v T) error {
	if _, ok := l.applied.Get(id); ok {
		return fmt.Errorf("%w: op %s already in the sequence", ErrDuplicate, id)
	}

	var left string
	if !ref.IsZero() {
		refPos, ok := l.applied.Get(ref)
		if !ok {
			return fmt.Errorf("%w: anchor op %s is not found", ErrCausality, ref)
		}
		left = refPos
	}

	// Skip over siblings with a greater ID to the right of the anchor.
	var right string
	for k, item := range l.items.Seek(left) {
		if k == left {
			continue
		}

		if SiblingBefore(item.ID, id) {
			left = k
			continue
		}

		right = k
		break
	}

	pos, err := fracdex.KeyBetween(left, right)
	if err != nil {
		return fmt.Errorf("allocating position: %w", err)
	}

	if l.items.Set(pos, rgaItem[T]{ID: id, Ref: ref, Value: v}) {
		panic("BUG: duplicate fracdex position")
	}

	if l.applied.Set(id, pos) {
		panic("BUG: duplicate op ID")
	}

	l.alive++
	return nil
}

// Delete tombstones the node with the given ID. Deleting twice is a
// no-op. Deleting an unknown ID fails with ErrCausality so the caller
// can defer the operation.
func (l *RGA[T]) Delete(id OpID) error {
	pos, ok := l.applied.Get(id)
	if !ok {
		return fmt.Errorf("%w: delete target %s is not found", ErrCausality, id)
	}

	item := l.items.GetMaybe(pos)
	if item.Deleted {
		return nil
	}

	item.Deleted = true
	l.items.Set(pos, item)
	l.alive--
	return nil
}

// Contains reports whether the ID was ever integrated, tombstoned or not.
func (l *RGA[T]) Contains(id OpID) bool {
	_, ok := l.applied.Get(id)
	return ok
}

// Len returns the number of visible (non-tombstoned) nodes.
func (l *RGA[T]) Len() int {
	return l.alive
}

// Values iterates visible nodes in traversal order. This is the only
// place tombstones are filtered out, so every read path goes through it.
func (l *RGA[T]) Values() iter.Seq2[OpID, T] {
	return func(yield func(OpID, T) bool) {
		for _, item := range l.items.Items() {
			if item.Deleted {
				continue
			}

			if !yield(item.ID, item.Value) {
				break
			}
		}
	}
}

// At returns the ID and value of the idx-th visible node.
func (l *RGA[T]) At(idx int) (id OpID, v T, ok bool) {
	if idx < 0 {
		return id, v, false
	}

	var i int
	for nodeID, value := range l.Values() {
		if i == idx {
			return nodeID, value, true
		}
		i++
	}

	return id, v, false
}

// IndexOf returns the visible position of the given ID.
// Tombstoned and unknown IDs report ok=false.
func (l *RGA[T]) IndexOf(id OpID) (idx int, ok bool) {
	pos, found := l.applied.Get(id)
	if !found {
		return 0, false
	}

	if l.items.GetMaybe(pos).Deleted {
		return 0, false
	}

	for k, item := range l.items.Items() {
		if k == pos {
			return idx, true
		}
		if !item.Deleted {
			idx++
		}
	}

	panic("BUG: applied position missing from items")
}

// NearestLive resolves an ID to itself if visible, or to the closest
// preceding visible node otherwise. Returns the zero ID when no live
// node precedes the target, anchoring at the beginning.
func (l *RGA[T]) NearestLive(id OpID) (OpID, error) {
	pos, ok := l.applied.Get(id)
	if !ok {
		return OpID{}, fmt.Errorf("%w: op %s is not found", ErrCausality, id)
	}

	for _, item := range l.items.SeekReverse(pos) {
		if item.Deleted {
			continue
		}
		return item.ID, nil
	}

	return RootID, nil
}
