// Package docmodel is the bridge between external edit commands and the
// CRDT structures. It translates commands into operations, owns the
// single application path shared by local edits, live remote ops, and
// catch-up replay, and materializes the renderable document tree.
package docmodel

import (
	"errors"
	"fmt"

	"scribe/crdt"
)

// Document is one replica of a collaborative document.
//
// All methods must be called from a single sequential path per replica;
// the sync engine's network loop talks to the document through the
// engine's message queue, never directly.
type Document struct {
	clock *crdt.Clock

	tree  *crdt.Tree
	texts map[string]*crdt.RGA[rune]
	attrs *crdt.AttrSet

	// Append-only log of every operation ever applied, keyed by OpID
	// for idempotence checks.
	ops     []crdt.Operation
	applied map[crdt.OpID]struct{}

	vclock crdt.VectorClock
	buffer *crdt.CausalBuffer

	subs []func(crdt.Operation)

	dirty     map[string]struct{}
	blockText map[string]string

	history []undoEntry
}

// New creates an empty document replica driven by the given clock.
func New(clock *crdt.Clock) *Document {
	return &Document{
		clock:     clock,
		tree:      crdt.NewTree(),
		texts:     make(map[string]*crdt.RGA[rune]),
		attrs:     crdt.NewAttrSet(),
		applied:   make(map[crdt.OpID]struct{}),
		vclock:    crdt.NewVectorClock(),
		buffer:    crdt.NewCausalBuffer(),
		dirty:     make(map[string]struct{}),
		blockText: make(map[string]string),
	}
}

// Actor returns the local replica identity.
func (d *Document) Actor() crdt.ActorID {
	return d.clock.Actor()
}

// VectorClock returns a copy of the document's current vector clock.
func (d *Document) VectorClock() crdt.VectorClock {
	return d.vclock.Clone()
}

// Subscribe registers a callback invoked exactly once per applied
// operation, no matter how many times the operation arrives.
func (d *Document) Subscribe(fn func(crdt.Operation)) {
	d.subs = append(d.subs, fn)
}

// OpsSince returns all applied operations not covered by the given
// vector clock, in local application order. Application order respects
// causality on this replica, so replaying the result on another
// replica never parks more than the truly concurrent ops.
func (d *Document) OpsSince(vc crdt.VectorClock) []crdt.Operation {
	var out []crdt.Operation
	for _, op := range d.ops {
		if !vc.Includes(op.ID) {
			out = append(out, op)
		}
	}
	return out
}

// MissingDeps returns the dependency keys of all causally-buffered
// operations, for the sync engine to re-request.
func (d *Document) MissingDeps() []string {
	return d.buffer.Deps()
}

// ExpireDeferred bumps the retry count of causally-buffered operations
// and drops the ones that exceeded maxRetries, returning them so the
// caller can log the data-integrity warning.
func (d *Document) ExpireDeferred(maxRetries int) []crdt.Operation {
	return d.buffer.Bump(maxRetries)
}

// Apply integrates one operation into the CRDT state. This is the only
// application path: local edits, live remote ops, and catch-up replay
// all go through here, so their behavior is identical.
//
// Duplicates are no-ops. Operations with missing causal dependencies
// are parked and replayed automatically once the dependency applies.
// A non-nil error means the operation itself is unusable, not that the
// document state was corrupted.
func (d *Document) Apply(op crdt.Operation) error {
	if err := op.Validate(); err != nil {
		return err
	}

	if _, ok := d.applied[op.ID]; ok {
		return nil
	}

	// Track the remote timestamp so local writes sort after it.
	// Extreme skew is clamped by not tracking; the op still applies.
	_ = d.clock.Track(op.Time)

	// Future local IDs must sort after everything observed.
	if err := d.clock.TrackOpID(lastID(op)); err != nil {
		return err
	}

	dep, err := d.integrate(op)
	if err != nil {
		return err
	}
	if dep != "" {
		d.buffer.Add(dep, op)
		return nil
	}

	d.commit(op)
	return nil
}

// integrate dispatches the operation to its structure. It returns a
// dependency key if the op must wait, or an error if it's unusable.
func (d *Document) integrate(op crdt.Operation) (dep string, err error) {
	switch op.Kind {
	case crdt.OpTextInsert:
		return d.integrateTextInsert(op)

	case crdt.OpTextDelete:
		text, ok := d.texts[op.Block]
		if !ok {
			return crdt.OpDep(op.Ref), nil
		}
		if err := text.Delete(op.Ref); err != nil {
			if isCausality(err) {
				return crdt.OpDep(op.Ref), nil
			}
			return "", err
		}
		return "", nil

	case crdt.OpBlockInsert, crdt.OpBlockMove, crdt.OpBlockDelete:
		parent := op.Parent
		if op.Kind == crdt.OpBlockDelete {
			parent = crdt.TrashID
		}

		move := crdt.MoveRecord{OpID: op.ID, Parent: parent, Block: op.Block, Ref: op.Ref}
		if err := d.tree.Integrate(move); err != nil {
			if isCausality(err) {
				if !d.tree.HasBlock(parent) {
					return crdt.BlockDep(parent), nil
				}
				return crdt.OpDep(op.Ref), nil
			}
			if isDuplicate(err) {
				return "", nil
			}
			return "", err
		}
		return "", nil

	case crdt.OpSetAttr:
		d.attrs.Set(op.Block, op.Attr, op.Value, op.Time)
		return "", nil

	default:
		return "", fmt.Errorf("unknown operation kind %q", op.Kind)
	}
}

func (d *Document) integrateTextInsert(op crdt.Operation) (dep string, err error) {
	text, ok := d.texts[op.Block]
	if !ok {
		text = crdt.NewRGA[rune]()
		d.texts[op.Block] = text
	}

	runes := []rune(op.Text)
	ref := op.Ref
	for i, r := range runes {
		id := crdt.OpID{Seq: op.ID.Seq + uint64(i), Actor: op.ID.Actor}

		if err := text.Integrate(id, ref, r); err != nil {
			switch {
			case isDuplicate(err):
				// Replay of a partially applied run; keep going.
			case isCausality(err):
				if i > 0 {
					panic("BUG: mid-run anchor missing")
				}
				return crdt.OpDep(op.Ref), nil
			default:
				return "", err
			}
		}

		ref = id
	}

	return "", nil
}

// commit records a successfully integrated operation: log, vector
// clock, dirty tracking, subscriber emission, and replay of any ops
// that were waiting on it.
func (d *Document) commit(op crdt.Operation) {
	d.ops = append(d.ops, op)
	d.applied[op.ID] = struct{}{}
	d.vclock.Observe(lastID(op))
	d.dirty[op.Block] = struct{}{}

	for _, fn := range d.subs {
		fn(op)
	}

	for _, key := range resolvedDeps(op) {
		for _, waiting := range d.buffer.Take(key) {
			// Buffered ops were validated and deduped on arrival.
			if err := d.Apply(waiting); err != nil {
				panic(fmt.Sprintf("BUG: replaying deferred op %s: %v", waiting.ID, err))
			}
		}
	}
}

// lastID returns the highest operation ID consumed by the op. Text-run
// inserts consume one ID per character.
func lastID(op crdt.Operation) crdt.OpID {
	if op.Kind == crdt.OpTextInsert {
		n := len([]rune(op.Text))
		return crdt.OpID{Seq: op.ID.Seq + uint64(n-1), Actor: op.ID.Actor}
	}
	return op.ID
}

// resolvedDeps lists the dependency keys that applying op satisfies.
func resolvedDeps(op crdt.Operation) []string {
	var keys []string

	switch op.Kind {
	case crdt.OpTextInsert:
		n := len([]rune(op.Text))
		for i := range n {
			keys = append(keys, crdt.OpDep(crdt.OpID{Seq: op.ID.Seq + uint64(i), Actor: op.ID.Actor}))
		}
	case crdt.OpBlockInsert:
		keys = append(keys, crdt.OpDep(op.ID), crdt.BlockDep(op.Block))
	case crdt.OpBlockMove, crdt.OpBlockDelete:
		keys = append(keys, crdt.OpDep(op.ID), crdt.BlockDep(op.Block))
	default:
		keys = append(keys, crdt.OpDep(op.ID))
	}

	return keys
}

func (d *Document) text(block string) *crdt.RGA[rune] {
	text, ok := d.texts[block]
	if !ok {
		text = crdt.NewRGA[rune]()
		d.texts[block] = text
	}
	return text
}

func isCausality(err error) bool {
	return errors.Is(err, crdt.ErrCausality)
}

func isDuplicate(err error) bool {
	return errors.Is(err, crdt.ErrDuplicate)
}
