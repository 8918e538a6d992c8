package docmodel

import (
	"fmt"

	"scribe/crdt"
)

// Collaborative undo is a new forward operation: the semantic inverse
// of a prior command, stamped and authored like any other edit, so it
// merges under the same conflict rules instead of rolling history back.

type invKind byte

const (
	invInsertText invKind = iota + 1
	invDeleteText
	invSetAttr
	invMoveBlock
	invDeleteBlock
)

// inverseIntent captures, at command time, what a later undo of that
// command must do. Fresh IDs and timestamps are minted at undo time.
type inverseIntent struct {
	kind   invKind
	block  string
	anchor crdt.OpID // insert anchor or move ref
	first  crdt.OpID // first char of a run to delete
	count  int
	text   string
	attr   string
	value  string
	parent string
}

type undoEntry struct {
	actor   crdt.ActorID
	ops     []crdt.Operation
	inverse []inverseIntent
	undone  bool
}

// Undo reverses the local actor's most recent not-yet-undone command
// by applying its semantic inverse as new operations. Only this
// replica's own commands are candidates, which is what makes the undo
// selective: concurrent edits by others are untouched.
func (d *Document) Undo() ([]crdt.Operation, error) {
	var entry *undoEntry
	for i := len(d.history) - 1; i >= 0; i-- {
		e := &d.history[i]
		if e.actor == d.clock.Actor() && !e.undone {
			entry = e
			break
		}
	}

	if entry == nil {
		return nil, fmt.Errorf("nothing to undo")
	}

	var ops []crdt.Operation

	// Reverse order: later intents may depend on earlier ones
	// (a split's text re-insert depends on its block insert).
	for i := len(entry.inverse) - 1; i >= 0; i-- {
		intent := entry.inverse[i]

		op, err := d.mintInverse(intent)
		if err != nil {
			return nil, fmt.Errorf("undo: %w", err)
		}
		ops = append(ops, op...)
	}

	for _, op := range ops {
		if err := d.Apply(op); err != nil {
			return nil, fmt.Errorf("undo: applying %s: %w", op.Kind, err)
		}
	}

	entry.undone = true
	return ops, nil
}

func (d *Document) mintInverse(intent inverseIntent) ([]crdt.Operation, error) {
	switch intent.kind {
	case invInsertText:
		n := len([]rune(intent.text))
		id, ts, err := d.stamp(n)
		if err != nil {
			return nil, err
		}
		return []crdt.Operation{crdt.NewTextInsert(id, ts, intent.block, intent.anchor, intent.text)}, nil

	case invDeleteText:
		ops := make([]crdt.Operation, 0, intent.count)
		for i := range intent.count {
			target := crdt.OpID{Seq: intent.first.Seq + uint64(i), Actor: intent.first.Actor}
			id, ts, err := d.stamp(1)
			if err != nil {
				return nil, err
			}
			ops = append(ops, crdt.NewTextDelete(id, ts, intent.block, target))
		}
		return ops, nil

	case invSetAttr:
		id, ts, err := d.stamp(1)
		if err != nil {
			return nil, err
		}
		return []crdt.Operation{crdt.NewSetAttr(id, ts, intent.block, intent.attr, intent.value)}, nil

	case invMoveBlock:
		id, ts, err := d.stamp(1)
		if err != nil {
			return nil, err
		}
		return []crdt.Operation{crdt.NewBlockMove(id, ts, intent.block, intent.parent, intent.anchor)}, nil

	case invDeleteBlock:
		id, ts, err := d.stamp(1)
		if err != nil {
			return nil, err
		}
		return []crdt.Operation{crdt.NewBlockDelete(id, ts, intent.block)}, nil

	default:
		return nil, fmt.Errorf("unknown inverse intent %d", intent.kind)
	}
}
