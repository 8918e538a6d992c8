package crdt

import (
	"fmt"
	"iter"
	"strings"

	"scribe/util/btree"
)

// TrashID is the sentinel parent for deleted blocks. Deletion is a move
// into trash: the block and its descendants stay in the structure but
// become unreachable from the root, which is how delete-wins over
// concurrent descendant edits falls out of materialization.
const TrashID = "◊"

// MoveRecord is one entry of the tree's move log: the block was placed
// under Parent after the sibling position Ref.
type MoveRecord struct {
	OpID   OpID
	Parent string
	Block  string
	Ref    OpID
}

// Tree is the CRDT for hierarchical block structure. Every structural
// operation (insert, move, delete) is a move record; per-parent child
// lists are RGA sequences over block IDs, so sibling ordering follows
// exactly the same rule as text.
type Tree struct {
	log      *btree.Map[OpID, MoveRecord]
	sublists *btree.Map[string, *RGA[string]]
}

// NewTree creates an empty tree with the root and trash lists preseeded.
func NewTree() *Tree {
	t := &Tree{
		log:      btree.New[OpID, MoveRecord](8, OpID.Compare),
		sublists: btree.New[string, *RGA[string]](8, strings.Compare),
	}

	t.sublists.Set("", NewRGA[string]())
	t.sublists.Set(TrashID, NewRGA[string]())

	return t
}

// HasBlock reports whether the block was ever linked into the tree.
func (t *Tree) HasBlock(block string) bool {
	if block == "" || block == TrashID {
		return true
	}
	_, ok := t.sublists.Get(block)
	return ok
}

// RefKnown reports whether the sibling position ref is integrated under
// the given parent.
func (t *Tree) RefKnown(parent string, ref OpID) bool {
	if ref.IsZero() {
		return true
	}
	sub, ok := t.sublists.Get(parent)
	return ok && sub.Contains(ref)
}

// Integrate applies a move record. Placement of the block among its
// siblings uses the RGA rule, so concurrent moves to the same spot
// order deterministically by OpID.
//
// Returns ErrDuplicate for a replayed record, and ErrCausality when the
// parent block or the sibling ref is not yet known locally.
func (t *Tree) Integrate(m MoveRecord) error {
	if _, ok := t.log.Get(m.OpID); ok {
		return fmt.Errorf("%w: move op %s already applied", ErrDuplicate, m.OpID)
	}

	sub, ok := t.sublists.Get(m.Parent)
	if !ok {
		return fmt.Errorf("%w: parent block %q is not in the tree", ErrCausality, m.Parent)
	}

	if err := sub.Integrate(m.OpID, m.Ref, m.Block); err != nil {
		return fmt.Errorf("integrating move (block=%s parent=%s): %w", m.Block, m.Parent, err)
	}

	// Every block gets its own child list the moment it's known.
	if _, ok := t.sublists.Get(m.Block); !ok {
		if t.sublists.Set(m.Block, NewRGA[string]()) {
			panic("BUG: duplicate sublist for block " + m.Block)
		}
	}

	if t.log.Set(m.OpID, m) {
		panic(fmt.Sprintf("BUG: duplicate move op ID %s", m.OpID))
	}

	return nil
}

type blockPlacement struct {
	Parent   string
	Position OpID
}

// TreeState is the resolved shape of the tree: one winning placement
// per block, with all superseded and cycle-rejected moves marked
// invisible. It's derived from the move log and is the same on every
// replica that holds the same log.
type TreeState struct {
	tree      *Tree
	blocks    *btree.Map[string, blockPlacement]
	invisible *btree.Map[OpID, struct{}]
}

// State resolves the winning placement for every block.
//
// The log is walked in descending OpID order: the highest move of each
// block wins its placement, and a move that would make a block its own
// ancestor is rejected, so of two concurrent cycle-forming moves the
// one with the lower OpID loses on every replica.
func (t *Tree) State() *TreeState {
	state := &TreeState{
		tree:      t,
		blocks:    btree.New[string, blockPlacement](8, strings.Compare),
		invisible: btree.New[OpID, struct{}](8, OpID.Compare),
	}

	for opid, move := range t.log.ItemsReverse() {
		if _, taken := state.blocks.Get(move.Block); taken {
			state.invisible.Set(opid, struct{}{})
			continue
		}

		if state.isAncestor(move.Block, move.Parent) {
			state.invisible.Set(opid, struct{}{})
			continue
		}

		state.blocks.Set(move.Block, blockPlacement{Parent: move.Parent, Position: opid})
	}

	return state
}

// isAncestor reports whether a is an ancestor of b among the committed
// placements.
func (state *TreeState) isAncestor(a, b string) bool {
	n, ok := state.blocks.Get(b)
	for {
		if !ok || n.Parent == "" || n.Parent == TrashID {
			return false
		}

		if n.Parent == a {
			return true
		}

		n, ok = state.blocks.Get(n.Parent)
	}
}

// Parent returns the winning parent of the block.
func (state *TreeState) Parent(block string) (string, bool) {
	p, ok := state.blocks.Get(block)
	return p.Parent, ok
}

// Position returns the winning placement of the block: its parent and
// the move op that placed it there. Moves anchor on position ops, so
// "insert after sibling X" references X's winning position.
func (state *TreeState) Position(block string) (parent string, pos OpID, ok bool) {
	p, ok := state.blocks.Get(block)
	return p.Parent, p.Position, ok
}

// IsAlive reports whether the block is reachable from the root, i.e.
// neither it nor any ancestor is in trash.
func (state *TreeState) IsAlive(block string) bool {
	for block != "" {
		if block == TrashID {
			return false
		}

		p, ok := state.blocks.Get(block)
		if !ok {
			return false
		}
		block = p.Parent
	}

	return true
}

// BlockPair is one step of a depth-first traversal.
type BlockPair struct {
	Parent string
	Child  string
}

// DFT iterates the visible tree depth-first from the root, yielding
// (parent, child) pairs. Trashed subtrees are never entered, which is
// the lazy cascade of deletion.
func (state *TreeState) DFT() iter.Seq[BlockPair] {
	return func(yield func(BlockPair) bool) {
		state.walk("", yield)
	}
}

func (state *TreeState) walk(parent string, yield func(BlockPair) bool) bool {
	children, ok := state.tree.sublists.Get(parent)
	if !ok || children.Len() == 0 {
		return true
	}

	for slot, block := range children.Values() {
		if _, ok := state.invisible.Get(slot); ok {
			continue
		}

		if !yield(BlockPair{Parent: parent, Child: block}) {
			return false
		}

		if !state.walk(block, yield) {
			return false
		}
	}

	return true
}
