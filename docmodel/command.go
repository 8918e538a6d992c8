package docmodel

import (
	"fmt"

	"scribe/crdt"
)

// CommandKind discriminates the closed set of edit commands the
// external document model can issue.
type CommandKind string

// Supported commands.
const (
	CmdInsertText  CommandKind = "InsertText"
	CmdDeleteRange CommandKind = "DeleteRange"
	CmdApplyStyle  CommandKind = "ApplyStyle"
	CmdSplitBlock  CommandKind = "SplitBlock"
	CmdMergeBlock  CommandKind = "MergeBlock"
	CmdInsertBlock CommandKind = "InsertBlock"
	CmdDeleteBlock CommandKind = "DeleteBlock"
	CmdMoveBlock   CommandKind = "MoveBlock"
)

// Command is one external edit addressed by (block, offset) positions.
type Command struct {
	Kind CommandKind

	// Block is the command's target block.
	Block string

	// Offset and Length address a text range within Block in visible
	// (tombstone-free) character positions.
	Offset int
	Length int

	// Text is the run to insert for InsertText.
	Text string

	// Attr and Value carry the ApplyStyle payload.
	Attr  string
	Value string

	// Parent and Left place a block for InsertBlock/MoveBlock:
	// under Parent, after sibling Left ("" means first child).
	Parent string
	Left   string

	// NewBlock is the ID of the block created by SplitBlock/InsertBlock.
	NewBlock string
}

// ApplyCommand translates an external edit command into operations,
// stamps them with fresh IDs and timestamps, applies them locally
// first, and returns them for the sync engine to queue. The network is
// never consulted: editing works identically offline.
func (d *Document) ApplyCommand(cmd Command) ([]crdt.Operation, error) {
	ops, inverse, err := d.translate(cmd)
	if err != nil {
		return nil, err
	}

	for _, op := range ops {
		if err := d.Apply(op); err != nil {
			return nil, fmt.Errorf("applying local %s: %w", op.Kind, err)
		}
	}

	d.history = append(d.history, undoEntry{
		actor:   d.clock.Actor(),
		ops:     ops,
		inverse: inverse,
	})

	return ops, nil
}

// translate builds the operations for a command against the current
// state, along with the inverse intents that a later undo will replay.
func (d *Document) translate(cmd Command) (ops []crdt.Operation, inverse []inverseIntent, err error) {
	switch cmd.Kind {
	case CmdInsertText:
		return d.translateInsertText(cmd.Block, cmd.Offset, cmd.Text)

	case CmdDeleteRange:
		return d.translateDeleteRange(cmd.Block, cmd.Offset, cmd.Length)

	case CmdApplyStyle:
		if cmd.Attr == "" {
			return nil, nil, fmt.Errorf("apply style: attribute name is required")
		}
		prev, _ := d.attrs.Get(cmd.Block, cmd.Attr)
		id, ts, err := d.stamp(1)
		if err != nil {
			return nil, nil, err
		}
		ops = append(ops, crdt.NewSetAttr(id, ts, cmd.Block, cmd.Attr, cmd.Value))
		inverse = append(inverse, inverseIntent{kind: invSetAttr, block: cmd.Block, attr: cmd.Attr, value: prev})
		return ops, inverse, nil

	case CmdInsertBlock:
		return d.translateInsertBlock(cmd.NewBlock, cmd.Parent, cmd.Left)

	case CmdDeleteBlock:
		return d.translateDeleteBlock(cmd.Block)

	case CmdMoveBlock:
		return d.translateMoveBlock(cmd.Block, cmd.Parent, cmd.Left)

	case CmdSplitBlock:
		return d.translateSplitBlock(cmd.Block, cmd.Offset, cmd.NewBlock)

	case CmdMergeBlock:
		return d.translateMergeBlock(cmd.Block, cmd.Parent)

	default:
		return nil, nil, fmt.Errorf("unknown command kind %q", cmd.Kind)
	}
}

func (d *Document) stamp(n int) (crdt.OpID, crdt.HLC, error) {
	id, err := d.clock.NextOpIDRange(n)
	if err != nil {
		return crdt.OpID{}, crdt.HLC{}, err
	}

	ts, err := d.clock.Now()
	if err != nil {
		return crdt.OpID{}, crdt.HLC{}, err
	}

	return id, ts, nil
}

func (d *Document) translateInsertText(block string, offset int, text string) (ops []crdt.Operation, inverse []inverseIntent, err error) {
	if text == "" {
		return nil, nil, fmt.Errorf("insert text: empty run")
	}

	anchor, err := d.ResolvePosition(block, offset)
	if err != nil {
		return nil, nil, fmt.Errorf("insert text: %w", err)
	}

	n := len([]rune(text))
	id, ts, err := d.stamp(n)
	if err != nil {
		return nil, nil, err
	}

	ops = append(ops, crdt.NewTextInsert(id, ts, block, anchor, text))
	inverse = append(inverse, inverseIntent{kind: invDeleteText, block: block, first: id, count: n})
	return ops, inverse, nil
}

func (d *Document) translateDeleteRange(block string, offset, length int) (ops []crdt.Operation, inverse []inverseIntent, err error) {
	if length <= 0 {
		return nil, nil, fmt.Errorf("delete range: length must be positive")
	}

	text := d.text(block)
	if offset < 0 || offset+length > text.Len() {
		return nil, nil, fmt.Errorf("delete range: [%d, %d) out of bounds of %d visible characters", offset, offset+length, text.Len())
	}

	// Capture the targets first: minting ops doesn't move anything, but
	// visible indexes shift as soon as the deletes apply.
	type target struct {
		id crdt.OpID
		v  rune
	}
	targets := make([]target, 0, length)
	for i := offset; i < offset+length; i++ {
		id, v, ok := text.At(i)
		if !ok {
			panic("BUG: visible index went out of range")
		}
		targets = append(targets, target{id: id, v: v})
	}

	for _, tg := range targets {
		id, ts, err := d.stamp(1)
		if err != nil {
			return nil, nil, err
		}
		ops = append(ops, crdt.NewTextDelete(id, ts, block, tg.id))
		// The tombstone itself anchors the re-insert on undo.
		inverse = append(inverse, inverseIntent{kind: invInsertText, block: block, anchor: tg.id, text: string(tg.v)})
	}

	return ops, inverse, nil
}

func (d *Document) translateInsertBlock(block, parent, left string) (ops []crdt.Operation, inverse []inverseIntent, err error) {
	if block == "" {
		return nil, nil, fmt.Errorf("insert block: new block ID is required")
	}

	ref, err := d.siblingRef(parent, left)
	if err != nil {
		return nil, nil, fmt.Errorf("insert block: %w", err)
	}

	id, ts, err := d.stamp(1)
	if err != nil {
		return nil, nil, err
	}

	ops = append(ops, crdt.NewBlockInsert(id, ts, block, parent, ref))
	inverse = append(inverse, inverseIntent{kind: invDeleteBlock, block: block})
	return ops, inverse, nil
}

func (d *Document) translateDeleteBlock(block string) (ops []crdt.Operation, inverse []inverseIntent, err error) {
	state := d.tree.State()
	parent, ok := state.Parent(block)
	if !ok {
		return nil, nil, fmt.Errorf("delete block: block %q is not in the tree", block)
	}

	id, ts, err := d.stamp(1)
	if err != nil {
		return nil, nil, err
	}

	ops = append(ops, crdt.NewBlockDelete(id, ts, block))
	// Restore to the prior placement on undo. The left sibling's
	// position op keeps anchoring even while the block sits in trash.
	inverse = append(inverse, inverseIntent{kind: invMoveBlock, block: block, parent: parent, anchor: d.leftPositionRef(state, parent, block)})
	return ops, inverse, nil
}

func (d *Document) translateMoveBlock(block, parent, left string) (ops []crdt.Operation, inverse []inverseIntent, err error) {
	state := d.tree.State()
	prevParent, _, ok := state.Position(block)
	if !ok {
		return nil, nil, fmt.Errorf("move block: block %q is not in the tree", block)
	}

	ref, err := d.siblingRef(parent, left)
	if err != nil {
		return nil, nil, fmt.Errorf("move block: %w", err)
	}

	id, ts, err := d.stamp(1)
	if err != nil {
		return nil, nil, err
	}

	ops = append(ops, crdt.NewBlockMove(id, ts, block, parent, ref))
	inverse = append(inverse, inverseIntent{kind: invMoveBlock, block: block, parent: prevParent, anchor: d.leftPositionRef(state, prevParent, block)})
	return ops, inverse, nil
}

func (d *Document) translateSplitBlock(block string, offset int, newBlock string) (ops []crdt.Operation, inverse []inverseIntent, err error) {
	if newBlock == "" {
		return nil, nil, fmt.Errorf("split block: new block ID is required")
	}

	state := d.tree.State()
	parent, _, ok := state.Position(block)
	if !ok {
		return nil, nil, fmt.Errorf("split block: block %q is not in the tree", block)
	}

	text := d.text(block)
	if offset < 0 || offset > text.Len() {
		return nil, nil, fmt.Errorf("split block: offset %d out of bounds", offset)
	}

	// Link the new block right after the one being split.
	insOps, insInv, err := d.translateInsertBlock(newBlock, parent, block)
	if err != nil {
		return nil, nil, err
	}
	ops = append(ops, insOps...)
	inverse = append(inverse, insInv...)

	tailLen := text.Len() - offset
	if tailLen == 0 {
		return ops, inverse, nil
	}

	// The tail can't physically move between sequences: it's deleted
	// here and re-inserted in the new block as fresh nodes.
	var tail []rune
	i := 0
	for _, r := range text.Values() {
		if i >= offset {
			tail = append(tail, r)
		}
		i++
	}

	delOps, delInv, err := d.translateDeleteRange(block, offset, tailLen)
	if err != nil {
		return nil, nil, err
	}
	ops = append(ops, delOps...)
	inverse = append(inverse, delInv...)

	n := len(tail)
	id, ts, err := d.stamp(n)
	if err != nil {
		return nil, nil, err
	}
	ops = append(ops, crdt.NewTextInsert(id, ts, newBlock, crdt.RootID, string(tail)))
	inverse = append(inverse, inverseIntent{kind: invDeleteText, block: newBlock, first: id, count: n})

	return ops, inverse, nil
}

func (d *Document) translateMergeBlock(block, into string) (ops []crdt.Operation, inverse []inverseIntent, err error) {
	if block == into {
		return nil, nil, fmt.Errorf("merge block: source and destination must differ")
	}

	dst := d.text(into)
	src := d.text(block)

	if src.Len() > 0 {
		var runes []rune
		for _, r := range src.Values() {
			runes = append(runes, r)
		}

		anchor, err := d.ResolvePosition(into, dst.Len())
		if err != nil {
			return nil, nil, fmt.Errorf("merge block: %w", err)
		}

		n := len(runes)
		id, ts, err := d.stamp(n)
		if err != nil {
			return nil, nil, err
		}
		ops = append(ops, crdt.NewTextInsert(id, ts, into, anchor, string(runes)))
		inverse = append(inverse, inverseIntent{kind: invDeleteText, block: into, first: id, count: n})
	}

	delOps, delInv, err := d.translateDeleteBlock(block)
	if err != nil {
		return nil, nil, err
	}
	ops = append(ops, delOps...)
	inverse = append(inverse, delInv...)

	return ops, inverse, nil
}

// siblingRef resolves a (parent, left sibling) pair into a position op
// reference usable as a move anchor.
func (d *Document) siblingRef(parent, left string) (crdt.OpID, error) {
	if left == "" {
		return crdt.RootID, nil
	}

	state := d.tree.State()
	leftParent, pos, ok := state.Position(left)
	if !ok {
		return crdt.OpID{}, fmt.Errorf("left sibling %q is not in the tree", left)
	}
	if leftParent != parent {
		return crdt.OpID{}, fmt.Errorf("left sibling %q is not a child of %q", left, parent)
	}

	return pos, nil
}

// leftPositionRef captures the position op of the visible sibling
// currently to the left of block under parent, for undo restores.
func (d *Document) leftPositionRef(state *crdt.TreeState, parent, block string) crdt.OpID {
	var prev string
	for pair := range state.DFT() {
		if pair.Parent != parent {
			continue
		}
		if pair.Child == block {
			break
		}
		prev = pair.Child
	}

	if prev == "" {
		return crdt.RootID
	}

	_, pos, ok := state.Position(prev)
	if !ok {
		return crdt.RootID
	}
	return pos
}
