package docmodel

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"scribe/crdt"
)

func newTestDoc(t *testing.T, actor crdt.ActorID) *Document {
	t.Helper()

	clock := crdt.NewClock(actor)
	base := time.UnixMilli(1_700_000_000_000)
	// Deterministic wall clock per actor so LWW outcomes are stable.
	clock.NowFunc = func() time.Time { return base }

	return New(clock)
}

func mustApplyCommand(t *testing.T, d *Document, cmd Command) []crdt.Operation {
	t.Helper()
	ops, err := d.ApplyCommand(cmd)
	require.NoError(t, err)
	return ops
}

func crossApply(t *testing.T, dst *Document, ops []crdt.Operation) {
	t.Helper()
	for _, op := range ops {
		require.NoError(t, dst.Apply(op))
	}
}

func requireConverged(t *testing.T, a, b *Document) {
	t.Helper()

	sa := a.Materialize()
	sb := b.Materialize()
	if diff := cmp.Diff(sa, sb); diff != "" {
		t.Fatalf("replicas diverged (-a +b):\n%s", diff)
	}
}

func TestDocumentBasicEditing(t *testing.T) {
	d := newTestDoc(t, "alice")

	mustApplyCommand(t, d, Command{Kind: CmdInsertBlock, NewBlock: "b1"})
	mustApplyCommand(t, d, Command{Kind: CmdInsertText, Block: "b1", Text: "hello"})
	mustApplyCommand(t, d, Command{Kind: CmdInsertText, Block: "b1", Offset: 5, Text: " world"})
	mustApplyCommand(t, d, Command{Kind: CmdDeleteRange, Block: "b1", Offset: 0, Length: 1})
	mustApplyCommand(t, d, Command{Kind: CmdInsertText, Block: "b1", Offset: 0, Text: "H"})

	require.Equal(t, "Hello world", d.Text("b1"))

	mustApplyCommand(t, d, Command{Kind: CmdApplyStyle, Block: "b1", Attr: "bold", Value: "true"})

	snap := d.Materialize()
	require.Len(t, snap.Blocks, 1)
	require.Equal(t, "b1", snap.Blocks[0].ID)
	require.Equal(t, "Hello world", snap.Blocks[0].Text)
	require.Equal(t, map[string]string{"bold": "true"}, snap.Blocks[0].Attrs)
}

func TestDocumentConvergenceTwoReplicas(t *testing.T) {
	alice := newTestDoc(t, "alice")
	bob := newTestDoc(t, "bob")

	opsA := mustApplyCommand(t, alice, Command{Kind: CmdInsertBlock, NewBlock: "b1"})
	crossApply(t, bob, opsA)

	opsA = mustApplyCommand(t, alice, Command{Kind: CmdInsertText, Block: "b1", Text: "base"})
	crossApply(t, bob, opsA)

	// Concurrent edits on both sides.
	opsA = mustApplyCommand(t, alice, Command{Kind: CmdInsertText, Block: "b1", Offset: 4, Text: "!"})
	opsB := mustApplyCommand(t, bob, Command{Kind: CmdInsertText, Block: "b1", Offset: 0, Text: ">"})

	// Deliver in opposite orders, with duplicates.
	crossApply(t, bob, opsA)
	crossApply(t, bob, opsA)
	crossApply(t, alice, opsB)
	crossApply(t, alice, opsB)

	requireConverged(t, alice, bob)
	require.Equal(t, ">base!", alice.Text("b1"))
}

func TestDocumentDeleteWins(t *testing.T) {
	alice := newTestDoc(t, "alice")
	bob := newTestDoc(t, "bob")

	setup := mustApplyCommand(t, alice, Command{Kind: CmdInsertBlock, NewBlock: "n7"})
	setup = append(setup, mustApplyCommand(t, alice, Command{Kind: CmdInsertText, Block: "n7", Text: "doomed"})...)
	crossApply(t, bob, setup)

	// Alice deletes the block while Bob concurrently formats it.
	delOps := mustApplyCommand(t, alice, Command{Kind: CmdDeleteBlock, Block: "n7"})
	fmtOps := mustApplyCommand(t, bob, Command{Kind: CmdApplyStyle, Block: "n7", Attr: "bold", Value: "true"})

	crossApply(t, bob, delOps)
	crossApply(t, alice, fmtOps)

	requireConverged(t, alice, bob)

	// The block is gone on both replicas even though the format
	// applied cleanly to the underlying register.
	require.False(t, alice.IsAlive("n7"))
	require.False(t, bob.IsAlive("n7"))
	require.Empty(t, alice.Materialize().Blocks)

	v, ok := alice.attrs.Get("n7", "bold")
	require.True(t, ok)
	require.Equal(t, "true", v)
}

func TestDocumentCausalBuffering(t *testing.T) {
	alice := newTestDoc(t, "alice")
	bob := newTestDoc(t, "bob")

	blockOps := mustApplyCommand(t, alice, Command{Kind: CmdInsertBlock, NewBlock: "b1"})
	textOps := mustApplyCommand(t, alice, Command{Kind: CmdInsertText, Block: "b1", Text: "hi"})
	tailOps := mustApplyCommand(t, alice, Command{Kind: CmdInsertText, Block: "b1", Offset: 2, Text: "!"})

	// Deliver out of causal order: the tail insert arrives first.
	crossApply(t, bob, tailOps)
	require.Equal(t, "", bob.Text("b1"), "op with missing anchor must not become visible")
	require.NotEmpty(t, bob.MissingDeps())

	crossApply(t, bob, textOps)
	crossApply(t, bob, blockOps)

	require.Equal(t, "hi!", bob.Text("b1"))
	require.Empty(t, bob.MissingDeps())
	requireConverged(t, alice, bob)
}

func TestDocumentDeferredOpsExpire(t *testing.T) {
	d := newTestDoc(t, "alice")

	orphan := crdt.NewTextInsert(
		crdt.NewOpID(100, "ghost"),
		crdt.HLC{Wall: 1, Actor: "ghost"},
		"b1",
		crdt.NewOpID(99, "ghost"),
		"x",
	)
	require.NoError(t, d.Apply(orphan))
	require.Len(t, d.MissingDeps(), 1)

	require.Empty(t, d.ExpireDeferred(3))
	require.Empty(t, d.ExpireDeferred(3))
	require.Empty(t, d.ExpireDeferred(3))

	dropped := d.ExpireDeferred(3)
	require.Len(t, dropped, 1)
	require.Equal(t, orphan.ID, dropped[0].ID)
	require.Empty(t, d.MissingDeps())
}

func TestDocumentEmitsAppliedOpsExactlyOnce(t *testing.T) {
	alice := newTestDoc(t, "alice")
	bob := newTestDoc(t, "bob")

	var emitted []crdt.OpID
	bob.Subscribe(func(op crdt.Operation) {
		emitted = append(emitted, op.ID)
	})

	ops := mustApplyCommand(t, alice, Command{Kind: CmdInsertBlock, NewBlock: "b1"})
	ops = append(ops, mustApplyCommand(t, alice, Command{Kind: CmdInsertText, Block: "b1", Text: "a"})...)

	crossApply(t, bob, ops)
	crossApply(t, bob, ops) // duplicate delivery

	require.Len(t, emitted, len(ops))
}

func TestDocumentSplitAndMergeBlocks(t *testing.T) {
	alice := newTestDoc(t, "alice")
	bob := newTestDoc(t, "bob")

	var all []crdt.Operation
	all = append(all, mustApplyCommand(t, alice, Command{Kind: CmdInsertBlock, NewBlock: "b1"})...)
	all = append(all, mustApplyCommand(t, alice, Command{Kind: CmdInsertText, Block: "b1", Text: "headtail"})...)

	all = append(all, mustApplyCommand(t, alice, Command{Kind: CmdSplitBlock, Block: "b1", Offset: 4, NewBlock: "b2"})...)
	require.Equal(t, "head", alice.Text("b1"))
	require.Equal(t, "tail", alice.Text("b2"))

	snap := alice.Materialize()
	require.Len(t, snap.Blocks, 2)
	require.Equal(t, []string{"b1", "b2"}, []string{snap.Blocks[0].ID, snap.Blocks[1].ID})

	all = append(all, mustApplyCommand(t, alice, Command{Kind: CmdMergeBlock, Block: "b2", Parent: "b1"})...)
	require.Equal(t, "headtail", alice.Text("b1"))
	require.False(t, alice.IsAlive("b2"))

	crossApply(t, bob, all)
	requireConverged(t, alice, bob)
}

func TestDocumentMoveBlocks(t *testing.T) {
	d := newTestDoc(t, "alice")

	mustApplyCommand(t, d, Command{Kind: CmdInsertBlock, NewBlock: "b1"})
	mustApplyCommand(t, d, Command{Kind: CmdInsertBlock, NewBlock: "b2", Left: "b1"})
	mustApplyCommand(t, d, Command{Kind: CmdInsertBlock, NewBlock: "b2.1", Parent: "b2"})

	mustApplyCommand(t, d, Command{Kind: CmdMoveBlock, Block: "b2.1", Parent: "", Left: "b1"})

	snap := d.Materialize()
	require.Len(t, snap.Blocks, 3)
	require.Equal(t, "b1", snap.Blocks[0].ID)
	require.Equal(t, "b2.1", snap.Blocks[1].ID)
	require.Equal(t, "b2", snap.Blocks[2].ID)
}

func TestDocumentPositionMapping(t *testing.T) {
	d := newTestDoc(t, "alice")

	mustApplyCommand(t, d, Command{Kind: CmdInsertBlock, NewBlock: "b1"})
	ops := mustApplyCommand(t, d, Command{Kind: CmdInsertText, Block: "b1", Text: "abc"})
	require.Len(t, ops, 1)

	first := ops[0].ID
	second := crdt.OpID{Seq: first.Seq + 1, Actor: first.Actor}

	anchor, err := d.ResolvePosition("b1", 2)
	require.NoError(t, err)
	require.Equal(t, second, anchor)

	pos, err := d.PositionOf("b1", second)
	require.NoError(t, err)
	require.Equal(t, 2, pos)

	// After deleting "b", its ID resolves to the position after "a".
	mustApplyCommand(t, d, Command{Kind: CmdDeleteRange, Block: "b1", Offset: 1, Length: 1})
	pos, err = d.PositionOf("b1", second)
	require.NoError(t, err)
	require.Equal(t, 1, pos)

	_, err = d.ResolvePosition("b1", 10)
	require.Error(t, err)
}

func TestDocumentUndo(t *testing.T) {
	alice := newTestDoc(t, "alice")
	bob := newTestDoc(t, "bob")

	var all []crdt.Operation
	all = append(all, mustApplyCommand(t, alice, Command{Kind: CmdInsertBlock, NewBlock: "b1"})...)
	all = append(all, mustApplyCommand(t, alice, Command{Kind: CmdInsertText, Block: "b1", Text: "keep"})...)
	all = append(all, mustApplyCommand(t, alice, Command{Kind: CmdInsertText, Block: "b1", Offset: 4, Text: " drop"})...)

	undoOps, err := alice.Undo()
	require.NoError(t, err)
	require.NotEmpty(t, undoOps)
	require.Equal(t, "keep", alice.Text("b1"))

	// Undo ops are authored by the undoing actor and are regular
	// forward operations that replicate like any edit.
	for _, op := range undoOps {
		require.Equal(t, crdt.ActorID("alice"), op.ID.Actor)
	}

	all = append(all, undoOps...)
	crossApply(t, bob, all)
	requireConverged(t, alice, bob)

	// A second undo reverses the previous command.
	undoOps, err = alice.Undo()
	require.NoError(t, err)
	require.Equal(t, "", alice.Text("b1"))

	crossApply(t, bob, undoOps)
	requireConverged(t, alice, bob)
}

func TestDocumentUndoDeleteRestoresText(t *testing.T) {
	d := newTestDoc(t, "alice")

	mustApplyCommand(t, d, Command{Kind: CmdInsertBlock, NewBlock: "b1"})
	mustApplyCommand(t, d, Command{Kind: CmdInsertText, Block: "b1", Text: "abc"})
	mustApplyCommand(t, d, Command{Kind: CmdDeleteRange, Block: "b1", Offset: 0, Length: 3})
	require.Equal(t, "", d.Text("b1"))

	_, err := d.Undo()
	require.NoError(t, err)
	require.Equal(t, "abc", d.Text("b1"))
}

func TestDocumentUndoBlockDelete(t *testing.T) {
	d := newTestDoc(t, "alice")

	mustApplyCommand(t, d, Command{Kind: CmdInsertBlock, NewBlock: "b1"})
	mustApplyCommand(t, d, Command{Kind: CmdInsertBlock, NewBlock: "b2", Left: "b1"})
	mustApplyCommand(t, d, Command{Kind: CmdDeleteBlock, Block: "b2"})
	require.False(t, d.IsAlive("b2"))

	_, err := d.Undo()
	require.NoError(t, err)
	require.True(t, d.IsAlive("b2"))

	snap := d.Materialize()
	require.Len(t, snap.Blocks, 2)
	require.Equal(t, "b2", snap.Blocks[1].ID)
}

type recordingRenderer struct {
	batches [][]*Block
}

func (r *recordingRenderer) ApplyMaterializedDelta(changed []*Block) {
	r.batches = append(r.batches, changed)
}

func TestDocumentFlushDeltaCarriesAttributes(t *testing.T) {
	d := newTestDoc(t, "alice")
	var r recordingRenderer

	mustApplyCommand(t, d, Command{Kind: CmdInsertBlock, NewBlock: "b1"})
	mustApplyCommand(t, d, Command{Kind: CmdInsertText, Block: "b1", Text: "hi"})
	d.FlushDelta(&r)
	require.Len(t, r.batches, 1)

	mustApplyCommand(t, d, Command{Kind: CmdApplyStyle, Block: "b1", Attr: "bold", Value: "true"})
	d.FlushDelta(&r)
	require.Len(t, r.batches, 2)

	var b1 *Block
	for _, blk := range r.batches[1] {
		if blk.ID == "b1" {
			b1 = blk
		}
	}
	require.NotNil(t, b1)
	require.Equal(t, "hi", b1.Text)
	require.Equal(t, map[string]string{"bold": "true"}, b1.Attrs)

	// Quiescent document produces no delta.
	d.FlushDelta(&r)
	require.Len(t, r.batches, 2)
}

func TestDocumentFlushDeltaSkipsDeadBlocks(t *testing.T) {
	d := newTestDoc(t, "alice")
	var r recordingRenderer

	mustApplyCommand(t, d, Command{Kind: CmdInsertBlock, NewBlock: "b1"})
	mustApplyCommand(t, d, Command{Kind: CmdInsertBlock, NewBlock: "b2", Left: "b1"})
	d.FlushDelta(&r)
	r.batches = nil

	mustApplyCommand(t, d, Command{Kind: CmdDeleteBlock, Block: "b2"})
	mustApplyCommand(t, d, Command{Kind: CmdInsertText, Block: "b1", Text: "x"})
	d.FlushDelta(&r)

	require.Len(t, r.batches, 1)
	require.Len(t, r.batches[0], 1)
	require.Equal(t, "b1", r.batches[0][0].ID)
}
