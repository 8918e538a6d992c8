package crdt

import (
	"errors"
	"slices"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func collectTree(t *Tree) []BlockPair {
	return slices.Collect(t.State().DFT())
}

func TestTreeSmoke(t *testing.T) {
	tr := NewTree()

	moves := []MoveRecord{
		{OpID: NewOpID(1, "alice"), Parent: "", Block: "b1"},
		{OpID: NewOpID(2, "alice"), Parent: "", Block: "b2", Ref: NewOpID(1, "alice")},
		{OpID: NewOpID(3, "alice"), Parent: "b1", Block: "b1.1"},
		{OpID: NewOpID(4, "alice"), Parent: "b1", Block: "b1.2", Ref: NewOpID(3, "alice")},
	}

	for _, m := range moves {
		require.NoError(t, tr.Integrate(m))
	}

	want := []BlockPair{
		{"", "b1"},
		{"b1", "b1.1"},
		{"b1", "b1.2"},
		{"", "b2"},
	}
	require.Equal(t, want, collectTree(tr))

	// Move b1.2 to the top level, before b1.
	require.NoError(t, tr.Integrate(MoveRecord{OpID: NewOpID(5, "alice"), Parent: "", Block: "b1.2"}))

	want = []BlockPair{
		{"", "b1.2"},
		{"", "b1"},
		{"b1", "b1.1"},
		{"", "b2"},
	}
	require.Equal(t, want, collectTree(tr))
}

func TestTreeDeleteCascades(t *testing.T) {
	tr := NewTree()

	require.NoError(t, tr.Integrate(MoveRecord{OpID: NewOpID(1, "alice"), Parent: "", Block: "b1"}))
	require.NoError(t, tr.Integrate(MoveRecord{OpID: NewOpID(2, "alice"), Parent: "b1", Block: "b1.1"}))
	require.NoError(t, tr.Integrate(MoveRecord{OpID: NewOpID(3, "alice"), Parent: "", Block: "b2", Ref: NewOpID(1, "alice")}))

	// Deleting b1 makes the whole subtree unreachable without touching it.
	require.NoError(t, tr.Integrate(MoveRecord{OpID: NewOpID(4, "alice"), Parent: TrashID, Block: "b1"}))

	state := tr.State()
	require.Equal(t, []BlockPair{{"", "b2"}}, slices.Collect(state.DFT()))
	require.False(t, state.IsAlive("b1"))
	require.False(t, state.IsAlive("b1.1"), "descendants of a trashed block are dead")
	require.True(t, state.IsAlive("b2"))
}

func TestTreeConcurrentCycleRejectsLowerOp(t *testing.T) {
	// Two replicas concurrently move a under b and b under a.
	// The lower OpID's move must be the rejected one on every replica.
	setup := []MoveRecord{
		{OpID: NewOpID(1, "alice"), Parent: "", Block: "a"},
		{OpID: NewOpID(2, "alice"), Parent: "", Block: "b", Ref: NewOpID(1, "alice")},
	}
	conflict := []MoveRecord{
		{OpID: NewOpID(3, "alice"), Parent: "b", Block: "a"},
		{OpID: NewOpID(3, "bob"), Parent: "a", Block: "b"},
	}

	// (3, "bob") > (3, "alice"), so "b under a" wins and "a under b" is a no-op.
	want := []BlockPair{
		{"", "a"},
		{"a", "b"},
	}

	for i, perm := range permute(conflict) {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			tr := NewTree()
			for _, m := range setup {
				require.NoError(t, tr.Integrate(m))
			}
			for _, m := range perm {
				require.NoError(t, tr.Integrate(m))
			}
			require.Equal(t, want, collectTree(tr))
		})
	}
}

func TestTreeConvergence(t *testing.T) {
	in := []MoveRecord{
		{OpID: NewOpID(1, "alice"), Parent: "", Block: "b1"},
		{OpID: NewOpID(2, "alice"), Parent: "b1", Block: "b1.1"},
		{OpID: NewOpID(1, "bob"), Parent: "", Block: "x1"},
		{OpID: NewOpID(2, "bob"), Parent: "", Block: "x2", Ref: NewOpID(1, "bob")},
		{OpID: NewOpID(3, "bob"), Parent: TrashID, Block: "x2"},
	}

	var want []BlockPair

	for i, perm := range permute(in) {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			tr := NewTree()
			for _, m := range perm {
				if err := tr.Integrate(m); err != nil {
					if errors.Is(err, ErrCausality) {
						return
					}
					t.Fatalf("Integrate failed: %v", err)
				}
			}

			got := collectTree(tr)
			if want == nil {
				want = got
			}
			require.Equal(t, want, got)
		})
	}

	require.Equal(t, []BlockPair{
		{"", "x1"},
		{"", "b1"},
		{"b1", "b1.1"},
	}, want)
}

func TestTreeIntegrateErrors(t *testing.T) {
	tr := NewTree()

	m := MoveRecord{OpID: NewOpID(1, "alice"), Parent: "", Block: "b1"}
	require.NoError(t, tr.Integrate(m))
	require.ErrorIs(t, tr.Integrate(m), ErrDuplicate)

	require.ErrorIs(t, tr.Integrate(MoveRecord{
		OpID:   NewOpID(2, "alice"),
		Parent: "nope",
		Block:  "b2",
	}), ErrCausality, "unknown parent must defer the move")

	require.ErrorIs(t, tr.Integrate(MoveRecord{
		OpID:   NewOpID(3, "alice"),
		Parent: "",
		Block:  "b3",
		Ref:    NewOpID(9, "bob"),
	}), ErrCausality, "unknown sibling ref must defer the move")
}
