package storage

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"scribe/crdt"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "doc.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })

	return s
}

func TestStoreLogRoundtrip(t *testing.T) {
	s := newTestStore(t)

	alice := crdt.ActorID("alice")
	bob := crdt.ActorID("bob")

	ops := []crdt.Operation{
		crdt.NewTextInsert(crdt.OpID{Seq: 1, Actor: alice}, crdt.HLC{Wall: 10, Actor: alice}, "b1", crdt.RootID, "hi"),
		crdt.NewTextInsert(crdt.OpID{Seq: 3, Actor: alice}, crdt.HLC{Wall: 11, Actor: alice}, "b1", crdt.OpID{Seq: 2, Actor: alice}, "!"),
		crdt.NewSetAttr(crdt.OpID{Seq: 1, Actor: bob}, crdt.HLC{Wall: 12, Actor: bob}, "b1", "bold", "true"),
	}
	for _, op := range ops {
		require.NoError(t, s.Append(op))
	}

	got, err := s.ReadSince(crdt.NewVectorClock())
	require.NoError(t, err)
	require.Equal(t, ops, got)

	vc := crdt.VectorClock{alice: 2}
	got, err = s.ReadSince(vc)
	require.NoError(t, err)
	require.Equal(t, []crdt.Operation{ops[1], ops[2]}, got)

	// Replayed appends must not duplicate log entries.
	require.NoError(t, s.Append(ops[0]))
	got, err = s.ReadSince(crdt.NewVectorClock())
	require.NoError(t, err)
	require.Len(t, got, 3)
}

func TestStorePendingQueue(t *testing.T) {
	s := newTestStore(t)

	alice := crdt.ActorID("alice")
	op1 := crdt.NewTextInsert(crdt.OpID{Seq: 1, Actor: alice}, crdt.HLC{Wall: 1, Actor: alice}, "b1", crdt.RootID, "a")
	op2 := crdt.NewTextDelete(crdt.OpID{Seq: 2, Actor: alice}, crdt.HLC{Wall: 2, Actor: alice}, "b1", op1.ID)

	require.NoError(t, s.EnqueuePending(op1))
	require.NoError(t, s.EnqueuePending(op2))

	pending, err := s.PendingOps()
	require.NoError(t, err)
	require.Equal(t, []crdt.Operation{op1, op2}, pending)

	require.NoError(t, s.AckPending(op1.ID))

	pending, err = s.PendingOps()
	require.NoError(t, err)
	require.Equal(t, []crdt.Operation{op2}, pending)
}

func TestStoreWatermark(t *testing.T) {
	s := newTestStore(t)

	seq, err := s.SeqWatermark()
	require.NoError(t, err)
	require.Zero(t, seq)

	require.NoError(t, s.SetSeqWatermark(42))

	seq, err = s.SeqWatermark()
	require.NoError(t, err)
	require.Equal(t, uint64(42), seq)

	// The watermark makes restored clocks mint fresh IDs.
	clock := crdt.NewClock("alice")
	require.NoError(t, clock.Restore(s))
	id, err := clock.NextOpID()
	require.NoError(t, err)
	require.Equal(t, uint64(43), id.Seq)
}

func TestStoreMeta(t *testing.T) {
	s := newTestStore(t)

	vc, err := s.VectorClock()
	require.NoError(t, err)
	require.Empty(t, vc)

	want := crdt.VectorClock{"alice": 7, "bob": 3}
	require.NoError(t, s.SetVectorClock(want))
	vc, err = s.VectorClock()
	require.NoError(t, err)
	require.Equal(t, want, vc)

	blob, err := s.Snapshot()
	require.NoError(t, err)
	require.Nil(t, blob)

	require.NoError(t, s.SaveSnapshot([]byte("snapshot")))
	blob, err = s.Snapshot()
	require.NoError(t, err)
	require.Equal(t, []byte("snapshot"), blob)
}

func TestStoreOpenOrReset(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.db")

	s, reset, err := OpenOrReset(path, zap.NewNop())
	require.NoError(t, err)
	require.False(t, reset)
	require.NoError(t, s.Close())
}

func TestStoreOpenOrResetQuarantinesCorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.db")

	garbage := bytes.Repeat([]byte("not a database "), 4096)
	require.NoError(t, os.WriteFile(path, garbage, 0o600))

	s, reset, err := OpenOrReset(path, zap.NewNop())
	require.NoError(t, err)
	require.True(t, reset)
	defer s.Close()

	// The unreadable file is moved aside, not destroyed.
	moved, err := os.ReadFile(path + ".corrupt")
	require.NoError(t, err)
	require.Equal(t, garbage, moved)

	// The fresh store starts empty and is writable.
	ops, err := s.ReadSince(crdt.NewVectorClock())
	require.NoError(t, err)
	require.Empty(t, ops)

	alice := crdt.ActorID("alice")
	op := crdt.NewTextInsert(crdt.OpID{Seq: 1, Actor: alice}, crdt.HLC{Wall: 1, Actor: alice}, "b1", crdt.RootID, "a")
	require.NoError(t, s.Append(op))

	ops, err = s.ReadSince(crdt.NewVectorClock())
	require.NoError(t, err)
	require.Equal(t, []crdt.Operation{op}, ops)
}
