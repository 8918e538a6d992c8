package crdt

// This file is the conflict-resolution rule set consulted by the
// structures in this package. The rules are stateless and total, so any
// two replicas make identical decisions from identical inputs:
//
//   - Concurrent inserts at the same anchor: ordered by OpID, higher first.
//   - Concurrent delete vs. edit of the same span: delete wins (the edit
//     applies to the underlying state but the span is tombstoned).
//   - Concurrent formats of different attributes: both apply.
//   - Concurrent formats of the same attribute: LWW by (HLC, actor).
//   - Concurrent block inserts at the same position: ordered by OpID.
//   - Concurrent block delete vs. descendant edit: delete wins (the
//     subtree becomes unreachable at materialization).
//   - Concurrent moves forming a cycle: the lower OpID's move is
//     rejected as a no-op.

// SiblingBefore reports whether the sibling a sorts before b among
// concurrent inserts at the same anchor: higher OpID first, so a later
// insert stays right next to its anchor.
func SiblingBefore(a, b OpID) bool {
	return a.Compare(b) > 0
}

// LastWriterWins reports whether an incoming register write with the
// given stamp beats the current one. Equal stamps never win, which
// makes replayed writes idempotent.
func LastWriterWins(incoming, current HLC) bool {
	return incoming.Compare(current) > 0
}
