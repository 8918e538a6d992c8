// Package crdt implements the conflict-free replicated data structures
// backing collaborative rich-text documents: operation identifiers and
// clocks, an RGA sequence for text, a block tree with RGA-ordered
// children, and last-writer-wins registers for formatting attributes.
//
// All structures are designed for a single sequential apply path per
// replica. Applying the same set of operations in any order, with any
// duplication, converges every replica to an identical visible state.
package crdt

import (
	"cmp"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// ActorID identifies a replica (a client) that generates operations.
// It's an opaque comparable string, typically a short random value.
type ActorID string

// OpID globally identifies a single operation.
// The total order is (Seq, Actor) lexicographic, which is the sole
// tie-break for all concurrent-operation ordering decisions.
type OpID struct {
	Seq   uint64
	Actor ActorID
}

// RootID is the zero OpID, used as the anchor for inserts at the
// beginning of a sequence and as the "no reference" marker.
var RootID = OpID{}

// NewOpID creates an OpID from its parts.
func NewOpID(seq uint64, actor ActorID) OpID {
	return OpID{Seq: seq, Actor: actor}
}

// IsZero reports whether the ID is the root sentinel.
func (o OpID) IsZero() bool {
	return o == RootID
}

// Compare returns -1, 0, or +1 ordering two IDs by (Seq, Actor).
func (o OpID) Compare(oo OpID) int {
	if o.Seq != oo.Seq {
		return cmp.Compare(o.Seq, oo.Seq)
	}
	return cmp.Compare(o.Actor, oo.Actor)
}

// Encode returns a compact binary form of the ID:
// 8 bytes of big-endian Seq followed by the actor bytes.
// Big-endian keeps the byte order consistent with the logical order
// for IDs of the same actor, so encoded IDs are usable as store keys.
func (o OpID) Encode() []byte {
	out := make([]byte, 0, 8+len(o.Actor))
	out = binary.BigEndian.AppendUint64(out, o.Seq)
	out = append(out, o.Actor...)
	return out
}

// DecodeOpID parses the binary form produced by Encode.
func DecodeOpID(in []byte) (OpID, error) {
	if len(in) < 8 {
		return OpID{}, fmt.Errorf("op ID too short: %d bytes", len(in))
	}

	return OpID{
		Seq:   binary.BigEndian.Uint64(in[:8]),
		Actor: ActorID(in[8:]),
	}, nil
}

// String returns the hex form of the encoded ID.
func (o OpID) String() string {
	return hex.EncodeToString(o.Encode())
}

// ParseOpID parses the hex form produced by String.
func ParseOpID(s string) (OpID, error) {
	in, err := hex.DecodeString(s)
	if err != nil {
		return OpID{}, err
	}
	return DecodeOpID(in)
}
