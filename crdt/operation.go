package crdt

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// OpKind discriminates the closed set of operation variants.
type OpKind string

// Supported operation kinds.
const (
	OpTextInsert  OpKind = "TextInsert"  // Insert a text run into a block after an anchor.
	OpTextDelete  OpKind = "TextDelete"  // Tombstone a text node.
	OpBlockInsert OpKind = "BlockInsert" // Link a new block into the tree.
	OpBlockDelete OpKind = "BlockDelete" // Move a block to trash.
	OpBlockMove   OpKind = "BlockMove"   // Reparent/reorder a block.
	OpSetAttr     OpKind = "SetAttribute" // LWW write of a formatting attribute.
)

// Operation is the unit of replication, persistence, and undo.
// It's a closed tagged variant: exactly one Kind, with the payload
// fields relevant to that kind. Operations are immutable once created.
type Operation struct {
	ID   OpID   `cbor:"id"`
	Kind OpKind `cbor:"type"`
	Time HLC    `cbor:"ts"`

	// Block is the target block node ID for all kinds.
	Block string `cbor:"block,omitempty"`

	// Ref is the text anchor for TextInsert, the tombstone target for
	// TextDelete, and the left-sibling position for block kinds.
	Ref OpID `cbor:"ref,omitempty"`

	// Parent is the destination parent block for BlockInsert/BlockMove.
	Parent string `cbor:"parent,omitempty"`

	// Text is the inserted run for TextInsert.
	Text string `cbor:"text,omitempty"`

	// Attr and Value carry the SetAttribute payload.
	Attr  string `cbor:"attr,omitempty"`
	Value string `cbor:"value,omitempty"`
}

// NewTextInsert creates a text insert operation. Each inserted
// character gets its own ID derived from the op ID by consecutive
// sequence numbers, so ref anchoring works per character.
func NewTextInsert(id OpID, ts HLC, block string, ref OpID, text string) Operation {
	return Operation{ID: id, Kind: OpTextInsert, Time: ts, Block: block, Ref: ref, Text: text}
}

// NewTextDelete creates a tombstone operation for the text node target.
func NewTextDelete(id OpID, ts HLC, block string, target OpID) Operation {
	return Operation{ID: id, Kind: OpTextDelete, Time: ts, Block: block, Ref: target}
}

// NewBlockInsert creates an operation linking block under parent after
// the sibling position ref.
func NewBlockInsert(id OpID, ts HLC, block, parent string, ref OpID) Operation {
	return Operation{ID: id, Kind: OpBlockInsert, Time: ts, Block: block, Parent: parent, Ref: ref}
}

// NewBlockDelete creates an operation moving the block to trash.
func NewBlockDelete(id OpID, ts HLC, block string) Operation {
	return Operation{ID: id, Kind: OpBlockDelete, Time: ts, Block: block}
}

// NewBlockMove creates an operation moving block under parent after
// the sibling position ref.
func NewBlockMove(id OpID, ts HLC, block, parent string, ref OpID) Operation {
	return Operation{ID: id, Kind: OpBlockMove, Time: ts, Block: block, Parent: parent, Ref: ref}
}

// NewSetAttr creates an LWW attribute write.
func NewSetAttr(id OpID, ts HLC, block, attr, value string) Operation {
	return Operation{ID: id, Kind: OpSetAttr, Time: ts, Block: block, Attr: attr, Value: value}
}

// Validate checks the kind-specific payload shape. It's called on every
// decoded operation so malformed payloads never reach the structures.
func (op Operation) Validate() error {
	if op.ID.IsZero() {
		return fmt.Errorf("operation has no ID")
	}

	switch op.Kind {
	case OpTextInsert:
		if op.Block == "" || op.Text == "" {
			return fmt.Errorf("text insert %s: missing block or text", op.ID)
		}
	case OpTextDelete:
		if op.Block == "" || op.Ref.IsZero() {
			return fmt.Errorf("text delete %s: missing block or target", op.ID)
		}
	case OpBlockInsert, OpBlockMove:
		if op.Block == "" {
			return fmt.Errorf("%s %s: missing block", op.Kind, op.ID)
		}
		if op.Block == op.Parent {
			return fmt.Errorf("%s %s: block and parent must differ", op.Kind, op.ID)
		}
	case OpBlockDelete:
		if op.Block == "" {
			return fmt.Errorf("block delete %s: missing block", op.ID)
		}
	case OpSetAttr:
		if op.Block == "" || op.Attr == "" {
			return fmt.Errorf("set attribute %s: missing block or attribute", op.ID)
		}
	default:
		return fmt.Errorf("unknown operation kind %q", op.Kind)
	}

	return nil
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}

	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
}

// EncodeOperation serializes the operation with deterministic CBOR.
func EncodeOperation(op Operation) ([]byte, error) {
	return encMode.Marshal(op)
}

// DecodeOperation deserializes and validates an operation. Malformed
// data is rejected here without touching any replica state.
func DecodeOperation(data []byte) (Operation, error) {
	var op Operation
	if err := decMode.Unmarshal(data, &op); err != nil {
		return Operation{}, fmt.Errorf("decoding operation: %w", err)
	}

	if err := op.Validate(); err != nil {
		return Operation{}, err
	}

	return op, nil
}
