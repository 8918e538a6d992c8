package syncing

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"scribe/crdt"
)

// Message types exchanged between a replica and the relay.
const (
	MsgOps          = "ops"
	MsgAck          = "ack"
	MsgSyncRequest  = "sync_request"
	MsgSyncResponse = "sync_response"
	MsgError        = "error"
)

// Message is the single envelope for everything on the wire.
// Fields are populated depending on Type.
type Message struct {
	Type string `cbor:"type"`

	// MsgOps, MsgSyncResponse.
	Ops []crdt.Operation `cbor:"ops,omitempty"`

	// MsgAck.
	Acked []crdt.OpID `cbor:"acked,omitempty"`

	// MsgSyncRequest.
	VectorClock crdt.VectorClock `cbor:"vclock,omitempty"`

	// MsgSyncResponse.
	ServerClock crdt.VectorClock `cbor:"serverClock,omitempty"`

	// MsgError.
	Code   string `cbor:"code,omitempty"`
	Reason string `cbor:"reason,omitempty"`
}

var wireEnc cbor.EncMode

func init() {
	var err error
	wireEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}

// EncodeMessage serializes a message with deterministic CBOR.
func EncodeMessage(m Message) ([]byte, error) {
	return wireEnc.Marshal(m)
}

// DecodeMessage deserializes a wire message.
func DecodeMessage(data []byte) (Message, error) {
	var m Message
	if err := cbor.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decoding wire message: %w", err)
	}

	if m.Type == "" {
		return Message{}, fmt.Errorf("wire message without type")
	}

	return m, nil
}
