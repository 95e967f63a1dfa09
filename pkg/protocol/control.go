package protocol

import (
	"fmt"
	"time"

	"simbus/pkg/protocol/codec"
)

// Control-channel records. Carried CBOR-encoded as the payload of their
// envelope kind; topics and payload bytes of MsgPublish never pass through
// here.

// Register announces a node to the registry. Replied with MsgRegisterOK or
// MsgError{duplicate_name}.
type Register struct {
	Name      string   `cbor:"name"`
	Endpoints []string `cbor:"endpoints,omitempty"`
}

// Unregister removes a node. Idempotent, no reply.
type Unregister struct {
	Name string `cbor:"name"`
}

// ListNodes requests a registry snapshot. Correlated reply: NodeList.
type ListNodes struct{}

// NodeEntry is one row of a NodeList reply.
type NodeEntry struct {
	Name      string   `cbor:"name"`
	Endpoints []string `cbor:"endpoints,omitempty"`
}

// NodeList is the reply to ListNodes, ordered by name.
type NodeList struct {
	Nodes []NodeEntry `cbor:"nodes"`
}

// Subscribe adds the sending connection to a topic. Replied with MsgSubscribeOK.
type Subscribe struct {
	Topic string `cbor:"topic"`
}

// SubscribeOK acknowledges a Subscribe.
type SubscribeOK struct {
	Topic string `cbor:"topic"`
}

// Unsubscribe drops the sending connection from a topic. No reply.
type Unsubscribe struct {
	Topic string `cbor:"topic"`
}

// Advertise declares publisher intent on a topic. Informational, no reply.
type Advertise struct {
	Topic string `cbor:"topic"`
}

// Heartbeat refreshes the node's liveness window. No reply.
type Heartbeat struct {
	Name string `cbor:"name"`
}

// ErrorReply is the payload of MsgError. Kind is one of the Kind* constants.
type ErrorReply struct {
	Kind   string `cbor:"kind"`
	Detail string `cbor:"detail,omitempty"`
}

var controlCodec = codec.CBOR()

// MarshalControl encodes a control record for use as an envelope payload.
func MarshalControl(rec any) ([]byte, error) {
	return controlCodec.Marshal(rec)
}

// UnmarshalControl decodes an envelope payload into a control record.
// Decode failures are reported as ErrMalformedMessage.
func UnmarshalControl(payload []byte, rec any) error {
	if err := controlCodec.Unmarshal(payload, rec); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return nil
}

// NewControl builds a control envelope of the given kind around rec.
func NewControl(kind uint8, sender string, corr [16]byte, rec any) (*Envelope, error) {
	payload, err := MarshalControl(rec)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Type:        kind,
		Sender:      sender,
		Timestamp:   time.Now(),
		Correlation: corr,
		Payload:     payload,
	}, nil
}
