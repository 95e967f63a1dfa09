package protocol

import (
	"crypto/rand"
	"fmt"
	"io"
	"time"
)

// MaxPayload guards against absurd length fields on decode (16 MiB).
const MaxPayload = 1 << 24

// Envelope is the unit of transfer: header metadata plus topic, sender and
// an opaque payload. Immutable once constructed; the bus never inspects
// Payload.
type Envelope struct {
	Type        uint8
	Topic       string
	Sender      string
	Sequence    uint64
	Timestamp   time.Time
	Correlation [16]byte
	Payload     []byte
}

// NewCorrelation generates a random 16-byte request id.
func NewCorrelation() (out [16]byte, err error) {
	_, err = io.ReadFull(rand.Reader, out[:])
	return
}

// Encode returns header + topic + sender + payload as a single frame.
func (e *Envelope) Encode() ([]byte, error) {
	if len(e.Topic) > 0xFFFF {
		return nil, fmt.Errorf("topic too long: %d", len(e.Topic))
	}
	if len(e.Sender) > 0xFFFF {
		return nil, fmt.Errorf("sender too long: %d", len(e.Sender))
	}
	if len(e.Payload) > MaxPayload {
		return nil, fmt.Errorf("payload too large: %d", len(e.Payload))
	}
	h := Header{
		Version:     Version,
		Type:        e.Type,
		TopicLen:    uint16(len(e.Topic)),
		SenderLen:   uint16(len(e.Sender)),
		PayloadLen:  uint32(len(e.Payload)),
		Sequence:    e.Sequence,
		Correlation: e.Correlation,
	}
	if !e.Timestamp.IsZero() {
		h.Timestamp = e.Timestamp.UnixNano()
	}
	hb, err := h.MarshalBinary()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, HeaderSize+len(e.Topic)+len(e.Sender)+len(e.Payload))
	out = append(out, hb...)
	out = append(out, e.Topic...)
	out = append(out, e.Sender...)
	out = append(out, e.Payload...)
	return out, nil
}

// Decode parses one frame produced by Encode. Truncated or length-inconsistent
// input fails with ErrMalformedMessage; the input slice is not retained.
func (e *Envelope) Decode(buf []byte) error {
	var h Header
	if err := h.UnmarshalBinary(buf); err != nil {
		return err
	}
	if h.PayloadLen > MaxPayload {
		return fmt.Errorf("%w: payload length %d", ErrMalformedMessage, h.PayloadLen)
	}
	need := HeaderSize + int(h.TopicLen) + int(h.SenderLen) + int(h.PayloadLen)
	if len(buf) != need {
		return fmt.Errorf("%w: frame is %d bytes, header says %d", ErrMalformedMessage, len(buf), need)
	}
	off := HeaderSize
	e.Type = h.Type
	e.Topic = string(buf[off : off+int(h.TopicLen)])
	off += int(h.TopicLen)
	e.Sender = string(buf[off : off+int(h.SenderLen)])
	off += int(h.SenderLen)
	e.Sequence = h.Sequence
	e.Correlation = h.Correlation
	if h.Timestamp != 0 {
		e.Timestamp = time.Unix(0, h.Timestamp)
	} else {
		e.Timestamp = time.Time{}
	}
	e.Payload = append([]byte(nil), buf[off:off+int(h.PayloadLen)]...)
	if h.PayloadLen == 0 {
		e.Payload = nil
	}
	return nil
}
