package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestHeaderRoundtrip(t *testing.T) {
	var h Header
	h.Version = Version
	h.Type = MsgPublish
	h.TopicLen = 10
	h.SenderLen = 4
	h.PayloadLen = 1234
	h.Sequence = 0x1122334455667788
	h.Timestamp = 1700000000123456789
	for i := 0; i < len(h.Correlation); i++ {
		h.Correlation[i] = byte(i)
	}

	b, err := h.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if len(b) != HeaderSize {
		t.Fatalf("header size = %d", len(b))
	}

	var h2 Header
	if err := h2.UnmarshalBinary(b); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if h2.Version != h.Version || h2.Type != h.Type || h2.TopicLen != h.TopicLen ||
		h2.SenderLen != h.SenderLen || h2.PayloadLen != h.PayloadLen ||
		h2.Sequence != h.Sequence || h2.Timestamp != h.Timestamp ||
		!bytes.Equal(h2.Correlation[:], h.Correlation[:]) {
		t.Fatalf("headers differ: %#v vs %#v", h2, h)
	}
}

func TestHeaderShortBuffer(t *testing.T) {
	var h Header
	err := h.UnmarshalBinary(make([]byte, HeaderSize-1))
	if !errors.Is(err, ErrMalformedMessage) {
		t.Fatalf("want ErrMalformedMessage, got %v", err)
	}
}

func TestHeaderBadMagic(t *testing.T) {
	b := make([]byte, HeaderSize)
	b[0], b[1] = 'X', 'Y'
	var h Header
	if err := h.UnmarshalBinary(b); !errors.Is(err, ErrMalformedMessage) {
		t.Fatalf("want ErrMalformedMessage, got %v", err)
	}
}
