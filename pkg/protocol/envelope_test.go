package protocol

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestEnvelopeRoundtrip(t *testing.T) {
	corr, _ := NewCorrelation()
	e := Envelope{
		Type:        MsgPublish,
		Topic:       "lidar/scan",
		Sender:      "veh1",
		Sequence:    7,
		Timestamp:   time.Unix(0, 1700000000000000000),
		Correlation: corr,
		Payload:     []byte("hello"),
	}

	frame, err := e.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var d Envelope
	if err := d.Decode(frame); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if d.Topic != e.Topic || d.Sender != e.Sender || d.Sequence != e.Sequence ||
		d.Type != e.Type || !d.Timestamp.Equal(e.Timestamp) ||
		!bytes.Equal(d.Correlation[:], e.Correlation[:]) || !bytes.Equal(d.Payload, e.Payload) {
		t.Fatalf("envelopes differ: %#v vs %#v", d, e)
	}
}

func TestEnvelopeRoundtripSizes(t *testing.T) {
	// topic/sender lengths 0..255, payloads 0..4096
	for _, tl := range []int{0, 1, 63, 255} {
		for _, pl := range []int{0, 1, 100, 4096} {
			e := Envelope{
				Type:    MsgPublish,
				Topic:   strings.Repeat("t", tl),
				Sender:  strings.Repeat("s", tl),
				Payload: bytes.Repeat([]byte{0xAB}, pl),
			}
			frame, err := e.Encode()
			if err != nil {
				t.Fatalf("encode tl=%d pl=%d: %v", tl, pl, err)
			}
			var d Envelope
			if err := d.Decode(frame); err != nil {
				t.Fatalf("decode tl=%d pl=%d: %v", tl, pl, err)
			}
			if d.Topic != e.Topic || d.Sender != e.Sender || !bytes.Equal(d.Payload, e.Payload) {
				t.Fatalf("roundtrip mismatch at tl=%d pl=%d", tl, pl)
			}
			// re-encode must be byte identical
			frame2, err := d.Encode()
			if err != nil {
				t.Fatalf("re-encode: %v", err)
			}
			if !bytes.Equal(frame, frame2) {
				t.Fatalf("re-encoded frame differs at tl=%d pl=%d", tl, pl)
			}
		}
	}
}

func TestEnvelopeDecodeTruncated(t *testing.T) {
	e := Envelope{Type: MsgPublish, Topic: "imu", Sender: "veh2", Payload: []byte("0123456789")}
	frame, err := e.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	for _, n := range []int{0, 1, HeaderSize - 1, HeaderSize, len(frame) - 1} {
		var d Envelope
		if err := d.Decode(frame[:n]); !errors.Is(err, ErrMalformedMessage) {
			t.Fatalf("truncated to %d: want ErrMalformedMessage, got %v", n, err)
		}
	}
	// trailing garbage is inconsistent with the header lengths
	var d Envelope
	if err := d.Decode(append(append([]byte(nil), frame...), 0x00)); !errors.Is(err, ErrMalformedMessage) {
		t.Fatalf("padded frame: want ErrMalformedMessage, got %v", err)
	}
}

func TestEnvelopeEncodeLimits(t *testing.T) {
	e := Envelope{Type: MsgPublish, Topic: strings.Repeat("t", 0x10000)}
	if _, err := e.Encode(); err == nil {
		t.Fatalf("expected error for oversized topic")
	}
}
