package codec

import (
	"testing"

	"google.golang.org/protobuf/types/known/structpb"
)

func TestJSONCodec(t *testing.T) {
	c := JSON()
	in := map[string]any{"pose": "x,y,z", "id": 1}
	b, err := c.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out map[string]any
	if err := c.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out["id"].(float64) != 1 || out["pose"].(string) != "x,y,z" {
		t.Fatalf("roundtrip mismatch: %#v", out)
	}
}

func TestCBORCodec(t *testing.T) {
	c := CBOR()
	in := map[string]any{"seq": 42}
	b, err := c.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out map[string]any
	if err := c.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if int(out["seq"].(uint64)) != 42 { // canonical mode encodes small ints as uint
		t.Fatalf("roundtrip mismatch: %#v", out)
	}
}

func TestCBORDeterministic(t *testing.T) {
	c := CBOR()
	in := map[string]any{"b": 2, "a": 1, "c": 3}
	b1, err := c.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	b2, err := c.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b1) != string(b2) {
		t.Fatalf("canonical encoding not stable")
	}
}

func TestProtoCodec(t *testing.T) {
	c := Proto()
	s, err := structpb.NewStruct(map[string]any{"vehicle": "veh1"})
	if err != nil {
		t.Fatalf("struct: %v", err)
	}
	b, err := c.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out structpb.Struct
	if err := c.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Fields["vehicle"].GetStringValue() != "veh1" {
		t.Fatalf("roundtrip mismatch")
	}
	if _, err := c.Marshal(map[string]any{}); err == nil {
		t.Fatalf("expected error for non-proto value")
	}
}

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()
	for _, ct := range []string{"application/json", "application/cbor", "application/x-protobuf"} {
		if r.Get(ct) == nil {
			t.Fatalf("missing codec for %s", ct)
		}
	}
	if r.Get("application/unknown") != nil {
		t.Fatalf("unexpected codec for unknown type")
	}
}
