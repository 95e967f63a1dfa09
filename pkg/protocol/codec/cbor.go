package codec

import (
	cbor "github.com/fxamacker/cbor/v2"
)

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// CBOR returns a deterministic CBOR codec (RFC 8949, canonical encoding).
// The modes are built from constant options; a rejected option is a
// programming error, so construction panics instead of returning it.
func CBOR() Codec {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic("codec: cbor enc mode: " + err.Error())
	}
	dm, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("codec: cbor dec mode: " + err.Error())
	}
	return cborCodec{enc: em, dec: dm}
}

func (c cborCodec) ContentType() string               { return "application/cbor" }
func (c cborCodec) Marshal(v any) ([]byte, error)     { return c.enc.Marshal(v) }
func (c cborCodec) Unmarshal(data []byte, v any) error { return c.dec.Unmarshal(data, v) }
