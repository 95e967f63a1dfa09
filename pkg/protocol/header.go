package protocol

import (
	"encoding/binary"
	"fmt"
)

// Fixed header layout (48 bytes) for fast parsing over any channel.
// All integer fields are little-endian.
//
//  0  ..1   Magic   'S''B' (0x5342)
//  2        Version u8
//  3        Type    u8
//  4  ..5   TopicLen  u16
//  6  ..7   SenderLen u16
//  8  ..11  PayloadLen u32
//  12 ..19  Sequence u64
//  20 ..27  Timestamp i64 (unix nanoseconds)
//  28 ..43  Correlation [16]byte
//  44 ..47  Reserved u32
const (
	HeaderSize = 48
	magicWord  = uint16(0x5342) // 'S''B'

	// Version of the wire layout emitted by this package.
	Version = 1
)

// Header describes the metadata of one envelope.
type Header struct {
	Version     uint8
	Type        uint8
	TopicLen    uint16
	SenderLen   uint16
	PayloadLen  uint32
	Sequence    uint64
	Timestamp   int64
	Correlation [16]byte
}

// MarshalBinary encodes the header into a 48-byte buffer.
func (h *Header) MarshalBinary() ([]byte, error) {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint16(buf[0:2], magicWord)
	buf[2] = h.Version
	buf[3] = h.Type
	binary.LittleEndian.PutUint16(buf[4:6], h.TopicLen)
	binary.LittleEndian.PutUint16(buf[6:8], h.SenderLen)
	binary.LittleEndian.PutUint32(buf[8:12], h.PayloadLen)
	binary.LittleEndian.PutUint64(buf[12:20], h.Sequence)
	binary.LittleEndian.PutUint64(buf[20:28], uint64(h.Timestamp))
	copy(buf[28:44], h.Correlation[:])
	// 44..47 reserved, stays zero
	return buf, nil
}

// UnmarshalBinary decodes the header from a 48-byte buffer.
// Short buffers and bad magic fail with ErrMalformedMessage.
func (h *Header) UnmarshalBinary(buf []byte) error {
	if len(buf) < HeaderSize {
		return fmt.Errorf("%w: short header (%d bytes)", ErrMalformedMessage, len(buf))
	}
	if binary.LittleEndian.Uint16(buf[0:2]) != magicWord {
		return fmt.Errorf("%w: bad magic", ErrMalformedMessage)
	}
	h.Version = buf[2]
	h.Type = buf[3]
	h.TopicLen = binary.LittleEndian.Uint16(buf[4:6])
	h.SenderLen = binary.LittleEndian.Uint16(buf[6:8])
	h.PayloadLen = binary.LittleEndian.Uint32(buf[8:12])
	h.Sequence = binary.LittleEndian.Uint64(buf[12:20])
	h.Timestamp = int64(binary.LittleEndian.Uint64(buf[20:28]))
	copy(h.Correlation[:], buf[28:44])
	return nil
}
