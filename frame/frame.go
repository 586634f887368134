// Package frame defines the wire format for Robus messages: the
// fixed-size header, payload and CRC16, and the routines to serialize and
// deserialize them. The optional timestamp trailer is serialized by package
// timestamp.
package frame

import (
	"encoding/binary"
	"errors"

	"github.com/ardwin/robus"
)

// ErrTooLarge is returned by Marshal when b is too small to hold the
// serialized message.
var ErrTooLarge = errors.New("frame: buffer too small for message")

// ErrShortBuffer is returned by Unmarshal when b is too small to contain a
// full header, or a full frame once the declared size is known.
var ErrShortBuffer = errors.New("frame: buffer too short")

// HeaderLen is the number of bytes the header occupies on the wire:
// config+target_mode (1B), target (2B), source (2B), cmd (1B), size (2B).
const HeaderLen = robus.HeaderSize

// Header is the fixed HeaderLen-byte frame header, little-endian on the
// wire.
type Header struct {
	Config     uint8 // protocol config nibble; bit timestamp.ConfigBit flags a timestamp trailer
	TargetMode robus.TargetMode
	Target     uint16
	Source     uint16
	Cmd        uint8
	Size       uint16 // payload size in bytes, before truncation to MaxDataMsgSize
}

// Message is a full Robus message: header plus up to MaxDataMsgSize bytes
// of payload. Timestamp and CRC are not stored here: the CRC is attached by
// Marshal / validated by Unmarshal with the caller's CRCFunc, and the
// optional timestamp trailer is handled by package timestamp's
// MarshalWithTimestamp / UnmarshalWithTimestamp.
type Message struct {
	Header Header
	Data   [robus.MaxDataMsgSize]byte
}

// DataLen returns the number of payload bytes actually present, clamped to
// MaxDataMsgSize the same way the wire truncates oversized broadcasts.
func (m *Message) DataLen() int {
	n := int(m.Header.Size)
	if n > robus.MaxDataMsgSize {
		n = robus.MaxDataMsgSize
	}
	return n
}

// CRCFunc computes a 16-bit CRC of data seeded with seed. Concrete HAL
// implementations supply this via robus.Port.CRC16; the default
// implementation below is used by tests and by HAL-less tooling.
type CRCFunc func(seed uint16, data []byte) uint16

// DefaultCRC16 implements CRC-16/CCITT-FALSE (poly 0x1021, init 0xFFFF),
// used when no HAL CRC unit is available. All nodes on a given bus must
// agree on the polynomial; this default exists purely so the package is
// independently testable.
func DefaultCRC16(seed uint16, data []byte) uint16 {
	crc := seed
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// MarshalHeader writes h's wire representation into b, which must be at
// least HeaderLen bytes.
func MarshalHeader(h Header, b []byte) {
	_ = b[HeaderLen-1]
	b[0] = h.Config&0x0F | uint8(h.TargetMode)<<4
	binary.LittleEndian.PutUint16(b[1:3], h.Target)
	binary.LittleEndian.PutUint16(b[3:5], h.Source)
	b[5] = h.Cmd
	binary.LittleEndian.PutUint16(b[6:8], h.Size)
}

// UnmarshalHeader parses h from b, which must be at least HeaderLen bytes.
func UnmarshalHeader(b []byte) (h Header) {
	_ = b[HeaderLen-1]
	h.Config = b[0] & 0x0F
	h.TargetMode = robus.TargetMode(b[0] >> 4)
	h.Target = binary.LittleEndian.Uint16(b[1:3])
	h.Source = binary.LittleEndian.Uint16(b[3:5])
	h.Cmd = b[5]
	h.Size = binary.LittleEndian.Uint16(b[6:8])
	return h
}

// Marshal serializes m into b (which must be at least
// HeaderLen+len(data)+CRCSize bytes long) and returns the number of bytes
// written, not including any timestamp trailer. crc is used to compute the
// CRC over the header and data. Oversized payloads (Header.Size >
// MaxDataMsgSize) are truncated to MaxDataMsgSize on the wire, matching
// broadcast truncation semantics.
func Marshal(m *Message, b []byte, crc CRCFunc) (int, error) {
	n := m.DataLen()
	hdr := m.Header
	hdr.Size = uint16(n)
	total := HeaderLen + n + robus.CRCSize
	if len(b) < total {
		return 0, ErrTooLarge
	}
	MarshalHeader(hdr, b[:HeaderLen])
	copy(b[HeaderLen:], m.Data[:n])
	c := crc(0xFFFF, b[:HeaderLen+n])
	binary.LittleEndian.PutUint16(b[HeaderLen+n:], c)
	return total, nil
}

// Unmarshal parses a Message out of b, which must contain at least a full
// header. It returns the message, the total number of bytes consumed
// (header+data+crc) and whether the embedded CRC matched.
func Unmarshal(b []byte, crc CRCFunc) (m Message, consumed int, crcOK bool, err error) {
	if len(b) < HeaderLen {
		return Message{}, 0, false, ErrShortBuffer
	}
	m.Header = UnmarshalHeader(b[:HeaderLen])
	n := int(m.Header.Size)
	if n > robus.MaxDataMsgSize {
		n = robus.MaxDataMsgSize
	}
	total := HeaderLen + n + robus.CRCSize
	if len(b) < total {
		return Message{}, 0, false, ErrShortBuffer
	}
	copy(m.Data[:n], b[HeaderLen:HeaderLen+n])
	want := binary.LittleEndian.Uint16(b[HeaderLen+n:])
	got := crc(0xFFFF, b[:HeaderLen+n])
	return m, total, got == want, nil
}
