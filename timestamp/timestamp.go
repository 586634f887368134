// Package timestamp implements the optional wire trailer from §6 of the
// message format: a little-endian millisecond delta inserted between the
// payload and the CRC for messages that opt in, so a receiver can recover
// how long a message sat staged before it went out on the wire.
//
// The spec leaves the policy of which messages carry one unspecified; this
// repo timestamps the reserved protocol commands (topology detection is the
// one place an inter-node delay is actually worth knowing) and leaves user
// commands alone. Services that want a timestamp on their own traffic can
// call MarshalWithTimestamp directly instead of going through
// robuscore.Core.Send.
package timestamp

import (
	"encoding/binary"

	"github.com/ardwin/robus"
	"github.com/ardwin/robus/frame"
)

// TrailerSize is the byte width of the timestamp trailer.
const TrailerSize = 4

// ConfigBit is the bit of the header's reserved config nibble (frame.Header.
// Config) that signals a timestamp trailer sits between the payload and the
// CRC on this frame. The wire format has no other room to say so; this is
// this repo's own convention, not something the original protocol defined.
const ConfigBit = 0x01

// ShouldTimestamp reports whether cmd's messages should carry a timestamp
// trailer by default.
func ShouldTimestamp(cmd uint8) bool {
	return cmd < robus.LastReservedCmd
}

// MarshalWithTimestamp serializes m the same way frame.Marshal does, but
// inserts a timestamp trailer between the payload and the CRC: delta is
// nowMillis-stagedMillis, and the CRC covers header+data+timestamp rather
// than just header+data. b must be at least HeaderLen+len(data)+TrailerSize+
// CRCSize bytes long; it returns the number of bytes written.
func MarshalWithTimestamp(m *frame.Message, stagedMillis, nowMillis uint64, b []byte, crc frame.CRCFunc) (int, error) {
	n := m.DataLen()
	total := frame.HeaderLen + n + TrailerSize + robus.CRCSize
	if len(b) < total {
		return 0, frame.ErrTooLarge
	}

	frame.MarshalHeader(m.Header, b[:frame.HeaderLen])
	copy(b[frame.HeaderLen:], m.Data[:n])

	delta := uint32(nowMillis - stagedMillis)
	trailerOff := frame.HeaderLen + n
	binary.LittleEndian.PutUint32(b[trailerOff:], delta)

	payload := b[:trailerOff+TrailerSize]
	c := crc(0xFFFF, payload)
	binary.LittleEndian.PutUint16(b[trailerOff+TrailerSize:], c)

	return total, nil
}

// UnmarshalWithTimestamp parses b as a header+data+timestamp+CRC frame
// staged by MarshalWithTimestamp. dataLen is the sender-declared payload
// size (m.Header.Size after UnmarshalHeader), since the trailer's position
// depends on it and cannot be inferred from b's length alone once b also
// holds a trailing ACK byte appended by the caller.
func UnmarshalWithTimestamp(b []byte, dataLen int, crc frame.CRCFunc) (m frame.Message, delta uint32, ok bool, err error) {
	if dataLen > robus.MaxDataMsgSize {
		dataLen = robus.MaxDataMsgSize
	}
	total := frame.HeaderLen + dataLen + TrailerSize + robus.CRCSize
	if len(b) < total {
		return frame.Message{}, 0, false, frame.ErrShortBuffer
	}

	m.Header = frame.UnmarshalHeader(b[:frame.HeaderLen])
	copy(m.Data[:dataLen], b[frame.HeaderLen:frame.HeaderLen+dataLen])

	trailerOff := frame.HeaderLen + dataLen
	delta = binary.LittleEndian.Uint32(b[trailerOff:])

	want := binary.LittleEndian.Uint16(b[trailerOff+TrailerSize:])
	got := crc(0xFFFF, b[:trailerOff+TrailerSize])
	return m, delta, want == got, nil
}
