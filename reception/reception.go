// Package reception implements the byte-driven receive state machine: it
// is fed one byte at a time (as a real UART ISR would), accumulates a
// header, applies the address filter, accumulates data and CRC, emits an
// ACK when required, and on success hands the framed message to the shared
// ring allocator.
//
// While a transmission is in progress, the same byte stream carries the
// echoed copy of what this node is sending (half-duplex multidrop line);
// FSM.ExpectEcho / a collision callback let the transmission engine reuse
// this same path to detect collisions instead of running a second parser.
package reception

import (
	"github.com/ardwin/robus"
	"github.com/ardwin/robus/frame"
	"github.com/ardwin/robus/msgalloc"
	"github.com/ardwin/robus/timestamp"
)


// AddressFilter resolves which local services, if any, are concerned by a
// given header, and supplies the nodewide address state the filter needs.
// robuscore.Core implements this.
type AddressFilter interface {
	// NodeID returns this node's current id (0 before detection).
	NodeID() uint16

	// InServiceIDRange reports whether id falls in this node's reserved
	// service-id address range, per Robus_IDMaskCalculation.
	InServiceIDRange(id uint16) bool

	// HasTopic reports whether any local service subscribes to topic.
	HasTopic(topic uint16) bool

	// HasType reports whether any local service has the given type.
	HasType(t uint16) bool

	// ConcernedServiceIndices returns every local service index that should
	// receive a Luos task for this header, for the given target mode/value.
	// It must be consistent with the Has*/InServiceIDRange checks above.
	ConcernedServiceIndices(h frame.Header) []int

	// RxStatus returns the single status byte sent back as an ACK.
	RxStatus() uint8
}

// state is one node in the byte-driven parser, shaped after a classic
// enter/process state-machine split: Enter runs once on transition,
// Process consumes one byte and returns the next state (nil means stay).
type state struct {
	name    string
	enter   func(f *FSM)
	process func(f *FSM, b byte) (next *state)
}

// FSM is one node's reception state machine. It owns no goroutines; the
// caller (typically a HAL driver's read loop) calls PushByte for every
// received byte and Tick periodically to evaluate the frame timeout.
type FSM struct {
	port   robus.Port
	alloc  *msgalloc.Allocator
	filter AddressFilter
	crc    frame.CRCFunc

	cur   *state
	count int // bytes consumed in the current state

	hdrBuf  [frame.HeaderLen]byte
	header  frame.Header
	ringOff int // ring offset of the start of the current frame
	dataLen int
	hasTimestamp bool

	lastByteMillis uint64
	frameTimeoutMS uint64

	crcFailures uint64
	skipFailures uint64

	// echo expectation, used by the transmission engine for collision
	// detection on the shared half-duplex line.
	echoExpected bool
	echoByte     byte
	onCollision  func()
	onEchoOK     func()

	ackExpected bool
	ackCb       func(b byte)
}

// New creates a reception FSM. frameTimeoutMS is the baud-derived inactivity
// timeout after which an in-progress frame is abandoned and the FSM resets
// to idle.
func New(port robus.Port, alloc *msgalloc.Allocator, filter AddressFilter, crc frame.CRCFunc, frameTimeoutMS uint64) *FSM {
	f := &FSM{
		port:           port,
		alloc:          alloc,
		filter:         filter,
		crc:            crc,
		frameTimeoutMS: frameTimeoutMS,
	}
	f.enter(stateIdle)
	return f
}

// SetCollisionHandlers registers callbacks invoked when an expected echo
// byte (see ExpectEcho) arrives mismatched or matched. Used by package
// transmission.
func (f *FSM) SetCollisionHandlers(onCollision, onEchoOK func()) {
	f.onCollision = onCollision
	f.onEchoOK = onEchoOK
}

// ExpectEcho arms echo-checking for the next received byte: it will be
// compared against b instead of being parsed as frame data.
func (f *FSM) ExpectEcho(b byte) {
	f.echoExpected = true
	f.echoByte = b
}

// ClearEcho disarms echo-checking, e.g. after a transmission completes.
func (f *FSM) ClearEcho() {
	f.echoExpected = false
}

// ExpectAck arms a single-byte intercept: the next received byte is handed
// to cb instead of being parsed as the start of a new frame, then the
// intercept disarms itself. Used by the transmission engine to capture the
// one-byte ACK reply without the FSM mistaking it for a header.
func (f *FSM) ExpectAck(cb func(b byte)) {
	f.ackExpected = true
	f.ackCb = cb
}

// ClearAck disarms a pending ExpectAck, e.g. after its wait times out.
func (f *FSM) ClearAck() {
	f.ackExpected = false
	f.ackCb = nil
}

// CRCFailures returns the number of frames dropped due to CRC mismatch.
func (f *FSM) CRCFailures() uint64 { return f.crcFailures }

// PushByte feeds one received byte into the parser.
func (f *FSM) PushByte(nowMillis uint64, b byte) {
	f.lastByteMillis = nowMillis

	if f.echoExpected {
		f.echoExpected = false
		if b != f.echoByte {
			if f.onCollision != nil {
				f.onCollision()
			}
			return
		}
		if f.onEchoOK != nil {
			f.onEchoOK()
		}
		return
	}

	if f.ackExpected {
		f.ackExpected = false
		cb := f.ackCb
		f.ackCb = nil
		if cb != nil {
			cb(b)
		}
		return
	}

	if next := f.cur.process(f, b); next != nil {
		f.enter(next)
	}
}

// Tick evaluates the frame timeout; call periodically (e.g. from the main
// loop) with the current millisecond tick.
func (f *FSM) Tick(nowMillis uint64) {
	if f.cur == stateIdle || f.frameTimeoutMS == 0 {
		return
	}
	if nowMillis-f.lastByteMillis > f.frameTimeoutMS {
		f.alloc.DropRX()
		f.enter(stateIdle)
	}
}

func (f *FSM) enter(s *state) {
	f.cur = s
	f.count = 0
	if s.enter != nil {
		s.enter(f)
	}
}

var (
	stateIdle      *state
	stateHeader    *state
	stateSkip      *state
	stateData      *state
	stateTimestamp *state
	stateCRC       *state
)

func init() {
	stateIdle = &state{
		name: "idle",
		process: func(f *FSM, b byte) *state {
			f.hdrBuf[0] = b
			f.count = 1
			return stateHeader
		},
	}

	stateHeader = &state{
		name: "header",
		enter: func(f *FSM) {
			// stateIdle already stored the header's first byte at hdrBuf[0]
			// before handing off here; f.enter's blanket count reset would
			// otherwise make stateHeader overwrite it instead of continuing
			// at hdrBuf[1].
			f.count = 1
		},
		process: func(f *FSM, b byte) *state {
			f.hdrBuf[f.count] = b
			f.count++
			if f.count < frame.HeaderLen {
				return nil
			}
			f.header = frame.UnmarshalHeader(f.hdrBuf[:])
			if !f.nodeConcerned(f.header) {
				return stateSkip
			}
			n := int(f.header.Size)
			if n > robus.MaxDataMsgSize {
				n = robus.MaxDataMsgSize
			}
			f.dataLen = n
			f.hasTimestamp = f.header.Config&timestamp.ConfigBit != 0
			f.ringOff = f.alloc.ReserveRX(frame.HeaderLen)
			f.alloc.WriteAt(f.ringOff, f.hdrBuf[:])
			if f.dataLen == 0 {
				if f.hasTimestamp {
					return stateTimestamp
				}
				return stateCRC
			}
			return stateData
		},
	}

	stateSkip = &state{
		name: "skip",
		process: func(f *FSM, b byte) *state {
			n := int(f.header.Size)
			if n > robus.MaxDataMsgSize {
				n = robus.MaxDataMsgSize
			}
			toSkip := n + robus.CRCSize
			if f.header.Config&timestamp.ConfigBit != 0 {
				toSkip += timestamp.TrailerSize
			}
			f.count++
			if f.count >= toSkip {
				return stateIdle
			}
			return nil
		},
	}

	stateData = &state{
		name: "data",
		process: func(f *FSM, b byte) *state {
			off := f.alloc.ReserveRX(1)
			f.alloc.WriteAt(off, []byte{b})
			f.count++
			if f.count < f.dataLen {
				return nil
			}
			if f.hasTimestamp {
				return stateTimestamp
			}
			return stateCRC
		},
	}

	stateTimestamp = &state{
		name: "timestamp",
		enter: func(f *FSM) {
			f.count = 0
		},
		process: func(f *FSM, b byte) *state {
			off := f.alloc.ReserveRX(1)
			f.alloc.WriteAt(off, []byte{b})
			f.count++
			if f.count < timestamp.TrailerSize {
				return nil
			}
			return stateCRC
		},
	}

	stateCRC = &state{
		name: "crc",
		enter: func(f *FSM) {
			f.count = 0
		},
		process: func(f *FSM, b byte) *state {
			off := f.alloc.ReserveRX(1)
			f.alloc.WriteAt(off, []byte{b})
			f.count++
			if f.count < robus.CRCSize {
				return nil
			}
			f.finishFrame()
			return stateIdle
		},
	}
}

// nodeConcerned implements Recep_NodeConcerned: decides, per target_mode,
// whether this node should accept the frame past the header.
func (f *FSM) nodeConcerned(h frame.Header) bool {
	switch h.TargetMode {
	case robus.TargetServiceID, robus.TargetServiceIDAck:
		return f.filter.InServiceIDRange(h.Target)
	case robus.TargetNodeID, robus.TargetNodeIDAck:
		return h.Target == f.filter.NodeID() || f.filter.NodeID() == robus.UnassignedNodeID
	case robus.TargetBroadcast:
		return true
	case robus.TargetTopic:
		return f.filter.HasTopic(h.Target)
	case robus.TargetType:
		return f.filter.HasType(h.Target)
	default:
		return false
	}
}

// finishFrame validates the CRC of the just-completed frame, committing it
// to the allocator on success (with an ACK emitted if required) or dropping
// it and rewinding the ring on failure.
func (f *FSM) finishFrame() {
	total := frame.HeaderLen + f.dataLen + robus.CRCSize
	if f.hasTimestamp {
		total += timestamp.TrailerSize
	}
	raw := make([]byte, total)
	f.alloc.ReadAt(f.ringOff, total, raw)

	var ok bool
	var err error
	if f.hasTimestamp {
		_, _, ok, err = timestamp.UnmarshalWithTimestamp(raw, f.dataLen, f.crc)
	} else {
		_, _, ok, err = frame.Unmarshal(raw, f.crc)
	}
	if err != nil || !ok {
		f.crcFailures++
		f.alloc.DropRX()
		return
	}

	concerned := f.filter.ConcernedServiceIndices(f.header)
	f.alloc.CommitRX(concerned)

	if f.header.TargetMode.Acked() && f.header.Target != robus.DefaultID && len(concerned) > 0 {
		f.sendAck()
	}
}

// sendAck emits the single-byte RX status reply during the brief TX-enable
// window immediately following a successfully matched *ACK frame.
func (f *FSM) sendAck() {
	f.port.EnableTX()
	_ = f.port.WriteByte(f.filter.RxStatus())
	f.port.EnableRX()
}
