// Package robus defines the high level interfaces and shared data model for
// implementing a multi-drop RS-485 style serial bus protocol stack: node
// discovery, addressed/broadcast/multicast delivery with optional
// acknowledgement, and CRC-protected framing.
package robus

import "errors"

// TargetMode selects how the target field of a message header is
// interpreted by the reception address filter.
type TargetMode uint8

// Target mode values, bit-exact with the wire protocol.
const (
	TargetServiceID    TargetMode = 0
	TargetServiceIDAck TargetMode = 1
	TargetType         TargetMode = 2
	TargetBroadcast    TargetMode = 3
	TargetTopic        TargetMode = 4
	TargetNodeID       TargetMode = 5
	TargetNodeIDAck    TargetMode = 6
)

func (m TargetMode) String() string {
	switch m {
	case TargetServiceID:
		return "ServiceID"
	case TargetServiceIDAck:
		return "ServiceIDAck"
	case TargetType:
		return "Type"
	case TargetBroadcast:
		return "Broadcast"
	case TargetTopic:
		return "Topic"
	case TargetNodeID:
		return "NodeID"
	case TargetNodeIDAck:
		return "NodeIDAck"
	default:
		return "Invalid"
	}
}

// Acked reports whether mode requires the receiver to emit a one-byte ACK.
func (m TargetMode) Acked() bool {
	return m == TargetServiceIDAck || m == TargetNodeIDAck
}

// Reserved protocol commands, handled by robuscore before any user dispatch.
const (
	CmdWriteNodeID    uint8 = 0
	CmdStartDetection uint8 = 1
	CmdEndDetection   uint8 = 2
	CmdSetBaudrate    uint8 = 3

	// LastReservedCmd is the first command id available to user services.
	LastReservedCmd uint8 = 4
)

// Protocol-wide constants. Defaults match the reference implementation this
// stack was modeled after.
const (
	BroadcastVal uint16 = 0x0FFF // target value meaning "every node"
	DefaultID    uint16 = 0      // unassigned node/service id

	MaxServiceNumber  = 5                          // services per node
	MaxDataMsgSize    = 128                        // max bytes of payload per message
	HeaderSize        = 8                          // bytes: config,target_mode | target | source | cmd | size
	CRCSize           = 2                           // bytes
	SizeMsgMax        = HeaderSize + MaxDataMsgSize + CRCSize
	MsgBufferSize     = 3 * SizeMsgMax              // shared ring size
	MaxMsgNB          = 2 * MaxServiceNumber        // in-flight messages
	MaxRTBEntry       = 40                          // routing table entries
	NbrPort           = 2                           // PTP branches
	NbrRetry          = 10                          // TX retries on NACK/collision
	NetworkTimeoutMS  = 10000                       // detection timeout
	LastTopic         = 255                         // max topic id
	IDMaskSize        = (MaxServiceNumber + 7 + 7) / 8 // bytes needed to cover MaxServiceNumber ids starting at any bit of the first byte
	TopicMaskSize     = (LastTopic + 8) / 8          // bytes needed to cover [0,LastTopic]
	DefaultBaudrate   = 1000000
)

// NodeID values 0 and 1 are special: 0 means "unassigned", 1 means "this is
// the detector, acting as the topology root".
const (
	UnassignedNodeID uint16 = 0
	DetectorNodeID    uint16 = 1
	// NoNeighbor marks a port table entry with no attached neighbor.
	NoNeighbor uint16 = 0xFFFF
)

// NetworkState tracks topology detection progress for this node.
type NetworkState uint8

const (
	NoDetection NetworkState = iota
	LocalDetection
	ExternalDetection
	DetectionOK
)

func (s NetworkState) String() string {
	switch s {
	case NoDetection:
		return "NoDetection"
	case LocalDetection:
		return "LocalDetection"
	case ExternalDetection:
		return "ExternalDetection"
	case DetectionOK:
		return "DetectionOK"
	default:
		return "Invalid"
	}
}

// VerboseMode controls whether localhost messages are also emitted on the
// wire, mirroring Robus_SetVerboseMode.
type VerboseMode uint8

const (
	VerboseOff VerboseMode = iota
	VerboseLocalhost
	VerboseMultihost
)

// Localhost classifies whether a target resolves to a service on the
// sending node itself.
type Localhost uint8

const (
	NotLocalhost Localhost = iota
	LocalhostOnly
	ExternalAndLocalhost
)

// Node is this node's identity and topology record.
type Node struct {
	ID         uint16               // 0 = unassigned, 1 = detector, 2..4096 assigned
	Certified  bool
	Info       uint32
	PortTable  [NbrPort]uint16      // neighbor node id per PTP port, NoNeighbor if none
}

// Service is a link-layer endpoint hosted by this node.
type Service struct {
	ID                uint16
	Type              uint16
	LastTopicPosition uint8
	TopicList         [LastTopic + 1]bool
	DeadServiceSpotted uint16
	Stats             ServiceStats
}

// ServiceStats tracks lightweight per-service counters surfaced to higher
// layers for diagnostics; it is not part of the wire protocol.
type ServiceStats struct {
	MaxRetry    uint32
	Sent        uint64
	Received    uint64
	CRCFailures uint64
}

// Port is the hardware abstraction layer contract required of any
// concrete transport implementation (e.g. a UART/RS-485 transceiver). It
// exposes raw byte I/O, a millisecond timer tick, a CRC16 compute unit and
// PTP GPIO/IRQ lines used exclusively for topology detection.
//
// Implementations must not allocate on the hot byte-RX path and must be
// safe to call from whatever goroutine drives the physical interrupt
// source, since reception is byte-driven the same way it would be from a
// real serial ISR.
type Port interface {
	// Init (re-)configures the underlying UART at DefaultBaudrate and must be
	// called before any other method.
	Init() error

	// WriteByte transmits a single byte on the bus. It must only be called
	// while TX is enabled (see EnableTX).
	WriteByte(b byte) error

	// EnableTX asserts the transceiver's TX_EN line and de-asserts RX_EN.
	EnableTX()

	// EnableRX asserts RX_EN and de-asserts TX_EN. This is the default idle
	// state of the line.
	EnableRX()

	// LineBusy reports whether the bus has seen activity within the last
	// inter-frame gap, i.e. whether it is unsafe to start a new transmission.
	LineBusy() bool

	// CRC16 computes the 16-bit CRC of data starting from seed, using
	// whichever polynomial the concrete HAL's CRC unit implements. All nodes
	// on a bus must use HAL implementations that agree on the polynomial.
	CRC16(seed uint16, data []byte) uint16

	// SystickMillis returns a free-running millisecond tick used for all
	// protocol timeouts.
	SystickMillis() uint64

	// SetBaudrate reconfigures the UART. Callers must have drained all
	// pending TX before calling this, since switching baud mid-frame would
	// corrupt in-flight bytes.
	SetBaudrate(baud uint32) error

	// PTP returns the point-to-point GPIO line for the given port index,
	// used only during topology detection.
	PTP(port int) PTPLine
}

// PTPLine is a single bidirectional open-drain point-to-point GPIO line to
// exactly one neighbor node, used as a physical "who's there" poke
// independent of the shared data bus.
type PTPLine interface {
	// Set drives the line to level.
	Set(level bool)

	// Read returns the current line level.
	Read() bool

	// OnRisingEdge registers cb to be invoked from interrupt context whenever
	// the line transitions low to high. Passing nil disables the callback.
	OnRisingEdge(cb func())
}

// Sentinel errors shared across the stack's packages.
var (
	// ErrProhibited is returned when a user message is sent while the
	// network has not completed detection.
	ErrProhibited = errors.New("robus: send prohibited, network not detected")

	// ErrFull is returned by the allocator when space cannot be freed
	// without destroying an active TX task.
	ErrFull = errors.New("robus: message allocator full")

	// ErrBadServiceID is returned by mask calculation when the requested
	// range of ids does not fit the reserved address space.
	ErrBadServiceID = errors.New("robus: service id out of range")

	// ErrBadTopic is returned when a topic id exceeds LastTopic.
	ErrBadTopic = errors.New("robus: topic id out of range")

	// ErrDetectionInProgress is returned by topology.Detector.Begin (and so
	// robuscore.Core.StartTopologyDetection) when a detection is already
	// under way.
	ErrDetectionInProgress = errors.New("robus: detection already in progress")

	// ErrDetectionFailed is returned after the detector has exhausted its
	// retry budget.
	ErrDetectionFailed = errors.New("robus: detection failed after retries")

	// ErrTooManyServices is returned by CreateService once MaxServiceNumber
	// services already exist on this node.
	ErrTooManyServices = errors.New("robus: too many services")
)
