// Package robuscore is the hub that wires the HAL port, frame codec, shared
// ring allocator, reception FSM, transmission engine and topology detector
// together into one running node: routing masks, the reserved protocol
// command handler, and the public create/send/subscribe API services use.
package robuscore

import (
	"encoding/binary"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/ardwin/robus"
	"github.com/ardwin/robus/frame"
	"github.com/ardwin/robus/msgalloc"
	"github.com/ardwin/robus/reception"
	"github.com/ardwin/robus/timestamp"
	"github.com/ardwin/robus/topology"
	"github.com/ardwin/robus/transmission"
)

// protocolServiceIdx marks TX tasks issued by the topology/detection
// machinery itself rather than a user service, so eviction/dead-target
// notifications route to the detector instead of a service slot.
const protocolServiceIdx = -1

// MessageHandler receives every message whose command is not one of the
// reserved protocol commands, after address filtering has already resolved
// which local service it concerns.
type MessageHandler func(h frame.Header, data []byte, serviceIdx int)

// Config holds the tunables Core passes down to the transmission engine and
// reception FSM.
type Config struct {
	Transmission   transmission.Config
	FrameTimeoutMS uint64
}

// Core is one node's protocol stack: address/routing state, service table,
// and the wiring between reception, transmission and topology detection.
type Core struct {
	mu sync.Mutex

	port  robus.Port
	alloc *msgalloc.Allocator
	fsm   *reception.FSM
	tx    *transmission.Engine
	pm    *topology.PortManager
	det   *topology.Detector
	log   *logrus.Logger

	node  robus.Node
	state robus.NetworkState

	services []*robus.Service

	idShiftMask int
	idMask      [robus.IDMaskSize]byte
	topicMask   [robus.TopicMaskSize]byte

	verbose        robus.VerboseMode
	filterDisabled bool
	filterID       uint16

	localDetectionStart uint64
	protocolDead        bool

	onMessage MessageHandler
}

// New builds a Core bound to port, with every internal component wired the
// same way Robus_Init assembles ctx's subsystems.
func New(port robus.Port, cfg Config, log *logrus.Logger) *Core {
	if log == nil {
		log = logrus.New()
		log.SetOutput(discardWriter{})
	}
	c := &Core{port: port, log: log}
	for i := range c.node.PortTable {
		c.node.PortTable[i] = robus.NoNeighbor
	}

	c.alloc = msgalloc.New(c.onTaskEvicted)
	c.fsm = reception.New(port, c.alloc, c, port.CRC16, cfg.FrameTimeoutMS)
	c.tx = transmission.New(port, c.alloc, c.fsm, c.NodeID, cfg.Transmission, log)
	c.tx.SetDeadTargetFunc(c.onDeadTarget)
	c.tx.SetLocalDeliverFunc(c.deliverLocal)

	c.pm = topology.NewPortManager(port)
	c.det = topology.NewDetector(c.pm, c, c, port.SystickMillis, c.protocolDeadServiceSpotted, c.clearProtocolDeadService, log)

	return c
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// SetMessageHandler registers fn to receive every non-protocol message
// passed up by Loop, including END_DETECTION (pass-through per the protocol
// handler's command table).
func (c *Core) SetMessageHandler(fn MessageHandler) { c.onMessage = fn }

// Node returns a snapshot of this node's identity and topology record.
func (c *Core) Node() robus.Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.node
}

// Service returns a snapshot of the service at serviceIdx, if it exists.
func (c *Core) Service(serviceIdx int) (robus.Service, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if serviceIdx < 0 || serviceIdx >= len(c.services) {
		return robus.Service{}, false
	}
	return *c.services[serviceIdx], true
}

// CreateService adds a service of the given type to the local route table
// and returns its index, per Robus_ServiceCreate. Its id stays DefaultID
// until assigned by SetServiceID; the topology walk does not assign
// service ids.
func (c *Core) CreateService(serviceType uint16) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.services) >= robus.MaxServiceNumber {
		return -1, robus.ErrTooManyServices
	}
	c.services = append(c.services, &robus.Service{Type: serviceType, ID: robus.DefaultID})
	return len(c.services) - 1, nil
}

// ClearServices empties the service table, per Robus_ServicesClear.
func (c *Core) ClearServices() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.services = nil
}

// SetServiceID assigns id to the service at serviceIdx.
func (c *Core) SetServiceID(serviceIdx int, id uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if serviceIdx < 0 || serviceIdx >= len(c.services) {
		return robus.ErrBadServiceID
	}
	c.services[serviceIdx].ID = id
	return nil
}

// SetFilterState enables or disables local delivery to one service, keyed by
// the service at serviceIdx, mirroring Robus_SetFilterState's
// (filter_state, filter_id) pair. The original source available for this
// port does not show where ctx.filter_state/filter_id are later consumed;
// excluding the named service from ConcernedServiceIndices while disabled is
// this repo's best-effort reconstruction of the intended effect.
func (c *Core) SetFilterState(enable bool, serviceIdx int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if serviceIdx < 0 || serviceIdx >= len(c.services) {
		return
	}
	c.filterDisabled = !enable
	c.filterID = c.services[serviceIdx].ID
}

// SetVerboseMode controls whether localhost messages are also pushed out on
// the wire, per Robus_SetVerboseMode.
func (c *Core) SetVerboseMode(mode robus.VerboseMode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.verbose = mode
}

func (c *Core) verboseMode() robus.VerboseMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.verbose
}

// IDMaskCalculation reserves the contiguous service id range
// [baseID, baseID+count) for this node, per Robus_IDMaskCalculation.
func (c *Core) IDMaskCalculation(baseID, count uint16) error {
	if baseID < 1 || baseID > 4096-robus.MaxServiceNumber {
		return robus.ErrBadServiceID
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.idShiftMask = int(baseID-1) / 8
	for i := range c.idMask {
		c.idMask[i] = 0
	}
	for i := uint16(0); i < count; i++ {
		tempo := int((baseID-1)+i) - 8*c.idShiftMask
		c.idMask[tempo/8] |= 1 << uint(tempo%8)
	}
	return nil
}

// Subscribe subscribes the service at serviceIdx to topic, per
// Robus_TopicSubscribe. Subscribing twice is idempotent.
func (c *Core) Subscribe(serviceIdx int, topic uint16) error {
	if topic > robus.LastTopic {
		return robus.ErrBadTopic
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if serviceIdx < 0 || serviceIdx >= len(c.services) {
		return robus.ErrBadServiceID
	}
	c.topicMask[topic/8] |= 1 << uint(topic%8)
	c.services[serviceIdx].TopicList[topic] = true
	return nil
}

// Unsubscribe removes the service at serviceIdx's subscription to topic. The
// node-wide topic mask bit is only cleared once no other service still
// subscribes to it.
func (c *Core) Unsubscribe(serviceIdx int, topic uint16) error {
	if topic > robus.LastTopic {
		return robus.ErrBadTopic
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if serviceIdx < 0 || serviceIdx >= len(c.services) {
		return robus.ErrBadServiceID
	}
	c.services[serviceIdx].TopicList[topic] = false
	for _, s := range c.services {
		if s.TopicList[topic] {
			return nil
		}
	}
	c.topicMask[topic/8] &^= 1 << uint(topic%8)
	return nil
}

// --- reception.AddressFilter ---

// NodeID returns this node's current id (0 before detection).
func (c *Core) NodeID() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.node.ID
}

// InServiceIDRange reports whether id falls in this node's reserved
// service-id range, per Robus_IDMaskCalculation's bitmap.
func (c *Core) InServiceIDRange(id uint16) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id == 0 {
		return false
	}
	tempo := int(id-1) - 8*c.idShiftMask
	if tempo < 0 || tempo >= robus.IDMaskSize*8 {
		return false
	}
	return c.idMask[tempo/8]&(1<<uint(tempo%8)) != 0
}

// HasTopic reports whether the node-wide topic mask has topic's bit set.
func (c *Core) HasTopic(topic uint16) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if topic > robus.LastTopic {
		return false
	}
	return c.topicMask[topic/8]&(1<<uint(topic%8)) != 0
}

// HasType reports whether any local service has the given type.
func (c *Core) HasType(t uint16) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.services {
		if s.Type == t {
			return true
		}
	}
	return false
}

// ConcernedServiceIndices returns every local service index a message with
// header h should be delivered to.
func (c *Core) ConcernedServiceIndices(h frame.Header) []int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []int
	switch h.TargetMode {
	case robus.TargetServiceID, robus.TargetServiceIDAck:
		for i, s := range c.services {
			if s.ID == h.Target {
				out = append(out, i)
			}
		}
	case robus.TargetNodeID, robus.TargetNodeIDAck, robus.TargetBroadcast:
		for i := range c.services {
			out = append(out, i)
		}
	case robus.TargetTopic:
		if h.Target <= robus.LastTopic {
			for i, s := range c.services {
				if s.TopicList[h.Target] {
					out = append(out, i)
				}
			}
		}
	case robus.TargetType:
		for i, s := range c.services {
			if s.Type == h.Target {
				out = append(out, i)
			}
		}
	}

	if !c.filterDisabled || len(out) == 0 {
		return out
	}
	filtered := out[:0]
	for _, idx := range out {
		if c.services[idx].ID == c.filterID {
			continue
		}
		filtered = append(filtered, idx)
	}
	return filtered
}

// RxStatus returns the single status byte sent back as an ACK. This repo's
// reception path only reaches here after CRC validation and address
// matching have already succeeded, so it always reports success; the
// original's richer status bitfield (CRC/conflict flags, an identifier
// nibble) is not otherwise exercised by anything in this spec.
func (c *Core) RxStatus() uint8 {
	return 0x01
}

// --- topology.NodeState ---

// SetNodeID overwrites this node's id.
func (c *Core) SetNodeID(id uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.node.ID = id
}

// SetPortNeighbor records neighbor as the node id reachable through port.
func (c *Core) SetPortNeighbor(port int, neighbor uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if port >= 0 && port < robus.NbrPort {
		c.node.PortTable[port] = neighbor
	}
}

// NetworkState returns this node's topology detection progress.
func (c *Core) NetworkState() robus.NetworkState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetNetworkState transitions NetworkState, tracking the systick at which a
// not-yet-complete detection started so CheckNetworkTimeout can evaluate the
// 10 s budget, mirroring Robus_SetNodeDetected's timeout bookkeeping.
func (c *Core) SetNetworkState(s robus.NetworkState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch s {
	case robus.LocalDetection, robus.ExternalDetection:
		c.localDetectionStart = c.port.SystickMillis()
	case robus.NoDetection, robus.DetectionOK:
		c.localDetectionStart = 0
	}
	c.state = s
}

// --- topology.Sender ---

// RequestID asks the detector node for the next node id.
func (c *Core) RequestID() error {
	h := frame.Header{TargetMode: robus.TargetNodeIDAck, Target: robus.DetectorNodeID, Cmd: robus.CmdWriteNodeID, Size: 0}
	return c.sendRaw(protocolServiceIdx, h, nil)
}

// ReplyID answers a RequestID received from source with newID.
func (c *Core) ReplyID(source, newID uint16) error {
	var data [2]byte
	binary.LittleEndian.PutUint16(data[:], newID)
	h := frame.Header{TargetMode: robus.TargetNodeIDAck, Target: source, Cmd: robus.CmdWriteNodeID, Size: 2}
	return c.sendRaw(protocolServiceIdx, h, data[:])
}

// Bootstrap forwards a freshly minted id to the neighbor on the currently
// poked PTP branch, packing node_bootstrap_t as prev_nodeid then nodeid.
func (c *Core) Bootstrap(prevID, newID uint16) error {
	var data [4]byte
	binary.LittleEndian.PutUint16(data[0:2], prevID)
	binary.LittleEndian.PutUint16(data[2:4], newID)
	h := frame.Header{TargetMode: robus.TargetNodeIDAck, Target: robus.UnassignedNodeID, Cmd: robus.CmdWriteNodeID, Size: 4}
	return c.sendRaw(protocolServiceIdx, h, data[:])
}

// BroadcastStart emits START_DETECTION to every node.
func (c *Core) BroadcastStart() error {
	h := frame.Header{TargetMode: robus.TargetBroadcast, Target: robus.BroadcastVal, Cmd: robus.CmdStartDetection, Size: 0}
	return c.sendRaw(protocolServiceIdx, h, nil)
}

// BroadcastEnd emits END_DETECTION to every node.
func (c *Core) BroadcastEnd() error {
	h := frame.Header{TargetMode: robus.TargetBroadcast, Target: robus.BroadcastVal, Cmd: robus.CmdEndDetection, Size: 0}
	return c.sendRaw(protocolServiceIdx, h, nil)
}

// TxAllComplete reports whether the TX queue is drained.
func (c *Core) TxAllComplete() bool { return c.tx.TxAllComplete() }

// IsEmpty reports whether the allocator has no in-flight work at all.
func (c *Core) IsEmpty() bool { return c.alloc.IsEmpty() }

// ResetAlloc clears the allocator's queues, per MsgAlloc_Init.
func (c *Core) ResetAlloc() { c.alloc.Reset() }

func (c *Core) protocolDeadServiceSpotted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.protocolDead
}

func (c *Core) clearProtocolDeadService() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.protocolDead = false
}

// onTaskEvicted is the msgalloc ring-eviction callback: a write overlapped a
// still-live task, so its owning service's dead_service_spotted is set to
// that service's own id.
func (c *Core) onTaskEvicted(serviceIdx int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if serviceIdx == protocolServiceIdx {
		c.protocolDead = true
		return
	}
	if serviceIdx >= 0 && serviceIdx < len(c.services) {
		c.services[serviceIdx].DeadServiceSpotted = c.services[serviceIdx].ID
	}
}

// onDeadTarget is the transmission retry-exhaustion callback: dead_service_
// spotted is set to the target node id that failed to ack, not the owning
// service's own id (distinct from onTaskEvicted's eviction bookkeeping).
func (c *Core) onDeadTarget(serviceIdx int, target uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if serviceIdx == protocolServiceIdx {
		c.protocolDead = true
		return
	}
	if serviceIdx >= 0 && serviceIdx < len(c.services) {
		c.services[serviceIdx].DeadServiceSpotted = target
	}
}

// StartTopologyDetection runs the node-id assignment walk as the network's
// root. pump defaults to Loop, called repeatedly while the walk waits for a
// branch to settle.
func (c *Core) StartTopologyDetection(pump func()) (uint16, error) {
	if pump == nil {
		pump = c.Loop
	}
	return c.det.Begin(pump)
}

// nodeConcerned implements Recep_NodeConcerned, shared between the address
// filter above (reception side) and localhostFor below (transmission side).
func (c *Core) nodeConcerned(h frame.Header) bool {
	switch h.TargetMode {
	case robus.TargetServiceID, robus.TargetServiceIDAck:
		return c.InServiceIDRange(h.Target)
	case robus.TargetNodeID, robus.TargetNodeIDAck:
		nid := c.NodeID()
		return h.Target == nid || nid == robus.UnassignedNodeID
	case robus.TargetBroadcast:
		return true
	case robus.TargetTopic:
		return c.HasTopic(h.Target)
	case robus.TargetType:
		return c.HasType(h.Target)
	default:
		return false
	}
}

// localhostFor classifies a TX header: whether its target resolves to a
// service on this node, on the wire, or both, matching Recep_NodeConcerned's
// TX-side use (it is the same address check, interpreted from the sender's
// perspective).
func (c *Core) localhostFor(h frame.Header) robus.Localhost {
	local := c.nodeConcerned(h)
	switch h.TargetMode {
	case robus.TargetBroadcast, robus.TargetTopic, robus.TargetType:
		if local {
			return robus.ExternalAndLocalhost
		}
		return robus.NotLocalhost
	default:
		if local {
			return robus.LocalhostOnly
		}
		return robus.NotLocalhost
	}
}

// resolveSource picks the header source field for a service-originated
// send: the service's own id once assigned, else this node's id, per
// Robus_SendMsg.
func (c *Core) resolveSource(serviceIdx int) uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if serviceIdx >= 0 && serviceIdx < len(c.services) && c.services[serviceIdx].ID != robus.DefaultID {
		return c.services[serviceIdx].ID
	}
	return c.node.ID
}

// Send formats and stages a message from serviceIdx, per Robus_SendMsg /
// Robus_SetTxTask: it is refused with ErrProhibited for non-reserved
// commands while the network has not completed detection, computes the
// localhost/wire/both routing for the target (a localhost-only target also
// goes on the wire when verbose mode is on), and kicks the transmission
// engine unless the message is purely localhost. No ACK byte is staged with
// the message; whether an ACK is awaited is decided by the transmission
// engine from the header's target mode.
func (c *Core) Send(serviceIdx int, mode robus.TargetMode, target uint16, cmd uint8, data []byte) error {
	h := frame.Header{
		TargetMode: mode,
		Target:     target,
		Source:     c.resolveSource(serviceIdx),
		Cmd:        cmd,
		Size:       uint16(len(data)),
	}
	return c.sendRaw(serviceIdx, h, data)
}

// sendRaw marshals h and data onto a TX task. Whether the transmission
// engine waits for a wire ACK is decided there, from the frame header
// itself (see transmission.needsWireAck), not from anything passed here.
func (c *Core) sendRaw(serviceIdx int, h frame.Header, data []byte) error {
	if h.Cmd >= robus.LastReservedCmd && c.NetworkState() != robus.DetectionOK {
		return robus.ErrProhibited
	}

	staged := c.port.SystickMillis()

	var msg frame.Message
	msg.Header = h
	copy(msg.Data[:], data)

	var buf []byte
	var err error
	if timestamp.ShouldTimestamp(h.Cmd) {
		msg.Header.Config |= timestamp.ConfigBit
		msg.Header.Size = uint16(msg.DataLen())
		buf = make([]byte, frame.HeaderLen+msg.DataLen()+timestamp.TrailerSize+robus.CRCSize)
		var total int
		total, err = timestamp.MarshalWithTimestamp(&msg, staged, c.port.SystickMillis(), buf, c.port.CRC16)
		buf = buf[:total]
	} else {
		buf = make([]byte, frame.HeaderLen+msg.DataLen()+robus.CRCSize)
		var total int
		total, err = frame.Marshal(&msg, buf, c.port.CRC16)
		buf = buf[:total]
	}
	if err != nil {
		return err
	}

	localhost := c.localhostFor(h)
	if localhost == robus.LocalhostOnly && c.verboseMode() != robus.VerboseOff {
		localhost = robus.ExternalAndLocalhost
	}

	if _, err := c.alloc.SetTxTask(serviceIdx, buf, localhost, 0, false); err != nil {
		return err
	}

	if localhost != robus.LocalhostOnly || c.verboseMode() != robus.VerboseOff {
		c.tx.Process()
	}
	return nil
}

// deliverLocal promotes a localhost TX task directly into Luos tasks for
// every concerned local service, bypassing the wire.
func (c *Core) deliverLocal(task msgalloc.TxTask) {
	hdr := make([]byte, frame.HeaderLen)
	c.alloc.ReadAt(task.Offset, frame.HeaderLen, hdr)
	h := frame.UnmarshalHeader(hdr)

	c.alloc.PromoteToLuosTasks(task.Offset, task.Size, c.ConcernedServiceIndices(h))
}

// checkNetworkTimeout reverts a stuck LOCAL_DETECTION back to NO_DETECTION
// once it has run longer than NetworkTimeoutMS without an END_DETECTION.
func (c *Core) checkNetworkTimeout() {
	c.mu.Lock()
	state := c.state
	start := c.localDetectionStart
	c.mu.Unlock()
	if state != robus.LocalDetection {
		return
	}
	c.det.CheckNetworkTimeout(c.port.SystickMillis() - start)
}

// handleProtocol implements Robus_MsgHandler: it consumes the reserved
// protocol commands and reports whether the message was consumed (true) or
// should be passed up to user dispatch (false). END_DETECTION is consumed
// for its state transition but still passed through, matching the original
// returning FAILED there so services can react to the network coming up.
func (c *Core) handleProtocol(h frame.Header, raw []byte) bool {
	data := raw[frame.HeaderLen:payloadEnd(h, raw)]

	switch h.Cmd {
	case robus.CmdWriteNodeID:
		switch len(data) {
		case 0:
			if err := c.det.HandleIDRequest(h.Source); err != nil {
				c.log.WithError(err).Warn("topology: failed to reply to id request")
			}
		case 2:
			newID := binary.LittleEndian.Uint16(data)
			if err := c.det.HandleIDReply(newID); err != nil {
				c.log.WithError(err).Warn("topology: failed to forward bootstrap")
			}
		case 4:
			prevID := binary.LittleEndian.Uint16(data[0:2])
			newID := binary.LittleEndian.Uint16(data[2:4])
			if err := c.det.HandleBootstrap(c.pm.Active(), prevID, newID, c.Loop); err != nil {
				c.log.WithError(err).Warn("topology: detection walk failed")
			}
			// The original falls through to a no-op default case here: there
			// is nothing left to do once the recursive detectNextNodes call
			// returns.
		}
		return true
	case robus.CmdStartDetection:
		c.det.HandleStartDetection()
		return true
	case robus.CmdEndDetection:
		c.det.HandleEndDetection()
		return false
	case robus.CmdSetBaudrate:
		for !c.tx.TxAllComplete() {
			c.tx.Process()
		}
		if len(data) >= 4 {
			if err := c.port.SetBaudrate(binary.LittleEndian.Uint32(data)); err != nil {
				c.log.WithError(err).Error("failed to reconfigure baudrate")
			}
		}
		return true
	default:
		return false
	}
}

func (c *Core) dispatch(h frame.Header, raw []byte, serviceIdx int) {
	if c.onMessage == nil {
		return
	}
	data := raw[frame.HeaderLen:payloadEnd(h, raw)]
	c.onMessage(h, data, serviceIdx)
}

// payloadEnd returns the offset of the CRC within raw, excluding the
// timestamp trailer when the header's timestamp.ConfigBit is set.
func payloadEnd(h frame.Header, raw []byte) int {
	end := len(raw) - robus.CRCSize
	if h.Config&timestamp.ConfigBit != 0 {
		end -= timestamp.TrailerSize
	}
	return end
}

// PushByte feeds one byte received from the wire into the reception FSM.
// Call it from whatever drives the physical UART (an ISR, a read goroutine
// polling the HAL), independent of Loop.
func (c *Core) PushByte(b byte) {
	c.fsm.PushByte(c.port.SystickMillis(), b)
}

// Loop runs one pass of the main loop: network timeout check, frame-timeout
// tick, interpret every queued Luos task (protocol commands consumed here,
// everything else passed to the registered MessageHandler), then drain the
// TX queue. Call it repeatedly from whatever drives this node (its own
// goroutine, a ticker, or as the pump callback during topology detection).
func (c *Core) Loop() {
	c.checkNetworkTimeout()
	c.fsm.Tick(c.port.SystickMillis())

	buf := make([]byte, robus.SizeMsgMax)
	for {
		task, ok := c.alloc.PullMsgToInterpret(buf)
		if !ok {
			break
		}
		h := frame.UnmarshalHeader(buf[:frame.HeaderLen])
		if !c.handleProtocol(h, buf[:task.Size]) {
			c.dispatch(h, buf[:task.Size], task.ServiceIdx)
		}
	}
	c.tx.Process()
}
