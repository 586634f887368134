// Package topology implements the PTP "poke next port" primitive and the
// recursive node-id assignment walk that gives every node on the bus a
// unique id and a port-to-neighbor table.
//
// PortMng.c, the original firmware's PTP line driver, was not part of the
// retrieval pack this was modeled from (only robus.c was available), so the
// physical poke/release handshake below is a reconstruction from the spec's
// description of the component rather than a line-for-line port. See
// DESIGN.md's topology entry for the points where this package had to fill
// a gap instead of translate.
package topology

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ardwin/robus"
)

// pokeSettle is how long PokeNextPort waits after asserting a PTP line
// before sampling it for a released-line reply.
const pokeSettle = 500 * time.Microsecond

// PortManager drives the per-port PTP lines used to discover unconfigured
// neighbors independently of the shared data bus.
type PortManager struct {
	port   robus.Port
	active int // index of the port currently gating the walk, -1 before the first poke
}

// NewPortManager wraps port's PTP lines for topology detection use.
func NewPortManager(port robus.Port) *PortManager {
	return &PortManager{port: port, active: -1}
}

// Active returns the index of the port most recently opened by PokeNextPort,
// or -1 if the iteration has not started or has been reset.
func (m *PortManager) Active() int { return m.active }

// Reset releases the currently active line (if any) and restarts iteration
// from the first port, for a fresh detection pass.
func (m *PortManager) Reset() {
	if m.active >= 0 && m.active < robus.NbrPort {
		m.port.PTP(m.active).Set(false)
	}
	m.active = -1
}

// Deactivate releases the currently active line without resetting the
// iteration cursor, so the next PokeNextPort call resumes from the
// following port. Used when a poked neighbor turns out to be unreachable
// (e.g. the subsequent send never completes).
func (m *PortManager) Deactivate() {
	if m.active >= 0 && m.active < robus.NbrPort {
		m.port.PTP(m.active).Set(false)
	}
}

// PokeNextPort advances to the next unexplored port, asserting its PTP line
// and checking whether the neighbor on the other end released its line in
// reply: the physical signal that an undiscovered neighbor is waiting
// there. It returns false once every port has been tried without a reply.
func (m *PortManager) PokeNextPort() bool {
	for m.active+1 < robus.NbrPort {
		m.active++
		line := m.port.PTP(m.active)
		line.Set(true)
		time.Sleep(pokeSettle)
		if line.Read() {
			return true
		}
		line.Set(false)
	}
	return false
}

// OnPoked arms every port's rising-edge interrupt with cb, called with the
// port index that was poked. A node not currently driving its own walk
// uses this to learn which port a bootstrap will arrive on before it
// happens, mirroring how a passive neighbor notices it has been poked.
func (m *PortManager) OnPoked(cb func(port int)) {
	for i := 0; i < robus.NbrPort; i++ {
		port := i
		m.port.PTP(port).OnRisingEdge(func() { cb(port) })
	}
}

// Sender issues the handful of protocol messages the detection walk needs.
// robuscore.Core implements this on top of msgalloc and transmission.
type Sender interface {
	// RequestID asks the node with node id 1 (the detector) for the next
	// node id: NODEIDACK, target=1, size=0.
	RequestID() error

	// ReplyID answers a RequestID from source with newID: NODEIDACK,
	// target=source, size=2.
	ReplyID(source, newID uint16) error

	// Bootstrap forwards a freshly minted id to the neighbor waiting on
	// the currently poked PTP branch: NODEIDACK, target=0, size=4. An
	// unconfigured neighbor accepts it regardless of the target value,
	// since an unassigned node id accepts any NODEIDACK frame.
	Bootstrap(prevID, newID uint16) error

	// BroadcastStart emits START_DETECTION to every node.
	BroadcastStart() error

	// BroadcastEnd emits END_DETECTION to every node.
	BroadcastEnd() error

	TxAllComplete() bool
	IsEmpty() bool
	ResetAlloc()
}

// NodeState exposes the mutable node identity fields the walk updates.
type NodeState interface {
	NodeID() uint16
	SetNodeID(id uint16)
	SetPortNeighbor(port int, neighbor uint16)
	NetworkState() robus.NetworkState
	SetNetworkState(s robus.NetworkState)
}

// Detector runs the node-id assignment walk. Every node constructs one;
// only the node whose service calls Begin acts as the network's root, but
// every node's Detector handles the protocol messages the walk produces as
// it passes through or past it.
type Detector struct {
	pm   *PortManager
	send Sender
	node NodeState
	log  *logrus.Logger

	nowMillis func() uint64

	deadServiceSpotted func() bool
	clearDeadService   func()

	lastNode uint16 // monotonic id counter, meaningful only while handing out ids

	waitingPort int // port whose bootstrap round trip Begin's walk is blocked on, -1 if none
}

// NewDetector builds a Detector. nowMillis drives the NETWORK_TIMEOUT
// guard; deadServiceSpotted/clearDeadService read and clear the detecting
// service's dead_service_spotted flag set by the transmission engine.
func NewDetector(pm *PortManager, send Sender, node NodeState, nowMillis func() uint64, deadServiceSpotted func() bool, clearDeadService func(), log *logrus.Logger) *Detector {
	if log == nil {
		log = logrus.New()
		log.SetOutput(discardWriter{})
	}
	return &Detector{
		pm:                 pm,
		send:               send,
		node:               node,
		nowMillis:          nowMillis,
		deadServiceSpotted: deadServiceSpotted,
		clearDeadService:   clearDeadService,
		log:                log,
		waitingPort:        -1,
	}
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// Begin starts a topology detection as the network's root. pump is called
// repeatedly while the walk waits on a branch to settle, standing in for
// the original's cooperative Robus_Loop() spin; callers pass their main
// loop's single-pass tick so transmission/reception keep making progress.
// It returns robus.ErrDetectionInProgress if this node is already in
// LocalDetection or ExternalDetection, and (0, nil) if it is already in
// DetectionOK.
func (d *Detector) Begin(pump func()) (nodeCount uint16, err error) {
	switch d.node.NetworkState() {
	case robus.LocalDetection, robus.ExternalDetection:
		return 0, robus.ErrDetectionInProgress
	case robus.DetectionOK:
		return 0, nil
	}

	redetectNb := 0
	for {
		if err := d.resetNetwork(pump); err != nil {
			return 0, err
		}
		if d.node.NetworkState() == robus.ExternalDetection {
			return 0, nil
		}

		d.node.SetNodeID(robus.DetectorNodeID)
		d.lastNode = robus.DetectorNodeID
		d.pm.Reset()

		if err := d.detectNextNodes(pump); err != nil {
			if redetectNb > 4 {
				return 0, robus.ErrDetectionFailed
			}
			redetectNb++
			continue
		}
		break
	}

	d.send.BroadcastEnd()
	d.node.SetNetworkState(robus.DetectionOK)
	return d.lastNode, nil
}

// resetNetwork broadcasts START_DETECTION and waits for the ring to drain
// and settle, mirroring Robus_ResetNetworkDetection.
func (d *Detector) resetNetwork(pump func()) error {
	tryNbr := 0
	for {
		if d.node.NetworkState() >= robus.LocalDetection {
			return nil
		}
		if err := d.send.BroadcastStart(); err != nil {
			return err
		}
		for !d.send.TxAllComplete() {
			pump()
		}
		d.send.ResetAlloc()
		time.Sleep(2 * time.Millisecond)
		tryNbr++

		// This condition is kept exactly as the original firmware wrote
		// it, including its backwards OR: it reads like it means "retry
		// while not yet settled and still within budget", which would be
		// "!IsEmpty() && tryNbr<=5", but the OR means that once tryNbr
		// exceeds 5 the loop keeps retrying forever even after the ring
		// goes quiet. Kept as documented, not fixed.
		if !(!d.send.IsEmpty() || tryNbr > 5) {
			break
		}
	}

	d.node.SetNodeID(robus.UnassignedNodeID)
	if tryNbr < 5 {
		d.node.SetNetworkState(robus.LocalDetection)
		return nil
	}
	return robus.ErrDetectionFailed
}

// detectNextNodes pokes every remaining port on this node and, for each
// responding neighbor, drives the id-request/bootstrap handshake to
// completion before moving to the next port.
func (d *Detector) detectNextNodes(pump func()) error {
	for d.pm.PokeNextPort() {
		d.clearDeadService()
		port := d.pm.Active()

		// Armed before the request is issued: the reply may be handled
		// before RequestID returns (a Sender that delivers synchronously)
		// or inside any pump call below, so the flag must already be set
		// to catch it.
		d.waitingPort = port
		if err := d.send.RequestID(); err != nil {
			d.waitingPort = -1
			return err
		}
		for !d.send.TxAllComplete() {
			pump()
		}

		if d.deadServiceSpotted() {
			// Message transmission failure: consider this port unconnected.
			d.waitingPort = -1
			d.node.SetPortNeighbor(port, robus.NoNeighbor)
			d.pm.Deactivate()
			continue
		}

		start := d.nowMillis()
		for d.waitingPort >= 0 {
			pump()
			if d.nowMillis()-start > robus.NetworkTimeoutMS {
				return robus.ErrDetectionFailed
			}
		}
	}
	return nil
}

// HandleIDRequest answers a RequestID received from source: this node has
// node id 1 (the detector), so it hands out the next id in sequence.
func (d *Detector) HandleIDRequest(source uint16) error {
	d.lastNode++
	return d.send.ReplyID(source, d.lastNode)
}

// HandleIDReply completes one hop of this node's own walk: it records the
// neighbor at the currently active port, forwards the id to it as a
// bootstrap, and unblocks Begin's wait for this branch.
func (d *Detector) HandleIDReply(newID uint16) error {
	port := d.pm.Active()
	d.node.SetPortNeighbor(port, newID)
	if err := d.send.Bootstrap(d.node.NodeID(), newID); err != nil {
		return err
	}
	d.waitingPort = -1
	return nil
}

// HandleBootstrap adopts a freshly assigned id delivered over the PTP
// branch at port, then continues the walk on this node's remaining ports.
// pump drives that continuation the same way Begin's caller does.
func (d *Detector) HandleBootstrap(port int, prevID, newID uint16, pump func()) error {
	if d.node.NodeID() != robus.UnassignedNodeID {
		d.node.SetNodeID(robus.UnassignedNodeID)
	}
	d.node.SetNodeID(newID)
	d.node.SetPortNeighbor(port, prevID)
	d.node.SetNetworkState(robus.LocalDetection)

	// Resume this node's own port iteration from where the bootstrap
	// arrived so it does not re-poke the branch it was just discovered on.
	if d.pm.Active() < port {
		d.pm.active = port
	}
	return d.detectNextNodes(pump)
}

// HandleStartDetection acknowledges a broadcast START_DETECTION. The
// original does no local bookkeeping here beyond consuming the message;
// per-node state reset happens lazily, the next time this node is handed a
// bootstrap id (see HandleBootstrap).
func (d *Detector) HandleStartDetection() error { return nil }

// HandleEndDetection marks this node's detection complete.
func (d *Detector) HandleEndDetection() {
	d.node.SetNetworkState(robus.DetectionOK)
}

// CheckNetworkTimeout reverts NetworkState to NoDetection if a detection
// has been sitting in LocalDetection for longer than NETWORK_TIMEOUT
// without reaching DetectionOK, per the network-timeout testable property.
func (d *Detector) CheckNetworkTimeout(sinceLocalDetectionMillis uint64) {
	if d.node.NetworkState() == robus.LocalDetection && sinceLocalDetectionMillis > robus.NetworkTimeoutMS {
		d.node.SetNetworkState(robus.NoDetection)
	}
}
