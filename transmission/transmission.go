// Package transmission implements the line arbitration and collision
// handling needed to drain TX tasks staged in the shared ring allocator:
// listen for an idle line, stream bytes while watching for an echo
// mismatch (collision), wait for an ACK when required, and retry with
// backoff on failure up to NbrRetry times.
package transmission

import (
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ardwin/robus"
	"github.com/ardwin/robus/frame"
	"github.com/ardwin/robus/msgalloc"
	"github.com/ardwin/robus/reception"
)

// DeadTargetFunc is called when a TX task exhausts its retry budget,
// mirroring the original's dead_service_spotted = target assignment.
type DeadTargetFunc func(serviceIdx int, target uint16)

// LocalDeliverFunc promotes a localhost TX task directly to a Luos task,
// bypassing the wire.
type LocalDeliverFunc func(task msgalloc.TxTask)

// Engine drains the allocator's TX queue under line-idle conditions,
// arbitrating access to the shared half-duplex line.
type Engine struct {
	port  robus.Port
	alloc *msgalloc.Allocator
	fsm   *reception.FSM
	log   *logrus.Logger

	nodeID func() uint16

	ackWait      time.Duration
	echoWait     time.Duration
	echoResult   chan bool

	onDeadTarget DeadTargetFunc
	onLocal      LocalDeliverFunc

	locked  bool
	retries *retryState
}

// Config holds tunables for the transmission engine; zero values fall back
// to sane defaults in New.
type Config struct {
	AckWait  time.Duration // how long to wait for a one-byte ACK reply
	EchoWait time.Duration // how long to wait for the echo of a written byte
}

// New creates a transmission engine wired to port, alloc and fsm. nodeID
// returns this node's current id, used to scale collision backoff.
func New(port robus.Port, alloc *msgalloc.Allocator, fsm *reception.FSM, nodeID func() uint16, cfg Config, log *logrus.Logger) *Engine {
	if cfg.AckWait == 0 {
		cfg.AckWait = 5 * time.Millisecond
	}
	if cfg.EchoWait == 0 {
		cfg.EchoWait = 2 * time.Millisecond
	}
	if log == nil {
		log = logrus.New()
		log.SetOutput(discard{})
	}
	e := &Engine{
		port:       port,
		alloc:      alloc,
		fsm:        fsm,
		nodeID:     nodeID,
		ackWait:    cfg.AckWait,
		echoWait:   cfg.EchoWait,
		echoResult: make(chan bool, 1),
		log:        log,
		retries:    newRetryState(),
	}
	fsm.SetCollisionHandlers(
		func() { e.trySend(true) },
		func() { e.trySend(false) },
	)
	return e
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func (e *Engine) trySend(collision bool) {
	select {
	case e.echoResult <- !collision:
	default:
	}
}

// SetDeadTargetFunc registers the callback invoked when a task's retries
// are exhausted.
func (e *Engine) SetDeadTargetFunc(f DeadTargetFunc) { e.onDeadTarget = f }

// SetLocalDeliverFunc registers the callback used to deliver localhost
// tasks without touching the wire.
func (e *Engine) SetLocalDeliverFunc(f LocalDeliverFunc) { e.onLocal = f }

// retryState tracks in-progress retry counts per task so a task requeued
// onto the front of the queue doesn't lose its history; keyed by ring
// offset, which is unique among simultaneously staged tasks.
type retryState struct {
	counts map[int]int
}

func newRetryState() *retryState { return &retryState{counts: map[int]int{}} }

func (r *retryState) bump(offset int) int {
	r.counts[offset]++
	return r.counts[offset]
}

func (r *retryState) clear(offset int) { delete(r.counts, offset) }

// Process attempts to drain the entire TX queue. It returns once the queue
// is empty or the line will not go idle; callers (the main loop) should
// call Process on every pass so retries and ACK waits keep making
// progress without blocking the rest of the loop for long.
func (e *Engine) Process() {
	for {
		task, ok := e.alloc.PopTxTask()
		if !ok {
			return
		}
		if task.Localhost == robus.LocalhostOnly {
			if e.onLocal != nil {
				e.onLocal(task)
			}
			continue
		}
		if task.Localhost == robus.ExternalAndLocalhost {
			// Deliver the local copy once; the task then goes on the wire
			// as NotLocalhost so a requeued retry is not delivered again.
			if e.onLocal != nil {
				e.onLocal(task)
			}
			task.Localhost = robus.NotLocalhost
		}
		if !e.sendOne(task) {
			return
		}
	}
}

// sendOne transmits task, handling collision/ACK retry inline. It returns
// false if the line is busy and the caller should stop draining for now
// (the task has been requeued).
func (e *Engine) sendOne(task msgalloc.TxTask) bool {
	if e.port.LineBusy() {
		e.alloc.RequeueTxTask(task)
		return false
	}

	e.locked = true
	e.port.EnableTX()

	buf := make([]byte, task.Size)
	e.alloc.ReadAt(task.Offset, task.Size, buf)

	collided := false
	for _, b := range buf {
		if !e.writeAndVerify(b) {
			collided = true
			break
		}
	}
	e.port.EnableRX()
	e.locked = false

	if collided {
		e.onCollision(task)
		return true
	}

	if !needsWireAck(buf) {
		e.retries.clear(task.Offset)
		return true
	}

	if e.waitForAck() {
		e.retries.clear(task.Offset)
		return true
	}
	e.onAckFailure(task)
	return true
}

// writeAndVerify writes b and blocks briefly for its echo, returning false
// on a detected collision (mismatch or no echo observed in time).
func (e *Engine) writeAndVerify(b byte) bool {
	e.fsm.ExpectEcho(b)
	if err := e.port.WriteByte(b); err != nil {
		e.fsm.ClearEcho()
		return false
	}
	select {
	case ok := <-e.echoResult:
		return ok
	case <-time.After(e.echoWait):
		e.fsm.ClearEcho()
		return false
	}
}

// waitForAck releases the line (already done by caller via EnableRX) and
// waits for a single ACK byte.
func (e *Engine) waitForAck() bool {
	ackCh := make(chan byte, 1)
	e.fsm.ExpectAck(func(b byte) { ackCh <- b })
	select {
	case b := <-ackCh:
		return isAckSuccess(b)
	case <-time.After(e.ackWait):
		e.fsm.ClearAck()
		return false
	}
}

// isAckSuccess interprets the RX status byte: the low bit indicates a
// successful reception on the responder's side.
func isAckSuccess(status byte) bool {
	return status&0x01 != 0
}

// needsWireAck reports whether buf, the bytes just written to the line,
// carries a frame that requires the receiver to emit an ACK byte. Read
// straight from the task's own header rather than a separate flag, since
// whether a task is routed onto the wire at all is already decided
// elsewhere (see Engine.Process's Localhost handling).
func needsWireAck(buf []byte) bool {
	if len(buf) < frame.HeaderLen {
		return false
	}
	h := frame.UnmarshalHeader(buf[:frame.HeaderLen])
	return h.TargetMode.Acked() && h.Target != robus.DefaultID
}

func (e *Engine) onCollision(task msgalloc.TxTask) {
	n := e.retries.bump(task.Offset)
	if n >= robus.NbrRetry {
		e.retries.clear(task.Offset)
		e.giveUp(task)
		return
	}
	e.log.WithFields(logrus.Fields{"offset": task.Offset, "retry": n}).Debug("transmission collision, backing off")
	e.backoff(n)
	e.alloc.RequeueTxTask(task)
}

func (e *Engine) onAckFailure(task msgalloc.TxTask) {
	n := e.retries.bump(task.Offset)
	if n >= robus.NbrRetry {
		e.retries.clear(task.Offset)
		e.giveUp(task)
		return
	}
	e.log.WithFields(logrus.Fields{"offset": task.Offset, "retry": n}).Debug("ack timeout, retrying")
	e.alloc.RequeueTxTask(task)
}

func (e *Engine) giveUp(task msgalloc.TxTask) {
	e.log.WithFields(logrus.Fields{"offset": task.Offset, "service": task.ServiceIdx, "target": task.Target}).Warn("transmission retries exhausted, dropping task")
	if e.onDeadTarget != nil {
		e.onDeadTarget(task.ServiceIdx, task.Target)
	}
}

// backoff sleeps a small random delay proportional to this node's id, so
// nodes with different ids are unlikely to collide again immediately.
func (e *Engine) backoff(attempt int) {
	id := uint64(1)
	if e.nodeID != nil {
		if v := e.nodeID(); v > 0 {
			id = uint64(v)
		}
	}
	base := time.Duration(id) * 50 * time.Microsecond
	jitter := time.Duration(rand.Intn(int(base.Microseconds())+1)) * time.Microsecond
	time.Sleep(base + jitter*time.Duration(attempt))
}

// TxAllComplete reports whether the TX queue is empty and no transmission
// is currently locking the line.
func (e *Engine) TxAllComplete() bool {
	return e.alloc.TxAllComplete() && !e.locked
}
