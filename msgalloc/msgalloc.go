// Package msgalloc implements the single shared byte ring that
// simultaneously holds in-flight RX messages, pending TX tasks and
// per-service work queues, without copying message bytes between them.
//
// The ring is sized for a handful of small frames (MsgBufferSize, a few
// hundred bytes), so when a write would overwrite a still-live task, the
// oldest conflicting task is evicted rather than grown into: this is the
// allocator's sole backpressure signal, surfaced to callers via each
// service's DeadServiceSpotted field.
package msgalloc

import (
	"sync"

	"github.com/ardwin/robus"
	"github.com/ardwin/robus/frame"
)

// Localhost classifies how a TX task should be delivered; re-exported here
// for convenience since SetTxTask takes it directly.
type Localhost = robus.Localhost

// TxTask describes one pending outbound message staged in the ring.
type TxTask struct {
	Offset     int // ring offset of the first byte
	Size       int // total bytes including CRC and optional ACK byte
	Localhost  Localhost
	Ack        uint8 // ACK byte to append, only meaningful if AckByte
	AckByte    bool  // whether an ACK byte was appended after the CRC
	ServiceIdx int
	Target     uint16 // frame header's Target field, read back out for dead-target bookkeeping
}

// LuosTask is one received message queued for a concerned service.
type LuosTask struct {
	Offset     int // ring offset of the first byte (header start)
	Size       int // total bytes of the committed message (header+data+crc)
	ServiceIdx int // owning service index in the node's service table
}

// region is any in-flight allocation (an RX frame being assembled, a TX
// task or a Luos task) that currently occupies a byte range of the ring and
// must not be silently overwritten.
type region struct {
	offset int
	size   int
	kind   regionKind
	idx    int // index into txTasks or luosTasks, meaningless for kind==rxInFlight
}

type regionKind int

const (
	rxInFlight regionKind = iota
	txTask
	luosTask
)

// Allocator is the shared ring buffer. All methods are safe for concurrent
// use by one producer (the reception ISR context) and one consumer (the
// main loop); internally it serializes access with a mutex since Go has no
// volatile-word equivalent to the lock-free discipline the original
// firmware relies on.
type Allocator struct {
	mu sync.Mutex

	buf     [robus.MsgBufferSize]byte
	dataPtr int // next free offset, write head

	rxActive    bool
	rxStart     int
	rxLen       int // bytes reserved so far for the in-flight frame

	txTasks   []TxTask
	luosTasks []LuosTask

	dropped  uint64 // count of evicted tasks, for diagnostics
	deadFunc func(serviceIdx int) // notifies the owning service of eviction
}

// New creates an empty allocator. deadFunc, if non-nil, is called whenever
// a TX or Luos task is evicted to make room, with the index of the service
// that owned it; callers typically use this to set that service's
// DeadServiceSpotted field.
func New(deadFunc func(serviceIdx int)) *Allocator {
	return &Allocator{deadFunc: deadFunc}
}

// wrap normalizes offset into [0, MsgBufferSize).
func wrap(offset int) int {
	offset %= robus.MsgBufferSize
	if offset < 0 {
		offset += robus.MsgBufferSize
	}
	return offset
}

// overlaps reports whether byte ranges [aStart,aStart+aLen) and
// [bStart,bStart+bLen), both taken modulo MsgBufferSize, share any byte.
func overlaps(aStart, aLen, bStart, bLen int) bool {
	if aLen == 0 || bLen == 0 {
		return false
	}
	// Distance of b's start from a's start, going forward.
	d := wrap(bStart - aStart)
	if d < aLen {
		return true
	}
	d2 := wrap(aStart - bStart)
	if d2 < bLen {
		return true
	}
	return false
}

// activeRegions returns every region currently occupying ring space.
func (a *Allocator) activeRegions() []region {
	regions := make([]region, 0, 1+len(a.txTasks)+len(a.luosTasks))
	if a.rxActive {
		regions = append(regions, region{offset: a.rxStart, size: a.rxLen, kind: rxInFlight})
	}
	for i, t := range a.txTasks {
		regions = append(regions, region{offset: t.Offset, size: t.Size, kind: txTask, idx: i})
	}
	for i, t := range a.luosTasks {
		regions = append(regions, region{offset: t.Offset, size: t.Size, kind: luosTask, idx: i})
	}
	return regions
}

// evictOverlapping drops every active task whose range overlaps
// [offset,offset+size), notifying its owning service. It never evicts the
// in-flight RX region itself (that is the caller's own reservation).
// It must be called with mu held. It may invalidate indices held by the
// caller into txTasks/luosTasks, so it is always called before those slices
// are otherwise indexed this call.
func (a *Allocator) evictOverlapping(offset, size int) {
	for {
		evicted := false
		for _, r := range a.activeRegions() {
			if r.kind == rxInFlight {
				continue
			}
			if !overlaps(offset, size, r.offset, r.size) {
				continue
			}
			switch r.kind {
			case txTask:
				svc := a.txTasks[r.idx].ServiceIdx
				a.txTasks = append(a.txTasks[:r.idx], a.txTasks[r.idx+1:]...)
				a.notifyDead(svc)
			case luosTask:
				svc := a.luosTasks[r.idx].ServiceIdx
				a.luosTasks = append(a.luosTasks[:r.idx], a.luosTasks[r.idx+1:]...)
				a.notifyDead(svc)
			}
			a.dropped++
			evicted = true
			break // restart scan: slice mutated, indices stale
		}
		if !evicted {
			return
		}
	}
}

func (a *Allocator) notifyDead(serviceIdx int) {
	if a.deadFunc != nil {
		a.deadFunc(serviceIdx)
	}
}

// ReserveRX reserves n bytes for an in-flight RX frame, evicting any
// conflicting tasks first, and returns the ring offset the caller should
// start writing bytes to. Only one RX reservation may be in flight at a
// time; calling ReserveRX again before CommitRX or DropRX extends the
// current reservation (used as header/data/crc bytes arrive incrementally).
func (a *Allocator) ReserveRX(n int) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.rxActive {
		a.rxStart = a.dataPtr
		a.rxActive = true
	}
	newLen := a.rxLen + n
	a.evictOverlapping(a.rxStart, newLen)
	a.rxLen = newLen
	a.dataPtr = wrap(a.rxStart + a.rxLen)
	return wrap(a.rxStart + (a.rxLen - n))
}

// Buf returns the ring's backing array, for direct byte writes at an offset
// returned by ReserveRX or SetTxTask. Callers must index modulo
// MsgBufferSize themselves when a reservation wraps.
func (a *Allocator) Buf() *[robus.MsgBufferSize]byte {
	return &a.buf
}

// WriteAt copies data into the ring starting at offset, wrapping as needed.
func (a *Allocator) WriteAt(offset int, data []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, b := range data {
		a.buf[wrap(offset+i)] = b
	}
}

// ReadAt copies size bytes starting at offset out of the ring into dst.
func (a *Allocator) ReadAt(offset, size int, dst []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := 0; i < size && i < len(dst); i++ {
		dst[i] = a.buf[wrap(offset+i)]
	}
}

// CommitRX appends one LuosTask per concerned service for the current
// in-flight frame (whose header has been parsed and CRC has passed) and
// clears the in-flight reservation.
func (a *Allocator) CommitRX(serviceIndices []int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.rxActive {
		return
	}
	for _, idx := range serviceIndices {
		a.luosTasks = append(a.luosTasks, LuosTask{
			Offset:     a.rxStart,
			Size:       a.rxLen,
			ServiceIdx: idx,
		})
	}
	a.rxActive = false
	a.rxLen = 0
}

// DropRX rewinds the ring over the current in-flight frame, called on CRC
// failure or collision. It is a no-op if there is no in-flight frame.
func (a *Allocator) DropRX() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.rxActive {
		return
	}
	a.dataPtr = a.rxStart
	a.rxActive = false
	a.rxLen = 0
}

// SetTxTask copies bytes into the ring (the message already has its CRC
// appended by the caller) and, if ack is requested, appends the ack byte,
// then enqueues a TX task. It fails with robus.ErrFull if space cannot be
// freed without destroying an active TX task that has already begun
// transmitting (modeled here simply as: eviction of TX tasks is always
// permitted, matching the allocator's "evict oldest conflicting task"
// policy; ErrFull is reserved for the pathological case of a reservation
// larger than the entire ring).
func (a *Allocator) SetTxTask(serviceIdx int, bytes []byte, localhost Localhost, ackByte uint8, withAck bool) (TxTask, error) {
	size := len(bytes)
	if withAck {
		size++
	}
	if size > robus.MsgBufferSize {
		return TxTask{}, robus.ErrFull
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	offset := a.dataPtr
	a.evictOverlapping(offset, size)
	for i, b := range bytes {
		a.buf[wrap(offset+i)] = b
	}
	if withAck {
		a.buf[wrap(offset+len(bytes))] = ackByte
	}
	a.dataPtr = wrap(offset + size)

	var target uint16
	if len(bytes) >= frame.HeaderLen {
		target = frame.UnmarshalHeader(bytes[:frame.HeaderLen]).Target
	}

	t := TxTask{
		Offset:     offset,
		Size:       size,
		Localhost:  localhost,
		Ack:        ackByte,
		AckByte:    withAck,
		ServiceIdx: serviceIdx,
		Target:     target,
	}
	a.txTasks = append(a.txTasks, t)
	return t, nil
}

// PullMsgToInterpret dequeues the oldest Luos task for the main loop,
// copying its bytes into dst (which must be at least task.Size bytes) and
// returning the task metadata. ok is false if no task is queued.
func (a *Allocator) PullMsgToInterpret(dst []byte) (task LuosTask, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.luosTasks) == 0 {
		return LuosTask{}, false
	}
	task = a.luosTasks[0]
	a.luosTasks = a.luosTasks[1:]
	for i := 0; i < task.Size && i < len(dst); i++ {
		dst[i] = a.buf[wrap(task.Offset+i)]
	}
	return task, true
}

// PopTxTask removes and returns the oldest TX task, for the transmission
// engine to drain. ok is false if the TX queue is empty.
func (a *Allocator) PopTxTask() (task TxTask, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.txTasks) == 0 {
		return TxTask{}, false
	}
	task = a.txTasks[0]
	a.txTasks = a.txTasks[1:]
	return task, true
}

// RequeueTxTask puts a task back at the front of the TX queue, used by the
// transmission engine on collision/NACK retry. It re-evicts conflicts in
// case the ring has advanced since the task was popped.
func (a *Allocator) RequeueTxTask(t TxTask) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.evictOverlapping(t.Offset, t.Size)
	a.txTasks = append([]TxTask{t}, a.txTasks...)
}

// PromoteToLuosTasks appends one LuosTask per entry in serviceIndices for an
// already-staged byte range [offset,offset+size), without going through an
// RX reservation. Used to deliver a localhost TX task directly as received
// messages, bypassing the wire entirely.
func (a *Allocator) PromoteToLuosTasks(offset, size int, serviceIndices []int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, idx := range serviceIndices {
		a.luosTasks = append(a.luosTasks, LuosTask{Offset: offset, Size: size, ServiceIdx: idx})
	}
}

// TxAllComplete reports whether the TX queue is empty.
func (a *Allocator) TxAllComplete() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.txTasks) == 0
}

// IsEmpty reports whether there is no active RX frame, no TX queue and no
// queued Luos tasks.
func (a *Allocator) IsEmpty() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.rxActive && len(a.txTasks) == 0 && len(a.luosTasks) == 0
}

// Dropped returns the number of tasks evicted so far, for diagnostics.
func (a *Allocator) Dropped() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dropped
}

// Reset clears all queues and the in-flight reservation, keeping the write
// head where it is. Used when the detection protocol restarts message
// allocation (MsgAlloc_Init in the original).
func (a *Allocator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rxActive = false
	a.rxLen = 0
	a.txTasks = nil
	a.luosTasks = nil
}
