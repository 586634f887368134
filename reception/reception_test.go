package reception

import (
	"testing"

	"github.com/ardwin/robus"
	"github.com/ardwin/robus/frame"
	"github.com/ardwin/robus/msgalloc"
	"github.com/ardwin/robus/timestamp"
)

type fakePTP struct{ level bool }

func (p *fakePTP) Set(level bool)        { p.level = level }
func (p *fakePTP) Read() bool            { return p.level }
func (p *fakePTP) OnRisingEdge(func())   {}

type fakePort struct {
	written []byte
	ptps    [robus.NbrPort]fakePTP
}

func (p *fakePort) Init() error                      { return nil }
func (p *fakePort) WriteByte(b byte) error            { p.written = append(p.written, b); return nil }
func (p *fakePort) EnableTX()                         {}
func (p *fakePort) EnableRX()                         {}
func (p *fakePort) LineBusy() bool                    { return false }
func (p *fakePort) CRC16(seed uint16, d []byte) uint16 { return frame.DefaultCRC16(seed, d) }
func (p *fakePort) SystickMillis() uint64              { return 0 }
func (p *fakePort) SetBaudrate(uint32) error           { return nil }
func (p *fakePort) PTP(i int) robus.PTPLine            { return &p.ptps[i] }

// testFilter is a minimal AddressFilter: node 1, where service 0 owns every
// service id in [1,8) and has type 99, and services 0 and 1 both subscribe
// to topic 7.
type testFilter struct {
	nodeID uint16
}

func (f *testFilter) NodeID() uint16 { return f.nodeID }
func (f *testFilter) InServiceIDRange(id uint16) bool { return id >= 1 && id < 8 }
func (f *testFilter) HasTopic(topic uint16) bool      { return topic == 7 }
func (f *testFilter) HasType(t uint16) bool           { return t == 99 }
func (f *testFilter) ConcernedServiceIndices(h frame.Header) []int {
	switch h.TargetMode {
	case robus.TargetTopic:
		if h.Target == 7 {
			return []int{0, 1}
		}
	default:
		return []int{0}
	}
	return nil
}
func (f *testFilter) RxStatus() uint8 { return 0x01 }

func pushFrame(t *testing.T, f *FSM, h frame.Header, data []byte) {
	t.Helper()
	h.Size = uint16(len(data))
	var m frame.Message
	m.Header = h
	copy(m.Data[:], data)
	buf := make([]byte, frame.HeaderLen+robus.MaxDataMsgSize+robus.CRCSize)
	n, err := frame.Marshal(&m, buf, frame.DefaultCRC16)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for _, b := range buf[:n] {
		f.PushByte(1, b)
	}
}

func TestSingleNodeLoopback(t *testing.T) {
	alloc := msgalloc.New(nil)
	filter := &testFilter{nodeID: 1}
	port := &fakePort{}
	f := New(port, alloc, filter, frame.DefaultCRC16, 0)

	pushFrame(t, f, frame.Header{TargetMode: robus.TargetServiceID, Target: 1, Source: 1, Cmd: robus.LastReservedCmd}, []byte("Hi"))

	dst := make([]byte, 64)
	task, ok := alloc.PullMsgToInterpret(dst)
	if !ok {
		t.Fatal("expected a luos task to appear")
	}
	if task.ServiceIdx != 0 {
		t.Fatalf("ServiceIdx = %d, want 0", task.ServiceIdx)
	}
	_, _, crcOK, err := frame.Unmarshal(dst[:task.Size], frame.DefaultCRC16)
	if err != nil || !crcOK {
		t.Fatalf("pulled message failed CRC check: ok=%v err=%v", crcOK, err)
	}
	if !alloc.IsEmpty() {
		t.Fatal("expected ring to be empty after pull")
	}
}

func TestCRCCorruptionDropsFrame(t *testing.T) {
	alloc := msgalloc.New(nil)
	filter := &testFilter{nodeID: 1}
	port := &fakePort{}
	f := New(port, alloc, filter, frame.DefaultCRC16, 0)

	h := frame.Header{TargetMode: robus.TargetServiceID, Target: 1, Source: 2, Cmd: robus.LastReservedCmd, Size: 2}
	var m frame.Message
	m.Header = h
	copy(m.Data[:], "Hi")
	buf := make([]byte, frame.HeaderLen+robus.MaxDataMsgSize+robus.CRCSize)
	n, _ := frame.Marshal(&m, buf, frame.DefaultCRC16)
	buf[frame.HeaderLen] ^= 0xFF // corrupt one data byte

	for _, b := range buf[:n] {
		f.PushByte(1, b)
	}

	dst := make([]byte, 64)
	if _, ok := alloc.PullMsgToInterpret(dst); ok {
		t.Fatal("expected no luos task after CRC corruption")
	}
	if f.CRCFailures() != 1 {
		t.Fatalf("CRCFailures() = %d, want 1", f.CRCFailures())
	}
	if !alloc.IsEmpty() {
		t.Fatal("expected ring to be rewound and empty")
	}
}

func TestAddressFilterRejectsOutOfRangeServiceID(t *testing.T) {
	alloc := msgalloc.New(nil)
	filter := &testFilter{nodeID: 1}
	port := &fakePort{}
	f := New(port, alloc, filter, frame.DefaultCRC16, 0)

	pushFrame(t, f, frame.Header{TargetMode: robus.TargetServiceID, Target: 99, Source: 2, Cmd: robus.LastReservedCmd}, []byte("x"))

	dst := make([]byte, 64)
	if _, ok := alloc.PullMsgToInterpret(dst); ok {
		t.Fatal("expected message outside id range to never be enqueued")
	}
}

func TestTopicFanout(t *testing.T) {
	alloc := msgalloc.New(nil)
	filter := &testFilter{nodeID: 1}
	port := &fakePort{}
	f := New(port, alloc, filter, frame.DefaultCRC16, 0)

	pushFrame(t, f, frame.Header{TargetMode: robus.TargetTopic, Target: 7, Source: 2, Cmd: robus.LastReservedCmd}, []byte("x"))

	dst := make([]byte, 64)
	count := 0
	for {
		if _, ok := alloc.PullMsgToInterpret(dst); !ok {
			break
		}
		count++
	}
	if count != 2 {
		t.Fatalf("expected 2 luos tasks (both subscribed services), got %d", count)
	}
}

func TestFrameWithTimestampTrailerParses(t *testing.T) {
	alloc := msgalloc.New(nil)
	filter := &testFilter{nodeID: 1}
	port := &fakePort{}
	f := New(port, alloc, filter, frame.DefaultCRC16, 0)

	h := frame.Header{
		TargetMode: robus.TargetServiceID,
		Target:     1,
		Source:     2,
		Cmd:        robus.LastReservedCmd,
		Config:     timestamp.ConfigBit,
		Size:       2,
	}
	var m frame.Message
	m.Header = h
	copy(m.Data[:], "Hi")
	buf := make([]byte, frame.HeaderLen+2+timestamp.TrailerSize+robus.CRCSize)
	n, err := timestamp.MarshalWithTimestamp(&m, 1000, 1005, buf, frame.DefaultCRC16)
	if err != nil {
		t.Fatalf("MarshalWithTimestamp: %v", err)
	}

	for _, b := range buf[:n] {
		f.PushByte(1, b)
	}

	dst := make([]byte, 64)
	task, ok := alloc.PullMsgToInterpret(dst)
	if !ok {
		t.Fatal("expected a luos task to appear")
	}
	if task.Size != n {
		t.Fatalf("pulled task size = %d, want %d (header+data+timestamp+crc)", task.Size, n)
	}
	if f.CRCFailures() != 0 {
		t.Fatalf("CRCFailures() = %d, want 0", f.CRCFailures())
	}
}

func TestFrameWithCorruptTimestampTrailerIsDropped(t *testing.T) {
	alloc := msgalloc.New(nil)
	filter := &testFilter{nodeID: 1}
	port := &fakePort{}
	f := New(port, alloc, filter, frame.DefaultCRC16, 0)

	h := frame.Header{
		TargetMode: robus.TargetServiceID,
		Target:     1,
		Source:     2,
		Cmd:        robus.LastReservedCmd,
		Config:     timestamp.ConfigBit,
		Size:       2,
	}
	var m frame.Message
	m.Header = h
	copy(m.Data[:], "Hi")
	buf := make([]byte, frame.HeaderLen+2+timestamp.TrailerSize+robus.CRCSize)
	n, err := timestamp.MarshalWithTimestamp(&m, 1000, 1005, buf, frame.DefaultCRC16)
	if err != nil {
		t.Fatalf("MarshalWithTimestamp: %v", err)
	}
	buf[frame.HeaderLen+2] ^= 0xFF // corrupt the timestamp trailer

	for _, b := range buf[:n] {
		f.PushByte(1, b)
	}

	dst := make([]byte, 64)
	if _, ok := alloc.PullMsgToInterpret(dst); ok {
		t.Fatal("expected no luos task after timestamp trailer corruption")
	}
	if f.CRCFailures() != 1 {
		t.Fatalf("CRCFailures() = %d, want 1", f.CRCFailures())
	}
}

func TestAckEmittedForServiceIDAck(t *testing.T) {
	alloc := msgalloc.New(nil)
	filter := &testFilter{nodeID: 1}
	port := &fakePort{}
	f := New(port, alloc, filter, frame.DefaultCRC16, 0)

	pushFrame(t, f, frame.Header{TargetMode: robus.TargetServiceIDAck, Target: 1, Source: 2, Cmd: robus.LastReservedCmd}, []byte("x"))

	if len(port.written) != 1 || port.written[0] != 0x01 {
		t.Fatalf("expected single ACK byte 0x01, got %v", port.written)
	}
}
