package msgalloc

import (
	"testing"

	"github.com/ardwin/robus"
)

func TestReserveCommitPull(t *testing.T) {
	a := New(nil)
	off := a.ReserveRX(5)
	a.WriteAt(off, []byte("hello"))
	a.CommitRX([]int{0, 1})

	dst := make([]byte, 5)
	task, ok := a.PullMsgToInterpret(dst)
	if !ok {
		t.Fatal("expected a luos task")
	}
	if task.ServiceIdx != 0 || string(dst) != "hello" {
		t.Fatalf("got %+v %q", task, dst)
	}
	task2, ok := a.PullMsgToInterpret(dst)
	if !ok || task2.ServiceIdx != 1 {
		t.Fatalf("expected second task for service 1, got %+v ok=%v", task2, ok)
	}
	if !a.IsEmpty() {
		t.Fatal("expected allocator to be empty after pulling all tasks")
	}
}

func TestDropRXRewinds(t *testing.T) {
	a := New(nil)
	off := a.ReserveRX(10)
	a.WriteAt(off, []byte("0123456789"))
	a.DropRX()

	off2 := a.ReserveRX(3)
	if off2 != off {
		t.Fatalf("expected ring to rewind to %d, got %d", off, off2)
	}
}

func TestEvictionMarksDeadService(t *testing.T) {
	var dead []int
	a := New(func(idx int) { dead = append(dead, idx) })

	// Stage a tx task that will linger in the ring.
	tx, err := a.SetTxTask(3, make([]byte, 20), robus.NotLocalhost, 0, false)
	if err != nil {
		t.Fatalf("SetTxTask: %v", err)
	}
	_ = tx

	// Now reserve almost the whole ring for RX, forcing the ring to wrap
	// around and collide with the still-queued tx task.
	for i := 0; i < robus.MsgBufferSize/8; i++ {
		off := a.ReserveRX(8)
		a.WriteAt(off, make([]byte, 8))
		a.CommitRX(nil)
	}

	if len(dead) == 0 {
		t.Fatal("expected at least one eviction to have marked a dead service")
	}
	found := false
	for _, d := range dead {
		if d == 3 {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected service 3's tx task to be evicted, dead=%v", dead)
	}
	if a.Dropped() == 0 {
		t.Fatal("expected Dropped() to be non-zero")
	}
}

func TestTxTaskLifecycle(t *testing.T) {
	a := New(nil)
	task, err := a.SetTxTask(1, []byte("ping"), robus.NotLocalhost, 0x5A, true)
	if err != nil {
		t.Fatalf("SetTxTask: %v", err)
	}
	if task.Size != 5 {
		t.Fatalf("Size = %d, want 5 (4 bytes + ack)", task.Size)
	}
	if a.TxAllComplete() {
		t.Fatal("expected tx queue to be non-empty")
	}
	got, ok := a.PopTxTask()
	if !ok || got.Offset != task.Offset {
		t.Fatalf("PopTxTask() = %+v, %v", got, ok)
	}
	if !a.TxAllComplete() {
		t.Fatal("expected tx queue to drain after pop")
	}
}
