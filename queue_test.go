package shuffle

import (
	"testing"
	"time"

	"github.com/deltashuffle/shuffle/logger"
)

func TestQueueSetEnqueueDequeueRoundTrip(t *testing.T) {
	qs := NewQueueSet(8, 1<<20, false, nil, logger.NewNoOpLogger())

	if err := qs.Enqueue(1, 0, []byte("aaa")); err != nil {
		t.Fatal(err)
	}
	if err := qs.Enqueue(1, 0, []byte("bb")); err != nil {
		t.Fatal(err)
	}

	batch, n, ok := qs.DequeueBatch(1, 4, 1024)
	if !ok {
		t.Fatal("expected ok")
	}
	if n != 2 {
		t.Fatalf("expected 2 frames coalesced, got %d", n)
	}
	if string(batch) != "aaabb" {
		t.Fatalf("unexpected coalesced batch: %q", batch)
	}
}

func TestQueueSetDequeueRespectsMaxFramesAndBytes(t *testing.T) {
	qs := NewQueueSet(8, 1<<20, false, nil, logger.NewNoOpLogger())
	for i := 0; i < 5; i++ {
		if err := qs.Enqueue(1, 0, []byte("xx")); err != nil {
			t.Fatal(err)
		}
	}

	batch, n, ok := qs.DequeueBatch(1, 3, 1024)
	if !ok || n != 3 || len(batch) != 6 {
		t.Fatalf("expected 3-frame batch, got n=%d batch=%q ok=%v", n, batch, ok)
	}

	batch, n, ok = qs.DequeueBatch(1, 3, 1024)
	if !ok || n != 2 {
		t.Fatalf("expected remaining 2 frames, got n=%d ok=%v", n, ok)
	}
	_ = batch

	// Byte bound: 2+2 fits in 5 bytes, a third 2-byte frame would not.
	for i := 0; i < 3; i++ {
		if err := qs.Enqueue(1, 0, []byte("xx")); err != nil {
			t.Fatal(err)
		}
	}
	batch, n, ok = qs.DequeueBatch(1, 4, 5)
	if !ok || n != 2 || len(batch) != 4 {
		t.Fatalf("expected byte bound to stop at 2 frames, got n=%d batch=%q ok=%v", n, batch, ok)
	}
}

func TestQueueSetEnqueueNonBlockingReturnsBusy(t *testing.T) {
	qs := NewQueueSet(1, 1<<20, true, nil, logger.NewNoOpLogger())
	if err := qs.Enqueue(1, 0, []byte("a")); err != nil {
		t.Fatal(err)
	}
	if err := qs.Enqueue(1, 0, []byte("b")); err != ErrBusy {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
}

func TestQueueSetEnqueueBlocksUntilDrained(t *testing.T) {
	qs := NewQueueSet(1, 1<<20, false, nil, logger.NewNoOpLogger())
	if err := qs.Enqueue(1, 0, []byte("a")); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		done <- qs.Enqueue(1, 0, []byte("b"))
	}()

	select {
	case <-done:
		t.Fatal("second Enqueue should have blocked while queue at depth 1")
	case <-time.After(50 * time.Millisecond):
	}

	if _, _, ok := qs.DequeueBatch(1, 1, 1024); !ok {
		t.Fatal("expected dequeue to succeed")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("blocked Enqueue returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blocked Enqueue never woke after dequeue freed capacity")
	}
}

func TestQueueSetInflightAccounting(t *testing.T) {
	qs := NewQueueSet(8, 1<<20, false, nil, logger.NewNoOpLogger())
	qs.Enqueue(1, 7, []byte("a"))
	qs.Enqueue(1, 7, []byte("b"))
	if got := qs.Inflight(7); got != 2 {
		t.Fatalf("expected inflight 2, got %d", got)
	}
	qs.Complete(7, 1)
	if got := qs.Inflight(7); got != 1 {
		t.Fatalf("expected inflight 1 after Complete, got %d", got)
	}
	qs.Complete(7, 1)
	if got := qs.Inflight(7); got != 0 {
		t.Fatalf("expected inflight 0, got %d", got)
	}
}

func TestQueueSetWaitDrainReturnsImmediatelyWhenAlreadyZero(t *testing.T) {
	qs := NewQueueSet(8, 1<<20, false, nil, logger.NewNoOpLogger())
	if !qs.WaitDrain(3, time.Second) {
		t.Fatal("expected immediate drain for an epoch with no inflight")
	}
}

func TestQueueSetWaitDrainTimesOut(t *testing.T) {
	qs := NewQueueSet(8, 1<<20, false, nil, logger.NewNoOpLogger())
	qs.Enqueue(1, 2, []byte("a"))
	if qs.WaitDrain(2, 30*time.Millisecond) {
		t.Fatal("expected WaitDrain to time out with undrained inflight")
	}
}

func TestQueueSetWaitDrainWakesOnComplete(t *testing.T) {
	qs := NewQueueSet(8, 1<<20, false, nil, logger.NewNoOpLogger())
	qs.Enqueue(1, 2, []byte("a"))

	done := make(chan bool, 1)
	go func() {
		done <- qs.WaitDrain(2, 2*time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	qs.Complete(2, 1)

	select {
	case ok := <-done:
		if !ok {
			t.Fatal("expected WaitDrain to succeed once drained")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitDrain never woke on Complete")
	}
}

func TestQueueSetCloseWakesBlockedCallers(t *testing.T) {
	qs := NewQueueSet(1, 1<<20, false, nil, logger.NewNoOpLogger())
	qs.Enqueue(1, 0, []byte("a"))

	blockedEnqueue := make(chan error, 1)
	go func() { blockedEnqueue <- qs.Enqueue(1, 0, []byte("b")) }()

	blockedDequeue := make(chan bool, 1)
	go func() {
		_, _, ok := qs.DequeueBatch(2, 1, 1024)
		blockedDequeue <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	qs.Close()

	select {
	case err := <-blockedEnqueue:
		if err == nil {
			t.Fatal("expected Enqueue on a closed QueueSet to fail")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blocked Enqueue never woke on Close")
	}

	select {
	case ok := <-blockedDequeue:
		if ok {
			t.Fatal("expected DequeueBatch on an empty closed queue to report !ok")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blocked DequeueBatch never woke on Close")
	}
}
