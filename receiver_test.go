package shuffle

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/deltashuffle/shuffle/logger"
)

type recordingRehopper struct {
	mu  sync.Mutex
	got []Record
}

func (r *recordingRehopper) Forward(ctx context.Context, rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, rec)
	return nil
}

func TestReceiverDeliversRecordsAddressedHere(t *testing.T) {
	var gotPath string
	var gotPayload []byte
	var gotEpoch uint16
	deliver := func(path string, payload []byte, epoch uint16) error {
		gotPath, gotPayload, gotEpoch = path, payload, epoch
		return nil
	}
	rh := &recordingRehopper{}
	recv := NewReceiver(5, "/var/shuffle/recv", deliver, rh, true, logger.NewNoOpLogger())

	buf := make([]byte, MaxFrameLen)
	n := Encode(buf, 2, 5, []byte("p7.bin"), []byte("abc"), 3)

	if err := recv.Handle(buf[:n], 2); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if gotPath != "/var/shuffle/recv/p7.bin" {
		t.Fatalf("unexpected delivery path: %q", gotPath)
	}
	if string(gotPayload) != "abc" || gotEpoch != 3 {
		t.Fatalf("unexpected delivery payload/epoch: %q %d", gotPayload, gotEpoch)
	}
	if len(rh.got) != 0 {
		t.Fatalf("expected no re-forward for a record addressed to this rank")
	}
}

func TestReceiverReforwardsRecordsAddressedElsewhere(t *testing.T) {
	deliver := func(path string, payload []byte, epoch uint16) error {
		t.Fatal("deliver should not be called for a record not addressed here")
		return nil
	}
	rh := &recordingRehopper{}
	recv := NewReceiver(5, "/d", deliver, rh, true, logger.NewNoOpLogger())

	buf := make([]byte, MaxFrameLen)
	n := Encode(buf, 2, 9, []byte("p"), []byte("x"), 1)

	if err := recv.Handle(buf[:n], 2); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if len(rh.got) != 1 || rh.got[0].Dst != 9 || rh.got[0].Src != 2 {
		t.Fatalf("expected one re-forward with dst=9,src=2, got %+v", rh.got)
	}
}

func TestReceiverDeliveryFailureIsFatal(t *testing.T) {
	cause := errors.New("disk full")
	deliver := func(path string, payload []byte, epoch uint16) error { return cause }
	recv := NewReceiver(5, "/d", deliver, &recordingRehopper{}, true, logger.NewNoOpLogger())

	buf := make([]byte, MaxFrameLen)
	n := Encode(buf, 2, 5, []byte("p"), []byte("x"), 1)

	err := recv.Handle(buf[:n], 2)
	if err == nil {
		t.Fatal("expected a DeliveryFailure error")
	}
	var fe *FatalError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *FatalError, got %T", err)
	}
	if fe.Kind != DeliveryFailure {
		t.Fatalf("expected DeliveryFailure, got %v", fe.Kind)
	}
	if !errors.Is(err, cause) {
		t.Fatal("expected FatalError to wrap the original cause")
	}
}

func TestReceiverHandleRejectsCorruptFrame(t *testing.T) {
	recv := NewReceiver(5, "/d", nil, &recordingRehopper{}, true, logger.NewNoOpLogger())
	if err := recv.Handle([]byte{1, 2, 3}, 2); err == nil {
		t.Fatal("expected a CorruptFrame error for a too-short frame")
	}
}

func TestReceiverFallbackValidatesPeerAgainstEnvelope(t *testing.T) {
	deliver := func(path string, payload []byte, epoch uint16) error { return nil }
	recv := NewReceiver(5, "/d", deliver, &recordingRehopper{}, false, logger.NewNoOpLogger())

	buf := make([]byte, MaxFrameLen)
	n := Encode(buf, 2, 5, []byte("p"), []byte("x"), 1)

	// The envelope declares src=2, but the connection it arrived on
	// authenticated as rank 7: under fallback every hop is direct, so this
	// disagreement can only mean a corrupt or spoofed frame.
	err := recv.Handle(buf[:n], 7)
	if err == nil {
		t.Fatal("expected strict Decode to reject a peer/envelope src mismatch")
	}
	var fe *FatalError
	if !errors.As(err, &fe) || fe.Kind != CorruptFrame {
		t.Fatalf("expected CorruptFrame, got %v", err)
	}
}

func TestReceiverFallbackAcceptsMatchingPeer(t *testing.T) {
	var delivered bool
	deliver := func(path string, payload []byte, epoch uint16) error {
		delivered = true
		return nil
	}
	recv := NewReceiver(5, "/d", deliver, &recordingRehopper{}, false, logger.NewNoOpLogger())

	buf := make([]byte, MaxFrameLen)
	n := Encode(buf, 2, 5, []byte("p"), []byte("x"), 1)

	if err := recv.Handle(buf[:n], 2); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if !delivered {
		t.Fatal("expected delivery once peer matches the envelope's declared src")
	}
}
