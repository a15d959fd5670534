package shuffle

import (
	"context"
	"path/filepath"

	"github.com/deltashuffle/shuffle/logger"
)

// DeliverFunc is the external collaborator invoked for every record whose
// declared dst is this rank (§4.5 step 2). path is the fully qualified local
// path synthesized from the configured delivery directory and the record's
// filename. A non-zero return is fatal (§4.5, §7 DeliveryFailure): the
// receiver has no retry path, since the wire format carries no idempotency
// key and the callee's store is append-only.
type DeliverFunc func(path string, payload []byte, epoch uint16) error

// rehopper is the subset of Forwarder the receiver needs to re-enter C6 for
// a frame that is not yet at its final destination. Abstracted so
// receiver_test.go can substitute a recording stub.
type rehopper interface {
	Forward(ctx context.Context, rec Record) error
}

// Receiver is C5's dispatch logic, registered as a Transport's FrameHandler.
// Transport has already split any batched kind=0 outer frame into
// individual envelopes before calling Handle, so Handle only ever sees one
// record at a time.
type Receiver struct {
	myRank      uint32
	deliveryDir string
	deliver     DeliverFunc
	fwd         rehopper
	use3Hop     bool
	log         logger.Logger
}

// NewReceiver builds a Receiver for myRank. deliver is invoked for records
// addressed here; fwd re-enters forwarding for records addressed elsewhere
// (the intermediate-hop case). use3Hop mirrors Config.Use3Hop and gates
// Handle's validation strictness, since only the fallback (C8) shuffler
// guarantees the transport peer equals the envelope's declared src.
func NewReceiver(myRank uint32, deliveryDir string, deliver DeliverFunc, fwd rehopper, use3Hop bool, log logger.Logger) *Receiver {
	return &Receiver{myRank: myRank, deliveryDir: deliveryDir, deliver: deliver, fwd: fwd, use3Hop: use3Hop, log: log}
}

// Handle decodes one envelope delivered over the connection authenticated as
// peerRank and either delivers it locally or re-enters forwarding toward its
// declared dst. It is reentrant: concurrent calls from the network progress
// pool (§5) touch no shared Receiver state beyond the read-only fields
// above, so no locking is needed here — mutual exclusion, where required,
// lives in QueueSet and in the delivery callback itself.
//
// Under C8 fallback, nextHop always returns dst directly (forwarder.go), so
// an envelope's declared src and dst must equal peerRank and myRank
// respectively; Handle enforces that with strict Decode. Under C6 three-hop
// forwarding, a frame's peer is its adjacent hop, not necessarily its
// original src or final dst, so DecodeAny is all that applies.
func (r *Receiver) Handle(frame []byte, peerRank uint32) error {
	var rec Record
	var err error
	if r.use3Hop {
		rec, err = DecodeAny(frame)
	} else {
		rec, err = Decode(frame, peerRank, r.myRank)
	}
	if err != nil {
		return err
	}
	return r.dispatch(rec)
}

// dispatch delivers rec locally or re-enters forwarding toward its
// unchanged dst, once the caller (Handle, or shuffle.go's self-delivery
// branch, which already knows both ends of the envelope) has produced a
// validated Record.
func (r *Receiver) dispatch(rec Record) error {
	if rec.Dst == r.myRank {
		path := filepath.Join(r.deliveryDir, string(rec.Fname))
		if err := r.deliver(path, rec.Payload, rec.Epoch); err != nil {
			r.log.Errorw("delivery callback failed", "src", rec.Src, "dst", rec.Dst, "epoch", rec.Epoch, "err", err)
			return &FatalError{
				Kind:   DeliveryFailure,
				Src:    rec.Src,
				Dst:    rec.Dst,
				Epoch:  rec.Epoch,
				HasSDE: true,
				Detail: "delivery callback returned an error",
				Cause:  err,
			}
		}
		return nil
	}

	// Intermediate hop: re-enter forwarding toward the unchanged dst. The
	// envelope is never rewritten here (§4.6) -- only the transport-level
	// peer changes, decided again by Forwarder.nextHop.
	return r.fwd.Forward(context.Background(), rec)
}
