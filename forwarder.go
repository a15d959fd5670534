package shuffle

import (
	"context"
	"sync"

	"github.com/deltashuffle/shuffle/logger"
)

// wireSender is the subset of Transport a Forwarder needs: send a
// (possibly batched) outer kind=0 frame to a rank. Abstracted so
// forwarder_test.go can substitute a recording stub instead of opening
// real sockets.
type wireSender interface {
	Forward(ctx context.Context, rank uint32, batch []byte) error
}

// Forwarder routes an encoded record toward its final destination, one hop
// at a time, per C6 (three-hop, via Nexus) or C8 (fallback single-hop).
// Selection between the two is an init-time switch (Config.Use3Hop); both
// share identical wire format, queue discipline, and epoch semantics, so a
// receiver cannot tell which variant produced a frame.
type Forwarder struct {
	myRank  uint32
	use3Hop bool
	nexus   *Nexus
	queues  *QueueSet
	wire    wireSender
	stats   *Stats
	bufPool *frameBufPool
	log     logger.Logger
	onFatal func(error)

	batchMaxFrames int
	batchMaxBytes  int

	mu      sync.Mutex
	senders map[uint32]bool
	wg      sync.WaitGroup
	closed  bool
}

// NewForwarder builds a Forwarder. use3Hop selects C6 over C8 per §4.8: C8
// is otherwise identical, it is just always a direct single hop. stats
// records a Forwarded count (A6) each time a sender loop successfully hands
// a batch to the wire.
func NewForwarder(myRank uint32, use3Hop bool, nexus *Nexus, queues *QueueSet, wire wireSender, batchMaxFrames, batchMaxBytes int, stats *Stats, log logger.Logger, onFatal func(error)) *Forwarder {
	return &Forwarder{
		myRank:         myRank,
		use3Hop:        use3Hop,
		nexus:          nexus,
		queues:         queues,
		wire:           wire,
		stats:          stats,
		bufPool:        newFrameBufPool(),
		log:            log,
		onFatal:        onFatal,
		batchMaxFrames: batchMaxFrames,
		batchMaxBytes:  batchMaxBytes,
		senders:        make(map[uint32]bool),
	}
}

// nextHop computes the transport-level peer rank a frame bound for dst
// should be sent to next. Callers must have already handled
// Classify(dst) == ClassSelf themselves (zero-hop, in-process delivery);
// nextHop never returns myRank when use3Hop is set, because every
// non-self case elides down to at least one real hop.
//
// §4.6's hop-elision table:
//   - local_node, I am the leader   -> hop {C} only: dst directly.
//   - local_node, I am not          -> hop {A, C}: via my local leader.
//   - remote_node, I am the leader  -> hop {B, C}: via dst's local leader.
//   - remote_node, I am not         -> hop {A, B, C}: via my local leader.
func (f *Forwarder) nextHop(dst uint32) uint32 {
	if !f.use3Hop {
		return dst
	}
	switch f.nexus.Classify(dst) {
	case ClassSelf:
		return dst
	case ClassLocalNode:
		if f.nexus.IAmLocalLeader() {
			return dst
		}
		return f.nexus.MyLocalLeader()
	default: // ClassRemoteNode; ClassSelf is the caller's responsibility.
		if f.nexus.IAmLocalLeader() {
			return f.nexus.LocalLeaderFor(dst)
		}
		return f.nexus.MyLocalLeader()
	}
}

// Forward encodes rec and enqueues it on the sender queue for its next hop,
// starting that hop's drain loop on first use. The envelope is immutable
// across hops (§4.6): rec.Src/rec.Dst are written once here and never
// rewritten by an intermediate hop, only the transport-level peer changes.
func (f *Forwarder) Forward(ctx context.Context, rec Record) error {
	hop := f.nextHop(rec.Dst)

	buf := f.bufPool.get()[:EncodedLen(rec.Fname, rec.Payload)]
	n := Encode(buf, rec.Src, rec.Dst, rec.Fname, rec.Payload, rec.Epoch)

	// Enqueue copies the frame into its own storage, so buf can go back to
	// the pool immediately regardless of outcome.
	err := f.queues.Enqueue(hop, rec.Epoch, buf[:n])
	f.bufPool.put(buf)
	if err != nil {
		return err
	}
	f.ensureSender(hop)
	return nil
}

// ensureSender starts hop's drain loop the first time anything is enqueued
// for it. One loop per destination hop is the "network progress worker"
// that dequeues, coalesces, and transmits (§4.4, §5).
func (f *Forwarder) ensureSender(hop uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || f.senders[hop] {
		return
	}
	f.senders[hop] = true
	f.wg.Add(1)
	go f.senderLoop(hop)
}

func (f *Forwarder) senderLoop(hop uint32) {
	defer f.wg.Done()
	for {
		batch, n, ok := f.queues.DequeueBatch(hop, f.batchMaxFrames, f.batchMaxBytes)
		if !ok {
			return
		}
		if err := f.wire.Forward(context.Background(), hop, batch); err != nil {
			f.log.Errorw("forward failed", "hop", hop, "frames", n, "err", err)
			if f.onFatal != nil {
				f.onFatal(&FatalError{Kind: TransportFatal, Dst: hop, HasSDE: true, Detail: "batched send failed", Cause: err})
			}
			f.completeBatch(batch, n)
			continue
		}
		f.stats.RecordForwarded(uint64(n))
		f.completeBatch(batch, n)
	}
}

// completeBatch decrements the inflight counter for every epoch represented
// in batch. A coalesced batch can span more than one epoch (§4.4 batches
// whatever is ready, not by epoch), so completion accounting re-walks the
// wire bytes rather than assuming a single epoch per batch.
func (f *Forwarder) completeBatch(batch []byte, n int) {
	frames, err := splitBatch(batch)
	if err != nil || len(frames) != n {
		// Defensive only: DequeueBatch only ever coalesces whole,
		// previously-Encode'd frames, so this should not happen.
		return
	}
	counts := make(map[uint16]int, 1)
	for _, fr := range frames {
		rec, err := DecodeAny(fr)
		if err != nil {
			continue
		}
		counts[rec.Epoch]++
	}
	for epoch, c := range counts {
		f.queues.Complete(epoch, c)
	}
}

// Close stops every sender loop once its queue drains and waits for them to
// exit. Call only after the epoch controller has confirmed inflight == 0
// for every outstanding epoch.
func (f *Forwarder) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.queues.Close()
	f.wg.Wait()
}
