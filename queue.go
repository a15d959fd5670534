package shuffle

import (
	"container/list"
	"sync"
	"time"

	"github.com/deltashuffle/shuffle/logger"
)

// dstQueue is the bounded FIFO of frames waiting to go out to one peer rank
// (C4's "sender queue"). Modeled on the teacher's hintQueue (cluster/handoff.go):
// a container/list FIFO plus byte accounting under a shared mutex. Narrowed
// down from hintQueue's per-key coalescing, delay-heap backoff and drop
// policies — none of which apply here — to plain FIFO depth/byte bounds.
type dstQueue struct {
	ready    *list.List // FIFO of []byte frames
	bytes    int64
	notEmpty *sync.Cond
}

// QueueSet owns every per-destination sender queue on one rank plus the
// rank-wide B_max byte budget and the per-epoch inflight counters that the
// epoch controller (epoch.go) drains against. One mutex guards all of it;
// C4's invariants (total bytes across all queues <= B_max, per-queue depth
// <= D_max) are cross-queue, so a single lock is simpler and cheaper than
// per-queue locks plus a separate budget lock.
type QueueSet struct {
	mu      sync.Mutex
	notFull *sync.Cond
	drained *sync.Cond

	queues map[uint32]*dstQueue
	depth  map[uint32]int

	totalBytes int64
	dmax       int
	bmax       int64

	nonBlocking bool
	inflight    map[uint16]int64
	closed      bool

	stats *Stats
	warn  *diagLimiter
}

// NewQueueSet builds a QueueSet bound by dmax (per-destination depth) and
// bmax (rank-wide enqueued bytes). nonBlocking mirrors Config.NonBlockingWrite:
// when true, Enqueue returns ErrBusy instead of blocking once either bound
// is hit. stats, when non-nil, receives queue-depth samples on enqueue and
// dequeue (A6); log backs the throttled back-pressure warning (A5).
func NewQueueSet(dmax int, bmax int64, nonBlocking bool, stats *Stats, log logger.Logger) *QueueSet {
	qs := &QueueSet{
		queues:      make(map[uint32]*dstQueue),
		depth:       make(map[uint32]int),
		dmax:        dmax,
		bmax:        bmax,
		nonBlocking: nonBlocking,
		inflight:    make(map[uint16]int64),
		stats:       stats,
		warn:        newDiagLimiter("queue-full", time.Second, 3, log),
	}
	qs.notFull = sync.NewCond(&qs.mu)
	qs.drained = sync.NewCond(&qs.mu)
	return qs
}

func (qs *QueueSet) queueFor(dst uint32) *dstQueue {
	q, ok := qs.queues[dst]
	if !ok {
		q = &dstQueue{ready: list.New()}
		q.notEmpty = sync.NewCond(&qs.mu)
		qs.queues[dst] = q
	}
	return q
}

// Enqueue copies frame onto dst's sender queue, tagged with the epoch it
// belongs to for drain accounting. Blocks while either the per-destination
// depth bound or the rank-wide byte bound is saturated, unless the QueueSet
// was built with nonBlocking, in which case it returns ErrBusy immediately.
// Copying frame in decouples its lifetime from the caller's buffer, so a
// pooled buffer (forwarder.go's frameBufPool) can be reused the instant
// Enqueue returns.
func (qs *QueueSet) Enqueue(dst uint32, epoch uint16, frame []byte) error {
	qs.mu.Lock()
	defer qs.mu.Unlock()

	for {
		if qs.closed {
			return ErrPeerClosed
		}
		if qs.depth[dst] < qs.dmax && qs.totalBytes+int64(len(frame)) <= qs.bmax {
			break
		}
		qs.warn.Warnf("sender queue saturated", "dst", dst, "depth", qs.depth[dst], "totalBytes", qs.totalBytes)
		if qs.nonBlocking {
			return ErrBusy
		}
		qs.notFull.Wait()
	}

	stored := append([]byte(nil), frame...)
	q := qs.queueFor(dst)
	q.ready.PushBack(stored)
	q.bytes += int64(len(stored))
	qs.depth[dst]++
	qs.totalBytes += int64(len(stored))
	qs.inflight[epoch]++
	if qs.stats != nil {
		qs.stats.SampleDepth(int64(qs.depth[dst]))
	}

	q.notEmpty.Signal()
	return nil
}

// DequeueBatch waits for at least one frame on dst's queue, then coalesces
// up to maxFrames frames (or until the next frame would exceed maxBytes) into
// a single concatenated buffer sized for one outer kind=0 frame, per §4.4's
// "coalesces multiple frames into the RPC's maximum-per-call batch". Returns
// ok=false only once the QueueSet has been closed and the queue drained.
func (qs *QueueSet) DequeueBatch(dst uint32, maxFrames, maxBytes int) (batch []byte, frames int, ok bool) {
	qs.mu.Lock()
	defer qs.mu.Unlock()

	q := qs.queueFor(dst)
	for q.ready.Len() == 0 {
		if qs.closed {
			return nil, 0, false
		}
		q.notEmpty.Wait()
	}

	var out []byte
	n := 0
	for n < maxFrames {
		front := q.ready.Front()
		if front == nil {
			break
		}
		f := front.Value.([]byte)
		if n > 0 && len(out)+len(f) > maxBytes {
			break
		}
		q.ready.Remove(front)
		q.bytes -= int64(len(f))
		qs.totalBytes -= int64(len(f))
		qs.depth[dst]--
		out = append(out, f...)
		n++
	}

	qs.notFull.Broadcast()
	if qs.stats != nil {
		qs.stats.SampleDepth(int64(qs.depth[dst]))
	}
	return out, n, true
}

// Complete decrements the inflight counter for epoch by n, reflecting n
// frames whose RPC completion has been observed (successful or fatally
// failed; a fatal failure escalates separately through Fatal and never
// reaches here uncounted, per §4.4's "completion callback decrements it").
func (qs *QueueSet) Complete(epoch uint16, n int) {
	qs.mu.Lock()
	qs.inflight[epoch] -= int64(n)
	qs.drained.Broadcast()
	qs.mu.Unlock()
}

// Inflight reports the current inflight count for epoch.
func (qs *QueueSet) Inflight(epoch uint16) int64 {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	return qs.inflight[epoch]
}

// WaitDrain blocks until epoch's inflight counter reaches zero, or until
// deadline elapses (deadline <= 0 means wait indefinitely). Returns false on
// timeout, which the epoch controller escalates to an EpochTimeout
// FatalError.
func (qs *QueueSet) WaitDrain(epoch uint16, deadline time.Duration) bool {
	qs.mu.Lock()
	defer qs.mu.Unlock()

	if deadline <= 0 {
		for qs.inflight[epoch] > 0 {
			qs.drained.Wait()
		}
		return true
	}

	deadlineAt := time.Now().Add(deadline)
	for qs.inflight[epoch] > 0 {
		remaining := time.Until(deadlineAt)
		if remaining <= 0 {
			return false
		}
		timer := time.AfterFunc(remaining, func() {
			qs.mu.Lock()
			qs.drained.Broadcast()
			qs.mu.Unlock()
		})
		qs.drained.Wait()
		timer.Stop()
	}
	return true
}

// Close marks the QueueSet closed and wakes every blocked Enqueue/
// DequeueBatch caller. Enqueue on a closed set always fails; DequeueBatch
// drains remaining frames before reporting ok=false.
func (qs *QueueSet) Close() {
	qs.mu.Lock()
	qs.closed = true
	for _, q := range qs.queues {
		q.notEmpty.Broadcast()
	}
	qs.notFull.Broadcast()
	qs.drained.Broadcast()
	qs.mu.Unlock()
}
