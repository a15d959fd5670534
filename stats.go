package shuffle

import (
	"context"
	"sync"
	"sync/atomic"
)

// Counters is one rank's cumulative statistics: messages sent/received/
// forwarded and the observed min/max sender-queue depth. §5: "Statistics
// counters ... are updated under the same discipline and are observed
// globally only at finalize, which performs a reduction across ranks."
type Counters struct {
	Rank      uint32
	Sent      uint64
	Received  uint64
	Forwarded uint64
	MinDepth  int64
	MaxDepth  int64
}

// Stats accumulates one rank's Counters. Sent/Received/Forwarded increment
// on the per-frame hot path via atomics; depth sampling (occasional, on
// enqueue/dequeue) takes a mutex since min/max tracking cannot be done
// atomically.
type Stats struct {
	rank uint32

	sent      uint64
	received  uint64
	forwarded uint64

	mu       sync.Mutex
	minDepth int64
	maxDepth int64
	sampled  bool
}

// NewStats builds a Stats accumulator for rank.
func NewStats(rank uint32) *Stats { return &Stats{rank: rank} }

func (s *Stats) RecordSent(n uint64)      { atomic.AddUint64(&s.sent, n) }
func (s *Stats) RecordReceived(n uint64)  { atomic.AddUint64(&s.received, n) }
func (s *Stats) RecordForwarded(n uint64) { atomic.AddUint64(&s.forwarded, n) }

// SampleDepth folds depth into the running min/max.
func (s *Stats) SampleDepth(depth int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.sampled || depth < s.minDepth {
		s.minDepth = depth
	}
	if !s.sampled || depth > s.maxDepth {
		s.maxDepth = depth
	}
	s.sampled = true
}

// Snapshot returns the current counters as an immutable value, suitable for
// encoding onto the wire.
func (s *Stats) Snapshot() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Counters{
		Rank:      s.rank,
		Sent:      atomic.LoadUint64(&s.sent),
		Received:  atomic.LoadUint64(&s.received),
		Forwarded: atomic.LoadUint64(&s.forwarded),
		MinDepth:  s.minDepth,
		MaxDepth:  s.maxDepth,
	}
}

// countersCodec is the one ControlCodec instantiation this file needs; kept as
// a package var rather than constructed per call, mirroring helloCodec/
// helloAckCodec in transport.go.
var countersCodec ControlCodec[Counters]

// Reducer lives on rank 0 and collects every rank's Counters, pushed as a
// kind=3 stats-push control frame during Finalize (§4.4/§5's cross-rank
// reduction), into a final per-rank table.
type Reducer struct {
	mu     sync.Mutex
	byRank map[uint32]Counters
	expect int
	done   chan struct{}
	once   sync.Once
}

// NewReducer builds a Reducer expecting contributions from expect ranks
// (the job's world size).
func NewReducer(expect int) *Reducer {
	return &Reducer{byRank: make(map[uint32]Counters), expect: expect, done: make(chan struct{})}
}

// HandleStatsPush decodes a raw kind=3 control frame payload and records it.
// Registered as a Transport's stats handler via RegisterStats.
func (r *Reducer) HandleStatsPush(raw []byte) {
	c, err := countersCodec.Decode(raw)
	if err != nil {
		return
	}
	r.mu.Lock()
	r.byRank[c.Rank] = c
	n := len(r.byRank)
	r.mu.Unlock()
	if n >= r.expect {
		r.once.Do(func() { close(r.done) })
	}
}

// Wait blocks until every expected rank has reported in, or ctx is done.
// Returns the per-rank table collected so far and whether it is complete.
func (r *Reducer) Wait(ctx context.Context) (map[uint32]Counters, bool) {
	select {
	case <-r.done:
	case <-ctx.Done():
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[uint32]Counters, len(r.byRank))
	for k, v := range r.byRank {
		out[k] = v
	}
	return out, len(out) >= r.expect
}

// Totals sums the reported Counters across every rank collected so far.
func (r *Reducer) Totals() Counters {
	r.mu.Lock()
	defer r.mu.Unlock()
	var t Counters
	for _, c := range r.byRank {
		t.Sent += c.Sent
		t.Received += c.Received
		t.Forwarded += c.Forwarded
		if c.MaxDepth > t.MaxDepth {
			t.MaxDepth = c.MaxDepth
		}
	}
	return t
}
