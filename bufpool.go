package shuffle

import "sync"

// frameBufPool is a single-bucket byte-slice pool sized to MaxFrameLen,
// the largest an encoded envelope can ever be. Narrowed from the teacher's
// multi-bucket pool (which sized buckets to a range of cache value sizes)
// because C2's rationale calls for exactly one pooled size: the fixed
// upper bound on a frame is what makes pooled allocation possible at all.
type frameBufPool struct {
	pool sync.Pool
}

func newFrameBufPool() *frameBufPool {
	return &frameBufPool{
		pool: sync.Pool{
			New: func() any {
				b := make([]byte, MaxFrameLen)
				return b
			},
		},
	}
}

// get returns a zero-length slice backed by a MaxFrameLen-capacity buffer.
func (p *frameBufPool) get() []byte {
	b := p.pool.Get().([]byte)
	return b[:0]
}

// put returns b to the pool. Buffers not sized exactly to MaxFrameLen's
// capacity (e.g. a one-off allocation for an oversized batch) are dropped
// rather than pooled.
func (p *frameBufPool) put(b []byte) {
	if cap(b) != MaxFrameLen {
		return
	}
	p.pool.Put(b[:MaxFrameLen])
}
