package shuffle

import (
	"sort"

	"github.com/cespare/xxhash/v2"
)

// vnode is one slot on the consistent-hash ring: a hash value and the rank
// that owns it.
type vnode struct {
	hash uint64
	rank uint32
}

// Placer maps a filename to a destination rank. It is built once at init
// from (N, virtualFactor) and is read-only and lock-free for its entire
// lifetime, matching the "placement table is read-only after init" model.
type Placer struct {
	n       uint32
	bypass  bool
	ring    []vnode // sorted by hash, only populated when !bypass and n > 1
}

// NewPlacer builds a placement table for n ranks. virtualFactor is the
// number of ring slots per rank for consistent hashing (ignored in bypass
// mode). When n == 1, Place always returns 0 without touching either hash
// function, per §4.1.
func NewPlacer(n uint32, virtualFactor int, bypass bool) *Placer {
	p := &Placer{n: n, bypass: bypass}
	if n <= 1 || bypass {
		return p
	}

	ring := make([]vnode, 0, int(n)*virtualFactor)
	for r := uint32(0); r < n; r++ {
		for v := 0; v < virtualFactor; v++ {
			ring = append(ring, vnode{hash: vnodeHash(r, v), rank: r})
		}
	}
	sort.Slice(ring, func(i, j int) bool { return ring[i].hash < ring[j].hash })
	p.ring = ring
	return p
}

// vnodeHash derives the ring position of a rank's v-th virtual node.
// Salting the rank with the slot index the way xxhash64 over a composed key
// would keeps virtual nodes for the same rank from clustering.
func vnodeHash(rank uint32, slot int) uint64 {
	var buf [12]byte
	buf[0] = byte(rank)
	buf[1] = byte(rank >> 8)
	buf[2] = byte(rank >> 16)
	buf[3] = byte(rank >> 24)
	buf[4] = byte(slot)
	buf[5] = byte(slot >> 8)
	buf[6] = byte(slot >> 16)
	buf[7] = byte(slot >> 24)
	return xxhash.Sum64(buf[:8])
}

// Place maps fname to a destination rank. Pure and deterministic: given
// equal (n, virtualFactor, bypass), every rank computes the same answer for
// the same fname — §8 invariant 1.
//
// Bypass and consistent-hashing mode deliberately use different hash
// functions (xxhash32 here, xxhash64 for the ring) and are NOT
// placement-compatible with one another; see the design notes' Open
// Question (a). Do not "fix" this by sharing one hash function.
func (p *Placer) Place(fname []byte) uint32 {
	if p.n <= 1 {
		return 0
	}
	if p.bypass {
		return xxHash32(fname, 0) % p.n
	}
	return p.closestVnode(xxhash.Sum64(fname)).rank
}

// closestVnode returns the first ring slot whose hash is >= key, wrapping
// around to the first slot if key is past the last one.
func (p *Placer) closestVnode(key uint64) vnode {
	i := sort.Search(len(p.ring), func(i int) bool { return p.ring[i].hash >= key })
	if i == len(p.ring) {
		i = 0
	}
	return p.ring[i]
}

// Size returns the number of ranks this table was built for.
func (p *Placer) Size() uint32 { return p.n }
