package shuffle

import (
	"os"
	"strconv"
	"time"
)

// Config is the construction-time configuration for a Shuffle. It merges
// the environment-driven knobs of the deployed form with the
// explicit-state parameters this rewrite requires instead of hidden
// globals (world size, per-rank addresses, node grouping).
type Config struct {
	// Rank is this process's world rank, and World is the job's total rank
	// count. Both come from the bootstrap collaborator (out of scope here).
	Rank  uint32
	World uint32

	// Addrs is the per-rank routable peer address table, indexed by rank.
	// Supplied by the bootstrap collaborator.
	Addrs []string

	// RanksPerNode partitions ranks into nodes for the topology/nexus:
	// node(r) = r / RanksPerNode, and a node's local leader is its
	// lowest-numbered rank. Must divide evenly into World's layout.
	RanksPerNode uint32

	// Use3Hop selects C6 (three-hop forwarder) over C8 (fallback
	// single-hop shuffler). SHUFFLE_Use_3hop.
	Use3Hop bool

	// VirtualFactor is the number of consistent-hash virtual nodes per
	// rank. SHUFFLE_Virtual_factor, default 1024.
	VirtualFactor int

	// PlacementProtocol names the consistent-hashing protocol variant.
	// SHUFFLE_Placement_protocol; implementation-defined, informational.
	PlacementProtocol string

	// Subnet is a numeric subnet prefix for address selection.
	// SHUFFLE_Subnet. It is carried in the Config only: nothing in this
	// module reads it, and addresses come from Addrs as given.
	Subnet string

	// MercuryProto is a transport protocol descriptor carried through from
	// the deployed environment (e.g. a BMI-over-TCP identifier).
	// SHUFFLE_Mercury_proto. This module's transport is always TCP; the
	// value is accepted and stored, but neither logged nor dispatched on.
	MercuryProto string

	// BypassPlacement switches C1 to xxhash32(fname) mod N instead of
	// consistent hashing. SHUFFLE_Bypass_placement.
	BypassPlacement bool

	// DMax is the bounded depth of each sender queue.
	DMax int
	// BMax is the total bytes enqueued across all sender queues on this
	// rank, enforced alongside DMax.
	BMax int64

	// ProgressWorkers is the size of the network progress pool driving the
	// transport and receiver dispatch. Default 4.
	ProgressWorkers int

	// NonBlockingWrite converts a full sender queue from a blocking Write
	// into an ErrBusy return.
	NonBlockingWrite bool

	// EpochDeadline bounds EpochEnd's wait for drainage. Zero means
	// unbounded.
	EpochDeadline time.Duration

	// ParanoidBarrier mirrors the source's paranoid_barrier flag and is
	// handed to the epoch controller, which invokes a barrier function at
	// both ends of an epoch when the flag is set. New supplies no barrier
	// function, so a Shuffle built by New performs no extra rendezvous
	// whatever this flag says.
	ParanoidBarrier bool

	// BatchMaxFrames and BatchMaxBytes bound how many frames a sender
	// coalesces into one transport call (§4.4: 4 frames or 32 KiB,
	// whichever binds first).
	BatchMaxFrames int
	BatchMaxBytes  int

	// DeliveryDir is prefixed onto a decoded filename to synthesize the
	// fully qualified local path handed to the delivery callback.
	DeliveryDir string
}

// Default returns a Config with every knob at its documented default. Rank,
// World, and Addrs must still be supplied by the caller; they have no
// meaningful default.
func Default() Config {
	return Config{
		RanksPerNode:      1,
		Use3Hop:           true,
		VirtualFactor:     1024,
		PlacementProtocol: "ring",
		DMax:              1024,
		BMax:              64 << 20,
		ProgressWorkers:   4,
		BatchMaxFrames:    4,
		BatchMaxBytes:     32 << 10,
	}
}

// isEnvset mirrors the deployed preload layer's is_envset: unset, empty, or
// the literal "0" all count as unset. A deployment that writes
// SHUFFLE_Use_3hop=0 to mean "off" must keep meaning "off", which rules out
// the usual Go idiom of treating any set-but-empty value as "true".
func isEnvset(key string) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return false
	}
	if v == "" {
		return false
	}
	if v == "0" {
		return false
	}
	return true
}

func maybeGetenv(key string) (string, bool) {
	if !isEnvset(key) {
		return "", false
	}
	return os.Getenv(key), true
}

// FromEnv starts from Default and overlays the SHUFFLE_* environment
// variables from the external interfaces table. Rank, World, and Addrs are
// not environment-driven and must be set by the caller after FromEnv
// returns.
func FromEnv() Config {
	c := Default()

	c.Use3Hop = isEnvset("SHUFFLE_Use_3hop")

	if v, ok := maybeGetenv("SHUFFLE_Virtual_factor"); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.VirtualFactor = n
		}
	}

	if v, ok := maybeGetenv("SHUFFLE_Placement_protocol"); ok {
		c.PlacementProtocol = v
	}

	if v, ok := maybeGetenv("SHUFFLE_Subnet"); ok {
		c.Subnet = v
	}

	if v, ok := maybeGetenv("SHUFFLE_Mercury_proto"); ok {
		c.MercuryProto = v
	}

	c.BypassPlacement = isEnvset("SHUFFLE_Bypass_placement")

	return c
}
