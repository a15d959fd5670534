package shuffle

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

type delivery struct {
	path    string
	payload []byte
	epoch   uint16
}

func recordingDeliver(mu *sync.Mutex, out *[]delivery) DeliverFunc {
	return func(path string, payload []byte, epoch uint16) error {
		mu.Lock()
		defer mu.Unlock()
		*out = append(*out, delivery{path, append([]byte(nil), payload...), epoch})
		return nil
	}
}

// Scenario 1: single-rank loop-back (§8 end-to-end scenario 1).
func TestShuffleSingleRankLoopback(t *testing.T) {
	var mu sync.Mutex
	var got []delivery

	cfg := Default()
	cfg.Rank = 0
	cfg.World = 1
	cfg.Addrs = []string{freeAddr(t)}
	cfg.DeliveryDir = "/data"

	sh, err := New(cfg, recordingDeliver(&mu, &got), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := sh.Listen(cfg.Addrs[0]); err != nil {
		t.Fatal(err)
	}
	defer sh.transport.Close()

	if err := sh.EpochStart(0); err != nil {
		t.Fatal(err)
	}
	if err := sh.Write([]byte("p42"), []byte("abc"), 0); err != nil {
		t.Fatal(err)
	}
	if err := sh.EpochEnd(0); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("expected exactly one delivery, got %d: %+v", len(got), got)
	}
	if got[0].path != "/data/p42" || string(got[0].payload) != "abc" || got[0].epoch != 0 {
		t.Fatalf("unexpected delivery: %+v", got[0])
	}
}

// Scenario 2: two-rank echo (§8 end-to-end scenario 2), using the fallback
// shuffler so destination is always a direct hop regardless of placement.
func TestShuffleTwoRankEcho(t *testing.T) {
	addrs := []string{freeAddr(t), freeAddr(t)}

	var mu0, mu1 sync.Mutex
	var got0, got1 []delivery

	cfg0 := Default()
	cfg0.Rank, cfg0.World, cfg0.Addrs, cfg0.DeliveryDir = 0, 2, addrs, "/data"
	cfg0.Use3Hop = false

	cfg1 := cfg0
	cfg1.Rank = 1

	sh0, err := New(cfg0, recordingDeliver(&mu0, &got0), nil)
	if err != nil {
		t.Fatal(err)
	}
	sh1, err := New(cfg1, recordingDeliver(&mu1, &got1), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := sh0.Listen(addrs[0]); err != nil {
		t.Fatal(err)
	}
	if err := sh1.Listen(addrs[1]); err != nil {
		t.Fatal(err)
	}
	defer sh0.transport.Close()
	defer sh1.transport.Close()

	fname := findFnameForDst(t, sh0.placer, 1)

	if err := sh0.EpochStart(3); err != nil {
		t.Fatal(err)
	}
	if err := sh1.EpochStart(3); err != nil {
		t.Fatal(err)
	}
	if err := sh0.Write([]byte(fname), []byte("x"), 3); err != nil {
		t.Fatal(err)
	}
	if err := sh0.EpochEnd(3); err != nil {
		t.Fatal(err)
	}
	if err := sh1.EpochEnd(3); err != nil {
		t.Fatal(err)
	}

	mu1.Lock()
	n1 := len(got1)
	mu1.Unlock()
	if n1 != 1 {
		t.Fatalf("expected rank 1 to receive exactly one delivery, got %d", n1)
	}
	mu1.Lock()
	if string(got1[0].payload) != "x" || got1[0].epoch != 3 {
		t.Fatalf("unexpected delivery on rank 1: %+v", got1[0])
	}
	mu1.Unlock()

	mu0.Lock()
	n0 := len(got0)
	mu0.Unlock()
	if n0 != 0 {
		t.Fatalf("expected rank 0 to receive nothing, got %d", n0)
	}
}

// findFnameForDst searches for a filename that places on want under p,
// since consistent hashing gives no closed form for "a name that lands on
// rank N".
func findFnameForDst(t *testing.T, p *Placer, want uint32) string {
	t.Helper()
	for i := 0; i < 100000; i++ {
		name := []byte{byte(i), byte(i >> 8), byte(i >> 16)}
		if p.Place(name) == want {
			return string(name)
		}
	}
	t.Fatalf("could not find a filename placing on rank %d", want)
	return ""
}

func TestShuffleFinalizeSingleRank(t *testing.T) {
	cfg := Default()
	cfg.Rank, cfg.World = 0, 1
	cfg.Addrs = []string{freeAddr(t)}
	sh, err := New(cfg, func(string, []byte, uint16) error { return nil }, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := sh.Listen(cfg.Addrs[0]); err != nil {
		t.Fatal(err)
	}
	if err := sh.Write([]byte("p"), []byte("x"), 0); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	table, err := sh.Finalize(ctx)
	if err != nil {
		t.Fatal(err)
	}
	c, ok := table[0]
	if !ok || c.Sent != 1 || c.Received != 1 {
		t.Fatalf("unexpected finalize table: %+v", table)
	}
}
