// Command shuffle-demo drives an in-process, multi-rank shuffle run: it
// bootstraps World Shuffle instances on loopback addresses (standing in for
// the MPI rank/address bootstrap a real deployment would supply) and
// replays a VPIC-style file-per-particle workload against them -- nps
// particles written per rank per epoch, across ndumps epochs.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	shuffle "github.com/deltashuffle/shuffle"
	"github.com/deltashuffle/shuffle/logger"
)

func main() {
	var (
		world        = flag.Int("world", 4, "number of simulated ranks")
		ranksPerNode = flag.Int("ranks-per-node", 2, "ranks grouped per node for the 3-hop topology")
		use3Hop      = flag.Bool("3hop", true, "use the 3-hop forwarder instead of direct single-hop delivery")
		bypass       = flag.Bool("bypass-placement", false, "use xxhash32(fname) mod N instead of consistent hashing")
		virtual      = flag.Int("virtual-factor", 1024, "consistent-hash virtual nodes per rank")

		nps      = flag.Int("c", 16, "number of particles to simulate per rank, per epoch")
		psize    = flag.Int("b", 40, "bytes per particle")
		ndumps   = flag.Int("d", 3, "number of epoch dumps")
		pdir     = flag.String("o", "particle", "particle output dir (delivered path prefix)")
		steptime = flag.Duration("T", 200*time.Millisecond, "simulated compute time per epoch")
		timeout  = flag.Duration("t", 2*time.Minute, "overall run timeout")

		dmax   = flag.Int("dmax", 1024, "per-destination sender queue depth")
		bmax   = flag.Int64("bmax", 64<<20, "per-rank sender queue byte budget")
		logLvl = flag.String("log", "info", "log level: debug|info|warn|error")
	)
	flag.Parse()

	log.SetFlags(0)

	if *world <= 0 {
		fmt.Fprintln(os.Stderr, "shuffle-demo: -world must be positive")
		os.Exit(1)
	}

	baseLog := logger.NewStdLogger(logger.ParseLevel(*logLvl))

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		baseLog.Warnw("signal received, cancelling run")
		cancel()
	}()

	addrs := make([]string, *world)
	for r := range addrs {
		addrs[r] = freeLoopbackAddr()
	}

	var deliveries []*counter
	ranks := make([]*shuffle.Shuffle, *world)
	for r := 0; r < *world; r++ {
		cfg := shuffle.Default()
		cfg.Rank = uint32(r)
		cfg.World = uint32(*world)
		cfg.Addrs = addrs
		cfg.RanksPerNode = uint32(*ranksPerNode)
		cfg.Use3Hop = *use3Hop
		cfg.BypassPlacement = *bypass
		cfg.VirtualFactor = *virtual
		cfg.DMax = *dmax
		cfg.BMax = *bmax
		cfg.DeliveryDir = *pdir

		c := &counter{}
		deliveries = append(deliveries, c)

		rlog := baseLog.With("rank", r)
		sh, err := shuffle.New(cfg, c.deliver, rlog)
		if err != nil {
			log.Fatalf("rank %d: new: %v", r, err)
		}
		sh.SetFatalHandler(func(err error) {
			rlog.Errorw("fatal condition, aborting run", "err", err)
			cancel()
		})
		if err := sh.Listen(addrs[r]); err != nil {
			log.Fatalf("rank %d: listen: %v", r, err)
		}
		ranks[r] = sh
	}

	log.Printf("== shuffle-demo starting: world=%d ranks-per-node=%d 3hop=%v bypass=%v particles/rank/epoch=%d bytes/particle=%d dumps=%d",
		*world, *ranksPerNode, *use3Hop, *bypass, *nps, *psize, *ndumps)

	payload := make([]byte, *psize)
	for i := range payload {
		payload[i] = 'x'
	}

	for epoch := 0; epoch < *ndumps; epoch++ {
		select {
		case <-ctx.Done():
			log.Printf("run cancelled during epoch %d: %v", epoch, ctx.Err())
			return
		default:
		}

		e := uint16(epoch)
		for r, sh := range ranks {
			if err := sh.EpochStart(e); err != nil {
				log.Fatalf("rank %d: epoch %d start: %v", r, epoch, err)
			}
		}

		time.Sleep(*steptime)

		for r, sh := range ranks {
			for i := 0; i < *nps; i++ {
				fname := []byte(fmt.Sprintf("r%d-p%d", r, i))
				if err := sh.Write(fname, payload, e); err != nil {
					log.Fatalf("rank %d: write %s: %v", r, fname, err)
				}
			}
		}

		for r, sh := range ranks {
			if err := sh.EpochEnd(e); err != nil {
				log.Fatalf("rank %d: epoch %d end: %v", r, epoch, err)
			}
		}
		log.Printf("== epoch %d done", epoch+1)
	}

	table, err := ranks[0].Finalize(ctx)
	if err != nil {
		log.Printf("rank 0: finalize: %v (partial table: %+v)", err, table)
	} else {
		log.Printf("== finalize totals across %d ranks:", len(table))
		for rank, c := range table {
			log.Printf("   rank %d: sent=%d received=%d forwarded=%d", rank, c.Sent, c.Received, c.Forwarded)
		}
	}
	for r := 1; r < len(ranks); r++ {
		if _, err := ranks[r].Finalize(ctx); err != nil {
			log.Printf("rank %d: finalize: %v", r, err)
		}
	}

	total := 0
	for r, c := range deliveries {
		n := c.count()
		log.Printf("   rank %d delivered %d particle(s) locally", r, n)
		total += n
	}
	log.Printf("== shuffle-demo done: %d particle(s) delivered total", total)
}

// freeLoopbackAddr picks an ephemeral loopback port, mirroring the
// bootstrap collaborator that a real deployment would run once per rank.
func freeLoopbackAddr() string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		log.Fatalf("freeLoopbackAddr: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

// counter is the demo's delivery callback: in lieu of writing particle
// bytes to a real filesystem, it just tallies deliveries per rank. Delivery
// can arrive both from the local Write path and from the transport's
// progress workers, so the count is atomic.
type counter struct {
	n int64
}

func (c *counter) deliver(path string, payload []byte, epoch uint16) error {
	atomic.AddInt64(&c.n, 1)
	return nil
}

func (c *counter) count() int { return int(atomic.LoadInt64(&c.n)) }
