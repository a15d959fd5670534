package shuffle

import (
	"context"
	"fmt"

	"github.com/deltashuffle/shuffle/logger"
)

// Shuffle is the top-level handle: init(config) in §6's library surface.
// It owns every collaborator (placement table, nexus, transport, sender
// queues, forwarder, epoch controller, stats) for the lifetime between New
// and Finalize, and holds no package-level state of its own — every piece
// of state a caller can observe lives on this struct, per the explicit-state
// discipline.
type Shuffle struct {
	cfg Config
	log logger.Logger

	placer *Placer
	nexus  *Nexus

	transport *Transport
	queues    *QueueSet
	forwarder *Forwarder
	receiver  *Receiver
	epoch     *EpochController
	stats     *Stats
	reducer   *Reducer
	bufPool   *frameBufPool

	onFatal func(error)
}

// New builds a Shuffle from cfg and binds deliver as the external
// collaborator invoked for every record addressed to cfg.Rank. log may be
// nil, in which case a NoOpLogger is used. Every fatal condition detected on
// a background goroutine goes to shuffle.Fatal, which exits the process,
// unless a handler installed with SetFatalHandler takes it instead.
func New(cfg Config, deliver DeliverFunc, log logger.Logger) (*Shuffle, error) {
	if log == nil {
		log = logger.NewNoOpLogger()
	}

	placer := NewPlacer(cfg.World, cfg.VirtualFactor, cfg.BypassPlacement)

	nexus, err := NewNexus(cfg.Rank, cfg.World, cfg.RanksPerNode, cfg.Addrs)
	if err != nil {
		return nil, err
	}

	s := &Shuffle{cfg: cfg, log: log, placer: placer, nexus: nexus, stats: NewStats(cfg.Rank), bufPool: newFrameBufPool()}

	onFatal := func(err error) {
		if s.onFatal != nil {
			s.onFatal(err)
			return
		}
		Fatal(log, err)
	}

	s.queues = NewQueueSet(cfg.DMax, cfg.BMax, cfg.NonBlockingWrite, s.stats, log)
	s.transport = NewTransport(log, cfg.Rank, cfg.World, cfg.Addrs, "", cfg.ProgressWorkers, func(err error) { onFatal(err) })
	// A kind=0 outer frame carries up to BatchMaxFrames envelopes back to
	// back, so inbound frames must be admitted up to that size.
	if cfg.BatchMaxFrames > 1 {
		s.transport.maxFrame = cfg.BatchMaxFrames * MaxFrameLen
	}
	s.forwarder = NewForwarder(cfg.Rank, cfg.Use3Hop, nexus, s.queues, s.transport, cfg.BatchMaxFrames, cfg.BatchMaxBytes, s.stats, log, func(err error) { onFatal(err) })
	s.receiver = NewReceiver(cfg.Rank, cfg.DeliveryDir, deliver, s.forwarder, cfg.Use3Hop, log)
	s.transport.Register(s.receiver.Handle)

	s.epoch = NewEpochController(s.queues, cfg.EpochDeadline, cfg.ParanoidBarrier, nil, log)
	s.reducer = NewReducer(int(cfg.World))
	s.transport.RegisterStats(s.reducer.HandleStatsPush)

	return s, nil
}

// SetFatalHandler overrides the default shuffle.Fatal(os.Exit) behavior for
// every fatal condition this Shuffle detects on a background goroutine.
// Intended for tests; production callers should leave this unset so a
// genuine fatal condition aborts the process as §7 requires.
func (s *Shuffle) SetFatalHandler(h func(error)) { s.onFatal = h }

// Listen starts accepting inbound connections on bindAddr (ordinarily
// s.cfg.Addrs[s.cfg.Rank]).
func (s *Shuffle) Listen(bindAddr string) error {
	return s.transport.Listen(bindAddr)
}

// Write is shuffle_write: places fname via C1, encodes it via C2, and either
// delivers it in-process (classify(dst) == self) or hands it to the
// forwarder. Returns ErrBusy when a sender queue is saturated and
// Config.NonBlockingWrite is set; otherwise blocks until space is available.
func (s *Shuffle) Write(fname, payload []byte, epoch uint16) error {
	dst := s.placer.Place(fname)
	src := s.cfg.Rank

	if dst == src {
		// classify(dst) == self: zero hops. Both ends of the envelope are
		// known locally regardless of Config.Use3Hop, so this path always
		// validates strictly (unlike Receiver.Handle's wire path, which
		// only can in fallback mode) and then shares the receiver's
		// dispatch logic for path-join and DeliveryFailure wrapping.
		buf := s.bufPool.get()[:EncodedLen(fname, payload)]
		n := Encode(buf, src, dst, fname, payload, epoch)

		rec, err := Decode(buf[:n], src, dst)
		if err != nil {
			s.bufPool.put(buf)
			return err
		}
		err = s.receiver.dispatch(rec)
		s.bufPool.put(buf)
		if err != nil {
			return err
		}
		s.stats.RecordSent(1)
		s.stats.RecordReceived(1)
		return nil
	}

	rec := Record{Src: src, Dst: dst, Fname: fname, Payload: payload, Epoch: epoch}
	if err := s.forwarder.Forward(context.Background(), rec); err != nil {
		return err
	}
	s.stats.RecordSent(1)
	return nil
}

// EpochStart is epoch_start(e).
func (s *Shuffle) EpochStart(e uint16) error { return s.epoch.EpochStart(e) }

// EpochEnd is epoch_end(e).
func (s *Shuffle) EpochEnd(e uint16) error { return s.epoch.EpochEnd(e) }

// Finalize pushes this rank's Counters to rank 0 (or folds them in directly,
// if this rank is rank 0) and, on rank 0, waits for every rank to report in
// before returning the reduced Counters table. Every other rank returns its
// own Counters snapshot. Also tears down the forwarder's sender loops and
// the transport.
func (s *Shuffle) Finalize(ctx context.Context) (map[uint32]Counters, error) {
	snap := s.stats.Snapshot()
	if err := s.transport.PushStats(ctx, 0, snap); err != nil {
		return nil, err
	}

	var table map[uint32]Counters
	if s.cfg.Rank == 0 {
		var complete bool
		table, complete = s.reducer.Wait(ctx)
		if !complete {
			return table, fmt.Errorf("shuffle: finalize reduction incomplete: got %d of %d ranks", len(table), s.cfg.World)
		}
	} else {
		table = map[uint32]Counters{snap.Rank: snap}
	}

	s.forwarder.Close()
	if err := s.transport.Close(); err != nil {
		return table, err
	}
	return table, nil
}
