package shuffle

import (
	"sync"
	"time"

	"github.com/deltashuffle/shuffle/logger"
)

// EpochController implements C7: epoch_start/epoch_end barriers around the
// current epoch counter and the inflight-drain wait. The surrounding
// application performs the actual global barrier before epoch_start and
// after epoch_end returns (§4.7); this controller only owns the local
// bookkeeping between those two points.
type EpochController struct {
	mu       sync.Mutex
	current  uint16
	started  bool
	queues   *QueueSet
	deadline time.Duration
	paranoid bool
	barrier  func() // optional extra rendezvous when paranoid is set
	log      logger.Logger
}

// NewEpochController builds a controller bound to queues' inflight
// accounting. deadline is Config.EpochDeadline (zero means unbounded).
// paranoidBarrier mirrors Config.ParanoidBarrier: when true and barrier is
// non-nil, barrier is invoked once at the start and once at the end of
// every epoch boundary, an extra rendezvous beyond the caller's own.
func NewEpochController(queues *QueueSet, deadline time.Duration, paranoidBarrier bool, barrier func(), log logger.Logger) *EpochController {
	return &EpochController{
		queues:   queues,
		deadline: deadline,
		paranoid: paranoidBarrier,
		barrier:  barrier,
		log:      log,
	}
}

// EpochStart makes e the current epoch. Asserts inflight[e] == 0: a rank
// entering a new epoch while frames from that same epoch number are still
// in flight indicates the application reused an epoch number before the
// prior round fully drained, which this rewrite treats as a
// PlacementInconsistency (an epoch's identity must be unique while live).
func (c *EpochController) EpochStart(e uint16) error {
	if c.paranoid && c.barrier != nil {
		c.barrier()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if n := c.queues.Inflight(e); n != 0 {
		return &FatalError{
			Kind:   PlacementInconsistency,
			Epoch:  e,
			HasSDE: true,
			Detail: "epoch_start called with nonzero inflight count for this epoch",
		}
	}
	c.current = e
	c.started = true
	return nil
}

// CurrentEpoch returns the epoch most recently passed to EpochStart.
func (c *EpochController) CurrentEpoch() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// EpochEnd waits until inflight[e] == 0. Sender queues naturally flush
// whatever is ready at every dequeue (forwarder.go's sender loops never
// delay a partial batch), so "forces partial batches out" reduces to
// draining whatever is already enqueued; no separate flush step is needed.
// If deadline is nonzero and elapses first, returns an EpochTimeout
// FatalError naming the epoch; shuffle.go's EpochEnd returns that error to
// its own caller.
func (c *EpochController) EpochEnd(e uint16) error {
	if !c.queues.WaitDrain(e, c.deadline) {
		return &FatalError{
			Kind:   EpochTimeout,
			Epoch:  e,
			HasSDE: true,
			Detail: "epoch_end exceeded EpochDeadline waiting for inflight to drain",
		}
	}

	if c.paranoid && c.barrier != nil {
		c.barrier()
	}
	return nil
}
