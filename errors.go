package shuffle

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"

	"github.com/deltashuffle/shuffle/logger"
)

// ErrBusy is returned by Write when a sender queue is saturated and the
// Shuffle was constructed with NonBlockingWrite set; otherwise Write blocks
// instead of returning it.
var ErrBusy = errors.New("shuffle: sender queue busy")

// Connection-level sentinels, classified by isFatalTransport below. They are
// not part of the job-fatal taxonomy by themselves. ErrPeerClosed is also
// what QueueSet.Enqueue returns once the set is closed. transport.go does
// not consult these: it reports a failed dial or a failed send as a
// TransportFatal FatalError.
var (
	ErrTimeout    = errors.New("shuffle: transport timeout")
	ErrPeerClosed = errors.New("shuffle: peer closed connection")
)

// isFatalTransport reports whether a connection-level error indicates a
// broken socket that should trigger a redial, as opposed to a timeout that
// may resolve on its own.
func isFatalTransport(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTimeout) {
		return false
	}
	if errors.Is(err, ErrPeerClosed) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return true
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return !nerr.Timeout()
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNABORTED) {
		return true
	}
	return false
}

// Kind names one of the fatal error conditions from the error taxonomy.
// Busy is deliberately not a Kind: it is the one non-fatal case and is
// represented by ErrBusy instead.
type Kind int

const (
	// CorruptFrame means an envelope failed to decode, or its declared
	// src/dst disagreed with the transport's delivery context.
	CorruptFrame Kind = iota + 1
	// PlacementInconsistency means the nexus-reported world size disagreed
	// with the placement table's configured size at init.
	PlacementInconsistency
	// TransportFatal means an RPC completion reported failure.
	TransportFatal
	// DeliveryFailure means the registered delivery callback returned a
	// non-nil error.
	DeliveryFailure
	// EpochTimeout means epoch_end exceeded its configured deadline.
	EpochTimeout
)

func (k Kind) String() string {
	switch k {
	case CorruptFrame:
		return "CorruptFrame"
	case PlacementInconsistency:
		return "PlacementInconsistency"
	case TransportFatal:
		return "TransportFatal"
	case DeliveryFailure:
		return "DeliveryFailure"
	case EpochTimeout:
		return "EpochTimeout"
	default:
		return "UnknownKind"
	}
}

// FatalError is the single error type carrying every job-fatal condition in
// the taxonomy. Nothing in this module retries on a FatalError; the design is
// loudly-crash-early because a silent mis-delivery would corrupt the
// downstream store.
type FatalError struct {
	Kind   Kind
	Src    uint32
	Dst    uint32
	Epoch  uint16
	HasSDE bool // whether Src/Dst/Epoch are meaningful for this occurrence
	Detail string
	Cause  error
}

func (e *FatalError) Error() string {
	if e.HasSDE {
		if e.Cause != nil {
			return fmt.Sprintf("shuffle: fatal %s (src=%d,dst=%d,epoch=%d): %s: %v", e.Kind, e.Src, e.Dst, e.Epoch, e.Detail, e.Cause)
		}
		return fmt.Sprintf("shuffle: fatal %s (src=%d,dst=%d,epoch=%d): %s", e.Kind, e.Src, e.Dst, e.Epoch, e.Detail)
	}
	if e.Cause != nil {
		return fmt.Sprintf("shuffle: fatal %s: %s: %v", e.Kind, e.Detail, e.Cause)
	}
	return fmt.Sprintf("shuffle: fatal %s: %s", e.Kind, e.Detail)
}

func (e *FatalError) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, someFatalError) style matching work against the
// Kind alone; callers more commonly match with errors.As.
func (e *FatalError) Is(target error) bool {
	var other *FatalError
	if errors.As(target, &other) {
		return other.Kind == e.Kind
	}
	return false
}

// Fatal is the single bubble-up point named in the design notes: every
// fatal condition detected on one of the module's background goroutines
// funnels here, unless Shuffle.SetFatalHandler installed a replacement.
// Synchronous calls (Write, EpochStart, EpochEnd) return their FatalError to
// the caller instead. It logs a single-line diagnostic and exits the process
// with a non-zero status.
func Fatal(log logger.Logger, err error) {
	log.Errorw("fatal shuffle error", "error", err)
	os.Exit(1)
}
