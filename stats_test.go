package shuffle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStatsSnapshotReflectsRecordedCounts(t *testing.T) {
	s := NewStats(3)
	s.RecordSent(5)
	s.RecordReceived(2)
	s.RecordForwarded(1)
	s.SampleDepth(10)
	s.SampleDepth(2)
	s.SampleDepth(7)

	snap := s.Snapshot()
	require.Equal(t, Counters{Rank: 3, Sent: 5, Received: 2, Forwarded: 1, MinDepth: 2, MaxDepth: 10}, snap)
}

func TestReducerAggregatesAllExpectedRanks(t *testing.T) {
	r := NewReducer(3)
	for rank := uint32(0); rank < 3; rank++ {
		c := Counters{Rank: rank, Sent: uint64(rank + 1), Received: 1, Forwarded: 0}
		raw, err := countersCodec.Encode(c)
		if err != nil {
			t.Fatal(err)
		}
		r.HandleStatsPush(raw)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, complete := r.Wait(ctx)
	require.True(t, complete, "expected reduction to complete once all ranks reported")
	require.Len(t, got, 3)

	totals := r.Totals()
	require.EqualValues(t, 1+2+3, totals.Sent)
	require.EqualValues(t, 3, totals.Received)
}

func TestReducerWaitTimesOutIfIncomplete(t *testing.T) {
	r := NewReducer(2)
	raw, _ := countersCodec.Encode(Counters{Rank: 0, Sent: 1})
	r.HandleStatsPush(raw)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, complete := r.Wait(ctx)
	if complete {
		t.Fatal("expected incomplete reduction when only one of two ranks reported")
	}
}

func TestReducerIgnoresMalformedPush(t *testing.T) {
	r := NewReducer(1)
	r.HandleStatsPush([]byte{0xff, 0xff})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	got, complete := r.Wait(ctx)
	if complete || len(got) != 0 {
		t.Fatalf("expected malformed push to be dropped, got %+v complete=%v", got, complete)
	}
}
