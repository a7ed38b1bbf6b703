package maintenance

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessionrelay/core/internal/connstate"
)

type fakeLedger struct {
	cutoff  time.Time
	evicted int64
	err     error
}

func (f *fakeLedger) EvictIdleBuckets(cutoff time.Time) (int64, error) {
	f.cutoff = cutoff
	return f.evicted, f.err
}

func TestSweepEvictsInMemoryAndPersistedBuckets(t *testing.T) {
	buckets := connstate.NewIdentityBuckets()
	buckets.Get("alice", time.Now().Add(-2*connstate.IdentityBucketTTL))

	ledger := &fakeLedger{evicted: 3}

	s := New(buckets, ledger, slog.Default())
	s.sweep()

	assert.Equal(t, 0, buckets.EvictIdle(time.Now()), "already evicted, second sweep finds nothing")
	assert.WithinDuration(t, time.Now().Add(-connstate.IdentityBucketTTL), ledger.cutoff, 2*time.Second)
}

func TestSweepToleratesNilLedger(t *testing.T) {
	buckets := connstate.NewIdentityBuckets()
	s := New(buckets, nil, slog.Default())

	require.NotPanics(t, s.sweep)
}
