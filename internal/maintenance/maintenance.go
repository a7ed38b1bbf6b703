// Package maintenance runs the periodic sweeps that spec §9's Open
// Questions leave unspecified: eviction of idle per-identity SRP rate
// buckets (spec §5: "rate-limit identity TTL 30 min"). Resolved here as a
// TTL-based sweep of the in-memory buckets, which are not persisted across
// restarts; when a Store is attached the sweep also deletes idle rows from
// its rate-limit ledger. This mirrors the scheduler shape
// nishisan-dev-n-backup uses for its own periodic backup jobs.
package maintenance

import (
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/sessionrelay/core/internal/connstate"
)

// sweepSchedule runs once a minute: frequent enough that a 30-minute TTL
// never drifts far past its bound, cheap enough to not matter if it doesn't.
const sweepSchedule = "@every 1m"

// PersistedLedger is the optional backing store for identity rate-limit
// snapshots (internal/store.Store satisfies this). Nil disables
// cross-restart persistence of the ledger sweep — see spec §9's Open
// Question on this.
type PersistedLedger interface {
	EvictIdleBuckets(cutoff time.Time) (int64, error)
}

// Scheduler drives the in-memory and (optionally) persisted rate-limit
// ledger sweeps on a cron schedule.
type Scheduler struct {
	cron    *cron.Cron
	buckets *connstate.IdentityBuckets
	ledger  PersistedLedger
	logger  *slog.Logger
}

// New creates a Scheduler bound to the server's identity-bucket registry.
// ledger may be nil if the server has no persistence layer attached.
func New(buckets *connstate.IdentityBuckets, ledger PersistedLedger, logger *slog.Logger) *Scheduler {
	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))

	s := &Scheduler{cron: c, buckets: buckets, ledger: ledger, logger: logger}

	c.AddFunc(sweepSchedule, s.sweep) //nolint:errcheck // sweepSchedule is a constant, cron.Parse cannot fail on it

	return s
}

// Start begins running the scheduled sweeps in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler and waits for any in-flight sweep to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) sweep() {
	now := time.Now()

	evicted := s.buckets.EvictIdle(now)
	if evicted > 0 {
		s.logger.Info("maintenance: evicted idle in-memory identity buckets", slog.Int("count", evicted))
	}

	if s.ledger == nil {
		return
	}

	cutoff := now.Add(-connstate.IdentityBucketTTL)

	n, err := s.ledger.EvictIdleBuckets(cutoff)
	if err != nil {
		s.logger.Warn("maintenance: evicting persisted identity buckets failed", slog.String("error", err.Error()))
		return
	}

	if n > 0 {
		s.logger.Info("maintenance: evicted idle persisted identity buckets", slog.Int64("count", n))
	}
}
