package connmgr

import (
	"time"

	"github.com/sethvargo/go-retry"
)

// Reconnect backoff constants (spec §4.H / §5, authoritative values).
const (
	baseDelay  = time.Second
	maxDelay   = 30 * time.Second
	jitterPct  = 30 // percent, approximates the spec's Uniform(0, 0.3) multiplier
	maxRetries = 10
)

// newBackoff builds the attempt-indexed delay sequence for reconnection:
// exponential from a 1 s base, capped at 30 s, with ~30% jitter, giving up
// after 10 attempts (spec §4.H: "attempts <= 10; backoff delay at attempt n
// = min(maxDelay, baseDelay * 2^n * (1 + Uniform(0, jitter)))").
func newBackoff() (retry.Backoff, error) {
	b, err := retry.NewExponential(baseDelay)
	if err != nil {
		return nil, err
	}

	b = retry.WithJitterPercent(jitterPct, b)
	b = retry.WithCappedDuration(maxDelay, b)
	b = retry.WithMaxRetries(maxRetries, b)

	return b, nil
}
