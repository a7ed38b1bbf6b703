package store

import (
	"fmt"
	"time"
)

// IdentityBucketSnapshot is one row of the persisted rate-limit ledger:
// enough to reconstruct an identity's token-bucket state after a restart,
// without replaying every request since the process last ran.
type IdentityBucketSnapshot struct {
	Identity     string
	Tokens       float64
	LastRefillAt time.Time
	LastSeenAt   time.Time
}

const (
	sqlUpsertBucket = `INSERT INTO identity_rate_buckets
		(identity, tokens, last_refill_at, last_seen_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(identity) DO UPDATE SET
			tokens = excluded.tokens,
			last_refill_at = excluded.last_refill_at,
			last_seen_at = excluded.last_seen_at`

	sqlListBuckets = `SELECT identity, tokens, last_refill_at, last_seen_at FROM identity_rate_buckets`

	sqlDeleteIdleBuckets = `DELETE FROM identity_rate_buckets WHERE last_seen_at < ?`
)

// SaveIdentityBucket persists the latest snapshot for one identity's rate
// bucket. The server does not call it: the in-memory
// connstate.IdentityBuckets are not written to this ledger.
func (s *Store) SaveIdentityBucket(snap IdentityBucketSnapshot) error {
	_, err := s.db.Exec(sqlUpsertBucket, snap.Identity, snap.Tokens, snap.LastRefillAt.Unix(), snap.LastSeenAt.Unix())
	if err != nil {
		return fmt.Errorf("store: saving identity bucket: %w", err)
	}

	return nil
}

// ListIdentityBuckets returns every persisted rate-limit snapshot. The
// server does not call it at startup, so internal/connstate.IdentityBuckets
// starts empty after every restart.
func (s *Store) ListIdentityBuckets() ([]IdentityBucketSnapshot, error) {
	rows, err := s.db.Query(sqlListBuckets)
	if err != nil {
		return nil, fmt.Errorf("store: listing identity buckets: %w", err)
	}
	defer rows.Close()

	var snaps []IdentityBucketSnapshot

	for rows.Next() {
		var (
			snap                     IdentityBucketSnapshot
			refillUnix, lastSeenUnix int64
		)

		if err := rows.Scan(&snap.Identity, &snap.Tokens, &refillUnix, &lastSeenUnix); err != nil {
			return nil, fmt.Errorf("store: scanning identity bucket: %w", err)
		}

		snap.LastRefillAt = time.Unix(refillUnix, 0)
		snap.LastSeenAt = time.Unix(lastSeenUnix, 0)
		snaps = append(snaps, snap)
	}

	return snaps, rows.Err()
}

// EvictIdleBuckets deletes persisted snapshots untouched since before
// cutoff, mirroring connstate.IdentityBuckets.EvictIdle's in-memory sweep
// (spec §5 identity rate-limit TTL) so the ledger does not grow unbounded.
func (s *Store) EvictIdleBuckets(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(sqlDeleteIdleBuckets, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("store: evicting idle identity buckets: %w", err)
	}

	return res.RowsAffected()
}
