package store

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessionrelay/core/internal/admission"
	"github.com/sessionrelay/core/internal/srp"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(context.Background(), ":memory:", testLogger())
	require.NoError(t, err)

	t.Cleanup(func() { require.NoError(t, s.Close()) })

	return s
}

func testKey(b byte) [srp.KeySize]byte {
	var key [srp.KeySize]byte
	for i := range key {
		key[i] = b
	}

	return key
}

func TestOpen_AppliesMigrations(t *testing.T) {
	s := newTestStore(t)

	var name string
	err := s.db.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'sessions'`).Scan(&name)
	require.NoError(t, err)
	assert.Equal(t, "sessions", name)
}

func TestCreateAndGetSession(t *testing.T) {
	s := newTestStore(t)

	key := testKey(7)
	require.NoError(t, s.CreateSession(admission.StoredSession{SessionID: "sess-1", Username: "alice", Key: key}))

	got, ok := s.GetSession("sess-1")
	require.True(t, ok)
	assert.Equal(t, "alice", got.Username)
	assert.Equal(t, key, got.Key)
}

func TestGetSession_UnknownReturnsFalse(t *testing.T) {
	s := newTestStore(t)

	_, ok := s.GetSession("does-not-exist")
	assert.False(t, ok)
}

func TestUpdateLastConnected(t *testing.T) {
	s := newTestStore(t)

	key := testKey(1)
	require.NoError(t, s.CreateSession(admission.StoredSession{SessionID: "sess-1", Username: "alice", Key: key}))

	later := time.Now().Add(time.Hour)
	require.NoError(t, s.UpdateLastConnected("sess-1", later))

	got, ok := s.GetSession("sess-1")
	require.True(t, ok)
	assert.WithinDuration(t, later, got.LastConnected, time.Second)
}

func TestIdentityBuckets_SaveListEvict(t *testing.T) {
	s := newTestStore(t)

	now := time.Now()
	require.NoError(t, s.SaveIdentityBucket(IdentityBucketSnapshot{
		Identity: "alice", Tokens: 12.5, LastRefillAt: now, LastSeenAt: now,
	}))
	require.NoError(t, s.SaveIdentityBucket(IdentityBucketSnapshot{
		Identity: "bob", Tokens: 30, LastRefillAt: now.Add(-time.Hour), LastSeenAt: now.Add(-time.Hour),
	}))

	snaps, err := s.ListIdentityBuckets()
	require.NoError(t, err)
	assert.Len(t, snaps, 2)

	n, err := s.EvictIdleBuckets(now.Add(-30 * time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	snaps, err = s.ListIdentityBuckets()
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, "alice", snaps[0].Identity)
}
