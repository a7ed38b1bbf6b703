package connstate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckInboundSeq_ReplayRejected(t *testing.T) {
	c := New("conn-1", true)

	require.NoError(t, c.CheckInboundSeq(1))
	err := c.CheckInboundSeq(1)
	assert.ErrorIs(t, err, ErrReplayOrReorder)
}

func TestCheckInboundSeq_ReorderRejected(t *testing.T) {
	c := New("conn-1", true)

	require.NoError(t, c.CheckInboundSeq(5))
	err := c.CheckInboundSeq(3)
	assert.ErrorIs(t, err, ErrReplayOrReorder)
}

func TestResumeChallenge_SingleUse(t *testing.T) {
	c := New("conn-1", true)
	now := time.Now()

	ch, err := c.IssueResumeChallenge("sess-1", "alice", now)
	require.NoError(t, err)
	require.NotNil(t, ch)

	got, ok := c.ConsumeResumeChallenge("sess-1", "alice", now.Add(time.Second))
	require.True(t, ok)
	assert.Equal(t, ch.Nonce, got.Nonce)

	_, ok = c.ConsumeResumeChallenge("sess-1", "alice", now.Add(2*time.Second))
	assert.False(t, ok, "a second resume against the same nonce must fail")
}

func TestResumeChallenge_ExpiresAfter60Seconds(t *testing.T) {
	c := New("conn-1", true)
	now := time.Now()

	_, err := c.IssueResumeChallenge("sess-1", "alice", now)
	require.NoError(t, err)

	_, ok := c.ConsumeResumeChallenge("sess-1", "alice", now.Add(61*time.Second))
	assert.False(t, ok)
}

func TestFailedProofCooldown_ExponentialBackoff(t *testing.T) {
	c := New("conn-1", true)
	now := time.Now()

	c.RecordFailedProof(now)
	assert.True(t, c.Blocked(now.Add(4*time.Second)))
	assert.False(t, c.Blocked(now.Add(6*time.Second)))

	c.RecordFailedProof(now.Add(6 * time.Second))
	// second failure: cooldown = 10s from the second failure's timestamp
	assert.True(t, c.Blocked(now.Add(6*time.Second+9*time.Second)))
	assert.False(t, c.Blocked(now.Add(6*time.Second+11*time.Second)))
}

func TestFailedProofCooldown_CapsAtFiveMinutes(t *testing.T) {
	assert.Equal(t, 5*time.Minute, failedProofCooldown(20))
}

func TestBinaryEncryptedLatch(t *testing.T) {
	c := New("conn-1", true)
	assert.False(t, c.BinaryEncryptedLatched())

	c.NoteBinaryEncrypted()
	assert.True(t, c.BinaryEncryptedLatched())
}

func TestTokenBucket_SixthAcceptedSeventhLimited(t *testing.T) {
	b := NewTokenBucket(6, 6, time.Minute)

	for i := 0; i < 6; i++ {
		require.Equal(t, RateLimitOK, b.Allow(), "token %d should be accepted", i+1)
	}

	assert.Equal(t, RateLimitCooldown, b.Allow(), "seventh hello within a minute must be rate-limited")
}

func TestIdentityBuckets_EvictIdle(t *testing.T) {
	reg := NewIdentityBuckets()
	now := time.Now()

	reg.Get("alice", now)
	assert.Equal(t, 0, reg.EvictIdle(now.Add(10*time.Minute)))
	assert.Equal(t, 1, reg.EvictIdle(now.Add(31*time.Minute)))
}
