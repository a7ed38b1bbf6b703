package connmgr

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type stateRecorder struct {
	mu   sync.Mutex
	seen []State
}

func (r *stateRecorder) record(next, _ State) {
	r.mu.Lock()
	r.seen = append(r.seen, next)
	r.mu.Unlock()
}

func (r *stateRecorder) snapshot() []State {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]State, len(r.seen))
	copy(out, r.seen)

	return out
}

func TestManager_StartTransitionsToConnected(t *testing.T) {
	rec := &stateRecorder{}
	m := New(testLogger(), Listener{OnStateChange: rec.record})

	m.Start(func(context.Context) error { return nil }, nil)
	defer m.Stop()

	assert.Equal(t, StateConnected, m.State())
	assert.Contains(t, rec.snapshot(), StateConnected)
}

func TestManager_ForceReconnectSucceedsTransitionsThroughReconnecting(t *testing.T) {
	rec := &stateRecorder{}
	m := New(testLogger(), Listener{OnStateChange: rec.record})

	var calls int32
	m.Start(func(context.Context) error {
		calls++
		return nil
	}, nil)
	defer m.Stop()

	m.ForceReconnect("test")

	require.Eventually(t, func() bool {
		return m.State() == StateConnected
	}, 2*time.Second, 10*time.Millisecond)

	seen := rec.snapshot()
	require.GreaterOrEqual(t, len(seen), 2)
	assert.Contains(t, seen, StateReconnecting)
}

func TestManager_NonRetryableErrorGoesStraightToDisconnected(t *testing.T) {
	rec := &stateRecorder{}
	m := New(testLogger(), Listener{OnStateChange: rec.record})

	m.Start(func(context.Context) error { return nil }, nil)
	defer m.Stop()

	var reconnectFailed error

	m.listener.OnReconnectFailed = func(err error) { reconnectFailed = err }

	m.HandleError(&NonRetryable{Err: errors.New("auth required")})

	require.Eventually(t, func() bool { return m.State() == StateDisconnected }, time.Second, 10*time.Millisecond)
	assert.Error(t, reconnectFailed)
}

func TestManager_ReconnectDeduplicatesConcurrentAttempts(t *testing.T) {
	rec := &stateRecorder{}
	m := New(testLogger(), Listener{OnStateChange: rec.record})

	var calls int32
	var mu sync.Mutex

	m.Start(func(context.Context) error {
		mu.Lock()
		calls++
		mu.Unlock()

		return nil
	}, nil)
	defer m.Stop()

	m.ForceReconnect("race-1")
	m.ForceReconnect("race-2")

	require.Eventually(t, func() bool { return m.State() == StateConnected }, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, calls, int32(2), "singleflight should collapse overlapping reconnect attempts")
}

func TestManager_StopClearsTimersAndMovesToDisconnected(t *testing.T) {
	m := New(testLogger(), Listener{})
	m.Start(func(context.Context) error { return nil }, nil)

	m.Stop()

	assert.Equal(t, StateDisconnected, m.State())
}

func TestIsNonRetryable(t *testing.T) {
	base := errors.New("forbidden")
	wrapped := &NonRetryable{Err: base}

	assert.True(t, IsNonRetryable(wrapped))
	assert.False(t, IsNonRetryable(base))
}
