// Package connmgr implements the client connection manager of spec §4.H: a
// single process-wide state machine (connected / reconnecting /
// disconnected) with bounded exponential backoff, stale detection, and
// visibility-triggered ping/pong — with reconnect attempts deduplicated via
// singleflight so at most one reconnectFn() runs at a time.
package connmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// State is one of the three connection manager states (spec §4.H diagram).
type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// Timing constants (spec §5, authoritative values).
const (
	StaleThreshold     = 45 * time.Second
	StaleCheckInterval = 10 * time.Second
	VisibilityHidden   = 5 * time.Second
	PongTimeout        = 2 * time.Second
)

// NonRetryable marks an error as terminal: the manager bypasses backoff and
// transitions straight to disconnected (spec §4.H).
type NonRetryable struct {
	Err error
}

func (e *NonRetryable) Error() string { return e.Err.Error() }
func (e *NonRetryable) Unwrap() error { return e.Err }

// IsNonRetryable reports whether err (or anything it wraps) is flagged
// non-retryable.
func IsNonRetryable(err error) bool {
	var nr *NonRetryable
	return errors.As(err, &nr)
}

// ReconnectFunc rebuilds the transport. A non-retryable error bypasses
// further backoff attempts.
type ReconnectFunc func(ctx context.Context) error

// SendPingFunc issues a ping with id and returns when the server is
// expected to reply with a matching pong (visibility check, spec §4.H).
type SendPingFunc func(ctx context.Context, id string) error

// Listener receives connection manager events (spec §4.H "Events out").
type Listener struct {
	OnStateChange     func(next, prev State)
	OnReconnectFailed func(err error)
	OnVisibleRestored func()
}

// Manager is the process-wide connection state machine. One Manager per
// client host connection.
type Manager struct {
	logger   *slog.Logger
	listener Listener

	reconnectFn ReconnectFunc
	sendPing    SendPingFunc
	group       singleflight.Group

	mu            sync.Mutex
	state         State
	attempts      int
	lastEventTime time.Time
	hiddenSince   time.Time
	isHidden      bool
	pendingPingID string

	stopCh chan struct{}
	timers sync.WaitGroup
}

// New creates a Manager in the disconnected state. logger must not be nil.
func New(logger *slog.Logger, listener Listener) *Manager {
	return &Manager{logger: logger, listener: listener, state: StateDisconnected, stopCh: make(chan struct{})}
}

// Start transitions disconnected -> connected directly, for the initial
// connection (spec §4.H diagram: "start() disconnected -> connected").
func (m *Manager) Start(reconnectFn ReconnectFunc, sendPing SendPingFunc) {
	m.mu.Lock()
	m.reconnectFn = reconnectFn
	m.sendPing = sendPing
	m.stopCh = make(chan struct{})
	m.mu.Unlock()

	m.markConnected()

	m.timers.Add(1)
	go m.staleCheckLoop()
}

// MarkConnected records a successful connection, resets the reconnect
// attempt counter, and clears the liveness clock so stale detection waits
// for the first event or heartbeat on the new connection.
func (m *Manager) MarkConnected() { m.markConnected() }

func (m *Manager) markConnected() {
	m.mu.Lock()
	prev := m.state
	m.state = StateConnected
	m.attempts = 0
	m.lastEventTime = time.Time{}
	m.mu.Unlock()

	m.notifyStateChange(StateConnected, prev)
}

// RecordEvent and RecordHeartbeat both refresh the liveness clock used by
// stale detection.
func (m *Manager) RecordEvent()     { m.touch() }
func (m *Manager) RecordHeartbeat() { m.touch() }

func (m *Manager) touch() {
	m.mu.Lock()
	m.lastEventTime = time.Now()
	m.mu.Unlock()
}

// HandleError routes a transport error: non-retryable errors bypass backoff
// straight to disconnected; others start reconnecting.
func (m *Manager) HandleError(err error) {
	if IsNonRetryable(err) {
		m.toDisconnected(err)
		return
	}

	m.toReconnecting()
}

// HandleClose handles a transport close, with an optional cause.
func (m *Manager) HandleClose(cause error) {
	if cause != nil && IsNonRetryable(cause) {
		m.toDisconnected(cause)
		return
	}

	m.toReconnecting()
}

// ForceReconnect requests an immediate reconnect regardless of current
// state (spec §4.H: "forceReconnect(reason?)").
func (m *Manager) ForceReconnect(reason string) {
	m.logger.Info("forcing reconnect", slog.String("reason", reason))
	m.toReconnecting()
}

// ReceivePong cancels the pending pong timeout for id (spec §4.H
// visibility check).
func (m *Manager) ReceivePong(id string) {
	m.mu.Lock()
	if m.pendingPingID == id {
		m.pendingPingID = ""
	}
	m.mu.Unlock()

	m.touch()
}

// Stop clears all timers, drops the reconnect function, and moves to
// disconnected (spec §4.H: "stop() clears all timers ... moves to
// disconnected"). There is no user-visible cancellation beyond this.
func (m *Manager) Stop() {
	m.mu.Lock()
	prev := m.state
	m.state = StateDisconnected
	m.reconnectFn = nil
	close(m.stopCh)
	m.mu.Unlock()

	m.timers.Wait()
	m.notifyStateChange(StateDisconnected, prev)
}

// State returns the manager's current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state
}

func (m *Manager) toDisconnected(cause error) {
	m.mu.Lock()
	prev := m.state
	m.state = StateDisconnected
	m.mu.Unlock()

	if m.listener.OnReconnectFailed != nil {
		m.listener.OnReconnectFailed(cause)
	}

	m.notifyStateChange(StateDisconnected, prev)
}

func (m *Manager) toReconnecting() {
	m.mu.Lock()
	if m.state == StateReconnecting {
		m.mu.Unlock()
		return
	}

	prev := m.state
	m.state = StateReconnecting
	m.mu.Unlock()

	m.notifyStateChange(StateReconnecting, prev)

	go m.runReconnectLoop()
}

// runReconnectLoop drives attempts through the shared backoff sequence,
// deduplicating concurrent reconnectFn() invocations via singleflight so a
// superseded attempt's outcome is ignored (spec §4.H cancellation clause).
func (m *Manager) runReconnectLoop() {
	backoff, err := newBackoff()
	if err != nil {
		m.logger.Error("connmgr: failed to construct backoff", slog.String("error", err.Error()))
		m.toDisconnected(err)

		return
	}

	for {
		m.mu.Lock()
		if m.state != StateReconnecting {
			m.mu.Unlock()
			return
		}

		m.attempts++
		attempt := m.attempts
		reconnectFn := m.reconnectFn
		m.mu.Unlock()

		if reconnectFn == nil {
			return
		}

		delay, stop := backoff.Next()
		if stop {
			m.toDisconnected(fmt.Errorf("connmgr: exceeded %d reconnect attempts", maxRetries))
			return
		}

		select {
		case <-time.After(delay):
		case <-m.stopCh:
			return
		}

		_, err, _ := m.group.Do("reconnect", func() (any, error) {
			ctx, cancel := context.WithTimeout(context.Background(), maxDelay)
			defer cancel()

			return nil, reconnectFn(ctx)
		})

		m.mu.Lock()
		stillReconnecting := m.state == StateReconnecting
		m.mu.Unlock()

		if !stillReconnecting {
			// A concurrent transition (Stop, another success) superseded us;
			// the outcome of this de-duplicated attempt is ignored.
			return
		}

		if err == nil {
			m.markConnected()
			return
		}

		if IsNonRetryable(err) {
			m.toDisconnected(err)
			return
		}

		m.logger.Warn("reconnect attempt failed", slog.Int("attempt", attempt), slog.String("error", err.Error()))
	}
}

func (m *Manager) notifyStateChange(next, prev State) {
	if next == prev {
		return
	}

	if m.listener.OnStateChange != nil {
		m.listener.OnStateChange(next, prev)
	}
}

// staleCheckLoop polls every StaleCheckInterval and forces a reconnect once
// at least one heartbeat/event has been observed and the gap since the
// last one exceeds StaleThreshold (spec §4.H stale detection).
func (m *Manager) staleCheckLoop() {
	defer m.timers.Done()

	ticker := time.NewTicker(StaleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.mu.Lock()
			lastEvent := m.lastEventTime
			state := m.state
			m.mu.Unlock()

			if state != StateConnected || lastEvent.IsZero() {
				continue
			}

			if time.Since(lastEvent) > StaleThreshold {
				m.ForceReconnect("stale")
			}
		}
	}
}

// AppHidden records that the UI went into the background at t.
func (m *Manager) AppHidden(t time.Time) {
	m.mu.Lock()
	m.isHidden = true
	m.hiddenSince = t
	m.mu.Unlock()
}

// AppVisible handles a return to the foreground: if the hidden period was
// at least VisibilityHidden, it emits visibilityRestored and, if a
// SendPingFunc was supplied, issues a ping and forces reconnect on pong
// timeout (spec §4.H visibility clause).
func (m *Manager) AppVisible(ctx context.Context, t time.Time) {
	m.mu.Lock()
	wasHidden := m.isHidden
	hiddenSince := m.hiddenSince
	m.isHidden = false
	sendPing := m.sendPing
	m.mu.Unlock()

	if !wasHidden || t.Sub(hiddenSince) < VisibilityHidden {
		return
	}

	if m.listener.OnVisibleRestored != nil {
		m.listener.OnVisibleRestored()
	}

	if sendPing == nil {
		return
	}

	pingID := fmt.Sprintf("ping-%d", t.UnixNano())

	m.mu.Lock()
	m.pendingPingID = pingID
	m.mu.Unlock()

	pingCtx, cancel := context.WithTimeout(ctx, PongTimeout)
	defer cancel()

	if err := sendPing(pingCtx, pingID); err != nil {
		m.ForceReconnect("visibility ping failed")
		return
	}

	go m.awaitPong(pingID)
}

func (m *Manager) awaitPong(pingID string) {
	timer := time.NewTimer(PongTimeout)
	defer timer.Stop()

	select {
	case <-timer.C:
		m.mu.Lock()
		stillPending := m.pendingPingID == pingID
		m.mu.Unlock()

		if stillPending {
			m.ForceReconnect("visibility pong timeout")
		}
	case <-m.stopCh:
	}
}
