// Package subscribe implements the subscription multiplexer of spec §4.F:
// three channels (session, activity, session-watch) multiplexed over one
// connection, each with a monotonic per-subscription event ID, a cleanup
// closure invoked exactly once, and a 30 s heartbeat for producers that do
// not already heartbeat on their own.
package subscribe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sessionrelay/core/internal/wire"
)

// HeartbeatInterval is the cadence for subscriptions whose producer does
// not already heartbeat (spec §5: "subscription heartbeat 30 s").
const HeartbeatInterval = 30 * time.Second

const (
	ChannelSession      = "session"
	ChannelActivity     = "activity"
	ChannelSessionWatch = "session-watch"
)

// ErrSubscriptionInUse is returned when a subscription ID collides with an
// already-registered one on this connection.
var ErrSubscriptionInUse = errors.New("subscribe: subscription id already in use")

// ErrUnknownChannel is returned for a channel name outside {session,
// activity, session-watch}.
var ErrUnknownChannel = errors.New("subscribe: unknown channel")

// ErrNoActiveProcess is the channel-specific rejection for a session
// subscription whose sessionId has no live process (spec §4.F).
var ErrNoActiveProcess = errors.New("subscribe: no active process for session")

// Producer emits events for a single subscription until Close is called.
// Implementations are supplied by the session supervisor, activity event
// bus, or focused session watch collaborators named in spec §6.
type Producer interface {
	// Close stops the producer and releases its resources. Safe to call
	// multiple times.
	Close()
}

// SelfHeartbeating is implemented by producers that already emit their own
// liveness signal, so the multiplexer must not additionally heartbeat them.
type SelfHeartbeating interface {
	SelfHeartbeats() bool
}

// SessionSupervisor resolves a session subscription to its live process
// (spec §6: "Session supervisor — getProcessForSession(sessionId)").
type SessionSupervisor interface {
	Subscribe(ctx context.Context, sessionID string, emit func(eventType string, data json.RawMessage)) (Producer, error)
}

// ActivityBus is the global event feed collaborator (spec §6: "Activity
// event bus — subscribe(listener) -> unsubscribe").
type ActivityBus interface {
	Subscribe(ctx context.Context, emit func(eventType string, data json.RawMessage)) (Producer, error)
}

// SessionWatch is the focused file-change watch collaborator (spec §6:
// "Focused session watch").
type SessionWatch interface {
	Subscribe(ctx context.Context, sessionID, projectID, providerHint string, emit func(eventType string, data json.RawMessage)) (Producer, error)
}

// Sender is how the server pushes event/heartbeat/connected frames.
type Sender interface {
	SendJSON(v any) error
}

type subscription struct {
	id       string
	mu       sync.Mutex
	nextID   uint64
	cleanup  sync.Once
	producer Producer
	cancel   context.CancelFunc
	done     chan struct{}
}

// Server multiplexes subscriptions over one connection.
type Server struct {
	session  SessionSupervisor
	activity ActivityBus
	watch    SessionWatch
	sender   Sender
	logger   *slog.Logger

	mu   sync.Mutex
	subs map[string]*subscription
}

// NewServer creates a subscription multiplexer bound to one connection's
// collaborators and sender.
func NewServer(session SessionSupervisor, activity ActivityBus, watch SessionWatch, sender Sender, logger *slog.Logger) *Server {
	return &Server{session: session, activity: activity, watch: watch, sender: sender, logger: logger, subs: make(map[string]*subscription)}
}

// Subscribe handles a `subscribe` message (spec §4.F steps 1-4).
func (s *Server) Subscribe(ctx context.Context, msg wire.SubscribeMsg) error {
	s.mu.Lock()
	if _, exists := s.subs[msg.SubscriptionID]; exists {
		s.mu.Unlock()
		return s.sendSubscriptionError(msg.SubscriptionID, 409, ErrSubscriptionInUse)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{id: msg.SubscriptionID, cancel: cancel, done: make(chan struct{})}
	s.subs[msg.SubscriptionID] = sub
	s.mu.Unlock()

	emit := func(eventType string, data json.RawMessage) {
		s.emitEvent(sub, eventType, data)
	}

	var (
		producer Producer
		err      error
	)

	switch msg.Channel {
	case ChannelSession:
		if msg.SessionID == "" {
			err = fmt.Errorf("%w: session channel requires sessionId", ErrUnknownChannel)
			break
		}

		producer, err = s.session.Subscribe(subCtx, msg.SessionID, emit)
	case ChannelActivity:
		producer, err = s.activity.Subscribe(subCtx, emit)
	case ChannelSessionWatch:
		producer, err = s.watch.Subscribe(subCtx, msg.SessionID, msg.ProjectID, msg.ProviderHint, emit)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownChannel, msg.Channel)
	}

	if err != nil {
		cancel()
		s.removeLocked(msg.SubscriptionID)

		status := 400
		if errors.Is(err, ErrNoActiveProcess) {
			status = 404
		}

		return s.sendSubscriptionError(msg.SubscriptionID, status, err)
	}

	sub.producer = producer

	if !selfHeartbeats(producer) {
		go s.heartbeatLoop(sub)
	}

	s.logger.Info("subscription opened", slog.String("subscriptionId", msg.SubscriptionID), slog.String("channel", msg.Channel))

	return s.sender.SendJSON(wire.EventMsg{
		Type: wire.TypeEvent, SubscriptionID: msg.SubscriptionID, EventID: 0, EventType: "connected",
	})
}

func selfHeartbeats(p Producer) bool {
	sh, ok := p.(SelfHeartbeating)
	return ok && sh.SelfHeartbeats()
}

// Unsubscribe handles an `unsubscribe` message (spec §4.F step 5).
func (s *Server) Unsubscribe(subscriptionID string) {
	s.removeAndCleanup(subscriptionID)
}

// CloseAll tears down every subscription on this connection (spec §5:
// "Connection close cancels everything ... all subscriptions receive
// onClose").
func (s *Server) CloseAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.removeAndCleanup(id)
	}
}

func (s *Server) removeAndCleanup(subscriptionID string) {
	s.mu.Lock()
	sub, ok := s.subs[subscriptionID]
	if ok {
		delete(s.subs, subscriptionID)
	}
	s.mu.Unlock()

	if !ok {
		return
	}

	// Exactly-once cleanup regardless of whether unsubscribe and connection
	// close race (spec §8 testable property 3).
	sub.cleanup.Do(func() {
		sub.cancel()
		if sub.producer != nil {
			sub.producer.Close()
		}
		close(sub.done)
	})
}

func (s *Server) removeLocked(subscriptionID string) {
	s.mu.Lock()
	delete(s.subs, subscriptionID)
	s.mu.Unlock()
}

func (s *Server) emitEvent(sub *subscription, eventType string, data json.RawMessage) {
	sub.mu.Lock()
	sub.nextID++
	eventID := sub.nextID
	sub.mu.Unlock()

	if err := s.sender.SendJSON(wire.EventMsg{
		Type: wire.TypeEvent, SubscriptionID: sub.id, EventID: eventID, EventType: eventType, Data: data,
	}); err != nil {
		s.logger.Warn("failed to deliver subscription event", slog.String("subscriptionId", sub.id), slog.String("error", err.Error()))
	}
}

func (s *Server) heartbeatLoop(sub *subscription) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sub.done:
			return
		case <-ticker.C:
			if err := s.sender.SendJSON(wire.HeartbeatMsg{Type: wire.TypeHeartbeat, SubscriptionID: sub.id}); err != nil {
				s.logger.Warn("failed to send heartbeat", slog.String("subscriptionId", sub.id), slog.String("error", err.Error()))
			}
		}
	}
}

func (s *Server) sendSubscriptionError(subscriptionID string, status int, cause error) error {
	s.logger.Warn("subscription error", slog.String("subscriptionId", subscriptionID), slog.String("error", cause.Error()))

	return s.sender.SendJSON(wire.SubscriptionErrorMsg{
		Type: wire.TypeResponse, SubscriptionID: subscriptionID, Status: status, Reason: cause.Error(),
	})
}
