package subscribe

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/sessionrelay/core/internal/wire"
)

// FrameSender transmits one JSON subscribe/unsubscribe message.
type FrameSender interface {
	SendJSON(v any) error
}

// Handle is the client-side view of one open subscription.
type Handle struct {
	ID      string
	client  *Client
	OnOpen  func()
	OnEvent func(eventType string, data json.RawMessage)
	OnError func(status int, reason string)
	OnClose func()

	mu     sync.Mutex
	closed bool
	opened bool
}

// Close unsubscribes and runs local teardown (spec §4.F: "a subscription
// exposes close()"). Safe to call more than once.
func (h *Handle) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.mu.Unlock()

	h.client.unsubscribe(h.ID)

	if h.OnClose != nil {
		h.OnClose()
	}
}

// Client is the client-side half of the subscription multiplexer. On
// transport reconnect, consumers re-create subscriptions from scratch —
// the multiplexer does not persist state across transports (spec §4.F).
type Client struct {
	sender FrameSender
	logger *slog.Logger

	mu   sync.Mutex
	subs map[string]*Handle
}

// NewClient creates a subscription client bound to one transport.
func NewClient(sender FrameSender, logger *slog.Logger) *Client {
	return &Client{sender: sender, logger: logger, subs: make(map[string]*Handle)}
}

// Subscribe opens a new subscription on channel and returns a Handle whose
// callback fields the caller should set before any frame can arrive — set
// them immediately after this call returns, before yielding control.
func (c *Client) Subscribe(channel, sessionID, projectID, providerHint, lastEventID string) *Handle {
	id := uuid.New().String()
	h := &Handle{ID: id, client: c}

	c.mu.Lock()
	c.subs[id] = h
	c.mu.Unlock()

	if err := c.sender.SendJSON(wire.SubscribeMsg{
		Type: wire.TypeSubscribe, SubscriptionID: id, Channel: channel,
		SessionID: sessionID, ProjectID: projectID, ProviderHint: providerHint, LastEventID: lastEventID,
	}); err != nil {
		c.logger.Warn("failed to send subscribe", slog.String("subscriptionId", id), slog.String("error", err.Error()))
	}

	return h
}

func (c *Client) unsubscribe(id string) {
	c.mu.Lock()
	_, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()

	if !ok {
		return
	}

	if err := c.sender.SendJSON(wire.UnsubscribeMsg{Type: wire.TypeUnsubscribe, SubscriptionID: id}); err != nil {
		c.logger.Warn("failed to send unsubscribe", slog.String("subscriptionId", id), slog.String("error", err.Error()))
	}
}

// HandleEvent dispatches an incoming `event` frame to its subscription.
// The first event (server-emitted "connected") fires OnOpen instead of
// OnEvent (spec §4.F: "onOpen on the first connected event").
func (c *Client) HandleEvent(msg wire.EventMsg) {
	h := c.lookup(msg.SubscriptionID)
	if h == nil {
		return
	}

	if msg.EventType == "connected" {
		h.mu.Lock()
		alreadyOpened := h.opened
		h.opened = true
		h.mu.Unlock()

		if !alreadyOpened && h.OnOpen != nil {
			h.OnOpen()
		}

		return
	}

	if h.OnEvent != nil {
		h.OnEvent(msg.EventType, msg.Data)
	}
}

// HandleSubscriptionError dispatches a non-retryable subscription failure
// and removes the subscription locally (spec §7: "the subscription is
// removed; onError is surfaced").
func (c *Client) HandleSubscriptionError(msg wire.SubscriptionErrorMsg) {
	c.mu.Lock()
	h, ok := c.subs[msg.SubscriptionID]
	delete(c.subs, msg.SubscriptionID)
	c.mu.Unlock()

	if !ok {
		return
	}

	if h.OnError != nil {
		h.OnError(msg.Status, msg.Reason)
	}
}

// CloseAll fires OnClose for every open subscription without sending
// unsubscribe — used when the transport itself has already torn down.
func (c *Client) CloseAll() {
	c.mu.Lock()
	handles := make([]*Handle, 0, len(c.subs))
	for _, h := range c.subs {
		handles = append(handles, h)
	}
	c.subs = make(map[string]*Handle)
	c.mu.Unlock()

	for _, h := range handles {
		h.mu.Lock()
		h.closed = true
		h.mu.Unlock()

		if h.OnClose != nil {
			h.OnClose()
		}
	}
}

func (c *Client) lookup(id string) *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.subs[id]
}
