package tunnel

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sessionrelay/core/internal/wire"
)

// RequestTimeout is the server-agnostic client-side timeout for a pending
// request (spec §5: "request has a 30 s server-agnostic timeout").
const RequestTimeout = 30 * time.Second

// ErrConnectionClosed is the rejection reason for every pending request
// when the owning transport tears down (spec §5: "Connection close cancels
// everything: all pending requests reject with 'connection closed'").
var ErrConnectionClosed = errors.New("tunnel: connection closed")

// ErrTimeout is the rejection reason when no response arrives within
// RequestTimeout.
var ErrTimeout = errors.New("tunnel: request timed out")

// StatusError is returned by Client.Do when the response status is >= 400
// (spec §4.E: "Status >= 400 maps to an error that carries the numeric
// status and a setup-required flag").
type StatusError struct {
	Status        int
	SetupRequired bool
	Body          json.RawMessage
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("tunnel: request failed with status %d", e.Status)
}

// Response is the resolved value of a successful request.
type Response struct {
	Status        int
	Headers       map[string]string
	Body          json.RawMessage
	SetupRequired bool
}

// Blob is the reconstructed payload of a binary fetch (spec §4.E).
type Blob struct {
	ContentType string
	Data        []byte
}

// FrameSender transmits one JSON `request` message to the server.
type FrameSender interface {
	SendJSON(v any) error
}

type pending struct {
	resolve chan *Response
	reject  chan error
	timer   *time.Timer
}

// Client correlates outgoing `request` messages with their `response`
// frames. One Client per open transport.
type Client struct {
	sender FrameSender

	mu      sync.Mutex
	pending map[string]*pending
	closed  bool
}

// NewClient creates a request-tunnel client bound to sender.
func NewClient(sender FrameSender) *Client {
	return &Client{sender: sender, pending: make(map[string]*pending)}
}

// Do sends a request and blocks until the matching response arrives, the
// request times out, or ctx is cancelled.
func (c *Client) Do(ctx context.Context, method, path string, headers map[string]string, body []byte, binary bool) (*Response, error) {
	id := uuid.New().String()

	encodedBody := ""
	if len(body) > 0 {
		if binary {
			encodedBody = base64.StdEncoding.EncodeToString(body)
		} else {
			encodedBody = string(body)
		}
	}

	p := &pending{resolve: make(chan *Response, 1), reject: make(chan error, 1)}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrConnectionClosed
	}

	c.pending[id] = p
	c.mu.Unlock()

	p.timer = time.AfterFunc(RequestTimeout, func() { c.fail(id, ErrTimeout) })

	if err := c.sender.SendJSON(wire.RequestMsg{
		Type: wire.TypeRequest, ID: id, Method: method, Path: path,
		Headers: headers, Body: encodedBody, Binary: binary,
	}); err != nil {
		c.fail(id, err)
		return nil, err
	}

	select {
	case resp := <-p.resolve:
		if resp.Status >= 400 {
			return nil, &StatusError{Status: resp.Status, SetupRequired: resp.SetupRequired, Body: resp.Body}
		}

		return resp, nil
	case err := <-p.reject:
		return nil, err
	case <-ctx.Done():
		c.fail(id, ctx.Err())
		return nil, ctx.Err()
	}
}

// FetchBlob requests path and reconstructs a binary blob from the base64
// marker the server emits for binary content types (spec §4.E).
func (c *Client) FetchBlob(ctx context.Context, path string) (*Blob, error) {
	resp, err := c.Do(ctx, "GET", path, nil, nil, false)
	if err != nil {
		return nil, err
	}

	var marker wire.BinaryBody
	if err := json.Unmarshal(resp.Body, &marker); err != nil || !marker.Binary {
		return &Blob{ContentType: resp.Headers["content-type"], Data: resp.Body}, nil
	}

	data, err := base64.StdEncoding.DecodeString(marker.Data)
	if err != nil {
		return nil, fmt.Errorf("tunnel: decoding blob payload: %w", err)
	}

	return &Blob{ContentType: marker.ContentType, Data: data}, nil
}

// HandleResponse resolves the pending request matching msg.ID. Unknown or
// already-resolved IDs are ignored — spec §4.E: "on decode error the
// handler rejects", but a response with no matching pending entry is a
// late or duplicate delivery, not an error worth surfacing.
func (c *Client) HandleResponse(msg wire.ResponseMsg) {
	c.mu.Lock()
	p, ok := c.pending[msg.ID]
	if ok {
		delete(c.pending, msg.ID)
	}
	c.mu.Unlock()

	if !ok {
		return
	}

	p.timer.Stop()

	headers := msg.Headers
	if headers == nil {
		headers = map[string]string{}
	}

	p.resolve <- &Response{Status: msg.Status, Headers: headers, Body: msg.Body, SetupRequired: msg.SetupRequired}
}

// CloseAll rejects every pending request with reason (spec §5, connection
// close). Subsequent Do calls fail immediately with ErrConnectionClosed.
func (c *Client) CloseAll(reason error) {
	if reason == nil {
		reason = ErrConnectionClosed
	}

	c.mu.Lock()
	c.closed = true
	ids := make([]string, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.fail(id, reason)
	}
}

func (c *Client) fail(id string, err error) {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		return
	}

	p.timer.Stop()
	p.reject <- err
}
