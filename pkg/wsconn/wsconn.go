// Package wsconn is a thin adapter over coder/websocket shared by the
// server (cmd/relayd) and client (cmd/relay-client, internal/transport): it
// narrows the library's API down to the text/binary read-write-close shape
// the session-relay frame codec needs, so neither side imports
// github.com/coder/websocket directly.
package wsconn

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
)

// MaxMessageSize caps a single inbound frame (spec §4.G: upload chunks are
// bounded by chunk size, but a generous ceiling guards against a
// misbehaving peer flooding one message).
const MaxMessageSize = 16 * 1024 * 1024

// MessageType mirrors websocket.MessageType without leaking the dependency
// into callers' import lists.
type MessageType int

const (
	MessageText   MessageType = MessageType(websocket.MessageText)
	MessageBinary MessageType = MessageType(websocket.MessageBinary)
)

// StatusCode mirrors websocket.StatusCode.
type StatusCode int

// Conn wraps one accepted or dialed websocket connection.
type Conn struct {
	ws *websocket.Conn
}

// AcceptOptions configures Accept. Origin checks are left to the caller
// (the admission package's OriginPolicy) and compression is always
// disabled, so InsecureSkipVerify, which turns off the library's own origin
// check, is the only knob exposed here.
type AcceptOptions struct {
	InsecureSkipVerify bool
}

// Accept upgrades an inbound HTTP request to a websocket connection.
func Accept(w http.ResponseWriter, r *http.Request, opts AcceptOptions) (*Conn, error) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode:    websocket.CompressionDisabled,
		InsecureSkipVerify: opts.InsecureSkipVerify,
	})
	if err != nil {
		return nil, fmt.Errorf("wsconn: accept: %w", err)
	}

	ws.SetReadLimit(MaxMessageSize)

	return &Conn{ws: ws}, nil
}

// Dial opens a client connection to url.
func Dial(ctx context.Context, url string) (*Conn, error) {
	ws, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		return nil, fmt.Errorf("wsconn: dial %s: %w", url, err)
	}

	ws.SetReadLimit(MaxMessageSize)

	return &Conn{ws: ws}, nil
}

// WriteText sends data as a single UTF-8 text message.
func (c *Conn) WriteText(ctx context.Context, data []byte) error {
	return c.ws.Write(ctx, websocket.MessageText, data)
}

// WriteBinary sends data as a single binary message.
func (c *Conn) WriteBinary(ctx context.Context, data []byte) error {
	return c.ws.Write(ctx, websocket.MessageBinary, data)
}

// Read blocks until the next message arrives, or ctx is cancelled.
func (c *Conn) Read(ctx context.Context) (MessageType, []byte, error) {
	typ, data, err := c.ws.Read(ctx)
	if err != nil {
		return 0, nil, err
	}

	return MessageType(typ), data, nil
}

// Close sends a close frame with code and reason, then waits briefly for
// the peer's acknowledgement.
func (c *Conn) Close(code StatusCode, reason string) error {
	return c.ws.Close(websocket.StatusCode(code), reason)
}

// Ping round-trips a websocket ping frame, bounded by ctx.
func (c *Conn) Ping(ctx context.Context) error {
	return c.ws.Ping(ctx)
}
