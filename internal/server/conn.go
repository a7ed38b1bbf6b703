// Package server assembles the server-side halves of spec §4.D-§4.I into
// one per-connection object and the HTTP upgrade entry points spec §6 names
// (`acceptConnection`, `attachToUpgrade`). It is the server's counterpart to
// internal/transport on the client.
package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/sessionrelay/core/internal/connstate"
	"github.com/sessionrelay/core/internal/router"
	"github.com/sessionrelay/core/internal/subscribe"
	"github.com/sessionrelay/core/internal/tunnel"
	"github.com/sessionrelay/core/internal/upload"
	"github.com/sessionrelay/core/internal/wire"
)

// Conn implements router.AppHandler for one server-side connection,
// fanning each decoded application message out to the request tunnel
// (spec §4.E), subscription multiplexer (§4.F), or upload engine (§4.G).
type Conn struct {
	conn    *connstate.Connection
	tunnel  *tunnel.Server
	subs    *subscribe.Server
	uploads *upload.Server
	sender  Sender
	logger  *slog.Logger
}

// Sender is the common "push one JSON-shaped frame" capability every
// server-side collaborator needs; socketSender (sender.go) is the only
// production implementation.
type Sender interface {
	SendJSON(v any) error
}

// NewConn wires one connection's already-constructed collaborators into an
// AppHandler. Callers (Listener.serve) own the collaborators' lifetimes.
func NewConn(conn *connstate.Connection, tunnelSrv *tunnel.Server, subsSrv *subscribe.Server, uploadSrv *upload.Server, sender Sender, logger *slog.Logger) *Conn {
	return &Conn{conn: conn, tunnel: tunnelSrv, subs: subsSrv, uploads: uploadSrv, sender: sender, logger: logger}
}

func (c *Conn) HandleRequest(seq uint64, raw json.RawMessage) error {
	var msg wire.RequestMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("server: malformed request: %w", err)
	}

	return c.tunnel.HandleRequest(context.Background(), msg)
}

func (c *Conn) HandleSubscribe(raw json.RawMessage) error {
	var msg wire.SubscribeMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("server: malformed subscribe: %w", err)
	}

	return c.subs.Subscribe(context.Background(), msg)
}

func (c *Conn) HandleUnsubscribe(raw json.RawMessage) error {
	var msg wire.UnsubscribeMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("server: malformed unsubscribe: %w", err)
	}

	c.subs.Unsubscribe(msg.SubscriptionID)

	return nil
}

func (c *Conn) HandleUploadStart(raw json.RawMessage) error {
	var msg wire.UploadStartMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("server: malformed upload-start: %w", err)
	}

	return c.uploads.Start(context.Background(), msg)
}

func (c *Conn) HandleUploadChunk(raw json.RawMessage) error {
	var msg wire.UploadChunkMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("server: malformed upload-chunk: %w", err)
	}

	data, err := base64.StdEncoding.DecodeString(msg.Data)
	if err != nil {
		return fmt.Errorf("server: malformed upload-chunk data: %w", err)
	}

	return c.uploads.Chunk(context.Background(), msg.UploadID, msg.Offset, data)
}

func (c *Conn) HandleUploadChunkBinary(uploadID uuid.UUID, offset uint64, data []byte) error {
	return c.uploads.Chunk(context.Background(), uploadID.String(), int64(offset), data)
}

func (c *Conn) HandleUploadEnd(raw json.RawMessage) error {
	var msg wire.UploadEndMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("server: malformed upload-end: %w", err)
	}

	return c.uploads.End(context.Background(), msg.UploadID)
}

func (c *Conn) HandleCapabilities(raw json.RawMessage) error {
	var msg wire.CapabilitiesMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("server: malformed capabilities: %w", err)
	}

	c.conn.SetSupportedFormats(msg.Formats)

	return nil
}

// HandlePing answers a ping in place, per spec §4.D step 3.
func (c *Conn) HandlePing(raw json.RawMessage) error {
	var msg wire.PingMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("server: malformed ping: %w", err)
	}

	return c.sender.SendJSON(wire.PongMsg{Type: wire.TypePong, ID: msg.ID})
}

// CancelAllUploads cancels every in-flight upload on this connection (spec
// §5: "Connection close cancels everything ... all uploads are cancelled
// server-side").
func (c *Conn) CancelAllUploads(ctx context.Context) {
	c.uploads.CancelAll(ctx)
}

// CloseSubscriptions runs every subscription's cleanup exactly once (spec
// §8 testable property 3).
func (c *Conn) CloseSubscriptions() {
	c.subs.CloseAll()
}

// --- server-originated only (the server never decodes these off the wire) --

func (c *Conn) HandleResponse(json.RawMessage) error {
	return errors.New("server: response is server-originated")
}

func (c *Conn) HandleEvent(json.RawMessage) error {
	return errors.New("server: event is server-originated")
}

func (c *Conn) HandleHeartbeat(json.RawMessage) error {
	return errors.New("server: heartbeat is server-originated")
}

func (c *Conn) HandleUploadProgress(json.RawMessage) error {
	return errors.New("server: upload-progress is server-originated")
}

func (c *Conn) HandleUploadComplete(json.RawMessage) error {
	return errors.New("server: upload-complete is server-originated")
}

func (c *Conn) HandleUploadError(json.RawMessage) error {
	return errors.New("server: upload-error is server-originated")
}

func (c *Conn) HandlePong(json.RawMessage) error {
	return errors.New("server: pong is client health-check-only on this connection")
}

var _ router.AppHandler = (*Conn)(nil)
