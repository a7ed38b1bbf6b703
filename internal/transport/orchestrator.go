// Package transport implements the client connection manager's
// companion: the single live transport a relay client host owns (spec
// §4.J). It dials the socket, drives the SRP handshake or a session
// resume, decodes inbound frames through the shared router, and exposes
// fetch/fetchBlob/subscribe/upload/close as the one connection the rest of
// the client talks to — every reconnect swaps the socket underneath
// without the caller noticing.
package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/sessionrelay/core/internal/connmgr"
	"github.com/sessionrelay/core/internal/connstate"
	"github.com/sessionrelay/core/internal/router"
	"github.com/sessionrelay/core/internal/srp"
	"github.com/sessionrelay/core/internal/subscribe"
	"github.com/sessionrelay/core/internal/tunnel"
	"github.com/sessionrelay/core/internal/upload"
	"github.com/sessionrelay/core/internal/wire"
	"github.com/sessionrelay/core/pkg/wsconn"
)

// Socket is the narrow slice of pkg/wsconn.Conn the transport needs,
// kept as an interface so tests drive it with an in-memory fake instead
// of a real socket.
type Socket interface {
	WriteText(ctx context.Context, data []byte) error
	WriteBinary(ctx context.Context, data []byte) error
	Read(ctx context.Context) (wsconn.MessageType, []byte, error)
	Close(code wsconn.StatusCode, reason string) error
}

// Dialer opens a fresh Socket to the configured host.
type Dialer func(ctx context.Context) (Socket, error)

// Credentials are the SRP identity/password pair used for a fresh
// handshake (spec §4.I).
type Credentials struct {
	Identity string
	Password string
}

// Session is a previously-established session eligible for resume (spec
// §4.I resume flow). Zero value means "no session to resume".
type Session struct {
	ID  string
	Key [srp.KeySize]byte
}

// SessionListener is notified whenever a handshake (fresh or resumed)
// establishes a new session, so the caller can persist it for next time
// (spec §6 "stored-session store").
type SessionListener func(Session)

// ErrClosed is returned by in-flight calls once Close has been invoked.
var ErrClosed = errors.New("transport: closed")

// Transport owns the one live connection to a relay host.
type Transport struct {
	logger *slog.Logger
	dialer Dialer
	group  *srp.Group
	creds  Credentials

	onSession SessionListener

	mgr *connmgr.Manager

	tunnel *tunnel.Client
	subs   *subscribe.Client
	upload *upload.Client

	mu        sync.Mutex
	socket    Socket
	conn      *connstate.Connection
	session   Session
	srpClient *srp.ClientSession
	authDone  chan error
	closed    bool
	generation int
}

// New creates a Transport. group is the SRP group both peers were
// provisioned with (spec §4.B, typically srp.Group2048).
func New(logger *slog.Logger, dialer Dialer, group *srp.Group, creds Credentials, onSession SessionListener) *Transport {
	t := &Transport{
		logger:    logger,
		dialer:    dialer,
		group:     group,
		creds:     creds,
		onSession: onSession,
		conn:      connstate.New("client", false),
	}

	t.tunnel = tunnel.NewClient(t)
	t.subs = subscribe.NewClient(t, logger)
	t.upload = upload.NewClient(t, upload.DefaultChunkSize, logger)
	t.mgr = connmgr.New(logger, connmgr.Listener{
		OnStateChange: t.onStateChange,
	})

	return t
}

// Resume configures a session the next Connect/reconnect should try to
// resume before falling back to a fresh SRP handshake.
func (t *Transport) Resume(s Session) {
	t.mu.Lock()
	t.session = s
	t.mu.Unlock()
}

// Connect dials and authenticates for the first time, then arms the
// connection manager's reconnect loop for every subsequent drop (spec
// §4.H "start() disconnected -> connected").
func (t *Transport) Connect(ctx context.Context) error {
	if err := t.connectOnce(ctx); err != nil {
		return err
	}

	t.mgr.Start(t.connectOnce, t.sendPing)

	return nil
}

// ForceReconnect tears down the current socket and lets the connection
// manager re-establish it (spec §4.H "forceReconnect(reason?)").
func (t *Transport) ForceReconnect(reason string) {
	t.mgr.ForceReconnect(reason)
}

// State reports the connection manager's current state.
func (t *Transport) State() connmgr.State { return t.mgr.State() }

// Close tears down the socket and stops the connection manager for good.
// Any in-flight tunnel/upload calls are failed with ErrClosed.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	socket := t.socket
	t.socket = nil
	t.mu.Unlock()

	t.mgr.Stop()

	var errs error
	if socket != nil {
		if err := socket.Close(wsconn.StatusCode(1000), "client closing"); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("transport: closing socket: %w", err))
		}
	}

	t.tunnel.CloseAll(ErrClosed)
	t.subs.CloseAll()
	t.upload.CloseAll(ErrClosed)

	return errs
}

// Fetch issues one request/response round trip over the tunnel (spec
// §4.E).
func (t *Transport) Fetch(ctx context.Context, method, path string, headers map[string]string, body []byte, binary bool) (*tunnel.Response, error) {
	return t.tunnel.Do(ctx, method, path, headers, body, binary)
}

// FetchBlob issues a request expected to return a binary body (spec §4.E
// "GET requests whose response Content-Type matches a binary prefix").
func (t *Transport) FetchBlob(ctx context.Context, path string) (*tunnel.Blob, error) {
	return t.tunnel.FetchBlob(ctx, path)
}

// Subscribe opens one subscription on channel (spec §4.F).
func (t *Transport) Subscribe(channel, sessionID, projectID, providerHint, lastEventID string) *subscribe.Handle {
	return t.subs.Subscribe(channel, sessionID, projectID, providerHint, lastEventID)
}

// Upload drives one resumable upload to completion (spec §4.G).
func (t *Transport) Upload(ctx context.Context, uploadID uuid.UUID, projectID, sessionID, filename, mimeType string, size int64, r io.Reader, progress upload.ProgressFunc) (upload.Result, error) {
	return t.upload.Upload(ctx, uploadID, projectID, sessionID, filename, mimeType, size, r, progress)
}

func (t *Transport) onStateChange(next, prev connmgr.State) {
	t.logger.Info("transport state change", slog.String("from", prev.String()), slog.String("to", next.String()))
}

func (t *Transport) sendPing(ctx context.Context, id string) error {
	return t.sendJSON(wire.PingMsg{Type: wire.TypePing, ID: id})
}

// connectOnce dials a fresh socket and authenticates, either by resuming
// the stored session or with a full SRP handshake. It is the
// connmgr.ReconnectFunc the Manager calls on every attempt.
func (t *Transport) connectOnce(ctx context.Context) error {
	socket, err := t.dialer(ctx)
	if err != nil {
		return fmt.Errorf("transport: dial: %w", err)
	}

	t.mu.Lock()
	t.generation++
	generation := t.generation
	t.socket = socket
	t.conn = connstate.New("client", false)
	t.authDone = make(chan error, 1)
	t.mu.Unlock()

	go t.readLoop(generation, socket)

	if err := t.authenticate(ctx); err != nil {
		_ = socket.Close(wsconn.StatusCode(1000), "authentication failed")
		return err
	}

	return nil
}

func (t *Transport) authenticate(ctx context.Context) error {
	t.mu.Lock()
	session := t.session
	t.mu.Unlock()

	if session.ID != "" {
		if err := t.sendJSON(wire.SRPResumeInit{Type: wire.TypeSRPResumeInit, SessionID: session.ID}); err != nil {
			return fmt.Errorf("transport: sending resume-init: %w", err)
		}
	} else {
		t.mu.Lock()
		t.srpClient = srp.NewClientSession(t.group)
		t.mu.Unlock()

		if err := t.sendJSON(wire.SRPHello{Type: wire.TypeSRPHello, Identity: t.creds.Identity}); err != nil {
			return fmt.Errorf("transport: sending srp_hello: %w", err)
		}
	}

	select {
	case err := <-t.authDone:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(connstate.HandshakeTimeout):
		return fmt.Errorf("transport: handshake timed out")
	}
}

func (t *Transport) readLoop(generation int, socket Socket) {
	r := router.New(t.currentConn(), t, t, t.logger)

	for {
		msgType, data, err := socket.Read(context.Background())
		if err != nil {
			t.handleSocketError(generation, err)
			return
		}

		var dispatchErr error
		switch msgType {
		case wsconn.MessageText:
			dispatchErr = r.DispatchText(data)
		case wsconn.MessageBinary:
			dispatchErr = r.DispatchBinary(data)
		}

		if dispatchErr != nil {
			var closeErr *router.CloseError
			if errors.As(dispatchErr, &closeErr) {
				_ = socket.Close(wsconn.StatusCode(closeErr.Code), closeErr.Reason)
			}

			t.handleSocketError(generation, dispatchErr)
			return
		}
	}
}

func (t *Transport) handleSocketError(generation int, err error) {
	t.mu.Lock()
	stale := generation != t.generation
	closed := t.closed
	t.mu.Unlock()

	if stale || closed {
		return
	}

	t.tunnel.CloseAll(err)
	t.subs.CloseAll()
	t.upload.CloseAll(err)

	t.mgr.HandleClose(err)
}

func (t *Transport) currentConn() *connstate.Connection {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.conn
}

// SendJSON implements tunnel.FrameSender, subscribe.FrameSender, and
// upload.FrameSender: every application message goes out as an encrypted
// binary envelope once authenticated (spec §4.A/§4.D).
func (t *Transport) SendJSON(v any) error {
	return t.sendJSON(v)
}

func (t *Transport) sendJSON(v any) error {
	t.mu.Lock()
	socket := t.socket
	conn := t.conn
	closed := t.closed
	t.mu.Unlock()

	if closed || socket == nil {
		return ErrClosed
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("transport: marshaling message: %w", err)
	}

	key, authenticated := conn.SessionKey()
	if !authenticated {
		return socket.WriteText(context.Background(), payload)
	}

	env := wire.Envelope{Seq: conn.NextOutboundSeq(), Msg: payload}

	envBytes, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("transport: marshaling envelope: %w", err)
	}

	nonce, ciphertext, err := srp.Seal(key, envBytes)
	if err != nil {
		return fmt.Errorf("transport: sealing envelope: %w", err)
	}

	return socket.WriteBinary(context.Background(), wire.EncodeEnvelope(nonce, wire.FormatJSON, ciphertext))
}

// --- router.SRPHandler: server-originated messages only -----------------

func (t *Transport) HandleChallenge(raw json.RawMessage) error {
	var msg wire.SRPChallenge
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("transport: malformed srp_challenge: %w", err)
	}

	salt, err := base64.StdEncoding.DecodeString(msg.Salt)
	if err != nil {
		return fmt.Errorf("transport: malformed salt: %w", err)
	}

	bBytes, err := base64.StdEncoding.DecodeString(msg.B)
	if err != nil {
		return fmt.Errorf("transport: malformed B: %w", err)
	}

	t.mu.Lock()
	client := t.srpClient
	identity := t.creds.Identity
	password := t.creds.Password
	t.mu.Unlock()

	if client == nil {
		return errors.New("transport: srp_challenge received before hello")
	}

	A, err := client.Step1(identity, password, salt)
	if err != nil {
		return fmt.Errorf("transport: srp step1: %w", err)
	}

	B := new(big.Int).SetBytes(bBytes)

	m1, err := client.Step2(B)
	if err != nil {
		return fmt.Errorf("transport: srp step2: %w", err)
	}

	return t.sendJSON(wire.SRPProof{
		Type: wire.TypeSRPProof,
		A:    base64.StdEncoding.EncodeToString(A.Bytes()),
		M1:   base64.StdEncoding.EncodeToString(m1.Bytes()),
	})
}

func (t *Transport) HandleVerify(raw json.RawMessage) error {
	var msg wire.SRPVerify
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.failAuth(err)
		return err
	}

	m2Bytes, err := base64.StdEncoding.DecodeString(msg.M2)
	if err != nil {
		t.failAuth(err)
		return err
	}

	t.mu.Lock()
	client := t.srpClient
	t.mu.Unlock()

	if client == nil {
		err := errors.New("transport: srp_verify received before proof")
		t.failAuth(err)
		return err
	}

	if err := client.Step3(new(big.Int).SetBytes(m2Bytes)); err != nil {
		t.failAuth(fmt.Errorf("transport: server proof mismatch: %w", err))
		return err
	}

	key := srp.DeriveSessionKey(client.SharedSecret())

	t.currentConn().MarkAuthenticated(key)

	session := Session{ID: msg.SessionID, Key: key}

	t.mu.Lock()
	t.session = session
	t.mu.Unlock()

	if t.onSession != nil {
		t.onSession(session)
	}

	t.succeedAuth()

	return nil
}

func (t *Transport) HandleResumeChallenge(raw json.RawMessage) error {
	var msg wire.SRPResumeChallenge
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.failAuth(err)
		return err
	}

	if _, err := base64.StdEncoding.DecodeString(msg.Nonce); err != nil {
		err := fmt.Errorf("transport: malformed resume-challenge nonce")
		t.failAuth(err)
		return err
	}

	t.mu.Lock()
	session := t.session
	t.mu.Unlock()

	ts, err := json.Marshal(time.Now().Unix())
	if err != nil {
		t.failAuth(err)
		return err
	}

	nonce, ciphertext, err := srp.Seal(session.Key, ts)
	if err != nil {
		t.failAuth(err)
		return err
	}

	proof := append(append([]byte{}, nonce[:]...), ciphertext...)

	return t.sendJSON(wire.SRPResume{
		Type:      wire.TypeSRPResume,
		SessionID: session.ID,
		Proof:     base64.StdEncoding.EncodeToString(proof),
	})
}

func (t *Transport) HandleResumed(raw json.RawMessage) error {
	var msg wire.SRPResumed
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.failAuth(err)
		return err
	}

	t.mu.Lock()
	session := t.session
	t.mu.Unlock()

	t.currentConn().MarkAuthenticated(session.Key)

	if t.onSession != nil {
		t.onSession(session)
	}

	t.succeedAuth()

	return nil
}

func (t *Transport) HandleInvalid(raw json.RawMessage) error {
	var msg wire.SRPInvalid
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.failAuth(err)
		return err
	}

	err := &connmgr.NonRetryable{Err: fmt.Errorf("transport: resume rejected: %s", msg.Reason)}
	t.failAuth(err)

	return nil
}

func (t *Transport) HandleSRPError(raw json.RawMessage) error {
	var msg wire.SRPErrorMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.failAuth(err)
		return err
	}

	t.failAuth(fmt.Errorf("transport: srp_error: %s", msg.Code))

	return nil
}

func (t *Transport) HandleHello(json.RawMessage) error {
	return errors.New("transport: srp_hello is client-originated")
}

func (t *Transport) HandleProof(json.RawMessage) error {
	return errors.New("transport: srp_proof is client-originated")
}

func (t *Transport) HandleResumeInit(json.RawMessage) error {
	return errors.New("transport: resume-init is client-originated")
}

func (t *Transport) HandleResume(json.RawMessage) error {
	return errors.New("transport: resume is client-originated")
}

func (t *Transport) succeedAuth() {
	select {
	case t.authDone <- nil:
	default:
	}
}

func (t *Transport) failAuth(err error) {
	select {
	case t.authDone <- err:
	default:
	}
}

var _ router.SRPHandler = (*Transport)(nil)
