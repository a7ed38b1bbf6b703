// Package admission implements the server-side admission flow of spec
// §4.I: origin checking at upgrade time, SRP hello/proof/verify
// orchestration with rate limiting and cooldown penalties, and session
// resume. It implements router.SRPHandler.
package admission

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/sessionrelay/core/internal/connstate"
	"github.com/sessionrelay/core/internal/router"
	"github.com/sessionrelay/core/internal/srp"
	"github.com/sessionrelay/core/internal/wire"
)

// CredentialStore exposes the single identity's SRP credentials (spec §6).
type CredentialStore interface {
	GetCredentials() (salt, verifier []byte, ok bool)
	GetUsername() (string, bool)
}

// Sender is how the handler pushes SRP handshake frames.
type Sender interface {
	SendJSON(v any) error
}

// CloseFunc closes the underlying socket with a protocol close code.
type CloseFunc func(code router.CloseCode, reason string)

// Mode selects the admission policy for a connection (spec §4.I).
type Mode int

const (
	// ModeSRPRequired is for remote/relay connections: unauthenticated
	// until a successful SRP handshake or resume.
	ModeSRPRequired Mode = iota
	// ModeTrustedLocal is for cookie-authenticated loopback connections:
	// admitted pre-authenticated, plaintext allowed.
	ModeTrustedLocal
)

// Handler orchestrates one connection's admission (SRP or trusted-local).
type Handler struct {
	conn   *connstate.Connection
	creds  CredentialStore
	idBkts *connstate.IdentityBuckets
	sender Sender
	close  CloseFunc
	logger *slog.Logger

	group *srp.Group
	store StoredSessionStore

	srpSession *srp.ServerSession
	identity   string

	timeoutTimer *time.Timer
}

// Admit applies mode to conn immediately; for ModeTrustedLocal this marks
// the connection authenticated with no session key requirement.
func Admit(conn *connstate.Connection, mode Mode) {
	if mode == ModeTrustedLocal {
		conn.SetAuthPhase(connstate.PhaseAuthenticated)
	}
}

// NewHandler creates an SRP admission handler bound to one connection.
func NewHandler(conn *connstate.Connection, group *srp.Group, creds CredentialStore, idBkts *connstate.IdentityBuckets, sender Sender, closeFn CloseFunc, logger *slog.Logger) *Handler {
	return &Handler{conn: conn, group: group, creds: creds, idBkts: idBkts, sender: sender, close: closeFn, logger: logger}
}

var _ router.SRPHandler = (*Handler)(nil)

// HandleHello processes srp_hello: rate-limits, loads the verifier, and
// replies with srp_challenge (spec §4.I).
func (h *Handler) HandleHello(raw json.RawMessage) error {
	var msg wire.SRPHello
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("admission: malformed srp_hello: %w", err)
	}

	if h.conn.HelloBucket.Allow() == connstate.RateLimitCooldown {
		h.sendSRPError("invalid_proof")
		h.close(router.CloseAuthTimeoutOrRateLimited, "hello rate limit exceeded")

		return nil
	}

	identityBucket := h.idBkts.Get(msg.Identity, time.Now())
	if identityBucket.Allow() == connstate.RateLimitCooldown {
		h.sendSRPError("invalid_proof")
		h.close(router.CloseAuthTimeoutOrRateLimited, "identity rate limit exceeded")

		return nil
	}

	if h.conn.Blocked(time.Now()) {
		h.sendSRPError("invalid_proof")
		h.close(router.CloseAuthTimeoutOrRateLimited, "connection in failed-proof cooldown")

		return nil
	}

	salt, verifier, ok := h.creds.GetCredentials()
	if !ok {
		h.sendSRPError("unknown_identity")
		h.close(router.CloseAuthRequired, "no credentials provisioned")

		return nil
	}

	v := new(big.Int).SetBytes(verifier)

	session, err := srp.NewServerSession(h.group, msg.Identity, v)
	if err != nil {
		return fmt.Errorf("admission: starting srp session: %w", err)
	}

	h.srpSession = session
	h.identity = msg.Identity
	h.conn.SetAuthPhase(connstate.PhaseSRPWaitingProof)

	h.armHandshakeTimeout()

	return h.sender.SendJSON(wire.SRPChallenge{
		Type: wire.TypeSRPChallenge,
		Salt: base64.StdEncoding.EncodeToString(salt),
		B:    base64.StdEncoding.EncodeToString(session.PublicB().Bytes()),
	})
}

// HandleChallenge is never sent by a client; challenges are server ->
// client only.
func (h *Handler) HandleChallenge(json.RawMessage) error {
	return errors.New("admission: srp_challenge is server-originated")
}

// HandleProof verifies the client's (A, M1) and replies with srp_verify.
func (h *Handler) HandleProof(raw json.RawMessage) error {
	h.stopHandshakeTimeout()

	if h.srpSession == nil {
		return errors.New("admission: proof received before hello")
	}

	var msg wire.SRPProof
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("admission: malformed srp_proof: %w", err)
	}

	aBytes, err := base64.StdEncoding.DecodeString(msg.A)
	if err != nil {
		return fmt.Errorf("admission: malformed A: %w", err)
	}

	m1Bytes, err := base64.StdEncoding.DecodeString(msg.M1)
	if err != nil {
		return fmt.Errorf("admission: malformed M1: %w", err)
	}

	A := new(big.Int).SetBytes(aBytes)
	M1 := new(big.Int).SetBytes(m1Bytes)

	m2, err := h.srpSession.VerifyProof(A, M1)
	if err != nil {
		h.conn.RecordFailedProof(time.Now())
		h.sendSRPError("invalid_proof")
		h.close(router.CloseAuthRequired, "srp proof mismatch")

		return nil
	}

	h.conn.ResetFailedProof()

	key := srp.DeriveSessionKey(h.srpSession.SharedSecret())

	sessionID := uuid.NewString()

	if h.store != nil {
		if err := h.store.CreateSession(StoredSession{SessionID: sessionID, Username: h.identity, Key: key, LastConnected: time.Now()}); err != nil {
			h.logger.Warn("admission: failed to persist session for resume", slog.String("error", err.Error()))
		}
	}

	// srp_verify goes out in plaintext: the connection is marked
	// authenticated (which switches the sender to encrypted envelopes) only
	// after it is sent.
	if err := h.sender.SendJSON(wire.SRPVerify{Type: wire.TypeSRPVerify, M2: base64.StdEncoding.EncodeToString(m2.Bytes()), SessionID: sessionID}); err != nil {
		return err
	}

	h.conn.MarkAuthenticated(key)

	return nil
}

// HandleVerify is never sent by a client; srp_verify is server-originated.
func (h *Handler) HandleVerify(json.RawMessage) error {
	return errors.New("admission: srp_verify is server-originated")
}

func (h *Handler) armHandshakeTimeout() {
	h.timeoutTimer = time.AfterFunc(connstate.HandshakeTimeout, func() {
		h.sendSRPError("timeout")
		h.close(router.CloseAuthTimeoutOrRateLimited, "handshake timeout")
	})
}

func (h *Handler) stopHandshakeTimeout() {
	if h.timeoutTimer != nil {
		h.timeoutTimer.Stop()
	}
}

func (h *Handler) sendSRPError(code string) {
	if err := h.sender.SendJSON(wire.SRPErrorMsg{Type: wire.TypeSRPError, Code: code}); err != nil {
		h.logger.Warn("admission: failed to send srp_error", slog.String("error", err.Error()))
	}
}
