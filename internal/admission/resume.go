package admission

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sessionrelay/core/internal/router"
	"github.com/sessionrelay/core/internal/srp"
	"github.com/sessionrelay/core/internal/wire"
)

// StoredSession is a previously-authenticated session kept for resume
// (spec §3, §4.I).
type StoredSession struct {
	SessionID     string
	Username      string
	Key           [srp.KeySize]byte
	LastConnected time.Time
}

// StoredSessionStore persists sessions eligible for resume (spec §6:
// "Stored-session store — createSession, getSession, validateProof,
// updateLastConnected").
type StoredSessionStore interface {
	GetSession(sessionID string) (StoredSession, bool)
	CreateSession(session StoredSession) error
	UpdateLastConnected(sessionID string, at time.Time) error
}

// WithStore wires a StoredSessionStore into this handler; nil disables resume
// (every resume-init is rejected with srp_invalid).
func (h *Handler) WithStore(store StoredSessionStore) *Handler {
	h.store = store
	return h
}

// HandleResumeInit issues a fresh nonce bound to (sessionId, username,
// issuedAt) (spec §4.I).
func (h *Handler) HandleResumeInit(raw json.RawMessage) error {
	var msg wire.SRPResumeInit
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("admission: malformed resume-init: %w", err)
	}

	if h.store == nil {
		return h.sendInvalid("resume not supported")
	}

	if _, ok := h.store.GetSession(msg.SessionID); !ok {
		return h.sendInvalid("unknown session")
	}

	ch, err := h.conn.IssueResumeChallenge(msg.SessionID, msg.Username, time.Now())
	if err != nil {
		return fmt.Errorf("admission: issuing resume challenge: %w", err)
	}

	h.armHandshakeTimeout()

	return h.sender.SendJSON(wire.SRPResumeChallenge{
		Type:  wire.TypeSRPResumeChallenge,
		Nonce: base64.StdEncoding.EncodeToString(ch.Nonce[:]),
	})
}

// HandleResumeChallenge is server-originated; a client never sends it.
func (h *Handler) HandleResumeChallenge(json.RawMessage) error {
	return fmt.Errorf("admission: resume-challenge is server-originated")
}

// HandleResume validates the client's encrypted-timestamp proof against
// the outstanding challenge and the stored session key (spec §4.I).
func (h *Handler) HandleResume(raw json.RawMessage) error {
	h.stopHandshakeTimeout()

	var msg wire.SRPResume
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("admission: malformed resume: %w", err)
	}

	if h.store == nil {
		return h.sendInvalid("resume not supported")
	}

	session, ok := h.store.GetSession(msg.SessionID)
	if !ok {
		return h.sendInvalid("unknown session")
	}

	ch, ok := h.conn.ConsumeResumeChallenge(msg.SessionID, session.Username, time.Now())
	if !ok {
		return h.sendInvalid("resume challenge expired or already consumed")
	}

	proofBytes, err := base64.StdEncoding.DecodeString(msg.Proof)
	if err != nil {
		return h.sendInvalid("malformed proof")
	}

	if len(proofBytes) < 24 {
		return h.sendInvalid("malformed proof")
	}

	var nonce [24]byte
	copy(nonce[:], proofBytes[:24])

	plaintext, err := srp.Open(session.Key, nonce, proofBytes[24:])
	if err != nil {
		return h.sendInvalid("proof decryption failed")
	}

	claimedUnix, err := parseTimestamp(plaintext)
	if err != nil || time.Since(time.Unix(claimedUnix, 0)) > 60*time.Second {
		return h.sendInvalid("stale resume proof")
	}

	_ = ch

	if err := h.store.UpdateLastConnected(msg.SessionID, time.Now()); err != nil {
		h.logger.Warn("admission: failed to update lastConnectedAt")
	}

	// resumed goes out in plaintext, before the connection switches to
	// encrypted envelopes.
	if err := h.sender.SendJSON(wire.SRPResumed{Type: wire.TypeSRPResumed, SessionID: msg.SessionID}); err != nil {
		return err
	}

	h.conn.MarkAuthenticated(session.Key)

	return nil
}

// HandleResumed is server-originated; a client never sends it.
func (h *Handler) HandleResumed(json.RawMessage) error {
	return fmt.Errorf("admission: resumed is server-originated")
}

// HandleInvalid is server-originated; a client never sends it.
func (h *Handler) HandleInvalid(json.RawMessage) error {
	return fmt.Errorf("admission: srp_invalid is server-originated")
}

// HandleSRPError is server-originated; a client never sends it.
func (h *Handler) HandleSRPError(json.RawMessage) error {
	return fmt.Errorf("admission: srp_error is server-originated")
}

func (h *Handler) sendInvalid(reason string) error {
	h.close(router.CloseAuthRequired, reason)

	return h.sender.SendJSON(wire.SRPInvalid{Type: wire.TypeSRPInvalid, Reason: reason})
}

func parseTimestamp(b []byte) (int64, error) {
	var ts int64
	if err := json.Unmarshal(b, &ts); err != nil {
		return 0, err
	}

	return ts, nil
}
