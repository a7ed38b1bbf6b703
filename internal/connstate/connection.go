// Package connstate holds the per-connection record described in spec §3:
// authentication phase, session key, sequence counters, format negotiation,
// pending resume challenge, and rate-limit buckets. It is symmetric between
// server and client, though only the server arms rate buckets and resume
// challenges.
package connstate

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/sessionrelay/core/internal/srp"
	"github.com/sessionrelay/core/internal/wire"
)

// AuthPhase is the connection's position in the authentication state
// machine (spec §4.I).
type AuthPhase int

const (
	PhaseUnauthenticated AuthPhase = iota
	PhaseSRPWaitingProof
	PhaseAuthenticated
)

func (p AuthPhase) String() string {
	switch p {
	case PhaseUnauthenticated:
		return "unauthenticated"
	case PhaseSRPWaitingProof:
		return "srp-waiting-proof"
	case PhaseAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// ResumeChallenge is a one-time nonce bound to a session/identity pair,
// issued by resume-init and consumed exactly once by resume (spec §3, §4.C).
type ResumeChallenge struct {
	Nonce     [24]byte
	SessionID string
	Username  string
	IssuedAt  time.Time
}

// resumeChallengeTTL bounds how long a pendingResumeChallenge stays valid
// (spec §5 authoritative timeouts: "resume challenge validity 60 s").
const resumeChallengeTTL = 60 * time.Second

// HandshakeTimeout is armed when the server sends its srp_challenge; if no
// proof arrives before it fires the connection is closed 4008 (spec §5).
const HandshakeTimeout = 10 * time.Second

// SubscriptionHandle is the bookkeeping a Connection keeps for one open
// subscription: its cleanup closure and monotonic event counter.
type SubscriptionHandle struct {
	Cleanup  func()
	NextSeq  uint64
}

// Connection is the per-socket record. All mutation happens under mu; the
// server's per-connection message queue (spec §5) means in practice only
// one goroutine at a time calls the mutating methods, but mu exists because
// rate-limit callbacks, timers, and the router can all touch the record.
type Connection struct {
	mu sync.Mutex

	ID string

	authPhase AuthPhase

	sessionKey                [srp.KeySize]byte
	hasSessionKey             bool
	requiresEncryptedMessages bool

	useBinaryFrames    bool
	useBinaryEncrypted bool

	supportedFormats map[string]bool

	outboundSeq    uint64
	lastInboundSeq uint64
	hasInboundSeq  bool

	pendingResumeChallenge *ResumeChallenge

	HelloBucket    *TokenBucket
	IdentityBucket *TokenBucket // shared reference; owned by the identity rate-limit registry
	blockedUntil   time.Time
	failedProofCount int

	Subscriptions map[string]*SubscriptionHandle
}

// New creates a connection record in the unauthenticated phase with only
// JSON support negotiated, per spec §3's initialization defaults.
func New(id string, requiresEncryptedMessages bool) *Connection {
	return &Connection{
		ID:                        id,
		authPhase:                 PhaseUnauthenticated,
		requiresEncryptedMessages: requiresEncryptedMessages,
		supportedFormats:          map[string]bool{wire.CapJSON: true},
		HelloBucket:               NewTokenBucket(6, 6, time.Minute),
		Subscriptions:             make(map[string]*SubscriptionHandle),
	}
}

// AuthPhase returns the current authentication phase.
func (c *Connection) AuthPhase() AuthPhase {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.authPhase
}

// SetAuthPhase transitions the handshake state machine directly (used for
// srp-waiting-proof; MarkAuthenticated is used for the authenticated exit).
func (c *Connection) SetAuthPhase(phase AuthPhase) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.authPhase = phase
}

// MarkAuthenticated sets phase=authenticated and stores the session key.
func (c *Connection) MarkAuthenticated(key [srp.KeySize]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.authPhase = PhaseAuthenticated
	c.sessionKey = key
	c.hasSessionKey = true
}

// SessionKey returns the stored key and whether one is present.
func (c *Connection) SessionKey() (key [srp.KeySize]byte, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.sessionKey, c.hasSessionKey
}

// RequiresEncryptedMessages reports whether plaintext application frames
// must be rejected post-authentication (spec §3, §4.D step 4).
func (c *Connection) RequiresEncryptedMessages() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.requiresEncryptedMessages
}

// NoteBinaryFrame latches useBinaryFrames once the peer sends any
// length-byte binary frame.
func (c *Connection) NoteBinaryFrame() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.useBinaryFrames = true
}

// NoteBinaryEncrypted latches useBinaryEncrypted. Per spec §3, once true
// every subsequent binary frame is interpreted as encrypted.
func (c *Connection) NoteBinaryEncrypted() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.useBinaryEncrypted = true
}

// BinaryEncryptedLatched reports whether NoteBinaryEncrypted has fired.
func (c *Connection) BinaryEncryptedLatched() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.useBinaryEncrypted
}

// SetSupportedFormats replaces the negotiated format set from a
// capabilities message. JSON is always implicitly supported.
func (c *Connection) SetSupportedFormats(formats []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	set := map[string]bool{wire.CapJSON: true}
	for _, f := range formats {
		set[f] = true
	}

	c.supportedFormats = set
}

// SupportsFormat reports whether the peer has declared support for format.
func (c *Connection) SupportsFormat(format string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.supportedFormats[format]
}

// NextOutboundSeq increments and returns the next outbound sequence number
// to embed in an encrypted envelope.
func (c *Connection) NextOutboundSeq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.outboundSeq++

	return c.outboundSeq
}

// ErrReplayOrReorder is returned by CheckInboundSeq when seq does not exceed
// lastInboundSeq — spec testable property #2.
var ErrReplayOrReorder = fmt.Errorf("connstate: sequence number replayed or out of order")

// CheckInboundSeq enforces seq > lastInboundSeq and, on success, advances
// lastInboundSeq to seq. The first envelope on a connection is accepted
// whatever its seq, including 0. Spec §4.D step 2 / testable property #2.
func (c *Connection) CheckInboundSeq(seq uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.hasInboundSeq && seq <= c.lastInboundSeq {
		return ErrReplayOrReorder
	}

	c.lastInboundSeq = seq
	c.hasInboundSeq = true

	return nil
}

// IssueResumeChallenge mints a fresh nonce bound to (sessionID, username)
// and stores it as the single pending challenge, replacing any prior one.
func (c *Connection) IssueResumeChallenge(sessionID, username string, now time.Time) (*ResumeChallenge, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("connstate: generating resume nonce: %w", err)
	}

	ch := &ResumeChallenge{Nonce: nonce, SessionID: sessionID, Username: username, IssuedAt: now}

	c.mu.Lock()
	c.pendingResumeChallenge = ch
	c.mu.Unlock()

	return ch, nil
}

// ConsumeResumeChallenge validates and removes the pending challenge. It is
// single-use: a second call for the same nonce always fails (testable
// property #7). now must be within resumeChallengeTTL of issuance.
func (c *Connection) ConsumeResumeChallenge(sessionID, username string, now time.Time) (*ResumeChallenge, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := c.pendingResumeChallenge
	if ch == nil {
		return nil, false
	}

	// Single-use regardless of outcome: clear it before validating so a
	// second resume attempt against the same nonce always misses.
	c.pendingResumeChallenge = nil

	if ch.SessionID != sessionID || ch.Username != username {
		return nil, false
	}

	if now.Sub(ch.IssuedAt) > resumeChallengeTTL {
		return nil, false
	}

	return ch, true
}

// RecordFailedProof increments the failure counter and schedules a cooldown
// of 5s * 2^(failures-1), capped at 5 minutes (spec §4.C).
func (c *Connection) RecordFailedProof(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.failedProofCount++
	c.blockedUntil = now.Add(failedProofCooldown(c.failedProofCount))
}

// ResetFailedProof clears the failure counter and cooldown on a successful
// proof.
func (c *Connection) ResetFailedProof() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.failedProofCount = 0
	c.blockedUntil = time.Time{}
}

// Blocked reports whether the connection is still inside its failed-proof
// cooldown window.
func (c *Connection) Blocked(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return now.Before(c.blockedUntil)
}

const (
	baseCooldown = 5 * time.Second
	maxCooldown  = 5 * time.Minute
)

func failedProofCooldown(failures int) time.Duration {
	if failures < 1 {
		return 0
	}

	d := baseCooldown << uint(failures-1) //nolint:gosec // failures is attacker-bounded by HelloBucket well before overflow
	if d > maxCooldown || d <= 0 {
		return maxCooldown
	}

	return d
}
