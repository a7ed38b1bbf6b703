package admission

import (
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"math/big"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessionrelay/core/internal/connstate"
	"github.com/sessionrelay/core/internal/router"
	"github.com/sessionrelay/core/internal/srp"
	"github.com/sessionrelay/core/internal/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeCreds struct {
	salt, verifier []byte
	username       string
}

func (f *fakeCreds) GetCredentials() (salt, verifier []byte, ok bool) {
	return f.salt, f.verifier, f.salt != nil
}

func (f *fakeCreds) GetUsername() (string, bool) { return f.username, f.username != "" }

type recordingSender struct {
	mu       sync.Mutex
	messages []any
}

func (s *recordingSender) SendJSON(v any) error {
	s.mu.Lock()
	s.messages = append(s.messages, v)
	s.mu.Unlock()

	return nil
}

func (s *recordingSender) last() any {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.messages) == 0 {
		return nil
	}

	return s.messages[len(s.messages)-1]
}

type closeRecorder struct {
	mu     sync.Mutex
	closed bool
	code   router.CloseCode
	reason string
}

func (c *closeRecorder) fn(code router.CloseCode, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	c.code = code
	c.reason = reason
}

func TestFullSRPHandshake_MarksConnectionAuthenticated(t *testing.T) {
	identity := "alice"
	password := "correct horse battery staple"

	salt, err := srp.GenerateSalt(16)
	require.NoError(t, err)

	group := srp.Group2048
	verifier := srp.ComputeVerifier(group, identity, password, salt)

	conn := connstate.New("c1", true)
	creds := &fakeCreds{salt: salt, verifier: verifier.V.Bytes(), username: identity}
	sender := &recordingSender{}
	closer := &closeRecorder{}

	h := NewHandler(conn, group, creds, connstate.NewIdentityBuckets(), sender, closer.fn, testLogger())

	helloRaw, _ := json.Marshal(wire.SRPHello{Type: wire.TypeSRPHello, Identity: identity})
	require.NoError(t, h.HandleHello(helloRaw))

	challengeMsg, ok := sender.last().(wire.SRPChallenge)
	require.True(t, ok)

	saltBytes, _ := base64.StdEncoding.DecodeString(challengeMsg.Salt)
	bBytes, _ := base64.StdEncoding.DecodeString(challengeMsg.B)
	B := new(big.Int).SetBytes(bBytes)

	client := srp.NewClientSession(group)

	A, err := client.Step1(identity, password, saltBytes)
	require.NoError(t, err)

	M1, err := client.Step2(B)
	require.NoError(t, err)

	proofRaw, _ := json.Marshal(wire.SRPProof{
		Type: wire.TypeSRPProof,
		A:    base64.StdEncoding.EncodeToString(A.Bytes()),
		M1:   base64.StdEncoding.EncodeToString(M1.Bytes()),
	})
	require.NoError(t, h.HandleProof(proofRaw))

	assert.Equal(t, connstate.PhaseAuthenticated, conn.AuthPhase())
	assert.False(t, closer.closed)

	verifyMsg, ok := sender.last().(wire.SRPVerify)
	require.True(t, ok)
	assert.NotEmpty(t, verifyMsg.SessionID)

	m2Bytes, _ := base64.StdEncoding.DecodeString(verifyMsg.M2)
	require.NoError(t, client.Step3(new(big.Int).SetBytes(m2Bytes)))
}

func TestWrongPassword_RecordsFailedProofAndCloses(t *testing.T) {
	identity := "alice"
	salt, err := srp.GenerateSalt(16)
	require.NoError(t, err)

	group := srp.Group2048
	verifier := srp.ComputeVerifier(group, identity, "correct password", salt)

	conn := connstate.New("c1", true)
	creds := &fakeCreds{salt: salt, verifier: verifier.V.Bytes(), username: identity}
	sender := &recordingSender{}
	closer := &closeRecorder{}

	h := NewHandler(conn, group, creds, connstate.NewIdentityBuckets(), sender, closer.fn, testLogger())

	helloRaw, _ := json.Marshal(wire.SRPHello{Type: wire.TypeSRPHello, Identity: identity})
	require.NoError(t, h.HandleHello(helloRaw))

	challengeMsg := sender.last().(wire.SRPChallenge)
	saltBytes, _ := base64.StdEncoding.DecodeString(challengeMsg.Salt)
	bBytes, _ := base64.StdEncoding.DecodeString(challengeMsg.B)
	B := new(big.Int).SetBytes(bBytes)

	client := srp.NewClientSession(group)

	A, err := client.Step1(identity, "wrong password", saltBytes)
	require.NoError(t, err)

	M1, err := client.Step2(B)
	require.NoError(t, err)

	proofRaw, _ := json.Marshal(wire.SRPProof{
		A:  base64.StdEncoding.EncodeToString(A.Bytes()),
		M1: base64.StdEncoding.EncodeToString(M1.Bytes()),
	})
	require.NoError(t, h.HandleProof(proofRaw))

	assert.NotEqual(t, connstate.PhaseAuthenticated, conn.AuthPhase())
	assert.True(t, closer.closed)
	assert.Equal(t, router.CloseAuthRequired, closer.code)
	assert.True(t, conn.Blocked(time.Now()))
}

func TestHelloRateLimited_ClosesWithRateLimitCode(t *testing.T) {
	conn := connstate.New("c1", true)
	creds := &fakeCreds{salt: []byte("s"), verifier: []byte{1}, username: "alice"}
	sender := &recordingSender{}
	closer := &closeRecorder{}

	h := NewHandler(conn, srp.Group2048, creds, connstate.NewIdentityBuckets(), sender, closer.fn, testLogger())

	helloRaw, _ := json.Marshal(wire.SRPHello{Type: wire.TypeSRPHello, Identity: "alice"})

	for i := 0; i < 6; i++ {
		require.NoError(t, h.HandleHello(helloRaw))
	}

	closer.closed = false
	require.NoError(t, h.HandleHello(helloRaw))
	assert.True(t, closer.closed)
	assert.Equal(t, router.CloseAuthTimeoutOrRateLimited, closer.code)
}

type fakeStore struct {
	sessions map[string]StoredSession
}

func (f *fakeStore) GetSession(id string) (StoredSession, bool) {
	s, ok := f.sessions[id]
	return s, ok
}

func (f *fakeStore) CreateSession(session StoredSession) error {
	if f.sessions == nil {
		f.sessions = make(map[string]StoredSession)
	}

	f.sessions[session.SessionID] = session

	return nil
}

func (f *fakeStore) UpdateLastConnected(id string, at time.Time) error {
	s := f.sessions[id]
	s.LastConnected = at
	f.sessions[id] = s

	return nil
}

func TestResumeFlow_SucceedsWithValidProof(t *testing.T) {
	var key [srp.KeySize]byte
	for i := range key {
		key[i] = byte(i + 1)
	}

	store := &fakeStore{sessions: map[string]StoredSession{
		"sess-1": {SessionID: "sess-1", Username: "alice", Key: key},
	}}

	conn := connstate.New("c1", true)
	sender := &recordingSender{}
	closer := &closeRecorder{}

	h := NewHandler(conn, srp.Group2048, &fakeCreds{}, connstate.NewIdentityBuckets(), sender, closer.fn, testLogger()).WithStore(store)

	initRaw, _ := json.Marshal(wire.SRPResumeInit{Type: wire.TypeSRPResumeInit, SessionID: "sess-1", Username: "alice"})
	require.NoError(t, h.HandleResumeInit(initRaw))

	ts, _ := json.Marshal(time.Now().Unix())
	nonce, ciphertext, err := srp.Seal(key, ts)
	require.NoError(t, err)

	proof := append(append([]byte{}, nonce[:]...), ciphertext...)

	resumeRaw, _ := json.Marshal(wire.SRPResume{
		Type: wire.TypeSRPResume, SessionID: "sess-1", Proof: base64.StdEncoding.EncodeToString(proof),
	})
	require.NoError(t, h.HandleResume(resumeRaw))

	assert.Equal(t, connstate.PhaseAuthenticated, conn.AuthPhase())
	assert.False(t, closer.closed)
}

func TestResumeFlow_SecondAttemptAgainstSameNonceFails(t *testing.T) {
	var key [srp.KeySize]byte

	store := &fakeStore{sessions: map[string]StoredSession{
		"sess-1": {SessionID: "sess-1", Username: "alice", Key: key},
	}}

	conn := connstate.New("c1", true)
	sender := &recordingSender{}
	closer := &closeRecorder{}

	h := NewHandler(conn, srp.Group2048, &fakeCreds{}, connstate.NewIdentityBuckets(), sender, closer.fn, testLogger()).WithStore(store)

	initRaw, _ := json.Marshal(wire.SRPResumeInit{SessionID: "sess-1", Username: "alice"})
	require.NoError(t, h.HandleResumeInit(initRaw))

	ts, _ := json.Marshal(time.Now().Unix())
	nonce, ciphertext, err := srp.Seal(key, ts)
	require.NoError(t, err)
	proof := append(append([]byte{}, nonce[:]...), ciphertext...)

	resumeRaw, _ := json.Marshal(wire.SRPResume{SessionID: "sess-1", Proof: base64.StdEncoding.EncodeToString(proof)})
	require.NoError(t, h.HandleResume(resumeRaw))

	closer.closed = false
	require.NoError(t, h.HandleResume(resumeRaw))
	assert.True(t, closer.closed)
}
