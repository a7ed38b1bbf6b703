package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessionrelay/core/internal/srp"
	"github.com/sessionrelay/core/internal/wire"
	"github.com/sessionrelay/core/pkg/wsconn"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type frame struct {
	typ  wsconn.MessageType
	data []byte
}

// chanSocket is an in-memory Socket backed by a pair of channels, used to
// drive a Transport against a hand-written peer without a real network
// connection.
type chanSocket struct {
	in  chan frame
	out chan frame
}

func newSocketPair() (client *chanSocket, server *chanSocket) {
	ab := make(chan frame, 64)
	ba := make(chan frame, 64)

	return &chanSocket{in: ba, out: ab}, &chanSocket{in: ab, out: ba}
}

func (s *chanSocket) WriteText(ctx context.Context, data []byte) error {
	return s.write(ctx, wsconn.MessageText, data)
}

func (s *chanSocket) WriteBinary(ctx context.Context, data []byte) error {
	return s.write(ctx, wsconn.MessageBinary, data)
}

func (s *chanSocket) write(ctx context.Context, typ wsconn.MessageType, data []byte) error {
	select {
	case s.out <- frame{typ: typ, data: data}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *chanSocket) Read(ctx context.Context) (wsconn.MessageType, []byte, error) {
	select {
	case f := <-s.in:
		return f.typ, f.data, nil
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (s *chanSocket) Close(wsconn.StatusCode, string) error { return nil }

// fakeServer plays the server side of one SRP handshake (and, once
// authenticated, one request/response round trip) directly against the
// real srp package, without pulling in internal/admission or
// internal/router — enough surface to exercise Transport's wire-level
// behavior end to end.
type fakeServer struct {
	sock     *chanSocket
	group    *srp.Group
	identity string
	verifier *big.Int
	reject   bool
	errCh    chan error
}

func (f *fakeServer) run() {
	f.errCh = make(chan error, 1)
	go func() {
		f.errCh <- f.serve()
	}()
}

func (f *fakeServer) serve() error {
	ctx := context.Background()

	_, raw, err := f.sock.Read(ctx)
	if err != nil {
		return fmt.Errorf("reading hello: %w", err)
	}

	var hello wire.SRPHello
	if err := json.Unmarshal(raw, &hello); err != nil {
		return fmt.Errorf("decoding hello: %w", err)
	}

	session, err := srp.NewServerSession(f.group, hello.Identity, f.verifier)
	if err != nil {
		return fmt.Errorf("starting server session: %w", err)
	}

	salt := []byte("fixed-test-salt")

	challenge, err := json.Marshal(wire.SRPChallenge{
		Type: wire.TypeSRPChallenge,
		Salt: base64.StdEncoding.EncodeToString(salt),
		B:    base64.StdEncoding.EncodeToString(session.PublicB().Bytes()),
	})
	if err != nil {
		return err
	}

	if err := f.sock.WriteText(ctx, challenge); err != nil {
		return err
	}

	_, raw, err = f.sock.Read(ctx)
	if err != nil {
		return fmt.Errorf("reading proof: %w", err)
	}

	var proof wire.SRPProof
	if err := json.Unmarshal(raw, &proof); err != nil {
		return err
	}

	aBytes, err := base64.StdEncoding.DecodeString(proof.A)
	if err != nil {
		return err
	}

	m1Bytes, err := base64.StdEncoding.DecodeString(proof.M1)
	if err != nil {
		return err
	}

	m2, err := session.VerifyProof(new(big.Int).SetBytes(aBytes), new(big.Int).SetBytes(m1Bytes))
	if f.reject || err != nil {
		errMsg, _ := json.Marshal(wire.SRPErrorMsg{Type: wire.TypeSRPError, Code: "invalid_proof"})
		return f.sock.WriteText(ctx, errMsg)
	}

	verify, err := json.Marshal(wire.SRPVerify{Type: wire.TypeSRPVerify, M2: base64.StdEncoding.EncodeToString(m2.Bytes()), SessionID: "sess-1"})
	if err != nil {
		return err
	}

	if err := f.sock.WriteText(ctx, verify); err != nil {
		return err
	}

	key := srp.DeriveSessionKey(session.SharedSecret())

	return f.serveRequest(ctx, key)
}

func (f *fakeServer) serveRequest(ctx context.Context, key [srp.KeySize]byte) error {
	_, raw, err := f.sock.Read(ctx)
	if err != nil {
		return fmt.Errorf("reading request envelope: %w", err)
	}

	if len(raw) < 1+wire.NonceSize+1 {
		return fmt.Errorf("envelope too short")
	}

	var nonce [wire.NonceSize]byte
	copy(nonce[:], raw[1:1+wire.NonceSize])
	ciphertext := raw[1+wire.NonceSize+1:]

	plaintext, err := srp.Open(key, nonce, ciphertext)
	if err != nil {
		return fmt.Errorf("decrypting request: %w", err)
	}

	var env wire.Envelope
	if err := json.Unmarshal(plaintext, &env); err != nil {
		return err
	}

	var req wire.RequestMsg
	if err := json.Unmarshal(env.Msg, &req); err != nil {
		return err
	}

	body, err := json.Marshal(wire.ResponseMsg{
		Type:   wire.TypeResponse,
		ID:     req.ID,
		Status: 200,
		Body:   json.RawMessage(`{"ok":true}`),
	})
	if err != nil {
		return err
	}

	respEnv, err := json.Marshal(wire.Envelope{Seq: 1, Msg: body})
	if err != nil {
		return err
	}

	respNonce, respCipher, err := srp.Seal(key, respEnv)
	if err != nil {
		return err
	}

	return f.sock.WriteBinary(ctx, wire.EncodeEnvelope(respNonce, wire.FormatJSON, respCipher))
}

func TestTransport_ConnectAuthenticatesAndFetches(t *testing.T) {
	identity, password := "alice", "hunter2"
	salt := []byte("fixed-test-salt")
	verifier := srp.ComputeVerifier(srp.Group2048, identity, password, salt)

	clientSock, serverSock := newSocketPair()

	srv := &fakeServer{sock: serverSock, group: srp.Group2048, identity: identity, verifier: verifier.V}
	srv.run()

	dialer := func(context.Context) (Socket, error) { return clientSock, nil }

	tr := New(testLogger(), dialer, srp.Group2048, Credentials{Identity: identity, Password: password}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, tr.Connect(ctx))
	defer tr.Close()

	resp, err := tr.Fetch(ctx, "GET", "/api/ping", nil, nil, false)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.JSONEq(t, `{"ok":true}`, string(resp.Body))

	require.NoError(t, <-srv.errCh)
}

func TestTransport_WrongPasswordFailsConnect(t *testing.T) {
	identity, password := "alice", "hunter2"
	salt := []byte("fixed-test-salt")
	verifier := srp.ComputeVerifier(srp.Group2048, identity, password, salt)

	clientSock, serverSock := newSocketPair()

	srv := &fakeServer{sock: serverSock, group: srp.Group2048, identity: identity, verifier: verifier.V, reject: true}
	srv.run()

	dialer := func(context.Context) (Socket, error) { return clientSock, nil }

	tr := New(testLogger(), dialer, srp.Group2048, Credentials{Identity: identity, Password: "wrong-password"}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := tr.Connect(ctx)
	assert.Error(t, err)
}

func TestTransport_SessionListenerFiresOnAuthentication(t *testing.T) {
	identity, password := "alice", "hunter2"
	salt := []byte("fixed-test-salt")
	verifier := srp.ComputeVerifier(srp.Group2048, identity, password, salt)

	clientSock, serverSock := newSocketPair()

	srv := &fakeServer{sock: serverSock, group: srp.Group2048, identity: identity, verifier: verifier.V}
	srv.run()

	dialer := func(context.Context) (Socket, error) { return clientSock, nil }

	var got Session
	tr := New(testLogger(), dialer, srp.Group2048, Credentials{Identity: identity, Password: password}, func(s Session) {
		got = s
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, tr.Connect(ctx))
	defer tr.Close()

	assert.Equal(t, "sess-1", got.ID)
	assert.NotEqual(t, [srp.KeySize]byte{}, got.Key)
}
