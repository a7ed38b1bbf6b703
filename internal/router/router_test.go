package router

import (
	"encoding/json"
	"log/slog"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessionrelay/core/internal/connstate"
	"github.com/sessionrelay/core/internal/srp"
	"github.com/sessionrelay/core/internal/wire"
)

type fakeSRP struct{ helloCount int }

func (f *fakeSRP) HandleHello(json.RawMessage) error           { f.helloCount++; return nil }
func (f *fakeSRP) HandleChallenge(json.RawMessage) error       { return nil }
func (f *fakeSRP) HandleProof(json.RawMessage) error           { return nil }
func (f *fakeSRP) HandleVerify(json.RawMessage) error          { return nil }
func (f *fakeSRP) HandleResumeInit(json.RawMessage) error      { return nil }
func (f *fakeSRP) HandleResumeChallenge(json.RawMessage) error { return nil }
func (f *fakeSRP) HandleResume(json.RawMessage) error          { return nil }
func (f *fakeSRP) HandleResumed(json.RawMessage) error         { return nil }
func (f *fakeSRP) HandleInvalid(json.RawMessage) error         { return nil }
func (f *fakeSRP) HandleSRPError(json.RawMessage) error        { return nil }

type fakeApp struct {
	requests   int
	lastSeq    uint64
	pingCount  int
}

func (f *fakeApp) HandleRequest(seq uint64, _ json.RawMessage) error {
	f.requests++
	f.lastSeq = seq
	return nil
}
func (f *fakeApp) HandleSubscribe(json.RawMessage) error   { return nil }
func (f *fakeApp) HandleUnsubscribe(json.RawMessage) error { return nil }
func (f *fakeApp) HandleUploadStart(json.RawMessage) error { return nil }
func (f *fakeApp) HandleUploadChunk(json.RawMessage) error { return nil }
func (f *fakeApp) HandleUploadChunkBinary(uuid.UUID, uint64, []byte) error { return nil }
func (f *fakeApp) HandleUploadEnd(json.RawMessage) error      { return nil }
func (f *fakeApp) HandleCapabilities(json.RawMessage) error   { return nil }
func (f *fakeApp) HandlePing(json.RawMessage) error           { f.pingCount++; return nil }
func (f *fakeApp) HandleResponse(json.RawMessage) error       { return nil }
func (f *fakeApp) HandleEvent(json.RawMessage) error          { return nil }
func (f *fakeApp) HandlePong(json.RawMessage) error           { return nil }
func (f *fakeApp) HandleHeartbeat(json.RawMessage) error      { return nil }
func (f *fakeApp) HandleUploadProgress(json.RawMessage) error { return nil }
func (f *fakeApp) HandleUploadComplete(json.RawMessage) error { return nil }
func (f *fakeApp) HandleUploadError(json.RawMessage) error    { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestDispatch_SRPHelloBeforeAuth(t *testing.T) {
	conn := connstate.New("c1", true)
	srpH := &fakeSRP{}
	appH := &fakeApp{}
	r := New(conn, srpH, appH, testLogger())

	err := r.DispatchText([]byte(`{"type":"srp_hello","identity":"alice"}`))
	require.NoError(t, err)
	assert.Equal(t, 1, srpH.helloCount)
}

func TestDispatch_PlaintextAppRejectedBeforeAuth(t *testing.T) {
	conn := connstate.New("c1", true)
	r := New(conn, &fakeSRP{}, &fakeApp{}, testLogger())

	err := r.DispatchText([]byte(`{"type":"ping"}`))

	var closeErr *CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, CloseAuthRequired, closeErr.Code)
}

func TestDispatch_PlaintextRejectedWhenEncryptionRequired(t *testing.T) {
	conn := connstate.New("c1", true)
	conn.MarkAuthenticated([32]byte{})
	r := New(conn, &fakeSRP{}, &fakeApp{}, testLogger())

	err := r.DispatchText([]byte(`{"type":"ping"}`))

	var closeErr *CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, CloseEncryptionRequired, closeErr.Code)
}

func TestDispatch_PlaintextAllowedOnTrustedConnection(t *testing.T) {
	conn := connstate.New("c1", false)
	conn.MarkAuthenticated([32]byte{})
	appH := &fakeApp{}
	r := New(conn, &fakeSRP{}, appH, testLogger())

	err := r.DispatchText([]byte(`{"type":"ping"}`))
	require.NoError(t, err)
	assert.Equal(t, 1, appH.pingCount)
}

func TestDispatch_EncryptedRequestRoundTrip(t *testing.T) {
	var key [32]byte
	for i := range key {
		key[i] = byte(i)
	}

	conn := connstate.New("c1", true)
	conn.MarkAuthenticated(key)
	appH := &fakeApp{}
	r := New(conn, &fakeSRP{}, appH, testLogger())

	plaintext := []byte(`{"seq":1,"msg":{"type":"request","id":"r1","method":"GET","path":"/api/x"}}`)
	nonce, ciphertext, err := srp.Seal(key, plaintext)
	require.NoError(t, err)

	frame := wire.EncodeEnvelope(nonce, wire.FormatJSON, ciphertext)

	require.NoError(t, r.DispatchBinary(frame))
	assert.Equal(t, 1, appH.requests)
	assert.Equal(t, uint64(1), appH.lastSeq)
}

func TestDispatch_ReplaySeqClosesWithDecryptionFailed(t *testing.T) {
	var key [32]byte

	conn := connstate.New("c1", true)
	conn.MarkAuthenticated(key)
	r := New(conn, &fakeSRP{}, &fakeApp{}, testLogger())

	mkFrame := func(seq int) []byte {
		plaintext := []byte(`{"seq":` + itoa(seq) + `,"msg":{"type":"ping"}}`)
		nonce, ciphertext, err := srp.Seal(key, plaintext)
		require.NoError(t, err)
		return wire.EncodeEnvelope(nonce, wire.FormatJSON, ciphertext)
	}

	require.NoError(t, r.DispatchBinary(mkFrame(0)))

	err := r.DispatchBinary(mkFrame(0))
	var closeErr *CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, CloseDecryptionFailed, closeErr.Code)
}

func TestDispatch_UnknownBinaryFormatCloses(t *testing.T) {
	conn := connstate.New("c1", false)
	r := New(conn, &fakeSRP{}, &fakeApp{}, testLogger())

	err := r.DispatchBinary([]byte{0x7f, 0x00})
	var closeErr *CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, CloseUnknownFormat, closeErr.Code)
}

func TestDispatch_EmptyFrameDropped(t *testing.T) {
	conn := connstate.New("c1", false)
	r := New(conn, &fakeSRP{}, &fakeApp{}, testLogger())

	assert.NoError(t, r.DispatchText(nil))
	assert.NoError(t, r.DispatchBinary(nil))
}

func itoa(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}
