package tunnel

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessionrelay/core/internal/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

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

type echoHandler struct{}

func (echoHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-Path", r.URL.Path)
	w.Header().Set("Set-Cookie", "should-be-stripped=1")

	if r.URL.Path == "/api/missing" {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"not found"}`))

		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"ok":true}`))
}

func TestServer_ReconstructsRequestAndStripsHeaders(t *testing.T) {
	sender := &recordingSender{}
	srv := NewServer("/api", echoHandler{}, sender, testLogger())

	err := srv.HandleRequest(context.Background(), wire.RequestMsg{Type: wire.TypeRequest, ID: "r1", Method: "GET", Path: "/hello"})
	require.NoError(t, err)

	resp, ok := sender.last().(wire.ResponseMsg)
	require.True(t, ok)
	assert.Equal(t, "r1", resp.ID)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "/api/hello", resp.Headers["x-request-path"])
	assert.Equal(t, "application/json", resp.Headers["content-type"])
	_, hasCookie := resp.Headers["set-cookie"]
	assert.False(t, hasCookie, "set-cookie must not pass through the allowlist")
}

func TestServer_NotFoundStatusPreserved(t *testing.T) {
	sender := &recordingSender{}
	srv := NewServer("/api", echoHandler{}, sender, testLogger())

	require.NoError(t, srv.HandleRequest(context.Background(), wire.RequestMsg{ID: "r2", Method: "GET", Path: "/missing"}))

	resp := sender.last().(wire.ResponseMsg)
	assert.Equal(t, http.StatusNotFound, resp.Status)
}

type pendingSender struct {
	mu      sync.Mutex
	sent    []wire.RequestMsg
	onSend  func(wire.RequestMsg)
}

func (s *pendingSender) SendJSON(v any) error {
	req, ok := v.(wire.RequestMsg)
	if !ok {
		return nil
	}

	s.mu.Lock()
	s.sent = append(s.sent, req)
	cb := s.onSend
	s.mu.Unlock()

	if cb != nil {
		cb(req)
	}

	return nil
}

func TestClient_RoundTripResolvesPendingRequest(t *testing.T) {
	sender := &pendingSender{}
	client := NewClient(sender)

	sender.onSend = func(req wire.RequestMsg) {
		go client.HandleResponse(wire.ResponseMsg{Type: wire.TypeResponse, ID: req.ID, Status: 200, Body: json.RawMessage(`{"ok":true}`)})
	}

	resp, err := client.Do(context.Background(), "GET", "/x", nil, nil, false)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.JSONEq(t, `{"ok":true}`, string(resp.Body))
}

func TestClient_StatusErrorCarriesSetupRequired(t *testing.T) {
	sender := &pendingSender{}
	client := NewClient(sender)

	sender.onSend = func(req wire.RequestMsg) {
		go client.HandleResponse(wire.ResponseMsg{ID: req.ID, Status: 428, SetupRequired: true})
	}

	_, err := client.Do(context.Background(), "GET", "/x", nil, nil, false)

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, 428, statusErr.Status)
	assert.True(t, statusErr.SetupRequired)
}

func TestClient_CloseAllRejectsPending(t *testing.T) {
	sender := &pendingSender{}
	client := NewClient(sender)

	done := make(chan error, 1)
	go func() {
		_, err := client.Do(context.Background(), "GET", "/x", nil, nil, false)
		done <- err
	}()

	// Give Do a moment to register the pending entry before tearing down.
	time.Sleep(10 * time.Millisecond)
	client.CloseAll(ErrConnectionClosed)

	err := <-done
	assert.ErrorIs(t, err, ErrConnectionClosed)

	_, err = client.Do(context.Background(), "GET", "/y", nil, nil, false)
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestClient_FetchBlobDecodesBinaryMarker(t *testing.T) {
	sender := &pendingSender{}
	client := NewClient(sender)

	marker := wire.BinaryBody{Binary: true, Data: "aGVsbG8=", ContentType: "image/png"}
	encoded, err := json.Marshal(marker)
	require.NoError(t, err)

	sender.onSend = func(req wire.RequestMsg) {
		go client.HandleResponse(wire.ResponseMsg{ID: req.ID, Status: 200, Body: encoded})
	}

	blob, err := client.FetchBlob(context.Background(), "/image.png")
	require.NoError(t, err)
	assert.Equal(t, "image/png", blob.ContentType)
	assert.Equal(t, []byte("hello"), blob.Data)
}
