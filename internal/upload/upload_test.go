package upload

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessionrelay/core/internal/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeStaging struct {
	mu     sync.Mutex
	writes []int64
}

func (f *fakeStaging) StartUpload(context.Context, uuid.UUID, string, string, string, string, int64) error {
	return nil
}

func (f *fakeStaging) WriteChunk(_ context.Context, _ uuid.UUID, offset int64, _ []byte) error {
	f.mu.Lock()
	f.writes = append(f.writes, offset)
	f.mu.Unlock()

	return nil
}

func (f *fakeStaging) CompleteUpload(context.Context, uuid.UUID) (any, error) {
	return map[string]string{"name": "done"}, nil
}

func (f *fakeStaging) CancelUpload(context.Context, uuid.UUID) error { return nil }

type fakeSender struct {
	mu       sync.Mutex
	messages []any
}

func (f *fakeSender) SendJSON(v any) error {
	f.mu.Lock()
	f.messages = append(f.messages, v)
	f.mu.Unlock()

	return nil
}

func TestServer_ProgressGranularity(t *testing.T) {
	staging := &fakeStaging{}
	sender := &fakeSender{}
	srv := NewServer(staging, sender, testLogger())

	const size = 131072 // 128 KiB

	require.NoError(t, srv.Start(context.Background(), startMsg("up-1", size)))
	require.NoError(t, srv.Chunk(context.Background(), "up-1", 0, make([]byte, 65536)))
	require.NoError(t, srv.Chunk(context.Background(), "up-1", 65536, make([]byte, 65536)))
	require.NoError(t, srv.End(context.Background(), "up-1"))

	var progressReports []int64
	for _, m := range sender.messages {
		if p, ok := m.(wire.UploadProgressMsg); ok {
			progressReports = append(progressReports, p.BytesReceived)
		}
	}

	assert.Equal(t, []int64{0, 65536, 131072}, progressReports)
	assert.Equal(t, []int64{0, 65536}, staging.writes)
}

func TestServer_OffsetMismatchCancelsUpload(t *testing.T) {
	staging := &fakeStaging{}
	sender := &fakeSender{}
	srv := NewServer(staging, sender, testLogger())

	require.NoError(t, srv.Start(context.Background(), startMsg("up-2", 100)))

	err := srv.Chunk(context.Background(), "up-2", 50, make([]byte, 10))
	require.NoError(t, err) // error surfaces via the JSON message, not the return value

	_, ok := srv.get("up-2")
	assert.False(t, ok, "upload must be removed after an offset mismatch")
}

func TestServer_UnknownUploadID(t *testing.T) {
	staging := &fakeStaging{}
	sender := &fakeSender{}
	srv := NewServer(staging, sender, testLogger())

	require.NoError(t, srv.Chunk(context.Background(), "missing", 0, nil))
	require.Len(t, sender.messages, 1)
}

func startMsg(id string, size int64) wire.UploadStartMsg {
	return wire.UploadStartMsg{Type: wire.TypeUploadStart, UploadID: id, Size: size}
}
