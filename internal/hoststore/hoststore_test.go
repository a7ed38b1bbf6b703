package hoststore

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestAddGetList(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir, testLogger())
	require.NoError(t, err)

	require.NoError(t, s.Add(Host{Name: "work", URL: "wss://relay.example.com", Identity: "alice"}))
	require.NoError(t, s.Add(Host{Name: "home", URL: "wss://home.example.com", Identity: "alice"}))

	got, ok := s.Get("work")
	require.True(t, ok)
	assert.Equal(t, "wss://relay.example.com", got.URL)

	list := s.List()
	require.Len(t, list, 2)
	assert.Equal(t, "home", list[0].Name) // sorted
	assert.Equal(t, "work", list[1].Name)
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir, testLogger())
	require.NoError(t, err)
	require.NoError(t, s.Add(Host{Name: "work", URL: "wss://relay.example.com", Identity: "alice"}))

	reopened, err := Open(dir, testLogger())
	require.NoError(t, err)

	got, ok := reopened.Get("work")
	require.True(t, ok)
	assert.Equal(t, "alice", got.Identity)
}

func TestUpdateSession(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir, testLogger())
	require.NoError(t, err)
	require.NoError(t, s.Add(Host{Name: "work", URL: "wss://relay.example.com"}))

	now := time.Now()
	require.NoError(t, s.UpdateSession("work", "sess-1", now))

	got, ok := s.Get("work")
	require.True(t, ok)
	assert.Equal(t, "sess-1", got.SessionID)
}

func TestUpdateSession_UnknownHostErrors(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir, testLogger())
	require.NoError(t, err)

	err = s.UpdateSession("missing", "sess-1", time.Now())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRemove(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir, testLogger())
	require.NoError(t, err)
	require.NoError(t, s.Add(Host{Name: "work", URL: "wss://relay.example.com"}))
	require.NoError(t, s.Remove("work"))

	_, ok := s.Get("work")
	assert.False(t, ok)
}

func TestOpen_CorruptFileStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, hostsFilename), []byte("not json"), 0o600))

	s, err := Open(dir, testLogger())
	require.NoError(t, err)
	assert.Empty(t, s.List())
}
