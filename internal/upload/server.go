// Package upload implements the resumable upload protocol of spec §4.G:
// start/chunk/end with server-assigned upload IDs, strict offset validation,
// bounded-granularity progress reporting, and cancellation on connection
// close.
package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/sessionrelay/core/internal/wire"
)

// progressGranularity is the minimum byte delta between upload-progress
// reports (spec §5: "progress reporting granularity 64 KiB").
const progressGranularity = 64 * 1024

// ErrOffsetMismatch is emitted as upload-error when a chunk's offset does
// not equal the running bytesReceived (spec §3 invariant).
var ErrOffsetMismatch = errors.New("upload: chunk offset does not match bytes received")

// ErrUnknownUpload is returned when a chunk/end message references an
// upload ID the server has no state for (already completed, cancelled, or
// never started).
var ErrUnknownUpload = errors.New("upload: unknown upload id")

// Staging is the external collaborator that actually persists bytes (spec
// §6: "Upload staging — startUpload, writeChunk, completeUpload,
// cancelUpload"). Out of scope to implement; this package only orchestrates
// calls to it under the protocol's invariants.
type Staging interface {
	StartUpload(ctx context.Context, uploadID uuid.UUID, projectID, sessionID, filename, mimeType string, size int64) error
	WriteChunk(ctx context.Context, uploadID uuid.UUID, offset int64, data []byte) error
	CompleteUpload(ctx context.Context, uploadID uuid.UUID) (file any, err error)
	CancelUpload(ctx context.Context, uploadID uuid.UUID) error
}

// Sender is how the server pushes upload-progress/-complete/-error frames.
// Implementations wrap the connection's JSON-frame writer.
type Sender interface {
	SendJSON(v any) error
}

// state is the server-side bookkeeping for one in-flight upload (spec §3).
type state struct {
	mu sync.Mutex

	clientUploadID string
	serverUploadID uuid.UUID
	expectedSize   int64
	bytesReceived  int64
	lastReported   int64

	pendingWrites errgroup.Group

	cancelled bool
}

// Server tracks every in-flight upload for one connection.
type Server struct {
	staging Staging
	sender  Sender
	logger  *slog.Logger

	mu      sync.Mutex
	uploads map[string]*state // keyed by clientUploadID
}

// NewServer creates an upload tracker for one connection.
func NewServer(staging Staging, sender Sender, logger *slog.Logger) *Server {
	return &Server{staging: staging, sender: sender, logger: logger, uploads: make(map[string]*state)}
}

// Start handles upload-start: allocates server-side staging and reports
// initial progress (spec §4.G).
func (s *Server) Start(ctx context.Context, msg wire.UploadStartMsg) error {
	serverID := uuid.New()

	if err := s.staging.StartUpload(ctx, serverID, msg.ProjectID, msg.SessionID, msg.Filename, msg.MimeType, msg.Size); err != nil {
		return s.sendError(msg.UploadID, fmt.Errorf("starting upload: %w", err))
	}

	st := &state{clientUploadID: msg.UploadID, serverUploadID: serverID, expectedSize: msg.Size}

	s.mu.Lock()
	s.uploads[msg.UploadID] = st
	s.mu.Unlock()

	s.logger.Info("upload started", slog.String("uploadId", msg.UploadID), slog.String("filename", msg.Filename),
		slog.String("size", humanize.Bytes(uint64(msg.Size))))

	return s.sender.SendJSON(wire.UploadProgressMsg{Type: wire.TypeUploadProgress, UploadID: msg.UploadID, BytesReceived: 0})
}

// Chunk handles upload-chunk (spec §4.G): offset must equal the running
// bytesReceived. Progress reports are at-most-once per progressGranularity
// bytes, or on the final byte.
func (s *Server) Chunk(ctx context.Context, uploadID string, offset int64, data []byte) error {
	st, ok := s.get(uploadID)
	if !ok {
		return s.sendError(uploadID, ErrUnknownUpload)
	}

	st.mu.Lock()
	if st.cancelled {
		st.mu.Unlock()
		return s.sendError(uploadID, ErrUnknownUpload)
	}

	if offset != st.bytesReceived {
		st.mu.Unlock()
		s.cancel(uploadID, st)
		return s.sendError(uploadID, fmt.Errorf("%w: got %d want %d", ErrOffsetMismatch, offset, st.bytesReceived))
	}

	st.bytesReceived += int64(len(data))
	received := st.bytesReceived
	shouldReport := received-st.lastReported >= progressGranularity || received >= st.expectedSize
	if shouldReport {
		st.lastReported = received
	}

	serverID := st.serverUploadID
	st.pendingWrites.Go(func() error {
		return s.staging.WriteChunk(ctx, serverID, offset, data)
	})
	st.mu.Unlock()

	if shouldReport {
		return s.sender.SendJSON(wire.UploadProgressMsg{Type: wire.TypeUploadProgress, UploadID: uploadID, BytesReceived: received})
	}

	return nil
}

// End handles upload-end: waits for every pending chunk write to resolve
// (spec §3 invariant: "completeUpload waits on all pendingWrites"), then
// emits upload-complete or upload-error.
func (s *Server) End(ctx context.Context, uploadID string) error {
	st, ok := s.get(uploadID)
	if !ok {
		return s.sendError(uploadID, ErrUnknownUpload)
	}

	if err := st.pendingWrites.Wait(); err != nil {
		s.remove(uploadID)
		return s.sendError(uploadID, fmt.Errorf("draining pending chunk writes: %w", err))
	}

	file, err := s.staging.CompleteUpload(ctx, st.serverUploadID)

	s.remove(uploadID)

	if err != nil {
		return s.sendError(uploadID, fmt.Errorf("completing upload: %w", err))
	}

	return s.sender.SendJSON(struct {
		Type     string `json:"type"`
		UploadID string `json:"uploadId"`
		File     any    `json:"file"`
	}{Type: wire.TypeUploadComplete, UploadID: uploadID, File: file})
}

// CancelAll cancels every in-flight upload for this connection — called on
// connection close (spec §5: "all uploads are cancelled server-side").
func (s *Server) CancelAll(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.uploads))
	for id := range s.uploads {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		st, ok := s.get(id)
		if !ok {
			continue
		}

		s.cancel(id, st)

		if err := s.staging.CancelUpload(ctx, st.serverUploadID); err != nil {
			s.logger.Warn("cancelling upload on close", slog.String("uploadId", id), slog.String("error", err.Error()))
		}
	}
}

func (s *Server) get(uploadID string) (*state, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.uploads[uploadID]

	return st, ok
}

func (s *Server) remove(uploadID string) {
	s.mu.Lock()
	delete(s.uploads, uploadID)
	s.mu.Unlock()
}

func (s *Server) cancel(uploadID string, st *state) {
	st.mu.Lock()
	st.cancelled = true
	st.mu.Unlock()

	s.remove(uploadID)
}

func (s *Server) sendError(uploadID string, cause error) error {
	s.logger.Warn("upload error", slog.String("uploadId", uploadID), slog.String("error", cause.Error()))

	return s.sender.SendJSON(wire.UploadErrorMsg{Type: wire.TypeUploadError, UploadID: uploadID, Error: cause.Error()})
}
