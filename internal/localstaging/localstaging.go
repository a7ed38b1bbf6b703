// Package localstaging is the default local implementation of the upload
// staging collaborator (spec §6: "Upload staging — startUpload, writeChunk,
// completeUpload, cancelUpload"): it writes each upload's bytes straight to
// a temp file in order, checksums them with SHA-256, and renames into place
// on completion, the same incremental-write-then-finalize shape
// nishisan-dev-n-backup's chunk assembler uses for its own staged uploads,
// simplified because internal/upload already guarantees chunks arrive in
// strict offset order before staging ever sees them.
package localstaging

import (
	"bufio"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// Staging implements upload.Staging against the local filesystem, writing
// completed uploads to root/<uploadID>_<base name of the filename>.
type Staging struct {
	root string

	mu    sync.Mutex
	files map[uuid.UUID]*stagedUpload
}

type stagedUpload struct {
	tmpPath  string
	destPath string
	file     *os.File
	buf      *bufio.Writer
	hasher   hash.Hash
	written  int64
}

// File describes a completed upload, returned as the `file any` result of
// CompleteUpload.
type File struct {
	Path     string
	Size     int64
	Checksum string
}

// New creates a Staging rooted at dir. dir is created if it does not exist.
func New(dir string) (*Staging, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("localstaging: creating root %s: %w", dir, err)
	}

	return &Staging{root: dir, files: make(map[uuid.UUID]*stagedUpload)}, nil
}

// StartUpload creates the temp file an upload's chunks will be written to.
func (s *Staging) StartUpload(_ context.Context, uploadID uuid.UUID, projectID, sessionID, filename, mimeType string, size int64) error {
	tmpPath := filepath.Join(s.root, uploadID.String()+".tmp")

	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("localstaging: creating %s: %w", tmpPath, err)
	}

	hasher := sha256.New()

	s.mu.Lock()
	s.files[uploadID] = &stagedUpload{
		tmpPath:  tmpPath,
		destPath: filepath.Join(s.root, sanitizeName(uploadID, filename)),
		file:     f,
		buf:      bufio.NewWriter(io.MultiWriter(f, hasher)),
		hasher:   hasher,
	}
	s.mu.Unlock()

	return nil
}

// WriteChunk appends data at offset. internal/upload has already validated
// offset == bytes received so far, so this is always a sequential append.
func (s *Staging) WriteChunk(_ context.Context, uploadID uuid.UUID, offset int64, data []byte) error {
	s.mu.Lock()
	up, ok := s.files[uploadID]
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("localstaging: %w", errUnknownUpload)
	}

	if _, err := up.buf.Write(data); err != nil {
		return fmt.Errorf("localstaging: writing chunk at offset %d: %w", offset, err)
	}

	up.written += int64(len(data))

	return nil
}

// CompleteUpload flushes, closes, checksums, and renames the temp file into
// its final resting place, returning a *File describing it.
func (s *Staging) CompleteUpload(_ context.Context, uploadID uuid.UUID) (any, error) {
	s.mu.Lock()
	up, ok := s.files[uploadID]
	if ok {
		delete(s.files, uploadID)
	}
	s.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("localstaging: %w", errUnknownUpload)
	}

	if err := up.buf.Flush(); err != nil {
		up.file.Close()
		return nil, fmt.Errorf("localstaging: flushing %s: %w", up.tmpPath, err)
	}

	if err := up.file.Close(); err != nil {
		return nil, fmt.Errorf("localstaging: closing %s: %w", up.tmpPath, err)
	}

	if err := os.Rename(up.tmpPath, up.destPath); err != nil {
		return nil, fmt.Errorf("localstaging: renaming %s to %s: %w", up.tmpPath, up.destPath, err)
	}

	checksum := fmt.Sprintf("%x", up.hasher.Sum(nil))

	return &File{Path: up.destPath, Size: up.written, Checksum: checksum}, nil
}

// CancelUpload closes and removes the partial temp file.
func (s *Staging) CancelUpload(_ context.Context, uploadID uuid.UUID) error {
	s.mu.Lock()
	up, ok := s.files[uploadID]
	if ok {
		delete(s.files, uploadID)
	}
	s.mu.Unlock()

	if !ok {
		return nil
	}

	up.file.Close()

	return os.Remove(up.tmpPath)
}

var errUnknownUpload = errors.New("unknown upload id")

func sanitizeName(uploadID uuid.UUID, filename string) string {
	base := filepath.Base(filename)
	if base == "" || base == "." || base == string(filepath.Separator) {
		base = "upload"
	}

	return uploadID.String() + "_" + base
}
