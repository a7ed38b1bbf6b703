package upload

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/sessionrelay/core/internal/wire"
)

// DefaultChunkSize is the client's default read size per chunk (spec §5:
// "upload chunk size default 64 KiB").
const DefaultChunkSize = 64 * 1024

// ErrCancelled is returned by Upload when ctx is cancelled mid-transfer
// (spec §5: "the reader is cancelled, the in-flight chunk drains").
var ErrCancelled = errors.New("upload: cancelled")

// ErrConnectionClosed is delivered to every pending upload when the
// transport goes away before upload-complete/-error arrives.
var ErrConnectionClosed = errors.New("upload: connection closed")

// ProgressFunc reports bytes received so far, as acknowledged by the
// server's upload-progress messages (spec §4.G progress granularity).
type ProgressFunc func(bytesReceived, total int64)

// FrameSender transmits one JSON upload-* message to the server.
type FrameSender interface {
	SendJSON(v any) error
}

// Result carries the file metadata returned in upload-complete, recreated
// here as a raw message (the shape is application-defined, out of scope).
type Result struct {
	File json.RawMessage
}

type pendingUpload struct {
	total    int64
	progress ProgressFunc
	done     chan struct{}
	result   Result
	err      error
}

// Client drives the client side of the upload protocol against a single
// open transport connection. One Client serializes progress/completion
// routing for all concurrently in-flight uploads it started.
type Client struct {
	sender    FrameSender
	chunkSize int
	logger    *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingUpload
}

// NewClient creates an upload client. chunkSize <= 0 uses DefaultChunkSize.
func NewClient(sender FrameSender, chunkSize int, logger *slog.Logger) *Client {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	return &Client{sender: sender, chunkSize: chunkSize, logger: logger, pending: make(map[string]*pendingUpload)}
}

// Upload sends upload-start, streams r in chunkSize pieces as upload-chunk
// messages, then upload-end, and blocks until the server's upload-complete
// or upload-error arrives (or ctx is cancelled). filename is normalized to
// NFC so a server on one platform and a client on another agree on
// byte-identical names — the same cross-platform path concern the sync
// engine this module is grounded on handles for OneDrive paths.
func (c *Client) Upload(ctx context.Context, uploadID uuid.UUID, projectID, sessionID, filename, mimeType string, size int64, r io.Reader, progress ProgressFunc) (Result, error) {
	id := uploadID.String()

	p := &pendingUpload{total: size, progress: progress, done: make(chan struct{})}

	c.mu.Lock()
	c.pending[id] = p
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	normalizedName := norm.NFC.String(filename)

	if err := c.sender.SendJSON(wire.UploadStartMsg{
		Type:      wire.TypeUploadStart,
		UploadID:  id,
		ProjectID: projectID,
		SessionID: sessionID,
		Filename:  normalizedName,
		Size:      size,
		MimeType:  mimeType,
	}); err != nil {
		return Result{}, fmt.Errorf("upload: sending upload-start: %w", err)
	}

	buf := make([]byte, c.chunkSize)

	var sent int64

	for {
		select {
		case <-ctx.Done():
			return Result{}, ErrCancelled
		default:
		}

		n, err := r.Read(buf)
		if n > 0 {
			if sendErr := c.sender.SendJSON(wire.UploadChunkMsg{
				Type:     wire.TypeUploadChunk,
				UploadID: id,
				Offset:   sent,
				Data:     base64.StdEncoding.EncodeToString(buf[:n]),
			}); sendErr != nil {
				return Result{}, fmt.Errorf("upload: sending chunk at offset %d: %w", sent, sendErr)
			}

			sent += int64(n)
		}

		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return Result{}, fmt.Errorf("upload: reading file data: %w", err)
		}
	}

	if err := c.sender.SendJSON(wire.UploadEndMsg{Type: wire.TypeUploadEnd, UploadID: id}); err != nil {
		return Result{}, fmt.Errorf("upload: sending upload-end: %w", err)
	}

	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
		return Result{}, ErrCancelled
	}
}

// HandleProgress routes an upload-progress message to the matching
// in-flight upload's ProgressFunc, if one was supplied.
func (c *Client) HandleProgress(msg wire.UploadProgressMsg) {
	c.mu.Lock()
	p, ok := c.pending[msg.UploadID]
	c.mu.Unlock()

	if !ok || p.progress == nil {
		return
	}

	p.progress(msg.BytesReceived, p.total)
}

// HandleComplete resolves the matching pending Upload call with its result.
func (c *Client) HandleComplete(msg wire.UploadCompleteMsg) {
	c.resolve(msg.UploadID, Result{File: msg.File}, nil)
}

// HandleError resolves the matching pending Upload call with an error.
func (c *Client) HandleError(msg wire.UploadErrorMsg) {
	c.resolve(msg.UploadID, Result{}, fmt.Errorf("upload: %s", msg.Error))
}

func (c *Client) resolve(uploadID string, result Result, err error) {
	c.mu.Lock()
	p, ok := c.pending[uploadID]
	c.mu.Unlock()

	if !ok {
		return
	}

	p.result = result
	p.err = err
	close(p.done)
}

// CloseAll fails every in-flight upload with reason; called when the
// transport connection goes away mid-upload.
func (c *Client) CloseAll(reason error) {
	if reason == nil {
		reason = ErrConnectionClosed
	}

	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]*pendingUpload)
	c.mu.Unlock()

	for _, p := range pending {
		p.err = reason
		close(p.done)
	}
}
