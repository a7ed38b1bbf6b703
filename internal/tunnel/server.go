// Package tunnel implements the request tunnel of spec §4.E: server-side
// reconstruction of `request` messages into local HTTP calls, and
// client-side request/response correlation with a 30 s timeout.
package tunnel

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/sessionrelay/core/internal/wire"
)

// responseHeaderAllowlist mirrors spec §4.E: "selected headers (prefix x-,
// content-type, etag)".
func allowedResponseHeader(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasPrefix(lower, "x-") || lower == "content-type" || lower == "etag"
}

// binaryContentTypePrefixes lists the content types whose bodies are
// base64-marked for the client to reconstruct as a blob (spec §4.E).
var binaryContentTypePrefixes = []string{"image/", "audio/", "video/", "application/octet-stream"}

func isBinaryContentType(contentType string) bool {
	ct := strings.ToLower(contentType)
	for _, prefix := range binaryContentTypePrefixes {
		if strings.HasPrefix(ct, prefix) {
			return true
		}
	}

	return false
}

// Sender is how the server pushes a `response` frame back to the client.
type Sender interface {
	SendJSON(v any) error
}

// Server executes tunneled requests against an in-process HTTP application
// (spec §6: "HTTP application — fetch(request) -> response").
type Server struct {
	apiBase string
	app     http.Handler
	sender  Sender
	logger  *slog.Logger
}

// NewServer creates a request-tunnel server. apiBase is prefixed onto every
// incoming request path before it reaches app.
func NewServer(apiBase string, app http.Handler, sender Sender, logger *slog.Logger) *Server {
	return &Server{apiBase: apiBase, app: app, sender: sender, logger: logger}
}

// HandleRequest reconstructs msg into a local HTTP request, executes it
// against the application, and sends back a `response` frame.
func (s *Server) HandleRequest(ctx context.Context, msg wire.RequestMsg) error {
	var body io.Reader

	if msg.Body != "" {
		if msg.Binary {
			decoded, err := base64.StdEncoding.DecodeString(msg.Body)
			if err != nil {
				return s.sendResponse(msg.ID, http.StatusBadRequest, nil, nil, false)
			}

			body = bytes.NewReader(decoded)
		} else {
			body = strings.NewReader(msg.Body)
		}
	}

	req, err := http.NewRequestWithContext(ctx, msg.Method, s.apiBase+msg.Path, body)
	if err != nil {
		s.logger.Warn("tunnel: malformed request", slog.String("id", msg.ID), slog.String("error", err.Error()))
		return s.sendResponse(msg.ID, http.StatusBadRequest, nil, nil, false)
	}

	for k, v := range msg.Headers {
		req.Header.Set(k, v)
	}

	rec := newResponseRecorder()
	s.app.ServeHTTP(rec, req)

	headers := make(map[string]string)
	for k := range rec.header {
		if allowedResponseHeader(k) {
			headers[strings.ToLower(k)] = rec.header.Get(k)
		}
	}

	setupRequired := rec.header.Get("X-Setup-Required") == "true"

	return s.sendResponse(msg.ID, rec.status, headers, rec.body.Bytes(), setupRequired)
}

func (s *Server) sendResponse(id string, status int, headers map[string]string, body []byte, setupRequired bool) error {
	contentType := headers["content-type"]

	var payload []byte

	if isBinaryContentType(contentType) && len(body) > 0 {
		marker := wire.BinaryBody{Binary: true, Data: base64.StdEncoding.EncodeToString(body), ContentType: contentType}

		encoded, err := json.Marshal(marker)
		if err != nil {
			return fmt.Errorf("tunnel: encoding binary response body: %w", err)
		}

		payload = encoded
	} else if len(body) > 0 {
		payload = body
	}

	return s.sender.SendJSON(wire.ResponseMsg{
		Type:          wire.TypeResponse,
		ID:            id,
		Status:        status,
		Headers:       headers,
		Body:          payload,
		SetupRequired: setupRequired,
	})
}

// responseRecorder is a minimal http.ResponseWriter that captures status,
// headers, and body so they can be packaged into a `response` frame.
type responseRecorder struct {
	status int
	header http.Header
	body   *bytes.Buffer
}

func newResponseRecorder() *responseRecorder {
	return &responseRecorder{status: http.StatusOK, header: make(http.Header), body: &bytes.Buffer{}}
}

func (r *responseRecorder) Header() http.Header { return r.header }

func (r *responseRecorder) Write(b []byte) (int, error) { return r.body.Write(b) }

func (r *responseRecorder) WriteHeader(status int) { r.status = status }
