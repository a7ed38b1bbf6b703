// Package router implements the message router described in spec §4.D:
// it decodes frames, decides whether they must already be encrypted,
// enforces the replay/reorder sequence check, and dispatches SRP handshake
// messages versus application messages to their respective handlers.
package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/sessionrelay/core/internal/connstate"
	"github.com/sessionrelay/core/internal/srp"
	"github.com/sessionrelay/core/internal/wire"
)

// CloseCode enumerates the close codes named in spec §6.
type CloseCode int

const (
	CloseSendFailure              CloseCode = 1011
	CloseAuthRequired             CloseCode = 4001
	CloseUnknownFormat            CloseCode = 4002
	CloseForbiddenOrigin          CloseCode = 4003
	CloseDecryptionFailed         CloseCode = 4004
	CloseEncryptionRequired       CloseCode = 4005
	CloseAuthTimeoutOrRateLimited CloseCode = 4008
)

// CloseError signals that Dispatch could not continue and the transport
// must close the socket with Code.
type CloseError struct {
	Code   CloseCode
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("router: closing connection (code %d): %s", e.Code, e.Reason)
}

// SRPHandler processes handshake-phase messages. Implementations live in
// internal/admission (server) and internal/transport (client).
type SRPHandler interface {
	HandleHello(raw json.RawMessage) error
	HandleChallenge(raw json.RawMessage) error
	HandleProof(raw json.RawMessage) error
	HandleVerify(raw json.RawMessage) error
	HandleResumeInit(raw json.RawMessage) error
	HandleResumeChallenge(raw json.RawMessage) error
	HandleResume(raw json.RawMessage) error
	HandleResumed(raw json.RawMessage) error
	HandleInvalid(raw json.RawMessage) error
	HandleSRPError(raw json.RawMessage) error
}

// AppHandler processes post-authentication application messages.
// Implementations are expected to send their own typed responses/errors
// (spec §4.D: "any unhandled exception in a dispatcher translates into a
// typed protocol response ... so clients never hang"); Dispatch only logs
// and swallows handler errors so a single bad message cannot take down the
// connection.
type AppHandler interface {
	HandleRequest(seq uint64, raw json.RawMessage) error
	HandleSubscribe(raw json.RawMessage) error
	HandleUnsubscribe(raw json.RawMessage) error
	HandleUploadStart(raw json.RawMessage) error
	HandleUploadChunk(raw json.RawMessage) error
	HandleUploadChunkBinary(uploadID uuid.UUID, offset uint64, data []byte) error
	HandleUploadEnd(raw json.RawMessage) error
	HandleCapabilities(raw json.RawMessage) error
	HandlePing(raw json.RawMessage) error
	HandleResponse(raw json.RawMessage) error
	HandleEvent(raw json.RawMessage) error
	HandleHeartbeat(raw json.RawMessage) error
	HandleUploadProgress(raw json.RawMessage) error
	HandleUploadComplete(raw json.RawMessage) error
	HandleUploadError(raw json.RawMessage) error
	HandlePong(raw json.RawMessage) error
}

var srpTypes = map[string]bool{
	wire.TypeSRPHello: true, wire.TypeSRPChallenge: true, wire.TypeSRPProof: true,
	wire.TypeSRPVerify: true, wire.TypeSRPResumeInit: true, wire.TypeSRPResumeChallenge: true,
	wire.TypeSRPResume: true, wire.TypeSRPResumed: true, wire.TypeSRPInvalid: true, wire.TypeSRPError: true,
}

// Router binds a connection record to its handlers and dispatches decoded
// frames. One Router per socket.
type Router struct {
	Conn   *connstate.Connection
	SRP    SRPHandler
	App    AppHandler
	Logger *slog.Logger
}

// New creates a Router. logger must not be nil; pass slog.Default() if the
// caller has no dedicated logger.
func New(conn *connstate.Connection, srpHandler SRPHandler, appHandler AppHandler, logger *slog.Logger) *Router {
	return &Router{Conn: conn, SRP: srpHandler, App: appHandler, Logger: logger}
}

// DispatchText handles a decoded text frame.
func (r *Router) DispatchText(payload []byte) error {
	frame, err := wire.DecodeText(payload)
	if err != nil {
		if errors.Is(err, wire.ErrEmptyFrame) {
			r.Logger.Warn("dropping empty text frame")
			return nil
		}

		return err
	}

	return r.dispatchFrame(frame)
}

// DispatchBinary handles a decoded binary frame.
func (r *Router) DispatchBinary(payload []byte) error {
	r.Conn.NoteBinaryFrame()

	// A connection holding a session key reads every binary frame as an
	// encrypted envelope: the envelope version byte and the JSON format tag
	// are both 0x01, so the first byte alone cannot tell them apart.
	_, hasKey := r.Conn.SessionKey()

	frame, err := wire.DecodeBinary(payload, hasKey || r.Conn.BinaryEncryptedLatched())
	if err != nil {
		if errors.Is(err, wire.ErrEmptyFrame) {
			r.Logger.Warn("dropping empty binary frame")
			return nil
		}

		if errors.Is(err, wire.ErrUnknownFormat) || errors.Is(err, wire.ErrUnknownVersion) {
			return &CloseError{Code: CloseUnknownFormat, Reason: err.Error()}
		}

		return err
	}

	if frame.Kind == wire.KindEncryptedEnvelope {
		r.Conn.NoteBinaryEncrypted()
	}

	if frame.Kind == wire.KindUploadChunk {
		return r.dispatchPlaintextUploadChunk(frame)
	}

	return r.dispatchFrame(frame)
}

// dispatchPlaintextUploadChunk handles a raw binary-upload frame sent
// outside any encrypted envelope. Per spec §4.D step 4 this is still an
// application frame, so it is refused on encrypted-required connections.
func (r *Router) dispatchPlaintextUploadChunk(frame wire.Frame) error {
	if r.Conn.RequiresEncryptedMessages() {
		return &CloseError{Code: CloseEncryptionRequired, Reason: "binary upload chunk sent in plaintext"}
	}

	if r.Conn.AuthPhase() != connstate.PhaseAuthenticated {
		return &CloseError{Code: CloseAuthRequired, Reason: "upload chunk before authentication"}
	}

	return r.callApp(func() error {
		return r.App.HandleUploadChunkBinary(frame.UploadID, frame.Offset, frame.Data)
	}, "upload-chunk-binary")
}

func (r *Router) dispatchFrame(frame wire.Frame) error {
	switch frame.Kind {
	case wire.KindJSON, wire.KindCompressedJSON:
		return r.dispatchPlaintext(frame.JSON)
	case wire.KindEncryptedEnvelope:
		return r.dispatchEncrypted(frame.Nonce, frame.InnerFormat, frame.Ciphertext)
	case wire.KindLegacyEncrypted:
		return r.dispatchEncrypted(frame.Nonce, wire.FormatJSON, frame.Ciphertext)
	default:
		return &CloseError{Code: CloseUnknownFormat, Reason: "unhandled frame kind"}
	}
}

func (r *Router) dispatchPlaintext(raw []byte) error {
	var typed wire.TypedMessage
	if err := json.Unmarshal(raw, &typed); err != nil {
		r.Logger.Warn("ignoring malformed message", slog.String("error", err.Error()))
		return nil
	}

	if srpTypes[typed.Type] {
		return r.dispatchSRP(typed.Type, raw)
	}

	if r.Conn.AuthPhase() != connstate.PhaseAuthenticated {
		return &CloseError{Code: CloseAuthRequired, Reason: "application message before authentication"}
	}

	if r.Conn.RequiresEncryptedMessages() {
		return &CloseError{Code: CloseEncryptionRequired, Reason: "plaintext application message on encrypted-required connection"}
	}

	return r.dispatchApp(typed.Type, 0, raw)
}

func (r *Router) dispatchEncrypted(nonce [wire.NonceSize]byte, innerFormat byte, ciphertext []byte) error {
	if r.Conn.AuthPhase() != connstate.PhaseAuthenticated {
		return &CloseError{Code: CloseAuthRequired, Reason: "encrypted frame before authentication"}
	}

	key, ok := r.Conn.SessionKey()
	if !ok {
		return &CloseError{Code: CloseAuthRequired, Reason: "encrypted frame with no session key"}
	}

	if innerFormat != wire.FormatJSON {
		return &CloseError{Code: CloseUnknownFormat, Reason: "unsupported encrypted inner format"}
	}

	plaintext, err := srp.Open(key, nonce, ciphertext)
	if err != nil {
		return &CloseError{Code: CloseDecryptionFailed, Reason: err.Error()}
	}

	var env wire.Envelope
	if err := json.Unmarshal(plaintext, &env); err != nil {
		return &CloseError{Code: CloseDecryptionFailed, Reason: "malformed encrypted envelope payload"}
	}

	if err := r.Conn.CheckInboundSeq(env.Seq); err != nil {
		return &CloseError{Code: CloseDecryptionFailed, Reason: "sequence replay or reorder"}
	}

	var typed wire.TypedMessage
	if err := json.Unmarshal(env.Msg, &typed); err != nil {
		r.Logger.Warn("ignoring malformed encrypted message", slog.String("error", err.Error()))
		return nil
	}

	if srpTypes[typed.Type] {
		return &CloseError{Code: CloseAuthRequired, Reason: "SRP handshake message inside encrypted envelope"}
	}

	return r.dispatchApp(typed.Type, env.Seq, env.Msg)
}

func (r *Router) dispatchSRP(msgType string, raw json.RawMessage) error {
	var err error

	switch msgType {
	case wire.TypeSRPHello:
		err = r.SRP.HandleHello(raw)
	case wire.TypeSRPChallenge:
		err = r.SRP.HandleChallenge(raw)
	case wire.TypeSRPProof:
		err = r.SRP.HandleProof(raw)
	case wire.TypeSRPVerify:
		err = r.SRP.HandleVerify(raw)
	case wire.TypeSRPResumeInit:
		err = r.SRP.HandleResumeInit(raw)
	case wire.TypeSRPResumeChallenge:
		err = r.SRP.HandleResumeChallenge(raw)
	case wire.TypeSRPResume:
		err = r.SRP.HandleResume(raw)
	case wire.TypeSRPResumed:
		err = r.SRP.HandleResumed(raw)
	case wire.TypeSRPInvalid:
		err = r.SRP.HandleInvalid(raw)
	case wire.TypeSRPError:
		err = r.SRP.HandleSRPError(raw)
	}

	var closeErr *CloseError
	if errors.As(err, &closeErr) {
		return err
	}

	if err != nil {
		r.Logger.Warn("srp handshake message out of sequence", slog.String("type", msgType), slog.String("error", err.Error()))
		return &CloseError{Code: CloseAuthRequired, Reason: "mis-sequenced SRP handshake message"}
	}

	return nil
}

func (r *Router) dispatchApp(msgType string, seq uint64, raw json.RawMessage) error {
	var handle func() error

	switch msgType {
	case wire.TypeRequest:
		handle = func() error { return r.App.HandleRequest(seq, raw) }
	case wire.TypeSubscribe:
		handle = func() error { return r.App.HandleSubscribe(raw) }
	case wire.TypeUnsubscribe:
		handle = func() error { return r.App.HandleUnsubscribe(raw) }
	case wire.TypeUploadStart:
		handle = func() error { return r.App.HandleUploadStart(raw) }
	case wire.TypeUploadChunk:
		handle = func() error { return r.App.HandleUploadChunk(raw) }
	case wire.TypeUploadEnd:
		handle = func() error { return r.App.HandleUploadEnd(raw) }
	case wire.TypeCapabilities:
		handle = func() error { return r.App.HandleCapabilities(raw) }
	case wire.TypePing:
		handle = func() error { return r.App.HandlePing(raw) }
	case wire.TypeResponse:
		handle = func() error { return r.App.HandleResponse(raw) }
	case wire.TypeEvent:
		handle = func() error { return r.App.HandleEvent(raw) }
	case wire.TypeHeartbeat:
		handle = func() error { return r.App.HandleHeartbeat(raw) }
	case wire.TypeUploadProgress:
		handle = func() error { return r.App.HandleUploadProgress(raw) }
	case wire.TypeUploadComplete:
		handle = func() error { return r.App.HandleUploadComplete(raw) }
	case wire.TypeUploadError:
		handle = func() error { return r.App.HandleUploadError(raw) }
	case wire.TypePong:
		handle = func() error { return r.App.HandlePong(raw) }
	default:
		r.Logger.Info("ignoring unknown message type", slog.String("type", msgType))
		return nil
	}

	return r.callApp(handle, msgType)
}

func (r *Router) callApp(handle func() error, msgType string) error {
	if err := handle(); err != nil {
		r.Logger.Warn("application handler error", slog.String("type", msgType), slog.String("error", err.Error()))
	}

	return nil
}
