// Package wire implements the session-relay frame codec: the encode/decode
// boundary between a websocket frame and an application-level message.
//
// Frames come in three shapes (spec §4.A):
//   - a text frame carrying a UTF-8 JSON object
//   - a binary frame whose first byte is a format tag (FormatJSON,
//     FormatBinaryUpload, FormatCompressedJSON)
//   - a binary encrypted envelope: version byte, 24-byte nonce, format tag,
//     ciphertext
//
// A fourth, legacy shape — a JSON object {"type":"encrypted", ...} — is
// accepted on decode for backward compatibility but never produced.
package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
)

// Format tags for unencrypted binary frames and the payload inside an
// encrypted envelope.
const (
	FormatJSON            byte = 0x01
	FormatBinaryUpload     byte = 0x02
	FormatCompressedJSON   byte = 0x03
)

// EnvelopeVersion is the only encrypted-envelope wire version understood.
const EnvelopeVersion byte = 0x01

// NonceSize is the secretbox nonce length embedded in every binary envelope.
const NonceSize = 24

// Codec errors. The router classifies these to pick a close code or a
// typed protocol error (spec §4.A).
var (
	ErrUnknownVersion  = errors.New("wire: unknown envelope version")
	ErrUnknownFormat   = errors.New("wire: unknown format byte")
	ErrShortFrame      = errors.New("wire: frame too short")
	ErrMalformedUpload = errors.New("wire: malformed upload chunk header")
	ErrEmptyFrame      = errors.New("wire: empty frame")
)

// uploadHeaderSize is the fixed prefix of an upload-chunk binary payload:
// a 16-byte UUID followed by an 8-byte big-endian offset.
const uploadHeaderSize = 16 + 8

// Frame is a decoded inbound frame, classified by Kind before the router
// looks at its contents.
type Frame struct {
	Kind FrameKind

	// JSON holds the raw message bytes for KindJSON and, after
	// decompression, KindCompressedJSON. It is empty for KindLegacyEncrypted,
	// whose ciphertext still needs decryption upstream.
	JSON []byte

	// Envelope fields, populated for KindEncryptedEnvelope and
	// KindLegacyEncrypted.
	Nonce      [NonceSize]byte
	Ciphertext []byte

	// InnerFormat is the format tag of the plaintext once an encrypted
	// envelope is decrypted (always FormatJSON today; reserved for future
	// binary-encrypted payloads such as upload chunks).
	InnerFormat byte

	// Upload fields, populated for KindUploadChunk.
	UploadID uuid.UUID
	Offset   uint64
	Data     []byte
}

// FrameKind classifies a decoded frame before dispatch.
type FrameKind int

const (
	KindJSON FrameKind = iota
	KindUploadChunk
	KindCompressedJSON
	KindEncryptedEnvelope
	KindLegacyEncrypted
)

// legacyEnvelope is the backward-compatible JSON shape for an encrypted
// message sent as a text frame instead of a binary envelope.
type legacyEnvelope struct {
	Type       string `json:"type"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// DecodeText decodes a text-frame payload. It recognizes the legacy
// {"type":"encrypted",...} shape and otherwise treats the payload as a
// plain JSON application message.
func DecodeText(payload []byte) (Frame, error) {
	if len(payload) == 0 {
		return Frame{}, ErrEmptyFrame
	}

	var probe legacyEnvelope
	if err := json.Unmarshal(payload, &probe); err == nil && probe.Type == "encrypted" {
		if len(probe.Nonce) != NonceSize {
			return Frame{}, fmt.Errorf("%w: legacy envelope nonce", ErrShortFrame)
		}

		f := Frame{Kind: KindLegacyEncrypted, Ciphertext: probe.Ciphertext}
		copy(f.Nonce[:], probe.Nonce)

		return f, nil
	}

	return Frame{Kind: KindJSON, JSON: payload}, nil
}

// DecodeBinary decodes a binary-frame payload, dispatching on the first
// format byte. encryptedLatched is true once the peer has sent at least one
// binary encrypted envelope (spec §3: "once useBinaryEncrypted is true,
// every subsequent binary frame is interpreted as encrypted").
func DecodeBinary(payload []byte, encryptedLatched bool) (Frame, error) {
	if len(payload) == 0 {
		return Frame{}, ErrEmptyFrame
	}

	if encryptedLatched {
		return decodeEnvelope(payload)
	}

	tag := payload[0]
	rest := payload[1:]

	switch tag {
	case FormatJSON:
		return Frame{Kind: KindJSON, JSON: rest}, nil
	case FormatBinaryUpload:
		return decodeUploadChunk(rest)
	case FormatCompressedJSON:
		js, err := decompressJSON(rest)
		if err != nil {
			return Frame{}, err
		}

		return Frame{Kind: KindCompressedJSON, JSON: js}, nil
	default:
		return Frame{}, fmt.Errorf("%w: 0x%02x", ErrUnknownFormat, tag)
	}
}

func decodeEnvelope(payload []byte) (Frame, error) {
	if payload[0] != EnvelopeVersion {
		return Frame{}, fmt.Errorf("%w: 0x%02x", ErrUnknownVersion, payload[0])
	}

	if len(payload) < 1+NonceSize+1 {
		return Frame{}, fmt.Errorf("%w: envelope header", ErrShortFrame)
	}

	f := Frame{Kind: KindEncryptedEnvelope}
	copy(f.Nonce[:], payload[1:1+NonceSize])
	f.InnerFormat = payload[1+NonceSize]
	f.Ciphertext = payload[1+NonceSize+1:]

	return f, nil
}

func decodeUploadChunk(payload []byte) (Frame, error) {
	if len(payload) < uploadHeaderSize {
		return Frame{}, fmt.Errorf("%w: got %d bytes", ErrMalformedUpload, len(payload))
	}

	id, err := uuid.FromBytes(payload[:16])
	if err != nil {
		return Frame{}, fmt.Errorf("%w: %w", ErrMalformedUpload, err)
	}

	offset := binary.BigEndian.Uint64(payload[16:24])

	return Frame{
		Kind:     KindUploadChunk,
		UploadID: id,
		Offset:   offset,
		Data:     payload[uploadHeaderSize:],
	}, nil
}

// EncodeUploadChunkPayload lays out the binary-upload payload: format byte,
// 16-byte UUID, 8-byte big-endian offset, then the chunk bytes.
func EncodeUploadChunkPayload(id uuid.UUID, offset uint64, data []byte) []byte {
	buf := make([]byte, 1+uploadHeaderSize+len(data))
	buf[0] = FormatBinaryUpload
	copy(buf[1:17], id[:])
	binary.BigEndian.PutUint64(buf[17:25], offset)
	copy(buf[25:], data)

	return buf
}

// EncodeJSONFrame wraps a JSON payload with the unencrypted binary format
// byte. Callers that prefer text frames may send the JSON bytes directly
// instead.
func EncodeJSONFrame(payload []byte) []byte {
	buf := make([]byte, 1+len(payload))
	buf[0] = FormatJSON
	copy(buf[1:], payload)

	return buf
}

// EncodeCompressedJSONFrame gzip-compresses payload and wraps it with the
// compressed-JSON format byte.
func EncodeCompressedJSONFrame(payload []byte) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte(FormatCompressedJSON)

	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		return nil, fmt.Errorf("wire: compressing frame: %w", err)
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("wire: closing gzip writer: %w", err)
	}

	return buf.Bytes(), nil
}

func decompressJSON(compressed []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("wire: opening gzip reader: %w", err)
	}
	defer zr.Close()

	data, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("wire: decompressing frame: %w", err)
	}

	return data, nil
}

// EncodeEnvelope lays out a binary encrypted envelope: version byte,
// 24-byte nonce, inner format tag, ciphertext.
func EncodeEnvelope(nonce [NonceSize]byte, innerFormat byte, ciphertext []byte) []byte {
	buf := make([]byte, 1+NonceSize+1+len(ciphertext))
	buf[0] = EnvelopeVersion
	copy(buf[1:1+NonceSize], nonce[:])
	buf[1+NonceSize] = innerFormat
	copy(buf[1+NonceSize+1:], ciphertext)

	return buf
}
