package server

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sessionrelay/core/internal/connstate"
	"github.com/sessionrelay/core/internal/router"
	"github.com/sessionrelay/core/internal/srp"
	"github.com/sessionrelay/core/internal/wire"
	"github.com/sessionrelay/core/pkg/wsconn"
)

// Socket is the narrow slice of pkg/wsconn.Conn the server needs, mirrored
// from internal/transport.Socket so both peers depend on the same
// interface shape rather than the concrete library type.
type Socket interface {
	WriteText(ctx context.Context, data []byte) error
	WriteBinary(ctx context.Context, data []byte) error
	Read(ctx context.Context) (wsconn.MessageType, []byte, error)
	Close(code wsconn.StatusCode, reason string) error
}

// socketSender writes every outbound frame for one connection: plaintext
// JSON before authentication (or for trusted-local connections), an
// encrypted binary envelope afterward (spec §4.A, §4.D step 4). It also
// implements router's CloseFunc shape for admission handlers.
type socketSender struct {
	socket Socket
	conn   *connstate.Connection
}

func (s *socketSender) SendJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("server: marshaling message: %w", err)
	}

	key, authenticated := s.conn.SessionKey()
	if !authenticated {
		return s.socket.WriteText(context.Background(), payload)
	}

	env := wire.Envelope{Seq: s.conn.NextOutboundSeq(), Msg: payload}

	envBytes, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("server: marshaling envelope: %w", err)
	}

	nonce, ciphertext, err := srp.Seal(key, envBytes)
	if err != nil {
		return fmt.Errorf("server: sealing envelope: %w", err)
	}

	return s.socket.WriteBinary(context.Background(), wire.EncodeEnvelope(nonce, wire.FormatJSON, ciphertext))
}

// closeFn adapts router.CloseCode into a socket close, for
// admission.CloseFunc.
func (s *socketSender) closeFn(code router.CloseCode, reason string) {
	_ = s.socket.Close(wsconn.StatusCode(code), reason)
}
