package transport

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/sessionrelay/core/internal/router"
	"github.com/sessionrelay/core/internal/wire"
)

// The client only ever receives the server-originated half of the
// application protocol: responses, events, heartbeats, upload progress,
// and pongs. The other half (requests, subscribe, upload-start/chunk/end,
// capabilities, ping) is something this Transport sends, never decodes
// off the wire, so those methods exist solely to satisfy
// router.AppHandler.

// HandleResponse also receives subscription errors: sendSubscriptionError
// reuses the "response" discriminator (see subscribe/server.go), so a
// subscriptionId field distinguishes the two before either client sees it.
func (t *Transport) HandleResponse(raw json.RawMessage) error {
	var probe struct {
		SubscriptionID string `json:"subscriptionId"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return fmt.Errorf("transport: malformed response: %w", err)
	}

	if probe.SubscriptionID != "" {
		var msg wire.SubscriptionErrorMsg
		if err := json.Unmarshal(raw, &msg); err != nil {
			return fmt.Errorf("transport: malformed subscription error: %w", err)
		}

		t.subs.HandleSubscriptionError(msg)

		return nil
	}

	var msg wire.ResponseMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("transport: malformed response: %w", err)
	}

	t.tunnel.HandleResponse(msg)

	return nil
}

func (t *Transport) HandleEvent(raw json.RawMessage) error {
	var msg wire.EventMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("transport: malformed event: %w", err)
	}

	t.subs.HandleEvent(msg)
	t.mgr.RecordEvent()

	return nil
}

func (t *Transport) HandleHeartbeat(raw json.RawMessage) error {
	t.mgr.RecordHeartbeat()
	return nil
}

func (t *Transport) HandleUploadProgress(raw json.RawMessage) error {
	var msg wire.UploadProgressMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("transport: malformed upload-progress: %w", err)
	}

	t.upload.HandleProgress(msg)

	return nil
}

func (t *Transport) HandleUploadComplete(raw json.RawMessage) error {
	var msg wire.UploadCompleteMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("transport: malformed upload-complete: %w", err)
	}

	t.upload.HandleComplete(msg)

	return nil
}

func (t *Transport) HandleUploadError(raw json.RawMessage) error {
	var msg wire.UploadErrorMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("transport: malformed upload-error: %w", err)
	}

	t.upload.HandleError(msg)

	return nil
}

func (t *Transport) HandlePong(raw json.RawMessage) error {
	var msg wire.PongMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("transport: malformed pong: %w", err)
	}

	t.mgr.ReceivePong(msg.ID)

	return nil
}

// --- client-originated only (client never decodes these off the wire) --

func (t *Transport) HandleRequest(uint64, json.RawMessage) error {
	return errors.New("transport: request is client-originated")
}

func (t *Transport) HandleSubscribe(json.RawMessage) error {
	return errors.New("transport: subscribe is client-originated")
}

func (t *Transport) HandleUnsubscribe(json.RawMessage) error {
	return errors.New("transport: unsubscribe is client-originated")
}

func (t *Transport) HandleUploadStart(json.RawMessage) error {
	return errors.New("transport: upload-start is client-originated")
}

func (t *Transport) HandleUploadChunk(json.RawMessage) error {
	return errors.New("transport: upload-chunk is client-originated")
}

func (t *Transport) HandleUploadChunkBinary(uploadID uuid.UUID, offset uint64, data []byte) error {
	return errors.New("transport: binary upload-chunk is client-originated")
}

func (t *Transport) HandleUploadEnd(json.RawMessage) error {
	return errors.New("transport: upload-end is client-originated")
}

func (t *Transport) HandleCapabilities(json.RawMessage) error {
	return errors.New("transport: capabilities is client-originated")
}

func (t *Transport) HandlePing(json.RawMessage) error {
	return errors.New("transport: ping is client-originated")
}

var _ router.AppHandler = (*Transport)(nil)
