package relay

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"gitlab.com/privcomm/services/server/internal/metrics"
	"gitlab.com/privcomm/services/server/internal/models"
)

// Queue is the persistence the engine needs for offline delivery.
// Satisfied by messages.Service.
type Queue interface {
	Enqueue(ctx context.Context, recipientID, senderID uuid.UUID, payload []byte) error
	PendingForRecipient(ctx context.Context, recipientID uuid.UUID) ([]models.PendingMessage, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// Engine drives authenticated sessions: drain queued envelopes on connect,
// then dispatch inbound frames until the transport closes.
type Engine struct {
	registry *Registry
	queue    Queue
	logger   zerolog.Logger
	metrics  *metrics.Registry
}

func NewEngine(registry *Registry, queue Queue, logger zerolog.Logger, m *metrics.Registry) *Engine {
	return &Engine{registry: registry, queue: queue, logger: logger, metrics: m}
}

// Run serves one connection until it closes. The caller has already
// authenticated the user; Run installs the session, drains the offline
// queue, and then relays frames.
func (e *Engine) Run(ctx context.Context, userID uuid.UUID, conn Conn) {
	sess, err := e.registry.Connect(userID, conn)
	if err != nil {
		CloseWithStatus(conn, websocket.CloseTryAgainLater, "server at capacity")
		conn.Close()
		return
	}
	defer func() {
		e.registry.Disconnect(userID, sess)
		conn.Close()
	}()

	if err := e.drain(ctx, userID, sess); err != nil {
		// Undelivered rows stay queued for the next reconnect.
		e.logger.Warn().Str("component", "relay").
			Str("user", redact(userID)).
			Err(err).
			Msg("Drain aborted, closing session")
		return
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		frame, err := parseFrame(data)
		if err != nil {
			// Malformed JSON closes the connection.
			return
		}
		if frame == nil {
			continue
		}

		if err := e.dispatch(ctx, userID, frame); err != nil {
			e.logger.Error().Str("component", "relay").
				Str("user", redact(userID)).
				Err(err).
				Msg("Persistence failure, closing session")
			return
		}
	}
}

// drain delivers queued envelopes in timestamp order, deleting each row
// after its send. A crash between send and delete duplicates a message;
// clients deduplicate.
func (e *Engine) drain(ctx context.Context, userID uuid.UUID, sess *LiveSession) error {
	pending, err := e.queue.PendingForRecipient(ctx, userID)
	if err != nil {
		return err
	}

	for _, msg := range pending {
		out := EncryptedMessage{
			Type:      TypeEncryptedMessage,
			SenderID:  msg.SenderID.String(),
			Payload:   base64.StdEncoding.EncodeToString(msg.EncryptedPayload),
			Timestamp: msg.Timestamp.UTC().Format(time.RFC3339Nano),
		}
		if err := sess.writeJSON(out); err != nil {
			return err
		}
		if err := e.queue.Delete(ctx, msg.ID); err != nil {
			return err
		}
		e.metrics.MessagesDrained.Inc()
	}
	return nil
}

// dispatch routes one inbound frame. Envelope frames go to the live socket
// or the queue; signaling frames are forwarded best-effort and never
// persisted. A non-nil error means persistence failed and the session must
// close so the client retries.
func (e *Engine) dispatch(ctx context.Context, senderID uuid.UUID, frame *inboundFrame) error {
	switch {
	case frame.Type == TypeEncryptedMessage:
		if frame.Payload == "" {
			return nil
		}

		out := EncryptedMessage{
			Type:      TypeEncryptedMessage,
			SenderID:  senderID.String(),
			Payload:   frame.Payload,
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		}
		if e.registry.Send(frame.RecipientID, out) {
			e.metrics.MessagesRelayed.Inc()
			return nil
		}

		raw, err := base64.StdEncoding.DecodeString(frame.Payload)
		if err != nil {
			e.logger.Debug().Str("component", "relay").
				Str("user", redact(senderID)).
				Msg("Dropping envelope with undecodable payload")
			return nil
		}
		if err := e.queue.Enqueue(ctx, frame.RecipientID, senderID, raw); err != nil {
			return err
		}
		e.metrics.MessagesQueued.Inc()

	case isSignaling(frame.Type):
		out := make(map[string]interface{}, len(frame.Extra)+2)
		for k, v := range frame.Extra {
			out[k] = v
		}
		out["type"] = frame.Type
		out["sender_id"] = senderID.String()

		if e.registry.Send(frame.RecipientID, out) {
			e.metrics.SignalingForwarded.Inc()
		} else {
			// Signaling has no meaning after the moment; never queued.
			e.metrics.SignalingDropped.Inc()
		}
	}
	return nil
}
