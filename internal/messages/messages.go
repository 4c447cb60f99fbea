// Package messages persists ciphertext envelopes for offline recipients and
// device push registrations.
package messages

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"gitlab.com/privcomm/services/server/internal/models"
)

type Service struct {
	db *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// Enqueue stores an envelope for an offline recipient. The payload is the
// raw ciphertext, already base64-decoded at the edge.
func (s *Service) Enqueue(ctx context.Context, recipientID, senderID uuid.UUID, payload []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_messages (recipient_id, sender_id, encrypted_payload)
		VALUES ($1, $2, $3)
	`, recipientID, senderID, payload)
	if err != nil {
		return fmt.Errorf("failed to enqueue message: %w", err)
	}
	return nil
}

// PendingForRecipient returns queued envelopes in timestamp order for the
// drain phase.
func (s *Service) PendingForRecipient(ctx context.Context, recipientID uuid.UUID) ([]models.PendingMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sender_id, encrypted_payload, timestamp
		FROM pending_messages
		WHERE recipient_id = $1
		ORDER BY timestamp
	`, recipientID)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending messages: %w", err)
	}
	defer rows.Close()

	var pending []models.PendingMessage
	for rows.Next() {
		msg := models.PendingMessage{RecipientID: recipientID}
		if err := rows.Scan(&msg.ID, &msg.SenderID, &msg.EncryptedPayload, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan pending message: %w", err)
		}
		pending = append(pending, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read pending messages: %w", err)
	}
	return pending, nil
}

// Delete removes a delivered envelope. Deleting after the send means a crash
// between the two can duplicate a message; clients deduplicate.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM pending_messages WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete pending message: %w", err)
	}
	return nil
}

// DeleteOlderThan removes envelopes past the retention window. Called by the
// maintenance sweep.
func (s *Service) DeleteOlderThan(ctx context.Context, days int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM pending_messages
		WHERE timestamp < NOW() - make_interval(days => $1)
	`, days)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old messages: %w", err)
	}
	return res.RowsAffected()
}

// SavePushToken upserts a device push registration. Storage only; fan-out is
// a future collaborator.
func (s *Service) SavePushToken(ctx context.Context, userID uuid.UUID, token, platform string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO push_tokens (user_id, token, platform)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, token) DO UPDATE SET platform = EXCLUDED.platform
	`, userID, token, platform)
	if err != nil {
		return fmt.Errorf("failed to save push token: %w", err)
	}
	return nil
}
