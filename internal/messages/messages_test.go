package messages

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewService(db), mock
}

func TestEnqueue(t *testing.T) {
	svc, mock := newTestService(t)
	recipientID, senderID := uuid.New(), uuid.New()

	mock.ExpectExec("INSERT INTO pending_messages").
		WithArgs(recipientID, senderID, []byte("ciphertext")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := svc.Enqueue(context.Background(), recipientID, senderID, []byte("ciphertext"))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueWrapsError(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectExec("INSERT INTO pending_messages").
		WillReturnError(errors.New("connection reset"))

	err := svc.Enqueue(context.Background(), uuid.New(), uuid.New(), []byte("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to enqueue message")
}

func TestPendingForRecipient(t *testing.T) {
	svc, mock := newTestService(t)
	recipientID := uuid.New()
	senderID := uuid.New()
	id1, id2 := uuid.New(), uuid.New()
	t1 := time.Now().Add(-time.Hour)
	t2 := time.Now()

	mock.ExpectQuery("SELECT id, sender_id, encrypted_payload, timestamp").
		WithArgs(recipientID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "sender_id", "encrypted_payload", "timestamp"}).
			AddRow(id1.String(), senderID.String(), []byte("first"), t1).
			AddRow(id2.String(), senderID.String(), []byte("second"), t2))

	pending, err := svc.PendingForRecipient(context.Background(), recipientID)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, id1, pending[0].ID)
	assert.Equal(t, recipientID, pending[0].RecipientID)
	assert.Equal(t, []byte("first"), pending[0].EncryptedPayload)
	assert.Equal(t, []byte("second"), pending[1].EncryptedPayload)
}

func TestPendingForRecipientEmpty(t *testing.T) {
	svc, mock := newTestService(t)
	recipientID := uuid.New()

	mock.ExpectQuery("SELECT id, sender_id, encrypted_payload, timestamp").
		WithArgs(recipientID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "sender_id", "encrypted_payload", "timestamp"}))

	pending, err := svc.PendingForRecipient(context.Background(), recipientID)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestDelete(t *testing.T) {
	svc, mock := newTestService(t)
	id := uuid.New()

	mock.ExpectExec("DELETE FROM pending_messages WHERE id").
		WithArgs(id).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, svc.Delete(context.Background(), id))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteOlderThan(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectExec("DELETE FROM pending_messages").
		WithArgs(30).
		WillReturnResult(sqlmock.NewResult(0, 42))

	deleted, err := svc.DeleteOlderThan(context.Background(), 30)
	require.NoError(t, err)
	assert.Equal(t, int64(42), deleted)
}

func TestSavePushToken(t *testing.T) {
	svc, mock := newTestService(t)
	userID := uuid.New()

	mock.ExpectExec("INSERT INTO push_tokens").
		WithArgs(userID, "device-token", "ios").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, svc.SavePushToken(context.Background(), userID, "device-token", "ios"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
