package keys

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPhoneHash = "a3f5b8c2d9e1f4a7b0c3d6e9f2a5b8c1d4e7f0a3b6c9d2e5f8a1b4c7d0e3f6a9"

func newTestService(t *testing.T) (*Service, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewService(db), mock
}

func registerInput() RegisterInput {
	return RegisterInput{
		PhoneHash:       testPhoneHash,
		IdentityKey:     []byte("identity"),
		SignedPrekey:    []byte("signed"),
		PrekeySignature: []byte("sig"),
		OneTimePrekeys: []PrekeyInput{
			{KeyID: 1, PublicKey: []byte("otk1")},
			{KeyID: 2, PublicKey: []byte("otk2")},
		},
	}
}

func TestRegisterNewUser(t *testing.T) {
	svc, mock := newTestService(t)
	in := registerInput()
	userID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM users WHERE phone_hash").
		WithArgs(testPhoneHash).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("INSERT INTO users").
		WithArgs(testPhoneHash, in.IdentityKey, in.SignedPrekey, in.PrekeySignature).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(userID.String()))
	prep := mock.ExpectPrepare("INSERT INTO one_time_prekeys")
	prep.ExpectExec().
		WithArgs(userID, 1, []byte("otk1")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	prep.ExpectExec().
		WithArgs(userID, 2, []byte("otk2")).
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	got, err := svc.Register(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, userID, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRegisterExistingUserReplacesKeys(t *testing.T) {
	svc, mock := newTestService(t)
	in := registerInput()
	userID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM users WHERE phone_hash").
		WithArgs(testPhoneHash).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(userID.String()))
	mock.ExpectExec("UPDATE users SET").
		WithArgs(in.IdentityKey, in.SignedPrekey, in.PrekeySignature, userID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	prep := mock.ExpectPrepare("INSERT INTO one_time_prekeys")
	prep.ExpectExec().
		WithArgs(userID, 1, []byte("otk1")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	prep.ExpectExec().
		WithArgs(userID, 2, []byte("otk2")).
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	got, err := svc.Register(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, userID, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRegisterRollsBackOnPrekeyFailure(t *testing.T) {
	svc, mock := newTestService(t)
	in := registerInput()
	userID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM users WHERE phone_hash").
		WithArgs(testPhoneHash).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(userID.String()))
	mock.ExpectExec("UPDATE users SET").
		WithArgs(in.IdentityKey, in.SignedPrekey, in.PrekeySignature, userID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	prep := mock.ExpectPrepare("INSERT INTO one_time_prekeys")
	prep.ExpectExec().
		WithArgs(userID, 1, []byte("otk1")).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err := svc.Register(context.Background(), in)
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchBundleUnknownUser(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectQuery("SELECT id, identity_key, signed_prekey, prekey_signature").
		WithArgs(testPhoneHash).
		WillReturnError(sql.ErrNoRows)

	_, err := svc.FetchBundle(context.Background(), testPhoneHash)
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestFetchBundleClaimsPrekey(t *testing.T) {
	svc, mock := newTestService(t)
	userID := uuid.New()

	mock.ExpectQuery("SELECT id, identity_key, signed_prekey, prekey_signature").
		WithArgs(testPhoneHash).
		WillReturnRows(sqlmock.NewRows([]string{"id", "identity_key", "signed_prekey", "prekey_signature"}).
			AddRow(userID.String(), []byte("identity"), []byte("signed"), []byte("sig")))
	mock.ExpectQuery("UPDATE one_time_prekeys").
		WithArgs(userID).
		WillReturnRows(sqlmock.NewRows([]string{"key_id", "public_key"}).
			AddRow(7, []byte("otk7")))

	bundle, err := svc.FetchBundle(context.Background(), testPhoneHash)
	require.NoError(t, err)
	assert.Equal(t, []byte("identity"), bundle.IdentityKey)
	require.NotNil(t, bundle.OneTimePrekey)
	assert.Equal(t, 7, bundle.OneTimePrekey.KeyID)
	assert.Equal(t, []byte("otk7"), bundle.OneTimePrekey.PublicKey)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchBundleExhaustedPrekeys(t *testing.T) {
	svc, mock := newTestService(t)
	userID := uuid.New()

	mock.ExpectQuery("SELECT id, identity_key, signed_prekey, prekey_signature").
		WithArgs(testPhoneHash).
		WillReturnRows(sqlmock.NewRows([]string{"id", "identity_key", "signed_prekey", "prekey_signature"}).
			AddRow(userID.String(), []byte("identity"), []byte("signed"), []byte("sig")))
	mock.ExpectQuery("UPDATE one_time_prekeys").
		WithArgs(userID).
		WillReturnError(sql.ErrNoRows)

	bundle, err := svc.FetchBundle(context.Background(), testPhoneHash)
	require.NoError(t, err)
	assert.Nil(t, bundle.OneTimePrekey)
	assert.Equal(t, []byte("signed"), bundle.SignedPrekey)
}

func TestCountAvailable(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectQuery("SELECT COUNT").
		WithArgs(testPhoneHash).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	count, err := svc.CountAvailable(context.Background(), testPhoneHash)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestDeleteSpentBefore(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectExec("DELETE FROM one_time_prekeys").
		WithArgs(7).
		WillReturnResult(sqlmock.NewResult(0, 12))

	deleted, err := svc.DeleteSpentBefore(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, int64(12), deleted)
}
