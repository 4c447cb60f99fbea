// Package keys implements registration and X3DH key-bundle dispensing.
package keys

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var ErrUserNotFound = errors.New("user not found")

type Service struct {
	db *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// PrekeyInput is one uploaded one-time prekey. Key material is raw bytes;
// base64 decoding happens at the edge.
type PrekeyInput struct {
	KeyID     int
	PublicKey []byte
}

// RegisterInput carries a user's full key upload.
type RegisterInput struct {
	PhoneHash       string
	IdentityKey     []byte
	SignedPrekey    []byte
	PrekeySignature []byte
	OneTimePrekeys  []PrekeyInput
}

// ClaimedPrekey is the one-time prekey handed out with a bundle.
type ClaimedPrekey struct {
	KeyID     int
	PublicKey []byte
}

// Bundle is the material a sender needs to initiate a session. OneTimePrekey
// is nil when the user's supply is exhausted; the peer falls back to the
// signed prekey alone.
type Bundle struct {
	IdentityKey     []byte
	SignedPrekey    []byte
	PrekeySignature []byte
	OneTimePrekey   *ClaimedPrekey
}

// Register upserts the user's long-lived key material and the one-time
// prekey batch in a single transaction. Re-uploading an existing key_id
// replaces its public bytes and resets used, so clients can recover from a
// lost local store.
func (s *Service) Register(ctx context.Context, in RegisterInput) (uuid.UUID, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var userID uuid.UUID
	err = tx.QueryRowContext(ctx,
		"SELECT id FROM users WHERE phone_hash = $1", in.PhoneHash,
	).Scan(&userID)

	switch {
	case err == sql.ErrNoRows:
		err = tx.QueryRowContext(ctx, `
			INSERT INTO users (phone_hash, identity_key, signed_prekey, prekey_signature)
			VALUES ($1, $2, $3, $4)
			RETURNING id
		`, in.PhoneHash, in.IdentityKey, in.SignedPrekey, in.PrekeySignature).Scan(&userID)
		if err != nil {
			return uuid.Nil, fmt.Errorf("failed to create user: %w", err)
		}
	case err != nil:
		return uuid.Nil, fmt.Errorf("failed to query user: %w", err)
	default:
		_, err = tx.ExecContext(ctx, `
			UPDATE users SET
				identity_key = $1,
				signed_prekey = $2,
				prekey_signature = $3,
				last_seen = NOW()
			WHERE id = $4
		`, in.IdentityKey, in.SignedPrekey, in.PrekeySignature, userID)
		if err != nil {
			return uuid.Nil, fmt.Errorf("failed to update user keys: %w", err)
		}
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO one_time_prekeys (user_id, key_id, public_key)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, key_id) DO UPDATE SET public_key = EXCLUDED.public_key, used = FALSE
	`)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to prepare prekey statement: %w", err)
	}
	defer stmt.Close()

	for _, pk := range in.OneTimePrekeys {
		if _, err := stmt.ExecContext(ctx, userID, pk.KeyID, pk.PublicKey); err != nil {
			return uuid.Nil, fmt.Errorf("failed to store one-time prekey %d: %w", pk.KeyID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return uuid.Nil, fmt.Errorf("failed to commit registration: %w", err)
	}
	return userID, nil
}

// FetchBundle dispenses a key bundle, atomically consuming at most one
// unused prekey. The claim is a single statement relying on row-level
// locking; two concurrent fetches for the same user can never return the
// same key_id. SKIP LOCKED makes the second claimant move to the next row
// instead of blocking on the first.
func (s *Service) FetchBundle(ctx context.Context, phoneHash string) (*Bundle, error) {
	var userID uuid.UUID
	bundle := &Bundle{}

	err := s.db.QueryRowContext(ctx, `
		SELECT id, identity_key, signed_prekey, prekey_signature
		FROM users WHERE phone_hash = $1
	`, phoneHash).Scan(&userID, &bundle.IdentityKey, &bundle.SignedPrekey, &bundle.PrekeySignature)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user: %w", err)
	}

	claimed := &ClaimedPrekey{}
	err = s.db.QueryRowContext(ctx, `
		UPDATE one_time_prekeys
		SET used = TRUE
		WHERE id = (
			SELECT id FROM one_time_prekeys
			WHERE user_id = $1 AND NOT used
			ORDER BY created_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING key_id, public_key
	`, userID).Scan(&claimed.KeyID, &claimed.PublicKey)
	if err == sql.ErrNoRows {
		return bundle, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim one-time prekey: %w", err)
	}

	bundle.OneTimePrekey = claimed
	return bundle, nil
}

// CountAvailable returns how many unused prekeys the user has left, so
// clients know when to replenish.
func (s *Service) CountAvailable(ctx context.Context, phoneHash string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM one_time_prekeys p
		JOIN users u ON u.id = p.user_id
		WHERE u.phone_hash = $1 AND NOT p.used
	`, phoneHash).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count one-time prekeys: %w", err)
	}
	return count, nil
}

// DeleteSpentBefore removes used prekeys older than the retention window.
// Called by the maintenance sweep.
func (s *Service) DeleteSpentBefore(ctx context.Context, days int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM one_time_prekeys
		WHERE used = TRUE AND created_at < NOW() - make_interval(days => $1)
	`, days)
	if err != nil {
		return 0, fmt.Errorf("failed to delete spent prekeys: %w", err)
	}
	return res.RowsAffected()
}
