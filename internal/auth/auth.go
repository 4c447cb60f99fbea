// Package auth implements proof-of-possession token issuance. A caller
// proves control of the Ed25519 identity key already advertised to peers by
// signing a nonce; there is deliberately no password path.
package auth

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/cloudflare/circl/sign/ed25519"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrInvalidSignature   = errors.New("invalid signature")
	ErrBadSignatureFormat = errors.New("invalid signature format")
)

type Service struct {
	db     *sql.DB
	tokens *TokenManager
	logger zerolog.Logger
}

func NewService(db *sql.DB, tokens *TokenManager, logger zerolog.Logger) *Service {
	return &Service{db: db, tokens: tokens, logger: logger}
}

// TokenResponse is the body returned by the token endpoint.
type TokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in"`
	UserID    string `json:"user_id"`
}

// IssueToken looks up the user by phone hash, verifies the hex-encoded
// Ed25519 signature over the nonce under the stored identity key, and
// issues a bearer token.
func (s *Service) IssueToken(ctx context.Context, phoneHash, nonce, signature string) (*TokenResponse, error) {
	var userID uuid.UUID
	var identityKey []byte

	err := s.db.QueryRowContext(ctx,
		"SELECT id, identity_key FROM users WHERE phone_hash = $1", phoneHash,
	).Scan(&userID, &identityKey)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user: %w", err)
	}

	sig, err := hex.DecodeString(signature)
	if err != nil {
		return nil, ErrBadSignatureFormat
	}

	if !verifySignature(identityKey, []byte(nonce), sig) {
		s.logger.Warn().Str("component", "auth").
			Str("user", phoneHash[:8]).
			Msg("Invalid signature on token request")
		return nil, ErrInvalidSignature
	}

	token, err := s.tokens.Issue(userID)
	if err != nil {
		return nil, err
	}

	return &TokenResponse{
		Token:     token,
		ExpiresIn: int(TokenTTL.Seconds()),
		UserID:    userID.String(),
	}, nil
}

// VerifyToken checks a bearer token presented on WebSocket upgrade.
func (s *Service) VerifyToken(token string) (uuid.UUID, error) {
	return s.tokens.Verify(token)
}

func verifySignature(publicKey, message, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), message, signature)
}
