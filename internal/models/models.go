// Package models defines the persistent data model of the relay.
package models

import (
	"time"

	"github.com/google/uuid"
)

// User is a registered account. The server stores only public key material;
// the phone number itself never reaches the server, only its digest.
type User struct {
	ID              uuid.UUID `json:"id"`
	PhoneHash       string    `json:"phone_hash"`
	IdentityKey     []byte    `json:"identity_key"`
	SignedPrekey    []byte    `json:"signed_prekey"`
	PrekeySignature []byte    `json:"prekey_signature"`
	CreatedAt       time.Time `json:"created_at"`
	LastSeen        time.Time `json:"last_seen"`
}

// OneTimePrekey is an ephemeral public key consumed by exactly one session
// initiation. key_id is scoped to its owner.
type OneTimePrekey struct {
	ID        int64     `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	KeyID     int       `json:"key_id"`
	PublicKey []byte    `json:"public_key"`
	Used      bool      `json:"used"`
	CreatedAt time.Time `json:"created_at"`
}

// PendingMessage is a ciphertext envelope queued for an offline recipient.
// Deleted after delivery on reconnect, or by the retention sweep.
type PendingMessage struct {
	ID               uuid.UUID `json:"id"`
	RecipientID      uuid.UUID `json:"recipient_id"`
	SenderID         uuid.UUID `json:"sender_id"`
	EncryptedPayload []byte    `json:"encrypted_payload"`
	Timestamp        time.Time `json:"timestamp"`
}

// PushToken is a device push registration. Stored for future notification
// fan-out; the relay core only persists it.
type PushToken struct {
	UserID   uuid.UUID `json:"user_id"`
	Token    string    `json:"token"`
	Platform string    `json:"platform"`
}
