package relay

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Frame types the relay dispatches on. Signaling frames are forwarded
// verbatim and never persisted; anything unknown is dropped.
const (
	TypeEncryptedMessage = "encrypted_message"
	TypeCallOffer        = "call_offer"
	TypeCallAnswer       = "call_answer"
	TypeIceCandidate     = "ice_candidate"
	TypeCallReject       = "call_reject"
	TypeCallEnd          = "call_end"
)

func isSignaling(frameType string) bool {
	switch frameType {
	case TypeCallOffer, TypeCallAnswer, TypeIceCandidate, TypeCallReject, TypeCallEnd:
		return true
	}
	return false
}

// EncryptedMessage is the server-to-client envelope frame, used for both
// live relay and drain.
type EncryptedMessage struct {
	Type      string `json:"type"`
	SenderID  string `json:"sender_id"`
	Payload   string `json:"payload"`
	Timestamp string `json:"timestamp"`
}

// inboundFrame is one parsed client frame. Extra carries the passthrough
// fields of signaling frames (sdp, candidate, ...).
type inboundFrame struct {
	Type        string
	RecipientID uuid.UUID
	Payload     string
	Extra       map[string]interface{}
}

// parseFrame decodes a client frame. Malformed JSON returns an error, which
// closes the connection. A frame missing type or a parseable recipient_id
// returns (nil, nil) and is dropped without comment.
func parseFrame(data []byte) (*inboundFrame, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	frameType, _ := raw["type"].(string)
	recipientStr, _ := raw["recipient_id"].(string)
	if frameType == "" || recipientStr == "" {
		return nil, nil
	}

	recipientID, err := uuid.Parse(recipientStr)
	if err != nil {
		return nil, nil
	}

	frame := &inboundFrame{
		Type:        frameType,
		RecipientID: recipientID,
		Extra:       make(map[string]interface{}),
	}
	frame.Payload, _ = raw["payload"].(string)

	for k, v := range raw {
		if k == "type" || k == "recipient_id" {
			continue
		}
		frame.Extra[k] = v
	}
	return frame, nil
}
