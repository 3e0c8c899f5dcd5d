package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType is the wire-level discriminator for game messages.
type MessageType string

const (
	TypeSubscribe         MessageType = "subscribe"
	TypeUnsubscribe       MessageType = "unsubscribe"
	TypeGameUpdate        MessageType = "game_update"
	TypePlayerJoin        MessageType = "player_join"
	TypePlayerLeave       MessageType = "player_leave"
	TypeRoundStart        MessageType = "round_start"
	TypeRoundEnd          MessageType = "round_end"
	TypeAnswerSubmit      MessageType = "answer_submit"
	TypeChatMessage       MessageType = "chat_message"
	TypeError             MessageType = "error"
	TypeRoundArchived     MessageType = "round_archived"
	TypeRoundRevealed     MessageType = "round_revealed"
	TypeRoundUpdated      MessageType = "round_updated"
	TypeResponderSelected MessageType = "responder_selected"
	TypePhaseChange       MessageType = "phase_change"
	TypeGameFinale        MessageType = "game_finale"
	TypeResync            MessageType = "resync"
)

// MaxDataBytes bounds the serialized size of the free-form data field.
const MaxDataBytes = 2000

var knownTypes = map[MessageType]bool{
	TypeSubscribe:         true,
	TypeUnsubscribe:       true,
	TypeGameUpdate:        true,
	TypePlayerJoin:        true,
	TypePlayerLeave:       true,
	TypeRoundStart:        true,
	TypeRoundEnd:          true,
	TypeAnswerSubmit:      true,
	TypeChatMessage:       true,
	TypeError:             true,
	TypeRoundArchived:     true,
	TypeRoundRevealed:     true,
	TypeRoundUpdated:      true,
	TypeResponderSelected: true,
	TypePhaseChange:       true,
	TypeGameFinale:        true,
	TypeResync:            true,
}

// PatchOp is a single document-patch operation carried on the wire.
// Semantics follow RFC 6902 (add/remove/replace/move/copy/test).
type PatchOp struct {
	Op    string          `json:"op"`
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value,omitempty"`
	From  string          `json:"from,omitempty"`
}

// Message is the envelope exchanged with clients and relayed between
// gateway processes. Payload shape depends on Type; patch-bearing
// updates carry Patches, everything else rides in Data/Metadata.
type Message struct {
	Type      MessageType       `json:"type"`
	GameID    string            `json:"game_id"`
	UserID    string            `json:"user_id,omitempty"`
	Data      string            `json:"data,omitempty"`
	Patches   []PatchOp         `json:"patches,omitempty"`
	Timestamp int64             `json:"timestamp,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`

	// Origin is the publishing process id, set by the broadcast bridge
	// so a relayed message is never re-applied on the process that
	// published it. Never set by clients.
	Origin string `json:"origin,omitempty"`
}

// Validate checks the envelope field-by-field before dispatch.
func (m *Message) Validate() error {
	if !knownTypes[m.Type] {
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	if m.GameID == "" {
		return fmt.Errorf("game_id is required")
	}
	if _, err := uuid.Parse(m.GameID); err != nil {
		return fmt.Errorf("invalid game_id %q: %w", m.GameID, err)
	}
	if len(m.Data) > MaxDataBytes {
		return fmt.Errorf("data exceeds %d bytes", MaxDataBytes)
	}
	return nil
}

// StampedAt returns the envelope timestamp, falling back to the receipt
// time when the sender did not set one.
func (m *Message) StampedAt(now time.Time) int64 {
	if m.Timestamp != 0 {
		return m.Timestamp
	}
	return now.UnixMilli()
}

// NewError builds a typed error envelope for the originating client.
func NewError(gameID, kind, detail string) *Message {
	return &Message{
		Type:   TypeError,
		GameID: gameID,
		Data:   detail,
		Metadata: map[string]string{
			"error": kind,
		},
	}
}

// Decode parses and validates a raw wire message.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal message: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}
