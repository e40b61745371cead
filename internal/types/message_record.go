package types

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// MessageRecord is the persisted form of a chat message. The primary key is
// the channel-assigned message id, which is the correlation key for replies.
type MessageRecord struct {
	ID       string    `gorm:"type:text;primaryKey" json:"id"`
	UserID   uuid.UUID `gorm:"type:uuid;not null;index" json:"user_id"`
	Category Category  `gorm:"type:text;not null;index" json:"category"`

	SourceText  string `gorm:"type:text" json:"source_text"`
	EnglishText string `gorm:"type:text" json:"english_text"`
	Language    string `gorm:"type:text" json:"language"`

	// Info carries the MessageInfo union (verification status, reaction,
	// template params) as JSONB.
	Info datatypes.JSON `gorm:"type:jsonb" json:"info"`

	CrossID *uuid.UUID `gorm:"type:uuid;index" json:"cross_id,omitempty"`
	// CrossMessageIDs lists every channel message spawned from the same query.
	CrossMessageIDs datatypes.JSON `gorm:"type:jsonb;not null;default:'[]'" json:"cross_message_ids"`

	IncomingAt *time.Time `json:"incoming_at,omitempty"`
	OutgoingAt *time.Time `json:"outgoing_at,omitempty"`
	// ReadAt is set from channel read receipts on outbound messages.
	ReadAt *time.Time `json:"read_at,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (MessageRecord) TableName() string { return "message_record" }

func DecodeMessageInfo(raw datatypes.JSON) *MessageInfo {
	if len(raw) == 0 {
		return nil
	}
	var info MessageInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil
	}
	if info.Kind == "" {
		return nil
	}
	return &info
}

func EncodeMessageInfo(info *MessageInfo) datatypes.JSON {
	if info == nil {
		return datatypes.JSON("null")
	}
	raw, err := json.Marshal(info)
	if err != nil {
		return datatypes.JSON("null")
	}
	return datatypes.JSON(raw)
}

// EncodeCrossIDs serializes a cross membership list for a bulk update field.
func EncodeCrossIDs(ids []string) datatypes.JSON {
	if ids == nil {
		ids = []string{}
	}
	raw, err := json.Marshal(ids)
	if err != nil {
		return datatypes.JSON("[]")
	}
	return datatypes.JSON(raw)
}

func (m *MessageRecord) CrossIDs() []string {
	var out []string
	if len(m.CrossMessageIDs) == 0 {
		return out
	}
	_ = json.Unmarshal(m.CrossMessageIDs, &out)
	return out
}

func (m *MessageRecord) SetCrossIDs(ids []string) {
	if ids == nil {
		ids = []string{}
	}
	raw, err := json.Marshal(ids)
	if err != nil {
		return
	}
	m.CrossMessageIDs = datatypes.JSON(raw)
}

// VerificationStatusOf reads the embedded verification status, if any.
func (m *MessageRecord) VerificationStatusOf() (VerificationStatus, bool) {
	vi := VerificationInfoOf(DecodeMessageInfo(m.Info))
	if vi == nil {
		return "", false
	}
	return vi.Status, true
}
