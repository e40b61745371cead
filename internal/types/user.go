package types

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// userNamespace seeds deterministic user ids. Hashing the channel identity
// into the id makes every user lookup and upsert idempotent under redelivery.
var userNamespace = uuid.MustParse("8f1f5a2e-90c4-4be2-a1d3-6c2f9be3a70d")

// UserID derives the stable primary key for a channel identity.
func UserID(channelType, channelUserID string) uuid.UUID {
	return uuid.NewSHA1(userNamespace, []byte(channelType+":"+channelUserID))
}

// maxLastConversations bounds the per-user conversation history ring.
const maxLastConversations = 10

type User struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ChannelType   string    `gorm:"type:text;not null;default:'whatsapp'" json:"channel_type"`
	ChannelUserID string    `gorm:"type:text;uniqueIndex;not null" json:"channel_user_id"`
	Name          string    `gorm:"type:text" json:"name"`
	Role          Role      `gorm:"type:text;not null;index" json:"role"`
	Language      string    `gorm:"type:text;not null;default:'en'" json:"language"`

	// Relations maps expert category -> linked expert ids for regular users,
	// and holds linked regular-user ids under RoleRegular for experts.
	Relations datatypes.JSON `gorm:"type:jsonb;not null;default:'{}'" json:"relations"`

	LastActiveAt time.Time `gorm:"not null;default:now();index" json:"last_active_at"`

	// LastConversations is a bounded ring of recent inbound message ids.
	LastConversations datatypes.JSON `gorm:"type:jsonb;not null;default:'[]'" json:"last_conversations"`

	CreatedAt time.Time `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (User) TableName() string { return "app_user" }

func (u *User) RelationMap() map[Role][]uuid.UUID {
	out := map[Role][]uuid.UUID{}
	if len(u.Relations) == 0 {
		return out
	}
	_ = json.Unmarshal(u.Relations, &out)
	return out
}

func (u *User) SetRelationMap(m map[Role][]uuid.UUID) {
	raw, err := json.Marshal(m)
	if err != nil {
		return
	}
	u.Relations = datatypes.JSON(raw)
}

// LinkedExpert returns the first expert linked under the given category.
func (u *User) LinkedExpert(category Role) (uuid.UUID, bool) {
	rels := u.RelationMap()
	ids := rels[category]
	if len(ids) == 0 {
		return uuid.Nil, false
	}
	return ids[0], true
}

func (u *User) ConversationIDs() []string {
	var out []string
	if len(u.LastConversations) == 0 {
		return out
	}
	_ = json.Unmarshal(u.LastConversations, &out)
	return out
}

// PushConversation appends a message id to the history ring, evicting the
// oldest entry past capacity.
func (u *User) PushConversation(messageID string) {
	if messageID == "" {
		return
	}
	ids := u.ConversationIDs()
	ids = append(ids, messageID)
	if len(ids) > maxLastConversations {
		ids = ids[len(ids)-maxLastConversations:]
	}
	raw, err := json.Marshal(ids)
	if err != nil {
		return
	}
	u.LastConversations = datatypes.JSON(raw)
}
