package types

// InfoKind discriminates MessageInfo variants.
type InfoKind string

const (
	InfoKindVerification InfoKind = "verification"
	InfoKindReaction     InfoKind = "reaction"
	InfoKindTemplate     InfoKind = "template"
)

// MessageInfo replaces the untyped additional-info map the channel payloads
// carry. Exactly one variant field is set, selected by Kind; intent checks
// switch on Kind instead of probing for key presence.
type MessageInfo struct {
	Kind         InfoKind          `json:"kind"`
	Verification *VerificationInfo `json:"verification,omitempty"`
	Reaction     *ReactionInfo     `json:"reaction,omitempty"`
	Template     *TemplateInfo     `json:"template,omitempty"`
}

// ReactionInfo is a pending emoji reaction to apply on send.
type ReactionInfo struct {
	MessageIDs []string `json:"message_ids"`
	Emoji      string   `json:"emoji"`
}

// TemplateInfo carries channel template parameters for templated sends.
type TemplateInfo struct {
	Name   string            `json:"name"`
	Params map[string]string `json:"params,omitempty"`
}

func VerificationInfoOf(info *MessageInfo) *VerificationInfo {
	if info == nil || info.Kind != InfoKindVerification {
		return nil
	}
	return info.Verification
}

// NewVerificationInfo builds the info payload attached to a fresh answer pair.
func NewVerificationInfo(v VerificationInfo) *MessageInfo {
	vi := v
	return &MessageInfo{Kind: InfoKindVerification, Verification: &vi}
}
