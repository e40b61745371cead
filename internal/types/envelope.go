package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	pkgerrors "github.com/saathihealth/saathi-backend/internal/pkg/errors"
)

// SenderRef is the raw channel identity on an inbound payload, before the
// correlator resolves it to a stored user.
type SenderRef struct {
	WaID string `json:"wa_id"`
	Name string `json:"name,omitempty"`
}

// MessageBody holds the source content plus the English pivot translation.
// English stays empty until the process stage runs.
type MessageBody struct {
	Text     string `json:"text,omitempty"`
	English  string `json:"english,omitempty"`
	MediaID  string `json:"media_id,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Language string `json:"language,omitempty"`
	// Voice marks a query that arrived as audio; the answer fans out into a
	// spoken variant as well.
	Voice bool `json:"voice,omitempty"`
	// ButtonID is the interactive reply id when the message is a button tap.
	ButtonID string `json:"button_id,omitempty"`
}

// ReplyContext links an envelope to the prior bot message it replies to.
// The correlator fills category, texts and info from the stored record.
type ReplyContext struct {
	MessageID   string       `json:"message_id"`
	Category    Category     `json:"category,omitempty"`
	SourceText  string       `json:"source_text,omitempty"`
	EnglishText string       `json:"english_text,omitempty"`
	Info        *MessageInfo `json:"info,omitempty"`
}

// CrossConversation groups every channel artifact spawned from one logical
// user query (text, audio, list variants) so status updates fan back to all
// of them.
type CrossConversation struct {
	ID            string   `json:"id"`
	UserChannelID string   `json:"user_channel_id"`
	UserLanguage  string   `json:"user_language,omitempty"`
	MessageIDs    []string `json:"message_ids,omitempty"`
}

// MessageEnvelope is the unit of work flowing through the pipeline: one chat
// message plus its resolved context. Stages treat envelopes as immutable and
// emit new ones, except the process stage which fills Body.English in place.
type MessageEnvelope struct {
	ChannelType string   `json:"channel_type"`
	MessageID   string   `json:"message_id,omitempty"`
	Category    Category `json:"category,omitempty"`

	From SenderRef `json:"from"`
	// To is the recipient channel id on derived outbound envelopes.
	To string `json:"to,omitempty"`

	// Sender is attached by the correlator; never on the wire.
	Sender *User `json:"-"`

	Body  *MessageBody       `json:"body,omitempty"`
	Reply *ReplyContext      `json:"reply,omitempty"`
	Cross *CrossConversation `json:"cross_conversation,omitempty"`
	Info  *MessageInfo       `json:"info,omitempty"`

	// Suggestions are follow-up questions rendered as an interactive list
	// alongside the message body.
	Suggestions []string `json:"suggestions,omitempty"`

	IncomingTimestamp time.Time `json:"incoming_timestamp,omitempty"`
	OutgoingTimestamp time.Time `json:"outgoing_timestamp,omitempty"`
}

// ParseEnvelope decodes and structurally validates a queue payload. A payload
// that fails here is poison: deleted from the queue, never retried.
func ParseEnvelope(raw []byte) (*MessageEnvelope, error) {
	var env MessageEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", pkgerrors.ErrMalformedEnvelope, err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

func (e *MessageEnvelope) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: nil envelope", pkgerrors.ErrMalformedEnvelope)
	}
	if strings.TrimSpace(e.ChannelType) == "" {
		return fmt.Errorf("%w: missing channel_type", pkgerrors.ErrMalformedEnvelope)
	}
	if strings.TrimSpace(e.From.WaID) == "" {
		return fmt.Errorf("%w: missing sender id", pkgerrors.ErrMalformedEnvelope)
	}
	if e.Category == CategoryReadReceipt {
		if e.Reply == nil || strings.TrimSpace(e.Reply.MessageID) == "" {
			return fmt.Errorf("%w: read receipt without target message id", pkgerrors.ErrMalformedEnvelope)
		}
		return nil
	}
	if e.Body == nil {
		return fmt.Errorf("%w: missing body", pkgerrors.ErrMalformedEnvelope)
	}
	if strings.TrimSpace(e.Body.Text) == "" && strings.TrimSpace(e.Body.MediaID) == "" {
		return fmt.Errorf("%w: empty body", pkgerrors.ErrMalformedEnvelope)
	}
	if strings.TrimSpace(e.MessageID) == "" {
		return fmt.Errorf("%w: missing message id", pkgerrors.ErrMalformedEnvelope)
	}
	return nil
}

// Encode serializes the envelope as a queue payload.
func (e *MessageEnvelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}
