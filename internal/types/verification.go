package types

import "time"

// VerificationStatus tracks expert sign-off progress for a generated answer.
type VerificationStatus string

const (
	// VerificationPending: answer sent, expert has not yet responded.
	VerificationPending VerificationStatus = "pending"
	// VerificationWaiting: expert flagged the answer, correction expected.
	VerificationWaiting VerificationStatus = "waiting"
	// VerificationWrong marks a user-facing answer the expert flagged.
	VerificationWrong VerificationStatus = "wrong"
	// VerificationVerified is terminal.
	VerificationVerified VerificationStatus = "verified"
)

func (s VerificationStatus) Valid() bool {
	switch s {
	case VerificationPending, VerificationWaiting, VerificationWrong, VerificationVerified:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is a legal status move.
// pending -> {verified, waiting, wrong}; waiting -> verified; wrong -> verified;
// verified is terminal.
func (s VerificationStatus) CanTransition(to VerificationStatus) bool {
	switch s {
	case VerificationPending:
		return to == VerificationVerified || to == VerificationWaiting || to == VerificationWrong
	case VerificationWaiting, VerificationWrong:
		return to == VerificationVerified
	case VerificationVerified:
		return false
	}
	return false
}

// VerificationInfo is embedded in every bot_to_user_response and
// bot_to_expert_verification record so each record carries its own status.
// Question and answer are persisted structurally up front; the correction
// flow never re-parses a composed human-readable string.
type VerificationInfo struct {
	Status     VerificationStatus `json:"status"`
	Question   string             `json:"question,omitempty"`
	Answer     string             `json:"answer,omitempty"`
	Correction string             `json:"correction,omitempty"`
	ModifiedAt time.Time          `json:"modified_at"`
}
