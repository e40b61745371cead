package verification

import (
	"strings"

	"github.com/saathihealth/saathi-backend/internal/types"
)

// InputKind classifies what an expert sent in reply to a verification prompt.
type InputKind string

const (
	InputApprove  InputKind = "approve"
	InputReject   InputKind = "reject"
	InputFreeText InputKind = "free_text"
)

// Action is what the pipeline must do for an expert reply given the current
// verification status of the prompt it answers.
type Action string

const (
	// ActionApprove marks the answer verified and reacts on the user's copy.
	ActionApprove Action = "approve"
	// ActionReject marks the prompt waiting, the user's copy wrong, and asks
	// the expert for a corrected answer.
	ActionReject Action = "reject"
	// ActionCorrect takes the expert's free text as the correction, marks the
	// thread verified, and sends the corrected answer to the user.
	ActionCorrect Action = "correct"
	// ActionResendPrompt re-sends the yes/no prompt when the expert sent free
	// text while a button choice was expected.
	ActionResendPrompt Action = "resend_prompt"
	// ActionAskCorrection re-sends the request for a text correction when the
	// expert pressed a button while a correction was expected.
	ActionAskCorrection Action = "ask_correction"
	// ActionAlreadyVerified acknowledges a late reply on a settled thread.
	ActionAlreadyVerified Action = "already_verified"
)

var affirmativeWords = map[string]struct{}{
	"yes": {}, "y": {}, "correct": {}, "right": {}, "ok": {}, "okay": {}, "sahi": {}, "haan": {},
}

var negativeWords = map[string]struct{}{
	"no": {}, "n": {}, "incorrect": {}, "wrong": {}, "nahi": {}, "galat": {},
}

// ClassifyInput resolves an expert reply into an input kind. Button replies
// are matched by button id first; bare yes/no style text counts as a button
// press so experts are not forced to use the interactive buttons.
func ClassifyInput(buttonID, text, approveID, rejectID string) InputKind {
	switch strings.TrimSpace(buttonID) {
	case "":
	case approveID:
		return InputApprove
	case rejectID:
		return InputReject
	default:
		return InputFreeText
	}

	word := strings.ToLower(strings.TrimSpace(text))
	word = strings.TrimRight(word, ".!")
	if _, ok := affirmativeWords[word]; ok {
		return InputApprove
	}
	if _, ok := negativeWords[word]; ok {
		return InputReject
	}
	return InputFreeText
}

// Decide maps the current verification status and the expert's input onto the
// action to perform. Every pair has a defined outcome so late, duplicate, or
// out-of-order expert replies degrade to harmless re-prompts.
func Decide(current types.VerificationStatus, input InputKind) Action {
	switch current {
	case types.VerificationPending:
		switch input {
		case InputApprove:
			return ActionApprove
		case InputReject:
			return ActionReject
		default:
			return ActionResendPrompt
		}
	case types.VerificationWaiting, types.VerificationWrong:
		switch input {
		case InputFreeText:
			return ActionCorrect
		default:
			return ActionAskCorrection
		}
	case types.VerificationVerified:
		return ActionAlreadyVerified
	default:
		return ActionResendPrompt
	}
}

// NextStatus returns the status an action settles the verification prompt
// into, and whether the action changes status at all.
func NextStatus(action Action) (types.VerificationStatus, bool) {
	switch action {
	case ActionApprove, ActionCorrect:
		return types.VerificationVerified, true
	case ActionReject:
		return types.VerificationWaiting, true
	default:
		return "", false
	}
}
