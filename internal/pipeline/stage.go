package pipeline

import (
	"context"

	"github.com/saathihealth/saathi-backend/internal/clients/whatsapp"
	"github.com/saathihealth/saathi-backend/internal/persist"
	"github.com/saathihealth/saathi-backend/internal/types"
)

// Channel is the outbound messaging surface stages send through.
type Channel interface {
	SendText(ctx context.Context, to string, body string) (string, error)
	SendButtons(ctx context.Context, to string, body string, buttons []whatsapp.Button) (string, error)
	SendList(ctx context.Context, to string, header string, button string, rows []whatsapp.ListRow) (string, error)
	SendVoice(ctx context.Context, to string, audio []byte, contentType string) (string, error)
	React(ctx context.Context, to string, messageID string, emoji string) error
	MarkRead(ctx context.Context, messageID string) error
	FetchMedia(ctx context.Context, mediaID string) ([]byte, string, error)
}

// Language bridges user languages and the English pivot the generator runs in.
type Language interface {
	ToEnglish(ctx context.Context, text string, sourceLang string) (string, error)
	FromEnglish(ctx context.Context, text string, targetLang string) (string, error)
	Transcribe(ctx context.Context, audio []byte, mimeType string, lang string) (string, error)
	Speak(ctx context.Context, text string, lang string) ([]byte, string, error)
}

// Answerer produces grounded answers, follow-up suggestions, and corrected
// rewrites.
type Answerer interface {
	Answer(ctx context.Context, question string) (string, error)
	FollowUps(ctx context.Context, question string, answer string) ([]string, error)
	Corrected(ctx context.Context, question string, answer string, correction string) (string, error)
}

// Status is a stage's verdict on the envelopes it handled.
type Status int

const (
	// StatusContinue passes the result envelopes to the next stage.
	StatusContinue Status = iota
	// StatusStop ends the chain successfully with no further stages.
	StatusStop
	// StatusFail aborts the chain; the queue entry stays leased and retries.
	StatusFail
)

// Result carries a stage's verdict plus the envelopes and side effects it
// produced. Ops accumulate across the chain and flush once per batch.
type Result struct {
	Status    Status
	Envelopes []*types.MessageEnvelope
	Ops       *persist.OpSet
	Err       error
}

func Continue(envs []*types.MessageEnvelope, ops *persist.OpSet) Result {
	return Result{Status: StatusContinue, Envelopes: envs, Ops: ops}
}

func Stop(ops *persist.OpSet) Result {
	return Result{Status: StatusStop, Ops: ops}
}

func Fail(err error) Result {
	return Result{Status: StatusFail, Err: err}
}

// Stage is one link of a processing chain. Handle receives every envelope the
// previous stage emitted for one queue entry; a stage may transform them,
// fan out derived envelopes, or end the chain.
type Stage interface {
	Name() string
	Handle(ctx context.Context, envs []*types.MessageEnvelope) Result
}
