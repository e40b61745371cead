package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/saathihealth/saathi-backend/internal/persist"
	"github.com/saathihealth/saathi-backend/internal/platform/logger"
	"github.com/saathihealth/saathi-backend/internal/repos"
	"github.com/saathihealth/saathi-backend/internal/types"
)

// processStage normalizes inbound envelopes: voice notes are transcribed,
// source text is pivoted to English, and sender activity is recorded. It is
// shared by the user and expert chains.
type processStage struct {
	log     *logger.Logger
	channel Channel
	lang    Language
}

func NewProcessStage(channel Channel, lang Language, baseLog *logger.Logger) Stage {
	return &processStage{
		log:     baseLog.With("stage", "process"),
		channel: channel,
		lang:    lang,
	}
}

func (s *processStage) Name() string { return "process" }

func (s *processStage) Handle(ctx context.Context, envs []*types.MessageEnvelope) Result {
	ops := &persist.OpSet{}
	now := time.Now().UTC()

	for _, env := range envs {
		if env.Sender == nil {
			return Fail(fmt.Errorf("envelope %s has no resolved sender", env.MessageID))
		}

		if env.Body.MediaID != "" && env.Body.Text == "" {
			if err := s.transcribe(ctx, env); err != nil {
				return Fail(err)
			}
		}

		if err := s.pivot(ctx, env); err != nil {
			return Fail(err)
		}

		// Blue-tick the inbound message; delivery UX only, never fatal.
		if err := s.channel.MarkRead(ctx, env.MessageID); err != nil {
			s.log.Warn("mark read failed", "error", err)
		}

		env.Sender.PushConversation(env.MessageID)
		ops.UpdateUser(repos.UserUpdate{
			ID: env.Sender.ID,
			Fields: map[string]any{
				"last_active_at":     now,
				"last_conversations": env.Sender.LastConversations,
				"updated_at":         now,
			},
		})
	}
	return Continue(envs, ops)
}

// transcribe downloads a voice note and replaces the empty body text with its
// transcript in the sender's language. Non-audio media stays empty; the
// generator answers with an unsupported-media notice instead.
func (s *processStage) transcribe(ctx context.Context, env *types.MessageEnvelope) error {
	audio, contentType, err := s.channel.FetchMedia(ctx, env.Body.MediaID)
	if err != nil {
		return fmt.Errorf("fetch media %s: %w", env.Body.MediaID, err)
	}
	if env.Body.MimeType == "" {
		env.Body.MimeType = contentType
	}
	if !strings.HasPrefix(env.Body.MimeType, "audio/") {
		s.log.Info("unsupported media type", "mime_type", env.Body.MimeType)
		return nil
	}

	text, err := s.lang.Transcribe(ctx, audio, env.Body.MimeType, env.Sender.Language)
	if err != nil {
		return fmt.Errorf("transcribe %s: %w", env.Body.MediaID, err)
	}
	env.Body.Text = strings.TrimSpace(text)
	env.Body.Voice = true
	return nil
}

func (s *processStage) pivot(ctx context.Context, env *types.MessageEnvelope) error {
	if env.Body.Language == "" {
		env.Body.Language = env.Sender.Language
	}
	text := strings.TrimSpace(env.Body.Text)
	if text == "" {
		return nil
	}

	english, err := s.lang.ToEnglish(ctx, text, env.Body.Language)
	if err != nil {
		return fmt.Errorf("translate to english: %w", err)
	}
	env.Body.English = strings.TrimSpace(english)
	return nil
}
