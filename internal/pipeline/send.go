package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/saathihealth/saathi-backend/internal/clients/whatsapp"
	"github.com/saathihealth/saathi-backend/internal/persist"
	"github.com/saathihealth/saathi-backend/internal/platform/logger"
	"github.com/saathihealth/saathi-backend/internal/repos"
	"github.com/saathihealth/saathi-backend/internal/templates"
	"github.com/saathihealth/saathi-backend/internal/types"
)

// sendStage delivers outbound envelopes over the channel, records every sent
// message, and keeps cross-conversation membership lists in sync. It is the
// terminal stage of every chain that produces output.
type sendStage struct {
	log     *logger.Logger
	channel Channel
	lang    Language
	tpl     *templates.Set
}

func NewSendStage(channel Channel, lang Language, tpl *templates.Set, baseLog *logger.Logger) Stage {
	return &sendStage{
		log:     baseLog.With("stage", "send"),
		channel: channel,
		lang:    lang,
		tpl:     tpl,
	}
}

func (s *sendStage) Name() string { return "send" }

func (s *sendStage) Handle(ctx context.Context, envs []*types.MessageEnvelope) Result {
	ops := &persist.OpSet{}
	crosses := map[string]*types.CrossConversation{}

	for _, env := range envs {
		if !env.Category.Outbound() {
			continue
		}
		if env.Cross != nil {
			crosses[env.Cross.ID] = env.Cross
		}

		if reaction := reactionOf(env); reaction != nil {
			if err := s.applyReaction(ctx, env.To, reaction); err != nil {
				return Fail(err)
			}
			continue
		}

		if err := s.deliver(ctx, env, ops); err != nil {
			return Fail(err)
		}
	}

	s.syncCrossMembership(crosses, ops)
	return Stop(ops)
}

func (s *sendStage) deliver(ctx context.Context, env *types.MessageEnvelope, ops *persist.OpSet) error {
	text, err := s.lang.FromEnglish(ctx, env.Body.English, env.Body.Language)
	if err != nil {
		return fmt.Errorf("translate outbound: %w", err)
	}

	var sentID string
	switch env.Category {
	case types.CategoryBotToExpertVerification:
		sentID, err = s.channel.SendButtons(ctx, env.To, text, []whatsapp.Button{
			{ID: s.tpl.Expert.Buttons.ApproveID, Title: s.tpl.Expert.Buttons.ApproveLabel},
			{ID: s.tpl.Expert.Buttons.RejectID, Title: s.tpl.Expert.Buttons.RejectLabel},
		})
	default:
		sentID, err = s.channel.SendText(ctx, env.To, text)
	}
	if err != nil {
		return fmt.Errorf("send %s: %w", env.Category, err)
	}
	s.record(env, sentID, text, ops)

	if env.Body.Voice && env.Category == types.CategoryBotToUserResponse {
		if err := s.deliverVoice(ctx, env, text, ops); err != nil {
			// A spoken copy is an extra; the text answer already landed.
			s.log.Warn("voice delivery failed", "error", err)
		}
	}
	if len(env.Suggestions) > 0 {
		if err := s.deliverSuggestions(ctx, env, ops); err != nil {
			s.log.Warn("suggestion list delivery failed", "error", err)
		}
	}
	return nil
}

func (s *sendStage) deliverVoice(ctx context.Context, env *types.MessageEnvelope, text string, ops *persist.OpSet) error {
	audio, contentType, err := s.lang.Speak(ctx, text, env.Body.Language)
	if err != nil {
		return fmt.Errorf("synthesize: %w", err)
	}
	sentID, err := s.channel.SendVoice(ctx, env.To, audio, contentType)
	if err != nil {
		return fmt.Errorf("send voice: %w", err)
	}

	// The spoken copy shares the verification payload so status changes fan
	// out to it like any other cross member.
	voiceEnv := *env
	voiceEnv.Suggestions = nil
	s.record(&voiceEnv, sentID, text, ops)
	return nil
}

func (s *sendStage) deliverSuggestions(ctx context.Context, env *types.MessageEnvelope, ops *persist.OpSet) error {
	rows := make([]whatsapp.ListRow, 0, len(env.Suggestions))
	for i, suggestion := range env.Suggestions {
		title, err := s.lang.FromEnglish(ctx, suggestion, env.Body.Language)
		if err != nil {
			return fmt.Errorf("translate suggestion: %w", err)
		}
		rows = append(rows, whatsapp.ListRow{
			ID:    fmt.Sprintf("suggestion_%d", i+1),
			Title: title,
		})
	}

	body, err := s.lang.FromEnglish(ctx, s.tpl.FollowUps.ListBody, env.Body.Language)
	if err != nil {
		return fmt.Errorf("translate list body: %w", err)
	}
	sentID, err := s.channel.SendList(ctx, env.To, s.tpl.FollowUps.ListHeader, s.tpl.FollowUps.ListButton, rows)
	if err != nil {
		return fmt.Errorf("send list: %w", err)
	}

	listEnv := &types.MessageEnvelope{
		ChannelType: env.ChannelType,
		Category:    types.CategoryBotToUser,
		To:          env.To,
		Body:        &types.MessageBody{English: s.tpl.FollowUps.ListBody, Language: env.Body.Language},
		Cross:       env.Cross,
	}
	s.record(listEnv, sentID, body, ops)
	return nil
}

func (s *sendStage) applyReaction(ctx context.Context, to string, reaction *types.ReactionInfo) error {
	for _, messageID := range reaction.MessageIDs {
		if err := s.channel.React(ctx, to, messageID, reaction.Emoji); err != nil {
			return fmt.Errorf("react on %s: %w", messageID, err)
		}
	}
	return nil
}

// record queues the persisted form of a sent message. The recipient's user id
// is derived from their channel identity, so no lookup is needed.
func (s *sendStage) record(env *types.MessageEnvelope, sentID string, text string, ops *persist.OpSet) {
	now := time.Now().UTC()
	rec := &types.MessageRecord{
		ID:          sentID,
		UserID:      types.UserID(env.ChannelType, env.To),
		Category:    env.Category,
		SourceText:  text,
		EnglishText: env.Body.English,
		Language:    env.Body.Language,
		Info:        types.EncodeMessageInfo(env.Info),
		OutgoingAt:  &now,
	}
	if env.Cross != nil {
		if crossID, err := uuid.Parse(env.Cross.ID); err == nil {
			rec.CrossID = &crossID
		}
		env.Cross.MessageIDs = append(env.Cross.MessageIDs, sentID)
		rec.SetCrossIDs(env.Cross.MessageIDs)
	}
	ops.CreateMessage(rec)
}

// syncCrossMembership rewrites every member's cross list after all sends, so
// records created early in the batch see the ids of later siblings.
func (s *sendStage) syncCrossMembership(crosses map[string]*types.CrossConversation, ops *persist.OpSet) {
	now := time.Now().UTC()
	for _, cross := range crosses {
		if len(cross.MessageIDs) < 2 {
			continue
		}
		encoded := types.EncodeCrossIDs(cross.MessageIDs)
		for _, id := range cross.MessageIDs {
			ops.UpdateMessage(repos.MessageUpdate{
				ID: id,
				Fields: map[string]any{
					"cross_message_ids": encoded,
					"updated_at":        now,
				},
			})
		}
	}
}

func reactionOf(env *types.MessageEnvelope) *types.ReactionInfo {
	if env.Info == nil || env.Info.Kind != types.InfoKindReaction {
		return nil
	}
	return env.Info.Reaction
}
