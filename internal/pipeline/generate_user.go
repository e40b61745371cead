package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/saathihealth/saathi-backend/internal/persist"
	"github.com/saathihealth/saathi-backend/internal/platform/logger"
	"github.com/saathihealth/saathi-backend/internal/repos"
	"github.com/saathihealth/saathi-backend/internal/templates"
	"github.com/saathihealth/saathi-backend/internal/types"
)

// generateUserStage answers a user's question and fans the result out into a
// user-facing reply plus a verification prompt for the linked expert. Both
// derived envelopes share one cross conversation and one pending
// verification payload.
type generateUserStage struct {
	log      *logger.Logger
	answerer Answerer
	users    repos.UserRepo
	tpl      *templates.Set
}

func NewGenerateUserStage(answerer Answerer, users repos.UserRepo, tpl *templates.Set, baseLog *logger.Logger) Stage {
	return &generateUserStage{
		log:      baseLog.With("stage", "generate_user"),
		answerer: answerer,
		users:    users,
		tpl:      tpl,
	}
}

func (s *generateUserStage) Name() string { return "generate_user" }

func (s *generateUserStage) Handle(ctx context.Context, envs []*types.MessageEnvelope) Result {
	ops := &persist.OpSet{}
	out := make([]*types.MessageEnvelope, 0, 2*len(envs))

	for _, env := range envs {
		derived, err := s.handleOne(ctx, env, ops)
		if err != nil {
			return Fail(err)
		}
		out = append(out, derived...)
	}
	return Continue(out, ops)
}

func (s *generateUserStage) handleOne(ctx context.Context, env *types.MessageEnvelope, ops *persist.OpSet) ([]*types.MessageEnvelope, error) {
	user := env.Sender
	question := env.Body.English
	if question == "" {
		return []*types.MessageEnvelope{s.notice(env)}, nil
	}

	now := time.Now().UTC()
	crossID := uuid.New()
	cross := &types.CrossConversation{
		ID:            crossID.String(),
		UserChannelID: user.ChannelUserID,
		UserLanguage:  user.Language,
		MessageIDs:    []string{env.MessageID},
	}
	env.Cross = cross

	inbound := &types.MessageRecord{
		ID:          env.MessageID,
		UserID:      user.ID,
		Category:    types.CategoryUserToBot,
		SourceText:  env.Body.Text,
		EnglishText: question,
		Language:    env.Body.Language,
		CrossID:     &crossID,
		IncomingAt:  timePtr(env.IncomingTimestamp, now),
	}
	inbound.SetCrossIDs(cross.MessageIDs)
	ops.CreateMessage(inbound)

	answer, err := s.answerer.Answer(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("generate answer: %w", err)
	}

	followups, err := s.answerer.FollowUps(ctx, question, answer)
	if err != nil {
		// Suggestions are best effort; the answer still goes out.
		s.log.Warn("follow-up generation failed", "error", err)
		followups = nil
	}
	if max := s.tpl.FollowUps.MaxItems; len(followups) > max {
		followups = followups[:max]
	}

	vinfo := types.VerificationInfo{
		Status:     types.VerificationPending,
		Question:   question,
		Answer:     answer,
		ModifiedAt: now,
	}

	// The outgoing copy carries the pending note; the stored verification
	// payload keeps the bare answer so corrections diff cleanly.
	userEnv := &types.MessageEnvelope{
		ChannelType: env.ChannelType,
		Category:    types.CategoryBotToUserResponse,
		To:          user.ChannelUserID,
		Body: &types.MessageBody{
			English:  answer + "\n\n" + s.tpl.Notices.AnswerPending,
			Language: user.Language,
			Voice:    env.Body.Voice,
		},
		Cross:       cross,
		Info:        types.NewVerificationInfo(vinfo),
		Suggestions: followups,
	}
	out := []*types.MessageEnvelope{userEnv}

	expert, err := s.linkedExpert(ctx, user)
	if err != nil {
		return nil, err
	}
	if expert == nil {
		s.log.Warn("no linked expert, answer stays pending", "user_id", user.ID)
		return out, nil
	}

	prompt := templates.Render(s.tpl.Expert.VerificationPrompt, map[string]string{
		"question": question,
		"answer":   answer,
	})
	out = append(out, &types.MessageEnvelope{
		ChannelType: env.ChannelType,
		Category:    types.CategoryBotToExpertVerification,
		To:          expert.ChannelUserID,
		Body: &types.MessageBody{
			English:  prompt,
			Language: expert.Language,
		},
		Cross: cross,
		Info:  types.NewVerificationInfo(vinfo),
	})
	return out, nil
}

// linkedExpert resolves the first expert linked to the user, probing expert
// categories in routing-priority order.
func (s *generateUserStage) linkedExpert(ctx context.Context, user *types.User) (*types.User, error) {
	for _, role := range types.ExpertRoles() {
		id, ok := user.LinkedExpert(role)
		if !ok {
			continue
		}
		experts, err := s.users.GetByIDs(ctx, nil, []uuid.UUID{id})
		if err != nil {
			return nil, fmt.Errorf("fetch linked expert: %w", err)
		}
		if len(experts) > 0 && experts[0].Role.IsExpert() {
			return experts[0], nil
		}
	}
	return nil, nil
}

func (s *generateUserStage) notice(env *types.MessageEnvelope) *types.MessageEnvelope {
	text := s.tpl.Notices.UnknownInput
	if env.Body.MediaID != "" {
		text = s.tpl.Notices.MediaUnsupported
	}
	return &types.MessageEnvelope{
		ChannelType: env.ChannelType,
		Category:    types.CategoryBotToUser,
		To:          env.Sender.ChannelUserID,
		Body: &types.MessageBody{
			English:  text,
			Language: env.Sender.Language,
		},
	}
}

func timePtr(t time.Time, fallback time.Time) *time.Time {
	if t.IsZero() {
		return &fallback
	}
	return &t
}
