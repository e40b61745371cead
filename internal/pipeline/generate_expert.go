package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/saathihealth/saathi-backend/internal/persist"
	"github.com/saathihealth/saathi-backend/internal/platform/logger"
	"github.com/saathihealth/saathi-backend/internal/repos"
	"github.com/saathihealth/saathi-backend/internal/templates"
	"github.com/saathihealth/saathi-backend/internal/types"
	"github.com/saathihealth/saathi-backend/internal/verification"
)

// generateExpertStage interprets an expert's reply to a verification prompt
// and advances the answer's status. The status transition is claimed with a
// conditional update before any outbound effect, so a redelivered or
// concurrent duplicate degrades to a no-op instead of double-sending.
type generateExpertStage struct {
	log      *logger.Logger
	answerer Answerer
	messages repos.MessageRepo
	tpl      *templates.Set
}

func NewGenerateExpertStage(answerer Answerer, messages repos.MessageRepo, tpl *templates.Set, baseLog *logger.Logger) Stage {
	return &generateExpertStage{
		log:      baseLog.With("stage", "generate_expert"),
		answerer: answerer,
		messages: messages,
		tpl:      tpl,
	}
}

func (s *generateExpertStage) Name() string { return "generate_expert" }

func (s *generateExpertStage) Handle(ctx context.Context, envs []*types.MessageEnvelope) Result {
	ops := &persist.OpSet{}
	out := make([]*types.MessageEnvelope, 0, len(envs))

	for _, env := range envs {
		derived, err := s.handleOne(ctx, env, ops)
		if err != nil {
			return Fail(err)
		}
		out = append(out, derived...)
	}
	return Continue(out, ops)
}

func (s *generateExpertStage) handleOne(ctx context.Context, env *types.MessageEnvelope, ops *persist.OpSet) ([]*types.MessageEnvelope, error) {
	now := time.Now().UTC()

	s.recordInbound(env, ops, now)

	vinfo := replyVerification(env)
	if vinfo == nil {
		// Free-standing expert message with no verification thread to act on.
		return []*types.MessageEnvelope{s.expertNotice(env, s.tpl.Expert.ResendPrompt, nil)}, nil
	}

	input := verification.ClassifyInput(
		env.Body.ButtonID, expertText(env),
		s.tpl.Expert.Buttons.ApproveID, s.tpl.Expert.Buttons.RejectID,
	)
	action := verification.Decide(vinfo.Status, input)
	s.log.Info("expert action",
		"action", action,
		"status", vinfo.Status,
		"prompt_id", env.Reply.MessageID,
	)

	switch action {
	case verification.ActionApprove:
		return s.approve(ctx, env, *vinfo, ops, now)
	case verification.ActionReject:
		return s.reject(ctx, env, *vinfo, ops, now)
	case verification.ActionCorrect:
		return s.correct(ctx, env, *vinfo, ops, now)
	case verification.ActionResendPrompt:
		prompt := templates.Render(s.tpl.Expert.VerificationPrompt, map[string]string{
			"question": vinfo.Question,
			"answer":   vinfo.Answer,
		})
		resend := s.expertNotice(env, prompt, types.NewVerificationInfo(*vinfo))
		resend.Category = types.CategoryBotToExpertVerification
		return []*types.MessageEnvelope{resend}, nil
	case verification.ActionAskCorrection:
		return []*types.MessageEnvelope{
			s.expertNotice(env, s.tpl.Expert.AskCorrection, types.NewVerificationInfo(*vinfo)),
		}, nil
	case verification.ActionAlreadyVerified:
		return []*types.MessageEnvelope{s.expertNotice(env, s.tpl.Expert.AlreadyVerified, nil)}, nil
	default:
		return nil, fmt.Errorf("unhandled expert action %s", action)
	}
}

func (s *generateExpertStage) approve(ctx context.Context, env *types.MessageEnvelope, vinfo types.VerificationInfo, ops *persist.OpSet, now time.Time) ([]*types.MessageEnvelope, error) {
	next := vinfo
	next.Status = types.VerificationVerified
	next.ModifiedAt = now

	claimed, err := s.claim(ctx, env, vinfo.Status, &next)
	if err != nil || !claimed {
		return nil, err
	}

	answerIDs, err := s.answerRecordIDs(ctx, env)
	if err != nil {
		return nil, err
	}
	s.markAnswers(answerIDs, next, ops, now)

	out := appendEnv(nil, s.reaction(env, answerIDs, s.tpl.Reactions.Verified))
	out = appendEnv(out, s.userNotice(env, s.tpl.Notices.AnswerVerified, types.NewVerificationInfo(next)))
	out = append(out, s.expertNotice(env, s.tpl.Expert.ThankYou, nil))
	return out, nil
}

func (s *generateExpertStage) reject(ctx context.Context, env *types.MessageEnvelope, vinfo types.VerificationInfo, ops *persist.OpSet, now time.Time) ([]*types.MessageEnvelope, error) {
	next := vinfo
	next.Status = types.VerificationWaiting
	next.ModifiedAt = now

	claimed, err := s.claim(ctx, env, vinfo.Status, &next)
	if err != nil || !claimed {
		return nil, err
	}

	// The user-facing copies show wrong; the expert thread waits for text.
	userNext := vinfo
	userNext.Status = types.VerificationWrong
	userNext.ModifiedAt = now
	answerIDs, err := s.answerRecordIDs(ctx, env)
	if err != nil {
		return nil, err
	}
	s.markAnswers(answerIDs, userNext, ops, now)

	out := appendEnv(nil, s.reaction(env, answerIDs, s.tpl.Reactions.Wrong))
	out = appendEnv(out, s.userNotice(env, s.tpl.Notices.AnswerWrong, types.NewVerificationInfo(userNext)))
	out = append(out, s.expertNotice(env, s.tpl.Expert.AskCorrection, types.NewVerificationInfo(next)))
	return out, nil
}

func (s *generateExpertStage) correct(ctx context.Context, env *types.MessageEnvelope, vinfo types.VerificationInfo, ops *persist.OpSet, now time.Time) ([]*types.MessageEnvelope, error) {
	correction := expertText(env)
	corrected, err := s.answerer.Corrected(ctx, vinfo.Question, vinfo.Answer, correction)
	if err != nil {
		return nil, fmt.Errorf("generate corrected answer: %w", err)
	}

	next := vinfo
	next.Status = types.VerificationVerified
	next.Answer = corrected
	next.Correction = correction
	next.ModifiedAt = now

	claimed, err := s.claim(ctx, env, vinfo.Status, &next)
	if err != nil || !claimed {
		return nil, err
	}

	answerIDs, err := s.answerRecordIDs(ctx, env)
	if err != nil {
		return nil, err
	}
	s.markAnswers(answerIDs, next, ops, now)

	out := appendEnv(nil, s.reaction(env, answerIDs, s.tpl.Reactions.Verified))
	out = appendEnv(out, s.userNotice(env, s.tpl.Notices.AnswerCorrected+"\n\n"+corrected, types.NewVerificationInfo(next)))
	out = append(out, s.expertNotice(env, s.tpl.Expert.ThankYou, nil))
	return out, nil
}

// claim runs the conditional status transition on the replied-to prompt
// record. A lost claim means another delivery of the same expert decision
// already advanced the thread.
func (s *generateExpertStage) claim(ctx context.Context, env *types.MessageEnvelope, from types.VerificationStatus, next *types.VerificationInfo) (bool, error) {
	claimed, err := s.messages.ClaimStatusTransition(ctx, nil, env.Reply.MessageID, from, types.NewVerificationInfo(*next))
	if err != nil {
		return false, fmt.Errorf("claim transition %s -> %s: %w", from, next.Status, err)
	}
	if !claimed {
		s.log.Info("verification transition already taken",
			"prompt_id", env.Reply.MessageID,
			"from", from,
			"to", next.Status,
		)
	}
	return claimed, nil
}

// answerRecordIDs resolves the cross-conversation members that carry the
// answer shown to the user. Status changes and reactions land on those
// records only; the user's own question and the expert prompt stay untouched.
func (s *generateExpertStage) answerRecordIDs(ctx context.Context, env *types.MessageEnvelope) ([]string, error) {
	if env.Cross == nil || len(env.Cross.MessageIDs) == 0 {
		return nil, nil
	}
	recs, err := s.messages.GetByIDs(ctx, nil, env.Cross.MessageIDs)
	if err != nil {
		return nil, fmt.Errorf("fetch cross members: %w", err)
	}
	ids := make([]string, 0, len(recs))
	for _, rec := range recs {
		if rec.Category == types.CategoryBotToUserResponse {
			ids = append(ids, rec.ID)
		}
	}
	return ids, nil
}

// markAnswers queues status updates for the user-facing answer copies. The
// expert prompt itself was already rewritten by the claim.
func (s *generateExpertStage) markAnswers(ids []string, vinfo types.VerificationInfo, ops *persist.OpSet, now time.Time) {
	for _, id := range ids {
		ops.UpdateMessage(repos.MessageUpdate{
			ID: id,
			Fields: map[string]any{
				"info":       types.EncodeMessageInfo(types.NewVerificationInfo(vinfo)),
				"updated_at": now,
			},
		})
	}
}

func (s *generateExpertStage) recordInbound(env *types.MessageEnvelope, ops *persist.OpSet, now time.Time) {
	rec := &types.MessageRecord{
		ID:          env.MessageID,
		UserID:      env.Sender.ID,
		Category:    types.CategoryExpertToBot,
		SourceText:  env.Body.Text,
		EnglishText: env.Body.English,
		Language:    env.Body.Language,
		IncomingAt:  timePtr(env.IncomingTimestamp, now),
	}
	if env.Cross != nil {
		if crossID, err := uuid.Parse(env.Cross.ID); err == nil {
			rec.CrossID = &crossID
		}
		rec.SetCrossIDs(env.Cross.MessageIDs)
	}
	ops.CreateMessage(rec)
}

func appendEnv(envs []*types.MessageEnvelope, env *types.MessageEnvelope) []*types.MessageEnvelope {
	if env == nil {
		return envs
	}
	return append(envs, env)
}

func (s *generateExpertStage) reaction(env *types.MessageEnvelope, messageIDs []string, emoji string) *types.MessageEnvelope {
	if env.Cross == nil || env.Cross.UserChannelID == "" || len(messageIDs) == 0 {
		return nil
	}
	return &types.MessageEnvelope{
		ChannelType: env.ChannelType,
		Category:    types.CategoryBotToUser,
		To:          env.Cross.UserChannelID,
		Info: &types.MessageInfo{
			Kind: types.InfoKindReaction,
			Reaction: &types.ReactionInfo{
				MessageIDs: messageIDs,
				Emoji:      emoji,
			},
		},
	}
}

func (s *generateExpertStage) userNotice(env *types.MessageEnvelope, text string, info *types.MessageInfo) *types.MessageEnvelope {
	if env.Cross == nil || env.Cross.UserChannelID == "" {
		return nil
	}
	return &types.MessageEnvelope{
		ChannelType: env.ChannelType,
		Category:    types.CategoryBotToUser,
		To:          env.Cross.UserChannelID,
		Body: &types.MessageBody{
			English:  text,
			Language: env.Cross.UserLanguage,
		},
		Cross: env.Cross,
		Info:  info,
	}
}

func (s *generateExpertStage) expertNotice(env *types.MessageEnvelope, text string, info *types.MessageInfo) *types.MessageEnvelope {
	return &types.MessageEnvelope{
		ChannelType: env.ChannelType,
		Category:    types.CategoryBotToExpert,
		To:          env.Sender.ChannelUserID,
		Body: &types.MessageBody{
			English:  text,
			Language: env.Sender.Language,
		},
		Cross: env.Cross,
		Info:  info,
	}
}

func replyVerification(env *types.MessageEnvelope) *types.VerificationInfo {
	if env.Reply == nil {
		return nil
	}
	return types.VerificationInfoOf(env.Reply.Info)
}

// expertText prefers the English pivot, falling back to the raw body.
func expertText(env *types.MessageEnvelope) string {
	if t := strings.TrimSpace(env.Body.English); t != "" {
		return t
	}
	return strings.TrimSpace(env.Body.Text)
}
