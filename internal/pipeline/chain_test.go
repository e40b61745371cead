package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/saathihealth/saathi-backend/internal/clients/whatsapp"
	"github.com/saathihealth/saathi-backend/internal/persist"
	"github.com/saathihealth/saathi-backend/internal/platform/logger"
	"github.com/saathihealth/saathi-backend/internal/repos"
	"github.com/saathihealth/saathi-backend/internal/templates"
	"github.com/saathihealth/saathi-backend/internal/types"
)

type sentMessage struct {
	kind string
	to   string
	body string
}

type fakeChannel struct {
	sent      []sentMessage
	reactions []sentMessage
	marked    []string
	media     map[string][]byte
	nextID    int
}

func (f *fakeChannel) id() string {
	f.nextID++
	return fmt.Sprintf("sent-%d", f.nextID)
}

func (f *fakeChannel) SendText(_ context.Context, to string, body string) (string, error) {
	f.sent = append(f.sent, sentMessage{kind: "text", to: to, body: body})
	return f.id(), nil
}

func (f *fakeChannel) SendButtons(_ context.Context, to string, body string, _ []whatsapp.Button) (string, error) {
	f.sent = append(f.sent, sentMessage{kind: "buttons", to: to, body: body})
	return f.id(), nil
}

func (f *fakeChannel) SendList(_ context.Context, to string, header string, _ string, _ []whatsapp.ListRow) (string, error) {
	f.sent = append(f.sent, sentMessage{kind: "list", to: to, body: header})
	return f.id(), nil
}

func (f *fakeChannel) SendVoice(_ context.Context, to string, _ []byte, _ string) (string, error) {
	f.sent = append(f.sent, sentMessage{kind: "voice", to: to})
	return f.id(), nil
}

func (f *fakeChannel) React(_ context.Context, to string, messageID string, emoji string) error {
	f.reactions = append(f.reactions, sentMessage{kind: emoji, to: to, body: messageID})
	return nil
}

func (f *fakeChannel) MarkRead(_ context.Context, messageID string) error {
	f.marked = append(f.marked, messageID)
	return nil
}

func (f *fakeChannel) FetchMedia(_ context.Context, mediaID string) ([]byte, string, error) {
	if audio, ok := f.media[mediaID]; ok {
		return audio, "audio/ogg", nil
	}
	return nil, "", errors.New("no such media")
}

type fakeLanguage struct{}

func (fakeLanguage) ToEnglish(_ context.Context, text string, _ string) (string, error) {
	return text, nil
}

func (fakeLanguage) FromEnglish(_ context.Context, text string, _ string) (string, error) {
	return text, nil
}

func (fakeLanguage) Transcribe(_ context.Context, _ []byte, _ string, _ string) (string, error) {
	return "spoken question", nil
}

func (fakeLanguage) Speak(_ context.Context, _ string, _ string) ([]byte, string, error) {
	return []byte{1, 2, 3}, "audio/mpeg", nil
}

type fakeAnswerer struct {
	answer    string
	followups []string
	corrected string
}

func (f *fakeAnswerer) Answer(_ context.Context, _ string) (string, error) {
	return f.answer, nil
}

func (f *fakeAnswerer) FollowUps(_ context.Context, _ string, _ string) ([]string, error) {
	return f.followups, nil
}

func (f *fakeAnswerer) Corrected(_ context.Context, _ string, _ string, correction string) (string, error) {
	return "corrected: " + correction, nil
}

type fakeUserFetcher struct {
	users map[uuid.UUID]*types.User
}

func (f *fakeUserFetcher) GetByIDs(_ context.Context, _ *gorm.DB, ids []uuid.UUID) ([]*types.User, error) {
	var out []*types.User
	for _, id := range ids {
		if u, ok := f.users[id]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

func (f *fakeUserFetcher) BulkUpdate(_ context.Context, _ *gorm.DB, _ []repos.UserUpdate) error {
	return nil
}

type fakeMessageCAS struct {
	records map[string]*types.MessageRecord
}

func (f *fakeMessageCAS) GetByIDs(_ context.Context, _ *gorm.DB, ids []string) ([]*types.MessageRecord, error) {
	var out []*types.MessageRecord
	for _, id := range ids {
		if rec, ok := f.records[id]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakeMessageCAS) UpsertMany(_ context.Context, _ *gorm.DB, recs []*types.MessageRecord) error {
	for _, rec := range recs {
		f.records[rec.ID] = rec
	}
	return nil
}

func (f *fakeMessageCAS) BulkUpdate(_ context.Context, _ *gorm.DB, _ []repos.MessageUpdate) error {
	return nil
}

func (f *fakeMessageCAS) ClaimStatusTransition(_ context.Context, _ *gorm.DB, id string, from types.VerificationStatus, next *types.MessageInfo) (bool, error) {
	rec, ok := f.records[id]
	if !ok {
		return false, nil
	}
	if status, _ := rec.VerificationStatusOf(); status != from {
		return false, nil
	}
	rec.Info = types.EncodeMessageInfo(next)
	return true, nil
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return log
}

func loadTemplates(t *testing.T) *templates.Set {
	t.Helper()
	tpl, err := templates.Load()
	if err != nil {
		t.Fatalf("templates: %v", err)
	}
	return tpl
}

type stubStage struct {
	name string
	fn   func(ctx context.Context, envs []*types.MessageEnvelope) Result
}

func (s stubStage) Name() string { return s.name }

func (s stubStage) Handle(ctx context.Context, envs []*types.MessageEnvelope) Result {
	return s.fn(ctx, envs)
}

func TestChain_MergesOpsAcrossStagesAndStopsOnStop(t *testing.T) {
	log := testLogger(t)
	first := stubStage{name: "first", fn: func(_ context.Context, envs []*types.MessageEnvelope) Result {
		ops := &persist.OpSet{}
		ops.CreateMessage(&types.MessageRecord{ID: "from-first"})
		return Continue(envs, ops)
	}}
	second := stubStage{name: "second", fn: func(_ context.Context, _ []*types.MessageEnvelope) Result {
		ops := &persist.OpSet{}
		ops.CreateMessage(&types.MessageRecord{ID: "from-second"})
		return Stop(ops)
	}}
	third := stubStage{name: "third", fn: func(_ context.Context, _ []*types.MessageEnvelope) Result {
		t.Fatal("stage after Stop must not run")
		return Stop(nil)
	}}

	ops, err := NewChain("test", log, first, second, third).Run(context.Background(), &types.MessageEnvelope{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(ops.MessageCreates) != 2 {
		t.Fatalf("expected ops from both stages, got %d", len(ops.MessageCreates))
	}
}

func TestChain_FailDiscardsEarlierOps(t *testing.T) {
	log := testLogger(t)
	first := stubStage{name: "first", fn: func(_ context.Context, envs []*types.MessageEnvelope) Result {
		ops := &persist.OpSet{}
		ops.CreateMessage(&types.MessageRecord{ID: "doomed"})
		return Continue(envs, ops)
	}}
	second := stubStage{name: "second", fn: func(_ context.Context, _ []*types.MessageEnvelope) Result {
		return Fail(errors.New("boom"))
	}}

	ops, err := NewChain("test", log, first, second).Run(context.Background(), &types.MessageEnvelope{})
	if err == nil {
		t.Fatalf("expected error")
	}
	if ops != nil {
		t.Fatalf("failed chain must not return ops")
	}
}

func newAsker() *types.User {
	return &types.User{
		ID:            types.UserID("whatsapp", "911111111111"),
		ChannelType:   "whatsapp",
		ChannelUserID: "911111111111",
		Name:          "Asha",
		Role:          types.RoleRegular,
		Language:      "en",
	}
}

func newExpert() *types.User {
	return &types.User{
		ID:            types.UserID("whatsapp", "922222222222"),
		ChannelType:   "whatsapp",
		ChannelUserID: "922222222222",
		Name:          "Dr. Rao",
		Role:          types.RoleMedicalExpert,
		Language:      "en",
	}
}

func linkExpert(user *types.User, expert *types.User) {
	user.SetRelationMap(map[types.Role][]uuid.UUID{
		types.RoleMedicalExpert: {expert.ID},
	})
}

func TestUserChain_FansOutAnswerAndVerificationPrompt(t *testing.T) {
	log := testLogger(t)
	tpl := loadTemplates(t)
	asker := newAsker()
	expert := newExpert()
	linkExpert(asker, expert)

	channel := &fakeChannel{}
	answerer := &fakeAnswerer{answer: "Use ORS after each loose stool.", followups: []string{"How much ORS?", "When to see a doctor?"}}
	users := &fakeUserFetcher{users: map[uuid.UUID]*types.User{expert.ID: expert}}

	chain := NewChain("user", log,
		NewProcessStage(channel, fakeLanguage{}, log),
		NewGenerateUserStage(answerer, users, tpl, log),
		NewSendStage(channel, fakeLanguage{}, tpl, log),
	)

	env := &types.MessageEnvelope{
		ChannelType: "whatsapp",
		MessageID:   "q1",
		Category:    types.CategoryUserToBot,
		From:        types.SenderRef{WaID: asker.ChannelUserID},
		Sender:      asker,
		Body:        &types.MessageBody{Text: "My child has diarrhea, what should I do?"},
	}

	ops, err := chain.Run(context.Background(), env)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	// Answer text to the user, verification buttons to the expert, follow-up list.
	if len(channel.sent) != 3 {
		t.Fatalf("expected 3 sends, got %+v", channel.sent)
	}
	if channel.sent[0].kind != "text" || channel.sent[0].to != asker.ChannelUserID {
		t.Fatalf("first send should be the user answer: %+v", channel.sent[0])
	}
	if !strings.Contains(channel.sent[0].body, tpl.Notices.AnswerPending) {
		t.Fatalf("answer must carry the pending-review note: %q", channel.sent[0].body)
	}
	if channel.sent[1].kind != "list" {
		t.Fatalf("second send should be the follow-up list: %+v", channel.sent[1])
	}
	if channel.sent[2].kind != "buttons" || channel.sent[2].to != expert.ChannelUserID {
		t.Fatalf("third send should be the expert prompt: %+v", channel.sent[2])
	}

	byID := map[string]*types.MessageRecord{}
	for _, rec := range ops.MessageCreates {
		byID[rec.ID] = rec
	}
	inbound, ok := byID["q1"]
	if !ok || inbound.Category != types.CategoryUserToBot {
		t.Fatalf("inbound question not recorded: %+v", byID)
	}

	var response, prompt *types.MessageRecord
	for _, rec := range ops.MessageCreates {
		switch rec.Category {
		case types.CategoryBotToUserResponse:
			response = rec
		case types.CategoryBotToExpertVerification:
			prompt = rec
		}
	}
	if response == nil || prompt == nil {
		t.Fatalf("fan-out records missing: %+v", ops.MessageCreates)
	}
	if response.CrossID == nil || prompt.CrossID == nil || *response.CrossID != *prompt.CrossID {
		t.Fatalf("fan-out records must share one cross conversation")
	}
	if *inbound.CrossID != *response.CrossID {
		t.Fatalf("inbound question must join the cross conversation")
	}

	for _, rec := range []*types.MessageRecord{response, prompt} {
		status, ok := rec.VerificationStatusOf()
		if !ok || status != types.VerificationPending {
			t.Fatalf("record %s must start pending, got %q", rec.ID, status)
		}
	}

	// The prompt was recorded after the user sends, so its membership list
	// already names them; the update pass rewrites everyone to the final list.
	if len(prompt.CrossIDs()) < 3 {
		t.Fatalf("prompt cross list too short: %v", prompt.CrossIDs())
	}
	if len(ops.MessageUpdates) == 0 {
		t.Fatalf("expected cross membership sync updates")
	}
	if len(channel.marked) != 1 || channel.marked[0] != "q1" {
		t.Fatalf("inbound message not marked read: %v", channel.marked)
	}
}

func TestUserChain_VoiceQuestionGetsSpokenAnswer(t *testing.T) {
	log := testLogger(t)
	tpl := loadTemplates(t)
	asker := newAsker()

	channel := &fakeChannel{media: map[string][]byte{"media-1": {9, 9}}}
	answerer := &fakeAnswerer{answer: "Rest and fluids."}
	users := &fakeUserFetcher{users: map[uuid.UUID]*types.User{}}

	chain := NewChain("user", log,
		NewProcessStage(channel, fakeLanguage{}, log),
		NewGenerateUserStage(answerer, users, tpl, log),
		NewSendStage(channel, fakeLanguage{}, tpl, log),
	)

	env := &types.MessageEnvelope{
		ChannelType: "whatsapp",
		MessageID:   "q2",
		Category:    types.CategoryUserToBot,
		From:        types.SenderRef{WaID: asker.ChannelUserID},
		Sender:      asker,
		Body:        &types.MessageBody{MediaID: "media-1", MimeType: "audio/ogg"},
	}

	if _, err := chain.Run(context.Background(), env); err != nil {
		t.Fatalf("run: %v", err)
	}

	kinds := map[string]int{}
	for _, s := range channel.sent {
		kinds[s.kind]++
	}
	if kinds["text"] != 1 || kinds["voice"] != 1 {
		t.Fatalf("voice question should get text plus voice answer: %+v", channel.sent)
	}
}

func expertReplyEnv(expert *types.User, cross *types.CrossConversation, vinfo types.VerificationInfo, body *types.MessageBody) *types.MessageEnvelope {
	return &types.MessageEnvelope{
		ChannelType: "whatsapp",
		MessageID:   "e1",
		Category:    types.CategoryExpertToBot,
		From:        types.SenderRef{WaID: expert.ChannelUserID},
		Sender:      expert,
		Body:        body,
		Reply: &types.ReplyContext{
			MessageID: "v1",
			Category:  types.CategoryBotToExpertVerification,
			Info:      types.NewVerificationInfo(vinfo),
		},
		Cross: cross,
	}
}

func pendingThread(t *testing.T) (*fakeMessageCAS, *types.CrossConversation, types.VerificationInfo) {
	t.Helper()
	crossID := uuid.New()
	vinfo := types.VerificationInfo{
		Status:   types.VerificationPending,
		Question: "what is ORS",
		Answer:   "oral rehydration solution",
	}
	prompt := &types.MessageRecord{
		ID:       "v1",
		Category: types.CategoryBotToExpertVerification,
		CrossID:  &crossID,
		Info:     types.EncodeMessageInfo(types.NewVerificationInfo(vinfo)),
	}
	prompt.SetCrossIDs([]string{"q1", "a1", "v1"})
	question := &types.MessageRecord{ID: "q1", Category: types.CategoryUserToBot, CrossID: &crossID}
	answer := &types.MessageRecord{
		ID:       "a1",
		Category: types.CategoryBotToUserResponse,
		CrossID:  &crossID,
		Info:     types.EncodeMessageInfo(types.NewVerificationInfo(vinfo)),
	}
	messages := &fakeMessageCAS{records: map[string]*types.MessageRecord{"v1": prompt, "q1": question, "a1": answer}}
	cross := &types.CrossConversation{
		ID:            crossID.String(),
		UserChannelID: "911111111111",
		UserLanguage:  "en",
		MessageIDs:    []string{"q1", "a1", "v1"},
	}
	return messages, cross, vinfo
}

func expertChain(t *testing.T, channel *fakeChannel, messages *fakeMessageCAS) *Chain {
	t.Helper()
	log := testLogger(t)
	tpl := loadTemplates(t)
	return NewChain("expert", log,
		NewProcessStage(channel, fakeLanguage{}, log),
		NewGenerateExpertStage(&fakeAnswerer{}, messages, tpl, log),
		NewSendStage(channel, fakeLanguage{}, tpl, log),
	)
}

func TestExpertChain_ApproveVerifiesThreadAndReacts(t *testing.T) {
	expert := newExpert()
	messages, cross, vinfo := pendingThread(t)
	channel := &fakeChannel{}
	chain := expertChain(t, channel, messages)

	env := expertReplyEnv(expert, cross, vinfo, &types.MessageBody{ButtonID: "verify_yes", Text: "Yes, correct"})
	ops, err := chain.Run(context.Background(), env)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	status, _ := messages.records["v1"].VerificationStatusOf()
	if status != types.VerificationVerified {
		t.Fatalf("prompt must be verified, got %s", status)
	}
	// Only the answer copy gets the reaction; the user's own question does not.
	if len(channel.reactions) != 1 {
		t.Fatalf("expected one reaction on the answer, got %+v", channel.reactions)
	}
	if channel.reactions[0].to != cross.UserChannelID || channel.reactions[0].body != "a1" {
		t.Fatalf("reaction must target the answer in the user chat: %+v", channel.reactions[0])
	}

	userNotified, expertThanked := false, false
	for _, s := range channel.sent {
		if s.kind == "text" && s.to == cross.UserChannelID {
			userNotified = true
		}
		if s.kind == "text" && s.to == expert.ChannelUserID {
			expertThanked = true
		}
	}
	if !userNotified {
		t.Fatalf("user must get a verified notice: %+v", channel.sent)
	}
	if !expertThanked {
		t.Fatalf("expert must get an acknowledgment: %+v", channel.sent)
	}

	var inboundRecorded bool
	for _, rec := range ops.MessageCreates {
		if rec.ID == "e1" && rec.Category == types.CategoryExpertToBot {
			inboundRecorded = true
		}
	}
	if !inboundRecorded {
		t.Fatalf("expert reply not recorded: %+v", ops.MessageCreates)
	}

	statusMarks := map[string]bool{}
	for _, up := range ops.MessageUpdates {
		if _, ok := up.Fields["info"]; ok {
			statusMarks[up.ID] = true
		}
	}
	if !statusMarks["a1"] {
		t.Fatalf("answer record must be marked verified: %+v", ops.MessageUpdates)
	}
	if statusMarks["q1"] {
		t.Fatalf("question record must keep its own info: %+v", ops.MessageUpdates)
	}
}

func TestExpertChain_ApproveRedeliveryIsNoOp(t *testing.T) {
	expert := newExpert()
	messages, cross, vinfo := pendingThread(t)
	channel := &fakeChannel{}
	chain := expertChain(t, channel, messages)

	env := expertReplyEnv(expert, cross, vinfo, &types.MessageBody{ButtonID: "verify_yes", Text: "Yes, correct"})
	if _, err := chain.Run(context.Background(), env); err != nil {
		t.Fatalf("first run: %v", err)
	}
	firstReactions := len(channel.reactions)

	// Same decision again, stale pending snapshot: the claim loses.
	env2 := expertReplyEnv(expert, cross, vinfo, &types.MessageBody{ButtonID: "verify_yes", Text: "Yes, correct"})
	env2.MessageID = "e1-redelivered"
	ops, err := chain.Run(context.Background(), env2)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(channel.reactions) != firstReactions {
		t.Fatalf("redelivery must not react again: %+v", channel.reactions)
	}
	if len(ops.MessageUpdates) != 0 {
		t.Fatalf("redelivery must not touch siblings: %+v", ops.MessageUpdates)
	}
}

func TestExpertChain_RejectThenCorrectionReachesUser(t *testing.T) {
	expert := newExpert()
	messages, cross, vinfo := pendingThread(t)
	channel := &fakeChannel{}
	chain := expertChain(t, channel, messages)

	reject := expertReplyEnv(expert, cross, vinfo, &types.MessageBody{ButtonID: "verify_no", Text: "No, incorrect"})
	if _, err := chain.Run(context.Background(), reject); err != nil {
		t.Fatalf("reject run: %v", err)
	}
	status, _ := messages.records["v1"].VerificationStatusOf()
	if status != types.VerificationWaiting {
		t.Fatalf("expected waiting after reject, got %s", status)
	}
	askedForCorrection, userToldWrong := false, false
	for _, s := range channel.sent {
		if s.kind == "text" && s.to == expert.ChannelUserID {
			askedForCorrection = true
		}
		if s.kind == "text" && s.to == cross.UserChannelID {
			userToldWrong = true
		}
	}
	if !askedForCorrection {
		t.Fatalf("expert must be asked for a correction: %+v", channel.sent)
	}
	if !userToldWrong {
		t.Fatalf("user must be told the answer was wrong: %+v", channel.sent)
	}
	if len(channel.reactions) != 1 || channel.reactions[0].body != "a1" {
		t.Fatalf("wrong reaction must land on the answer only: %+v", channel.reactions)
	}

	// Correction as free text against the now-waiting thread.
	waiting := vinfo
	waiting.Status = types.VerificationWaiting
	correct := expertReplyEnv(expert, cross, waiting, &types.MessageBody{Text: "Mix one packet in one litre of water."})
	correct.MessageID = "e2"
	if _, err := chain.Run(context.Background(), correct); err != nil {
		t.Fatalf("correct run: %v", err)
	}

	status, _ = messages.records["v1"].VerificationStatusOf()
	if status != types.VerificationVerified {
		t.Fatalf("expected verified after correction, got %s", status)
	}
	final := types.VerificationInfoOf(types.DecodeMessageInfo(messages.records["v1"].Info))
	if final.Correction == "" || final.Answer != "corrected: Mix one packet in one litre of water." {
		t.Fatalf("correction not persisted structurally: %+v", final)
	}

	userGotCorrection, expertThanked := false, false
	for _, s := range channel.sent {
		if s.kind == "text" && s.to == cross.UserChannelID &&
			strings.Contains(s.body, "corrected: Mix one packet in one litre of water.") {
			userGotCorrection = true
		}
		if s.kind == "text" && s.to == expert.ChannelUserID && strings.Contains(s.body, "Thank you") {
			expertThanked = true
		}
	}
	if !userGotCorrection {
		t.Fatalf("corrected answer never reached the user: %+v", channel.sent)
	}
	if !expertThanked {
		t.Fatalf("expert must be thanked for the correction: %+v", channel.sent)
	}
}

func TestExpertChain_FreeTextOnPendingResendsPrompt(t *testing.T) {
	expert := newExpert()
	messages, cross, vinfo := pendingThread(t)
	channel := &fakeChannel{}
	chain := expertChain(t, channel, messages)

	env := expertReplyEnv(expert, cross, vinfo, &types.MessageBody{Text: "let me think about this one"})
	if _, err := chain.Run(context.Background(), env); err != nil {
		t.Fatalf("run: %v", err)
	}

	status, _ := messages.records["v1"].VerificationStatusOf()
	if status != types.VerificationPending {
		t.Fatalf("free text on pending must not change status, got %s", status)
	}
	resent := false
	for _, s := range channel.sent {
		if s.kind == "buttons" && s.to == expert.ChannelUserID {
			resent = true
		}
	}
	if !resent {
		t.Fatalf("expected the yes/no prompt re-sent: %+v", channel.sent)
	}
}
