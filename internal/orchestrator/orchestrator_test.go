package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/saathihealth/saathi-backend/internal/correlator"
	"github.com/saathihealth/saathi-backend/internal/persist"
	"github.com/saathihealth/saathi-backend/internal/pipeline"
	"github.com/saathihealth/saathi-backend/internal/platform/logger"
	"github.com/saathihealth/saathi-backend/internal/queue"
	"github.com/saathihealth/saathi-backend/internal/repos"
	"github.com/saathihealth/saathi-backend/internal/types"
)

type fakeQueue struct {
	pending []queue.Message
	deleted []string
}

func (f *fakeQueue) Receive(_ context.Context, max int, _ time.Duration) ([]queue.Message, error) {
	if len(f.pending) == 0 {
		return nil, nil
	}
	n := max
	if n > len(f.pending) {
		n = len(f.pending)
	}
	out := f.pending[:n]
	f.pending = f.pending[n:]
	return out, nil
}

func (f *fakeQueue) Delete(_ context.Context, lease queue.Lease) error {
	f.deleted = append(f.deleted, lease.StreamID)
	return nil
}

func (f *fakeQueue) Enqueue(_ context.Context, payload []byte) error {
	f.pending = append(f.pending, queue.Message{Payload: payload})
	return nil
}

func (f *fakeQueue) Close() error { return nil }

type memUserRepo struct {
	users map[uuid.UUID]*types.User
}

func (m *memUserRepo) GetByIDs(_ context.Context, _ *gorm.DB, ids []uuid.UUID) ([]*types.User, error) {
	var out []*types.User
	for _, id := range ids {
		if u, ok := m.users[id]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

func (m *memUserRepo) BulkUpdate(_ context.Context, _ *gorm.DB, _ []repos.UserUpdate) error {
	return nil
}

type memMessageRepo struct {
	created   []*types.MessageRecord
	failFlush bool
}

func (m *memMessageRepo) GetByIDs(_ context.Context, _ *gorm.DB, _ []string) ([]*types.MessageRecord, error) {
	return nil, nil
}

func (m *memMessageRepo) UpsertMany(_ context.Context, _ *gorm.DB, recs []*types.MessageRecord) error {
	if m.failFlush {
		return errors.New("message store down")
	}
	m.created = append(m.created, recs...)
	return nil
}

func (m *memMessageRepo) BulkUpdate(_ context.Context, _ *gorm.DB, _ []repos.MessageUpdate) error {
	return nil
}

func (m *memMessageRepo) ClaimStatusTransition(_ context.Context, _ *gorm.DB, _ string, _ types.VerificationStatus, _ *types.MessageInfo) (bool, error) {
	return false, nil
}

// recordStage persists one record per envelope and fails envelopes whose
// body says so.
type recordStage struct{}

func (recordStage) Name() string { return "record" }

func (recordStage) Handle(_ context.Context, envs []*types.MessageEnvelope) pipeline.Result {
	ops := &persist.OpSet{}
	for _, env := range envs {
		if env.Body != nil && env.Body.Text == "fail me" {
			return pipeline.Fail(errors.New("induced failure"))
		}
		ops.CreateMessage(&types.MessageRecord{ID: env.MessageID, Category: env.Category})
	}
	return pipeline.Stop(ops)
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return log
}

func testConfig() Config {
	return Config{
		BatchSize:     10,
		Concurrency:   2,
		Visibility:    time.Minute,
		PollInterval:  time.Millisecond,
		HandleTimeout: time.Second,
	}
}

func newTestOrchestrator(t *testing.T, q queue.Queue, users *memUserRepo, messages *memMessageRepo) *Orchestrator {
	t.Helper()
	log := testLogger(t)
	chain := pipeline.NewChain("test", log, recordStage{})
	router := &pipeline.Router{User: chain, Expert: chain, Receipt: chain}
	corr := correlator.New(users, messages, log)
	batcher := persist.NewBatcher(users, messages, log)
	return New(q, corr, router, batcher, testConfig(), log)
}

func enqueue(t *testing.T, q *fakeQueue, lease string, env *types.MessageEnvelope) {
	t.Helper()
	raw, err := env.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	q.pending = append(q.pending, queue.Message{Payload: raw, Lease: queue.Lease{StreamID: lease}})
}

func userEnv(id string, text string) *types.MessageEnvelope {
	return &types.MessageEnvelope{
		ChannelType: "whatsapp",
		MessageID:   id,
		From:        types.SenderRef{WaID: "911111111111"},
		Body:        &types.MessageBody{Text: text},
	}
}

func registeredUsers() map[uuid.UUID]*types.User {
	u := &types.User{
		ID:            types.UserID("whatsapp", "911111111111"),
		ChannelType:   "whatsapp",
		ChannelUserID: "911111111111",
		Role:          types.RoleRegular,
		Language:      "en",
	}
	return map[uuid.UUID]*types.User{u.ID: u}
}

func TestRunBatch_SettlesGoodEntriesAndFlushesOnce(t *testing.T) {
	q := &fakeQueue{}
	users := &memUserRepo{users: registeredUsers()}
	messages := &memMessageRepo{}
	enqueue(t, q, "1-0", userEnv("m1", "hello"))
	enqueue(t, q, "1-1", userEnv("m2", "there"))

	o := newTestOrchestrator(t, q, users, messages)
	settled, err := o.runBatch(context.Background())
	if err != nil {
		t.Fatalf("runBatch: %v", err)
	}
	if settled != 2 {
		t.Fatalf("expected 2 settled, got %d", settled)
	}
	if len(q.deleted) != 2 {
		t.Fatalf("expected both leases deleted, got %v", q.deleted)
	}
	if len(messages.created) != 2 {
		t.Fatalf("expected both records flushed, got %d", len(messages.created))
	}

	snap := o.Stats()
	if snap.Processed != 2 || snap.Failed != 0 || snap.Dropped != 0 {
		t.Fatalf("unexpected stats: %+v", snap)
	}
}

func TestRunBatch_UnregisteredSenderIsDroppedAndDeleted(t *testing.T) {
	q := &fakeQueue{}
	users := &memUserRepo{users: map[uuid.UUID]*types.User{}}
	messages := &memMessageRepo{}
	enqueue(t, q, "5-0", userEnv("m1", "hello"))

	o := newTestOrchestrator(t, q, users, messages)
	if _, err := o.runBatch(context.Background()); err != nil {
		t.Fatalf("runBatch: %v", err)
	}
	if len(q.deleted) != 1 || q.deleted[0] != "5-0" {
		t.Fatalf("unknown-sender lease must be deleted, not retried: %v", q.deleted)
	}
	if len(messages.created) != 0 {
		t.Fatalf("dropped entry must not persist anything: %+v", messages.created)
	}
	if o.Stats().Dropped != 1 {
		t.Fatalf("expected one dropped, got %+v", o.Stats())
	}
}

func TestRunBatch_FailedEntryKeepsLeaseOthersSettle(t *testing.T) {
	q := &fakeQueue{}
	users := &memUserRepo{users: registeredUsers()}
	messages := &memMessageRepo{}
	enqueue(t, q, "2-0", userEnv("good", "hello"))
	enqueue(t, q, "2-1", userEnv("bad", "fail me"))

	o := newTestOrchestrator(t, q, users, messages)
	if _, err := o.runBatch(context.Background()); err != nil {
		t.Fatalf("runBatch: %v", err)
	}

	if len(q.deleted) != 1 || q.deleted[0] != "2-0" {
		t.Fatalf("only the good lease may be deleted: %v", q.deleted)
	}
	if len(messages.created) != 1 || messages.created[0].ID != "good" {
		t.Fatalf("only the good entry's ops may flush: %+v", messages.created)
	}
	snap := o.Stats()
	if snap.Processed != 1 || snap.Failed != 1 {
		t.Fatalf("unexpected stats: %+v", snap)
	}
}

func TestRunBatch_PoisonEntriesAreDeletedNotRetried(t *testing.T) {
	q := &fakeQueue{}
	q.pending = append(q.pending, queue.Message{Payload: []byte(`garbage`), Lease: queue.Lease{StreamID: "3-0"}})
	users := &memUserRepo{users: map[uuid.UUID]*types.User{}}
	messages := &memMessageRepo{}

	o := newTestOrchestrator(t, q, users, messages)
	if _, err := o.runBatch(context.Background()); err != nil {
		t.Fatalf("runBatch: %v", err)
	}
	if len(q.deleted) != 1 || q.deleted[0] != "3-0" {
		t.Fatalf("poison lease must be deleted: %v", q.deleted)
	}
	if o.Stats().Dropped != 1 {
		t.Fatalf("expected one dropped, got %+v", o.Stats())
	}
}

func TestRunBatch_FlushFailureKeepsEveryLease(t *testing.T) {
	q := &fakeQueue{}
	users := &memUserRepo{users: registeredUsers()}
	messages := &memMessageRepo{failFlush: true}
	enqueue(t, q, "4-0", userEnv("m1", "hello"))

	o := newTestOrchestrator(t, q, users, messages)
	if _, err := o.runBatch(context.Background()); err == nil {
		t.Fatalf("expected flush error")
	}
	if len(q.deleted) != 0 {
		t.Fatalf("no lease may be deleted when the flush fails: %v", q.deleted)
	}
	if o.Stats().FlushFailures != 1 {
		t.Fatalf("expected flush failure counted: %+v", o.Stats())
	}
}

// stallStage blocks until the per-envelope deadline cancels it.
type stallStage struct{}

func (stallStage) Name() string { return "stall" }

func (stallStage) Handle(ctx context.Context, _ []*types.MessageEnvelope) pipeline.Result {
	<-ctx.Done()
	return pipeline.Fail(ctx.Err())
}

func TestRunBatch_HandleTimeoutKeepsLeaseAndPersistsNothing(t *testing.T) {
	q := &fakeQueue{}
	users := &memUserRepo{users: registeredUsers()}
	messages := &memMessageRepo{}
	enqueue(t, q, "6-0", userEnv("m1", "hello"))

	log := testLogger(t)
	chain := pipeline.NewChain("stalling", log, stallStage{})
	router := &pipeline.Router{User: chain, Expert: chain, Receipt: chain}
	cfg := testConfig()
	cfg.HandleTimeout = 20 * time.Millisecond
	o := New(q, correlator.New(users, messages, log), router, persist.NewBatcher(users, messages, log), cfg, log)

	if _, err := o.runBatch(context.Background()); err != nil {
		t.Fatalf("runBatch: %v", err)
	}
	if len(q.deleted) != 0 {
		t.Fatalf("timed-out entry must keep its lease for redelivery: %v", q.deleted)
	}
	if len(messages.created) != 0 {
		t.Fatalf("abandoned chain must not persist anything: %+v", messages.created)
	}
	if snap := o.Stats(); snap.Failed != 1 || snap.Processed != 0 {
		t.Fatalf("unexpected stats: %+v", snap)
	}
}
