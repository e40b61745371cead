package persist

import (
	"context"
	"fmt"

	"github.com/saathihealth/saathi-backend/internal/platform/logger"
	"github.com/saathihealth/saathi-backend/internal/repos"
	"github.com/saathihealth/saathi-backend/internal/types"
)

// OpSet accumulates the write side effects of one batch run. Stages append
// operations instead of touching the database; the orchestrator flushes the
// merged set once per batch, after every chain finished.
type OpSet struct {
	UserUpdates    []repos.UserUpdate
	MessageCreates []*types.MessageRecord
	MessageUpdates []repos.MessageUpdate
}

func (s *OpSet) Empty() bool {
	return s == nil ||
		(len(s.UserUpdates) == 0 &&
			len(s.MessageCreates) == 0 && len(s.MessageUpdates) == 0)
}

// Merge appends another set's operations, preserving order within each kind.
func (s *OpSet) Merge(other *OpSet) {
	if other == nil {
		return
	}
	s.UserUpdates = append(s.UserUpdates, other.UserUpdates...)
	s.MessageCreates = append(s.MessageCreates, other.MessageCreates...)
	s.MessageUpdates = append(s.MessageUpdates, other.MessageUpdates...)
}

func (s *OpSet) UpdateUser(up repos.UserUpdate) {
	s.UserUpdates = append(s.UserUpdates, up)
}

func (s *OpSet) CreateMessage(rec *types.MessageRecord) {
	if rec == nil {
		return
	}
	s.MessageCreates = append(s.MessageCreates, rec)
}

func (s *OpSet) UpdateMessage(up repos.MessageUpdate) {
	s.MessageUpdates = append(s.MessageUpdates, up)
}

// Batcher flushes an OpSet with a bounded number of bulk statements: one
// upsert plus one update pass per store. Creates run before updates so an
// update may target a row created in the same flush.
type Batcher struct {
	log      *logger.Logger
	users    repos.UserRepo
	messages repos.MessageRepo
}

func NewBatcher(users repos.UserRepo, messages repos.MessageRepo, baseLog *logger.Logger) *Batcher {
	return &Batcher{
		log:      baseLog.With("service", "Batcher"),
		users:    users,
		messages: messages,
	}
}

func (b *Batcher) Flush(ctx context.Context, set *OpSet) error {
	if set.Empty() {
		return nil
	}

	if err := b.messages.UpsertMany(ctx, nil, dedupeMessages(set.MessageCreates)); err != nil {
		return fmt.Errorf("flush message creates: %w", err)
	}
	if err := b.users.BulkUpdate(ctx, nil, set.UserUpdates); err != nil {
		return fmt.Errorf("flush user updates: %w", err)
	}
	if err := b.messages.BulkUpdate(ctx, nil, set.MessageUpdates); err != nil {
		return fmt.Errorf("flush message updates: %w", err)
	}

	b.log.Debug("flushed batch",
		"user_updates", len(set.UserUpdates),
		"message_creates", len(set.MessageCreates),
		"message_updates", len(set.MessageUpdates),
	)
	return nil
}

// dedupeMessages keeps the last create per message id. Duplicate ids appear
// when a redelivered envelope re-records a message already created earlier in
// the same flush.
func dedupeMessages(recs []*types.MessageRecord) []*types.MessageRecord {
	if len(recs) < 2 {
		return recs
	}
	idx := map[string]int{}
	out := make([]*types.MessageRecord, 0, len(recs))
	for _, rec := range recs {
		if at, ok := idx[rec.ID]; ok {
			out[at] = rec
			continue
		}
		idx[rec.ID] = len(out)
		out = append(out, rec)
	}
	return out
}
