package pipeline

import (
	"context"
	"time"

	"github.com/saathihealth/saathi-backend/internal/persist"
	"github.com/saathihealth/saathi-backend/internal/platform/logger"
	"github.com/saathihealth/saathi-backend/internal/repos"
	"github.com/saathihealth/saathi-backend/internal/types"
)

// markReadStage handles channel read receipts by stamping the referenced
// outbound record. Receipts for unrecorded messages never reach this stage;
// the correlator drops them.
type markReadStage struct {
	log *logger.Logger
}

func NewMarkReadStage(baseLog *logger.Logger) Stage {
	return &markReadStage{log: baseLog.With("stage", "mark_read")}
}

func (s *markReadStage) Name() string { return "mark_read" }

func (s *markReadStage) Handle(ctx context.Context, envs []*types.MessageEnvelope) Result {
	ops := &persist.OpSet{}
	now := time.Now().UTC()

	for _, env := range envs {
		readAt := env.IncomingTimestamp
		if readAt.IsZero() {
			readAt = now
		}
		ops.UpdateMessage(repos.MessageUpdate{
			ID: env.Reply.MessageID,
			Fields: map[string]any{
				"read_at":    readAt,
				"updated_at": now,
			},
		})
	}
	return Stop(ops)
}
