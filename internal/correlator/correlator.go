package correlator

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	pkgerrors "github.com/saathihealth/saathi-backend/internal/pkg/errors"
	"github.com/saathihealth/saathi-backend/internal/platform/logger"
	"github.com/saathihealth/saathi-backend/internal/queue"
	"github.com/saathihealth/saathi-backend/internal/repos"
	"github.com/saathihealth/saathi-backend/internal/types"
)

// Item is one queue entry after correlation. Dropped items keep their lease
// so the orchestrator can delete poison entries instead of letting them
// recirculate forever.
type Item struct {
	Env        *types.MessageEnvelope
	Lease      queue.Lease
	Drop       bool
	DropReason error
}

// Batch is the correlated form of one queue receive.
type Batch struct {
	Items []Item
}

// Correlator turns raw queue payloads into enriched envelopes: parsed,
// attributed to a stored user, and joined against the message records they
// reply to. All lookups are batched per receive, never per message.
type Correlator struct {
	log      *logger.Logger
	users    repos.UserRepo
	messages repos.MessageRepo
}

func New(users repos.UserRepo, messages repos.MessageRepo, baseLog *logger.Logger) *Correlator {
	return &Correlator{
		log:      baseLog.With("service", "Correlator"),
		users:    users,
		messages: messages,
	}
}

func (c *Correlator) Correlate(ctx context.Context, msgs []queue.Message) (*Batch, error) {
	batch := &Batch{Items: make([]Item, 0, len(msgs))}
	if len(msgs) == 0 {
		return batch, nil
	}

	for _, m := range msgs {
		env, err := types.ParseEnvelope(m.Payload)
		if err != nil {
			c.log.Warn("dropping malformed payload", "error", err)
			batch.Items = append(batch.Items, Item{Lease: m.Lease, Drop: true, DropReason: err})
			continue
		}
		batch.Items = append(batch.Items, Item{Env: env, Lease: m.Lease})
	}

	if err := c.attachSenders(ctx, batch); err != nil {
		return nil, err
	}
	if err := c.attachReplyTargets(ctx, batch); err != nil {
		return nil, err
	}
	c.classify(batch)
	return batch, nil
}

// attachSenders resolves envelope senders against the user store. An identity
// with no user record is dropped with its lease kept, so the entry is deleted
// instead of recirculating until the stream trims it.
func (c *Correlator) attachSenders(ctx context.Context, batch *Batch) error {
	ids := make([]uuid.UUID, 0, len(batch.Items))
	seen := map[uuid.UUID]struct{}{}
	for i := range batch.Items {
		it := &batch.Items[i]
		if it.Drop {
			continue
		}
		id := types.UserID(it.Env.ChannelType, it.Env.From.WaID)
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}

	known, err := c.users.GetByIDs(ctx, nil, ids)
	if err != nil {
		return fmt.Errorf("fetch senders: %w", err)
	}
	byID := make(map[uuid.UUID]*types.User, len(known))
	for _, u := range known {
		byID[u.ID] = u
	}

	for i := range batch.Items {
		it := &batch.Items[i]
		if it.Drop {
			continue
		}
		id := types.UserID(it.Env.ChannelType, it.Env.From.WaID)
		u, ok := byID[id]
		if !ok {
			c.log.Warn("dropping envelope from unregistered sender",
				"wa_id", it.Env.From.WaID,
				"message_id", it.Env.MessageID,
			)
			it.Drop = true
			it.DropReason = fmt.Errorf("sender %s: %w", it.Env.From.WaID, pkgerrors.ErrUnknownSender)
			continue
		}
		it.Env.Sender = u
	}
	return nil
}

// attachReplyTargets joins envelopes onto the records they reply to, then
// resolves the cross conversation those records belong to so expert actions
// can reach back to the original asker.
func (c *Correlator) attachReplyTargets(ctx context.Context, batch *Batch) error {
	targetIDs := make([]string, 0, len(batch.Items))
	seen := map[string]struct{}{}
	for i := range batch.Items {
		it := &batch.Items[i]
		if it.Drop || it.Env.Reply == nil {
			continue
		}
		id := strings.TrimSpace(it.Env.Reply.MessageID)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		targetIDs = append(targetIDs, id)
	}
	if len(targetIDs) == 0 {
		return nil
	}

	targets, err := c.messages.GetByIDs(ctx, nil, targetIDs)
	if err != nil {
		return fmt.Errorf("fetch reply targets: %w", err)
	}
	byID := make(map[string]*types.MessageRecord, len(targets))
	for _, rec := range targets {
		byID[rec.ID] = rec
	}

	askers, err := c.fetchCrossAskers(ctx, targets)
	if err != nil {
		return err
	}

	for i := range batch.Items {
		it := &batch.Items[i]
		if it.Drop || it.Env.Reply == nil {
			continue
		}
		rec, ok := byID[strings.TrimSpace(it.Env.Reply.MessageID)]
		if !ok {
			if it.Env.Category == types.CategoryReadReceipt {
				// Receipt for a message that was never recorded; nothing to mark.
				it.Drop = true
				it.DropReason = fmt.Errorf("read receipt target: %w", pkgerrors.ErrNotFound)
			}
			continue
		}
		it.Env.Reply.Category = rec.Category
		it.Env.Reply.SourceText = rec.SourceText
		it.Env.Reply.EnglishText = rec.EnglishText
		it.Env.Reply.Info = types.DecodeMessageInfo(rec.Info)

		if rec.CrossID != nil {
			cross := &types.CrossConversation{
				ID:         rec.CrossID.String(),
				MessageIDs: rec.CrossIDs(),
			}
			if asker, ok := askers[*rec.CrossID]; ok {
				cross.UserChannelID = asker.ChannelUserID
				cross.UserLanguage = asker.Language
			}
			it.Env.Cross = cross
		}
	}
	return nil
}

// fetchCrossAskers maps cross-conversation ids onto the regular user who
// started them, via the user-facing sibling record of each verification
// prompt.
func (c *Correlator) fetchCrossAskers(ctx context.Context, targets []*types.MessageRecord) (map[uuid.UUID]*types.User, error) {
	out := map[uuid.UUID]*types.User{}

	siblingIDs := make([]string, 0, len(targets))
	for _, rec := range targets {
		if rec.CrossID == nil || rec.Category != types.CategoryBotToExpertVerification {
			continue
		}
		siblingIDs = append(siblingIDs, rec.CrossIDs()...)
	}
	if len(siblingIDs) == 0 {
		return out, nil
	}

	siblings, err := c.messages.GetByIDs(ctx, nil, siblingIDs)
	if err != nil {
		return nil, fmt.Errorf("fetch cross siblings: %w", err)
	}

	askerByCross := map[uuid.UUID]uuid.UUID{}
	userIDs := []uuid.UUID{}
	for _, rec := range siblings {
		if rec.CrossID == nil {
			continue
		}
		switch rec.Category {
		case types.CategoryUserToBot, types.CategoryBotToUserResponse, types.CategoryBotToUser:
			if _, ok := askerByCross[*rec.CrossID]; !ok {
				askerByCross[*rec.CrossID] = rec.UserID
				userIDs = append(userIDs, rec.UserID)
			}
		}
	}
	if len(userIDs) == 0 {
		return out, nil
	}

	users, err := c.users.GetByIDs(ctx, nil, userIDs)
	if err != nil {
		return nil, fmt.Errorf("fetch cross askers: %w", err)
	}
	usersByID := make(map[uuid.UUID]*types.User, len(users))
	for _, u := range users {
		usersByID[u.ID] = u
	}
	for crossID, userID := range askerByCross {
		if u, ok := usersByID[userID]; ok {
			out[crossID] = u
		}
	}
	return out, nil
}

// classify settles each envelope's category from its sender's stored role and
// guards the verification flow against replies from non-experts.
func (c *Correlator) classify(batch *Batch) {
	for i := range batch.Items {
		it := &batch.Items[i]
		if it.Drop {
			continue
		}
		env := it.Env
		if env.Category == "" {
			env.Category = types.CategoryUserToBot
		}
		if env.Category == types.CategoryReadReceipt {
			continue
		}

		repliesToVerification := env.Reply != nil &&
			(env.Reply.Category == types.CategoryBotToExpertVerification ||
				env.Reply.Category == types.CategoryBotToExpert)
		if repliesToVerification && !env.Sender.Role.IsExpert() {
			it.Drop = true
			it.DropReason = fmt.Errorf("verification reply from %s: %w", env.Sender.Role, pkgerrors.ErrUnknownSender)
			continue
		}
		if env.Sender.Role.IsExpert() {
			env.Category = types.CategoryExpertToBot
		}
	}
}
