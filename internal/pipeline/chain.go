package pipeline

import (
	"context"
	"fmt"

	"github.com/saathihealth/saathi-backend/internal/persist"
	"github.com/saathihealth/saathi-backend/internal/platform/logger"
	"github.com/saathihealth/saathi-backend/internal/types"
)

// Chain runs an envelope through an ordered list of stages. A stage failure
// aborts the whole chain so none of its writes flush; the queue entry then
// redelivers after the visibility window.
type Chain struct {
	name   string
	stages []Stage
	log    *logger.Logger
}

func NewChain(name string, baseLog *logger.Logger, stages ...Stage) *Chain {
	return &Chain{
		name:   name,
		stages: stages,
		log:    baseLog.With("chain", name),
	}
}

func (c *Chain) Name() string { return c.name }

// Run executes the chain for one inbound envelope and returns the accumulated
// write operations. Ops are only valid when err is nil.
func (c *Chain) Run(ctx context.Context, env *types.MessageEnvelope) (*persist.OpSet, error) {
	ops := &persist.OpSet{}
	envs := []*types.MessageEnvelope{env}

	for _, stage := range c.stages {
		res := stage.Handle(ctx, envs)
		switch res.Status {
		case StatusContinue:
			ops.Merge(res.Ops)
			envs = res.Envelopes
			if len(envs) == 0 {
				return ops, nil
			}
		case StatusStop:
			ops.Merge(res.Ops)
			return ops, nil
		case StatusFail:
			return nil, fmt.Errorf("stage %s: %w", stage.Name(), res.Err)
		default:
			return nil, fmt.Errorf("stage %s: unknown status %d", stage.Name(), res.Status)
		}
	}
	return ops, nil
}

// Router picks the chain an envelope belongs to by its category.
type Router struct {
	User    *Chain
	Expert  *Chain
	Receipt *Chain
}

func (r *Router) For(env *types.MessageEnvelope) *Chain {
	switch env.Category {
	case types.CategoryReadReceipt:
		return r.Receipt
	case types.CategoryExpertToBot:
		return r.Expert
	default:
		return r.User
	}
}
