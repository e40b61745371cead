package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/saathihealth/saathi-backend/internal/correlator"
	"github.com/saathihealth/saathi-backend/internal/persist"
	"github.com/saathihealth/saathi-backend/internal/pipeline"
	"github.com/saathihealth/saathi-backend/internal/pkg/envutil"
	"github.com/saathihealth/saathi-backend/internal/platform/logger"
	"github.com/saathihealth/saathi-backend/internal/queue"
)

var tracer = otel.Tracer("github.com/saathihealth/saathi-backend/internal/orchestrator")

type Config struct {
	BatchSize     int
	Concurrency   int
	Visibility    time.Duration
	PollInterval  time.Duration
	HandleTimeout time.Duration
}

func ConfigFromEnv() Config {
	return Config{
		BatchSize:     envutil.Int("CONSUMER_BATCH_SIZE", 10),
		Concurrency:   envutil.Int("CONSUMER_CONCURRENCY", 4),
		Visibility:    envutil.Seconds("QUEUE_VISIBILITY_TIMEOUT_SECONDS", 60*time.Second),
		PollInterval:  envutil.Seconds("CONSUMER_POLL_INTERVAL_SECONDS", 2*time.Second),
		HandleTimeout: envutil.Seconds("CONSUMER_HANDLE_TIMEOUT_SECONDS", 90*time.Second),
	}
}

// Orchestrator drives the consume loop: receive a batch, correlate it, run
// each envelope through its chain, flush the merged writes once, then delete
// the leases of everything that settled. A queue entry's lease survives any
// failure on its path, so the entry redelivers after the visibility window.
type Orchestrator struct {
	log        *logger.Logger
	queue      queue.Queue
	correlator *correlator.Correlator
	router     *pipeline.Router
	batcher    *persist.Batcher
	cfg        Config

	stats Stats
}

func New(q queue.Queue, corr *correlator.Correlator, router *pipeline.Router, batcher *persist.Batcher, cfg Config, baseLog *logger.Logger) *Orchestrator {
	return &Orchestrator{
		log:        baseLog.With("component", "Orchestrator"),
		queue:      q,
		correlator: corr,
		router:     router,
		batcher:    batcher,
		cfg:        cfg,
	}
}

func (o *Orchestrator) Stats() StatsSnapshot { return o.stats.Snapshot() }

// Run blocks until ctx is cancelled. Batch-level errors are logged and the
// loop keeps going; the consumer never exits on a bad batch.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.log.Info("consumer started",
		"batch_size", o.cfg.BatchSize,
		"concurrency", o.cfg.Concurrency,
		"visibility", o.cfg.Visibility,
	)
	for {
		select {
		case <-ctx.Done():
			o.log.Info("consumer stopping")
			return ctx.Err()
		default:
		}

		processed, err := o.runBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			o.log.Error("batch failed", "error", err)
			o.stats.BatchFailures.Add(1)
		}
		if processed == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(o.cfg.PollInterval):
			}
		}
	}
}

func (o *Orchestrator) runBatch(ctx context.Context) (_ int, err error) {
	msgs, err := o.queue.Receive(ctx, o.cfg.BatchSize, o.cfg.Visibility)
	if err != nil {
		return 0, fmt.Errorf("receive: %w", err)
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	ctx, span := tracer.Start(ctx, "consumer.batch",
		oteltrace.WithAttributes(attribute.Int("queue.received", len(msgs))))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "batch failed")
		}
		span.End()
	}()

	batch, err := o.correlator.Correlate(ctx, msgs)
	if err != nil {
		// Correlation is all-or-nothing lookups; leave every lease alone.
		return 0, fmt.Errorf("correlate: %w", err)
	}

	results := make([]result, len(batch.Items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Concurrency)
	for i := range batch.Items {
		item := &batch.Items[i]
		if item.Drop {
			results[i] = result{settled: true}
			continue
		}
		i := i
		g.Go(func() error {
			results[i] = o.handle(gctx, item)
			return nil
		})
	}
	_ = g.Wait()

	merged := &persist.OpSet{}
	for i := range results {
		if results[i].settled && results[i].ops != nil {
			merged.Merge(results[i].ops)
		}
	}
	if err := o.batcher.Flush(ctx, merged); err != nil {
		// No lease deletion without a flush: the whole batch redelivers and
		// replays idempotently.
		o.stats.FlushFailures.Add(1)
		return 0, fmt.Errorf("flush: %w", err)
	}

	settled := 0
	for i := range batch.Items {
		item := &batch.Items[i]
		switch {
		case item.Drop:
			o.stats.Dropped.Add(1)
		case results[i].settled:
			o.stats.Processed.Add(1)
		default:
			o.stats.Failed.Add(1)
			continue
		}
		if err := o.queue.Delete(ctx, item.Lease); err != nil {
			// Redelivery of a settled entry is harmless; every write is keyed.
			o.log.Warn("lease delete failed", "error", err)
		}
		settled++
	}
	o.stats.Batches.Add(1)
	return settled, nil
}

type result struct {
	settled bool
	ops     *persist.OpSet
}

// handle runs one envelope through its chain with a per-envelope deadline.
// A panic inside a stage fails only that envelope.
func (o *Orchestrator) handle(ctx context.Context, item *correlator.Item) (res result) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.HandleTimeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "consumer.handle",
		oteltrace.WithAttributes(
			attribute.String("message.id", item.Env.MessageID),
			attribute.String("message.category", string(item.Env.Category)),
		))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			o.log.Error("chain panic",
				"message_id", item.Env.MessageID,
				"category", item.Env.Category,
				"panic", r,
			)
			res = result{}
		}
	}()

	chain := o.router.For(item.Env)
	ops, err := chain.Run(ctx, item.Env)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "chain failed")
		o.log.Error("chain failed",
			"chain", chain.Name(),
			"message_id", item.Env.MessageID,
			"error", err,
		)
		return result{}
	}
	return result{settled: true, ops: ops}
}
