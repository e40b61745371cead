package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/saathihealth/saathi-backend/internal/pkg/envutil"
	"github.com/saathihealth/saathi-backend/internal/platform/logger"
)

const payloadField = "payload"

// redisQueue implements Queue on a Redis stream with one consumer group.
// XAUTOCLAIM re-delivers entries whose idle time exceeds the visibility
// timeout, which gives the lease semantics the orchestrator relies on.
type redisQueue struct {
	log      *logger.Logger
	rdb      *goredis.Client
	stream   string
	group    string
	consumer string
	maxLen   int64
}

func NewRedisQueue(log *logger.Logger) (Queue, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}

	addr := envutil.Str("REDIS_ADDR", "")
	if addr == "" {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}
	stream := envutil.Str("QUEUE_STREAM", "saathi:inbound")
	group := envutil.Str("QUEUE_GROUP", "saathi-consumer")
	consumer := envutil.Str("QUEUE_CONSUMER", "consumer-1")
	maxLen := int64(envutil.Int("QUEUE_MAX_LEN", 100000))

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	q := &redisQueue{
		log:      log.With("service", "RedisQueue"),
		rdb:      rdb,
		stream:   stream,
		group:    group,
		consumer: consumer,
		maxLen:   maxLen,
	}
	if err := q.ensureGroup(ctx); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return q, nil
}

func (q *redisQueue) ensureGroup(ctx context.Context) error {
	err := q.rdb.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

func (q *redisQueue) Receive(ctx context.Context, max int, visibility time.Duration) ([]Message, error) {
	if max <= 0 {
		max = 1
	}

	out := make([]Message, 0, max)

	// Reclaim entries another (or a crashed) consumer left pending past the
	// visibility window.
	claimed, _, err := q.rdb.XAutoClaim(ctx, &goredis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: q.consumer,
		MinIdle:  visibility,
		Start:    "0-0",
		Count:    int64(max),
	}).Result()
	if err != nil && err != goredis.Nil {
		return nil, fmt.Errorf("xautoclaim: %w", err)
	}
	for _, m := range claimed {
		if msg, ok := decodeStreamMessage(m); ok {
			out = append(out, msg)
		}
	}

	remaining := max - len(out)
	if remaining <= 0 {
		return out, nil
	}

	streams, err := q.rdb.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.stream, ">"},
		Count:    int64(remaining),
		Block:    time.Second,
	}).Result()
	if err != nil {
		if err == goredis.Nil {
			return out, nil
		}
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}
	for _, st := range streams {
		for _, m := range st.Messages {
			if msg, ok := decodeStreamMessage(m); ok {
				out = append(out, msg)
			}
		}
	}
	return out, nil
}

func decodeStreamMessage(m goredis.XMessage) (Message, bool) {
	raw, ok := m.Values[payloadField]
	if !ok {
		return Message{}, false
	}
	s, ok := raw.(string)
	if !ok {
		return Message{}, false
	}
	return Message{Payload: []byte(s), Lease: Lease{StreamID: m.ID}}, true
}

func (q *redisQueue) Delete(ctx context.Context, lease Lease) error {
	if lease.StreamID == "" {
		return nil
	}
	if err := q.rdb.XAck(ctx, q.stream, q.group, lease.StreamID).Err(); err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	if err := q.rdb.XDel(ctx, q.stream, lease.StreamID).Err(); err != nil {
		return fmt.Errorf("xdel: %w", err)
	}
	return nil
}

func (q *redisQueue) Enqueue(ctx context.Context, payload []byte) error {
	return q.rdb.XAdd(ctx, &goredis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]any{payloadField: string(payload)},
	}).Err()
}

func (q *redisQueue) Close() error {
	if q == nil || q.rdb == nil {
		return nil
	}
	return q.rdb.Close()
}
