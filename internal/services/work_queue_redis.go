package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisWorkQueue is a partitioned Redis Streams queue with one consumer
// group per stream. Unacknowledged entries idle longer than claimIdle are
// taken over with XAUTOCLAIM by whichever consumer sweeps next.
type RedisWorkQueue struct {
	redis      *RedisService
	streams    []string
	partitions map[string]int
	group      string
	claimIdle  time.Duration
	block      time.Duration
}

// RedisWorkQueueConfig configures the stream layout
type RedisWorkQueueConfig struct {
	Stream     string
	Group      string
	Partitions int
	ClaimIdle  time.Duration
}

// NewRedisWorkQueue creates the streams and consumer groups if needed
func NewRedisWorkQueue(ctx context.Context, redisService *RedisService, cfg RedisWorkQueueConfig) (*RedisWorkQueue, error) {
	if cfg.Partitions <= 0 {
		cfg.Partitions = 1
	}
	if cfg.ClaimIdle <= 0 {
		cfg.ClaimIdle = 5 * time.Minute
	}

	q := &RedisWorkQueue{
		redis:      redisService,
		partitions: make(map[string]int, cfg.Partitions),
		group:      cfg.Group,
		claimIdle:  cfg.ClaimIdle,
		block:      5 * time.Second,
	}

	for i := 0; i < cfg.Partitions; i++ {
		stream := fmt.Sprintf("%s:%d", cfg.Stream, i)
		q.streams = append(q.streams, stream)
		q.partitions[stream] = i

		err := redisService.Client().XGroupCreateMkStream(ctx, stream, cfg.Group, "0").Err()
		if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return nil, fmt.Errorf("failed to create consumer group on %s: %w", stream, err)
		}
	}

	log.Printf("✅ [QUEUE] Redis streams ready: %s:{0..%d} group=%s", cfg.Stream, cfg.Partitions-1, cfg.Group)
	return q, nil
}

// Submit appends the message to its partition
func (q *RedisWorkQueue) Submit(ctx context.Context, msg TaskMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode task message: %w", err)
	}

	stream := q.streams[PartitionFor(msg.CorrelationID, len(q.streams))]
	err = q.redis.Client().XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{"data": string(data)},
	}).Err()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	return nil
}

// Consume reads new entries across all partitions and periodically reclaims
// idle ones, until ctx is done.
func (q *RedisWorkQueue) Consume(ctx context.Context, consumer string, handler DeliveryHandler) error {
	args := make([]string, 0, len(q.streams)*2)
	args = append(args, q.streams...)
	for range q.streams {
		args = append(args, ">")
	}

	claimEvery := q.claimIdle / 2
	lastClaim := time.Now()

	for ctx.Err() == nil {
		if time.Since(lastClaim) >= claimEvery {
			q.reclaim(ctx, consumer, handler)
			lastClaim = time.Now()
		}

		results, err := q.redis.Client().XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumer,
			Streams:  args,
			Count:    1,
			Block:    q.block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			log.Printf("⚠️  [QUEUE] %s read failed: %v", consumer, err)
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}

		for _, stream := range results {
			for _, msg := range stream.Messages {
				q.process(ctx, consumer, stream.Stream, msg, 1, handler)
			}
		}
	}
	return nil
}

// reclaim takes over entries other consumers left unacknowledged
func (q *RedisWorkQueue) reclaim(ctx context.Context, consumer string, handler DeliveryHandler) {
	client := q.redis.Client()
	for _, stream := range q.streams {
		msgs, _, err := client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    q.group,
			Consumer: consumer,
			MinIdle:  q.claimIdle,
			Start:    "0-0",
			Count:    10,
		}).Result()
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("⚠️  [QUEUE] %s autoclaim on %s failed: %v", consumer, stream, err)
			}
			continue
		}

		for _, msg := range msgs {
			attempt := 2
			pending, err := client.XPendingExt(ctx, &redis.XPendingExtArgs{
				Stream: stream,
				Group:  q.group,
				Start:  msg.ID,
				End:    msg.ID,
				Count:  1,
			}).Result()
			if err == nil && len(pending) == 1 {
				attempt = int(pending[0].RetryCount)
			}
			q.process(ctx, consumer, stream, msg, attempt, handler)
		}
	}
}

func (q *RedisWorkQueue) process(ctx context.Context, consumer, stream string, msg redis.XMessage, attempt int, handler DeliveryHandler) {
	client := q.redis.Client()

	raw, _ := msg.Values["data"].(string)
	var task TaskMessage
	if err := json.Unmarshal([]byte(raw), &task); err != nil || task.CorrelationID == "" {
		log.Printf("⚠️  [QUEUE] Dropping malformed entry %s on %s", msg.ID, stream)
		client.XAck(ctx, stream, q.group, msg.ID)
		return
	}

	d := &Delivery{
		ID:        msg.ID,
		Partition: q.partitions[stream],
		Attempt:   attempt,
		Message:   task,
	}
	if err := runHandler(ctx, handler, d); err != nil {
		log.Printf("⚠️  [QUEUE] %s left %s unacknowledged (attempt %d): %v",
			consumer, task.CorrelationID, attempt, err)
		return
	}

	if err := client.XAck(ctx, stream, q.group, msg.ID).Err(); err != nil {
		// The entry will be reclaimed and the store check turns it into a no-op
		log.Printf("⚠️  [QUEUE] Failed to ack %s: %v", msg.ID, err)
	}
}

// Ping checks the underlying connection
func (q *RedisWorkQueue) Ping(ctx context.Context) error {
	return q.redis.Ping(ctx)
}

// Close is a no-op; the Redis connection is owned by RedisService
func (q *RedisWorkQueue) Close() error {
	return nil
}
