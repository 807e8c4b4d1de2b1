package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const streamPrefix = "nuka:tasks:"

// RedisBus publishes events to Redis Streams, one stream per plan plus a
// shared firehose stream.
type RedisBus struct {
	rdb    *redis.Client
	maxLen int64
	logger *zap.Logger
}

// NewRedisBus connects to redisURL and verifies the connection.
func NewRedisBus(redisURL string, logger *zap.Logger) (*RedisBus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisBus{rdb: rdb, maxLen: 10000, logger: logger}, nil
}

// FirehoseStream is the stream that receives every event.
func FirehoseStream() string { return streamPrefix + "all" }

// PlanStream is the stream holding the events of one plan.
func PlanStream(planID string) string { return streamPrefix + "plan:" + planID }

// Publish appends ev to the plan stream and the firehose.
func (b *RedisBus) Publish(ctx context.Context, ev *Event) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	pipe := b.rdb.Pipeline()
	for _, stream := range []string{PlanStream(ev.PlanID), FirehoseStream()} {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: stream,
			MaxLen: b.maxLen,
			Approx: true,
			Values: map[string]interface{}{"data": string(data)},
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}

	b.logger.Debug("published event",
		zap.String("type", string(ev.Type)),
		zap.String("plan", ev.PlanID),
		zap.String("step", ev.StepID))
	return nil
}

// Subscribe tails stream from new entries on. Cancel ctx to stop; the
// returned channel is closed afterwards.
func (b *RedisBus) Subscribe(ctx context.Context, stream string) <-chan *Event {
	ch := make(chan *Event, 16)

	go func() {
		defer close(ch)
		lastID := "$"

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			results, err := b.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{stream, lastID},
				Count:   10,
				Block:   2 * time.Second,
			}).Result()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				if errors.Is(err, redis.Nil) {
					continue
				}
				b.logger.Warn("event stream read failed", zap.String("stream", stream), zap.Error(err))
				select {
				case <-time.After(time.Second):
				case <-ctx.Done():
					return
				}
				continue
			}

			for _, r := range results {
				for _, msg := range r.Messages {
					lastID = msg.ID
					data, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					var ev Event
					if json.Unmarshal([]byte(data), &ev) != nil {
						continue
					}
					select {
					case ch <- &ev:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return ch
}

// Close shuts down the Redis connection.
func (b *RedisBus) Close() error {
	return b.rdb.Close()
}
