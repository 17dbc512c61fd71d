package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/hive/internal/records"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	redisPayloadField       = "m"
	defaultRedisBlock       = 2 * time.Second
	defaultRedisClaimEvery  = 30 * time.Second
	defaultRedisMinIdle     = time.Minute
	defaultRedisBatch       = 64
	defaultRedisStreamLimit = 100000
	redisErrorBackoff       = 500 * time.Millisecond
	maxRedisErrorBackoff    = 10 * time.Second
)

// RedisOptions configures the Redis Streams adapter.
type RedisOptions struct {
	Address       string
	Password      string
	DB            int
	Group         string
	Consumer      string
	StreamPrefix  string
	Block         time.Duration
	ClaimInterval time.Duration
	MinIdle       time.Duration
	Batch         int64
	MaxLen        int64
	Logger        *zap.Logger
}

// Redis publishes to one stream per topic and consumes through a consumer
// group. Entries are acknowledged with XACK after the handler succeeds; entries
// left pending by a failed handler or a crashed consumer are reclaimed with
// XAUTOCLAIM once they have been idle for MinIdle.
type Redis struct {
	client *redis.Client
	opts   RedisOptions
	logger *zap.Logger

	closeOnce sync.Once
	closeErr  error
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	if strings.TrimSpace(opts.Address) == "" {
		return nil, errors.New("broker: redis address is required")
	}
	if strings.TrimSpace(opts.Group) == "" {
		return nil, errors.New("broker: redis consumer group is required")
	}
	if strings.TrimSpace(opts.Consumer) == "" {
		return nil, errors.New("broker: redis consumer name is required")
	}
	if opts.Block <= 0 {
		opts.Block = defaultRedisBlock
	}
	if opts.ClaimInterval <= 0 {
		opts.ClaimInterval = defaultRedisClaimEvery
	}
	if opts.MinIdle <= 0 {
		opts.MinIdle = defaultRedisMinIdle
	}
	if opts.Batch <= 0 {
		opts.Batch = defaultRedisBatch
	}
	if opts.MaxLen <= 0 {
		opts.MaxLen = defaultRedisStreamLimit
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     opts.Address,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("broker: redis ping: %w", err)
	}

	return &Redis{client: client, opts: opts, logger: logger}, nil
}

func (r *Redis) stream(topic records.Topic) string {
	return r.opts.StreamPrefix + Destination(topic)
}

// Publish appends the encoded envelope to the topic stream.
func (r *Redis) Publish(ctx context.Context, message Message) error {
	data, err := Encode(message)
	if err != nil {
		return err
	}
	err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream(message.Topic),
		MaxLen: r.opts.MaxLen,
		Approx: true,
		Values: map[string]any{redisPayloadField: data},
	}).Err()
	if err != nil {
		return NewDeliveryError(fmt.Errorf("xadd %s: %w", r.stream(message.Topic), err))
	}
	return nil
}

// Consume reads the topic stream through the consumer group until ctx ends.
func (r *Redis) Consume(ctx context.Context, topic records.Topic, handler Handler) error {
	if err := validateTopic(topic); err != nil {
		return err
	}
	stream := r.stream(topic)
	if err := r.ensureGroup(ctx, stream); err != nil {
		return err
	}

	backoff := redisErrorBackoff
	lastClaim := time.Time{}
	for {
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(lastClaim) >= r.opts.ClaimInterval {
			r.reclaim(ctx, stream, handler)
			lastClaim = time.Now()
		}

		streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    r.opts.Group,
			Consumer: r.opts.Consumer,
			Streams:  []string{stream, ">"},
			Count:    r.opts.Batch,
			Block:    r.opts.Block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, redis.ErrClosed) {
				return ErrClosed
			}
			r.logger.Warn("redis stream read failed",
				zap.String("stream", stream),
				zap.Error(err))
			if !sleepContext(ctx, backoff) {
				return nil
			}
			backoff = nextBackoff(backoff, maxRedisErrorBackoff)
			continue
		}
		backoff = redisErrorBackoff

		for _, entries := range streams {
			for _, entry := range entries.Messages {
				r.handle(ctx, stream, entry, handler)
			}
		}
	}
}

func (r *Redis) ensureGroup(ctx context.Context, stream string) error {
	err := r.client.XGroupCreateMkStream(ctx, stream, r.opts.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("broker: create consumer group on %s: %w", stream, err)
	}
	return nil
}

// reclaim takes over entries another delivery left pending for too long.
func (r *Redis) reclaim(ctx context.Context, stream string, handler Handler) {
	start := "0-0"
	for ctx.Err() == nil {
		entries, next, err := r.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    r.opts.Group,
			Consumer: r.opts.Consumer,
			MinIdle:  r.opts.MinIdle,
			Start:    start,
			Count:    r.opts.Batch,
		}).Result()
		if err != nil {
			if ctx.Err() == nil {
				r.logger.Warn("redis pending reclaim failed",
					zap.String("stream", stream),
					zap.Error(err))
			}
			return
		}
		for _, entry := range entries {
			r.handle(ctx, stream, entry, handler)
		}
		if next == "" || next == "0-0" || len(entries) == 0 {
			return
		}
		start = next
	}
}

func (r *Redis) handle(ctx context.Context, stream string, entry redis.XMessage, handler Handler) {
	message, err := decodeRedisEntry(entry)
	if err != nil {
		r.logger.Error("acknowledging undecodable stream entry",
			zap.String("stream", stream),
			zap.String("entry_id", entry.ID),
			zap.Error(err))
		r.ack(ctx, stream, entry.ID)
		return
	}

	if err := handler(ctx, message); err != nil {
		r.logger.Warn("message handler failed; entry stays pending",
			zap.String("stream", stream),
			zap.String("entry_id", entry.ID),
			zap.String("message_id", message.ID),
			zap.Error(err))
		return
	}
	r.ack(ctx, stream, entry.ID)
}

func (r *Redis) ack(ctx context.Context, stream, entryID string) {
	if err := r.client.XAck(ctx, stream, r.opts.Group, entryID).Err(); err != nil {
		r.logger.Warn("redis ack failed",
			zap.String("stream", stream),
			zap.String("entry_id", entryID),
			zap.Error(err))
	}
}

func decodeRedisEntry(entry redis.XMessage) (Message, error) {
	raw, ok := entry.Values[redisPayloadField]
	if !ok {
		return Message{}, fmt.Errorf("stream entry %s has no payload", entry.ID)
	}
	switch value := raw.(type) {
	case string:
		return Decode([]byte(value))
	case []byte:
		return Decode(value)
	default:
		return Message{}, fmt.Errorf("stream entry %s has payload of type %T", entry.ID, raw)
	}
}

// Close releases the Redis client.
func (r *Redis) Close() error {
	r.closeOnce.Do(func() {
		r.closeErr = r.client.Close()
	})
	return r.closeErr
}
