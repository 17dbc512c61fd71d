package broker

import (
	"context"
	"fmt"
	"strings"
)

// Adapter kinds accepted by New.
const (
	KindMemory = "memory"
	KindRedis  = "redis"
	KindKafka  = "kafka"
)

// Options selects and configures one adapter.
type Options struct {
	Kind   string
	Memory MemoryOptions
	Redis  RedisOptions
	Kafka  KafkaOptions
}

// New builds the adapter named by opts.Kind.
func New(ctx context.Context, opts Options) (Broker, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Kind)) {
	case "", KindMemory:
		return NewMemory(opts.Memory), nil
	case KindRedis:
		return NewRedis(ctx, opts.Redis)
	case KindKafka:
		return NewKafka(opts.Kafka)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, opts.Kind)
	}
}
