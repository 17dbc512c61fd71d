package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/hive/internal/records"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	defaultKafkaRetryDelay = 200 * time.Millisecond
	maxKafkaRetryDelay     = 10 * time.Second
	kafkaMaxBytes          = 10e6
)

// KafkaOptions configures the Kafka adapter.
type KafkaOptions struct {
	Brokers     []string
	GroupID     string
	TopicPrefix string
	RetryDelay  time.Duration
	Logger      *zap.Logger
}

// kafkaReader is the part of *kafka.Reader the consume loop depends on.
type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Kafka writes messages keyed by device id and consumes through a consumer
// group. Offsets are committed only after the handler succeeds; a failing
// message is retried with backoff and never committed past.
type Kafka struct {
	writer *kafka.Writer
	opts   KafkaOptions
	logger *zap.Logger

	mu      sync.Mutex
	readers []*kafka.Reader
	closed  bool
}

// NewKafka constructs the adapter. Connections are established lazily.
func NewKafka(opts KafkaOptions) (*Kafka, error) {
	if len(opts.Brokers) == 0 {
		return nil, errors.New("broker: kafka brokers are required")
	}
	if opts.GroupID == "" {
		return nil, errors.New("broker: kafka consumer group is required")
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultKafkaRetryDelay
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(opts.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return &Kafka{writer: writer, opts: opts, logger: logger}, nil
}

func (k *Kafka) topicName(topic records.Topic) string {
	return k.opts.TopicPrefix + Destination(topic)
}

// Publish writes the encoded envelope, keyed by device id so a device's
// messages stay in one partition.
func (k *Kafka) Publish(ctx context.Context, message Message) error {
	data, err := Encode(message)
	if err != nil {
		return err
	}
	k.mu.Lock()
	closed := k.closed
	k.mu.Unlock()
	if closed {
		return ErrClosed
	}
	err = k.writer.WriteMessages(ctx, kafka.Message{
		Topic: k.topicName(message.Topic),
		Key:   []byte(message.DeviceID),
		Value: data,
	})
	if err != nil {
		return NewDeliveryError(fmt.Errorf("kafka write %s: %w", k.topicName(message.Topic), err))
	}
	return nil
}

// Consume reads the topic through the consumer group until ctx ends.
func (k *Kafka) Consume(ctx context.Context, topic records.Topic, handler Handler) error {
	if err := validateTopic(topic); err != nil {
		return err
	}
	reader, err := k.newReader(topic)
	if err != nil {
		return err
	}
	defer func() {
		_ = reader.Close()
	}()
	return k.consume(ctx, k.topicName(topic), reader, handler)
}

// consume commits each fetched offset only once handler has succeeded for it.
func (k *Kafka) consume(ctx context.Context, name string, reader kafkaReader, handler Handler) error {
	backoff := k.opts.RetryDelay
	for {
		fetched, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			k.logger.Warn("kafka fetch failed", zap.String("topic", name), zap.Error(err))
			if !sleepContext(ctx, backoff) {
				return nil
			}
			backoff = nextBackoff(backoff, maxKafkaRetryDelay)
			continue
		}
		backoff = k.opts.RetryDelay

		if !k.process(ctx, name, fetched, handler) {
			return nil
		}
		if err := reader.CommitMessages(ctx, fetched); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			k.logger.Warn("kafka commit failed",
				zap.String("topic", name),
				zap.Int64("offset", fetched.Offset),
				zap.Error(err))
		}
	}
}

// process runs handler until it succeeds. It reports false when ctx ended
// before that, leaving the offset uncommitted.
func (k *Kafka) process(ctx context.Context, name string, fetched kafka.Message, handler Handler) bool {
	message, err := Decode(fetched.Value)
	if err != nil {
		k.logger.Error("committing undecodable kafka message",
			zap.String("topic", name),
			zap.Int64("offset", fetched.Offset),
			zap.Error(err))
		return true
	}

	delay := k.opts.RetryDelay
	for attempt := 1; ; attempt++ {
		err := handler(ctx, message)
		if err == nil {
			return true
		}
		k.logger.Warn("message handler failed; retrying",
			zap.String("topic", name),
			zap.String("message_id", message.ID),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if !sleepContext(ctx, delay) {
			return false
		}
		delay = nextBackoff(delay, maxKafkaRetryDelay)
	}
}

func (k *Kafka) newReader(topic records.Topic) (*kafka.Reader, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return nil, ErrClosed
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  k.opts.Brokers,
		GroupID:  k.opts.GroupID,
		Topic:    k.topicName(topic),
		MinBytes: 1,
		MaxBytes: kafkaMaxBytes,
	})
	k.readers = append(k.readers, reader)
	return reader, nil
}

// Close flushes the writer and stops every reader.
func (k *Kafka) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	readers := k.readers
	k.readers = nil
	k.mu.Unlock()

	var errs []error
	if err := k.writer.Close(); err != nil {
		errs = append(errs, err)
	}
	for _, reader := range readers {
		if err := reader.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
