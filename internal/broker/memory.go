package broker

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/hive/internal/records"
	"go.uber.org/zap"
)

const (
	defaultMemoryBuffer     = 1024
	defaultMemoryRetryDelay = 50 * time.Millisecond
	maxMemoryRetryDelay     = 2 * time.Second
)

// MemoryOptions configures the in-process adapter.
type MemoryOptions struct {
	Buffer     int
	RetryDelay time.Duration
	Logger     *zap.Logger
}

// Memory is an in-process broker. Envelopes travel encoded so that consumers
// never share state with publishers. A failed handler is retried in place with
// backoff, which keeps per-topic order.
type Memory struct {
	buffer     int
	retryDelay time.Duration
	logger     *zap.Logger

	mu      sync.Mutex
	queues  map[records.Topic]chan []byte
	closed  bool
	closeCh chan struct{}
}

// NewMemory constructs an in-process broker.
func NewMemory(opts MemoryOptions) *Memory {
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = defaultMemoryBuffer
	}
	retryDelay := opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultMemoryRetryDelay
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Memory{
		buffer:     buffer,
		retryDelay: retryDelay,
		logger:     logger,
		queues:     make(map[records.Topic]chan []byte),
		closeCh:    make(chan struct{}),
	}
}

func (m *Memory) queue(topic records.Topic) (chan []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	queue, ok := m.queues[topic]
	if !ok {
		queue = make(chan []byte, m.buffer)
		m.queues[topic] = queue
	}
	return queue, nil
}

// Publish enqueues a message, blocking while the topic buffer is full.
func (m *Memory) Publish(ctx context.Context, message Message) error {
	data, err := Encode(message)
	if err != nil {
		return err
	}
	queue, err := m.queue(message.Topic)
	if err != nil {
		return err
	}
	select {
	case queue <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.closeCh:
		return ErrClosed
	}
}

// Consume delivers messages of topic to handler until ctx ends or the broker closes.
func (m *Memory) Consume(ctx context.Context, topic records.Topic, handler Handler) error {
	if err := validateTopic(topic); err != nil {
		return err
	}
	queue, err := m.queue(topic)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.closeCh:
			return nil
		case data := <-queue:
			m.deliver(ctx, topic, data, handler)
		}
	}
}

func (m *Memory) deliver(ctx context.Context, topic records.Topic, data []byte, handler Handler) {
	message, err := Decode(data)
	if err != nil {
		m.logger.Error("dropping undecodable message",
			zap.String("topic", topic.String()),
			zap.Error(err))
		return
	}

	delay := m.retryDelay
	for attempt := 1; ; attempt++ {
		err := handler(ctx, message)
		if err == nil {
			return
		}
		m.logger.Warn("message handler failed; redelivering",
			zap.String("topic", topic.String()),
			zap.String("message_id", message.ID),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if !sleepContext(ctx, delay) {
			m.requeue(topic, data)
			return
		}
		delay = nextBackoff(delay, maxMemoryRetryDelay)
	}
}

// requeue puts an unacknowledged message back when the consumer stops mid-retry.
func (m *Memory) requeue(topic records.Topic, data []byte) {
	queue, err := m.queue(topic)
	if err != nil {
		return
	}
	select {
	case queue <- data:
	default:
		m.logger.Error("memory broker full; unacknowledged message lost", zap.String("topic", topic.String()))
	}
}

// Pending reports how many messages wait on topic.
func (m *Memory) Pending(topic records.Topic) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[topic])
}

// Close stops consumers and rejects further publishes.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.closeCh)
	return nil
}
