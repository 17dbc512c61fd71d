// Package broker adapts message brokers to the publish/consume contract used by
// the delivery core.
//
// Consume acknowledges a delivery only after the handler returns nil. A handler
// error leaves the delivery unacknowledged so the broker hands it out again,
// which gives at-least-once delivery. Handlers must therefore be idempotent.
//
// Three adapters are provided: Memory for tests and single-node deployments,
// Redis (Redis Streams consumer groups) and Kafka (consumer groups with manual
// offset commits).
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/hive/internal/records"
)

var (
	// ErrClosed is returned by operations on a closed adapter.
	ErrClosed = errors.New("broker: closed")
	// ErrDelivery marks transient failures that warrant redelivery.
	ErrDelivery = errors.New("broker: delivery failed")
	// ErrUnknownKind indicates an unsupported adapter kind in configuration.
	ErrUnknownKind = errors.New("broker: unknown kind")
)

// Message is the envelope carried by the broker. Payload holds the JSON body:
// a records.Record for commands and notifications, an updates.CommandUpdate for
// command updates.
type Message struct {
	ID                string        `cbor:"1,keyasint"`
	Topic             records.Topic `cbor:"2,keyasint"`
	DeviceID          string        `cbor:"3,keyasint,omitempty"`
	RecordID          int64         `cbor:"4,keyasint,omitempty"`
	Payload           []byte        `cbor:"5,keyasint,omitempty"`
	PublishedAtMicros int64         `cbor:"6,keyasint,omitempty"`
}

// PublishedAt returns the publish time as UTC.
func (m Message) PublishedAt() time.Time {
	return time.UnixMicro(m.PublishedAtMicros).UTC()
}

// Handler processes one delivery. Returning nil acknowledges it.
type Handler func(ctx context.Context, message Message) error

// Publisher sends messages to a topic.
type Publisher interface {
	Publish(ctx context.Context, message Message) error
}

// Consumer drives a handler over the deliveries of one topic until ctx is done.
type Consumer interface {
	Consume(ctx context.Context, topic records.Topic, handler Handler) error
}

// Broker is an adapter with an explicit lifecycle: constructed at startup,
// closed at shutdown.
type Broker interface {
	Publisher
	Consumer
	Close() error
}

// Destination maps a topic to its queue or stream name.
func Destination(topic records.Topic) string {
	switch topic {
	case records.TopicCommand:
		return "command_notification"
	case records.TopicNotification:
		return "device_notification"
	case records.TopicCommandUpdate:
		return "command_update_notification"
	default:
		return string(topic)
	}
}

// DeliveryError wraps a transient failure; it matches ErrDelivery.
type DeliveryError struct {
	Cause error
}

// NewDeliveryError wraps cause so that errors.Is(err, ErrDelivery) holds.
func NewDeliveryError(cause error) error {
	return &DeliveryError{Cause: cause}
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("broker: delivery failed: %v", e.Cause)
}

func (e *DeliveryError) Unwrap() error {
	return e.Cause
}

// Is lets errors.Is match ErrDelivery.
func (e *DeliveryError) Is(target error) bool {
	return target == ErrDelivery
}

func validateTopic(topic records.Topic) error {
	if _, err := records.ParseTopic(string(topic)); err != nil {
		return err
	}
	return nil
}

// sleepContext waits for d and reports false when ctx ends first.
func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// nextBackoff doubles the delay up to limit.
func nextBackoff(current, limit time.Duration) time.Duration {
	next := current * 2
	if next > limit {
		return limit
	}
	return next
}
