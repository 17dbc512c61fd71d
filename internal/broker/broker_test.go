package broker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/hive/internal/records"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecRoundTripsEnvelope(t *testing.T) {
	original := Message{
		ID:                "0192c0de-0000-7000-8000-000000000001",
		Topic:             records.TopicCommandUpdate,
		DeviceID:          "D1",
		RecordID:          42,
		Payload:           []byte(`{"status":"Completed"}`),
		PublishedAtMicros: 1700000000000000,
	}

	data, err := Encode(original)
	require.NoError(t, err)

	again, err := Encode(original)
	require.NoError(t, err)
	assert.Equal(t, data, again, "encoding must be deterministic")

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, original, decoded)
	assert.Equal(t, time.UnixMicro(original.PublishedAtMicros).UTC(), decoded.PublishedAt())
}

func TestCodecRejectsInvalidEnvelopes(t *testing.T) {
	_, err := Encode(Message{ID: "m1", Topic: records.Topic("bogus")})
	assert.ErrorIs(t, err, records.ErrUnknownTopic)

	_, err = Encode(Message{Topic: records.TopicCommand})
	assert.Error(t, err)

	_, err = Decode([]byte{0xff, 0x00})
	assert.Error(t, err)
}

func TestDestinationKeepsQueueNames(t *testing.T) {
	assert.Equal(t, "command_notification", Destination(records.TopicCommand))
	assert.Equal(t, "device_notification", Destination(records.TopicNotification))
	assert.Equal(t, "command_update_notification", Destination(records.TopicCommandUpdate))
}

func TestDeliveryErrorMatchesSentinel(t *testing.T) {
	cause := errors.New("disk full")
	err := NewDeliveryError(cause)
	assert.ErrorIs(t, err, ErrDelivery)
	assert.ErrorIs(t, err, cause)
}

func TestMemoryDeliversInPublishOrder(t *testing.T) {
	memory := NewMemory(MemoryOptions{})
	t.Cleanup(func() { _ = memory.Close() })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, memory.Publish(ctx, Message{ID: id, Topic: records.TopicNotification, DeviceID: "D1"}))
	}

	var mu sync.Mutex
	var seen []string
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = memory.Consume(ctx, records.TopicNotification, func(_ context.Context, message Message) error {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, message.ID)
			if len(seen) == 3 {
				cancel()
			}
			return nil
		})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not finish")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "c"}, seen)
	assert.Zero(t, memory.Pending(records.TopicNotification))
}

func TestMemoryRedeliversAfterHandlerError(t *testing.T) {
	memory := NewMemory(MemoryOptions{RetryDelay: time.Millisecond})
	t.Cleanup(func() { _ = memory.Close() })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, memory.Publish(ctx, Message{ID: "m1", Topic: records.TopicCommand, DeviceID: "D1"}))

	var attempts atomic.Int32
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = memory.Consume(ctx, records.TopicCommand, func(_ context.Context, message Message) error {
			if attempts.Add(1) < 3 {
				return NewDeliveryError(errors.New("store unavailable"))
			}
			cancel()
			return nil
		})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("message was not redelivered")
	}
	assert.Equal(t, int32(3), attempts.Load())
}

func TestMemoryRejectsPublishAfterClose(t *testing.T) {
	memory := NewMemory(MemoryOptions{})
	require.NoError(t, memory.Close())
	require.NoError(t, memory.Close())

	err := memory.Publish(context.Background(), Message{ID: "m1", Topic: records.TopicCommand})
	assert.ErrorIs(t, err, ErrClosed)

	err = memory.Consume(context.Background(), records.TopicCommand, func(context.Context, Message) error { return nil })
	assert.ErrorIs(t, err, ErrClosed)
}

func TestNewRejectsUnknownKind(t *testing.T) {
	_, err := New(context.Background(), Options{Kind: "carrier-pigeon"})
	assert.ErrorIs(t, err, ErrUnknownKind)

	adapter, err := New(context.Background(), Options{})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, adapter)
	require.NoError(t, adapter.Close())
}

func TestKafkaRequiresBrokers(t *testing.T) {
	_, err := NewKafka(KafkaOptions{GroupID: "hive"})
	assert.Error(t, err)

	adapter, err := NewKafka(KafkaOptions{Brokers: []string{"localhost:9092"}, GroupID: "hive"})
	require.NoError(t, err)
	assert.Equal(t, "hive-device_notification", (&Kafka{opts: KafkaOptions{TopicPrefix: "hive-"}}).topicName(records.TopicNotification))
	require.NoError(t, adapter.Close())
}
