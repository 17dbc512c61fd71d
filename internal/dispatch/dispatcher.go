// Package dispatch turns inbound broker messages into persisted records and
// wakes the long-poll waiters they satisfy.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/hive/internal/broker"
	"github.com/MarcoPoloResearchLab/hive/internal/logging"
	"github.com/MarcoPoloResearchLab/hive/internal/metrics"
	"github.com/MarcoPoloResearchLab/hive/internal/records"
	"github.com/MarcoPoloResearchLab/hive/internal/updates"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	errMissingStore    = errors.New("dispatch: store dependency required")
	errMissingMatcher  = errors.New("dispatch: matcher dependency required")
	errMissingConsumer = errors.New("dispatch: consumer dependency required")
)

// Store is the persistence the dispatcher writes through.
type Store interface {
	Insert(ctx context.Context, record records.Record) (records.Record, bool, error)
	GetByID(ctx context.Context, topic records.Topic, id int64) (records.Record, error)
	Update(ctx context.Context, record records.Record, applied []string, payloadJSON string) error
}

// Matcher releases waiters satisfied by an event.
type Matcher interface {
	MatchAndRelease(event records.Event) int
}

// Config describes the dependencies of the Dispatcher. Receipts is optional
// and receives the result of every acknowledged message.
type Config struct {
	Store         Store
	Matcher       Matcher
	Consumer      broker.Consumer
	Receipts      *Receipts
	Logger        *zap.Logger
	Metrics       *metrics.Metrics
	SlowThreshold time.Duration
}

// Dispatcher handles every inbound message: persist, then match.
type Dispatcher struct {
	store         Store
	matcher       Matcher
	consumer      broker.Consumer
	receipts      *Receipts
	logger        *zap.Logger
	metrics       *metrics.Metrics
	slowThreshold time.Duration
}

// New constructs a Dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Matcher == nil {
		return nil, errMissingMatcher
	}
	if cfg.Consumer == nil {
		return nil, errMissingConsumer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	threshold := cfg.SlowThreshold
	if threshold <= 0 {
		threshold = logging.DefaultSlowThreshold
	}
	return &Dispatcher{
		store:         cfg.Store,
		matcher:       cfg.Matcher,
		consumer:      cfg.Consumer,
		receipts:      cfg.Receipts,
		logger:        logger,
		metrics:       cfg.Metrics,
		slowThreshold: threshold,
	}, nil
}

// Run consumes every topic concurrently until ctx ends or a consumer fails.
func (d *Dispatcher) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	for _, topic := range records.Topics() {
		group.Go(func() error {
			d.logger.Info("dispatcher consuming", zap.String("topic", topic.String()), zap.String("destination", broker.Destination(topic)))
			if err := d.consumer.Consume(groupCtx, topic, d.HandleMessage); err != nil {
				return fmt.Errorf("consume %s: %w", topic, err)
			}
			return nil
		})
	}
	return group.Wait()
}

// HandleMessage is the broker handler. It returns an error only for failures
// that a redelivery can fix; malformed input and unknown commands are logged
// and acknowledged.
func (d *Dispatcher) HandleMessage(ctx context.Context, message broker.Message) error {
	timer := logging.StartTimer(d.logger, "dispatch."+message.Topic.String(), d.slowThreshold)
	receipt, err := d.handle(ctx, message)
	timer.Stop(
		zap.String("message_id", message.ID),
		zap.String("device_id", message.DeviceID),
		zap.String("outcome", receipt.Outcome))
	d.metrics.Dispatched(message.Topic.String(), receipt.Outcome)
	if err != nil {
		return err
	}
	receipt.MessageID = message.ID
	d.receipts.deliver(receipt)
	return nil
}

func (d *Dispatcher) handle(ctx context.Context, message broker.Message) (Receipt, error) {
	switch message.Topic {
	case records.TopicCommand, records.TopicNotification:
		return d.handleRecord(ctx, message)
	case records.TopicCommandUpdate:
		return d.handleUpdate(ctx, message)
	default:
		d.logger.Warn("dropping message on unknown topic",
			zap.String("topic", message.Topic.String()),
			zap.String("message_id", message.ID))
		return Receipt{Outcome: metrics.OutcomeRejected, Err: records.ErrUnknownTopic}, nil
	}
}

func (d *Dispatcher) handleRecord(ctx context.Context, message broker.Message) (Receipt, error) {
	var record records.Record
	if err := json.Unmarshal(message.Payload, &record); err != nil {
		d.logger.Warn("dropping undecodable record",
			zap.String("topic", message.Topic.String()),
			zap.String("message_id", message.ID),
			zap.Error(err))
		return rejected(&records.ValidationError{Field: "payload", Reason: err.Error()}), nil
	}
	record.Topic = message.Topic
	if record.MessageID == "" {
		record.MessageID = message.ID
	}
	if record.DeviceID == "" {
		record.DeviceID = message.DeviceID
	}
	if err := record.Validate(); err != nil {
		d.logger.Warn("dropping invalid record",
			zap.String("message_id", message.ID),
			zap.Error(err))
		return rejected(err), nil
	}

	stored, created, err := d.store.Insert(ctx, record)
	if err != nil {
		if errors.Is(err, records.ErrValidation) {
			d.logger.Warn("store rejected record", zap.String("message_id", message.ID), zap.Error(err))
			return rejected(err), nil
		}
		return Receipt{Outcome: metrics.OutcomeFailed}, broker.NewDeliveryError(err)
	}

	// Duplicates are matched again: the first delivery may have failed after persisting.
	released := d.matcher.MatchAndRelease(records.NewEvent(message.Topic, stored))
	d.logger.Debug("record dispatched",
		zap.String("topic", message.Topic.String()),
		zap.Int64("record_id", stored.ID),
		zap.Bool("created", created),
		zap.Int("released", released))
	if !created {
		return Receipt{Outcome: metrics.OutcomeDuplicate, Record: stored}, nil
	}
	return Receipt{Outcome: metrics.OutcomeStored, Record: stored}, nil
}

func (d *Dispatcher) handleUpdate(ctx context.Context, message broker.Message) (Receipt, error) {
	update, err := updates.Decode(message.Payload)
	if err != nil {
		d.logger.Warn("dropping undecodable command update",
			zap.String("message_id", message.ID),
			zap.Error(err))
		return rejected(err), nil
	}

	applied, err := d.ApplyUpdate(ctx, message.DeviceID, message.RecordID, update)
	switch {
	case errors.Is(err, records.ErrNotFound):
		d.logger.Warn("command update for unknown command",
			zap.String("message_id", message.ID),
			zap.String("device_id", message.DeviceID),
			zap.Int64("record_id", message.RecordID))
		return Receipt{Outcome: metrics.OutcomeNotFound, Err: err}, nil
	case errors.Is(err, records.ErrValidation):
		d.logger.Warn("dropping invalid command update",
			zap.String("message_id", message.ID),
			zap.Int64("record_id", message.RecordID),
			zap.Error(err))
		return rejected(err), nil
	case err != nil:
		return Receipt{Outcome: metrics.OutcomeFailed}, broker.NewDeliveryError(err)
	case len(applied) == 0:
		return Receipt{Outcome: metrics.OutcomeUnchanged, AppliedFields: []string{}}, nil
	default:
		return Receipt{Outcome: metrics.OutcomeApplied, AppliedFields: applied}, nil
	}
}

func rejected(err error) Receipt {
	return Receipt{Outcome: metrics.OutcomeRejected, Err: err}
}

// ApplyUpdate merges update into the stored command, persists the result and
// releases waiters on the command-update topic. It returns the fields that
// changed; an update changing nothing is not persisted and emits no event.
// A non-empty deviceID must own the command.
func (d *Dispatcher) ApplyUpdate(ctx context.Context, deviceID string, id int64, update updates.CommandUpdate) ([]string, error) {
	if id == 0 {
		if value, ok := update.ID.Get(); ok {
			id = value
		}
	}
	if id == 0 {
		return nil, &records.ValidationError{Field: updates.FieldID, Reason: "missing command id"}
	}
	if err := update.Validate(); err != nil {
		return nil, err
	}

	stored, err := d.store.GetByID(ctx, records.TopicCommand, id)
	if err != nil {
		return nil, err
	}
	if deviceID != "" && stored.DeviceID != deviceID {
		return nil, fmt.Errorf("command %d on device %s: %w", id, deviceID, records.ErrNotFound)
	}

	merged, applied, err := updates.Merge(stored, update)
	if err != nil {
		return nil, err
	}
	if len(applied) == 0 {
		return nil, nil
	}

	payload, err := update.Encode()
	if err != nil {
		return nil, err
	}
	if err := d.store.Update(ctx, merged, applied, string(payload)); err != nil {
		return nil, err
	}

	released := d.matcher.MatchAndRelease(records.NewEvent(records.TopicCommandUpdate, merged))
	d.logger.Debug("command update applied",
		zap.Int64("record_id", merged.ID),
		zap.Strings("applied_fields", applied),
		zap.Int("released", released))
	return applied, nil
}
