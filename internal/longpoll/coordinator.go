// Package longpoll answers poll requests from the store when possible and parks
// them in the registry otherwise, resolving each request exactly once.
package longpoll

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/hive/internal/metrics"
	"github.com/MarcoPoloResearchLab/hive/internal/records"
	"github.com/MarcoPoloResearchLab/hive/internal/registry"
	"go.uber.org/zap"
)

const (
	// DefaultMaxWaitTimeout caps how long a single request may stay parked.
	DefaultMaxWaitTimeout = 60 * time.Second
	defaultResultLimit    = 1000
)

var (
	errMissingStore    = errors.New("longpoll: store dependency required")
	errMissingRegistry = errors.New("longpoll: registry dependency required")
)

// Poll outcomes reported to metrics.
const (
	outcomeImmediate = "immediate"
	outcomeSatisfied = "satisfied"
	outcomeMatched   = "matched"
	outcomeTimeout   = "timeout"
	outcomeCancelled = "cancelled"
)

// Store is the read side of persistence.
type Store interface {
	GetSince(ctx context.Context, filter records.Filter, sinceMicros int64, limit int) ([]records.Record, error)
	GetByID(ctx context.Context, topic records.Topic, id int64) (records.Record, error)
}

// Registry parks and releases subscriptions.
type Registry interface {
	Register(filter records.Filter, sinceMicros int64) (*registry.Subscription, []records.Event, error)
	Release(id uint64, reason registry.Reason) bool
}

// Config describes the dependencies of the Coordinator.
type Config struct {
	Store          Store
	Registry       Registry
	Clock          func() time.Time
	MaxWaitTimeout time.Duration
	ResultLimit    int
	Logger         *zap.Logger
	Metrics        *metrics.Metrics
}

// PollRequest asks for records matching Filter that are newer than Since.
type PollRequest struct {
	Filter records.Filter
	// Since defaults to the current time, so only future records qualify.
	Since       *time.Time
	WaitTimeout time.Duration
}

// Coordinator runs long-poll requests.
type Coordinator struct {
	store    Store
	registry Registry
	clock    func() time.Time
	maxWait  time.Duration
	limit    int
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// New constructs a Coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Registry == nil {
		return nil, errMissingRegistry
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	maxWait := cfg.MaxWaitTimeout
	if maxWait <= 0 {
		maxWait = DefaultMaxWaitTimeout
	}
	limit := cfg.ResultLimit
	if limit <= 0 {
		limit = defaultResultLimit
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		store:    cfg.Store,
		registry: cfg.Registry,
		clock:    clock,
		maxWait:  maxWait,
		limit:    limit,
		logger:   logger,
		metrics:  cfg.Metrics,
	}, nil
}

// MaxWaitTimeout reports the cap applied to requested wait timeouts.
func (c *Coordinator) MaxWaitTimeout() time.Duration {
	return c.maxWait
}

// Poll returns the records matching the request, waiting up to WaitTimeout
// for the first one when none exist yet. A timeout yields an empty slice and a
// nil error; cancellation of ctx yields ctx.Err().
func (c *Coordinator) Poll(ctx context.Context, request PollRequest) ([]records.Record, error) {
	started := time.Now()
	filter := request.Filter.Normalized()
	since := c.clock()
	if request.Since != nil {
		since = *request.Since
	}
	sinceMicros := since.UTC().UnixMicro()
	wait := c.clampWait(request.WaitTimeout)

	found, err := c.store.GetSince(ctx, filter, sinceMicros, c.limit)
	if err != nil {
		return nil, err
	}
	if len(found) > 0 || wait == 0 {
		c.observe(outcomeImmediate, started)
		return nonNil(found), nil
	}

	subscription, recent, err := c.registry.Register(filter, sinceMicros)
	if err != nil {
		return nil, err
	}
	if len(recent) > 0 {
		c.observe(outcomeSatisfied, started)
		return c.requery(ctx, filter, sinceMicros, eventRecords(recent))
	}

	outcome, err := c.await(ctx, subscription, wait)
	if err != nil {
		c.observe(outcomeCancelled, started)
		return nil, err
	}
	if outcome.Reason != registry.ReasonMatched {
		c.observe(outcomeTimeout, started)
		return []records.Record{}, nil
	}
	c.observe(outcomeMatched, started)
	return c.requery(ctx, filter, sinceMicros, []records.Record{outcome.Event.Record})
}

// WaitForTerminal returns the command once a device has reported a status for
// it. The boolean is false when the wait ended without a status.
func (c *Coordinator) WaitForTerminal(ctx context.Context, deviceID string, commandID int64, wait time.Duration) (records.Record, bool, error) {
	started := time.Now()
	command, err := c.loadCommand(ctx, deviceID, commandID)
	if err != nil {
		return records.Record{}, false, err
	}
	if command.Status != "" {
		c.observe(outcomeImmediate, started)
		return command, true, nil
	}
	wait = c.clampWait(wait)
	if wait == 0 {
		c.observe(outcomeImmediate, started)
		return command, false, nil
	}

	filter := records.Filter{
		Topic:         records.TopicCommandUpdate,
		DeviceIDs:     []string{deviceID},
		RecordID:      commandID,
		RequireStatus: true,
	}
	subscription, _, err := c.registry.Register(filter, command.TimestampMicros)
	if err != nil {
		return records.Record{}, false, err
	}
	// A status stored between the first load and registration matched nobody.
	reloaded, err := c.loadCommand(ctx, deviceID, commandID)
	if err != nil {
		c.registry.Release(subscription.ID(), registry.ReasonCancelled)
		<-subscription.Done()
		return records.Record{}, false, err
	}
	if reloaded.Status != "" {
		c.registry.Release(subscription.ID(), registry.ReasonCancelled)
		<-subscription.Done()
		c.observe(outcomeSatisfied, started)
		return reloaded, true, nil
	}

	outcome, err := c.await(ctx, subscription, wait)
	if err != nil {
		c.observe(outcomeCancelled, started)
		return records.Record{}, false, err
	}
	if outcome.Reason != registry.ReasonMatched {
		c.observe(outcomeTimeout, started)
		return command, false, nil
	}
	c.observe(outcomeMatched, started)
	return outcome.Event.Record, true, nil
}

// await parks until the subscription resolves, the wait elapses or ctx ends.
// The subscription is always resolved when await returns.
func (c *Coordinator) await(ctx context.Context, subscription *registry.Subscription, wait time.Duration) (registry.Outcome, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case outcome := <-subscription.Done():
		return outcome, nil
	case <-timer.C:
		c.registry.Release(subscription.ID(), registry.ReasonTimeout)
		// A match may have won the race; either way exactly one outcome arrives.
		return <-subscription.Done(), nil
	case <-ctx.Done():
		if !c.registry.Release(subscription.ID(), registry.ReasonCancelled) {
			c.logger.Debug("poll cancelled after match", zap.Uint64("subscription_id", subscription.ID()))
		}
		<-subscription.Done()
		return registry.Outcome{}, ctx.Err()
	}
}

// requery reads every record after since in store order, falling back to the
// records that woke the request if the store has nothing newer.
func (c *Coordinator) requery(ctx context.Context, filter records.Filter, sinceMicros int64, fallback []records.Record) ([]records.Record, error) {
	found, err := c.store.GetSince(ctx, filter, sinceMicros, c.limit)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return fallback, nil
	}
	return found, nil
}

func (c *Coordinator) loadCommand(ctx context.Context, deviceID string, commandID int64) (records.Record, error) {
	command, err := c.store.GetByID(ctx, records.TopicCommand, commandID)
	if err != nil {
		return records.Record{}, err
	}
	if command.DeviceID != deviceID {
		return records.Record{}, fmt.Errorf("command %d on device %s: %w", commandID, deviceID, records.ErrNotFound)
	}
	return command, nil
}

func (c *Coordinator) clampWait(wait time.Duration) time.Duration {
	if wait <= 0 {
		return 0
	}
	if wait > c.maxWait {
		return c.maxWait
	}
	return wait
}

func (c *Coordinator) observe(outcome string, started time.Time) {
	c.metrics.PollObserved(outcome, time.Since(started).Seconds())
}

func eventRecords(events []records.Event) []records.Record {
	found := make([]records.Record, 0, len(events))
	for _, event := range events {
		found = append(found, event.Record)
	}
	return found
}

func nonNil(found []records.Record) []records.Record {
	if found == nil {
		return []records.Record{}
	}
	return found
}
