// Package registry tracks parked long-poll requests and releases each of them
// exactly once: on a matching event, on timeout, or on cancellation.
//
// Subscriptions are indexed by (topic, device id); filters spanning every
// device live under the all-devices key of their topic. The index is sharded by
// key hash and an operation touching several shards locks them in index order.
//
// Registration races with dispatch: a record may be persisted after the poller
// queried the store but before it registered. Each shard therefore keeps the
// events it matched within a short retention window, and Register answers from
// that buffer instead of parking when one of them already satisfies the filter.
// Filters pinned to one record are never answered from the buffer: a buffered
// update may have been superseded, so callers re-read the record after
// registering instead.
package registry

import (
	"errors"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/hive/internal/metrics"
	"github.com/MarcoPoloResearchLab/hive/internal/records"
	"go.uber.org/zap"
)

const (
	defaultShards          = 32
	defaultRecentRetention = 10 * time.Second
	defaultRecentCapacity  = 512
)

// ErrTooManyWaiters is returned when a subscription key already holds the
// configured number of waiters.
var ErrTooManyWaiters = errors.New("registry: too many waiters")

// ErrClosed is returned by Register once Close has been called.
var ErrClosed = errors.New("registry: closed")

// Reason describes how a subscription ended.
type Reason string

const (
	ReasonMatched   Reason = "matched"
	ReasonTimeout   Reason = "timeout"
	ReasonCancelled Reason = "cancelled"
)

// Outcome is delivered exactly once on a subscription's Done channel.
type Outcome struct {
	Reason Reason
	// Event is set when Reason is ReasonMatched.
	Event records.Event
}

// Config tunes the registry.
type Config struct {
	Shards           int
	MaxWaitersPerKey int
	RecentRetention  time.Duration
	RecentCapacity   int
	Clock            func() time.Time
	Logger           *zap.Logger
	Metrics          *metrics.Metrics
}

type subscriptionKey struct {
	topic    records.Topic
	deviceID string
}

type recentEvent struct {
	event records.Event
	at    time.Time
}

type shard struct {
	mu     sync.Mutex
	subs   map[subscriptionKey]map[uint64]*Subscription
	recent []*recentEvent
}

// Registry holds every live subscription.
type Registry struct {
	shards           []*shard
	maxWaitersPerKey int
	retention        time.Duration
	recentCapacity   int
	clock            func() time.Time
	logger           *zap.Logger
	metrics          *metrics.Metrics

	nextID atomic.Uint64
	live   atomic.Int64
	closed atomic.Bool
	index  sync.Map
}

// New constructs a registry.
func New(cfg Config) *Registry {
	shardCount := cfg.Shards
	if shardCount <= 0 {
		shardCount = defaultShards
	}
	retention := cfg.RecentRetention
	if retention <= 0 {
		retention = defaultRecentRetention
	}
	capacity := cfg.RecentCapacity
	if capacity <= 0 {
		capacity = defaultRecentCapacity
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	shards := make([]*shard, shardCount)
	for i := range shards {
		shards[i] = &shard{subs: make(map[subscriptionKey]map[uint64]*Subscription)}
	}
	return &Registry{
		shards:           shards,
		maxWaitersPerKey: cfg.MaxWaitersPerKey,
		retention:        retention,
		recentCapacity:   capacity,
		clock:            clock,
		logger:           logger,
		metrics:          cfg.Metrics,
	}
}

// Register parks a subscription for filter, interested in records newer than
// sinceMicros. When recently dispatched events already satisfy a filter that is
// not pinned to a record, they are returned, oldest first, and nothing is
// registered.
func (r *Registry) Register(filter records.Filter, sinceMicros int64) (*Subscription, []records.Event, error) {
	filter = filter.Normalized()
	if _, err := records.ParseTopic(string(filter.Topic)); err != nil {
		return nil, nil, err
	}

	keys := keysFor(filter)
	indexes := r.shardIndexes(keys)
	r.lock(indexes)
	defer r.unlock(indexes)

	if r.closed.Load() {
		return nil, nil, ErrClosed
	}
	if recent := r.recentMatches(indexes, filter, sinceMicros); len(recent) > 0 {
		return nil, recent, nil
	}

	if r.maxWaitersPerKey > 0 {
		for _, key := range keys {
			if len(r.shardFor(key).subs[key]) >= r.maxWaitersPerKey {
				r.logger.Warn("subscription rejected",
					zap.String("topic", key.topic.String()),
					zap.String("device_id", key.deviceID),
					zap.Int("limit", r.maxWaitersPerKey))
				return nil, nil, ErrTooManyWaiters
			}
		}
	}

	subscription := &Subscription{
		id:     r.nextID.Add(1),
		filter: filter,
		since:  sinceMicros,
		keys:   keys,
		shards: indexes,
		done:   make(chan Outcome, 1),
	}
	for _, key := range keys {
		owner := r.shardFor(key)
		bucket, ok := owner.subs[key]
		if !ok {
			bucket = make(map[uint64]*Subscription)
			owner.subs[key] = bucket
		}
		bucket[subscription.id] = subscription
	}
	r.index.Store(subscription.id, subscription)
	r.live.Add(1)
	r.metrics.WaiterAdded()
	return subscription, nil, nil
}

// MatchAndRelease resolves every subscription the event satisfies and returns
// how many were released.
func (r *Registry) MatchAndRelease(event records.Event) int {
	keys := []subscriptionKey{{topic: event.Topic, deviceID: event.DeviceID}}
	if event.DeviceID != "" {
		keys = append(keys, subscriptionKey{topic: event.Topic})
	}
	indexes := r.shardIndexes(keys)

	var winners []*Subscription
	r.lock(indexes)
	now := r.clock()
	entry := &recentEvent{event: event, at: now}
	for _, index := range indexes {
		r.shards[index].remember(entry, now, r.retention, r.recentCapacity)
	}
	for _, key := range keys {
		owner := r.shardFor(key)
		bucket := owner.subs[key]
		for id, subscription := range bucket {
			if subscription.resolved() {
				delete(bucket, id)
				continue
			}
			if !subscription.filter.Matches(event, subscription.since) {
				continue
			}
			if r.finish(subscription, Outcome{Reason: ReasonMatched, Event: event}) {
				winners = append(winners, subscription)
			}
			delete(bucket, id)
		}
		if len(bucket) == 0 {
			delete(owner.subs, key)
		}
	}
	r.unlock(indexes)

	for _, subscription := range winners {
		r.detach(subscription)
	}
	return len(winners)
}

// Release ends a subscription with reason. It reports false when the
// subscription was already resolved, for example because a match won.
func (r *Registry) Release(id uint64, reason Reason) bool {
	value, ok := r.index.Load(id)
	if !ok {
		return false
	}
	subscription := value.(*Subscription)
	if !r.finish(subscription, Outcome{Reason: reason}) {
		return false
	}
	r.detach(subscription)
	return true
}

// ReleaseAll ends every live subscription with reason and returns the count.
func (r *Registry) ReleaseAll(reason Reason) int {
	released := 0
	r.index.Range(func(key, _ any) bool {
		if r.Release(key.(uint64), reason) {
			released++
		}
		return true
	})
	return released
}

// Close stops accepting subscriptions and ends every live one with reason.
// It returns how many were released.
func (r *Registry) Close(reason Reason) int {
	all := make([]int, len(r.shards))
	for i := range all {
		all[i] = i
	}
	// Registrations hold their shard locks until indexed, so none slips past.
	r.lock(all)
	r.closed.Store(true)
	r.unlock(all)
	return r.ReleaseAll(reason)
}

// Len reports the number of unresolved subscriptions.
func (r *Registry) Len() int {
	return int(r.live.Load())
}

// finish performs the single terminal transition of a subscription.
func (r *Registry) finish(subscription *Subscription, outcome Outcome) bool {
	if !subscription.state.CompareAndSwap(statePending, stateResolved) {
		return false
	}
	subscription.done <- outcome
	r.live.Add(-1)
	r.metrics.WaiterReleased(string(outcome.Reason))
	return true
}

// detach removes a resolved subscription from every shard that still holds it.
func (r *Registry) detach(subscription *Subscription) {
	r.lock(subscription.shards)
	for _, key := range subscription.keys {
		owner := r.shardFor(key)
		bucket, ok := owner.subs[key]
		if !ok {
			continue
		}
		delete(bucket, subscription.id)
		if len(bucket) == 0 {
			delete(owner.subs, key)
		}
	}
	r.unlock(subscription.shards)
	r.index.Delete(subscription.id)
}

// recentMatches collects buffered events satisfying filter. Callers hold the shard locks.
func (r *Registry) recentMatches(indexes []int, filter records.Filter, sinceMicros int64) []records.Event {
	if filter.RecordID != 0 {
		return nil
	}
	cutoff := r.clock().Add(-r.retention)
	seen := make(map[*recentEvent]struct{})
	var matched []records.Event
	for _, index := range indexes {
		for _, entry := range r.shards[index].recent {
			if entry.at.Before(cutoff) {
				continue
			}
			if _, ok := seen[entry]; ok {
				continue
			}
			seen[entry] = struct{}{}
			if filter.Matches(entry.event, sinceMicros) {
				matched = append(matched, entry.event)
			}
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		left, right := matched[i].Record, matched[j].Record
		if left.TimestampMicros != right.TimestampMicros {
			return left.TimestampMicros < right.TimestampMicros
		}
		return left.ID < right.ID
	})
	return matched
}

func (s *shard) remember(entry *recentEvent, now time.Time, retention time.Duration, capacity int) {
	cutoff := now.Add(-retention)
	drop := 0
	for drop < len(s.recent) && s.recent[drop].at.Before(cutoff) {
		drop++
	}
	if overflow := len(s.recent) - drop + 1 - capacity; overflow > 0 {
		drop += overflow
	}
	if drop > 0 {
		remaining := copy(s.recent, s.recent[drop:])
		clear(s.recent[remaining:])
		s.recent = s.recent[:remaining]
	}
	s.recent = append(s.recent, entry)
}

func keysFor(filter records.Filter) []subscriptionKey {
	if filter.AllDevices() {
		return []subscriptionKey{{topic: filter.Topic}}
	}
	keys := make([]subscriptionKey, 0, len(filter.DeviceIDs))
	for _, deviceID := range filter.DeviceIDs {
		keys = append(keys, subscriptionKey{topic: filter.Topic, deviceID: deviceID})
	}
	return keys
}

func (r *Registry) shardIndex(key subscriptionKey) int {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(key.topic))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(key.deviceID))
	return int(hasher.Sum32() % uint32(len(r.shards)))
}

func (r *Registry) shardFor(key subscriptionKey) *shard {
	return r.shards[r.shardIndex(key)]
}

// shardIndexes returns the distinct shard indexes of keys in ascending order.
func (r *Registry) shardIndexes(keys []subscriptionKey) []int {
	seen := make(map[int]struct{}, len(keys))
	indexes := make([]int, 0, len(keys))
	for _, key := range keys {
		index := r.shardIndex(key)
		if _, ok := seen[index]; ok {
			continue
		}
		seen[index] = struct{}{}
		indexes = append(indexes, index)
	}
	sort.Ints(indexes)
	return indexes
}

func (r *Registry) lock(indexes []int) {
	for _, index := range indexes {
		r.shards[index].mu.Lock()
	}
}

func (r *Registry) unlock(indexes []int) {
	for i := len(indexes) - 1; i >= 0; i-- {
		r.shards[indexes[i]].mu.Unlock()
	}
}
