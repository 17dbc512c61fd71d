package registry

import (
	"sync/atomic"

	"github.com/MarcoPoloResearchLab/hive/internal/records"
)

const (
	statePending int32 = iota
	stateResolved
)

// Subscription is a parked long-poll request. It is owned by the Registry;
// callers only read its Done channel and release it by id.
type Subscription struct {
	id     uint64
	filter records.Filter
	since  int64
	keys   []subscriptionKey
	shards []int

	state atomic.Int32
	done  chan Outcome
}

// ID identifies the subscription for Release.
func (s *Subscription) ID() uint64 {
	return s.id
}

// Done yields the single outcome of the subscription.
func (s *Subscription) Done() <-chan Outcome {
	return s.done
}

func (s *Subscription) resolved() bool {
	return s.state.Load() == stateResolved
}
