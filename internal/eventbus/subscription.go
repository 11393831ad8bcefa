package eventbus

import (
	"sync"
	"sync/atomic"

	"github.com/agentmesh/agentmesh/internal/wire"
)

// Subscription is a single subscriber's bound queue on the bus. Pattern may
// be an exact topic or a wildcard pattern (see wildcard.go). Callers consume
// deliveries from Queue(); Unsubscribe stops further delivery and closes the
// queue.
type Subscription struct {
	id       string
	agentID  string
	pattern  string
	typeSet  map[string]struct{}
	qos      QoS
	queue    chan *wire.Event
	closed   atomic.Bool
	closeMu  sync.RWMutex
}

// ID returns the subscription identifier handed back by Bus.Subscribe.
func (s *Subscription) ID() string { return s.id }

// AgentID returns the subscribing agent's identifier.
func (s *Subscription) AgentID() string { return s.agentID }

// Pattern returns the topic or wildcard pattern this subscription was
// created with.
func (s *Subscription) Pattern() string { return s.pattern }

// QoS returns the delivery policy bound to this subscription.
func (s *Subscription) QoS() QoS { return s.qos }

// Queue returns the channel subscribers receive events from.
func (s *Subscription) Queue() <-chan *wire.Event { return s.queue }

// matchesType reports whether an event of the given type should be
// delivered, honoring an optional type filter. An empty filter matches
// every type.
func (s *Subscription) matchesType(eventType string) bool {
	if len(s.typeSet) == 0 {
		return true
	}
	_, ok := s.typeSet[eventType]
	return ok
}

func (s *Subscription) isClosed() bool { return s.closed.Load() }

// close closes the queue under closeMu's write lock, so no enqueue (which
// holds the read lock across its closed check and send) can be in flight
// when the channel closes.
func (s *Subscription) close() {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed.CompareAndSwap(false, true) {
		close(s.queue)
	}
}

func newTypeSet(types []string) map[string]struct{} {
	if len(types) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return set
}
