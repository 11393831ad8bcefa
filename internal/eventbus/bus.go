// Package eventbus implements the runtime's topic-based publish/subscribe
// core: subscription management, QoS-aware bounded delivery, wildcard topic
// matching, and per-topic delivery statistics.
package eventbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/agentmesh/internal/wire"
)

// Recorder receives delivery telemetry as the bus processes publishes. An
// observability layer implements this to feed OpenTelemetry metrics;
// tests and simple callers may leave it nil.
type Recorder interface {
	EventPublished(topic string)
	EventDelivered(topic string, qos QoS)
	EventDropped(topic string, qos QoS, reason DropReason)
	SubscriptionOpened()
	SubscriptionClosed()
	PublishLatency(d time.Duration)
}

type noopRecorder struct{}

func (noopRecorder) EventPublished(string)                {}
func (noopRecorder) EventDelivered(string, QoS)           {}
func (noopRecorder) EventDropped(string, QoS, DropReason) {}
func (noopRecorder) SubscriptionOpened()                  {}
func (noopRecorder) SubscriptionClosed()                  {}
func (noopRecorder) PublishLatency(time.Duration)          {}

// Config tunes the bus's bounded-queue capacities and backpressure
// threshold. A zero Config falls back to QoS-level defaults.
type Config struct {
	// QueueCapacity overrides DefaultQueueCapacity per QoS level when set.
	QueueCapacity map[QoS]int
	// BackpressureThreshold is the per-topic count of concurrent in-flight
	// publishes at or above which realtime deliveries start dropping with
	// reason "backpressure" instead of being attempted. Zero means
	// DefaultBackpressureThreshold.
	BackpressureThreshold int
	Recorder              Recorder
}

func (c Config) capacityFor(q QoS) int {
	if n, ok := c.QueueCapacity[q]; ok && n > 0 {
		return n
	}
	return DefaultQueueCapacity(q)
}

// Bus is a concurrency-safe topic event bus. The zero value is not usable;
// construct with NewBus.
type Bus struct {
	cfg Config

	subsMu      sync.RWMutex
	subsByID    map[string]*Subscription
	exactSubs   map[string][]*Subscription
	patternSubs []*Subscription

	statsMu sync.RWMutex
	stats   map[string]*topicCounters
}

// DefaultBackpressureThreshold is the process-wide default backlog size, in
// concurrent in-flight publishes to a topic, past which realtime deliveries
// to that topic start dropping for backpressure.
const DefaultBackpressureThreshold = 10000

// NewBus constructs an empty Bus.
func NewBus(cfg Config) *Bus {
	if cfg.Recorder == nil {
		cfg.Recorder = noopRecorder{}
	}
	if cfg.BackpressureThreshold == 0 {
		cfg.BackpressureThreshold = DefaultBackpressureThreshold
	}
	return &Bus{
		cfg:       cfg,
		subsByID:  make(map[string]*Subscription),
		exactSubs: make(map[string][]*Subscription),
		stats:     make(map[string]*topicCounters),
	}
}

// Subscribe registers a new subscription against a topic or wildcard
// pattern, with an optional type filter and a QoS delivery policy. It
// returns the subscription handle; callers read deliveries from
// Subscription.Queue() until Unsubscribe is called.
func (b *Bus) Subscribe(agentID, pattern string, types []string, qos QoS) (*Subscription, error) {
	if pattern == "" {
		return nil, fmt.Errorf("eventbus: pattern must not be empty")
	}
	switch qos {
	case QoSRealtime, QoSBatched, QoSBackground:
	default:
		return nil, fmt.Errorf("eventbus: unknown qos %q", qos)
	}

	sub := &Subscription{
		id:      uuid.NewString(),
		agentID: agentID,
		pattern: pattern,
		typeSet: newTypeSet(types),
		qos:     qos,
		queue:   make(chan *wire.Event, b.cfg.capacityFor(qos)),
	}

	b.subsMu.Lock()
	b.subsByID[sub.id] = sub
	if isWildcard(pattern) {
		b.patternSubs = append(b.patternSubs, sub)
	} else {
		b.exactSubs[pattern] = append(b.exactSubs[pattern], sub)
	}
	b.subsMu.Unlock()

	b.cfg.Recorder.SubscriptionOpened()
	return sub, nil
}

// Unsubscribe removes a subscription and closes its queue. It is a no-op if
// the id is unknown or already unsubscribed.
func (b *Bus) Unsubscribe(id string) {
	b.subsMu.Lock()
	sub, ok := b.subsByID[id]
	if !ok {
		b.subsMu.Unlock()
		return
	}
	delete(b.subsByID, id)
	if isWildcard(sub.pattern) {
		b.patternSubs = removeSub(b.patternSubs, sub)
	} else {
		b.exactSubs[sub.pattern] = removeSub(b.exactSubs[sub.pattern], sub)
		if len(b.exactSubs[sub.pattern]) == 0 {
			delete(b.exactSubs, sub.pattern)
		}
	}
	b.subsMu.Unlock()

	sub.close()
	b.cfg.Recorder.SubscriptionClosed()
}

func removeSub(subs []*Subscription, target *Subscription) []*Subscription {
	out := subs[:0]
	for _, s := range subs {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}

// matchingSubs returns every live subscription whose pattern matches topic.
// Held only across a read lock; never across a channel send.
func (b *Bus) matchingSubs(topic string) []*Subscription {
	b.subsMu.RLock()
	defer b.subsMu.RUnlock()

	matches := append([]*Subscription(nil), b.exactSubs[topic]...)
	for _, sub := range b.patternSubs {
		if matchesTopic(sub.pattern, topic) {
			matches = append(matches, sub)
		}
	}
	return matches
}

// Publish delivers evt to every subscription whose pattern matches topic
// and whose type filter admits evt.Type, honoring each subscriber's QoS:
//
//   - realtime never blocks the publisher. It drops the event, without
//     enqueuing, once the topic's in-flight publish count reaches the
//     backpressure threshold, or once the subscriber's queue is full.
//   - batched and background cooperatively await room in the subscriber's
//     queue, returning early if ctx is done. A concurrent Unsubscribe for
//     the same subscription waits for this wait to resolve before closing
//     the queue, rather than racing it.
//
// Delivery to each matching subscriber happens in order within a single
// Publish call, so two sequential Publish calls from the same goroutine are
// observed by any one subscriber in that order.
func (b *Bus) Publish(ctx context.Context, topic string, evt *wire.Event) (delivered int, err error) {
	b.cfg.Recorder.EventPublished(topic)
	start := time.Now()
	defer func() { b.cfg.Recorder.PublishLatency(time.Since(start)) }()
	return b.deliver(ctx, topic, evt)
}

func (b *Bus) deliver(ctx context.Context, topic string, evt *wire.Event) (int, error) {
	counters := b.countersFor(topic)
	incrPublished(counters)
	atomic.AddInt64(&counters.backlog, 1)
	defer atomic.AddInt64(&counters.backlog, -1)

	subs := b.matchingSubs(topic)
	delivered := 0
	for _, sub := range subs {
		if !sub.matchesType(evt.Type) {
			continue
		}
		ok, reason := b.enqueue(ctx, counters, sub, evt)
		if ok {
			delivered++
			incrDelivered(counters)
			b.cfg.Recorder.EventDelivered(topic, sub.qos)
			continue
		}
		counters.recordDrop(reason)
		b.cfg.Recorder.EventDropped(topic, sub.qos, reason)
	}
	return delivered, nil
}

// enqueue attempts to hand evt to sub's queue per its QoS policy. It
// clones evt so that concurrent subscribers never observe mutation of a
// shared metadata map.
//
// The closed check and the send are taken under sub.closeMu's read lock, so
// a concurrent Unsubscribe (which closes the queue under the write lock)
// can never interleave between the check and the send: either this call
// observes the subscription already closed and drops, or it holds the
// queue open for the duration of its send and Unsubscribe waits. This
// rules out a send-on-closed-channel panic racing the two.
func (b *Bus) enqueue(ctx context.Context, counters *topicCounters, sub *Subscription, evt *wire.Event) (bool, DropReason) {
	sub.closeMu.RLock()
	defer sub.closeMu.RUnlock()
	if sub.isClosed() {
		return false, DropClosed
	}
	cp := evt.Clone()

	switch sub.qos {
	case QoSRealtime:
		threshold := b.cfg.BackpressureThreshold
		if threshold > 0 && atomic.LoadInt64(&counters.backlog) >= int64(threshold) {
			return false, DropBackpressure
		}
		select {
		case sub.queue <- cp:
			return true, ""
		default:
			return false, DropQueueFull
		}
	default: // batched, background
		select {
		case sub.queue <- cp:
			return true, ""
		case <-ctx.Done():
			return false, DropQueueFull
		}
	}
}

func (b *Bus) countersFor(topic string) *topicCounters {
	b.statsMu.RLock()
	c, ok := b.stats[topic]
	b.statsMu.RUnlock()
	if ok {
		return c
	}

	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	if c, ok := b.stats[topic]; ok {
		return c
	}
	c = &topicCounters{}
	b.stats[topic] = c
	return c
}

// GetStats returns a point-in-time snapshot of delivery counters and active
// subscription count for topic. ActiveSubscriptions is computed by
// re-evaluating every live subscription's pattern against topic, so a
// wildcard subscriber counts against every topic it matches even before any
// event has been published to that exact topic.
func (b *Bus) GetStats(topic string) TopicStats {
	counters := b.countersFor(topic)
	subs := b.matchingSubs(topic)
	return counters.snapshot(topic, int64(len(subs)))
}

func incrPublished(c *topicCounters) { atomic.AddInt64(&c.totalPublished, 1) }
func incrDelivered(c *topicCounters) { atomic.AddInt64(&c.totalDelivered, 1) }
