package eventbus

import "sync/atomic"

// topicCounters holds the mutable counters backing TopicStats for one
// concrete topic. Created lazily on the first publish to, or GetStats call
// for, the topic, and read without holding
// the bus's subscription-index lock.
type topicCounters struct {
	totalPublished int64
	totalDelivered int64
	droppedBackpressure int64
	droppedQueueFull     int64
	droppedClosed        int64
	// backlog counts publish calls for this topic currently past the
	// "increment" step and not yet past the "decrement" step (§3 invariant
	// 3): the number of concurrent in-flight publishes, not queue depth.
	backlog int64
}

// TopicStats is an immutable snapshot returned by Bus.GetStats.
type TopicStats struct {
	Topic               string
	TotalPublished      int64
	TotalDelivered      int64
	DroppedByReason      map[DropReason]int64
	ActiveSubscriptions int64
	BacklogSize         int64
}

func (c *topicCounters) snapshot(topic string, activeSubs int64) TopicStats {
	return TopicStats{
		Topic:          topic,
		TotalPublished: atomic.LoadInt64(&c.totalPublished),
		TotalDelivered: atomic.LoadInt64(&c.totalDelivered),
		DroppedByReason: map[DropReason]int64{
			DropBackpressure: atomic.LoadInt64(&c.droppedBackpressure),
			DropQueueFull:    atomic.LoadInt64(&c.droppedQueueFull),
			DropClosed:       atomic.LoadInt64(&c.droppedClosed),
		},
		ActiveSubscriptions: activeSubs,
		BacklogSize:         atomic.LoadInt64(&c.backlog),
	}
}

func (c *topicCounters) recordDrop(reason DropReason) {
	switch reason {
	case DropBackpressure:
		atomic.AddInt64(&c.droppedBackpressure, 1)
	case DropQueueFull:
		atomic.AddInt64(&c.droppedQueueFull, 1)
	case DropClosed:
		atomic.AddInt64(&c.droppedClosed, 1)
	}
}
