// Package envelope implements the reserved-metadata view over an Event
// described by the runtime's data model: thread/correlation identity,
// reply routing, TTL/hop forwarding budget, and trace propagation.
package envelope

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/agentmesh/internal/wire"
)

// Reserved metadata keys. Event.Metadata is a flat map[string]string; the
// envelope is a typed view over a reserved subset of those keys.
const (
	KeyThreadID      = "thread_id"
	KeyCorrelationID = "correlation_id"
	KeySender        = "sender"
	KeyReplyTo       = "reply_to"
	KeyTTL           = "ttl"
	KeyHop           = "hop"
	KeyTimestamp     = "ts"
	KeyTraceID       = "trace_id"
	KeySpanID        = "span_id"
	KeyTraceFlags    = "trace_flags"
)

// DefaultTTL is the forwarding budget assigned to a freshly created envelope.
const DefaultTTL = 16

// Envelope is a typed, mutable view over the reserved keys of an Event's
// metadata map. It does not copy the event; Attach/From round-trip through
// the event's Metadata field directly.
type Envelope struct {
	ThreadID      string
	CorrelationID string
	Sender        string
	ReplyTo       string
	TTL           int
	Hop           uint
	Timestamp     int64
	TraceID       string
	SpanID        string
	TraceFlags    string
}

// New creates a fresh envelope for a new thread originated by sender.
// CorrelationID defaults to the thread id; ReplyTo defaults to
// "thread.{thread}.reply"; TTL defaults to DefaultTTL; Hop starts at 0.
func New(thread, sender string) *Envelope {
	return &Envelope{
		ThreadID:      thread,
		CorrelationID: thread,
		Sender:        sender,
		ReplyTo:       ReplyTopic(thread),
		TTL:           DefaultTTL,
		Hop:           0,
		Timestamp:     time.Now().UnixMilli(),
	}
}

// ReplyTopic returns the reserved reply topic for a thread id.
func ReplyTopic(thread string) string {
	return fmt.Sprintf("thread.%s.reply", thread)
}

// BroadcastTopic returns the reserved broadcast topic for a thread id.
func BroadcastTopic(thread string) string {
	return fmt.Sprintf("thread.%s.broadcast", thread)
}

// AgentRepliesTopic returns the reserved per-agent replies topic.
func AgentRepliesTopic(agentID string) string {
	return fmt.Sprintf("agent.%s.replies", agentID)
}

// NewCorrelationID mints a fresh unique id suitable for threads, events, or
// action calls.
func NewCorrelationID() string {
	return uuid.NewString()
}

// Attach writes the envelope's fields back into the event's metadata map,
// creating the map if necessary. It is the inverse of From.
func (e *Envelope) Attach(evt *wire.Event) {
	if evt.Metadata == nil {
		evt.Metadata = make(map[string]string, 10)
	}
	evt.Metadata[KeyThreadID] = e.ThreadID
	evt.Metadata[KeyCorrelationID] = e.CorrelationID
	evt.Metadata[KeySender] = e.Sender
	evt.Metadata[KeyReplyTo] = e.ReplyTo
	evt.Metadata[KeyTTL] = strconv.Itoa(e.TTL)
	evt.Metadata[KeyHop] = strconv.FormatUint(uint64(e.Hop), 10)
	evt.Metadata[KeyTimestamp] = strconv.FormatInt(e.Timestamp, 10)
	if e.TraceID != "" {
		evt.Metadata[KeyTraceID] = e.TraceID
	}
	if e.SpanID != "" {
		evt.Metadata[KeySpanID] = e.SpanID
	}
	if e.TraceFlags != "" {
		evt.Metadata[KeyTraceFlags] = e.TraceFlags
	}
}

// From reads the envelope view out of an event's metadata, applying the
// documented defaults for any reserved key that is absent.
func From(evt *wire.Event) *Envelope {
	e := &Envelope{
		ThreadID:  evt.Metadata[KeyThreadID],
		Sender:    evt.Metadata[KeySender],
		TTL:       DefaultTTL,
		Timestamp: evt.TimestampMs,
	}
	if v, ok := evt.Metadata[KeyCorrelationID]; ok && v != "" {
		e.CorrelationID = v
	} else {
		e.CorrelationID = e.ThreadID
	}
	if v, ok := evt.Metadata[KeyReplyTo]; ok && v != "" {
		e.ReplyTo = v
	} else {
		e.ReplyTo = ReplyTopic(e.ThreadID)
	}
	if v, ok := evt.Metadata[KeyTTL]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			e.TTL = n
		}
	}
	if v, ok := evt.Metadata[KeyHop]; ok {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			e.Hop = uint(n)
		}
	}
	if v, ok := evt.Metadata[KeyTimestamp]; ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			e.Timestamp = n
		}
	}
	e.TraceID = evt.Metadata[KeyTraceID]
	e.SpanID = evt.Metadata[KeySpanID]
	e.TraceFlags = evt.Metadata[KeyTraceFlags]
	return e
}

// NextHop consumes one unit of forwarding budget. It returns false without
// mutating the envelope when TTL is already exhausted (<= 0); otherwise it
// increments Hop, decrements TTL, and returns true. hop+ttl is therefore
// non-increasing across any chain that calls NextHop on every forward.
func (e *Envelope) NextHop() bool {
	if e.TTL <= 0 {
		return false
	}
	e.Hop++
	e.TTL--
	return true
}
