package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/agentmesh/agentmesh/internal/actionbroker"
	"github.com/agentmesh/agentmesh/internal/bridge"
	"github.com/agentmesh/agentmesh/internal/eventbus"
	"github.com/agentmesh/agentmesh/internal/wire"
)

var (
	_ eventbus.Recorder     = (*EventBusRecorder)(nil)
	_ actionbroker.Recorder = (*ActionBrokerRecorder)(nil)
	_ bridge.Recorder       = (*BridgeRecorder)(nil)
)

// EventBusRecorder adapts a MetricsManager to eventbus.Recorder, feeding
// publish/deliver/drop counts and active-subscription gauges from the
// event bus into OpenTelemetry.
type EventBusRecorder struct {
	mm *MetricsManager
}

// NewEventBusRecorder returns an eventbus.Recorder backed by mm.
func NewEventBusRecorder(mm *MetricsManager) *EventBusRecorder {
	return &EventBusRecorder{mm: mm}
}

func (r *EventBusRecorder) EventPublished(topic string) {
	r.mm.eventbusEventsPublishedTotal.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("topic", topic)))
}

func (r *EventBusRecorder) EventDelivered(topic string, qos eventbus.QoS) {
	r.mm.eventbusEventsDeliveredTotal.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("topic", topic),
			attribute.String("qos", string(qos)),
		))
}

func (r *EventBusRecorder) EventDropped(topic string, qos eventbus.QoS, reason eventbus.DropReason) {
	r.mm.eventbusEventsDroppedTotal.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("topic", topic),
			attribute.String("qos", string(qos)),
			attribute.String("reason", string(reason)),
		))
}

// SubscriptionOpened bumps the active-subscriptions gauge. Call on
// Subscribe; pair with SubscriptionClosed on Unsubscribe.
func (r *EventBusRecorder) SubscriptionOpened() {
	r.mm.eventbusActiveSubscriptions.Add(context.Background(), 1)
}

// SubscriptionClosed decrements the active-subscriptions gauge.
func (r *EventBusRecorder) SubscriptionClosed() {
	r.mm.eventbusActiveSubscriptions.Add(context.Background(), -1)
}

// PublishLatency records the time a single Publish call spent fanning an
// event out to its subscribers.
func (r *EventBusRecorder) PublishLatency(d time.Duration) {
	r.mm.eventbusPublishLatency.Record(context.Background(), d.Seconds())
}

// ActionBrokerRecorder adapts a MetricsManager to actionbroker.Recorder.
type ActionBrokerRecorder struct {
	mm *MetricsManager
}

// NewActionBrokerRecorder returns an actionbroker.Recorder backed by mm.
func NewActionBrokerRecorder(mm *MetricsManager) *ActionBrokerRecorder {
	return &ActionBrokerRecorder{mm: mm}
}

func (r *ActionBrokerRecorder) Invoked(capability string, status wire.ActionStatus, latency time.Duration) {
	r.mm.actionbrokerInvocationsTotal.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("capability", capability),
			attribute.String("status", status.String()),
		))
	r.mm.actionbrokerInvocationDuration.Record(context.Background(), latency.Seconds(),
		metric.WithAttributes(attribute.String("capability", capability)))
}

// BridgeRecorder adapts a MetricsManager to bridge.Recorder, feeding
// connection and pending-call telemetry from internal/bridge into
// OpenTelemetry.
type BridgeRecorder struct {
	mm *MetricsManager
}

// NewBridgeRecorder returns a bridge.Recorder backed by mm.
func NewBridgeRecorder(mm *MetricsManager) *BridgeRecorder {
	return &BridgeRecorder{mm: mm}
}

// ConnectionAccepted records a new bridge connection reaching the active
// state.
func (r *BridgeRecorder) ConnectionAccepted() {
	r.mm.bridgeConnectionsTotal.Add(context.Background(), 1)
}

// PendingActionStarted bumps the pending-pushed-action gauge.
func (r *BridgeRecorder) PendingActionStarted() {
	r.mm.bridgePendingActions.Add(context.Background(), 1)
}

// PendingActionFinished decrements the pending-pushed-action gauge.
func (r *BridgeRecorder) PendingActionFinished() {
	r.mm.bridgePendingActions.Add(context.Background(), -1)
}
