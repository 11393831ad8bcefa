// Package wire defines the on-the-wire message shapes shared by the Event
// Bus, Action Broker, and Bridge, and the gRPC transport that carries them
// between this process and external agents.
//
// The reference implementation this runtime is modeled on generates these
// types from .proto files with protoc. That toolchain is not available in
// this build, so the messages are declared as plain Go structs carried over
// a JSON-based encoding.Codec (see codec.go) rather than fabricated
// protobuf-generated internals. The gRPC service surface (ServiceDesc,
// streaming, the otelgrpc stats handler) is unchanged by that choice.
package wire

// Priority mirrors the coarse priority band carried on an Event.
type Priority int32

const (
	PriorityUnspecified Priority = 0
	PriorityLow         Priority = 1
	PriorityNormal      Priority = 2
	PriorityHigh        Priority = 3
	PriorityCritical    Priority = 4
)

// Event is the immutable-once-published unit routed by the Event Bus.
type Event struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	TimestampMs int64            `json:"timestamp_ms"`
	Source     string            `json:"source"`
	Confidence float64           `json:"confidence"`
	Tags       []string          `json:"tags,omitempty"`
	Priority   Priority          `json:"priority"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Payload    []byte            `json:"payload,omitempty"`
}

// Clone returns a shallow copy of the event with its own metadata map, so
// that concurrent subscribers each observe an independent envelope.
func (e *Event) Clone() *Event {
	cp := *e
	if e.Metadata != nil {
		cp.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			cp.Metadata[k] = v
		}
	}
	if e.Tags != nil {
		cp.Tags = append([]string(nil), e.Tags...)
	}
	if e.Payload != nil {
		cp.Payload = append([]byte(nil), e.Payload...)
	}
	return &cp
}

// ActionStatus is the uniform status code taxonomy for an ActionResult.
type ActionStatus int32

const (
	StatusOK       ActionStatus = 0
	StatusError    ActionStatus = 1
	StatusTimeout  ActionStatus = 2
	StatusNotFound ActionStatus = 3
	StatusInvalid  ActionStatus = 4
)

func (s ActionStatus) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusError:
		return "error"
	case StatusTimeout:
		return "timeout"
	case StatusNotFound:
		return "not_found"
	case StatusInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// ActionCall is a request to invoke a registered capability.
type ActionCall struct {
	ID              string            `json:"id"`
	CapabilityName  string            `json:"capability_name"`
	Arguments       []byte            `json:"arguments,omitempty"`
	Headers         map[string]string `json:"headers,omitempty"`
	TimeoutMs       int64             `json:"timeout_ms"`
	IdempotencyKey  string            `json:"idempotency_key,omitempty"`
}

// ActionError carries the structured error detail of a failed ActionResult.
type ActionError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// ActionResult is the outcome of dispatching an ActionCall.
type ActionResult struct {
	ID     string       `json:"id"`
	Status ActionStatus `json:"status"`
	Output []byte       `json:"output,omitempty"`
	Error  *ActionError `json:"error,omitempty"`
}

// ClientEvent is the tagged union of messages an external agent may send on
// the bidirectional EventStream RPC. At most one field is populated,
// selected by Kind; a ping carries none.
type ClientEvent struct {
	Kind         ClientEventKind `json:"kind"`
	Ack          *Ack            `json:"ack,omitempty"`
	Publish      *Publish        `json:"publish,omitempty"`
	ActionResult *ActionResult   `json:"action_result,omitempty"`
}

type ClientEventKind string

const (
	ClientEventAck          ClientEventKind = "ack"
	ClientEventPublish      ClientEventKind = "publish"
	ClientEventActionResult ClientEventKind = "action_result"
	ClientEventPing         ClientEventKind = "ping"
)

// Ack is the mandatory first message of a client stream, carrying the
// agent's id in MessageID per the handshake contract.
type Ack struct {
	MessageID string `json:"message_id"`
}

// Publish asks the bridge to publish an event to the bus on the client's
// behalf.
type Publish struct {
	Topic string `json:"topic"`
	Event *Event `json:"event"`
}

// ServerEvent is the tagged union of messages the bridge may send to an
// external agent on the EventStream RPC.
type ServerEvent struct {
	Kind       ServerEventKind `json:"kind"`
	Delivery   *Delivery       `json:"delivery,omitempty"`
	ActionCall *ActionCall     `json:"action_call,omitempty"`
}

type ServerEventKind string

const (
	ServerEventDelivery   ServerEventKind = "delivery"
	ServerEventActionCall ServerEventKind = "action_call"
	ServerEventPong       ServerEventKind = "pong"
)

// Delivery carries a bus event to a subscribed external agent.
type Delivery struct {
	Topic string `json:"topic"`
	Event *Event `json:"event"`
}

// AgentRegisterRequest is the unary RegisterAgent request.
type AgentRegisterRequest struct {
	AgentID           string                 `json:"agent_id"`
	SubscribedTopics  []string               `json:"subscribed_topics,omitempty"`
	Capabilities      []CapabilityDescriptor `json:"capabilities,omitempty"`
	Metadata          map[string]string      `json:"metadata,omitempty"`
}

// AgentRegisterResponse echoes back the session the agent was assigned.
type AgentRegisterResponse struct {
	SessionAgentID string `json:"session_agent_id"`
}

// CapabilityDescriptor mirrors the Action Broker's registration unit on the
// wire, used when an external agent advertises capabilities at RegisterAgent
// time.
type CapabilityDescriptor struct {
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	ParamSchema  []byte            `json:"param_schema,omitempty"`
	Description  string            `json:"description"`
	ProviderKind string            `json:"provider_kind"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// HeartbeatRequest/HeartbeatResponse back the unary Heartbeat RPC, the
// alternative to in-stream Ping/Pong.
type HeartbeatRequest struct {
	AgentID string `json:"agent_id"`
}

type HeartbeatResponse struct {
	OK bool `json:"ok"`
}
