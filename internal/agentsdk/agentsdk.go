// Package agentsdk is the SDK an out-of-process agent author links against
// to participate in the runtime over the Bridge: register capabilities,
// subscribe to topics, and let the SDK handle the EventStream handshake,
// heartbeats, and ActionCall dispatch.
package agentsdk

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/agentmesh/agentmesh/internal/wire"
)

// EventHandler processes one delivered event for a subscribed topic.
type EventHandler func(ctx context.Context, topic string, evt *wire.Event)

// Agent encapsulates the common plumbing for an external, out-of-process
// agent: gRPC connection to the Bridge, capability registration, the
// EventStream handshake, heartbeats, and ActionCall dispatch to locally
// registered handlers.
//
// An Agent is created with New(), capabilities are registered with
// AddCapability() or MustAddCapability(), an optional event handler is set
// with OnEvent(), and then Run() is called to start the agent. Agent is not
// thread-safe during configuration (before Run()).
type Agent struct {
	config       *Config
	logger       *slog.Logger
	capabilities map[string]*Capability
	eventHandler EventHandler

	conn   *grpc.ClientConn
	client wire.EventBusClient
	stream wire.EventBus_EventStreamClient
	outbound chan *wire.ClientEvent
	running  bool
}

// New creates a new Agent with the given configuration.
//
// Configuration is validated and defaults are applied for optional fields.
// The only required field is AgentID.
func New(config *Config) (*Agent, error) {
	config = config.WithDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &Agent{
		config:       config,
		logger:       slog.Default().With("agent_id", config.AgentID),
		capabilities: make(map[string]*Capability),
		outbound:     make(chan *wire.ClientEvent, 64),
	}, nil
}

// AddCapability registers a capability the agent provides.
//
// name must be unique within the agent. schema is the JSON Schema
// describing the capability's arguments, or nil if it takes none. handler
// is invoked once per ActionCall the bridge pushes for this capability.
func (a *Agent) AddCapability(name, version, description string, schema []byte, handler CapabilityHandler) error {
	if _, exists := a.capabilities[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateCapability, name)
	}
	a.capabilities[name] = &Capability{
		Name:        name,
		Version:     version,
		Description: description,
		ParamSchema: schema,
		Handler:     handler,
	}
	return nil
}

// MustAddCapability is like AddCapability but panics on error. Suitable for
// agent main functions where registration errors are unrecoverable.
func (a *Agent) MustAddCapability(name, version, description string, schema []byte, handler CapabilityHandler) {
	if err := a.AddCapability(name, version, description, schema, handler); err != nil {
		panic(err)
	}
}

// OnEvent sets the handler invoked for every event delivered on one of
// Config.SubscribedTopics. Replaces any previously set handler.
func (a *Agent) OnEvent(handler EventHandler) {
	a.eventHandler = handler
}

// Run connects to the Bridge, registers the agent's declared topics and
// capabilities, and blocks serving the EventStream until ctx is cancelled
// or a SIGINT/SIGTERM is received.
func (a *Agent) Run(ctx context.Context) error {
	if a.running {
		return ErrAgentAlreadyRunning
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := a.connect(ctx); err != nil {
		return fmt.Errorf("agentsdk: connecting to bridge: %w", err)
	}
	defer a.conn.Close()

	if err := a.register(ctx); err != nil {
		return fmt.Errorf("agentsdk: registering with bridge: %w", err)
	}

	stream, err := a.client.EventStream(ctx)
	if err != nil {
		return fmt.Errorf("agentsdk: opening event stream: %w", err)
	}
	a.stream = stream

	if err := stream.Send(&wire.ClientEvent{Kind: wire.ClientEventAck, Ack: &wire.Ack{MessageID: a.config.AgentID}}); err != nil {
		return fmt.Errorf("agentsdk: sending handshake ack: %w", err)
	}

	a.running = true
	defer func() { a.running = false }()

	a.logger.InfoContext(ctx, "agent started",
		"broker_addr", a.config.BrokerAddr,
		"capabilities", len(a.capabilities),
		"subscribed_topics", len(a.config.SubscribedTopics),
	)

	readerDone := make(chan error, 1)
	go func() { readerDone <- a.runReader(ctx, stream) }()
	go a.runWriter(ctx, stream)
	go a.runHeartbeat(ctx)

	select {
	case <-ctx.Done():
		a.logger.InfoContext(context.Background(), "agent shutting down gracefully")
		return nil
	case err := <-readerDone:
		return err
	}
}

func (a *Agent) connect(ctx context.Context) error {
	conn, err := grpc.NewClient(a.config.BrokerAddr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	)
	if err != nil {
		return err
	}
	a.conn = conn
	a.client = wire.NewEventBusClient(conn)
	return nil
}

func (a *Agent) register(ctx context.Context) error {
	descriptors := make([]wire.CapabilityDescriptor, 0, len(a.capabilities))
	for _, c := range a.capabilities {
		descriptors = append(descriptors, wire.CapabilityDescriptor{
			Name:         c.Name,
			Version:      c.Version,
			Description:  c.Description,
			ParamSchema:  c.ParamSchema,
			ProviderKind: "agentsdk",
		})
	}

	_, err := a.client.RegisterAgent(ctx, &wire.AgentRegisterRequest{
		AgentID:          a.config.AgentID,
		SubscribedTopics: a.config.SubscribedTopics,
		Capabilities:     descriptors,
	})
	return err
}

func (a *Agent) runReader(ctx context.Context, stream wire.EventBus_EventStreamClient) error {
	for {
		msg, err := stream.Recv()
		if err != nil {
			return err
		}

		switch msg.Kind {
		case wire.ServerEventDelivery:
			if msg.Delivery != nil && a.eventHandler != nil {
				go a.eventHandler(ctx, msg.Delivery.Topic, msg.Delivery.Event)
			}
		case wire.ServerEventActionCall:
			if msg.ActionCall != nil {
				go a.dispatchActionCall(ctx, msg.ActionCall)
			}
		case wire.ServerEventPong:
			// Liveness confirmation only; nothing to do.
		default:
			a.logger.WarnContext(ctx, "unrecognized server event kind", "kind", msg.Kind)
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (a *Agent) dispatchActionCall(ctx context.Context, call *wire.ActionCall) {
	capability, ok := a.capabilities[call.CapabilityName]
	if !ok {
		a.send(&wire.ClientEvent{Kind: wire.ClientEventActionResult, ActionResult: &wire.ActionResult{
			ID:     call.ID,
			Status: wire.StatusNotFound,
			Error:  &wire.ActionError{Code: "not_found", Message: fmt.Sprintf("capability %q is not registered", call.CapabilityName)},
		}})
		return
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if call.TimeoutMs > 0 {
		callCtx, cancel = context.WithTimeout(ctx, time.Duration(call.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	output, err := capability.Handler(callCtx, call.Arguments)
	if err != nil {
		a.send(&wire.ClientEvent{Kind: wire.ClientEventActionResult, ActionResult: &wire.ActionResult{
			ID:     call.ID,
			Status: wire.StatusError,
			Error:  &wire.ActionError{Code: "tool_error", Message: err.Error()},
		}})
		return
	}

	a.send(&wire.ClientEvent{Kind: wire.ClientEventActionResult, ActionResult: &wire.ActionResult{
		ID:     call.ID,
		Status: wire.StatusOK,
		Output: output,
	}})
}

func (a *Agent) runWriter(ctx context.Context, stream wire.EventBus_EventStreamClient) {
	for {
		select {
		case msg := <-a.outbound:
			if err := stream.Send(msg); err != nil {
				a.logger.WarnContext(ctx, "sending to bridge failed", "error", err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (a *Agent) runHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(a.config.HeartbeatIntervalSeconds) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.send(&wire.ClientEvent{Kind: wire.ClientEventPing})
		case <-ctx.Done():
			return
		}
	}
}

// send enqueues msg for the writer goroutine without blocking, dropping it
// (with a warning) whenever the outbound queue is full.
func (a *Agent) send(msg *wire.ClientEvent) {
	select {
	case a.outbound <- msg:
	default:
		a.logger.Warn("outbound queue full, dropping message", "kind", msg.Kind)
	}
}

// Publish asks the bridge to publish evt to topic on the agent's behalf.
func (a *Agent) Publish(topic string, evt *wire.Event) {
	a.send(&wire.ClientEvent{Kind: wire.ClientEventPublish, Publish: &wire.Publish{Topic: topic, Event: evt}})
}

// Logger returns the agent's structured logger for custom logging.
func (a *Agent) Logger() *slog.Logger {
	return a.logger
}
