package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/agentmesh/agentmesh/internal/actionbroker"
	"github.com/agentmesh/agentmesh/internal/directory"
	"github.com/agentmesh/agentmesh/internal/eventbus"
	"github.com/agentmesh/agentmesh/internal/wire"
)

// DefaultHeartbeatWindow is how long a connection may stay idle before the
// server closes it with a heartbeat_timeout error.
const DefaultHeartbeatWindow = 30 * time.Second

// Recorder receives connection and pushed-action telemetry. An
// observability layer implements this to feed OpenTelemetry metrics; nil
// is safe to use.
type Recorder interface {
	ConnectionAccepted()
	PendingActionStarted()
	PendingActionFinished()
}

type noopRecorder struct{}

func (noopRecorder) ConnectionAccepted()    {}
func (noopRecorder) PendingActionStarted()  {}
func (noopRecorder) PendingActionFinished() {}

// Config tunes a Server.
type Config struct {
	OutboundCapacity int
	HeartbeatWindow  time.Duration
	Logger           *slog.Logger
	Recorder         Recorder
}

// Server implements wire.EventBusServer: the gRPC-shaped external-agent
// protocol described by the Bridge component. It binds external agents'
// declared topics onto the Event Bus, forwards their action calls into the
// Action Broker, and lets core components push action calls out to
// registered external agents via PushActionCall.
type Server struct {
	bus    *eventbus.Bus
	dir    *directory.Directory
	broker *actionbroker.Broker
	cfg    Config
	logger *slog.Logger

	regMu         sync.Mutex
	registrations map[string]wire.AgentRegisterRequest

	connMu sync.RWMutex
	conns  map[string]*connection

	pending *pendingCalls
}

// New constructs a Server atop the given core components.
func New(bus *eventbus.Bus, dir *directory.Directory, broker *actionbroker.Broker, cfg Config) *Server {
	if cfg.OutboundCapacity <= 0 {
		cfg.OutboundCapacity = DefaultOutboundCapacity
	}
	if cfg.HeartbeatWindow <= 0 {
		cfg.HeartbeatWindow = DefaultHeartbeatWindow
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Recorder == nil {
		cfg.Recorder = noopRecorder{}
	}
	return &Server{
		bus:           bus,
		dir:           dir,
		broker:        broker,
		cfg:           cfg,
		logger:        logger,
		registrations: make(map[string]wire.AgentRegisterRequest),
		conns:         make(map[string]*connection),
		pending:       newPendingCalls(),
	}
}

var _ wire.EventBusServer = (*Server)(nil)

// RegisterAgent records an external agent's declared topics and
// capabilities ahead of its EventStream connecting. Capabilities are wired
// into the Action Broker immediately, as remote providers that push an
// ActionCall back over the agent's eventual stream; topics are bound to the
// bus once the matching EventStream reaches the registered state.
func (s *Server) RegisterAgent(ctx context.Context, req *wire.AgentRegisterRequest) (*wire.AgentRegisterResponse, error) {
	if req.AgentID == "" {
		return nil, fmt.Errorf("bridge: agent_id must not be empty")
	}

	s.regMu.Lock()
	s.registrations[req.AgentID] = *req
	s.regMu.Unlock()

	for _, d := range req.Capabilities {
		provider := &remoteProvider{srv: s, agentID: req.AgentID}
		if err := s.broker.RegisterProvider(d, provider, 0); err != nil {
			return nil, fmt.Errorf("bridge: registering capability %q for %q: %w", d.Name, req.AgentID, err)
		}
	}

	return &wire.AgentRegisterResponse{SessionAgentID: req.AgentID}, nil
}

// ForwardAction translates an external agent's call into a synchronous
// Action Broker invocation.
func (s *Server) ForwardAction(ctx context.Context, call *wire.ActionCall) (*wire.ActionResult, error) {
	return s.broker.Invoke(ctx, call), nil
}

// Heartbeat refreshes the liveness deadline for agentID's connection, if
// one is currently registered.
func (s *Server) Heartbeat(ctx context.Context, req *wire.HeartbeatRequest) (*wire.HeartbeatResponse, error) {
	s.connMu.RLock()
	conn, ok := s.conns[req.AgentID]
	s.connMu.RUnlock()
	if !ok {
		return &wire.HeartbeatResponse{OK: false}, nil
	}
	conn.touch()
	return &wire.HeartbeatResponse{OK: true}, nil
}

// EventStream drives one connection's state machine: new -> awaiting_ack ->
// registered -> active -> closing.
func (s *Server) EventStream(stream wire.EventBus_EventStreamServer) error {
	first, err := stream.Recv()
	if err != nil {
		return err
	}
	if first.Kind != wire.ClientEventAck || first.Ack == nil || first.Ack.MessageID == "" {
		return wire.ProtocolError("the first EventStream message must be an Ack carrying agent_id")
	}
	agentID := first.Ack.MessageID

	conn := newConnection(agentID, s.cfg.OutboundCapacity)
	conn.state.store(stateAwaitingAck)
	defer conn.cancel()

	s.connMu.Lock()
	if old, exists := s.conns[agentID]; exists {
		s.connMu.Unlock()
		old.cancel()
		s.closeConnection(old)
		s.connMu.Lock()
	}
	s.conns[agentID] = conn
	s.connMu.Unlock()

	s.registerOn(conn)
	conn.state.store(stateActive)
	s.cfg.Recorder.ConnectionAccepted()

	writerDone := make(chan struct{})
	go s.runWriter(stream, conn, writerDone)
	go s.runHeartbeatMonitor(conn)

	readErr := s.runReader(stream, conn)

	conn.cancel()
	<-writerDone
	s.closeConnection(conn)

	if readErr != nil && !errors.Is(readErr, io.EOF) {
		return readErr
	}
	return nil
}

// registerOn binds conn's declared topics onto the bus and spawns the
// fan-in goroutines that convert deliveries into outbound Delivery
// messages. Declared topics come from a prior RegisterAgent call, if any.
func (s *Server) registerOn(conn *connection) {
	s.regMu.Lock()
	req, ok := s.registrations[conn.agentID]
	s.regMu.Unlock()

	var topics, capabilities []string
	if ok {
		topics = req.SubscribedTopics
		for _, c := range req.Capabilities {
			capabilities = append(capabilities, c.Name)
		}
	}

	conn.state.store(stateRegistered)
	for _, topic := range topics {
		s.wireTopic(conn, topic)
	}

	if err := s.dir.Register(conn.agentID, topics, capabilities); err != nil {
		s.logger.Warn("bridge: directory registration failed", "agent_id", conn.agentID, "error", err)
	}
}

func (s *Server) wireTopic(conn *connection, topic string) {
	sub, err := s.bus.Subscribe(conn.agentID, topic, nil, eventbus.QoSBatched)
	if err != nil {
		s.logger.Warn("bridge: subscribing connection to topic failed", "agent_id", conn.agentID, "topic", topic, "error", err)
		return
	}
	conn.addSubscription(sub.ID())

	conn.fanIn.Add(1)
	go func() {
		defer conn.fanIn.Done()
		for {
			select {
			case evt, ok := <-sub.Queue():
				if !ok {
					return
				}
				delivery := &wire.ServerEvent{Kind: wire.ServerEventDelivery, Delivery: &wire.Delivery{Topic: topic, Event: evt}}
				if !conn.enqueue(conn.ctx, delivery) {
					return
				}
			case <-conn.ctx.Done():
				return
			}
		}
	}()
}

func (s *Server) runWriter(stream wire.EventBus_EventStreamServer, conn *connection, done chan struct{}) {
	defer close(done)
	for {
		select {
		case evt, ok := <-conn.outbound:
			if !ok {
				return
			}
			if err := stream.Send(evt); err != nil {
				s.logger.Warn("bridge: sending to connection failed", "agent_id", conn.agentID, "error", err)
				return
			}
			conn.touch()
		case <-conn.ctx.Done():
			return
		}
	}
}

func (s *Server) runReader(stream wire.EventBus_EventStreamServer, conn *connection) error {
	for {
		msg, err := stream.Recv()
		if err != nil {
			return err
		}
		conn.touch()

		switch msg.Kind {
		case wire.ClientEventPublish:
			if msg.Publish != nil && msg.Publish.Event != nil {
				s.bus.Publish(conn.ctx, msg.Publish.Topic, msg.Publish.Event)
			}
		case wire.ClientEventActionResult:
			if msg.ActionResult != nil {
				s.pending.resolve(msg.ActionResult)
			}
		case wire.ClientEventPing:
			conn.enqueue(conn.ctx, &wire.ServerEvent{Kind: wire.ServerEventPong})
		case wire.ClientEventAck:
			// Only the handshake's first message is significant; later Acks
			// are tolerated as a no-op heartbeat signal.
		default:
			s.logger.Warn("bridge: unrecognized client event kind", "agent_id", conn.agentID, "kind", msg.Kind)
		}

		if conn.ctx.Err() != nil {
			return conn.ctx.Err()
		}
	}
}

func (s *Server) runHeartbeatMonitor(conn *connection) {
	ticker := time.NewTicker(s.cfg.HeartbeatWindow / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if conn.idleFor() > s.cfg.HeartbeatWindow {
				s.logger.Warn("bridge: connection exceeded heartbeat window, closing", "agent_id", conn.agentID)
				conn.cancel()
				return
			}
		case <-conn.ctx.Done():
			return
		}
	}
}

// closeConnection performs the closing-state cleanup: unsubscribe all bus
// subscriptions bound to conn, remove it from the Agent Directory, and
// complete any pending pushed action calls with agent_disconnected.
func (s *Server) closeConnection(conn *connection) {
	conn.state.store(stateClosing)

	s.connMu.Lock()
	if s.conns[conn.agentID] == conn {
		delete(s.conns, conn.agentID)
	}
	s.connMu.Unlock()

	for _, subID := range conn.subscriptions() {
		s.bus.Unsubscribe(subID)
	}
	conn.fanIn.Wait()

	if err := s.dir.Unregister(conn.agentID); err != nil {
		s.logger.Debug("bridge: directory unregister on close", "agent_id", conn.agentID, "error", err)
	}

	s.pending.failAllForAgent(conn.agentID)
}

// PushActionCall is the internal API a core component uses to invoke a
// capability registered by an external agent: it enqueues an ActionCall on
// the target agent's outbound stream and blocks until the client replies
// with the matching ActionResult or the call's timeout elapses.
func (s *Server) PushActionCall(ctx context.Context, targetAgentID string, call *wire.ActionCall) (*wire.ActionResult, error) {
	s.connMu.RLock()
	conn, ok := s.conns[targetAgentID]
	s.connMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("bridge: agent %q has no active connection", targetAgentID)
	}

	waiter, err := s.pending.register(call.ID, targetAgentID)
	if err != nil {
		return nil, err
	}
	s.cfg.Recorder.PendingActionStarted()
	defer s.cfg.Recorder.PendingActionFinished()

	if !conn.enqueue(ctx, &wire.ServerEvent{Kind: wire.ServerEventActionCall, ActionCall: call}) {
		s.pending.cancel(call.ID)
		return nil, fmt.Errorf("bridge: failed to enqueue action call %q to agent %q", call.ID, targetAgentID)
	}

	timeout := time.Duration(call.TimeoutMs) * time.Millisecond
	if call.TimeoutMs <= 0 {
		timeout = actionbroker.DefaultTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-waiter:
		return result, nil
	case <-timer.C:
		s.pending.cancel(call.ID)
		return &wire.ActionResult{
			ID:     call.ID,
			Status: wire.StatusTimeout,
			Error:  &wire.ActionError{Code: "timeout", Message: fmt.Sprintf("agent %q did not reply within %s", targetAgentID, timeout)},
		}, nil
	case <-ctx.Done():
		s.pending.cancel(call.ID)
		return nil, ctx.Err()
	}
}

// remoteProvider adapts a bridge connection's external capability into an
// actionbroker.Provider by pushing the call over the stream and awaiting
// the matching ActionResult.
type remoteProvider struct {
	srv     *Server
	agentID string
}

func (p *remoteProvider) Invoke(ctx context.Context, call *wire.ActionCall) ([]byte, error) {
	result, err := p.srv.PushActionCall(ctx, p.agentID, call)
	if err != nil {
		return nil, err
	}
	if result.Status != wire.StatusOK {
		code, msg, retryable := "tool_error", "remote capability invocation failed", false
		if result.Error != nil {
			code, msg, retryable = result.Error.Code, result.Error.Message, result.Error.Retryable
		}
		return nil, &actionbroker.ProviderError{Code: code, Message: msg, Retryable: retryable}
	}
	return result.Output, nil
}
