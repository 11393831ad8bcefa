package bridge

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc/metadata"

	"github.com/agentmesh/agentmesh/internal/actionbroker"
	"github.com/agentmesh/agentmesh/internal/directory"
	"github.com/agentmesh/agentmesh/internal/eventbus"
	"github.com/agentmesh/agentmesh/internal/wire"
)

// fakeStream is an in-memory wire.EventBus_EventStreamServer for exercising
// the bridge's state machine without a real gRPC transport.
type fakeStream struct {
	ctx context.Context

	mu     sync.Mutex
	toSrv  []*wire.ClientEvent
	toSrvI int
	toSrvC chan struct{}

	sent   []*wire.ServerEvent
	sentMu sync.Mutex
	sentC  chan struct{}

	closed chan struct{}
}

func newFakeStream(ctx context.Context) *fakeStream {
	return &fakeStream{ctx: ctx, toSrvC: make(chan struct{}, 64), sentC: make(chan struct{}, 64), closed: make(chan struct{})}
}

func (f *fakeStream) push(evt *wire.ClientEvent) {
	f.mu.Lock()
	f.toSrv = append(f.toSrv, evt)
	f.mu.Unlock()
	select {
	case f.toSrvC <- struct{}{}:
	default:
	}
}

func (f *fakeStream) closeClient() { close(f.closed) }

func (f *fakeStream) Send(m *wire.ServerEvent) error {
	f.sentMu.Lock()
	f.sent = append(f.sent, m)
	f.sentMu.Unlock()
	select {
	case f.sentC <- struct{}{}:
	default:
	}
	return nil
}

func (f *fakeStream) Recv() (*wire.ClientEvent, error) {
	for {
		f.mu.Lock()
		if f.toSrvI < len(f.toSrv) {
			evt := f.toSrv[f.toSrvI]
			f.toSrvI++
			f.mu.Unlock()
			return evt, nil
		}
		f.mu.Unlock()

		select {
		case <-f.toSrvC:
		case <-f.closed:
			return nil, io.EOF
		case <-f.ctx.Done():
			return nil, f.ctx.Err()
		}
	}
}

func (f *fakeStream) waitSent(n int, timeout time.Duration) []*wire.ServerEvent {
	deadline := time.After(timeout)
	for {
		f.sentMu.Lock()
		count := len(f.sent)
		f.sentMu.Unlock()
		if count >= n {
			f.sentMu.Lock()
			out := append([]*wire.ServerEvent(nil), f.sent...)
			f.sentMu.Unlock()
			return out
		}
		select {
		case <-f.sentC:
		case <-deadline:
			return nil
		}
	}
}

func (f *fakeStream) Context() context.Context            { return f.ctx }
func (f *fakeStream) SendMsg(m any) error                  { return nil }
func (f *fakeStream) RecvMsg(m any) error                  { return nil }
func (f *fakeStream) SetHeader(metadata.MD) error          { return nil }
func (f *fakeStream) SendHeader(metadata.MD) error         { return nil }
func (f *fakeStream) SetTrailer(metadata.MD)               {}

func newTestServer() (*Server, *eventbus.Bus, *directory.Directory) {
	bus := eventbus.NewBus(eventbus.Config{})
	dir := directory.New()
	broker, _ := actionbroker.New(actionbroker.Config{})
	return New(bus, dir, broker, Config{HeartbeatWindow: time.Hour}), bus, dir
}

func TestEventStreamRejectsNonAckFirstMessage(t *testing.T) {
	s, _, _ := newTestServer()
	stream := newFakeStream(context.Background())
	stream.push(&wire.ClientEvent{Kind: wire.ClientEventPublish})

	err := s.EventStream(stream)
	if err == nil {
		t.Fatal("expected a protocol error for a non-Ack first message")
	}
}

func TestEventStreamRegistersDeclaredTopicsAndDeliversEvents(t *testing.T) {
	s, bus, dir := newTestServer()

	_, err := s.RegisterAgent(context.Background(), &wire.AgentRegisterRequest{
		AgentID:          "ext-1",
		SubscribedTopics: []string{"orders.created"},
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream := newFakeStream(ctx)
	stream.push(&wire.ClientEvent{Kind: wire.ClientEventAck, Ack: &wire.Ack{MessageID: "ext-1"}})

	done := make(chan error, 1)
	go func() { done <- s.EventStream(stream) }()

	deadline := time.Now().Add(time.Second)
	for {
		if _, ok := dir.Get("ext-1"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("expected ext-1 to appear in the directory")
		}
		time.Sleep(time.Millisecond)
	}

	bus.Publish(context.Background(), "orders.created", &wire.Event{ID: "e1", Type: "order"})

	sent := stream.waitSent(1, time.Second)
	if len(sent) != 1 || sent[0].Kind != wire.ServerEventDelivery {
		t.Fatalf("sent = %+v, want one delivery", sent)
	}
	if sent[0].Delivery.Event.ID != "e1" {
		t.Fatalf("delivered event id = %q, want e1", sent[0].Delivery.Event.ID)
	}

	stream.closeClient()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("EventStream did not return after the client closed")
	}

	if _, ok := dir.Get("ext-1"); ok {
		t.Fatal("expected ext-1 to be removed from the directory after close")
	}
}

func TestEventStreamPublishFromClientReachesBus(t *testing.T) {
	s, bus, _ := newTestServer()

	sub, err := bus.Subscribe("observer", "chat.sent", nil, eventbus.QoSBatched)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream := newFakeStream(ctx)
	stream.push(&wire.ClientEvent{Kind: wire.ClientEventAck, Ack: &wire.Ack{MessageID: "ext-2"}})
	stream.push(&wire.ClientEvent{Kind: wire.ClientEventPublish, Publish: &wire.Publish{Topic: "chat.sent", Event: &wire.Event{ID: "m1", Type: "chat"}}})

	go s.EventStream(stream)

	select {
	case evt := <-sub.Queue():
		if evt.ID != "m1" {
			t.Fatalf("event id = %q, want m1", evt.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("expected the client's publish to reach the bus")
	}
	stream.closeClient()
}

func TestPushActionCallTimesOutWithoutAReply(t *testing.T) {
	s, _, _ := newTestServer()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream := newFakeStream(ctx)
	stream.push(&wire.ClientEvent{Kind: wire.ClientEventAck, Ack: &wire.Ack{MessageID: "ext-3"}})
	go s.EventStream(stream)

	deadline := time.Now().Add(time.Second)
	for {
		s.connMu.RLock()
		_, ok := s.conns["ext-3"]
		s.connMu.RUnlock()
		if ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("connection never registered")
		}
		time.Sleep(time.Millisecond)
	}

	result, err := s.PushActionCall(context.Background(), "ext-3", &wire.ActionCall{ID: "c1", CapabilityName: "anything", TimeoutMs: 50})
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != wire.StatusTimeout {
		t.Fatalf("status = %v, want timeout", result.Status)
	}
	stream.closeClient()
}

func TestPushActionCallResolvesFromClientActionResult(t *testing.T) {
	s, _, _ := newTestServer()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream := newFakeStream(ctx)
	stream.push(&wire.ClientEvent{Kind: wire.ClientEventAck, Ack: &wire.Ack{MessageID: "ext-4"}})
	go s.EventStream(stream)

	deadline := time.Now().Add(time.Second)
	for {
		s.connMu.RLock()
		_, ok := s.conns["ext-4"]
		s.connMu.RUnlock()
		if ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("connection never registered")
		}
		time.Sleep(time.Millisecond)
	}

	go func() {
		sent := stream.waitSent(1, time.Second)
		if len(sent) != 1 || sent[0].Kind != wire.ServerEventActionCall {
			return
		}
		stream.push(&wire.ClientEvent{
			Kind:         wire.ClientEventActionResult,
			ActionResult: &wire.ActionResult{ID: sent[0].ActionCall.ID, Status: wire.StatusOK, Output: []byte(`"ok"`)},
		})
	}()

	result, err := s.PushActionCall(context.Background(), "ext-4", &wire.ActionCall{ID: "c2", CapabilityName: "anything", TimeoutMs: 2000})
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != wire.StatusOK {
		t.Fatalf("status = %v, want ok", result.Status)
	}
	stream.closeClient()
}

func TestPushActionCallFailsWithoutAConnection(t *testing.T) {
	s, _, _ := newTestServer()
	_, err := s.PushActionCall(context.Background(), "ghost", &wire.ActionCall{ID: "c3", CapabilityName: "x"})
	if err == nil {
		t.Fatal("expected an error pushing to an agent with no connection")
	}
}

func TestForwardActionDelegatesToBroker(t *testing.T) {
	s, _, _ := newTestServer()
	s.broker.RegisterProvider(wire.CapabilityDescriptor{Name: "echo"}, actionbroker.ProviderFunc(func(ctx context.Context, call *wire.ActionCall) ([]byte, error) {
		return call.Arguments, nil
	}), 0)

	result, err := s.ForwardAction(context.Background(), &wire.ActionCall{ID: "c4", CapabilityName: "echo", Arguments: []byte(`{"x":1}`)})
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != wire.StatusOK {
		t.Fatalf("status = %v, want ok", result.Status)
	}
}

func TestClosingConnectionFailsPendingPushedCalls(t *testing.T) {
	s, _, _ := newTestServer()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream := newFakeStream(ctx)
	stream.push(&wire.ClientEvent{Kind: wire.ClientEventAck, Ack: &wire.Ack{MessageID: "ext-5"}})
	go s.EventStream(stream)

	deadline := time.Now().Add(time.Second)
	for {
		s.connMu.RLock()
		_, ok := s.conns["ext-5"]
		s.connMu.RUnlock()
		if ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("connection never registered")
		}
		time.Sleep(time.Millisecond)
	}

	resultCh := make(chan *wire.ActionResult, 1)
	errCh := make(chan error, 1)
	go func() {
		r, err := s.PushActionCall(context.Background(), "ext-5", &wire.ActionCall{ID: "c5", CapabilityName: "x", TimeoutMs: 5000})
		resultCh <- r
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	stream.closeClient()

	select {
	case r := <-resultCh:
		if r == nil || r.Status != wire.StatusError || r.Error == nil || r.Error.Code != "agent_disconnected" {
			t.Fatalf("result = %+v, want agent_disconnected", r)
		}
		if err := <-errCh; err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("expected the pending push to resolve with agent_disconnected after close")
	}
}

func TestRegisterAgentRejectsEmptyAgentID(t *testing.T) {
	s, _, _ := newTestServer()
	if _, err := s.RegisterAgent(context.Background(), &wire.AgentRegisterRequest{}); err == nil {
		t.Fatal("expected an error for an empty agent id")
	}
}

func TestHeartbeatReportsUnknownAgentAsNotOK(t *testing.T) {
	s, _, _ := newTestServer()
	resp, err := s.Heartbeat(context.Background(), &wire.HeartbeatRequest{AgentID: "ghost"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.OK {
		t.Fatal("expected OK=false for an unknown agent")
	}
}

func TestReconnectionAfterDisconnectIsTreatedAsFreshRegistration(t *testing.T) {
	s, _, dir := newTestServer()

	ctx1, cancel1 := context.WithCancel(context.Background())
	defer cancel1()
	stream1 := newFakeStream(ctx1)
	stream1.push(&wire.ClientEvent{Kind: wire.ClientEventAck, Ack: &wire.Ack{MessageID: "ext-6"}})
	done1 := make(chan error, 1)
	go func() { done1 <- s.EventStream(stream1) }()

	deadline := time.Now().Add(time.Second)
	for {
		if _, ok := dir.Get("ext-6"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first connection never registered")
		}
		time.Sleep(time.Millisecond)
	}

	stream1.closeClient()
	select {
	case <-done1:
	case <-time.After(time.Second):
		t.Fatal("expected the first connection to close")
	}

	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	stream2 := newFakeStream(ctx2)
	stream2.push(&wire.ClientEvent{Kind: wire.ClientEventAck, Ack: &wire.Ack{MessageID: "ext-6"}})
	go s.EventStream(stream2)

	deadline = time.Now().Add(time.Second)
	for {
		if _, ok := dir.Get("ext-6"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("second connection never registered")
		}
		time.Sleep(time.Millisecond)
	}

	s.connMu.RLock()
	current := s.conns["ext-6"]
	s.connMu.RUnlock()
	if current == nil {
		t.Fatal("expected a live connection for ext-6 after reconnection")
	}
	stream2.closeClient()
}
