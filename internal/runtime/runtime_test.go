package runtime

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentmesh/agentmesh/internal/directory"
	"github.com/agentmesh/agentmesh/internal/envelope"
	"github.com/agentmesh/agentmesh/internal/eventbus"
	"github.com/agentmesh/agentmesh/internal/wire"
)

func newTestRuntime() (*Runtime, *eventbus.Bus, *directory.Directory) {
	bus := eventbus.NewBus(eventbus.Config{})
	dir := directory.New()
	return New(bus, dir, Config{}), bus, dir
}

func countingBehavior(count *int64) Behavior {
	return BehaviorFunc(func(ctx context.Context, evt *wire.Event) error {
		atomic.AddInt64(count, 1)
		return nil
	})
}

func TestCreateRegistersRepliesSubscriptionAndDirectoryEntry(t *testing.T) {
	rt, _, dir := newTestRuntime()
	var count int64

	a, err := rt.Create(context.Background(), CreateSpec{AgentID: "a1", Behavior: countingBehavior(&count)})
	if err != nil {
		t.Fatal(err)
	}
	if a.State() != StateRunning {
		t.Fatalf("state = %v, want running", a.State())
	}

	subs, err := rt.GetAgentSubscriptions("a1")
	if err != nil {
		t.Fatal(err)
	}
	wantTopic := envelope.AgentRepliesTopic("a1")
	found := false
	for _, s := range subs {
		if s == wantTopic {
			found = true
		}
	}
	if !found {
		t.Fatalf("subscriptions = %v, want to include %q", subs, wantTopic)
	}

	if _, ok := dir.Get("a1"); !ok {
		t.Fatal("expected agent to be registered in the directory")
	}
}

func TestCreateDuplicateAgentIDFails(t *testing.T) {
	rt, _, _ := newTestRuntime()
	var count int64
	rt.Create(context.Background(), CreateSpec{AgentID: "a1", Behavior: countingBehavior(&count)})

	_, err := rt.Create(context.Background(), CreateSpec{AgentID: "a1", Behavior: countingBehavior(&count)})
	if err == nil {
		t.Fatal("expected an error creating a duplicate agent id")
	}
}

func TestDeleteUnknownAgentFails(t *testing.T) {
	rt, _, _ := newTestRuntime()
	if err := rt.Delete("ghost"); err == nil {
		t.Fatal("expected an error deleting an unknown agent")
	}
}

func TestDeleteRemovesRepliesSubscriptionAndDirectoryEntry(t *testing.T) {
	rt, _, dir := newTestRuntime()
	var count int64
	rt.Create(context.Background(), CreateSpec{AgentID: "a1", Behavior: countingBehavior(&count)})

	if err := rt.Delete("a1"); err != nil {
		t.Fatal(err)
	}
	if _, ok := dir.Get("a1"); ok {
		t.Fatal("expected the directory entry to be gone after Delete")
	}
	if _, ok := rt.Get("a1"); ok {
		t.Fatal("expected Get to report the agent gone after Delete")
	}
}

func TestMailboxDeliversPublishedEventsToBehavior(t *testing.T) {
	rt, bus, _ := newTestRuntime()
	received := make(chan *wire.Event, 1)
	behavior := BehaviorFunc(func(ctx context.Context, evt *wire.Event) error {
		received <- evt
		return nil
	})

	_, err := rt.Create(context.Background(), CreateSpec{AgentID: "a1", Behavior: behavior, Subscriptions: []string{"orders.created"}})
	if err != nil {
		t.Fatal(err)
	}

	bus.Publish(context.Background(), "orders.created", &wire.Event{ID: "e1", Type: "order"})

	select {
	case evt := <-received:
		if evt.ID != "e1" {
			t.Fatalf("received event %q, want e1", evt.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("behavior was never invoked")
	}
}

func TestHandlersForSameAgentAreNeverConcurrent(t *testing.T) {
	rt, bus, _ := newTestRuntime()
	var running int32
	var sawConcurrency int32
	behavior := BehaviorFunc(func(ctx context.Context, evt *wire.Event) error {
		if atomic.AddInt32(&running, 1) > 1 {
			atomic.StoreInt32(&sawConcurrency, 1)
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return nil
	})

	rt.Create(context.Background(), CreateSpec{AgentID: "a1", Behavior: behavior, Subscriptions: []string{"topic"}})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			bus.Publish(context.Background(), "topic", &wire.Event{ID: "e", Type: "t"})
		}(i)
	}
	wg.Wait()
	time.Sleep(200 * time.Millisecond)

	if atomic.LoadInt32(&sawConcurrency) != 0 {
		t.Fatal("observed concurrent handler execution for the same agent")
	}
}

func TestDynamicSubscribeAndUnsubscribe(t *testing.T) {
	rt, bus, _ := newTestRuntime()
	received := make(chan *wire.Event, 4)
	behavior := BehaviorFunc(func(ctx context.Context, evt *wire.Event) error {
		received <- evt
		return nil
	})
	rt.Create(context.Background(), CreateSpec{AgentID: "a1", Behavior: behavior})

	if err := rt.SubscribeAgent("a1", "dynamic.topic"); err != nil {
		t.Fatal(err)
	}
	bus.Publish(context.Background(), "dynamic.topic", &wire.Event{ID: "e1", Type: "t"})
	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("expected delivery after dynamic subscribe")
	}

	if err := rt.UnsubscribeAgent("a1", "dynamic.topic"); err != nil {
		t.Fatal(err)
	}
	n, _ := bus.Publish(context.Background(), "dynamic.topic", &wire.Event{ID: "e2", Type: "t"})
	if n != 0 {
		t.Fatalf("delivered = %d, want 0 after unsubscribe", n)
	}
}

func TestSubscribeAgentRejectsDuplicateExactPattern(t *testing.T) {
	rt, _, _ := newTestRuntime()
	var count int64
	rt.Create(context.Background(), CreateSpec{AgentID: "a1", Behavior: countingBehavior(&count), Subscriptions: []string{"topic"}})

	if err := rt.SubscribeAgent("a1", "topic"); err == nil {
		t.Fatal("expected an error re-subscribing to an already-subscribed topic")
	}
}

func TestUnsubscribeAgentRejectsSystemOwnedSubscription(t *testing.T) {
	rt, _, _ := newTestRuntime()
	var count int64
	rt.Create(context.Background(), CreateSpec{AgentID: "a1", Behavior: countingBehavior(&count)})

	repliesTopic := envelope.AgentRepliesTopic("a1")
	if err := rt.UnsubscribeAgent("a1", repliesTopic); err == nil {
		t.Fatal("expected an error unsubscribing the system-owned replies topic")
	}
}

func TestRequestReplyTimesOutWithNoResponder(t *testing.T) {
	bus := eventbus.NewBus(eventbus.Config{})
	c := NewCollaborator(bus, "agent-a")

	// Observe the collab.timeout event published to the reply topic.
	timeoutSub, err := bus.Subscribe("observer", envelope.ReplyTopic("T1"), nil, eventbus.QoSBatched)
	if err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	_, err = c.RequestReply(context.Background(), "T1", "thread.T1.broadcast", nil, 50)
	if err != ErrNoReply {
		t.Fatalf("err = %v, want ErrNoReply", err)
	}
	if time.Since(start) < 40*time.Millisecond {
		t.Fatal("RequestReply returned before its timeout elapsed")
	}

	select {
	case evt := <-timeoutSub.Queue():
		if evt.Type != eventCollabTimeout {
			t.Fatalf("event type = %q, want %q", evt.Type, eventCollabTimeout)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a collab.timeout event on the reply topic")
	}
}

func TestFanoutFaninEmptyTopicsReturnsEmptyWithoutPublishing(t *testing.T) {
	bus := eventbus.NewBus(eventbus.Config{})
	c := NewCollaborator(bus, "agent-a")

	replies, err := c.FanoutFanin(context.Background(), "T2", nil, nil, 1, 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(replies) != 0 {
		t.Fatalf("replies = %v, want empty", replies)
	}
}

func TestFanoutFaninRejectsZeroParameters(t *testing.T) {
	bus := eventbus.NewBus(eventbus.Config{})
	c := NewCollaborator(bus, "agent-a")

	if _, err := c.FanoutFanin(context.Background(), "T", []string{"x"}, nil, 0, 50); err == nil {
		t.Fatal("expected an error for first_k == 0")
	}
	if _, err := c.FanoutFanin(context.Background(), "T", []string{"x"}, nil, 1, 0); err == nil {
		t.Fatal("expected an error for timeout_ms == 0")
	}
}

func TestContractNetRanksProposalsByScoreDescending(t *testing.T) {
	bus := eventbus.NewBus(eventbus.Config{})
	c := NewCollaborator(bus, "agent-a")

	broadcastTopic := envelope.BroadcastTopic("T3")
	cfpSub, err := bus.Subscribe("responder", broadcastTopic, nil, eventbus.QoSBatched)
	if err != nil {
		t.Fatal(err)
	}

	go func() {
		cfp := <-cfpSub.Queue()
		corr := envelope.From(cfp).CorrelationID
		scores := []string{"0.9", "0.4", "0.7"}
		replyTopic := envelope.ReplyTopic("T3")
		for _, s := range scores {
			env := &envelope.Envelope{ThreadID: "T3", CorrelationID: corr, Sender: "responder", ReplyTo: replyTopic, TTL: envelope.DefaultTTL}
			proposal := &wire.Event{ID: "p-" + s, Type: eventCollabPropose, Metadata: map[string]string{"score": s}}
			env.Attach(proposal)
			bus.Publish(context.Background(), replyTopic, proposal)
		}
	}()

	awarded, err := c.ContractNet(context.Background(), "T3", nil, 150, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(awarded) != 2 {
		t.Fatalf("awarded = %d proposals, want 2", len(awarded))
	}
	if awarded[0].Metadata["score"] != "0.9" || awarded[1].Metadata["score"] != "0.7" {
		t.Fatalf("awarded scores = [%s, %s], want [0.9, 0.7]", awarded[0].Metadata["score"], awarded[1].Metadata["score"])
	}
}

func TestContractNetRejectsZeroParameters(t *testing.T) {
	bus := eventbus.NewBus(eventbus.Config{})
	c := NewCollaborator(bus, "agent-a")

	if _, err := c.ContractNet(context.Background(), "T", nil, 0, 1); err == nil {
		t.Fatal("expected an error for window_ms == 0")
	}
	if _, err := c.ContractNet(context.Background(), "T", nil, 50, 0); err == nil {
		t.Fatal("expected an error for max_awards == 0")
	}
}
