package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/agentmesh/agentmesh/internal/wire"
)

func newEvent(id, typ string) *wire.Event {
	return &wire.Event{ID: id, Type: typ, Metadata: map[string]string{"k": "v"}}
}

func TestPublishDeliversToExactSubscriber(t *testing.T) {
	bus := NewBus(Config{})
	sub, err := bus.Subscribe("a1", "orders.created", nil, QoSBatched)
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	n, err := bus.Publish(ctx, "orders.created", newEvent("e1", "order"))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("delivered = %d, want 1", n)
	}

	select {
	case got := <-sub.Queue():
		if got.ID != "e1" {
			t.Fatalf("got event %q, want e1", got.ID)
		}
	default:
		t.Fatal("expected event in subscriber queue")
	}
}

func TestWildcardStrictSingleSegment(t *testing.T) {
	bus := NewBus(Config{})
	sub, _ := bus.Subscribe("a1", "agent.*.replies", nil, QoSBatched)

	ctx := context.Background()
	bus.Publish(ctx, "agent.a1.replies", newEvent("e1", "reply"))
	bus.Publish(ctx, "agent.replies", newEvent("e2", "reply"))       // too few segments
	bus.Publish(ctx, "agent.a1.b2.replies", newEvent("e3", "reply")) // too many segments

	if len(sub.Queue()) != 1 {
		t.Fatalf("queue length = %d, want 1 (only the exact-segment match)", len(sub.Queue()))
	}
}

func TestTypeFilterAdmitsOnlyListedTypes(t *testing.T) {
	bus := NewBus(Config{})
	sub, _ := bus.Subscribe("a1", "topic", []string{"wanted"}, QoSBatched)

	ctx := context.Background()
	bus.Publish(ctx, "topic", newEvent("e1", "wanted"))
	bus.Publish(ctx, "topic", newEvent("e2", "unwanted"))

	if len(sub.Queue()) != 1 {
		t.Fatalf("queue length = %d, want 1", len(sub.Queue()))
	}
}

func TestRealtimeNeverBlocksAndDropsWhenFull(t *testing.T) {
	bus := NewBus(Config{QueueCapacity: map[QoS]int{QoSRealtime: 1}})
	bus.Subscribe("a1", "topic", nil, QoSRealtime)

	ctx := context.Background()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(ctx, "topic", newEvent("e", "t"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("realtime publish blocked")
	}

	stats := bus.GetStats("topic")
	if stats.TotalPublished != 10 {
		t.Fatalf("TotalPublished = %d, want 10", stats.TotalPublished)
	}
	if stats.DroppedByReason[DropQueueFull] == 0 {
		t.Fatal("expected some realtime drops due to a full queue")
	}
}

func TestBatchedAwaitsEnqueueUntilContextDone(t *testing.T) {
	bus := NewBus(Config{QueueCapacity: map[QoS]int{QoSBatched: 1}})
	bus.Subscribe("a1", "topic", nil, QoSBatched)

	// Fill the one-slot queue.
	ctx := context.Background()
	bus.Publish(ctx, "topic", newEvent("e1", "t"))

	shortCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	n, _ := bus.Publish(shortCtx, "topic", newEvent("e2", "t"))
	if n != 0 {
		t.Fatalf("delivered = %d, want 0 (queue was full and ctx expired)", n)
	}
	if time.Since(start) < 40*time.Millisecond {
		t.Fatal("batched publish should have awaited enqueue room instead of returning immediately")
	}
}

func TestUnsubscribeStopsDeliveryAndClosesQueue(t *testing.T) {
	bus := NewBus(Config{})
	sub, _ := bus.Subscribe("a1", "topic", nil, QoSBatched)
	bus.Unsubscribe(sub.ID())

	_, ok := <-sub.Queue()
	if ok {
		t.Fatal("queue should be closed after Unsubscribe")
	}

	n, err := bus.Publish(context.Background(), "topic", newEvent("e1", "t"))
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("delivered = %d, want 0 after unsubscribe", n)
	}
}

func TestActiveSubscriptionsCountsWildcardsBeforeFirstPublish(t *testing.T) {
	bus := NewBus(Config{})
	bus.Subscribe("a1", "agent.*.replies", nil, QoSBatched)

	stats := bus.GetStats("agent.a1.replies")
	if stats.ActiveSubscriptions != 1 {
		t.Fatalf("ActiveSubscriptions = %d, want 1 even though no event has been published yet", stats.ActiveSubscriptions)
	}
	if stats.TotalPublished != 0 {
		t.Fatalf("TotalPublished = %d, want 0", stats.TotalPublished)
	}
}

func TestNoSubscriberStatsAreZeroNotError(t *testing.T) {
	bus := NewBus(Config{})
	stats := bus.GetStats("nobody.listens")
	if stats.ActiveSubscriptions != 0 || stats.TotalPublished != 0 || stats.BacklogSize != 0 {
		t.Fatalf("expected all-zero stats for an unknown topic, got %+v", stats)
	}
}

func TestPerSubscriberOrderPreservedAcrossSequentialPublishes(t *testing.T) {
	bus := NewBus(Config{})
	sub, _ := bus.Subscribe("a1", "topic", nil, QoSBackground)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		bus.Publish(ctx, "topic", newEvent(string(rune('a'+i)), "t"))
	}

	var got []string
	for i := 0; i < 5; i++ {
		got = append(got, (<-sub.Queue()).ID)
	}
	want := []string{"a", "b", "c", "d", "e"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order mismatch at %d: got %v, want %v", i, got, want)
		}
	}
}

func TestConcurrentSubscribeUnsubscribePublishIsRaceFree(t *testing.T) {
	bus := NewBus(Config{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sub, err := bus.Subscribe("a", "topic", nil, QoSBackground)
			if err != nil {
				t.Error(err)
				return
			}
			bus.Publish(ctx, "topic", newEvent("e", "t"))
			bus.Unsubscribe(sub.ID())
		}(i)
	}
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(ctx, "topic", newEvent("e", "t"))
		}()
	}
	wg.Wait()
}
