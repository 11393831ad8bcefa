package actionbroker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentmesh/agentmesh/internal/wire"
)

func okProvider(output []byte) Provider {
	return ProviderFunc(func(ctx context.Context, call *wire.ActionCall) ([]byte, error) {
		return output, nil
	})
}

func slowProvider(d time.Duration, output []byte) Provider {
	return ProviderFunc(func(ctx context.Context, call *wire.ActionCall) ([]byte, error) {
		select {
		case <-time.After(d):
			return output, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
}

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	b, err := New(Config{})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestInvokeSucceedsForRegisteredProvider(t *testing.T) {
	b := newTestBroker(t)
	if err := b.RegisterProvider(wire.CapabilityDescriptor{Name: "echo"}, okProvider([]byte("hi")), 0); err != nil {
		t.Fatal(err)
	}

	result := b.Invoke(context.Background(), &wire.ActionCall{ID: "c1", CapabilityName: "echo"})
	if result.Status != wire.StatusOK {
		t.Fatalf("status = %v, want ok", result.Status)
	}
	if string(result.Output) != "hi" {
		t.Fatalf("output = %q, want hi", result.Output)
	}
}

func TestInvokeMissingCapabilityReturnsNotFound(t *testing.T) {
	b := newTestBroker(t)
	result := b.Invoke(context.Background(), &wire.ActionCall{ID: "c1", CapabilityName: "nope"})
	if result.Status != wire.StatusNotFound {
		t.Fatalf("status = %v, want not_found", result.Status)
	}
}

func TestInvokeEmptyIDIsInvalid(t *testing.T) {
	b := newTestBroker(t)
	result := b.Invoke(context.Background(), &wire.ActionCall{CapabilityName: "echo"})
	if result.Status != wire.StatusInvalid {
		t.Fatalf("status = %v, want invalid", result.Status)
	}
}

func TestInvokeDuplicateIDWhileInFlightIsInvalid(t *testing.T) {
	b := newTestBroker(t)
	b.RegisterProvider(wire.CapabilityDescriptor{Name: "slow"}, slowProvider(200*time.Millisecond, nil), 0)

	resultCh := make(chan *wire.ActionResult, 1)
	go func() {
		resultCh <- b.Invoke(context.Background(), &wire.ActionCall{ID: "dup", CapabilityName: "slow", TimeoutMs: 1000})
	}()
	time.Sleep(20 * time.Millisecond)

	dup := b.Invoke(context.Background(), &wire.ActionCall{ID: "dup", CapabilityName: "slow"})
	if dup.Status != wire.StatusInvalid {
		t.Fatalf("duplicate in-flight call status = %v, want invalid", dup.Status)
	}
	<-resultCh
}

func TestInvokeTimesOutWhenProviderIsSlow(t *testing.T) {
	b := newTestBroker(t)
	b.RegisterProvider(wire.CapabilityDescriptor{Name: "slow"}, slowProvider(200*time.Millisecond, nil), 0)

	start := time.Now()
	result := b.Invoke(context.Background(), &wire.ActionCall{ID: "c1", CapabilityName: "slow", TimeoutMs: 50})
	elapsed := time.Since(start)

	if result.Status != wire.StatusTimeout {
		t.Fatalf("status = %v, want timeout", result.Status)
	}
	if elapsed > 150*time.Millisecond {
		t.Fatalf("invoke took %s, expected to return near the 50ms timeout", elapsed)
	}

	second := b.Invoke(context.Background(), &wire.ActionCall{ID: "c2", CapabilityName: "slow", TimeoutMs: 500})
	if second.Status != wire.StatusOK {
		t.Fatalf("status = %v, want ok for a call with enough budget", second.Status)
	}
}

func TestInvokeRecoversProviderPanic(t *testing.T) {
	b := newTestBroker(t)
	b.RegisterProvider(wire.CapabilityDescriptor{Name: "boom"}, ProviderFunc(func(ctx context.Context, call *wire.ActionCall) ([]byte, error) {
		panic("provider exploded")
	}), 0)

	result := b.Invoke(context.Background(), &wire.ActionCall{ID: "c1", CapabilityName: "boom"})
	if result.Status != wire.StatusError {
		t.Fatalf("status = %v, want error", result.Status)
	}
	if result.Error == nil || result.Error.Code != "tool_error" {
		t.Fatalf("error = %+v, want code tool_error", result.Error)
	}
}

func TestInvokeCachesIdempotentResult(t *testing.T) {
	b := newTestBroker(t)
	var calls int64
	b.RegisterProvider(wire.CapabilityDescriptor{Name: "echo"}, ProviderFunc(func(ctx context.Context, call *wire.ActionCall) ([]byte, error) {
		atomic.AddInt64(&calls, 1)
		return []byte("result"), nil
	}), 0)

	call := func(id string) *wire.ActionResult {
		return b.Invoke(context.Background(), &wire.ActionCall{ID: id, CapabilityName: "echo", IdempotencyKey: "same-key"})
	}
	first := call("c1")
	second := call("c2")

	if first.Status != wire.StatusOK || second.Status != wire.StatusOK {
		t.Fatalf("expected both calls ok, got %v and %v", first.Status, second.Status)
	}
	if atomic.LoadInt64(&calls) != 1 {
		t.Fatalf("provider invoked %d times, want 1 (second call should hit the idempotency cache)", calls)
	}
}

func TestRegisterLookupByNamePrefersMostRecentVersion(t *testing.T) {
	b := newTestBroker(t)
	b.RegisterProvider(wire.CapabilityDescriptor{Name: "echo", Version: "v1"}, okProvider([]byte("v1")), 0)
	b.RegisterProvider(wire.CapabilityDescriptor{Name: "echo", Version: "v2"}, okProvider([]byte("v2")), 0)

	result := b.Invoke(context.Background(), &wire.ActionCall{ID: "c1", CapabilityName: "echo"})
	if string(result.Output) != "v2" {
		t.Fatalf("output = %q, want v2 (most recently registered)", result.Output)
	}
}

func TestInvokeValidatesArgumentsAgainstSchema(t *testing.T) {
	b := newTestBroker(t)
	schema := []byte(`{"type":"object","required":["name"],"properties":{"name":{"type":"string"}}}`)
	b.RegisterProvider(wire.CapabilityDescriptor{Name: "greet", ParamSchema: schema}, okProvider([]byte("ok")), 0)

	missing := b.Invoke(context.Background(), &wire.ActionCall{ID: "c1", CapabilityName: "greet", Arguments: []byte(`{}`)})
	if missing.Status != wire.StatusInvalid {
		t.Fatalf("status = %v, want invalid for a missing required argument", missing.Status)
	}

	ok := b.Invoke(context.Background(), &wire.ActionCall{ID: "c2", CapabilityName: "greet", Arguments: []byte(`{"name":"ada"}`)})
	if ok.Status != wire.StatusOK {
		t.Fatalf("status = %v, want ok for a conforming argument", ok.Status)
	}
}

func TestListCapabilitiesReturnsSortedDescriptors(t *testing.T) {
	b := newTestBroker(t)
	b.RegisterProvider(wire.CapabilityDescriptor{Name: "b"}, okProvider(nil), 0)
	b.RegisterProvider(wire.CapabilityDescriptor{Name: "a"}, okProvider(nil), 0)

	caps := b.ListCapabilities()
	if len(caps) != 2 || caps[0].Name != "a" || caps[1].Name != "b" {
		t.Fatalf("ListCapabilities = %+v, want sorted [a b]", caps)
	}
}
