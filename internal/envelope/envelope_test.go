package envelope

import (
	"testing"

	"github.com/agentmesh/agentmesh/internal/wire"
)

func TestNewDefaults(t *testing.T) {
	e := New("T1", "agent-a")

	if e.ThreadID != "T1" {
		t.Fatalf("ThreadID = %q, want T1", e.ThreadID)
	}
	if e.CorrelationID != "T1" {
		t.Fatalf("CorrelationID = %q, want T1", e.CorrelationID)
	}
	if e.ReplyTo != "thread.T1.reply" {
		t.Fatalf("ReplyTo = %q, want thread.T1.reply", e.ReplyTo)
	}
	if e.TTL != DefaultTTL {
		t.Fatalf("TTL = %d, want %d", e.TTL, DefaultTTL)
	}
	if e.Hop != 0 {
		t.Fatalf("Hop = %d, want 0", e.Hop)
	}
}

func TestAttachFromRoundTrip(t *testing.T) {
	e := New("T2", "agent-b")
	e.CorrelationID = "custom-corr"
	e.TraceID = "trace-123"

	evt := &wire.Event{ID: "e1", Type: "tick"}
	e.Attach(evt)

	got := From(evt)
	if got.ThreadID != e.ThreadID || got.CorrelationID != e.CorrelationID ||
		got.Sender != e.Sender || got.ReplyTo != e.ReplyTo ||
		got.TTL != e.TTL || got.Hop != e.Hop || got.TraceID != e.TraceID {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, e)
	}
}

func TestFromAppliesDefaultsWhenMetadataMissing(t *testing.T) {
	evt := &wire.Event{ID: "e2", Type: "tick", Metadata: map[string]string{
		"thread_id": "T3",
	}}
	e := From(evt)
	if e.CorrelationID != "T3" {
		t.Fatalf("CorrelationID default = %q, want T3", e.CorrelationID)
	}
	if e.ReplyTo != "thread.T3.reply" {
		t.Fatalf("ReplyTo default = %q, want thread.T3.reply", e.ReplyTo)
	}
	if e.TTL != DefaultTTL {
		t.Fatalf("TTL default = %d, want %d", e.TTL, DefaultTTL)
	}
}

func TestNextHopExhaustsTTL(t *testing.T) {
	e := New("T4", "agent-c")
	e.TTL = 3

	hops := 0
	for e.NextHop() {
		hops++
		if hops > 100 {
			t.Fatal("NextHop did not terminate")
		}
	}
	if hops != 3 {
		t.Fatalf("hops = %d, want 3", hops)
	}
	if e.TTL != 0 {
		t.Fatalf("TTL after exhaustion = %d, want 0", e.TTL)
	}
	if e.NextHop() {
		t.Fatal("NextHop should return false once TTL is exhausted")
	}
}

func TestNextHopZeroTTLImmediatelyFalse(t *testing.T) {
	e := New("T5", "agent-d")
	e.TTL = 0
	if e.NextHop() {
		t.Fatal("NextHop with ttl=0 should return false")
	}
	if e.Hop != 0 {
		t.Fatalf("Hop should be unchanged, got %d", e.Hop)
	}
}

func TestReplyAndBroadcastTopics(t *testing.T) {
	if got := ReplyTopic("x"); got != "thread.x.reply" {
		t.Fatalf("ReplyTopic = %q", got)
	}
	if got := BroadcastTopic("x"); got != "thread.x.broadcast" {
		t.Fatalf("BroadcastTopic = %q", got)
	}
	if got := AgentRepliesTopic("a1"); got != "agent.a1.replies" {
		t.Fatalf("AgentRepliesTopic = %q", got)
	}
}
