package runtime

import (
	"context"
	"sync"

	"github.com/agentmesh/agentmesh/internal/wire"
)

// Behavior is the agent-owned handler invoked sequentially for every event
// that reaches an agent's mailbox. Two calls to OnEvent for the same agent
// are never concurrent.
type Behavior interface {
	OnEvent(ctx context.Context, evt *wire.Event) error
}

// BehaviorFunc adapts a function to the Behavior interface.
type BehaviorFunc func(ctx context.Context, evt *wire.Event) error

func (f BehaviorFunc) OnEvent(ctx context.Context, evt *wire.Event) error { return f(ctx, evt) }

// subRecord tracks one bus subscription wired into an agent's mailbox.
type subRecord struct {
	subID  string
	system bool
}

// Agent is a running, stateful event responder. Agents are created and
// destroyed through a Runtime; callers never construct one directly.
type Agent struct {
	id       string
	behavior Behavior
	params   map[string]string
	mailbox  chan *wire.Event

	state  stateBox
	ctx    context.Context
	cancel context.CancelFunc
	fanIn  sync.WaitGroup
	loop   sync.WaitGroup

	mu   sync.RWMutex
	subs map[string]*subRecord // keyed by topic_or_pattern
}

// ID returns the agent's identifier.
func (a *Agent) ID() string { return a.id }

// State returns the agent's current lifecycle state.
func (a *Agent) State() State { return a.state.load() }

// Parameter returns a policy parameter by key.
func (a *Agent) Parameter(key string) (string, bool) {
	v, ok := a.params[key]
	return v, ok
}

// Subscriptions returns the topics or patterns currently bound to this
// agent, including the system-owned replies subscription.
func (a *Agent) Subscriptions() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.subs))
	for topic := range a.subs {
		out = append(out, topic)
	}
	return out
}
