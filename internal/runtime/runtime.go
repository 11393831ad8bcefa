package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/agentmesh/agentmesh/internal/directory"
	"github.com/agentmesh/agentmesh/internal/envelope"
	"github.com/agentmesh/agentmesh/internal/eventbus"
	"github.com/agentmesh/agentmesh/internal/wire"
)

// DefaultMailboxCapacity is the mailbox size an agent gets when CreateSpec
// does not override it.
const DefaultMailboxCapacity = 1000

// CreateSpec describes a new agent.
type CreateSpec struct {
	AgentID         string
	Behavior        Behavior
	Subscriptions   []string
	Capabilities    []string
	Parameters      map[string]string
	MailboxCapacity int
}

// Config tunes a Runtime.
type Config struct {
	MailboxCapacity int
	Logger          *slog.Logger
}

// Runtime manages agent lifecycles atop a Bus and a Directory.
type Runtime struct {
	bus    *eventbus.Bus
	dir    *directory.Directory
	cfg    Config
	logger *slog.Logger

	mu     sync.RWMutex
	agents map[string]*Agent
}

// New constructs a Runtime bound to bus and dir.
func New(bus *eventbus.Bus, dir *directory.Directory, cfg Config) *Runtime {
	if cfg.MailboxCapacity <= 0 {
		cfg.MailboxCapacity = DefaultMailboxCapacity
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		bus:    bus,
		dir:    dir,
		cfg:    cfg,
		logger: logger,
		agents: make(map[string]*Agent),
	}
}

// Create brings up a new agent: allocates its mailbox, auto-subscribes it
// to its replies topic, wires its declared subscriptions, registers it in
// the directory, and spawns its event loop. It is an error to create an
// agent whose id already exists.
func (r *Runtime) Create(ctx context.Context, spec CreateSpec) (*Agent, error) {
	if spec.AgentID == "" {
		return nil, fmt.Errorf("runtime: agent id must not be empty")
	}
	if spec.Behavior == nil {
		return nil, fmt.Errorf("runtime: agent %q requires a behavior", spec.AgentID)
	}

	r.mu.Lock()
	if _, exists := r.agents[spec.AgentID]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("runtime: agent %q already exists", spec.AgentID)
	}
	mailboxCap := spec.MailboxCapacity
	if mailboxCap <= 0 {
		mailboxCap = r.cfg.MailboxCapacity
	}
	agentCtx, cancel := context.WithCancel(context.Background())
	a := &Agent{
		id:       spec.AgentID,
		behavior: spec.Behavior,
		params:   spec.Parameters,
		mailbox:  make(chan *wire.Event, mailboxCap),
		ctx:      agentCtx,
		cancel:   cancel,
		subs:     make(map[string]*subRecord),
	}
	a.state.store(StateInitializing)
	r.agents[spec.AgentID] = a
	r.mu.Unlock()

	replyTopic := envelope.AgentRepliesTopic(spec.AgentID)
	if err := r.wireSubscription(a, replyTopic, true); err != nil {
		r.rollbackCreate(spec.AgentID, cancel)
		return nil, fmt.Errorf("runtime: auto-subscribing %q to its replies topic: %w", spec.AgentID, err)
	}
	for _, topic := range spec.Subscriptions {
		if err := r.wireSubscription(a, topic, false); err != nil {
			r.rollbackCreate(spec.AgentID, cancel)
			return nil, fmt.Errorf("runtime: subscribing %q to %q: %w", spec.AgentID, topic, err)
		}
	}

	if err := r.dir.Register(spec.AgentID, append([]string{replyTopic}, spec.Subscriptions...), spec.Capabilities); err != nil {
		r.rollbackCreate(spec.AgentID, cancel)
		return nil, fmt.Errorf("runtime: registering %q in the directory: %w", spec.AgentID, err)
	}

	a.state.store(StateRunning)
	a.loop.Add(1)
	go r.runEventLoop(a)

	return a, nil
}

// rollbackCreate undoes partial setup when Create fails partway through.
func (r *Runtime) rollbackCreate(agentID string, cancel context.CancelFunc) {
	cancel()
	r.mu.Lock()
	a := r.agents[agentID]
	delete(r.agents, agentID)
	r.mu.Unlock()
	if a == nil {
		return
	}
	a.mu.Lock()
	subs := a.subs
	a.subs = nil
	a.mu.Unlock()
	for _, rec := range subs {
		r.bus.Unsubscribe(rec.subID)
	}
}

// wireSubscription creates a bus subscription for topic and spawns the
// fan-in goroutine that moves its deliveries into the agent's mailbox.
func (r *Runtime) wireSubscription(a *Agent, topic string, system bool) error {
	sub, err := r.bus.Subscribe(a.id, topic, nil, eventbus.QoSBatched)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.subs[topic] = &subRecord{subID: sub.ID(), system: system}
	a.mu.Unlock()

	a.fanIn.Add(1)
	go func() {
		defer a.fanIn.Done()
		for {
			select {
			case evt, ok := <-sub.Queue():
				if !ok {
					return
				}
				select {
				case a.mailbox <- evt:
				case <-a.ctx.Done():
					return
				}
			case <-a.ctx.Done():
				return
			}
		}
	}()
	return nil
}

func (r *Runtime) runEventLoop(a *Agent) {
	defer a.loop.Done()
	for {
		select {
		case evt, ok := <-a.mailbox:
			if !ok {
				return
			}
			if err := a.behavior.OnEvent(a.ctx, evt); err != nil {
				r.logger.Warn("runtime: behavior returned an error", "agent_id", a.id, "event_id", evt.ID, "error", err)
			}
		case <-a.ctx.Done():
			return
		}
	}
}

// Delete stops an agent: cancels its event loop, unsubscribes every bus
// subscription (including the system-owned replies topic), and removes it
// from the directory. Safe to call concurrently with publishes; in-flight
// deliveries for the now-closed mailbox are dropped by the bus as
// queue_full/closed. Deleting an unknown agent id is a not-found error.
func (r *Runtime) Delete(agentID string) error {
	r.mu.Lock()
	a, ok := r.agents[agentID]
	if !ok || a == nil {
		r.mu.Unlock()
		return fmt.Errorf("runtime: agent %q not found", agentID)
	}
	delete(r.agents, agentID)
	r.mu.Unlock()

	a.state.store(StateStopping)
	a.cancel()

	a.mu.Lock()
	subs := a.subs
	a.subs = nil
	a.mu.Unlock()
	for _, rec := range subs {
		r.bus.Unsubscribe(rec.subID)
	}

	a.fanIn.Wait()
	close(a.mailbox)
	a.loop.Wait()

	if err := r.dir.Unregister(agentID); err != nil {
		r.logger.Warn("runtime: directory unregister failed", "agent_id", agentID, "error", err)
	}
	a.state.store(StateTerminated)
	return nil
}

// Get returns the agent for agentID, if it exists and has finished
// initializing.
func (r *Runtime) Get(agentID string) (*Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[agentID]
	if !ok || a == nil || a.State() == StateInitializing {
		return nil, false
	}
	return a, true
}

// SubscribeAgent adds a dynamic subscription for a running agent. It fails
// if the agent is unknown or already subscribed to that exact
// topic-or-pattern.
func (r *Runtime) SubscribeAgent(agentID, pattern string) error {
	a, ok := r.Get(agentID)
	if !ok {
		return fmt.Errorf("runtime: agent %q not found", agentID)
	}

	a.mu.RLock()
	_, exists := a.subs[pattern]
	a.mu.RUnlock()
	if exists {
		return fmt.Errorf("runtime: agent %q is already subscribed to %q", agentID, pattern)
	}

	return r.wireSubscription(a, pattern, false)
}

// UnsubscribeAgent removes a dynamic subscription. It fails if the
// subscription is absent or is the system-owned replies subscription.
func (r *Runtime) UnsubscribeAgent(agentID, pattern string) error {
	a, ok := r.Get(agentID)
	if !ok {
		return fmt.Errorf("runtime: agent %q not found", agentID)
	}

	a.mu.Lock()
	rec, exists := a.subs[pattern]
	if !exists {
		a.mu.Unlock()
		return fmt.Errorf("runtime: agent %q has no subscription to %q", agentID, pattern)
	}
	if rec.system {
		a.mu.Unlock()
		return fmt.Errorf("runtime: %q is a system-owned subscription and cannot be removed", pattern)
	}
	delete(a.subs, pattern)
	a.mu.Unlock()

	r.bus.Unsubscribe(rec.subID)
	return nil
}

// GetAgentSubscriptions returns the topics or patterns currently bound to
// agentID, including its system-owned replies subscription.
func (r *Runtime) GetAgentSubscriptions(agentID string) ([]string, error) {
	a, ok := r.Get(agentID)
	if !ok {
		return nil, fmt.Errorf("runtime: agent %q not found", agentID)
	}
	return a.Subscriptions(), nil
}
