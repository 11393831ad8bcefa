package bridge

import (
	"fmt"
	"sync"

	"github.com/agentmesh/agentmesh/internal/wire"
)

type waiter struct {
	ch    chan *wire.ActionResult
	owner string // agent id the call was pushed to
}

// pendingCalls tracks server-pushed ActionCalls awaiting the client's
// ActionResult, keyed by call id.
type pendingCalls struct {
	mu sync.Mutex
	m  map[string]waiter
}

func newPendingCalls() *pendingCalls {
	return &pendingCalls{m: make(map[string]waiter)}
}

// register installs a waiter for callID, owned by agentID. It fails if one
// already exists.
func (p *pendingCalls) register(callID, agentID string) (chan *wire.ActionResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.m[callID]; exists {
		return nil, fmt.Errorf("bridge: action call id %q is already pending", callID)
	}
	w := waiter{ch: make(chan *wire.ActionResult, 1), owner: agentID}
	p.m[callID] = w
	return w.ch, nil
}

// resolve delivers result to the waiter for its call id, if still pending.
// It reports whether a waiter was found.
func (p *pendingCalls) resolve(result *wire.ActionResult) bool {
	p.mu.Lock()
	w, ok := p.m[result.ID]
	if ok {
		delete(p.m, result.ID)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	w.ch <- result
	return true
}

// cancel removes callID's waiter without delivering a result, used when the
// caller gives up (timeout or context cancellation).
func (p *pendingCalls) cancel(callID string) {
	p.mu.Lock()
	delete(p.m, callID)
	p.mu.Unlock()
}

// failAllForAgent resolves every pending call owned by agentID with an
// agent_disconnected error, per the bridge's closing-state cleanup.
func (p *pendingCalls) failAllForAgent(agentID string) {
	type failed struct {
		id string
		ch chan *wire.ActionResult
	}
	p.mu.Lock()
	var toFail []failed
	for callID, w := range p.m {
		if w.owner != agentID {
			continue
		}
		toFail = append(toFail, failed{id: callID, ch: w.ch})
		delete(p.m, callID)
	}
	p.mu.Unlock()

	for _, f := range toFail {
		f.ch <- &wire.ActionResult{
			ID:     f.id,
			Status: wire.StatusError,
			Error:  &wire.ActionError{Code: "agent_disconnected", Message: "the bridge connection for the target agent closed"},
		}
	}
}
