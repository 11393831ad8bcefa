package bridge

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentmesh/agentmesh/internal/wire"
)

// DefaultOutboundCapacity bounds a connection's outbound queue when Config
// does not override it.
const DefaultOutboundCapacity = 256

// connection is the bridge's per-stream state: the bus subscriptions bound
// to one external agent, its bounded outbound queue, and the bookkeeping
// needed to tear everything down deterministically on close.
type connection struct {
	agentID  string
	state    connStateBox
	outbound chan *wire.ServerEvent

	ctx    context.Context
	cancel context.CancelFunc

	lastActivityMs atomic.Int64

	mu      sync.Mutex
	subIDs  []string
	fanIn   sync.WaitGroup
}

func newConnection(agentID string, outboundCapacity int) *connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &connection{
		agentID:  agentID,
		outbound: make(chan *wire.ServerEvent, outboundCapacity),
		ctx:      ctx,
		cancel:   cancel,
	}
	c.state.store(stateNew)
	c.touch()
	return c
}

func (c *connection) touch() {
	c.lastActivityMs.Store(time.Now().UnixMilli())
}

func (c *connection) idleFor() time.Duration {
	last := c.lastActivityMs.Load()
	return time.Since(time.UnixMilli(last))
}

func (c *connection) addSubscription(id string) {
	c.mu.Lock()
	c.subIDs = append(c.subIDs, id)
	c.mu.Unlock()
}

func (c *connection) subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.subIDs...)
}

// enqueue attempts a bounded, non-blocking-forever send of evt onto the
// connection's outbound queue, honoring both the connection's own
// cancellation and ctx (typically the caller's request context).
func (c *connection) enqueue(ctx context.Context, evt *wire.ServerEvent) bool {
	select {
	case c.outbound <- evt:
		return true
	case <-c.ctx.Done():
		return false
	case <-ctx.Done():
		return false
	}
}
