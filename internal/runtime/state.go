// Package runtime implements the Agent Runtime: agent lifecycle, mailbox
// dispatch from bus subscriptions, dynamic (un)subscription, and the
// collaboration primitives built atop the Event Bus and the envelope.
package runtime

import "sync/atomic"

// State is an agent's position in its lifecycle state machine.
type State int32

const (
	StateInitializing State = iota
	StateRunning
	StateStopping
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

type stateBox struct{ v atomic.Int32 }

func (b *stateBox) load() State    { return State(b.v.Load()) }
func (b *stateBox) store(s State)  { b.v.Store(int32(s)) }
