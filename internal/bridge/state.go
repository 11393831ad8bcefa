// Package bridge implements the Bridge component: a gRPC-shaped protocol
// that lets out-of-process agents register, subscribe, publish, forward
// action calls, and receive server-pushed action calls over a bidirectional
// stream, with a stateless-per-connection model that tolerates reconnection.
package bridge

import "sync/atomic"

// connState is a connection's position in its per-stream state machine.
type connState int32

const (
	stateNew connState = iota
	stateAwaitingAck
	stateRegistered
	stateActive
	stateClosing
)

func (s connState) String() string {
	switch s {
	case stateNew:
		return "new"
	case stateAwaitingAck:
		return "awaiting_ack"
	case stateRegistered:
		return "registered"
	case stateActive:
		return "active"
	case stateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

type connStateBox struct{ v atomic.Int32 }

func (b *connStateBox) load() connState   { return connState(b.v.Load()) }
func (b *connStateBox) store(s connState) { b.v.Store(int32(s)) }
