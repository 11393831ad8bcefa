package agentsdk

import (
	"context"
	"errors"
)

// CapabilityHandler implements one capability an agent advertises to the
// bridge. It receives the raw JSON-encoded argument bytes from the
// matching ActionCall and returns the raw JSON-encoded result, or an error
// if invocation failed.
type CapabilityHandler func(ctx context.Context, args []byte) ([]byte, error)

// Capability is a registered capability: its wire descriptor plus the
// local handler that serves it.
type Capability struct {
	Name        string
	Version     string
	Description string
	ParamSchema []byte
	Handler     CapabilityHandler
}

// Common errors
var (
	ErrMissingAgentID      = errors.New("agent ID is required")
	ErrMissingBrokerAddr   = errors.New("broker address is required")
	ErrDuplicateCapability = errors.New("capability with this name already registered")
	ErrAgentAlreadyRunning = errors.New("agent is already running")
)
