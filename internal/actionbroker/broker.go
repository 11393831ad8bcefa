package actionbroker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/xeipuuv/gojsonschema"

	"github.com/agentmesh/agentmesh/internal/wire"
)

// DefaultTimeout is applied to an ActionCall that does not set TimeoutMs.
const DefaultTimeout = 30 * time.Second

// DefaultConcurrency bounds concurrent invocations for a capability that
// registers without an explicit limit.
const DefaultConcurrency = 16

// DefaultIdempotencyCacheSize bounds the number of distinct idempotency
// keys cached by a broker, across all capabilities (each key is scoped by
// its capability name).
const DefaultIdempotencyCacheSize = 1024

// Recorder receives invocation telemetry. An observability layer implements
// this to feed OpenTelemetry metrics; nil is safe to use.
type Recorder interface {
	Invoked(capability string, status wire.ActionStatus, latency time.Duration)
}

type noopRecorder struct{}

func (noopRecorder) Invoked(string, wire.ActionStatus, time.Duration) {}

// Config tunes the broker's defaults.
type Config struct {
	DefaultTimeout       time.Duration
	DefaultConcurrency   int
	IdempotencyCacheSize int
	Logger               *slog.Logger
	Recorder             Recorder
}

// Broker is the capability registry plus invocation surface described by
// the Action Broker component. The zero value is not usable; construct
// with New.
type Broker struct {
	cfg Config
	reg *registry

	inflightMu sync.Mutex
	inflight   map[string]struct{}

	idempotency *lru.Cache
}

// New constructs a Broker.
func New(cfg Config) (*Broker, error) {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	if cfg.DefaultConcurrency <= 0 {
		cfg.DefaultConcurrency = DefaultConcurrency
	}
	if cfg.IdempotencyCacheSize <= 0 {
		cfg.IdempotencyCacheSize = DefaultIdempotencyCacheSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Recorder == nil {
		cfg.Recorder = noopRecorder{}
	}

	cache, err := lru.New(cfg.IdempotencyCacheSize)
	if err != nil {
		return nil, fmt.Errorf("actionbroker: building idempotency cache: %w", err)
	}

	return &Broker{
		cfg:         cfg,
		reg:         newRegistry(),
		inflight:    make(map[string]struct{}),
		idempotency: cache,
	}, nil
}

// RegisterProvider adds a capability, replacing any prior registration that
// shares (name, version). Lookup-by-name alone prefers the most recently
// registered version. A concurrency <= 0 uses Config.DefaultConcurrency.
func (b *Broker) RegisterProvider(d wire.CapabilityDescriptor, p Provider, concurrency int) error {
	if concurrency <= 0 {
		concurrency = b.cfg.DefaultConcurrency
	}
	_, replaced, err := b.reg.register(d, p, concurrency)
	if err != nil {
		return err
	}
	if replaced {
		b.cfg.Logger.Warn("actionbroker: replacing existing capability registration",
			"capability", d.Name, "version", d.Version)
	}
	return nil
}

// ListCapabilities returns every registered capability descriptor.
func (b *Broker) ListCapabilities() []wire.CapabilityDescriptor {
	return b.reg.list()
}

// Invoke dispatches call to its registered provider and returns a result
// that never escapes as an error: every outcome, including validation
// failures, timeouts, and provider panics, is encoded in the returned
// ActionResult's status.
func (b *Broker) Invoke(ctx context.Context, call *wire.ActionCall) *wire.ActionResult {
	start := time.Now()
	result := b.invoke(ctx, call)
	b.cfg.Recorder.Invoked(call.CapabilityName, result.Status, time.Since(start))
	return result
}

func (b *Broker) invoke(ctx context.Context, call *wire.ActionCall) *wire.ActionResult {
	if call.ID == "" {
		return invalidResult(call.ID, "action call id must not be empty")
	}
	if !b.claimInFlight(call.ID) {
		return invalidResult(call.ID, fmt.Sprintf("action call id %q is already in flight", call.ID))
	}
	defer b.releaseInFlight(call.ID)

	reg, ok := b.reg.resolve(call.CapabilityName, "")
	if !ok {
		return &wire.ActionResult{
			ID:     call.ID,
			Status: wire.StatusNotFound,
			Error: &wire.ActionError{
				Code:    "not_found",
				Message: fmt.Sprintf("capability %q is not registered", call.CapabilityName),
			},
		}
	}

	if reg.schema != nil {
		if err := validateArguments(reg, call.Arguments); err != nil {
			return invalidResult(call.ID, err.Error())
		}
	}

	if call.IdempotencyKey != "" {
		if cached, ok := b.idempotency.Get(idempotencyCacheKey(call.CapabilityName, call.IdempotencyKey)); ok {
			return cached.(*wire.ActionResult)
		}
	}

	timeout := time.Duration(call.TimeoutMs) * time.Millisecond
	if call.TimeoutMs <= 0 {
		timeout = b.cfg.DefaultTimeout
	}

	select {
	case reg.sem <- struct{}{}:
	case <-ctx.Done():
		return &wire.ActionResult{
			ID:     call.ID,
			Status: wire.StatusTimeout,
			Error: &wire.ActionError{
				Code:    "timeout",
				Message: "deadline exceeded while waiting for a concurrency slot",
			},
		}
	}
	defer func() { <-reg.sem }()

	result := b.dispatch(ctx, reg, call, timeout)

	if result.Status == wire.StatusOK && call.IdempotencyKey != "" {
		b.idempotency.Add(idempotencyCacheKey(call.CapabilityName, call.IdempotencyKey), result)
	}
	return result
}

func (b *Broker) dispatch(ctx context.Context, reg *registration, call *wire.ActionCall, timeout time.Duration) *wire.ActionResult {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		output []byte
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: &ProviderError{Code: "tool_error", Message: fmt.Sprintf("panic: %v", r)}}
			}
		}()
		out, err := reg.provider.Invoke(callCtx, call)
		done <- outcome{output: out, err: err}
	}()

	select {
	case o := <-done:
		if o.err == nil {
			return &wire.ActionResult{ID: call.ID, Status: wire.StatusOK, Output: o.output}
		}
		return providerErrorResult(call.ID, o.err)
	case <-callCtx.Done():
		return &wire.ActionResult{
			ID:     call.ID,
			Status: wire.StatusTimeout,
			Error: &wire.ActionError{
				Code:    "timeout",
				Message: fmt.Sprintf("capability %q did not complete within %s", call.CapabilityName, timeout),
			},
		}
	}
}

func providerErrorResult(id string, err error) *wire.ActionResult {
	if pe, ok := err.(*ProviderError); ok {
		return &wire.ActionResult{
			ID:     id,
			Status: wire.StatusError,
			Error:  &wire.ActionError{Code: pe.Code, Message: pe.Message, Retryable: pe.Retryable},
		}
	}
	return &wire.ActionResult{
		ID:     id,
		Status: wire.StatusError,
		Error:  &wire.ActionError{Code: "tool_error", Message: err.Error()},
	}
}

func invalidResult(id, reason string) *wire.ActionResult {
	return &wire.ActionResult{
		ID:     id,
		Status: wire.StatusInvalid,
		Error:  &wire.ActionError{Code: "invalid", Message: reason},
	}
}

func validateArguments(reg *registration, args []byte) error {
	if len(args) == 0 {
		args = []byte("{}")
	}
	result, err := reg.schema.Validate(gojsonschema.NewBytesLoader(args))
	if err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	if !result.Valid() {
		return fmt.Errorf("arguments do not satisfy %s's schema: %v", reg.descriptor.Name, result.Errors())
	}
	return nil
}

func (b *Broker) claimInFlight(id string) bool {
	b.inflightMu.Lock()
	defer b.inflightMu.Unlock()
	if _, ok := b.inflight[id]; ok {
		return false
	}
	b.inflight[id] = struct{}{}
	return true
}

func (b *Broker) releaseInFlight(id string) {
	b.inflightMu.Lock()
	delete(b.inflight, id)
	b.inflightMu.Unlock()
}

func idempotencyCacheKey(capability, key string) string {
	return capability + "\x00" + key
}
