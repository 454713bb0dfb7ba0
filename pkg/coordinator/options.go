package coordinator

import (
	"log/slog"
	"time"

	"github.com/aretw0/labrun/pkg/domain"
	"github.com/aretw0/labrun/pkg/ports"
	"go.opentelemetry.io/otel/trace"
)

// Option configures the Coordinator.
type Option func(*Coordinator)

// WithRemote enables remote runs: control is used for create/cancel/pause/resume
// and factory builds the stream channel of each run.
func WithRemote(control ports.ControlPlane, factory ports.ChannelFactory) Option {
	return func(c *Coordinator) {
		c.control = control
		c.remote = factory
	}
}

// WithLocal enables local runs: programs are resolved from source and factory
// builds the sandboxed channel that executes them.
func WithLocal(source ports.ProtocolSource, factory ports.ChannelFactory) Option {
	return func(c *Coordinator) {
		c.source = source
		c.local = factory
	}
}

// WithDefaultMode sets the mode used when a StartRequest does not name one.
func WithDefaultMode(mode domain.Mode) Option {
	return func(c *Coordinator) {
		c.mode = mode
	}
}

// WithStore persists the initial RunRecord of every run.
func WithStore(store ports.RunStore) Option {
	return func(c *Coordinator) {
		c.store = store
	}
}

// WithLifecycleHooks registers observability hooks.
func WithLifecycleHooks(hooks domain.LifecycleHooks) Option {
	return func(c *Coordinator) {
		c.hooks = hooks
	}
}

// WithLogger configures a logger for the Coordinator.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithMetrics replaces the default (unregistered) collectors.
func WithMetrics(m *Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithTracer replaces the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(c *Coordinator) {
		c.tracer = t
	}
}

// WithStaleAfter marks a non-terminal run as stale when no message arrived for d.
// Zero disables the timer; a transport that gives up still marks the run stale.
func WithStaleAfter(d time.Duration) Option {
	return func(c *Coordinator) {
		c.staleAfter = d
	}
}

// WithClock overrides time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// WithIDGenerator overrides the generator of local run IDs.
func WithIDGenerator(fn func() string) Option {
	return func(c *Coordinator) {
		c.newID = fn
	}
}
