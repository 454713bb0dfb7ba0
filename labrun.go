package labrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/aretw0/labrun/internal/config"
	"github.com/aretw0/labrun/internal/logging"
	"github.com/aretw0/labrun/pkg/adapters/bus"
	"github.com/aretw0/labrun/pkg/adapters/file"
	"github.com/aretw0/labrun/pkg/adapters/local"
	"github.com/aretw0/labrun/pkg/adapters/memory"
	redisadapter "github.com/aretw0/labrun/pkg/adapters/redis"
	"github.com/aretw0/labrun/pkg/adapters/remote"
	sqladapter "github.com/aretw0/labrun/pkg/adapters/sql"
	"github.com/aretw0/labrun/pkg/audit"
	"github.com/aretw0/labrun/pkg/coordinator"
	"github.com/aretw0/labrun/pkg/domain"
	"github.com/aretw0/labrun/pkg/persistence/middleware"
	"github.com/aretw0/labrun/pkg/ports"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// App is a fully wired run coordinator: the control and streaming planes of
// both modes, the durable store, the audit recorder, and event publication.
type App struct {
	*coordinator.Coordinator

	Store    ports.RunStore
	Recorder *audit.Recorder
	Source   ports.ProtocolSource
	Registry *prometheus.Registry

	logger  *slog.Logger
	closers []func() error
}

// Option configures New.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	registry *prometheus.Registry
	store    ports.RunStore
	control  ports.ControlPlane
	hooks    []domain.LifecycleHooks
}

// WithLogger sets the logger shared by every component.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithRegistry registers the Prometheus collectors on reg.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) {
		o.registry = reg
	}
}

// WithStore replaces the store selected by the configuration.
func WithStore(store ports.RunStore) Option {
	return func(o *options) {
		o.store = store
	}
}

// WithControlPlane replaces the HTTP control client of remote mode.
func WithControlPlane(control ports.ControlPlane) Option {
	return func(o *options) {
		o.control = control
	}
}

// WithLifecycleHooks adds observers next to the audit recorder and the bus.
func WithLifecycleHooks(hooks domain.LifecycleHooks) Option {
	return func(o *options) {
		o.hooks = append(o.hooks, hooks)
	}
}

// New builds an App from cfg. Call Close to release it.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = logging.NewNop()
	}
	if o.registry == nil {
		o.registry = prometheus.NewRegistry()
	}

	app := &App{Registry: o.registry, logger: o.logger}
	ok := false
	defer func() {
		if !ok {
			_ = app.closeAll()
		}
	}()

	var locker ports.DistributedLocker
	app.Store = o.store
	if app.Store == nil {
		store, l, closer, err := OpenStore(cfg.Store)
		if err != nil {
			return nil, err
		}
		app.Store, locker = store, l
		app.onClose(closer)
	}

	recorderOpts := []audit.Option{
		audit.WithLogger(o.logger),
		audit.WithRegisterer(o.registry),
	}
	if locker != nil {
		recorderOpts = append(recorderOpts, audit.WithLocker(locker))
	}
	app.Recorder = audit.NewRecorder(app.Store, recorderOpts...)

	hooks := []domain.LifecycleHooks{app.Recorder.Hooks()}
	if cfg.Bus.URL != "" {
		b, err := bus.New(cfg.Bus.URL, cfg.Bus.JetStream, nats.Name("labrun"))
		if err != nil {
			return nil, err
		}
		app.onClose(func() error {
			b.Close()
			return nil
		})
		hooks = append(hooks, bus.Hooks(b, bus.Subjects{Prefix: cfg.Bus.Prefix}, o.logger))
		o.logger.Info("publishing run events", "url", cfg.Bus.URL, "prefix", cfg.Bus.Prefix)
	}
	hooks = append(hooks, o.hooks...)

	control := o.control
	if control == nil {
		control = remote.NewControlClient(cfg.Remote.BaseURL, remote.WithHTTPClient(&http.Client{
			Timeout:   cfg.Remote.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}))
	}
	remoteChannels := func(spec ports.StartSpec) (ports.Channel, error) {
		return remote.NewChannel(cfg.Remote.BaseURL,
			remote.WithRetry(cfg.Remote.RetryDelay, cfg.Remote.MaxRetries),
			remote.WithLogger(o.logger),
		), nil
	}

	source := file.NewSource(cfg.Local.ProtocolDir)
	app.Source = source
	localChannels, err := LocalChannels(cfg.Local, o.logger)
	if err != nil {
		return nil, err
	}

	coordOpts := []coordinator.Option{
		coordinator.WithRemote(control, remoteChannels),
		coordinator.WithLocal(source, localChannels),
		coordinator.WithDefaultMode(cfg.DefaultMode()),
		coordinator.WithStore(app.Store),
		coordinator.WithLifecycleHooks(domain.CombineHooks(hooks...)),
		coordinator.WithLogger(o.logger),
		coordinator.WithMetrics(coordinator.NewMetrics(o.registry)),
	}
	if cfg.StaleAfter > 0 {
		coordOpts = append(coordOpts, coordinator.WithStaleAfter(cfg.StaleAfter))
	}
	app.Coordinator = coordinator.New(coordOpts...)

	ok = true
	return app, nil
}

// LocalChannels returns the channel factory of local mode: Lua programs run
// in the embedded interpreter, other languages in the allow-listed
// interpreters of cfg.Interpreters.
func LocalChannels(cfg config.Local, logger *slog.Logger) (ports.ChannelFactory, error) {
	interpreters := map[string]local.Interpreter{}
	if cfg.Interpreters != "" {
		var err error
		interpreters, err = local.LoadInterpreters(cfg.Interpreters)
		if err != nil {
			return nil, err
		}
	}
	baseDir, err := filepath.Abs(cfg.ProtocolDir)
	if err != nil {
		return nil, fmt.Errorf("invalid protocol dir: %w", err)
	}

	return func(spec ports.StartSpec) (ports.Channel, error) {
		rt := local.Router{
			Lua: local.NewLuaRuntime(
				local.WithTimeScale(cfg.TimeScale),
				local.WithLuaLogger(logger),
			),
			Fallback: local.NewProcessRuntime(
				local.WithInterpreters(interpreters),
				local.WithBaseDir(baseDir),
				local.WithProcessLogger(logger),
			),
		}
		return local.NewChannel(rt, spec.Program, local.WithChannelLogger(logger)), nil
	}, nil
}

// OpenStore opens the store selected by cfg. The locker is only set for
// stores shared between processes when cfg.DistLock is on.
func OpenStore(cfg config.Store) (ports.RunStore, ports.DistributedLocker, func() error, error) {
	redact, err := middleware.NewRedaction(cfg.Redact)
	if err != nil {
		return nil, nil, nil, err
	}
	store, locker, closer, err := openBackingStore(cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	return middleware.Chain(store, redact), locker, closer, nil
}

func openBackingStore(cfg config.Store) (ports.RunStore, ports.DistributedLocker, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Driver {
	case config.StoreMemory:
		return memory.NewStore(), nil, noop, nil
	case config.StoreFile:
		if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
			return nil, nil, nil, fmt.Errorf("failed to create store directory: %w", err)
		}
		return file.New(cfg.Path), nil, noop, nil
	case config.StoreRedis:
		store := redisadapter.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB,
			redisadapter.WithTTL(cfg.TTL),
			redisadapter.WithCompression(cfg.Compression),
		)
		var locker ports.DistributedLocker
		if cfg.DistLock {
			locker = redisadapter.NewLocker(store.Client(), "labrun:lock:")
		}
		return store, locker, store.Close, nil
	case config.StoreSQL:
		store, err := sqladapter.Open(cfg.DSN)
		if err != nil {
			return nil, nil, nil, err
		}
		return store, nil, store.Close, nil
	}
	return nil, nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

func (a *App) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

func (a *App) closeAll() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Close stops the coordinator, then releases the store and the bus.
func (a *App) Close() error {
	var errs []error
	if a.Coordinator != nil {
		errs = append(errs, a.Coordinator.Close())
	}
	errs = append(errs, a.closeAll())
	return errors.Join(errs...)
}

// Replay loads the audit trail of a run and reconstructs every state.
func (a *App) Replay(ctx context.Context, runID string) ([]audit.ReplayedCall, error) {
	entries, err := a.Store.ListFunctionCallLogs(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load call logs: %w", err)
	}
	return audit.Replay(entries)
}

// Wait blocks until the current run reaches a terminal status or ctx ends.
// It returns the last observed state. Hooks queued before that state, such
// as audit writes, have run by the time it returns.
func (a *App) Wait(ctx context.Context, onUpdate func(domain.RunState)) (domain.RunState, error) {
	updates, cancel := a.Subscribe()
	defer cancel()

	if s, ok := a.State(); ok {
		if onUpdate != nil {
			onUpdate(s)
		}
		if s.Status.Terminal() {
			return s, a.Flush(ctx)
		}
	}

	for {
		select {
		case s, open := <-updates:
			if !open {
				return a.last(), coordinator.ErrClosed
			}
			if onUpdate != nil {
				onUpdate(s)
			}
			if s.Status.Terminal() {
				return s, nil
			}
		case <-ctx.Done():
			return a.last(), ctx.Err()
		}
	}
}

func (a *App) last() domain.RunState {
	s, _ := a.State()
	return s
}
