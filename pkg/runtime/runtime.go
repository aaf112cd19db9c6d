// Package runtime composes configuration, the engine manager binding, and the
// HTTP and gRPC health servers into a controllable lifecycle suitable for
// CLIs, services, or SDK embedding.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/theroutercompany/engine_manager/internal/config"
	enginehttp "github.com/theroutercompany/engine_manager/internal/http"
	"github.com/theroutercompany/engine_manager/internal/loader"
	"github.com/theroutercompany/engine_manager/internal/platform/health"
	"github.com/theroutercompany/engine_manager/pkg/engine"
	pkglog "github.com/theroutercompany/engine_manager/pkg/log"
	"github.com/theroutercompany/engine_manager/pkg/metrics"
)

var (
	// ErrAlreadyRunning indicates the runtime is already serving requests.
	ErrAlreadyRunning = errors.New("runtime already running")
	// ErrNotRunning indicates the runtime has not been started yet.
	ErrNotRunning = errors.New("runtime not running")
	// ErrReloadWhileRunning is returned when attempting to reload while serving.
	ErrReloadWhileRunning = errors.New("cannot reload runtime while it is running")
)

const grpcSyncInterval = 10 * time.Second

// Runtime orchestrates the server lifecycle based on engine manager configuration.
type Runtime struct {
	mu sync.Mutex

	cfg            config.Config
	comps          components
	logger         pkglog.Logger
	tracerProvider trace.TracerProvider

	cancel     context.CancelFunc
	errCh      chan error
	grpcErrCh  chan error
	grpcCancel context.CancelFunc
}

type components struct {
	engine   engine.Interface
	loader   *loader.Loader
	checker  *health.Checker
	registry *metrics.Registry
	server   *enginehttp.Server
	grpc     *health.GRPCServer
}

// Option customises runtime behaviour.
type Option func(*Runtime)

// WithLogger overrides the logger used by the runtime and its servers.
func WithLogger(logger pkglog.Logger) Option {
	return func(r *Runtime) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithTracerProvider routes engine call spans to tp instead of the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(r *Runtime) {
		r.tracerProvider = tp
	}
}

// New constructs a runtime from the provided configuration.
func New(cfg config.Config, opts ...Option) (*Runtime, error) {
	rt := &Runtime{
		cfg:    cfg,
		logger: pkglog.Shared(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(rt)
		}
	}

	comps, err := rt.buildComponents(cfg)
	if err != nil {
		return nil, err
	}
	rt.comps = comps

	return rt, nil
}

// Start begins serving in the background until the supplied context is
// cancelled or Shutdown is called.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.errCh != nil {
		return ErrAlreadyRunning
	}

	if ctx == nil {
		ctx = context.Background()
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.errCh = make(chan error, 1)

	server := r.comps.server
	errCh := r.errCh
	go func() {
		errCh <- server.Start(runCtx)
		close(errCh)
	}()

	if r.comps.grpc != nil {
		grpcCtx, grpcCancel := context.WithCancel(runCtx)
		r.grpcCancel = grpcCancel
		r.grpcErrCh = make(chan error, 1)

		grpcSrv := r.comps.grpc
		grpcErrCh := r.grpcErrCh
		addr := fmt.Sprintf(":%d", r.cfg.GRPC.Port)
		go func() {
			grpcErrCh <- grpcSrv.Serve(grpcCtx, addr)
			close(grpcErrCh)
		}()
	}

	r.logger.Infow("engine manager runtime started",
		"backend", r.cfg.Engine.Backend,
		"httpPort", r.cfg.HTTP.Port,
		"grpcEnabled", r.cfg.GRPC.Enabled,
	)

	return nil
}

// Wait blocks until the runtime stops and returns the terminal error,
// normalising context cancellation to nil.
func (r *Runtime) Wait() error {
	r.mu.Lock()
	errCh := r.errCh
	grpcErrCh := r.grpcErrCh
	r.mu.Unlock()

	if errCh == nil {
		return ErrNotRunning
	}

	var err error
	select {
	case err = <-errCh:
	case grpcErr := <-grpcErrCh:
		grpcErrCh = nil
		if grpcErr != nil && !errors.Is(grpcErr, context.Canceled) {
			r.logger.Errorw("grpc health server stopped with error", "error", grpcErr)
			r.mu.Lock()
			if r.cancel != nil {
				r.cancel()
			}
			r.mu.Unlock()
			<-errCh
			err = grpcErr
		} else {
			err = <-errCh
		}
	}

	if errors.Is(err, context.Canceled) {
		err = nil
	}

	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	if r.grpcCancel != nil {
		r.grpcCancel()
		r.grpcCancel = nil
	}
	r.mu.Unlock()

	if grpcErrCh != nil {
		<-grpcErrCh
	}

	r.mu.Lock()
	r.errCh = nil
	r.grpcErrCh = nil
	r.mu.Unlock()

	return err
}

// Run starts the runtime and waits for completion.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}
	return r.Wait()
}

// Shutdown gracefully stops the runtime if it is running.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.comps.server == nil || r.errCh == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if r.grpcCancel != nil {
		r.grpcCancel()
	}
	if r.cancel != nil {
		r.cancel()
	}

	return r.comps.server.Shutdown(ctx)
}

// Reload rebuilds runtime dependencies using the supplied configuration. The
// runtime must not be running.
func (r *Runtime) Reload(cfg config.Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.errCh != nil {
		return ErrReloadWhileRunning
	}

	comps, err := r.buildComponents(cfg)
	if err != nil {
		return err
	}

	r.cfg = cfg
	r.comps = comps
	r.logger.Infow("engine manager runtime reloaded", "backend", cfg.Engine.Backend)

	return nil
}

// Config returns the runtime's current configuration.
func (r *Runtime) Config() config.Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

// Engine returns the bound engine manager, or nil when none is bound.
func (r *Runtime) Engine() engine.Interface {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.comps.engine
}

// Loader returns the library loader built over the bound manager.
func (r *Runtime) Loader() *loader.Loader {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.comps.loader
}

// Addr returns the bound HTTP address once the runtime is serving.
func (r *Runtime) Addr() string {
	r.mu.Lock()
	server := r.comps.server
	r.mu.Unlock()
	return server.Addr()
}

// GRPCAddr returns the bound gRPC health address, or "" when disabled or not
// yet listening.
func (r *Runtime) GRPCAddr() string {
	r.mu.Lock()
	grpcSrv := r.comps.grpc
	r.mu.Unlock()
	if grpcSrv == nil {
		return ""
	}
	return grpcSrv.Addr()
}

func (r *Runtime) buildComponents(cfg config.Config) (components, error) {
	if err := cfg.Validate(); err != nil {
		return components{}, fmt.Errorf("invalid config: %w", err)
	}

	var registry *metrics.Registry
	if cfg.Metrics.Enabled {
		registry = metrics.NewRegistry()
	}

	backend, err := BindEngine(cfg.Engine.Backend)
	if err != nil {
		return components{}, err
	}

	instrumentOpts := []engine.InstrumentOption{engine.WithLogger(r.logger)}
	if registry != nil {
		instrumentOpts = append(instrumentOpts, engine.WithRegistry(registry))
	}
	if r.tracerProvider != nil {
		instrumentOpts = append(instrumentOpts, engine.WithTracerProvider(r.tracerProvider))
	}
	svc := engine.Instrument(backend, instrumentOpts...)

	ld := loader.New(svc, loader.WithLogger(r.logger), loader.WithConfig(cfg))
	checker := health.NewChecker(svc, cfg.Engine.CallTimeout.AsDuration())

	srv := enginehttp.NewServer(cfg, svc, checker, registry,
		enginehttp.WithLogger(r.logger),
		enginehttp.WithLoader(ld),
	)

	var grpcSrv *health.GRPCServer
	if cfg.GRPC.Enabled {
		grpcSrv = health.NewGRPCServer(checker, grpcSyncInterval, r.logger)
	}

	return components{
		engine:   svc,
		loader:   ld,
		checker:  checker,
		registry: registry,
		server:   srv,
		grpc:     grpcSrv,
	}, nil
}

// BindEngine resolves a configured backend name to an engine manager. The
// "none" backend goes through the binding factory with no handle and yields
// nil.
func BindEngine(backend string) (engine.Interface, error) {
	switch backend {
	case config.BackendStub, "":
		return engine.NewStub(), nil
	case config.BackendNone:
		return engine.AsInterface(nil), nil
	default:
		return nil, fmt.Errorf("unknown engine backend %q", backend)
	}
}
