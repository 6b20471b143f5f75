// Package app wires the evented runtime: stores, the local command executor,
// remote domain routing, sagas, compensation and the gRPC server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"

	platformgrpc "github.com/louisbranch/evented/internal/platform/grpc"
	"github.com/louisbranch/evented/internal/platform/timeouts"
	"github.com/louisbranch/evented/internal/services/evented/api/grpc/aggregate"
	"github.com/louisbranch/evented/internal/services/evented/bus"
	"github.com/louisbranch/evented/internal/services/evented/deadletter"
	"github.com/louisbranch/evented/internal/services/evented/domain/book"
	"github.com/louisbranch/evented/internal/services/evented/domain/compensation"
	"github.com/louisbranch/evented/internal/services/evented/domain/executor"
	"github.com/louisbranch/evented/internal/services/evented/domain/fetch"
	"github.com/louisbranch/evented/internal/services/evented/domain/handler"
	"github.com/louisbranch/evented/internal/services/evented/domain/retry"
	"github.com/louisbranch/evented/internal/services/evented/domain/saga"
	"github.com/louisbranch/evented/internal/services/evented/escalation"
)

// RuntimeConfig controls runtime startup and dependencies.
type RuntimeConfig struct {
	Port        int
	Backend     string
	DBPath      string
	PostgresDSN string
	RoutesPath  string

	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	RetryMaxAttempts int
	AttemptTimeout   time.Duration
	SnapshotEvery    uint64
	ShutdownTimeout  time.Duration

	FallbackDomain    string
	FallbackEnabled   bool
	DeadLetterEnabled bool
	EscalationEnabled bool
	RedisAddr         string
	RedisStream       string
	WebhookURL        string
	WebhookSecret     string
	WebhookRate       float64
	WebhookBurst      int
}

const (
	defaultPort           = 8095
	defaultDBPath         = "data/evented.db"
	defaultFallbackDomain = "system"
)

func (cfg RuntimeConfig) normalized() RuntimeConfig {
	if cfg.Port <= 0 {
		cfg.Port = defaultPort
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = defaultDBPath
	}
	if strings.TrimSpace(cfg.FallbackDomain) == "" {
		cfg.FallbackDomain = defaultFallbackDomain
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = timeouts.Shutdown
	}
	return cfg
}

func (cfg RuntimeConfig) retryPolicy() retry.Policy {
	if cfg.RetryBaseDelay <= 0 && cfg.RetryMaxDelay <= 0 && cfg.RetryMaxAttempts <= 0 {
		return retry.Fast()
	}
	policy := retry.Fast()
	if cfg.RetryBaseDelay > 0 {
		policy.BaseDelay = cfg.RetryBaseDelay
	}
	if cfg.RetryMaxDelay > 0 {
		policy.MaxDelay = cfg.RetryMaxDelay
	}
	if cfg.RetryMaxAttempts > 0 {
		policy.MaxAttempts = cfg.RetryMaxAttempts
	}
	return policy
}

// Option adds application code to the runtime.
type Option func(*options)

type options struct {
	domains  map[string]handler.Handler
	sagas    []saga.Saga
	listener net.Listener
	logf     func(string, ...any)
}

// WithDomain hosts domain in this process.
func WithDomain(domain string, h handler.Handler) Option {
	return func(o *options) { o.domains[domain] = h }
}

// WithSaga subscribes s to committed events.
func WithSaga(s saga.Saga) Option {
	return func(o *options) { o.sagas = append(o.sagas, s) }
}

// WithListener serves on l instead of the configured port.
func WithListener(l net.Listener) Option {
	return func(o *options) { o.listener = l }
}

// WithLogger overrides log.Printf for every runtime component.
func WithLogger(logf func(string, ...any)) Option {
	return func(o *options) {
		if logf != nil {
			o.logf = logf
		}
	}
}

// Runtime is a wired, not yet serving, evented node.
type Runtime struct {
	cfg      RuntimeConfig
	logf     func(string, ...any)
	backend  backend
	pool     *aggregate.Pool
	local    *executor.Local
	executor executor.Executor
	fetcher  *fetch.Router
	pipeline *compensation.Pipeline
	runner   *saga.Runner
	bus      *bus.Bus
	server   *grpc.Server
	health   *health.Server
	listener net.Listener
	served   atomic.Bool
	closers  []func() error
}

// New opens storage and wires every component. Sagas started by committed
// events live until ctx ends.
func New(ctx context.Context, cfg RuntimeConfig, opts ...Option) (_ *Runtime, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg = cfg.normalized()
	o := options{domains: make(map[string]handler.Handler), logf: log.Printf}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	r := &Runtime{cfg: cfg, logf: o.logf}
	defer func() {
		if err != nil {
			if closeErr := r.Close(); closeErr != nil {
				r.logf("close runtime after failed start: %v", closeErr)
			}
		}
	}()

	r.backend, err = openBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	r.closers = append(r.closers, r.backend.close)

	routes, err := LoadRoutes(cfg.RoutesPath)
	if err != nil {
		return nil, err
	}
	var remote executor.Executor
	var remoteFetcher fetch.Fetcher
	if len(routes.Domains) > 0 {
		r.pool = aggregate.NewPool(routes.Domains,
			aggregate.WithPoolLogger(r.logf),
			aggregate.WithClientOptions(aggregate.WithClientLogger(r.logf)))
		r.closers = append(r.closers, r.pool.Close)
		remote, remoteFetcher = r.pool, r.pool
	}

	// The bus is built after the runner, which needs the executor.
	var sagaBus *bus.Bus
	publisher := publishFunc(func(ctx context.Context, events book.EventBook) {
		if sagaBus != nil {
			sagaBus.Publish(ctx, events)
		}
	})
	r.local, err = executor.NewLocal(r.backend.stores.Events,
		executor.WithSnapshots(r.backend.stores.Snapshots, cfg.SnapshotEvery),
		executor.WithPublisher(publisher),
		executor.WithLogger(r.logf))
	if err != nil {
		return nil, fmt.Errorf("create executor: %w", err)
	}
	if _, hosted := o.domains[cfg.FallbackDomain]; !hosted && cfg.FallbackEnabled && !routed(routes, cfg.FallbackDomain) {
		system, err := compensation.SystemHandler()
		if err != nil {
			return nil, fmt.Errorf("create system handler: %w", err)
		}
		o.domains[cfg.FallbackDomain] = system
	}
	for domain, h := range o.domains {
		if err := r.local.Register(domain, h); err != nil {
			return nil, fmt.Errorf("register domain %s: %w", domain, err)
		}
	}
	r.executor = routedExecutor{local: r.local, remote: remote}

	r.fetcher = fetch.NewRouter(remoteFetcher)
	localFetcher := fetch.NewStore(r.backend.stores.Events, r.backend.stores.Snapshots)
	for _, domain := range r.local.Domains() {
		r.fetcher.Route(domain, localFetcher)
	}

	if r.pipeline, err = r.newPipeline(ctx); err != nil {
		return nil, err
	}

	r.runner, err = saga.NewRunner(r.executor, r.fetcher,
		saga.WithPolicy(cfg.retryPolicy()),
		saga.WithCompensator(r.pipeline),
		saga.WithAttemptTimeout(cfg.AttemptTimeout),
		saga.WithLogger(r.logf))
	if err != nil {
		return nil, fmt.Errorf("create saga runner: %w", err)
	}
	sagaBus, err = bus.New(ctx, r.runner, bus.WithPositions(r.backend.stores.Positions), bus.WithLogger(r.logf))
	if err != nil {
		return nil, fmt.Errorf("create bus: %w", err)
	}
	for _, s := range o.sagas {
		if err := sagaBus.Subscribe(s); err != nil {
			return nil, fmt.Errorf("subscribe saga: %w", err)
		}
	}
	r.bus = sagaBus

	r.listener = o.listener
	if r.listener == nil {
		r.listener, err = net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
		if err != nil {
			return nil, fmt.Errorf("listen on port %d: %w", cfg.Port, err)
		}
	}
	r.server = grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	aggregate.Register(r.server, aggregate.NewService(r.local, localFetcher))
	r.health = platformgrpc.RegisterHealth(r.server, aggregate.ServiceName)
	return r, nil
}

func (r *Runtime) newPipeline(ctx context.Context) (*compensation.Pipeline, error) {
	cfg := r.cfg
	opts := []compensation.Option{
		compensation.WithFallbackExecutor(r.executor),
		compensation.WithClaims(r.backend.claims),
		compensation.WithLogger(r.logf),
	}
	if cfg.DeadLetterEnabled {
		var sink compensation.DeadLetterSink = r.backend.deadLetters
		if strings.TrimSpace(cfg.RedisAddr) != "" {
			stream, err := deadletter.Dial(ctx, cfg.RedisAddr, cfg.RedisStream)
			if err != nil {
				return nil, fmt.Errorf("dial dead-letter stream: %w", err)
			}
			r.closers = append(r.closers, stream.Close)
			sink = stream
		}
		opts = append(opts, compensation.WithDeadLetter(sink))
	}
	if cfg.EscalationEnabled {
		hook, err := escalation.New(escalation.Config{
			URL:    cfg.WebhookURL,
			Secret: cfg.WebhookSecret,
			Rate:   rate.Limit(cfg.WebhookRate),
			Burst:  cfg.WebhookBurst,
		})
		if err != nil {
			return nil, fmt.Errorf("create escalation webhook: %w", err)
		}
		opts = append(opts, compensation.WithEscalator(hook))
	}

	pipeline, err := compensation.NewPipeline(compensation.Config{
		FallbackDomain: cfg.FallbackDomain,
		Fallback:       cfg.FallbackEnabled,
		DeadLetter:     cfg.DeadLetterEnabled,
		Escalation:     cfg.EscalationEnabled,
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("create compensation pipeline: %w", err)
	}
	return pipeline, nil
}

// Executor routes commands to hosted domains locally and to the rest over
// gRPC.
func (r *Runtime) Executor() executor.Executor { return r.executor }

// Fetcher resolves any routed domain.
func (r *Runtime) Fetcher() fetch.Fetcher { return r.fetcher }

// Bus returns the saga bus.
func (r *Runtime) Bus() *bus.Bus { return r.bus }

// Addr returns the gRPC listen address.
func (r *Runtime) Addr() net.Addr { return r.listener.Addr() }

// Serve answers gRPC until ctx ends, then drains in-flight saga runs.
func (r *Runtime) Serve(ctx context.Context) error {
	if r.served.Swap(true) {
		return errors.New("runtime is already serving")
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- r.server.Serve(r.listener)
	}()
	r.logf("evented server listening at %v", r.listener.Addr())

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		r.bus.Wait()
		if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	}
	r.health.Shutdown()
	r.stop()
	<-serveErr
	r.bus.Wait()
	return nil
}

// stop drains in-flight RPCs for at most ShutdownTimeout, then cancels them.
func (r *Runtime) stop() {
	drained := make(chan struct{})
	go func() {
		r.server.GracefulStop()
		close(drained)
	}()
	timer := time.NewTimer(r.cfg.ShutdownTimeout)
	defer timer.Stop()
	select {
	case <-drained:
	case <-timer.C:
		r.logf("graceful shutdown exceeded %s; cancelling in-flight requests", r.cfg.ShutdownTimeout)
		r.server.Stop()
		<-drained
	}
}

// Close releases storage, pooled connections and sinks.
func (r *Runtime) Close() error {
	var errs []error
	if r.listener != nil && !r.served.Swap(true) {
		if err := r.listener.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close listener: %w", err))
		}
	}
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

// Run builds a runtime and serves until ctx ends.
func Run(ctx context.Context, cfg RuntimeConfig, opts ...Option) error {
	runtime, err := New(ctx, cfg, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := runtime.Close(); closeErr != nil {
			runtime.logf("close runtime: %v", closeErr)
		}
	}()
	return runtime.Serve(ctx)
}

func routed(routes Routes, domain string) bool {
	_, ok := routes.Domains[domain]
	return ok
}

type publishFunc func(ctx context.Context, events book.EventBook)

func (f publishFunc) Publish(ctx context.Context, events book.EventBook) { f(ctx, events) }

// routedExecutor prefers hosted domains and sends the rest to remote.
type routedExecutor struct {
	local  *executor.Local
	remote executor.Executor
}

func (e routedExecutor) Execute(ctx context.Context, cmd book.CommandBook) (executor.Outcome, error) {
	if e.remote == nil || e.local.Handles(cmd.Cover.Domain) {
		return e.local.Execute(ctx, cmd)
	}
	return e.remote.Execute(ctx, cmd)
}
