package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/xraph/beacon"
	"github.com/xraph/beacon/backoff"
	"github.com/xraph/beacon/coordinator"
	"github.com/xraph/beacon/ext"
	"github.com/xraph/beacon/id"
	"github.com/xraph/beacon/job"
	"github.com/xraph/beacon/machine"
	mw "github.com/xraph/beacon/middleware"
	"github.com/xraph/beacon/misfire"
	"github.com/xraph/beacon/observability"
	"github.com/xraph/beacon/store"
	"github.com/xraph/beacon/trigger"
	"github.com/xraph/beacon/worker"
)

// ErrStopped is returned by Start on an engine that was already stopped.
var ErrStopped = errors.New("beacon: engine stopped")

// Engine is one scheduler instance.
type Engine struct {
	cfg        beacon.Config
	gw         store.Gateway
	machine    *machine.Machine
	coord      *coordinator.Coordinator
	detector   *misfire.Detector
	pool       *worker.Pool
	extensions *ext.Registry
	registry   *job.Registry
	retry      backoff.Strategy
	limiter    *rate.Limiter
	mws        []mw.Middleware
	logger     *slog.Logger
	tracer     trace.Tracer

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider

	// wake interrupts the acquisition loop's waits after the schedule
	// changed.
	wake chan struct{}

	mu      sync.Mutex
	running bool
	stopped bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig sets the scheduler tunables.
func WithConfig(cfg beacon.Config) Option {
	return func(eng *Engine) { eng.cfg = cfg }
}

// WithLogger sets the logger shared by every subsystem.
func WithLogger(l *slog.Logger) Option {
	return func(eng *Engine) { eng.logger = l }
}

// WithExtension registers an extension with the engine.
func WithExtension(e ext.Extension) Option {
	return func(eng *Engine) { eng.extensions.Register(e) }
}

// WithMiddleware adds middleware to the execution chain, inside the
// built-in recover, tracing and logging middleware.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) { eng.mws = append(eng.mws, m) }
}

// WithRegistry makes the engine look handlers up in r.
func WithRegistry(r *job.Registry) Option {
	return func(eng *Engine) { eng.registry = r }
}

// WithRetry sets the delay strategy used after failed store round-trips.
// If not set, backoff.ForStore(Config.DBRetryInterval) is used.
func WithRetry(s backoff.Strategy) Option {
	return func(eng *Engine) { eng.retry = s }
}

// WithTracerProvider sets the OTel TracerProvider for cycle and job spans.
// If not set, the global otel.GetTracerProvider() is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) { eng.tracerProvider = tp }
}

// WithMeterProvider sets the OTel MeterProvider used by the built-in
// metrics extension. If not set, the global otel.GetMeterProvider() is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) { eng.meterProvider = mp }
}

// New builds an engine over gw. The instance id "AUTO" is replaced by a
// generated one.
func New(gw store.Gateway, opts ...Option) (*Engine, error) {
	if gw == nil {
		return nil, beacon.ErrNoStore
	}
	eng := &Engine{
		cfg:        beacon.DefaultConfig(),
		gw:         gw,
		extensions: ext.NewRegistry(nil),
		logger:     slog.Default(),
		wake:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(eng)
	}
	if eng.cfg.InstanceID == beacon.AutoInstanceID {
		eng.cfg.InstanceID = id.NewInstanceID()
	}
	if err := eng.cfg.Validate(); err != nil {
		return nil, err
	}
	eng.extensions.SetLogger(eng.logger)

	if eng.registry == nil {
		eng.registry = job.NewRegistry()
	}
	if eng.retry == nil {
		eng.retry = backoff.ForStore(eng.cfg.DBRetryInterval)
	}
	if eng.cfg.AcquireRate > 0 {
		eng.limiter = rate.NewLimiter(rate.Limit(eng.cfg.AcquireRate), 1)
	}
	eng.tracer = observability.Tracer(eng.tracerProvider)
	eng.extensions.Register(observability.NewMetricsExtension(eng.meterProvider))

	logger := eng.logger.With(slog.String("instance", eng.cfg.InstanceID))
	eng.machine = machine.New(gw, eng.cfg.InstanceID,
		machine.WithMisfireThreshold(eng.cfg.MisfireThreshold),
		machine.WithLogger(logger),
		machine.WithExtensions(eng.extensions),
	)
	eng.coord = coordinator.New(eng.machine,
		coordinator.WithCheckInInterval(eng.cfg.CheckInInterval),
		coordinator.WithFailureFactor(eng.cfg.ClusterFailureFactor),
		coordinator.WithMaxRecoveriesPerCycle(eng.cfg.MaxRecoveriesPerCycle),
		coordinator.WithMisfireThreshold(eng.cfg.MisfireThreshold),
		coordinator.WithLogger(logger),
		coordinator.WithExtensions(eng.extensions),
	)
	eng.detector = misfire.NewDetector(gw,
		misfire.WithThreshold(eng.cfg.MisfireThreshold),
		misfire.WithMaxPerScan(eng.cfg.MaxMisfiresPerPass),
		misfire.WithLogger(logger),
		misfire.WithExtensions(eng.extensions),
	)

	// recover → tracing → logging → user middleware → handler.
	chain := []mw.Middleware{
		mw.Recover(logger),
		mw.TracingWithTracer(eng.tracer),
		mw.Logging(logger),
	}
	chain = append(chain, eng.mws...)
	executor := worker.NewExecutor(eng.registry, eng.machine, eng.extensions, eng.retry, logger, chain...)
	executor.OnComplete(eng.Signal)
	eng.pool = worker.NewPool(executor, eng.cfg.Concurrency, logger)
	eng.logger = logger

	return eng, nil
}

// Register registers a typed job definition with the engine.
func Register[T any](eng *Engine, def *job.Definition[T]) {
	job.RegisterDefinition(eng.registry, def)
}

// ──────────────────────────────────────────────────
// Scheduling
// ──────────────────────────────────────────────────

// ScheduleJob stores a new job with its first trigger and wakes the
// acquisition loop.
func (eng *Engine) ScheduleJob(ctx context.Context, j *job.Job, t *trigger.Trigger) error {
	if err := eng.machine.StoreJobAndTrigger(ctx, j, t); err != nil {
		return err
	}
	eng.Signal()
	return nil
}

// Schedule stores a trigger for an existing job and wakes the acquisition
// loop.
func (eng *Engine) Schedule(ctx context.Context, t *trigger.Trigger) error {
	if err := eng.machine.StoreTrigger(ctx, t, false); err != nil {
		return err
	}
	eng.Signal()
	return nil
}

// Unschedule removes a trigger. A non-durable job left without triggers is
// removed with it.
func (eng *Engine) Unschedule(ctx context.Context, key trigger.Key) (bool, error) {
	return eng.machine.RemoveTrigger(ctx, key)
}

// Signal wakes the acquisition loop so it reconsiders the schedule. Call it
// after changing triggers through Machine directly.
func (eng *Engine) Signal() {
	select {
	case eng.wake <- struct{}{}:
	default:
	}
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Start recovers work this instance left behind, checks in when clustered
// and launches the loops. It returns once the loops are running.
func (eng *Engine) Start(ctx context.Context) error {
	eng.mu.Lock()
	defer eng.mu.Unlock()
	if eng.stopped {
		return ErrStopped
	}
	if eng.running {
		return nil
	}

	now := time.Now()
	if _, err := eng.coord.RecoverOwn(ctx, now); err != nil {
		return errors.Wrap(err, "beacon/engine: start")
	}
	if eng.cfg.Clustered {
		if _, err := eng.coord.CheckIn(ctx, now); err != nil {
			return errors.Wrap(err, "beacon/engine: first check-in")
		}
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g, gctx := errgroup.WithContext(loopCtx)
	if eng.cfg.Clustered {
		g.Go(func() error { return eng.clusterLoop(gctx) })
	}
	g.Go(func() error { return eng.misfireLoop(gctx) })
	g.Go(func() error { return eng.acquireLoop(gctx) })

	eng.cancel = cancel
	eng.group = g
	eng.running = true

	eng.logger.Info("scheduler started",
		slog.String("name", eng.cfg.InstanceName),
		slog.Bool("clustered", eng.cfg.Clustered),
		slog.Int("concurrency", eng.cfg.Concurrency),
	)
	return nil
}

// Stop halts the loops, waits for running jobs up to ShutdownTimeout and
// removes this instance's heartbeat row so peers do not wait out the
// failure window. An engine cannot be restarted.
func (eng *Engine) Stop(ctx context.Context) error {
	eng.mu.Lock()
	if !eng.running {
		eng.stopped = true
		eng.mu.Unlock()
		return nil
	}
	eng.running = false
	eng.stopped = true
	cancel, g := eng.cancel, eng.group
	eng.mu.Unlock()

	eng.logger.Info("scheduler stopping")
	cancel()
	loopErr := g.Wait()

	poolCtx, poolCancel := context.WithTimeout(ctx, eng.cfg.ShutdownTimeout)
	defer poolCancel()
	if err := eng.pool.Stop(poolCtx); err != nil {
		eng.logger.Error("worker pool stop error", slog.String("error", err.Error()))
	}

	if eng.cfg.Clustered {
		if err := eng.coord.Shutdown(ctx); err != nil {
			eng.logger.Warn("failed to remove scheduler state", slog.String("error", err.Error()))
		}
	}
	eng.extensions.EmitShutdown(ctx)
	return loopErr
}

// Run starts the engine, blocks until ctx is done and stops it.
func (eng *Engine) Run(ctx context.Context) error {
	if err := eng.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return eng.Stop(context.WithoutCancel(ctx))
}

// ──────────────────────────────────────────────────
// Accessors
// ──────────────────────────────────────────────────

// InstanceID returns the resolved instance id.
func (eng *Engine) InstanceID() string { return eng.cfg.InstanceID }

// Config returns the resolved configuration.
func (eng *Engine) Config() beacon.Config { return eng.cfg }

// Machine returns the lifecycle machine for direct store operations.
func (eng *Engine) Machine() *machine.Machine { return eng.machine }

// Coordinator returns the cluster coordinator.
func (eng *Engine) Coordinator() *coordinator.Coordinator { return eng.coord }

// Extensions returns the extension registry.
func (eng *Engine) Extensions() *ext.Registry { return eng.extensions }

// Registry returns the job handler registry.
func (eng *Engine) Registry() *job.Registry { return eng.registry }

// Pool returns the worker pool.
func (eng *Engine) Pool() *worker.Pool { return eng.pool }
