// Package flowrun is the top-level entry point: an Engine wires the runtime
// configuration, the resilient provider client, the batch coordinator and
// the workflow executor into one long-lived value.
//
// Usage:
//
//	import "github.com/BaSui01/flowrun"
//
//	engine, err := flowrun.New(cfg, flowrun.WithLogger(logger))
//	defer engine.Close()
//	wc, err := engine.Execute(ctx, graph, map[string]any{"topic": "go"})
//	health := engine.HealthCheck()
package flowrun

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/flowrun/config"
	"github.com/BaSui01/flowrun/internal/database"
	"github.com/BaSui01/flowrun/internal/metrics"
	"github.com/BaSui01/flowrun/internal/migration"
	"github.com/BaSui01/flowrun/internal/pool"
	"github.com/BaSui01/flowrun/internal/tlsutil"
	"github.com/BaSui01/flowrun/llm"
	"github.com/BaSui01/flowrun/llm/batch"
	"github.com/BaSui01/flowrun/llm/factory"
	"github.com/BaSui01/flowrun/llm/idempotency"
	"github.com/BaSui01/flowrun/workflow"
)

// MetricsNamespace prefixes every Prometheus metric the engine registers.
const MetricsNamespace = "flowrun"

const idempotencyKeyPrefix = "flowrun:completion:"

// Stats 引擎统计快照
type Stats struct {
	Executor workflow.ExecutorStats `json:"executor"`
	Client   llm.ExecutionStats     `json:"client"`
	Batch    batch.Stats            `json:"batch"`
	Blocking pool.Stats             `json:"blocking_pool"`
}

// Option configures an Engine.
type Option func(*options)

type options struct {
	logger   *zap.Logger
	provider llm.Provider
	registry *prometheus.Registry
	history  workflow.HistoryStore
}

// WithLogger sets the logger. Defaults to zap.NewNop().
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithProvider uses p instead of the provider named in the config.
func WithProvider(p llm.Provider) Option {
	return func(o *options) { o.provider = p }
}

// WithMetricsRegistry registers the engine metrics on reg instead of a
// private registry.
func WithMetricsRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithHistoryStore overrides the configured history backend.
func WithHistoryStore(h workflow.HistoryStore) Option {
	return func(o *options) { o.history = h }
}

// Engine is the executor surface. It is safe for concurrent use; create one
// per process and share it.
type Engine struct {
	cfg         *config.Config
	profile     config.ModeProfile
	logger      *zap.Logger
	blocking    *pool.BlockingPool
	client      *llm.ResilientClient
	provider    *llm.ResilientProvider
	coordinator *batch.Coordinator
	functions   *workflow.FunctionHandler
	executor    *workflow.Executor
	registry    *prometheus.Registry
	collector   *metrics.Collector
	cache       idempotency.Manager
	redis       *redis.Client
	db          *database.PoolManager
	started     time.Time

	closeOnce sync.Once
	closeErr  error
}

// New builds an Engine from cfg. A nil cfg means config.DefaultConfig().
//
// The runtime section is applied here. When the process runtime was already
// configured the active settings are kept and a warning is logged.
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	logger := o.logger.With(zap.String("component", "engine"))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	profile, err := cfg.Profile()
	if err != nil {
		return nil, err
	}

	rt := cfg.Runtime
	if err := rt.Apply(); err != nil {
		if !errors.Is(err, config.ErrRuntimeFrozen) {
			return nil, fmt.Errorf("apply runtime config: %w", err)
		}
		rt, _ = config.ActiveRuntime()
		logger.Warn("runtime already configured; keeping active settings",
			zap.Int("worker_threads", rt.WorkerThreads),
			zap.Int("max_blocking_threads", rt.MaxBlockingThreads))
	}

	e := &Engine{
		cfg:      cfg,
		profile:  profile,
		logger:   logger,
		blocking: pool.New(pool.DefaultConfig(rt.MaxBlockingThreads)),
		registry: o.registry,
		started:  time.Now(),
	}
	if e.registry == nil {
		e.registry = prometheus.NewRegistry()
		e.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	e.collector = metrics.NewCollector(MetricsNamespace, e.registry, o.logger)

	if err := e.build(cfg, o); err != nil {
		_ = e.Close()
		return nil, err
	}

	logger.Info("engine ready",
		zap.String("mode", cfg.Execution.Mode),
		zap.String("provider", e.provider.Name()),
		zap.Int("max_parallel", profile.MaxParallel),
		zap.Int("batch_concurrency", e.coordinator.Config().MaxConcurrency),
		zap.String("history", cfg.History.Backend))
	return e, nil
}

func (e *Engine) build(cfg *config.Config, o *options) error {
	p := o.provider
	if p == nil {
		var err error
		p, err = factory.NewProviderFromConfig(cfg.Provider, e.blocking, o.logger)
		if err != nil {
			return fmt.Errorf("create provider: %w", err)
		}
	}
	// 超时按实际 provider 是否本地推理选择
	e.client = llm.NewResilientClient(llm.ClientConfigFromConfig(cfg, e.profile, p), o.logger, llm.WithObserver(e.collector))

	var providerOpts []llm.ProviderOption
	if ttl := cfg.Resilience.IdempotencyTTL; ttl > 0 {
		cache, err := e.openCache(cfg.Redis)
		if err != nil {
			return err
		}
		e.cache = cache
		providerOpts = append(providerOpts, llm.WithCompletionCache(cache, ttl))
	}
	e.provider = llm.NewResilientProvider(p, e.client, o.logger, providerOpts...)

	// 调用已经过 ResilientProvider，批次层不再包一层 client
	e.coordinator = batch.NewCoordinator(batch.FromConfig(cfg.Batch, e.profile), nil, o.logger, batch.WithObserver(e.collector))

	e.functions = workflow.NewFunctionHandler()
	registry := workflow.NewRegistry()
	registry.Register(workflow.NodeTypeAgent, workflow.NewAgentHandler(e.provider, o.logger))
	registry.Register(workflow.NodeTypeEmbedding, workflow.NewEmbeddingHandler(e.provider, e.coordinator, e.profile.PreferBatching))
	registry.Register(workflow.NodeTypeFunction, e.functions)

	history := o.history
	if history == nil {
		var err error
		history, err = e.openHistory(cfg)
		if err != nil {
			return err
		}
	}

	e.executor = workflow.NewExecutor(workflow.ExecutorConfigFromConfig(cfg, e.profile), registry, o.logger,
		workflow.WithHistory(history),
		workflow.WithObserver(e.collector),
	)
	return nil
}

// openCache uses redis when an address is configured, memory otherwise.
func (e *Engine) openCache(cfg config.RedisConfig) (idempotency.Manager, error) {
	if cfg.Addr == "" {
		return idempotency.NewMemoryManager(time.Minute), nil
	}
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	}
	if cfg.TLS {
		opts.TLSConfig = tlsutil.ClientConfig(cfg.Addr)
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Addr, err)
	}
	e.redis = rdb
	e.logger.Info("completion cache backed by redis", zap.String("addr", cfg.Addr))
	return idempotency.NewRedisManager(rdb, idempotencyKeyPrefix, e.logger), nil
}

func (e *Engine) openHistory(cfg *config.Config) (workflow.HistoryStore, error) {
	if cfg.History.Backend != config.HistoryBackendDatabase {
		return workflow.NewMemoryHistoryStore(cfg.History.MaxEntries), nil
	}

	if cfg.History.AutoMigrate {
		if err := migrateUp(cfg); err != nil {
			return nil, err
		}
	}
	db, err := database.Open(cfg.Database, e.logger)
	if err != nil {
		return nil, err
	}
	driver := cfg.Database.Driver
	pm, err := database.NewPoolManager(db, database.PoolConfigFromConfig(cfg.Database), e.logger,
		database.WithStatsReporter(func(open, idle int) {
			e.collector.RecordDBConnections(driver, open, idle)
		}))
	if err != nil {
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			_ = sqlDB.Close()
		}
		return nil, err
	}
	e.db = pm
	store, err := database.NewHistoryStore(pm, e.logger)
	if err != nil {
		return nil, err
	}
	return store, nil
}

func migrateUp(cfg *config.Config) error {
	m, err := migration.NewMigratorFromConfig(cfg)
	if err != nil {
		return err
	}
	defer m.Close()
	if err := m.Up(context.Background()); err != nil {
		return fmt.Errorf("migrate history schema: %w", err)
	}
	return nil
}

// Execute runs g. A graph that was not validated yet is validated first;
// node failures are reported on the returned context, not as an error.
func (e *Engine) Execute(ctx context.Context, g *workflow.Graph, vars map[string]any) (*workflow.WorkflowContext, error) {
	if g == nil {
		return nil, fmt.Errorf("graph cannot be nil")
	}
	if !g.Frozen() {
		if err := g.Validate(); err != nil {
			return nil, err
		}
	}
	return e.executor.Execute(ctx, g, vars)
}

// ExecuteDefinition builds def and runs it. vars override the definition's
// variables key by key.
func (e *Engine) ExecuteDefinition(ctx context.Context, def *workflow.Definition, vars map[string]any) (*workflow.WorkflowContext, error) {
	if def == nil {
		return nil, fmt.Errorf("definition cannot be nil")
	}
	g, err := def.Build()
	if err != nil {
		return nil, err
	}
	merged := maps.Clone(def.Variables)
	if merged == nil {
		merged = make(map[string]any, len(vars))
	}
	maps.Copy(merged, vars)
	return e.executor.Execute(ctx, g, merged)
}

// RegisterFunction makes fn callable from function nodes as config["function"] = name.
func (e *Engine) RegisterFunction(name string, fn workflow.Function) {
	e.functions.Register(name, fn)
}

// RegisterHandler installs a handler for a custom node type, or replaces a built-in one.
func (e *Engine) RegisterHandler(t workflow.NodeType, h workflow.NodeHandler) {
	e.executor.Registry().Register(t, h)
}

// Stats returns cumulative counters of every component.
func (e *Engine) Stats() Stats {
	return Stats{
		Executor: e.executor.Stats(),
		Client:   e.client.Stats(),
		Batch:    e.coordinator.Stats(),
		Blocking: e.blocking.Stats(),
	}
}

// HealthCheck reports the provider client's breaker state. The engine is
// unhealthy while the breaker is open.
func (e *Engine) HealthCheck() llm.ClientHealth {
	return e.client.HealthCheck()
}

// Ready pings the backing stores, if any.
func (e *Engine) Ready(ctx context.Context) error {
	var errs []error
	if e.db != nil {
		if err := e.db.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
	}
	if e.redis != nil {
		if err := e.redis.Ping(ctx).Err(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	return errors.Join(errs...)
}

// History returns the execution history store.
func (e *Engine) History() workflow.HistoryStore { return e.executor.History() }

// Gatherer exposes the engine metrics for a /metrics handler.
func (e *Engine) Gatherer() prometheus.Gatherer { return e.registry }

// Metrics returns the collector, for recording HTTP metrics.
func (e *Engine) Metrics() *metrics.Collector { return e.collector }

// Provider returns the resilient provider used by agent and embedding nodes.
func (e *Engine) Provider() *llm.ResilientProvider { return e.provider }

// Config returns the configuration the engine was built from.
func (e *Engine) Config() *config.Config { return e.cfg }

// Uptime returns the time since New.
func (e *Engine) Uptime() time.Duration { return time.Since(e.started) }

// Close releases pools and connections. It is safe to call more than once.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		var errs []error
		if e.blocking != nil {
			e.blocking.Close()
		}
		if e.cache != nil {
			if err := e.cache.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if e.redis != nil {
			if err := e.redis.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if e.db != nil {
			if err := e.db.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		e.closeErr = errors.Join(errs...)
		e.logger.Info("engine closed")
	})
	return e.closeErr
}
