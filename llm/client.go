package llm

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/BaSui01/flowrun/config"
	"github.com/BaSui01/flowrun/internal/ctxkeys"
	"github.com/BaSui01/flowrun/llm/circuitbreaker"
	"github.com/BaSui01/flowrun/llm/retry"
	"github.com/BaSui01/flowrun/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Per-attempt timeouts.
const (
	DefaultCallTimeout        = 60 * time.Second
	LocalInferenceCallTimeout = 180 * time.Second
)

const tracerName = "github.com/BaSui01/flowrun/llm"

// ClientConfig 弹性客户端配置
type ClientConfig struct {
	Name           string
	Retry          retry.Config
	CircuitBreaker circuitbreaker.Config
	CallTimeout    time.Duration
	// Local selects LocalInferenceCallTimeout when CallTimeout is unset
	Local bool
	// RateLimit 为 0 表示不限流
	RateLimit rate.Limit
	RateBurst int
}

// DefaultClientConfig returns the defaults for a remote provider.
func DefaultClientConfig(name string) ClientConfig {
	return ClientConfig{
		Name:           name,
		Retry:          retry.DefaultConfig(),
		CircuitBreaker: circuitbreaker.DefaultConfig(),
		CallTimeout:    DefaultCallTimeout,
	}
}

// ClientConfigFromConfig derives the client settings for provider p, scaled
// by the execution mode. A local-inference p gets resilience.local_call_timeout;
// with a nil p the configured provider kind decides.
func ClientConfigFromConfig(cfg *config.Config, profile config.ModeProfile, p Provider) ClientConfig {
	local := cfg.Provider.IsLocal()
	if p != nil {
		local = IsLocal(p)
	}
	base := cfg.Resilience.CallTimeout
	if local {
		base = cfg.Resilience.LocalCallTimeout
	}
	burst := cfg.Resilience.RateLimitBurst
	if burst <= 0 {
		burst = 1
	}
	return ClientConfig{
		Name:           cfg.Provider.Name,
		Retry:          retry.FromConfig(cfg.Resilience.Retry),
		CircuitBreaker: circuitbreaker.FromConfig(cfg.Resilience.CircuitBreaker),
		CallTimeout:    profile.CallTimeout(base),
		Local:          local,
		RateLimit:      rate.Limit(cfg.Resilience.RateLimitRPS),
		RateBurst:      burst,
	}
}

// Observer receives client events. internal/metrics implements it.
type Observer interface {
	ObserveAttempt(client, operation string, code types.ErrorCode, d time.Duration)
	ObserveRetry(client, operation string)
	ObserveRejected(client string)
	ObserveBreakerState(client string, state circuitbreaker.State)
}

type nopObserver struct{}

func (nopObserver) ObserveAttempt(string, string, types.ErrorCode, time.Duration) {}
func (nopObserver) ObserveRetry(string, string)                                  {}
func (nopObserver) ObserveRejected(string)                                       {}
func (nopObserver) ObserveBreakerState(string, circuitbreaker.State)             {}

// ExecutionStats 统计快照
type ExecutionStats struct {
	TotalRequests      int64                   `json:"total_requests"`
	SuccessfulRequests int64                   `json:"successful_requests"`
	FailedRequests     int64                   `json:"failed_requests"`
	RejectedRequests   int64                   `json:"rejected_requests"`
	Retries            int64                   `json:"retries"`
	AvgResponseTimeMs  float64                 `json:"avg_response_time_ms"`
	CircuitBreaker     circuitbreaker.Snapshot `json:"circuit_breaker"`
}

// ClientHealth 健康检查结果
type ClientHealth struct {
	Healthy             bool                 `json:"healthy"`
	CircuitBreakerState circuitbreaker.State `json:"circuit_breaker_state"`
	Uptime              time.Duration        `json:"uptime"`
}

type clientCounters struct {
	total      atomic.Int64
	success    atomic.Int64
	failed     atomic.Int64
	rejected   atomic.Int64
	retries    atomic.Int64
	timedCount atomic.Int64
	timedNanos atomic.Int64
}

// ResilientClient wraps fallible remote operations with a circuit breaker,
// retry with backoff, a per-attempt timeout and an optional rate limiter.
// It is safe for concurrent use and meant to be long-lived and shared.
type ResilientClient struct {
	name     string
	retry    retry.Config
	timeout  time.Duration
	breaker  *circuitbreaker.Breaker
	limiter  *rate.Limiter
	observer Observer
	tracer   trace.Tracer
	metrics  *clientInstruments
	logger   *zap.Logger
	rand     func() float64
	started  time.Time
	stats    clientCounters
}

// ClientOption configures a ResilientClient.
type ClientOption func(*clientOptions)

type clientOptions struct {
	observer Observer
	clock    func() time.Time
	rand     func() float64
	tracer   trace.Tracer
	meter    metric.Meter
}

// WithObserver 设置指标观察者
func WithObserver(o Observer) ClientOption {
	return func(c *clientOptions) { c.observer = o }
}

// WithClock injects the breaker's time source.
func WithClock(now func() time.Time) ClientOption {
	return func(c *clientOptions) { c.clock = now }
}

// WithJitterSource replaces the retry jitter source.
func WithJitterSource(fn func() float64) ClientOption {
	return func(c *clientOptions) { c.rand = fn }
}

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) ClientOption {
	return func(c *clientOptions) { c.tracer = t }
}

// WithMeter overrides the global meter for the client's otel instruments.
func WithMeter(m metric.Meter) ClientOption {
	return func(c *clientOptions) { c.meter = m }
}

// NewResilientClient 创建弹性客户端
func NewResilientClient(cfg ClientConfig, logger *zap.Logger, opts ...ClientOption) *ResilientClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := clientOptions{observer: nopObserver{}, rand: rand.Float64}
	for _, opt := range opts {
		opt(&o)
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer(tracerName)
	}
	if o.meter == nil {
		o.meter = otel.Meter(tracerName)
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
		if cfg.Local {
			cfg.CallTimeout = LocalInferenceCallTimeout
		}
	}

	c := &ResilientClient{
		name:     cfg.Name,
		retry:    cfg.Retry.Normalize(),
		timeout:  cfg.CallTimeout,
		observer: o.observer,
		tracer:   o.tracer,
		logger:   logger.With(zap.String("component", "resilient_client"), zap.String("client", cfg.Name)),
		rand:     o.rand,
		started:  time.Now(),
	}
	if cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(cfg.RateLimit, max(cfg.RateBurst, 1))
	}

	breakerCfg := cfg.CircuitBreaker
	userHook := breakerCfg.OnStateChange
	breakerCfg.OnStateChange = func(from, to circuitbreaker.State) {
		c.observer.ObserveBreakerState(c.name, to)
		if userHook != nil {
			userHook(from, to)
		}
	}
	breakerOpts := []circuitbreaker.Option{circuitbreaker.WithName(cfg.Name)}
	if o.clock != nil {
		breakerOpts = append(breakerOpts, circuitbreaker.WithClock(o.clock))
	}
	c.breaker = circuitbreaker.New(breakerCfg, logger, breakerOpts...)
	c.observer.ObserveBreakerState(c.name, circuitbreaker.StateClosed)

	ci, err := newClientInstruments(o.meter, c.name, c.breaker.State)
	if err != nil {
		c.logger.Warn("otel instruments unavailable", zap.Error(err))
		ci = noopClientInstruments()
	}
	c.metrics = ci
	return c
}

// Name returns the client label.
func (c *ResilientClient) Name() string { return c.name }

// Breaker exposes the client's circuit breaker.
func (c *ResilientClient) Breaker() *circuitbreaker.Breaker { return c.breaker }

// CallTimeout returns the default per-attempt timeout.
func (c *ResilientClient) CallTimeout() time.Duration { return c.timeout }

// CallOption overrides client defaults for a single call.
type CallOption func(*callSettings)

type callSettings struct {
	operation string
	retry     retry.Config
	timeout   time.Duration
}

// WithOperation labels the call in logs, metrics and spans.
func WithOperation(name string) CallOption {
	return func(s *callSettings) { s.operation = name }
}

// WithRetryConfig overrides the retry policy.
func WithRetryConfig(cfg retry.Config) CallOption {
	return func(s *callSettings) { s.retry = cfg.Normalize() }
}

// WithCallTimeout overrides the per-attempt timeout.
func WithCallTimeout(d time.Duration) CallOption {
	return func(s *callSettings) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func (c *ResilientClient) settings(opts []CallOption) callSettings {
	s := callSettings{operation: "call", retry: c.retry, timeout: c.timeout}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// Do runs op through the client.
func (c *ResilientClient) Do(ctx context.Context, op func(ctx context.Context) error, opts ...CallOption) error {
	_, err := Call(ctx, c, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	}, opts...)
	return err
}

// Releaser is implemented by results that hold resources, such as an open
// stream. A result that arrives after its attempt timed out is released
// instead of being returned.
type Releaser interface {
	Release()
}

// releaseLate waits for an abandoned attempt and releases its result.
func releaseLate[T any](ch <-chan attemptResult[T]) {
	res := <-ch
	if res.err != nil {
		return
	}
	if r, ok := any(res.value).(Releaser); ok {
		r.Release()
	}
}

// Call runs op through c: breaker admission, then up to MaxAttempts attempts,
// each bounded by the per-attempt timeout. The breaker is consulted before
// every attempt; an open breaker ends the call without invoking op.
func Call[T any](ctx context.Context, c *ResilientClient, op func(ctx context.Context) (T, error), opts ...CallOption) (T, error) {
	s := c.settings(opts)

	ctx, span := c.tracer.Start(ctx, "flowrun.client."+s.operation, trace.WithAttributes(
		attribute.String("flowrun.client", c.name),
		attribute.Int("flowrun.retry.max_attempts", s.retry.MaxAttempts),
	))
	defer span.End()

	r := retry.New(s.retry, c.logger,
		retry.WithRand(c.rand),
		retry.WithOnRetry(func(attempt int, err error, delay time.Duration) {
			c.stats.retries.Add(1)
			c.observer.ObserveRetry(c.name, s.operation)
			c.metrics.retry(ctx, c.name, s.operation)
			span.AddEvent("retry", trace.WithAttributes(
				attribute.Int("attempt", attempt),
				attribute.String("error.code", string(types.Classify(err))),
				attribute.Int64("delay_ms", delay.Milliseconds()),
			))
		}),
	)

	result, err := retry.DoWithResult(ctx, r, func(ctx context.Context, attempt int) (T, error) {
		return attemptOnce(ctx, c, s, attempt, op)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(types.Classify(err)))
	}
	return result, err
}

type attemptResult[T any] struct {
	value T
	err   error
}

func attemptOnce[T any](ctx context.Context, c *ResilientClient, s callSettings, attempt int, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, types.NewError(types.ErrCanceled, "call canceled").WithCause(err)
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return zero, types.NewError(types.ErrCanceled, "rate limiter wait aborted").WithCause(err)
		}
	}

	permit, err := c.breaker.Allow()
	if err != nil {
		c.stats.total.Add(1)
		c.stats.failed.Add(1)
		c.stats.rejected.Add(1)
		c.observer.ObserveRejected(c.name)
		c.metrics.reject(ctx, c.name)
		return zero, err
	}

	attemptCtx, cancel := context.WithTimeout(ctxkeys.WithAttempt(ctx, attempt), s.timeout)
	defer cancel()

	start := time.Now()
	ch := make(chan attemptResult[T], 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				ch <- attemptResult[T]{err: types.NewError(types.ErrInternal, fmt.Sprintf("operation panicked: %v", rec))}
			}
		}()
		v, err := op(attemptCtx)
		ch <- attemptResult[T]{value: v, err: err}
	}()

	var res attemptResult[T]
	select {
	case res = <-ch:
	case <-attemptCtx.Done():
		res.err = attemptCtx.Err()
		go releaseLate(ch)
	}
	elapsed := time.Since(start)

	if res.err != nil {
		switch {
		case ctx.Err() != nil:
			res.err = types.NewError(types.ErrCanceled, "call canceled").WithCause(ctx.Err())
		case errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && !isStructured(res.err):
			res.err = types.NewTimeoutError(fmt.Sprintf("attempt %d timed out after %s", attempt, s.timeout)).
				WithCause(res.err)
		}
	}

	c.breaker.Record(permit, res.err)
	c.record(ctx, s.operation, res.err, elapsed)

	if res.err != nil {
		c.logger.Debug("attempt failed",
			zap.String("operation", s.operation),
			zap.Int("attempt", attempt),
			zap.Duration("duration", elapsed),
			zap.Error(res.err),
		)
		return zero, res.err
	}
	return res.value, nil
}

func isStructured(err error) bool {
	_, ok := types.AsError(err)
	return ok
}

func (c *ResilientClient) record(ctx context.Context, operation string, err error, d time.Duration) {
	c.stats.total.Add(1)
	c.stats.timedCount.Add(1)
	c.stats.timedNanos.Add(int64(d))
	code := types.ErrorCode("")
	if err != nil {
		c.stats.failed.Add(1)
		code = types.Classify(err)
	} else {
		c.stats.success.Add(1)
	}
	c.observer.ObserveAttempt(c.name, operation, code, d)
	c.metrics.attempt(ctx, c.name, operation, code, d)
}

// Stats returns a snapshot built from atomic loads only. Each counter is read
// independently, so totals may lag by in-flight attempts.
func (c *ResilientClient) Stats() ExecutionStats {
	s := ExecutionStats{
		TotalRequests:      c.stats.total.Load(),
		SuccessfulRequests: c.stats.success.Load(),
		FailedRequests:     c.stats.failed.Load(),
		RejectedRequests:   c.stats.rejected.Load(),
		Retries:            c.stats.retries.Load(),
		CircuitBreaker:     c.breaker.Snapshot(),
	}
	if n := c.stats.timedCount.Load(); n > 0 {
		s.AvgResponseTimeMs = float64(c.stats.timedNanos.Load()) / float64(n) / float64(time.Millisecond)
	}
	return s
}

// HealthCheck reports unhealthy while the breaker is open.
func (c *ResilientClient) HealthCheck() ClientHealth {
	state := c.breaker.State()
	return ClientHealth{
		Healthy:             state != circuitbreaker.StateOpen,
		CircuitBreakerState: state,
		Uptime:              time.Since(c.started),
	}
}
