package batch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/BaSui01/flowrun/config"
	"github.com/BaSui01/flowrun/llm"
	"github.com/BaSui01/flowrun/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

var (
	ErrEmptyBatch   = types.NewError(types.ErrBatchEmpty, "batch has no items")
	ErrAllFailed    = types.NewError(types.ErrBatchFailed, "every batch item failed")
	ErrBatchTimeout = types.NewError(types.ErrTimeout, "batch timeout elapsed")
)

// Config 批次配置
type Config struct {
	MaxConcurrency int           `json:"max_concurrency"`
	Timeout        time.Duration `json:"timeout"`
	// BatchSize 是 ChunkTexts 切分文本时每个子请求的条目数
	BatchSize int `json:"batch_size"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 8,
		Timeout:        2 * time.Minute,
		BatchSize:      32,
	}
}

// FromConfig applies the mode profile's batch knobs over the loaded section.
func FromConfig(cfg config.BatchConfig, profile config.ModeProfile) Config {
	out := Config{
		MaxConcurrency: cfg.MaxConcurrency,
		Timeout:        cfg.Timeout,
		BatchSize:      cfg.BatchSize,
	}
	if profile.BatchConcurrency > 0 {
		out.MaxConcurrency = profile.BatchConcurrency
	}
	if profile.BatchSize > 0 {
		out.BatchSize = profile.BatchSize
	}
	return out.normalize()
}

func (c Config) normalize() Config {
	def := DefaultConfig()
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = def.MaxConcurrency
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	return c
}

// Observer receives one event per finished batch.
type Observer interface {
	ObserveBatch(items, succeeded, failed int, d time.Duration)
}

// Result is the outcome of the item at Index.
type Result[T any] struct {
	Index   int           `json:"index"`
	Value   T             `json:"value,omitempty"`
	Err     error         `json:"-"`
	Latency time.Duration `json:"latency"`
}

// OK reports whether the item succeeded.
func (r Result[T]) OK() bool { return r.Err == nil }

// BatchStats 单个批次的统计
type BatchStats struct {
	TotalItems      int           `json:"total_items"`
	SuccessfulCount int           `json:"successful_count"`
	FailedCount     int           `json:"failed_count"`
	AvgLatency      time.Duration `json:"avg_latency"`
	Duration        time.Duration `json:"duration"`
}

// Response holds index-ordered results: Results[i] belongs to input item i.
type Response[T any] struct {
	ID      string      `json:"id"`
	Results []Result[T] `json:"results"`
	Stats   BatchStats  `json:"stats"`
}

// Values returns the item values in input order; failed items hold the zero value.
func (r *Response[T]) Values() []T {
	out := make([]T, len(r.Results))
	for i, res := range r.Results {
		out[i] = res.Value
	}
	return out
}

// Errors returns the failed items' errors keyed by index.
func (r *Response[T]) Errors() map[int]error {
	out := make(map[int]error)
	for _, res := range r.Results {
		if res.Err != nil {
			out[res.Index] = res.Err
		}
	}
	return out
}

// FirstError returns the lowest-index item error, or nil.
func (r *Response[T]) FirstError() error {
	for _, res := range r.Results {
		if res.Err != nil {
			return fmt.Errorf("batch item %d: %w", res.Index, res.Err)
		}
	}
	return nil
}

// Stats Coordinator 累计统计
type Stats struct {
	Batches         int64   `json:"batches"`
	FailedBatches   int64   `json:"failed_batches"`
	TimedOutBatches int64   `json:"timed_out_batches"`
	Items           int64   `json:"items"`
	Succeeded       int64   `json:"succeeded"`
	Failed          int64   `json:"failed"`
	AvgLatencyMs    float64 `json:"avg_latency_ms"`
}

type counters struct {
	batches       atomic.Int64
	failedBatches atomic.Int64
	timedOut      atomic.Int64
	items         atomic.Int64
	succeeded     atomic.Int64
	failed        atomic.Int64
	latencyNanos  atomic.Int64
	latencyCount  atomic.Int64
}

// Coordinator dispatches independent sub-requests under a concurrency cap.
// A nil client runs items directly, for functions that already go through a
// ResilientProvider.
type Coordinator struct {
	cfg      Config
	client   *llm.ResilientClient
	observer Observer
	logger   *zap.Logger
	stats    counters
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithObserver 设置批次观察者
func WithObserver(o Observer) CoordinatorOption {
	return func(c *Coordinator) { c.observer = o }
}

// NewCoordinator 创建批次分发器
func NewCoordinator(cfg Config, client *llm.ResilientClient, logger *zap.Logger, opts ...CoordinatorOption) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Coordinator{
		cfg:    cfg.normalize(),
		client: client,
		logger: logger.With(zap.String("component", "batch_coordinator")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Config returns the normalized configuration.
func (c *Coordinator) Config() Config { return c.cfg }

// Stats returns cumulative counters built from atomic loads.
func (c *Coordinator) Stats() Stats {
	s := Stats{
		Batches:         c.stats.batches.Load(),
		FailedBatches:   c.stats.failedBatches.Load(),
		TimedOutBatches: c.stats.timedOut.Load(),
		Items:           c.stats.items.Load(),
		Succeeded:       c.stats.succeeded.Load(),
		Failed:          c.stats.failed.Load(),
	}
	if n := c.stats.latencyCount.Load(); n > 0 {
		s.AvgLatencyMs = float64(c.stats.latencyNanos.Load()) / float64(n) / float64(time.Millisecond)
	}
	return s
}

// RunOption overrides the coordinator defaults for one batch.
type RunOption func(*runSettings)

type runSettings struct {
	maxConcurrency int
	timeout        time.Duration
	callOpts       []llm.CallOption
}

// WithMaxConcurrency overrides the concurrency cap.
func WithMaxConcurrency(n int) RunOption {
	return func(s *runSettings) {
		if n > 0 {
			s.maxConcurrency = n
		}
	}
}

// WithTimeout overrides the whole-batch timeout.
func WithTimeout(d time.Duration) RunOption {
	return func(s *runSettings) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithCallOptions passes options to every item's client call.
func WithCallOptions(opts ...llm.CallOption) RunOption {
	return func(s *runSettings) { s.callOpts = append(s.callOpts, opts...) }
}

// Run calls fn for every item with at most MaxConcurrency calls in flight and
// returns results in input order. The error is nil on full or partial
// success. When every item fails, or the batch timeout elapses, the Response
// is still returned alongside the error.
func Run[In, Out any](ctx context.Context, c *Coordinator, items []In, fn func(ctx context.Context, item In) (Out, error), opts ...RunOption) (*Response[Out], error) {
	if len(items) == 0 {
		return nil, ErrEmptyBatch
	}

	s := runSettings{maxConcurrency: c.cfg.MaxConcurrency, timeout: c.cfg.Timeout}
	for _, opt := range opts {
		opt(&s)
	}

	resp := &Response[Out]{ID: uuid.NewString(), Results: make([]Result[Out], len(items))}
	log := c.logger.With(zap.String("batch_id", resp.ID), zap.Int("items", len(items)))
	log.Debug("batch started", zap.Int("max_concurrency", s.maxConcurrency))

	batchCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	sem := semaphore.NewWeighted(int64(s.maxConcurrency))
	// buffered so late items never block after the collector gives up
	done := make(chan Result[Out], len(items))
	received := make([]bool, len(items))

	dispatched := 0
	for i, item := range items {
		if err := sem.Acquire(batchCtx, 1); err != nil {
			break
		}
		dispatched++
		go func() {
			defer sem.Release(1)
			done <- runItem(batchCtx, c, i, item, fn, s.callOpts)
		}()
	}

	collect := func(r Result[Out]) {
		resp.Results[r.Index] = r
		received[r.Index] = true
	}
	pending := dispatched
wait:
	for pending > 0 {
		select {
		case r := <-done:
			collect(r)
			pending--
		case <-batchCtx.Done():
			// keep results that already finished
			for pending > 0 {
				select {
				case r := <-done:
					collect(r)
					pending--
				default:
					break wait
				}
			}
		}
	}

	abortErr := batchCtx.Err()
	for i := range resp.Results {
		if !received[i] {
			resp.Results[i] = Result[Out]{Index: i, Err: abortedItemError(abortErr)}
		}
	}

	resp.Stats = tally(resp.Results, time.Since(start))
	c.record(resp.Stats)
	err := c.outcome(ctx, resp.Stats, abortErr, resp.FirstError())
	if c.observer != nil {
		c.observer.ObserveBatch(resp.Stats.TotalItems, resp.Stats.SuccessfulCount, resp.Stats.FailedCount, resp.Stats.Duration)
	}

	fields := []zap.Field{
		zap.Int("succeeded", resp.Stats.SuccessfulCount),
		zap.Int("failed", resp.Stats.FailedCount),
		zap.Duration("duration", resp.Stats.Duration),
	}
	if err != nil {
		log.Warn("batch failed", append(fields, zap.Error(err))...)
	} else {
		log.Debug("batch completed", fields...)
	}
	return resp, err
}

func runItem[In, Out any](ctx context.Context, c *Coordinator, index int, item In, fn func(ctx context.Context, item In) (Out, error), callOpts []llm.CallOption) (res Result[Out]) {
	res.Index = index
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			res.Err = types.NewError(types.ErrInternal, fmt.Sprintf("batch item panicked: %v", rec))
		}
		res.Latency = time.Since(start)
		c.stats.latencyNanos.Add(int64(res.Latency))
		c.stats.latencyCount.Add(1)
	}()

	if c.client == nil {
		res.Value, res.Err = fn(ctx, item)
		return res
	}
	opts := append([]llm.CallOption{llm.WithOperation("batch_item")}, callOpts...)
	res.Value, res.Err = llm.Call(ctx, c.client, func(ctx context.Context) (Out, error) {
		return fn(ctx, item)
	}, opts...)
	return res
}

func abortedItemError(cause error) error {
	if errors.Is(cause, context.DeadlineExceeded) {
		return types.NewTimeoutError("batch timeout elapsed before item completed").WithCause(cause)
	}
	return types.NewError(types.ErrCanceled, "batch canceled before item completed").WithCause(cause)
}

func tally[T any](results []Result[T], d time.Duration) BatchStats {
	st := BatchStats{TotalItems: len(results), Duration: d}
	var latency time.Duration
	timed := 0
	for _, r := range results {
		if r.Err == nil {
			st.SuccessfulCount++
		} else {
			st.FailedCount++
		}
		if r.Latency > 0 {
			latency += r.Latency
			timed++
		}
	}
	if timed > 0 {
		st.AvgLatency = latency / time.Duration(timed)
	}
	return st
}

func (c *Coordinator) record(st BatchStats) {
	c.stats.batches.Add(1)
	c.stats.items.Add(int64(st.TotalItems))
	c.stats.succeeded.Add(int64(st.SuccessfulCount))
	c.stats.failed.Add(int64(st.FailedCount))
}

// outcome decides the batch-level error. Parent cancellation wins over the
// batch timeout so callers can tell the two apart.
func (c *Coordinator) outcome(parent context.Context, st BatchStats, abortErr, firstErr error) error {
	switch {
	case parent.Err() != nil:
		c.stats.failedBatches.Add(1)
		return types.NewError(types.ErrCanceled, "batch canceled").WithCause(parent.Err())
	case errors.Is(abortErr, context.DeadlineExceeded):
		c.stats.failedBatches.Add(1)
		c.stats.timedOut.Add(1)
		return fmt.Errorf("%w: %d of %d items completed", ErrBatchTimeout, st.SuccessfulCount, st.TotalItems)
	case st.SuccessfulCount == 0:
		c.stats.failedBatches.Add(1)
		return fmt.Errorf("%w: %w", ErrAllFailed, firstErr)
	}
	return nil
}
