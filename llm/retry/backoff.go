package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/BaSui01/flowrun/config"
	"github.com/BaSui01/flowrun/types"
	"go.uber.org/zap"
)

// Config 定义重试策略
// MaxAttempts 包含首次调用；1 表示不重试
type Config struct {
	MaxAttempts         int               `json:"max_attempts" yaml:"max_attempts"`
	InitialDelay        time.Duration     `json:"initial_delay" yaml:"initial_delay"`
	BackoffMultiplier   float64           `json:"backoff_multiplier" yaml:"backoff_multiplier"`
	MaxDelay            time.Duration     `json:"max_delay" yaml:"max_delay"`
	JitterFactor        float64           `json:"jitter_factor" yaml:"jitter_factor"`
	RetryableErrorTypes []types.ErrorCode `json:"retryable_error_types" yaml:"retryable_error_types"`
}

// DefaultConfig 返回默认的重试策略，适用于大部分远程调用场景
func DefaultConfig() Config {
	return Config{
		MaxAttempts:         3,
		InitialDelay:        time.Second,
		BackoffMultiplier:   2.0,
		MaxDelay:            30 * time.Second,
		JitterFactor:        0.1,
		RetryableErrorTypes: slices.Clone(types.DefaultRetryableCodes),
	}
}

// FromConfig converts the file/env representation.
// A nil RetryableErrors list keeps the default retryable set.
func FromConfig(c config.RetryConfig) Config {
	var codes []types.ErrorCode
	if c.RetryableErrors != nil {
		codes = make([]types.ErrorCode, 0, len(c.RetryableErrors))
	}
	for _, s := range c.RetryableErrors {
		codes = append(codes, types.ErrorCode(s))
	}
	return Config{
		MaxAttempts:         c.MaxAttempts,
		InitialDelay:        c.InitialDelay,
		BackoffMultiplier:   c.BackoffMultiplier,
		MaxDelay:            c.MaxDelay,
		JitterFactor:        c.JitterFactor,
		RetryableErrorTypes: codes,
	}.Normalize()
}

// Normalize 修正非法参数
// A nil RetryableErrorTypes means the default transient set; an empty
// non-nil list retries nothing.
func (c Config) Normalize() Config {
	if c.RetryableErrorTypes == nil {
		c.RetryableErrorTypes = slices.Clone(types.DefaultRetryableCodes)
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 1
	}
	if c.InitialDelay < 0 {
		c.InitialDelay = 0
	}
	if c.BackoffMultiplier < 1.0 {
		c.BackoffMultiplier = 1.0
	}
	if c.MaxDelay < c.InitialDelay {
		c.MaxDelay = c.InitialDelay
	}
	if c.JitterFactor < 0 {
		c.JitterFactor = 0
	}
	if c.JitterFactor >= 1 {
		c.JitterFactor = 0.99
	}
	return c
}

// Delay returns the wait before retry number attempt+1, attempt starting at 0:
// min(initial × multiplier^attempt × (1 ± jitter), max). r is uniform in [0, 1).
func (c Config) Delay(attempt int, r float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := float64(c.InitialDelay) * math.Pow(c.BackoffMultiplier, float64(attempt))
	d := base * (1 + c.JitterFactor*(2*r-1))
	if limit := float64(c.MaxDelay); d > limit || math.IsInf(d, 1) || math.IsNaN(d) {
		d = limit
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// IsRetryable classifies err against RetryableErrorTypes. Cancellation and
// an open circuit are never retried.
func (c Config) IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	code := types.Classify(err)
	switch code {
	case types.ErrCanceled, types.ErrCircuitOpen:
		return false
	}
	if c.RetryableErrorTypes == nil {
		return slices.Contains(types.DefaultRetryableCodes, code)
	}
	return slices.Contains(c.RetryableErrorTypes, code)
}

// Retryer 基于指数退避的重试执行器
type Retryer struct {
	cfg     Config
	logger  *zap.Logger
	rand    func() float64
	onRetry func(attempt int, err error, delay time.Duration)
}

// Option configures a Retryer.
type Option func(*Retryer)

// WithOnRetry 设置重试回调（attempt 为即将进行的尝试序号，从 2 开始）
func WithOnRetry(fn func(attempt int, err error, delay time.Duration)) Option {
	return func(r *Retryer) { r.onRetry = fn }
}

// WithRand replaces the jitter source.
func WithRand(fn func() float64) Option {
	return func(r *Retryer) { r.rand = fn }
}

// New 创建重试执行器
func New(cfg Config, logger *zap.Logger, opts ...Option) *Retryer {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Retryer{
		cfg:    cfg.Normalize(),
		logger: logger.With(zap.String("component", "retry")),
		rand:   rand.Float64,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Config returns the normalized policy.
func (r *Retryer) Config() Config { return r.cfg }

// Do 执行 fn，失败时根据策略重试。attempt 从 1 开始
func (r *Retryer) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	_, err := DoWithResult(ctx, r, func(ctx context.Context, attempt int) (struct{}, error) {
		return struct{}{}, fn(ctx, attempt)
	})
	return err
}

// DoWithResult 执行 fn 并返回结果
// 致命错误立即返回，不消耗剩余次数；可重试错误最多执行 MaxAttempts 次
func DoWithResult[T any](ctx context.Context, r *Retryer, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := r.cfg.Delay(attempt-2, r.rand())
			r.logger.Debug("retrying",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", r.cfg.MaxAttempts),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)
			if r.onRetry != nil {
				r.onRetry(attempt, lastErr, delay)
			}
			if err := Sleep(ctx, delay); err != nil {
				return zero, types.NewError(types.ErrCanceled, "retry interrupted").WithCause(err)
			}
		}

		result, err := fn(ctx, attempt)
		if err == nil {
			if attempt > 1 {
				r.logger.Debug("retry succeeded", zap.Int("attempt", attempt))
			}
			return result, nil
		}
		lastErr = err

		if !r.cfg.IsRetryable(err) {
			return zero, err
		}
	}

	r.logger.Warn("retries exhausted",
		zap.Int("attempts", r.cfg.MaxAttempts),
		zap.Error(lastErr),
	)
	return zero, fmt.Errorf("retries exhausted after %d attempts: %w", r.cfg.MaxAttempts, lastErr)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
