package circuitbreaker

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/BaSui01/flowrun/config"
	"github.com/BaSui01/flowrun/types"
	"go.uber.org/zap"
)

// State 熔断器状态
type State int32

const (
	// StateClosed 关闭状态（正常工作）
	StateClosed State = iota
	// StateOpen 打开状态（熔断中）
	StateOpen
	// StateHalfOpen 半开状态（仅允许一次试探调用）
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateOpen:
		return "Open"
	case StateHalfOpen:
		return "HalfOpen"
	default:
		return "Unknown"
	}
}

// MarshalText renders the state name in JSON and logs.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a name produced by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "Closed":
		*s = StateClosed
	case "Open":
		*s = StateOpen
	case "HalfOpen":
		*s = StateHalfOpen
	default:
		return fmt.Errorf("unknown circuit breaker state %q", text)
	}
	return nil
}

// ErrCircuitOpen is returned without invoking the operation while the breaker is open.
var ErrCircuitOpen = types.NewError(types.ErrCircuitOpen, "circuit breaker is open")

// Config 熔断器配置
type Config struct {
	// Threshold 连续失败次数阈值（触发熔断）
	Threshold int
	// RecoveryTimeout 熔断恢复等待时间（Open -> HalfOpen）
	RecoveryTimeout time.Duration
	// OnStateChange 状态变更回调，在 CAS 成功后同步调用
	OnStateChange func(from, to State)
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Threshold:       5,
		RecoveryTimeout: 60 * time.Second,
	}
}

// FromConfig converts the file/env representation.
func FromConfig(c config.CircuitBreakerConfig) Config {
	return Config{Threshold: c.Threshold, RecoveryTimeout: c.RecoveryTimeout}
}

// snapshot is an immutable state value swapped atomically.
type snapshot struct {
	state      State
	failures   int
	openedAt   time.Time
	trialTaken bool
	generation uint64
}

// Snapshot 熔断器状态快照
type Snapshot struct {
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	OpenedAt            time.Time `json:"opened_at,omitzero"`
	Rejected            int64     `json:"rejected"`
}

// Permit is handed out by Allow and must be settled exactly once with
// Success, Failure or Release.
type Permit struct {
	generation uint64
	trial      bool
}

// Trial reports whether the permit is the half-open probe.
func (p Permit) Trial() bool { return p.trial }

// Breaker 无锁熔断器，状态以不可变快照形式通过 CAS 切换
type Breaker struct {
	cfg      Config
	name     string
	state    atomic.Pointer[snapshot]
	rejected atomic.Int64
	now      func() time.Time
	logger   *zap.Logger
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock injects a time source.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithName labels log lines.
func WithName(name string) Option {
	return func(b *Breaker) { b.name = name }
}

// New 创建熔断器
func New(cfg Config, logger *zap.Logger, opts ...Option) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultConfig().Threshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = DefaultConfig().RecoveryTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Breaker{
		cfg:    cfg,
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With(zap.String("component", "circuit_breaker"), zap.String("breaker", b.name))
	b.state.Store(&snapshot{state: StateClosed})
	return b
}

// Allow admits a call or fails fast with ErrCircuitOpen.
func (b *Breaker) Allow() (Permit, error) {
	for {
		cur := b.state.Load()
		switch cur.state {
		case StateClosed:
			return Permit{generation: cur.generation}, nil

		case StateOpen:
			elapsed := b.now().Sub(cur.openedAt)
			if elapsed < b.cfg.RecoveryTimeout {
				b.rejected.Add(1)
				return Permit{}, fmt.Errorf("%w (retry in %s)", ErrCircuitOpen, b.cfg.RecoveryTimeout-elapsed)
			}
			next := &snapshot{state: StateHalfOpen, trialTaken: true, generation: cur.generation + 1}
			if b.state.CompareAndSwap(cur, next) {
				b.transition(StateOpen, StateHalfOpen)
				return Permit{generation: next.generation, trial: true}, nil
			}

		case StateHalfOpen:
			if cur.trialTaken {
				b.rejected.Add(1)
				return Permit{}, fmt.Errorf("%w (half-open trial in progress)", ErrCircuitOpen)
			}
			next := &snapshot{state: StateHalfOpen, trialTaken: true, generation: cur.generation}
			if b.state.CompareAndSwap(cur, next) {
				return Permit{generation: next.generation, trial: true}, nil
			}
		}
	}
}

// Success records a successful call.
func (b *Breaker) Success(p Permit) {
	for {
		cur := b.state.Load()
		if cur.generation != p.generation {
			return
		}
		var next *snapshot
		switch {
		case p.trial && cur.state == StateHalfOpen:
			next = &snapshot{state: StateClosed, generation: cur.generation + 1}
		case !p.trial && cur.state == StateClosed && cur.failures > 0:
			next = &snapshot{state: StateClosed, generation: cur.generation}
		default:
			return
		}
		if b.state.CompareAndSwap(cur, next) {
			if p.trial {
				b.transition(StateHalfOpen, StateClosed)
			}
			return
		}
	}
}

// Failure records a failed call. Failures from permits issued before the last
// transition are ignored.
func (b *Breaker) Failure(p Permit) {
	for {
		cur := b.state.Load()
		if cur.generation != p.generation {
			return
		}
		var next *snapshot
		var from State
		switch {
		case p.trial && cur.state == StateHalfOpen:
			next = &snapshot{state: StateOpen, openedAt: b.now(), generation: cur.generation + 1}
			from = StateHalfOpen
		case !p.trial && cur.state == StateClosed:
			n := cur.failures + 1
			if n >= b.cfg.Threshold {
				next = &snapshot{state: StateOpen, failures: n, openedAt: b.now(), generation: cur.generation + 1}
				from = StateClosed
			} else {
				next = &snapshot{state: StateClosed, failures: n, generation: cur.generation}
			}
		default:
			return
		}
		if b.state.CompareAndSwap(cur, next) {
			if next.state == StateOpen {
				b.transition(from, StateOpen)
			}
			return
		}
	}
}

// Release settles a permit without counting it either way. A released trial
// lets the next caller probe.
func (b *Breaker) Release(p Permit) {
	if !p.trial {
		return
	}
	for {
		cur := b.state.Load()
		if cur.generation != p.generation || cur.state != StateHalfOpen || !cur.trialTaken {
			return
		}
		next := &snapshot{state: StateHalfOpen, generation: cur.generation}
		if b.state.CompareAndSwap(cur, next) {
			return
		}
	}
}

// Record settles p from an operation outcome. Client errors and
// cancellations do not count as failures.
func (b *Breaker) Record(p Permit, err error) {
	switch {
	case err == nil:
		b.Success(p)
	case types.IsClientError(err):
		b.Release(p)
	default:
		b.Failure(p)
	}
}

// Call 执行调用，熔断器打开时直接返回 ErrCircuitOpen
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := Execute(ctx, b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Execute runs fn under the breaker and returns its typed result.
func Execute[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	p, err := b.Allow()
	if err != nil {
		return zero, err
	}
	result, err := fn(ctx)
	b.Record(p, err)
	return result, err
}

// State returns the effective state. An Open breaker whose recovery timeout
// has elapsed reports HalfOpen; the transition itself happens on the next Allow.
func (b *Breaker) State() State {
	cur := b.state.Load()
	if cur.state == StateOpen && b.now().Sub(cur.openedAt) >= b.cfg.RecoveryTimeout {
		return StateHalfOpen
	}
	return cur.state
}

// Snapshot returns a consistent view without blocking writers.
func (b *Breaker) Snapshot() Snapshot {
	cur := b.state.Load()
	s := Snapshot{
		State:               cur.state,
		ConsecutiveFailures: cur.failures,
		OpenedAt:            cur.openedAt,
		Rejected:            b.rejected.Load(),
	}
	if cur.state == StateOpen && b.now().Sub(cur.openedAt) >= b.cfg.RecoveryTimeout {
		s.State = StateHalfOpen
	}
	return s
}

// Reset 重置熔断器（手动恢复）
func (b *Breaker) Reset() {
	for {
		cur := b.state.Load()
		next := &snapshot{state: StateClosed, generation: cur.generation + 1}
		if b.state.CompareAndSwap(cur, next) {
			if cur.state != StateClosed {
				b.transition(cur.state, StateClosed)
			}
			return
		}
	}
}

func (b *Breaker) transition(from, to State) {
	if to == StateOpen {
		b.logger.Warn("circuit breaker opened",
			zap.String("from", from.String()),
			zap.Duration("recovery_timeout", b.cfg.RecoveryTimeout),
		)
	} else {
		b.logger.Info("circuit breaker state changed",
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(from, to)
	}
}
