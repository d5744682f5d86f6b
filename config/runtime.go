package config

import (
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
)

const (
	maxWorkerThreads = 32
	minStackSize     = 64 << 10
)

// ErrRuntimeFrozen is returned when the runtime is configured a second time.
var ErrRuntimeFrozen = errors.New("runtime config already applied; restart the process to change it")

// RuntimeConfig sizes the process-wide scheduler and blocking pool.
// It is applied once at startup and never reloaded.
type RuntimeConfig struct {
	// GOMAXPROCS，默认 2×CPU，上限 32
	WorkerThreads int `yaml:"worker_threads" env:"WORKER_THREADS"`
	// 阻塞调用线程池大小，默认 4×CPU
	MaxBlockingThreads int `yaml:"max_blocking_threads" env:"MAX_BLOCKING_THREADS"`
	// 单个 goroutine 的最大栈（字节），0 表示保持运行时默认值
	ThreadStackSize int `yaml:"thread_stack_size" env:"THREAD_STACK_SIZE"`
}

// DefaultRuntimeConfig derives sizes from the number of logical cores.
func DefaultRuntimeConfig() RuntimeConfig {
	return runtimeConfigForCores(runtime.NumCPU())
}

func runtimeConfigForCores(cores int) RuntimeConfig {
	if cores < 1 {
		cores = 1
	}
	return RuntimeConfig{
		WorkerThreads:      min(2*cores, maxWorkerThreads),
		MaxBlockingThreads: 4 * cores,
	}
}

// Validate checks the runtime sizes.
func (c RuntimeConfig) Validate() error {
	if c.WorkerThreads <= 0 || c.WorkerThreads > maxWorkerThreads {
		return fmt.Errorf("runtime.worker_threads must be in [1, %d], got %d", maxWorkerThreads, c.WorkerThreads)
	}
	if c.MaxBlockingThreads <= 0 {
		return fmt.Errorf("runtime.max_blocking_threads must be positive, got %d", c.MaxBlockingThreads)
	}
	if c.ThreadStackSize != 0 && c.ThreadStackSize < minStackSize {
		return fmt.Errorf("runtime.thread_stack_size must be 0 or >= %d", minStackSize)
	}
	return nil
}

// RuntimeGuard applies a RuntimeConfig at most once.
type RuntimeGuard struct {
	mu      sync.Mutex
	applied bool
	cfg     RuntimeConfig
}

var processRuntime RuntimeGuard

// Apply configures the Go runtime for this process. A second call fails with
// ErrRuntimeFrozen, even when the config is identical.
func (c RuntimeConfig) Apply() error {
	return processRuntime.Apply(c)
}

// ActiveRuntime returns the applied config, if any.
func ActiveRuntime() (RuntimeConfig, bool) {
	return processRuntime.Active()
}

// Apply validates cfg and sets GOMAXPROCS and the max goroutine stack.
func (g *RuntimeGuard) Apply(cfg RuntimeConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.applied {
		return ErrRuntimeFrozen
	}

	runtime.GOMAXPROCS(cfg.WorkerThreads)
	if cfg.ThreadStackSize > 0 {
		debug.SetMaxStack(cfg.ThreadStackSize)
	}
	g.applied = true
	g.cfg = cfg
	return nil
}

// Active returns the applied config.
func (g *RuntimeGuard) Active() (RuntimeConfig, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cfg, g.applied
}
