// Package pool provides the bounded pool that runs synchronous provider calls
// off the scheduler's goroutines.
package pool

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrPoolClosed = errors.New("pool is closed")
)

// Task represents a unit of blocking work.
type Task func() error

type job struct {
	task   Task
	result chan error
}

// Config configures the pool.
type Config struct {
	MaxWorkers   int           `json:"max_workers"`
	QueueSize    int           `json:"queue_size"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
	PanicHandler func(any)     `json:"-"`
}

// DefaultConfig sizes the pool for maxBlocking workers.
func DefaultConfig(maxBlocking int) Config {
	if maxBlocking <= 0 {
		maxBlocking = 4 * runtime.NumCPU()
	}
	return Config{
		MaxWorkers:  maxBlocking,
		QueueSize:   maxBlocking * 4,
		IdleTimeout: 60 * time.Second,
	}
}

// BlockingPool runs tasks on at most MaxWorkers dedicated OS threads. Workers
// are spawned on demand and exit after IdleTimeout.
type BlockingPool struct {
	maxWorkers   int32
	idleTimeout  time.Duration
	panicHandler func(any)

	mu     sync.RWMutex
	closed bool
	queue  chan job
	wg     sync.WaitGroup

	workers   atomic.Int32
	active    atomic.Int32
	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	abandoned atomic.Int64
}

// New creates a pool.
func New(cfg Config) *BlockingPool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = DefaultConfig(0).MaxWorkers
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	return &BlockingPool{
		maxWorkers:   int32(cfg.MaxWorkers),
		idleTimeout:  cfg.IdleTimeout,
		panicHandler: cfg.PanicHandler,
		queue:        make(chan job, cfg.QueueSize),
	}
}

// Run executes task on a pool worker and waits for it. When ctx ends first,
// Run returns ctx.Err() and the task's result is discarded.
func (p *BlockingPool) Run(ctx context.Context, task Task) error {
	j := job{task: task, result: make(chan error, 1)}

	if err := p.enqueue(ctx, j); err != nil {
		return err
	}

	select {
	case err := <-j.result:
		return err
	case <-ctx.Done():
		p.abandoned.Add(1)
		return ctx.Err()
	}
}

// Do runs fn on p and returns its typed result.
func Do[T any](ctx context.Context, p *BlockingPool, fn func() (T, error)) (T, error) {
	var out T
	err := p.Run(ctx, func() error {
		v, err := fn()
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

func (p *BlockingPool) enqueue(ctx context.Context, j job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	p.submitted.Add(1)
	p.ensureWorker(1)

	select {
	case p.queue <- j:
		p.ensureWorker(0)
		return nil
	case <-ctx.Done():
		p.abandoned.Add(1)
		return ctx.Err()
	}
}

// ensureWorker spawns a worker when pending work exceeds idle capacity.
func (p *BlockingPool) ensureWorker(pending int32) {
	for {
		n := p.workers.Load()
		if n >= p.maxWorkers || n >= p.active.Load()+int32(len(p.queue))+pending {
			return
		}
		if p.workers.CompareAndSwap(n, n+1) {
			p.wg.Add(1)
			go p.worker()
			return
		}
	}
}

func (p *BlockingPool) worker() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer p.wg.Done()

	timer := time.NewTimer(p.idleTimeout)
	defer timer.Stop()

	for {
		select {
		case j, ok := <-p.queue:
			if !ok {
				p.workers.Add(-1)
				return
			}
			p.active.Add(1)
			err := p.execute(j.task)
			p.active.Add(-1)
			if err != nil {
				p.failed.Add(1)
			} else {
				p.completed.Add(1)
			}
			j.result <- err

			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(p.idleTimeout)

		case <-timer.C:
			// leave first, then re-check so a job queued meanwhile is not stranded
			p.workers.Add(-1)
			if len(p.queue) == 0 {
				return
			}
			if p.workers.Add(1) > p.maxWorkers {
				p.workers.Add(-1)
				return
			}
			timer.Reset(p.idleTimeout)
		}
	}
}

func (p *BlockingPool) execute(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if p.panicHandler != nil {
				p.panicHandler(r)
			}
			err = fmt.Errorf("blocking task panicked: %v", r)
		}
	}()
	return task()
}

// Close stops accepting work and waits for queued tasks to drain.
func (p *BlockingPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()
	p.wg.Wait()
}

// Stats returns pool statistics.
func (p *BlockingPool) Stats() Stats {
	return Stats{
		MaxWorkers: int(p.maxWorkers),
		Workers:    int(p.workers.Load()),
		Active:     int(p.active.Load()),
		Queued:     len(p.queue),
		Submitted:  p.submitted.Load(),
		Completed:  p.completed.Load(),
		Failed:     p.failed.Load(),
		Abandoned:  p.abandoned.Load(),
	}
}

// Stats contains pool statistics.
type Stats struct {
	MaxWorkers int   `json:"max_workers"`
	Workers    int   `json:"workers"`
	Active     int   `json:"active"`
	Queued     int   `json:"queued"`
	Submitted  int64 `json:"submitted"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Abandoned  int64 `json:"abandoned"`
}
