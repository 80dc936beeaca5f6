package workerpool

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/breeze-rmm/autoupdate/internal/logging"
)

var log = logging.L("workerpool")

var (
	ErrStopped   = errors.New("worker pool stopped")
	ErrQueueFull = errors.New("worker pool queue full")
)

// Task is a unit of work. ctx is cancelled when the pool's parent context
// ends or when Shutdown gives up waiting.
type Task func(ctx context.Context)

// Option configures a Pool.
type Option func(*Pool)

// WithPanicHandler is called with the recovered value when a task panics.
func WithPanicHandler(fn func(recovered any)) Option {
	return func(p *Pool) { p.onPanic = fn }
}

// WithName sets the name used in log lines.
func WithName(name string) Option {
	return func(p *Pool) { p.name = name }
}

// Pool is a bounded goroutine pool with a fixed-size task queue.
type Pool struct {
	name    string
	queue   chan Task
	ctx     context.Context
	cancel  context.CancelFunc
	onPanic func(any)

	wg        sync.WaitGroup
	mu        sync.RWMutex
	accepting atomic.Bool
	closeOnce sync.Once
}

// New starts maxWorkers goroutines reading from a queue of queueSize.
func New(parent context.Context, maxWorkers, queueSize int, opts ...Option) *Pool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}

	ctx, cancel := context.WithCancel(parent)
	p := &Pool{
		name:   "default",
		queue:  make(chan Task, queueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.accepting.Store(true)

	for i := 0; i < maxWorkers; i++ {
		go p.worker()
	}

	log.Debug("worker pool started", "pool", p.name, "workers", maxWorkers, "queueSize", queueSize)
	return p
}

// Submit enqueues a task without blocking.
func (p *Pool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.accepting.Load() {
		return ErrStopped
	}

	// wg.Add before enqueue so Shutdown cannot miss the task.
	p.wg.Add(1)
	select {
	case p.queue <- task:
		return nil
	default:
		p.wg.Done()
		log.Warn("worker pool queue full, task rejected", "pool", p.name)
		return ErrQueueFull
	}
}

// Shutdown stops accepting tasks and waits for queued and running tasks. If
// ctx ends first, running tasks see their context cancelled and ctx.Err() is
// returned; workers still exit once their current task returns.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.accepting.Store(false)
	p.closeOnce.Do(func() { close(p.queue) })
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn("worker pool shutdown timed out", "pool", p.name)
		err = ctx.Err()
	}
	p.cancel()
	return err
}

func (p *Pool) worker() {
	for task := range p.queue {
		p.runTask(task)
	}
}

// runTask executes a single task with panic recovery. wg.Done matches the
// wg.Add in Submit.
func (p *Pool) runTask(task Task) {
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			log.Error("task panicked", "pool", p.name, "panic", r, "stack", string(debug.Stack()))
			if p.onPanic != nil {
				p.onPanic(r)
			}
		}
	}()
	task(p.ctx)
}
