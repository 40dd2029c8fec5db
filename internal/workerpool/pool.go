package workerpool

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/breeze-rmm/drivermgr/internal/logging"
)

var log = logging.L("workerpool")

// ErrStopped is returned by SubmitWait once the pool no longer accepts work.
var ErrStopped = errors.New("workerpool: stopped")

// Task is a unit of work submitted to the pool.
type Task func()

// Pool is a bounded goroutine pool with a fixed-size task queue.
type Pool struct {
	name  string
	queue chan Task

	mu        sync.RWMutex // guards accepting together with wg.Add
	accepting bool
	wg        sync.WaitGroup
	active    atomic.Int32

	stopOnce sync.Once
	doneOnce sync.Once
	stopped  chan struct{} // closed when submissions stop
	done     chan struct{} // closed when workers must exit

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a pool named name with maxWorkers goroutines and a task queue
// of queueSize.
func New(name string, maxWorkers, queueSize int) *Pool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name:      name,
		queue:     make(chan Task, queueSize),
		accepting: true,
		stopped:   make(chan struct{}),
		done:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}

	for i := 0; i < maxWorkers; i++ {
		go p.worker()
	}

	log.Debug("worker pool started", "pool", name, "workers", maxWorkers, "queueSize", queueSize)
	return p
}

// Context is canceled once the pool has drained. Long tasks may watch it.
func (p *Pool) Context() context.Context {
	return p.ctx
}

// Active reports the number of tasks currently executing.
func (p *Pool) Active() int {
	return int(p.active.Load())
}

// Submit enqueues a task without blocking. Returns false if the pool is
// stopped or the queue is full.
func (p *Pool) Submit(task Task) bool {
	if !p.reserve() {
		return false
	}
	select {
	case p.queue <- task:
		return true
	default:
		p.wg.Done()
		log.Warn("worker pool queue full, task rejected", "pool", p.name)
		return false
	}
}

// SubmitWait enqueues a task, blocking until there is room in the queue,
// ctx is done, or the pool stops.
func (p *Pool) SubmitWait(ctx context.Context, task Task) error {
	if !p.reserve() {
		return ErrStopped
	}
	select {
	case p.queue <- task:
		return nil
	case <-ctx.Done():
		p.wg.Done()
		return ctx.Err()
	case <-p.stopped:
		p.wg.Done()
		return ErrStopped
	}
}

func (p *Pool) reserve() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.accepting {
		return false
	}
	p.wg.Add(1)
	return true
}

// StopAccepting prevents new tasks from being submitted.
func (p *Pool) StopAccepting() {
	p.mu.Lock()
	p.accepting = false
	p.mu.Unlock()
	p.stopOnce.Do(func() { close(p.stopped) })
}

// Drain waits for all in-flight and queued tasks to complete, respecting the
// context deadline. It stops submissions first. Workers exit and the pool
// context is canceled when Drain returns.
func (p *Pool) Drain(ctx context.Context) {
	p.StopAccepting()

	finished := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		log.Debug("worker pool drained", "pool", p.name)
	case <-ctx.Done():
		log.Warn("worker pool drain timed out", "pool", p.name, "active", p.Active())
	}

	p.cancel()
	p.doneOnce.Do(func() { close(p.done) })
}

// Shutdown stops accepting work and drains the pool.
func (p *Pool) Shutdown(ctx context.Context) {
	p.Drain(ctx)
}

func (p *Pool) worker() {
	for {
		select {
		case task := <-p.queue:
			p.runTask(task)
		case <-p.done:
			return
		}
	}
}

// runTask executes a single task with panic recovery. wg.Done matches the
// wg.Add taken in reserve.
func (p *Pool) runTask(task Task) {
	p.active.Add(1)
	defer p.wg.Done()
	defer p.active.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			log.Error("task panicked", "pool", p.name, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	task()
}
