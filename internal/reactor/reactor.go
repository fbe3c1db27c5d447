// Package reactor implements the bounded worker pool of spec.md §5's
// concurrency model: a fixed number of goroutines draining a shared
// channel of queued work, the "pool of worker threads drains a shared
// I/O reactor" expressed with goroutines and channels instead of an
// explicit thread pool. Every endpoint's read goroutine submits the
// message-handling work it would otherwise run inline, so one slow
// handler cannot stall that endpoint's socket read loop.
//
// Grounded on responder.runQueryHandler's receive-loop shape
// (select on a done channel vs. the next unit of work), generalized
// from one goroutine reading its own transport to N goroutines reading
// a shared task channel.
package reactor

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Task is one unit of queued work, almost always a closure over a
// single decoded message and the endpoint/router callback that will
// process it.
type Task func()

// Pool is a bounded worker pool. Submit never blocks the caller beyond
// the configured queue depth; a full queue drops the task and reports
// false so the caller (an endpoint's read goroutine) can count it as a
// dropped message per spec.md §6's statistics knobs instead of
// blocking indefinitely.
type Pool struct {
	tasks   chan Task
	stopCh  chan struct{}
	workers int
	log     *logrus.Entry

	onDrop func()

	wg      sync.WaitGroup
	started atomic.Bool
	closed  atomic.Bool
}

// Option configures a Pool at construction.
type Option func(*Pool)

// WithLogger attaches a component-scoped logger.
func WithLogger(log *logrus.Entry) Option {
	return func(p *Pool) { p.log = log }
}

// WithDropHandler installs a callback invoked once for every task
// Submit could not enqueue, letting the daemon wire it to
// internal/stats' dropped-message counter without this package
// depending on Prometheus itself.
func WithDropHandler(f func()) Option {
	return func(p *Pool) { p.onDrop = f }
}

// New creates a Pool with the given worker count and task queue depth.
// Workers are not started until Start is called.
func New(workers, queueDepth int, opts ...Option) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueDepth < 1 {
		queueDepth = 1
	}
	p := &Pool{
		tasks:   make(chan Task, queueDepth),
		stopCh:  make(chan struct{}),
		workers: workers,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.log == nil {
		p.log = logrus.NewEntry(logrus.StandardLogger())
	}
	p.log = p.log.WithField("component", "reactor")
	return p
}

// Start launches the worker goroutines. Each drains the shared task
// channel until ctx is cancelled or Stop is called. Calling Start more
// than once is a no-op.
func (p *Pool) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(ctx)
	}
}

func (p *Pool) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case task := <-p.tasks:
			p.runTask(task)
		}
	}
}

// runTask executes task, recovering a panic so one misbehaving handler
// cannot take the whole pool down, matching the isolation a per-
// connection goroutine would have given a panicking handler in the
// teacher's own accept-loop shape.
func (p *Pool) runTask(task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.log.WithField("panic", r).Error("reactor task panicked")
		}
	}()
	task()
}

// Submit enqueues task for a worker to run. It reports false, without
// running task, if the pool is stopped or its queue is full.
func (p *Pool) Submit(task Task) bool {
	if p.closed.Load() {
		return false
	}
	select {
	case p.tasks <- task:
		return true
	default:
		p.log.Warn("reactor queue full, dropping task")
		if p.onDrop != nil {
			p.onDrop()
		}
		return false
	}
}

// Stop signals every worker to exit and waits for them to drain
// whatever task each is currently running. Submit after Stop always
// reports false; tasks still sitting in the queue are discarded.
func (p *Pool) Stop() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	close(p.stopCh)
	p.wg.Wait()
}
