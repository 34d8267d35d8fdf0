// Package workerpool runs background tasks on a fixed number of goroutines
// fed by a bounded queue.
package workerpool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/duangjit/backend/internal/metrics"
)

var (
	ErrQueueFull = errors.New("workerpool: queue full")
	ErrClosed    = errors.New("workerpool: closed")
)

type task struct {
	kind string
	fn   func(ctx context.Context) error
}

type Pool struct {
	queue   chan task
	workers int
	timeout time.Duration
	log     *slog.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

type Option func(*Pool)

// WithTaskTimeout bounds each task's context.
func WithTaskTimeout(d time.Duration) Option { return func(p *Pool) { p.timeout = d } }

func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.log = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option { return func(p *Pool) { p.metrics = m } }

func New(workers, queueSize int, opts ...Option) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	p := &Pool{
		queue:   make(chan task, queueSize),
		workers: workers,
		timeout: 2 * time.Minute,
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Start launches the workers. Tasks run with contexts derived from ctx.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(ctx)
	}
}

// Submit queues fn without blocking. ErrQueueFull is returned when the
// queue is at capacity.
func (p *Pool) Submit(kind string, fn func(ctx context.Context) error) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.queue <- task{kind: kind, fn: fn}:
		p.metrics.SetQueueDepth(len(p.queue))
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop refuses new tasks, lets the workers drain what is queued and waits
// for them. It gives up when ctx ends, cancelling running tasks.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		if p.cancel != nil {
			p.cancel()
		}
		return ctx.Err()
	}
}

func (p *Pool) run(ctx context.Context) {
	defer p.wg.Done()
	for t := range p.queue {
		p.metrics.SetQueueDepth(len(p.queue))
		p.exec(ctx, t)
	}
}

func (p *Pool) exec(ctx context.Context, t task) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			p.metrics.TaskFailed(t.kind)
			p.log.Error("task panicked", "kind", t.kind, "panic", r)
		}
	}()
	if err := t.fn(ctx); err != nil {
		p.metrics.TaskFailed(t.kind)
		p.log.Error("task failed", "kind", t.kind, "error", err)
	}
}
