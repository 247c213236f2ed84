// Package queue implements the task queue the spec treats as an
// external collaborator (spec.md §1, §5): the bounded worker pool that
// actually runs a ready task body once the dispatch core (package tt)
// has assembled its arguments.
package queue

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/flowgraph/ttg/log"
)

// job is one unit of queued work: a thunk plus the priority it was
// submitted with (spec.md §4.3.1's priomap).
type job struct {
	priority int
	fn       func(ctx context.Context)
}

// Pool is a bounded worker pool with coarse priority sharding: jobs
// submitted with a priority at or above priorityThreshold go to a high
// shard that is drained before the low shard; within a shard jobs run
// in submission order whatever their exact priority. Priority never
// blocks correctness — it only affects scheduling order, exactly
// as spec.md §4.3.1 describes priomap as "a hint". Grounded on the
// reference scheduler's errgroup-based run loop (`sched.Scheduler.run`),
// adapted from a one-shot alloc-fanout to a long-lived worker pool.
type Pool struct {
	workers int
	log     *log.Logger

	mu    sync.Mutex
	high  []job
	low   []job
	cond  *sync.Cond

	g        *errgroup.Group
	ctx      context.Context
	cancel   context.CancelFunc
	closing  bool
	closed   chan struct{}
}

// Option configures a Pool at construction.
type Option func(*Pool)

// WithLogger attaches a logger used for worker lifecycle tracing.
func WithLogger(l *log.Logger) Option {
	return func(p *Pool) { p.log = l }
}

// priorityThreshold splits submitted jobs into a "high" and "low"
// shard; jobs at or above the threshold are drained first.
const priorityThreshold = 0

// New starts a Pool with the given number of worker goroutines.
func New(workers int, opts ...Option) *Pool {
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	p := &Pool{
		workers: workers,
		g:       g,
		ctx:     ctx,
		cancel:  cancel,
		closed:  make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	for _, opt := range opts {
		opt(p)
	}
	for i := 0; i < workers; i++ {
		p.g.Go(p.worker)
	}
	return p
}

// Go submits fn to run on a pool goroutine at the given priority.
// A job at or above priorityThreshold runs before every still-queued
// job below it; jobs on the same side of the threshold run in
// submission order.
func (p *Pool) Go(priority int, fn func(ctx context.Context)) {
	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		if p.log.At(log.ErrorLevel) {
			p.log.Errorf("queue: job submitted after Close, dropped")
		}
		return
	}
	j := job{priority: priority, fn: fn}
	if priority >= priorityThreshold {
		p.high = append(p.high, j)
	} else {
		p.low = append(p.low, j)
	}
	p.mu.Unlock()
	p.cond.Signal()
}

func (p *Pool) worker() error {
	for {
		j, ok := p.next()
		if !ok {
			return nil
		}
		j.fn(p.ctx)
	}
}

func (p *Pool) next() (job, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if len(p.high) > 0 {
			j := p.high[0]
			p.high = p.high[1:]
			return j, true
		}
		if len(p.low) > 0 {
			j := p.low[0]
			p.low = p.low[1:]
			return j, true
		}
		if p.closing {
			return job{}, false
		}
		p.cond.Wait()
	}
}

// Close stops accepting new jobs, drains in-flight workers, and waits
// for them to exit. It does not cancel jobs already handed to a
// worker.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closing = true
	p.mu.Unlock()
	p.cond.Broadcast()
	err := p.g.Wait()
	p.cancel()
	close(p.closed)
	return err
}

// Pending reports the number of jobs not yet picked up by a worker.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.high) + len(p.low)
}
