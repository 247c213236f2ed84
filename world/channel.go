package world

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/willf/bloom"
	"golang.org/x/time/rate"

	"github.com/flowgraph/ttg/errors"
	"github.com/flowgraph/ttg/log"
	"github.com/flowgraph/ttg/wg"
)

// message is one active-message send in flight on a Channel world.
type message struct {
	id int64
	fn func(ctx context.Context) error
}

// Channel is an in-process, multi-rank World built on goroutines and
// buffered channels: one inbox per rank, fed by every other rank's
// Send calls and drained by a per-rank worker goroutine. It exercises
// the remote set_arg path without a real network.
//
// Fence uses the group's shared wg.WaitGroup, incremented on every
// in-flight Send and every caller-registered Track, and decremented
// once the corresponding message has been delivered (run to
// completion) — so Fence blocks exactly while the dispatch-core
// invariant "no messages in flight, no ready tasks" is violated.
type Channel struct {
	rank  int
	group *channelGroup

	inbox chan message
	done  chan struct{}
}

type channelGroup struct {
	ranks   []*Channel
	wg      wg.WaitGroup
	limiter *rate.Limiter
	log     *log.Logger

	mu       sync.Mutex
	seen     *bloom.BloomFilter
	nextID   int64
	closed   int32
}

// ChannelOption configures a Channel world group at construction.
type ChannelOption func(*channelGroup)

// WithRateLimit caps the aggregate rate (messages/sec) at which the
// group accepts new sends, simulating a bandwidth-constrained
// substrate.
func WithRateLimit(messagesPerSecond float64, burst int) ChannelOption {
	return func(g *channelGroup) {
		g.limiter = rate.NewLimiter(rate.Limit(messagesPerSecond), burst)
	}
}

// WithLogger attaches a logger used for per-message debug tracing.
func WithLogger(l *log.Logger) ChannelOption {
	return func(g *channelGroup) { g.log = l }
}

// NewChannelWorld constructs size ranks of a Channel world, each
// backed by a buffered inbox of the given depth, and starts their
// delivery goroutines. Callers are responsible for calling Close on
// rank 0 (or any one rank) once the graph has finished running.
func NewChannelWorld(size int, inboxDepth int, opts ...ChannelOption) []*Channel {
	if size <= 0 {
		panic("world: NewChannelWorld requires size >= 1")
	}
	g := &channelGroup{
		seen: bloom.NewWithEstimates(1_000_000, 0.001),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.ranks = make([]*Channel, size)
	for r := 0; r < size; r++ {
		c := &Channel{
			rank:  r,
			group: g,
			inbox: make(chan message, inboxDepth),
			done:  make(chan struct{}),
		}
		g.ranks[r] = c
	}
	for _, c := range g.ranks {
		go c.run()
	}
	return g.ranks
}

func (c *Channel) run() {
	for {
		select {
		case m, ok := <-c.inbox:
			if !ok {
				return
			}
			c.deliver(m)
		case <-c.done:
			return
		}
	}
}

func (c *Channel) deliver(m message) {
	defer c.group.wg.Done()
	c.group.mu.Lock()
	dup := c.group.seen.TestAndAdd(encodeID(m.id))
	c.group.mu.Unlock()
	if dup {
		// The group's own Send path assigns each message a fresh id, so
		// a duplicate here means a bug in delivery, not a legitimate
		// retry: the substrate contract (spec.md §4.4) requires
		// exactly-once delivery.
		if c.group.log.At(log.ErrorLevel) {
			c.group.log.Errorf("world: duplicate delivery of message %d to rank %d", m.id, c.rank)
		}
		return
	}
	if err := m.fn(context.Background()); err != nil {
		if c.group.log.At(log.ErrorLevel) {
			c.group.log.Errorf("world: rank %d delivery error: %v", c.rank, err)
		}
	}
}

func encodeID(id int64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(id >> (8 * i))
	}
	return b
}

func (c *Channel) Rank() int { return c.rank }
func (c *Channel) Size() int { return len(c.group.ranks) }

func (c *Channel) Send(ctx context.Context, dst int, fn func(ctx context.Context) error) error {
	if atomic.LoadInt32(&c.group.closed) != 0 {
		return ErrClosed
	}
	if dst < 0 || dst >= len(c.group.ranks) {
		return errors.E("send", errors.GraphConstruction, errors.New("destination rank out of range"))
	}
	if c.group.limiter != nil {
		if err := c.group.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	id := atomic.AddInt64(&c.group.nextID, 1)
	c.group.wg.Add(1)
	select {
	case c.group.ranks[dst].inbox <- message{id: id, fn: fn}:
		return nil
	case <-ctx.Done():
		c.group.wg.Done()
		return ctx.Err()
	}
}

func (c *Channel) Broadcast(ctx context.Context, fn func(ctx context.Context, rank int) error) error {
	if atomic.LoadInt32(&c.group.closed) != 0 {
		return ErrClosed
	}
	var wgLocal sync.WaitGroup
	errs := make([]error, len(c.group.ranks))
	for i := range c.group.ranks {
		i := i
		wgLocal.Add(1)
		go func() {
			defer wgLocal.Done()
			errs[i] = fn(ctx, i)
		}()
	}
	wgLocal.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *Channel) Fence(ctx context.Context) error {
	select {
	case <-c.group.wg.C():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Channel) Track() func() {
	c.group.wg.Add(1)
	return c.group.wg.Done
}

// Close tears down every rank's delivery goroutine. Safe to call from
// any one rank; it closes the whole group.
func (c *Channel) Close() {
	if !atomic.CompareAndSwapInt32(&c.group.closed, 0, 1) {
		return
	}
	for _, r := range c.group.ranks {
		close(r.done)
	}
}
