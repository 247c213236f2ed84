// Package graph implements the top-level assembly and execution driver
// of spec.md §4.6: a Context bundles the World a run executes against
// with the queue.Pool its task templates dispatch onto, tracks the set
// of task templates constructed against it so MakeExecutable can
// verify the whole graph is ready before a root key is invoked, and
// exposes the rank/size/fence/abort surface spec.md §6 names.
package graph

import (
	"context"
	"sync"

	"github.com/flowgraph/ttg/edge"
	"github.com/flowgraph/ttg/errors"
	"github.com/flowgraph/ttg/log"
	"github.com/flowgraph/ttg/queue"
	"github.com/flowgraph/ttg/tt"
	"github.com/flowgraph/ttg/world"
)

// node is the non-generic view graph keeps of a registered task
// template. Go's type erasure across Template[K] instantiations means
// the graph can't walk a template's own input/output terminals
// generically, so reachability is tracked at construction time
// instead: every rank's graph-construction code registers the same
// templates in the same order (the SPMD style spec.md assumes
// throughout), and MakeExecutable checks that registration set rather
// than chasing pointers from a root.
type node struct {
	name      string
	ready     func() bool
	leakCount func() int
	leaked    func(n int) []tt.LeakedRecord
}

// edgeNode is the non-generic view graph keeps of a registered Edge,
// for the same type-erasure reason node exists for templates.
type edgeNode struct {
	name     string
	balanced func() bool
}

// Context is one rank's handle onto a running graph.
type Context struct {
	world world.World
	pool  *queue.Pool
	log   *log.Logger

	mu          sync.Mutex
	nodes       []node
	edges       []edgeNode
	aborted     bool
	abortReason string
}

// Option configures Initialize.
type Option func(*options)

type options struct {
	workers int
	log     *log.Logger
}

// WithWorkers sets the size of the queue.Pool backing task dispatch.
// The default is 4.
func WithWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

// WithLogger attaches l for the Context's own diagnostics and is
// passed through to the queue.Pool it creates.
func WithLogger(l *log.Logger) Option {
	return func(o *options) { o.log = l }
}

// Initialize is initialize(argc, argv, num_threads) (spec.md §6): it
// builds the queue.Pool a run's task templates dispatch onto and
// returns a Context bound to w. w is constructed by the caller
// (world.NewLocal for a single-rank run, world.NewChannelWorld for an
// in-process multi-rank simulation, or another World implementation
// entirely) since only the caller knows how many ranks a run needs and
// how they should be wired.
func Initialize(w world.World, opts ...Option) (*Context, error) {
	o := options{workers: 4}
	for _, opt := range opts {
		opt(&o)
	}
	if o.workers <= 0 {
		return nil, errors.E("graph.initialize", errors.GraphConstruction, errors.New("workers must be positive"))
	}
	rankLog := log.ForRank(o.log, w.Rank())
	var poolOpts []queue.Option
	if rankLog != nil {
		poolOpts = append(poolOpts, queue.WithLogger(rankLog))
	}
	return &Context{
		world: w,
		pool:  queue.New(o.workers, poolOpts...),
		log:   rankLog,
	}, nil
}

// Pool returns the worker pool task templates constructed against this
// Context should dispatch onto.
func (c *Context) Pool() *queue.Pool { return c.pool }

// World returns the substrate this Context runs against.
func (c *Context) World() world.World { return c.world }

// Rank and Size mirror rank()/size() (spec.md §6).
func (c *Context) Rank() int { return c.world.Rank() }
func (c *Context) Size() int { return c.world.Size() }

// Fence is fence() (spec.md §4.6): it returns once no task is
// ready-but-unexecuted and no message is in flight anywhere in the
// world.
func (c *Context) Fence(ctx context.Context) error {
	return c.world.Fence(ctx)
}

// Register records t as part of the graph this Context tracks, so a
// later MakeExecutable call can confirm every template constructed
// against this Context has had its body installed. Graph-construction
// code should call Register once per tt.New/tt.NewReplicated result,
// immediately after building each template's terminals.
func Register[K comparable](c *Context, t *tt.Template[K]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodes = append(c.nodes, node{
		name:      t.Name,
		ready:     t.Ready,
		leakCount: t.LeakCount,
		leaked:    t.LeakedRecords,
	})
}

// RegisterEdge records e as part of the graph this Context tracks, so
// MakeExecutable can diagnose an unbalanced edge (spec.md §4.2: one
// side wired, the other never connected) at graph-construction time
// rather than leaving it to silently drop values at run time.
// Graph-construction code should call RegisterEdge once per
// edge.New/edge.Fuse result.
func RegisterEdge[K comparable, V any](c *Context, e *edge.Edge[K, V]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.edges = append(c.edges, edgeNode{name: e.Name, balanced: e.Balanced})
}

// MakeExecutable is make_graph_executable(root) (spec.md §4.6),
// realized as a readiness check over every template registered against
// this Context rather than a pointer-chasing traversal from root: in
// this module reachability from root is a property of graph
// construction order (every SPMD rank constructs the identical set of
// templates), not something recoverable at runtime once Template's key
// and value types have been erased to satisfy Go's generic method
// restrictions. A template with no body installed via MakeExecutable
// makes send/invoke on it undefined per spec.md §4.6; here that is
// reported as a GraphConstruction error instead of left undefined.
// Every registered edge with only one side wired is reported the same
// way (spec.md §4.2's "unbalanced edge").
func (c *Context) MakeExecutable() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var notReady []string
	for _, n := range c.nodes {
		if !n.ready() {
			notReady = append(notReady, n.name)
		}
	}
	if len(notReady) > 0 {
		return errors.E("make_graph_executable", errors.GraphConstruction,
			errors.Errorf("templates missing a body: %v", notReady))
	}
	var unbalanced []string
	for _, e := range c.edges {
		if !e.balanced() {
			unbalanced = append(unbalanced, e.name)
		}
	}
	if len(unbalanced) > 0 {
		return errors.E("make_graph_executable", errors.GraphConstruction,
			errors.Errorf("unbalanced edge (only in or only out connected): %v", unbalanced))
	}
	return nil
}

// Abort is abort() (spec.md §6): it prints a rank-prefixed diagnostic
// and terminates the process, mirroring the teacher's log.Fatal[f]
// convention for unrecoverable conditions.
func (c *Context) Abort(reason string) {
	c.recordAbort(reason)
	log.Fatalf("rank %d: abort: %s", c.Rank(), reason)
}

func (c *Context) recordAbort(reason string) {
	c.mu.Lock()
	c.aborted = true
	c.abortReason = reason
	c.mu.Unlock()
}

// Aborted reports whether Abort has been called on this Context, for
// callers that want to check status without triggering log.Fatal's
// os.Exit (tests, mainly).
func (c *Context) Aborted() (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aborted, c.abortReason
}

// maxLeakDump bounds how many leaked records Finalize includes in its
// teardown-leak error, so a run with thousands of stuck keys doesn't
// produce an unreadable diagnostic.
const maxLeakDump = 10

// Finalize is finalize() (spec.md §6): it drains the queue.Pool and
// releases the Context. Before draining, it asserts every registered
// template's pending-record cache is empty (spec.md §4.6's
// teardown-leak check) — a non-empty cache means some key's task
// never received all of its arguments, which is always a bug in
// graph construction or the terminals feeding it. A Context must not
// be used after Finalize.
func (c *Context) Finalize() error {
	if err := c.checkTeardownLeaks(); err != nil {
		return err
	}
	return c.pool.Close()
}

func (c *Context) checkTeardownLeaks() error {
	c.mu.Lock()
	nodes := append([]node(nil), c.nodes...)
	c.mu.Unlock()

	var dump []string
	total := 0
	for _, n := range nodes {
		count := n.leakCount()
		if count == 0 {
			continue
		}
		total += count
		remaining := maxLeakDump - len(dump)
		if remaining <= 0 {
			continue
		}
		for _, rec := range n.leaked(remaining) {
			dump = append(dump, errors.Errorf("%s[%s]: assigned=%v", n.name, rec.Key, rec.Assigned).Error())
		}
	}
	if total == 0 {
		return nil
	}
	return errors.E("finalize", errors.TeardownLeak,
		errors.Errorf("%d pending record(s) never completed; showing up to %d: %v", total, maxLeakDump, dump))
}
