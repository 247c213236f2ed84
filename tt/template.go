// Package tt implements the dispatch core of spec.md §4.3: a Template
// assembles arguments for each key across zero or more input
// terminals and runs the user's task body exactly once per key, once
// every input has contributed its value.
//
// A Template is generic only over its key type K; input and output
// values are handled as opaque any storage internally, with typed
// *terminal.In[K,V]/*terminal.Out[K,V] wrappers constructed by the
// package-level Input/Output functions providing the compile-time
// type safety spec.md's C++ template parameters gave for free.
package tt

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/flowgraph/ttg/errors"
	"github.com/flowgraph/ttg/key"
	"github.com/flowgraph/ttg/log"
	"github.com/flowgraph/ttg/queue"
	"github.com/flowgraph/ttg/world"
)

// maxShortCircuitDepth bounds the short-circuit inline-execution chain
// (spec.md §4.3.2.e): once a chain of same-key, purely-local
// dispatches reaches this depth, further readies are handed to the
// queue instead of growing the call stack indefinitely.
const maxShortCircuitDepth = 6

// PullFunc answers a pull-edge query for input i of key k (spec.md
// §4.5): it is the local half of the protocol, invoked once the
// owning rank has been determined. Package pull supplies
// implementations backed by a Container.
type PullFunc[K comparable] func(ctx context.Context, k K) (any, error)

// Body is a task template's user function: given the assembled
// arguments for k, it runs the task's work and is expected to send
// results through the outs it closed over at construction time (the
// Template's outs slice, one entry per Output/PullOutput call, is
// passed back here so Invoke remains decoupled from any particular
// arity).
type Body[K comparable] func(ctx context.Context, rec *Record[K], outs []any) error

type callCtxKey struct{}

type callInfo struct {
	keyHash uint64
	depth   int
}

func withCallInfo(ctx context.Context, info callInfo) context.Context {
	return context.WithValue(ctx, callCtxKey{}, info)
}

func callInfoFrom(ctx context.Context) (callInfo, bool) {
	info, ok := ctx.Value(callCtxKey{}).(callInfo)
	return info, ok
}

// Template is the dispatch core for one task type: it owns a set of
// numbered input slots (some plain, some streaming/reducing, some
// pull) and a set of numbered outputs, a keymap/priomap pair, and the
// pending-record cache keyed by task key.
type Template[K comparable] struct {
	Name string

	world world.World
	pool  *queue.Pool
	log   *log.Logger

	keymap  func(k K) int
	priomap func(k K) int

	numInputs int
	outs      []any

	mu               sync.Mutex
	reducers         map[int]func(acc, v any) any
	staticStreamSize map[int]int
	pullQueries      map[int]PullFunc[K]
	lazyPull         bool
	codecs           map[int]func(v any) (any, error)

	recMu   sync.Mutex
	records map[K]*pendingRecord

	body Body[K]

	// replicas holds, for a Template constructed via NewReplicated, one
	// entry per rank of the same distributed task template — the Go
	// realization of the world model's "same object, one copy per
	// rank": a remote set_arg calls straight into the destination
	// rank's own copy rather than re-entering the sender's. A Template
	// built with plain New has no replicas and only ever sees
	// owner == rank (spec.md §4.4's send is unreachable).
	replicas []*Template[K]

	// recent is an optional bounded LRU of recently-dispatched keys'
	// debug info, opted into via SetRecentCacheSize; nil means no
	// tracking (the default).
	recent *lru.Cache

	Stats Stats
}

// New constructs a Template dispatching on w, running ready task
// bodies on pool. The default keymap is hash(k) mod w.Size() (spec.md
// §4.3.1); the default priomap is the constant 0.
func New[K comparable](w world.World, pool *queue.Pool, name string) *Template[K] {
	return &Template[K]{
		Name:             name,
		world:            w,
		pool:             pool,
		keymap:           func(k K) int { return key.Owner(k, w.Size()) },
		priomap:          func(K) int { return 0 },
		reducers:         make(map[int]func(acc, v any) any),
		staticStreamSize: make(map[int]int),
		pullQueries:      make(map[int]PullFunc[K]),
		records:          make(map[K]*pendingRecord),
	}
}

// NewReplicated constructs one Template per world in worlds, all
// sharing pool, and wires them together so that a remote set_arg
// issued from any one of them is delivered to the matching rank's own
// Template instance. Callers configure each returned Template
// identically (same Input/Output/reducer calls), mirroring the SPMD
// style every rank of a real distributed run executes the same graph
// construction code.
func NewReplicated[K comparable](worlds []world.World, pool *queue.Pool, name string) []*Template[K] {
	ts := make([]*Template[K], len(worlds))
	for r, w := range worlds {
		ts[r] = New[K](w, pool, name)
	}
	for _, t := range ts {
		t.replicas = ts
	}
	return ts
}

func (t *Template[K]) localTarget(owner int) *Template[K] {
	if len(t.replicas) > 0 {
		return t.replicas[owner]
	}
	return t
}

// WithLogger attaches l for debug/error tracing.
func (t *Template[K]) WithLogger(l *log.Logger) *Template[K] {
	t.log = l
	return t
}

// SetKeymap overrides the default keymap (spec.md §4.3.1).
func (t *Template[K]) SetKeymap(fn func(k K) int) { t.keymap = fn }

// SetPriomap overrides the default priomap (spec.md §4.3.1).
func (t *Template[K]) SetPriomap(fn func(k K) int) { t.priomap = fn }

// SetLazyPull switches the TT between eager pull (query every pull
// input as soon as a key's pending record is created, the default)
// and lazy pull (defer pull queries until every non-pull input has
// arrived, per spec.md §4.3.2.d).
func (t *Template[K]) SetLazyPull(lazy bool) { t.lazyPull = lazy }

// MakeExecutable installs the task body. A Template with no body
// installed cannot reach readiness without panicking when a task
// becomes ready (spec.md §4.6's make_graph_executable gate).
func (t *Template[K]) MakeExecutable(body Body[K]) { t.body = body }

// Rank and Size expose the Template's world for callers building
// container keymaps etc.
func (t *Template[K]) Rank() int { return t.world.Rank() }
func (t *Template[K]) Size() int { return t.world.Size() }

// Ready reports whether MakeExecutable has installed a body, the
// condition package graph checks before treating a run's graph as
// executable (spec.md §4.6).
func (t *Template[K]) Ready() bool { return t.body != nil }

func (t *Template[K]) addInput() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.numInputs
	t.numInputs++
	return i
}

func (t *Template[K]) addOutput(out any) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.outs = append(t.outs, out)
	return len(t.outs) - 1
}

// setReducer installs input i's reducer, switching it into the
// streaming branch of set_arg.
func (t *Template[K]) setReducer(i int, reducer func(acc, v any) any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reducers[i] = reducer
}

// SetStaticArgStreamSize sets the TT-wide default stream size for
// input i, used when a key's record never calls SetArgStreamSize
// itself (spec.md §4.3.2's "first available of" fallback chain).
func (t *Template[K]) SetStaticArgStreamSize(i int, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.staticStreamSize[i] = n
}

func (t *Template[K]) setPullQuery(i int, fn PullFunc[K]) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pullQueries[i] = fn
}

func (t *Template[K]) numPullInputs() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pullQueries)
}

func (t *Template[K]) reducerFor(i int) (func(acc, v any) any, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn, ok := t.reducers[i]
	return fn, ok
}

func (t *Template[K]) streamSizeFallback(i int) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.staticStreamSize[i]
	return n, ok
}

// acquireRecord performs the single atomic insert-or-get the spec
// requires (spec.md §4.3.2.2.a): the owning rank is the sole
// serialization point for a key's pending record.
func (t *Template[K]) acquireRecord(k K) (rec *pendingRecord, created bool) {
	t.recMu.Lock()
	defer t.recMu.Unlock()
	if rec, ok := t.records[k]; ok {
		return rec, false
	}
	t.mu.Lock()
	reducers := t.reducers
	numInputs := t.numInputs
	t.mu.Unlock()
	rec = newPendingRecord(numInputs, reducers)
	t.records[k] = rec
	t.Stats.incCreated()
	return rec, true
}

func (t *Template[K]) eraseRecord(k K) {
	t.recMu.Lock()
	delete(t.records, k)
	t.recMu.Unlock()
}

// SetArg is set_arg<i>(k, v) (spec.md §4.3.2): the argument-assembly
// entry point every typed input terminal's Send/Move callback forwards
// into.
func (t *Template[K]) SetArg(ctx context.Context, i int, k K, v any) error {
	owner := t.keymap(k)
	if owner != t.world.Rank() {
		if roundTrip, ok := t.codecFor(i); ok {
			packed, err := roundTrip(v)
			if err != nil {
				return err
			}
			v = packed
		}
		dst := t.localTarget(owner)
		return t.world.Send(ctx, owner, func(ctx context.Context) error {
			return dst.setArgLocal(ctx, i, k, v)
		})
	}
	return t.setArgLocal(ctx, i, k, v)
}

func (t *Template[K]) setArgLocal(ctx context.Context, i int, k K, v any) error {
	rec, created := t.acquireRecord(k)
	if created && !t.lazyPull {
		t.firePullQueries(ctx, k, rec)
	}

	rec.mu.Lock()
	if rec.nargs[i] == 0 {
		rec.mu.Unlock()
		return errors.E("set_arg", t.Name, errors.ArgumentProtocol, errors.New("use-after-finalize"))
	}
	if reducer, ok := t.reducerFor(i); ok {
		fallback, _ := t.streamSizeFallback(i)
		applyStreamLocked(rec, i, v, reducer, fallback)
	} else {
		rec.values[i] = v
		rec.nargs[i] = 0
		rec.counter--
	}
	numPull := t.numPullInputs()
	shouldFirePulls := t.lazyPull && !rec.pullFired && numPull > 0 && rec.counter == numPull
	if shouldFirePulls {
		rec.pullFired = true
	}
	ready := rec.counter == 0
	rec.mu.Unlock()

	if shouldFirePulls {
		t.firePullQueries(ctx, k, rec)
		rec.mu.Lock()
		ready = rec.counter == 0
		rec.mu.Unlock()
	}

	if ready {
		t.dispatchReady(ctx, k, rec)
	}
	return nil
}

// Invoke is root.invoke(k) (spec.md §4.6): it seeds k's pending record
// on its owning rank and fires any pull queries immediately, exactly
// as creation-time eager pull would inside setArgLocal. This is the
// only entry point for a TT whose inputs are entirely pull inputs
// (spec.md §4.5), since such a TT never receives a push set_arg to
// create its record from.
func (t *Template[K]) Invoke(ctx context.Context, k K) error {
	owner := t.keymap(k)
	if owner != t.world.Rank() {
		dst := t.localTarget(owner)
		return t.world.Send(ctx, owner, func(ctx context.Context) error {
			return dst.invokeLocal(ctx, k)
		})
	}
	return t.invokeLocal(ctx, k)
}

func (t *Template[K]) invokeLocal(ctx context.Context, k K) error {
	rec, created := t.acquireRecord(k)
	if created {
		t.firePullQueries(ctx, k, rec)
	}
	rec.mu.Lock()
	ready := rec.counter == 0
	rec.mu.Unlock()
	if ready {
		t.dispatchReady(ctx, k, rec)
	}
	return nil
}

func applyStreamLocked(rec *pendingRecord, i int, v any, reducer func(acc, v any) any, staticFallback int) {
	if rec.nargs[i] == streamUnset {
		rec.values[i] = v
		sz, ok := rec.streamSize[i]
		if !ok {
			sz = staticFallback
		}
		rec.nargs[i] = sz
	} else {
		rec.values[i] = reducer(rec.values[i], v)
	}
	rec.nargs[i]--
	if rec.nargs[i] == 0 {
		rec.counter--
	}
}

// SetArgStreamSize is set_argstream_size<i>(k, n) (spec.md §4.3.3).
func (t *Template[K]) SetArgStreamSize(ctx context.Context, i int, k K, n int) error {
	owner := t.keymap(k)
	if owner != t.world.Rank() {
		dst := t.localTarget(owner)
		return t.world.Send(ctx, owner, func(ctx context.Context) error {
			return dst.setArgStreamSizeLocal(ctx, i, k, n)
		})
	}
	return t.setArgStreamSizeLocal(ctx, i, k, n)
}

func (t *Template[K]) setArgStreamSizeLocal(ctx context.Context, i int, k K, n int) error {
	rec, _ := t.acquireRecord(k)

	rec.mu.Lock()
	if _, ok := rec.streamSize[i]; ok {
		rec.mu.Unlock()
		return errors.E("set_argstream_size", t.Name, errors.ArgumentProtocol, errors.New("stream already bound"))
	}
	if rec.nargs[i] == 0 {
		rec.mu.Unlock()
		return errors.E("set_argstream_size", t.Name, errors.ArgumentProtocol, errors.New("use-after-finalize"))
	}
	rec.streamSize[i] = n
	if rec.nargs[i] != streamUnset {
		rec.nargs[i] += n
		if rec.nargs[i] == 0 {
			rec.counter--
		}
	}
	ready := rec.counter == 0
	rec.mu.Unlock()

	if ready {
		t.dispatchReady(ctx, k, rec)
	}
	return nil
}

// FinalizeArgStream is finalize_argstream<i>(k) (spec.md §4.3.3).
func (t *Template[K]) FinalizeArgStream(ctx context.Context, i int, k K) error {
	owner := t.keymap(k)
	if owner != t.world.Rank() {
		dst := t.localTarget(owner)
		return t.world.Send(ctx, owner, func(ctx context.Context) error {
			return dst.finalizeArgStreamLocal(ctx, i, k)
		})
	}
	return t.finalizeArgStreamLocal(ctx, i, k)
}

func (t *Template[K]) finalizeArgStreamLocal(ctx context.Context, i int, k K) error {
	rec, _ := t.acquireRecord(k)

	rec.mu.Lock()
	if rec.nargs[i] == 0 {
		rec.mu.Unlock()
		return errors.E("finalize_argstream", t.Name, errors.ArgumentProtocol, errors.New("use-after-finalize"))
	}
	if _, bounded := rec.streamSize[i]; bounded {
		rec.mu.Unlock()
		return errors.E("finalize_argstream", t.Name, errors.ArgumentProtocol, errors.New("finalize on a bounded stream before its bound was reached"))
	}
	rec.nargs[i] = 0
	rec.counter--
	ready := rec.counter == 0
	rec.mu.Unlock()

	if ready {
		t.dispatchReady(ctx, k, rec)
	}
	return nil
}

func (t *Template[K]) firePullQueries(ctx context.Context, k K, rec *pendingRecord) {
	t.mu.Lock()
	queries := make(map[int]PullFunc[K], len(t.pullQueries))
	for i, fn := range t.pullQueries {
		queries[i] = fn
	}
	t.mu.Unlock()

	for i, fn := range queries {
		i, fn := i, fn
		done := t.world.Track()
		go func() {
			defer done()
			v, err := fn(ctx, k)
			if err != nil {
				if t.log.At(log.ErrorLevel) {
					t.log.Errorf("tt %s: pull query for input %d failed: %v", t.Name, i, err)
				}
				return
			}
			if err := t.SetArg(ctx, i, k, v); err != nil && t.log.At(log.ErrorLevel) {
				t.log.Errorf("tt %s: set_arg after pull for input %d failed: %v", t.Name, i, err)
			}
		}()
	}
}

// dispatchReady runs the task body for k, either inline (short-circuit)
// or on the queue, exactly once (guarded by rec.dispatched).
func (t *Template[K]) dispatchReady(ctx context.Context, k K, rec *pendingRecord) {
	rec.mu.Lock()
	if rec.dispatched || rec.counter != 0 {
		rec.mu.Unlock()
		return
	}
	rec.dispatched = true
	values := append([]any(nil), rec.values...)
	rec.mu.Unlock()

	t.eraseRecord(k)
	t.Stats.incReadied()

	if t.body == nil {
		panic("tt: task became ready but no body was installed via MakeExecutable")
	}

	run := func(ctx context.Context) {
		t.Stats.incExecuted()
		record := &Record[K]{Key: k, values: values}
		if err := t.body(ctx, record, t.outs); err != nil {
			if t.log.At(log.ErrorLevel) {
				t.log.Errorf("tt %s: task body error: %v", t.Name, err)
			}
		}
	}

	h := key.Hash64(k)
	if info, ok := callInfoFrom(ctx); ok && info.keyHash == h && info.depth < maxShortCircuitDepth {
		t.Stats.incShortCircuited()
		t.recordRecent(k, RecentEntry{ShortCircuited: true, Values: values})
		run(withCallInfo(ctx, callInfo{keyHash: h, depth: info.depth + 1}))
		return
	}
	t.recordRecent(k, RecentEntry{Values: values})

	done := t.world.Track()
	runCtx := withCallInfo(context.Background(), callInfo{keyHash: h, depth: 0})
	t.pool.Go(t.priomap(k), func(ctx context.Context) {
		defer done()
		run(runCtx)
	})
}
