package pull_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowgraph/ttg/errors"
	"github.com/flowgraph/ttg/pull"
	"github.com/flowgraph/ttg/queue"
	"github.com/flowgraph/ttg/terminal"
	"github.com/flowgraph/ttg/tt"
	"github.com/flowgraph/ttg/world"
)

func TestContainerGetMissingKeyReturnsPullProtocolError(t *testing.T) {
	c := pull.NewLocalContainer[string, int](func(string) int { return 0 })
	_, err := c.Get(context.Background(), "missing")
	require.Error(t, err)
	require.True(t, errors.Is(errors.PullProtocol, err))
}

func TestQueryLocalOwnerReadsDirectly(t *testing.T) {
	w := world.NewLocal()
	c := pull.NewLocalContainer[string, int](func(string) int { return 0 })
	c.Put("k1", 99)

	q := pull.Query[string, string, int](w, []pull.Container[string, int]{c}, func(k string) string { return k })
	v, err := q(context.Background(), "k1")
	require.NoError(t, err)
	require.Equal(t, 99, v)
}

// countingContainer wraps a LocalContainer to record how many times Get
// is called, so tests can assert an eager pull query fires exactly once
// per created record (spec.md §4.3.2's pull-idempotence property: a
// pull query is never re-issued once its record has been dispatched).
type countingContainer[CK comparable, V any] struct {
	inner *pull.LocalContainer[CK, V]
	gets  int32
}

func (c *countingContainer[CK, V]) Get(ctx context.Context, ck CK) (V, error) {
	atomic.AddInt32(&c.gets, 1)
	return c.inner.Get(ctx, ck)
}

func (c *countingContainer[CK, V]) Owner(ck CK) int { return c.inner.Owner(ck) }

func TestEagerPullFiresExactlyOnceForCreatedRecord(t *testing.T) {
	pool := queue.New(2)
	defer pool.Close()
	w := world.NewLocal()
	tmpl := tt.New[string](w, pool, "pull-once")

	backing := pull.NewLocalContainer[string, int](func(string) int { return 0 })
	backing.Put("k1", 7)
	counting := &countingContainer[string, int]{inner: backing}

	payload := pull.Payload[string, string, int]{
		Containers: []pull.Container[string, int]{counting},
		Mapper:     func(k string) string { return k },
	}
	pullIdx := pull.Wire(tmpl, w, payload)
	aIdx := pullIdx + 1
	in := tt.Input[string, int](tmpl, "a", terminal.Read)
	out := tt.Output[string, int](tmpl, "sum")

	var mu sync.Mutex
	var total int
	var done bool
	sink := terminal.New[string, int]("sink", terminal.Read, false)
	sink.InstallCallbacks(terminal.Callbacks[string, int]{
		Send: func(ctx context.Context, k string, v int) error {
			mu.Lock()
			total, done = v, true
			mu.Unlock()
			return nil
		},
	})
	out.Connect(sink)

	tmpl.MakeExecutable(func(ctx context.Context, rec *tt.Record[string], outs []any) error {
		a := tt.Arg[string, int](rec, aIdx)
		p := tt.Arg[string, int](rec, pullIdx)
		return tt.Out[string, int](outs, 0).Send(ctx, rec.Key, a+p)
	})

	require.NoError(t, in.Send(context.Background(), "k1", 3))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return done
	}, time.Second, time.Millisecond)

	mu.Lock()
	require.Equal(t, 10, total)
	mu.Unlock()
	require.EqualValues(t, 1, atomic.LoadInt32(&counting.gets))
}

func TestFenceWaitsForInFlightPullQueryAndItsSetArg(t *testing.T) {
	pool := queue.New(2)
	defer pool.Close()
	w := world.NewLocal()
	tmpl := tt.New[string](w, pool, "pull-fence")

	backing := pull.NewLocalContainer[string, int](func(string) int { return 0 })
	backing.Put("k1", 7)

	release := make(chan struct{})
	slow := &slowContainer[string, int]{inner: backing, release: release}
	payload := pull.Payload[string, string, int]{
		Containers: []pull.Container[string, int]{slow},
		Mapper:     func(k string) string { return k },
	}
	pullIdx := pull.Wire(tmpl, w, payload)

	var mu sync.Mutex
	var done bool
	tmpl.MakeExecutable(func(ctx context.Context, rec *tt.Record[string], outs []any) error {
		_ = tt.Arg[string, int](rec, pullIdx)
		mu.Lock()
		done = true
		mu.Unlock()
		return nil
	})

	require.NoError(t, tmpl.Invoke(context.Background(), "k1"))

	fenceDone := make(chan error, 1)
	go func() { fenceDone <- w.Fence(context.Background()) }()

	// Give Fence a chance to race ahead if firePullQueries's goroutine
	// weren't tracked; it must still be blocked here.
	select {
	case <-fenceDone:
		t.Fatal("fence returned while pull query was still in flight")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-fenceDone)

	mu.Lock()
	defer mu.Unlock()
	require.True(t, done)
}

type slowContainer[CK comparable, V any] struct {
	inner   *pull.LocalContainer[CK, V]
	release chan struct{}
}

func (c *slowContainer[CK, V]) Get(ctx context.Context, ck CK) (V, error) {
	<-c.release
	return c.inner.Get(ctx, ck)
}

func (c *slowContainer[CK, V]) Owner(ck CK) int { return c.inner.Owner(ck) }

func TestCrossRankPullRelaysThroughWorld(t *testing.T) {
	ranks := world.NewChannelWorld(2, 8)
	defer ranks[0].Close()

	pool := queue.New(4)
	defer pool.Close()

	worlds := []world.World{ranks[0], ranks[1]}
	tmpls := tt.NewReplicated[string](worlds, pool, "pull-cross")

	c0 := pull.NewLocalContainer[string, int](func(string) int { return 1 })
	c1 := pull.NewLocalContainer[string, int](func(string) int { return 1 })
	c1.Put("k1", 70)
	containers := []pull.Container[string, int]{c0, c1}
	payload := pull.Payload[string, string, int]{
		Containers: containers,
		Mapper:     func(k string) string { return k },
	}

	var mu sync.Mutex
	var executedOnRank []int
	var total int
	ins := make([]*terminal.In[string, int], len(tmpls))
	for r, tmpl := range tmpls {
		r := r
		tmpl.SetKeymap(func(k string) int { return 0 }) // every task key owned by rank 0
		pullIdx := pull.Wire(tmpl, worlds[r], payload)
		ins[r] = tt.Input[string, int](tmpl, "a", terminal.Read)
		aIdx := 1 // Wire (pull) claimed index 0; Input claims the next slot
		tmpl.MakeExecutable(func(ctx context.Context, rec *tt.Record[string], outs []any) error {
			p := tt.Arg[string, int](rec, pullIdx)
			a := tt.Arg[string, int](rec, aIdx)
			mu.Lock()
			executedOnRank = append(executedOnRank, r)
			total = a + p
			mu.Unlock()
			return nil
		})
	}

	// Drive the plain input on rank 0's own Template so the task record
	// is created on the rank the keymap assigns it to.
	require.NoError(t, ins[0].Send(context.Background(), "k1", 5))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(executedOnRank) == 1
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{0}, executedOnRank)
	require.Equal(t, 75, total)
}
