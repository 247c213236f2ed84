package pull

import (
	"context"

	"github.com/flowgraph/ttg/errors"
	"github.com/flowgraph/ttg/tt"
	"github.com/flowgraph/ttg/world"
)

// Query builds a tt.PullFunc for a pull input backed by containers, one
// shard per rank of w's world (see NewSharded), mapped from the task
// key with mapper. The func always executes on the rank that owns the
// requesting task's record (package tt only ever fires a pull query
// from setArgLocal or invokeLocal, which are only reached on the
// owning rank), so the
// "ship the result back to the task's owning rank" step of spec.md
// §4.5 is simply: the reply lands back on the very rank that asked.
func Query[K comparable, CK comparable, V any](w world.World, containers []Container[CK, V], mapper func(k K) CK) tt.PullFunc[K] {
	type result struct {
		v   V
		err error
	}
	return func(ctx context.Context, k K) (any, error) {
		requester := w.Rank()
		ck := mapper(k)
		owner := containers[requester].Owner(ck)

		if owner == requester {
			return containers[requester].Get(ctx, ck)
		}

		ch := make(chan result, 1)
		done := w.Track()
		if err := w.Send(ctx, owner, func(ctx context.Context) error {
			defer done()
			v, err := containers[owner].Get(ctx, ck)
			return w.Send(ctx, requester, func(ctx context.Context) error {
				ch <- result{v: v, err: err}
				return nil
			})
		}); err != nil {
			done()
			var zero V
			return zero, err
		}

		select {
		case r := <-ch:
			return r.v, r.err
		case <-ctx.Done():
			var zero V
			return zero, errors.E("pull.query", errors.Canceled, ctx.Err())
		}
	}
}

// Payload is the edge.Puller attached to a pull edge (via
// edge.WithPull): it carries the container shards and the
// task-key-to-container-key mapper an edge's readers need to build
// their Query, without edge itself needing to know the value type.
type Payload[K comparable, CK comparable, V any] struct {
	Containers []Container[CK, V]
	Mapper     func(k K) CK
}

// IsPullPayload implements edge.Puller.
func (Payload[K, CK, V]) IsPullPayload() {}

// Wire registers a pull input on t for the given payload and returns
// the input's index (as tt.PullInput does), so the same Payload
// attached to an edge for bookkeeping can also drive the Template's
// actual query.
func Wire[K comparable, CK comparable, V any](t *tt.Template[K], w world.World, p Payload[K, CK, V]) int {
	query := Query[K, CK, V](w, p.Containers, p.Mapper)
	return tt.PullInput[K, V](t, func(ctx context.Context, k K) (V, error) {
		v, err := query(ctx, k)
		vv, _ := v.(V)
		return vv, err
	})
}
