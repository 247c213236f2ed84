package tt

import (
	"context"

	"github.com/flowgraph/ttg/terminal"
)

// Input registers a new plain (scalar) input slot on t and returns the
// typed terminal wired to it: every Send/Move the terminal receives
// forwards into t.SetArg at the input's assigned index.
func Input[K comparable, V any](t *Template[K], name string, mode terminal.Mode) *terminal.In[K, V] {
	i := t.addInput()
	in := terminal.New[K, V](name, mode, false)
	in.Log = t.log
	in.InstallCallbacks(terminal.Callbacks[K, V]{
		Send: func(ctx context.Context, k K, v V) error { return t.SetArg(ctx, i, k, v) },
		Move: func(ctx context.Context, k K, v V) error { return t.SetArg(ctx, i, k, v) },
		SetSize: func(ctx context.Context, k K, n int) error {
			return t.SetArgStreamSize(ctx, i, k, n)
		},
		Finalize: func(ctx context.Context, k K) error { return t.FinalizeArgStream(ctx, i, k) },
	})
	return in
}

// ReducingInput registers a streaming input slot with reducer
// installed (spec.md §4.3.2's streaming branch): repeated sends for
// the same key are folded together with reducer instead of requiring
// exactly one datum.
func ReducingInput[K comparable, V any](t *Template[K], name string, mode terminal.Mode, reducer func(acc, v V) V) *terminal.In[K, V] {
	i := t.addInput()
	t.setReducer(i, func(acc, v any) any {
		a, _ := acc.(V)
		b, _ := v.(V)
		return reducer(a, b)
	})
	in := terminal.New[K, V](name, mode, false)
	in.Log = t.log
	in.InstallCallbacks(terminal.Callbacks[K, V]{
		Send: func(ctx context.Context, k K, v V) error { return t.SetArg(ctx, i, k, v) },
		Move: func(ctx context.Context, k K, v V) error { return t.SetArg(ctx, i, k, v) },
		SetSize: func(ctx context.Context, k K, n int) error {
			return t.SetArgStreamSize(ctx, i, k, n)
		},
		Finalize: func(ctx context.Context, k K) error { return t.FinalizeArgStream(ctx, i, k) },
	})
	return in
}

// PullInput registers a pull input slot (spec.md §4.5): instead of a
// wired terminal, query is invoked to fetch the value on demand, eager
// or lazy depending on SetLazyPull, and the result is fed into the
// same set_arg path a pushed value would take.
func PullInput[K comparable, V any](t *Template[K], query func(ctx context.Context, k K) (V, error)) int {
	i := t.addInput()
	t.setPullQuery(i, func(ctx context.Context, k K) (any, error) {
		return query(ctx, k)
	})
	return i
}
