package tt

import "github.com/flowgraph/ttg/terminal"

// Output registers a new output slot on t and returns the typed
// terminal the task body sends results through. Terminals are stored
// as `any` in t.outs; the body recovers the concrete type with Out.
func Output[K comparable, V any](t *Template[K], name string) *terminal.Out[K, V] {
	out := terminal.NewOut[K, V](name, false)
	out.Log = t.log
	t.addOutput(out)
	return out
}

// PullOutput registers a pull-capable output slot: peers connect to it
// exactly like a plain output, but its Pull flag causes terminal.Connect
// to also record the pull predecessor relationship package pull needs.
func PullOutput[K comparable, V any](t *Template[K], name string) *terminal.Out[K, V] {
	out := terminal.NewOut[K, V](name, true)
	out.Log = t.log
	t.addOutput(out)
	return out
}

// Out recovers output i of a body's outs slice as its concrete type,
// for use inside a Body implementation.
func Out[K comparable, V any](outs []any, i int) *terminal.Out[K, V] {
	o, _ := outs[i].(*terminal.Out[K, V])
	return o
}
