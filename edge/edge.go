// Package edge implements the deferred connectivity descriptor of
// spec.md §4.2: an Edge records its terminal on each side as soon as
// it is known, wires newly-arrived peers together, and supports
// fusing several edges so that sending on any one output fans out to
// every input of every fused edge.
package edge

import (
	"github.com/flowgraph/ttg/errors"
	"github.com/flowgraph/ttg/terminal"
)

// Puller is the pull-edge payload attached to an Edge constructed with
// WithPull: a container wrapper plus a mapper from task key to
// container key. Package pull supplies concrete implementations; Edge
// only needs to know one is present so it can reject fusing a pull
// edge with a push edge.
type Puller interface {
	// IsPullPayload is a marker method; its presence lets edge detect a
	// pull-edge payload without importing package pull.
	IsPullPayload()
}

// Edge is the deferred connectivity descriptor between one or more
// Out[K,V] terminals and one or more In[K,V] terminals. The zero value
// is not usable; construct with New.
type Edge[K comparable, V any] struct {
	Name string

	pull   bool
	payload Puller

	outs []*terminal.Out[K, V]
	ins  []*terminal.In[K, V]
}

// Option configures an Edge at construction time.
type Option func(*edgeOpts)

type edgeOpts struct {
	pull    bool
	payload Puller
}

// WithPull marks the edge as a pull edge, attaching the container
// payload that answers pull requests (see package pull).
func WithPull(payload Puller) Option {
	return func(o *edgeOpts) {
		o.pull = true
		o.payload = payload
	}
}

// New constructs an edge descriptor with the given name and options.
func New[K comparable, V any](name string, opts ...Option) *Edge[K, V] {
	var o edgeOpts
	for _, opt := range opts {
		opt(&o)
	}
	return &Edge[K, V]{Name: name, pull: o.pull, payload: o.payload}
}

// IsPull reports whether this edge carries pull-edge semantics.
func (e *Edge[K, V]) IsPull() bool { return e.pull }

// Payload returns the pull-edge payload, or nil for a push edge.
func (e *Edge[K, V]) Payload() Puller { return e.payload }

// SetIn records out as the (or an additional) output side of this
// edge, then wires it to every input already known on the edge. For a
// pull edge, the new connection is also registered as a pull
// predecessor on each input (terminal.Out.Connect already does this
// when the Out's Pull flag is set, so callers should construct outs
// with the same pull-ness as the edge).
func (e *Edge[K, V]) SetIn(out *terminal.Out[K, V]) {
	e.outs = append(e.outs, out)
	for _, in := range e.ins {
		out.Connect(in)
	}
}

// SetOut records in as the (or an additional) input side of this
// edge, then wires every output already known on the edge to it.
func (e *Edge[K, V]) SetOut(in *terminal.In[K, V]) {
	e.ins = append(e.ins, in)
	for _, out := range e.outs {
		out.Connect(in)
	}
}

// Fuse concatenates the outputs and inputs of several edges into a new
// descriptor and connects every output of each fused edge to every
// input of the other fused edges, so sending on any of the original
// outputs reaches every input across all fused edges. Any further
// SetIn/SetOut call on the fused edge likewise wires the new peer to
// every input/output across all fused edges. Fusing a pull edge with a
// push edge is rejected — the two
// protocols address keys differently and mixing them could deliver a
// pull reply to a peer that never issued the request.
func Fuse[K comparable, V any](name string, edges ...*Edge[K, V]) (*Edge[K, V], error) {
	if len(edges) == 0 {
		return nil, errors.E("fuse", name, errors.GraphConstruction, errors.New("no edges to fuse"))
	}
	pull := edges[0].pull
	for _, e := range edges[1:] {
		if e.pull != pull {
			return nil, errors.E("fuse", name, errors.GraphConstruction, errors.New("invalid-edge-fusion: cannot mix pull and push edges"))
		}
	}
	fused := &Edge[K, V]{Name: name, pull: pull}
	for _, e := range edges {
		fused.outs = append(fused.outs, e.outs...)
		fused.ins = append(fused.ins, e.ins...)
		if fused.payload == nil {
			fused.payload = e.payload
		}
	}
	for i, from := range edges {
		for j, to := range edges {
			if i == j {
				continue
			}
			for _, out := range from.outs {
				for _, in := range to.ins {
					out.Connect(in)
				}
			}
		}
	}
	return fused, nil
}

// NumOuts and NumIns report the number of terminals wired onto each
// side of the edge, mainly for tests.
func (e *Edge[K, V]) NumOuts() int { return len(e.outs) }
func (e *Edge[K, V]) NumIns() int  { return len(e.ins) }

// Balanced reports whether the edge has terminals wired on both
// sides or neither: a graph-construction error (spec.md §4.2's
// "unbalanced edge") has exactly one side wired, since a
// send-only or receive-only edge can never carry a value.
func (e *Edge[K, V]) Balanced() bool {
	return (len(e.outs) > 0) == (len(e.ins) > 0)
}
