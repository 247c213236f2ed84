// Package terminal implements the typed endpoints of spec.md §4.1: In
// (Consume/Read) and Out terminals, with the callback plumbing a task
// template installs at graph-build time.
package terminal

import (
	"context"
	"fmt"
	"sync"

	"github.com/flowgraph/ttg/errors"
	"github.com/flowgraph/ttg/log"
)

// Mode distinguishes a Consume input (owns/mutates its value) from a
// Read input (receives an immutable view).
type Mode int

const (
	// Consume grants the task body permission to destructively read
	// (move out of) the delivered value.
	Consume Mode = iota
	// Read delivers an immutable view; the peer must not mutate it.
	Read
)

func (m Mode) String() string {
	if m == Read {
		return "read"
	}
	return "consume"
}

// Callbacks is the quintuple a task template installs on one of its
// input terminals (spec.md §4.3.4): send, move, broadcast, set_size,
// finalize. Move is invoked for at most one Consume peer per send (the
// "move to at most one consumer" optimization); Send is invoked for
// every other peer. Broadcast may be nil, in which case In.Broadcast
// degrades to one Send per key. Every callback takes a context so the
// dispatch core (package tt) can thread its short-circuit call-depth
// bookkeeping through a chain of sends that never leaves one rank.
type Callbacks[K comparable, V any] struct {
	Send      func(ctx context.Context, k K, v V) error
	Move      func(ctx context.Context, k K, v V) error
	Broadcast func(ctx context.Context, keys []K, v V) error
	SetSize   func(ctx context.Context, k K, n int) error
	Finalize  func(ctx context.Context, k K) error
}

func (c Callbacks[K, V]) installed() bool {
	return c.Send != nil || c.Move != nil
}

// In is an input terminal. The zero value is not usable; construct
// with New.
type In[K comparable, V any] struct {
	Name string
	Mode Mode
	Pull bool
	Log  *log.Logger

	mu        sync.Mutex
	callbacks Callbacks[K, V]
	preds     []any // predecessor outputs registered for pull wiring
}

// New constructs an input terminal. mode distinguishes Consume from
// Read; pull marks the terminal as a pull input (spec.md §4.5).
func New[K comparable, V any](name string, mode Mode, pull bool) *In[K, V] {
	return &In[K, V]{Name: name, Mode: mode, Pull: pull}
}

// InstallCallbacks installs the owning task template's callback
// quintuple. Per spec.md §9 (the "registered twice" open question),
// callbacks may be installed exactly once; a second call panics.
func (in *In[K, V]) InstallCallbacks(cb Callbacks[K, V]) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.callbacks.installed() {
		panic(fmt.Sprintf("terminal %q: callbacks installed twice", in.Name))
	}
	in.callbacks = cb
	if in.Log.At(log.DebugLevel) {
		in.Log.Debugf("terminal %s: callbacks installed (mode=%s pull=%v)", in.Name, in.Mode, in.Pull)
	}
}

// AddPredecessor records an output terminal that pull-wires to this
// input (bookkeeping only; the pull fetch itself is driven by package
// pull).
func (in *In[K, V]) AddPredecessor(out any) {
	in.mu.Lock()
	in.preds = append(in.preds, out)
	in.mu.Unlock()
}

func (in *In[K, V]) snapshot() Callbacks[K, V] {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.callbacks
}

// Send delivers v under key k via the installed send callback.
func (in *In[K, V]) Send(ctx context.Context, k K, v V) error {
	cb := in.snapshot()
	if cb.Send == nil {
		return errors.E("send", in.Name, errors.CallbackUninitialized)
	}
	return cb.Send(ctx, k, v)
}

// Move delivers v under key k via the installed move callback,
// granting the receiver permission to destructively read v. Falls back
// to Send if no move callback was installed.
func (in *In[K, V]) Move(ctx context.Context, k K, v V) error {
	cb := in.snapshot()
	if cb.Move != nil {
		return cb.Move(ctx, k, v)
	}
	if cb.Send != nil {
		return cb.Send(ctx, k, v)
	}
	return errors.E("move", in.Name, errors.CallbackUninitialized)
}

// SendK delivers a void value under key k (an all-void-inputs trigger).
func (in *In[K, V]) SendK(ctx context.Context, k K) error {
	var zero V
	return in.Send(ctx, k, zero)
}

// SendV delivers v under the void key (the TT has exactly one task
// instance, process-wide).
func (in *In[K, V]) SendV(ctx context.Context, v V) error {
	var zero K
	return in.Send(ctx, zero, v)
}

// SendVoid triggers a void-key, void-value terminal.
func (in *In[K, V]) SendVoid(ctx context.Context) error {
	var zeroK K
	var zeroV V
	return in.Send(ctx, zeroK, zeroV)
}

// Broadcast delivers v to every key in keys. If a broadcast callback
// was installed it is invoked once with the whole key range; otherwise
// Broadcast degrades to one Send per key (spec.md §4.1).
func (in *In[K, V]) Broadcast(ctx context.Context, keys []K, v V) error {
	cb := in.snapshot()
	if cb.Broadcast != nil {
		return cb.Broadcast(ctx, keys, v)
	}
	for _, k := range keys {
		if err := in.Send(ctx, k, v); err != nil {
			return err
		}
	}
	return nil
}

// SetSize declares a bounded stream length n for key k.
func (in *In[K, V]) SetSize(ctx context.Context, k K, n int) error {
	cb := in.snapshot()
	if cb.SetSize == nil {
		return errors.E("set_size", in.Name, errors.CallbackUninitialized)
	}
	return cb.SetSize(ctx, k, n)
}

// Finalize declares the stream for key k complete.
func (in *In[K, V]) Finalize(ctx context.Context, k K) error {
	cb := in.snapshot()
	if cb.Finalize == nil {
		return errors.E("finalize", in.Name, errors.CallbackUninitialized)
	}
	return cb.Finalize(ctx, k)
}

// Out is an output terminal. The zero value is not usable; construct
// with NewOut.
type Out[K comparable, V any] struct {
	Name string
	Pull bool
	Log  *log.Logger

	mu      sync.Mutex
	consume []*In[K, V]
	read    []*In[K, V]
}

// NewOut constructs an output terminal.
func NewOut[K comparable, V any](name string, pull bool) *Out[K, V] {
	return &Out[K, V]{Name: name, Pull: pull}
}

// Connect wires in as a peer of out. Read peers and Consume peers are
// both permitted on the same output; a Write terminal may never be
// connected to another Write terminal (that type mismatch cannot even
// be expressed by this signature, which only accepts *In).
func (out *Out[K, V]) Connect(in *In[K, V]) {
	out.mu.Lock()
	defer out.mu.Unlock()
	switch in.Mode {
	case Read:
		out.read = append(out.read, in)
	case Consume:
		out.consume = append(out.consume, in)
	}
	if out.Pull {
		in.AddPredecessor(out)
	}
	if out.Log.At(log.DebugLevel) {
		out.Log.Debugf("edge: %s -> %s (%s)", out.Name, in.Name, in.Mode)
	}
}

func (out *Out[K, V]) peers() (consume, read []*In[K, V]) {
	out.mu.Lock()
	defer out.mu.Unlock()
	return append([]*In[K, V]{}, out.consume...), append([]*In[K, V]{}, out.read...)
}

// Send delivers (k, v) to every connected peer. When at least one
// Consume peer is connected, the first one receives v via Move (the
// "move to at most one consumer" optimization); every other peer
// (additional Consume peers and all Read peers) receives v via Send.
func (out *Out[K, V]) Send(ctx context.Context, k K, v V) error {
	consume, read := out.peers()
	if len(consume) == 0 && len(read) == 0 {
		return nil
	}
	moved := false
	for _, in := range consume {
		var err error
		if !moved {
			err = in.Move(ctx, k, v)
			moved = true
		} else {
			err = in.Send(ctx, k, v)
		}
		if err != nil {
			return err
		}
	}
	for _, in := range read {
		if err := in.Send(ctx, k, v); err != nil {
			return err
		}
	}
	return nil
}

// SendTo delivers (k, v) to the i-th connection only (consume peers
// first, then read peers, in connection order). Package pull does not
// call it: a pull reply travels back through World.Send.
func (out *Out[K, V]) SendTo(ctx context.Context, k K, v V, i int) error {
	consume, read := out.peers()
	if i < len(consume) {
		return consume[i].Send(ctx, k, v)
	}
	i -= len(consume)
	if i < len(read) {
		return read[i].Send(ctx, k, v)
	}
	return errors.E("send_to", out.Name, errors.GraphConstruction, fmt.Errorf("connection index %d out of range", i))
}

// SendK delivers a void value under key k to every peer.
func (out *Out[K, V]) SendK(ctx context.Context, k K) error {
	var zero V
	return out.Send(ctx, k, zero)
}

// SendV delivers v under the void key to every peer.
func (out *Out[K, V]) SendV(ctx context.Context, v V) error {
	var zero K
	return out.Send(ctx, zero, v)
}

// Broadcast fans a broadcast out to every connected peer.
func (out *Out[K, V]) Broadcast(ctx context.Context, keys []K, v V) error {
	consume, read := out.peers()
	for _, in := range consume {
		if err := in.Broadcast(ctx, keys, v); err != nil {
			return err
		}
	}
	for _, in := range read {
		if err := in.Broadcast(ctx, keys, v); err != nil {
			return err
		}
	}
	return nil
}

// SetSize fans out a bounded-stream-size declaration to every peer.
func (out *Out[K, V]) SetSize(ctx context.Context, k K, n int) error {
	for _, in := range out.all() {
		if err := in.SetSize(ctx, k, n); err != nil {
			return err
		}
	}
	return nil
}

// Finalize fans out a stream-complete declaration to every peer.
func (out *Out[K, V]) Finalize(ctx context.Context, k K) error {
	for _, in := range out.all() {
		if err := in.Finalize(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

func (out *Out[K, V]) all() []*In[K, V] {
	consume, read := out.peers()
	return append(consume, read...)
}

// NumConnections returns the total number of connected peers.
func (out *Out[K, V]) NumConnections() int {
	consume, read := out.peers()
	return len(consume) + len(read)
}
