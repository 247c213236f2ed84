// Package world implements the substrate abstraction of spec.md §4.4:
// rank/size identity, an active-message send to another rank, a
// collective broadcast, and a quiescence fence. The core dispatch
// engine (package tt) treats World as an external collaborator — it
// never reasons about how a send actually crosses a rank boundary.
package world

import (
	"context"

	"github.com/flowgraph/ttg/errors"
)

// World is the substrate every rank's copy of the graph runs against.
// Implementations must deliver each Send exactly once, in arbitrary
// order with respect to other sends, and must make Fence block until
// no message is in flight and no task is ready-but-unexecuted
// anywhere in the world (spec.md §4.4's quiescence contract).
type World interface {
	// Rank returns this process's rank, in [0, Size()).
	Rank() int
	// Size returns the number of ranks in the world.
	Size() int
	// Send ships fn to run on dst's goroutine/process. fn receives a
	// context derived from ctx. Send returns once the message has been
	// handed to the destination's delivery mechanism; Channel does not
	// wait for fn to run, while Local runs fn inline before returning.
	Send(ctx context.Context, dst int, fn func(ctx context.Context) error) error
	// Broadcast runs fn(rank) once for every rank in the world,
	// including this one, and waits for all invocations to complete.
	Broadcast(ctx context.Context, fn func(ctx context.Context, rank int) error) error
	// Fence blocks until the world is quiescent: no Send is in flight
	// and no task dispatched through this world is ready-but-unexecuted.
	Fence(ctx context.Context) error
	// Track registers one in-flight unit of work against the world's
	// quiescence counter; the returned func marks it done. Send already
	// tracks the message itself, so callers only need Track for work
	// that outlives the Send call — package tt uses it to keep the
	// world non-quiescent for the lifetime of a task handed to the
	// queue, until the task body finishes.
	Track() (done func())
}

// ErrClosed is returned by Send/Broadcast once the world has been torn
// down (spec.md's teardown-leak class of error: sending into a closed
// world).
var ErrClosed = errors.E("world", errors.TeardownLeak, errors.New("world is closed"))
