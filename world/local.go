package world

import (
	"context"
	"sync/atomic"

	"github.com/flowgraph/ttg/errors"
	"github.com/flowgraph/ttg/wg"
)

// Local is a single-rank (Size()==1) World, used to exercise the TT
// dispatch algorithm in isolation from any cross-rank transport: every
// Send targets rank 0, which is always "this" rank, so Send degrades
// to a direct call. Grounded on the reference repo's local executor
// (a single-machine stand-in for the pool/cluster abstraction).
type Local struct {
	wg     wg.WaitGroup
	closed int32
}

// NewLocal constructs a single-rank World.
func NewLocal() *Local { return &Local{} }

func (l *Local) Rank() int { return 0 }
func (l *Local) Size() int { return 1 }

func (l *Local) Send(ctx context.Context, dst int, fn func(ctx context.Context) error) error {
	if atomic.LoadInt32(&l.closed) != 0 {
		return ErrClosed
	}
	if dst != 0 {
		return errors.E("send", errors.GraphConstruction, errors.New("destination rank out of range"))
	}
	return fn(ctx)
}

func (l *Local) Broadcast(ctx context.Context, fn func(ctx context.Context, rank int) error) error {
	if atomic.LoadInt32(&l.closed) != 0 {
		return ErrClosed
	}
	return fn(ctx, 0)
}

func (l *Local) Fence(ctx context.Context) error {
	select {
	case <-l.wg.C():
		return ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Local) Track() func() {
	l.wg.Add(1)
	return l.wg.Done
}

// Close marks the world closed; further Send/Broadcast calls fail.
func (l *Local) Close() { atomic.StoreInt32(&l.closed, 1) }
