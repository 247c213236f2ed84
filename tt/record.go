package tt

import (
	"fmt"
	"sync"
)

// streamUnset marks an input slot with a reducer installed that has
// not yet received its first datum (spec.md §4.3.2's "nargs[i] ==
// MAX").
const streamUnset = int(^uint(0) >> 1) // math.MaxInt without importing math for one constant

// pendingRecord is the per-key argument-assembly state spec.md §4.3
// calls the "pending record": one slot of storage and one arity
// counter per input, plus the task-wide readiness counter.
type pendingRecord struct {
	mu sync.Mutex

	values     []any
	nargs      []int
	streamSize map[int]int // committed by set_argstream_size, keyed by input index
	counter    int

	pullFired  bool
	dispatched bool
}

func newPendingRecord(numInputs int, reducers map[int]func(any, any) any) *pendingRecord {
	rec := &pendingRecord{
		values:     make([]any, numInputs),
		nargs:      make([]int, numInputs),
		streamSize: make(map[int]int),
		counter:    numInputs,
	}
	for i := 0; i < numInputs; i++ {
		if _, ok := reducers[i]; ok {
			rec.nargs[i] = streamUnset
		} else {
			rec.nargs[i] = 1
		}
	}
	return rec
}

// Record is the read-only view of a ready task's assembled arguments
// handed to the task body (spec.md §4.3.5's "refs"). Arg retrieves
// input i typed as V; it panics if the stored value is not assignable
// to V, which indicates a TT wired to the wrong value type for that
// input index — a graph-construction bug, not a runtime condition.
type Record[K comparable] struct {
	Key    K
	values []any
}

// Arg returns input i of rec, asserted to type V.
func Arg[K comparable, V any](rec *Record[K], i int) V {
	v, ok := rec.values[i].(V)
	if !ok && rec.values[i] != nil {
		panic(fmt.Sprintf("tt: input %d holds a %T, not the requested type", i, rec.values[i]))
	}
	return v
}
