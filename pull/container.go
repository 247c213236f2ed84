// Package pull implements the pull-edge protocol of spec.md §4.5: a
// task's input can be satisfied by querying a keyed container instead
// of waiting for a push. A Container is sharded by rank the same way a
// Template's records are — Owner(ck) names the rank whose Container
// instance may answer Get(ck), and a query issued from any other rank
// is relayed through World the same way a remote set_arg is.
package pull

import (
	"context"
	"sync"

	"github.com/flowgraph/ttg/errors"
)

// Container is the local store backing a pull edge's payload (spec.md
// §4.5): CK is the container's own key type (often, but not always,
// the same as the task's key type K), V the value type.
type Container[CK comparable, V any] interface {
	// Get fetches the value for ck. Implementations may only be called
	// on the rank Owner(ck) names.
	Get(ctx context.Context, ck CK) (V, error)
	// Owner returns the rank that holds ck. Every replica of a sharded
	// Container must agree on Owner for a given ck.
	Owner(ck CK) int
}

// LocalContainer is an in-memory Container shard, one instance per
// rank (see NewSharded), grounded on the teacher's local blob-store
// pattern of a plain mutex-guarded map fronting a repository interface.
type LocalContainer[CK comparable, V any] struct {
	owner func(ck CK) int

	mu   sync.RWMutex
	data map[CK]V
}

// NewLocalContainer constructs an empty shard using owner as the
// key-to-rank function shared by every shard in the set.
func NewLocalContainer[CK comparable, V any](owner func(ck CK) int) *LocalContainer[CK, V] {
	return &LocalContainer[CK, V]{owner: owner, data: make(map[CK]V)}
}

// Put installs ck's value. Callers are responsible for only calling
// Put on the shard that owns ck; LocalContainer does not enforce this
// since it has no notion of "this rank" on its own.
func (c *LocalContainer[CK, V]) Put(ck CK, v V) {
	c.mu.Lock()
	c.data[ck] = v
	c.mu.Unlock()
}

// Get implements Container.
func (c *LocalContainer[CK, V]) Get(ctx context.Context, ck CK) (V, error) {
	c.mu.RLock()
	v, ok := c.data[ck]
	c.mu.RUnlock()
	if !ok {
		var zero V
		return zero, errors.E("pull.get", errors.PullProtocol, errors.New("no value for container key"))
	}
	return v, nil
}

// Owner implements Container.
func (c *LocalContainer[CK, V]) Owner(ck CK) int { return c.owner(ck) }

// NewSharded builds n LocalContainer shards sharing owner, for use as
// one Container per rank in a Query (spec.md §4.5's container is
// itself distributed across ranks the same way task records are).
func NewSharded[CK comparable, V any](n int, owner func(ck CK) int) []Container[CK, V] {
	shards := make([]Container[CK, V], n)
	for i := range shards {
		shards[i] = NewLocalContainer[CK, V](owner)
	}
	return shards
}
