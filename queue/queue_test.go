package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPoolRunsAllJobs(t *testing.T) {
	p := New(4)
	var n int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		p.Go(0, func(ctx context.Context) {
			defer wg.Done()
			atomic.AddInt32(&n, 1)
		})
	}
	wg.Wait()
	require.Equal(t, int32(50), atomic.LoadInt32(&n))
	require.NoError(t, p.Close())
}

func TestPoolHighPriorityDrainsFirst(t *testing.T) {
	p := New(1)

	start := make(chan struct{})
	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup

	// Block the single worker until every job has been submitted so
	// the priority ordering among already-queued jobs is deterministic.
	wg.Add(1)
	p.Go(100, func(ctx context.Context) {
		defer wg.Done()
		<-start
		mu.Lock()
		order = append(order, 100)
		mu.Unlock()
	})

	for _, prio := range []int{-1, -1, 5, 5} {
		prio := prio
		wg.Add(1)
		p.Go(prio, func(ctx context.Context) {
			defer wg.Done()
			mu.Lock()
			order = append(order, prio)
			mu.Unlock()
		})
	}

	// give the queue time to accumulate all five jobs before releasing
	// the first one.
	time.Sleep(20 * time.Millisecond)
	close(start)
	wg.Wait()

	require.Equal(t, 100, order[0])
	require.Equal(t, 5, order[1])
	require.Equal(t, 5, order[2])
	require.Equal(t, -1, order[3])
	require.Equal(t, -1, order[4])
	require.NoError(t, p.Close())
}

func TestPoolCloseDrainsThenStops(t *testing.T) {
	p := New(2)
	var n int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		p.Go(0, func(ctx context.Context) {
			defer wg.Done()
			atomic.AddInt32(&n, 1)
		})
	}
	wg.Wait()
	require.NoError(t, p.Close())
	require.Equal(t, int32(10), atomic.LoadInt32(&n))
}
