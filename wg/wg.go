// Copyright 2017 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package wg implements a channel-observable WaitGroup: the
// quiescence primitive behind every World implementation's Fence
// (spec.md §4.6's barrier that returns once no task is ready-but-
// unexecuted and no message is in flight). A plain sync.WaitGroup can
// only block a caller on Wait; Fence instead needs to race a wait
// against ctx.Done(), which requires a channel to select on — hence
// C below.
package wg

import "sync"

// A WaitGroup tracks a count of outstanding units of work — one
// world.Channel.Track/world.Local.Track call per in-flight send or
// dispatched task. The main goroutine calls Add to set the number of
// units to wait for. Then each unit calls Done when finished. At the
// same time, a receive on C can be used to block until the count
// returns to zero, i.e. the world has gone quiescent.
// A WaitGroup must not be copied after first use.
type WaitGroup struct {
	mu    sync.Mutex
	n     int
	waitc chan struct{}
}

// Add adds delta, which may be negative, to the WaitGroup counter. If the
// counter becomes zero, the channel handed out by C is closed, releasing
// every goroutine blocked on it. If the counter goes negative, Add panics.
//
// Note that calls with a positive delta that occur when the counter is zero
// must happen before the call to C they should hold open. Calls with a
// negative delta, or calls with a positive delta that start when the counter
// is greater than zero, may happen at any time. Typically this means the
// calls to Add should execute before the statement creating the goroutine or
// other event to be waited for.
func (w *WaitGroup) Add(delta int) {
	w.mu.Lock()
	w.n += delta
	if w.n < 0 {
		panic("negative waitgroup count")
	}
	var c chan struct{}
	if w.n == 0 {
		c = w.waitc
		w.waitc = nil
	}
	w.mu.Unlock()
	if c != nil {
		close(c)
	}
}

// Done decrements the WaitGroup counter.
func (w *WaitGroup) Done() {
	w.Add(-1)
}

// C returns a channel that is closed when the waitgroup count is 0.
func (w *WaitGroup) C() <-chan struct{} {
	w.mu.Lock()
	if w.n == 0 {
		w.mu.Unlock()
		c := make(chan struct{})
		close(c)
		return c
	}
	c := w.waitc
	if c == nil {
		c = make(chan struct{})
		w.waitc = c
	}
	w.mu.Unlock()
	return c
}

// N returns the current counter value: the number of outstanding units.
func (w *WaitGroup) N() int {
	w.mu.Lock()
	n := w.n
	w.mu.Unlock()
	return n
}
