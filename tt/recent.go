package tt

import (
	lru "github.com/hashicorp/golang-lru"
)

// RecentEntry is the debug snapshot kept for a key's most recent
// dispatch, once SetRecentCacheSize has opted a Template into keeping
// one. It exists purely for operator visibility into a
// high-cardinality TT's recent behavior; nothing in the dispatch
// algorithm reads it back.
type RecentEntry struct {
	ShortCircuited bool
	Values         []any
}

// SetRecentCacheSize opts t into keeping a bounded LRU of its n most
// recently dispatched keys' debug info (spec.md's "bounded fan-in"
// case: a TT with very high key cardinality can't keep every
// finalized record around, but an operator debugging a stuck run
// still wants to see what the last few dispatches looked like).
// Passing n<=0 disables the cache.
func (t *Template[K]) SetRecentCacheSize(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n <= 0 {
		t.recent = nil
		return
	}
	c, err := lru.New(n)
	if err != nil {
		panic(err)
	}
	t.recent = c
}

func (t *Template[K]) recordRecent(k K, entry RecentEntry) {
	t.mu.Lock()
	c := t.recent
	t.mu.Unlock()
	if c == nil {
		return
	}
	c.Add(k, entry)
}

// RecentFinalized looks up the debug snapshot recorded for k's most
// recent dispatch, if SetRecentCacheSize was called and k is still in
// the bounded window.
func (t *Template[K]) RecentFinalized(k K) (RecentEntry, bool) {
	t.mu.Lock()
	c := t.recent
	t.mu.Unlock()
	if c == nil {
		return RecentEntry{}, false
	}
	v, ok := c.Get(k)
	if !ok {
		return RecentEntry{}, false
	}
	entry, _ := v.(RecentEntry)
	return entry, true
}
