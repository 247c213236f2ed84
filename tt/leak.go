package tt

import "fmt"

// LeakedRecord describes one pending record still present in a
// Template's cache at teardown time (spec.md §4.6's teardown-leak
// check): the key, rendered for display, and one flag per input
// slot reporting whether that slot had received its value.
type LeakedRecord struct {
	Key      string
	Assigned []bool
}

// LeakCount returns the number of pending records still held in t's
// cache. A non-zero count after every task body has run to
// completion means some key never received all of its arguments.
func (t *Template[K]) LeakCount() int {
	t.recMu.Lock()
	defer t.recMu.Unlock()
	return len(t.records)
}

// LeakedRecords dumps up to n of t's leaked pending records, for
// package graph's Finalize to report alongside the teardown-leak
// error. Order is unspecified (map iteration order).
func (t *Template[K]) LeakedRecords(n int) []LeakedRecord {
	t.recMu.Lock()
	defer t.recMu.Unlock()
	out := make([]LeakedRecord, 0, n)
	for k, rec := range t.records {
		if len(out) >= n {
			break
		}
		rec.mu.Lock()
		assigned := make([]bool, len(rec.nargs))
		for i, n := range rec.nargs {
			assigned[i] = n == 0
		}
		rec.mu.Unlock()
		out = append(out, LeakedRecord{Key: fmt.Sprintf("%v", k), Assigned: assigned})
	}
	return out
}
