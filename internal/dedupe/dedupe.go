// Package dedupe provides monotonic-TTL check-and-mark tables used by
// transport ingest to drop redelivered messages.
package dedupe

import (
	"container/list"
	"sync"

	"github.com/lemonhq/lemongate/internal/clock"
)

// Result of a check-and-mark call.
type Result int

const (
	// New means the key was absent or expired and has been marked now.
	New Result = iota
	// Seen means the key was marked within its TTL.
	Seen
)

// Table maps keys to the monotonic instant they were last marked.
// Expiration is lazy: an entry older than its TTL is treated as absent and
// deleted on read.
type Table struct {
	clk clock.Clock

	mu      sync.Mutex
	entries map[string]int64
}

// NewTable creates an empty dedupe table on the given clock.
func NewTable(clk clock.Clock) *Table {
	return &Table{clk: clk, entries: make(map[string]int64)}
}

// CheckAndMark atomically tests key and marks it at the current monotonic
// instant. Returns New if the key was absent or its mark is older than
// ttlMs, Seen otherwise.
func (t *Table) CheckAndMark(key string, ttlMs int64) Result {
	now := t.clk.NowMonoMs()
	t.mu.Lock()
	defer t.mu.Unlock()

	if marked, ok := t.entries[key]; ok && now-marked < ttlMs {
		return Seen
	}
	t.entries[key] = now
	return New
}

// Len reports the number of live entries, counting expired ones that have
// not been touched since expiry.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Prune drops every entry older than ttlMs.
func (t *Table) Prune(ttlMs int64) {
	now := t.clk.NowMonoMs()
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, marked := range t.entries {
		if now-marked >= ttlMs {
			delete(t.entries, k)
		}
	}
}

// Ring is a bounded dedupe set with FIFO eviction: when the cap is exceeded
// the oldest mark is evicted first. Used for inbound XMTP deduplication
// where redelivery windows are unbounded but memory is not.
type Ring struct {
	max int

	mu    sync.Mutex
	order *list.List // of string keys, oldest at front
	index map[string]*list.Element
}

// NewRing creates a ring-bounded dedupe set holding at most max keys.
func NewRing(max int) *Ring {
	return &Ring{
		max:   max,
		order: list.New(),
		index: make(map[string]*list.Element, max),
	}
}

// CheckAndMark tests key and marks it. Marking beyond the cap evicts the
// oldest key.
func (r *Ring) CheckAndMark(key string) Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.index[key]; ok {
		return Seen
	}
	r.index[key] = r.order.PushBack(key)
	for r.order.Len() > r.max {
		oldest := r.order.Front()
		r.order.Remove(oldest)
		delete(r.index, oldest.Value.(string))
	}
	return New
}

// Len reports the number of keys currently held.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.order.Len()
}
