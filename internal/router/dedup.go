package router

import (
	"sync"
	"time"
)

// dedupWindow is a bounded, time-windowed set of seen message ids. The bus
// redelivers (at-least-once), so local delivery must be gated on first sight.
type dedupWindow struct {
	mu      sync.Mutex
	ttl     time.Duration
	max     int
	expiry  map[string]time.Time
	order   []dedupEntry // insertion order, for size-bounded eviction
}

type dedupEntry struct {
	id string
	at time.Time
}

func newDedupWindow(ttl time.Duration, max int) *dedupWindow {
	return &dedupWindow{
		ttl:    ttl,
		max:    max,
		expiry: make(map[string]time.Time),
	}
}

// seen records id and reports whether it was already in the window.
func (w *dedupWindow) seen(id string) bool {
	now := time.Now()

	w.mu.Lock()
	defer w.mu.Unlock()

	w.prune(now)

	if _, ok := w.expiry[id]; ok {
		return true
	}
	w.expiry[id] = now.Add(w.ttl)
	w.order = append(w.order, dedupEntry{id: id, at: now})
	return false
}

// caller holds w.mu; evicts expired entries and, when full, the oldest.
func (w *dedupWindow) prune(now time.Time) {
	for len(w.order) > 0 {
		head := w.order[0]
		if now.Sub(head.at) < w.ttl && len(w.order) < w.max {
			break
		}
		w.order = w.order[1:]
		delete(w.expiry, head.id)
	}
}

func (w *dedupWindow) len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.expiry)
}
