// ABOUTME: In-process window store with one mutex per key
// ABOUTME: Concurrent hits on different clients never contend on the same lock

package ratelimit

import (
	"sync"
	"time"
)

// window is the admission history for one key. hits is ordered oldest first.
type window struct {
	mu       sync.Mutex
	hits     []time.Time
	lastSeen time.Time
	removed  bool // set by Sweep; callers holding a stale pointer must re-fetch
}

// MemoryStore keeps windows in a map. The map lock only guards membership;
// each window has its own lock for prune-decide-record.
type MemoryStore struct {
	mu      sync.RWMutex
	windows map[string]*window
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string]*window)}
}

// Hit prunes the window for key, decides admission, and records now if admitted.
func (m *MemoryStore) Hit(key string, now time.Time, rule Rule) Decision {
	for {
		w := m.lookup(key)

		w.mu.Lock()
		if w.removed {
			// Swept between lookup and lock; retry against the fresh entry.
			w.mu.Unlock()
			continue
		}
		d := w.admit(now, rule)
		w.mu.Unlock()
		return d
	}
}

func (m *MemoryStore) lookup(key string) *window {
	m.mu.RLock()
	w, ok := m.windows[key]
	m.mu.RUnlock()
	if ok {
		return w
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.windows[key]; ok {
		return w
	}
	w = &window{}
	m.windows[key] = w
	return w
}

// admit must be called with w.mu held.
func (w *window) admit(now time.Time, rule Rule) Decision {
	// Keep timestamps non-decreasing even if the clock steps backwards.
	if n := len(w.hits); n > 0 && now.Before(w.hits[n-1]) {
		now = w.hits[n-1]
	}
	w.lastSeen = now

	cutoff := now.Add(-rule.Window)
	keep := 0
	for keep < len(w.hits) && !w.hits[keep].After(cutoff) {
		keep++
	}
	if keep > 0 {
		w.hits = append(w.hits[:0], w.hits[keep:]...)
	}

	if len(w.hits) >= rule.Limit {
		var reset time.Time
		if len(w.hits) > 0 {
			reset = w.hits[0].Add(rule.Window)
		} else {
			reset = now.Add(rule.Window)
		}
		return Decision{
			Allowed:    false,
			Limit:      rule.Limit,
			Remaining:  0,
			RetryAfter: reset.Sub(now),
			ResetAt:    reset,
		}
	}

	w.hits = append(w.hits, now)
	return Decision{
		Allowed:   true,
		Limit:     rule.Limit,
		Remaining: rule.Limit - len(w.hits),
		ResetAt:   w.hits[0].Add(rule.Window),
	}
}

// Sweep removes every window whose last activity is before idleSince.
func (m *MemoryStore) Sweep(idleSince time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, w := range m.windows {
		w.mu.Lock()
		if w.lastSeen.Before(idleSince) {
			w.removed = true
			delete(m.windows, key)
			removed++
		}
		w.mu.Unlock()
	}
	return removed
}

// Len returns the number of tracked windows.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.windows)
}
