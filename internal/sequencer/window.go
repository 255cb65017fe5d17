package sequencer

import (
	"time"
)

// dedupWindow is the sliding set of recently committed idempotency keys,
// bounded by elapsed time and by entry count. Not safe for concurrent
// use; each shard owns one.
type dedupWindow struct {
	maxAge     time.Duration
	maxEntries int

	keys  map[string]time.Time
	order []windowEntry // insertion order, for FIFO eviction
}

type windowEntry struct {
	key string
	at  time.Time
}

func newDedupWindow(maxAge time.Duration, maxEntries int) *dedupWindow {
	return &dedupWindow{
		maxAge:     maxAge,
		maxEntries: maxEntries,
		keys:       make(map[string]time.Time),
	}
}

// Contains reports whether a key was committed within the window.
// Expired entries do not count even before eviction runs.
func (w *dedupWindow) Contains(key string, now time.Time) bool {
	at, ok := w.keys[key]
	if !ok {
		return false
	}
	if w.maxAge > 0 && now.Sub(at) > w.maxAge {
		return false
	}
	return true
}

// Add registers a committed key and evicts whatever fell out of bounds.
func (w *dedupWindow) Add(key string, now time.Time) {
	if _, ok := w.keys[key]; !ok {
		w.order = append(w.order, windowEntry{key: key, at: now})
	}
	w.keys[key] = now
	w.evict(now)
}

// evict drops entries beyond the count bound or older than the age bound.
func (w *dedupWindow) evict(now time.Time) {
	cut := 0
	for i, e := range w.order {
		overCount := w.maxEntries > 0 && len(w.order)-i > w.maxEntries
		overAge := w.maxAge > 0 && now.Sub(e.at) > w.maxAge
		if overCount || overAge {
			cut = i + 1
			// Only delete when the map entry still holds this timestamp;
			// Add may have refreshed the key since.
			if at, ok := w.keys[e.key]; ok && at.Equal(e.at) {
				delete(w.keys, e.key)
			}
			continue
		}
		break
	}
	if cut > 0 {
		w.order = w.order[cut:]
	}
}

// Len returns the number of live entries.
func (w *dedupWindow) Len() int {
	return len(w.keys)
}
