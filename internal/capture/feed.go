package capture

import (
	"strconv"
	"sync"
	"time"
)

// entry is one retained notification with its assigned position.
type entry struct {
	pos int64
	p   Provisional
}

// Feed is a thread-safe, append-only, position-ordered buffer of raw
// change notifications. It stands in for the external side of a capture
// source - the save path, trigger queue, or log segment an adapter reads.
//
// Positions are assigned monotonically at Append and double as the
// source-local tokens for token-bearing adapters. Evict drops history up
// to a position, modeling log segment truncation; an adapter asked to
// resume below the floor reports UnresumableError.
//
// The signal channel (buffered, size 1) coalesces wakeups for blocked
// readers.
type Feed struct {
	mu      sync.Mutex
	entries []entry
	nextPos int64
	floor   int64 // highest evicted position
	signal  chan struct{}
}

// NewFeed creates an empty feed. Positions start at 1.
func NewFeed() *Feed {
	return &Feed{
		entries: make([]entry, 0, 64),
		signal:  make(chan struct{}, 1),
	}
}

// Append records a notification and returns its assigned position.
// ObservedAt defaults to now when unset.
func (f *Feed) Append(p Provisional) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	if p.ObservedAt.IsZero() {
		p.ObservedAt = time.Now().UTC()
	}

	f.nextPos++
	f.entries = append(f.entries, entry{pos: f.nextPos, p: p})

	// Non-blocking - buffer of 1 coalesces multiple signals.
	select {
	case f.signal <- struct{}{}:
	default:
	}

	return f.nextPos
}

// Evict drops all entries with position <= through, raising the floor.
// Models source history truncation (log rotation, trigger queue cleanup).
func (f *Feed) Evict(through int64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if through > f.floor {
		f.floor = through
	}
	i := 0
	for i < len(f.entries) && f.entries[i].pos <= through {
		i++
	}
	f.entries = f.entries[i:]
}

// Floor returns the highest evicted position. Resuming at or below the
// floor is only safe at exactly the floor (everything up to it was
// already absorbed); below it, history is gone.
func (f *Feed) Floor() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.floor
}

// Tail returns the highest assigned position.
func (f *Feed) Tail() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nextPos
}

// after returns a copy of entries with position > pos.
func (f *Feed) after(pos int64) []entry {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []entry
	for _, e := range f.entries {
		if e.pos > pos {
			out = append(out, e)
		}
	}
	return out
}

// wait returns the wakeup channel for blocked readers.
func (f *Feed) wait() <-chan struct{} {
	return f.signal
}

// parsePos converts a watermark token back to a feed position. An empty
// token means "from the beginning".
func parsePos(token string) (int64, error) {
	if token == "" {
		return 0, nil
	}
	return strconv.ParseInt(token, 10, 64)
}

// formatPos renders a feed position as a source-local token.
func formatPos(pos int64) string {
	return strconv.FormatInt(pos, 10)
}
