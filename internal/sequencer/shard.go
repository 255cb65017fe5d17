package sequencer

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/dVeza/changetrail/internal/change"
	"github.com/dVeza/changetrail/internal/metrics"
)

// tokenKey scopes last-committed tokens to one (entity, source) stream.
type tokenKey struct {
	entity   change.EntityKey
	sourceID string
}

// heldEvent is an out-of-order event waiting for its predecessor.
type heldEvent struct {
	ev         change.ChangeEvent
	key        string
	contentKey string
	deadline   time.Time
}

// observedMark is the latest committed observation for an entity, used to
// spot cross-source arrivals that contradict wall-clock order.
type observedMark struct {
	at       time.Time
	sourceID string
}

// shard serializes all sequencing decisions for its slice of the entity
// space. Everything below in is owned by the run loop goroutine.
type shard struct {
	id  int
	seq *Sequencer

	in        chan change.ChangeEvent
	done      chan struct{}
	closeOnce sync.Once

	window    *dedupWindow
	lastToken map[tokenKey]string
	lastSeen  map[change.EntityKey]observedMark
	pending   []heldEvent
}

func newShard(id int, seq *Sequencer) *shard {
	return &shard{
		id:        id,
		seq:       seq,
		in:        make(chan change.ChangeEvent, seq.cfg.QueueSize),
		done:      make(chan struct{}),
		window:    newDedupWindow(seq.cfg.DedupMaxAge, seq.cfg.DedupMaxEntries),
		lastToken: make(map[tokenKey]string),
		lastSeen:  make(map[change.EntityKey]observedMark),
	}
}

func (sh *shard) submit(ctx context.Context, ev change.ChangeEvent) error {
	select {
	case <-sh.done:
		return ErrClosed
	default:
	}

	select {
	case sh.in <- ev:
		return nil
	case <-sh.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (sh *shard) close() {
	sh.closeOnce.Do(func() { close(sh.done) })
}

// run processes events until close or cancellation. The only blocking
// wait with a hard upper bound is the reorder-hold timer; everything else
// is driven by arrival.
func (sh *shard) run(ctx context.Context) error {
	for {
		var timerC <-chan time.Time
		var timer *time.Timer
		if deadline, ok := sh.nextDeadline(); ok {
			timer = time.NewTimer(time.Until(deadline))
			timerC = timer.C
		}

		select {
		case ev := <-sh.in:
			stopTimer(timer)
			if err := sh.handle(ctx, ev); err != nil {
				return err
			}
		case <-timerC:
			if err := sh.flushExpired(ctx, time.Now()); err != nil {
				return err
			}
		case <-sh.done:
			stopTimer(timer)
			return sh.drain()
		case <-ctx.Done():
			stopTimer(timer)
			return sh.drain()
		}
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

// drain finishes in-flight work during shutdown: events already buffered
// are processed and held events are committed flagged, so nothing that
// reached this stage is lost. Uses a fresh bounded context because the
// run context may already be canceled.
func (sh *shard) drain() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for {
		select {
		case ev := <-sh.in:
			if err := sh.handle(ctx, ev); err != nil {
				return err
			}
			continue
		default:
		}
		break
	}

	return sh.flushAll(ctx)
}

// handle runs the arrival algorithm for one event.
func (sh *shard) handle(ctx context.Context, ev change.ChangeEvent) error {
	now := time.Now()

	key, err := change.IdempotencyKey(ev)
	if err != nil {
		// Unhashable state should have died in the normalizer; dropping
		// here would be silent loss, so fail loudly.
		return fmt.Errorf("shard %d: idempotency key: %w", sh.id, err)
	}
	contentKey, err := change.ContentKey(ev)
	if err != nil {
		return fmt.Errorf("shard %d: content key: %w", sh.id, err)
	}

	// 1. Duplicate within the window: register, discard, and see whether
	// the advanced token baseline unblocked a held successor.
	if sh.window.Contains(key, now) || sh.window.Contains(contentKey, now) {
		sh.noteDuplicate(ev, key, contentKey, now)
		return sh.flushReady(ctx)
	}

	// The window forgets across restarts; the ledger does not. A tokened
	// event whose content key is already durably committed is another
	// source's report of a write the trail holds under a different key.
	if key != contentKey {
		has, err := sh.seq.committer.HasRecord(ctx, contentKey)
		if err != nil {
			return fmt.Errorf("shard %d: dedup lookup %s: %w", sh.id, ev.Entity, err)
		}
		if has {
			sh.noteDuplicate(ev, key, contentKey, now)
			return sh.flushReady(ctx)
		}
	}

	// 2. Position relative to the last committed event for this
	// (entity, source) stream, where tokens make that decidable.
	tk := tokenKey{entity: ev.Entity, sourceID: ev.Source.ID}
	if last, ok := sh.lastToken[tk]; ok && ev.Token != "" {
		evN, evOK := parseToken(ev.Token)
		lastN, lastOK := parseToken(last)
		if evOK && lastOK {
			switch {
			case evN <= lastN:
				// Late arrival: its successor is already committed.
				// Committing unflagged would contradict token order, so
				// flag it as a detected reordering.
				return sh.commit(ctx, ev, key, contentKey, true)
			case evN > lastN+1:
				// Gap: hold until the predecessor arrives or the hold
				// timeout expires.
				sh.hold(ev, key, contentKey, now)
				return nil
			}
		}
	}

	// 3. In order (or no baseline to judge by): commit, then see whether
	// this unblocked any held successors. Committing now still has to
	// respect the merged cross-source timeline: an arrival that jumps a
	// held event from another source, or that was observed before an
	// already-committed event, commits flagged.
	if err := sh.commit(ctx, ev, key, contentKey, sh.overtakes(ev)); err != nil {
		return err
	}
	return sh.flushReady(ctx)
}

// overtakes reports whether committing ev now contradicts the wall-clock
// merged order for its entity: a pending event from another source should
// precede it, or a later-observed cross-source event is already committed.
func (sh *shard) overtakes(ev change.ChangeEvent) bool {
	for _, h := range sh.pending {
		if h.ev.Entity == ev.Entity && h.ev.Source.ID != ev.Source.ID && sh.observedBefore(h.ev, ev) {
			return true
		}
	}
	if m, ok := sh.lastSeen[ev.Entity]; ok && m.sourceID != ev.Source.ID && ev.ObservedAt.Before(m.at) {
		return true
	}
	return false
}

// noteDuplicate registers a discarded duplicate under both identity keys.
// A tokened duplicate still advances its stream's token baseline and
// reaches the commit hook so the source watermark moves past it; otherwise
// the source would replay the token after a restart into an empty window
// and the write would be recorded twice.
func (sh *shard) noteDuplicate(ev change.ChangeEvent, key, contentKey string, now time.Time) {
	metrics.DuplicatesDiscarded.Inc()
	sh.window.Add(key, now)
	sh.window.Add(contentKey, now)
	sh.seq.logger.Debug("duplicate discarded",
		"entity", ev.Entity.String(), "source", ev.Source.ID, "token", ev.Token)

	if ev.Token == "" {
		return
	}
	tk := tokenKey{entity: ev.Entity, sourceID: ev.Source.ID}
	if last, ok := sh.lastToken[tk]; !ok || change.CompareTokens(ev.Token, last) > 0 {
		sh.lastToken[tk] = ev.Token
	}
	sh.seq.onCommit(change.AuditRecord{Event: ev}, false)
}

// hold buffers an out-of-order event. A duplicate of an already-held
// event (same key) refreshes nothing and is discarded.
func (sh *shard) hold(ev change.ChangeEvent, key, contentKey string, now time.Time) {
	for _, h := range sh.pending {
		if h.key == key || h.contentKey == contentKey {
			metrics.DuplicatesDiscarded.Inc()
			return
		}
	}
	sh.pending = append(sh.pending, heldEvent{
		ev:         ev,
		key:        key,
		contentKey: contentKey,
		deadline:   now.Add(sh.seq.cfg.ReorderHoldTimeout),
	})
	sh.seq.logger.Debug("event held for reordering",
		"entity", ev.Entity.String(), "source", ev.Source.ID, "token", ev.Token,
		"hold", sh.seq.cfg.ReorderHoldTimeout)
}

// flushReady commits held events whose predecessor has now been
// committed, repeating until nothing more unblocks.
func (sh *shard) flushReady(ctx context.Context) error {
	for {
		idx := -1
		for i, h := range sh.pending {
			tk := tokenKey{entity: h.ev.Entity, sourceID: h.ev.Source.ID}
			last, ok := sh.lastToken[tk]
			if !ok {
				continue
			}
			hN, hOK := parseToken(h.ev.Token)
			lastN, lastOK := parseToken(last)
			if hOK && lastOK && hN == lastN+1 {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil
		}

		h := sh.pending[idx]
		sh.pending = append(sh.pending[:idx], sh.pending[idx+1:]...)
		if err := sh.commit(ctx, h.ev, h.key, h.contentKey, false); err != nil {
			return err
		}
	}
}

// flushExpired commits held events whose hold deadline has passed,
// flagged as detected reorderings. An expired commit may unblock later
// held events, which then commit unflagged via flushReady.
func (sh *shard) flushExpired(ctx context.Context, now time.Time) error {
	for {
		idx := -1
		for i, h := range sh.pending {
			if !h.deadline.After(now) {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil
		}

		h := sh.pending[idx]
		sh.pending = append(sh.pending[:idx], sh.pending[idx+1:]...)
		sh.seq.logger.Warn("reorder hold expired, committing flagged",
			"entity", h.ev.Entity.String(), "source", h.ev.Source.ID, "token", h.ev.Token)
		if err := sh.commit(ctx, h.ev, h.key, h.contentKey, true); err != nil {
			return err
		}
		if err := sh.flushReady(ctx); err != nil {
			return err
		}
	}
}

// flushAll commits every held event at shutdown, ordered by token within
// a source and by observation time with the source-priority tie-break
// across sources, flagged because their predecessors never arrived.
func (sh *shard) flushAll(ctx context.Context) error {
	sort.SliceStable(sh.pending, func(i, j int) bool {
		return sh.lessPending(sh.pending[i], sh.pending[j])
	})
	for _, h := range sh.pending {
		if err := sh.commit(ctx, h.ev, h.key, h.contentKey, true); err != nil {
			return err
		}
	}
	sh.pending = nil
	return nil
}

// lessPending orders two held events for an entity: same-source pairs by
// token, cross-source pairs by observation time then source priority.
func (sh *shard) lessPending(a, b heldEvent) bool {
	if a.ev.Source.ID == b.ev.Source.ID {
		return change.CompareTokens(a.ev.Token, b.ev.Token) < 0
	}
	return sh.observedBefore(a.ev, b.ev)
}

// observedBefore orders two cross-source events by observation time, with
// the configured source priority breaking exact ties.
func (sh *shard) observedBefore(a, b change.ChangeEvent) bool {
	if !a.ObservedAt.Equal(b.ObservedAt) {
		return a.ObservedAt.Before(b.ObservedAt)
	}
	return sh.seq.rank(a.Source.Kind) < sh.seq.rank(b.Source.Kind)
}

// commit persists the event with bounded retries for transient store
// failures, then registers both identity keys in the dedup window and
// advances the per-stream token baseline.
func (sh *shard) commit(ctx context.Context, ev change.ChangeEvent, key, contentKey string, reordered bool) error {
	var (
		rec      change.AuditRecord
		inserted bool
		err      error
	)
	backoff := 50 * time.Millisecond
	for attempt := 0; attempt < 3; attempt++ {
		rec, inserted, err = sh.seq.committer.Commit(ctx, ev, key, reordered)
		if err == nil {
			break
		}
		if attempt < 2 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return fmt.Errorf("shard %d: commit canceled: %w", sh.id, ctx.Err())
			}
			backoff *= 2
		}
	}
	if err != nil {
		// Append failure after retries is a hard failure of this stage:
		// anything else would silently lose the event.
		return fmt.Errorf("shard %d: commit %s: %w", sh.id, ev.Entity, err)
	}

	now := time.Now()
	sh.window.Add(key, now)
	sh.window.Add(contentKey, now)
	if ev.Token != "" {
		tk := tokenKey{entity: ev.Entity, sourceID: ev.Source.ID}
		if last, ok := sh.lastToken[tk]; !ok || change.CompareTokens(ev.Token, last) > 0 {
			sh.lastToken[tk] = ev.Token
		}
	}
	if inserted {
		if m, ok := sh.lastSeen[ev.Entity]; !ok || ev.ObservedAt.After(m.at) {
			sh.lastSeen[ev.Entity] = observedMark{at: ev.ObservedAt, sourceID: ev.Source.ID}
		}
		metrics.RecordsAppended.Inc()
		if reordered {
			metrics.ReorderFlags.Inc()
		}
	} else {
		// The window missed it but the ledger had it - a duplicate that
		// arrived outside the window or across a restart.
		metrics.DuplicatesDiscarded.Inc()
	}

	sh.seq.onCommit(rec, inserted)
	return nil
}

// nextDeadline returns the earliest hold deadline, if any event is held.
func (sh *shard) nextDeadline() (time.Time, bool) {
	var earliest time.Time
	for _, h := range sh.pending {
		if earliest.IsZero() || h.deadline.Before(earliest) {
			earliest = h.deadline
		}
	}
	return earliest, !earliest.IsZero()
}

// parseToken interprets a token numerically. Gap detection only works for
// numeric tokens; anything else falls back to arrival order.
func parseToken(token string) (int64, bool) {
	n, err := strconv.ParseInt(token, 10, 64)
	return n, err == nil
}
