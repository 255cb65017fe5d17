package sequencer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dVeza/changetrail/internal/change"
)

type commitCall struct {
	ev        change.ChangeEvent
	key       string
	reordered bool
	inserted  bool
}

// memCommitter is an in-memory Committer with the ledger's durable-dedup
// contract: a repeated idempotency key returns the original record with
// inserted=false.
type memCommitter struct {
	mu        sync.Mutex
	seq       int64
	byKey     map[string]change.AuditRecord
	calls     []commitCall
	failTimes int
	notify    chan commitCall
}

func newMemCommitter() *memCommitter {
	return &memCommitter{
		byKey:  make(map[string]change.AuditRecord),
		notify: make(chan commitCall, 64),
	}
}

func (m *memCommitter) Commit(_ context.Context, ev change.ChangeEvent, key string, reordered bool) (change.AuditRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failTimes > 0 {
		m.failTimes--
		return change.AuditRecord{}, false, errors.New("store unavailable")
	}

	if rec, ok := m.byKey[key]; ok {
		call := commitCall{ev: ev, key: key, reordered: reordered, inserted: false}
		m.calls = append(m.calls, call)
		m.notify <- call
		return rec, false, nil
	}

	m.seq++
	rec := change.AuditRecord{
		Seq:            m.seq,
		Event:          ev,
		IdempotencyKey: key,
		StoredAt:       time.Now().UTC(),
		Reordered:      reordered,
	}
	m.byKey[key] = rec
	call := commitCall{ev: ev, key: key, reordered: reordered, inserted: true}
	m.calls = append(m.calls, call)
	m.notify <- call
	return rec, true, nil
}

func (m *memCommitter) HasRecord(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.byKey[key]
	return ok, nil
}

func (m *memCommitter) commitCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func startSequencer(t *testing.T, cfg Config, c Committer, opts ...Option) *Sequencer {
	t.Helper()

	seq := New(cfg, c, opts...)
	done := make(chan error, 1)
	go func() { done <- seq.Run(context.Background()) }()

	t.Cleanup(func() {
		seq.Close()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("sequencer did not stop")
		}
	})
	return seq
}

func makeEvent(id string, kind change.SourceKind, sourceID, token string) change.ChangeEvent {
	return change.ChangeEvent{
		ID:         id,
		Entity:     change.EntityKey{Collection: "books", ID: "b-1"},
		Op:         change.OpUpdate,
		Prior:      change.State{"title": "draft"},
		New:        change.State{"title": "final"},
		Source:     change.Source{ID: sourceID, Kind: kind},
		Token:      token,
		ObservedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func waitCommit(t *testing.T, c *memCommitter) commitCall {
	t.Helper()
	select {
	case call := <-c.notify:
		return call
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for commit")
		return commitCall{}
	}
}

func expectNoCommit(t *testing.T, c *memCommitter) {
	t.Helper()
	select {
	case call := <-c.notify:
		t.Fatalf("unexpected commit: key=%s token=%s", call.key, call.ev.Token)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSequencer_CommitsInOrder(t *testing.T) {
	c := newMemCommitter()
	seq := startSequencer(t, Config{Shards: 1}, c)

	ctx := context.Background()
	for i := 101; i <= 103; i++ {
		ev := makeEvent(fmt.Sprintf("ev-%d", i), change.SourceTrigger, "pg-trigger", fmt.Sprintf("%d", i))
		ev.New = change.State{"rev": float64(i)}
		require.NoError(t, seq.Submit(ctx, ev))
	}

	for i := 101; i <= 103; i++ {
		call := waitCommit(t, c)
		assert.Equal(t, fmt.Sprintf("%d", i), call.ev.Token)
		assert.True(t, call.inserted)
		assert.False(t, call.reordered)
	}
}

func TestSequencer_DuplicateTokenDiscarded(t *testing.T) {
	c := newMemCommitter()
	seq := startSequencer(t, Config{Shards: 1}, c)

	ctx := context.Background()
	ev := makeEvent("ev-1", change.SourceTrigger, "pg-trigger", "101")
	require.NoError(t, seq.Submit(ctx, ev))
	waitCommit(t, c)

	// Same token, same source: identical idempotency key.
	dup := makeEvent("ev-2", change.SourceTrigger, "pg-trigger", "101")
	require.NoError(t, seq.Submit(ctx, dup))
	expectNoCommit(t, c)
	assert.Equal(t, 1, c.commitCount())
}

func TestSequencer_TokenlessHookCollapsesAgainstTrigger(t *testing.T) {
	c := newMemCommitter()
	seq := startSequencer(t, Config{Shards: 1}, c)

	ctx := context.Background()
	trig := makeEvent("ev-1", change.SourceTrigger, "pg-trigger", "101")
	require.NoError(t, seq.Submit(ctx, trig))
	waitCommit(t, c)

	// The hook saw the same write but carries no token; its key is
	// content-derived and must still hit the window.
	hook := makeEvent("ev-2", change.SourceHook, "app-hook", "")
	require.NoError(t, seq.Submit(ctx, hook))
	expectNoCommit(t, c)
	assert.Equal(t, 1, c.commitCount())
}

func TestSequencer_CollapsedTokenReportAdvancesBaseline(t *testing.T) {
	c := newMemCommitter()

	var (
		mu    sync.Mutex
		notes []change.AuditRecord
	)
	seq := startSequencer(t, Config{Shards: 1, ReorderHoldTimeout: 10 * time.Second}, c,
		WithCommitHook(func(rec change.AuditRecord, inserted bool) {
			mu.Lock()
			if !inserted {
				notes = append(notes, rec)
			}
			mu.Unlock()
		}))

	ctx := context.Background()
	hook := makeEvent("ev-1", change.SourceHook, "app-hook", "")
	require.NoError(t, seq.Submit(ctx, hook))
	waitCommit(t, c)

	// The trigger reports the same write with token 100. It collapses
	// against the hook's record, but its token must still reach the
	// commit hook and become the stream baseline.
	trig := makeEvent("ev-2", change.SourceTrigger, "pg-trigger", "100")
	require.NoError(t, seq.Submit(ctx, trig))
	expectNoCommit(t, c)

	mu.Lock()
	require.Len(t, notes, 1)
	assert.Equal(t, "100", notes[0].Event.Token)
	mu.Unlock()

	// With the baseline at 100, token 102 is a gap and must be held.
	gapped := makeEvent("ev-4", change.SourceTrigger, "pg-trigger", "102")
	gapped.New = change.State{"rev": float64(102)}
	require.NoError(t, seq.Submit(ctx, gapped))
	expectNoCommit(t, c)

	missing := makeEvent("ev-3", change.SourceTrigger, "pg-trigger", "101")
	missing.New = change.State{"rev": float64(101)}
	require.NoError(t, seq.Submit(ctx, missing))

	first := waitCommit(t, c)
	second := waitCommit(t, c)
	assert.Equal(t, "101", first.ev.Token)
	assert.Equal(t, "102", second.ev.Token)
}

func TestSequencer_FreshWindowConsultsStoreForContent(t *testing.T) {
	c := newMemCommitter()

	// First run: only the hook's content-keyed record reaches the store.
	seq1 := startSequencer(t, Config{Shards: 1}, c)
	hook := makeEvent("ev-1", change.SourceHook, "app-hook", "")
	require.NoError(t, seq1.Submit(context.Background(), hook))
	waitCommit(t, c)
	seq1.Close()

	// Second run: the window starts empty, so only the store can tell
	// that the trigger's token-100 report is the same write.
	var (
		mu    sync.Mutex
		notes []change.AuditRecord
	)
	seq2 := startSequencer(t, Config{Shards: 1}, c,
		WithCommitHook(func(rec change.AuditRecord, inserted bool) {
			mu.Lock()
			if !inserted {
				notes = append(notes, rec)
			}
			mu.Unlock()
		}))

	trig := makeEvent("ev-2", change.SourceTrigger, "pg-trigger", "100")
	require.NoError(t, seq2.Submit(context.Background(), trig))
	expectNoCommit(t, c)

	assert.Equal(t, 1, c.commitCount())
	mu.Lock()
	require.Len(t, notes, 1)
	assert.Equal(t, "100", notes[0].Event.Token)
	mu.Unlock()
}

func TestSequencer_GapHeldUntilPredecessorArrives(t *testing.T) {
	c := newMemCommitter()
	seq := startSequencer(t, Config{Shards: 1, ReorderHoldTimeout: 10 * time.Second}, c)

	ctx := context.Background()
	base := makeEvent("ev-1", change.SourceLogStream, "wal", "101")
	require.NoError(t, seq.Submit(ctx, base))
	waitCommit(t, c)

	gapped := makeEvent("ev-3", change.SourceLogStream, "wal", "103")
	gapped.New = change.State{"rev": float64(103)}
	require.NoError(t, seq.Submit(ctx, gapped))
	expectNoCommit(t, c)

	missing := makeEvent("ev-2", change.SourceLogStream, "wal", "102")
	missing.New = change.State{"rev": float64(102)}
	require.NoError(t, seq.Submit(ctx, missing))

	first := waitCommit(t, c)
	second := waitCommit(t, c)
	assert.Equal(t, "102", first.ev.Token)
	assert.Equal(t, "103", second.ev.Token)
	assert.False(t, first.reordered)
	assert.False(t, second.reordered)
}

func TestSequencer_HoldTimeoutCommitsFlagged(t *testing.T) {
	c := newMemCommitter()
	seq := startSequencer(t, Config{Shards: 1, ReorderHoldTimeout: 100 * time.Millisecond}, c)

	ctx := context.Background()
	base := makeEvent("ev-1", change.SourceLogStream, "wal", "101")
	require.NoError(t, seq.Submit(ctx, base))
	waitCommit(t, c)

	gapped := makeEvent("ev-3", change.SourceLogStream, "wal", "103")
	gapped.New = change.State{"rev": float64(103)}
	require.NoError(t, seq.Submit(ctx, gapped))

	call := waitCommit(t, c)
	assert.Equal(t, "103", call.ev.Token)
	assert.True(t, call.reordered)
}

func TestSequencer_LateArrivalCommitsFlagged(t *testing.T) {
	c := newMemCommitter()
	seq := startSequencer(t, Config{Shards: 1}, c)

	ctx := context.Background()
	later := makeEvent("ev-2", change.SourceTrigger, "pg-trigger", "102")
	later.New = change.State{"rev": float64(102)}
	require.NoError(t, seq.Submit(ctx, later))
	waitCommit(t, c)

	// 101 shows up after its successor was already committed.
	late := makeEvent("ev-1", change.SourceTrigger, "pg-trigger", "101")
	late.New = change.State{"rev": float64(101)}
	require.NoError(t, seq.Submit(ctx, late))

	call := waitCommit(t, c)
	assert.Equal(t, "101", call.ev.Token)
	assert.True(t, call.reordered)
}

func TestSequencer_DurableDedupHitNotifiesHook(t *testing.T) {
	c := newMemCommitter()
	key := change.MustIdempotencyKey(makeEvent("ev-0", change.SourceTrigger, "pg-trigger", "101"))
	c.byKey[key] = change.AuditRecord{Seq: 7, IdempotencyKey: key}

	var (
		mu    sync.Mutex
		hooks []bool
	)
	seq := startSequencer(t, Config{Shards: 1}, c, WithCommitHook(func(rec change.AuditRecord, inserted bool) {
		mu.Lock()
		hooks = append(hooks, inserted)
		mu.Unlock()
	}))

	ev := makeEvent("ev-1", change.SourceTrigger, "pg-trigger", "101")
	require.NoError(t, seq.Submit(context.Background(), ev))

	call := waitCommit(t, c)
	assert.False(t, call.inserted)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, hooks, 1)
	assert.False(t, hooks[0])
}

func TestSequencer_TransientCommitFailureRetried(t *testing.T) {
	c := newMemCommitter()
	c.failTimes = 2
	seq := startSequencer(t, Config{Shards: 1}, c)

	ev := makeEvent("ev-1", change.SourceTrigger, "pg-trigger", "101")
	require.NoError(t, seq.Submit(context.Background(), ev))

	call := waitCommit(t, c)
	assert.True(t, call.inserted)
	assert.Equal(t, "101", call.ev.Token)
}

func TestSequencer_CloseFlushesHeldEventsFlagged(t *testing.T) {
	c := newMemCommitter()
	seq := New(Config{Shards: 1, ReorderHoldTimeout: 10 * time.Second}, c)
	done := make(chan error, 1)
	go func() { done <- seq.Run(context.Background()) }()

	ctx := context.Background()
	base := makeEvent("ev-1", change.SourceLogStream, "wal", "101")
	require.NoError(t, seq.Submit(ctx, base))
	waitCommit(t, c)

	gapped := makeEvent("ev-3", change.SourceLogStream, "wal", "103")
	gapped.New = change.State{"rev": float64(103)}
	require.NoError(t, seq.Submit(ctx, gapped))
	expectNoCommit(t, c)

	seq.Close()
	require.NoError(t, <-done)

	call := waitCommit(t, c)
	assert.Equal(t, "103", call.ev.Token)
	assert.True(t, call.reordered)
}

func TestSequencer_ShardFailureStopsRun(t *testing.T) {
	c := newMemCommitter()
	c.failTimes = 100
	seq := New(Config{Shards: 2}, c)
	done := make(chan error, 1)
	go func() { done <- seq.Run(context.Background()) }()

	ev := makeEvent("ev-1", change.SourceTrigger, "pg-trigger", "101")
	require.NoError(t, seq.Submit(context.Background(), ev))

	// The failing shard must bring Run down without Close being called;
	// the healthy shard cannot keep the stage alive.
	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "store unavailable")
	case <-time.After(5 * time.Second):
		t.Fatal("sequencer kept running after a shard failed")
	}
}

func TestSequencer_CrossSourceOvertakeFlagged(t *testing.T) {
	c := newMemCommitter()
	seq := startSequencer(t, Config{Shards: 1, ReorderHoldTimeout: 10 * time.Second}, c)

	ctx := context.Background()
	base := makeEvent("ev-1", change.SourceTrigger, "pg-trigger", "101")
	require.NoError(t, seq.Submit(ctx, base))
	waitCommit(t, c)

	held := makeEvent("ev-3", change.SourceTrigger, "pg-trigger", "103")
	held.New = change.State{"rev": float64(103)}
	require.NoError(t, seq.Submit(ctx, held))
	expectNoCommit(t, c)

	// A hook event observed after the held trigger event jumps the line;
	// committing it in arrival order contradicts the merged timeline.
	hook := makeEvent("ev-h", change.SourceHook, "app-hook", "")
	hook.New = change.State{"note": "manual fix"}
	hook.ObservedAt = held.ObservedAt.Add(time.Second)
	require.NoError(t, seq.Submit(ctx, hook))

	call := waitCommit(t, c)
	assert.Equal(t, "", call.ev.Token)
	assert.True(t, call.reordered)
}

func TestSequencer_CrossSourceLateObservationFlagged(t *testing.T) {
	c := newMemCommitter()
	seq := startSequencer(t, Config{Shards: 1}, c)

	ctx := context.Background()
	trig := makeEvent("ev-1", change.SourceTrigger, "pg-trigger", "101")
	trig.ObservedAt = trig.ObservedAt.Add(5 * time.Second)
	require.NoError(t, seq.Submit(ctx, trig))
	call := waitCommit(t, c)
	assert.False(t, call.reordered)

	// Observed before the committed trigger event but arriving after it.
	hook := makeEvent("ev-2", change.SourceHook, "app-hook", "")
	hook.New = change.State{"note": "manual fix"}
	require.NoError(t, seq.Submit(ctx, hook))

	call = waitCommit(t, c)
	assert.Equal(t, "", call.ev.Token)
	assert.True(t, call.reordered)
}

func TestSequencer_SubmitAfterCloseFails(t *testing.T) {
	c := newMemCommitter()
	seq := New(Config{Shards: 1}, c)
	done := make(chan error, 1)
	go func() { done <- seq.Run(context.Background()) }()

	seq.Close()
	require.NoError(t, <-done)

	ev := makeEvent("ev-1", change.SourceTrigger, "pg-trigger", "101")
	err := seq.Submit(context.Background(), ev)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSequencer_EntitiesShardConsistently(t *testing.T) {
	c := newMemCommitter()
	seq := startSequencer(t, Config{Shards: 4}, c)

	key := change.EntityKey{Collection: "books", ID: "b-42"}
	want := seq.shardFor(key)
	for i := 0; i < 16; i++ {
		assert.Equal(t, want, seq.shardFor(key))
	}
}
