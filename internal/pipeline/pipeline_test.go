package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dVeza/changetrail/internal/capture"
	"github.com/dVeza/changetrail/internal/change"
	"github.com/dVeza/changetrail/internal/config"
	"github.com/dVeza/changetrail/internal/ledger"
	"github.com/dVeza/changetrail/internal/normalize"
)

var testSource = change.Source{ID: "pg-trigger", Kind: change.SourceTrigger}

// memSnapshots is a live-store stand-in for drift tests.
type memSnapshots struct {
	states map[change.EntityKey]change.State
}

func (m *memSnapshots) Snapshot(_ context.Context, key change.EntityKey) (change.State, bool, error) {
	st, ok := m.states[key]
	return st, ok, nil
}

// startPipeline opens a temp-dir ledger, assembles a pipeline, and runs
// it until the test ends.
func startPipeline(t *testing.T, snapshots normalize.SnapshotReader, opts ...Option) (*Pipeline, *ledger.Store) {
	t.Helper()

	store, err := ledger.Open(t.TempDir() + "/trail.db")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.Default()
	cfg.Ingest.Shards = 1
	cfg.Reconcile.Interval = config.Duration(time.Hour)

	p := New(store, snapshots, cfg, append([]Option{
		WithIDGenerator(&normalize.FixedGenerator{}),
	}, opts...)...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Fatal("pipeline did not stop")
		}
	})
	return p, store
}

// waitSeq polls until the ledger reaches at least the given sequence.
func waitSeq(t *testing.T, store *ledger.Store, want int64) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		max, err := store.MaxSeq(context.Background())
		require.NoError(t, err)
		if max >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("ledger never reached seq %d", want)
}

func submit(t *testing.T, p *Pipeline, op change.Op, token string, prior, next change.State) {
	t.Helper()
	err := p.Submit(context.Background(), testSource, capture.Provisional{
		Entity:     change.EntityKey{Collection: "books", ID: "b-1"},
		Op:         op,
		Prior:      prior,
		New:        next,
		Token:      token,
		ObservedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
}

func TestPipeline_SubmitCommitsToLedger(t *testing.T) {
	p, store := startPipeline(t, nil)

	submit(t, p, change.OpCreate, "1", nil, change.State{"title": "Dune"})
	waitSeq(t, store, 1)

	recs, err := store.Read(context.Background(), 0, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, change.OpCreate, recs[0].Event.Op)
	assert.Equal(t, change.State{"title": "Dune"}, recs[0].Event.New)
}

func TestPipeline_DuplicateSubmitNotRecommitted(t *testing.T) {
	p, store := startPipeline(t, nil)

	submit(t, p, change.OpCreate, "1", nil, change.State{"title": "Dune"})
	submit(t, p, change.OpCreate, "1", nil, change.State{"title": "Dune"})
	submit(t, p, change.OpUpdate, "2", change.State{"title": "Dune"}, change.State{"title": "Dune Messiah"})
	waitSeq(t, store, 2)

	max, err := store.MaxSeq(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), max)
}

func TestPipeline_RestartDoesNotRecommitCollapsedWrite(t *testing.T) {
	path := t.TempDir() + "/trail.db"
	hookSource := change.Source{ID: "app-hook", Kind: change.SourceHook}

	cfg := config.Default()
	cfg.Ingest.Shards = 1

	prov := func(token string) capture.Provisional {
		return capture.Provisional{
			Entity:     change.EntityKey{Collection: "books", ID: "b-1"},
			Op:         change.OpCreate,
			New:        change.State{"title": "Dune"},
			Token:      token,
			ObservedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		}
	}

	// First run: the hook reports the write before the trigger does, so
	// the record is committed under the content-derived key.
	store, err := ledger.Open(path)
	require.NoError(t, err)
	p := New(store, nil, cfg, WithIDGenerator(&normalize.FixedGenerator{}))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.NoError(t, p.Submit(ctx, hookSource, prov("")))
	waitSeq(t, store, 1)
	require.NoError(t, p.Submit(ctx, testSource, prov("100")))

	// The collapsed trigger report must still advance its watermark, or
	// the source will replay token 100 forever.
	deadline := time.Now().Add(5 * time.Second)
	for {
		wm, ok, err := store.Watermark(context.Background(), testSource.ID)
		require.NoError(t, err)
		if ok && wm.Token == "100" {
			break
		}
		require.True(t, time.Now().Before(deadline), "trigger watermark never advanced")
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	require.NoError(t, <-done)
	require.NoError(t, store.Close())

	// Second run: the dedup window is gone; only the ledger remembers. A
	// replayed token-100 report must not become a second record.
	store, err = ledger.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	p = New(store, nil, cfg, WithIDGenerator(&normalize.FixedGenerator{}))
	ctx, cancel = context.WithCancel(context.Background())
	done = make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})

	require.NoError(t, p.Submit(ctx, testSource, prov("100")))
	next := prov("101")
	next.Op = change.OpUpdate
	next.Prior = change.State{"title": "Dune"}
	next.New = change.State{"title": "Dune Messiah"}
	require.NoError(t, p.Submit(ctx, testSource, next))
	waitSeq(t, store, 2)

	max, err := store.MaxSeq(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), max)
}

func TestPipeline_RunSurfacesSequencerFailure(t *testing.T) {
	store, err := ledger.Open(t.TempDir() + "/trail.db")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.Default()
	cfg.Ingest.Shards = 1
	p := New(store, nil, cfg, WithIDGenerator(&normalize.FixedGenerator{}))

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	submit(t, p, change.OpCreate, "1", nil, change.State{"title": "Dune"})
	waitSeq(t, store, 1)

	// Kill the store out from under the sequencer; the next commit fails
	// persistently and Run must return without any external cancel.
	require.NoError(t, store.Close())
	submit(t, p, change.OpUpdate, "2", change.State{"title": "Dune"}, change.State{"title": "Dune Messiah"})

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("pipeline kept running after the store failed")
	}
}

func TestPipeline_MalformedSubmitQuarantined(t *testing.T) {
	p, store := startPipeline(t, nil)

	err := p.Submit(context.Background(), testSource, capture.Provisional{
		Entity: change.EntityKey{Collection: "books"}, // no ID
		Op:     change.OpCreate,
		New:    change.State{"title": "x"},
	})
	var malformed *normalize.MalformedEventError
	require.True(t, errors.As(err, &malformed))

	dls, err := store.DeadLetters(context.Background(), time.Time{})
	require.NoError(t, err)
	require.Len(t, dls, 1)
	assert.Equal(t, ledger.StageNormalize, dls[0].Stage)
	assert.Equal(t, testSource.ID, dls[0].Scope)
}

func TestPipeline_WatermarkAdvancesOnCommit(t *testing.T) {
	p, store := startPipeline(t, nil)

	submit(t, p, change.OpCreate, "1", nil, change.State{"title": "Dune"})
	submit(t, p, change.OpUpdate, "2", change.State{"title": "Dune"}, change.State{"title": "Dune Messiah"})
	waitSeq(t, store, 2)

	wm, ok, err := store.Watermark(context.Background(), testSource.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2", wm.Token)
}

func TestPipeline_SubscribeDeliverAck(t *testing.T) {
	p, store := startPipeline(t, nil)

	submit(t, p, change.OpCreate, "1", nil, change.State{"title": "Dune"})
	submit(t, p, change.OpUpdate, "2", change.State{"title": "Dune"}, change.State{"title": "Dune Messiah"})
	waitSeq(t, store, 2)

	sub, err := p.Subscribe(context.Background(), "indexer", -1)
	require.NoError(t, err)

	for want := int64(1); want <= 2; want++ {
		select {
		case rec := <-sub.Records():
			assert.Equal(t, want, rec.Seq)
			require.NoError(t, p.Ack("indexer", rec.Seq))
		case <-time.After(5 * time.Second):
			t.Fatalf("record %d never delivered", want)
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		off, err := store.ConsumerOffset(context.Background(), "indexer")
		require.NoError(t, err)
		if off == 2 {
			break
		}
		require.True(t, time.Now().Before(deadline), "offset never persisted")
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPipeline_AckUnknownConsumerFails(t *testing.T) {
	p, _ := startPipeline(t, nil)
	assert.Error(t, p.Ack("nobody", 1))
}

func TestPipeline_AdapterFeedsEvents(t *testing.T) {
	feed := capture.NewFeed()
	adapter := capture.NewTriggerAdapter("pg-trigger", feed)

	_, store := startPipeline(t, nil, WithAdapters(adapter))

	feed.Append(capture.Provisional{
		Entity: change.EntityKey{Collection: "books", ID: "b-9"},
		Op:     change.OpCreate,
		New:    change.State{"title": "Dune"},
	})
	waitSeq(t, store, 1)

	recs, err := store.Read(context.Background(), 0, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "b-9", recs[0].Event.Entity.ID)
	assert.Equal(t, change.SourceTrigger, recs[0].Event.Source.Kind)

	// The pipeline also persisted the feed position as the watermark.
	wm, ok, err := store.Watermark(context.Background(), "pg-trigger")
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEmpty(t, wm.Token)
}

func TestPipeline_DriftReporting(t *testing.T) {
	live := &memSnapshots{states: map[change.EntityKey]change.State{}}
	p, store := startPipeline(t, live)

	submit(t, p, change.OpCreate, "1", nil, change.State{"title": "Dune"})
	waitSeq(t, store, 1)

	reports, err := p.CheckDrift(context.Background())
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, change.DriftMissing, reports[0].Kind)

	assert.Len(t, p.DriftReports(time.Time{}), 1)
}

func TestPipeline_ReplayTraceGolden(t *testing.T) {
	p, store := startPipeline(t, nil)
	ctx := context.Background()

	submit(t, p, change.OpCreate, "1", nil, change.State{"title": "Dune"})
	submit(t, p, change.OpUpdate, "2", change.State{"title": "Dune"}, change.State{"title": "Dune Messiah"})
	submit(t, p, change.OpUpdate, "2", change.State{"title": "Dune"}, change.State{"title": "Dune Messiah"}) // duplicate
	submit(t, p, change.OpDelete, "3", change.State{"title": "Dune Messiah"}, nil)
	submit(t, p, change.OpCreate, "4", nil, change.State{"title": "Children of Dune"})
	waitSeq(t, store, 4)

	recs, err := store.Read(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, recs, 4)

	trace := make([]any, 0, len(recs))
	for _, rec := range recs {
		trace = append(trace, map[string]any{
			"seq":       rec.Seq,
			"op":        string(rec.Event.Op),
			"source":    string(rec.Event.Source.Kind),
			"token":     rec.Event.Token,
			"prior":     stateOrNil(rec.Event.Prior),
			"new":       stateOrNil(rec.Event.New),
			"reordered": rec.Reordered,
		})
	}

	key := change.EntityKey{Collection: "books", ID: "b-1"}
	at2, _, err := p.Replay(ctx, key, 2)
	require.NoError(t, err)
	at3, exists, err := p.Replay(ctx, key, 3)
	require.NoError(t, err)
	assert.False(t, exists)
	final, _, err := p.Replay(ctx, key, 0)
	require.NoError(t, err)

	snapshot := map[string]any{
		"records": trace,
		"replay": map[string]any{
			"at_seq_2": stateOrNil(at2),
			"at_seq_3": stateOrNil(at3),
			"final":    stateOrNil(final),
		},
	}
	data, err := change.MarshalCanonical(snapshot)
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "replay_trace", data)
}

func stateOrNil(s change.State) any {
	if s == nil {
		return nil
	}
	return s
}
