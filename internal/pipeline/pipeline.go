// Package pipeline wires the capture, normalize, sequence, dispatch, and
// reconcile stages into one embeddable component with a small external
// surface: Submit, Subscribe, Ack, Replay, DriftReports, Run.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dVeza/changetrail/internal/capture"
	"github.com/dVeza/changetrail/internal/change"
	"github.com/dVeza/changetrail/internal/config"
	"github.com/dVeza/changetrail/internal/dispatch"
	"github.com/dVeza/changetrail/internal/ledger"
	"github.com/dVeza/changetrail/internal/metrics"
	"github.com/dVeza/changetrail/internal/normalize"
	"github.com/dVeza/changetrail/internal/reconcile"
	"github.com/dVeza/changetrail/internal/sequencer"
)

// Pipeline is the assembled change-trail service. Construct with New,
// start with Run; the accessor methods are safe for concurrent use while
// Run is active.
type Pipeline struct {
	store      *ledger.Store
	normalizer *normalize.Normalizer
	sequencer  *sequencer.Sequencer
	dispatcher *dispatch.Dispatcher
	reconciler *reconcile.Reconciler
	adapters   []capture.Adapter
	cfg        config.Config
	logger     *slog.Logger

	mu   sync.Mutex
	subs map[string]*dispatch.Subscription
}

// Option configures a Pipeline.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	ids      normalize.IDGenerator
	adapters []capture.Adapter
}

// WithLogger sets the structured logger for every stage. Defaults to
// slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithAdapters registers capture adapters to run.
func WithAdapters(adapters ...capture.Adapter) Option {
	return func(o *options) { o.adapters = append(o.adapters, adapters...) }
}

// WithIDGenerator overrides event ID generation; tests use a fixed one.
func WithIDGenerator(ids normalize.IDGenerator) Option {
	return func(o *options) { o.ids = ids }
}

// New assembles a Pipeline over an open ledger. snapshots may be nil when
// no live-store reader exists; prior-state fill and drift scans are then
// disabled.
func New(store *ledger.Store, snapshots normalize.SnapshotReader, cfg config.Config, opts ...Option) *Pipeline {
	o := &options{logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}

	p := &Pipeline{
		store:      store,
		normalizer: normalize.New(snapshots, o.ids),
		adapters:   o.adapters,
		cfg:        cfg,
		logger:     o.logger,
		subs:       make(map[string]*dispatch.Subscription),
	}

	p.dispatcher = dispatch.New(store, dispatch.Config{
		RetryBase:   cfg.Retry.Base.Std(),
		RetryCap:    cfg.Retry.Cap.Std(),
		MaxAttempts: cfg.Retry.MaxAttempts,
		WindowSize:  cfg.ConsumerWindowSize,
	}, dispatch.WithLogger(o.logger))

	p.sequencer = sequencer.New(sequencer.Config{
		Shards:             cfg.Ingest.Shards,
		QueueSize:          cfg.Ingest.QueueSize,
		DedupMaxAge:        cfg.Dedup.MaxAge.Std(),
		DedupMaxEntries:    cfg.Dedup.MaxEntries,
		SourcePriority:     cfg.PriorityKinds(),
		ReorderHoldTimeout: cfg.ReorderHoldTimeout.Std(),
	}, ledgerCommitter{store},
		sequencer.WithLogger(o.logger),
		sequencer.WithCommitHook(p.afterCommit),
	)

	if snapshots != nil {
		p.reconciler = reconcile.New(store, snapshots, reconcile.Config{
			Interval:   cfg.Reconcile.Interval.Std(),
			SampleSize: cfg.Reconcile.SampleSize,
		}, reconcile.WithLogger(o.logger))
	}

	return p
}

// ledgerCommitter adapts the ledger's append and durable-dedup lookup to
// the sequencer's commit contract.
type ledgerCommitter struct {
	store *ledger.Store
}

func (c ledgerCommitter) Commit(ctx context.Context, ev change.ChangeEvent, idempotencyKey string, reordered bool) (change.AuditRecord, bool, error) {
	return c.store.Append(ctx, ev, idempotencyKey, reordered)
}

func (c ledgerCommitter) HasRecord(ctx context.Context, idempotencyKey string) (bool, error) {
	return c.store.HasRecord(ctx, idempotencyKey)
}

// afterCommit advances the originating source's watermark and wakes the
// delivery loops. Runs on the shard goroutine; must stay cheap.
func (p *Pipeline) afterCommit(rec change.AuditRecord, inserted bool) {
	if rec.Event.Token != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		wm := change.Watermark{SourceID: rec.Event.Source.ID, Token: rec.Event.Token}
		if err := p.store.SetWatermark(ctx, wm); err != nil {
			p.logger.Error("watermark advance failed",
				"source", wm.SourceID, "token", wm.Token, "error", err)
		}
	}
	if inserted {
		p.dispatcher.Notify()
	}
}

// Submit pushes one provisional record through normalization and
// sequencing on behalf of a source; the direct entry point for
// application hook integrations. Malformed input is dead-lettered and
// the error returned so the caller sees the rejection reason.
func (p *Pipeline) Submit(ctx context.Context, src change.Source, prov capture.Provisional) error {
	ev, err := p.normalizer.Normalize(ctx, src, prov)
	if err != nil {
		var malformed *normalize.MalformedEventError
		if errors.As(err, &malformed) {
			p.quarantine(src, prov, malformed.Reason)
			return err
		}
		return fmt.Errorf("normalize: %w", err)
	}

	metrics.EventsIngested.WithLabelValues(string(src.Kind)).Inc()
	return p.sequencer.Submit(ctx, ev)
}

// quarantine dead-letters a malformed provisional record.
func (p *Pipeline) quarantine(src change.Source, prov capture.Provisional, reason string) {
	metrics.MalformedRejected.Inc()

	payload, err := json.Marshal(prov)
	if err != nil {
		payload = []byte(fmt.Sprintf("%+v", prov))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := p.store.WriteDeadLetter(ctx, ledger.StageNormalize, src.ID, reason, string(payload)); err != nil {
		p.logger.Error("dead letter write failed", "source", src.ID, "error", err)
	}
	metrics.DeadLetters.WithLabelValues(ledger.StageNormalize).Inc()
	p.logger.Warn("malformed event quarantined", "source", src.ID, "reason", reason)
}

// Subscribe registers a consumer for ordered delivery. fromSeq < 0
// resumes from the consumer's persisted offset.
func (p *Pipeline) Subscribe(ctx context.Context, consumerID string, fromSeq int64) (*dispatch.Subscription, error) {
	sub, err := p.dispatcher.Register(ctx, consumerID, fromSeq)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.subs[consumerID] = sub
	p.mu.Unlock()
	return sub, nil
}

// Ack acknowledges delivery for a consumer through seq. Equivalent to
// calling Ack on the consumer's subscription.
func (p *Pipeline) Ack(consumerID string, seq int64) error {
	p.mu.Lock()
	sub, ok := p.subs[consumerID]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("ack: consumer %q not subscribed", consumerID)
	}
	sub.Ack(seq)
	return nil
}

// Replay folds the audit trail for one entity up to upToSeq (0 = all)
// and returns the reconstructed state. exists=false means the entity was
// never created or its last operation was a delete.
func (p *Pipeline) Replay(ctx context.Context, key change.EntityKey, upToSeq int64) (change.State, bool, error) {
	return p.store.ReplayState(ctx, key, upToSeq)
}

// DriftReports returns drift detected at or after since. Empty when no
// reconciler is configured.
func (p *Pipeline) DriftReports(since time.Time) []change.DriftReport {
	if p.reconciler == nil {
		return []change.DriftReport{}
	}
	return p.reconciler.DriftReports(since)
}

// CheckDrift runs one synchronous drift scan.
func (p *Pipeline) CheckDrift(ctx context.Context) ([]change.DriftReport, error) {
	if p.reconciler == nil {
		return nil, fmt.Errorf("drift check: no snapshot reader configured")
	}
	return p.reconciler.CheckOnce(ctx)
}

// Run starts every stage and blocks until ctx is canceled or a stage
// fails. Shutdown is cooperative and ordered: adapters stop first, the
// sequencer drains its shards, then delivery and reconciliation stop.
// Watermarks and consumer offsets are persisted as part of normal
// operation, so a restart resumes where this run left off.
func (p *Pipeline) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make(chan error, len(p.adapters)+2)

	// Sequencer shards.
	seqDone := make(chan error, 1)
	go func() { seqDone <- p.sequencer.Run(runCtx) }()

	// Capture adapters, each resuming from its persisted watermark.
	var adapterWG sync.WaitGroup
	for _, a := range p.adapters {
		adapterWG.Add(1)
		go func(a capture.Adapter) {
			defer adapterWG.Done()
			if err := p.runAdapter(runCtx, a); err != nil {
				errs <- err
				cancel()
			}
		}(a)
	}

	// Reconciler and compaction are periodic background work.
	var bgWG sync.WaitGroup
	if p.reconciler != nil {
		bgWG.Add(1)
		go func() {
			defer bgWG.Done()
			_ = p.reconciler.Run(runCtx)
		}()
	}
	bgWG.Add(1)
	go func() {
		defer bgWG.Done()
		p.runCompaction(runCtx)
	}()

	p.logger.Info("pipeline started",
		"adapters", len(p.adapters),
		"shards", p.cfg.Ingest.Shards,
		"ledger", p.cfg.Ledger.Path)

	// A sequencer failure must surface immediately; waiting for external
	// shutdown would leave adapters blocked on full shard inboxes with the
	// failure invisible.
	var seqErr error
	seqStopped := false
	select {
	case seqErr = <-seqDone:
		seqStopped = true
		cancel()
	case <-runCtx.Done():
	}

	// Ordered shutdown: no new input, drain what is in flight, then stop
	// delivery.
	adapterWG.Wait()
	p.sequencer.Close()
	if !seqStopped {
		seqErr = <-seqDone
	}
	bgWG.Wait()
	p.dispatcher.Close()

	p.logger.Info("pipeline stopped")

	select {
	case err := <-errs:
		return err
	default:
	}
	if seqErr != nil {
		return seqErr
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		// Clean shutdown.
		return nil
	}
	return ctx.Err()
}

// runAdapter resumes one adapter from its watermark and feeds its records
// through normalization into the sequencer. Emit blocks when a shard
// inbox is full, which is the backpressure path all the way to the
// source.
func (p *Pipeline) runAdapter(ctx context.Context, a capture.Adapter) error {
	src := a.Source()

	wm, ok, err := p.store.Watermark(ctx, src.ID)
	if err != nil {
		return fmt.Errorf("adapter %s: load watermark: %w", src.ID, err)
	}
	if !ok {
		wm = change.Watermark{SourceID: src.ID}
	}

	p.logger.Info("adapter starting", "source", src.ID, "kind", src.Kind, "watermark", wm.Token)

	emit := func(ctx context.Context, prov capture.Provisional) error {
		err := p.Submit(ctx, src, prov)
		var malformed *normalize.MalformedEventError
		if errors.As(err, &malformed) {
			// Quarantined; the adapter keeps going.
			return nil
		}
		return err
	}

	err = a.Run(ctx, wm, emit)
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	if errors.Is(err, capture.ErrSourceUnresumable) {
		// Resuming would skip writes silently. Surface it and stop.
		return fmt.Errorf("adapter %s: %w", src.ID, err)
	}
	return fmt.Errorf("adapter %s: %w", src.ID, err)
}

// runCompaction deletes superseded records older than the horizon on a
// slow cadence. The latest record per entity always survives, so replay
// stays correct.
func (p *Pipeline) runCompaction(ctx context.Context) {
	horizon := p.cfg.CompactionHorizon.Std()
	if horizon <= 0 {
		return
	}

	interval := horizon / 10
	if interval > time.Hour {
		interval = time.Hour
	}
	if interval < time.Minute {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n, err := p.store.Compact(ctx, horizon)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				p.logger.Error("compaction failed", "error", err)
				continue
			}
			if n > 0 {
				p.logger.Info("ledger compacted", "removed", n, "horizon", horizon)
			}
		case <-ctx.Done():
			return
		}
	}
}
