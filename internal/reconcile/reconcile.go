// Package reconcile periodically compares state replayed from the audit
// trail against the live store and reports divergences. It is strictly an
// observer: it never corrects drift and never touches the ingestion path.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dVeza/changetrail/internal/change"
	"github.com/dVeza/changetrail/internal/metrics"
	"github.com/dVeza/changetrail/internal/normalize"
)

// LedgerReader is the slice of the ledger the reconciler needs.
// Implemented by ledger.Store.
type LedgerReader interface {
	Entities(ctx context.Context, limit int) ([]change.EntityKey, error)
	ReplayState(ctx context.Context, key change.EntityKey, upToSeq int64) (change.State, bool, error)
	MaxSeq(ctx context.Context) (int64, error)
}

// Config bounds the reconciler's scan cadence, sample size, and report
// retention.
type Config struct {
	// Interval between scans.
	Interval time.Duration
	// SampleSize caps entities checked per scan; 0 checks all.
	SampleSize int
	// ReportLimit caps retained drift reports; oldest are dropped first.
	ReportLimit int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.ReportLimit <= 0 {
		c.ReportLimit = 1000
	}
	return c
}

// Reconciler runs drift scans and retains recent reports in memory.
type Reconciler struct {
	ledger    LedgerReader
	snapshots normalize.SnapshotReader
	cfg       Config
	logger    *slog.Logger

	mu      sync.Mutex
	reports []change.DriftReport
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLogger sets the structured logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) { r.logger = l }
}

// New creates a Reconciler comparing the ledger against the live store.
func New(ledger LedgerReader, snapshots normalize.SnapshotReader, cfg Config, opts ...Option) *Reconciler {
	r := &Reconciler{
		ledger:    ledger,
		snapshots: snapshots,
		cfg:       cfg.withDefaults(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run scans at the configured interval until ctx is canceled. Scan
// failures are logged, not fatal; a broken live store must not take the
// pipeline down.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := r.CheckOnce(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				r.logger.Error("drift scan failed", "error", err)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// CheckOnce runs one drift scan and returns the reports it produced. The
// scan is pinned to the ledger's max sequence at start so records
// committed mid-scan do not show up as drift.
func (r *Reconciler) CheckOnce(ctx context.Context) ([]change.DriftReport, error) {
	upToSeq, err := r.ledger.MaxSeq(ctx)
	if err != nil {
		return nil, fmt.Errorf("drift scan: max seq: %w", err)
	}
	if upToSeq == 0 {
		return nil, nil
	}

	entities, err := r.ledger.Entities(ctx, r.cfg.SampleSize)
	if err != nil {
		return nil, fmt.Errorf("drift scan: entities: %w", err)
	}

	now := time.Now().UTC()
	var found []change.DriftReport
	for _, key := range entities {
		report, drifted, err := r.checkEntity(ctx, key, upToSeq, now)
		if err != nil {
			return found, fmt.Errorf("drift scan: %s: %w", key, err)
		}
		if drifted {
			found = append(found, report)
		}
	}

	if len(found) > 0 {
		r.retain(found)
		r.logger.Warn("drift detected", "reports", len(found), "up_to_seq", upToSeq)
	}
	return found, nil
}

func (r *Reconciler) checkEntity(ctx context.Context, key change.EntityKey, upToSeq int64, now time.Time) (change.DriftReport, bool, error) {
	expected, expectedExists, err := r.ledger.ReplayState(ctx, key, upToSeq)
	if err != nil {
		return change.DriftReport{}, false, fmt.Errorf("replay: %w", err)
	}
	observed, observedExists, err := r.snapshots.Snapshot(ctx, key)
	if err != nil {
		return change.DriftReport{}, false, fmt.Errorf("snapshot: %w", err)
	}

	var kind change.DriftKind
	switch {
	case expectedExists && !observedExists:
		kind = change.DriftMissing
	case !expectedExists && observedExists:
		kind = change.DriftUnexpected
	case expectedExists && observedExists:
		if change.StatesEqual(expected, observed) {
			return change.DriftReport{}, false, nil
		}
		kind = change.DriftMismatch
	default:
		return change.DriftReport{}, false, nil
	}

	metrics.DriftDetected.WithLabelValues(string(kind)).Inc()
	return change.DriftReport{
		Entity:     key,
		Kind:       kind,
		Expected:   expected,
		Observed:   observed,
		UpToSeq:    upToSeq,
		DetectedAt: now,
	}, true, nil
}

// retain appends reports to the bounded in-memory buffer, dropping the
// oldest past the limit.
func (r *Reconciler) retain(reports []change.DriftReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, reports...)
	if over := len(r.reports) - r.cfg.ReportLimit; over > 0 {
		r.reports = append([]change.DriftReport(nil), r.reports[over:]...)
	}
}

// DriftReports returns retained reports detected at or after since. A
// zero since returns everything still retained. Never returns nil.
func (r *Reconciler) DriftReports(since time.Time) []change.DriftReport {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := []change.DriftReport{}
	for _, rep := range r.reports {
		if !rep.DetectedAt.Before(since) {
			out = append(out, rep)
		}
	}
	return out
}
