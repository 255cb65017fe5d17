// Package capture defines the adapter contract that turns source-specific
// raw notifications into provisional change records, plus the concrete
// adapter variants for the three integration points: application save
// hooks, database triggers, and write-ahead-log streams.
//
// Adapters are explicitly constructed and registered with the pipeline -
// there is no ambient registry. Each adapter produces an unbounded,
// restartable sequence: given a watermark it resumes at the next unseen
// source-local token and never re-emits an already-absorbed one.
package capture

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dVeza/changetrail/internal/change"
)

// Provisional is a source-shaped change record before normalization.
// Token carries the source-local ordering information; it is empty only
// for sources that have none (application hooks).
type Provisional struct {
	Entity     change.EntityKey
	Op         change.Op
	Prior      change.State
	New        change.State
	Token      string
	ObservedAt time.Time
}

// EmitFunc receives provisional records from an adapter. A blocking emit
// is the backpressure mechanism: when the downstream ingestion queue is
// full, emit blocks and the adapter stalls with it. Adapters must never
// drop a record because downstream is slow.
//
// Returning an error aborts the adapter's run (used for cancellation).
type EmitFunc func(ctx context.Context, p Provisional) error

// Adapter is the uniform capture contract. Concrete variants differ only
// in how they obtain the change tuple and in the reliability of Prior.
type Adapter interface {
	// Source identifies this adapter instance. Immutable.
	Source() change.Source

	// Run emits records until ctx is canceled, starting strictly after
	// the watermark. Returns nil on cancellation, an UnresumableError
	// when the watermark predates retained source history, or another
	// error on source failure.
	Run(ctx context.Context, from change.Watermark, emit EmitFunc) error
}

// ErrSourceUnresumable signals that a source's history no longer covers
// the requested watermark. Fatal for that adapter: resuming would silently
// skip writes, so the condition is surfaced instead.
var ErrSourceUnresumable = errors.New("source history no longer covers watermark")

// UnresumableError carries the source and watermark that could not be
// resolved. Matches ErrSourceUnresumable via errors.Is.
type UnresumableError struct {
	SourceID string
	Token    string
	Floor    string
}

func (e *UnresumableError) Error() string {
	return fmt.Sprintf("source %s: watermark %q below retained floor %q", e.SourceID, e.Token, e.Floor)
}

func (e *UnresumableError) Unwrap() error { return ErrSourceUnresumable }
