// Package normalize maps provisional records from capture adapters into
// canonical ChangeEvents, filling gaps the source could not and rejecting
// what cannot be made canonical.
package normalize

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/dVeza/changetrail/internal/capture"
	"github.com/dVeza/changetrail/internal/change"
)

// SnapshotReader fetches the current authoritative state of a live record.
// exists=false means the record is absent. Implemented by the live data
// store integration; the reconciler uses the same capability.
type SnapshotReader interface {
	Snapshot(ctx context.Context, key change.EntityKey) (state change.State, exists bool, err error)
}

// MalformedEventError rejects input that cannot become a canonical event.
// Malformed input is quarantined by the caller, never propagated onward
// and never silently dropped.
type MalformedEventError struct {
	Reason string
}

func (e *MalformedEventError) Error() string {
	return "malformed event: " + e.Reason
}

// IDGenerator produces event IDs. UUIDGenerator in production,
// FixedGenerator in tests.
type IDGenerator interface {
	Generate() string
}

// UUIDGenerator generates time-sortable UUIDv7 event IDs.
//
// Thread-safety: stateless and safe for concurrent use.
type UUIDGenerator struct{}

// Generate creates a new UUIDv7 as a hyphenated string.
// Panics if UUID generation fails (should never happen in practice).
func (g UUIDGenerator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Normalizer turns provisional records into ChangeEvents.
// The mapping is pure except for the one sanctioned side effect: looking
// up prior state when the source could not supply it.
type Normalizer struct {
	snapshots SnapshotReader
	ids       IDGenerator
}

// New creates a Normalizer. snapshots may be nil when no authoritative
// reader is available; prior state then stays absent rather than failing.
func New(snapshots SnapshotReader, ids IDGenerator) *Normalizer {
	if ids == nil {
		ids = UUIDGenerator{}
	}
	return &Normalizer{snapshots: snapshots, ids: ids}
}

// Normalize validates and canonicalizes one provisional record.
//
// Prior state is fetched from the snapshot reader only when the adapter
// did not supply it AND the operation is update or delete. A missing
// prior on create is valid and never triggers a lookup.
func (n *Normalizer) Normalize(ctx context.Context, src change.Source, p capture.Provisional) (change.ChangeEvent, error) {
	if p.Entity.Collection == "" || p.Entity.ID == "" {
		return change.ChangeEvent{}, &MalformedEventError{
			Reason: fmt.Sprintf("unresolvable entity key %q", p.Entity),
		}
	}
	if !p.Op.Valid() {
		return change.ChangeEvent{}, &MalformedEventError{
			Reason: fmt.Sprintf("unknown operation %q", p.Op),
		}
	}
	if !src.Kind.Valid() {
		return change.ChangeEvent{}, &MalformedEventError{
			Reason: fmt.Sprintf("unknown source kind %q", src.Kind),
		}
	}

	prior := p.Prior
	if prior == nil && p.Op != change.OpCreate && n.snapshots != nil {
		state, exists, err := n.snapshots.Snapshot(ctx, p.Entity)
		if err != nil {
			return change.ChangeEvent{}, fmt.Errorf("normalize %s: fetch prior: %w", p.Entity, err)
		}
		if exists {
			prior = state
		}
	}

	ev := change.ChangeEvent{
		ID:         n.ids.Generate(),
		Entity:     p.Entity,
		Op:         p.Op,
		Prior:      prior,
		New:        p.New,
		Source:     src,
		Token:      p.Token,
		ObservedAt: p.ObservedAt,
	}
	if ev.Op == change.OpCreate {
		ev.Prior = nil
	}
	if ev.Op == change.OpDelete {
		ev.New = nil
	}
	return ev, nil
}
