package change

import (
	"fmt"
	"strings"
	"time"
)

// EntityKey identifies one logical record across all capture sources.
// Collection is the table or collection name; ID is the primary identifier
// rendered as a string so numeric and composite keys share one shape.
type EntityKey struct {
	Collection string `json:"collection"`
	ID         string `json:"id"`
}

// String renders the key as "collection/id" for logging and CLI flags.
func (k EntityKey) String() string {
	return k.Collection + "/" + k.ID
}

// IsZero reports whether the key is unset.
func (k EntityKey) IsZero() bool {
	return k.Collection == "" && k.ID == ""
}

// ParseEntityKey parses "collection/id" as produced by EntityKey.String.
func ParseEntityKey(s string) (EntityKey, error) {
	coll, id, ok := strings.Cut(s, "/")
	if !ok || coll == "" || id == "" {
		return EntityKey{}, fmt.Errorf("invalid entity key %q: want collection/id", s)
	}
	return EntityKey{Collection: coll, ID: id}, nil
}

// SourceKind tags the mechanism a capture adapter observes writes through.
type SourceKind string

const (
	// SourceHook is an application-level save hook. Fires before the
	// transaction commits and may miss raw SQL writes entirely.
	SourceHook SourceKind = "hook"
	// SourceTrigger is a database trigger. Fires inside the transaction
	// and reliably carries prior state.
	SourceTrigger SourceKind = "trigger"
	// SourceLogStream is a write-ahead-log reader. Observes writes after
	// commit with strictly increasing log positions.
	SourceLogStream SourceKind = "logstream"
)

// Valid reports whether the kind is one of the known values.
func (k SourceKind) Valid() bool {
	switch k {
	case SourceHook, SourceTrigger, SourceLogStream:
		return true
	}
	return false
}

// Source identifies a capture adapter instance. Immutable once assigned.
type Source struct {
	ID   string     `json:"id"`
	Kind SourceKind `json:"kind"`
}

// Op is the kind of mutation a change event describes.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Valid reports whether the operation is one of the known values.
func (o Op) Valid() bool {
	switch o {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// State is a record snapshot: column or field name to value. A nil State
// means "no snapshot" (prior on create, new on delete).
type State map[string]any

// ChangeEvent is the canonical, source-independent description of one
// observed write. Immutable once constructed.
type ChangeEvent struct {
	// ID is a UUIDv7 assigned at normalization, time-sortable for
	// debugging. It is NOT the dedup identity; see IdempotencyKey.
	ID     string    `json:"id"`
	Entity EntityKey `json:"entity"`
	Op     Op        `json:"op"`
	// Prior is the pre-write snapshot. Nil for create, and possibly nil
	// for update/delete when the source could not supply it.
	Prior State `json:"prior,omitempty"`
	// New is the post-write snapshot. Nil for delete.
	New    State  `json:"new,omitempty"`
	Source Source `json:"source"`
	// Token is the source-local sequence token (log position, transaction
	// id). Empty when the source has none (application hooks).
	Token      string    `json:"token,omitempty"`
	ObservedAt time.Time `json:"observed_at"`
}

// AuditRecord is a ChangeEvent accepted into the ledger: assigned a global
// sequence number, a store timestamp, and its idempotency key. Never
// mutated after append.
type AuditRecord struct {
	Seq            int64       `json:"seq"`
	Event          ChangeEvent `json:"event"`
	IdempotencyKey string      `json:"idempotency_key"`
	StoredAt       time.Time   `json:"stored_at"`
	// Reordered marks a record committed past the reorder-hold timeout,
	// i.e. its source-token predecessor never arrived in time.
	Reordered bool `json:"reordered,omitempty"`
}

// Watermark is a per-source resume point: the highest source-local token
// fully absorbed into the ledger.
type Watermark struct {
	SourceID string `json:"source_id"`
	Token    string `json:"token"`
}

// DriftKind classifies a divergence between replayed and live state.
type DriftKind string

const (
	// DriftMissing: the ledger implies the entity exists, the live store
	// has no row.
	DriftMissing DriftKind = "missing"
	// DriftUnexpected: the live store has a row the ledger says was never
	// created or was deleted.
	DriftUnexpected DriftKind = "unexpected"
	// DriftMismatch: both sides have state and it differs.
	DriftMismatch DriftKind = "mismatch"
)

// DriftReport records one detected divergence. Ephemeral: reported, never
// persisted in the ledger, never auto-corrected.
type DriftReport struct {
	Entity     EntityKey `json:"entity"`
	Kind       DriftKind `json:"kind"`
	Expected   State     `json:"expected,omitempty"`
	Observed   State     `json:"observed,omitempty"`
	UpToSeq    int64     `json:"up_to_seq"`
	DetectedAt time.Time `json:"detected_at"`
}
