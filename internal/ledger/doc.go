// Package ledger provides the SQLite-backed audit log store: an
// append-only, strictly-ordered, durable record of accepted change events,
// plus the small keyed state the pipeline needs to survive restarts
// (per-source watermarks, per-consumer offsets) and the dead-letter table
// for quarantined input and exhausted deliveries.
//
// # Critical Patterns
//
// Idempotent append
//   - UNIQUE(idempotency_key) on audit_records
//   - INSERT ... ON CONFLICT DO NOTHING; the caller learns via the
//     inserted flag whether the write was a duplicate
//
// Gap-free global sequence
//   - seq assigned as MAX(seq)+1 inside the append transaction on a
//     single-writer connection; AUTOINCREMENT is not used because it may
//     skip values on rollback
//
// Deterministic query results
//   - All multi-row queries ORDER BY seq ASC
//   - Empty result sets return empty slices, never nil
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON
//
// Idempotency keys are computed in internal/change using canonical JSON
// and SHA-256 with domain separation.
package ledger
