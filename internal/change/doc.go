// Package change defines the canonical data model shared by every stage of
// the audit pipeline: entity identity, change events, audit records, drift
// reports, and the content-addressed idempotency keys used to collapse
// duplicate reports of one underlying write.
//
// Events are immutable once constructed. Identity derivation
// (IdempotencyKey) relies on canonical JSON serialization so that two
// adapters observing the same write produce byte-identical hash input
// regardless of process, platform, or map iteration order.
package change
