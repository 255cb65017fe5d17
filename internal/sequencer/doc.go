// Package sequencer merges change events from independent, partially
// overlapping capture sources into a single committed order per entity.
//
// The stage is sharded by EntityKey: every event for one entity is handled
// by exactly one shard goroutine, so per-entity ordering decisions are
// made single-threaded while distinct entities proceed in parallel. All
// mutation of shard state happens inside the shard's run loop.
//
// Two mechanisms do the merging:
//
// Dedup window: a sliding set (bounded by age and count) of the
// idempotency keys committed recently. A committed write is registered
// under both its token-based key and its content-based key, so a
// token-less hook report of a write collapses against the trigger report
// that committed first. The ledger's UNIQUE constraint is the durable
// backstop for duplicates that outlive the window or a restart.
//
// Reorder hold: within one source, tokens define true write order. An
// event that leaves a numeric gap behind the last committed token for its
// (entity, source) is held until the gap fills or reorderHoldTimeout
// elapses, after which it is committed flagged as a detected reordering -
// never dropped. Events from different sources are ordered by observation
// time with a configurable source-priority tie-break.
package sequencer
