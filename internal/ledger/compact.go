package ledger

import (
	"context"
	"fmt"
	"time"
)

// Compact deletes audit records stored before the horizon, keeping the
// latest record per entity regardless of age so replay still yields each
// entity's final state.
//
// Compaction only removes rows. Surviving records keep their sequence
// numbers; nothing is reordered or renumbered. The gap-free invariant
// applies to the append path, not to retention.
//
// Returns the number of records removed.
func (s *Store) Compact(ctx context.Context, horizon time.Duration) (int64, error) {
	if horizon <= 0 {
		return 0, fmt.Errorf("compact: horizon must be positive, got %v", horizon)
	}

	cutoff := marshalTime(time.Now().UTC().Add(-horizon))

	result, err := s.db.ExecContext(ctx, `
		DELETE FROM audit_records
		WHERE stored_at < ?
		AND seq NOT IN (
			SELECT MAX(seq) FROM audit_records GROUP BY collection, entity_id
		)
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("compact: %w", err)
	}

	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("compact: rows affected: %w", err)
	}

	return removed, nil
}
