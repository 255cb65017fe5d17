package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/dVeza/changetrail/internal/change"
)

// Append assigns the next global sequence number to a change event and
// persists it as an AuditRecord. Returns the stored record and whether a
// new row was inserted.
//
// Sequence assignment is MAX(seq)+1 inside the transaction; combined with
// the single-writer connection this makes the sequence strictly increasing
// and gap-free.
//
// Uses ON CONFLICT(idempotency_key) DO NOTHING: appending a duplicate of
// an already-committed write returns the existing record and
// inserted=false. This is the durable line of dedup defense - it holds
// even when the in-memory dedup window was lost to a restart.
func (s *Store) Append(ctx context.Context, ev change.ChangeEvent, idempotencyKey string, reordered bool) (rec change.AuditRecord, inserted bool, err error) {
	priorJSON, err := marshalState(ev.Prior)
	if err != nil {
		return change.AuditRecord{}, false, fmt.Errorf("append: %w", err)
	}
	newJSON, err := marshalState(ev.New)
	if err != nil {
		return change.AuditRecord{}, false, fmt.Errorf("append: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return change.AuditRecord{}, false, fmt.Errorf("append: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	storedAt := time.Now().UTC()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO audit_records
		(seq, idempotency_key, event_id, collection, entity_id, op,
		 prior_state, new_state, source_id, source_kind, source_token,
		 observed_at, stored_at, reordered)
		SELECT COALESCE(MAX(seq), 0) + 1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		FROM audit_records
		WHERE true -- SQLite requires a WHERE between INSERT..SELECT and ON CONFLICT
		ON CONFLICT(idempotency_key) DO NOTHING
	`,
		idempotencyKey,
		ev.ID,
		ev.Entity.Collection,
		ev.Entity.ID,
		string(ev.Op),
		priorJSON,
		newJSON,
		ev.Source.ID,
		string(ev.Source.Kind),
		ev.Token,
		marshalTime(ev.ObservedAt),
		marshalTime(storedAt),
		boolToInt(reordered),
	)
	if err != nil {
		return change.AuditRecord{}, false, fmt.Errorf("append: insert: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return change.AuditRecord{}, false, fmt.Errorf("append: rows affected: %w", err)
	}

	if rowsAffected == 0 {
		// Conflict - this write was already committed. Return the record
		// that holds the idempotency key.
		row := tx.QueryRowContext(ctx, selectRecordSQL+`
			WHERE idempotency_key = ?
		`, idempotencyKey)
		rec, err = scanRecordRow(row)
		if err != nil {
			return change.AuditRecord{}, false, fmt.Errorf("append: select existing: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return change.AuditRecord{}, false, fmt.Errorf("append: commit (existing): %w", err)
		}
		return rec, false, nil
	}

	seq, err := result.LastInsertId()
	if err != nil {
		return change.AuditRecord{}, false, fmt.Errorf("append: last insert id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return change.AuditRecord{}, false, fmt.Errorf("append: commit: %w", err)
	}

	return change.AuditRecord{
		Seq:            seq,
		Event:          ev,
		IdempotencyKey: idempotencyKey,
		StoredAt:       storedAt,
		Reordered:      reordered,
	}, true, nil
}

// HasRecord checks whether an idempotency key is already committed.
// The sequencer consults this when its in-memory window cannot answer
// (e.g. right after restart).
func (s *Store) HasRecord(ctx context.Context, idempotencyKey string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM audit_records WHERE idempotency_key = ?
	`, idempotencyKey).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check record: %w", err)
	}
	return count > 0, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
