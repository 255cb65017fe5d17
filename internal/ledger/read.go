package ledger

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dVeza/changetrail/internal/change"
)

const selectRecordSQL = `
	SELECT seq, idempotency_key, event_id, collection, entity_id, op,
	       prior_state, new_state, source_id, source_kind, source_token,
	       observed_at, stored_at, reordered
	FROM audit_records
`

// Read returns up to limit records with seq > fromSeq in sequence order.
// A limit <= 0 means no limit. This is the dispatcher's cursor: calling
// Read again with the last returned seq resumes exactly where the previous
// call stopped.
//
// Returns an empty slice (not nil) when no records match.
func (s *Store) Read(ctx context.Context, fromSeq int64, limit int) ([]change.AuditRecord, error) {
	query := selectRecordSQL + `
		WHERE seq > ?
		ORDER BY seq ASC
	`
	args := []any{fromSeq}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	return collectRecords(rows)
}

// ReadForEntity returns all records for one entity with seq <= upToSeq in
// sequence order. An upToSeq <= 0 means no upper bound. Supports the
// reconciler's replay and the inspection interface.
//
// Returns an empty slice (not nil) when no records match.
func (s *Store) ReadForEntity(ctx context.Context, key change.EntityKey, upToSeq int64) ([]change.AuditRecord, error) {
	query := selectRecordSQL + `
		WHERE collection = ? AND entity_id = ?
	`
	args := []any{key.Collection, key.ID}
	if upToSeq > 0 {
		query += ` AND seq <= ?`
		args = append(args, upToSeq)
	}
	query += ` ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query entity records: %w", err)
	}
	defer rows.Close()

	return collectRecords(rows)
}

// MaxSeq returns the highest assigned global sequence number, 0 when the
// ledger is empty.
func (s *Store) MaxSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) FROM audit_records
	`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("max seq: %w", err)
	}
	return seq, nil
}

// Entities returns up to limit distinct entity keys present in the ledger,
// ordered by collection then id for determinism. A limit <= 0 returns all.
// Used by the reconciler to pick its sample.
func (s *Store) Entities(ctx context.Context, limit int) ([]change.EntityKey, error) {
	query := `
		SELECT DISTINCT collection, entity_id
		FROM audit_records
		ORDER BY collection ASC, entity_id ASC
	`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query entities: %w", err)
	}
	defer rows.Close()

	var keys []change.EntityKey
	for rows.Next() {
		var k change.EntityKey
		if err := rows.Scan(&k.Collection, &k.ID); err != nil {
			return nil, fmt.Errorf("scan entity key: %w", err)
		}
		keys = append(keys, k)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entities: %w", err)
	}

	if keys == nil {
		keys = []change.EntityKey{}
	}

	return keys, nil
}

// collectRecords drains rows into a slice, returning an empty slice
// instead of nil.
func collectRecords(rows *sql.Rows) ([]change.AuditRecord, error) {
	var records []change.AuditRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}

	if records == nil {
		records = []change.AuditRecord{}
	}

	return records, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanAuditRecord(sc scanner) (change.AuditRecord, error) {
	var (
		rec        change.AuditRecord
		op         string
		kind       string
		priorJSON  sql.NullString
		newJSON    sql.NullString
		observedAt string
		storedAt   string
		reordered  int
	)

	if err := sc.Scan(
		&rec.Seq, &rec.IdempotencyKey, &rec.Event.ID,
		&rec.Event.Entity.Collection, &rec.Event.Entity.ID, &op,
		&priorJSON, &newJSON,
		&rec.Event.Source.ID, &kind, &rec.Event.Token,
		&observedAt, &storedAt, &reordered,
	); err != nil {
		return change.AuditRecord{}, err
	}

	rec.Event.Op = change.Op(op)
	rec.Event.Source.Kind = change.SourceKind(kind)
	rec.Reordered = reordered != 0

	prior, err := unmarshalState(priorJSON)
	if err != nil {
		return change.AuditRecord{}, err
	}
	rec.Event.Prior = prior

	newState, err := unmarshalState(newJSON)
	if err != nil {
		return change.AuditRecord{}, err
	}
	rec.Event.New = newState

	rec.Event.ObservedAt, err = unmarshalTime(observedAt)
	if err != nil {
		return change.AuditRecord{}, err
	}
	rec.StoredAt, err = unmarshalTime(storedAt)
	if err != nil {
		return change.AuditRecord{}, err
	}

	return rec, nil
}

// scanRecord scans a multi-row result into an AuditRecord.
func scanRecord(rows *sql.Rows) (change.AuditRecord, error) {
	rec, err := scanAuditRecord(rows)
	if err != nil {
		return change.AuditRecord{}, fmt.Errorf("scan record: %w", err)
	}
	return rec, nil
}

// scanRecordRow scans a single row into an AuditRecord.
// Returns sql.ErrNoRows unwrapped so callers can match on it.
func scanRecordRow(row *sql.Row) (change.AuditRecord, error) {
	return scanAuditRecord(row)
}
