package ledger

import (
	"context"
	"fmt"
	"time"
)

// DeadLetter is a quarantined item: malformed input the normalizer
// rejected, or a delivery a consumer exhausted its retries on. Preserved
// for inspection, never silently dropped.
type DeadLetter struct {
	ID    int64  `json:"id"`
	Stage string `json:"stage"`
	// Scope narrows the stage: the consumer ID for dispatch dead letters,
	// the source ID for normalize dead letters.
	Scope     string    `json:"scope,omitempty"`
	Reason    string    `json:"reason"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// Dead-letter stages.
const (
	StageNormalize = "normalize"
	StageDispatch  = "dispatch"
)

// WriteDeadLetter quarantines an item. Payload is an opaque rendering of
// whatever failed (JSON of the provisional record or audit record).
func (s *Store) WriteDeadLetter(ctx context.Context, stage, scope, reason, payload string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO dead_letters (stage, scope, reason, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, stage, scope, reason, payload, marshalTime(time.Now().UTC()))
	if err != nil {
		return 0, fmt.Errorf("write dead letter: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("write dead letter: last insert id: %w", err)
	}
	return id, nil
}

// DeadLetters returns dead letters created at or after since, oldest
// first. A zero since returns everything.
//
// Returns an empty slice (not nil) when nothing matches.
func (s *Store) DeadLetters(ctx context.Context, since time.Time) ([]DeadLetter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, stage, scope, reason, payload, created_at
		FROM dead_letters
		WHERE created_at >= ?
		ORDER BY id ASC
	`, marshalTime(since))
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	var letters []DeadLetter
	for rows.Next() {
		var (
			dl        DeadLetter
			createdAt string
		)
		if err := rows.Scan(&dl.ID, &dl.Stage, &dl.Scope, &dl.Reason, &dl.Payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		dl.CreatedAt, err = unmarshalTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		letters = append(letters, dl)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}

	if letters == nil {
		letters = []DeadLetter{}
	}

	return letters, nil
}
