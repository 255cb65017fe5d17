package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dVeza/changetrail/internal/change"
)

// Watermark returns the resume point for a source. ok=false means the
// source has never absorbed anything - adapters start from the beginning.
func (s *Store) Watermark(ctx context.Context, sourceID string) (wm change.Watermark, ok bool, err error) {
	var token string
	err = s.db.QueryRowContext(ctx, `
		SELECT token FROM watermarks WHERE source_id = ?
	`, sourceID).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return change.Watermark{SourceID: sourceID}, false, nil
	}
	if err != nil {
		return change.Watermark{}, false, fmt.Errorf("get watermark: %w", err)
	}
	return change.Watermark{SourceID: sourceID, Token: token}, true, nil
}

// SetWatermark records the highest source-local token fully absorbed for a
// source. Upsert: the row is created on first absorb.
func (s *Store) SetWatermark(ctx context.Context, wm change.Watermark) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO watermarks (source_id, token, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(source_id) DO UPDATE SET
			token = excluded.token,
			updated_at = excluded.updated_at
	`, wm.SourceID, wm.Token, marshalTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("set watermark: %w", err)
	}
	return nil
}

// ConsumerOffset returns the global sequence number up to which a consumer
// has acknowledged delivery. 0 for an unknown consumer.
func (s *Store) ConsumerOffset(ctx context.Context, consumerID string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT acked_seq FROM consumer_offsets WHERE consumer_id = ?
	`, consumerID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get consumer offset: %w", err)
	}
	return seq, nil
}

// SetConsumerOffset persists a consumer's acknowledged sequence number.
// Offsets never move backwards: a stale ack (lower than the stored offset)
// is a no-op rather than a regression.
func (s *Store) SetConsumerOffset(ctx context.Context, consumerID string, seq int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO consumer_offsets (consumer_id, acked_seq, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(consumer_id) DO UPDATE SET
			acked_seq = excluded.acked_seq,
			updated_at = excluded.updated_at
		WHERE excluded.acked_seq > consumer_offsets.acked_seq
	`, consumerID, seq, marshalTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("set consumer offset: %w", err)
	}
	return nil
}
