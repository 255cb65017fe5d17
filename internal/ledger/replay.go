package ledger

import (
	"context"
	"fmt"

	"github.com/dVeza/changetrail/internal/change"
)

// ReplayState folds an entity's audit records up to upToSeq into the state
// the ledger implies the live store should hold. An upToSeq <= 0 means
// "through the end of the ledger".
//
// Fold rules: create and update install the record's new-state snapshot;
// delete removes the entity. exists=false with a nil state means the ledger
// implies the entity is absent (never created, or deleted).
//
// The fold is deterministic: records are consumed in global sequence order
// and the result depends only on ledger contents, never on wall time.
func (s *Store) ReplayState(ctx context.Context, key change.EntityKey, upToSeq int64) (state change.State, exists bool, err error) {
	records, err := s.ReadForEntity(ctx, key, upToSeq)
	if err != nil {
		return nil, false, fmt.Errorf("replay state: %w", err)
	}

	for _, rec := range records {
		switch rec.Event.Op {
		case change.OpCreate, change.OpUpdate:
			state = rec.Event.New
			exists = true
		case change.OpDelete:
			state = nil
			exists = false
		}
	}

	return state, exists, nil
}
