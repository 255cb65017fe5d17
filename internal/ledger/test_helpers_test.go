package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/dVeza/changetrail/internal/change"
)

// createTestStore creates a store backed by a temp-dir database.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestEvent creates an update event for book/<id> with the given
// source token.
func createTestEvent(id, token string) change.ChangeEvent {
	return change.ChangeEvent{
		ID:         "ev-" + id + "-" + token,
		Entity:     change.EntityKey{Collection: "book", ID: id},
		Op:         change.OpUpdate,
		Prior:      change.State{"title": "Dune"},
		New:        change.State{"title": "Dune Messiah"},
		Source:     change.Source{ID: "trigger-main", Kind: change.SourceTrigger},
		Token:      token,
		ObservedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

// mustAppend appends and fails the test on error or duplicate.
func mustAppend(t *testing.T, s *Store, ev change.ChangeEvent) change.AuditRecord {
	t.Helper()
	rec, inserted, err := s.Append(context.Background(), ev, change.MustIdempotencyKey(ev), false)
	if err != nil {
		t.Fatalf("Append() failed: %v", err)
	}
	if !inserted {
		t.Fatalf("Append() reported duplicate for %v", ev)
	}
	return rec
}
