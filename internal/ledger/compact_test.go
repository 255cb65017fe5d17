package ledger

import (
	"context"
	"testing"
	"time"
)

// ageRecord backdates a record's stored_at so it falls behind the horizon.
func ageRecord(t *testing.T, s *Store, seq int64, age time.Duration) {
	t.Helper()
	_, err := s.db.Exec(
		`UPDATE audit_records SET stored_at = ? WHERE seq = ?`,
		marshalTime(time.Now().UTC().Add(-age)), seq,
	)
	if err != nil {
		t.Fatalf("backdate seq %d: %v", seq, err)
	}
}

func TestCompact_KeepsLatestPerEntity(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	r1 := mustAppend(t, s, createTestEvent("7", "100"))
	r2 := mustAppend(t, s, createTestEvent("7", "101"))
	r3 := mustAppend(t, s, createTestEvent("9", "100"))

	// Everything is ancient; the latest record per entity must survive.
	for _, seq := range []int64{r1.Seq, r2.Seq, r3.Seq} {
		ageRecord(t, s, seq, 48*time.Hour)
	}

	removed, err := s.Compact(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("Compact() failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}

	records, err := s.Read(ctx, 0, 0)
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d survivors, want 2", len(records))
	}

	// Survivors keep their original sequence numbers.
	if records[0].Seq != r2.Seq || records[1].Seq != r3.Seq {
		t.Errorf("survivor seqs = %d,%d, want %d,%d",
			records[0].Seq, records[1].Seq, r2.Seq, r3.Seq)
	}
}

func TestCompact_FreshRecordsUntouched(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	mustAppend(t, s, createTestEvent("7", "100"))
	mustAppend(t, s, createTestEvent("7", "101"))

	removed, err := s.Compact(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("Compact() failed: %v", err)
	}
	if removed != 0 {
		t.Errorf("removed = %d, want 0", removed)
	}
}

func TestCompact_NewSeqContinuesAfterCompaction(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	r1 := mustAppend(t, s, createTestEvent("7", "100"))
	r2 := mustAppend(t, s, createTestEvent("7", "101"))
	ageRecord(t, s, r1.Seq, 48*time.Hour)

	if _, err := s.Compact(ctx, 24*time.Hour); err != nil {
		t.Fatalf("Compact() failed: %v", err)
	}

	// Appends after compaction continue from the surviving maximum;
	// sequence numbers are never reused out of order.
	r3 := mustAppend(t, s, createTestEvent("7", "102"))
	if r3.Seq != r2.Seq+1 {
		t.Errorf("seq after compaction = %d, want %d", r3.Seq, r2.Seq+1)
	}
}

func TestCompact_RejectsNonPositiveHorizon(t *testing.T) {
	s := createTestStore(t)

	if _, err := s.Compact(context.Background(), 0); err == nil {
		t.Error("expected error for zero horizon")
	}
}
