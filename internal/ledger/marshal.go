package ledger

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dVeza/changetrail/internal/change"
)

// marshalState converts a snapshot to canonical JSON TEXT for storage.
// A nil state maps to SQL NULL so "no snapshot" survives round-trips
// distinct from an empty object.
func marshalState(s change.State) (sql.NullString, error) {
	if s == nil {
		return sql.NullString{}, nil
	}
	data, err := change.MarshalCanonical(s)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal state: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// unmarshalState parses JSON TEXT back into a snapshot.
// Uses json.Number to avoid float64 precision loss for values > 2^53;
// canonical re-serialization normalizes the literals back.
func unmarshalState(ns sql.NullString) (change.State, error) {
	if !ns.Valid {
		return nil, nil
	}
	dec := json.NewDecoder(strings.NewReader(ns.String))
	dec.UseNumber()
	var s change.State
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	return s, nil
}

// marshalTime renders timestamps as RFC 3339 with nanoseconds in UTC.
// TEXT storage keeps the column human-inspectable and sorts correctly.
func marshalTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func unmarshalTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("unmarshal time %q: %w", s, err)
	}
	return t, nil
}
