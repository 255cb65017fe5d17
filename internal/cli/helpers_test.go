package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dVeza/changetrail/internal/change"
	"github.com/dVeza/changetrail/internal/ledger"
)

// seedLedger creates a temp ledger with a short history for book/b-1 and
// returns the path of a config file pointing at it.
func seedLedger(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	dbPath := filepath.Join(dir, "trail.db")

	store, err := ledger.Open(dbPath)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	events := []change.ChangeEvent{
		{
			ID:     "ev-1",
			Entity: change.EntityKey{Collection: "books", ID: "b-1"},
			Op:     change.OpCreate,
			New:    change.State{"title": "Dune"},
			Source: change.Source{ID: "pg-trigger", Kind: change.SourceTrigger},
			Token:  "1",
		},
		{
			ID:     "ev-2",
			Entity: change.EntityKey{Collection: "books", ID: "b-1"},
			Op:     change.OpUpdate,
			Prior:  change.State{"title": "Dune"},
			New:    change.State{"title": "Dune Messiah"},
			Source: change.Source{ID: "pg-trigger", Kind: change.SourceTrigger},
			Token:  "2",
		},
	}
	for i := range events {
		events[i].ObservedAt = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
		key, err := change.IdempotencyKey(events[i])
		require.NoError(t, err)
		_, inserted, err := store.Append(ctx, events[i], key, false)
		require.NoError(t, err)
		require.True(t, inserted)
	}

	cfgPath := filepath.Join(dir, "config.yaml")
	cfg := "ledger:\n  path: " + dbPath + "\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o644))
	return cfgPath
}

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	buf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

// decodeResponse parses a JSON CLI response.
func decodeResponse(t *testing.T, raw string) CLIResponse {
	t.Helper()
	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(raw), &resp))
	return resp
}
