package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dVeza/changetrail/internal/change"
	"github.com/dVeza/changetrail/internal/ledger"
	"github.com/dVeza/changetrail/internal/reconcile"
)

// DriftOptions holds flags for the drift command.
type DriftOptions struct {
	*RootOptions
	SnapshotPath string
	SampleSize   int
}

// DriftResult holds the outcome of one drift scan.
type DriftResult struct {
	Checked int                  `json:"checked"`
	Reports []change.DriftReport `json:"reports"`
}

// NewDriftCommand creates the drift command.
func NewDriftCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DriftOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "drift",
		Short: "Compare replayed trail state against a live-store snapshot",
		Long: `Run one drift scan: replay every sampled entity from the audit trail
and compare against the live states in the snapshot file.

The snapshot file is a JSON object keyed by "collection/id", each value
the entity's current live state (null for deleted-but-present rows is not
possible; omit absent entities).

Exit codes:
  0 - No drift detected
  1 - Drift detected
  2 - Command error (ledger or snapshot file unavailable)

Examples:
  changetrail drift --snapshots live.json --config changetrail.yaml
  changetrail drift --snapshots live.json --sample 1000 --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDrift(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.SnapshotPath, "snapshots", "", "JSON file of live entity states (required)")
	cmd.Flags().IntVar(&opts.SampleSize, "sample", 0, "max entities to check (0 = all)")
	_ = cmd.MarkFlagRequired("snapshots")
	return cmd
}

// fileSnapshots adapts a parsed snapshot dump to the reader contract.
type fileSnapshots struct {
	states map[string]change.State
}

func (f *fileSnapshots) Snapshot(_ context.Context, key change.EntityKey) (change.State, bool, error) {
	st, ok := f.states[key.String()]
	return st, ok, nil
}

func runDrift(cmd *cobra.Command, opts *DriftOptions) error {
	cfg, err := opts.LoadConfig()
	if err != nil {
		return WrapExitError(ExitCommandError, "loading config", err)
	}

	data, err := os.ReadFile(opts.SnapshotPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "reading snapshots", err)
	}
	var states map[string]change.State
	if err := json.Unmarshal(data, &states); err != nil {
		return WrapExitError(ExitCommandError, "parsing snapshots", err)
	}

	store, err := ledger.Open(cfg.Ledger.Path)
	if err != nil {
		return WrapExitError(ExitCommandError, "opening ledger", err)
	}
	defer store.Close()

	out := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	r := reconcile.New(store, &fileSnapshots{states: states}, reconcile.Config{
		SampleSize: opts.SampleSize,
	})
	reports, err := r.CheckOnce(cmd.Context())
	if err != nil {
		return WrapExitError(ExitCommandError, "drift scan", err)
	}

	entities, err := store.Entities(cmd.Context(), opts.SampleSize)
	if err != nil {
		return WrapExitError(ExitCommandError, "listing entities", err)
	}
	result := DriftResult{Checked: len(entities), Reports: reports}

	if opts.Format == "json" {
		if err := out.Success(result); err != nil {
			return err
		}
	} else {
		if len(reports) == 0 {
			fmt.Fprintf(out.Writer, "no drift across %d entities\n", result.Checked)
		} else {
			for _, rep := range reports {
				fmt.Fprintf(out.Writer, "%-10s  %s  (up to seq %d)\n", rep.Kind, rep.Entity, rep.UpToSeq)
			}
			fmt.Fprintf(out.Writer, "%d drifted of %d checked\n", len(reports), result.Checked)
		}
	}

	if len(reports) > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d entities drifted", len(reports)))
	}
	return nil
}
