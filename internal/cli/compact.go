package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dVeza/changetrail/internal/ledger"
)

// CompactOptions holds flags for the compact command.
type CompactOptions struct {
	*RootOptions
	Horizon time.Duration
}

// CompactResult holds the outcome of one compaction pass.
type CompactResult struct {
	Removed int64  `json:"removed"`
	Horizon string `json:"horizon"`
}

// NewCompactCommand creates the compact command.
func NewCompactCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompactOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compact",
		Short: "Remove superseded audit records older than the horizon",
		Long: `Delete records older than the compaction horizon, always keeping
each entity's latest record so replay of current state stays correct.
Assigned sequence numbers are never reused.

Exit codes:
  0 - Compaction completed
  2 - Command error

Examples:
  changetrail compact --config changetrail.yaml
  changetrail compact --horizon 168h`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompact(cmd, opts)
		},
	}

	cmd.Flags().DurationVar(&opts.Horizon, "horizon", 0, "age cutoff (default: config compaction_horizon)")
	return cmd
}

func runCompact(cmd *cobra.Command, opts *CompactOptions) error {
	cfg, err := opts.LoadConfig()
	if err != nil {
		return WrapExitError(ExitCommandError, "loading config", err)
	}

	horizon := opts.Horizon
	if horizon <= 0 {
		horizon = cfg.CompactionHorizon.Std()
	}

	store, err := ledger.Open(cfg.Ledger.Path)
	if err != nil {
		return WrapExitError(ExitCommandError, "opening ledger", err)
	}
	defer store.Close()

	removed, err := store.Compact(cmd.Context(), horizon)
	if err != nil {
		return WrapExitError(ExitCommandError, "compacting ledger", err)
	}

	out := &OutputFormatter{
		Format:  opts.Format,
		Writer:  cmd.OutOrStdout(),
		Verbose: opts.Verbose,
	}
	result := CompactResult{Removed: removed, Horizon: horizon.String()}
	if opts.Format == "json" {
		return out.Success(result)
	}
	fmt.Fprintf(out.Writer, "removed %d records older than %s\n", removed, horizon)
	return nil
}
