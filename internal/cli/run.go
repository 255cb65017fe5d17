package cli

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dVeza/changetrail/internal/ledger"
	"github.com/dVeza/changetrail/internal/pipeline"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the change trail service",
		Long: `Open the ledger and run the pipeline until interrupted.

Capture adapters registered programmatically feed the trail; this command
keeps delivery, compaction, and offset persistence running for a ledger
that is also written to by embedded integrations.

Exit codes:
  0 - Clean shutdown
  2 - Command error (config invalid, ledger unavailable)

Examples:
  changetrail run --config changetrail.yaml
  changetrail run -c changetrail.yaml --verbose`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, opts)
		},
	}
	return cmd
}

func runRun(cmd *cobra.Command, opts *RunOptions) error {
	cfg, err := opts.LoadConfig()
	if err != nil {
		return WrapExitError(ExitCommandError, "loading config", err)
	}
	logger := opts.NewLogger(cfg)

	store, err := ledger.Open(cfg.Ledger.Path)
	if err != nil {
		return WrapExitError(ExitCommandError, "opening ledger", err)
	}
	defer store.Close()

	p := pipeline.New(store, nil, cfg, pipeline.WithLogger(logger))

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := p.Run(ctx); err != nil {
		return WrapExitError(ExitCommandError, "pipeline failed", err)
	}
	return nil
}
