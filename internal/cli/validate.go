package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dVeza/changetrail/internal/config"
)

// ValidateOptions holds flags for the validate command.
type ValidateOptions struct {
	*RootOptions
}

// ValidateResult holds the outcome of config validation.
type ValidateResult struct {
	Path     string   `json:"path"`
	Valid    bool     `json:"valid"`
	Problems []string `json:"problems,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ValidateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "validate <config-file>",
		Short: "Validate a configuration file against the schema",
		Long: `Check a YAML configuration file against the embedded schema and
report every structural problem with its file position.

Exit codes:
  0 - Config is valid
  1 - Config failed validation
  2 - Command error (file unreadable)

Examples:
  changetrail validate changetrail.yaml
  changetrail validate changetrail.yaml --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, opts, args[0])
		},
	}
	return cmd
}

func runValidate(cmd *cobra.Command, opts *ValidateOptions, path string) error {
	out := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	_, err := config.Load(path)
	if err == nil {
		if opts.Format == "json" {
			return out.Success(ValidateResult{Path: path, Valid: true})
		}
		fmt.Fprintf(out.Writer, "%s: valid\n", path)
		return nil
	}

	var verr *config.ValidationError
	if errors.As(err, &verr) {
		result := ValidateResult{Path: path, Valid: false, Problems: verr.Problems}
		if opts.Format == "json" {
			if err := out.Success(result); err != nil {
				return err
			}
		} else {
			fmt.Fprintf(out.Writer, "%s: invalid\n", path)
			for _, p := range verr.Problems {
				fmt.Fprintf(out.Writer, "  %s\n", p)
			}
		}
		return NewExitError(ExitFailure, fmt.Sprintf("%d problems in %s", len(verr.Problems), path))
	}
	return WrapExitError(ExitCommandError, "reading config", err)
}
