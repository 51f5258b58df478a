package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/inflow/internal/config"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid bool   `json:"valid"`
	Path  string `json:"path,omitempty"`
	Error string `json:"error,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <config.yaml>",
		Short: "Validate a job configuration without running it",
		Long: `Validate a job configuration against the embedded schema.

Checks the document shape, the value constraints and the input
definitions without opening any input file.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, configPath string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	if _, err := os.Stat(configPath); err != nil {
		_ = formatter.Error(err.Error(), nil)
		return WrapExitError(ExitCommandError, "configuration not readable", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return outputValidationError(formatter, configPath, err)
	}

	formatter.VerboseLog("process %s version %s, %d input(s)",
		cfg.Process.Name, cfg.Process.Version, len(cfg.Inputs))
	return outputValidateSuccess(formatter, configPath)
}

func outputValidateSuccess(formatter *OutputFormatter, path string) error {
	if formatter.Format == "json" {
		return formatter.Success(ValidationResult{Valid: true, Path: path})
	}
	fmt.Fprintln(formatter.Writer, "configuration valid")
	return nil
}

func outputValidationError(formatter *OutputFormatter, path string, err error) error {
	var verr *config.ValidationError
	if errors.As(err, &verr) {
		_ = formatter.Error(verr.Error(), verr.Path)
	} else {
		_ = formatter.Error(err.Error(), nil)
	}
	if formatter.Format != "json" {
		fmt.Fprintln(formatter.Writer, "configuration invalid")
	}
	return WrapExitError(ExitFailure, fmt.Sprintf("validation failed for %s", path), err)
}
