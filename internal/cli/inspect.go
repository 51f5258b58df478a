package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/inflow/internal/hier"
	"github.com/roach88/inflow/internal/runner"
	"github.com/roach88/inflow/internal/source"
	"github.com/roach88/inflow/internal/sqlsource"
)

// InspectResult summarizes the metadata of one input file.
type InspectResult struct {
	Path          string   `json:"path"`
	Runs          []uint32 `json:"runs"`
	Branches      []string `json:"branches"`
	BranchIDLists int      `json:"branch_id_lists"`
	ProcessBlocks []string `json:"process_blocks"`
	Histories     int      `json:"histories"`
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect <file.db>",
		Short: "Show the runs and registered metadata of an input file",
		Long: `Show the metadata an input file contributes at open time: its runs,
branch registrations, branch-id lists, process blocks and provenance
histories. Events are not read.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runInspect(opts *RootOptions, path string, cmd *cobra.Command) error {
	if _, err := os.Stat(path); err != nil {
		return WrapExitError(ExitCommandError, "input not readable", err)
	}

	cfg := source.Config{
		MaxEvents:      source.Unlimited,
		MaxLumis:       source.Unlimited,
		Mode:           source.Runs,
		ProcessName:    "INSPECT",
		ProcessVersion: "dev",
	}
	src := source.New(sqlsource.New([]string{path}), cfg, source.Collaborators{})

	var runs []uint32
	obs := runner.Observer{
		RunBegin: func(rp *hier.RunPrincipal, merged bool) {
			if !merged {
				runs = append(runs, uint32(rp.Run()))
			}
		},
	}
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, err := runner.New(src, runner.WithLogger(quiet), runner.WithObserver(obs)).Run(cmd.Context()); err != nil {
		return WrapExitError(ExitFailure, "cannot read input", err)
	}

	result := InspectResult{
		Path:          path,
		Runs:          runs,
		Branches:      src.ProductRegistry().BranchNames(),
		BranchIDLists: src.BranchIDListHelper().Len(),
		ProcessBlocks: src.ProcessBlockHelper().ProcessNames(),
		Histories:     src.ProcessHistoryRegistry().Len(),
	}

	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
	if formatter.Format == "json" {
		return formatter.Success(result)
	}

	out := formatter.Writer
	fmt.Fprintf(out, "file: %s\n", result.Path)
	fmt.Fprintf(out, "runs: %s\n", joinUint32(result.Runs))
	fmt.Fprintf(out, "branches: %d\n", len(result.Branches))
	for _, b := range result.Branches {
		fmt.Fprintf(out, "  %s\n", b)
	}
	fmt.Fprintf(out, "branch id lists: %d\n", result.BranchIDLists)
	fmt.Fprintf(out, "process blocks: %d\n", len(result.ProcessBlocks))
	for _, p := range result.ProcessBlocks {
		fmt.Fprintf(out, "  %s\n", p)
	}
	fmt.Fprintf(out, "histories: %d\n", result.Histories)
	return nil
}

func joinUint32(ns []uint32) string {
	if len(ns) == 0 {
		return "none"
	}
	s := ""
	for i, n := range ns {
		if i > 0 {
			s += ", "
		}
		s += fmt.Sprintf("%d", n)
	}
	return s
}
