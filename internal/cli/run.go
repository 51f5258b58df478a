package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/inflow/internal/config"
	"github.com/roach88/inflow/internal/runner"
	"github.com/roach88/inflow/internal/source"
	"github.com/roach88/inflow/internal/sqlsource"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
}

// RunSummary is the payload emitted after a completed run.
type RunSummary struct {
	Events        int `json:"events"`
	Runs          int `json:"runs"`
	RunMerges     int `json:"run_merges"`
	Lumis         int `json:"lumis"`
	LumiMerges    int `json:"lumi_merges"`
	Files         int `json:"files"`
	ProcessBlocks int `json:"process_blocks"`
}

func (s RunSummary) String() string {
	return fmt.Sprintf("processed %d event(s), %d run(s), %d lumi(s) from %d file(s)",
		s.Events, s.Runs, s.Lumis, s.Files)
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <config.yaml>",
		Short: "Drive the configured inputs through the sequencing loop",
		Long: `Drive the configured inputs through the sequencing loop.

The job configuration names the input files and the limits. Processing
stops when the input is exhausted or a limit is reached.

Example:
  inflow run job.yaml
  inflow run job.yaml --verbose`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJob(opts, args[0], cmd)
		},
	}

	return cmd
}

func runJob(opts *RunOptions, configPath string, cmd *cobra.Command) error {
	setupLogging(opts.Verbose)

	cfg, err := config.Load(configPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load configuration", err)
	}

	adapter, err := newAdapter(cfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "cannot build input", err)
	}
	srcCfg, err := cfg.SourceConfig()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	src := source.New(adapter, srcCfg, source.Collaborators{})

	ctx, stop := signalContext(cmd)
	defer stop()

	slog.Info("processing starting", "config", configPath, "process", cfg.Process.Name)
	stats, err := runner.New(src,
		runner.WithLogger(slog.Default()),
		runner.WithSkipEvents(cfg.SkipEvents),
	).Run(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "processing failed", err)
	}

	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
	return formatter.Success(RunSummary{
		Events:        stats.Events,
		Runs:          stats.Runs,
		RunMerges:     stats.RunMerges,
		Lumis:         stats.Lumis,
		LumiMerges:    stats.LumiMerges,
		Files:         stats.FilesOpened,
		ProcessBlocks: stats.ProcessBlocks,
	})
}

// newAdapter builds the input adapter a configuration names. The
// command line drives file-backed inputs only.
func newAdapter(cfg config.Config) (source.Adapter, error) {
	if len(cfg.Inputs) != 1 {
		return nil, fmt.Errorf("exactly one input is required, got %d", len(cfg.Inputs))
	}
	in := cfg.Inputs[0]
	switch in.Kind {
	case "sqlite":
		return sqlsource.New(in.Paths), nil
	default:
		return nil, fmt.Errorf("input kind %q is not runnable from the command line", in.Kind)
	}
}

// setupLogging configures the process-wide logger from the verbose
// flag.
func setupLogging(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}

// signalContext derives a context cancelled on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, func()) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sigChan)
		cancel()
	}
}
