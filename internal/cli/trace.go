package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/inflow/internal/config"
	"github.com/roach88/inflow/internal/hier"
	"github.com/roach88/inflow/internal/runner"
	"github.com/roach88/inflow/internal/source"
)

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trace <config.yaml>",
		Short: "Print the lifecycle trace of a job without processing payloads",
		Long: `Print one line per lifecycle milestone while driving the configured
inputs: file opens and closes, run and lumi boundaries with their merge
decisions, and every delivered event.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runTrace(opts *RootOptions, configPath string, cmd *cobra.Command) error {
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

	out := cmd.OutOrStdout()
	obs := runner.Observer{
		FileOpened: func(fb *hier.FileBlock) {
			fmt.Fprintf(out, "file %s\n", fb.Name)
		},
		FileClosed: func(name string) {
			fmt.Fprintf(out, "close %s\n", name)
		},
		ProcessBlock: func(processName string) {
			fmt.Fprintf(out, "block %s\n", processName)
		},
		RunBegin: func(rp *hier.RunPrincipal, merged bool) {
			if merged {
				fmt.Fprintf(out, "merge run %d\n", rp.Run())
			} else {
				fmt.Fprintf(out, "run %d\n", rp.Run())
			}
		},
		LumiBegin: func(lp *hier.LumiPrincipal, merged bool) {
			if merged {
				fmt.Fprintf(out, "merge %s\n", lp.ID())
			} else {
				fmt.Fprintf(out, "%s\n", lp.ID())
			}
		},
		Event: func(ep *hier.EventPrincipal) {
			fmt.Fprintf(out, "event %s time %d\n", ep.ID(), ep.Time())
		},
	}

	ctx, stop := signalContext(cmd)
	defer stop()

	if _, err := runner.New(src,
		runner.WithObserver(obs),
		runner.WithSkipEvents(cfg.SkipEvents),
	).Run(ctx); err != nil {
		return WrapExitError(ExitFailure, "processing failed", err)
	}
	return nil
}
