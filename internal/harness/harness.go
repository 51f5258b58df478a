// Package harness executes conformance scenarios against the scripted
// input: each scenario plays a fixed item script through the canonical
// consumption loop, records the lifecycle signal trace, and validates
// the trace and the final counters. Golden traces pin the exact signal
// order per scenario.
package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/roach88/inflow/internal/activity"
	"github.com/roach88/inflow/internal/runner"
	"github.com/roach88/inflow/internal/scriptsrc"
	"github.com/roach88/inflow/internal/source"
	"github.com/roach88/inflow/internal/testutil"
)

// Result captures one scenario execution.
type Result struct {
	Stats runner.Stats
	Trace []string
}

// Run executes the scenario and returns its trace and counters. The
// scenario's own assertions are checked by CheckAssertions, not here.
func Run(scenario *Scenario) (*Result, error) {
	if err := validateScenario(scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	var opts []scriptsrc.Option
	if len(scenario.ProcessBlocks) > 0 {
		opts = append(opts, scriptsrc.WithProcessBlocks(scenario.ProcessBlocks...))
	}
	adapter := scriptsrc.New(scenario.script(), opts...)

	cfg := source.Config{
		MaxEvents:      source.Unlimited,
		MaxLumis:       source.Unlimited,
		ProcessName:    "HARNESS",
		ProcessVersion: "v1",
	}
	if scenario.Limits.MaxEvents != nil {
		cfg.MaxEvents = *scenario.Limits.MaxEvents
	}
	if scenario.Limits.MaxLumis != nil {
		cfg.MaxLumis = *scenario.Limits.MaxLumis
	}
	if scenario.Limits.Mode != "" {
		mode, err := source.ParseProcessingMode(scenario.Limits.Mode)
		if err != nil {
			return nil, err
		}
		cfg.Mode = mode
	}

	reg := activity.NewRegistry()
	recorder := testutil.NewTraceRecorder()
	recorder.Observe(reg)

	src := source.New(adapter, cfg, source.Collaborators{Activity: reg})

	runnerOpts := []runner.Option{
		runner.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	if scenario.SkipEvents > 0 {
		runnerOpts = append(runnerOpts, runner.WithSkipEvents(scenario.SkipEvents))
	}
	if scenario.Replays > 0 {
		runnerOpts = append(runnerOpts, runner.WithReplays(scenario.Replays))
	}

	stats, err := runner.New(src, runnerOpts...).Run(context.Background())
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", scenario.Name, err)
	}

	return &Result{Stats: stats, Trace: recorder.Lines()}, nil
}
