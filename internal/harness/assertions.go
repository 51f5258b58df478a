package harness

import (
	"fmt"

	"github.com/roach88/inflow/internal/runner"
)

// CheckAssertions validates a result against the scenario's assertion
// list. The first failing assertion is returned with its index.
func CheckAssertions(scenario *Scenario, result *Result) error {
	for i, a := range scenario.Assertions {
		if err := checkAssertion(&a, result); err != nil {
			return fmt.Errorf("assertions[%d] (%s): %w", i, a.Type, err)
		}
	}
	return nil
}

func checkAssertion(a *Assertion, result *Result) error {
	switch a.Type {
	case AssertTraceContains:
		if countLine(result.Trace, a.Line) == 0 {
			return fmt.Errorf("trace does not contain %q", a.Line)
		}
	case AssertTraceOrder:
		pos := 0
		for _, want := range a.Lines {
			found := false
			for ; pos < len(result.Trace); pos++ {
				if result.Trace[pos] == want {
					found = true
					pos++
					break
				}
			}
			if !found {
				return fmt.Errorf("trace line %q missing or out of order", want)
			}
		}
	case AssertTraceCount:
		if got := countLine(result.Trace, a.Line); got != a.Count {
			return fmt.Errorf("trace contains %q %d times, want %d", a.Line, got, a.Count)
		}
	case AssertFinalStats:
		for key, want := range a.Stats {
			got, ok := statValue(result.Stats, key)
			if !ok {
				return fmt.Errorf("unknown counter %q", key)
			}
			if got != want {
				return fmt.Errorf("counter %s is %d, want %d", key, got, want)
			}
		}
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}

func countLine(trace []string, line string) int {
	n := 0
	for _, l := range trace {
		if l == line {
			n++
		}
	}
	return n
}

func statValue(stats runner.Stats, key string) (int, bool) {
	switch key {
	case "events":
		return stats.Events, true
	case "runs":
		return stats.Runs, true
	case "run_merges":
		return stats.RunMerges, true
	case "lumis":
		return stats.Lumis, true
	case "lumi_merges":
		return stats.LumiMerges, true
	case "files":
		return stats.FilesOpened, true
	case "process_blocks":
		return stats.ProcessBlocks, true
	case "replays":
		return stats.Replays, true
	case "syncs":
		return stats.Syncs, true
	default:
		return 0, false
	}
}

func knownStat(key string) bool {
	_, ok := statValue(runner.Stats{}, key)
	return ok
}
