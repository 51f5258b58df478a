package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/inflow/internal/hier"
	"github.com/roach88/inflow/internal/scriptsrc"
	"github.com/roach88/inflow/internal/source"
)

// Scenario defines one conformance scenario: a scripted input, the
// limits to apply, and assertions on the resulting lifecycle trace.
type Scenario struct {
	// Name uniquely identifies the scenario. Golden traces are stored
	// under this name.
	Name string `yaml:"name"`

	// Description explains what the scenario validates.
	Description string `yaml:"description"`

	// Script lists the items the scripted input plays, in order.
	Script []Step `yaml:"script"`

	// Limits bounds the consumption loop. Omitted limits are unlimited.
	Limits Limits `yaml:"limits,omitempty"`

	// ProcessBlocks names the process-scoped blocks each scripted file
	// announces.
	ProcessBlocks []string `yaml:"process_blocks,omitempty"`

	// SkipEvents skips past N events before the loop starts.
	SkipEvents int `yaml:"skip_events,omitempty"`

	// Replays honors up to N repeat decisions by rewinding.
	Replays int `yaml:"replays,omitempty"`

	// Assertions validate the trace and the final counters.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Limits mirrors the budget section of a job configuration.
type Limits struct {
	MaxEvents *int   `yaml:"max_events,omitempty"`
	MaxLumis  *int   `yaml:"max_lumis,omitempty"`
	Mode      string `yaml:"mode,omitempty"`
}

// Step is one scripted item.
type Step struct {
	// Kind is one of file, run, lumi, event, repeat, synchronize.
	Kind string `yaml:"kind"`

	// Name is the file name; file steps only.
	Name string `yaml:"name,omitempty"`

	Run   uint32 `yaml:"run,omitempty"`
	Lumi  uint32 `yaml:"lumi,omitempty"`
	Event uint64 `yaml:"event,omitempty"`
}

// Assertion validates the result of a scenario run.
type Assertion struct {
	// Type is one of trace_contains, trace_order, trace_count,
	// final_stats.
	Type string `yaml:"type"`

	// Line is the trace line to look for (trace_contains, trace_count).
	Line string `yaml:"line,omitempty"`

	// Lines must appear in the trace in this relative order
	// (trace_order).
	Lines []string `yaml:"lines,omitempty"`

	// Count is the expected number of occurrences (trace_count).
	Count int `yaml:"count,omitempty"`

	// Stats holds the expected final counters (final_stats). Omitted
	// counters are not checked.
	Stats map[string]int `yaml:"stats,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalStats    = "final_stats"
)

// LoadScenario reads and parses a scenario YAML file. Unknown fields
// are rejected so typos fail loudly.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}

	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario %s: %w", path, err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Script) == 0 {
		return fmt.Errorf("script is required and must be non-empty")
	}
	if s.SkipEvents < 0 {
		return fmt.Errorf("skip_events must be non-negative")
	}
	if s.Replays < 0 {
		return fmt.Errorf("replays must be non-negative")
	}
	if s.Limits.Mode != "" {
		if _, err := source.ParseProcessingMode(s.Limits.Mode); err != nil {
			return fmt.Errorf("limits.mode: %w", err)
		}
	}

	for i, step := range s.Script {
		if err := validateStep(&step); err != nil {
			return fmt.Errorf("script[%d]: %w", i, err)
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(&a); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(step *Step) error {
	switch step.Kind {
	case "file":
		if step.Name == "" {
			return fmt.Errorf("file step needs a name")
		}
	case "run":
		if step.Run == 0 {
			return fmt.Errorf("run step needs a run number")
		}
	case "lumi":
		if step.Run == 0 || step.Lumi == 0 {
			return fmt.Errorf("lumi step needs run and lumi numbers")
		}
	case "event":
		if step.Run == 0 || step.Lumi == 0 || step.Event == 0 {
			return fmt.Errorf("event step needs run, lumi and event numbers")
		}
	case "repeat", "synchronize":
		// No payload.
	case "":
		return fmt.Errorf("kind is required")
	default:
		return fmt.Errorf("unknown step kind %q", step.Kind)
	}
	return nil
}

func validateAssertion(a *Assertion) error {
	switch a.Type {
	case AssertTraceContains:
		if a.Line == "" {
			return fmt.Errorf("line is required for trace_contains")
		}
	case AssertTraceOrder:
		if len(a.Lines) == 0 {
			return fmt.Errorf("lines is required for trace_order")
		}
	case AssertTraceCount:
		if a.Line == "" {
			return fmt.Errorf("line is required for trace_count")
		}
		if a.Count < 0 {
			return fmt.Errorf("count must be non-negative for trace_count")
		}
	case AssertFinalStats:
		if len(a.Stats) == 0 {
			return fmt.Errorf("stats is required for final_stats")
		}
		for key := range a.Stats {
			if !knownStat(key) {
				return fmt.Errorf("unknown counter %q", key)
			}
		}
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}

// script converts the scenario steps into scripted-input entries.
func (s *Scenario) script() []scriptsrc.Entry {
	entries := make([]scriptsrc.Entry, 0, len(s.Script))
	for _, step := range s.Script {
		switch step.Kind {
		case "file":
			entries = append(entries, scriptsrc.File(step.Name))
		case "run":
			entries = append(entries, scriptsrc.Run(hier.RunNumber(step.Run), source.PositionInvalid))
		case "lumi":
			entries = append(entries, scriptsrc.Lumi(hier.RunNumber(step.Run), hier.LumiNumber(step.Lumi), source.PositionInvalid))
		case "event":
			entries = append(entries, scriptsrc.Event(hier.RunNumber(step.Run), hier.LumiNumber(step.Lumi), hier.EventNumber(step.Event)))
		case "repeat":
			entries = append(entries, scriptsrc.Repeat())
		case "synchronize":
			entries = append(entries, scriptsrc.Synchronize())
		}
	}
	return entries
}
