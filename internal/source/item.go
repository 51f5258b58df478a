// Package source implements the input sequencing engine: a state machine
// that decides, item by item, what a processing pipeline should consume
// next (files, process blocks, runs, luminosity sections and events)
// pulled on demand from a backing-store adapter.
//
// ARCHITECTURE:
//
// Single logical driver:
// All calls into a Source (NextItemType, the read family, skip/rewind) are
// issued by one logical driver and are not synchronized against each
// other. The one cross-actor concurrency point is delayed product reading,
// which is governed by the adapter's declared shared resource (see
// resource.go).
//
// Decision flow:
//  1. NextItemType consults the limit policy first; an exhausted budget
//     forces Stop regardless of what the adapter would report.
//  2. Otherwise the adapter reports the raw next item, which is normalized
//     against the previous decision so File precedes Run precedes Lumi
//     precedes Event.
//  3. The decision is cached and idempotent until the matching read
//     consumes it. Stop is sticky: once cached it is cleared only by an
//     explicit reset (rewind).
//
// INVARIANTS:
//   - remainingEvents ∈ {-1} ∪ [0, maxEvents]; -1 never decrements
//   - a run/lumi content read requires its auxiliary staged immediately
//     before, and the new/merge dispatch must match the staged flags
//   - every adapter read is wrapped in exactly one begin/end signal pair,
//     on every exit path
package source

import "fmt"

// ItemKind tags what the pipeline should consume next.
type ItemKind int

const (
	// KindInvalid is the zero decision, before the first NextItemType.
	KindInvalid ItemKind = iota
	// KindStop terminates the stream. Sticky once decided.
	KindStop
	// KindFile asks the driver to open the next backing file.
	KindFile
	// KindRun stages a run boundary.
	KindRun
	// KindLumi stages a luminosity-section boundary.
	KindLumi
	// KindEvent stages an event read.
	KindEvent
	// KindRepeat asks the driver to restore budgets and replay the input.
	KindRepeat
	// KindSynchronize asks the driver to drain in-flight work before the
	// source proceeds.
	KindSynchronize
)

func (k ItemKind) String() string {
	switch k {
	case KindInvalid:
		return "invalid"
	case KindStop:
		return "stop"
	case KindFile:
		return "file"
	case KindRun:
		return "run"
	case KindLumi:
		return "lumi"
	case KindEvent:
		return "event"
	case KindRepeat:
		return "repeat"
	case KindSynchronize:
		return "synchronize"
	default:
		return fmt.Sprintf("ItemKind(%d)", int(k))
	}
}

// Position is an optimization hint for streaming adapters that can tell
// early whether a staged run or lumi is the last piece to be merged.
// Offline adapters always report PositionInvalid; correctness never
// depends on the hint.
type Position int

const (
	// PositionInvalid means no hint. Always legal.
	PositionInvalid Position = iota
	// LastToMerge means the staged run/lumi is the final piece before the
	// next item of a different identity.
	LastToMerge
	// NotLastToMerge means more pieces of the same run/lumi follow.
	NotLastToMerge
)

func (p Position) String() string {
	switch p {
	case PositionInvalid:
		return "invalid"
	case LastToMerge:
		return "last-to-merge"
	case NotLastToMerge:
		return "not-last-to-merge"
	default:
		return fmt.Sprintf("Position(%d)", int(p))
	}
}

// Item is one sequencing decision: what to consume next, plus the merge
// position hint, which is meaningful only for run and lumi items.
type Item struct {
	Kind     ItemKind
	Position Position
}

func (it Item) String() string {
	if it.Kind == KindRun || it.Kind == KindLumi {
		if it.Position != PositionInvalid {
			return fmt.Sprintf("%s(%s)", it.Kind, it.Position)
		}
	}
	return it.Kind.String()
}

// ProcessingMode selects how deep into the hierarchy the source descends.
type ProcessingMode int

const (
	// RunsLumisAndEvents delivers the full hierarchy. The default.
	RunsLumisAndEvents ProcessingMode = iota
	// RunsAndLumis delivers run and lumi boundaries, skipping events.
	RunsAndLumis
	// Runs delivers only run boundaries.
	Runs
)

func (m ProcessingMode) String() string {
	switch m {
	case RunsLumisAndEvents:
		return "RunsLumisAndEvents"
	case RunsAndLumis:
		return "RunsAndLumis"
	case Runs:
		return "Runs"
	default:
		return fmt.Sprintf("ProcessingMode(%d)", int(m))
	}
}

// ParseProcessingMode converts the configuration spelling of a mode.
func ParseProcessingMode(s string) (ProcessingMode, error) {
	switch s {
	case "", "RunsLumisAndEvents":
		return RunsLumisAndEvents, nil
	case "RunsAndLumis":
		return RunsAndLumis, nil
	case "Runs":
		return Runs, nil
	default:
		return RunsLumisAndEvents, fmt.Errorf("unknown processing mode %q", s)
	}
}
