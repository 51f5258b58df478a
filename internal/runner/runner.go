// Package runner drives a sequencing source through the canonical
// consumption loop: ask for the next decision, dispatch the matching
// read, and keep the open run and lumi principals cached so merge
// decisions can fold into the principal that was read first.
//
// The loop is single-threaded. All source mutations happen in the Run
// goroutine; observers are called inline and must not retain the
// principals they are handed beyond the callback.
package runner

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/inflow/internal/hier"
	"github.com/roach88/inflow/internal/source"
)

// DefaultMaxSteps bounds the number of decisions one Run call will
// dispatch. An input that never reaches Stop within the bound is
// reported as an error instead of looping forever.
const DefaultMaxSteps = 100000

// Observer receives loop milestones. Any field may be nil.
type Observer struct {
	FileOpened   func(fb *hier.FileBlock)
	FileClosed   func(name string)
	RunBegin     func(rp *hier.RunPrincipal, merged bool)
	LumiBegin    func(lp *hier.LumiPrincipal, merged bool)
	Event        func(ep *hier.EventPrincipal)
	ProcessBlock func(processName string)
	Synchronized func()
	Replayed     func()
}

// Stats summarizes one Run call.
type Stats struct {
	Events        int
	Runs          int
	RunMerges     int
	Lumis         int
	LumiMerges    int
	FilesOpened   int
	ProcessBlocks int
	Replays       int
	Syncs         int
}

// Runner owns one consumption loop over one source.
type Runner struct {
	src      *source.Source
	log      *slog.Logger
	obs      Observer
	maxSteps int
	skip     int
	replays  int
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger routes loop progress to log.
func WithLogger(log *slog.Logger) Option {
	return func(r *Runner) { r.log = log }
}

// WithObserver registers loop milestone callbacks.
func WithObserver(obs Observer) Option {
	return func(r *Runner) { r.obs = obs }
}

// WithMaxSteps overrides the decision bound.
func WithMaxSteps(n int) Option {
	return func(r *Runner) { r.maxSteps = n }
}

// WithSkipEvents skips past n events before the loop starts. The
// source's adapter must support skipping.
func WithSkipEvents(n int) Option {
	return func(r *Runner) { r.skip = n }
}

// WithReplays honors up to n repeat decisions by rewinding the input.
// Repeat decisions beyond the budget restore the limits but do not
// rewind, so the loop runs on to its natural stop.
func WithReplays(n int) Option {
	return func(r *Runner) { r.replays = n }
}

// New creates a Runner over src.
func New(src *source.Source, opts ...Option) *Runner {
	r := &Runner{
		src:      src,
		log:      slog.Default(),
		maxSteps: DefaultMaxSteps,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes the loop until the source decides Stop. The job
// lifecycle brackets the loop: BeginJob before the first decision,
// EndJob after the last file is closed. On a loop failure the open
// file is closed in degraded mode and the loop error is returned.
func (r *Runner) Run(ctx context.Context) (Stats, error) {
	var stats Stats

	if err := r.src.BeginJob(); err != nil {
		return stats, fmt.Errorf("begin job: %w", err)
	}
	if r.skip != 0 {
		if err := r.src.SkipEvents(ctx, r.skip); err != nil {
			return stats, fmt.Errorf("skip %d events: %w", r.skip, err)
		}
		r.log.Debug("skipped events", "count", r.skip)
	}

	openFile, err := r.loop(ctx, &stats)
	if err != nil {
		if openFile != nil {
			if cerr := r.src.CloseFile(ctx, openFile, true); cerr != nil {
				r.log.Warn("degraded close failed", "error", cerr)
			}
		}
		if jerr := r.src.EndJob(); jerr != nil {
			r.log.Warn("end job failed after loop error", "error", jerr)
		}
		return stats, err
	}

	if err := r.src.EndJob(); err != nil {
		return stats, fmt.Errorf("end job: %w", err)
	}
	r.log.Info("input exhausted",
		"events", stats.Events,
		"runs", stats.Runs,
		"lumis", stats.Lumis,
		"files", stats.FilesOpened)
	return stats, nil
}

// loop dispatches decisions until Stop. It returns the still-open file
// block alongside an error so Run can close it in degraded mode.
func (r *Runner) loop(ctx context.Context, stats *Stats) (*hier.FileBlock, error) {
	runs := make(map[hier.RunNumber]*hier.RunPrincipal)
	lumis := make(map[hier.LumiID]*hier.LumiPrincipal)
	var openFile *hier.FileBlock

	for step := 0; step < r.maxSteps; step++ {
		it, err := r.src.NextItemType(ctx)
		if err != nil {
			return openFile, fmt.Errorf("next item: %w", err)
		}

		switch it.Kind {
		case source.KindStop:
			if openFile != nil {
				name := openFile.Name
				if err := r.src.CloseFile(ctx, openFile, false); err != nil {
					return openFile, fmt.Errorf("close file %s: %w", name, err)
				}
				r.observeFileClosed(name)
				openFile = nil
			}
			return nil, nil

		case source.KindFile:
			if openFile != nil {
				name := openFile.Name
				if err := r.src.CloseFile(ctx, openFile, false); err != nil {
					return openFile, fmt.Errorf("close file %s: %w", name, err)
				}
				r.observeFileClosed(name)
				openFile = nil
			}
			fb, err := r.src.ReadFile(ctx)
			if err != nil {
				return nil, fmt.Errorf("read file: %w", err)
			}
			openFile = fb
			stats.FilesOpened++
			r.log.Debug("file opened", "name", fb.Name)
			if r.obs.FileOpened != nil {
				r.obs.FileOpened(fb)
			}
			if err := r.readProcessBlocks(ctx, stats); err != nil {
				return openFile, err
			}

		case source.KindRun:
			aux, err := r.src.ReadRunAuxiliary(ctx)
			if err != nil {
				return openFile, fmt.Errorf("read run auxiliary: %w", err)
			}
			if r.src.NewRun() {
				rp := &hier.RunPrincipal{}
				if err := r.src.ReadRun(ctx, rp); err != nil {
					return openFile, fmt.Errorf("read run %d: %w", aux.Run, err)
				}
				runs[aux.Run] = rp
				stats.Runs++
				r.log.Debug("run opened", "run", aux.Run)
				if r.obs.RunBegin != nil {
					r.obs.RunBegin(rp, false)
				}
			} else {
				rp, ok := runs[aux.Run]
				if !ok {
					return openFile, fmt.Errorf("merge decision for run %d, which was never read", aux.Run)
				}
				if err := r.src.ReadAndMergeRun(ctx, rp); err != nil {
					return openFile, fmt.Errorf("merge run %d: %w", aux.Run, err)
				}
				stats.RunMerges++
				if r.obs.RunBegin != nil {
					r.obs.RunBegin(rp, true)
				}
			}

		case source.KindLumi:
			aux, err := r.src.ReadLumiAuxiliary(ctx)
			if err != nil {
				return openFile, fmt.Errorf("read lumi auxiliary: %w", err)
			}
			if r.src.NewLumi() {
				lp := &hier.LumiPrincipal{}
				if err := r.src.ReadLumi(ctx, lp); err != nil {
					return openFile, fmt.Errorf("read %v: %w", aux.ID(), err)
				}
				lumis[aux.ID()] = lp
				stats.Lumis++
				r.log.Debug("lumi opened", "run", aux.Run, "lumi", aux.Lumi)
				if r.obs.LumiBegin != nil {
					r.obs.LumiBegin(lp, false)
				}
			} else {
				lp, ok := lumis[aux.ID()]
				if !ok {
					return openFile, fmt.Errorf("merge decision for %v, which was never read", aux.ID())
				}
				if err := r.src.ReadAndMergeLumi(ctx, lp); err != nil {
					return openFile, fmt.Errorf("merge %v: %w", aux.ID(), err)
				}
				stats.LumiMerges++
				if r.obs.LumiBegin != nil {
					r.obs.LumiBegin(lp, true)
				}
			}

		case source.KindEvent:
			ep := &hier.EventPrincipal{}
			if err := r.src.ReadEvent(ctx, ep, 0); err != nil {
				return openFile, fmt.Errorf("read event: %w", err)
			}
			stats.Events++
			if r.obs.Event != nil {
				r.obs.Event(ep)
			}

		case source.KindRepeat:
			r.src.Repeat()
			if stats.Replays < r.replays {
				stats.Replays++
				if err := r.src.Rewind(ctx); err != nil {
					return openFile, fmt.Errorf("rewind for replay: %w", err)
				}
				r.log.Debug("input rewound", "replay", stats.Replays)
				if r.obs.Replayed != nil {
					r.obs.Replayed()
				}
			}

		case source.KindSynchronize:
			stats.Syncs++
			if r.obs.Synchronized != nil {
				r.obs.Synchronized()
			}

		default:
			return openFile, fmt.Errorf("unexpected decision %v", it.Kind)
		}
	}
	return openFile, fmt.Errorf("no stop decision within %d steps", r.maxSteps)
}

// readProcessBlocks enumerates the process-scoped blocks of the file
// just opened, then runs the cross-file aggregation. The aggregation is
// a no-op after the first file.
func (r *Runner) readProcessBlocks(ctx context.Context, stats *Stats) error {
	for {
		pbp := &hier.ProcessBlockPrincipal{}
		more, err := r.src.NextProcessBlock(ctx, pbp)
		if err != nil {
			return fmt.Errorf("next process block: %w", err)
		}
		if !more {
			break
		}
		if err := r.src.ReadProcessBlock(ctx, pbp); err != nil {
			return fmt.Errorf("read process block %s: %w", pbp.ProcessName, err)
		}
		stats.ProcessBlocks++
		if r.obs.ProcessBlock != nil {
			r.obs.ProcessBlock(pbp.ProcessName)
		}
	}
	return r.src.FillProcessBlockHelper(ctx)
}

func (r *Runner) observeFileClosed(name string) {
	r.log.Debug("file closed", "name", name)
	if r.obs.FileClosed != nil {
		r.obs.FileClosed(name)
	}
}
