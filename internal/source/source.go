package source

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/inflow/internal/activity"
	"github.com/roach88/inflow/internal/hier"
	"github.com/roach88/inflow/internal/registry"
)

// Config carries the recognized construction options.
type Config struct {
	// MaxEvents bounds the number of events delivered; -1 is unlimited.
	MaxEvents int

	// MaxLumis bounds the number of lumi reads; -1 is unlimited.
	MaxLumis int

	// RampdownSeconds bounds wall-clock time before the next lumi-level
	// decision becomes Stop; 0 disables.
	RampdownSeconds int

	// Mode selects how deep into the hierarchy the source descends.
	Mode ProcessingMode

	// ProcessName and ProcessVersion identify the current processing step
	// in the provenance history appended on the new-run path.
	ProcessName    string
	ProcessVersion string

	// ReportFrequency issues a progress report every N event reads.
	// 0 means every event.
	ReportFrequency int
}

// Collaborators are the job-wide services the source shares with the
// driving framework. Nil fields are default-constructed, so a test can
// build a source from a bare adapter.
type Collaborators struct {
	Activity      *activity.Registry
	Products      *registry.ProductRegistry
	Histories     *registry.ProcessHistoryRegistry
	BranchIDs     *registry.BranchIDListHelper
	ProcessBlocks *registry.ProcessBlockHelper
	Thinned       *registry.ThinnedAssociationsHelper
}

// Option configures a Source beyond Config.
type Option func(*Source)

// WithClock overrides the wall clock used by the rampdown policy.
// Tests use this to exercise rampdown without sleeping.
func WithClock(now func() time.Time) Option {
	return func(s *Source) { s.now = now }
}

// Source is the sequencing engine. It owns the current position state
// (the cached decision, the new-run/new-lumi flags, the one-shot cached
// event flag, the staged auxiliaries) and composes a backing-store
// adapter with the limit policy and the instrumentation sentries.
//
// A Source is not internally synchronized; the driver must serialize all
// calls. See ResourceSharedWithDelayedReader for the one cross-actor
// concurrency point.
type Source struct {
	adapter Adapter
	actReg  *activity.Registry
	limits  *Limits
	mode    ProcessingMode

	products      *registry.ProductRegistry
	histories     *registry.ProcessHistoryRegistry
	branchIDs     *registry.BranchIDListHelper
	processBlocks *registry.ProcessBlockHelper
	thinned       *registry.ThinnedAssociationsHelper

	processName     string
	processVersion  string
	processGUID     string
	reportFrequency int
	now             func() time.Time

	// Interior cache, mutated only through the operations below.
	state       Item  // last decision; sticky once Stop
	decided     bool  // decision staged and not yet consumed by a read
	newRun      bool  // staged run auxiliary is a first appearance
	newLumi     bool  // staged lumi auxiliary is a first appearance
	eventCached bool  // an event is staged and must be delivered next
	runAux      *hier.RunAuxiliary
	lumiAux     *hier.LumiAuxiliary

	openRun  *hier.RunNumber
	openLumi *hier.LumiID
	openFile *hier.FileBlock

	time      hier.Timestamp
	readCount int

	filledProcessBlockHelper bool
	beganJob                 bool
	endedJob                 bool
}

// New composes a source from an adapter, its configuration and the
// job-wide collaborators.
func New(adapter Adapter, cfg Config, collab Collaborators, opts ...Option) *Source {
	s := &Source{
		adapter:         adapter,
		actReg:          collab.Activity,
		mode:            cfg.Mode,
		products:        collab.Products,
		histories:       collab.Histories,
		branchIDs:       collab.BranchIDs,
		processBlocks:   collab.ProcessBlocks,
		thinned:         collab.Thinned,
		processName:     cfg.ProcessName,
		processVersion:  cfg.ProcessVersion,
		processGUID:     uuid.NewString(),
		reportFrequency: cfg.ReportFrequency,
		now:             time.Now,
		newRun:          true,
		newLumi:         true,
	}
	if s.actReg == nil {
		s.actReg = activity.NewRegistry()
	}
	if s.products == nil {
		s.products = registry.NewProductRegistry()
	}
	if s.histories == nil {
		s.histories = registry.NewProcessHistoryRegistry()
	}
	if s.branchIDs == nil {
		s.branchIDs = registry.NewBranchIDListHelper()
	}
	if s.processBlocks == nil {
		s.processBlocks = registry.NewProcessBlockHelper()
	}
	if s.thinned == nil {
		s.thinned = registry.NewThinnedAssociationsHelper()
	}
	for _, opt := range opts {
		opt(s)
	}
	s.limits = NewLimits(cfg.MaxEvents, cfg.MaxLumis, cfg.RampdownSeconds, s.now)
	return s
}

// NextItemType decides what the pipeline should consume next.
//
// The limit policy overrides the adapter: an exhausted event budget forces
// Stop immediately; an exhausted lumi budget (or an expired rampdown
// deadline) forces Stop at the next boundary, still delivering events of
// the current lumi when the mode includes events.
//
// The decision is cached: repeated calls without an intervening read
// return the same Item. Stop is sticky and is cleared only by Rewind.
func (s *Source) NextItemType(ctx context.Context) (Item, error) {
	if s.state.Kind == KindStop {
		return s.state, nil
	}
	if s.decided {
		return s.state, nil
	}

	old := s.state
	switch {
	case s.limits.EventLimitReached():
		s.setStop()

	case s.limits.LumiLimitReached():
		// Stop on the next boundary. Events remaining in the current lumi
		// are still deliverable when the mode includes them.
		if old.Kind == KindInvalid || old.Kind == KindFile || old.Kind == KindRun ||
			s.mode != RunsLumisAndEvents {
			s.setStop()
		} else {
			next, err := s.nextItem(ctx)
			if err != nil {
				return Item{}, err
			}
			if next.Kind == KindEvent {
				s.stage(Item{Kind: KindEvent})
			} else {
				s.setStop()
			}
		}

	default:
		next, err := s.nextItem(ctx)
		if err != nil {
			return Item{}, err
		}
		switch {
		case next.Kind == KindStop:
			s.setStop()
		case next.Kind == KindRepeat || next.Kind == KindSynchronize:
			// Delivered as-is; consumed by the driver without a read call.
			s.state = next
		case next.Kind == KindFile || old.Kind == KindInvalid:
			// The hierarchy opens with a file regardless of what the
			// adapter reported first.
			s.stage(Item{Kind: KindFile})
		case next.Kind == KindRun || old.Kind == KindFile:
			s.stage(Item{Kind: KindRun, Position: next.Position})
		case next.Kind == KindLumi || old.Kind == KindRun:
			s.stage(Item{Kind: KindLumi, Position: next.Position})
		default:
			s.stage(Item{Kind: KindEvent})
		}
	}

	if s.state.Kind == KindEvent {
		s.eventCached = true
	}
	return s.state, nil
}

// stage caches a decision that a read call will consume.
func (s *Source) stage(it Item) {
	s.state = it
	s.decided = true
}

// setStop caches the sticky terminal decision and drops staged
// auxiliaries; nothing will be read past this point without a reset.
func (s *Source) setStop() {
	s.state = Item{Kind: KindStop}
	s.decided = false
	s.runAux = nil
	s.lumiAux = nil
}

// nextItem asks the adapter for the raw next item, filtering out items
// finer than the processing mode by consuming them unread.
func (s *Source) nextItem(ctx context.Context) (Item, error) {
	for {
		it, err := s.adapter.NextItem(ctx)
		if err != nil {
			return Item{}, &AdapterError{Op: "next item", Err: err}
		}
		if it.Kind == KindEvent && s.mode != RunsLumisAndEvents {
			if err := s.discardEvent(ctx); err != nil {
				return Item{}, err
			}
			continue
		}
		if it.Kind == KindLumi && s.mode == Runs {
			if _, err := s.adapter.ReadLumiAuxiliary(ctx); err != nil {
				return Item{}, &AdapterError{Op: "skip lumi", Err: err}
			}
			continue
		}
		return it, nil
	}
}

// discardEvent consumes one event without limit bookkeeping, for modes
// that do not deliver events.
func (s *Source) discardEvent(ctx context.Context) error {
	if sk, ok := s.adapter.(Skipper); ok {
		if err := sk.SkipEvents(ctx, 1); err != nil {
			return &AdapterError{Op: "skip event", Err: err}
		}
		return nil
	}
	var scratch hier.EventPrincipal
	if err := s.adapter.ReadEvent(ctx, &scratch); err != nil {
		return &AdapterError{Op: "skip event", Err: err}
	}
	return nil
}

// ReadRunAuxiliary materializes the identifying metadata of the staged
// run without materializing its content. It must be called, and must
// succeed, immediately before ReadRun or ReadAndMergeRun. Staging marks
// the run new unless a run with the same number is already open, in which
// case the continuation takes the merge path.
func (s *Source) ReadRunAuxiliary(ctx context.Context) (hier.RunAuxiliary, error) {
	if s.state.Kind != KindRun {
		return hier.RunAuxiliary{}, &OrderingError{
			Op:     "read run auxiliary",
			Reason: fmt.Sprintf("last decision was %s, not run", s.state),
		}
	}
	aux, err := s.adapter.ReadRunAuxiliary(ctx)
	if err != nil {
		return hier.RunAuxiliary{}, &AdapterError{Op: "read run auxiliary", Err: err}
	}
	s.runAux = &aux
	s.newRun = s.openRun == nil || *s.openRun != aux.Run
	s.newLumi = true
	return aux, nil
}

// ReadLumiAuxiliary is the lumi counterpart of ReadRunAuxiliary.
func (s *Source) ReadLumiAuxiliary(ctx context.Context) (hier.LumiAuxiliary, error) {
	if s.state.Kind != KindLumi {
		return hier.LumiAuxiliary{}, &OrderingError{
			Op:     "read lumi auxiliary",
			Reason: fmt.Sprintf("last decision was %s, not lumi", s.state),
		}
	}
	aux, err := s.adapter.ReadLumiAuxiliary(ctx)
	if err != nil {
		return hier.LumiAuxiliary{}, &AdapterError{Op: "read lumi auxiliary", Err: err}
	}
	s.lumiAux = &aux
	s.newLumi = s.openLumi == nil || *s.openLumi != aux.ID()
	return aux, nil
}

// ReadRun materializes content for a newly appearing run into the
// principal and appends the run's provenance history entry. Legal only
// when the staged auxiliary marked the run new; continuations of an open
// run must use ReadAndMergeRun.
func (s *Source) ReadRun(ctx context.Context, rp *hier.RunPrincipal) (err error) {
	if s.runAux == nil {
		return &OrderingError{Op: "read run", Reason: "no run auxiliary staged"}
	}
	if !s.newRun {
		return &OrderingError{Op: "read run", Reason: "staged run continues an open run; use the merge path"}
	}
	defer s.runSentry(s.runAux.Run)()

	rp.Fill(*s.runAux)
	rp.HistoryID = s.appendHistory(s.runAux.Run)
	if err := s.readRunContent(ctx, rp); err != nil {
		return err
	}

	run := s.runAux.Run
	s.openRun = &run
	s.newRun = false
	s.decided = false
	return nil
}

// ReadAndMergeRun folds a continuation of the already-open run, the same
// run number split across files, into the principal. It must not
// duplicate the history entry the new-run path appended.
func (s *Source) ReadAndMergeRun(ctx context.Context, rp *hier.RunPrincipal) error {
	if s.runAux == nil {
		return &OrderingError{Op: "read and merge run", Reason: "no run auxiliary staged"}
	}
	if s.newRun {
		return &OrderingError{Op: "read and merge run", Reason: "staged run is new; use the new-run path"}
	}
	defer s.runSentry(s.runAux.Run)()

	if err := rp.Merge(*s.runAux); err != nil {
		return &OrderingError{Op: "read and merge run", Reason: err.Error()}
	}
	if err := s.readRunContent(ctx, rp); err != nil {
		return err
	}
	s.decided = false
	return nil
}

func (s *Source) readRunContent(ctx context.Context, rp *hier.RunPrincipal) error {
	if rr, ok := s.adapter.(RunReader); ok {
		if err := rr.ReadRun(ctx, rp); err != nil {
			return &AdapterError{Op: "read run", Err: err}
		}
	}
	return nil
}

// appendHistory registers the run's provenance (the input history, when
// the adapter carries one, extended by the current process) and returns
// the history ID.
func (s *Source) appendHistory(run hier.RunNumber) string {
	var input registry.ProcessHistory
	if hp, ok := s.adapter.(HistoryProvider); ok {
		input = hp.InputProcessHistory(run)
	}
	hist := make(registry.ProcessHistory, 0, len(input)+1)
	hist = append(hist, input...)
	hist = append(hist, registry.ProcessConfiguration{Name: s.processName, Version: s.processVersion})
	id, _ := s.histories.Register(hist)
	return id
}

// ReadLumi materializes content for a newly appearing lumi. Legal only
// when the staged auxiliary marked the lumi new and its run is open.
func (s *Source) ReadLumi(ctx context.Context, lp *hier.LumiPrincipal) error {
	if s.lumiAux == nil {
		return &OrderingError{Op: "read lumi", Reason: "no lumi auxiliary staged"}
	}
	if !s.newLumi {
		return &OrderingError{Op: "read lumi", Reason: "staged lumi continues an open lumi; use the merge path"}
	}
	if s.openRun == nil || *s.openRun != s.lumiAux.Run {
		return &OrderingError{Op: "read lumi", Reason: fmt.Sprintf("run %d not open", s.lumiAux.Run)}
	}
	defer s.lumiSentry(s.lumiAux.ID())()

	lp.Fill(*s.lumiAux)
	if err := s.readLumiContent(ctx, lp); err != nil {
		return err
	}

	id := s.lumiAux.ID()
	s.openLumi = &id
	s.newLumi = false
	s.limits.CountLumi()
	s.decided = false
	return nil
}

// ReadAndMergeLumi folds a continuation of the already-open lumi into the
// principal.
func (s *Source) ReadAndMergeLumi(ctx context.Context, lp *hier.LumiPrincipal) error {
	if s.lumiAux == nil {
		return &OrderingError{Op: "read and merge lumi", Reason: "no lumi auxiliary staged"}
	}
	if s.newLumi {
		return &OrderingError{Op: "read and merge lumi", Reason: "staged lumi is new; use the new-lumi path"}
	}
	defer s.lumiSentry(s.lumiAux.ID())()

	if err := lp.Merge(*s.lumiAux); err != nil {
		return &OrderingError{Op: "read and merge lumi", Reason: err.Error()}
	}
	if err := s.readLumiContent(ctx, lp); err != nil {
		return err
	}
	s.limits.CountLumi()
	s.decided = false
	return nil
}

func (s *Source) readLumiContent(ctx context.Context, lp *hier.LumiPrincipal) error {
	if lr, ok := s.adapter.(LumiReader); ok {
		if err := lr.ReadLumi(ctx, lp); err != nil {
			return &AdapterError{Op: "read lumi", Err: err}
		}
	}
	return nil
}

// ReadEvent materializes the staged event into the principal, consumes
// one unit of the event budget and records the event's timestamp as the
// source's current time.
func (s *Source) ReadEvent(ctx context.Context, ep *hier.EventPrincipal, stream int) (err error) {
	if s.state.Kind != KindEvent || !s.eventCached {
		return &OrderingError{Op: "read event", Reason: "no event staged by the last decision"}
	}
	if s.limits.EventLimitReached() {
		return &ContractError{Op: "read event", Message: "event budget exhausted"}
	}
	defer s.eventSentry(stream)()

	ep.StreamID = stream
	if err := s.adapter.ReadEvent(ctx, ep); err != nil {
		return &AdapterError{Op: "read event", Err: err}
	}

	s.eventCached = false
	s.decided = false
	s.limits.CountEvent()
	s.readCount++
	s.time = ep.Time()
	s.issueReports(ep.ID(), stream)
	return nil
}

// ReadEventByID reads a specific event via the adapter's random-access
// capability. found=false (the adapter lacks the capability, or the id
// is absent) is a normal, recoverable outcome, and leaves limit
// bookkeeping untouched. Only the event actually delivered is counted.
func (s *Source) ReadEventByID(ctx context.Context, id hier.EventID, ep *hier.EventPrincipal, stream int) (found bool, err error) {
	if s.limits.LimitReached() {
		return false, nil
	}
	ra, ok := s.adapter.(RandomAccessor)
	if !ok || !ra.RandomAccess() {
		return false, nil
	}
	defer s.eventSentry(stream)()

	ep.StreamID = stream
	found, err = ra.ReadEventAt(ctx, id, ep)
	if err != nil {
		return false, &AdapterError{Op: "read event by id", Err: err}
	}
	if !found {
		return false, nil
	}

	s.eventCached = false
	s.decided = false
	s.limits.CountEvent()
	s.readCount++
	s.time = ep.Time()
	s.issueReports(ep.ID(), stream)
	return true, nil
}

// issueReports logs processing progress every reportFrequency events.
func (s *Source) issueReports(id hier.EventID, stream int) {
	freq := s.reportFrequency
	if freq <= 0 {
		freq = 1
	}
	if s.readCount%freq == 0 {
		slog.Info("begin processing event",
			"count", s.readCount,
			"run", id.Run,
			"lumi", id.Lumi,
			"event", id.Event,
			"stream", stream,
		)
	}
}

// ReadFile opens the next backing file and updates the job-wide
// registries from its metadata. Adapters without file organization get a
// synthetic file block so the driver's open/close protocol stays uniform.
func (s *Source) ReadFile(ctx context.Context) (*hier.FileBlock, error) {
	if s.state.Kind != KindFile {
		return nil, &OrderingError{
			Op:     "read file",
			Reason: fmt.Sprintf("last decision was %s, not file", s.state),
		}
	}
	if s.limits.LimitReached() {
		return nil, &ContractError{Op: "read file", Message: "limit reached before file open"}
	}

	var fb *hier.FileBlock
	var err error
	if fa, ok := s.adapter.(FileAdapter); ok {
		func() {
			defer s.openFileSentry("")()
			fb, err = fa.ReadFile(ctx)
		}()
		if err != nil {
			return nil, &AdapterError{Op: "read file", Err: err}
		}
	} else {
		defer s.openFileSentry("")()
		fb = &hier.FileBlock{}
	}
	if fb.ID == "" {
		fb.ID = uuid.NewString()
	}

	if fm, ok := s.adapter.(FileMetadataProvider); ok {
		if err := s.products.UpdateFromInput(fm.FileProducts()); err != nil {
			return nil, fmt.Errorf("updating product registry from %q: %w", fb.Name, err)
		}
		s.branchIDs.UpdateFromInput(fm.FileBranchIDLists())
		s.thinned.UpdateFromInput(fm.FileThinnedAssociations())
		s.processBlocks.UpdateFromInput(fm.FileProcessNames())
	}

	s.openFile = fb
	s.decided = false
	return fb, nil
}

// CloseFile closes the current file. It is a no-op when no file is open.
// cleaningUpAfterException signals a degraded mode in which adapter close
// failures are logged rather than propagated, because prior state may be
// inconsistent.
func (s *Source) CloseFile(ctx context.Context, fb *hier.FileBlock, cleaningUpAfterException bool) error {
	if s.openFile == nil && fb == nil {
		return nil
	}
	name := ""
	if fb != nil {
		name = fb.Name
		fb.Close()
	} else if s.openFile != nil {
		name = s.openFile.Name
		s.openFile.Close()
	}
	defer s.closeFileSentry(name)()

	s.openFile = nil
	if fa, ok := s.adapter.(FileAdapter); ok {
		if err := fa.CloseFile(ctx); err != nil {
			if cleaningUpAfterException {
				slog.Warn("close file failed during exception cleanup", "file", name, "error", err)
				return nil
			}
			return &AdapterError{Op: "close file", Err: err}
		}
	}
	return nil
}

// NextProcessBlock reports whether another process-scoped block exists
// for the current file, recording the owning process name into the
// principal as a side effect. Adapters without the capability have no
// blocks.
func (s *Source) NextProcessBlock(ctx context.Context, pbp *hier.ProcessBlockPrincipal) (bool, error) {
	pb, ok := s.adapter.(ProcessBlocker)
	if !ok {
		return false, nil
	}
	more, err := pb.NextProcessBlock(ctx, pbp)
	if err != nil {
		return false, &AdapterError{Op: "next process block", Err: err}
	}
	return more, nil
}

// ReadProcessBlock materializes the block announced by the last
// NextProcessBlock call.
func (s *Source) ReadProcessBlock(ctx context.Context, pbp *hier.ProcessBlockPrincipal) error {
	pb, ok := s.adapter.(ProcessBlocker)
	if !ok {
		return &OrderingError{Op: "read process block", Reason: "adapter supplies no process blocks"}
	}
	defer s.processBlockSentry(pbp.ProcessName)()

	if err := pb.ReadProcessBlock(ctx, pbp); err != nil {
		return &AdapterError{Op: "read process block", Err: err}
	}
	return nil
}

// FillProcessBlockHelper performs the cross-file process-block
// aggregation. It runs exactly once per job; later calls are no-ops.
func (s *Source) FillProcessBlockHelper(ctx context.Context) error {
	if s.filledProcessBlockHelper {
		return nil
	}
	if pb, ok := s.adapter.(ProcessBlocker); ok {
		if err := pb.FillProcessBlockHelper(ctx, s.processBlocks); err != nil {
			return &AdapterError{Op: "fill process block helper", Err: err}
		}
	}
	if err := s.processBlocks.Fill(); err != nil {
		return &ContractError{Op: "fill process block helper", Message: err.Error()}
	}
	s.filledProcessBlockHelper = true
	return nil
}

// SkipEvents advances past offset events without delivering them. Offset
// may be negative for adapters that navigate backwards. Adapters opt in
// via the Skipper capability; the default is unsupported.
func (s *Source) SkipEvents(ctx context.Context, offset int) error {
	sk, ok := s.adapter.(Skipper)
	if !ok {
		return &ContractError{Op: "skip events", Message: "adapter does not support skipping"}
	}
	if err := sk.SkipEvents(ctx, offset); err != nil {
		return &AdapterError{Op: "skip events", Err: err}
	}
	return nil
}

// GoToEvent positions the stream at a specific event. found=false (no
// random access, or the id is absent) is a normal return, not an error.
func (s *Source) GoToEvent(ctx context.Context, id hier.EventID) (bool, error) {
	ra, ok := s.adapter.(RandomAccessor)
	if !ok || !ra.RandomAccess() {
		return false, nil
	}
	found, err := ra.GoToEvent(ctx, id)
	if err != nil {
		return false, &AdapterError{Op: "go to event", Err: err}
	}
	if found {
		s.reset()
	}
	return found, nil
}

// Rewind begins again at the first item. The cached decision (including a
// sticky Stop) is reset, the event budget is restored, and the staged
// state is cleared; the lumi budget and the rampdown clock keep their
// consumed state.
func (s *Source) Rewind(ctx context.Context) error {
	rw, ok := s.adapter.(Rewinder)
	if !ok {
		return &ContractError{Op: "rewind", Message: "adapter does not support rewinding"}
	}
	s.reset()
	s.limits.RestoreEventBudget()
	if err := rw.Rewind(ctx); err != nil {
		return &AdapterError{Op: "rewind", Err: err}
	}
	return nil
}

// reset clears the interior cache back to the pre-first-decision state.
// This is the only way a cached Stop is retracted.
func (s *Source) reset() {
	s.state = Item{}
	s.decided = false
	s.runAux = nil
	s.lumiAux = nil
	s.newRun = true
	s.newLumi = true
	s.eventCached = false
	s.openRun = nil
	s.openLumi = nil
}

// Repeat restores the event and lumi budgets to their configured maxima,
// enabling replay. The rampdown elapsed time is not reset.
func (s *Source) Repeat() {
	s.limits.Repeat()
	if s.state.Kind == KindRepeat {
		s.state = Item{}
		s.decided = false
	}
}

// DecreaseRemainingEventsBy consumes budget on behalf of an out-of-band
// consumer. See Limits.DecreaseRemainingEventsBy.
func (s *Source) DecreaseRemainingEventsBy(n int) error {
	return s.limits.DecreaseRemainingEventsBy(n)
}

// SetRun imposes a run number on adapters that accept one.
func (s *Source) SetRun(r hier.RunNumber) error {
	rs, ok := s.adapter.(RunLumiSetter)
	if !ok {
		return &ContractError{Op: "set run", Message: "adapter does not accept run numbers"}
	}
	return rs.SetRun(r)
}

// SetLumi imposes a lumi number on adapters that accept one.
func (s *Source) SetLumi(l hier.LumiNumber) error {
	rs, ok := s.adapter.(RunLumiSetter)
	if !ok {
		return &ContractError{Op: "set lumi", Message: "adapter does not accept lumi numbers"}
	}
	return rs.SetLumi(l)
}

// BeginJob runs once at job start: the adapter registers its branches and
// the product registry is frozen for event processing.
func (s *Source) BeginJob() error {
	if s.beganJob {
		return &ContractError{Op: "begin job", Message: "begin job called twice"}
	}
	s.beganJob = true
	if pr, ok := s.adapter.(ProductRegisterer); ok {
		if err := pr.RegisterProducts(s.products); err != nil {
			return &AdapterError{Op: "begin job", Err: err}
		}
	}
	s.products.Freeze()
	return nil
}

// EndJob runs once at job teardown. Consistency problems detected here,
// such as an event staged but never delivered or an adapter teardown
// failure, are surfaced rather than dropped.
func (s *Source) EndJob() error {
	if s.endedJob {
		return &ContractError{Op: "end job", Message: "end job called twice"}
	}
	s.endedJob = true

	var errs []error
	if s.eventCached {
		errs = append(errs, &ContractError{Op: "end job", Message: "an event was staged but never delivered"})
	}
	if ej, ok := s.adapter.(EndJobber); ok {
		if err := ej.EndJob(); err != nil {
			errs = append(errs, &AdapterError{Op: "end job", Err: err})
		}
	}
	if len(errs) > 0 {
		if len(errs) == 1 {
			return errs[0]
		}
		return fmt.Errorf("end job: %w (and %d more)", errs[0], len(errs)-1)
	}
	return nil
}

// BeginRun is the once-per-run lifecycle hook, called by the framework
// after the run principal is in its cache.
func (s *Source) BeginRun(rp *hier.RunPrincipal) error {
	if s.openRun == nil || *s.openRun != rp.Run() {
		return &OrderingError{Op: "begin run", Reason: fmt.Sprintf("run %d not open", rp.Run())}
	}
	return nil
}

// BeginLumi is the once-per-lumi lifecycle hook.
func (s *Source) BeginLumi(lp *hier.LumiPrincipal) error {
	if s.openLumi == nil || *s.openLumi != lp.ID() {
		return &OrderingError{Op: "begin lumi", Reason: fmt.Sprintf("%v not open", lp.ID())}
	}
	return nil
}

// RandomAccess reports whether the adapter supports direct event lookup.
func (s *Source) RandomAccess() bool {
	ra, ok := s.adapter.(RandomAccessor)
	return ok && ra.RandomAccess()
}

// ForwardState reports the adapter's forward navigation state.
func (s *Source) ForwardState() NavigationState {
	if nav, ok := s.adapter.(Navigator); ok {
		return nav.ForwardState()
	}
	return NavigationUnknown
}

// ReverseState reports the adapter's reverse navigation state.
func (s *Source) ReverseState() NavigationState {
	if nav, ok := s.adapter.(Navigator); ok {
		return nav.ReverseState()
	}
	return NavigationUnknown
}

// Accessors for the interior cache and the job-wide collaborators.

// State returns the cached decision without advancing anything.
func (s *Source) State() Item { return s.state }

// RunAuxiliary returns the staged run auxiliary, if any.
func (s *Source) RunAuxiliary() *hier.RunAuxiliary { return s.runAux }

// LumiAuxiliary returns the staged lumi auxiliary, if any.
func (s *Source) LumiAuxiliary() *hier.LumiAuxiliary { return s.lumiAux }

// NewRun reports whether the staged run is a first appearance.
func (s *Source) NewRun() bool { return s.newRun }

// NewLumi reports whether the staged lumi is a first appearance.
func (s *Source) NewLumi() bool { return s.newLumi }

// EventCached reports whether an event is staged for delivery.
func (s *Source) EventCached() bool { return s.eventCached }

// Run returns the current run number, or 0 when no run is open.
func (s *Source) Run() hier.RunNumber {
	if s.openRun == nil {
		return 0
	}
	return *s.openRun
}

// LuminosityBlock returns the current lumi number, or 0 when none is open.
func (s *Source) LuminosityBlock() hier.LumiNumber {
	if s.openLumi == nil {
		return 0
	}
	return s.openLumi.Lumi
}

// Timestamp returns the time of the last event read.
func (s *Source) Timestamp() hier.Timestamp { return s.time }

// ReadCount returns the number of events delivered so far.
func (s *Source) ReadCount() int { return s.readCount }

// ProcessingMode returns the configured mode.
func (s *Source) ProcessingMode() ProcessingMode { return s.mode }

// ProcessGUID returns the unique identifier of this source instance.
func (s *Source) ProcessGUID() string { return s.processGUID }

// MaxEvents returns the configured event budget (-1 unlimited).
func (s *Source) MaxEvents() int { return s.limits.MaxEvents() }

// RemainingEvents returns the remaining event budget (-1 unlimited).
func (s *Source) RemainingEvents() int { return s.limits.RemainingEvents() }

// MaxLuminosityBlocks returns the configured lumi budget (-1 unlimited).
func (s *Source) MaxLuminosityBlocks() int { return s.limits.MaxLumis() }

// RemainingLuminosityBlocks returns the remaining lumi budget.
func (s *Source) RemainingLuminosityBlocks() int { return s.limits.RemainingLumis() }

// ActivityRegistry returns the notification registry.
func (s *Source) ActivityRegistry() *activity.Registry { return s.actReg }

// ProductRegistry returns the job's product registry.
func (s *Source) ProductRegistry() *registry.ProductRegistry { return s.products }

// ProcessHistoryRegistry returns the job's process-history registry.
func (s *Source) ProcessHistoryRegistry() *registry.ProcessHistoryRegistry { return s.histories }

// BranchIDListHelper returns the job's branch-ID-list helper.
func (s *Source) BranchIDListHelper() *registry.BranchIDListHelper { return s.branchIDs }

// ProcessBlockHelper returns the job's process-block helper.
func (s *Source) ProcessBlockHelper() *registry.ProcessBlockHelper { return s.processBlocks }

// ThinnedAssociationsHelper returns the job's thinned-associations helper.
func (s *Source) ThinnedAssociationsHelper() *registry.ThinnedAssociationsHelper { return s.thinned }
