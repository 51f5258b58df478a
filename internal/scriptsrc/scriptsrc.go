// Package scriptsrc provides a scripted in-memory backing-store adapter.
// It plays back a fixed sequence of items (files, runs, lumis, events,
// process blocks) and is the reference adapter for tests and the
// conformance harness, the way an empty source is for jobs with no real
// input.
package scriptsrc

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/inflow/internal/hier"
	"github.com/roach88/inflow/internal/registry"
	"github.com/roach88/inflow/internal/source"
)

// Entry is one scripted item. Exactly one payload field matching the
// item kind is set.
type Entry struct {
	Item source.Item

	File  string              // file name, for KindFile
	Run   hier.RunAuxiliary   // for KindRun
	Lumi  hier.LumiAuxiliary  // for KindLumi
	Event hier.EventAuxiliary // for KindEvent
}

// File scripts a file-open boundary.
func File(name string) Entry {
	return Entry{Item: source.Item{Kind: source.KindFile}, File: name}
}

// Run scripts a run boundary.
func Run(r hier.RunNumber, pos source.Position) Entry {
	return Entry{
		Item: source.Item{Kind: source.KindRun, Position: pos},
		Run:  hier.RunAuxiliary{Run: r, BeginTime: hier.Timestamp(uint64(r) * 1000)},
	}
}

// RunAux scripts a run boundary with an explicit auxiliary.
func RunAux(aux hier.RunAuxiliary, pos source.Position) Entry {
	return Entry{Item: source.Item{Kind: source.KindRun, Position: pos}, Run: aux}
}

// Lumi scripts a lumi boundary.
func Lumi(r hier.RunNumber, l hier.LumiNumber, pos source.Position) Entry {
	return Entry{
		Item: source.Item{Kind: source.KindLumi, Position: pos},
		Lumi: hier.LumiAuxiliary{Run: r, Lumi: l, BeginTime: hier.Timestamp(uint64(r)*1000 + uint64(l)*10)},
	}
}

// Event scripts one event.
func Event(r hier.RunNumber, l hier.LumiNumber, e hier.EventNumber) Entry {
	return Entry{
		Item: source.Item{Kind: source.KindEvent},
		Event: hier.EventAuxiliary{
			ID:   hier.EventID{Run: r, Lumi: l, Event: e},
			Time: hier.Timestamp(uint64(r)*1000 + uint64(l)*10 + uint64(e)),
		},
	}
}

// Stop scripts an explicit end of input. A script that simply runs out of
// entries reports Stop as well.
func Stop() Entry {
	return Entry{Item: source.Item{Kind: source.KindStop}}
}

// Repeat scripts a replay request. The marker is one-shot: reporting it
// consumes it.
func Repeat() Entry {
	return Entry{Item: source.Item{Kind: source.KindRepeat}}
}

// Synchronize scripts a drain request. One-shot, like Repeat.
func Synchronize() Entry {
	return Entry{Item: source.Item{Kind: source.KindSynchronize}}
}

// Option configures the adapter.
type Option func(*Adapter)

// WithLoopFrom makes the script wrap back to the given entry index after
// the last entry, producing an unbounded stream. Used to model streaming
// inputs in rampdown tests.
func WithLoopFrom(idx int) Option {
	return func(a *Adapter) { a.loopFrom = idx }
}

// WithRandomAccess enables the direct-lookup capability.
func WithRandomAccess() Option {
	return func(a *Adapter) { a.randomAccess = true }
}

// WithSharedResource makes the adapter declare a resource shared with
// delayed readers.
func WithSharedResource(name string) Option {
	return func(a *Adapter) {
		a.shared = &source.SharedResource{Name: name, Mu: &a.sharedMu}
	}
}

// WithProcessBlocks scripts process-scoped blocks, keyed by owning
// process name in enumeration order.
func WithProcessBlocks(processNames ...string) Option {
	return func(a *Adapter) { a.processBlocks = processNames }
}

// WithInputHistory sets the provenance history reported for every run.
func WithInputHistory(h registry.ProcessHistory) Option {
	return func(a *Adapter) { a.inputHistory = h }
}

// WithPayload attaches an event product payload, delivered eagerly on
// every event read under the given branch.
func WithPayload(branch string, payload []byte) Option {
	return func(a *Adapter) { a.branch, a.payload = branch, payload }
}

// Adapter plays back a script. NextItem peeks at the entry under the
// cursor; the matching materialization call consumes it, so repeated
// "what's next" questions are harmless. It implements the mandatory
// adapter surface plus the file, skip, rewind, random-access,
// process-block, shared-resource and end-job capabilities.
type Adapter struct {
	script   []Entry
	loopFrom int     // -1: no looping
	cursor   int     // next entry to report and consume
	replay   []Entry // boundary context rebuilt by GoToEvent, served first

	randomAccess  bool
	shared        *source.SharedResource
	sharedMu      sync.Mutex
	processBlocks []string
	nextBlock     int
	inputHistory  registry.ProcessHistory
	branch        string
	payload       []byte

	endJobCalls int
}

// New creates a scripted adapter.
func New(script []Entry, opts ...Option) *Adapter {
	a := &Adapter{script: script, loopFrom: -1}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

var _ source.Adapter = (*Adapter)(nil)
var _ source.FileAdapter = (*Adapter)(nil)
var _ source.Skipper = (*Adapter)(nil)
var _ source.Rewinder = (*Adapter)(nil)
var _ source.RandomAccessor = (*Adapter)(nil)
var _ source.ProcessBlocker = (*Adapter)(nil)
var _ source.HistoryProvider = (*Adapter)(nil)
var _ source.EndJobber = (*Adapter)(nil)

// peek returns the entry a read would consume next, without consuming
// it. Replay context from GoToEvent is served before the script proper.
func (a *Adapter) peek() (Entry, bool) {
	if len(a.replay) > 0 {
		return a.replay[0], true
	}
	if a.cursor >= len(a.script) {
		if a.loopFrom < 0 || a.loopFrom >= len(a.script) {
			return Entry{}, false
		}
		a.cursor = a.loopFrom
	}
	return a.script[a.cursor], true
}

// advance consumes the entry peek reported.
func (a *Adapter) advance() {
	if len(a.replay) > 0 {
		a.replay = a.replay[1:]
		return
	}
	a.cursor++
}

// NextItem reports the nature of the next entry without consuming it.
// One-shot markers (Repeat, Synchronize) are the exception: reporting
// them consumes them, since no read call follows.
func (a *Adapter) NextItem(ctx context.Context) (source.Item, error) {
	e, ok := a.peek()
	if !ok {
		return source.Item{Kind: source.KindStop}, nil
	}
	if e.Item.Kind == source.KindRepeat || e.Item.Kind == source.KindSynchronize {
		a.advance()
	}
	return e.Item, nil
}

// consume checks the next entry and advances past it.
func (a *Adapter) consume(kind source.ItemKind, op string) (Entry, error) {
	e, ok := a.peek()
	if !ok || e.Item.Kind != kind {
		return Entry{}, fmt.Errorf("%s: no %s staged", op, kind)
	}
	a.advance()
	return e, nil
}

// ReadRunAuxiliary materializes and consumes the staged run boundary.
func (a *Adapter) ReadRunAuxiliary(ctx context.Context) (hier.RunAuxiliary, error) {
	e, err := a.consume(source.KindRun, "read run auxiliary")
	if err != nil {
		return hier.RunAuxiliary{}, err
	}
	return e.Run, nil
}

// ReadLumiAuxiliary materializes and consumes the staged lumi boundary.
func (a *Adapter) ReadLumiAuxiliary(ctx context.Context) (hier.LumiAuxiliary, error) {
	e, err := a.consume(source.KindLumi, "read lumi auxiliary")
	if err != nil {
		return hier.LumiAuxiliary{}, err
	}
	return e.Lumi, nil
}

// ReadEvent fills the principal from the staged event and consumes it.
func (a *Adapter) ReadEvent(ctx context.Context, ep *hier.EventPrincipal) error {
	e, err := a.consume(source.KindEvent, "read event")
	if err != nil {
		return err
	}
	a.fillEvent(ep, e)
	return nil
}

func (a *Adapter) fillEvent(ep *hier.EventPrincipal, e Entry) {
	ep.Aux = e.Event
	if a.branch != "" {
		ep.Products.Put(hier.Product{Branch: a.branch, Payload: a.payload})
	}
}

// ReadFile opens the staged file boundary. When the script starts deeper
// than a file, which the sequencer opens with a file item anyway, a
// synthetic block is served and nothing is consumed.
func (a *Adapter) ReadFile(ctx context.Context) (*hier.FileBlock, error) {
	a.nextBlock = 0 // process-block enumeration restarts per file
	if e, ok := a.peek(); ok && e.Item.Kind == source.KindFile {
		a.advance()
		return &hier.FileBlock{Name: e.File}, nil
	}
	return &hier.FileBlock{}, nil
}

// CloseFile is a no-op; scripted input holds nothing open.
func (a *Adapter) CloseFile(ctx context.Context) error { return nil }

// SkipEvents consumes entries until offset events have been skipped.
// Negative offsets walk backwards. When a skip crosses a file, run or
// lumi boundary, the enclosing context is queued for replay so the
// sequencer re-enters the hierarchy before the next event.
func (a *Adapter) SkipEvents(ctx context.Context, offset int) error {
	crossed := false
	if offset >= 0 {
		for skipped := 0; skipped < offset; {
			e, ok := a.peek()
			if !ok {
				return fmt.Errorf("skip events: ran off the end of the script")
			}
			if e.Item.Kind == source.KindEvent {
				skipped++
			} else {
				crossed = true
			}
			a.advance()
		}
	} else {
		a.replay = nil
		for skipped := 0; skipped < -offset; {
			if a.cursor == 0 {
				return fmt.Errorf("skip events: ran off the start of the script")
			}
			a.cursor--
			if a.script[a.cursor].Item.Kind == source.KindEvent {
				skipped++
			} else {
				crossed = true
			}
		}
	}
	if crossed {
		a.replay = a.replayFor(a.cursor)
	}
	return nil
}

// replayFor builds the boundary context to replay before the entry at i:
// only the levels deeper than that entry itself.
func (a *Adapter) replayFor(i int) []Entry {
	if i >= len(a.script) {
		return nil
	}
	full := a.contextBefore(i)
	keep := map[source.ItemKind]bool{source.KindFile: true, source.KindRun: true, source.KindLumi: true}
	switch a.script[i].Item.Kind {
	case source.KindFile:
		return nil
	case source.KindRun:
		keep = map[source.ItemKind]bool{source.KindFile: true}
	case source.KindLumi:
		keep = map[source.ItemKind]bool{source.KindFile: true, source.KindRun: true}
	}
	var out []Entry
	for _, e := range full {
		if keep[e.Item.Kind] {
			out = append(out, e)
		}
	}
	return out
}

// Rewind restarts the script from the beginning.
func (a *Adapter) Rewind(ctx context.Context) error {
	a.cursor = 0
	a.replay = nil
	a.nextBlock = 0
	return nil
}

// RandomAccess reports whether direct lookup was enabled.
func (a *Adapter) RandomAccess() bool { return a.randomAccess }

// ReadEventAt reads the scripted event with the given id, if present.
// The cursor is left alone: a direct read must not disturb sequential
// iteration.
func (a *Adapter) ReadEventAt(ctx context.Context, id hier.EventID, ep *hier.EventPrincipal) (bool, error) {
	if !a.randomAccess {
		return false, nil
	}
	for _, e := range a.script {
		if e.Item.Kind == source.KindEvent && e.Event.ID == id {
			a.fillEvent(ep, e)
			return true, nil
		}
	}
	return false, nil
}

// GoToEvent positions the cursor at the scripted event with the given id.
// The enclosing file, run and lumi boundaries are queued for replay so
// the sequencer re-enters the hierarchy from the top.
func (a *Adapter) GoToEvent(ctx context.Context, id hier.EventID) (bool, error) {
	if !a.randomAccess {
		return false, nil
	}
	for i, e := range a.script {
		if e.Item.Kind == source.KindEvent && e.Event.ID == id {
			a.replay = a.contextBefore(i)
			a.cursor = i
			return true, nil
		}
	}
	return false, nil
}

// contextBefore collects the nearest preceding file, run and lumi
// entries, in hierarchy order.
func (a *Adapter) contextBefore(i int) []Entry {
	var file, run, lumi *Entry
	for j := i - 1; j >= 0; j-- {
		e := a.script[j]
		switch e.Item.Kind {
		case source.KindLumi:
			if lumi == nil {
				lumi = &e
			}
		case source.KindRun:
			if run == nil {
				run = &e
			}
		case source.KindFile:
			if file == nil {
				file = &e
			}
		}
	}
	var out []Entry
	for _, e := range []*Entry{file, run, lumi} {
		if e != nil {
			out = append(out, *e)
		}
	}
	return out
}

// NextProcessBlock reports whether another scripted block exists for the
// current file and records its owning process name.
func (a *Adapter) NextProcessBlock(ctx context.Context, pbp *hier.ProcessBlockPrincipal) (bool, error) {
	if a.nextBlock >= len(a.processBlocks) {
		return false, nil
	}
	pbp.SetProcessName(a.processBlocks[a.nextBlock])
	return true, nil
}

// ReadProcessBlock materializes the announced block.
func (a *Adapter) ReadProcessBlock(ctx context.Context, pbp *hier.ProcessBlockPrincipal) error {
	if a.nextBlock >= len(a.processBlocks) {
		return fmt.Errorf("read process block: none announced")
	}
	if pbp.ProcessName != a.processBlocks[a.nextBlock] {
		return fmt.Errorf("read process block: principal names %q, staged block is %q",
			pbp.ProcessName, a.processBlocks[a.nextBlock])
	}
	a.nextBlock++
	return nil
}

// FillProcessBlockHelper records the scripted process names.
func (a *Adapter) FillProcessBlockHelper(ctx context.Context, helper *registry.ProcessBlockHelper) error {
	helper.UpdateFromInput(a.processBlocks)
	return nil
}

// InputProcessHistory returns the configured provenance for every run.
func (a *Adapter) InputProcessHistory(r hier.RunNumber) registry.ProcessHistory {
	return a.inputHistory
}

// SharedResourceWithDelayedReader returns the declared shared resource.
func (a *Adapter) SharedResourceWithDelayedReader() (source.SharedResource, bool) {
	if a.shared == nil {
		return source.SharedResource{}, false
	}
	return *a.shared, true
}

// EndJob counts teardown calls so tests can assert the once-only
// contract.
func (a *Adapter) EndJob() error {
	a.endJobCalls++
	return nil
}

// EndJobCalls returns how many times EndJob ran.
func (a *Adapter) EndJobCalls() int { return a.endJobCalls }
