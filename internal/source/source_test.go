package source_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/inflow/internal/activity"
	"github.com/roach88/inflow/internal/hier"
	"github.com/roach88/inflow/internal/registry"
	"github.com/roach88/inflow/internal/scriptsrc"
	"github.com/roach88/inflow/internal/source"
)

func unlimited() source.Config {
	return source.Config{
		MaxEvents:      source.Unlimited,
		MaxLumis:       source.Unlimited,
		ProcessName:    "TEST",
		ProcessVersion: "v1",
	}
}

func basicScript() []scriptsrc.Entry {
	return []scriptsrc.Entry{
		scriptsrc.File("a.dat"),
		scriptsrc.Run(1, source.PositionInvalid),
		scriptsrc.Lumi(1, 1, source.PositionInvalid),
		scriptsrc.Event(1, 1, 1),
		scriptsrc.Event(1, 1, 2),
		scriptsrc.Event(1, 1, 3),
	}
}

func eid(r hier.RunNumber, l hier.LumiNumber, e hier.EventNumber) hier.EventID {
	return hier.EventID{Run: r, Lumi: l, Event: e}
}

type driveResult struct {
	events     []hier.EventID
	runs       map[hier.RunNumber]*hier.RunPrincipal
	lumis      map[hier.LumiID]*hier.LumiPrincipal
	runReads   int
	runMerges  int
	lumiReads  int
	lumiMerges int
	repeats    int
	syncs      int
}

// drive runs the canonical consumption loop until the source stops. A
// single Repeat decision triggers one replay; a second one falls through
// to the final Stop.
func drive(t *testing.T, s *source.Source) driveResult {
	t.Helper()
	ctx := context.Background()
	res := driveResult{
		runs:  make(map[hier.RunNumber]*hier.RunPrincipal),
		lumis: make(map[hier.LumiID]*hier.LumiPrincipal),
	}
	var openFile *hier.FileBlock

	for steps := 0; steps < 1000; steps++ {
		it, err := s.NextItemType(ctx)
		require.NoError(t, err)

		switch it.Kind {
		case source.KindStop:
			if openFile != nil {
				require.NoError(t, s.CloseFile(ctx, openFile, false))
			}
			return res

		case source.KindFile:
			if openFile != nil {
				require.NoError(t, s.CloseFile(ctx, openFile, false))
			}
			fb, err := s.ReadFile(ctx)
			require.NoError(t, err)
			openFile = fb

		case source.KindRun:
			aux, err := s.ReadRunAuxiliary(ctx)
			require.NoError(t, err)
			if s.NewRun() {
				rp := &hier.RunPrincipal{}
				require.NoError(t, s.ReadRun(ctx, rp))
				res.runs[aux.Run] = rp
				res.runReads++
			} else {
				rp := res.runs[aux.Run]
				require.NotNil(t, rp, "merge decision for a run never read")
				require.NoError(t, s.ReadAndMergeRun(ctx, rp))
				res.runMerges++
			}

		case source.KindLumi:
			aux, err := s.ReadLumiAuxiliary(ctx)
			require.NoError(t, err)
			if s.NewLumi() {
				lp := &hier.LumiPrincipal{}
				require.NoError(t, s.ReadLumi(ctx, lp))
				res.lumis[aux.ID()] = lp
				res.lumiReads++
			} else {
				lp := res.lumis[aux.ID()]
				require.NotNil(t, lp, "merge decision for a lumi never read")
				require.NoError(t, s.ReadAndMergeLumi(ctx, lp))
				res.lumiMerges++
			}

		case source.KindEvent:
			ep := &hier.EventPrincipal{}
			require.NoError(t, s.ReadEvent(ctx, ep, 0))
			res.events = append(res.events, ep.ID())

		case source.KindRepeat:
			res.repeats++
			s.Repeat()
			if res.repeats == 1 {
				require.NoError(t, s.Rewind(ctx))
			}

		case source.KindSynchronize:
			res.syncs++

		default:
			t.Fatalf("unexpected decision %v", it)
		}
	}
	t.Fatal("drive did not terminate")
	return res
}

func TestSource_DeliversScriptInOrder(t *testing.T) {
	s := source.New(scriptsrc.New(basicScript()), unlimited(), source.Collaborators{})

	res := drive(t, s)

	assert.Equal(t, []hier.EventID{eid(1, 1, 1), eid(1, 1, 2), eid(1, 1, 3)}, res.events)
	assert.Equal(t, 1, res.runReads)
	assert.Equal(t, 1, res.lumiReads)
	assert.Zero(t, res.runMerges)
	assert.Zero(t, res.lumiMerges)
	assert.Equal(t, 3, s.ReadCount())
	assert.Equal(t, hier.RunNumber(1), s.Run())
	assert.Equal(t, hier.LumiNumber(1), s.LuminosityBlock())
	assert.Equal(t, hier.Timestamp(1013), s.Timestamp())

	// Stop is sticky.
	it, err := s.NextItemType(context.Background())
	require.NoError(t, err)
	assert.Equal(t, source.KindStop, it.Kind)
}

func TestSource_EventBudgetStopsDelivery(t *testing.T) {
	cfg := unlimited()
	cfg.MaxEvents = 2
	s := source.New(scriptsrc.New(basicScript()), cfg, source.Collaborators{})

	res := drive(t, s)

	assert.Equal(t, []hier.EventID{eid(1, 1, 1), eid(1, 1, 2)}, res.events)
	assert.Zero(t, s.RemainingEvents())
	assert.Equal(t, 2, s.MaxEvents())
}

func TestSource_NextItemTypeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := source.New(scriptsrc.New(basicScript()), unlimited(), source.Collaborators{})

	for i := 0; i < 3; i++ {
		it, err := s.NextItemType(ctx)
		require.NoError(t, err)
		assert.Equal(t, source.KindFile, it.Kind)
	}

	// Repeated decisions consumed nothing; the full stream still arrives.
	res := drive(t, s)
	assert.Len(t, res.events, 3)
}

func TestSource_HierarchyOpensWithFile(t *testing.T) {
	ctx := context.Background()
	script := []scriptsrc.Entry{
		scriptsrc.Run(7, source.PositionInvalid),
		scriptsrc.Lumi(7, 1, source.PositionInvalid),
		scriptsrc.Event(7, 1, 1),
	}
	s := source.New(scriptsrc.New(script), unlimited(), source.Collaborators{})

	it, err := s.NextItemType(ctx)
	require.NoError(t, err)
	assert.Equal(t, source.KindFile, it.Kind, "a file decision precedes the first run")

	fb, err := s.ReadFile(ctx)
	require.NoError(t, err)
	assert.Empty(t, fb.Name)
	assert.NotEmpty(t, fb.ID, "synthetic blocks still get an identity")

	it, err = s.NextItemType(ctx)
	require.NoError(t, err)
	assert.Equal(t, source.KindRun, it.Kind)

	res := drive(t, s)
	assert.Equal(t, []hier.EventID{eid(7, 1, 1)}, res.events)
}

func TestSource_MergeAcrossFiles(t *testing.T) {
	script := []scriptsrc.Entry{
		scriptsrc.File("a.dat"),
		scriptsrc.Run(1, source.PositionInvalid),
		scriptsrc.Lumi(1, 1, source.PositionInvalid),
		scriptsrc.Event(1, 1, 1),
		scriptsrc.File("b.dat"),
		scriptsrc.Run(1, source.PositionInvalid),
		scriptsrc.Lumi(1, 1, source.PositionInvalid),
		scriptsrc.Event(1, 1, 2),
	}
	cfg := unlimited()
	cfg.MaxLumis = 5
	s := source.New(scriptsrc.New(script), cfg, source.Collaborators{})

	res := drive(t, s)

	assert.Equal(t, []hier.EventID{eid(1, 1, 1), eid(1, 1, 2)}, res.events)
	assert.Equal(t, 1, res.runReads)
	assert.Equal(t, 1, res.runMerges)
	assert.Equal(t, 1, res.lumiReads)
	assert.Equal(t, 1, res.lumiMerges)
	assert.Equal(t, 1, res.runs[1].MergeCount)

	// The continuation must not append a second history entry.
	assert.Equal(t, 1, s.ProcessHistoryRegistry().Len())

	// Merges consume lumi budget like first reads do.
	assert.Equal(t, 3, s.RemainingLuminosityBlocks())
}

func TestSource_InputHistoryExtended(t *testing.T) {
	input := registry.ProcessHistory{{Name: "HLT", Version: "v3"}}
	adapter := scriptsrc.New(basicScript(), scriptsrc.WithInputHistory(input))
	s := source.New(adapter, unlimited(), source.Collaborators{})

	res := drive(t, s)

	require.Equal(t, 1, s.ProcessHistoryRegistry().Len())
	hist, ok := s.ProcessHistoryRegistry().Get(res.runs[1].HistoryID)
	require.True(t, ok)
	require.Len(t, hist, 2)
	assert.Equal(t, "HLT", hist[0].Name)
	assert.Equal(t, "TEST", hist[1].Name)
}

func TestSource_OrderingViolations(t *testing.T) {
	ctx := context.Background()
	s := source.New(scriptsrc.New(basicScript()), unlimited(), source.Collaborators{})

	_, err := s.ReadRunAuxiliary(ctx)
	assert.True(t, source.IsOrderingError(err))
	_, err = s.ReadLumiAuxiliary(ctx)
	assert.True(t, source.IsOrderingError(err))
	assert.True(t, source.IsOrderingError(s.ReadRun(ctx, &hier.RunPrincipal{})))
	assert.True(t, source.IsOrderingError(s.ReadEvent(ctx, &hier.EventPrincipal{}, 0)))

	// Step to the run decision and misuse the merge path.
	it, err := s.NextItemType(ctx)
	require.NoError(t, err)
	require.Equal(t, source.KindFile, it.Kind)
	_, err = s.ReadFile(ctx)
	require.NoError(t, err)

	it, err = s.NextItemType(ctx)
	require.NoError(t, err)
	require.Equal(t, source.KindRun, it.Kind)

	// Content before auxiliary is rejected.
	assert.True(t, source.IsOrderingError(s.ReadRun(ctx, &hier.RunPrincipal{})))

	_, err = s.ReadRunAuxiliary(ctx)
	require.NoError(t, err)
	require.True(t, s.NewRun())
	assert.True(t, source.IsOrderingError(s.ReadAndMergeRun(ctx, &hier.RunPrincipal{})),
		"a new run must not take the merge path")

	rp := &hier.RunPrincipal{}
	require.NoError(t, s.ReadRun(ctx, rp))

	it, err = s.NextItemType(ctx)
	require.NoError(t, err)
	require.Equal(t, source.KindLumi, it.Kind)
	assert.True(t, source.IsOrderingError(s.ReadLumi(ctx, &hier.LumiPrincipal{})))

	_, err = s.ReadLumiAuxiliary(ctx)
	require.NoError(t, err)
	assert.True(t, source.IsOrderingError(s.ReadAndMergeLumi(ctx, &hier.LumiPrincipal{})),
		"a new lumi must not take the merge path")
	require.NoError(t, s.ReadLumi(ctx, &hier.LumiPrincipal{}))
}

func TestSource_LumiBudgetStillDeliversCurrentLumi(t *testing.T) {
	script := []scriptsrc.Entry{
		scriptsrc.File("a.dat"),
		scriptsrc.Run(1, source.PositionInvalid),
		scriptsrc.Lumi(1, 1, source.PositionInvalid),
		scriptsrc.Event(1, 1, 1),
		scriptsrc.Event(1, 1, 2),
		scriptsrc.Lumi(1, 2, source.PositionInvalid),
		scriptsrc.Event(1, 2, 3),
	}
	cfg := unlimited()
	cfg.MaxLumis = 1
	s := source.New(scriptsrc.New(script), cfg, source.Collaborators{})

	res := drive(t, s)

	assert.Equal(t, []hier.EventID{eid(1, 1, 1), eid(1, 1, 2)}, res.events,
		"events of the exhausted lumi are still delivered; the next lumi is not")
	assert.Equal(t, 1, res.lumiReads)
}

func TestSource_LumiBudgetStopsAtBoundaryWithoutEvents(t *testing.T) {
	script := []scriptsrc.Entry{
		scriptsrc.File("a.dat"),
		scriptsrc.Run(1, source.PositionInvalid),
		scriptsrc.Lumi(1, 1, source.PositionInvalid),
		scriptsrc.Event(1, 1, 1),
		scriptsrc.Lumi(1, 2, source.PositionInvalid),
	}
	cfg := unlimited()
	cfg.MaxLumis = 1
	cfg.Mode = source.RunsAndLumis
	s := source.New(scriptsrc.New(script), cfg, source.Collaborators{})

	res := drive(t, s)

	assert.Empty(t, res.events)
	assert.Equal(t, 1, res.lumiReads)
}

func TestSource_RampdownStopsUnboundedInput(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	script := []scriptsrc.Entry{
		scriptsrc.File("stream.dat"),
		scriptsrc.Run(1, source.PositionInvalid),
		scriptsrc.Lumi(1, 1, source.PositionInvalid),
		scriptsrc.Event(1, 1, 1),
		scriptsrc.Event(1, 1, 2),
	}
	adapter := scriptsrc.New(script, scriptsrc.WithLoopFrom(0))
	cfg := unlimited()
	cfg.RampdownSeconds = 5
	s := source.New(adapter, cfg, source.Collaborators{}, source.WithClock(clock))

	it, err := s.NextItemType(ctx)
	require.NoError(t, err)
	require.Equal(t, source.KindFile, it.Kind)
	_, err = s.ReadFile(ctx)
	require.NoError(t, err)

	_, err = s.NextItemType(ctx)
	require.NoError(t, err)
	_, err = s.ReadRunAuxiliary(ctx)
	require.NoError(t, err)
	require.NoError(t, s.ReadRun(ctx, &hier.RunPrincipal{}))

	_, err = s.NextItemType(ctx)
	require.NoError(t, err)
	_, err = s.ReadLumiAuxiliary(ctx)
	require.NoError(t, err)
	require.NoError(t, s.ReadLumi(ctx, &hier.LumiPrincipal{}))

	now = now.Add(6 * time.Second)

	// The deadline expired mid-lumi; the current lumi's events still
	// arrive, then the looping input stops at the boundary.
	res := drive(t, s)
	assert.Equal(t, []hier.EventID{eid(1, 1, 1), eid(1, 1, 2)}, res.events)

	it, err = s.NextItemType(ctx)
	require.NoError(t, err)
	assert.Equal(t, source.KindStop, it.Kind)
}

func TestSource_RepeatReplaysInput(t *testing.T) {
	script := []scriptsrc.Entry{
		scriptsrc.File("a.dat"),
		scriptsrc.Run(1, source.PositionInvalid),
		scriptsrc.Lumi(1, 1, source.PositionInvalid),
		scriptsrc.Event(1, 1, 1),
		scriptsrc.Repeat(),
	}
	cfg := unlimited()
	cfg.MaxEvents = 2
	s := source.New(scriptsrc.New(script), cfg, source.Collaborators{})

	res := drive(t, s)

	assert.Equal(t, []hier.EventID{eid(1, 1, 1), eid(1, 1, 1)}, res.events)
	assert.Equal(t, 2, res.repeats)
	assert.Equal(t, 2, res.runReads, "replay re-enters the run as new")
	assert.Equal(t, 1, s.ProcessHistoryRegistry().Len(),
		"replaying the same run registers the same history once")
}

func TestSource_RewindClearsStickyStop(t *testing.T) {
	ctx := context.Background()
	cfg := unlimited()
	cfg.MaxEvents = 3
	s := source.New(scriptsrc.New(basicScript()), cfg, source.Collaborators{})

	first := drive(t, s)
	require.Len(t, first.events, 3)

	it, err := s.NextItemType(ctx)
	require.NoError(t, err)
	require.Equal(t, source.KindStop, it.Kind)

	require.NoError(t, s.Rewind(ctx))
	assert.Equal(t, 3, s.RemainingEvents(), "rewind restores the event budget")

	second := drive(t, s)
	assert.Equal(t, first.events, second.events)
}

func TestSource_Synchronize(t *testing.T) {
	script := []scriptsrc.Entry{
		scriptsrc.File("a.dat"),
		scriptsrc.Run(1, source.PositionInvalid),
		scriptsrc.Lumi(1, 1, source.PositionInvalid),
		scriptsrc.Synchronize(),
		scriptsrc.Event(1, 1, 1),
	}
	s := source.New(scriptsrc.New(script), unlimited(), source.Collaborators{})

	res := drive(t, s)

	assert.Equal(t, 1, res.syncs)
	assert.Equal(t, []hier.EventID{eid(1, 1, 1)}, res.events)
}

func TestSource_ModeFiltering(t *testing.T) {
	t.Run("runs and lumis", func(t *testing.T) {
		cfg := unlimited()
		cfg.Mode = source.RunsAndLumis
		s := source.New(scriptsrc.New(basicScript()), cfg, source.Collaborators{})

		res := drive(t, s)
		assert.Empty(t, res.events)
		assert.Equal(t, 1, res.runReads)
		assert.Equal(t, 1, res.lumiReads)
		assert.Zero(t, s.ReadCount())
	})

	t.Run("runs only", func(t *testing.T) {
		cfg := unlimited()
		cfg.Mode = source.Runs
		s := source.New(scriptsrc.New(basicScript()), cfg, source.Collaborators{})

		res := drive(t, s)
		assert.Empty(t, res.events)
		assert.Equal(t, 1, res.runReads)
		assert.Zero(t, res.lumiReads)
	})
}

func TestSource_SkipEvents(t *testing.T) {
	ctx := context.Background()
	s := source.New(scriptsrc.New(basicScript()), unlimited(), source.Collaborators{})

	require.NoError(t, s.SkipEvents(ctx, 2))

	res := drive(t, s)
	assert.Equal(t, []hier.EventID{eid(1, 1, 3)}, res.events)
	assert.Equal(t, 1, res.runReads)
	assert.Equal(t, 1, res.lumiReads)
}

func TestSource_GoToEvent(t *testing.T) {
	ctx := context.Background()
	script := []scriptsrc.Entry{
		scriptsrc.File("a.dat"),
		scriptsrc.Run(1, source.PositionInvalid),
		scriptsrc.Lumi(1, 1, source.PositionInvalid),
		scriptsrc.Event(1, 1, 1),
		scriptsrc.Event(1, 1, 2),
		scriptsrc.Lumi(1, 2, source.PositionInvalid),
		scriptsrc.Event(1, 2, 3),
	}
	adapter := scriptsrc.New(script, scriptsrc.WithRandomAccess())
	s := source.New(adapter, unlimited(), source.Collaborators{})
	require.True(t, s.RandomAccess())

	found, err := s.GoToEvent(ctx, eid(1, 2, 3))
	require.NoError(t, err)
	require.True(t, found)

	res := drive(t, s)
	assert.Equal(t, []hier.EventID{eid(1, 2, 3)}, res.events)
	assert.Equal(t, 1, res.lumiReads)
	assert.Contains(t, res.lumis, hier.LumiID{Run: 1, Lumi: 2},
		"positioning re-enters through the enclosing lumi")

	found, err = s.GoToEvent(ctx, eid(9, 9, 9))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSource_ReadEventByID(t *testing.T) {
	ctx := context.Background()
	adapter := scriptsrc.New(basicScript(), scriptsrc.WithRandomAccess())
	cfg := unlimited()
	cfg.MaxEvents = 2
	s := source.New(adapter, cfg, source.Collaborators{})

	ep := &hier.EventPrincipal{}
	found, err := s.ReadEventByID(ctx, eid(1, 1, 2), ep, 3)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, eid(1, 1, 2), ep.ID())
	assert.Equal(t, 3, ep.StreamID)
	assert.Equal(t, 1, s.ReadCount())
	assert.Equal(t, 1, s.RemainingEvents())

	// An absent id is recoverable and costs no budget.
	found, err = s.ReadEventByID(ctx, eid(9, 9, 9), &hier.EventPrincipal{}, 0)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, 1, s.RemainingEvents())

	// Exhaust the budget; further direct reads report not-found.
	found, err = s.ReadEventByID(ctx, eid(1, 1, 1), &hier.EventPrincipal{}, 0)
	require.NoError(t, err)
	require.True(t, found)
	found, err = s.ReadEventByID(ctx, eid(1, 1, 3), &hier.EventPrincipal{}, 0)
	require.NoError(t, err)
	assert.False(t, found)
}

// coreOnly strips an adapter down to the mandatory surface, hiding every
// optional capability.
type coreOnly struct {
	inner source.Adapter
}

func (c coreOnly) NextItem(ctx context.Context) (source.Item, error) {
	return c.inner.NextItem(ctx)
}

func (c coreOnly) ReadRunAuxiliary(ctx context.Context) (hier.RunAuxiliary, error) {
	return c.inner.ReadRunAuxiliary(ctx)
}

func (c coreOnly) ReadLumiAuxiliary(ctx context.Context) (hier.LumiAuxiliary, error) {
	return c.inner.ReadLumiAuxiliary(ctx)
}

func (c coreOnly) ReadEvent(ctx context.Context, ep *hier.EventPrincipal) error {
	return c.inner.ReadEvent(ctx, ep)
}

func TestSource_CapabilityDefaults(t *testing.T) {
	ctx := context.Background()
	// No file entries: without the file capability a scripted file
	// boundary would never be consumed.
	script := []scriptsrc.Entry{
		scriptsrc.Run(1, source.PositionInvalid),
		scriptsrc.Lumi(1, 1, source.PositionInvalid),
		scriptsrc.Event(1, 1, 1),
		scriptsrc.Event(1, 1, 2),
		scriptsrc.Event(1, 1, 3),
	}
	s := source.New(coreOnly{inner: scriptsrc.New(script)}, unlimited(), source.Collaborators{})

	assert.False(t, s.RandomAccess())

	found, err := s.ReadEventByID(ctx, eid(1, 1, 1), &hier.EventPrincipal{}, 0)
	require.NoError(t, err)
	assert.False(t, found)

	found, err = s.GoToEvent(ctx, eid(1, 1, 1))
	require.NoError(t, err)
	assert.False(t, found)

	assert.True(t, source.IsContractError(s.SkipEvents(ctx, 1)))
	assert.True(t, source.IsContractError(s.Rewind(ctx)))
	assert.True(t, source.IsContractError(s.SetRun(5)))
	assert.True(t, source.IsContractError(s.SetLumi(5)))

	more, err := s.NextProcessBlock(ctx, &hier.ProcessBlockPrincipal{})
	require.NoError(t, err)
	assert.False(t, more)
	assert.True(t, source.IsOrderingError(s.ReadProcessBlock(ctx, &hier.ProcessBlockPrincipal{})))

	_, ok := s.ResourceSharedWithDelayedReader()
	assert.False(t, ok)

	assert.Equal(t, source.NavigationUnknown, s.ForwardState())
	assert.Equal(t, source.NavigationUnknown, s.ReverseState())

	// The mandatory surface still drives fine.
	res := drive(t, s)
	assert.Len(t, res.events, 3)
}

func TestSource_SharedResource(t *testing.T) {
	adapter := scriptsrc.New(basicScript(), scriptsrc.WithSharedResource("scriptdb"))
	s := source.New(adapter, unlimited(), source.Collaborators{})

	res, ok := s.ResourceSharedWithDelayedReader()
	require.True(t, ok)
	assert.Equal(t, "scriptdb", res.Name)
	require.NotNil(t, res.Mu)
	res.Mu.Lock()
	res.Mu.Unlock()
}

func TestSource_ProcessBlocks(t *testing.T) {
	ctx := context.Background()
	adapter := scriptsrc.New(basicScript(), scriptsrc.WithProcessBlocks("HLT", "RECO"))
	s := source.New(adapter, unlimited(), source.Collaborators{})

	it, err := s.NextItemType(ctx)
	require.NoError(t, err)
	require.Equal(t, source.KindFile, it.Kind)
	_, err = s.ReadFile(ctx)
	require.NoError(t, err)

	var names []string
	for {
		pbp := &hier.ProcessBlockPrincipal{}
		more, err := s.NextProcessBlock(ctx, pbp)
		require.NoError(t, err)
		if !more {
			break
		}
		require.NoError(t, s.ReadProcessBlock(ctx, pbp))
		names = append(names, pbp.ProcessName)
	}
	assert.Equal(t, []string{"HLT", "RECO"}, names)

	require.NoError(t, s.FillProcessBlockHelper(ctx))
	assert.True(t, s.ProcessBlockHelper().Filled())
	assert.Equal(t, []string{"HLT", "RECO"}, s.ProcessBlockHelper().ProcessNames())

	// The aggregation runs once per job; a second request is a no-op.
	require.NoError(t, s.FillProcessBlockHelper(ctx))
}

// withFileMeta attaches file-level registry metadata to a scripted
// adapter.
type withFileMeta struct {
	*scriptsrc.Adapter
}

func (withFileMeta) FileProducts() []registry.ProductDescription {
	return []registry.ProductDescription{
		{BranchName: "hits__HLT", ProcessName: "HLT", Label: "hits", Type: "Hits"},
	}
}

func (withFileMeta) FileBranchIDLists() []registry.BranchIDList {
	return []registry.BranchIDList{{101, 102}}
}

func (withFileMeta) FileThinnedAssociations() []registry.ThinnedAssociation {
	return []registry.ThinnedAssociation{{ParentBranch: "hits__HLT", ThinnedBranch: "slimHits__HLT"}}
}

func (withFileMeta) FileProcessNames() []string { return []string{"HLT"} }

func TestSource_ReadFileFoldsMetadata(t *testing.T) {
	ctx := context.Background()
	adapter := withFileMeta{scriptsrc.New(basicScript())}
	s := source.New(adapter, unlimited(), source.Collaborators{})

	_, err := s.NextItemType(ctx)
	require.NoError(t, err)
	fb, err := s.ReadFile(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a.dat", fb.Name)

	assert.Equal(t, 1, s.ProductRegistry().Len())
	_, ok := s.ProductRegistry().Get("hits__HLT")
	assert.True(t, ok)
	assert.Equal(t, 1, s.BranchIDListHelper().Len())
	assert.Equal(t, []string{"slimHits__HLT"}, s.ThinnedAssociationsHelper().Thinned("hits__HLT"))
	assert.Equal(t, []string{"HLT"}, s.ProcessBlockHelper().ProcessNames())
}

func TestSource_SentryPairing(t *testing.T) {
	reg := activity.NewRegistry()
	var trace []string
	reg.WatchOpenFile(
		func(name string) { trace = append(trace, "open") },
		func(name string) { trace = append(trace, "open.done") },
	)
	reg.WatchCloseFile(
		func(name string) { trace = append(trace, "close "+name) },
		func(name string) { trace = append(trace, "close.done "+name) },
	)
	reg.WatchSourceRun(
		func(run hier.RunNumber) { trace = append(trace, fmt.Sprintf("run %d", run)) },
		func(run hier.RunNumber) { trace = append(trace, fmt.Sprintf("run.done %d", run)) },
	)
	reg.WatchSourceLumi(
		func(id hier.LumiID) { trace = append(trace, "lumi "+id.String()) },
		func(id hier.LumiID) { trace = append(trace, "lumi.done "+id.String()) },
	)
	reg.WatchSourceEvent(
		func(stream int) { trace = append(trace, fmt.Sprintf("event %d", stream)) },
		func(stream int) { trace = append(trace, fmt.Sprintf("event.done %d", stream)) },
	)

	script := []scriptsrc.Entry{
		scriptsrc.File("a.dat"),
		scriptsrc.Run(1, source.PositionInvalid),
		scriptsrc.Lumi(1, 1, source.PositionInvalid),
		scriptsrc.Event(1, 1, 1),
	}
	s := source.New(scriptsrc.New(script), unlimited(), source.Collaborators{Activity: reg})

	drive(t, s)

	assert.Equal(t, []string{
		"open", "open.done",
		"run 1", "run.done 1",
		"lumi run 1 lumi 1", "lumi.done run 1 lumi 1",
		"event 0", "event.done 0",
		"close a.dat", "close.done a.dat",
	}, trace)
}

// eventFails makes every event read fail at the adapter.
type eventFails struct {
	*scriptsrc.Adapter
}

func (eventFails) ReadEvent(ctx context.Context, ep *hier.EventPrincipal) error {
	return errors.New("bad payload")
}

func TestSource_SentryPairsCompleteOnFailure(t *testing.T) {
	ctx := context.Background()
	reg := activity.NewRegistry()
	var pre, post int
	reg.WatchSourceEvent(
		func(stream int) { pre++ },
		func(stream int) { post++ },
	)

	adapter := eventFails{scriptsrc.New(basicScript())}
	s := source.New(adapter, unlimited(), source.Collaborators{Activity: reg})

	// Step to the event decision.
	_, err := s.NextItemType(ctx)
	require.NoError(t, err)
	_, err = s.ReadFile(ctx)
	require.NoError(t, err)
	_, err = s.NextItemType(ctx)
	require.NoError(t, err)
	_, err = s.ReadRunAuxiliary(ctx)
	require.NoError(t, err)
	require.NoError(t, s.ReadRun(ctx, &hier.RunPrincipal{}))
	_, err = s.NextItemType(ctx)
	require.NoError(t, err)
	_, err = s.ReadLumiAuxiliary(ctx)
	require.NoError(t, err)
	require.NoError(t, s.ReadLumi(ctx, &hier.LumiPrincipal{}))
	it, err := s.NextItemType(ctx)
	require.NoError(t, err)
	require.Equal(t, source.KindEvent, it.Kind)

	err = s.ReadEvent(ctx, &hier.EventPrincipal{}, 0)
	require.True(t, source.IsAdapterError(err))
	assert.Equal(t, 1, pre)
	assert.Equal(t, 1, post, "the end signal fires on the error path too")
}

// closeFails makes the adapter-side file close fail.
type closeFails struct {
	*scriptsrc.Adapter
}

func (closeFails) CloseFile(ctx context.Context) error {
	return errors.New("flush failed")
}

func TestSource_CloseFile(t *testing.T) {
	ctx := context.Background()

	t.Run("noop when nothing open", func(t *testing.T) {
		reg := activity.NewRegistry()
		var closes int
		reg.WatchCloseFile(func(name string) { closes++ }, nil)
		s := source.New(scriptsrc.New(basicScript()), unlimited(), source.Collaborators{Activity: reg})

		require.NoError(t, s.CloseFile(ctx, nil, false))
		assert.Zero(t, closes)
	})

	t.Run("propagates adapter failure", func(t *testing.T) {
		s := source.New(closeFails{scriptsrc.New(basicScript())}, unlimited(), source.Collaborators{})
		_, err := s.NextItemType(ctx)
		require.NoError(t, err)
		fb, err := s.ReadFile(ctx)
		require.NoError(t, err)

		err = s.CloseFile(ctx, fb, false)
		assert.True(t, source.IsAdapterError(err))
		assert.True(t, fb.Closed())
	})

	t.Run("degrades during exception cleanup", func(t *testing.T) {
		s := source.New(closeFails{scriptsrc.New(basicScript())}, unlimited(), source.Collaborators{})
		_, err := s.NextItemType(ctx)
		require.NoError(t, err)
		fb, err := s.ReadFile(ctx)
		require.NoError(t, err)

		assert.NoError(t, s.CloseFile(ctx, fb, true))
	})
}

// registersProducts contributes a branch at begin-job.
type registersProducts struct {
	*scriptsrc.Adapter
}

func (registersProducts) RegisterProducts(reg *registry.ProductRegistry) error {
	return reg.Register(registry.ProductDescription{
		BranchName: "gen__TEST", ProcessName: "TEST", Label: "gen", Type: "GenInfo",
	})
}

func TestSource_BeginJob(t *testing.T) {
	s := source.New(registersProducts{scriptsrc.New(basicScript())}, unlimited(), source.Collaborators{})

	require.NoError(t, s.BeginJob())
	assert.True(t, s.ProductRegistry().Frozen())
	assert.Equal(t, 1, s.ProductRegistry().Len())

	assert.True(t, source.IsContractError(s.BeginJob()))
}

func TestSource_EndJob(t *testing.T) {
	ctx := context.Background()

	t.Run("clean", func(t *testing.T) {
		adapter := scriptsrc.New(basicScript())
		s := source.New(adapter, unlimited(), source.Collaborators{})
		drive(t, s)

		require.NoError(t, s.EndJob())
		assert.Equal(t, 1, adapter.EndJobCalls())
		assert.True(t, source.IsContractError(s.EndJob()))
		assert.Equal(t, 1, adapter.EndJobCalls(), "teardown runs once")
	})

	t.Run("staged event never delivered", func(t *testing.T) {
		adapter := scriptsrc.New(basicScript())
		s := source.New(adapter, unlimited(), source.Collaborators{})

		_, err := s.NextItemType(ctx)
		require.NoError(t, err)
		_, err = s.ReadFile(ctx)
		require.NoError(t, err)
		_, err = s.NextItemType(ctx)
		require.NoError(t, err)
		_, err = s.ReadRunAuxiliary(ctx)
		require.NoError(t, err)
		require.NoError(t, s.ReadRun(ctx, &hier.RunPrincipal{}))
		_, err = s.NextItemType(ctx)
		require.NoError(t, err)
		_, err = s.ReadLumiAuxiliary(ctx)
		require.NoError(t, err)
		require.NoError(t, s.ReadLumi(ctx, &hier.LumiPrincipal{}))
		it, err := s.NextItemType(ctx)
		require.NoError(t, err)
		require.Equal(t, source.KindEvent, it.Kind)
		require.True(t, s.EventCached())

		err = s.EndJob()
		assert.True(t, source.IsContractError(err))
		assert.Equal(t, 1, adapter.EndJobCalls(), "adapter teardown still runs")
	})
}

func TestSource_DecreaseRemainingEventsBy(t *testing.T) {
	ctx := context.Background()
	cfg := unlimited()
	cfg.MaxEvents = 3
	s := source.New(scriptsrc.New(basicScript()), cfg, source.Collaborators{})

	require.NoError(t, s.DecreaseRemainingEventsBy(3))
	assert.Zero(t, s.RemainingEvents())

	it, err := s.NextItemType(ctx)
	require.NoError(t, err)
	assert.Equal(t, source.KindStop, it.Kind,
		"budget consumed out of band forces the stop decision")

	s2 := source.New(scriptsrc.New(basicScript()), cfg, source.Collaborators{})
	assert.True(t, source.IsContractError(s2.DecreaseRemainingEventsBy(5)))
}

// acceptsRunLumi records externally imposed run/lumi numbers.
type acceptsRunLumi struct {
	*scriptsrc.Adapter
	run  hier.RunNumber
	lumi hier.LumiNumber
}

func (a *acceptsRunLumi) SetRun(r hier.RunNumber) error   { a.run = r; return nil }
func (a *acceptsRunLumi) SetLumi(l hier.LumiNumber) error { a.lumi = l; return nil }

func TestSource_SetRunAndLumi(t *testing.T) {
	adapter := &acceptsRunLumi{Adapter: scriptsrc.New(basicScript())}
	s := source.New(adapter, unlimited(), source.Collaborators{})

	require.NoError(t, s.SetRun(42))
	require.NoError(t, s.SetLumi(7))
	assert.Equal(t, hier.RunNumber(42), adapter.run)
	assert.Equal(t, hier.LumiNumber(7), adapter.lumi)
}

func TestSource_BeginRunBeginLumiValidateOpenScope(t *testing.T) {
	ctx := context.Background()
	s := source.New(scriptsrc.New(basicScript()), unlimited(), source.Collaborators{})

	_, err := s.NextItemType(ctx)
	require.NoError(t, err)
	_, err = s.ReadFile(ctx)
	require.NoError(t, err)
	_, err = s.NextItemType(ctx)
	require.NoError(t, err)
	_, err = s.ReadRunAuxiliary(ctx)
	require.NoError(t, err)
	rp := &hier.RunPrincipal{}
	require.NoError(t, s.ReadRun(ctx, rp))

	require.NoError(t, s.BeginRun(rp))
	other := &hier.RunPrincipal{}
	other.Fill(hier.RunAuxiliary{Run: 9})
	assert.True(t, source.IsOrderingError(s.BeginRun(other)))

	_, err = s.NextItemType(ctx)
	require.NoError(t, err)
	_, err = s.ReadLumiAuxiliary(ctx)
	require.NoError(t, err)
	lp := &hier.LumiPrincipal{}
	require.NoError(t, s.ReadLumi(ctx, lp))

	require.NoError(t, s.BeginLumi(lp))
	otherLumi := &hier.LumiPrincipal{}
	otherLumi.Fill(hier.LumiAuxiliary{Run: 1, Lumi: 99})
	assert.True(t, source.IsOrderingError(s.BeginLumi(otherLumi)))
}

func TestSource_ProcessGUID(t *testing.T) {
	s1 := source.New(scriptsrc.New(nil), unlimited(), source.Collaborators{})
	s2 := source.New(scriptsrc.New(nil), unlimited(), source.Collaborators{})

	assert.NotEmpty(t, s1.ProcessGUID())
	assert.NotEqual(t, s1.ProcessGUID(), s2.ProcessGUID())
}

func TestSource_EventPayloadDelivered(t *testing.T) {
	adapter := scriptsrc.New(basicScript(), scriptsrc.WithPayload("raw__TEST", []byte("abc")))
	s := source.New(adapter, unlimited(), source.Collaborators{})

	ctx := context.Background()
	_, err := s.NextItemType(ctx)
	require.NoError(t, err)
	_, err = s.ReadFile(ctx)
	require.NoError(t, err)
	_, err = s.NextItemType(ctx)
	require.NoError(t, err)
	_, err = s.ReadRunAuxiliary(ctx)
	require.NoError(t, err)
	require.NoError(t, s.ReadRun(ctx, &hier.RunPrincipal{}))
	_, err = s.NextItemType(ctx)
	require.NoError(t, err)
	_, err = s.ReadLumiAuxiliary(ctx)
	require.NoError(t, err)
	require.NoError(t, s.ReadLumi(ctx, &hier.LumiPrincipal{}))
	_, err = s.NextItemType(ctx)
	require.NoError(t, err)

	ep := &hier.EventPrincipal{}
	require.NoError(t, s.ReadEvent(ctx, ep, 0))
	p, err := ep.GetProduct("raw__TEST")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), p.Payload)
}
