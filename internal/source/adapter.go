package source

import (
	"context"

	"github.com/roach88/inflow/internal/hier"
	"github.com/roach88/inflow/internal/registry"
)

// Adapter is the capability interface a backing store implements to feed
// the sequencer. Only the core methods are mandatory; everything else is
// an optional capability interface discovered by type assertion, with
// "unsupported / no-op" as the default behavior.
//
// Adapters are driven by a single goroutine and need no internal locking,
// except for state they share with a delayed reader (see
// SharedResourcer).
type Adapter interface {
	// NextItem reports the nature of the next item in the stream. It must
	// advance only its own cursor; content is materialized by the read
	// calls below.
	NextItem(ctx context.Context) (Item, error)

	// ReadRunAuxiliary materializes the identifying metadata of the run
	// most recently reported by NextItem.
	ReadRunAuxiliary(ctx context.Context) (hier.RunAuxiliary, error)

	// ReadLumiAuxiliary materializes the identifying metadata of the lumi
	// most recently reported by NextItem.
	ReadLumiAuxiliary(ctx context.Context) (hier.LumiAuxiliary, error)

	// ReadEvent materializes the next event into the principal.
	ReadEvent(ctx context.Context, ep *hier.EventPrincipal) error
}

// FileAdapter is implemented by adapters whose input is organized in
// files. ReadFile opens the next file and describes it; CloseFile closes
// the current one.
type FileAdapter interface {
	ReadFile(ctx context.Context) (*hier.FileBlock, error)
	CloseFile(ctx context.Context) error
}

// RunReader is implemented by adapters that materialize run-scoped
// content beyond the auxiliary. The source fills the principal from the
// staged auxiliary first; the adapter adds products. The same hook serves
// the new and the merge path; history bookkeeping stays with the source.
type RunReader interface {
	ReadRun(ctx context.Context, rp *hier.RunPrincipal) error
}

// LumiReader is the lumi-scoped analog of RunReader.
type LumiReader interface {
	ReadLumi(ctx context.Context, lp *hier.LumiPrincipal) error
}

// RandomAccessor is implemented by adapters that support direct event
// lookup. ReadEventAt and GoToEvent report found=false, with no error,
// when the id is absent; that is a recoverable outcome.
type RandomAccessor interface {
	// RandomAccess reports whether direct lookup is currently usable.
	RandomAccess() bool
	ReadEventAt(ctx context.Context, id hier.EventID, ep *hier.EventPrincipal) (found bool, err error)
	GoToEvent(ctx context.Context, id hier.EventID) (found bool, err error)
}

// Rewinder is implemented by adapters that can begin again at the first
// item.
type Rewinder interface {
	Rewind(ctx context.Context) error
}

// Skipper is implemented by adapters that can skip events without
// materializing them. Offset may be negative for adapters that can also
// navigate backwards.
type Skipper interface {
	SkipEvents(ctx context.Context, offset int) error
}

// RunLumiSetter is implemented by adapters that accept an externally
// imposed run or lumi number, e.g. generator-style inputs.
type RunLumiSetter interface {
	SetRun(r hier.RunNumber) error
	SetLumi(l hier.LumiNumber) error
}

// ProcessBlocker is implemented by adapters whose files carry
// process-scoped blocks.
type ProcessBlocker interface {
	// NextProcessBlock reports whether another block exists for the
	// current file and, when it does, records the owning process name in
	// the principal.
	NextProcessBlock(ctx context.Context, pbp *hier.ProcessBlockPrincipal) (bool, error)

	// ReadProcessBlock materializes the block announced by the last
	// NextProcessBlock call.
	ReadProcessBlock(ctx context.Context, pbp *hier.ProcessBlockPrincipal) error

	// FillProcessBlockHelper performs the cross-file aggregation. The
	// source guarantees it runs at most once per job.
	FillProcessBlockHelper(ctx context.Context, helper *registry.ProcessBlockHelper) error
}

// FileMetadataProvider is implemented by file-organized adapters whose
// files carry registry metadata. The source folds the returned metadata
// into the job-wide registries right after each successful file open.
type FileMetadataProvider interface {
	FileProducts() []registry.ProductDescription
	FileBranchIDLists() []registry.BranchIDList
	FileThinnedAssociations() []registry.ThinnedAssociation
	FileProcessNames() []string
}

// SharedResourcer is implemented by adapters that share a resource (an
// I/O handle, typically) with a delayed reader. See
// Source.ResourceSharedWithDelayedReader.
type SharedResourcer interface {
	SharedResourceWithDelayedReader() (SharedResource, bool)
}

// ProductRegisterer is implemented by adapters that contribute branch
// descriptions to the product registry at begin-job.
type ProductRegisterer interface {
	RegisterProducts(reg *registry.ProductRegistry) error
}

// HistoryProvider is implemented by adapters whose input carries the
// provenance of earlier processing steps. The source folds the returned
// history into the new-run read path.
type HistoryProvider interface {
	InputProcessHistory(r hier.RunNumber) registry.ProcessHistory
}

// EndJobber is implemented by adapters that need teardown at end of job.
type EndJobber interface {
	EndJob() error
}

// NavigationState describes how far the adapter's cursor can still move
// in one direction.
type NavigationState int

const (
	// NavigationUnknown means the adapter cannot tell.
	NavigationUnknown NavigationState = iota
	// NavigationItemsAhead means more items exist in this direction.
	NavigationItemsAhead
	// NavigationAtBoundary means the cursor is at the first/last item.
	NavigationAtBoundary
)

// Navigator is implemented by adapters that can report their forward and
// reverse navigation state, for drivers that page interactively.
type Navigator interface {
	ForwardState() NavigationState
	ReverseState() NavigationState
}
