package hier

import "fmt"

// Product is a single materialized data product keyed by branch name.
// Payloads are opaque to the sequencing engine.
type Product struct {
	Branch  string
	Payload []byte
}

// ProductSet holds the products materialized into a principal.
// Not safe for concurrent mutation; principals are owned by a single
// logical caller at a time.
type ProductSet struct {
	byBranch map[string]Product
}

// Put stores or replaces the product for its branch.
func (ps *ProductSet) Put(p Product) {
	if ps.byBranch == nil {
		ps.byBranch = make(map[string]Product)
	}
	ps.byBranch[p.Branch] = p
}

// Get returns the product for a branch, if present.
func (ps *ProductSet) Get(branch string) (Product, bool) {
	p, ok := ps.byBranch[branch]
	return p, ok
}

// Len returns the number of stored products.
func (ps *ProductSet) Len() int { return len(ps.byBranch) }

// Branches returns the stored branch names in unspecified order.
func (ps *ProductSet) Branches() []string {
	out := make([]string, 0, len(ps.byBranch))
	for b := range ps.byBranch {
		out = append(out, b)
	}
	return out
}

// DelayedReader materializes an event product later than the read call that
// produced its principal, possibly from a different goroutine. A delayed
// reader touching a resource shared with the sequencer must hold the mutex
// declared by the adapter's shared-resource capability for the duration of
// the access.
type DelayedReader interface {
	ReadProduct(branch string, id EventID) (Product, error)
}

// RunPrincipal is the in-memory container for one run's materialized
// content. The same principal instance accumulates content when a run is
// split across files and read via the merge path.
type RunPrincipal struct {
	Aux      RunAuxiliary
	Products ProductSet

	// HistoryID is the reduced process-history identity for this run's
	// provenance. Appended exactly once, on the new-run path.
	HistoryID string

	// MergeCount records how many file fragments were folded in after the
	// initial read.
	MergeCount int
}

// Run returns the run number of the staged auxiliary.
func (rp *RunPrincipal) Run() RunNumber { return rp.Aux.Run }

// Fill seeds the principal from a freshly staged auxiliary.
func (rp *RunPrincipal) Fill(aux RunAuxiliary) {
	rp.Aux = aux
}

// Merge folds a continuation fragment into an already-filled principal.
// The fragment must belong to the same run.
func (rp *RunPrincipal) Merge(aux RunAuxiliary) error {
	if aux.Run != rp.Aux.Run {
		return fmt.Errorf("merge run %d into principal for run %d", aux.Run, rp.Aux.Run)
	}
	rp.Aux.MergeAuxiliary(aux)
	rp.MergeCount++
	return nil
}

// LumiPrincipal is the in-memory container for one luminosity section.
type LumiPrincipal struct {
	Aux        LumiAuxiliary
	Products   ProductSet
	MergeCount int
}

// ID returns the (run, lumi) pair of the staged auxiliary.
func (lp *LumiPrincipal) ID() LumiID { return lp.Aux.ID() }

// Fill seeds the principal from a freshly staged auxiliary.
func (lp *LumiPrincipal) Fill(aux LumiAuxiliary) {
	lp.Aux = aux
}

// Merge folds a continuation fragment into an already-filled principal.
func (lp *LumiPrincipal) Merge(aux LumiAuxiliary) error {
	if aux.ID() != lp.Aux.ID() {
		return fmt.Errorf("merge %v into principal for %v", aux.ID(), lp.Aux.ID())
	}
	lp.Aux.MergeAuxiliary(aux)
	lp.MergeCount++
	return nil
}

// EventPrincipal is the in-memory container for one event. Content may be
// partially materialized at read time, with the remainder supplied on
// demand by the delayed reader.
type EventPrincipal struct {
	Aux      EventAuxiliary
	Products ProductSet

	// Reader, when non-nil, materializes products not present in Products.
	Reader DelayedReader

	// StreamID identifies the processing stream the event was read for.
	StreamID int
}

// ID returns the event identity.
func (ep *EventPrincipal) ID() EventID { return ep.Aux.ID }

// Time returns the instant the event was recorded.
func (ep *EventPrincipal) Time() Timestamp { return ep.Aux.Time }

// GetProduct returns a product, consulting the delayed reader for branches
// that were not materialized at read time.
func (ep *EventPrincipal) GetProduct(branch string) (Product, error) {
	if p, ok := ep.Products.Get(branch); ok {
		return p, nil
	}
	if ep.Reader == nil {
		return Product{}, fmt.Errorf("product %q not materialized and no delayed reader", branch)
	}
	p, err := ep.Reader.ReadProduct(branch, ep.ID())
	if err != nil {
		return Product{}, fmt.Errorf("delayed read of %q for %v: %w", branch, ep.ID(), err)
	}
	ep.Products.Put(p)
	return p, nil
}

// ProcessBlockPrincipal is the container for data scoped to a whole
// processing job rather than to a run, lumi or event.
type ProcessBlockPrincipal struct {
	ProcessName string
	Products    ProductSet
}

// SetProcessName records which process owns the next block to be read.
// Called by the process-block enumeration protocol before the block's
// content is materialized.
func (pb *ProcessBlockPrincipal) SetProcessName(name string) { pb.ProcessName = name }

// FileBlock describes one open backing file of the input sequence.
type FileBlock struct {
	// ID is a unique identifier for this open instance of the file.
	ID string

	// Name is the logical file name as configured.
	Name string

	// closed guards CloseFile's no-op contract when no file is open.
	closed bool
}

// Close marks the block closed. Closing twice is harmless.
func (fb *FileBlock) Close() {
	if fb != nil {
		fb.closed = true
	}
}

// Closed reports whether Close has been called.
func (fb *FileBlock) Closed() bool { return fb != nil && fb.closed }
