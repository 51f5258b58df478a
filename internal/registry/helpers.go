package registry

import (
	"fmt"
	"sync"
)

// BranchIDList is the ordered set of branch IDs one input file carries for
// a given process.
type BranchIDList []uint32

// BranchIDListHelper accumulates the branch ID lists of every opened file.
// Each file's lists are appended once; the offset of a file's first list is
// returned so the file's local indices can be translated to job-wide ones.
type BranchIDListHelper struct {
	mu    sync.RWMutex
	lists []BranchIDList
}

// NewBranchIDListHelper creates an empty helper.
func NewBranchIDListHelper() *BranchIDListHelper {
	return &BranchIDListHelper{}
}

// UpdateFromInput appends the lists of a newly opened file and returns the
// job-wide index of the file's first list.
func (h *BranchIDListHelper) UpdateFromInput(lists []BranchIDList) (offset int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	offset = len(h.lists)
	for _, l := range lists {
		cp := make(BranchIDList, len(l))
		copy(cp, l)
		h.lists = append(h.lists, cp)
	}
	return offset
}

// List returns the list at a job-wide index.
func (h *BranchIDListHelper) List(i int) (BranchIDList, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if i < 0 || i >= len(h.lists) {
		return nil, false
	}
	return h.lists[i], true
}

// Len returns the number of accumulated lists.
func (h *BranchIDListHelper) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.lists)
}

// ProcessBlockHelper aggregates, across all input files, which processes
// contributed process-scoped blocks. The cross-file aggregation step runs
// exactly once per job; the source enforces the once-only contract.
type ProcessBlockHelper struct {
	mu sync.RWMutex

	// processNames in first-seen order, deduplicated.
	processNames []string
	seen         map[string]bool

	filled bool
}

// NewProcessBlockHelper creates an empty helper.
func NewProcessBlockHelper() *ProcessBlockHelper {
	return &ProcessBlockHelper{seen: make(map[string]bool)}
}

// UpdateFromInput records the process names contributing blocks in the
// current file, preserving first-seen order across files.
func (h *ProcessBlockHelper) UpdateFromInput(processNames []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, name := range processNames {
		if h.seen[name] {
			continue
		}
		h.seen[name] = true
		h.processNames = append(h.processNames, name)
	}
}

// Fill marks the cross-file aggregation complete. Returns an error if it
// already ran; the aggregation is a once-per-job operation.
func (h *ProcessBlockHelper) Fill() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.filled {
		return fmt.Errorf("process block helper already filled")
	}
	h.filled = true
	return nil
}

// Filled reports whether the aggregation has run.
func (h *ProcessBlockHelper) Filled() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.filled
}

// ProcessNames returns the aggregated process names in first-seen order.
func (h *ProcessBlockHelper) ProcessNames() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, len(h.processNames))
	copy(out, h.processNames)
	return out
}

// ThinnedAssociation records that one branch is a thinned (filtered)
// derivative of a parent branch.
type ThinnedAssociation struct {
	ParentBranch  string
	ThinnedBranch string
}

// ThinnedAssociationsHelper tracks parent/thinned branch relationships so
// product lookup can navigate from a thinned collection back to its
// parent.
type ThinnedAssociationsHelper struct {
	mu       sync.RWMutex
	byParent map[string][]string
}

// NewThinnedAssociationsHelper creates an empty helper.
func NewThinnedAssociationsHelper() *ThinnedAssociationsHelper {
	return &ThinnedAssociationsHelper{byParent: make(map[string][]string)}
}

// UpdateFromInput merges the associations found in a newly opened file.
func (h *ThinnedAssociationsHelper) UpdateFromInput(assocs []ThinnedAssociation) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, a := range assocs {
		children := h.byParent[a.ParentBranch]
		dup := false
		for _, c := range children {
			if c == a.ThinnedBranch {
				dup = true
				break
			}
		}
		if !dup {
			h.byParent[a.ParentBranch] = append(children, a.ThinnedBranch)
		}
	}
}

// Thinned returns the thinned branches derived from a parent.
func (h *ThinnedAssociationsHelper) Thinned(parentBranch string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	children := h.byParent[parentBranch]
	out := make([]string, len(children))
	copy(out, children)
	return out
}
