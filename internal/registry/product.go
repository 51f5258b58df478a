// Package registry holds the job-wide metadata registries the sequencing
// engine populates at job start and at file-open time: the product
// registry, the process-history registry, and the branch/process-block/
// thinned-association helpers.
//
// Registries are read-mostly. They are mutated only by the source and its
// adapter and are shared read-only with the driving framework for the
// lifetime of the job.
package registry

import (
	"fmt"
	"sort"
	"sync"
)

// ProductDescription describes one branch of data products an input can
// deliver: which process produced it, under which label, and the payload
// type name.
type ProductDescription struct {
	BranchName  string
	ProcessName string
	Label       string
	Type        string
}

// ProductRegistry is the catalog of all branches known to the job. It is
// populated from the job configuration at begin-job and extended from each
// opened file, then frozen before event processing starts.
type ProductRegistry struct {
	mu       sync.RWMutex
	byBranch map[string]ProductDescription
	frozen   bool
}

// NewProductRegistry creates an empty, unfrozen registry.
func NewProductRegistry() *ProductRegistry {
	return &ProductRegistry{byBranch: make(map[string]ProductDescription)}
}

// Register adds a branch description. Registering the same branch name
// twice with a different description is an error; re-registering an
// identical description is harmless (the same branch may appear in every
// input file).
func (r *ProductRegistry) Register(pd ProductDescription) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return fmt.Errorf("product registry frozen: cannot register branch %q", pd.BranchName)
	}
	if existing, ok := r.byBranch[pd.BranchName]; ok {
		if existing != pd {
			return fmt.Errorf("branch %q already registered with a different description", pd.BranchName)
		}
		return nil
	}
	r.byBranch[pd.BranchName] = pd
	return nil
}

// UpdateFromInput merges the branch descriptions found in a newly opened
// file. Unlike Register, it is legal after Freeze would normally forbid
// writes because file opening is a sequencer-owned mutation point.
func (r *ProductRegistry) UpdateFromInput(products []ProductDescription) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, pd := range products {
		if existing, ok := r.byBranch[pd.BranchName]; ok {
			if existing != pd {
				return fmt.Errorf("input branch %q conflicts with registered description", pd.BranchName)
			}
			continue
		}
		r.byBranch[pd.BranchName] = pd
	}
	return nil
}

// Freeze forbids further Register calls. Idempotent.
func (r *ProductRegistry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Frozen reports whether the registry has been frozen.
func (r *ProductRegistry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

// Get returns the description for a branch, if registered.
func (r *ProductRegistry) Get(branchName string) (ProductDescription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pd, ok := r.byBranch[branchName]
	return pd, ok
}

// Len returns the number of registered branches.
func (r *ProductRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byBranch)
}

// BranchNames returns all registered branch names in sorted order.
func (r *ProductRegistry) BranchNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byBranch))
	for name := range r.byBranch {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
