package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"golang.org/x/text/unicode/norm"
)

// Domain prefix for content-addressed process-history identity.
// Version suffix enables future algorithm migration.
const domainProcessHistory = "inflow/process-history/v1"

// ProcessConfiguration names one processing step that contributed to the
// provenance of a run's data.
type ProcessConfiguration struct {
	Name    string
	Version string
}

// ProcessHistory is the ordered list of processing steps a run's data has
// been through, oldest first.
type ProcessHistory []ProcessConfiguration

// ID computes the content-addressed identity of the history. Process names
// and versions are NFC normalized before hashing so that the same history
// recorded by different producers hashes identically, and entries are
// separated by null bytes to prevent boundary ambiguity.
func (h ProcessHistory) ID() string {
	hash := sha256.New()
	hash.Write([]byte(domainProcessHistory))
	hash.Write([]byte{0x00})
	for _, pc := range h {
		hash.Write([]byte(norm.NFC.String(pc.Name)))
		hash.Write([]byte{0x00})
		hash.Write([]byte(norm.NFC.String(pc.Version)))
		hash.Write([]byte{0x00})
	}
	return hex.EncodeToString(hash.Sum(nil))
}

// Reduced returns the history without its last entry. The reduced history
// identifies the input provenance of the current run, excluding the
// process currently running.
func (h ProcessHistory) Reduced() ProcessHistory {
	if len(h) == 0 {
		return nil
	}
	return h[:len(h)-1]
}

// ProcessHistoryRegistry maps history IDs to the histories the job has
// seen. Histories are registered when a new run is read; the merge path
// for a continuation of an already-open run must not register again.
type ProcessHistoryRegistry struct {
	mu   sync.RWMutex
	byID map[string]ProcessHistory
}

// NewProcessHistoryRegistry creates an empty registry.
func NewProcessHistoryRegistry() *ProcessHistoryRegistry {
	return &ProcessHistoryRegistry{byID: make(map[string]ProcessHistory)}
}

// Register stores the history under its content-addressed ID and returns
// the ID. Registering the same history twice is idempotent and reports
// inserted=false the second time.
func (r *ProcessHistoryRegistry) Register(h ProcessHistory) (id string, inserted bool) {
	id = h.ID()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[id]; ok {
		return id, false
	}
	cp := make(ProcessHistory, len(h))
	copy(cp, h)
	r.byID[id] = cp
	return id, true
}

// Get returns the history registered under id.
func (r *ProcessHistoryRegistry) Get(id string) (ProcessHistory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.byID[id]
	return h, ok
}

// Len returns the number of distinct histories registered.
func (r *ProcessHistoryRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
