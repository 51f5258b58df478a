// Package activity implements the job-wide notification registry. The
// source posts a begin signal before every read it performs against the
// backing store and the matching end signal when the read finishes,
// whether it succeeded or failed. Monitoring and bookkeeping components
// register observers at begin-job time.
package activity

import (
	"sync"

	"github.com/roach88/inflow/internal/hier"
)

// Registry fans lifecycle signals out to registered observers.
//
// Registration is expected during job setup, before processing starts, but
// is internally synchronized so late registration is not a data race.
// Begin observers run in registration order; end observers run in reverse
// registration order, so paired observers nest like scopes.
type Registry struct {
	mu sync.RWMutex

	preSourceEvent  []func(stream int)
	postSourceEvent []func(stream int)

	preSourceLumi  []func(id hier.LumiID)
	postSourceLumi []func(id hier.LumiID)

	preSourceRun  []func(run hier.RunNumber)
	postSourceRun []func(run hier.RunNumber)

	preSourceProcessBlock  []func(processName string)
	postSourceProcessBlock []func(processName string)

	preOpenFile  []func(name string)
	postOpenFile []func(name string)

	preCloseFile  []func(name string)
	postCloseFile []func(name string)
}

// NewRegistry creates a registry with no observers.
func NewRegistry() *Registry {
	return &Registry{}
}

// WatchSourceEvent registers observers for the event-read signal pair.
// Either func may be nil to observe only one side.
func (r *Registry) WatchSourceEvent(pre, post func(stream int)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if pre != nil {
		r.preSourceEvent = append(r.preSourceEvent, pre)
	}
	if post != nil {
		r.postSourceEvent = append(r.postSourceEvent, post)
	}
}

// WatchSourceLumi registers observers for the lumi-read signal pair.
func (r *Registry) WatchSourceLumi(pre, post func(id hier.LumiID)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if pre != nil {
		r.preSourceLumi = append(r.preSourceLumi, pre)
	}
	if post != nil {
		r.postSourceLumi = append(r.postSourceLumi, post)
	}
}

// WatchSourceRun registers observers for the run-read signal pair.
func (r *Registry) WatchSourceRun(pre, post func(run hier.RunNumber)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if pre != nil {
		r.preSourceRun = append(r.preSourceRun, pre)
	}
	if post != nil {
		r.postSourceRun = append(r.postSourceRun, post)
	}
}

// WatchSourceProcessBlock registers observers for the process-block-read
// signal pair.
func (r *Registry) WatchSourceProcessBlock(pre, post func(processName string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if pre != nil {
		r.preSourceProcessBlock = append(r.preSourceProcessBlock, pre)
	}
	if post != nil {
		r.postSourceProcessBlock = append(r.postSourceProcessBlock, post)
	}
}

// WatchOpenFile registers observers for the file-open signal pair.
func (r *Registry) WatchOpenFile(pre, post func(name string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if pre != nil {
		r.preOpenFile = append(r.preOpenFile, pre)
	}
	if post != nil {
		r.postOpenFile = append(r.postOpenFile, post)
	}
}

// WatchCloseFile registers observers for the file-close signal pair.
func (r *Registry) WatchCloseFile(pre, post func(name string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if pre != nil {
		r.preCloseFile = append(r.preCloseFile, pre)
	}
	if post != nil {
		r.postCloseFile = append(r.postCloseFile, post)
	}
}

// PreSourceEvent posts the begin signal for an event read.
func (r *Registry) PreSourceEvent(stream int) {
	r.mu.RLock()
	obs := r.preSourceEvent
	r.mu.RUnlock()
	for _, f := range obs {
		f(stream)
	}
}

// PostSourceEvent posts the end signal for an event read.
func (r *Registry) PostSourceEvent(stream int) {
	r.mu.RLock()
	obs := r.postSourceEvent
	r.mu.RUnlock()
	for i := len(obs) - 1; i >= 0; i-- {
		obs[i](stream)
	}
}

// PreSourceLumi posts the begin signal for a lumi read.
func (r *Registry) PreSourceLumi(id hier.LumiID) {
	r.mu.RLock()
	obs := r.preSourceLumi
	r.mu.RUnlock()
	for _, f := range obs {
		f(id)
	}
}

// PostSourceLumi posts the end signal for a lumi read.
func (r *Registry) PostSourceLumi(id hier.LumiID) {
	r.mu.RLock()
	obs := r.postSourceLumi
	r.mu.RUnlock()
	for i := len(obs) - 1; i >= 0; i-- {
		obs[i](id)
	}
}

// PreSourceRun posts the begin signal for a run read.
func (r *Registry) PreSourceRun(run hier.RunNumber) {
	r.mu.RLock()
	obs := r.preSourceRun
	r.mu.RUnlock()
	for _, f := range obs {
		f(run)
	}
}

// PostSourceRun posts the end signal for a run read.
func (r *Registry) PostSourceRun(run hier.RunNumber) {
	r.mu.RLock()
	obs := r.postSourceRun
	r.mu.RUnlock()
	for i := len(obs) - 1; i >= 0; i-- {
		obs[i](run)
	}
}

// PreSourceProcessBlock posts the begin signal for a process-block read.
func (r *Registry) PreSourceProcessBlock(processName string) {
	r.mu.RLock()
	obs := r.preSourceProcessBlock
	r.mu.RUnlock()
	for _, f := range obs {
		f(processName)
	}
}

// PostSourceProcessBlock posts the end signal for a process-block read.
func (r *Registry) PostSourceProcessBlock(processName string) {
	r.mu.RLock()
	obs := r.postSourceProcessBlock
	r.mu.RUnlock()
	for i := len(obs) - 1; i >= 0; i-- {
		obs[i](processName)
	}
}

// PreOpenFile posts the begin signal for a file open.
func (r *Registry) PreOpenFile(name string) {
	r.mu.RLock()
	obs := r.preOpenFile
	r.mu.RUnlock()
	for _, f := range obs {
		f(name)
	}
}

// PostOpenFile posts the end signal for a file open.
func (r *Registry) PostOpenFile(name string) {
	r.mu.RLock()
	obs := r.postOpenFile
	r.mu.RUnlock()
	for i := len(obs) - 1; i >= 0; i-- {
		obs[i](name)
	}
}

// PreCloseFile posts the begin signal for a file close.
func (r *Registry) PreCloseFile(name string) {
	r.mu.RLock()
	obs := r.preCloseFile
	r.mu.RUnlock()
	for _, f := range obs {
		f(name)
	}
}

// PostCloseFile posts the end signal for a file close.
func (r *Registry) PostCloseFile(name string) {
	r.mu.RLock()
	obs := r.postCloseFile
	r.mu.RUnlock()
	for i := len(obs) - 1; i >= 0; i-- {
		obs[i](name)
	}
}
