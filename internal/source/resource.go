package source

import "sync"

// SharedResource identifies a resource shared between the source's
// adapter and a delayed reader, together with the mutex that must be held
// by either party before touching it.
//
// This is the only place concurrent access across two logical actors is
// contemplated; everywhere else the source is used by a single logical
// caller at a time. A delayed reader materializing products outside the
// main call sequence locks Mu for the duration of each access; the
// adapter does the same around its own use of the resource.
type SharedResource struct {
	// Name identifies the guarded resource, for diagnostics.
	Name string

	// Mu serializes access to the resource.
	Mu *sync.Mutex
}

// ResourceSharedWithDelayedReader returns the resource the adapter shares
// with a delayed reader, if it declared one. ok=false means no shared
// resource exists and delayed reads need no locking. An adapter without
// the SharedResourcer capability defaults to no shared resource.
func (s *Source) ResourceSharedWithDelayedReader() (SharedResource, bool) {
	if sr, ok := s.adapter.(SharedResourcer); ok {
		return sr.SharedResourceWithDelayedReader()
	}
	return SharedResource{}, false
}
