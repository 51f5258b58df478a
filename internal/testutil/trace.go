package testutil

import (
	"fmt"
	"strings"
	"sync"

	"github.com/roach88/inflow/internal/activity"
	"github.com/roach88/inflow/internal/hier"
)

// TraceRecorder captures lifecycle signals as ordered text lines. It is
// the backbone of golden-file comparison: a scenario driven twice with
// the same input produces byte-identical traces.
//
// Thread-safety: the recorder may observe signals from any goroutine.
type TraceRecorder struct {
	mu    sync.Mutex
	lines []string
}

// NewTraceRecorder creates an empty recorder.
func NewTraceRecorder() *TraceRecorder {
	return &TraceRecorder{}
}

// Observe registers the recorder for every signal pair the registry
// posts.
func (r *TraceRecorder) Observe(reg *activity.Registry) {
	// The open signal fires before the adapter resolves the file, so
	// its name may be empty.
	reg.WatchOpenFile(
		func(name string) { r.append("pre open%s", suffix(name)) },
		func(name string) { r.append("post open%s", suffix(name)) },
	)
	reg.WatchCloseFile(
		func(name string) { r.append("pre close%s", suffix(name)) },
		func(name string) { r.append("post close%s", suffix(name)) },
	)
	reg.WatchSourceRun(
		func(run hier.RunNumber) { r.append("pre run %d", run) },
		func(run hier.RunNumber) { r.append("post run %d", run) },
	)
	reg.WatchSourceLumi(
		func(id hier.LumiID) { r.append("pre lumi %s", id) },
		func(id hier.LumiID) { r.append("post lumi %s", id) },
	)
	reg.WatchSourceEvent(
		func(stream int) { r.append("pre event stream %d", stream) },
		func(stream int) { r.append("post event stream %d", stream) },
	)
	reg.WatchSourceProcessBlock(
		func(name string) { r.append("pre block %s", name) },
		func(name string) { r.append("post block %s", name) },
	)
}

// Record appends an arbitrary line, letting drivers interleave their
// own markers with the observed signals.
func (r *TraceRecorder) Record(format string, args ...any) {
	r.append(format, args...)
}

// Lines returns a copy of the recorded lines in arrival order.
func (r *TraceRecorder) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.lines))
	copy(out, r.lines)
	return out
}

// String renders the trace as newline-terminated text.
func (r *TraceRecorder) String() string {
	lines := r.Lines()
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}

// Reset discards everything recorded so far.
func (r *TraceRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = nil
}

func suffix(name string) string {
	if name == "" {
		return ""
	}
	return " " + name
}

func (r *TraceRecorder) append(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, fmt.Sprintf(format, args...))
}
