// Package hier defines the hierarchical data model the sequencing engine
// streams: process blocks, runs, luminosity sections and events, plus the
// principal containers that read calls fill with materialized content.
//
// The hierarchy is strict: a run groups luminosity sections ("lumis"), a
// lumi groups events. Process blocks sit outside the run hierarchy and are
// scoped to a whole processing job.
package hier

import "fmt"

// RunNumber identifies a run, the coarsest grouping of events.
type RunNumber uint32

// LumiNumber identifies a luminosity section within a run.
type LumiNumber uint32

// EventNumber identifies an event within a lumi.
type EventNumber uint64

// LumiID identifies a lumi globally as a (run, lumi) pair.
type LumiID struct {
	Run  RunNumber
	Lumi LumiNumber
}

func (id LumiID) String() string {
	return fmt.Sprintf("run %d lumi %d", id.Run, id.Lumi)
}

// EventID identifies an event globally as a (run, lumi, event) triple.
type EventID struct {
	Run   RunNumber
	Lumi  LumiNumber
	Event EventNumber
}

// LumiID returns the (run, lumi) pair the event belongs to.
func (id EventID) LumiID() LumiID {
	return LumiID{Run: id.Run, Lumi: id.Lumi}
}

func (id EventID) String() string {
	return fmt.Sprintf("run %d lumi %d event %d", id.Run, id.Lumi, id.Event)
}

// Less orders event IDs by run, then lumi, then event number.
// This is the canonical stream order for offline sources.
func (id EventID) Less(other EventID) bool {
	if id.Run != other.Run {
		return id.Run < other.Run
	}
	if id.Lumi != other.Lumi {
		return id.Lumi < other.Lumi
	}
	return id.Event < other.Event
}

// Timestamp is a wall-clock instant in microseconds since the Unix epoch.
// The zero value means "invalid / not recorded".
type Timestamp uint64

// InvalidTimestamp marks an unset timestamp.
const InvalidTimestamp Timestamp = 0

// EndOfTime sorts after every valid timestamp. Used as the open upper
// bound of a run or lumi that has not ended yet.
const EndOfTime Timestamp = ^Timestamp(0)

// Valid reports whether the timestamp was actually recorded.
func (t Timestamp) Valid() bool { return t != InvalidTimestamp }
