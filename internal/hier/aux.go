package hier

// RunAuxiliary is the lightweight identifying metadata for a run. It is
// obtainable from an adapter before the run's content is materialized and
// is what the sequencer stages between the "what's next" decision and the
// corresponding content read.
type RunAuxiliary struct {
	Run       RunNumber
	BeginTime Timestamp
	EndTime   Timestamp
}

// ID returns the run number.
func (a RunAuxiliary) ID() RunNumber { return a.Run }

// MergeAuxiliary widens the time range of a to cover b. Used when the same
// run is split across files and the pieces are folded together.
func (a *RunAuxiliary) MergeAuxiliary(b RunAuxiliary) {
	if !a.BeginTime.Valid() || (b.BeginTime.Valid() && b.BeginTime < a.BeginTime) {
		a.BeginTime = b.BeginTime
	}
	if b.EndTime > a.EndTime {
		a.EndTime = b.EndTime
	}
}

// LumiAuxiliary is the lightweight identifying metadata for a luminosity
// section, staged by the sequencer before the lumi content read.
type LumiAuxiliary struct {
	Run       RunNumber
	Lumi      LumiNumber
	BeginTime Timestamp
	EndTime   Timestamp
}

// ID returns the (run, lumi) pair.
func (a LumiAuxiliary) ID() LumiID { return LumiID{Run: a.Run, Lumi: a.Lumi} }

// MergeAuxiliary widens the time range of a to cover b.
func (a *LumiAuxiliary) MergeAuxiliary(b LumiAuxiliary) {
	if !a.BeginTime.Valid() || (b.BeginTime.Valid() && b.BeginTime < a.BeginTime) {
		a.BeginTime = b.BeginTime
	}
	if b.EndTime > a.EndTime {
		a.EndTime = b.EndTime
	}
}

// EventAuxiliary identifies a single event and the instant it was recorded.
type EventAuxiliary struct {
	ID   EventID
	Time Timestamp
}
