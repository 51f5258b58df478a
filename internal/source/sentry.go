package source

import "github.com/roach88/inflow/internal/hier"

// Sentries wrap each adapter read in a begin/end signal pair on the
// activity registry. Each helper posts the begin signal immediately and
// returns the release func that posts the matching end signal; callers
// defer the release so the pair completes on every exit path, normal or
// erroring. Exactly one pair per invocation.

func (s *Source) eventSentry(stream int) func() {
	s.actReg.PreSourceEvent(stream)
	return func() { s.actReg.PostSourceEvent(stream) }
}

func (s *Source) lumiSentry(id hier.LumiID) func() {
	s.actReg.PreSourceLumi(id)
	return func() { s.actReg.PostSourceLumi(id) }
}

func (s *Source) runSentry(run hier.RunNumber) func() {
	s.actReg.PreSourceRun(run)
	return func() { s.actReg.PostSourceRun(run) }
}

func (s *Source) processBlockSentry(processName string) func() {
	s.actReg.PreSourceProcessBlock(processName)
	return func() { s.actReg.PostSourceProcessBlock(processName) }
}

func (s *Source) openFileSentry(name string) func() {
	s.actReg.PreOpenFile(name)
	return func() { s.actReg.PostOpenFile(name) }
}

func (s *Source) closeFileSentry(name string) func() {
	s.actReg.PreCloseFile(name)
	return func() { s.actReg.PostCloseFile(name) }
}
