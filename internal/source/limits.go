package source

import (
	"fmt"
	"time"
)

// Unlimited is the sentinel budget meaning "no limit". An unlimited
// remaining counter never decrements.
const Unlimited = -1

// Limits is the stream termination policy. It tracks the remaining event
// and lumi budgets and a wall-clock rampdown deadline, and decides when
// the stream must stop regardless of how much data the backing store still
// has.
//
// Counters never go below zero. The wall clock is injectable so rampdown
// behavior is testable without sleeping.
type Limits struct {
	maxEvents       int
	remainingEvents int
	maxLumis        int
	remainingLumis  int

	rampdownSeconds int
	processingStart time.Time
	now             func() time.Time
}

// NewLimits creates the policy. maxEvents and maxLumis use Unlimited (-1)
// for no limit; rampdownSeconds <= 0 disables the time-based clause. The
// rampdown clock starts immediately.
func NewLimits(maxEvents, maxLumis, rampdownSeconds int, now func() time.Time) *Limits {
	if now == nil {
		now = time.Now
	}
	return &Limits{
		maxEvents:       maxEvents,
		remainingEvents: maxEvents,
		maxLumis:        maxLumis,
		remainingLumis:  maxLumis,
		rampdownSeconds: rampdownSeconds,
		processingStart: now(),
		now:             now,
	}
}

// EventLimitReached reports whether the event budget is exhausted.
// Unlimited never triggers.
func (l *Limits) EventLimitReached() bool { return l.remainingEvents == 0 }

// LumiLimitReached reports whether the lumi budget is exhausted or the
// rampdown deadline has passed. The time-based clause bounds end-to-end
// latency for streaming sources that might otherwise run indefinitely
// within a single lumi.
func (l *Limits) LumiLimitReached() bool {
	if l.remainingLumis == 0 {
		return true
	}
	if l.rampdownSeconds <= 0 {
		return false
	}
	elapsed := l.now().Sub(l.processingStart)
	return elapsed > time.Duration(l.rampdownSeconds)*time.Second
}

// LimitReached reports whether either clause forces the stream to stop.
func (l *Limits) LimitReached() bool { return l.EventLimitReached() || l.LumiLimitReached() }

// CountEvent consumes one unit of the event budget.
func (l *Limits) CountEvent() {
	if l.remainingEvents > 0 {
		l.remainingEvents--
	}
}

// CountLumi consumes one unit of the lumi budget.
func (l *Limits) CountLumi() {
	if l.remainingLumis > 0 {
		l.remainingLumis--
	}
}

// DecreaseRemainingEventsBy consumes n units of the event budget on behalf
// of an out-of-band consumer, e.g. a peer that skipped events without
// going through the normal read path. Exceeding the non-unlimited
// remaining budget is a contract violation, not a recoverable condition.
func (l *Limits) DecreaseRemainingEventsBy(n int) error {
	if n < 0 {
		return &ContractError{Op: "decrease remaining events", Message: fmt.Sprintf("negative count %d", n)}
	}
	if l.remainingEvents == Unlimited {
		return nil
	}
	if n > l.remainingEvents {
		return &ContractError{
			Op:      "decrease remaining events",
			Message: fmt.Sprintf("%d exceeds remaining budget %d", n, l.remainingEvents),
		}
	}
	l.remainingEvents -= n
	return nil
}

// Repeat restores both budgets to their configured maxima, enabling
// replay. The rampdown elapsed time is deliberately not reset.
func (l *Limits) Repeat() {
	l.remainingEvents = l.maxEvents
	l.remainingLumis = l.maxLumis
}

// RestoreEventBudget restores only the event budget. Used by rewind, which
// begins again at the first event but keeps the lumi budget consumed.
func (l *Limits) RestoreEventBudget() { l.remainingEvents = l.maxEvents }

// MaxEvents returns the configured event budget (-1 unlimited).
func (l *Limits) MaxEvents() int { return l.maxEvents }

// RemainingEvents returns the remaining event budget (-1 unlimited).
func (l *Limits) RemainingEvents() int { return l.remainingEvents }

// MaxLumis returns the configured lumi budget (-1 unlimited).
func (l *Limits) MaxLumis() int { return l.maxLumis }

// RemainingLumis returns the remaining lumi budget (-1 unlimited).
func (l *Limits) RemainingLumis() int { return l.remainingLumis }
