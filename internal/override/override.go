// Package override decides whether a run may reconcile on a normally
// skipped day. State is loaded by the caller, mutated here in memory and
// saved by the caller when a transition reports a change; nothing in this
// package performs I/O.
package override

import (
	"strconv"

	"calmirror/internal/clock"
)

// State is the in-memory form of the persisted override record.
type State struct {
	// Flag is set while an arming request waits to be resolved to a date.
	Flag bool
	// Date force-enables processing for that day. Nil when unset.
	Date *clock.Date
	// Cursor marks the last remote command already consumed.
	Cursor string
}

// Phase classifies Date relative to today.
type Phase int

const (
	PhaseUnset Phase = iota
	PhaseToday
	PhaseFuture
	PhasePast
)

func (s State) Phase(today clock.Date) Phase {
	if s.Date == nil {
		return PhaseUnset
	}
	switch c := s.Date.Compare(today); {
	case c == 0:
		return PhaseToday
	case c > 0:
		return PhaseFuture
	default:
		return PhasePast
	}
}

// Outcome names what a transition did; used for logs and notifications.
type Outcome string

const (
	OutcomeNone Outcome = ""

	CancelNothingArmed   Outcome = "cancel_nothing_armed"
	CancelAlreadyExpired Outcome = "cancel_already_expired"
	CancelledToday       Outcome = "cancelled_today"
	CancelledFuture      Outcome = "cancelled_future"

	ActiveToday      Outcome = "active_today"
	PendingFuture    Outcome = "pending_future"
	ExpiredUnconsume Outcome = "expired_unconsumed"

	ArmAccepted   Outcome = "arm_accepted"
	ArmIgnored    Outcome = "arm_ignored"
	ArmSuppressed Outcome = "arm_suppressed"

	ArmedToday      Outcome = "armed_today"
	ArmedFuture     Outcome = "armed_future"
	ArmNoSkipDays   Outcome = "arm_no_skip_days"
	ConsumedOnLast  Outcome = "consumed"
	CorruptDateDrop Outcome = "corrupt_date_dropped"
)

// CleanupScope tells the caller which mirrored events to remove after a
// cancellation.
type CleanupScope int

const (
	CleanupNone CleanupScope = iota
	// CleanupFutureToday removes today's events that start after the
	// cancellation instant.
	CleanupFutureToday
	// CleanupAllDay removes every mirrored event on the cancelled date.
	CleanupAllDay
)

func (c CleanupScope) String() string {
	switch c {
	case CleanupFutureToday:
		return "future_today"
	case CleanupAllDay:
		return "all_day"
	default:
		return "none"
	}
}

// Event is one reported transition.
type Event struct {
	Outcome Outcome
	Date    clock.Date
}

// CancelResult is returned by HandleCancel.
type CancelResult struct {
	Stop    bool
	Cleanup bool
	Scope   CleanupScope
	// Date is the cancelled override date, nil when nothing was cancelled.
	Date    *clock.Date
	Outcome Outcome
	Changed bool
}

// HandleCancel applies a cancel signal. It is a no-op when cancel is false.
func HandleCancel(s *State, cancel bool, today clock.Date) CancelResult {
	if !cancel {
		return CancelResult{}
	}

	var res CancelResult
	switch s.Phase(today) {
	case PhaseUnset:
		res.Outcome = CancelNothingArmed
	case PhasePast:
		// Expiry owns clearing a stale date.
		res.Outcome = CancelAlreadyExpired
	case PhaseToday:
		d := *s.Date
		s.Date = nil
		res = CancelResult{Stop: true, Cleanup: true, Scope: CleanupFutureToday, Date: &d, Outcome: CancelledToday, Changed: true}
	case PhaseFuture:
		d := *s.Date
		s.Date = nil
		res = CancelResult{Stop: false, Cleanup: true, Scope: CleanupAllDay, Date: &d, Outcome: CancelledFuture, Changed: true}
	}

	if s.Flag {
		s.Flag = false
		res.Changed = true
	}
	return res
}

// ResolveLifecycle expires a past override date. Today and future dates
// are left alone.
func ResolveLifecycle(s *State, today clock.Date) (Outcome, bool) {
	switch s.Phase(today) {
	case PhaseToday:
		return ActiveToday, false
	case PhaseFuture:
		return PendingFuture, false
	case PhasePast:
		s.Date = nil
		return ExpiredUnconsume, true
	default:
		return OutcomeNone, false
	}
}

// IngestArm records an arm signal. Arming does not stack: a pending flag
// or an already resolved date turns the signal into a no-op.
func IngestArm(s *State, arm bool) (Outcome, bool) {
	if !arm {
		return OutcomeNone, false
	}
	if s.Date != nil || s.Flag {
		return ArmIgnored, false
	}
	s.Flag = true
	return ArmAccepted, true
}

// ResolveArm turns a pending flag into a concrete date. On a start-of-day
// run that falls on a skip day the override applies to today; otherwise it
// applies to the next skip day. The flag is always cleared.
func ResolveArm(s *State, today clock.Date, firstRun bool, skip clock.SkipSet) (Outcome, bool) {
	if !s.Flag {
		return OutcomeNone, false
	}
	s.Flag = false
	if s.Date != nil {
		return OutcomeNone, true
	}

	if firstRun && clock.IsSkipDay(today, skip) {
		d := today
		s.Date = &d
		return ArmedToday, true
	}
	next, ok := clock.NextSkipDay(today, skip)
	if !ok {
		return ArmNoSkipDays, true
	}
	s.Date = &next
	return ArmedFuture, true
}

// ShouldProcess is the run gate.
func ShouldProcess(s State, today clock.Date, skip clock.SkipSet) bool {
	if !clock.IsSkipDay(today, skip) {
		return true
	}
	return s.Date != nil && *s.Date == today
}

// ConsumeOnLast clears an override for today. Call it only on end-of-day
// runs.
func ConsumeOnLast(s *State, today clock.Date) (Outcome, bool) {
	if s.Phase(today) != PhaseToday {
		return OutcomeNone, false
	}
	s.Date = nil
	return ConsumedOnLast, true
}

// AdvanceCursor moves the command cursor forward. Numeric cursors never
// move backwards; other cursors are replaced when they differ.
func AdvanceCursor(s *State, next string) bool {
	if next == "" || next == s.Cursor {
		return false
	}
	if s.Cursor != "" {
		cur, errCur := strconv.ParseUint(s.Cursor, 10, 64)
		nxt, errNext := strconv.ParseUint(next, 10, 64)
		if errCur == nil && errNext == nil && nxt <= cur {
			return false
		}
	}
	s.Cursor = next
	return true
}
