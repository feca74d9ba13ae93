package override

import (
	"fmt"

	"calmirror/internal/clock"
)

// Signals are the per-invocation inputs, already merged from CLI flags and
// remote commands.
type Signals struct {
	Cancel   bool
	Arm      bool
	FirstRun bool
	LastRun  bool
}

// Decision is the result of Evaluate.
type Decision struct {
	// Changed is true when State must be persisted.
	Changed bool
	// Stop ends today's run before reconciliation.
	Stop bool
	// Cleanup, CleanupScope and CleanupDate describe the mirrored events to
	// remove after a cancellation.
	Cleanup      bool
	CleanupScope CleanupScope
	CleanupDate  clock.Date
	// ShouldProcess is the run gate after all transitions.
	ShouldProcess bool
	// Events lists reportable transitions in the order they happened.
	Events []Event
}

// Evaluate runs cancel, lifecycle, arm ingestion and arm resolution in
// order and computes the run gate. A cancel signal wins over an arm signal
// observed in the same invocation.
func Evaluate(s *State, sig Signals, today clock.Date, skip clock.SkipSet) Decision {
	var d Decision
	record := func(o Outcome, date clock.Date) {
		if o != OutcomeNone {
			d.Events = append(d.Events, Event{Outcome: o, Date: date})
		}
	}
	dateOrZero := func() clock.Date {
		if s.Date == nil {
			return clock.Date{}
		}
		return *s.Date
	}

	cr := HandleCancel(s, sig.Cancel, today)
	if cr.Changed {
		d.Changed = true
	}
	if cr.Outcome != OutcomeNone {
		var cd clock.Date
		if cr.Date != nil {
			cd = *cr.Date
		} else {
			cd = dateOrZero()
		}
		record(cr.Outcome, cd)
	}
	if cr.Cleanup {
		d.Stop = cr.Stop
		d.Cleanup = true
		d.CleanupScope = cr.Scope
		d.CleanupDate = *cr.Date
	}

	if cr.Date == nil {
		before := dateOrZero()
		o, changed := ResolveLifecycle(s, today)
		if o == ExpiredUnconsume {
			record(o, before)
		} else if o != OutcomeNone {
			record(o, dateOrZero())
		}
		d.Changed = d.Changed || changed
	}

	if sig.Arm && sig.Cancel {
		record(ArmSuppressed, today)
	} else {
		o, changed := IngestArm(s, sig.Arm)
		record(o, dateOrZero())
		d.Changed = d.Changed || changed
	}

	o, changed := ResolveArm(s, today, sig.FirstRun, skip)
	record(o, dateOrZero())
	d.Changed = d.Changed || changed

	d.ShouldProcess = !d.Stop && ShouldProcess(*s, today, skip)
	return d
}

// Describe renders an event for humans.
func Describe(ev Event) string {
	switch ev.Outcome {
	case CancelNothingArmed:
		return "Cancel received, but no override is armed."
	case CancelAlreadyExpired:
		return fmt.Sprintf("Cancel received, but the override for %s already expired.", ev.Date)
	case CancelledToday:
		return fmt.Sprintf("Override for today (%s) cancelled. Stopping today's sync and removing upcoming mirrored events.", ev.Date)
	case CancelledFuture:
		return fmt.Sprintf("Override for %s cancelled.", ev.Date)
	case ActiveToday:
		return fmt.Sprintf("Override active today (%s).", ev.Date)
	case PendingFuture:
		return fmt.Sprintf("Override pending for %s.", ev.Date)
	case ExpiredUnconsume:
		return fmt.Sprintf("Override for %s expired without being used.", ev.Date)
	case ArmAccepted:
		return "Override request received."
	case ArmIgnored:
		return "Override already armed; request ignored."
	case ArmSuppressed:
		return "Override and cancel received together; cancel wins."
	case ArmedToday:
		return fmt.Sprintf("Override armed for today (%s).", ev.Date)
	case ArmedFuture:
		return fmt.Sprintf("Override armed for %s.", ev.Date)
	case ArmNoSkipDays:
		return "Override requested, but no skip days are configured; nothing to do."
	case ConsumedOnLast:
		return fmt.Sprintf("Override for %s used and cleared.", ev.Date)
	case CorruptDateDrop:
		return "Stored override date was unreadable and has been cleared."
	default:
		return string(ev.Outcome)
	}
}

// Notable reports whether an event deserves a notification rather than a
// log line.
func Notable(ev Event) bool {
	switch ev.Outcome {
	case ActiveToday, PendingFuture, ArmAccepted:
		return false
	default:
		return true
	}
}
