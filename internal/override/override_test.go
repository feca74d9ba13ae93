package override

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calmirror/internal/clock"
)

var (
	monday   = clock.Date{Year: 2025, Month: time.February, Day: 24}
	saturday = clock.Date{Year: 2025, Month: time.February, Day: 22}
	sunday   = clock.Date{Year: 2025, Month: time.February, Day: 23}
	weekend  = clock.SkipSet{5: true, 6: true}
)

func date(s string) *clock.Date {
	d, err := clock.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return &d
}

func TestShouldProcess(t *testing.T) {
	assert.True(t, ShouldProcess(State{}, monday, weekend), "work day, no override")
	assert.False(t, ShouldProcess(State{}, saturday, weekend), "skip day, no override")
	assert.True(t, ShouldProcess(State{Date: date("2025-02-22")}, saturday, weekend), "skip day, override today")
	assert.False(t, ShouldProcess(State{Date: date("2025-03-01")}, saturday, weekend), "skip day, future override")
	assert.False(t, ShouldProcess(State{Date: date("2025-02-15")}, saturday, weekend), "skip day, past override")
	assert.True(t, ShouldProcess(State{Date: date("2025-03-01")}, monday, weekend), "work day ignores override")
}

func TestResolveLifecycle(t *testing.T) {
	s := State{Date: date("2025-02-22")}
	o, changed := ResolveLifecycle(&s, saturday)
	assert.Equal(t, ActiveToday, o)
	assert.False(t, changed)
	assert.Equal(t, date("2025-02-22"), s.Date)

	s = State{Date: date("2025-03-01")}
	o, changed = ResolveLifecycle(&s, monday)
	assert.Equal(t, PendingFuture, o)
	assert.False(t, changed)
	assert.NotNil(t, s.Date)

	s = State{Date: date("2025-02-15")}
	o, changed = ResolveLifecycle(&s, monday)
	assert.Equal(t, ExpiredUnconsume, o)
	assert.True(t, changed)
	assert.Nil(t, s.Date)

	s = State{}
	o, changed = ResolveLifecycle(&s, monday)
	assert.Equal(t, OutcomeNone, o)
	assert.False(t, changed)
}

func TestPastDateAlwaysExpiresWithoutGateEffect(t *testing.T) {
	for _, today := range []clock.Date{monday, saturday, sunday} {
		s := State{Date: date("2025-02-01")}
		d := Evaluate(&s, Signals{}, today, weekend)
		assert.Nil(t, s.Date)
		assert.True(t, d.Changed)
		assert.Equal(t, !clock.IsSkipDay(today, weekend), d.ShouldProcess)
	}
}

func TestConsumeOnLast(t *testing.T) {
	s := State{Date: date("2025-02-22")}
	o, changed := ConsumeOnLast(&s, saturday)
	assert.Equal(t, ConsumedOnLast, o)
	assert.True(t, changed)
	assert.Nil(t, s.Date)

	s = State{Date: date("2025-03-01")}
	_, changed = ConsumeOnLast(&s, saturday)
	assert.False(t, changed)
	assert.Equal(t, date("2025-03-01"), s.Date)
}

func TestHandleCancelWithoutSignalIsNoop(t *testing.T) {
	s := State{Date: date("2025-02-22")}
	res := HandleCancel(&s, false, saturday)
	assert.False(t, res.Stop)
	assert.False(t, res.Cleanup)
	assert.Nil(t, res.Date)
	assert.Equal(t, date("2025-02-22"), s.Date)
}

func TestHandleCancelToday(t *testing.T) {
	s := State{Date: date("2025-02-22"), Flag: true}
	res := HandleCancel(&s, true, saturday)
	assert.True(t, res.Stop)
	assert.True(t, res.Cleanup)
	assert.Equal(t, CleanupFutureToday, res.Scope)
	assert.Equal(t, date("2025-02-22"), res.Date)
	assert.True(t, res.Changed)
	assert.Nil(t, s.Date)
	assert.False(t, s.Flag)
}

func TestHandleCancelFuture(t *testing.T) {
	s := State{Date: date("2025-03-01"), Flag: true}
	res := HandleCancel(&s, true, monday)
	assert.False(t, res.Stop)
	assert.True(t, res.Cleanup)
	assert.Equal(t, CleanupAllDay, res.Scope)
	assert.Equal(t, date("2025-03-01"), res.Date)
	assert.Nil(t, s.Date)
	assert.False(t, s.Flag)
}

func TestHandleCancelNothingArmed(t *testing.T) {
	s := State{}
	res := HandleCancel(&s, true, saturday)
	assert.False(t, res.Stop)
	assert.False(t, res.Cleanup)
	assert.Nil(t, res.Date)
	assert.Equal(t, CancelNothingArmed, res.Outcome)
	assert.False(t, res.Changed)
}

func TestHandleCancelPastLeavesDateForExpiry(t *testing.T) {
	s := State{Date: date("2025-02-15")}
	res := HandleCancel(&s, true, monday)
	assert.False(t, res.Stop)
	assert.False(t, res.Cleanup)
	assert.Nil(t, res.Date)
	assert.Equal(t, CancelAlreadyExpired, res.Outcome)
	assert.Equal(t, date("2025-02-15"), s.Date)
}

func TestIngestArmIsIdempotent(t *testing.T) {
	s := State{}
	o, changed := IngestArm(&s, true)
	assert.Equal(t, ArmAccepted, o)
	assert.True(t, changed)

	o, changed = IngestArm(&s, true)
	assert.Equal(t, ArmIgnored, o)
	assert.False(t, changed)

	s = State{Date: date("2025-03-01")}
	o, changed = IngestArm(&s, true)
	assert.Equal(t, ArmIgnored, o)
	assert.False(t, changed)
	assert.False(t, s.Flag)
}

func TestResolveArm(t *testing.T) {
	// Start-of-day run on a skip day arms today.
	s := State{Flag: true}
	o, changed := ResolveArm(&s, saturday, true, weekend)
	assert.Equal(t, ArmedToday, o)
	assert.True(t, changed)
	assert.Equal(t, &saturday, s.Date)
	assert.False(t, s.Flag)

	// Any other run on a skip day arms the next skip day.
	s = State{Flag: true}
	o, _ = ResolveArm(&s, saturday, false, weekend)
	assert.Equal(t, ArmedFuture, o)
	assert.Equal(t, &sunday, s.Date)

	// No skip days configured: flag cleared, no date.
	s = State{Flag: true}
	o, changed = ResolveArm(&s, monday, false, clock.SkipSet{})
	assert.Equal(t, ArmNoSkipDays, o)
	assert.True(t, changed)
	assert.Nil(t, s.Date)
	assert.False(t, s.Flag)
}

func TestAdvanceCursor(t *testing.T) {
	s := State{}
	assert.True(t, AdvanceCursor(&s, "100"))
	assert.False(t, AdvanceCursor(&s, "100"))
	assert.False(t, AdvanceCursor(&s, "99"))
	assert.False(t, AdvanceCursor(&s, ""))
	assert.True(t, AdvanceCursor(&s, "101"))
	assert.Equal(t, "101", s.Cursor)

	s = State{Cursor: "abc"}
	assert.True(t, AdvanceCursor(&s, "abd"))
}

// Scenarios.

func TestScenarioSaturdayWithoutOverride(t *testing.T) {
	s := State{}
	d := Evaluate(&s, Signals{}, saturday, weekend)
	assert.False(t, d.ShouldProcess)
	assert.False(t, d.Changed)
}

func TestScenarioSaturdayWithOverrideToday(t *testing.T) {
	s := State{Date: date("2025-02-22")}
	d := Evaluate(&s, Signals{}, saturday, weekend)
	assert.True(t, d.ShouldProcess)
	assert.False(t, d.Changed)
}

func TestScenarioCancelToday(t *testing.T) {
	s := State{Date: date("2025-02-22")}
	d := Evaluate(&s, Signals{Cancel: true}, saturday, weekend)
	assert.True(t, d.Stop)
	assert.True(t, d.Cleanup)
	assert.Equal(t, saturday, d.CleanupDate)
	assert.Equal(t, CleanupFutureToday, d.CleanupScope)
	assert.False(t, d.ShouldProcess)
	assert.True(t, d.Changed)
	assert.Equal(t, State{}, s)
}

func TestScenarioCancelFuture(t *testing.T) {
	s := State{Date: date("2025-03-01")}
	d := Evaluate(&s, Signals{Cancel: true}, monday, weekend)
	assert.False(t, d.Stop)
	assert.True(t, d.Cleanup)
	assert.Equal(t, CleanupAllDay, d.CleanupScope)
	assert.True(t, d.ShouldProcess)
	assert.Equal(t, State{}, s)
}

func TestScenarioArmOnMondayTargetsSaturday(t *testing.T) {
	s := State{}
	d := Evaluate(&s, Signals{Arm: true}, monday, weekend)
	require.NotNil(t, s.Date)
	assert.Equal(t, clock.Date{Year: 2025, Month: time.March, Day: 1}, *s.Date)
	assert.False(t, s.Flag)
	assert.True(t, d.Changed)
	assert.True(t, d.ShouldProcess)
	require.NotEmpty(t, d.Events)
	assert.Equal(t, ArmedFuture, d.Events[len(d.Events)-1].Outcome)
}

func TestScenarioFirstRunOnSaturdayArmsToday(t *testing.T) {
	s := State{}
	d := Evaluate(&s, Signals{Arm: true, FirstRun: true}, saturday, weekend)
	require.NotNil(t, s.Date)
	assert.Equal(t, saturday, *s.Date)
	assert.True(t, d.ShouldProcess)
}

func TestRepeatedArmWithinArmedWindow(t *testing.T) {
	s := State{}
	Evaluate(&s, Signals{Arm: true, FirstRun: true}, saturday, weekend)
	require.Equal(t, &saturday, s.Date)

	// Later runs on the same day keep the override active and ignore new arms.
	for i := 0; i < 3; i++ {
		d := Evaluate(&s, Signals{Arm: true}, saturday, weekend)
		assert.True(t, d.ShouldProcess)
		assert.False(t, d.Changed)
		assert.Equal(t, &saturday, s.Date)
		assert.False(t, s.Flag)
	}

	// End of day consumes it; Sunday is skipped again.
	_, changed := ConsumeOnLast(&s, saturday)
	assert.True(t, changed)
	d := Evaluate(&s, Signals{}, sunday, weekend)
	assert.False(t, d.ShouldProcess)
}

func TestRepeatedArmOnWorkDayDoesNotMoveDate(t *testing.T) {
	s := State{}
	Evaluate(&s, Signals{Arm: true}, monday, weekend)
	first := *s.Date

	d := Evaluate(&s, Signals{Arm: true}, monday.AddDays(1), weekend)
	assert.Equal(t, first, *s.Date)
	assert.False(t, d.Changed)
}

func TestCancelWinsOverArmInSameInvocation(t *testing.T) {
	s := State{Date: date("2025-03-01")}
	d := Evaluate(&s, Signals{Arm: true, Cancel: true}, monday, weekend)
	assert.Nil(t, s.Date)
	assert.False(t, s.Flag)
	var outcomes []Outcome
	for _, ev := range d.Events {
		outcomes = append(outcomes, ev.Outcome)
	}
	assert.Contains(t, outcomes, CancelledFuture)
	assert.Contains(t, outcomes, ArmSuppressed)
}

func TestCancelPastThenExpiry(t *testing.T) {
	s := State{Date: date("2025-02-15")}
	d := Evaluate(&s, Signals{Cancel: true}, monday, weekend)
	assert.Nil(t, s.Date)
	assert.False(t, d.Cleanup)
	require.Len(t, d.Events, 2)
	assert.Equal(t, CancelAlreadyExpired, d.Events[0].Outcome)
	assert.Equal(t, ExpiredUnconsume, d.Events[1].Outcome)
	assert.Equal(t, *date("2025-02-15"), d.Events[1].Date)
}

func TestStaleFlagIsResolvedOnNextRun(t *testing.T) {
	s := State{Flag: true}
	d := Evaluate(&s, Signals{}, monday, weekend)
	assert.False(t, s.Flag)
	require.NotNil(t, s.Date)
	assert.True(t, d.Changed)
}

func TestDescribeCoversOutcomes(t *testing.T) {
	for _, o := range []Outcome{
		CancelNothingArmed, CancelAlreadyExpired, CancelledToday, CancelledFuture,
		ActiveToday, PendingFuture, ExpiredUnconsume, ArmAccepted, ArmIgnored, ArmSuppressed,
		ArmedToday, ArmedFuture, ArmNoSkipDays, ConsumedOnLast, CorruptDateDrop,
	} {
		assert.NotEqual(t, string(o), Describe(Event{Outcome: o, Date: saturday}))
	}
}
