package runner

import (
	"fmt"
	"strings"

	"calmirror/internal/clock"
	"calmirror/internal/metrics"
	"calmirror/internal/override"
)

// SourceReport is the result for one source.
type SourceReport struct {
	Identity string
	Added    int
	Deleted  int
	Matched  int
	Failed   int
	// Err is set when the source was skipped entirely.
	Err error
}

// Report summarizes one invocation.
type Report struct {
	Kind  string
	Today clock.Date
	// Processed is the run gate: false on a skip day without an override.
	Processed bool
	// Stopped is set when a same-day cancel ended the run.
	Stopped bool
	// LastWorkDay is the last processed day before a gated skip day.
	LastWorkDay   *clock.Date
	Cleaned       int
	CleanupFailed int
	Sources       []SourceReport
	Events        []override.Event
	// Err is the fatal error, if the run was aborted.
	Err error
}

// HasChanges reports whether the destination was modified.
func (r Report) HasChanges() bool {
	if r.Cleaned > 0 {
		return true
	}
	for _, s := range r.Sources {
		if s.Added > 0 || s.Deleted > 0 {
			return true
		}
	}
	return false
}

// HasFailures reports whether any source or action failed.
func (r Report) HasFailures() bool {
	if r.Err != nil || r.CleanupFailed > 0 {
		return true
	}
	for _, s := range r.Sources {
		if s.Err != nil || s.Failed > 0 {
			return true
		}
	}
	return false
}

// Outcome classifies the run for metrics.
func (r Report) Outcome() metrics.Outcome {
	switch {
	case r.Err != nil:
		return metrics.OutcomeFailed
	case r.Stopped:
		return metrics.OutcomeStopped
	case !r.Processed:
		return metrics.OutcomeGated
	}
	failedSources := 0
	for _, s := range r.Sources {
		if s.Err != nil {
			failedSources++
		}
	}
	if len(r.Sources) > 0 && failedSources == len(r.Sources) {
		return metrics.OutcomeFailed
	}
	if r.HasFailures() {
		return metrics.OutcomePartial
	}
	return metrics.OutcomeSynced
}

// Summary renders the report as one line for notifications.
func (r Report) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Calendar sync %s (%s): %s", r.Today, r.Kind, r.Outcome())
	if r.LastWorkDay != nil {
		fmt.Fprintf(&b, "; skip day, last processed %s", r.LastWorkDay)
	}
	if r.Cleaned > 0 || r.CleanupFailed > 0 {
		fmt.Fprintf(&b, "; cleanup removed %d", r.Cleaned)
		if r.CleanupFailed > 0 {
			fmt.Fprintf(&b, " (%d failed)", r.CleanupFailed)
		}
	}
	for _, s := range r.Sources {
		if s.Err != nil {
			fmt.Fprintf(&b, "; %s error: %v", s.Identity, s.Err)
			continue
		}
		fmt.Fprintf(&b, "; %s +%d -%d =%d", s.Identity, s.Added, s.Deleted, s.Matched)
		if s.Failed > 0 {
			fmt.Fprintf(&b, " (%d failed)", s.Failed)
		}
	}
	if r.Err != nil {
		fmt.Fprintf(&b, "; %v", r.Err)
	}
	return b.String()
}
