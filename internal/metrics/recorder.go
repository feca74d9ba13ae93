// Package metrics records run outcomes. The Recorder interface keeps the
// runner independent of Prometheus; NoopRecorder is the default.
package metrics

// Outcome labels the end state of one run.
type Outcome string

const (
	OutcomeSynced  Outcome = "synced"
	OutcomeGated   Outcome = "gated"
	OutcomeStopped Outcome = "stopped"
	OutcomePartial Outcome = "partial"
	OutcomeFailed  Outcome = "failed"
)

// Recorder defines observability hooks for runs. All methods must be safe to
// call on a nil *PrometheusRecorder.
type Recorder interface {
	IncRun(kind string, outcome Outcome)
	ObserveRunDuration(kind string, seconds float64)
	AddActions(identity string, adds, deletes, matched int)
	IncActionFailure(identity, action string)
	IncRetry(action string)
	IncOverrideEvent(outcome string)
	SetOverrideArmed(armed bool)
	IncSourceError(identity string)
}

// NoopRecorder is a Recorder that does nothing.
type NoopRecorder struct{}

func (NoopRecorder) IncRun(string, Outcome)             {}
func (NoopRecorder) ObserveRunDuration(string, float64) {}
func (NoopRecorder) AddActions(string, int, int, int)   {}
func (NoopRecorder) IncActionFailure(string, string)    {}
func (NoopRecorder) IncRetry(string)                    {}
func (NoopRecorder) IncOverrideEvent(string)            {}
func (NoopRecorder) SetOverrideArmed(bool)              {}
func (NoopRecorder) IncSourceError(string)              {}
