package metrics

import (
	"net/http"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "calmirror"

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	runs           *prom.CounterVec
	runDuration    *prom.HistogramVec
	actions        *prom.CounterVec
	matched        *prom.CounterVec
	actionFailures *prom.CounterVec
	retries        *prom.CounterVec
	overrideEvents *prom.CounterVec
	overrideArmed  prom.Gauge
	sourceErrors   *prom.CounterVec
}

// NewPrometheusRecorder constructs the metrics and registers them on reg.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{
		runs: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Runs by kind (first|refresh|last) and outcome",
		}, []string{"kind", "outcome"}),
		runDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of a full run",
			Buckets:   prom.DefBuckets,
		}, []string{"kind"}),
		actions: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Planned destination actions by source identity",
		}, []string{"identity", "action"}),
		matched: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "matched_total",
			Help:      "Mirrored events that already matched an upstream event",
		}, []string{"identity"}),
		actionFailures: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "action_failures_total",
			Help:      "Destination actions that failed after retries",
		}, []string{"identity", "action"}),
		retries: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "action_retries_total",
			Help:      "Retried destination writes",
		}, []string{"action"}),
		overrideEvents: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "override_events_total",
			Help:      "Override state machine outcomes",
		}, []string{"outcome"}),
		overrideArmed: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "override_armed",
			Help:      "1 when an override date is armed",
		}),
		sourceErrors: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "source_errors_total",
			Help:      "Sources skipped because fetch or read failed",
		}, []string{"identity"}),
	}
	reg.MustRegister(pr.runs, pr.runDuration, pr.actions, pr.matched, pr.actionFailures,
		pr.retries, pr.overrideEvents, pr.overrideArmed, pr.sourceErrors)
	return pr
}

// HTTPHandler serves the metrics registered on reg.
func HTTPHandler(reg *prom.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (p *PrometheusRecorder) IncRun(kind string, outcome Outcome) {
	if p == nil {
		return
	}
	p.runs.WithLabelValues(kind, string(outcome)).Inc()
}

func (p *PrometheusRecorder) ObserveRunDuration(kind string, seconds float64) {
	if p == nil {
		return
	}
	p.runDuration.WithLabelValues(kind).Observe(seconds)
}

func (p *PrometheusRecorder) AddActions(identity string, adds, deletes, matched int) {
	if p == nil {
		return
	}
	p.actions.WithLabelValues(identity, "add").Add(float64(adds))
	p.actions.WithLabelValues(identity, "delete").Add(float64(deletes))
	p.matched.WithLabelValues(identity).Add(float64(matched))
}

func (p *PrometheusRecorder) IncActionFailure(identity, action string) {
	if p == nil {
		return
	}
	p.actionFailures.WithLabelValues(identity, action).Inc()
}

func (p *PrometheusRecorder) IncRetry(action string) {
	if p == nil {
		return
	}
	p.retries.WithLabelValues(action).Inc()
}

func (p *PrometheusRecorder) IncOverrideEvent(outcome string) {
	if p == nil {
		return
	}
	p.overrideEvents.WithLabelValues(outcome).Inc()
}

func (p *PrometheusRecorder) SetOverrideArmed(armed bool) {
	if p == nil {
		return
	}
	v := 0.0
	if armed {
		v = 1
	}
	p.overrideArmed.Set(v)
}

func (p *PrometheusRecorder) IncSourceError(identity string) {
	if p == nil {
		return
	}
	p.sourceErrors.WithLabelValues(identity).Inc()
}
