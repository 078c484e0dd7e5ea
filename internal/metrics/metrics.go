// Package metrics exposes Prometheus metrics for the damage-control
// guard.
//
// Each Metrics value owns its registry, so tests and multiple guards in
// one process never collide on registration. `pai serve` mounts Handler
// on /metrics.
//
//	pai_decisions_total{tool,outcome,cause}   final decisions
//	pai_confirmations_total{result}           AskUser prompts by result
//	pai_rule_load_warnings_total              command rules dropped at load
//	pai_rules_loaded{kind}                    size of the active rule set
//	pai_rule_reloads_total{status}            hot reloads
//	pai_decide_duration_seconds               rule evaluation latency
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the guard's collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	Decisions      *prometheus.CounterVec
	Confirmations  *prometheus.CounterVec
	LoadWarnings   prometheus.Counter
	RulesLoaded    *prometheus.GaugeVec
	Reloads        *prometheus.CounterVec
	DecideDuration prometheus.Histogram
}

// New creates the collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Decisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pai_decisions_total",
			Help: "Final damage-control decisions by tool, outcome and cause",
		}, []string{"tool", "outcome", "cause"}),
		Confirmations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pai_confirmations_total",
			Help: "Confirmation prompts by result",
		}, []string{"result"}),
		LoadWarnings: f.NewCounter(prometheus.CounterOpts{
			Name: "pai_rule_load_warnings_total",
			Help: "Command rules dropped while loading patterns",
		}),
		RulesLoaded: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pai_rules_loaded",
			Help: "Rules in the active rule set",
		}, []string{"kind"}),
		Reloads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pai_rule_reloads_total",
			Help: "Rule set reloads",
		}, []string{"status"}),
		DecideDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "pai_decide_duration_seconds",
			Help:    "Time spent evaluating one action against the rule set",
			Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01},
		}),
	}
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) RecordDecision(tool, outcome, cause string) {
	if m == nil {
		return
	}
	if cause == "" {
		cause = "none"
	}
	m.Decisions.WithLabelValues(tool, outcome, cause).Inc()
}

func (m *Metrics) RecordConfirmation(result string) {
	if m == nil {
		return
	}
	m.Confirmations.WithLabelValues(result).Inc()
}

func (m *Metrics) RuleWarning() {
	if m == nil {
		return
	}
	m.LoadWarnings.Inc()
}

// SetRules records the size of a newly activated rule set.
func (m *Metrics) SetRules(commands, paths int) {
	if m == nil {
		return
	}
	m.RulesLoaded.WithLabelValues("command").Set(float64(commands))
	m.RulesLoaded.WithLabelValues("path").Set(float64(paths))
}

func (m *Metrics) RecordReload(ok bool) {
	if m == nil {
		return
	}
	status := "success"
	if !ok {
		status = "error"
	}
	m.Reloads.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveDecide(d time.Duration) {
	if m == nil {
		return
	}
	m.DecideDuration.Observe(d.Seconds())
}
