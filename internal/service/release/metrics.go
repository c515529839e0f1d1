package release

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/shipyard/internal/domain"
)

var stepBuckets = []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800}

// Metrics records step and release outcomes.
type Metrics struct {
	stepOutcomes    *prometheus.CounterVec
	stepDuration    *prometheus.HistogramVec
	releaseOutcomes *prometheus.CounterVec
}

// NewMetrics registers the release collectors on reg. Collectors already
// registered by an earlier instance are reused.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		stepOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shipyard",
			Subsystem: "release",
			Name:      "step_outcomes_total",
			Help:      "Count of finished release steps by outcome",
		}, []string{"step", "outcome"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "shipyard",
			Subsystem: "release",
			Name:      "step_duration_seconds",
			Help:      "Execution time of release steps",
			Buckets:   stepBuckets,
		}, []string{"step"}),
		releaseOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shipyard",
			Subsystem: "release",
			Name:      "releases_total",
			Help:      "Count of release lifecycle events by status",
		}, []string{"status"}),
	}
	m.stepOutcomes = registerCounter(reg, m.stepOutcomes)
	m.releaseOutcomes = registerCounter(reg, m.releaseOutcomes)
	if err := reg.Register(m.stepDuration); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				m.stepDuration = existing
			}
		}
	}
	return m
}

func registerCounter(reg prometheus.Registerer, c *prometheus.CounterVec) *prometheus.CounterVec {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return c
}

func (m *Metrics) observeStep(step domain.StepType, status domain.StepStatus, d time.Duration) {
	if m == nil {
		return
	}
	m.stepOutcomes.With(prometheus.Labels{"step": string(step), "outcome": string(status)}).Inc()
	if status != domain.StepStatusSkipped {
		m.stepDuration.With(prometheus.Labels{"step": string(step)}).Observe(d.Seconds())
	}
}

func (m *Metrics) observeRelease(status domain.ReleaseStatus) {
	if m == nil {
		return
	}
	m.releaseOutcomes.With(prometheus.Labels{"status": string(status)}).Inc()
}
