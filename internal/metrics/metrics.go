// Package metrics exposes Prometheus collectors for the coordination
// components. Collectors live on a dedicated registry so that several
// Metrics values (one per test, for instance) never collide on the global
// default registerer. All recording methods are safe on a nil *Metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "picoord"

// Metrics contains Prometheus metrics for picoord.
type Metrics struct {
	registry *prometheus.Registry

	// Lease pool
	leasesActive     prometheus.Gauge
	reservedUnits    *prometheus.GaugeVec
	reservations     *prometheus.CounterVec
	leasesExpired    prometheus.Counter
	capacityWait     prometheus.Histogram
	capacityOutcomes *prometheus.CounterVec

	// Adaptive rate controller
	parallelLimit    *prometheus.GaugeVec
	rateLimitErrors  *prometheus.CounterVec
	errorProbability *prometheus.GaugeVec

	// Cross-instance coordination
	instancesAlive prometheus.Gauge
	parallelShare  prometheus.Gauge
	workStolen     prometheus.Counter

	// Ownership
	ownershipClaims *prometheus.CounterVec
}

// New creates a Metrics instance with its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		leasesActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "leases_active",
			Help:      "Number of non-released leases held by this instance",
		}),
		reservedUnits: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reserved_units",
			Help:      "Capacity units currently reserved, by axis",
		}, []string{"axis"}),
		reservations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lease_reservations_total",
			Help:      "Lease reservation attempts by result",
		}, []string{"result"}),
		leasesExpired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "leases_expired_total",
			Help:      "Leases reclaimed by the expiry sweep",
		}),
		capacityWait: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "capacity_wait_seconds",
			Help:      "Time spent waiting for capacity before a reservation or give-up",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 13), // 10ms to ~40s
		}),
		capacityOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capacity_wait_outcomes_total",
			Help:      "Capacity wait outcomes (acquired, timeout, canceled)",
		}, []string{"outcome"}),

		parallelLimit: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "parallel_limit",
			Help:      "Learned parallel limit per provider and model",
		}, []string{"provider", "model"}),
		rateLimitErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_errors_total",
			Help:      "Throttling errors reported per provider and model",
		}, []string{"provider", "model"}),
		errorProbability: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rate_limit_error_score",
			Help:      "Predictive throttling score in [0,1]",
		}, []string{"provider", "model"}),

		instancesAlive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "instances_alive",
			Help:      "Instances with a fresh heartbeat",
		}),
		parallelShare: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "parallel_share",
			Help:      "This instance's share of the global LLM budget",
		}),
		workStolen: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "work_stolen_total",
			Help:      "Queue items taken over from dead instances",
		}),

		ownershipClaims: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ownership_claims_total",
			Help:      "Task ownership claims by result (claimed, reclaimed, forced, conflict)",
		}, []string{"result"}),
	}
}

// Registry returns the underlying registry, for tests and custom exporters.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an http.Handler serving the registry in the Prometheus
// exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordReservation records a reservation attempt.
func (m *Metrics) RecordReservation(ok bool) {
	if m == nil {
		return
	}
	result := "reserved"
	if !ok {
		result = "rejected"
	}
	m.reservations.WithLabelValues(result).Inc()
}

// SetPoolUsage publishes the pool's current usage.
func (m *Metrics) SetPoolUsage(active, requests, llm int) {
	if m == nil {
		return
	}
	m.leasesActive.Set(float64(active))
	m.reservedUnits.WithLabelValues("requests").Set(float64(requests))
	m.reservedUnits.WithLabelValues("llm").Set(float64(llm))
}

// RecordExpired records leases reclaimed by an expiry sweep.
func (m *Metrics) RecordExpired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.leasesExpired.Add(float64(n))
}

// ObserveCapacityWait records how a capacity wait ended and how long it took.
func (m *Metrics) ObserveCapacityWait(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.capacityWait.Observe(seconds)
	m.capacityOutcomes.WithLabelValues(outcome).Inc()
}

// SetParallelLimit publishes the learned limit for a provider and model.
func (m *Metrics) SetParallelLimit(provider, model string, limit int) {
	if m == nil {
		return
	}
	m.parallelLimit.WithLabelValues(provider, model).Set(float64(limit))
}

// RecordRateLimitError counts a throttling error.
func (m *Metrics) RecordRateLimitError(provider, model string) {
	if m == nil {
		return
	}
	m.rateLimitErrors.WithLabelValues(provider, model).Inc()
}

// SetErrorScore publishes the predictive throttling score.
func (m *Metrics) SetErrorScore(provider, model string, score float64) {
	if m == nil {
		return
	}
	m.errorProbability.WithLabelValues(provider, model).Set(score)
}

// SetInstancesAlive publishes the number of live instances.
func (m *Metrics) SetInstancesAlive(n int) {
	if m == nil {
		return
	}
	m.instancesAlive.Set(float64(n))
}

// SetParallelShare publishes this instance's budget share.
func (m *Metrics) SetParallelShare(n int) {
	if m == nil {
		return
	}
	m.parallelShare.Set(float64(n))
}

// RecordSteal counts an item taken over from a dead instance.
func (m *Metrics) RecordSteal() {
	if m == nil {
		return
	}
	m.workStolen.Inc()
}

// RecordOwnershipClaim counts an ownership claim outcome.
func (m *Metrics) RecordOwnershipClaim(result string) {
	if m == nil {
		return
	}
	m.ownershipClaims.WithLabelValues(result).Inc()
}
