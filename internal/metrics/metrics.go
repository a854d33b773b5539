// Package metrics holds the Prometheus collectors for directory resolution
// and the user store. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ldap_identity"

// Directory attempt outcomes.
const (
	OutcomeFound       = "found"
	OutcomeNotFound    = "not_found"
	OutcomeDialError   = "dial_error"
	OutcomeBindError   = "bind_error"
	OutcomeSearchError = "search_error"
)

// Store lookup results.
const (
	ResultHit     = "hit"
	ResultMiss    = "miss"
	ResultCorrupt = "corrupt"
	ResultError   = "error"
)

// Metrics groups every collector exported by the service.
type Metrics struct {
	directoryAttempts *prometheus.CounterVec
	searchDuration    *prometheus.HistogramVec
	storeLookups      *prometheus.CounterVec
	provisioned       *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg skips registration.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		directoryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "directory",
			Name:      "attempts_total",
			Help:      "Directory endpoint attempts by outcome.",
		}, []string{"endpoint", "outcome"}),
		searchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "directory",
			Name:      "search_duration_seconds",
			Help:      "Duration of a full endpoint attempt, dial to search result.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),
		storeLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "userstore",
			Name:      "lookups_total",
			Help:      "User store lookups by index and result.",
		}, []string{"index", "result"}),
		provisioned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "userstore",
			Name:      "provisioned_total",
			Help:      "Identities auto-provisioned for external providers.",
		}, []string{"provider"}),
	}

	if reg != nil {
		reg.MustRegister(m.directoryAttempts, m.searchDuration, m.storeLookups, m.provisioned)
	}

	return m
}

// ObserveAttempt records one endpoint attempt.
func (m *Metrics) ObserveAttempt(endpoint, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.directoryAttempts.WithLabelValues(endpoint, outcome).Inc()
	m.searchDuration.WithLabelValues(endpoint).Observe(d.Seconds())
}

// ObserveLookup records a store lookup against index.
func (m *Metrics) ObserveLookup(index, result string) {
	if m == nil {
		return
	}
	m.storeLookups.WithLabelValues(index, result).Inc()
}

// ObserveProvisioned records an auto-provisioned identity.
func (m *Metrics) ObserveProvisioned(provider string) {
	if m == nil {
		return
	}
	m.provisioned.WithLabelValues(provider).Inc()
}
