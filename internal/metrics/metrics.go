package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Decision metrics
var (
	EligibilityChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sponsorship_eligibility_checks_total",
			Help: "Eligibility checks by network and result",
		},
		[]string{"network", "result"},
	)

	PolicyUnavailable = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sponsorship_policy_unavailable_total",
			Help: "Policy lookups that failed and were treated as no active policy",
		},
		[]string{"network"},
	)
)

// Estimation metrics
var (
	OracleFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sponsorship_oracle_fallbacks_total",
			Help: "Gas estimates served from the fallback fee",
		},
		[]string{"network"},
	)

	EstimateDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sponsorship_estimate_duration_seconds",
		Help:    "Time taken to produce a gas estimate",
		Buckets: prometheus.DefBuckets,
	})
)

// Ledger metrics
var (
	RecordedSpend = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sponsorship_recorded_spend_total",
			Help: "Recorded gas cost in native units",
		},
		[]string{"network"},
	)

	PersistenceFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sponsorship_persistence_failures_total",
		Help: "Usage records applied in memory but not persisted",
	})
)
