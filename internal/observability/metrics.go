package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Engine collectors. Label sets are closed enumerations so cardinality stays
// bounded regardless of how many groups or users the engine sees.
var (
	// CacheLookups counts verification cache reads by result:
	// hit_member, hit_nonmember, miss, unavailable.
	CacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "changuard_cache_lookups_total",
			Help: "Verification cache lookups by result.",
		},
		[]string{"result"},
	)

	// CacheWrites counts verification cache writes by outcome:
	// member, nonmember, failed.
	CacheWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "changuard_cache_writes_total",
			Help: "Verification cache writes by outcome.",
		},
		[]string{"outcome"},
	)

	// ResolverLookups counts tenant requirement lookups by result:
	// hit, loaded, error.
	ResolverLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "changuard_resolver_lookups_total",
			Help: "Tenant resolver lookups by result.",
		},
		[]string{"result"},
	)

	// Dispatches counts completed dispatcher tasks by lane and outcome
	// (ok, rate_limited, timeout, exhausted, rejected, closed, coalesced).
	Dispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "changuard_dispatch_total",
			Help: "Membership checks dispatched to the platform, by lane and outcome.",
		},
		[]string{"lane", "outcome"},
	)

	// DispatchLatency observes time from enqueue to result, by lane.
	DispatchLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "changuard_dispatch_latency_seconds",
			Help:    "Time from enqueue to delivered result, by lane.",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"lane"},
	)

	// LaneDepth gauges queued tasks per lane.
	LaneDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "changuard_dispatch_queue_depth",
			Help: "Tasks waiting in each dispatcher lane.",
		},
		[]string{"lane"},
	)

	// Verdicts counts evaluations by result: allowed, restricted, error.
	Verdicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "changuard_verdicts_total",
			Help: "Evaluations by verdict.",
		},
		[]string{"result"},
	)

	// EvaluationDuration observes end-to-end Evaluate latency.
	EvaluationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "changuard_evaluation_duration_seconds",
			Help:    "End-to-end evaluation latency.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
	)

	// Actuations counts enforcement side effects by action.
	Actuations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "changuard_actuations_total",
			Help: "Enforcement actions by kind.",
		},
		[]string{"action"},
	)

	// AuditEvents counts recorded audit events by kind.
	AuditEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "changuard_audit_events_total",
			Help: "Audit events recorded, by kind.",
		},
		[]string{"kind"},
	)

	// AuditDropped counts events discarded because the sink buffer was full.
	AuditDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "changuard_audit_dropped_total",
			Help: "Audit events dropped due to a full buffer.",
		},
	)

	// StoreDegraded is 1 while the shared store is bypassed.
	StoreDegraded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "changuard_store_degraded",
			Help: "1 while the shared key-value store is unavailable and the local fallback is in use.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		CacheLookups, CacheWrites, ResolverLookups,
		Dispatches, DispatchLatency, LaneDepth,
		Verdicts, EvaluationDuration, Actuations,
		AuditEvents, AuditDropped, StoreDegraded,
	)
}
