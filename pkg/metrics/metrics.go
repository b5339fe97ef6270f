package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	FleetNodes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shoal_fleet_nodes",
			Help: "Nodes in the broadcast role plan by role",
		},
		[]string{"role"},
	)

	PlannedUnits = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shoal_planned_units",
			Help: "Number of planned fleet members",
		},
	)

	ClusterHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shoal_cluster_health",
			Help: "Observed cluster health color (1 = current)",
		},
		[]string{"color"},
	)

	// Lifecycle metrics
	LifecycleState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shoal_lifecycle_state",
			Help: "Local node lifecycle state (1 = current)",
		},
		[]string{"state"},
	)

	EngineUp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shoal_engine_up",
			Help: "Whether the local engine answers its API (1 = up)",
		},
	)

	EngineRestartsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shoal_engine_restarts_total",
			Help: "Engine restarts driven by the orchestrator",
		},
	)

	DeferredEvents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shoal_deferred_events",
			Help: "Lifecycle events waiting for redelivery",
		},
	)

	EventsDeferredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shoal_events_deferred_total",
			Help: "Lifecycle event deferrals since start",
		},
	)

	ReconcileCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shoal_reconcile_cycles_total",
			Help: "Completed reconciliation ticks",
		},
	)

	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "shoal_reconcile_duration_seconds",
			Help:    "Reconciliation tick duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Coordination metrics
	IsCoordinator = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shoal_is_coordinator",
			Help: "Whether this member is the fleet coordinator (1 = coordinator)",
		},
	)

	RemovalLockHeld = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shoal_removal_lock_held",
			Help: "Whether the fleet-wide removal lock is held (1 = held)",
		},
	)

	PendingExclusionCleanups = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shoal_pending_exclusion_cleanups",
			Help: "Exclusion cleanup markers waiting for a retry",
		},
	)

	// Request metrics
	EngineRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shoal_engine_request_duration_seconds",
			Help:    "Engine API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shoal_api_requests_total",
			Help: "Admin API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shoal_api_request_duration_seconds",
			Help:    "Admin API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(FleetNodes)
	prometheus.MustRegister(PlannedUnits)
	prometheus.MustRegister(ClusterHealth)
	prometheus.MustRegister(LifecycleState)
	prometheus.MustRegister(EngineUp)
	prometheus.MustRegister(EngineRestartsTotal)
	prometheus.MustRegister(DeferredEvents)
	prometheus.MustRegister(EventsDeferredTotal)
	prometheus.MustRegister(ReconcileCyclesTotal)
	prometheus.MustRegister(ReconcileDuration)
	prometheus.MustRegister(IsCoordinator)
	prometheus.MustRegister(RemovalLockHeld)
	prometheus.MustRegister(PendingExclusionCleanups)
	prometheus.MustRegister(EngineRequestDuration)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// SetLifecycleState marks state as the current lifecycle state.
func SetLifecycleState(state string) {
	LifecycleState.Reset()
	LifecycleState.WithLabelValues(state).Set(1)
}

// SetClusterHealth marks color as the current cluster health.
func SetClusterHealth(color string) {
	ClusterHealth.Reset()
	ClusterHealth.WithLabelValues(color).Set(1)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

// SetBool sets a 0/1 gauge.
func SetBool(g prometheus.Gauge, v bool) {
	g.Set(boolGauge(v))
}
