/*
Package metrics provides Prometheus metrics and agent health endpoints
for shoal.

All collectors are package-level and registered at init, exposed for
scraping through Handler on the admin API:

	┌─────────────────────────────────────────────┐
	│           Prometheus Registry               │
	│   MustRegister at package init              │
	└──────────────┬──────────────────────────────┘
	               │
	┌──────────────▼──────────────────────────────┐
	│   Gauges: fleet nodes by role, health,      │
	│           lifecycle state, lock, deferred   │
	│   Counters: deferrals, restarts, ticks,     │
	│             API requests                    │
	│   Histograms: engine/API request and        │
	│               reconcile durations           │
	└──────────────┬──────────────────────────────┘
	               │
	┌──────────────▼──────────────────────────────┐
	│   Collector: refreshes gauges from one      │
	│   Snapshot per interval (lifecycle is the   │
	│   Source)                                   │
	└─────────────────────────────────────────────┘

State-style gauge vectors (lifecycle state, health color) keep exactly
one label at 1; SetLifecycleState and SetClusterHealth reset the vector
before setting so stale labels drop to absent rather than lingering.

The component tracker behind SetComponent feeds the /healthz endpoint:
any unhealthy component turns the whole agent unhealthy (503). The
liveness endpoint only proves the process runs.

Usage:

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconcileDuration)
	metrics.ReconcileCyclesTotal.Inc()
*/
package metrics
