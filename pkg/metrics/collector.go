package metrics

import (
	"time"
)

// Snapshot is one refresh of the gauges backed by live agent state.
type Snapshot struct {
	LifecycleState string
	Health         string
	Coordinator    bool
	PlannedUnits   int
	NodesByRole    map[string]int
	EngineUp       bool
	LockHeld       bool
	DeferredEvents int
	PendingCleanup int
}

// Source provides snapshots for the collector. Implemented by the
// lifecycle controller, which sees the plane, the plan and the engine.
type Source interface {
	MetricsSnapshot() Snapshot
}

// Collector refreshes the fleet gauges on a fixed interval.
type Collector struct {
	source   Source
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a collector over the given source.
func NewCollector(source Source) *Collector {
	return &Collector{
		source:   source,
		interval: 15 * time.Second,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting in the background.
func (c *Collector) Start() {
	go func() {
		c.Collect()

		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.Collect()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

// Collect refreshes every gauge from one snapshot.
func (c *Collector) Collect() {
	snap := c.source.MetricsSnapshot()

	SetLifecycleState(snap.LifecycleState)
	SetClusterHealth(snap.Health)
	SetBool(IsCoordinator, snap.Coordinator)
	SetBool(EngineUp, snap.EngineUp)
	SetBool(RemovalLockHeld, snap.LockHeld)
	PlannedUnits.Set(float64(snap.PlannedUnits))
	DeferredEvents.Set(float64(snap.DeferredEvents))
	PendingExclusionCleanups.Set(float64(snap.PendingCleanup))

	FleetNodes.Reset()
	for role, count := range snap.NodesByRole {
		FleetNodes.WithLabelValues(role).Set(float64(count))
	}
}
