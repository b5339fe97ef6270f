package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shoalstack/shoal/pkg/engine"
	"github.com/shoalstack/shoal/pkg/log"
	"github.com/shoalstack/shoal/pkg/types"
)

// EngineAPI is the slice of the engine client the monitor needs.
type EngineAPI interface {
	ClusterHealth(ctx context.Context, waitForNodes bool, altHosts []string) (*engine.HealthStatus, error)
}

// Status is the monitor's view of cluster health over time.
type Status struct {
	// Color is the last resolved health color.
	Color types.HealthColor

	// CheckedAt is when the last health check ran.
	CheckedAt time.Time

	// Changes counts color transitions since the monitor started.
	Changes int

	// Shards is the raw shard movement snapshot behind the color.
	Shards engine.HealthStatus
}

// Monitor resolves engine cluster health into the orchestrator's color
// model. A yellow report while shards are still initializing or
// relocating means the cluster is converging, not degraded; that state
// gets its own color so that callers defer instead of alerting.
type Monitor struct {
	api    EngineAPI
	logger zerolog.Logger

	mu     sync.RWMutex
	status Status
}

// NewMonitor creates a Monitor over the engine API.
func NewMonitor(api EngineAPI) *Monitor {
	return &Monitor{
		api:    api,
		logger: log.WithComponent("health"),
		status: Status{Color: types.HealthUnknown},
	}
}

// Check queries cluster health and returns the resolved color. An
// unreachable engine yields HealthUnknown together with the transport
// error so callers can classify it.
func (m *Monitor) Check(ctx context.Context, waitForNodes bool, altHosts []string) (types.HealthColor, error) {
	raw, err := m.api.ClusterHealth(ctx, waitForNodes, altHosts)
	if err != nil {
		m.record(types.HealthUnknown, engine.HealthStatus{})
		return types.HealthUnknown, err
	}

	color := ColorOf(raw)
	m.record(color, *raw)
	return color, nil
}

// Last returns the most recent status without querying the engine.
func (m *Monitor) Last() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

func (m *Monitor) record(color types.HealthColor, raw engine.HealthStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if color != m.status.Color {
		m.status.Changes++
		m.logger.Info().
			Str("from", string(m.status.Color)).
			Str("to", string(color)).
			Msg("cluster health changed")
	}
	m.status.Color = color
	m.status.CheckedAt = time.Now()
	m.status.Shards = raw
}

// ColorOf maps one engine health report onto the color model.
func ColorOf(h *engine.HealthStatus) types.HealthColor {
	switch h.Status {
	case "green":
		return types.HealthGreen
	case "yellow":
		if h.InitializingShards > 0 || h.RelocatingShards > 0 {
			return types.HealthYellowTemp
		}
		return types.HealthYellow
	case "red":
		return types.HealthRed
	default:
		return types.HealthUnknown
	}
}
