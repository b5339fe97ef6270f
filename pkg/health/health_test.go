package health

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shoalstack/shoal/pkg/engine"
	"github.com/shoalstack/shoal/pkg/types"
)

type fakeAPI struct {
	health *engine.HealthStatus
	err    error
}

func (f *fakeAPI) ClusterHealth(context.Context, bool, []string) (*engine.HealthStatus, error) {
	return f.health, f.err
}

func TestColorOf(t *testing.T) {
	tests := []struct {
		name   string
		status engine.HealthStatus
		want   types.HealthColor
	}{
		{"green", engine.HealthStatus{Status: "green"}, types.HealthGreen},
		{"settled yellow", engine.HealthStatus{Status: "yellow"}, types.HealthYellow},
		{"yellow while initializing", engine.HealthStatus{Status: "yellow", InitializingShards: 3}, types.HealthYellowTemp},
		{"yellow while relocating", engine.HealthStatus{Status: "yellow", RelocatingShards: 1}, types.HealthYellowTemp},
		{"red", engine.HealthStatus{Status: "red"}, types.HealthRed},
		{"unrecognized", engine.HealthStatus{Status: "chartreuse"}, types.HealthUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ColorOf(&tt.status))
		})
	}
}

func TestMonitorCheck(t *testing.T) {
	api := &fakeAPI{health: &engine.HealthStatus{Status: "yellow", InitializingShards: 2, NumberOfNodes: 3}}
	m := NewMonitor(api)

	color, err := m.Check(context.Background(), false, nil)
	require.NoError(t, err)
	assert.Equal(t, types.HealthYellowTemp, color)
	assert.True(t, color.Blocking())

	last := m.Last()
	assert.Equal(t, types.HealthYellowTemp, last.Color)
	assert.Equal(t, 2, last.Shards.InitializingShards)
	assert.False(t, last.CheckedAt.IsZero())
}

func TestMonitorUnreachableEngine(t *testing.T) {
	api := &fakeAPI{err: types.NewTransientError("health", types.ErrEngineUnreachable)}
	m := NewMonitor(api)

	color, err := m.Check(context.Background(), false, nil)
	require.Error(t, err)
	assert.True(t, types.IsTransient(err))
	assert.Equal(t, types.HealthUnknown, color)
}

func TestMonitorCountsTransitions(t *testing.T) {
	api := &fakeAPI{health: &engine.HealthStatus{Status: "green"}}
	m := NewMonitor(api)

	_, err := m.Check(context.Background(), false, nil)
	require.NoError(t, err)
	_, err = m.Check(context.Background(), false, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Last().Changes)

	api.health = &engine.HealthStatus{Status: "yellow"}
	_, err = m.Check(context.Background(), false, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, m.Last().Changes)
}
