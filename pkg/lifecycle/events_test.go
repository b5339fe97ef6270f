package lifecycle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueCoalescesByKind(t *testing.T) {
	q := NewQueue()

	q.Defer(Event{Kind: KindStart, At: time.Now()})
	q.Defer(Event{Kind: KindStart, At: time.Now()})
	q.Defer(Event{Kind: KindStart, At: time.Now()})

	assert.Equal(t, 1, q.Len())
	events := q.Drain()
	require.Len(t, events, 1)
	assert.Equal(t, KindStart, events[0].Kind)
	assert.Equal(t, 3, events[0].Attempts)
}

func TestQueueKeepsDistinctKinds(t *testing.T) {
	q := NewQueue()

	q.Defer(Event{Kind: KindStart})
	q.Defer(Event{Kind: KindNodeDeparting})

	events := q.Drain()
	require.Len(t, events, 2)
	assert.Equal(t, KindStart, events[0].Kind)
	assert.Equal(t, KindNodeDeparting, events[1].Kind)
}

func TestQueueDrainEmpties(t *testing.T) {
	q := NewQueue()
	q.Defer(Event{Kind: KindConfigChanged})

	require.Len(t, q.Drain(), 1)
	assert.Zero(t, q.Len())
	assert.Empty(t, q.Drain())
}

func TestQueueAttemptsSurviveRedelivery(t *testing.T) {
	q := NewQueue()
	q.Defer(Event{Kind: KindStart})

	events := q.Drain()
	require.Len(t, events, 1)

	// A redelivered event that fails again carries its history.
	q.Defer(events[0])
	events = q.Drain()
	require.Len(t, events, 1)
	assert.Equal(t, 2, events[0].Attempts)
}
