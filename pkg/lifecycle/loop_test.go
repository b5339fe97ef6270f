package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type recordingHandler struct {
	events chan Event
}

func (h *recordingHandler) Handle(_ context.Context, ev Event) error {
	h.events <- ev
	return nil
}

func (h *recordingHandler) next(t *testing.T) Event {
	t.Helper()
	select {
	case ev := <-h.events:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no event dispatched")
		return Event{}
	}
}

func TestLoopDeliversEvents(t *testing.T) {
	h := &recordingHandler{events: make(chan Event, 8)}
	loop := NewLoop(h, time.Hour, nil)
	loop.Start()
	defer loop.Stop()

	loop.Deliver(KindStart)
	ev := h.next(t)
	assert.Equal(t, KindStart, ev.Kind)
	assert.False(t, ev.At.IsZero())
}

func TestLoopDispatchesCoordinatorElection(t *testing.T) {
	leadership := make(chan bool, 2)
	h := &recordingHandler{events: make(chan Event, 8)}
	loop := NewLoop(h, time.Hour, leadership)
	loop.Start()
	defer loop.Stop()

	leadership <- true
	assert.Equal(t, KindCoordinatorElected, h.next(t).Kind)

	// Losing the coordination role is logged, not dispatched.
	leadership <- false
	loop.Deliver(KindTick)
	assert.Equal(t, KindTick, h.next(t).Kind)
}

func TestLoopTicks(t *testing.T) {
	h := &recordingHandler{events: make(chan Event, 64)}
	loop := NewLoop(h, 10*time.Millisecond, nil)
	loop.Start()
	defer loop.Stop()

	assert.Equal(t, KindTick, h.next(t).Kind)
}

func TestLoopStopWaitsForInFlight(t *testing.T) {
	h := &recordingHandler{events: make(chan Event, 8)}
	loop := NewLoop(h, time.Hour, nil)
	loop.Start()

	loop.Deliver(KindStart)
	h.next(t)
	loop.Stop()

	// Deliveries after stop return without blocking.
	loop.Deliver(KindStart)
}
