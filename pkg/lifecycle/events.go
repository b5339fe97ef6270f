package lifecycle

import (
	"sync"
	"time"

	"github.com/shoalstack/shoal/pkg/metrics"
)

// Kind tags a lifecycle event.
type Kind string

const (
	// KindStart asks the controller to bring the local engine up.
	KindStart Kind = "start"
	// KindCoordinatorElected fires when this agent becomes the fleet
	// coordinator.
	KindCoordinatorElected Kind = "coordinator-elected"
	// KindPeersChanged fires when fleet membership changes.
	KindPeersChanged Kind = "peers-changed"
	// KindConfigChanged fires when the operator's declared configuration
	// changes. The one event that retries out of a blocked state.
	KindConfigChanged Kind = "config-changed"
	// KindNodeDeparting asks for a safe stop ahead of node removal.
	KindNodeDeparting Kind = "node-departing"
	// KindTick is the periodic reconciliation pass.
	KindTick Kind = "tick"
)

// Event is one unit of work for the controller.
type Event struct {
	Kind Kind
	At   time.Time

	// Attempts counts deliveries that ended in deferral.
	Attempts int
}

// Queue holds deferred events until the next tick redelivers them.
// One slot per kind: deferring an already-queued kind bumps its attempt
// count instead of growing the queue, since redelivering the same
// transition twice in one pass buys nothing.
type Queue struct {
	mu     sync.Mutex
	events []Event
}

// NewQueue creates an empty deferral queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Defer parks an event for redelivery.
func (q *Queue) Defer(ev Event) {
	q.mu.Lock()
	defer q.mu.Unlock()

	metrics.EventsDeferredTotal.Inc()
	for i := range q.events {
		if q.events[i].Kind == ev.Kind {
			q.events[i].Attempts++
			return
		}
	}
	ev.Attempts++
	q.events = append(q.events, ev)
	metrics.DeferredEvents.Set(float64(len(q.events)))
}

// Drain removes and returns all deferred events in arrival order.
func (q *Queue) Drain() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := q.events
	q.events = nil
	metrics.DeferredEvents.Set(0)
	return out
}

// Len reports the number of parked events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}
