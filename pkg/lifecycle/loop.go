package lifecycle

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/shoalstack/shoal/pkg/log"
)

// DefaultTickInterval paces the reconciliation tick.
const DefaultTickInterval = 30 * time.Second

// Handler consumes lifecycle events.
type Handler interface {
	Handle(ctx context.Context, ev Event) error
}

// Loop is the single-threaded dispatcher in front of a Handler.
// External deliveries, leadership changes and the periodic tick all
// funnel through one goroutine, so the controller's transitions never
// interleave.
type Loop struct {
	handler    Handler
	interval   time.Duration
	leadership <-chan bool
	events     chan Event
	stopCh     chan struct{}
	doneCh     chan struct{}
	logger     zerolog.Logger
}

// NewLoop creates a dispatcher over the handler. A nil leadership
// channel is valid and simply never fires.
func NewLoop(handler Handler, interval time.Duration, leadership <-chan bool) *Loop {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	return &Loop{
		handler:    handler,
		interval:   interval,
		leadership: leadership,
		events:     make(chan Event, 16),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		logger:     log.WithComponent("lifecycle"),
	}
}

// Start begins dispatching in the background.
func (l *Loop) Start() {
	go l.run()
}

// Stop shuts the dispatcher down and waits for the in-flight event to
// finish.
func (l *Loop) Stop() {
	close(l.stopCh)
	<-l.doneCh
}

// Deliver queues an event for dispatch. Returns immediately once the
// loop has stopped.
func (l *Loop) Deliver(kind Kind) {
	select {
	case l.events <- Event{Kind: kind, At: time.Now()}:
	case <-l.stopCh:
	}
}

func (l *Loop) run() {
	defer close(l.doneCh)
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	ctx := context.Background()
	for {
		select {
		case ev := <-l.events:
			l.dispatch(ctx, ev)
		case elected := <-l.leadership:
			if elected {
				l.dispatch(ctx, Event{Kind: KindCoordinatorElected, At: time.Now()})
			} else {
				l.logger.Info().Msg("coordinator role moved to another member")
			}
		case <-ticker.C:
			l.dispatch(ctx, Event{Kind: KindTick, At: time.Now()})
		case <-l.stopCh:
			return
		}
	}
}

func (l *Loop) dispatch(ctx context.Context, ev Event) {
	// Outcomes are classified and logged by the handler itself.
	_ = l.handler.Handle(ctx, ev)
}
