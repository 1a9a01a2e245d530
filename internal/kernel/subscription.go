package kernel

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"ex-tally/pkg/otogi"
)

// subscription is one queue on the bus and the workers draining it. Events
// still queued when it stops are discarded.
type subscription struct {
	id       int64
	interest otogi.InterestSet
	spec     otogi.SubscriptionSpec
	handler  otogi.EventHandler
	bus      *EventBus

	queue chan *otogi.Event
	// life is canceled on stop; handler contexts derive from it.
	life     context.Context
	end      context.CancelFunc
	stopped  atomic.Bool
	dropped  atomic.Uint64
	draining sync.WaitGroup
}

func startSubscription(
	bus *EventBus,
	id int64,
	interest otogi.InterestSet,
	spec otogi.SubscriptionSpec,
	handler otogi.EventHandler,
) *subscription {
	interest.Kinds = slices.Clone(interest.Kinds)
	interest.Commands = slices.Clone(interest.Commands)
	interest.Sources = slices.Clone(interest.Sources)

	life, end := context.WithCancel(context.Background())
	sub := &subscription{
		id:       id,
		interest: interest,
		spec:     spec,
		handler:  handler,
		bus:      bus,
		queue:    make(chan *otogi.Event, spec.Buffer),
		life:     life,
		end:      end,
	}
	for worker := range spec.Workers {
		sub.draining.Go(func() { sub.work(worker) })
	}

	return sub
}

func (s *subscription) Name() string {
	return s.spec.Name
}

// Close detaches the subscription from its bus and stops it.
func (s *subscription) Close(ctx context.Context) error {
	if err := s.bus.remove(ctx, s); err != nil {
		return fmt.Errorf("close subscription %s: %w", s.spec.Name, err)
	}

	return nil
}

// enqueue applies the backpressure policy once the queue is full. Only the
// blocking policy waits, and only as long as ctx and the subscription live.
func (s *subscription) enqueue(ctx context.Context, event *otogi.Event) error {
	if s.stopped.Load() {
		return fmt.Errorf("%s: %w", s.spec.Name, otogi.ErrSubscriptionClosed)
	}
	if s.offer(event) {
		return nil
	}

	switch s.spec.Backpressure {
	case otogi.BackpressureBlock:
		select {
		case s.queue <- event:
			return nil
		case <-s.life.Done():
			return fmt.Errorf("%s: %w", s.spec.Name, otogi.ErrSubscriptionClosed)
		case <-ctx.Done():
			return fmt.Errorf("%s: wait for queue room: %w", s.spec.Name, ctx.Err())
		}
	case otogi.BackpressureDropOldest:
		select {
		case <-s.queue:
			s.dropped.Add(1)
		default:
		}
		if s.offer(event) {
			return nil
		}
	}

	return fmt.Errorf("%s: event %s (%d dropped): %w", s.spec.Name, event.ID, s.dropped.Add(1), otogi.ErrEventDropped)
}

func (s *subscription) offer(event *otogi.Event) bool {
	select {
	case s.queue <- event:
		return true
	default:
		return false
	}
}

func (s *subscription) work(worker int) {
	scope := fmt.Sprintf("subscription %s worker %d", s.spec.Name, worker)
	for {
		select {
		case <-s.life.Done():
			return
		case event := <-s.queue:
			if err := s.deliver(scope, event); err != nil {
				s.bus.report(s.life, s.spec.Name, err)
			}
		}
	}
}

func (s *subscription) deliver(scope string, event *otogi.Event) error {
	ctx, cancel := s.handlerContext()
	defer cancel()

	if err := runSafely(scope, func() error { return s.handler(ctx, event) }); err != nil {
		return fmt.Errorf("handle %s %s: %w", event.Kind, event.ID, err)
	}

	return nil
}

func (s *subscription) handlerContext() (context.Context, context.CancelFunc) {
	if s.spec.HandlerTimeout > 0 {
		return context.WithTimeout(s.life, s.spec.HandlerTimeout)
	}

	return context.WithCancel(s.life)
}

// stop cancels in-flight handlers and waits for the workers until ctx ends.
func (s *subscription) stop(ctx context.Context) error {
	s.stopped.Store(true)
	s.end()

	idle := make(chan struct{})
	go func() {
		s.draining.Wait()
		close(idle)
	}()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop subscription %s: %w", s.spec.Name, ctx.Err())
	}
}
