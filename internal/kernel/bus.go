package kernel

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"ex-tally/pkg/otogi"
)

// AsyncErrorFunc receives failures that happen off the publishing goroutine:
// handler errors, recovered panics and backpressure drops. scope names the
// subscription or step involved.
type AsyncErrorFunc func(ctx context.Context, scope string, err error)

// EventBus gives every subscription its own bounded queue and workers. A slow
// or failing handler only affects its own subscription.
type EventBus struct {
	defaults otogi.SubscriptionSpec
	report   AsyncErrorFunc

	mu     sync.RWMutex
	closed bool
	serial int64
	subs   map[int64]*subscription
}

// NewEventBus creates a bus. Zero fields of a subscription spec take their
// value from defaults; an unset default policy drops the newest event.
func NewEventBus(defaults otogi.SubscriptionSpec, report AsyncErrorFunc) *EventBus {
	if defaults.Backpressure == "" {
		defaults.Backpressure = otogi.BackpressureDropNewest
	}
	if report == nil {
		report = func(context.Context, string, error) {}
	}

	return &EventBus{
		defaults: defaults,
		report:   report,
		subs:     make(map[int64]*subscription),
	}
}

// Publish queues event on every subscription whose interest matches. Drops
// are reported through the async error func; Publish itself only fails on
// invalid events, a closed bus, or a blocking enqueue cut short by ctx.
func (b *EventBus) Publish(ctx context.Context, event *otogi.Event) error {
	if event == nil {
		return errors.New("publish: nil event")
	}
	if err := event.Validate(); err != nil {
		return fmt.Errorf("publish %s: %w", event.Kind, err)
	}

	targets, err := b.matching(event)
	if err != nil {
		return fmt.Errorf("publish %s: %w", event.Kind, err)
	}

	var failed error
	for _, sub := range targets {
		switch err := sub.enqueue(ctx, event); {
		case err == nil:
		case errors.Is(err, otogi.ErrEventDropped), errors.Is(err, otogi.ErrSubscriptionClosed):
			b.report(ctx, sub.spec.Name, err)
		default:
			failed = errors.Join(failed, err)
		}
	}
	if failed != nil {
		return fmt.Errorf("publish %s: %w", event.Kind, failed)
	}

	return nil
}

func (b *EventBus) matching(event *otogi.Event) ([]*subscription, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, errors.New("bus closed")
	}

	var targets []*subscription
	for _, sub := range b.subs {
		if sub.interest.Matches(event) {
			targets = append(targets, sub)
		}
	}

	return targets, nil
}

// Subscribe starts a subscription. Its workers run until the subscription or
// the bus is closed.
func (b *EventBus) Subscribe(
	ctx context.Context,
	interest otogi.InterestSet,
	spec otogi.SubscriptionSpec,
	handler otogi.EventHandler,
) (otogi.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", spec.Name, err)
	}
	if handler == nil {
		return nil, fmt.Errorf("subscribe %s: nil handler", spec.Name)
	}
	switch spec.Backpressure {
	case "", otogi.BackpressureDropNewest, otogi.BackpressureDropOldest, otogi.BackpressureBlock:
	default:
		return nil, fmt.Errorf("subscribe %s: backpressure %q: %w", spec.Name, spec.Backpressure, otogi.ErrInvalidSubscription)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("subscribe %s: bus closed", spec.Name)
	}
	b.serial++
	sub := startSubscription(b, b.serial, interest, b.fill(spec, b.serial), handler)
	b.subs[sub.id] = sub

	return sub, nil
}

func (b *EventBus) fill(spec otogi.SubscriptionSpec, id int64) otogi.SubscriptionSpec {
	if spec.Name == "" {
		spec.Name = fmt.Sprintf("subscription-%d", id)
	}
	if spec.Buffer <= 0 {
		spec.Buffer = b.defaults.Buffer
	}
	if spec.Workers <= 0 {
		spec.Workers = b.defaults.Workers
	}
	if spec.HandlerTimeout <= 0 {
		spec.HandlerTimeout = b.defaults.HandlerTimeout
	}
	if spec.Backpressure == "" {
		spec.Backpressure = b.defaults.Backpressure
	}

	return spec
}

// Close stops every subscription, waiting for in-flight handlers until ctx
// ends. Closing twice is a no-op.
func (b *EventBus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := slices.Collect(maps.Values(b.subs))
	clear(b.subs)
	b.mu.Unlock()

	errs := make([]error, 0, len(subs))
	for _, sub := range subs {
		errs = append(errs, sub.stop(ctx))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("close event bus: %w", err)
	}

	return nil
}

func (b *EventBus) remove(ctx context.Context, sub *subscription) error {
	b.mu.Lock()
	_, live := b.subs[sub.id]
	delete(b.subs, sub.id)
	b.mu.Unlock()

	if !live {
		return nil
	}

	return sub.stop(ctx)
}

var _ otogi.EventBus = (*EventBus)(nil)
