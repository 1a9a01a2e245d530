package otogi

import (
	"context"
	"time"
)

// BackpressurePolicy decides what a full subscription queue does with the next event.
type BackpressurePolicy string

const (
	// BackpressureDropNewest discards the incoming event.
	BackpressureDropNewest BackpressurePolicy = "drop_newest"
	// BackpressureDropOldest discards the oldest queued event to make room.
	BackpressureDropOldest BackpressurePolicy = "drop_oldest"
	// BackpressureBlock makes the publisher wait for room or for its context to end.
	BackpressureBlock BackpressurePolicy = "block"
)

// SubscriptionSpec configures one consumer. Zero fields take kernel defaults.
type SubscriptionSpec struct {
	// Name identifies the subscription in logs and errors.
	Name string
	// Buffer is the queue depth.
	Buffer int
	// Workers is the number of goroutines draining the queue.
	Workers int
	// HandlerTimeout bounds one handler call. A reset purging a large log
	// conversation needs a much longer bound than a ping reply.
	HandlerTimeout time.Duration
	// Backpressure applies when the queue is full.
	Backpressure BackpressurePolicy
}

// Subscription is an active registration on the bus.
type Subscription interface {
	Name() string
	// Close stops delivery and waits for in-flight handlers until ctx ends.
	Close(ctx context.Context) error
}

// EventBus delivers published events to matching subscriptions asynchronously.
type EventBus interface {
	EventDispatcher
	Subscribe(
		ctx context.Context,
		interest InterestSet,
		spec SubscriptionSpec,
		handler EventHandler,
	) (Subscription, error)
	// Close shuts down the bus and all active subscriptions.
	Close(ctx context.Context) error
}
