package telegram

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ex-tally/pkg/otogi"
)

const defaultPublishTimeout = 2 * time.Second

// UpdateHandler consumes mapped Telegram updates.
type UpdateHandler func(ctx context.Context, update Update) error

// UpdateSource streams Telegram updates into the driver.
type UpdateSource interface {
	// Consume runs the update loop until context cancellation or fatal error.
	// A handler error is fatal to the loop.
	Consume(ctx context.Context, handler UpdateHandler) error
}

type driverConfig struct {
	name           string
	publishTimeout time.Duration
	onSkip         func(context.Context, error)
}

// DriverOption mutates Telegram driver configuration.
type DriverOption func(*driverConfig)

// WithName configures the driver identity exposed to the kernel.
func WithName(name string) DriverOption {
	return func(cfg *driverConfig) {
		if name != "" {
			cfg.name = name
		}
	}
}

// WithPublishTimeout bounds how long one event may wait on the kernel bus.
func WithPublishTimeout(timeout time.Duration) DriverOption {
	return func(cfg *driverConfig) {
		if timeout > 0 {
			cfg.publishTimeout = timeout
		}
	}
}

// WithErrorHandler receives updates the driver had to skip.
func WithErrorHandler(handler func(context.Context, error)) DriverOption {
	return func(cfg *driverConfig) {
		if handler != nil {
			cfg.onSkip = handler
		}
	}
}

// Driver turns the Telegram update stream into neutral events.
//
// An update that cannot be decoded or published is reported and skipped: one
// malformed message in the summary chat must not end the session that the
// aggregator and reset commands depend on.
type Driver struct {
	cfg     driverConfig
	source  UpdateSource
	decoder Decoder
}

// NewDriver creates a Telegram driver.
func NewDriver(source UpdateSource, decoder Decoder, options ...DriverOption) (*Driver, error) {
	if source == nil {
		return nil, fmt.Errorf("new telegram driver: nil source")
	}
	if decoder == nil {
		return nil, fmt.Errorf("new telegram driver: nil decoder")
	}

	cfg := driverConfig{
		name:           DriverType,
		publishTimeout: defaultPublishTimeout,
		onSkip:         func(context.Context, error) {},
	}
	for _, option := range options {
		option(&cfg)
	}

	return &Driver{cfg: cfg, source: source, decoder: decoder}, nil
}

// Name returns the stable driver identifier.
func (d *Driver) Name() string {
	return d.cfg.name
}

// Start consumes Telegram updates and publishes neutral events until ctx ends
// or the source fails.
func (d *Driver) Start(ctx context.Context, sink otogi.EventDispatcher) error {
	if sink == nil {
		return fmt.Errorf("start telegram driver: nil sink")
	}

	err := d.source.Consume(ctx, func(updateCtx context.Context, update Update) error {
		if err := d.forward(updateCtx, update, sink); err != nil {
			d.cfg.onSkip(updateCtx, err)
		}
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("start telegram driver: consume updates: %w", err)
	}

	return nil
}

// forward decodes one update and publishes it under the publish timeout.
func (d *Driver) forward(ctx context.Context, update Update, sink otogi.EventDispatcher) error {
	event, err := d.decode(ctx, update)
	if err != nil {
		return fmt.Errorf("skip update %s %s: %w", update.Type, update.ID, err)
	}
	if event.Source.Platform == "" {
		event.Source.Platform = DriverPlatform
	}
	if event.Source.ID == "" {
		event.Source.ID = d.cfg.name
	}

	publishCtx, cancel := context.WithTimeout(ctx, d.cfg.publishTimeout)
	defer cancel()

	if err := sink.Publish(publishCtx, event); err != nil {
		return fmt.Errorf("skip update %s %s: publish: %w", update.Type, update.ID, err)
	}

	return nil
}

// decode runs the decoder with panic isolation.
func (d *Driver) decode(ctx context.Context, update Update) (decoded *otogi.Event, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			decoded = nil
			err = fmt.Errorf("decode panic: %v", recovered)
		}
	}()

	decoded, err = d.decoder.Decode(ctx, update)
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if decoded == nil {
		return nil, fmt.Errorf("decode: no event")
	}

	return decoded, nil
}

// Shutdown is a no-op; the gotd session is owned by the Start context.
func (d *Driver) Shutdown(context.Context) error {
	return nil
}
