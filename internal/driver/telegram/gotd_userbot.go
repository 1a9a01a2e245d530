package telegram

import (
	"context"
	"fmt"
)

// GotdUserbotClient runs fn inside one connected gotd session.
type GotdUserbotClient interface {
	Run(ctx context.Context, fn func(runCtx context.Context) error) error
}

// GotdRawUpdateStream yields raw gotd updates for the lifetime of ctx.
type GotdRawUpdateStream interface {
	Updates(ctx context.Context) (<-chan any, error)
}

// GotdUpdateMapper turns a raw gotd update into an Update. accepted is false
// for update classes the driver ignores.
type GotdUpdateMapper interface {
	Map(ctx context.Context, raw any) (update Update, accepted bool, err error)
}

// GotdUserbotSourceOption configures a GotdUserbotSource.
type GotdUserbotSourceOption func(*GotdUserbotSource)

// WithSkipHandler observes raw updates dropped because they could not be mapped.
func WithSkipHandler(handler func(context.Context, error)) GotdUserbotSourceOption {
	return func(source *GotdUserbotSource) {
		if handler != nil {
			source.onSkip = handler
		}
	}
}

// GotdUserbotSource is the UpdateSource of a logged-in Telegram account.
// Unmappable raw updates are skipped; a failing handler ends the session.
type GotdUserbotSource struct {
	client GotdUserbotClient
	stream GotdRawUpdateStream
	mapper GotdUpdateMapper
	onSkip func(context.Context, error)
}

// NewGotdUserbotSource creates a source over one gotd session.
func NewGotdUserbotSource(
	client GotdUserbotClient,
	stream GotdRawUpdateStream,
	mapper GotdUpdateMapper,
	options ...GotdUserbotSourceOption,
) (*GotdUserbotSource, error) {
	switch {
	case client == nil:
		return nil, fmt.Errorf("new gotd userbot source: nil client")
	case stream == nil:
		return nil, fmt.Errorf("new gotd userbot source: nil stream")
	case mapper == nil:
		return nil, fmt.Errorf("new gotd userbot source: nil mapper")
	}

	source := &GotdUserbotSource{
		client: client,
		stream: stream,
		mapper: mapper,
		onSkip: func(context.Context, error) {},
	}
	for _, option := range options {
		option(source)
	}

	return source, nil
}

// Consume holds the session open and feeds mapped updates to handler until
// ctx ends or the update stream closes.
func (s *GotdUserbotSource) Consume(ctx context.Context, handler UpdateHandler) error {
	if handler == nil {
		return fmt.Errorf("consume gotd userbot updates: nil handler")
	}

	if err := s.client.Run(ctx, func(sessionCtx context.Context) error {
		return s.pump(sessionCtx, handler)
	}); err != nil {
		return fmt.Errorf("consume gotd userbot updates: %w", err)
	}

	return nil
}

func (s *GotdUserbotSource) pump(ctx context.Context, handler UpdateHandler) error {
	updates, err := s.stream.Updates(ctx)
	if err != nil {
		return fmt.Errorf("open update stream: %w", err)
	}

	for {
		var raw any
		select {
		case <-ctx.Done():
			return nil
		case next, open := <-updates:
			if !open {
				return nil
			}
			raw = next
		}

		update, ok := s.translate(ctx, raw)
		if !ok {
			continue
		}
		if err := handler(ctx, update); err != nil {
			return fmt.Errorf("handle %s update %s: %w", update.Type, update.ID, err)
		}
	}
}

// translate maps raw and reports anything it has to drop, panics included.
func (s *GotdUserbotSource) translate(ctx context.Context, raw any) (update Update, ok bool) {
	defer func() {
		if recovered := recover(); recovered != nil {
			s.onSkip(ctx, fmt.Errorf("map %T: panic: %v", raw, recovered))
			update, ok = Update{}, false
		}
	}()

	update, accepted, err := s.mapper.Map(ctx, raw)
	if err != nil {
		s.onSkip(ctx, fmt.Errorf("map %T: %w", raw, err))
		return Update{}, false
	}

	return update, accepted
}
