package tally

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"ex-tally/pkg/otogi"
	"ex-tally/pkg/tally"
)

// publisher keeps exactly one live summary message in the summary conversation.
type publisher struct {
	dispatcher otogi.SinkDispatcher
	target     otogi.OutboundTarget
	render     tally.RenderOptions
	logger     *slog.Logger

	mu        sync.Mutex
	messageID string
}

func newPublisher(
	dispatcher otogi.SinkDispatcher,
	target otogi.OutboundTarget,
	render tally.RenderOptions,
	logger *slog.Logger,
) *publisher {
	return &publisher{
		dispatcher: dispatcher,
		target:     target,
		render:     render,
		logger:     logger,
	}
}

// Publish edits the live summary in place, or sends a new one when there is
// none or the previous one was deleted.
func (p *publisher) Publish(ctx context.Context, summary tally.Summary) error {
	text, entities := tally.Render(summary, p.render)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.messageID != "" {
		err := p.dispatcher.EditMessage(ctx, otogi.EditMessageRequest{
			Target:             p.target,
			MessageID:          p.messageID,
			Text:               text,
			Entities:           entities,
			DisableLinkPreview: true,
		})
		if err == nil {
			return nil
		}
		if !errors.Is(err, otogi.ErrMessageNotFound) {
			return fmt.Errorf("edit summary %s: %w", p.messageID, err)
		}
		p.logger.WarnContext(ctx, "summary message vanished, posting a new one",
			"message_id", p.messageID,
		)
		p.messageID = ""
	}

	sent, err := p.dispatcher.SendMessage(ctx, otogi.SendMessageRequest{
		Target:             p.target,
		Text:               text,
		Entities:           entities,
		DisableLinkPreview: true,
	})
	if err != nil {
		return fmt.Errorf("send summary: %w", err)
	}
	p.messageID = sent.ID

	return nil
}

// Drop forgets the live summary and returns its id.
func (p *publisher) Drop() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	messageID := p.messageID
	p.messageID = ""

	return messageID
}

// MessageID returns the id of the live summary, empty when none was published.
func (p *publisher) MessageID() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.messageID
}
