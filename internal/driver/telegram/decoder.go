package telegram

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"ex-tally/pkg/otogi"
)

// Decoder turns one adapter update into a validated neutral event.
type Decoder interface {
	Decode(ctx context.Context, update Update) (*otogi.Event, error)
}

// updateKinds lists the update types the driver forwards.
var updateKinds = map[UpdateType]otogi.EventKind{
	UpdateTypeMessage: otogi.EventKindMessageCreated,
	UpdateTypeEdit:    otogi.EventKindMessageEdited,
}

// DefaultDecoder maps message and edit updates. Updates without a timestamp
// are stamped with the decoder clock.
type DefaultDecoder struct {
	now func() time.Time
}

// NewDefaultDecoder creates a decoder stamping on the wall clock.
func NewDefaultDecoder() DefaultDecoder {
	return DefaultDecoder{now: time.Now}
}

// Decode converts update into a message.created or message.edited event.
func (d DefaultDecoder) Decode(_ context.Context, update Update) (*otogi.Event, error) {
	kind, supported := updateKinds[update.Type]
	if !supported {
		return nil, fmt.Errorf("decode update %s: unsupported type", update.Type)
	}
	if update.Message == nil {
		return nil, fmt.Errorf("decode update %s: missing message payload", update.Type)
	}

	occurredAt := update.OccurredAt
	if occurredAt.IsZero() {
		now := d.now
		if now == nil {
			now = time.Now
		}
		occurredAt = now()
	}

	event := &otogi.Event{
		ID:         update.ID,
		Kind:       kind,
		OccurredAt: occurredAt.UTC(),
		Source:     otogi.EventSource{Platform: DriverPlatform},
		Conversation: otogi.Conversation{
			ID:    update.Chat.ID,
			Type:  update.Chat.Type,
			Title: update.Chat.Title,
		},
		Actor:    decodeAuthor(update),
		Message:  decodeMessage(*update.Message),
		Metadata: maps.Clone(update.Metadata),
	}
	if err := event.Validate(); err != nil {
		return nil, fmt.Errorf("decode update %s: %w", update.Type, err)
	}

	return event, nil
}

// decodeAuthor attributes anonymous channel posts to the channel itself, which
// is how log channels without signatures publish.
func decodeAuthor(update Update) otogi.Actor {
	if update.Actor.ID == "" && update.Chat.Type == otogi.ConversationTypeChannel {
		return otogi.Actor{ID: update.Chat.ID, DisplayName: update.Chat.Title}
	}

	return update.Actor.neutral()
}

func decodeMessage(payload MessagePayload) *otogi.Message {
	message := &otogi.Message{
		ID:        payload.ID,
		ReplyToID: payload.ReplyToID,
		Text:      payload.Text,
		Entities:  slices.Clone(payload.Entities),
		Embed:     payload.Embed.neutral(),
	}

	return message
}
