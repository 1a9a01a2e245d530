package telegram

import (
	"context"
	"errors"
	"fmt"

	"github.com/gotd/td/tg"
)

const defaultGotdUpdateBuffer = 1024

// GotdUpdateChannel receives gotd update batches as a telegram.UpdateHandler
// and exposes their message updates as a GotdRawUpdateStream.
type GotdUpdateChannel struct {
	updates chan any
}

// NewGotdUpdateChannel creates a channel holding up to buffer pending
// updates. Non-positive sizes fall back to the default.
func NewGotdUpdateChannel(buffer int) (*GotdUpdateChannel, error) {
	if buffer <= 0 {
		buffer = defaultGotdUpdateBuffer
	}

	return &GotdUpdateChannel{updates: make(chan any, buffer)}, nil
}

func (s *GotdUpdateChannel) Updates(ctx context.Context) (<-chan any, error) {
	switch {
	case ctx == nil:
		return nil, errors.New("gotd update channel: nil context")
	case s.updates == nil:
		return nil, errors.New("gotd update channel: not initialized")
	}

	return s.updates, nil
}

// Handle queues every message update in the batch, blocking while the buffer
// is full.
func (s *GotdUpdateChannel) Handle(ctx context.Context, updates tg.UpdatesClass) error {
	batch, err := flattenGotdUpdates(updates)
	if err != nil {
		return fmt.Errorf("handle gotd updates: %w", err)
	}

	for queued, envelope := range batch {
		select {
		case <-ctx.Done():
			return fmt.Errorf("handle gotd updates: queued %d of %d: %w", queued, len(batch), ctx.Err())
		case s.updates <- envelope:
		}
	}

	return nil
}

// flattenGotdUpdates unpacks an updates container into one envelope per
// message update. Short containers are widened into UpdateNewMessage.
func flattenGotdUpdates(updates tg.UpdatesClass) ([]gotdUpdateEnvelope, error) {
	switch typed := updates.(type) {
	case nil:
		return nil, errors.New("nil updates container")
	case *tg.Updates:
		return envelopeBatch(typed.Updates, typed.Date, typed.Users, typed.Chats), nil
	case *tg.UpdatesCombined:
		return envelopeBatch(typed.Updates, typed.Date, typed.Users, typed.Chats), nil
	case *tg.UpdateShort:
		return envelopeBatch([]tg.UpdateClass{typed.Update}, typed.Date, nil, nil), nil
	case *tg.UpdateShortMessage:
		message := &tg.Message{
			ID:       typed.ID,
			PeerID:   &tg.PeerUser{UserID: typed.UserID},
			FromID:   &tg.PeerUser{UserID: typed.UserID},
			Date:     typed.Date,
			Message:  typed.Message,
			ReplyTo:  typed.ReplyTo,
			Entities: typed.Entities,
		}
		return widenShort(message, typed.Pts, typed.PtsCount, typed.TypeName()), nil
	case *tg.UpdateShortChatMessage:
		message := &tg.Message{
			ID:       typed.ID,
			PeerID:   &tg.PeerChat{ChatID: typed.ChatID},
			FromID:   &tg.PeerUser{UserID: typed.FromID},
			Date:     typed.Date,
			Message:  typed.Message,
			ReplyTo:  typed.ReplyTo,
			Entities: typed.Entities,
		}
		return widenShort(message, typed.Pts, typed.PtsCount, typed.TypeName()), nil
	case *tg.UpdatesTooLong, *tg.UpdateShortSentMessage:
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported updates container %s", updates.TypeName())
	}
}

func envelopeBatch(updates []tg.UpdateClass, date int, users []tg.UserClass, chats []tg.ChatClass) []gotdUpdateEnvelope {
	var batch []gotdUpdateEnvelope
	usersByID, chatsByID := indexGotdUsers(users), indexGotdChats(chats)
	for _, update := range updates {
		if _, _, ok := messageOf(update); !ok {
			continue
		}
		batch = append(batch, gotdUpdateEnvelope{
			update:      update,
			occurredAt:  intToTimeUTC(date),
			usersByID:   usersByID,
			chatsByID:   chatsByID,
			updateClass: update.TypeName(),
		})
	}

	return batch
}

func widenShort(message *tg.Message, pts int, ptsCount int, class string) []gotdUpdateEnvelope {
	return []gotdUpdateEnvelope{{
		update:      &tg.UpdateNewMessage{Message: message, Pts: pts, PtsCount: ptsCount},
		occurredAt:  intToTimeUTC(message.Date),
		updateClass: class,
	}}
}
