package telegram

import (
	"context"
	"fmt"
	"io"
	"unicode/utf16"

	"ex-tally/pkg/otogi"

	"github.com/gotd/td/crypto"
	"github.com/gotd/td/telegram/message"
	"github.com/gotd/td/telegram/message/unpack"
	"github.com/gotd/td/tg"
)

type outboundRPC interface {
	SendText(ctx context.Context, peer tg.InputPeerClass, request otogi.SendMessageRequest) (int, error)
	EditText(ctx context.Context, peer tg.InputPeerClass, messageID int, request otogi.EditMessageRequest) error
	DeleteMessages(ctx context.Context, peer tg.InputPeerClass, messageIDs []int, revoke bool) (int, error)
}

// gotdRPC backs every RPC seam of the package with one gotd API client.
type gotdRPC struct {
	raw    *tg.Client
	rand   io.Reader
	sender *message.Sender
}

func newGotdRPC(raw *tg.Client) gotdRPC {
	return gotdRPC{
		raw:    raw,
		rand:   crypto.DefaultRand(),
		sender: message.NewSender(raw),
	}
}

func (r gotdRPC) SendText(
	ctx context.Context,
	peer tg.InputPeerClass,
	request otogi.SendMessageRequest,
) (int, error) {
	entities, err := mapOutboundTextEntities(request.Text, request.Entities)
	if err != nil {
		return 0, err
	}
	randomID, err := crypto.RandInt64(r.rand)
	if err != nil {
		return 0, fmt.Errorf("random id: %w", err)
	}

	call := &tg.MessagesSendMessageRequest{
		Peer:      peer,
		Message:   request.Text,
		Entities:  entities,
		NoWebpage: request.DisableLinkPreview,
		RandomID:  randomID,
	}
	if request.ReplyToMessageID != "" {
		replyID, err := parseMessageID(request.ReplyToMessageID)
		if err != nil {
			return 0, fmt.Errorf("reply to %q: %w", request.ReplyToMessageID, err)
		}
		call.ReplyTo = &tg.InputReplyToMessage{ReplyToMsgID: replyID}
	}

	sentID, err := unpack.MessageID(r.raw.MessagesSendMessage(ctx, call))
	if err != nil {
		return 0, fmt.Errorf("messages.sendMessage: %w", err)
	}

	return sentID, nil
}

func (r gotdRPC) EditText(
	ctx context.Context,
	peer tg.InputPeerClass,
	messageID int,
	request otogi.EditMessageRequest,
) error {
	entities, err := mapOutboundTextEntities(request.Text, request.Entities)
	if err != nil {
		return err
	}

	if _, err := r.raw.MessagesEditMessage(ctx, &tg.MessagesEditMessageRequest{
		Peer:      peer,
		ID:        messageID,
		Message:   request.Text,
		Entities:  entities,
		NoWebpage: request.DisableLinkPreview,
	}); err != nil {
		return fmt.Errorf("messages.editMessage: %w", err)
	}

	return nil
}

// DeleteMessages reports how many ids it asked Telegram to drop. Channel
// deletions always apply to every participant.
func (r gotdRPC) DeleteMessages(
	ctx context.Context,
	peer tg.InputPeerClass,
	messageIDs []int,
	revoke bool,
) (int, error) {
	if len(messageIDs) == 0 {
		return 0, nil
	}

	var err error
	if _, channel := peer.(*tg.InputPeerChannel); channel || revoke {
		_, err = r.sender.To(peer).Revoke().Messages(ctx, messageIDs...)
	} else {
		_, err = r.sender.Delete().Messages(ctx, messageIDs...)
	}
	if err != nil {
		return 0, fmt.Errorf("delete %d messages: %w", len(messageIDs), err)
	}

	return len(messageIDs), nil
}

var outboundEntityBuilders = map[otogi.TextEntityType]func(offset, length int) tg.MessageEntityClass{
	otogi.TextEntityTypeBold: func(offset, length int) tg.MessageEntityClass {
		return &tg.MessageEntityBold{Offset: offset, Length: length}
	},
	otogi.TextEntityTypeItalic: func(offset, length int) tg.MessageEntityClass {
		return &tg.MessageEntityItalic{Offset: offset, Length: length}
	},
	otogi.TextEntityTypeCode: func(offset, length int) tg.MessageEntityClass {
		return &tg.MessageEntityCode{Offset: offset, Length: length}
	},
}

// mapOutboundTextEntities turns rune ranges into the UTF-16 ranges Telegram
// counts in.
func mapOutboundTextEntities(text string, entities []otogi.TextEntity) ([]tg.MessageEntityClass, error) {
	if len(entities) == 0 {
		return nil, nil
	}

	// units[i] is the UTF-16 position of rune i; the last entry is the total.
	units := []int{0}
	for _, r := range text {
		units = append(units, units[len(units)-1]+max(utf16.RuneLen(r), 1))
	}
	runes := len(units) - 1

	converted := make([]tg.MessageEntityClass, 0, len(entities))
	for index, entity := range entities {
		end := entity.Offset + entity.Length
		if entity.Offset < 0 || entity.Length < 0 || end > runes {
			return nil, fmt.Errorf(
				"%w: entity %d range [%d,%d) outside %d runes",
				otogi.ErrInvalidOutboundRequest, index, entity.Offset, end, runes,
			)
		}
		build, ok := outboundEntityBuilders[entity.Type]
		if !ok {
			return nil, fmt.Errorf("%w: entity %d type %q", otogi.ErrOutboundUnsupported, index, entity.Type)
		}
		converted = append(converted, build(units[entity.Offset], units[end]-units[entity.Offset]))
	}

	return converted, nil
}
