package telegram

import (
	"context"
	"fmt"
	"strconv"

	"ex-tally/pkg/otogi"

	gotdtelegram "github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
)

type participantRPC interface {
	GetChannelParticipant(
		ctx context.Context,
		channel *tg.InputPeerChannel,
		participant tg.InputPeerClass,
	) (tg.ChannelParticipantClass, error)
	GetChatParticipants(ctx context.Context, chatID int64) ([]tg.ChatParticipantClass, error)
}

// PermissionChecker answers administrator questions from Telegram participant roles.
type PermissionChecker struct {
	cfg      outboundConfig
	peers    *PeerCache
	telegram participantRPC
}

// NewPermissionChecker creates a Telegram permission checker using gotd client APIs.
func NewPermissionChecker(
	client *gotdtelegram.Client,
	peers *PeerCache,
	options ...OutboundOption,
) (*PermissionChecker, error) {
	if client == nil {
		return nil, fmt.Errorf("new telegram permission checker: nil client")
	}

	return newPermissionCheckerWithRPC(newGotdRPC(client.API()), peers, options...)
}

func newPermissionCheckerWithRPC(
	rpc participantRPC,
	peers *PeerCache,
	options ...OutboundOption,
) (*PermissionChecker, error) {
	if rpc == nil {
		return nil, fmt.Errorf("new telegram permission checker: nil rpc adapter")
	}
	if peers == nil {
		return nil, fmt.Errorf("new telegram permission checker: nil peer cache")
	}

	return &PermissionChecker{
		cfg:      newOutboundConfig(options),
		peers:    peers,
		telegram: rpc,
	}, nil
}

// IsAdministrator reports whether actor is the creator or an admin of the
// target conversation. Private conversations have no administrators.
func (c *PermissionChecker) IsAdministrator(
	ctx context.Context,
	target otogi.OutboundTarget,
	actor otogi.Actor,
) (bool, error) {
	if err := target.Validate(); err != nil {
		return false, fmt.Errorf("check administrator validate: %w", err)
	}
	if actor.ID == "" {
		return false, fmt.Errorf("check administrator: %w: missing actor id", otogi.ErrInvalidOutboundRequest)
	}

	peer, err := resolveTargetPeer(c.peers, target)
	if err != nil {
		return false, fmt.Errorf("check administrator resolve peer: %w", err)
	}

	rpcCtx, cancel := c.cfg.withTimeout(ctx)
	defer cancel()

	switch typed := peer.(type) {
	case *tg.InputPeerChannel:
		return c.isChannelAdministrator(rpcCtx, typed, actor)
	case *tg.InputPeerChat:
		return c.isChatAdministrator(rpcCtx, typed.ChatID, actor)
	default:
		return false, nil
	}
}

func (c *PermissionChecker) isChannelAdministrator(
	ctx context.Context,
	channel *tg.InputPeerChannel,
	actor otogi.Actor,
) (bool, error) {
	user, err := c.peers.ResolveUser(actor.ID)
	if err != nil {
		return false, fmt.Errorf("check administrator resolve actor %s: %w", actor.ID, err)
	}

	participant, err := c.telegram.GetChannelParticipant(ctx, channel, user)
	if err != nil {
		if tgerr.Is(err, "USER_NOT_PARTICIPANT") {
			return false, nil
		}
		return false, fmt.Errorf(
			"check administrator %s: %w",
			actor.ID,
			mapTelegramOutboundError(otogi.OutboundOperationCheckPermission, c.cfg.sink, err),
		)
	}

	switch participant.(type) {
	case *tg.ChannelParticipantCreator, *tg.ChannelParticipantAdmin:
		return true, nil
	default:
		return false, nil
	}
}

func (c *PermissionChecker) isChatAdministrator(ctx context.Context, chatID int64, actor otogi.Actor) (bool, error) {
	userID, err := strconv.ParseInt(actor.ID, 10, 64)
	if err != nil {
		return false, fmt.Errorf("check administrator: %w: actor id %q", otogi.ErrInvalidOutboundRequest, actor.ID)
	}

	participants, err := c.telegram.GetChatParticipants(ctx, chatID)
	if err != nil {
		return false, fmt.Errorf(
			"check administrator %s: %w",
			actor.ID,
			mapTelegramOutboundError(otogi.OutboundOperationCheckPermission, c.cfg.sink, err),
		)
	}

	for _, participant := range participants {
		if participant.GetUserID() != userID {
			continue
		}
		switch participant.(type) {
		case *tg.ChatParticipantCreator, *tg.ChatParticipantAdmin:
			return true, nil
		default:
			return false, nil
		}
	}

	return false, nil
}

func (r gotdRPC) GetChannelParticipant(
	ctx context.Context,
	channel *tg.InputPeerChannel,
	participant tg.InputPeerClass,
) (tg.ChannelParticipantClass, error) {
	response, err := r.raw.ChannelsGetParticipant(ctx, &tg.ChannelsGetParticipantRequest{
		Channel: &tg.InputChannel{
			ChannelID:  channel.ChannelID,
			AccessHash: channel.AccessHash,
		},
		Participant: participant,
	})
	if err != nil {
		return nil, fmt.Errorf("get channel participant: %w", err)
	}

	return response.Participant, nil
}

func (r gotdRPC) GetChatParticipants(ctx context.Context, chatID int64) ([]tg.ChatParticipantClass, error) {
	response, err := r.raw.MessagesGetFullChat(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("get full chat: %w", err)
	}

	full, ok := response.FullChat.(*tg.ChatFull)
	if !ok {
		return nil, nil
	}
	participants, ok := full.Participants.(*tg.ChatParticipants)
	if !ok {
		return nil, nil
	}

	return participants.Participants, nil
}
