package telegram

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"ex-tally/pkg/otogi"

	gotdtelegram "github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
)

const defaultOutboundTimeout = 3 * time.Second

// OutboundOption configures the sink dispatcher, log source and permission
// checker of one Telegram sink.
type OutboundOption func(*outboundConfig)

// WithOutboundTimeout bounds every RPC call. Non-positive values keep the default.
func WithOutboundTimeout(timeout time.Duration) OutboundOption {
	return func(cfg *outboundConfig) {
		if timeout > 0 {
			cfg.rpcTimeout = timeout
		}
	}
}

// WithOutboundLogger enables debug logging of completed calls.
func WithOutboundLogger(logger *slog.Logger) OutboundOption {
	return func(cfg *outboundConfig) {
		cfg.logger = logger
	}
}

// WithSinkRef names the sink on classified errors and log lines.
func WithSinkRef(ref otogi.EventSink) OutboundOption {
	return func(cfg *outboundConfig) {
		cfg.sink = ref
		cfg.sink.Platform = cmp.Or(ref.Platform, DriverPlatform)
	}
}

type outboundConfig struct {
	rpcTimeout time.Duration
	logger     *slog.Logger
	sink       otogi.EventSink
}

func newOutboundConfig(options []OutboundOption) outboundConfig {
	cfg := outboundConfig{
		rpcTimeout: defaultOutboundTimeout,
		sink:       otogi.EventSink{Platform: DriverPlatform},
	}
	for _, option := range options {
		option(&cfg)
	}

	return cfg
}

func (cfg outboundConfig) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if cfg.rpcTimeout <= 0 {
		return context.WithCancel(ctx)
	}

	return context.WithTimeout(ctx, cfg.rpcTimeout)
}

// call runs rpc under the configured timeout and classifies its failure.
func (cfg outboundConfig) call(
	ctx context.Context,
	operation otogi.OutboundOperation,
	rpc func(rpcCtx context.Context) error,
) error {
	rpcCtx, cancel := cfg.withTimeout(ctx)
	defer cancel()

	return mapTelegramOutboundError(operation, cfg.sink, rpc(rpcCtx))
}

func (cfg outboundConfig) log(ctx context.Context, operation otogi.OutboundOperation, attrs ...any) {
	if cfg.logger == nil {
		return
	}

	cfg.logger.DebugContext(ctx, "telegram outbound call",
		append([]any{"operation", operation, "sink_id", cfg.sink.ID}, attrs...)...,
	)
}

// SinkDispatcher implements otogi.SinkDispatcher for one Telegram account.
type SinkDispatcher struct {
	cfg      outboundConfig
	peers    *PeerCache
	telegram outboundRPC
}

// NewOutboundDispatcher creates a dispatcher sending through client.
func NewOutboundDispatcher(
	client *gotdtelegram.Client,
	peers *PeerCache,
	options ...OutboundOption,
) (*SinkDispatcher, error) {
	if client == nil {
		return nil, fmt.Errorf("new telegram outbound dispatcher: nil client")
	}

	return newOutboundDispatcherWithRPC(newGotdRPC(client.API()), peers, options...)
}

func newOutboundDispatcherWithRPC(
	rpc outboundRPC,
	peers *PeerCache,
	options ...OutboundOption,
) (*SinkDispatcher, error) {
	switch {
	case rpc == nil:
		return nil, fmt.Errorf("new telegram outbound dispatcher: nil rpc adapter")
	case peers == nil:
		return nil, fmt.Errorf("new telegram outbound dispatcher: nil peer cache")
	}

	return &SinkDispatcher{
		cfg:      newOutboundConfig(options),
		peers:    peers,
		telegram: rpc,
	}, nil
}

// SendMessage posts a new text message.
func (d *SinkDispatcher) SendMessage(
	ctx context.Context,
	request otogi.SendMessageRequest,
) (*otogi.OutboundMessage, error) {
	const operation = otogi.OutboundOperationSendMessage

	if err := request.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", operation, err)
	}
	peer, err := resolveTargetPeer(d.peers, request.Target)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", operation, err)
	}

	var sentID int
	err = d.cfg.call(ctx, operation, func(rpcCtx context.Context) (err error) {
		sentID, err = d.telegram.SendText(rpcCtx, peer, request)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%s to %s: %w", operation, request.Target.Conversation.ID, err)
	}

	sent := &otogi.OutboundMessage{ID: strconv.Itoa(sentID), Target: request.Target}
	d.cfg.log(ctx, operation, "conversation", request.Target.Conversation.ID, "message_id", sent.ID)

	return sent, nil
}

// EditMessage replaces the text of a sent message. Telegram refuses edits
// that change nothing; those succeed here.
func (d *SinkDispatcher) EditMessage(ctx context.Context, request otogi.EditMessageRequest) error {
	const operation = otogi.OutboundOperationEditMessage

	if err := request.Validate(); err != nil {
		return fmt.Errorf("%s: %w", operation, err)
	}
	peer, messageID, err := d.address(request.Target, request.MessageID)
	if err != nil {
		return fmt.Errorf("%s: %w", operation, err)
	}

	err = d.cfg.call(ctx, operation, func(rpcCtx context.Context) error {
		err := d.telegram.EditText(rpcCtx, peer, messageID, request)
		if tgerr.Is(err, "MESSAGE_NOT_MODIFIED") {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("%s %s: %w", operation, request.MessageID, err)
	}

	d.cfg.log(ctx, operation, "conversation", request.Target.Conversation.ID, "message_id", messageID)

	return nil
}

// DeleteMessage removes one message.
func (d *SinkDispatcher) DeleteMessage(ctx context.Context, request otogi.DeleteMessageRequest) error {
	const operation = otogi.OutboundOperationDeleteMessage

	if err := request.Validate(); err != nil {
		return fmt.Errorf("%s: %w", operation, err)
	}
	peer, messageID, err := d.address(request.Target, request.MessageID)
	if err != nil {
		return fmt.Errorf("%s: %w", operation, err)
	}

	err = d.cfg.call(ctx, operation, func(rpcCtx context.Context) error {
		_, err := d.telegram.DeleteMessages(rpcCtx, peer, []int{messageID}, request.Revoke)
		return err
	})
	if err != nil {
		return fmt.Errorf("%s %s: %w", operation, request.MessageID, err)
	}

	d.cfg.log(ctx, operation,
		"conversation", request.Target.Conversation.ID,
		"message_id", messageID,
		"revoke", request.Revoke,
	)

	return nil
}

func (d *SinkDispatcher) address(target otogi.OutboundTarget, rawID string) (tg.InputPeerClass, int, error) {
	peer, err := resolveTargetPeer(d.peers, target)
	if err != nil {
		return nil, 0, err
	}
	messageID, err := parseMessageID(rawID)
	if err != nil {
		return nil, 0, fmt.Errorf("message %q: %w", rawID, err)
	}

	return peer, messageID, nil
}

// resolveTargetPeer rejects targets bound to another platform's sink.
func resolveTargetPeer(peers *PeerCache, target otogi.OutboundTarget) (tg.InputPeerClass, error) {
	if sink := target.Sink; sink != nil && sink.Platform != "" && sink.Platform != otogi.PlatformTelegram {
		return nil, fmt.Errorf("%w: platform %s", otogi.ErrOutboundUnsupported, sink.Platform)
	}

	peer, err := peers.Resolve(target.Conversation)
	if err != nil {
		return nil, fmt.Errorf("resolve conversation %s: %w", target.Conversation.ID, err)
	}

	return peer, nil
}

func parseMessageID(raw string) (int, error) {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	switch {
	case err != nil:
		return 0, fmt.Errorf("%w: invalid message id: %w", otogi.ErrInvalidOutboundRequest, err)
	case value <= 0:
		return 0, fmt.Errorf("%w: message id must be positive", otogi.ErrInvalidOutboundRequest)
	}

	return value, nil
}
