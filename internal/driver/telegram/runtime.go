package telegram

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"ex-tally/pkg/otogi"

	gotdtelegram "github.com/gotd/td/telegram"
)

const (
	defaultRuntimeSessionFile  = ".cache/telegram/session.json"
	defaultRuntimePublishDelay = 2 * time.Second
	defaultRuntimeRPCTimeout   = 10 * time.Second
	defaultRuntimeAuthTimeout  = 3 * time.Minute
	defaultRuntimeUpdateBuffer = 256
)

// runtimeConfig is the "config" object of a telegram driver entry.
type runtimeConfig struct {
	AppID          int          `json:"app_id"`
	AppHash        string       `json:"app_hash"`
	PublishTimeout string       `json:"publish_timeout"`
	RPCTimeout     string       `json:"rpc_timeout"`
	AuthTimeout    string       `json:"auth_timeout"`
	UpdateBuffer   int          `json:"update_buffer"`
	Phone          string       `json:"phone"`
	Password       string       `json:"password"`
	Code           string       `json:"code"`
	SessionFile    string       `json:"session_file"`
	Peers          []PeerConfig `json:"peers"`
}

// runtimeSettings is a validated runtimeConfig with defaults filled in.
type runtimeSettings struct {
	appID          int
	appHash        string
	publishTimeout time.Duration
	rpcTimeout     time.Duration
	updateBuffer   int
	login          userLogin
	peers          []PeerConfig
}

func parseRuntimeConfig(raw []byte) (runtimeSettings, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return runtimeSettings{}, errors.New("missing config")
	}

	var file runtimeConfig
	if err := json.Unmarshal(raw, &file); err != nil {
		return runtimeSettings{}, fmt.Errorf("unmarshal: %w", err)
	}

	settings := runtimeSettings{
		appID:   file.AppID,
		appHash: strings.TrimSpace(file.AppHash),
		login: userLogin{
			phone:       strings.TrimSpace(file.Phone),
			password:    strings.TrimSpace(file.Password),
			code:        strings.TrimSpace(file.Code),
			sessionFile: cmp.Or(strings.TrimSpace(file.SessionFile), defaultRuntimeSessionFile),
		},
		updateBuffer: defaultRuntimeUpdateBuffer,
		peers:        slices.Clone(file.Peers),
	}
	if file.UpdateBuffer > 0 {
		settings.updateBuffer = file.UpdateBuffer
	}

	var err error
	if settings.publishTimeout, err = durationOr("publish_timeout", file.PublishTimeout, defaultRuntimePublishDelay); err != nil {
		return runtimeSettings{}, err
	}
	if settings.rpcTimeout, err = durationOr("rpc_timeout", file.RPCTimeout, defaultRuntimeRPCTimeout); err != nil {
		return runtimeSettings{}, err
	}
	if settings.login.timeout, err = durationOr("auth_timeout", file.AuthTimeout, defaultRuntimeAuthTimeout); err != nil {
		return runtimeSettings{}, err
	}

	switch {
	case settings.appID <= 0:
		return runtimeSettings{}, errors.New("app_id must be > 0")
	case settings.appHash == "":
		return runtimeSettings{}, errors.New("app_hash is required")
	}
	for index, pin := range settings.peers {
		if _, err := pin.inputPeer(); err != nil {
			return runtimeSettings{}, fmt.Errorf("peers[%d]: %w", index, err)
		}
	}

	return settings, nil
}

func durationOr(field string, raw string, fallback time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}

	value, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", field, err)
	}
	if value <= 0 {
		return 0, fmt.Errorf("parse %s: must be > 0", field)
	}

	return value, nil
}

// BuiltRuntime is everything one logged-in Telegram account provides.
type BuiltRuntime struct {
	Source            otogi.EventSource
	Driver            *Driver
	SinkDispatcher    *SinkDispatcher
	LogSource         *LogSource
	PermissionChecker *PermissionChecker
}

// BuildRuntimeFromConfig wires one account from its driver config. Nothing
// connects until the returned Driver starts.
func BuildRuntimeFromConfig(name string, logger *slog.Logger, rawConfig []byte) (BuiltRuntime, error) {
	settings, err := parseRuntimeConfig(rawConfig)
	if err != nil {
		return BuiltRuntime{}, fmt.Errorf("parse telegram runtime config: %w", err)
	}
	logger = cmp.Or(logger, slog.Default()).With("driver", name)
	settings.login.logger = logger

	peers := NewPeerCache()
	for _, pin := range settings.peers {
		peer, err := pin.inputPeer()
		if err != nil {
			return BuiltRuntime{}, fmt.Errorf("pin telegram peer: %w", err)
		}
		peers.RememberConversation(ChatRef{ID: pin.ConversationID, Type: pin.Type}, peer)
	}

	updates, err := NewGotdUpdateChannel(settings.updateBuffer)
	if err != nil {
		return BuiltRuntime{}, fmt.Errorf("new gotd update channel: %w", err)
	}
	storage, err := newGotdSessionStorage(settings.login.sessionFile)
	if err != nil {
		return BuiltRuntime{}, fmt.Errorf("new gotd session storage: %w", err)
	}
	client := gotdtelegram.NewClient(settings.appID, settings.appHash, gotdtelegram.Options{
		UpdateHandler:  updates,
		SessionStorage: storage,
	})

	ready := newSessionGate()
	session := gotdSession{
		client: client,
		login:  func(ctx context.Context) error { return settings.login.ensure(ctx, client) },
		warmUp: func(ctx context.Context) {
			seen, err := peers.WarmUp(ctx, client.API())
			if err != nil {
				logger.WarnContext(ctx, "telegram peer warm-up failed", "error", err)
				return
			}
			logger.InfoContext(ctx, "telegram peers warmed up", "entities", seen)
		},
		ready: ready,
	}
	source, err := NewGotdUserbotSource(
		session,
		updates,
		NewDefaultGotdUpdateMapper(WithPeerCache(peers)),
		WithSkipHandler(func(ctx context.Context, err error) {
			logger.WarnContext(ctx, "telegram update skipped", "error", err)
		}),
	)
	if err != nil {
		return BuiltRuntime{}, fmt.Errorf("new gotd userbot source: %w", err)
	}

	driver, err := NewDriver(source, NewDefaultDecoder(),
		WithName(name),
		WithPublishTimeout(settings.publishTimeout),
		WithErrorHandler(func(ctx context.Context, err error) {
			logger.WarnContext(ctx, "telegram update not delivered", "error", err)
		}),
	)
	if err != nil {
		return BuiltRuntime{}, fmt.Errorf("new telegram driver: %w", err)
	}

	built := BuiltRuntime{
		Source: otogi.EventSource{Platform: DriverPlatform, ID: name},
		Driver: driver,
	}
	outbound := []OutboundOption{
		WithOutboundTimeout(settings.rpcTimeout),
		WithOutboundLogger(logger),
		WithSinkRef(otogi.EventSink{Platform: DriverPlatform, ID: name}),
	}
	if built.SinkDispatcher, err = NewOutboundDispatcher(client, peers, outbound...); err != nil {
		return BuiltRuntime{}, fmt.Errorf("new telegram sink dispatcher: %w", err)
	}
	if built.LogSource, err = newLogSourceWithRPC(newGotdRPC(client.API()), peers, ready, outbound...); err != nil {
		return BuiltRuntime{}, fmt.Errorf("new telegram log source: %w", err)
	}
	if built.PermissionChecker, err = NewPermissionChecker(client, peers, outbound...); err != nil {
		return BuiltRuntime{}, fmt.Errorf("new telegram permission checker: %w", err)
	}

	return built, nil
}
