package telegram

import (
	"time"

	"ex-tally/pkg/otogi"
)

const (
	// DriverType is the configured driver type token for the Telegram runtime.
	DriverType = "telegram"
	// DriverPlatform is the neutral platform every Telegram event carries.
	DriverPlatform otogi.Platform = otogi.PlatformTelegram
)

// UpdateType identifies the Telegram update semantic category.
type UpdateType string

const (
	// UpdateTypeMessage identifies new message updates.
	UpdateTypeMessage UpdateType = "message"
	// UpdateTypeEdit identifies edited message updates.
	UpdateTypeEdit UpdateType = "edit"
)

// Update is the Telegram adapter's internal DTO before neutral decoding.
type Update struct {
	ID         string
	Type       UpdateType
	OccurredAt time.Time
	Chat       ChatRef
	Actor      ActorRef
	// Message carries the message content; for edits it is the content after the edit.
	Message  *MessagePayload
	Metadata map[string]string
}

// ChatRef identifies Telegram chat context.
type ChatRef struct {
	ID    string
	Title string
	Type  otogi.ConversationType
}

// ActorRef identifies Telegram actor context.
type ActorRef struct {
	ID          string
	Username    string
	DisplayName string
	IsBot       bool
}

func (a ActorRef) neutral() otogi.Actor {
	return otogi.Actor{ID: a.ID, Username: a.Username, DisplayName: a.DisplayName, IsBot: a.IsBot}
}

// MessagePayload represents a Telegram message projection.
type MessagePayload struct {
	ID        string
	ReplyToID string
	Text      string
	Entities  []otogi.TextEntity
	Embed     *EmbedPayload
}

// EmbedPayload is the web page preview attached to a message.
type EmbedPayload struct {
	Title       string
	Description string
	URL         string
}

func (e *EmbedPayload) neutral() *otogi.Embed {
	if e == nil {
		return nil
	}

	return &otogi.Embed{Title: e.Title, Description: e.Description, URL: e.URL}
}
