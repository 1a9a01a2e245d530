package otogi

import (
	"fmt"
	"time"
)

// EventKind selects which payload an Event carries.
type EventKind string

const (
	EventKindMessageCreated EventKind = "message.created"
	// EventKindMessageEdited is delivered for edits of any age. The tally
	// module ignores edits so an amended log line is never counted twice.
	EventKindMessageEdited EventKind = "message.edited"
	// EventKindCommandReceived is derived by the kernel when a new message
	// names a registered command; drivers never publish it.
	EventKindCommandReceived EventKind = "command.received"
)

type Platform string

const PlatformTelegram Platform = "telegram"

type ConversationType string

const (
	ConversationTypePrivate ConversationType = "private"
	// ConversationTypeGroup covers basic groups and supergroups.
	ConversationTypeGroup   ConversationType = "group"
	ConversationTypeChannel ConversationType = "channel"
)

// EventSource names the driver instance an event came through. ID is the
// driver name from configuration, so two Telegram accounts stay apart.
type EventSource struct {
	Platform Platform
	ID       string
}

// Event is what drivers publish and modules consume. Message is set for
// message kinds and for commands; Command only for command.received.
type Event struct {
	ID           string
	Kind         EventKind
	OccurredAt   time.Time
	Source       EventSource
	Conversation Conversation
	Actor        Actor
	Message      *Message
	Command      *CommandInvocation
	// Metadata holds driver extras such as the raw gotd update class.
	Metadata map[string]string
}

type Conversation struct {
	ID    string
	Type  ConversationType
	Title string
}

// Actor is whoever posted. Channels posting as themselves appear with the
// channel id and title.
type Actor struct {
	ID          string
	Username    string
	DisplayName string
	IsBot       bool
}

type Message struct {
	ID        string
	ReplyToID string
	Text      string
	// Entities are rune ranges into Text.
	Entities []TextEntity
	// Embed is the link preview, where webhook-fed logs often put the whole
	// line.
	Embed *Embed
}

type Embed struct {
	Title       string
	Description string
	URL         string
}

// Validate checks event envelope and payload coherence.
func (e *Event) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}
	if e.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidEvent)
	}
	if e.Kind == "" {
		return fmt.Errorf("%w: missing kind", ErrInvalidEvent)
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("%w: missing occurred_at", ErrInvalidEvent)
	}
	if e.Conversation.ID == "" {
		return fmt.Errorf("%w: missing conversation id", ErrInvalidEvent)
	}

	switch e.Kind {
	case EventKindMessageCreated, EventKindMessageEdited:
		if e.Message == nil {
			return fmt.Errorf("%w: %s requires message payload", ErrInvalidEvent, e.Kind)
		}
	case EventKindCommandReceived:
		if e.Command == nil {
			return fmt.Errorf("%w: command.received requires command payload", ErrInvalidEvent)
		}
		if err := e.Command.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidEvent, err)
		}
	default:
		return fmt.Errorf("%w: unsupported kind %q", ErrInvalidEvent, e.Kind)
	}

	return nil
}
