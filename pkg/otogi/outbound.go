package otogi

import (
	"context"
	"fmt"
)

// ServiceSinkDispatcher is the service registry key of the SinkDispatcher.
const ServiceSinkDispatcher = "otogi.sink_dispatcher"

// SinkDispatcher performs outbound message operations on some platform.
//
// Every method validates its request first and fails with an error matching
// ErrInvalidOutboundRequest without contacting the platform. Platform failures
// are reported as *OutboundError.
type SinkDispatcher interface {
	SendMessage(ctx context.Context, request SendMessageRequest) (*OutboundMessage, error)
	// EditMessage replaces the text of a sent message. A message that no
	// longer exists fails with ErrMessageNotFound; an edit that changes
	// nothing succeeds.
	EditMessage(ctx context.Context, request EditMessageRequest) error
	DeleteMessage(ctx context.Context, request DeleteMessageRequest) error
}

// EventSink names the driver instance an outbound operation goes through.
// Either field may be empty, but not both.
type EventSink struct {
	Platform Platform
	ID       string
}

// OutboundTarget is a destination conversation plus an optional sink pin.
// Without a pin the dispatcher routes by its own configuration.
type OutboundTarget struct {
	Conversation Conversation
	Sink         *EventSink
}

// Validate reports a missing conversation identity or an empty sink pin.
func (t OutboundTarget) Validate() error {
	var missing string
	switch {
	case t.Conversation.ID == "":
		missing = "conversation id"
	case t.Conversation.Type == "":
		missing = "conversation type"
	case t.Sink != nil && *t.Sink == (EventSink{}):
		missing = "sink identity"
	default:
		return nil
	}

	return fmt.Errorf("%w: missing %s", ErrInvalidOutboundRequest, missing)
}

// SameConversation ignores sinks.
func (t OutboundTarget) SameConversation(other OutboundTarget) bool {
	return t.Conversation.ID == other.Conversation.ID && t.Conversation.Type == other.Conversation.Type
}

// OutboundTargetFromEvent addresses the conversation event came from, through
// the driver that delivered it.
func OutboundTargetFromEvent(event *Event) (OutboundTarget, error) {
	if event == nil {
		return OutboundTarget{}, fmt.Errorf("%w: nil event", ErrInvalidOutboundRequest)
	}

	target := OutboundTarget{Conversation: event.Conversation}
	if event.Source != (EventSource{}) {
		target.Sink = &EventSink{Platform: event.Source.Platform, ID: event.Source.ID}
	}
	if err := target.Validate(); err != nil {
		return OutboundTarget{}, fmt.Errorf("target of %s event: %w", event.Kind, err)
	}

	return target, nil
}

// Reply sends text as a reply to the message carried by event, in the same
// conversation and through the same driver.
func Reply(
	ctx context.Context,
	dispatcher SinkDispatcher,
	event *Event,
	text string,
	entities []TextEntity,
) (*OutboundMessage, error) {
	if dispatcher == nil {
		return nil, fmt.Errorf("reply: nil sink dispatcher")
	}
	target, err := OutboundTargetFromEvent(event)
	if err != nil {
		return nil, fmt.Errorf("reply: %w", err)
	}

	request := SendMessageRequest{Target: target, Text: text, Entities: entities}
	if event.Message != nil {
		request.ReplyToMessageID = event.Message.ID
	}
	sent, err := dispatcher.SendMessage(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("reply: %w", err)
	}

	return sent, nil
}

// OutboundMessage identifies a message the dispatcher sent.
type OutboundMessage struct {
	// ID is the platform message id, usable in edit and delete requests.
	ID     string
	Target OutboundTarget
}

// SendMessageRequest posts a new text message.
type SendMessageRequest struct {
	Target           OutboundTarget
	Text             string
	Entities         []TextEntity
	ReplyToMessageID string
	// DisableLinkPreview is a hint; platforms without previews ignore it.
	DisableLinkPreview bool
}

func (r SendMessageRequest) Validate() error {
	if err := r.Target.Validate(); err != nil {
		return fmt.Errorf("validate send message target: %w", err)
	}

	return validateText("send", r.Text, r.Entities)
}

// EditMessageRequest replaces the text of a sent message.
type EditMessageRequest struct {
	Target             OutboundTarget
	MessageID          string
	Text               string
	Entities           []TextEntity
	DisableLinkPreview bool
}

func (r EditMessageRequest) Validate() error {
	if err := validateAddress("edit", r.Target, r.MessageID); err != nil {
		return err
	}

	return validateText("edit", r.Text, r.Entities)
}

// DeleteMessageRequest removes one message. Revoke deletes it for every
// participant where the platform distinguishes.
type DeleteMessageRequest struct {
	Target    OutboundTarget
	MessageID string
	Revoke    bool
}

func (r DeleteMessageRequest) Validate() error {
	return validateAddress("delete", r.Target, r.MessageID)
}

func validateAddress(operation string, target OutboundTarget, messageID string) error {
	if err := target.Validate(); err != nil {
		return fmt.Errorf("validate %s message target: %w", operation, err)
	}
	if messageID == "" {
		return fmt.Errorf("%w: missing message id", ErrInvalidOutboundRequest)
	}

	return nil
}

func validateText(operation string, text string, entities []TextEntity) error {
	if text == "" {
		return fmt.Errorf("%w: missing message text", ErrInvalidOutboundRequest)
	}
	if err := ValidateTextEntities(text, entities); err != nil {
		return fmt.Errorf("%w: validate %s message entities: %w", ErrInvalidOutboundRequest, operation, err)
	}

	return nil
}
