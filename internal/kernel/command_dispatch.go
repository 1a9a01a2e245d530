package kernel

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"ex-tally/pkg/otogi"
)

// commandDispatcher sits between drivers and the bus. Every event is
// published as-is; a newly created message that names a registered command is
// followed by a command.received event derived from it.
type commandDispatcher struct {
	bus      otogi.EventDispatcher
	commands *commandTable
	report   AsyncErrorFunc
}

// Publish forwards event and, when it invokes a command, the derived event.
// Edited messages never derive commands, so fixing a typo in an old "/reset"
// does not reset again.
func (d *commandDispatcher) Publish(ctx context.Context, event *otogi.Event) error {
	if event == nil {
		return fmt.Errorf("dispatch event: nil event")
	}
	if err := d.bus.Publish(ctx, event); err != nil {
		return fmt.Errorf("dispatch %s: %w", event.Kind, err)
	}

	command, err := d.derive(event)
	if err != nil {
		if d.report != nil {
			d.report(ctx, "derive command", err)
		}
		return nil
	}
	if command == nil {
		return nil
	}
	if err := d.bus.Publish(ctx, command); err != nil {
		return fmt.Errorf("dispatch command %s: %w", command.Command.Name, err)
	}

	return nil
}

// derive returns nil without error when event carries no registered command.
func (d *commandDispatcher) derive(event *otogi.Event) (*otogi.Event, error) {
	if event.Kind != otogi.EventKindMessageCreated || event.Message == nil {
		return nil, nil
	}
	candidate, ok := otogi.ParseCommandCandidate(event.Message.Text)
	if !ok {
		return nil, nil
	}
	spec, ok := d.commands.resolve(candidate.Name)
	if !ok {
		return nil, nil
	}

	invocation, err := otogi.BindCommand(candidate, spec, event)
	if err != nil {
		return nil, fmt.Errorf("event %s: %w", event.ID, err)
	}

	message := *event.Message
	message.Entities = slices.Clone(event.Message.Entities)
	if event.Message.Embed != nil {
		embed := *event.Message.Embed
		message.Embed = &embed
	}

	return &otogi.Event{
		ID:           event.ID + "#command",
		Kind:         otogi.EventKindCommandReceived,
		OccurredAt:   event.OccurredAt,
		Source:       event.Source,
		Conversation: event.Conversation,
		Actor:        event.Actor,
		Message:      &message,
		Command:      invocation,
		Metadata:     maps.Clone(event.Metadata),
	}, nil
}
