package tally

import (
	"context"
	"fmt"

	"ex-tally/pkg/otogi"
	"ex-tally/pkg/tally"
)

func (m *Module) handleLookup(ctx context.Context, event *otogi.Event) error {
	if event == nil || event.Command == nil || event.Message == nil {
		return nil
	}

	text, entities := renderLookup(event.Command.Value, m.ledger.Lookup(event.Command.Value))
	if _, err := otogi.Reply(ctx, m.dispatcher, event, text, entities); err != nil {
		return fmt.Errorf("lookup send reply: %w", err)
	}

	return nil
}

func renderLookup(query string, entries []tally.Entry) (string, []otogi.TextEntity) {
	var builder otogi.TextBuilder
	switch {
	case query == "":
		builder.Write("Usage: ")
		builder.Styled(otogi.TextEntityTypeCode, "/"+lookupCommandName+" <name>")
	case len(entries) == 0:
		builder.Write("No tracked account matches ")
		builder.Styled(otogi.TextEntityTypeCode, query)
		builder.Write(".")
	default:
		builder.Styled(otogi.TextEntityTypeBold, fmt.Sprintf("🔎 %d match(es) for %q", len(entries), query))
		for _, entry := range entries {
			builder.Write("\n")
			builder.Styled(otogi.TextEntityTypeCode, entry.Account)
			builder.Write(fmt.Sprintf(": %d", entry.Total))
		}
		if len(entries) == tally.LookupLimit {
			builder.Write("\n")
			builder.Styled(otogi.TextEntityTypeItalic, "Showing the first matches only; refine the name.")
		}
	}

	return builder.Text(), builder.Entities()
}
