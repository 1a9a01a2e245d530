// Package help answers /help with the commands every registered module declares.
package help

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"

	"ex-tally/pkg/otogi"
)

const helpCommandName = "help"

// Module renders the kernel command catalog.
type Module struct {
	dispatcher otogi.SinkDispatcher
	catalog    otogi.CommandCatalog
}

func New() *Module {
	return &Module{}
}

func (m *Module) Name() string {
	return "help"
}

func (m *Module) Spec() otogi.ModuleSpec {
	return otogi.ModuleSpec{
		Handlers: []otogi.ModuleHandler{{
			Capability: otogi.Capability{
				Name:        "help-command",
				Description: "lists every registered command",
				Interest: otogi.InterestSet{
					Kinds:          []otogi.EventKind{otogi.EventKindCommandReceived},
					Commands:       []string{helpCommandName},
					RequireMessage: true,
				},
				RequiredServices: []string{otogi.ServiceSinkDispatcher, otogi.ServiceCommandCatalog},
			},
			Subscription: otogi.SubscriptionSpec{Name: "help"},
			Handler:      m.handleHelp,
		}},
		Commands: []otogi.CommandSpec{{
			Name:        helpCommandName,
			Aliases:     []string{"ajuda"},
			Description: "show all available commands",
		}},
	}
}

func (m *Module) OnRegister(_ context.Context, runtime otogi.ModuleRuntime) error {
	var err error
	if m.dispatcher, err = otogi.ResolveAs[otogi.SinkDispatcher](runtime.Services(), otogi.ServiceSinkDispatcher); err != nil {
		return fmt.Errorf("help resolve sink dispatcher: %w", err)
	}
	if m.catalog, err = otogi.ResolveAs[otogi.CommandCatalog](runtime.Services(), otogi.ServiceCommandCatalog); err != nil {
		return fmt.Errorf("help resolve command catalog: %w", err)
	}

	return nil
}

func (m *Module) OnStart(context.Context) error { return nil }

func (m *Module) OnShutdown(context.Context) error { return nil }

func (m *Module) handleHelp(ctx context.Context, event *otogi.Event) error {
	if event == nil || event.Command == nil || event.Command.Name != helpCommandName {
		return nil
	}
	if m.catalog == nil {
		return fmt.Errorf("help: command catalog not resolved")
	}

	commands, err := m.catalog.ListCommands(ctx)
	if err != nil {
		return fmt.Errorf("help list commands: %w", err)
	}
	text, entities := renderHelp(commands)
	if _, err := otogi.Reply(ctx, m.dispatcher, event, text, entities); err != nil {
		return fmt.Errorf("help send: %w", err)
	}

	return nil
}

// renderHelp prints one section per module, modules and their commands in
// name order.
func renderHelp(commands []otogi.RegisteredCommand) (string, []otogi.TextEntity) {
	var out otogi.TextBuilder
	out.Styled(otogi.TextEntityTypeBold, "Available commands")
	if len(commands) == 0 {
		out.Write("\n(none)")
		return out.Text(), out.Entities()
	}

	sorted := slices.Clone(commands)
	slices.SortFunc(sorted, func(a, b otogi.RegisteredCommand) int {
		return cmp.Or(
			cmp.Compare(moduleLabel(a.ModuleName), moduleLabel(b.ModuleName)),
			cmp.Compare(strings.ToLower(a.Command.Name), strings.ToLower(b.Command.Name)),
		)
	})

	section := ""
	for _, command := range sorted {
		if module := moduleLabel(command.ModuleName); module != section {
			section = module
			out.Write("\n\n")
			out.Styled(otogi.TextEntityTypeItalic, section)
		}
		writeCommand(&out, command.Command)
	}

	out.Write("\n\nEvery command also works with the ")
	out.Styled(otogi.TextEntityTypeCode, string(otogi.CommandPrefixBang))
	out.Write(" prefix.")

	return out.Text(), out.Entities()
}

func writeCommand(out *otogi.TextBuilder, spec otogi.CommandSpec) {
	synopsis := slashed(spec.Name)
	if usage := strings.TrimSpace(spec.Usage); usage != "" {
		synopsis += " " + usage
	}
	out.Write("\n")
	out.Styled(otogi.TextEntityTypeCode, synopsis)

	if description := strings.TrimSpace(spec.Description); description != "" {
		out.Write(" - " + description)
	}
	if len(spec.Aliases) > 0 {
		aliases := make([]string, len(spec.Aliases))
		for index, alias := range spec.Aliases {
			aliases[index] = slashed(alias)
		}
		out.Write(" (also " + strings.Join(aliases, ", ") + ")")
	}
}

func moduleLabel(name string) string {
	return cmp.Or(strings.TrimSpace(name), "other")
}

func slashed(name string) string {
	return string(otogi.CommandPrefixSlash) + strings.ToLower(strings.TrimSpace(name))
}

var (
	_ otogi.Module          = (*Module)(nil)
	_ otogi.ModuleRegistrar = (*Module)(nil)
)
