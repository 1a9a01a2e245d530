package otogi

import (
	"context"
	"fmt"
	"slices"
	"strings"
)

// CommandPrefix identifies the prefix introducing one command invocation.
type CommandPrefix string

const (
	// CommandPrefixSlash identifies platform-native `/name` syntax.
	CommandPrefixSlash CommandPrefix = "/"
	// CommandPrefixBang identifies `!name` syntax used by chat-log operators.
	CommandPrefixBang CommandPrefix = "!"
)

// CommandPrefixes lists every accepted command prefix.
var CommandPrefixes = []CommandPrefix{CommandPrefixSlash, CommandPrefixBang}

// CommandCandidate is a parsed command-looking message before command-spec binding.
type CommandCandidate struct {
	// Prefix is the leading command prefix.
	Prefix CommandPrefix
	// Name is the lowercase command name without prefix and mention suffix.
	Name string
	// Mention is the optional mention suffix from `<name>@<mention>`.
	Mention string
	// RawInput is the original untrimmed message text.
	RawInput string
	// Tokens stores whitespace-separated tail tokens after the command header.
	Tokens []string
}

// ParseCommandCandidate parses text that looks like `<prefix><name>[@mention] [args...]`.
//
// The matched flag is false for ordinary text so callers can skip it cheaply.
func ParseCommandCandidate(text string) (CommandCandidate, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return CommandCandidate{}, false
	}

	prefix := CommandPrefix(trimmed[:1])
	if !slices.Contains(CommandPrefixes, prefix) {
		return CommandCandidate{}, false
	}

	fields := strings.Fields(trimmed[1:])
	if len(fields) == 0 {
		return CommandCandidate{}, false
	}

	header := fields[0]
	if !strings.HasPrefix(trimmed[1:], header) {
		// Whitespace between prefix and name, e.g. "! reset", is plain text.
		return CommandCandidate{}, false
	}
	name, mention, _ := strings.Cut(header, "@")
	name = normalizeCommandName(name)
	if !isCommandName(name) {
		return CommandCandidate{}, false
	}

	return CommandCandidate{
		Prefix:   prefix,
		Name:     name,
		Mention:  strings.TrimSpace(mention),
		RawInput: text,
		Tokens:   append([]string(nil), fields[1:]...),
	}, true
}

// CommandSpec declares one module command registration.
type CommandSpec struct {
	// Name is the canonical command name without prefix.
	Name string
	// Aliases are alternative names resolving to the same command.
	Aliases []string
	// Description describes command behavior for help text.
	Description string
	// Usage is an optional argument synopsis such as "<name>".
	Usage string
}

// Names returns the canonical name followed by normalized aliases.
func (s CommandSpec) Names() []string {
	names := make([]string, 0, 1+len(s.Aliases))
	names = append(names, normalizeCommandName(s.Name))
	for _, alias := range s.Aliases {
		names = append(names, normalizeCommandName(alias))
	}

	return names
}

// Validate checks that the command declaration is coherent.
func (s CommandSpec) Validate() error {
	seen := make(map[string]struct{}, 1+len(s.Aliases))
	for index, name := range s.Names() {
		if !isCommandName(name) {
			if index == 0 {
				return fmt.Errorf("validate command spec: invalid name %q", s.Name)
			}
			return fmt.Errorf("validate command spec %s: invalid alias %q", s.Name, s.Aliases[index-1])
		}
		if _, exists := seen[name]; exists {
			return fmt.Errorf("validate command spec %s: duplicate name %q", s.Name, name)
		}
		seen[name] = struct{}{}
	}

	return nil
}

// CommandInvocation carries one bound command event payload.
type CommandInvocation struct {
	// Name is the canonical command name of the bound spec.
	Name string
	// Invoked is the name or alias the caller actually typed.
	Invoked string
	// Prefix is the prefix the caller used.
	Prefix CommandPrefix
	// Mention is the optional mention suffix from `<name>@<mention>`.
	Mention string
	// Args stores the whitespace-separated tail tokens.
	Args []string
	// Value stores Args joined by single spaces.
	Value string
	// SourceEventID identifies the inbound source event that produced this command.
	SourceEventID string
	// RawInput stores the original inbound message text.
	RawInput string
}

// Validate checks command invocation contract fields.
func (c *CommandInvocation) Validate() error {
	if c == nil {
		return fmt.Errorf("validate command invocation: nil invocation")
	}
	if normalizeCommandName(c.Name) == "" {
		return fmt.Errorf("validate command invocation: missing name")
	}
	if c.SourceEventID == "" {
		return fmt.Errorf("validate command invocation: missing source_event_id")
	}

	return nil
}

// BindCommand binds a parsed candidate to a registered spec.
func BindCommand(candidate CommandCandidate, spec CommandSpec, source *Event) (*CommandInvocation, error) {
	if source == nil {
		return nil, fmt.Errorf("bind command %s: nil source event", candidate.Name)
	}
	if !slices.Contains(spec.Names(), candidate.Name) {
		return nil, fmt.Errorf("bind command %s: spec %s does not declare this name", candidate.Name, spec.Name)
	}

	args := append([]string(nil), candidate.Tokens...)

	return &CommandInvocation{
		Name:          normalizeCommandName(spec.Name),
		Invoked:       candidate.Name,
		Prefix:        candidate.Prefix,
		Mention:       candidate.Mention,
		Args:          args,
		Value:         strings.Join(args, " "),
		SourceEventID: source.ID,
		RawInput:      candidate.RawInput,
	}, nil
}

func normalizeCommandName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func isCommandName(name string) bool {
	if name == "" {
		return false
	}
	for _, char := range name {
		switch {
		case char >= 'a' && char <= 'z':
		case char >= '0' && char <= '9':
		case char == '_':
		default:
			return false
		}
	}

	return true
}

// ServiceCommandCatalog is the service registry key of the kernel CommandCatalog.
const ServiceCommandCatalog = "otogi.command_catalog"

// RegisteredCommand is one command together with the module that owns it.
type RegisteredCommand struct {
	ModuleName string
	Command    CommandSpec
}

// CommandCatalog lists the commands registered with the kernel, one entry
// per canonical name with aliases kept inside the spec. Entries are copies.
type CommandCatalog interface {
	ListCommands(ctx context.Context) ([]RegisteredCommand, error)
}
