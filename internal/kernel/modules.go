package kernel

import (
	"fmt"

	"ex-tally/pkg/otogi"
)

// nameSet rejects empty and repeated names within one declaration.
type nameSet struct {
	kind string
	seen map[string]struct{}
}

func newNameSet(kind string) *nameSet {
	return &nameSet{kind: kind, seen: make(map[string]struct{})}
}

func (s *nameSet) claim(name string) error {
	if name == "" {
		return fmt.Errorf("empty %s name", s.kind)
	}
	if _, taken := s.seen[name]; taken {
		return fmt.Errorf("duplicate %s name %s", s.kind, name)
	}
	s.seen[name] = struct{}{}

	return nil
}

// validateModuleSpec checks a declaration before anything is registered.
// Handler and additional capabilities share one namespace; subscription names
// are optional but must not repeat; every command name and alias is unique.
func validateModuleSpec(declared otogi.ModuleSpec) error {
	capabilities := newNameSet("capability")
	subscriptions := newNameSet("subscription")
	for index, handler := range declared.Handlers {
		if err := capabilities.claim(handler.Capability.Name); err != nil {
			return fmt.Errorf("module handler %d: %w", index, err)
		}
		if handler.Handler == nil {
			return fmt.Errorf("module handler %s: nil handler", handler.Capability.Name)
		}
		if handler.Subscription.Name == "" {
			continue
		}
		if err := subscriptions.claim(handler.Subscription.Name); err != nil {
			return fmt.Errorf("module handler %s: %w", handler.Capability.Name, err)
		}
	}
	for index, capability := range declared.AdditionalCapabilities {
		if err := capabilities.claim(capability.Name); err != nil {
			return fmt.Errorf("additional capability %d: %w", index, err)
		}
	}

	commands := newNameSet("command")
	for index, command := range declared.Commands {
		if err := command.Validate(); err != nil {
			return fmt.Errorf("module command %d: %w", index, err)
		}
		for _, name := range command.Names() {
			if err := commands.claim(name); err != nil {
				return fmt.Errorf("module command %d: %w", index, err)
			}
		}
	}

	return nil
}
