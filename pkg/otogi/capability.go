package otogi

import "slices"

// Capability describes what a module can process and what resources it requires.
type Capability struct {
	Name             string
	Description      string
	Interest         InterestSet
	RequiredServices []string
}

// InterestSet describes event selection criteria for capability negotiation.
type InterestSet struct {
	// Kinds restricts delivery to the listed event kinds.
	Kinds []EventKind
	// Commands restricts command.received delivery to the listed command names.
	Commands []string
	// Sources restricts delivery to events from the listed driver instances.
	Sources []EventSource
	// RequireMessage drops events without a message payload.
	RequireMessage bool
}

// Matches reports whether an event satisfies the declared interest set.
func (i InterestSet) Matches(event *Event) bool {
	if event == nil {
		return false
	}
	if len(i.Kinds) > 0 && !slices.Contains(i.Kinds, event.Kind) {
		return false
	}
	if len(i.Commands) > 0 {
		if event.Command == nil || !slices.Contains(i.Commands, event.Command.Name) {
			return false
		}
	}
	if len(i.Sources) > 0 && !matchesAnySource(i.Sources, event.Source) {
		return false
	}
	if i.RequireMessage && event.Message == nil {
		return false
	}

	return true
}

// Allows reports whether this interest set can safely satisfy another filter.
func (i InterestSet) Allows(filter InterestSet) bool {
	if len(i.Kinds) > 0 && !allIncluded(filter.Kinds, i.Kinds) {
		return false
	}
	if len(i.Commands) > 0 && !allIncluded(filter.Commands, i.Commands) {
		return false
	}
	if i.RequireMessage && !filter.RequireMessage {
		return false
	}

	return true
}

// matchesAnySource compares sources field by field; empty fields act as wildcards.
func matchesAnySource(sources []EventSource, source EventSource) bool {
	for _, candidate := range sources {
		if candidate.Platform != "" && candidate.Platform != source.Platform {
			continue
		}
		if candidate.ID != "" && candidate.ID != source.ID {
			continue
		}

		return true
	}

	return false
}

// allIncluded reports whether subset is non-empty and fully contained in allowed.
func allIncluded[T comparable](subset, allowed []T) bool {
	if len(subset) == 0 {
		return false
	}
	for _, item := range subset {
		if !slices.Contains(allowed, item) {
			return false
		}
	}

	return true
}
