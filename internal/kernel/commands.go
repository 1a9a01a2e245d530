package kernel

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"ex-tally/pkg/otogi"
)

// commandTable maps every command name and alias to the module owning it.
// It doubles as the CommandCatalog service handed to modules.
type commandTable struct {
	mu      sync.RWMutex
	entries map[string]commandEntry
}

type commandEntry struct {
	module string
	spec   otogi.CommandSpec
}

func newCommandTable() *commandTable {
	return &commandTable{entries: make(map[string]commandEntry)}
}

// claim reserves every name of specs for module. Nothing is reserved when any
// name is already taken.
func (t *commandTable) claim(module string, specs []otogi.CommandSpec) error {
	if len(specs) == 0 {
		return nil
	}

	claimed := make(map[string]otogi.CommandSpec)
	for _, spec := range specs {
		spec = normalizeCommandSpec(spec)
		for _, name := range spec.Names() {
			claimed[name] = spec
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, name := range slices.Sorted(maps.Keys(claimed)) {
		if owner, taken := t.entries[name]; taken {
			return fmt.Errorf("claim command %s: owned by module %s", name, owner.module)
		}
	}
	for name, spec := range claimed {
		t.entries[name] = commandEntry{module: module, spec: spec}
	}

	return nil
}

// release drops every name owned by module.
func (t *commandTable) release(module string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	maps.DeleteFunc(t.entries, func(_ string, entry commandEntry) bool {
		return entry.module == module
	})
}

// resolve finds the spec registered under name, which may be an alias.
func (t *commandTable) resolve(name string) (otogi.CommandSpec, bool) {
	t.mu.RLock()
	entry, found := t.entries[strings.ToLower(strings.TrimSpace(name))]
	t.mu.RUnlock()
	if !found {
		return otogi.CommandSpec{}, false
	}

	return normalizeCommandSpec(entry.spec), true
}

// ListCommands returns one entry per canonical name ordered by name and then
// module.
func (t *commandTable) ListCommands(ctx context.Context) ([]otogi.RegisteredCommand, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("list commands: %w", err)
	}

	t.mu.RLock()
	listed := make([]otogi.RegisteredCommand, 0, len(t.entries))
	for name, entry := range t.entries {
		if name != entry.spec.Name {
			continue
		}
		listed = append(listed, otogi.RegisteredCommand{
			ModuleName: entry.module,
			Command:    normalizeCommandSpec(entry.spec),
		})
	}
	t.mu.RUnlock()

	slices.SortFunc(listed, func(a, b otogi.RegisteredCommand) int {
		return cmp.Or(
			cmp.Compare(a.Command.Name, b.Command.Name),
			cmp.Compare(a.ModuleName, b.ModuleName),
		)
	})

	return listed, nil
}

// normalizeCommandSpec returns a copy of spec with lowercase names, so table
// entries never share alias slices with module declarations.
func normalizeCommandSpec(spec otogi.CommandSpec) otogi.CommandSpec {
	names := spec.Names()
	spec.Name = names[0]
	spec.Aliases = nil
	if len(names) > 1 {
		spec.Aliases = names[1:]
	}

	return spec
}

var _ otogi.CommandCatalog = (*commandTable)(nil)
