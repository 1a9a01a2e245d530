package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"ex-tally/pkg/otogi"
)

// Definition is one entry of the "drivers" config list.
type Definition struct {
	Name    string
	Type    string
	Enabled bool
	// Config is the raw type-specific JSON object, handed to the builder as is.
	Config []byte
}

// Runtime is one built driver together with the outbound capabilities its
// account offers. Capabilities a platform lacks stay nil.
type Runtime struct {
	Source            otogi.EventSource
	Driver            otogi.Driver
	SinkDispatcher    otogi.SinkDispatcher
	LogSource         otogi.LogSource
	PermissionChecker otogi.PermissionChecker
}

// BuilderFunc builds one runtime from one configured driver definition.
type BuilderFunc func(ctx context.Context, definition Definition, logger *slog.Logger) (Runtime, error)

// Descriptor registers a driver type.
type Descriptor struct {
	Type     string
	Platform otogi.Platform
	Builder  BuilderFunc
}

// Registry maps driver type tokens to their descriptors. It is immutable once
// built.
type Registry struct {
	byType map[string]Descriptor
}

// NewRegistry validates descriptors and indexes them by type.
func NewRegistry(descriptors []Descriptor) (*Registry, error) {
	byType := make(map[string]Descriptor, len(descriptors))
	for index, descriptor := range descriptors {
		var problem string
		switch _, duplicate := byType[descriptor.Type]; {
		case descriptor.Type == "":
			problem = "empty type"
		case descriptor.Platform == "":
			problem = "empty platform"
		case descriptor.Builder == nil:
			problem = "nil builder"
		case duplicate:
			problem = "duplicate type"
		}
		if problem != "" {
			return nil, fmt.Errorf("new driver registry: descriptors[%d] %q: %s", index, descriptor.Type, problem)
		}
		byType[descriptor.Type] = descriptor
	}

	return &Registry{byType: byType}, nil
}

// PlatformForType reports which platform a driver type speaks for.
func (r *Registry) PlatformForType(driverType string) (otogi.Platform, error) {
	if r == nil {
		return "", errors.New("nil registry")
	}
	descriptor, ok := r.byType[driverType]
	if !ok {
		return "", fmt.Errorf("unsupported type %s", driverType)
	}

	return descriptor.Platform, nil
}

// BuildEnabled builds every enabled definition in order. A runtime without a
// source id takes the definition name.
func (r *Registry) BuildEnabled(ctx context.Context, definitions []Definition, logger *slog.Logger) ([]Runtime, error) {
	if r == nil {
		return nil, errors.New("build drivers: nil registry")
	}

	runtimes := make([]Runtime, 0, len(definitions))
	built := make(map[string]bool, len(definitions))
	for _, definition := range definitions {
		if !definition.Enabled {
			continue
		}
		runtime, err := r.build(ctx, definition, logger, built)
		if err != nil {
			return nil, fmt.Errorf("build driver %q: %w", definition.Name, err)
		}
		runtimes = append(runtimes, runtime)
	}

	return runtimes, nil
}

func (r *Registry) build(ctx context.Context, definition Definition, logger *slog.Logger, built map[string]bool) (Runtime, error) {
	switch {
	case definition.Name == "":
		return Runtime{}, errors.New("empty name")
	case built[definition.Name]:
		return Runtime{}, errors.New("duplicate name")
	}
	built[definition.Name] = true

	descriptor, ok := r.byType[definition.Type]
	if !ok {
		return Runtime{}, fmt.Errorf("unsupported type %q", definition.Type)
	}
	runtime, err := descriptor.Builder(ctx, definition, logger)
	if err != nil {
		return Runtime{}, err
	}

	switch {
	case runtime.Driver == nil:
		return Runtime{}, errors.New("builder returned no driver")
	case runtime.Source.Platform == "":
		runtime.Source.Platform = descriptor.Platform
	}
	if runtime.Source.ID == "" {
		runtime.Source.ID = definition.Name
	}

	return runtime, nil
}
