package driver

import (
	"context"
	"log/slog"

	"ex-tally/internal/driver/telegram"
)

// NewBuiltinRegistry returns the registry of every driver type compiled in.
func NewBuiltinRegistry() (*Registry, error) {
	return NewRegistry([]Descriptor{
		{Type: telegram.DriverType, Platform: telegram.DriverPlatform, Builder: buildTelegram},
	})
}

func buildTelegram(_ context.Context, definition Definition, logger *slog.Logger) (Runtime, error) {
	built, err := telegram.BuildRuntimeFromConfig(definition.Name, logger, definition.Config)
	if err != nil {
		return Runtime{}, err
	}

	return Runtime{
		Source:            built.Source,
		Driver:            built.Driver,
		SinkDispatcher:    built.SinkDispatcher,
		LogSource:         built.LogSource,
		PermissionChecker: built.PermissionChecker,
	}, nil
}
