package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"ex-tally/internal/driver"
	"ex-tally/internal/health"
	"ex-tally/internal/kernel"
	tallymodule "ex-tally/modules/tally"
	"ex-tally/pkg/otogi"

	"github.com/tidwall/jsonc"
)

const (
	envConfigFile           = "TALLY_CONFIG_FILE"
	defaultConfigFilePath   = "config/bot.json"
	alternateConfigFilePath = "bin/config/bot.json"

	storageDriverFile   = "file"
	storageDriverSQLite = "sqlite"
	defaultFileStore    = "data/tally.json"
	defaultSQLiteStore  = "data/tally.db"
)

// moduleNames lists every module run registers; routing may only name these.
var moduleNames = []string{"tally", "pingpong", "help"}

type appConfig struct {
	logLevel slog.Level

	moduleHookTimeout   time.Duration
	shutdownTimeout     time.Duration
	handlerTimeout      time.Duration
	subscriptionBuffer  int
	subscriptionWorkers int

	drivers        []driver.Definition
	routingDefault *kernel.ModuleRoute
	moduleRoutes   map[string]kernel.ModuleRoute

	health  health.Config
	storage storageConfig
	tally   tallymodule.Config
}

type storageConfig struct {
	driver string
	path   string
}

func defaultAppConfig() appConfig {
	return appConfig{
		logLevel:            slog.LevelInfo,
		moduleHookTimeout:   3 * time.Second,
		shutdownTimeout:     10 * time.Second,
		subscriptionBuffer:  256,
		subscriptionWorkers: 2,
		moduleRoutes:        map[string]kernel.ModuleRoute{},
		health:              health.Config{Addr: health.DefaultAddr()},
		storage:             storageConfig{driver: storageDriverFile, path: defaultFileStore},
	}
}

// loadConfig reads the config file, overlays it on the defaults and checks it
// against the drivers registry can build.
func loadConfig(registry *driver.Registry) (appConfig, error) {
	path, err := locateConfigFile()
	if err != nil {
		return appConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return appConfig{}, fmt.Errorf("read config file %s: %w", path, err)
	}

	// Config files are JSONC: comments and trailing commas are allowed.
	var file fileConfig
	if err := json.Unmarshal(jsonc.ToJSON(data), &file); err != nil {
		return appConfig{}, fmt.Errorf("parse config file %s: %w", path, err)
	}

	cfg := defaultAppConfig()
	if err := file.applyTo(&cfg); err != nil {
		return appConfig{}, fmt.Errorf("config file %s: %w", path, err)
	}
	if err := cfg.validate(registry); err != nil {
		return appConfig{}, fmt.Errorf("validate config file %s: %w", path, err)
	}

	return cfg, nil
}

// locateConfigFile prefers $TALLY_CONFIG_FILE, then the first default path
// that exists.
func locateConfigFile() (string, error) {
	if path := strings.TrimSpace(os.Getenv(envConfigFile)); path != "" {
		return path, nil
	}

	for _, candidate := range []string{defaultConfigFilePath, alternateConfigFilePath} {
		info, err := os.Stat(candidate)
		switch {
		case errors.Is(err, os.ErrNotExist):
			continue
		case err != nil:
			return "", fmt.Errorf("stat config file %s: %w", candidate, err)
		case info.IsDir():
			return "", fmt.Errorf("config file %s is a directory", candidate)
		default:
			return candidate, nil
		}
	}

	return "", fmt.Errorf("no config file at %s or %s; set %s to point at one",
		defaultConfigFilePath, alternateConfigFilePath, envConfigFile)
}

// configSection is one top-level block of the config file.
type configSection interface {
	applyTo(cfg *appConfig) error
}

type fileConfig struct {
	LogLevel string            `json:"log_level"`
	Kernel   fileKernelConfig  `json:"kernel"`
	Drivers  []fileDriverEntry `json:"drivers"`
	Routing  fileRoutingConfig `json:"routing"`
	Health   fileHealthConfig  `json:"health"`
	Storage  fileStorageConfig `json:"storage"`
	Tally    json.RawMessage   `json:"tally"`
}

func (f fileConfig) applyTo(cfg *appConfig) error {
	if strings.TrimSpace(f.LogLevel) != "" {
		level, err := parseLogLevel(f.LogLevel)
		if err != nil {
			return fmt.Errorf("parse log_level: %w", err)
		}
		cfg.logLevel = level
	}

	for _, section := range []configSection{
		f.Kernel,
		driverEntries(f.Drivers),
		f.Routing,
		f.Health,
		f.Storage,
	} {
		if err := section.applyTo(cfg); err != nil {
			return err
		}
	}

	tallyConfig, err := tallymodule.ParseConfig(f.Tally)
	if err != nil {
		return fmt.Errorf("parse tally: %w", err)
	}
	cfg.tally = tallyConfig

	return nil
}

type fileKernelConfig struct {
	ModuleHookTimeout   string `json:"module_hook_timeout"`
	ShutdownTimeout     string `json:"shutdown_timeout"`
	HandlerTimeout      string `json:"handler_timeout"`
	SubscriptionBuffer  *int   `json:"subscription_buffer"`
	SubscriptionWorkers *int   `json:"subscription_workers"`
}

func (k fileKernelConfig) applyTo(cfg *appConfig) error {
	return errors.Join(
		overrideDuration("kernel.module_hook_timeout", k.ModuleHookTimeout, &cfg.moduleHookTimeout),
		overrideDuration("kernel.shutdown_timeout", k.ShutdownTimeout, &cfg.shutdownTimeout),
		overrideDuration("kernel.handler_timeout", k.HandlerTimeout, &cfg.handlerTimeout),
		overridePositive("kernel.subscription_buffer", k.SubscriptionBuffer, &cfg.subscriptionBuffer),
		overridePositive("kernel.subscription_workers", k.SubscriptionWorkers, &cfg.subscriptionWorkers),
	)
}

type fileDriverEntry struct {
	Name    string          `json:"name"`
	Type    string          `json:"type"`
	Enabled *bool           `json:"enabled"`
	Config  json.RawMessage `json:"config"`
}

type driverEntries []fileDriverEntry

func (entries driverEntries) applyTo(cfg *appConfig) error {
	cfg.drivers = make([]driver.Definition, 0, len(entries))
	for index, entry := range entries {
		if len(entry.Config) == 0 {
			return fmt.Errorf("parse drivers[%d].config: required", index)
		}
		cfg.drivers = append(cfg.drivers, driver.Definition{
			Name:    strings.TrimSpace(entry.Name),
			Type:    strings.TrimSpace(entry.Type),
			Enabled: entry.Enabled == nil || *entry.Enabled,
			Config:  slices.Clone(entry.Config),
		})
	}

	return nil
}

type fileRoutingConfig struct {
	Default *fileModuleRoute           `json:"default"`
	Modules map[string]fileModuleRoute `json:"modules"`
}

func (r fileRoutingConfig) applyTo(cfg *appConfig) error {
	if r.Default != nil {
		route, err := r.Default.route("routing.default")
		if err != nil {
			return err
		}
		cfg.routingDefault = &route
	}
	for name, raw := range r.Modules {
		route, err := raw.route("routing.modules." + name)
		if err != nil {
			return err
		}
		cfg.moduleRoutes[name] = route
	}

	return nil
}

type fileModuleRoute struct {
	Sources []fileEndpointRef `json:"sources"`
	Sink    *fileEndpointRef  `json:"sink"`
}

func (r fileModuleRoute) route(scope string) (kernel.ModuleRoute, error) {
	switch {
	case len(r.Sources) == 0:
		return kernel.ModuleRoute{}, fmt.Errorf("%s.sources is required", scope)
	case r.Sink == nil:
		return kernel.ModuleRoute{}, fmt.Errorf("%s.sink is required", scope)
	case r.Sink.empty():
		return kernel.ModuleRoute{}, fmt.Errorf("%s.sink: empty sink reference", scope)
	}

	route := kernel.ModuleRoute{Sink: &otogi.EventSink{Platform: r.Sink.platform(), ID: r.Sink.id()}}
	for index, ref := range r.Sources {
		if ref.empty() {
			return kernel.ModuleRoute{}, fmt.Errorf("%s.sources[%d]: empty source reference", scope, index)
		}
		route.Sources = append(route.Sources, otogi.EventSource{Platform: ref.platform(), ID: ref.id()})
	}

	return route, nil
}

type fileEndpointRef struct {
	Platform string `json:"platform"`
	ID       string `json:"id"`
}

func (e fileEndpointRef) platform() otogi.Platform { return otogi.Platform(strings.TrimSpace(e.Platform)) }
func (e fileEndpointRef) id() string               { return strings.TrimSpace(e.ID) }
func (e fileEndpointRef) empty() bool              { return e.platform() == "" && e.id() == "" }

type fileHealthConfig struct {
	Enabled         *bool  `json:"enabled"`
	Addr            string `json:"addr"`
	ShutdownTimeout string `json:"shutdown_timeout"`
}

// applyTo leaves health.Addr empty when the server is disabled.
func (h fileHealthConfig) applyTo(cfg *appConfig) error {
	if h.Enabled != nil && !*h.Enabled {
		cfg.health.Addr = ""
		return nil
	}
	if addr := strings.TrimSpace(h.Addr); addr != "" {
		cfg.health.Addr = addr
	}

	return overrideDuration("health.shutdown_timeout", h.ShutdownTimeout, &cfg.health.ShutdownTimeout)
}

type fileStorageConfig struct {
	Driver string `json:"driver"`
	Path   string `json:"path"`
}

func (s fileStorageConfig) applyTo(cfg *appConfig) error {
	defaultPaths := map[string]string{
		storageDriverFile:   defaultFileStore,
		storageDriverSQLite: defaultSQLiteStore,
	}

	name := strings.ToLower(strings.TrimSpace(s.Driver))
	if name == "" {
		name = storageDriverFile
	}
	path, known := defaultPaths[name]
	if !known {
		return fmt.Errorf("parse storage.driver: unsupported driver %q", s.Driver)
	}
	if custom := strings.TrimSpace(s.Path); custom != "" {
		path = custom
	}
	cfg.storage = storageConfig{driver: name, path: path}

	return nil
}

func overrideDuration(field string, raw string, dest *time.Duration) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	value, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return fmt.Errorf("parse %s: %w", field, err)
	case value <= 0:
		return fmt.Errorf("parse %s: must be > 0", field)
	}
	*dest = value

	return nil
}

func overridePositive(field string, raw *int, dest *int) error {
	switch {
	case raw == nil:
		return nil
	case *raw <= 0:
		return fmt.Errorf("parse %s: must be > 0", field)
	}
	*dest = *raw

	return nil
}

// parseLogLevel accepts slog level names in any case, plus "warning".
func parseLogLevel(raw string) (slog.Level, error) {
	text := strings.ToLower(strings.TrimSpace(raw))
	if text == "warning" {
		text = "warn"
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(text)); err != nil {
		return 0, fmt.Errorf("unsupported level %q", raw)
	}

	return level, nil
}

// validate checks cross-references between sections and derives the default
// route when exactly one driver is enabled.
func (cfg *appConfig) validate(registry *driver.Registry) error {
	if registry == nil {
		return errors.New("nil driver registry")
	}

	enabled, err := cfg.enabledDrivers(registry)
	if err != nil {
		return err
	}
	if err := cfg.checkRoutes(enabled); err != nil {
		return err
	}

	for scope, sink := range map[string]*otogi.EventSink{
		"tally.log_conversation.sink":     cfg.tally.LogTarget.Sink,
		"tally.summary_conversation.sink": cfg.tally.SummaryTarget.Sink,
	} {
		if sink == nil {
			continue
		}
		if _, ok := enabled[sink.ID]; !ok {
			return fmt.Errorf("%s: unknown driver id %s", scope, sink.ID)
		}
	}

	if cfg.routingDefault != nil {
		return nil
	}
	if len(enabled) == 1 {
		for name, definition := range enabled {
			platform, err := registry.PlatformForType(definition.Type)
			if err != nil {
				return fmt.Errorf("derive default route from driver %s: %w", name, err)
			}
			cfg.routingDefault = &kernel.ModuleRoute{
				Sources: []otogi.EventSource{{Platform: platform, ID: name}},
				Sink:    &otogi.EventSink{Platform: platform, ID: name},
			}
		}
		return nil
	}
	for _, name := range moduleNames {
		if _, routed := cfg.moduleRoutes[name]; !routed {
			return fmt.Errorf("routing.default is required with several drivers unless every module is routed; %s is not", name)
		}
	}

	return nil
}

func (cfg *appConfig) enabledDrivers(registry *driver.Registry) (map[string]driver.Definition, error) {
	seen := make(map[string]bool, len(cfg.drivers))
	enabled := make(map[string]driver.Definition, len(cfg.drivers))
	for _, definition := range cfg.drivers {
		switch {
		case definition.Name == "":
			return nil, errors.New("drivers[].name is required")
		case definition.Type == "":
			return nil, fmt.Errorf("drivers[%s].type is required", definition.Name)
		case seen[definition.Name]:
			return nil, fmt.Errorf("drivers[%s]: duplicate name", definition.Name)
		}
		seen[definition.Name] = true
		if !definition.Enabled {
			continue
		}
		if _, err := registry.PlatformForType(definition.Type); err != nil {
			return nil, fmt.Errorf("drivers[%s].type: %w", definition.Name, err)
		}
		enabled[definition.Name] = definition
	}
	if len(enabled) == 0 {
		return nil, errors.New("at least one enabled driver is required")
	}

	return enabled, nil
}

func (cfg *appConfig) checkRoutes(enabled map[string]driver.Definition) error {
	check := func(scope string, route kernel.ModuleRoute) error {
		for index, source := range route.Sources {
			if _, ok := enabled[source.ID]; source.ID != "" && !ok {
				return fmt.Errorf("%s.sources[%d]: unknown driver id %s", scope, index, source.ID)
			}
		}
		if sink := route.Sink; sink != nil && sink.ID != "" {
			if _, ok := enabled[sink.ID]; !ok {
				return fmt.Errorf("%s.sink: unknown driver id %s", scope, sink.ID)
			}
		}
		return nil
	}

	for name, route := range cfg.moduleRoutes {
		scope := "routing.modules." + name
		if !slices.Contains(moduleNames, name) {
			return fmt.Errorf("%s: unknown module", scope)
		}
		if err := check(scope, route); err != nil {
			return err
		}
	}
	if cfg.routingDefault != nil {
		return check("routing.default", *cfg.routingDefault)
	}

	return nil
}
