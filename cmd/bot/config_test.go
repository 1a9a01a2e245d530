package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"ex-tally/internal/driver"
	"ex-tally/pkg/otogi"
)

const telegramDriverJSON = `{
	"name": "tg-main",
	"type": "telegram",
	"config": {"app_id": 123456, "app_hash": "sample_hash", "session_file": "state/session.json"}
}`

const tallySectionJSON = `{
	"log_conversation": {"id": "-1002000", "type": "channel"},
	"summary_conversation": {"id": "-1001000", "type": "group"}
}`

func writeConfigFile(t *testing.T, path string, contents string) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// loadTestConfig writes body to a fresh config file and loads it.
func loadTestConfig(t *testing.T, body string) (appConfig, error) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "bot.json")
	writeConfigFile(t, path, body)
	t.Setenv(envConfigFile, path)

	registry, err := driver.NewBuiltinRegistry()
	if err != nil {
		t.Fatalf("NewBuiltinRegistry() error = %v", err)
	}

	return loadConfig(registry)
}

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input   string
		want    slog.Level
		wantErr bool
	}{
		{input: "debug", want: slog.LevelDebug},
		{input: " INFO ", want: slog.LevelInfo},
		{input: "warn", want: slog.LevelWarn},
		{input: "Warning", want: slog.LevelWarn},
		{input: "error", want: slog.LevelError},
		{input: "trace", wantErr: true},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.input, func(t *testing.T) {
			t.Parallel()

			got, err := parseLogLevel(testCase.input)
			if (err != nil) != testCase.wantErr {
				t.Fatalf("parseLogLevel(%q) error = %v, wantErr %v", testCase.input, err, testCase.wantErr)
			}
			if err == nil && got != testCase.want {
				t.Fatalf("parseLogLevel(%q) = %v, want %v", testCase.input, got, testCase.want)
			}
		})
	}
}

func TestLoadConfigReadsEverySection(t *testing.T) {
	cfg, err := loadTestConfig(t, `{
		// commented and with trailing commas
		"log_level": "warn",
		"kernel": {
			"module_hook_timeout": "7s",
			"shutdown_timeout": "15s",
			"handler_timeout": "45s",
			"subscription_buffer": 64,
			"subscription_workers": 5,
		},
		"drivers": [`+telegramDriverJSON+`],
		"health": {"addr": ":9090", "shutdown_timeout": "2s"},
		"storage": {"driver": "SQLite", "path": "state/tally.db"},
		"tally": {
			"log_conversation": {"id": "-1002000", "type": "channel"},
			"summary_conversation": {"id": "-1001000", "type": "group", "sink": "tg-main"},
			"interval": "2m",
			"admins": ["77"],
		},
	}`)
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}

	checks := []struct {
		field string
		ok    bool
	}{
		{"log level", cfg.logLevel == slog.LevelWarn},
		{"hook timeout", cfg.moduleHookTimeout == 7*time.Second},
		{"shutdown timeout", cfg.shutdownTimeout == 15*time.Second},
		{"handler timeout", cfg.handlerTimeout == 45*time.Second},
		{"subscription", cfg.subscriptionBuffer == 64 && cfg.subscriptionWorkers == 5},
		{"drivers", len(cfg.drivers) == 1 && cfg.drivers[0].Name == "tg-main" && cfg.drivers[0].Enabled},
		{"derived route", cfg.routingDefault != nil && cfg.routingDefault.Sink.ID == "tg-main" &&
			cfg.routingDefault.Sources[0].Platform == otogi.PlatformTelegram},
		{"health", cfg.health.Addr == ":9090" && cfg.health.ShutdownTimeout == 2*time.Second},
		{"storage", cfg.storage == storageConfig{driver: storageDriverSQLite, path: "state/tally.db"}},
		{"tally interval", cfg.tally.Interval == 2*time.Minute},
		{"tally admins", strings.Join(cfg.tally.Admins, ",") == "77"},
		{"summary target", cfg.tally.SummaryTarget.Conversation.Type == otogi.ConversationTypeGroup},
	}
	for _, check := range checks {
		if !check.ok {
			t.Errorf("%s not loaded: %+v", check.field, cfg)
		}
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("PORT", "4321")

	cfg, err := loadTestConfig(t, `{"drivers": [`+telegramDriverJSON+`], "tally": `+tallySectionJSON+`}`)
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if cfg.logLevel != slog.LevelInfo || cfg.subscriptionWorkers != 2 || cfg.moduleHookTimeout != 3*time.Second {
		t.Fatalf("kernel defaults = %v/%d/%s", cfg.logLevel, cfg.subscriptionWorkers, cfg.moduleHookTimeout)
	}
	if cfg.health.Addr != ":4321" {
		t.Fatalf("health addr = %q, want :4321 from PORT", cfg.health.Addr)
	}
	if cfg.storage != (storageConfig{driver: storageDriverFile, path: defaultFileStore}) {
		t.Fatalf("storage = %+v, want default file store", cfg.storage)
	}
}

func TestLoadConfigHealthDisabled(t *testing.T) {
	cfg, err := loadTestConfig(t, `{
		"drivers": [`+telegramDriverJSON+`],
		"health": {"enabled": false, "addr": ":9090"},
		"tally": `+tallySectionJSON+`
	}`)
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if cfg.health.Addr != "" {
		t.Fatalf("health addr = %q, want empty when disabled", cfg.health.Addr)
	}
}

func TestLoadConfigRejects(t *testing.T) {
	withDriver := func(rest string) string {
		return `{"drivers": [` + telegramDriverJSON + `], "tally": ` + tallySectionJSON + rest + `}`
	}

	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{
			name:    "malformed json",
			body:    `{"drivers": [`,
			wantErr: "parse config file",
		},
		{
			name:    "missing tally section",
			body:    `{"drivers": [` + telegramDriverJSON + `]}`,
			wantErr: "parse tally",
		},
		{
			name: "zero tally interval",
			body: `{"drivers": [` + telegramDriverJSON + `], "tally": {
				"log_conversation": {"id": "-1", "type": "channel"},
				"summary_conversation": {"id": "-2", "type": "group"},
				"interval": "0s"}}`,
			wantErr: "parse tally: parse interval: must be > 0",
		},
		{
			name:    "unknown storage driver",
			body:    withDriver(`, "storage": {"driver": "redis"}`),
			wantErr: `parse storage.driver: unsupported driver "redis"`,
		},
		{
			name:    "negative health timeout",
			body:    withDriver(`, "health": {"shutdown_timeout": "-1s"}`),
			wantErr: "parse health.shutdown_timeout: must be > 0",
		},
		{
			name:    "zero subscription workers",
			body:    withDriver(`, "kernel": {"subscription_workers": 0}`),
			wantErr: "parse kernel.subscription_workers: must be > 0",
		},
		{
			name:    "driver without config",
			body:    `{"drivers": [{"name": "tg-main", "type": "telegram"}], "tally": ` + tallySectionJSON + `}`,
			wantErr: "parse drivers[0].config: required",
		},
		{
			name:    "no enabled driver",
			body:    `{"tally": ` + tallySectionJSON + `}`,
			wantErr: "at least one enabled driver",
		},
		{
			name:    "unknown driver type",
			body:    `{"drivers": [{"name": "x", "type": "discord", "config": {}}], "tally": ` + tallySectionJSON + `}`,
			wantErr: "drivers[x].type",
		},
		{
			name:    "routing names a module that is not run",
			body:    withDriver(`, "routing": {"modules": {"memory": {"sources": [{"id": "tg-main"}], "sink": {"id": "tg-main"}}}}`),
			wantErr: "routing.modules.memory: unknown module",
		},
		{
			name:    "route sink names an unknown driver",
			body:    withDriver(`, "routing": {"default": {"sources": [{"id": "tg-main"}], "sink": {"id": "tg-alt"}}}`),
			wantErr: "routing.default.sink: unknown driver id tg-alt",
		},
		{
			name: "tally sink names an unknown driver",
			body: `{"drivers": [` + telegramDriverJSON + `], "tally": {
				"log_conversation": {"id": "-1", "type": "channel", "sink": "tg-other"},
				"summary_conversation": {"id": "-2", "type": "group"}}}`,
			wantErr: "tally.log_conversation.sink: unknown driver id tg-other",
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			_, err := loadTestConfig(t, testCase.body)
			if err == nil || !strings.Contains(err.Error(), testCase.wantErr) {
				t.Fatalf("loadConfig() error = %v, want %q", err, testCase.wantErr)
			}
		})
	}
}

func TestLocateConfigFile(t *testing.T) {
	t.Run("environment wins", func(t *testing.T) {
		t.Setenv(envConfigFile, " custom/bot.json ")

		got, err := locateConfigFile()
		if err != nil || got != "custom/bot.json" {
			t.Fatalf("locateConfigFile() = %q, %v; want custom/bot.json", got, err)
		}
	})

	t.Run("alternate path", func(t *testing.T) {
		t.Setenv(envConfigFile, "")
		t.Chdir(t.TempDir())
		writeConfigFile(t, alternateConfigFilePath, "{}")

		got, err := locateConfigFile()
		if err != nil || got != alternateConfigFilePath {
			t.Fatalf("locateConfigFile() = %q, %v; want %s", got, err, alternateConfigFilePath)
		}
	})

	t.Run("directory in the way", func(t *testing.T) {
		t.Setenv(envConfigFile, "")
		t.Chdir(t.TempDir())
		if err := os.MkdirAll(defaultConfigFilePath, 0o700); err != nil {
			t.Fatalf("mkdir: %v", err)
		}

		if _, err := locateConfigFile(); err == nil || !strings.Contains(err.Error(), "is a directory") {
			t.Fatalf("locateConfigFile() error = %v, want directory error", err)
		}
	})

	t.Run("nothing found", func(t *testing.T) {
		t.Setenv(envConfigFile, "")
		t.Chdir(t.TempDir())

		if _, err := locateConfigFile(); err == nil || !strings.Contains(err.Error(), envConfigFile) {
			t.Fatalf("locateConfigFile() error = %v, want hint naming %s", err, envConfigFile)
		}
	})
}
