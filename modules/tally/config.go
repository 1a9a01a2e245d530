package tally

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"ex-tally/pkg/otogi"
	"ex-tally/pkg/tally"
)

const (
	defaultInterval       = 180 * time.Second
	defaultFetchWindow    = 500
	defaultPurgeBatchSize = 50
	defaultPurgePace      = 1500 * time.Millisecond
	defaultSuspendTimeout = 30 * time.Second
	defaultResetTimeout   = 30 * time.Minute
	defaultTitle          = "Fruit Chest purchases"
	defaultResetTitle     = "Fruit Chest tally reset"
	defaultItemLabel      = "Fruit Chests"
)

// Config configures the tally module.
type Config struct {
	// LogTarget is the conversation the external log source posts into.
	LogTarget otogi.OutboundTarget
	// SummaryTarget is the conversation holding the summary message.
	SummaryTarget otogi.OutboundTarget
	// Interval is the aggregation period.
	Interval time.Duration
	// FetchWindow caps records read per cycle.
	FetchWindow int
	// PurgeBatchSize caps records deleted per purge call during reset.
	PurgeBatchSize int
	// PurgePace is the pause between purge batches.
	PurgePace time.Duration
	// SuspendTimeout bounds how long reset waits for an in-flight cycle.
	SuspendTimeout time.Duration
	// ResetTimeout bounds one whole reset run.
	ResetTimeout time.Duration
	// Grammar is the compiled purchase grammar profile.
	Grammar tally.Grammar
	// Cohorts lists the tracked account families in priority order.
	Cohorts tally.Cohorts
	// Admins lists actor ids allowed to reset regardless of platform role.
	Admins []string
	// Title heads the regular summary.
	Title string
	// ResetTitle heads the zeroed summary posted after a reset.
	ResetTitle string
	// ItemLabel names the counted item in summaries.
	ItemLabel string
}

type fileConfig struct {
	LogConversation     fileConversation      `json:"log_conversation"`
	SummaryConversation fileConversation      `json:"summary_conversation"`
	Interval            string                `json:"interval"`
	FetchWindow         *int                  `json:"fetch_window"`
	PurgeBatchSize      *int                  `json:"purge_batch_size"`
	PurgePace           string                `json:"purge_pace"`
	SuspendTimeout      string                `json:"suspend_timeout"`
	ResetTimeout        string                `json:"reset_timeout"`
	Grammar             string                `json:"grammar"`
	Grammars            []tally.GrammarConfig `json:"grammars"`
	Cohorts             []tally.Cohort        `json:"cohorts"`
	Admins              []string              `json:"admins"`
	Title               string                `json:"title"`
	ResetTitle          string                `json:"reset_title"`
	ItemLabel           string                `json:"item_label"`
}

type fileConversation struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Sink string `json:"sink"`
}

// ParseConfig decodes and validates one tally config document.
func ParseConfig(raw []byte) (Config, error) {
	if len(raw) == 0 {
		return Config{}, fmt.Errorf("parse tally config: missing config")
	}

	var parsed fileConfig
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Config{}, fmt.Errorf("parse tally config: %w", err)
	}

	cfg := Config{
		LogTarget:      parsed.LogConversation.target(),
		SummaryTarget:  parsed.SummaryConversation.target(),
		Interval:       defaultInterval,
		FetchWindow:    defaultFetchWindow,
		PurgeBatchSize: defaultPurgeBatchSize,
		PurgePace:      defaultPurgePace,
		SuspendTimeout: defaultSuspendTimeout,
		ResetTimeout:   defaultResetTimeout,
		Cohorts:        tally.DefaultCohorts(),
		Title:          firstNonEmpty(parsed.Title, defaultTitle),
		ResetTitle:     firstNonEmpty(parsed.ResetTitle, defaultResetTitle),
		ItemLabel:      firstNonEmpty(parsed.ItemLabel, defaultItemLabel),
	}

	durations := []struct {
		field string
		raw   string
		dest  *time.Duration
	}{
		{field: "interval", raw: parsed.Interval, dest: &cfg.Interval},
		{field: "purge_pace", raw: parsed.PurgePace, dest: &cfg.PurgePace},
		{field: "suspend_timeout", raw: parsed.SuspendTimeout, dest: &cfg.SuspendTimeout},
		{field: "reset_timeout", raw: parsed.ResetTimeout, dest: &cfg.ResetTimeout},
	}
	for _, duration := range durations {
		value := strings.TrimSpace(duration.raw)
		if value == "" {
			continue
		}
		parsedDuration, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", duration.field, err)
		}
		if parsedDuration <= 0 {
			return Config{}, fmt.Errorf("parse %s: must be > 0", duration.field)
		}
		*duration.dest = parsedDuration
	}

	if parsed.FetchWindow != nil {
		cfg.FetchWindow = *parsed.FetchWindow
	}
	if parsed.PurgeBatchSize != nil {
		cfg.PurgeBatchSize = *parsed.PurgeBatchSize
	}
	if len(parsed.Cohorts) > 0 {
		cfg.Cohorts = tally.Cohorts(parsed.Cohorts).Normalize()
	}
	for _, admin := range parsed.Admins {
		if trimmed := strings.TrimSpace(admin); trimmed != "" {
			cfg.Admins = append(cfg.Admins, trimmed)
		}
	}

	for index, custom := range parsed.Grammars {
		if _, err := tally.CompileGrammar(custom); err != nil {
			return Config{}, fmt.Errorf("parse grammars[%d]: %w", index, err)
		}
	}
	grammar, err := tally.ResolveGrammar(strings.TrimSpace(parsed.Grammar), parsed.Grammars)
	if err != nil {
		return Config{}, fmt.Errorf("parse grammar: %w", err)
	}
	cfg.Grammar = grammar

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks that cfg can drive the module.
func (c Config) Validate() error {
	if err := c.LogTarget.Validate(); err != nil {
		return fmt.Errorf("parse log_conversation: %w", err)
	}
	if err := c.SummaryTarget.Validate(); err != nil {
		return fmt.Errorf("parse summary_conversation: %w", err)
	}
	if c.Interval <= 0 {
		return fmt.Errorf("parse interval: must be > 0")
	}
	if c.FetchWindow <= 0 {
		return fmt.Errorf("parse fetch_window: must be > 0")
	}
	if c.PurgeBatchSize <= 0 {
		return fmt.Errorf("parse purge_batch_size: must be > 0")
	}
	if c.PurgePace < 0 {
		return fmt.Errorf("parse purge_pace: must be >= 0")
	}
	if c.SuspendTimeout <= 0 {
		return fmt.Errorf("parse suspend_timeout: must be > 0")
	}
	if c.ResetTimeout <= 0 {
		return fmt.Errorf("parse reset_timeout: must be > 0")
	}
	if err := c.Cohorts.Validate(); err != nil {
		return fmt.Errorf("parse cohorts: %w", err)
	}

	return nil
}

func (c Config) renderOptions() tally.RenderOptions {
	return tally.RenderOptions{
		Title:        c.Title,
		ResetTitle:   c.ResetTitle,
		ItemLabel:    c.ItemLabel,
		Interval:     c.Interval,
		ResetCommand: string(otogi.CommandPrefixSlash) + resetCommandName,
	}
}

func (c fileConversation) target() otogi.OutboundTarget {
	target := otogi.OutboundTarget{
		Conversation: otogi.Conversation{
			ID:   strings.TrimSpace(c.ID),
			Type: otogi.ConversationType(strings.TrimSpace(c.Type)),
		},
	}
	if sink := strings.TrimSpace(c.Sink); sink != "" {
		target.Sink = &otogi.EventSink{ID: sink}
	}

	return target
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}

	return ""
}
