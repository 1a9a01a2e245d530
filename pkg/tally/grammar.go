package tally

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	// GrammarFruitChest is the default profile for "Fruit Chest" purchase logs.
	GrammarFruitChest = "fruit-chest"
	// GrammarFruitChestSpaced tolerates "Player : name" and "Purchased: x5" variants.
	GrammarFruitChestSpaced = "fruit-chest-spaced"
)

// Grammar describes how one upstream log format spells a purchase.
type Grammar struct {
	// Name identifies the profile in configuration and logs.
	Name string
	// ItemMarkers qualify a record when any of them occurs, case-insensitively.
	ItemMarkers []string
	// PurchaseMarker must occur, case-insensitively.
	PurchaseMarker string
	// Quantity captures the purchased count in its first group.
	Quantity *regexp.Regexp
	// Account captures the raw account name in its first group.
	Account *regexp.Regexp
}

// GrammarConfig is the serializable form of a grammar profile.
type GrammarConfig struct {
	Name            string   `json:"name"`
	ItemMarkers     []string `json:"item_markers"`
	PurchaseMarker  string   `json:"purchase_marker"`
	QuantityPattern string   `json:"quantity_pattern"`
	AccountPattern  string   `json:"account_pattern"`
}

var builtinGrammars = map[string]GrammarConfig{
	GrammarFruitChest: {
		Name:            GrammarFruitChest,
		ItemMarkers:     []string{"Fruit Chest"},
		PurchaseMarker:  "Purchased",
		QuantityPattern: `(?i)Purchased x(\d+)`,
		AccountPattern:  `Player:\s*([^(\r\n]+)`,
	},
	GrammarFruitChestSpaced: {
		Name:            GrammarFruitChestSpaced,
		ItemMarkers:     []string{"Fruit Chest"},
		PurchaseMarker:  "Purchased",
		QuantityPattern: `(?i)Purchased\s*:?\s*x\s*(\d+)`,
		AccountPattern:  `(?i)Player\s*:\s*([^(\r\n|]+)`,
	},
}

// BuiltinGrammarNames lists the profiles available without configuration.
func BuiltinGrammarNames() []string {
	return []string{GrammarFruitChest, GrammarFruitChestSpaced}
}

// CompileGrammar validates and compiles one grammar configuration.
func CompileGrammar(cfg GrammarConfig) (Grammar, error) {
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		return Grammar{}, fmt.Errorf("%w: missing name", ErrInvalidGrammar)
	}

	markers := make([]string, 0, len(cfg.ItemMarkers))
	for _, marker := range cfg.ItemMarkers {
		if trimmed := strings.TrimSpace(marker); trimmed != "" {
			markers = append(markers, trimmed)
		}
	}
	if len(markers) == 0 {
		return Grammar{}, fmt.Errorf("%w: %s has no item markers", ErrInvalidGrammar, name)
	}

	quantity, err := compileCapture(cfg.QuantityPattern)
	if err != nil {
		return Grammar{}, fmt.Errorf("%w: %s quantity_pattern: %w", ErrInvalidGrammar, name, err)
	}
	account, err := compileCapture(cfg.AccountPattern)
	if err != nil {
		return Grammar{}, fmt.Errorf("%w: %s account_pattern: %w", ErrInvalidGrammar, name, err)
	}

	return Grammar{
		Name:           name,
		ItemMarkers:    markers,
		PurchaseMarker: strings.TrimSpace(cfg.PurchaseMarker),
		Quantity:       quantity,
		Account:        account,
	}, nil
}

// ResolveGrammar returns the named profile from custom profiles or built-ins.
// Custom profiles shadow built-ins with the same name.
func ResolveGrammar(name string, custom []GrammarConfig) (Grammar, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = GrammarFruitChest
	}
	for _, cfg := range custom {
		if strings.TrimSpace(cfg.Name) == name {
			return CompileGrammar(cfg)
		}
	}
	cfg, ok := builtinGrammars[name]
	if !ok {
		return Grammar{}, fmt.Errorf("%w: %q", ErrUnknownGrammar, name)
	}

	return CompileGrammar(cfg)
}

func compileCapture(pattern string) (*regexp.Regexp, error) {
	if strings.TrimSpace(pattern) == "" {
		return nil, fmt.Errorf("empty pattern")
	}
	compiled, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", pattern, err)
	}
	if compiled.NumSubexp() < 1 {
		return nil, fmt.Errorf("pattern %q has no capture group", pattern)
	}

	return compiled, nil
}
