package tally

import (
	"fmt"
	"strconv"
	"strings"

	"ex-tally/pkg/otogi"
)

// PurchaseFact is one purchase attributed to one account.
type PurchaseFact struct {
	Account  string
	Quantity int64
}

// ExtractStatus explains the outcome of inspecting one record.
type ExtractStatus string

const (
	// ExtractMatched means the record yielded a fact for a tracked cohort.
	ExtractMatched ExtractStatus = "matched"
	// ExtractNoMatch means no text source satisfied the grammar.
	ExtractNoMatch ExtractStatus = "no_match"
	// ExtractUntracked means a purchase was parsed for an account outside every cohort.
	ExtractUntracked ExtractStatus = "untracked"
)

// Extraction is the detailed result of inspecting one record.
type Extraction struct {
	Status ExtractStatus
	Fact   PurchaseFact
	Cohort Cohort
	// Source names the text source that produced the fact: text, description or title.
	Source string
}

// Extractor turns log records into purchase facts. It holds no mutable state.
type Extractor struct {
	grammar Grammar
	cohorts Cohorts
}

// NewExtractor creates an extractor for one grammar profile and cohort list.
func NewExtractor(grammar Grammar, cohorts Cohorts) (*Extractor, error) {
	if grammar.Quantity == nil || grammar.Account == nil || len(grammar.ItemMarkers) == 0 {
		return nil, fmt.Errorf("new extractor: %w: %s is not compiled", ErrInvalidGrammar, grammar.Name)
	}
	if err := cohorts.Validate(); err != nil {
		return nil, fmt.Errorf("new extractor: %w", err)
	}

	return &Extractor{
		grammar: grammar,
		cohorts: append(Cohorts(nil), cohorts...),
	}, nil
}

// Extract returns the purchase fact carried by record, if any.
func (e *Extractor) Extract(record otogi.LogRecord) (PurchaseFact, bool) {
	extraction := e.Inspect(record)

	return extraction.Fact, extraction.Status == ExtractMatched
}

// Inspect tries the primary text, then the embed description, then the embed title.
func (e *Extractor) Inspect(record otogi.LogRecord) Extraction {
	for _, source := range textSources(record) {
		fact, ok := e.parse(source.text)
		if !ok {
			continue
		}

		cohort, tracked := e.cohorts.Classify(fact.Account)
		if !tracked {
			return Extraction{Status: ExtractUntracked, Fact: fact, Source: source.name}
		}

		return Extraction{Status: ExtractMatched, Fact: fact, Cohort: cohort, Source: source.name}
	}

	return Extraction{Status: ExtractNoMatch}
}

type textSource struct {
	name string
	text string
}

func textSources(record otogi.LogRecord) []textSource {
	sources := make([]textSource, 0, 3)
	if strings.TrimSpace(record.Text) != "" {
		sources = append(sources, textSource{name: "text", text: record.Text})
	}
	if record.Embed != nil {
		if strings.TrimSpace(record.Embed.Description) != "" {
			sources = append(sources, textSource{name: "description", text: record.Embed.Description})
		}
		if strings.TrimSpace(record.Embed.Title) != "" {
			sources = append(sources, textSource{name: "title", text: record.Embed.Title})
		}
	}

	return sources
}

func (e *Extractor) parse(text string) (PurchaseFact, bool) {
	lowered := strings.ToLower(text)
	if !containsAnyFold(lowered, e.grammar.ItemMarkers) {
		return PurchaseFact{}, false
	}
	if marker := e.grammar.PurchaseMarker; marker != "" && !strings.Contains(lowered, strings.ToLower(marker)) {
		return PurchaseFact{}, false
	}

	quantityMatch := e.grammar.Quantity.FindStringSubmatch(text)
	if len(quantityMatch) < 2 {
		return PurchaseFact{}, false
	}
	quantity, err := strconv.ParseInt(quantityMatch[1], 10, 64)
	if err != nil || quantity <= 0 {
		return PurchaseFact{}, false
	}

	accountMatch := e.grammar.Account.FindStringSubmatch(text)
	if len(accountMatch) < 2 {
		return PurchaseFact{}, false
	}
	account, _, _ := strings.Cut(accountMatch[1], "(")
	account = strings.TrimSpace(account)
	if account == "" {
		return PurchaseFact{}, false
	}

	return PurchaseFact{Account: account, Quantity: quantity}, true
}

func containsAnyFold(lowered string, markers []string) bool {
	for _, marker := range markers {
		if strings.Contains(lowered, strings.ToLower(marker)) {
			return true
		}
	}

	return false
}
