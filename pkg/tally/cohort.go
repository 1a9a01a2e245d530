package tally

import (
	"fmt"
	"strings"
)

// Cohort groups accounts whose names contain one of its matchers.
type Cohort struct {
	// Key is the stable identifier used in configuration and logs.
	Key string `json:"key"`
	// Label is the display name used in summaries.
	Label string `json:"label"`
	// Match lists case-insensitive substrings selecting member accounts.
	Match []string `json:"match"`
	// Emoji decorates the cohort line in summaries.
	Emoji string `json:"emoji"`
}

// Contains reports whether account belongs to the cohort.
func (c Cohort) Contains(account string) bool {
	lowered := strings.ToLower(account)
	for _, matcher := range c.Match {
		matcher = strings.TrimSpace(matcher)
		if matcher == "" {
			continue
		}
		if strings.Contains(lowered, strings.ToLower(matcher)) {
			return true
		}
	}

	return false
}

// Cohorts is an ordered cohort list; earlier cohorts win overlapping accounts.
type Cohorts []Cohort

// DefaultCohorts returns the two account families tracked out of the box.
func DefaultCohorts() Cohorts {
	return Cohorts{
		{Key: "ruan", Label: "Ruan", Match: []string{"ruan"}, Emoji: "📦"},
		{Key: "arcan", Label: "Arcan", Match: []string{"arcan"}, Emoji: "🐟"},
	}
}

// Classify returns the first cohort containing account.
func (c Cohorts) Classify(account string) (Cohort, bool) {
	for _, cohort := range c {
		if cohort.Contains(account) {
			return cohort, true
		}
	}

	return Cohort{}, false
}

// Member returns a predicate selecting accounts classified into the cohort with key.
func (c Cohorts) Member(key string) func(account string) bool {
	return func(account string) bool {
		cohort, ok := c.Classify(account)
		return ok && cohort.Key == key
	}
}

// Normalize returns a copy with keys and matchers trimmed, matchers lowered
// and blank matchers dropped.
func (c Cohorts) Normalize() Cohorts {
	normalized := make(Cohorts, 0, len(c))
	for _, cohort := range c {
		cohort.Key = strings.TrimSpace(cohort.Key)
		match := make([]string, 0, len(cohort.Match))
		for _, matcher := range cohort.Match {
			if matcher = strings.ToLower(strings.TrimSpace(matcher)); matcher != "" {
				match = append(match, matcher)
			}
		}
		cohort.Match = match
		normalized = append(normalized, cohort)
	}

	return normalized
}

// Validate checks keys are unique and every cohort can match something.
func (c Cohorts) Validate() error {
	if len(c) == 0 {
		return fmt.Errorf("validate cohorts: at least one cohort is required")
	}

	seen := make(map[string]struct{}, len(c))
	for index, cohort := range c {
		key := strings.TrimSpace(cohort.Key)
		if key == "" {
			return fmt.Errorf("validate cohorts[%d]: missing key", index)
		}
		if _, exists := seen[key]; exists {
			return fmt.Errorf("validate cohorts[%d]: duplicate key %q", index, key)
		}
		seen[key] = struct{}{}

		hasMatcher := false
		for _, matcher := range cohort.Match {
			if strings.TrimSpace(matcher) != "" {
				hasMatcher = true
				break
			}
		}
		if !hasMatcher {
			return fmt.Errorf("validate cohorts[%d] %s: no match substrings", index, key)
		}
	}

	return nil
}
