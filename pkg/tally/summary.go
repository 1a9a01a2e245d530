package tally

import (
	"fmt"
	"time"

	"ex-tally/pkg/otogi"
)

// CohortTotal is one cohort line of a summary.
type CohortTotal struct {
	Cohort Cohort
	Total  int64
}

// Summary is the view published as the control message.
type Summary struct {
	Cohorts    []CohortTotal
	GrandTotal int64
	// Reset marks the zeroed summary posted right after a reset.
	Reset bool
}

// Summarize computes per-cohort and grand totals from the ledger.
// An account counts only toward the first cohort it matches.
func Summarize(ledger *Ledger, cohorts Cohorts) Summary {
	summary := Summary{Cohorts: make([]CohortTotal, 0, len(cohorts))}
	for _, cohort := range cohorts {
		var total int64
		if ledger != nil {
			total = ledger.Totals(cohorts.Member(cohort.Key))
		}
		summary.Cohorts = append(summary.Cohorts, CohortTotal{Cohort: cohort, Total: total})
		summary.GrandTotal += total
	}

	return summary
}

// ZeroSummary returns the reset variant with every total at zero.
func ZeroSummary(cohorts Cohorts) Summary {
	summary := Summarize(nil, cohorts)
	summary.Reset = true

	return summary
}

// RenderOptions controls the fixed summary layout.
type RenderOptions struct {
	// Title heads the regular summary.
	Title string
	// ResetTitle heads the zeroed summary posted after a reset.
	ResetTitle string
	// ItemLabel names the counted item, e.g. "Fruit Chests".
	ItemLabel string
	// Interval is the refresh cadence mentioned in the caption.
	Interval time.Duration
	// ResetCommand is the command mentioned in the caption, including prefix.
	ResetCommand string
}

// Render lays out the summary as text plus formatting entities.
func Render(summary Summary, options RenderOptions) (string, []otogi.TextEntity) {
	itemLabel := options.ItemLabel
	if itemLabel == "" {
		itemLabel = "items"
	}

	var builder otogi.TextBuilder
	title := options.Title
	if summary.Reset && options.ResetTitle != "" {
		title = options.ResetTitle
	}
	builder.Styled(otogi.TextEntityTypeBold, "🏆 "+title)
	builder.Write("\n")

	for _, line := range summary.Cohorts {
		builder.Write("\n")
		builder.Styled(otogi.TextEntityTypeBold, fmt.Sprintf("%s %s purchases (%s* accounts)",
			line.Cohort.Emoji, line.Cohort.Label, line.Cohort.Label))
		builder.Write("\n")
		builder.Styled(otogi.TextEntityTypeBold, fmt.Sprintf("%d", line.Total))
		builder.Write(fmt.Sprintf(" %s purchased.\n", itemLabel))
	}

	builder.Write("\n")
	builder.Styled(otogi.TextEntityTypeBold, "📊 Group total")
	builder.Write("\n")
	builder.Styled(otogi.TextEntityTypeBold, fmt.Sprintf("%d", summary.GrandTotal))
	builder.Write(fmt.Sprintf(" %s.\n\n", itemLabel))

	if summary.Reset {
		builder.Styled(otogi.TextEntityTypeItalic, "Tally reset. The log conversation was purged.")
	} else {
		builder.Styled(otogi.TextEntityTypeItalic, fmt.Sprintf("Updated every %s. Use %s to purge the log and start over.",
			FormatCadence(options.Interval), options.ResetCommand))
	}

	return builder.Text(), builder.Entities()
}

// FormatCadence prints whole-minute intervals as "3 minutes", anything else as a duration.
func FormatCadence(interval time.Duration) string {
	if interval <= 0 {
		return "cycle"
	}
	if interval%time.Minute == 0 {
		minutes := int64(interval / time.Minute)
		if minutes == 1 {
			return "minute"
		}
		return fmt.Sprintf("%d minutes", minutes)
	}

	return interval.String()
}
