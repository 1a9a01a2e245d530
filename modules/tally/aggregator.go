package tally

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"ex-tally/pkg/otogi"
	"ex-tally/pkg/tally"

	"github.com/google/uuid"
)

// CycleStatus classifies how one aggregation cycle ended.
type CycleStatus string

const (
	// CycleCompleted means records were folded and the summary was published.
	CycleCompleted CycleStatus = "completed"
	// CycleAborted means the cycle stopped early; the next period retries.
	CycleAborted CycleStatus = "aborted"
	// CycleSkipped means no cycle ran, for example while a reset holds the aggregator.
	CycleSkipped CycleStatus = "skipped"
)

// CycleOutcome reports one aggregation cycle.
type CycleOutcome struct {
	// ID correlates log lines of one cycle.
	ID     string
	Status CycleStatus
	// Fetched counts records returned by the log source.
	Fetched int
	// Committed counts records newer than the checkpoint.
	Committed int
	// Matched counts records that yielded a tracked purchase.
	Matched int
	// Err is the abort cause.
	Err error
}

var errResetDuringCycle = errors.New("tally reset during cycle")

// aggregator runs the fetch, extract, fold and publish cycle.
type aggregator struct {
	source    otogi.LogSource
	target    otogi.OutboundTarget
	window    int
	ledger    *tally.Ledger
	extractor *tally.Extractor
	cohorts   tally.Cohorts
	publisher *publisher
	state     *ledgerState
	logger    *slog.Logger
}

// RunCycle runs one aggregation cycle.
func (a *aggregator) RunCycle(ctx context.Context) CycleOutcome {
	outcome := CycleOutcome{ID: uuid.NewString()}
	logger := a.logger.With("cycle_id", outcome.ID)

	if err := ctx.Err(); err != nil {
		outcome.Status = CycleSkipped
		outcome.Err = err
		return outcome
	}

	epoch := a.state.currentEpoch()
	request := otogi.FetchRecordsRequest{Target: a.target, Limit: a.window}
	if checkpoint, ok := a.ledger.Checkpoint(); ok {
		request.After = &checkpoint
	}

	records, err := a.source.FetchRecords(ctx, request)
	if err != nil {
		return abort(outcome, fmt.Errorf("fetch records: %w", err))
	}
	outcome.Fetched = len(records)

	slices.SortFunc(records, func(left, right otogi.LogRecord) int {
		return cmp.Compare(left.ID, right.ID)
	})

	for _, record := range records {
		if err := ctx.Err(); err != nil {
			return abort(outcome, fmt.Errorf("fold records: %w", err))
		}

		extraction := a.extractor.Inspect(record)
		var fact *tally.PurchaseFact
		switch extraction.Status {
		case tally.ExtractMatched:
			fact = &extraction.Fact
		case tally.ExtractUntracked:
			logger.DebugContext(ctx, "purchase for untracked account ignored",
				"record_id", record.ID,
				"account", extraction.Fact.Account,
			)
		}

		applied, err := a.commit(ctx, epoch, record.ID, fact)
		if err != nil {
			return abort(outcome, fmt.Errorf("commit record %d: %w", record.ID, err))
		}
		if !applied {
			continue
		}
		outcome.Committed++
		if fact != nil {
			outcome.Matched++
			logger.InfoContext(ctx, "purchase recorded",
				"record_id", record.ID,
				"account", fact.Account,
				"quantity", fact.Quantity,
				"cohort", extraction.Cohort.Key,
				"source", extraction.Source,
			)
		}
	}

	if err := a.publisher.Publish(ctx, tally.Summarize(a.ledger, a.cohorts)); err != nil {
		return abort(outcome, fmt.Errorf("publish summary: %w", err))
	}
	outcome.Status = CycleCompleted

	return outcome
}

// commit holds the state mutex only around the ledger write. Records fetched
// before a reset are refused; their log messages are already purged.
func (a *aggregator) commit(
	ctx context.Context,
	epoch uint64,
	id otogi.RecordID,
	fact *tally.PurchaseFact,
) (bool, error) {
	a.state.Lock()
	defer a.state.Unlock()

	if a.state.epoch != epoch {
		return false, errResetDuringCycle
	}

	return a.ledger.Commit(ctx, id, fact)
}

func abort(outcome CycleOutcome, err error) CycleOutcome {
	outcome.Status = CycleAborted
	outcome.Err = err

	return outcome
}
