package tally

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"ex-tally/pkg/otogi"
	"ex-tally/pkg/tally"
)

// suspender pauses and resumes the aggregation loop.
type suspender interface {
	Suspend(ctx context.Context) error
	Resume() bool
}

// resetCoordinator wipes the tally, purges the log conversation and republishes
// a zeroed summary while the aggregator is suspended.
type resetCoordinator struct {
	cfg         Config
	dispatcher  otogi.SinkDispatcher
	source      otogi.LogSource
	permissions otogi.PermissionChecker
	ledger      *tally.Ledger
	publisher   *publisher
	aggregation suspender
	state       *ledgerState
	logger      *slog.Logger

	running atomic.Bool
}

// resetReport summarizes one reset run for the progress notice.
type resetReport struct {
	purged     int
	purgeErr   error
	publishErr error
}

// Handle runs one reset command event.
func (r *resetCoordinator) Handle(ctx context.Context, event *otogi.Event) error {
	target, err := otogi.OutboundTargetFromEvent(event)
	if err != nil {
		return fmt.Errorf("reset derive target: %w", err)
	}
	replyTo := event.Message.ID
	logger := r.logger.With("actor_id", event.Actor.ID, "conversation_id", event.Conversation.ID)

	allowed, err := r.isAdministrator(ctx, target, event.Actor)
	if err != nil {
		logger.WarnContext(ctx, "reset permission check failed", "error", err)
		allowed = false
	}
	if !allowed {
		return r.reply(ctx, target, replyTo, "⛔ Only administrators can reset the tally.")
	}
	if !target.SameConversation(r.cfg.SummaryTarget) {
		return r.reply(ctx, target, replyTo, "⚠️ Run this command in the summary conversation.")
	}
	if !r.running.CompareAndSwap(false, true) {
		return r.reply(ctx, target, replyTo, "⏳ A reset is already running.")
	}
	defer r.running.Store(false)

	logger.InfoContext(ctx, "tally reset started")
	notice := r.postNotice(ctx, target, replyTo)

	report, err := r.run(ctx, notice)
	if err != nil {
		r.editNotice(ctx, notice, fmt.Sprintf("❌ Reset failed: %v", err))
		return fmt.Errorf("reset: %w", err)
	}

	r.editNotice(ctx, notice, report.String())
	logger.InfoContext(ctx, "tally reset finished",
		"purged", report.purged,
		"purge_error", report.purgeErr,
		"publish_error", report.publishErr,
	)

	return errors.Join(report.purgeErr, report.publishErr)
}

// run performs the reset protocol; the aggregator is resumed on every path.
func (r *resetCoordinator) run(ctx context.Context, notice *otogi.OutboundMessage) (resetReport, error) {
	suspendCtx, cancel := context.WithTimeout(ctx, r.cfg.SuspendTimeout)
	err := r.aggregation.Suspend(suspendCtx)
	cancel()
	switch {
	case errors.Is(err, ErrAlreadySuspended):
		r.logger.InfoContext(ctx, "aggregator already suspended")
	case err != nil:
		r.logger.WarnContext(ctx, "aggregator suspend incomplete, resetting anyway", "error", err)
	}
	defer r.aggregation.Resume()

	r.state.Lock()
	r.state.epoch++
	err = r.ledger.Reset(ctx)
	previousSummary := ""
	if err == nil {
		previousSummary = r.publisher.Drop()
	}
	r.state.Unlock()
	if err != nil {
		return resetReport{}, fmt.Errorf("clear ledger: %w", err)
	}

	var report resetReport
	report.purged, report.purgeErr = r.purge(ctx, notice)

	if previousSummary != "" {
		err := r.dispatcher.DeleteMessage(ctx, otogi.DeleteMessageRequest{
			Target:    r.cfg.SummaryTarget,
			MessageID: previousSummary,
			Revoke:    true,
		})
		if err != nil && !errors.Is(err, otogi.ErrMessageNotFound) {
			r.logger.WarnContext(ctx, "delete previous summary failed",
				"message_id", previousSummary,
				"error", err,
			)
		}
	}

	if err := r.publisher.Publish(ctx, tally.ZeroSummary(r.cfg.Cohorts)); err != nil {
		report.publishErr = fmt.Errorf("publish reset summary: %w", err)
	}

	return report, nil
}

// maxPurgeRetries bounds consecutive retryable failures of one purge batch.
const maxPurgeRetries = 3

// purge deletes log records batch by batch until a batch deletes nothing.
// Rate-limited and temporary failures are retried after the platform's
// requested delay.
func (r *resetCoordinator) purge(ctx context.Context, notice *otogi.OutboundMessage) (int, error) {
	total, retries := 0, 0
	for {
		deleted, err := r.source.PurgeRecords(ctx, otogi.PurgeRecordsRequest{
			Target: r.cfg.LogTarget,
			Limit:  r.cfg.PurgeBatchSize,
		})
		if err != nil {
			delay, retryable := otogi.OutboundRetryDelay(err, r.cfg.PurgePace)
			if !retryable || retries >= maxPurgeRetries {
				return total, fmt.Errorf("purge log after %d records: %w", total, err)
			}
			retries++
			r.logger.WarnContext(ctx, "purge batch throttled",
				"retry", retries,
				"delay", delay,
				"error", err,
			)
			if err := sleepContext(ctx, delay); err != nil {
				return total, fmt.Errorf("purge log after %d records: %w", total, err)
			}
			continue
		}
		retries = 0
		if deleted == 0 {
			return total, nil
		}
		total += deleted
		r.editNotice(ctx, notice, fmt.Sprintf("🧹 Resetting… %d log messages deleted so far.", total))

		if err := sleepContext(ctx, r.cfg.PurgePace); err != nil {
			return total, fmt.Errorf("purge log after %d records: %w", total, err)
		}
	}
}

func (r *resetCoordinator) isAdministrator(
	ctx context.Context,
	target otogi.OutboundTarget,
	actor otogi.Actor,
) (bool, error) {
	if actor.ID != "" && slices.Contains(r.cfg.Admins, actor.ID) {
		return true, nil
	}
	if r.permissions == nil {
		return false, nil
	}

	return r.permissions.IsAdministrator(ctx, target, actor)
}

func (r *resetCoordinator) postNotice(
	ctx context.Context,
	target otogi.OutboundTarget,
	replyTo string,
) *otogi.OutboundMessage {
	notice, err := r.dispatcher.SendMessage(ctx, otogi.SendMessageRequest{
		Target:           target,
		Text:             "🧹 Resetting the tally and purging the log conversation…",
		ReplyToMessageID: replyTo,
	})
	if err != nil {
		r.logger.WarnContext(ctx, "post reset notice failed", "error", err)
		return nil
	}

	return notice
}

func (r *resetCoordinator) editNotice(ctx context.Context, notice *otogi.OutboundMessage, text string) {
	if notice == nil {
		return
	}
	err := r.dispatcher.EditMessage(ctx, otogi.EditMessageRequest{
		Target:    notice.Target,
		MessageID: notice.ID,
		Text:      text,
	})
	if err != nil {
		r.logger.WarnContext(ctx, "edit reset notice failed", "error", err)
	}
}

func (r *resetCoordinator) reply(ctx context.Context, target otogi.OutboundTarget, replyTo string, text string) error {
	_, err := r.dispatcher.SendMessage(ctx, otogi.SendMessageRequest{
		Target:           target,
		Text:             text,
		ReplyToMessageID: replyTo,
	})
	if err != nil {
		return fmt.Errorf("reset reply: %w", err)
	}

	return nil
}

func (r resetReport) String() string {
	text := fmt.Sprintf("✅ Tally reset. %d log messages deleted.", r.purged)
	if r.purgeErr != nil {
		text += " Purge stopped early; some log messages may remain."
	}
	if r.publishErr != nil {
		text += " The new summary could not be posted yet; the next cycle retries."
	}

	return text
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
