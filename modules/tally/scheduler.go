package tally

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrAlreadySuspended indicates Suspend was called while the scheduler was suspended.
var ErrAlreadySuspended = errors.New("tally: aggregator already suspended")

// scheduler runs cycles on one goroutine: once at start, then every interval.
type scheduler struct {
	interval  time.Duration
	run       func(ctx context.Context) CycleOutcome
	onOutcome func(CycleOutcome)
	logger    *slog.Logger

	wake chan struct{}

	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	suspended bool
	inFlight  chan struct{}
}

func newScheduler(
	interval time.Duration,
	run func(ctx context.Context) CycleOutcome,
	logger *slog.Logger,
) *scheduler {
	return &scheduler{
		interval: interval,
		run:      run,
		logger:   logger,
		wake:     make(chan struct{}, 1),
	}
}

// Start launches the cycle loop, which runs until Stop.
func (s *scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return fmt.Errorf("start scheduler: already started")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)

	return nil
}

// Stop cancels the loop and waits for the in-flight cycle up to ctx.
func (s *scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop scheduler: %w", ctx.Err())
	}
}

// Suspend stops future cycles and waits for the in-flight one up to ctx.
//
// The scheduler stays suspended even when waiting fails.
func (s *scheduler) Suspend(ctx context.Context) error {
	s.mu.Lock()
	if s.suspended {
		s.mu.Unlock()
		return ErrAlreadySuspended
	}
	s.suspended = true
	inFlight := s.inFlight
	s.mu.Unlock()

	if inFlight == nil {
		return nil
	}

	select {
	case <-inFlight:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("suspend aggregator: wait for in-flight cycle: %w", ctx.Err())
	}
}

// Resume lifts a suspension and triggers an immediate cycle.
// It reports whether the scheduler was suspended.
func (s *scheduler) Resume() bool {
	s.mu.Lock()
	wasSuspended := s.suspended
	s.suspended = false
	s.mu.Unlock()

	if wasSuspended {
		s.Trigger()
	}

	return wasSuspended
}

// Trigger requests a cycle without waiting for the next period.
func (s *scheduler) Trigger() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-s.wake:
		}

		s.runOnce(ctx)
		timer.Reset(s.interval)
	}
}

func (s *scheduler) runOnce(ctx context.Context) {
	s.mu.Lock()
	if s.suspended {
		s.mu.Unlock()
		s.report(ctx, CycleOutcome{Status: CycleSkipped})
		return
	}
	inFlight := make(chan struct{})
	s.inFlight = inFlight
	s.mu.Unlock()

	outcome := s.runSafely(ctx)

	s.mu.Lock()
	s.inFlight = nil
	close(inFlight)
	s.mu.Unlock()

	s.report(ctx, outcome)
}

func (s *scheduler) runSafely(ctx context.Context) (outcome CycleOutcome) {
	defer func() {
		if recovered := recover(); recovered != nil {
			outcome = CycleOutcome{Status: CycleAborted, Err: fmt.Errorf("cycle panic: %v", recovered)}
		}
	}()

	return s.run(ctx)
}

func (s *scheduler) report(ctx context.Context, outcome CycleOutcome) {
	switch outcome.Status {
	case CycleCompleted:
		s.logger.InfoContext(ctx, "aggregation cycle completed",
			"cycle_id", outcome.ID,
			"fetched", outcome.Fetched,
			"committed", outcome.Committed,
			"matched", outcome.Matched,
		)
	case CycleAborted:
		s.logger.ErrorContext(ctx, "aggregation cycle aborted, retrying next period",
			"cycle_id", outcome.ID,
			"fetched", outcome.Fetched,
			"committed", outcome.Committed,
			"error", outcome.Err,
		)
	default:
		s.logger.DebugContext(ctx, "aggregation cycle skipped", "cycle_id", outcome.ID)
	}

	if s.onOutcome != nil {
		s.onOutcome(outcome)
	}
}
