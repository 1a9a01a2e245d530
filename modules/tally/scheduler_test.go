package tally

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

const schedulerWait = 5 * time.Second

func newTestScheduler(run func(ctx context.Context) CycleOutcome) (*scheduler, <-chan CycleOutcome) {
	outcomes := make(chan CycleOutcome, 16)
	s := newScheduler(time.Hour, run, discardLogger())
	s.onOutcome = func(outcome CycleOutcome) {
		outcomes <- outcome
	}

	return s, outcomes
}

func completedRun(context.Context) CycleOutcome {
	return CycleOutcome{ID: "cycle", Status: CycleCompleted}
}

func awaitOutcome(t *testing.T, outcomes <-chan CycleOutcome) CycleOutcome {
	t.Helper()

	select {
	case outcome := <-outcomes:
		return outcome
	case <-time.After(schedulerWait):
		t.Fatal("timed out waiting for cycle outcome")
		return CycleOutcome{}
	}
}

func stopScheduler(t *testing.T, s *scheduler) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), schedulerWait)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
}

func TestSchedulerRunsImmediatelyAndOnTrigger(t *testing.T) {
	t.Parallel()

	s, outcomes := newTestScheduler(completedRun)
	if err := s.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer stopScheduler(t, s)

	if err := s.Start(); err == nil {
		t.Fatal("expected second start to fail")
	}

	if outcome := awaitOutcome(t, outcomes); outcome.Status != CycleCompleted {
		t.Fatalf("first status = %s, want completed", outcome.Status)
	}

	s.Trigger()
	if outcome := awaitOutcome(t, outcomes); outcome.Status != CycleCompleted {
		t.Fatalf("triggered status = %s, want completed", outcome.Status)
	}
}

func TestSchedulerSuspendWaitsForInFlightCycle(t *testing.T) {
	t.Parallel()

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	s, outcomes := newTestScheduler(func(ctx context.Context) CycleOutcome {
		select {
		case started <- struct{}{}:
		default:
		}
		select {
		case <-release:
		case <-ctx.Done():
		}
		return CycleOutcome{Status: CycleCompleted}
	})
	if err := s.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer stopScheduler(t, s)

	<-started
	suspended := make(chan error, 1)
	go func() {
		suspended <- s.Suspend(context.Background())
	}()

	select {
	case err := <-suspended:
		t.Fatalf("suspend returned before the cycle finished: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-suspended:
		if err != nil {
			t.Fatalf("suspend failed: %v", err)
		}
	case <-time.After(schedulerWait):
		t.Fatal("suspend did not return after the cycle finished")
	}
	if outcome := awaitOutcome(t, outcomes); outcome.Status != CycleCompleted {
		t.Fatalf("in-flight status = %s, want completed", outcome.Status)
	}

	s.Trigger()
	if outcome := awaitOutcome(t, outcomes); outcome.Status != CycleSkipped {
		t.Fatalf("status while suspended = %s, want skipped", outcome.Status)
	}

	if err := s.Suspend(context.Background()); !errors.Is(err, ErrAlreadySuspended) {
		t.Fatalf("second suspend error = %v, want ErrAlreadySuspended", err)
	}

	if !s.Resume() {
		t.Fatal("resume should report a lifted suspension")
	}
	if outcome := awaitOutcome(t, outcomes); outcome.Status != CycleCompleted {
		t.Fatalf("status after resume = %s, want completed", outcome.Status)
	}
	if s.Resume() {
		t.Fatal("resume without suspension should report false")
	}
}

func TestSchedulerSuspendTimeout(t *testing.T) {
	t.Parallel()

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	s, _ := newTestScheduler(func(ctx context.Context) CycleOutcome {
		select {
		case started <- struct{}{}:
		default:
		}
		select {
		case <-release:
		case <-ctx.Done():
		}
		return CycleOutcome{Status: CycleCompleted}
	})
	if err := s.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer stopScheduler(t, s)
	defer close(release)

	<-started
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := s.Suspend(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("suspend error = %v, want deadline exceeded", err)
	}
	if !s.Resume() {
		t.Fatal("scheduler should stay suspended after a suspend timeout")
	}
}

func TestSchedulerRecoversPanickingCycle(t *testing.T) {
	t.Parallel()

	s, outcomes := newTestScheduler(func(context.Context) CycleOutcome {
		panic("boom")
	})
	if err := s.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer stopScheduler(t, s)

	outcome := awaitOutcome(t, outcomes)
	if outcome.Status != CycleAborted {
		t.Fatalf("status = %s, want aborted", outcome.Status)
	}
	if outcome.Err == nil || !strings.Contains(outcome.Err.Error(), "boom") {
		t.Fatalf("error = %v, want panic value", outcome.Err)
	}

	s.Trigger()
	if outcome := awaitOutcome(t, outcomes); outcome.Status != CycleAborted {
		t.Fatalf("loop should survive the panic, got %s", outcome.Status)
	}
}

func TestSchedulerStopWithoutStart(t *testing.T) {
	t.Parallel()

	s, _ := newTestScheduler(completedRun)
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("stop without start failed: %v", err)
	}
}
