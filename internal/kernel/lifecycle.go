package kernel

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"ex-tally/pkg/otogi"
)

// Run starts modules, runs drivers, and blocks until ctx ends or a driver
// fails. Shutdown always runs; cancellation of ctx is not an error.
func (k *Kernel) Run(ctx context.Context) error {
	if !k.running.CompareAndSwap(false, true) {
		return errors.New("kernel run: already running")
	}
	defer k.running.Store(false)

	modules, drivers := k.snapshot()
	k.cfg.logger.InfoContext(ctx, "kernel starting",
		"services", k.services.Names(),
		"modules", len(modules),
		"drivers", len(drivers),
	)

	if err := k.startModules(ctx, modules); err != nil {
		return errors.Join(err, k.shutdown(ctx, modules, nil))
	}
	runErr := k.runDrivers(ctx, drivers)
	if isCancellation(runErr) {
		runErr = nil
	}

	return errors.Join(runErr, k.shutdown(ctx, modules, drivers))
}

func (k *Kernel) startModules(ctx context.Context, modules []*moduleRecord) error {
	for _, record := range modules {
		err := k.hook(ctx, "module "+record.name+" OnStart", record.module.OnStart)
		if err != nil {
			return fmt.Errorf("start module %s: %w", record.name, err)
		}
		k.cfg.logger.DebugContext(ctx, "module started", "module", record.name)
	}

	return nil
}

// runDrivers returns once ctx ends, a driver fails, or every driver returns.
// Drivers still running after that get the shutdown timeout to notice.
func (k *Kernel) runDrivers(ctx context.Context, drivers []otogi.Driver) error {
	if len(drivers) == 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	dispatcher := &commandDispatcher{bus: k.bus, commands: k.commands, report: k.report}
	group, groupCtx := errgroup.WithContext(ctx)
	for _, driver := range drivers {
		group.Go(func() error {
			err := runSafely("driver "+driver.Name()+" Start", func() error {
				return driver.Start(groupCtx, dispatcher)
			})
			if err != nil && !isCancellation(err) {
				return fmt.Errorf("run driver %s: %w", driver.Name(), err)
			}
			return nil
		})
	}

	done := make(chan error, 1)
	go func() { done <- group.Wait() }()

	select {
	case err := <-done:
		return cmp.Or(err, ctx.Err())
	case <-groupCtx.Done():
	}

	grace := time.NewTimer(k.cfg.shutdownTimeout)
	defer grace.Stop()
	select {
	case err := <-done:
		return cmp.Or(err, ctx.Err())
	case <-grace.C:
		k.cfg.logger.WarnContext(ctx, "drivers still running after shutdown timeout",
			"timeout", k.cfg.shutdownTimeout,
		)
		if cause := context.Cause(groupCtx); !isCancellation(cause) {
			return cause
		}
		return ctx.Err()
	}
}

// shutdown stops drivers, then modules, then the bus, all in reverse
// registration order and inside one window that outlives ctx.
func (k *Kernel) shutdown(ctx context.Context, modules []*moduleRecord, drivers []otogi.Driver) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), k.cfg.shutdownTimeout)
	defer cancel()

	var errs []error
	for _, driver := range slices.Backward(drivers) {
		name := driver.Name()
		err := runSafely("driver "+name+" Shutdown", func() error { return driver.Shutdown(ctx) })
		if err != nil {
			errs = append(errs, fmt.Errorf("shutdown driver %s: %w", name, err))
		}
	}
	for _, record := range slices.Backward(modules) {
		if err := record.closeSubscriptions(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown module %s subscriptions: %w", record.name, err))
		}
		if err := k.hook(ctx, "module "+record.name+" OnShutdown", record.module.OnShutdown); err != nil {
			errs = append(errs, fmt.Errorf("shutdown module %s: %w", record.name, err))
		}
	}
	errs = append(errs, k.bus.Close(ctx))

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("kernel shutdown: %w", err)
	}

	return nil
}

// hook runs one module lifecycle call under the hook timeout.
func (k *Kernel) hook(ctx context.Context, scope string, fn func(context.Context) error) error {
	hookCtx, cancel := context.WithTimeout(ctx, k.cfg.hookTimeout)
	defer cancel()

	return runSafely(scope, func() error { return fn(hookCtx) })
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
