package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"ex-tally/internal/driver"
	"ex-tally/internal/health"
	"ex-tally/internal/kernel"
	"ex-tally/internal/storage/filestore"
	"ex-tally/internal/storage/sqlstore"
	"ex-tally/modules/help"
	"ex-tally/modules/pingpong"
	tallymodule "ex-tally/modules/tally"
	"ex-tally/pkg/otogi"
	"ex-tally/pkg/tally"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
)

// ledgerStore is a tally.Store that may hold resources until exit.
type ledgerStore interface {
	tally.Store
	io.Closer
}

func run() error {
	registry, err := driver.NewBuiltinRegistry()
	if err != nil {
		return fmt.Errorf("new builtin driver registry: %w", err)
	}
	cfg, err := loadConfig(registry)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.logLevel}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openLedgerStore(cfg.storage)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("close ledger store failed", "error", err)
		}
	}()
	ledger, err := tally.OpenLedger(ctx, store)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	logger.Info("ledger opened",
		"storage", cfg.storage.driver,
		"path", cfg.storage.path,
		"accounts", len(ledger.Entries()),
	)

	runtimes, err := registry.BuildEnabled(ctx, cfg.drivers, logger)
	if err != nil {
		return fmt.Errorf("build drivers: %w", err)
	}
	k := kernel.New(
		kernel.WithLogger(logger),
		kernel.WithModuleHookTimeout(cfg.moduleHookTimeout),
		kernel.WithShutdownTimeout(cfg.shutdownTimeout),
		kernel.WithDefaultHandlerTimeout(cfg.handlerTimeout),
		kernel.WithDefaultSubscriptionBuffer(cfg.subscriptionBuffer),
		kernel.WithDefaultSubscriptionWorkers(cfg.subscriptionWorkers),
		kernel.WithModuleRouting(cfg.routingDefault, cfg.moduleRoutes),
	)
	if err := assemble(ctx, k, runtimes, ledger, cfg.tally, logger); err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := k.Run(groupCtx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("run kernel: %w", err)
		}
		return nil
	})
	if cfg.health.Addr != "" {
		gin.SetMode(gin.ReleaseMode)
		probe := health.NewServer(cfg.health, logger)
		group.Go(func() error { return probe.Run(groupCtx) })
	}

	return group.Wait()
}

// assemble registers drivers, then the services modules require, then the
// modules themselves.
func assemble(
	ctx context.Context,
	k *kernel.Kernel,
	runtimes []driver.Runtime,
	ledger *tally.Ledger,
	tallyConfig tallymodule.Config,
	logger *slog.Logger,
) error {
	for _, runtime := range runtimes {
		if runtime.Driver == nil {
			continue
		}
		if err := k.RegisterDriver(runtime.Driver); err != nil {
			return fmt.Errorf("register driver %s: %w", runtime.Driver.Name(), err)
		}
	}

	services, err := driverServices(runtimes)
	if err != nil {
		return err
	}
	services[otogi.ServiceLogger] = logger
	for _, name := range []string{
		otogi.ServiceLogger,
		otogi.ServiceSinkDispatcher,
		otogi.ServiceLogSource,
		otogi.ServicePermissionChecker,
	} {
		if err := k.RegisterService(name, services[name]); err != nil {
			return fmt.Errorf("register service %s: %w", name, err)
		}
	}

	tallyModule, err := tallymodule.New(tallyConfig, ledger, tallymodule.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("new tally module: %w", err)
	}
	for _, module := range []otogi.Module{tallyModule, pingpong.New(), help.New()} {
		if err := k.RegisterModule(ctx, module); err != nil {
			return fmt.Errorf("register %s module: %w", module.Name(), err)
		}
	}

	return nil
}

// driverServices fans every platform service out over the built runtimes.
func driverServices(runtimes []driver.Runtime) (map[string]any, error) {
	sinks, err := driver.NewCompositeSinkDispatcher(runtimes)
	if err != nil {
		return nil, fmt.Errorf("build sink dispatcher: %w", err)
	}
	logs, err := driver.NewCompositeLogSource(runtimes)
	if err != nil {
		return nil, fmt.Errorf("build log source: %w", err)
	}
	permissions, err := driver.NewCompositePermissionChecker(runtimes)
	if err != nil {
		return nil, fmt.Errorf("build permission checker: %w", err)
	}

	return map[string]any{
		otogi.ServiceSinkDispatcher:    sinks,
		otogi.ServiceLogSource:         logs,
		otogi.ServicePermissionChecker: permissions,
	}, nil
}

func openLedgerStore(cfg storageConfig) (ledgerStore, error) {
	var (
		store ledgerStore
		err   error
	)
	switch cfg.driver {
	case storageDriverSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.path), 0o700); err != nil {
			return nil, fmt.Errorf("open sqlite ledger store: %w", err)
		}
		store, err = sqlstore.Open(cfg.path)
	case storageDriverFile:
		var files *filestore.Store
		files, err = filestore.New(cfg.path)
		store = unclosable{Store: files}
	default:
		return nil, fmt.Errorf("open ledger store: unsupported driver %q", cfg.driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s ledger store: %w", cfg.driver, err)
	}

	return store, nil
}

// unclosable adapts stores that hold nothing open between calls.
type unclosable struct {
	tally.Store
}

func (unclosable) Close() error { return nil }
