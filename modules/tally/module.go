package tally

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"ex-tally/pkg/otogi"
	"ex-tally/pkg/tally"
)

const (
	resetCommandName  = "reset"
	lookupCommandName = "lookup"
)

// Option mutates tally module configuration.
type Option func(*Module)

// WithLogger injects a logger directly, bypassing service lookup.
func WithLogger(logger *slog.Logger) Option {
	return func(module *Module) {
		if logger != nil {
			module.logger = logger
		}
	}
}

// ledgerState serializes ledger and summary reference mutations between the
// aggregator and reset. epoch counts resets; a cycle that fetched under an
// older epoch must not commit.
type ledgerState struct {
	sync.Mutex
	epoch uint64
}

func (s *ledgerState) currentEpoch() uint64 {
	s.Lock()
	defer s.Unlock()

	return s.epoch
}

// Module aggregates purchase facts from a log conversation into a live summary.
type Module struct {
	cfg       Config
	ledger    *tally.Ledger
	extractor *tally.Extractor
	logger    *slog.Logger

	state ledgerState

	dispatcher  otogi.SinkDispatcher
	source      otogi.LogSource
	permissions otogi.PermissionChecker

	publisher  *publisher
	aggregator *aggregator
	scheduler  *scheduler
	resetter   *resetCoordinator
}

// New creates a tally module backed by an opened ledger.
func New(cfg Config, ledger *tally.Ledger, options ...Option) (*Module, error) {
	if ledger == nil {
		return nil, fmt.Errorf("new tally module: nil ledger")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("new tally module: %w", err)
	}
	extractor, err := tally.NewExtractor(cfg.Grammar, cfg.Cohorts)
	if err != nil {
		return nil, fmt.Errorf("new tally module: %w", err)
	}

	module := &Module{
		cfg:       cfg,
		ledger:    ledger,
		extractor: extractor,
	}
	for _, option := range options {
		option(module)
	}

	return module, nil
}

// Name returns the stable module identifier.
func (m *Module) Name() string {
	return "tally"
}

// Spec declares the reset and lookup commands.
func (m *Module) Spec() otogi.ModuleSpec {
	return otogi.ModuleSpec{
		Handlers: []otogi.ModuleHandler{
			{
				Capability: otogi.Capability{
					Name:        "tally-reset-command",
					Description: "clears the tally and purges the log conversation",
					Interest: otogi.InterestSet{
						Kinds:          []otogi.EventKind{otogi.EventKindCommandReceived},
						Commands:       []string{resetCommandName},
						RequireMessage: true,
					},
					RequiredServices: []string{
						otogi.ServiceSinkDispatcher,
						otogi.ServiceLogSource,
						otogi.ServicePermissionChecker,
					},
				},
				Subscription: otogi.SubscriptionSpec{
					Name:           "tally-reset",
					Buffer:         4,
					Workers:        1,
					HandlerTimeout: m.cfg.ResetTimeout,
				},
				Handler: m.handleReset,
			},
			{
				Capability: otogi.Capability{
					Name:        "tally-lookup-command",
					Description: "replies with the totals of matching accounts",
					Interest: otogi.InterestSet{
						Kinds:          []otogi.EventKind{otogi.EventKindCommandReceived},
						Commands:       []string{lookupCommandName},
						RequireMessage: true,
					},
					RequiredServices: []string{otogi.ServiceSinkDispatcher},
				},
				Subscription: otogi.SubscriptionSpec{Name: "tally-lookup"},
				Handler:      m.handleLookup,
			},
		},
		Commands: []otogi.CommandSpec{
			{
				Name:        resetCommandName,
				Aliases:     []string{"reiniciar", "limpar"},
				Description: "admins only: zero the tally and purge the log conversation",
			},
			{
				Name:        lookupCommandName,
				Description: "show purchase totals of accounts matching a name",
				Usage:       "<name>",
			},
		},
	}
}

// OnRegister resolves services and wires the aggregation pipeline.
func (m *Module) OnRegister(_ context.Context, runtime otogi.ModuleRuntime) error {
	services := runtime.Services()

	dispatcher, err := otogi.ResolveAs[otogi.SinkDispatcher](services, otogi.ServiceSinkDispatcher)
	if err != nil {
		return fmt.Errorf("tally resolve sink dispatcher: %w", err)
	}
	source, err := otogi.ResolveAs[otogi.LogSource](services, otogi.ServiceLogSource)
	if err != nil {
		return fmt.Errorf("tally resolve log source: %w", err)
	}
	permissions, err := otogi.ResolveAs[otogi.PermissionChecker](services, otogi.ServicePermissionChecker)
	if err != nil {
		return fmt.Errorf("tally resolve permission checker: %w", err)
	}
	if m.logger == nil {
		if logger, err := otogi.ResolveAs[*slog.Logger](services, otogi.ServiceLogger); err == nil {
			m.logger = logger
		} else {
			m.logger = slog.Default()
		}
	}
	m.logger = m.logger.With("module", m.Name())

	m.dispatcher = dispatcher
	m.source = source
	m.permissions = permissions
	m.wire()

	return nil
}

func (m *Module) wire() {
	m.publisher = newPublisher(m.dispatcher, m.cfg.SummaryTarget, m.cfg.renderOptions(), m.logger)
	m.aggregator = &aggregator{
		source:    m.source,
		target:    m.cfg.LogTarget,
		window:    m.cfg.FetchWindow,
		ledger:    m.ledger,
		extractor: m.extractor,
		cohorts:   m.cfg.Cohorts,
		publisher: m.publisher,
		state:     &m.state,
		logger:    m.logger,
	}
	m.scheduler = newScheduler(m.cfg.Interval, m.aggregator.RunCycle, m.logger)
	m.resetter = &resetCoordinator{
		cfg:         m.cfg,
		dispatcher:  m.dispatcher,
		source:      m.source,
		permissions: m.permissions,
		ledger:      m.ledger,
		publisher:   m.publisher,
		aggregation: m.scheduler,
		state:       &m.state,
		logger:      m.logger,
	}
}

// OnStart starts the aggregation loop; the first cycle runs immediately.
func (m *Module) OnStart(_ context.Context) error {
	if m.scheduler == nil {
		return fmt.Errorf("tally start: module not registered")
	}
	if err := m.scheduler.Start(); err != nil {
		return fmt.Errorf("tally start: %w", err)
	}

	return nil
}

// OnShutdown stops the aggregation loop.
func (m *Module) OnShutdown(ctx context.Context) error {
	if m.scheduler == nil {
		return nil
	}
	if err := m.scheduler.Stop(ctx); err != nil {
		return fmt.Errorf("tally shutdown: %w", err)
	}

	return nil
}

func (m *Module) handleReset(ctx context.Context, event *otogi.Event) error {
	if event == nil || event.Command == nil || event.Message == nil {
		return nil
	}

	return m.resetter.Handle(ctx, event)
}

var (
	_ otogi.Module          = (*Module)(nil)
	_ otogi.ModuleRegistrar = (*Module)(nil)
)
