package kernel

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"time"

	"ex-tally/pkg/otogi"
)

type config struct {
	hookTimeout     time.Duration
	shutdownTimeout time.Duration
	// subscription holds the defaults for spec fields modules leave zero.
	subscription otogi.SubscriptionSpec
	logger       *slog.Logger

	defaultRoute *ModuleRoute
	moduleRoutes map[string]ModuleRoute
}

func defaultConfig() config {
	return config{
		hookTimeout:     5 * time.Second,
		shutdownTimeout: 10 * time.Second,
		subscription: otogi.SubscriptionSpec{
			Buffer:         256,
			Workers:        1,
			HandlerTimeout: 3 * time.Second,
			Backpressure:   otogi.BackpressureDropNewest,
		},
		logger: slog.Default(),
	}
}

// reportTo logs asynchronous failures. Drops are expected under load and
// logged as warnings; recovered panics carry their stack.
func reportTo(logger *slog.Logger) AsyncErrorFunc {
	return func(ctx context.Context, scope string, err error) {
		if errors.Is(err, otogi.ErrEventDropped) {
			logger.WarnContext(ctx, "kernel dropped event", "scope", scope, "error", err)
			return
		}

		attrs := []any{"scope", scope, "error", err}
		var panicked *PanicError
		if errors.As(err, &panicked) {
			attrs = append(attrs, "stack", string(panicked.Stack))
		}
		logger.ErrorContext(ctx, "kernel async error", attrs...)
	}
}

// ModuleRoute pins a module to the drivers it hears and the sink its
// outbound calls use when they name none.
type ModuleRoute struct {
	Sources []otogi.EventSource
	Sink    *otogi.EventSink
}

func (r ModuleRoute) clone() ModuleRoute {
	r.Sources = slices.Clone(r.Sources)
	if r.Sink != nil {
		sink := *r.Sink
		r.Sink = &sink
	}

	return r
}

// Option configures a Kernel.
type Option func(*config)

// positive applies set only to values above zero, so a zero option keeps the
// default.
func positive[T int | time.Duration](value T, set func(*config, T)) Option {
	return func(cfg *config) {
		if value > 0 {
			set(cfg, value)
		}
	}
}

// WithModuleHookTimeout bounds each OnRegister, OnStart and OnShutdown call.
func WithModuleHookTimeout(timeout time.Duration) Option {
	return positive(timeout, func(cfg *config, value time.Duration) { cfg.hookTimeout = value })
}

// WithShutdownTimeout bounds the whole shutdown sequence.
func WithShutdownTimeout(timeout time.Duration) Option {
	return positive(timeout, func(cfg *config, value time.Duration) { cfg.shutdownTimeout = value })
}

func WithDefaultSubscriptionBuffer(size int) Option {
	return positive(size, func(cfg *config, value int) { cfg.subscription.Buffer = value })
}

func WithDefaultSubscriptionWorkers(workers int) Option {
	return positive(workers, func(cfg *config, value int) { cfg.subscription.Workers = value })
}

func WithDefaultHandlerTimeout(timeout time.Duration) Option {
	return positive(timeout, func(cfg *config, value time.Duration) { cfg.subscription.HandlerTimeout = value })
}

// WithLogger sets the logger for kernel events and asynchronous failures.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *config) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithModuleRouting sets the route of modules without their own entry in
// routes. A nil defaultRoute leaves those modules unrestricted.
func WithModuleRouting(defaultRoute *ModuleRoute, routes map[string]ModuleRoute) Option {
	return func(cfg *config) {
		cfg.defaultRoute = nil
		if defaultRoute != nil {
			route := defaultRoute.clone()
			cfg.defaultRoute = &route
		}
		cfg.moduleRoutes = maps.Clone(routes)
		for name, route := range cfg.moduleRoutes {
			cfg.moduleRoutes[name] = route.clone()
		}
	}
}

func (cfg config) routeFor(module string) ModuleRoute {
	if route, ok := cfg.moduleRoutes[module]; ok {
		return route.clone()
	}
	if cfg.defaultRoute != nil {
		return cfg.defaultRoute.clone()
	}

	return ModuleRoute{}
}
