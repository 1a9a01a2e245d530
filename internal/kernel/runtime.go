package kernel

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"ex-tally/pkg/otogi"
)

// moduleRecord is the kernel's bookkeeping for one registered module.
type moduleRecord struct {
	name         string
	module       otogi.Module
	capabilities []otogi.Capability

	subMu         sync.Mutex
	subscriptions []otogi.Subscription
}

func (m *moduleRecord) addSubscription(subscription otogi.Subscription) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.subscriptions = append(m.subscriptions, subscription)
}

// closeSubscriptions closes every subscription the module opened. The list is
// taken before closing, so a second call is a no-op.
func (m *moduleRecord) closeSubscriptions(ctx context.Context) error {
	m.subMu.Lock()
	subscriptions := m.subscriptions
	m.subscriptions = nil
	m.subMu.Unlock()

	var closeErr error
	for _, subscription := range subscriptions {
		if err := subscription.Close(ctx); err != nil {
			closeErr = errors.Join(closeErr, fmt.Errorf("close subscription %s: %w", subscription.Name(), err))
		}
	}

	return closeErr
}

// moduleRuntime is what a module sees of the kernel during OnRegister.
type moduleRuntime struct {
	moduleName    string
	serviceLookup otogi.ServiceRegistry
	bus           otogi.EventBus
	record        *moduleRecord
	defaultSink   *otogi.EventSink
}

// Services returns the registry with sink-addressed services routed to the
// module's default sink.
func (r *moduleRuntime) Services() otogi.ServiceRegistry {
	return routedServices{
		base:    r.serviceLookup,
		routing: sinkRouting{sink: cloneSinkRef(r.defaultSink)},
	}
}

// Subscribe opens a module-owned subscription once a declared capability covers it.
func (r *moduleRuntime) Subscribe(
	ctx context.Context,
	interest otogi.InterestSet,
	spec otogi.SubscriptionSpec,
	handler otogi.EventHandler,
) (otogi.Subscription, error) {
	if spec.Name == "" {
		spec.Name = r.moduleName + "-subscription"
	}
	covered := slices.ContainsFunc(r.record.capabilities, func(capability otogi.Capability) bool {
		return capability.Interest.Allows(interest)
	})
	if !covered {
		return nil, fmt.Errorf(
			"module %s subscribe %s: interest not covered by any of %d declared capabilities",
			r.moduleName,
			spec.Name,
			len(r.record.capabilities),
		)
	}

	subscription, err := r.bus.Subscribe(ctx, interest, spec, handler)
	if err != nil {
		return nil, fmt.Errorf("module %s subscribe %s: %w", r.moduleName, spec.Name, err)
	}
	r.record.addSubscription(subscription)

	return subscription, nil
}

// sinkRouting fills the sink of targets that leave it unset.
type sinkRouting struct {
	sink *otogi.EventSink
}

func (s sinkRouting) route(target otogi.OutboundTarget) otogi.OutboundTarget {
	if target.Sink == nil && s.sink != nil {
		target.Sink = cloneSinkRef(s.sink)
	}

	return target
}

// routedServices wraps the dispatcher, log source and permission checker so a
// module configured for one Telegram account never has to name it.
type routedServices struct {
	base    otogi.ServiceRegistry
	routing sinkRouting
}

func (r routedServices) Register(name string, service any) error {
	if err := r.base.Register(name, service); err != nil {
		return fmt.Errorf("register service %s: %w", name, err)
	}

	return nil
}

func (r routedServices) Resolve(name string) (any, error) {
	service, err := r.base.Resolve(name)
	if err != nil {
		return nil, fmt.Errorf("resolve service %s: %w", name, err)
	}

	var (
		routed any
		ok     bool
	)
	switch name {
	case otogi.ServiceSinkDispatcher:
		var dispatcher otogi.SinkDispatcher
		dispatcher, ok = service.(otogi.SinkDispatcher)
		routed = routedSinkDispatcher{base: dispatcher, routing: r.routing}
	case otogi.ServiceLogSource:
		var source otogi.LogSource
		source, ok = service.(otogi.LogSource)
		routed = routedLogSource{base: source, routing: r.routing}
	case otogi.ServicePermissionChecker:
		var checker otogi.PermissionChecker
		checker, ok = service.(otogi.PermissionChecker)
		routed = routedPermissionChecker{base: checker, routing: r.routing}
	default:
		return service, nil
	}
	if !ok {
		return nil, fmt.Errorf("resolve service %s: unexpected type %T", name, service)
	}

	return routed, nil
}

type routedSinkDispatcher struct {
	base    otogi.SinkDispatcher
	routing sinkRouting
}

func (d routedSinkDispatcher) SendMessage(
	ctx context.Context,
	request otogi.SendMessageRequest,
) (*otogi.OutboundMessage, error) {
	request.Target = d.routing.route(request.Target)
	message, err := d.base.SendMessage(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("routed send: %w", err)
	}

	return message, nil
}

func (d routedSinkDispatcher) EditMessage(ctx context.Context, request otogi.EditMessageRequest) error {
	request.Target = d.routing.route(request.Target)
	if err := d.base.EditMessage(ctx, request); err != nil {
		return fmt.Errorf("routed edit: %w", err)
	}

	return nil
}

func (d routedSinkDispatcher) DeleteMessage(ctx context.Context, request otogi.DeleteMessageRequest) error {
	request.Target = d.routing.route(request.Target)
	if err := d.base.DeleteMessage(ctx, request); err != nil {
		return fmt.Errorf("routed delete: %w", err)
	}

	return nil
}

type routedLogSource struct {
	base    otogi.LogSource
	routing sinkRouting
}

func (s routedLogSource) FetchRecords(
	ctx context.Context,
	request otogi.FetchRecordsRequest,
) ([]otogi.LogRecord, error) {
	request.Target = s.routing.route(request.Target)
	records, err := s.base.FetchRecords(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("routed fetch: %w", err)
	}

	return records, nil
}

func (s routedLogSource) PurgeRecords(ctx context.Context, request otogi.PurgeRecordsRequest) (int, error) {
	request.Target = s.routing.route(request.Target)
	deleted, err := s.base.PurgeRecords(ctx, request)
	if err != nil {
		return deleted, fmt.Errorf("routed purge: %w", err)
	}

	return deleted, nil
}

type routedPermissionChecker struct {
	base    otogi.PermissionChecker
	routing sinkRouting
}

func (c routedPermissionChecker) IsAdministrator(
	ctx context.Context,
	target otogi.OutboundTarget,
	actor otogi.Actor,
) (bool, error) {
	allowed, err := c.base.IsAdministrator(ctx, c.routing.route(target), actor)
	if err != nil {
		return false, fmt.Errorf("routed administrator check: %w", err)
	}

	return allowed, nil
}

func cloneSinkRef(sink *otogi.EventSink) *otogi.EventSink {
	if sink == nil {
		return nil
	}
	cloned := *sink

	return &cloned
}
