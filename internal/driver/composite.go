package driver

import (
	"context"
	"fmt"
	"sort"

	"ex-tally/pkg/otogi"
)

// sinkRouter resolves one per-runtime capability by sink id or platform.
type sinkRouter[T any] struct {
	byID       map[string]T
	platformOf map[string]otogi.Platform
	byPlatform map[otogi.Platform][]string
}

func newSinkRouter[T any](runtimes []Runtime, pick func(Runtime) (T, bool)) (sinkRouter[T], error) {
	router := sinkRouter[T]{
		byID:       make(map[string]T),
		platformOf: make(map[string]otogi.Platform),
		byPlatform: make(map[otogi.Platform][]string),
	}
	for _, runtime := range runtimes {
		capability, ok := pick(runtime)
		if !ok {
			continue
		}
		if runtime.Source.ID == "" {
			return sinkRouter[T]{}, fmt.Errorf("missing sink id")
		}
		if _, exists := router.byID[runtime.Source.ID]; exists {
			return sinkRouter[T]{}, fmt.Errorf("duplicate sink id %s", runtime.Source.ID)
		}

		router.byID[runtime.Source.ID] = capability
		router.platformOf[runtime.Source.ID] = runtime.Source.Platform
		router.byPlatform[runtime.Source.Platform] = append(router.byPlatform[runtime.Source.Platform], runtime.Source.ID)
	}
	for platform := range router.byPlatform {
		sort.Strings(router.byPlatform[platform])
	}

	return router, nil
}

func (r sinkRouter[T]) resolve(target otogi.OutboundTarget) (T, error) {
	var zero T
	if len(r.byID) == 0 {
		return zero, fmt.Errorf("%w: no sinks configured", otogi.ErrOutboundUnsupported)
	}

	if target.Sink != nil {
		return r.resolveSinkRef(*target.Sink)
	}
	if len(r.byID) == 1 {
		for _, capability := range r.byID {
			return capability, nil
		}
	}

	return zero, fmt.Errorf("%w: missing target sink", otogi.ErrOutboundUnsupported)
}

func (r sinkRouter[T]) resolveSinkRef(ref otogi.EventSink) (T, error) {
	var zero T
	if ref.ID != "" {
		capability, exists := r.byID[ref.ID]
		if !exists {
			return zero, fmt.Errorf("%w: sink %s not found", otogi.ErrOutboundUnsupported, ref.ID)
		}
		if ref.Platform != "" && r.platformOf[ref.ID] != ref.Platform {
			return zero, fmt.Errorf(
				"%w: sink %s platform mismatch: expected %s got %s",
				otogi.ErrOutboundUnsupported,
				ref.ID,
				ref.Platform,
				r.platformOf[ref.ID],
			)
		}

		return capability, nil
	}
	if ref.Platform != "" {
		ids := r.byPlatform[ref.Platform]
		if len(ids) == 0 {
			return zero, fmt.Errorf("%w: no sink for platform %s", otogi.ErrOutboundUnsupported, ref.Platform)
		}
		if len(ids) > 1 {
			return zero, fmt.Errorf("%w: ambiguous sink for platform %s", otogi.ErrOutboundUnsupported, ref.Platform)
		}

		return r.byID[ids[0]], nil
	}

	return zero, fmt.Errorf("%w: empty sink reference", otogi.ErrOutboundUnsupported)
}

// sinkIDs returns every routed sink id in sorted order.
func (r sinkRouter[T]) sinkIDs() []string {
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return ids
}

// CompositeSinkDispatcher routes sink operations to per-driver dispatchers.
type CompositeSinkDispatcher struct {
	router sinkRouter[otogi.SinkDispatcher]
}

// NewCompositeSinkDispatcher creates a composite dispatcher from runtime sinks.
func NewCompositeSinkDispatcher(runtimes []Runtime) (*CompositeSinkDispatcher, error) {
	router, err := newSinkRouter(runtimes, func(runtime Runtime) (otogi.SinkDispatcher, bool) {
		return runtime.SinkDispatcher, runtime.SinkDispatcher != nil
	})
	if err != nil {
		return nil, fmt.Errorf("new composite sink dispatcher: %w", err)
	}

	return &CompositeSinkDispatcher{router: router}, nil
}

// SendMessage routes send-message requests to one concrete sink.
func (d *CompositeSinkDispatcher) SendMessage(
	ctx context.Context,
	request otogi.SendMessageRequest,
) (*otogi.OutboundMessage, error) {
	dispatcher, err := d.router.resolve(request.Target)
	if err != nil {
		return nil, fmt.Errorf("resolve sink for send message: %w", err)
	}

	response, err := dispatcher.SendMessage(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("route send message: %w", err)
	}

	return response, nil
}

// EditMessage routes edit-message requests to one concrete sink.
func (d *CompositeSinkDispatcher) EditMessage(ctx context.Context, request otogi.EditMessageRequest) error {
	dispatcher, err := d.router.resolve(request.Target)
	if err != nil {
		return fmt.Errorf("resolve sink for edit message: %w", err)
	}

	if err := dispatcher.EditMessage(ctx, request); err != nil {
		return fmt.Errorf("route edit message: %w", err)
	}

	return nil
}

// DeleteMessage routes delete-message requests to one concrete sink.
func (d *CompositeSinkDispatcher) DeleteMessage(ctx context.Context, request otogi.DeleteMessageRequest) error {
	dispatcher, err := d.router.resolve(request.Target)
	if err != nil {
		return fmt.Errorf("resolve sink for delete message: %w", err)
	}

	if err := dispatcher.DeleteMessage(ctx, request); err != nil {
		return fmt.Errorf("route delete message: %w", err)
	}

	return nil
}

// SinkIDs lists the routed sink ids.
func (d *CompositeSinkDispatcher) SinkIDs() []string {
	return d.router.sinkIDs()
}

// CompositeLogSource routes history operations to per-driver log sources.
type CompositeLogSource struct {
	router sinkRouter[otogi.LogSource]
}

// NewCompositeLogSource creates a composite log source from runtimes that support history.
func NewCompositeLogSource(runtimes []Runtime) (*CompositeLogSource, error) {
	router, err := newSinkRouter(runtimes, func(runtime Runtime) (otogi.LogSource, bool) {
		return runtime.LogSource, runtime.LogSource != nil
	})
	if err != nil {
		return nil, fmt.Errorf("new composite log source: %w", err)
	}

	return &CompositeLogSource{router: router}, nil
}

// FetchRecords routes one history read.
func (s *CompositeLogSource) FetchRecords(
	ctx context.Context,
	request otogi.FetchRecordsRequest,
) ([]otogi.LogRecord, error) {
	source, err := s.router.resolve(request.Target)
	if err != nil {
		return nil, fmt.Errorf("resolve sink for fetch records: %w", err)
	}

	records, err := source.FetchRecords(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("route fetch records: %w", err)
	}

	return records, nil
}

// PurgeRecords routes one purge batch.
func (s *CompositeLogSource) PurgeRecords(ctx context.Context, request otogi.PurgeRecordsRequest) (int, error) {
	source, err := s.router.resolve(request.Target)
	if err != nil {
		return 0, fmt.Errorf("resolve sink for purge records: %w", err)
	}

	deleted, err := source.PurgeRecords(ctx, request)
	if err != nil {
		return deleted, fmt.Errorf("route purge records: %w", err)
	}

	return deleted, nil
}

// CompositePermissionChecker routes administrator lookups to per-driver checkers.
type CompositePermissionChecker struct {
	router sinkRouter[otogi.PermissionChecker]
}

// NewCompositePermissionChecker creates a composite checker from runtimes that support role lookups.
func NewCompositePermissionChecker(runtimes []Runtime) (*CompositePermissionChecker, error) {
	router, err := newSinkRouter(runtimes, func(runtime Runtime) (otogi.PermissionChecker, bool) {
		return runtime.PermissionChecker, runtime.PermissionChecker != nil
	})
	if err != nil {
		return nil, fmt.Errorf("new composite permission checker: %w", err)
	}

	return &CompositePermissionChecker{router: router}, nil
}

// IsAdministrator routes one administrator lookup.
func (c *CompositePermissionChecker) IsAdministrator(
	ctx context.Context,
	target otogi.OutboundTarget,
	actor otogi.Actor,
) (bool, error) {
	checker, err := c.router.resolve(target)
	if err != nil {
		return false, fmt.Errorf("resolve sink for administrator check: %w", err)
	}

	allowed, err := checker.IsAdministrator(ctx, target, actor)
	if err != nil {
		return false, fmt.Errorf("route administrator check: %w", err)
	}

	return allowed, nil
}
