package kernel

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"ex-tally/pkg/otogi"
)

// Kernel owns the module and driver lifecycles of one bot process.
//
// Modules are started in registration order and stopped in reverse; drivers
// run concurrently until the run context ends or one of them fails.
type Kernel struct {
	cfg    config
	report AsyncErrorFunc

	bus      *EventBus
	services *ServiceRegistry
	commands *commandTable

	mu      sync.RWMutex
	modules []*moduleRecord
	drivers []otogi.Driver

	running atomic.Bool
}

// New creates a kernel. The command catalog service is registered up front so
// modules like help can resolve it during OnRegister.
func New(options ...Option) *Kernel {
	cfg := defaultConfig()
	for _, option := range options {
		option(&cfg)
	}
	report := reportTo(cfg.logger)

	k := &Kernel{
		cfg:      cfg,
		report:   report,
		bus:      NewEventBus(cfg.subscription, report),
		services: NewServiceRegistry(),
		commands: newCommandTable(),
	}
	if err := k.services.Register(otogi.ServiceCommandCatalog, k.commands); err != nil {
		report(context.Background(), "register command catalog", err)
	}

	return k
}

func (k *Kernel) EventBus() otogi.EventBus {
	return k.bus
}

func (k *Kernel) Services() otogi.ServiceRegistry {
	return k.services
}

// RegisterService registers a runtime service singleton.
func (k *Kernel) RegisterService(name string, service any) error {
	if err := k.services.Register(name, service); err != nil {
		return fmt.Errorf("register service %s: %w", name, err)
	}

	return nil
}

// RegisterDriver adds a driver to the next Run. Names must be unique.
func (k *Kernel) RegisterDriver(driver otogi.Driver) error {
	if driver == nil {
		return errors.New("register driver: nil driver")
	}
	name := driver.Name()
	if name == "" {
		return errors.New("register driver: empty name")
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	for _, existing := range k.drivers {
		if existing.Name() == name {
			return fmt.Errorf("register driver %s: %w", name, otogi.ErrDriverAlreadyRegistered)
		}
	}
	k.drivers = append(k.drivers, driver)

	return nil
}

// RegisterModule validates module's declaration, claims its commands, runs
// OnRegister and subscribes its handlers. A failure at any step leaves no
// trace of the module behind.
func (k *Kernel) RegisterModule(ctx context.Context, module otogi.Module) error {
	if module == nil {
		return errors.New("register module: nil module")
	}
	name := module.Name()
	if name == "" {
		return errors.New("register module: empty module name")
	}

	declared := module.Spec()
	record, err := k.admit(name, module, declared)
	if err != nil {
		return fmt.Errorf("register module %s: %w", name, err)
	}
	if err := k.bind(ctx, record, declared); err != nil {
		k.evict(ctx, record)
		return fmt.Errorf("register module %s: %w", name, err)
	}

	k.cfg.logger.DebugContext(ctx, "module registered",
		"module", name,
		"commands", len(declared.Commands),
		"handlers", len(declared.Handlers),
	)

	return nil
}

// admit checks the declaration and the services it needs, then reserves the
// module name.
func (k *Kernel) admit(name string, module otogi.Module, declared otogi.ModuleSpec) (*moduleRecord, error) {
	if err := validateModuleSpec(declared); err != nil {
		return nil, err
	}

	record := &moduleRecord{name: name, module: module, capabilities: declared.Capabilities()}
	for _, capability := range record.capabilities {
		for _, service := range capability.RequiredServices {
			if _, err := k.services.Resolve(service); err != nil {
				return nil, fmt.Errorf("capability %s requires service %s: %w", capability.Name, service, err)
			}
		}
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	for _, existing := range k.modules {
		if existing.name == name {
			return nil, otogi.ErrModuleAlreadyRegistered
		}
	}
	k.modules = append(k.modules, record)

	return record, nil
}

func (k *Kernel) bind(ctx context.Context, record *moduleRecord, declared otogi.ModuleSpec) error {
	if err := k.commands.claim(record.name, declared.Commands); err != nil {
		return err
	}

	route := k.cfg.routeFor(record.name)
	runtime := &moduleRuntime{
		moduleName:    record.name,
		serviceLookup: k.services,
		bus:           k.bus,
		record:        record,
		defaultSink:   route.Sink,
	}

	hookCtx, cancel := context.WithTimeout(ctx, k.cfg.hookTimeout)
	defer cancel()

	if registrar, ok := record.module.(otogi.ModuleRegistrar); ok {
		err := runSafely("module "+record.name+" OnRegister", func() error {
			return registrar.OnRegister(hookCtx, runtime)
		})
		if err != nil {
			return err
		}
	}

	for index, handler := range declared.Handlers {
		interest := handler.Capability.Interest
		if len(route.Sources) > 0 {
			interest.Sources = route.Sources
		}
		spec := handler.Subscription
		if spec.Name == "" {
			spec.Name = fmt.Sprintf("%s-handler-%d", record.name, index+1)
		}
		if _, err := runtime.Subscribe(hookCtx, interest, spec, handler.Handler); err != nil {
			return fmt.Errorf("subscribe %s for capability %s: %w", spec.Name, handler.Capability.Name, err)
		}
	}

	return nil
}

// evict undoes a partial registration: open subscriptions, claimed commands
// and the module slot.
func (k *Kernel) evict(ctx context.Context, record *moduleRecord) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), k.cfg.hookTimeout)
	defer cancel()

	if err := record.closeSubscriptions(cleanupCtx); err != nil {
		k.report(cleanupCtx, "evict module "+record.name, err)
	}
	k.commands.release(record.name)

	k.mu.Lock()
	defer k.mu.Unlock()
	k.modules = slices.DeleteFunc(k.modules, func(existing *moduleRecord) bool { return existing == record })
}

func (k *Kernel) snapshot() ([]*moduleRecord, []otogi.Driver) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	return slices.Clone(k.modules), slices.Clone(k.drivers)
}
