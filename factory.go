package weave

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// ComponentFactory describes how to build component instances: the
// constructor, the dependencies each instance declares, the
// specifications a valid instance provides, and default properties
// merged under instantiation-time overrides.
//
// Factory definitions are explicit, programmatic data; there is no
// runtime attribute injection into component fields.
type ComponentFactory struct {
	// ID is the factory identifier, unique within the runtime.
	ID string

	// Constructor builds one component implementation per instance.
	Constructor func() Component

	// Requirements declares the dependencies of every instance.
	Requirements []Requirement

	// Provides lists the specifications a valid instance is published
	// under. Empty is fine: the component then only consumes.
	Provides []string

	// Properties are the factory's default instance properties.
	Properties map[string]any
}

// Validate checks the descriptor, including every requirement's filter.
func (f *ComponentFactory) Validate() error {
	if f.ID == "" {
		return ErrFactoryIDRequired
	}
	if f.Constructor == nil {
		return fmt.Errorf("%w: factory %q", ErrConstructorRequired, f.ID)
	}
	names := make(map[string]bool, len(f.Requirements))
	for _, req := range f.Requirements {
		if err := req.Validate(); err != nil {
			return fmt.Errorf("factory %q: %w", f.ID, err)
		}
		if names[req.Name] {
			return fmt.Errorf("%w: factory %q requirement %q declared twice", ErrRequirementName, f.ID, req.Name)
		}
		names[req.Name] = true
	}
	return nil
}

// factoryRecord tracks one registered factory and its owner.
type factoryRecord struct {
	factory *ComponentFactory
	bundle  *Bundle
}

// FactoryRegistry maps factory identifiers to factory descriptors and
// tracks the live component instances they created.
type FactoryRegistry struct {
	logger   Logger
	registry *ServiceRegistry

	mu        sync.Mutex
	factories map[string]*factoryRecord
	instances map[string]*InstanceManager
}

// NewFactoryRegistry creates a factory registry resolving against the
// given service registry.
func NewFactoryRegistry(logger Logger, registry *ServiceRegistry) *FactoryRegistry {
	if logger == nil {
		logger = NewNoopLogger()
	}
	return &FactoryRegistry{
		logger:    logger,
		registry:  registry,
		factories: make(map[string]*factoryRecord),
		instances: make(map[string]*InstanceManager),
	}
}

// RegisterFactory adds a factory descriptor on behalf of a bundle.
func (r *FactoryRegistry) RegisterFactory(bundle *Bundle, factory *ComponentFactory) error {
	if err := factory.Validate(); err != nil {
		return err
	}
	if bundle != nil && bundle.State() == BundleUninstalled {
		return fmt.Errorf("%w: %s", ErrBundleUninstalled, bundle.Name())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[factory.ID]; exists {
		return fmt.Errorf("%w: %s", ErrFactoryConflict, factory.ID)
	}
	r.factories[factory.ID] = &factoryRecord{factory: factory, bundle: bundle}
	r.logger.Info("Component factory registered", "factory", factory.ID)
	return nil
}

// UnregisterFactory retracts a factory and kills all of its live
// instances, as the module-deactivation boundary requires.
func (r *FactoryRegistry) UnregisterFactory(ctx context.Context, factoryID string) error {
	r.mu.Lock()
	if _, exists := r.factories[factoryID]; !exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrFactoryNotFound, factoryID)
	}
	delete(r.factories, factoryID)
	var doomed []*InstanceManager
	for _, m := range r.instances {
		if m.FactoryID() == factoryID {
			doomed = append(doomed, m)
		}
	}
	r.mu.Unlock()

	for _, m := range doomed {
		if err := m.Kill(ctx); err != nil {
			return err
		}
	}
	r.logger.Info("Component factory unregistered", "factory", factoryID, "killed", len(doomed))
	return nil
}

// Instantiate creates a named instance of a factory. The instance's
// properties are the factory defaults overlaid with the given overrides.
// Fails with ErrNameConflict when the name is already in use and
// ErrFactoryNotFound for an unknown factory id.
func (r *FactoryRegistry) Instantiate(factoryID, name string, props map[string]any) (*InstanceManager, error) {
	if name == "" {
		return nil, ErrInstanceNameRequired
	}

	r.mu.Lock()
	record, exists := r.factories[factoryID]
	if !exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrFactoryNotFound, factoryID)
	}
	if _, taken := r.instances[name]; taken {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNameConflict, name)
	}

	merged := copyProperties(record.factory.Properties)
	for k, v := range props {
		merged[k] = v
	}

	component := record.factory.Constructor()
	manager := newInstanceManager(name, factoryID, component, record.bundle,
		r.registry, r.logger, record.factory.Provides, record.factory.Requirements,
		merged, r.forget)
	r.instances[name] = manager
	r.mu.Unlock()

	r.logger.Info("Component instantiated", "instance", name, "factory", factoryID)
	return manager, nil
}

// forget drops a killed instance from the live set, freeing its name.
func (r *FactoryRegistry) forget(m *InstanceManager) {
	r.mu.Lock()
	if current, ok := r.instances[m.Name()]; ok && current == m {
		delete(r.instances, m.Name())
	}
	r.mu.Unlock()
}

// Kill destroys a named instance.
func (r *FactoryRegistry) Kill(ctx context.Context, name string) error {
	r.mu.Lock()
	manager, ok := r.instances[name]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrInstanceNotFound, name)
	}
	return manager.Kill(ctx)
}

// RetryErroneous re-attempts validation of an erroneous instance,
// optionally replacing its properties, and reports whether it reached
// StateValid.
func (r *FactoryRegistry) RetryErroneous(ctx context.Context, name string, props map[string]any) (bool, error) {
	r.mu.Lock()
	manager, ok := r.instances[name]
	r.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrInstanceNotFound, name)
	}
	return manager.RetryErroneous(ctx, props)
}

// Get returns the named live instance.
func (r *FactoryRegistry) Get(name string) (*InstanceManager, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	manager, ok := r.instances[name]
	return manager, ok
}

// Instances lists the live instances of one factory, sorted by name.
func (r *FactoryRegistry) Instances(factoryID string) []*InstanceManager {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*InstanceManager
	for _, m := range r.instances {
		if m.FactoryID() == factoryID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Factories lists the registered factory ids, sorted.
func (r *FactoryRegistry) Factories() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.factories))
	for id := range r.factories {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// BundleFactories lists the factory ids registered by one bundle.
func (r *FactoryRegistry) BundleFactories(bundle *Bundle) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for id, record := range r.factories {
		if record.bundle == bundle {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
