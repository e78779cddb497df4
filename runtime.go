// Package weave provides a service-oriented component runtime for Go.
// It combines a process-local service registry (a concurrent catalog of
// dynamically published capability providers, queried through an
// LDAP-style filter language) with a component lifecycle engine that
// wires components together by resolving their declared requirements
// against that catalog at runtime, without static linking.
//
// Services appear and disappear continuously as bundles start and stop;
// component instances react by binding and unbinding references, moving
// through an explicit lifecycle (instantiated, validating, valid,
// invalid, erroneous, killed) with user-supplied validate/invalidate
// hooks. All collaboration happens through explicit Registry and
// Dispatcher instances owned by a Runtime; there are no globals.
//
// Basic usage:
//
//	rt := weave.NewRuntime(weave.WithLogger(logger))
//	bundle, _ := rt.InstallBundle("provider")
//	ref, _ := rt.Registry().Register(bundle, []string{"cache"}, myCache,
//		map[string]any{weave.PropServiceRanking: 10})
//	best, _ := rt.Registry().FindOne("cache", "")
//	_ = ref
//	_ = best
//	defer rt.Stop(context.Background())
package weave

import (
	"context"
	"fmt"
	"sync"
)

// Runtime is the umbrella that owns the runtime's moving parts: the
// logger, the event dispatcher, the service registry and the component
// factory registry, plus the set of installed bundles. Whatever embeds
// the runtime owns its init/teardown lifecycle.
type Runtime struct {
	logger     Logger
	dispatcher *EventDispatcher
	registry   *ServiceRegistry
	factories  *FactoryRegistry

	mu           sync.Mutex
	bundles      map[string]*Bundle
	nextBundleID int64
	constructors map[string]func() Component
}

// RuntimeOption configures a Runtime during construction.
type RuntimeOption func(*Runtime)

// WithLogger sets the structured logger used by every runtime part.
func WithLogger(logger Logger) RuntimeOption {
	return func(rt *Runtime) {
		rt.logger = logger
	}
}

// NewRuntime creates a runtime with a fresh registry, dispatcher and
// factory registry. Without WithLogger, logging is discarded.
func NewRuntime(opts ...RuntimeOption) *Runtime {
	rt := &Runtime{
		bundles:      make(map[string]*Bundle),
		constructors: make(map[string]func() Component),
	}
	for _, opt := range opts {
		opt(rt)
	}
	if rt.logger == nil {
		rt.logger = NewNoopLogger()
	}
	rt.dispatcher = NewEventDispatcher(rt.logger)
	rt.registry = NewServiceRegistry(rt.logger, rt.dispatcher)
	rt.factories = NewFactoryRegistry(rt.logger, rt.registry)
	return rt
}

// Logger returns the runtime's logger.
func (rt *Runtime) Logger() Logger { return rt.logger }

// Registry returns the service registry.
func (rt *Runtime) Registry() *ServiceRegistry { return rt.registry }

// Dispatcher returns the event dispatcher.
func (rt *Runtime) Dispatcher() *EventDispatcher { return rt.dispatcher }

// Factories returns the component factory registry.
func (rt *Runtime) Factories() *FactoryRegistry { return rt.factories }

// InstallBundle creates an active bundle under the given unique name.
func (rt *Runtime) InstallBundle(name string) (*Bundle, error) {
	if name == "" {
		return nil, ErrBundleNameRequired
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if _, exists := rt.bundles[name]; exists {
		return nil, fmt.Errorf("%w: %s", ErrBundleConflict, name)
	}
	rt.nextBundleID++
	bundle := newBundle(rt.nextBundleID, name)
	rt.bundles[name] = bundle
	rt.logger.Info("Bundle installed", "bundle", name, "id", bundle.ID())
	return bundle, nil
}

// Bundle returns an installed bundle by name.
func (rt *Runtime) Bundle(name string) (*Bundle, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	bundle, ok := rt.bundles[name]
	return bundle, ok
}

// UninstallBundle tears a bundle down. The sequence closes the provider
// teardown race: the bundle's services are hidden from new lookups
// first, then its factories are retracted (killing their instances),
// then the hidden services unregister one by one with the usual
// UNREGISTERING/UNREGISTERED event pair.
func (rt *Runtime) UninstallBundle(ctx context.Context, name string) error {
	rt.mu.Lock()
	bundle, ok := rt.bundles[name]
	if !ok {
		rt.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrBundleNotFound, name)
	}
	delete(rt.bundles, name)
	rt.mu.Unlock()

	bundle.setState(BundleStopping)
	hidden := rt.registry.HideBundleServices(bundle)

	for _, factoryID := range rt.factories.BundleFactories(bundle) {
		if err := rt.factories.UnregisterFactory(ctx, factoryID); err != nil {
			return fmt.Errorf("stopping bundle %s: %w", name, err)
		}
	}

	for _, ref := range hidden {
		_ = rt.registry.Unregister(ref)
	}

	bundle.setState(BundleUninstalled)
	rt.logger.Info("Bundle uninstalled", "bundle", name, "services", len(hidden))
	return nil
}

// Bundles lists the installed bundle names.
func (rt *Runtime) Bundles() []string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make([]string, 0, len(rt.bundles))
	for name := range rt.bundles {
		out = append(out, name)
	}
	return out
}

// Stop uninstalls every bundle. The runtime is not reusable afterwards.
func (rt *Runtime) Stop(ctx context.Context) error {
	rt.mu.Lock()
	names := make([]string, 0, len(rt.bundles))
	for name := range rt.bundles {
		names = append(names, name)
	}
	rt.mu.Unlock()

	var lastErr error
	for _, name := range names {
		if err := rt.UninstallBundle(ctx, name); err != nil {
			rt.logger.Error("Error uninstalling bundle", "bundle", name, "error", err)
			lastErr = err
		}
	}
	return lastErr
}

// RegisterConstructor names a component constructor so declarative
// bundle manifests can reference it. Re-registering a name replaces the
// previous constructor.
func (rt *Runtime) RegisterConstructor(name string, constructor func() Component) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.constructors[name] = constructor
}

func (rt *Runtime) constructor(name string) (func() Component, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	c, ok := rt.constructors[name]
	return c, ok
}
