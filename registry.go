package weave

import (
	"fmt"
	"sort"
	"sync"
)

// ServiceFactory produces a per-bundle service object. Registering a
// ServiceFactory instead of a plain object gives the service bundle
// scope: each requesting bundle gets one object, created on first
// dereference and released when its use count drops to zero.
type ServiceFactory interface {
	// GetService creates or returns the object for the requesting bundle.
	GetService(requester *Bundle, ref *ServiceReference) (any, error)

	// UngetService releases the object created for the requesting bundle.
	UngetService(requester *Bundle, ref *ServiceReference, service any)
}

// PrototypeServiceFactory produces a fresh service object for every
// dereference (prototype scope).
type PrototypeServiceFactory interface {
	// NewServiceInstance creates a new object for one consumer.
	NewServiceInstance(requester *Bundle, ref *ServiceReference) (any, error)

	// DisposeServiceInstance releases an object handed out by
	// NewServiceInstance.
	DisposeServiceInstance(requester *Bundle, ref *ServiceReference, service any)
}

// factoryUse tracks one bundle's use of a bundle-scoped service.
type factoryUse struct {
	service any
	count   int
}

// serviceEntry is the catalog's record of one registration. All fields
// are guarded by the registry lock.
type serviceEntry struct {
	id       int64
	bundle   *Bundle
	specs    []string
	instance any
	props    map[string]any
	ranking  int
	seq      uint64
	hidden   bool
	tearing  bool // unregistration in progress
	ref      *ServiceReference

	// per-bundle objects for bundle-scoped factories
	uses map[*Bundle]*factoryUse
}

// ServiceRegistry is the process-local catalog of registered services.
//
// The catalog is guarded by a single read-write lock covering mutations
// and lookups. Event publication deliberately happens after the lock is
// released: listener callbacks may re-enter the registry for further
// lookups or registrations without risking deadlock. The cost is that a
// notification can be slightly out of sync with the latest catalog state;
// consumers re-query instead of trusting event payloads (see ServiceEvent).
type ServiceRegistry struct {
	logger     Logger
	dispatcher *EventDispatcher

	mu      sync.RWMutex
	nextID  int64
	entries map[int64]*serviceEntry
	bySpec  map[string]map[int64]*serviceEntry
}

// NewServiceRegistry creates a registry publishing its events through the
// given dispatcher. A nil logger falls back to the no-op logger.
func NewServiceRegistry(logger Logger, dispatcher *EventDispatcher) *ServiceRegistry {
	if logger == nil {
		logger = NewNoopLogger()
	}
	return &ServiceRegistry{
		logger:     logger,
		dispatcher: dispatcher,
		entries:    make(map[int64]*serviceEntry),
		bySpec:     make(map[string]map[int64]*serviceEntry),
	}
}

// Dispatcher returns the dispatcher the registry publishes through.
func (r *ServiceRegistry) Dispatcher() *EventDispatcher { return r.dispatcher }

// Register publishes a service under one or more specification names.
// Reserved property keys (objectClass, service.id) are overwritten with
// system values; a missing or malformed ranking becomes DefaultRanking.
// The REGISTERED event fires synchronously after the entry is visible, so
// a listener triggered by it can immediately look the entry up.
//
// Registering the same object twice is allowed and yields distinct ids.
func (r *ServiceRegistry) Register(bundle *Bundle, specs []string, instance any, props map[string]any) (*ServiceReference, error) {
	if len(specs) == 0 {
		return nil, ErrSpecificationRequired
	}
	for _, spec := range specs {
		if spec == "" {
			return nil, fmt.Errorf("%w: empty specification name", ErrSpecificationRequired)
		}
	}
	if instance == nil {
		return nil, ErrNilService
	}
	if bundle != nil && bundle.State() == BundleUninstalled {
		return nil, fmt.Errorf("%w: %s", ErrBundleUninstalled, bundle.Name())
	}

	entry := &serviceEntry{
		bundle:   bundle,
		specs:    append([]string(nil), specs...),
		instance: instance,
		props:    copyProperties(props),
		seq:      1,
	}

	r.mu.Lock()
	r.nextID++
	entry.id = r.nextID
	entry.ranking = rankingFrom(entry.props)
	entry.props[PropObjectClass] = append([]string(nil), specs...)
	entry.props[PropServiceID] = entry.id
	entry.props[PropServiceRanking] = entry.ranking

	r.entries[entry.id] = entry
	for _, spec := range entry.specs {
		bucket := r.bySpec[spec]
		if bucket == nil {
			bucket = make(map[int64]*serviceEntry)
			r.bySpec[spec] = bucket
		}
		bucket[entry.id] = entry
	}
	ref := &ServiceReference{registry: r, entry: entry}
	entry.ref = ref
	snapshot := copyProperties(entry.props)
	r.mu.Unlock()

	r.logger.Debug("Service registered", "id", entry.id, "specs", specs, "ranking", entry.ranking)

	r.fire(ServiceEvent{
		Type:       ServiceRegistered,
		Reference:  ref,
		Properties: snapshot,
		Sequence:   1,
	})
	return ref, nil
}

// Unregister removes a service from the catalog. It is idempotent: a
// second call (or a call racing with an owning-bundle stop) returns nil
// and fires nothing. The UNREGISTERING event fires while the entry is
// still visible to lookups; removal and the UNREGISTERED event follow.
func (r *ServiceRegistry) Unregister(ref *ServiceReference) error {
	if ref == nil {
		return ErrNilReference
	}

	r.mu.Lock()
	entry, ok := r.entries[ref.entry.id]
	if !ok || entry.tearing {
		r.mu.Unlock()
		return nil
	}
	entry.tearing = true
	entry.seq++
	seq := entry.seq
	snapshot := copyProperties(entry.props)
	r.mu.Unlock()

	r.fire(ServiceEvent{
		Type:       ServiceUnregistering,
		Reference:  ref,
		Properties: snapshot,
		Sequence:   seq,
	})

	r.mu.Lock()
	delete(r.entries, entry.id)
	for _, spec := range entry.specs {
		if bucket := r.bySpec[spec]; bucket != nil {
			delete(bucket, entry.id)
			if len(bucket) == 0 {
				delete(r.bySpec, spec)
			}
		}
	}
	r.mu.Unlock()

	r.logger.Debug("Service unregistered", "id", entry.id, "specs", entry.specs)

	r.fire(ServiceEvent{
		Type:       ServiceUnregistered,
		Reference:  ref,
		Properties: snapshot,
		Sequence:   seq,
	})
	return nil
}

// UpdateProperties replaces a service's properties and fires MODIFIED.
// Identity does not change: service.id and objectClass keep their system
// values, and the ranking is re-read from the new properties (default 0).
func (r *ServiceRegistry) UpdateProperties(ref *ServiceReference, props map[string]any) error {
	if ref == nil {
		return ErrNilReference
	}

	r.mu.Lock()
	entry, ok := r.entries[ref.entry.id]
	if !ok || entry.tearing {
		r.mu.Unlock()
		return fmt.Errorf("%w: service %d", ErrStaleReference, ref.entry.id)
	}
	previous := copyProperties(entry.props)
	entry.props = copyProperties(props)
	entry.ranking = rankingFrom(entry.props)
	entry.props[PropObjectClass] = append([]string(nil), entry.specs...)
	entry.props[PropServiceID] = entry.id
	entry.props[PropServiceRanking] = entry.ranking
	entry.seq++
	seq := entry.seq
	snapshot := copyProperties(entry.props)
	r.mu.Unlock()

	r.logger.Debug("Service properties updated", "id", entry.id, "ranking", entry.ranking)

	r.fire(ServiceEvent{
		Type:       ServiceModified,
		Reference:  ref,
		Properties: snapshot,
		Previous:   previous,
		Sequence:   seq,
	})
	return nil
}

// Find returns the references whose specification set contains spec (all
// entries when spec is empty) and whose properties satisfy the filter
// text (all when empty), ordered by ranking descending then id ascending.
// Hidden services of stopping bundles are excluded.
func (r *ServiceRegistry) Find(spec, filter string) ([]*ServiceReference, error) {
	var compiled Filter
	if filter != "" {
		var err error
		compiled, err = ParseFilter(filter)
		if err != nil {
			return nil, err
		}
	}
	return r.FindFiltered(spec, compiled), nil
}

// FindFiltered is Find with a precompiled (possibly nil) filter.
func (r *ServiceRegistry) FindFiltered(spec string, filter Filter) []*ServiceReference {
	type candidate struct {
		ref     *ServiceReference
		ranking int
		id      int64
	}

	r.mu.RLock()
	var pool map[int64]*serviceEntry
	if spec == "" {
		pool = r.entries
	} else {
		pool = r.bySpec[spec]
	}
	candidates := make([]candidate, 0, len(pool))
	for _, entry := range pool {
		if entry.hidden {
			continue
		}
		if filter != nil && !filter.Matches(entry.props) {
			continue
		}
		candidates = append(candidates, candidate{
			ref:     entry.ref,
			ranking: entry.ranking,
			id:      entry.id,
		})
	}
	r.mu.RUnlock()

	// ranking desc, id asc
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.ranking != b.ranking {
			return a.ranking > b.ranking
		}
		return a.id < b.id
	})

	refs := make([]*ServiceReference, len(candidates))
	for i, c := range candidates {
		refs[i] = c.ref
	}
	return refs
}

// FindOne returns the best-ranked matching reference, or nil when nothing
// matches.
func (r *ServiceRegistry) FindOne(spec, filter string) (*ServiceReference, error) {
	refs, err := r.Find(spec, filter)
	if err != nil {
		return nil, err
	}
	if len(refs) == 0 {
		return nil, nil
	}
	return refs[0], nil
}

// HideBundleServices makes a stopping bundle's services invisible to new
// lookups while their unregistration is in progress, closing the race
// where a consumer binds to a service whose provider is tearing down.
// No events fire; the returned references are the hidden entries, in
// registration order, for the caller to unregister.
func (r *ServiceRegistry) HideBundleServices(bundle *Bundle) []*ServiceReference {
	r.mu.Lock()
	var refs []*ServiceReference
	for _, entry := range r.entries {
		if entry.bundle == bundle && !entry.hidden {
			entry.hidden = true
			refs = append(refs, entry.ref)
		}
	}
	r.mu.Unlock()

	sort.Slice(refs, func(i, j int) bool { return refs[i].entry.id < refs[j].entry.id })
	r.logger.Debug("Bundle services hidden", "bundle", bundle.Name(), "count", len(refs))
	return refs
}

// GetService dereferences a service for the requesting bundle, applying
// the entry's scope: plain objects are returned as-is, ServiceFactory
// entries get one object per bundle, PrototypeServiceFactory entries get
// a fresh object per call. Unregistered references report
// ErrStaleReference; unregistration races are expected, not exceptional.
func (r *ServiceRegistry) GetService(requester *Bundle, ref *ServiceReference) (any, error) {
	if ref == nil {
		return nil, ErrNilReference
	}

	r.mu.Lock()
	entry, ok := r.entries[ref.entry.id]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: service %d", ErrStaleReference, ref.entry.id)
	}
	instance := entry.instance
	r.mu.Unlock()

	switch factory := instance.(type) {
	case PrototypeServiceFactory:
		return factory.NewServiceInstance(requester, ref)
	case ServiceFactory:
		return r.getBundleScoped(requester, ref, entry, factory)
	default:
		return instance, nil
	}
}

func (r *ServiceRegistry) getBundleScoped(requester *Bundle, ref *ServiceReference, entry *serviceEntry, factory ServiceFactory) (any, error) {
	r.mu.Lock()
	if entry.uses == nil {
		entry.uses = make(map[*Bundle]*factoryUse)
	}
	if use, ok := entry.uses[requester]; ok {
		use.count++
		service := use.service
		r.mu.Unlock()
		return service, nil
	}
	r.mu.Unlock()

	// The factory runs outside the lock; it is foreign code and may
	// re-enter the registry.
	service, err := factory.GetService(requester, ref)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if use, ok := entry.uses[requester]; ok {
		// lost the creation race; keep the first object
		use.count++
		service = use.service
		r.mu.Unlock()
		return service, nil
	}
	entry.uses[requester] = &factoryUse{service: service, count: 1}
	r.mu.Unlock()
	return service, nil
}

// UngetService releases a dereferenced service. Only bundle-scoped and
// prototype-scoped entries have release work to do; for plain objects and
// stale references this is a no-op.
func (r *ServiceRegistry) UngetService(requester *Bundle, ref *ServiceReference, service any) {
	if ref == nil {
		return
	}

	r.mu.Lock()
	entry := ref.entry
	instance := entry.instance
	var release bool
	if use, ok := entry.uses[requester]; ok {
		use.count--
		if use.count <= 0 {
			delete(entry.uses, requester)
			service = use.service
			release = true
		}
	}
	r.mu.Unlock()

	switch factory := instance.(type) {
	case PrototypeServiceFactory:
		factory.DisposeServiceInstance(requester, ref, service)
	case ServiceFactory:
		if release {
			factory.UngetService(requester, ref, service)
		}
	}
}

// Count returns the number of registered (visible or hidden) services.
func (r *ServiceRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *ServiceRegistry) fire(event ServiceEvent) {
	if r.dispatcher != nil {
		r.dispatcher.Fire(event)
	}
}

// rankingFrom reads the ranking property, tolerating any numeric type
// (manifest decoding yields int64, JSON yields float64). Anything else
// silently becomes DefaultRanking.
func rankingFrom(props map[string]any) int {
	value, ok := props[PropServiceRanking]
	if !ok {
		return DefaultRanking
	}
	if f, ok := toFloat(value); ok {
		return int(f)
	}
	return DefaultRanking
}
