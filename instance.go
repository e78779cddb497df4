package weave

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// taskKind discriminates the work items on an instance's transition queue.
type taskKind int

const (
	taskInitial taskKind = iota
	taskEvent
	taskRetry
	taskKill
)

type task struct {
	kind       taskKind
	event      ServiceEvent
	retryProps map[string]any
	reply      chan bool
}

// requirementState is a requirement plus its live bindings. It is
// mutated only by the instance's worker; reads from other goroutines go
// through the manager's lock.
type requirementState struct {
	req    Requirement
	filter Filter
	bound  []*ServiceReference
	objs   map[int64]any // dereferenced service per bound reference id
}

func (rs *requirementState) matches(props map[string]any) bool {
	classes, _ := props[PropObjectClass].([]string)
	found := false
	for _, class := range classes {
		if class == rs.req.Specification {
			found = true
			break
		}
	}
	if !found {
		return false
	}
	return rs.filter == nil || rs.filter.Matches(props)
}

func (rs *requirementState) isBound(id int64) bool {
	for _, ref := range rs.bound {
		if ref.ID() == id {
			return true
		}
	}
	return false
}

// InstanceManager owns one component instance's lifecycle state machine.
//
// Each manager runs a dedicated worker goroutine that processes its
// transition queue: registry notifications, the initial requirement
// evaluation, retries and the kill request. Transitions are strictly
// serialized per instance: a notification arriving while a transition
// (including a blocking user hook) is in flight is queued and processed
// afterwards, never interleaved. Queues are independent across
// instances, so a slow validate in one component never stalls another.
type InstanceManager struct {
	name      string
	factoryID string
	component Component
	bundle    *Bundle
	registry  *ServiceRegistry
	logger    Logger
	provides  []string
	reqs      []*requirementState
	onKilled  func(*InstanceManager)

	mu       sync.Mutex
	props    map[string]any
	state    ComponentState
	failure  *Failure
	stateCh  chan struct{} // closed and replaced on every state change
	queue    []task
	wake     chan struct{}
	killReq  bool
	done     chan struct{}
	provided []*ServiceReference
}

// newInstanceManager wires a manager and starts its worker. The caller
// (the factory registry) has already validated requirements and merged
// properties.
func newInstanceManager(name, factoryID string, component Component, bundle *Bundle,
	registry *ServiceRegistry, logger Logger, provides []string,
	requirements []Requirement, props map[string]any, onKilled func(*InstanceManager)) *InstanceManager {

	m := &InstanceManager{
		name:      name,
		factoryID: factoryID,
		component: component,
		bundle:    bundle,
		registry:  registry,
		logger:    logger,
		provides:  append([]string(nil), provides...),
		onKilled:  onKilled,
		props:     props,
		state:     StateInstantiated,
		stateCh:   make(chan struct{}),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	for _, req := range requirements {
		filter, _ := req.compile() // validated upstream
		m.reqs = append(m.reqs, &requirementState{
			req:    req,
			filter: filter,
			objs:   make(map[int64]any),
		})
	}

	// Listen before the initial evaluation so no registration slips
	// between the two; an event for something already bound is a no-op.
	if len(m.reqs) > 0 {
		_ = registry.Dispatcher().AddListener(m, m.listenerFilter())
	}
	m.enqueue(task{kind: taskInitial})
	go m.run()
	return m
}

// listenerFilter narrows dispatcher deliveries to the specifications this
// instance can care about, so unrelated churn never wakes the worker.
func (m *InstanceManager) listenerFilter() string {
	if len(m.reqs) == 1 {
		return fmt.Sprintf("(%s=%s)", PropObjectClass, escapeFilterValue(m.reqs[0].req.Specification))
	}
	var sb strings.Builder
	sb.WriteString("(|")
	for _, rs := range m.reqs {
		fmt.Fprintf(&sb, "(%s=%s)", PropObjectClass, escapeFilterValue(rs.req.Specification))
	}
	sb.WriteString(")")
	return sb.String()
}

// Name returns the instance name, unique within the runtime.
func (m *InstanceManager) Name() string { return m.name }

// FactoryID returns the id of the factory that created this instance.
func (m *InstanceManager) FactoryID() string { return m.factoryID }

// Component returns the managed component implementation.
func (m *InstanceManager) Component() Component { return m.component }

// State returns the current lifecycle state.
func (m *InstanceManager) State() ComponentState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Failure returns the retained failure record while the instance is
// erroneous, nil otherwise.
func (m *InstanceManager) Failure() *Failure {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failure
}

// Properties returns a snapshot of the instance's merged properties.
func (m *InstanceManager) Properties() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyProperties(m.props)
}

// Requirements returns the instance's requirement declarations.
func (m *InstanceManager) Requirements() []Requirement {
	out := make([]Requirement, len(m.reqs))
	for i, rs := range m.reqs {
		out[i] = rs.req
	}
	return out
}

// Bound returns the references currently bound to the named requirement,
// ordered by ranking descending then id ascending: the first element is
// always the best-ranked live reference.
func (m *InstanceManager) Bound(requirement string) []*ServiceReference {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rs := range m.reqs {
		if rs.req.Name == requirement {
			out := make([]*ServiceReference, len(rs.bound))
			copy(out, rs.bound)
			return out
		}
	}
	return nil
}

// WaitForState blocks until the instance reaches one of the given states
// or the context is done, and reports which happened. Intended for
// introspection and tests; production callers normally react to
// registry events instead of polling component state.
func (m *InstanceManager) WaitForState(ctx context.Context, states ...ComponentState) bool {
	for {
		m.mu.Lock()
		current := m.state
		ch := m.stateCh
		m.mu.Unlock()
		for _, s := range states {
			if current == s {
				return true
			}
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return false
		}
	}
}

// Kill tears the instance down: queued behind any in-flight transition,
// it releases every binding (running the invalidate hook first if the
// instance was valid), withdraws provided services, and is irreversible.
// Kill blocks until teardown completes or the context is done; it is
// safe to call concurrently and repeatedly.
func (m *InstanceManager) Kill(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateKilled {
		m.mu.Unlock()
		return nil
	}
	if !m.killReq {
		m.killReq = true
		m.queue = append(m.queue, task{kind: taskKill})
		m.signal()
	}
	m.mu.Unlock()

	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RetryErroneous re-attempts validation of an erroneous instance,
// optionally replacing its instantiation properties first. It reports
// whether the retry reached StateValid. Calling it in any other state
// returns ErrNotErroneous.
func (m *InstanceManager) RetryErroneous(ctx context.Context, props map[string]any) (bool, error) {
	m.mu.Lock()
	if m.state == StateKilled {
		m.mu.Unlock()
		return false, ErrInstanceKilled
	}
	if m.state != StateErroneous {
		m.mu.Unlock()
		return false, fmt.Errorf("%w: %s is %s", ErrNotErroneous, m.name, m.state)
	}
	reply := make(chan bool, 1)
	m.queue = append(m.queue, task{kind: taskRetry, retryProps: props, reply: reply})
	m.signal()
	m.mu.Unlock()

	select {
	case ok := <-reply:
		return ok, nil
	case <-m.done:
		return false, ErrInstanceKilled
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// ServiceChanged implements ServiceListener. It only queues: the actual
// binding work happens on the instance's worker, so the dispatcher is
// never blocked by a slow component.
func (m *InstanceManager) ServiceChanged(event ServiceEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateKilled || m.killReq {
		return
	}
	m.queue = append(m.queue, task{kind: taskEvent, event: event})
	m.signal()
}

// enqueue appends a task and wakes the worker.
func (m *InstanceManager) enqueue(t task) {
	m.mu.Lock()
	m.queue = append(m.queue, t)
	m.signal()
	m.mu.Unlock()
}

// signal wakes the worker; callers hold m.mu.
func (m *InstanceManager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *InstanceManager) setState(state ComponentState) {
	m.mu.Lock()
	old := m.state
	m.state = state
	close(m.stateCh)
	m.stateCh = make(chan struct{})
	m.mu.Unlock()
	m.logger.Debug("Component state changed", "instance", m.name, "from", old.String(), "to", state.String())
}

// run is the worker loop. Exactly one transition is in flight at a time.
func (m *InstanceManager) run() {
	for {
		m.mu.Lock()
		for len(m.queue) == 0 {
			m.mu.Unlock()
			<-m.wake
			m.mu.Lock()
		}
		t := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()

		switch t.kind {
		case taskInitial:
			m.handleInitial()
		case taskEvent:
			m.handleEvent(t.event)
		case taskRetry:
			t.reply <- m.handleRetry(t.retryProps)
		case taskKill:
			m.handleKill()
			close(m.done)
			return
		}
	}
}

// handleInitial performs the first requirement evaluation. Matches are
// recorded and then reported through the bind callbacks in ranking
// order as the initial population.
func (m *InstanceManager) handleInitial() {
	for _, rs := range m.reqs {
		refs := m.registry.FindFiltered(rs.req.Specification, rs.filter)
		for _, ref := range refs {
			if !rs.req.Aggregate && len(rs.bound) > 0 {
				break
			}
			// A registration event that slipped in ahead of this task may
			// have bound the reference already.
			if rs.isBound(ref.ID()) {
				continue
			}
			m.bind(rs, ref)
		}
	}
	m.checkEligibility()
}

func (m *InstanceManager) handleEvent(event ServiceEvent) {
	switch event.Type {
	case ServiceRegistered:
		m.handleAppearance(event.Reference)
	case ServiceModified:
		m.handleModification(event)
	case ServiceUnregistering, ServiceUnregistered:
		m.handleDeparture(event.Reference)
	}
	m.checkEligibility()
}

func (m *InstanceManager) handleAppearance(ref *ServiceReference) {
	if !ref.Registered() {
		return // already gone again; the departure event will follow
	}
	props := ref.Properties()
	for _, rs := range m.reqs {
		if rs.isBound(ref.ID()) || !rs.matches(props) {
			continue
		}
		if rs.req.Aggregate || len(rs.bound) == 0 {
			m.bind(rs, ref)
		}
	}
}

// handleModification re-evaluates a changed entry against every
// requirement: a bound entry that stopped matching is a departure, an
// unbound one that started matching is an appearance, and a bound one
// that still matches may need re-ordering after a ranking change.
func (m *InstanceManager) handleModification(event ServiceEvent) {
	ref := event.Reference
	nowMatches := ref.Registered()
	props := event.Properties
	for _, rs := range m.reqs {
		matches := nowMatches && rs.matches(props)
		switch {
		case rs.isBound(ref.ID()) && !matches:
			m.release(rs, ref)
		case !rs.isBound(ref.ID()) && matches:
			if rs.req.Aggregate || len(rs.bound) == 0 {
				m.bind(rs, ref)
			}
		case rs.isBound(ref.ID()):
			m.mu.Lock()
			sortReferences(rs.bound)
			m.mu.Unlock()
		}
	}
}

func (m *InstanceManager) handleDeparture(ref *ServiceReference) {
	for _, rs := range m.reqs {
		if rs.isBound(ref.ID()) {
			m.release(rs, ref)
		}
	}
}

// release handles the loss of one bound reference for one requirement,
// including the immediate-rebind swap: when the requirement declares it
// and a replacement exists at the moment of loss, the manager swaps the
// binding directly without transitioning through invalidation.
func (m *InstanceManager) release(rs *requirementState, ref *ServiceReference) {
	if rs.req.Aggregate {
		m.unbind(rs, ref)
		if !rs.req.Optional && len(rs.bound) == 0 {
			m.invalidate()
		}
		return
	}

	replacement := m.findReplacement(rs, ref.ID())
	if rs.req.ImmediateRebind && replacement != nil {
		m.unbind(rs, ref)
		m.bind(rs, replacement)
		return
	}

	if !rs.req.Optional {
		m.invalidate()
	}
	m.unbind(rs, ref)
	if replacement != nil {
		// treated as an initial binding: checkEligibility will run the
		// validate hook again
		m.bind(rs, replacement)
	}
}

// findReplacement returns the best candidate other than the departing
// entry, which is still visible during its unregistering window.
func (m *InstanceManager) findReplacement(rs *requirementState, excludeID int64) *ServiceReference {
	for _, ref := range m.registry.FindFiltered(rs.req.Specification, rs.filter) {
		if ref.ID() != excludeID && !rs.isBound(ref.ID()) {
			return ref
		}
	}
	return nil
}

// bind records the reference and fires the bind callback. Returns false
// when the service could not be dereferenced (lost an unregistration
// race), in which case nothing is recorded.
func (m *InstanceManager) bind(rs *requirementState, ref *ServiceReference) bool {
	service, err := m.registry.GetService(m.bundle, ref)
	if err != nil {
		m.logger.Debug("Skipping binding of stale reference",
			"instance", m.name, "requirement", rs.req.Name, "service", ref.ID())
		return false
	}

	m.mu.Lock()
	rs.bound = append(rs.bound, ref)
	sortReferences(rs.bound)
	rs.objs[ref.ID()] = service
	m.mu.Unlock()

	m.logger.Debug("Bound service", "instance", m.name, "requirement", rs.req.Name, "service", ref.ID())
	if aware, ok := m.component.(BindingAware); ok {
		m.safeHook("bind", func() { aware.Bind(rs.req.Name, ref, service) })
	}
	return true
}

// unbind fires the unbind callback, releases the dereferenced object and
// drops the reference from the bound set.
func (m *InstanceManager) unbind(rs *requirementState, ref *ServiceReference) {
	m.mu.Lock()
	service := rs.objs[ref.ID()]
	delete(rs.objs, ref.ID())
	for i, bound := range rs.bound {
		if bound.ID() == ref.ID() {
			rs.bound = append(rs.bound[:i], rs.bound[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	if aware, ok := m.component.(BindingAware); ok {
		m.safeHook("unbind", func() { aware.Unbind(rs.req.Name, ref, service) })
	}
	m.registry.UngetService(m.bundle, ref, service)
	m.logger.Debug("Unbound service", "instance", m.name, "requirement", rs.req.Name, "service", ref.ID())
}

// satisfied reports whether every mandatory requirement has at least one
// bound reference.
func (m *InstanceManager) satisfied() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rs := range m.reqs {
		if !rs.req.Optional && len(rs.bound) == 0 {
			return false
		}
	}
	return true
}

// checkEligibility is run after every queue item: it moves the instance
// towards VALID when its mandatory requirements are satisfied, except
// out of ERRONEOUS, which only an explicit retry leaves.
func (m *InstanceManager) checkEligibility() {
	switch m.State() {
	case StateInstantiated:
		if m.satisfied() {
			m.validate()
		} else {
			// evaluated and waiting for dependencies
			m.setState(StateInvalid)
		}
	case StateInvalid:
		if m.satisfied() {
			m.validate()
		}
	case StateValid:
		if !m.satisfied() {
			m.invalidate()
		}
	}
}

// validate runs the user validate hook with no registry lock held.
func (m *InstanceManager) validate() {
	m.setState(StateValidating)

	ctx := &ComponentContext{manager: m}
	err := m.callValidate(ctx)
	if err != nil {
		failure := &Failure{Kind: FailureValidation, Message: err.Error()}
		var f *Failure
		if errors.As(err, &f) {
			failure = f
		}
		m.mu.Lock()
		m.failure = failure
		m.mu.Unlock()
		m.setState(StateErroneous)
		m.logger.Error("Component validation failed", "instance", m.name, "error", err)
		return
	}

	m.setState(StateValid)
	m.logger.Info("Component validated", "instance", m.name, "factory", m.factoryID)
	m.registerProvides()
}

// callValidate converts a panicking validate hook into a Failure.
func (m *InstanceManager) callValidate(ctx *ComponentContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &Failure{Kind: FailurePanic, Message: fmt.Sprint(r)}
		}
	}()
	return m.component.Validate(ctx)
}

// invalidate withdraws provided services, runs the invalidate hook and
// marks the instance invalid. No-op unless the instance is valid or
// validating.
func (m *InstanceManager) invalidate() {
	state := m.State()
	if state != StateValid && state != StateValidating {
		return
	}

	m.unregisterProvides()
	ctx := &ComponentContext{manager: m}
	m.safeHook("invalidate", func() { m.component.Invalidate(ctx) })
	m.setState(StateInvalid)
	m.logger.Info("Component invalidated", "instance", m.name, "factory", m.factoryID)
}

func (m *InstanceManager) handleRetry(props map[string]any) bool {
	if m.State() != StateErroneous {
		return m.State() == StateValid
	}

	m.mu.Lock()
	if props != nil {
		m.props = copyProperties(props)
	}
	m.failure = nil
	m.mu.Unlock()

	if m.satisfied() {
		m.validate()
	} else {
		// back to waiting for dependencies
		m.setState(StateInvalid)
	}
	return m.State() == StateValid
}

// handleKill releases everything. Runs after any in-flight transition,
// so a component never observes kill interleaved with validate.
func (m *InstanceManager) handleKill() {
	if m.State() == StateValid {
		m.unregisterProvides()
		ctx := &ComponentContext{manager: m}
		m.safeHook("invalidate", func() { m.component.Invalidate(ctx) })
	}

	for _, rs := range m.reqs {
		for len(rs.bound) > 0 {
			m.unbind(rs, rs.bound[0])
		}
	}

	m.registry.Dispatcher().RemoveListener(m)
	m.setState(StateKilled)
	m.logger.Info("Component killed", "instance", m.name, "factory", m.factoryID)
	if m.onKilled != nil {
		m.onKilled(m)
	}
}

// registerProvides publishes the component under its factory's provided
// specifications while it is valid.
func (m *InstanceManager) registerProvides() {
	if len(m.provides) == 0 {
		return
	}
	props := m.Properties()
	props[PropInstanceName] = m.name
	props[PropFactoryID] = m.factoryID
	ref, err := m.registry.Register(m.bundle, m.provides, m.component, props)
	if err != nil {
		m.logger.Error("Failed to register provided specifications",
			"instance", m.name, "specs", m.provides, "error", err)
		return
	}
	m.mu.Lock()
	m.provided = append(m.provided, ref)
	m.mu.Unlock()
}

func (m *InstanceManager) unregisterProvides() {
	m.mu.Lock()
	provided := m.provided
	m.provided = nil
	m.mu.Unlock()
	for _, ref := range provided {
		_ = m.registry.Unregister(ref)
	}
}

// safeHook isolates user callbacks: a panic is logged and absorbed so it
// cannot poison the worker loop.
func (m *InstanceManager) safeHook(name string, hook func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Component hook panicked", "instance", m.name, "hook", name, "panic", r)
		}
	}()
	hook()
}
