package weave

// ComponentState is one step of a component instance's lifecycle.
type ComponentState int32

const (
	// StateInstantiated: the component object exists, requirements have
	// not been evaluated yet.
	StateInstantiated ComponentState = iota

	// StateValidating: all mandatory requirements are satisfied and the
	// validate hook is in flight.
	StateValidating

	// StateValid: the validate hook returned without error; the
	// component's provided specifications are published.
	StateValid

	// StateInvalid: one or more mandatory requirements are unsatisfied,
	// or the invalidate hook just ran. The component re-validates
	// automatically when its requirements are satisfied again.
	StateInvalid

	// StateErroneous: the validate hook failed. The failure is retained
	// for introspection and the component is not retried automatically;
	// only an explicit retry leaves this state.
	StateErroneous

	// StateKilled: terminal. All bindings are released and the instance
	// cannot be revived.
	StateKilled
)

// String implements fmt.Stringer.
func (s ComponentState) String() string {
	switch s {
	case StateInstantiated:
		return "INSTANTIATED"
	case StateValidating:
		return "VALIDATING"
	case StateValid:
		return "VALID"
	case StateInvalid:
		return "INVALID"
	case StateErroneous:
		return "ERRONEOUS"
	case StateKilled:
		return "KILLED"
	default:
		return "UNKNOWN"
	}
}

// Component is the capability interface a component implementation
// exposes to its instance manager. There is no reflective field
// injection: dependencies arrive through the optional BindingAware
// callbacks, and the lifecycle hooks below bracket the component's
// useful life.
//
// Hooks run on the instance's own transition worker with no registry
// lock held, so they may block and may re-enter the registry. A slow
// hook stalls only its own instance's transitions, never other
// components.
type Component interface {
	// Validate is called when every mandatory requirement is satisfied.
	// Returning an error (or panicking) moves the instance to
	// StateErroneous with the failure retained for introspection.
	Validate(ctx *ComponentContext) error

	// Invalidate is called when a mandatory requirement is lost, before
	// the instance is marked invalid, and during kill if the instance
	// was valid.
	Invalidate(ctx *ComponentContext)
}

// BindingAware is an optional interface for components that want to be
// told about individual service bindings. Bind runs after the reference
// is recorded; Unbind runs before it is released. For aggregate
// requirements the callbacks fire once per reference, in ranking order
// for the initial population.
type BindingAware interface {
	// Bind reports a newly bound service for the named requirement.
	Bind(requirement string, ref *ServiceReference, service any)

	// Unbind reports a lost binding for the named requirement.
	Unbind(requirement string, ref *ServiceReference, service any)
}

// ComponentContext is handed to lifecycle hooks. It gives the component
// read access to its own identity and a path back into the registry, so
// a validating component can look up or register further services.
type ComponentContext struct {
	manager *InstanceManager
}

// Name returns the component instance name.
func (c *ComponentContext) Name() string { return c.manager.name }

// FactoryID returns the id of the factory that created the instance.
func (c *ComponentContext) FactoryID() string { return c.manager.factoryID }

// Properties returns a snapshot of the instance's merged properties.
func (c *ComponentContext) Properties() map[string]any {
	return c.manager.Properties()
}

// Registry returns the service registry the instance resolves against.
func (c *ComponentContext) Registry() *ServiceRegistry { return c.manager.registry }

// Bundle returns the bundle that owns the instance's factory.
func (c *ComponentContext) Bundle() *Bundle { return c.manager.bundle }

// Bound returns the ordered references bound to the named requirement;
// the first element is always the best-ranked live reference.
func (c *ComponentContext) Bound(requirement string) []*ServiceReference {
	return c.manager.Bound(requirement)
}

// FailureKind classifies a retained component failure.
type FailureKind string

const (
	// FailureValidation: the validate hook returned an error.
	FailureValidation FailureKind = "validation"

	// FailurePanic: a lifecycle hook panicked.
	FailurePanic FailureKind = "panic"
)

// Failure is the structured failure record retained while a component is
// erroneous, so operators can tell "waiting for a dependency" apart from
// "broke on validate".
type Failure struct {
	Kind    FailureKind
	Message string
}

// Error implements the error interface.
func (f *Failure) Error() string {
	return string(f.Kind) + ": " + f.Message
}
