package weave

import "fmt"

// Requirement declares a component's dependency on a service
// specification. It is pure data, owned by exactly one instance manager;
// managers never share requirements.
type Requirement struct {
	// Name identifies the requirement within its component. Bind/unbind
	// callbacks and the bound-reference accessors are keyed by it.
	Name string

	// Specification is the service specification to match.
	Specification string

	// Filter optionally narrows the match with filter-language text
	// evaluated against candidate service properties.
	Filter string

	// Aggregate binds every match instead of a single best one.
	Aggregate bool

	// Optional lets the component validate without a bound service.
	Optional bool

	// ImmediateRebind swaps a lost single binding directly for an
	// available replacement instead of cycling through invalidation.
	// Ignored for aggregate requirements.
	ImmediateRebind bool
}

// Validate checks the requirement is well formed, including that the
// filter text parses. Malformed requirements are rejected at factory
// registration time, never during matching.
func (rq Requirement) Validate() error {
	if rq.Name == "" {
		return ErrRequirementName
	}
	if rq.Specification == "" {
		return fmt.Errorf("%w: requirement %q", ErrRequirementSpec, rq.Name)
	}
	if rq.Filter != "" {
		if _, err := ParseFilter(rq.Filter); err != nil {
			return fmt.Errorf("requirement %q: %w", rq.Name, err)
		}
	}
	return nil
}

// compile returns the parsed filter, or nil when the requirement has none.
func (rq Requirement) compile() (Filter, error) {
	if rq.Filter == "" {
		return nil, nil
	}
	return ParseFilter(rq.Filter)
}
