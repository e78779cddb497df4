package weave

import (
	"errors"
	"fmt"
)

// Runtime errors
var (
	// Registry errors
	ErrSpecificationRequired = errors.New("at least one specification name is required")
	ErrNilService            = errors.New("cannot register a nil service instance")
	ErrStaleReference        = errors.New("service reference is no longer registered")
	ErrNilReference          = errors.New("service reference is nil")

	// Filter errors
	ErrFilterSyntax = errors.New("invalid filter syntax")

	// Component factory errors
	ErrFactoryNotFound      = errors.New("component factory not found")
	ErrFactoryConflict      = errors.New("component factory already registered")
	ErrFactoryIDRequired    = errors.New("component factory id is required")
	ErrConstructorRequired  = errors.New("component factory requires a constructor")
	ErrNameConflict         = errors.New("component instance name already in use")
	ErrInstanceNameRequired = errors.New("component instance name is required")
	ErrInstanceNotFound     = errors.New("component instance not found")
	ErrInstanceKilled       = errors.New("component instance has been killed")
	ErrNotErroneous         = errors.New("component instance is not erroneous")

	// Requirement errors
	ErrRequirementName = errors.New("requirement name is required")
	ErrRequirementSpec = errors.New("requirement specification is required")

	// Bundle errors
	ErrBundleNameRequired = errors.New("bundle name is required")
	ErrBundleConflict     = errors.New("bundle already installed")
	ErrBundleNotFound     = errors.New("bundle not found")
	ErrBundleUninstalled  = errors.New("bundle has been uninstalled")

	// Manifest errors
	ErrManifestFormat      = errors.New("unsupported manifest format")
	ErrManifestInvalid     = errors.New("invalid bundle manifest")
	ErrConstructorNotFound = errors.New("component constructor not registered")
)

// FilterSyntaxError reports where filter parsing failed. It wraps
// ErrFilterSyntax so callers can match the error kind with errors.Is.
type FilterSyntaxError struct {
	Text string // the full filter text being parsed
	Pos  int    // byte offset of the offending character
	Msg  string // what the parser expected
}

// Error implements the error interface.
func (e *FilterSyntaxError) Error() string {
	return fmt.Sprintf("invalid filter syntax at offset %d in %q: %s", e.Pos, e.Text, e.Msg)
}

// Unwrap allows errors.Is(err, ErrFilterSyntax).
func (e *FilterSyntaxError) Unwrap() error {
	return ErrFilterSyntax
}
