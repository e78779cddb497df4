package weave

import (
	"fmt"
	"reflect"
	"sort"
)

// ServiceReference is a lightweight handle on a registered service entry.
// Consumers hold references instead of direct object pointers so the
// registry can tear entries down underneath them: once the entry is
// unregistered, dereferencing through the registry reports
// ErrStaleReference instead of handing out a dead object.
//
// A reference is created once per registration and is stable for the
// entry's lifetime, so references can be compared by pointer identity.
type ServiceReference struct {
	registry *ServiceRegistry
	entry    *serviceEntry
}

// ID returns the process-unique service identifier. IDs are assigned in
// registration order and never reused.
func (ref *ServiceReference) ID() int64 {
	return ref.entry.id
}

// Bundle returns the bundle that registered the service.
func (ref *ServiceReference) Bundle() *Bundle {
	return ref.entry.bundle
}

// Specifications returns the ordered specification names the service was
// registered under.
func (ref *ServiceReference) Specifications() []string {
	ref.registry.mu.RLock()
	defer ref.registry.mu.RUnlock()
	out := make([]string, len(ref.entry.specs))
	copy(out, ref.entry.specs)
	return out
}

// Properties returns a snapshot of the service properties. The snapshot
// remains readable after unregistration; only dereferencing is refused.
func (ref *ServiceReference) Properties() map[string]any {
	ref.registry.mu.RLock()
	defer ref.registry.mu.RUnlock()
	return copyProperties(ref.entry.props)
}

// Property returns a single property value.
func (ref *ServiceReference) Property(key string) (any, bool) {
	ref.registry.mu.RLock()
	defer ref.registry.mu.RUnlock()
	value, ok := ref.entry.props[key]
	return value, ok
}

// Ranking returns the service ranking (default 0).
func (ref *ServiceReference) Ranking() int {
	ref.registry.mu.RLock()
	defer ref.registry.mu.RUnlock()
	return ref.entry.ranking
}

// Registered reports whether the entry is still in the catalog. An entry
// in its unregistering window (UNREGISTERING fired, removal pending) still
// counts as registered.
func (ref *ServiceReference) Registered() bool {
	ref.registry.mu.RLock()
	defer ref.registry.mu.RUnlock()
	_, ok := ref.registry.entries[ref.entry.id]
	return ok
}

// String implements fmt.Stringer for log output.
func (ref *ServiceReference) String() string {
	return fmt.Sprintf("ServiceReference(id=%d, specs=%v)", ref.entry.id, ref.entry.specs)
}

// CompareReferences implements the load-bearing "best service" order:
// ranking descending, then service id ascending as the tie-break.
// It returns a negative value when a sorts before b.
func CompareReferences(a, b *ServiceReference) int {
	ra, rb := a.Ranking(), b.Ranking()
	if ra != rb {
		if ra > rb {
			return -1
		}
		return 1
	}
	switch {
	case a.entry.id < b.entry.id:
		return -1
	case a.entry.id > b.entry.id:
		return 1
	default:
		return 0
	}
}

// sortReferences orders references in place by the CompareReferences rule.
func sortReferences(refs []*ServiceReference) {
	sort.SliceStable(refs, func(i, j int) bool {
		return CompareReferences(refs[i], refs[j]) < 0
	})
}

// copyProperties snapshots a property map. Slice values (objectClass in
// particular) are cloned too, so mutating one snapshot can never bleed
// into another snapshot or back into the catalog.
func copyProperties(props map[string]any) map[string]any {
	out := make(map[string]any, len(props))
	for k, v := range props {
		out[k] = copyPropertyValue(v)
	}
	return out
}

func copyPropertyValue(v any) any {
	switch s := v.(type) {
	case []string:
		return append([]string(nil), s...)
	case []any:
		return append([]any(nil), s...)
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice {
		clone := reflect.MakeSlice(rv.Type(), rv.Len(), rv.Len())
		reflect.Copy(clone, rv)
		return clone.Interface()
	}
	return v
}
