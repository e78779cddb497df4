package weave

// ServiceEventType identifies the kind of registry change an event reports.
type ServiceEventType int

const (
	// ServiceRegistered: the entry just became visible to lookups.
	ServiceRegistered ServiceEventType = iota

	// ServiceModified: the entry's properties were replaced.
	ServiceModified

	// ServiceUnregistering: the entry is about to be removed but is still
	// visible to lookups, so listeners can call accessor methods on it.
	ServiceUnregistering

	// ServiceUnregistered: the entry has been removed from the catalog.
	ServiceUnregistered
)

// String implements fmt.Stringer.
func (t ServiceEventType) String() string {
	switch t {
	case ServiceRegistered:
		return "REGISTERED"
	case ServiceModified:
		return "MODIFIED"
	case ServiceUnregistering:
		return "UNREGISTERING"
	case ServiceUnregistered:
		return "UNREGISTERED"
	default:
		return "UNKNOWN"
	}
}

// ServiceEvent is a registry change notification.
//
// Events are delivered synchronously on the goroutine that mutated the
// catalog, after the catalog lock has been released. A notification can
// therefore race with a concurrent mutation of the same entry: consumers
// must treat the payload as "something changed" and re-query the registry
// for ground truth. The per-entry Sequence imposes a total order on the
// entry's mutations for consumers that need to detect stale deliveries.
type ServiceEvent struct {
	// Type is the kind of change.
	Type ServiceEventType

	// Reference identifies the affected service.
	Reference *ServiceReference

	// Properties is a snapshot of the entry's properties at mutation time.
	Properties map[string]any

	// Previous holds the pre-update properties for ServiceModified events,
	// nil otherwise. Listeners use it to detect a bound service that
	// stopped matching their filter.
	Previous map[string]any

	// Sequence is the entry's mutation counter: 1 at registration,
	// incremented for every property update and for unregistration.
	Sequence uint64
}
