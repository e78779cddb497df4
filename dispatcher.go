package weave

import (
	"reflect"
	"sync"
	"time"
)

// ServiceListener receives registry change notifications.
//
// ServiceChanged is invoked synchronously while no registry lock is held;
// the listener may re-enter the registry to run lookups or even register
// further services. Listeners that perform slow work must hand it off to
// their own goroutine so one slow listener does not stall the fan-out.
type ServiceListener interface {
	ServiceChanged(event ServiceEvent)
}

// ServiceListenerFunc adapts a function to the ServiceListener interface.
// Func values carry no usable identity, so a func-typed listener cannot be
// individually removed or have its filter replaced; use a struct listener
// for those.
type ServiceListenerFunc func(event ServiceEvent)

// ServiceChanged implements ServiceListener.
func (f ServiceListenerFunc) ServiceChanged(event ServiceEvent) { f(event) }

// listenerRegistration pairs a listener with its optional pre-filter.
type listenerRegistration struct {
	listener     ServiceListener
	filter       Filter // nil means all events
	registeredAt time.Time
}

// EventDispatcher fans service events out to registered listeners.
//
// Listeners are notified in registration order. A listener whose filter
// matches neither the event's properties nor (for modifications) the
// previous properties is skipped entirely, so managers are not woken for
// changes they cannot care about. A panicking listener is logged and
// isolated; it never blocks delivery to the rest.
type EventDispatcher struct {
	logger Logger

	mu        sync.RWMutex
	listeners []*listenerRegistration
}

// NewEventDispatcher creates a dispatcher. A nil logger falls back to the
// no-op logger.
func NewEventDispatcher(logger Logger) *EventDispatcher {
	if logger == nil {
		logger = NewNoopLogger()
	}
	return &EventDispatcher{logger: logger}
}

// AddListener registers a listener, optionally pre-filtered by filter
// text. An empty filter delivers every event. Re-adding the same
// listener replaces its filter while keeping its position in the
// delivery order.
func (d *EventDispatcher) AddListener(listener ServiceListener, filter string) error {
	var compiled Filter
	if filter != "" {
		var err error
		compiled, err = ParseFilter(filter)
		if err != nil {
			return err
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	// Registrations are immutable once published: Fire reads them after
	// dropping the lock, so a re-add swaps in a fresh registration
	// instead of mutating the old one under a concurrent delivery.
	for i, reg := range d.listeners {
		if sameListener(reg.listener, listener) {
			d.listeners[i] = &listenerRegistration{
				listener:     listener,
				filter:       compiled,
				registeredAt: reg.registeredAt,
			}
			return nil
		}
	}
	d.listeners = append(d.listeners, &listenerRegistration{
		listener:     listener,
		filter:       compiled,
		registeredAt: time.Now(),
	})
	return nil
}

// RemoveListener drops a listener. Removing an unknown listener is a no-op.
func (d *EventDispatcher) RemoveListener(listener ServiceListener) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, reg := range d.listeners {
		if sameListener(reg.listener, listener) {
			d.listeners = append(d.listeners[:i], d.listeners[i+1:]...)
			return
		}
	}
}

// sameListener is interface identity, guarded against func-typed
// listeners: func values are not comparable in Go, so two
// ServiceListenerFunc registrations are always treated as distinct.
func sameListener(a, b ServiceListener) bool {
	ta := reflect.TypeOf(a)
	if ta != reflect.TypeOf(b) {
		return false
	}
	if ta != nil && !ta.Comparable() {
		return false
	}
	return a == b
}

// ListenerCount returns the number of registered listeners.
func (d *EventDispatcher) ListenerCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.listeners)
}

// Fire delivers an event to all interested listeners in registration
// order. It must be called without holding any registry lock.
func (d *EventDispatcher) Fire(event ServiceEvent) {
	d.mu.RLock()
	snapshot := make([]*listenerRegistration, len(d.listeners))
	copy(snapshot, d.listeners)
	d.mu.RUnlock()

	for _, reg := range snapshot {
		if reg.filter != nil && !d.interested(reg.filter, event) {
			continue
		}
		d.deliver(reg, event)
	}
}

// interested applies the listener's pre-filter. Modified events are
// delivered when either the new or the previous properties match, so a
// listener learns about a bound service that just stopped matching.
func (d *EventDispatcher) interested(filter Filter, event ServiceEvent) bool {
	if filter.Matches(event.Properties) {
		return true
	}
	if event.Type == ServiceModified && event.Previous != nil {
		return filter.Matches(event.Previous)
	}
	return false
}

func (d *EventDispatcher) deliver(reg *listenerRegistration, event ServiceEvent) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Service listener panicked",
				"event", event.Type.String(),
				"service", event.Reference.ID(),
				"panic", r)
		}
	}()
	reg.listener.ServiceChanged(event)
}
