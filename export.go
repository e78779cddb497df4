package weave

import (
	"context"
	"fmt"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
)

// CloudEvent is an alias for the CloudEvents Event type for convenience.
type CloudEvent = cloudevents.Event

// Observer receives exported service lifecycle events in CloudEvents
// form. Observers should handle events quickly; each notification runs
// on its own goroutine so a slow observer never blocks the registry.
type Observer interface {
	// OnEvent is called for each exported event. The context can be used
	// for cancellation and timeouts.
	OnEvent(ctx context.Context, event cloudevents.Event) error

	// ObserverID returns a unique identifier for this observer, used for
	// registration tracking and debugging.
	ObserverID() string
}

// FunctionalObserver adapts a plain function into an Observer.
type FunctionalObserver struct {
	id      string
	handler func(ctx context.Context, event cloudevents.Event) error
}

// NewFunctionalObserver creates an observer backed by the given handler.
func NewFunctionalObserver(id string, handler func(ctx context.Context, event cloudevents.Event) error) Observer {
	return &FunctionalObserver{id: id, handler: handler}
}

// OnEvent implements Observer by calling the handler function.
func (f *FunctionalObserver) OnEvent(ctx context.Context, event cloudevents.Event) error {
	return f.handler(ctx, event)
}

// ObserverID implements Observer by returning the observer id.
func (f *FunctionalObserver) ObserverID() string {
	return f.id
}

// NewCloudEvent creates a properly formatted CloudEvent with a UUIDv7
// id, the given reverse-domain type and source, optional JSON data and
// extension attributes.
func NewCloudEvent(eventType, source string, data any, extensions map[string]any) cloudevents.Event {
	event := cloudevents.NewEvent()
	event.SetID(generateEventID())
	event.SetSource(source)
	event.SetType(eventType)
	event.SetTime(time.Now())
	event.SetSpecVersion(cloudevents.VersionV1)
	if data != nil {
		_ = event.SetData(cloudevents.ApplicationJSON, data)
	}
	for key, value := range extensions {
		event.SetExtension(key, value)
	}
	return event
}

// generateEventID returns a UUIDv7 for time-ordered uniqueness, falling
// back to v4 if v7 fails for any reason.
func generateEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}

// importedFilter matches services that were imported from another
// process. Re-exporting those would loop them back to their origin.
var importedFilter = MustParseFilter("(" + PropServiceImported + "=*)")

// EventExporter bridges registry events to external observers as
// CloudEvents. It implements ServiceListener: register it on the
// dispatcher to start exporting. Services carrying the
// service.imported marker are skipped.
type EventExporter struct {
	logger Logger
	source string

	mu        sync.Mutex
	observers map[string]*observerRegistration
}

// observerRegistration pairs an observer with its event-type subscription.
type observerRegistration struct {
	observer   Observer
	eventTypes map[string]bool // nil means all event types
}

func (r *observerRegistration) wants(eventType string) bool {
	return r.eventTypes == nil || r.eventTypes[eventType]
}

// NewEventExporter creates an exporter attributing events to the given
// CloudEvents source URI.
func NewEventExporter(logger Logger, source string) *EventExporter {
	if logger == nil {
		logger = NewNoopLogger()
	}
	return &EventExporter{
		logger:    logger,
		source:    source,
		observers: make(map[string]*observerRegistration),
	}
}

// RegisterObserver adds an observer, optionally restricted to the given
// CloudEvent types; with none it receives every event. Re-registering
// the same id replaces the previous registration.
func (e *EventExporter) RegisterObserver(observer Observer, eventTypes ...string) {
	reg := &observerRegistration{observer: observer}
	if len(eventTypes) > 0 {
		reg.eventTypes = make(map[string]bool, len(eventTypes))
		for _, et := range eventTypes {
			reg.eventTypes[et] = true
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observers[observer.ObserverID()] = reg
}

// UnregisterObserver removes an observer. Idempotent.
func (e *EventExporter) UnregisterObserver(observer Observer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.observers, observer.ObserverID())
}

// ObserverCount returns the number of registered observers.
func (e *EventExporter) ObserverCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.observers)
}

// ServiceChanged implements ServiceListener by converting the event and
// fanning it out to the registered observers, one goroutine each.
func (e *EventExporter) ServiceChanged(event ServiceEvent) {
	if importedFilter.Matches(event.Properties) {
		return
	}

	ce := e.convert(event)

	e.mu.Lock()
	observers := make([]Observer, 0, len(e.observers))
	for _, reg := range e.observers {
		if reg.wants(ce.Type()) {
			observers = append(observers, reg.observer)
		}
	}
	e.mu.Unlock()

	for _, obs := range observers {
		go e.notify(obs, ce)
	}
}

// notify delivers one event to one observer, containing panics so a
// broken observer cannot take the exporter down.
func (e *EventExporter) notify(observer Observer, event cloudevents.Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Observer panicked", "observer", observer.ObserverID(),
				"eventType", event.Type(), "panic", fmt.Sprintf("%v", r))
		}
	}()
	if err := observer.OnEvent(context.Background(), event); err != nil {
		e.logger.Debug("Observer returned error", "observer", observer.ObserverID(),
			"eventType", event.Type(), "error", err)
	}
}

// convert maps a registry event onto the CloudEvents vocabulary.
func (e *EventExporter) convert(event ServiceEvent) cloudevents.Event {
	var eventType string
	switch event.Type {
	case ServiceRegistered:
		eventType = EventTypeServiceRegistered
	case ServiceModified:
		eventType = EventTypeServiceModified
	case ServiceUnregistering:
		eventType = EventTypeServiceUnregistering
	default:
		eventType = EventTypeServiceUnregistered
	}

	data := map[string]any{
		"serviceId":      event.Reference.ID(),
		"specifications": event.Reference.Specifications(),
		"properties":     event.Properties,
	}
	if event.Previous != nil {
		data["previousProperties"] = event.Previous
	}
	return NewCloudEvent(eventType, e.source, data, nil)
}
