package weave

// Reserved service property keys. These are managed by the registry itself;
// values supplied by providers under these keys are overwritten at
// registration time (the system value wins).
const (
	// PropObjectClass holds the ordered list of specification names the
	// service is registered under.
	PropObjectClass = "objectClass"

	// PropServiceID holds the process-unique service identifier assigned at
	// registration. It is never reused, even after unregistration.
	PropServiceID = "service.id"

	// PropServiceRanking holds the integer ranking used to order services
	// for the same specification. Higher wins; the default is 0.
	PropServiceRanking = "service.ranking"
)

// Conventional (non-reserved) property keys used by the runtime.
const (
	// PropServiceImported marks services mirrored from a remote registry.
	// Local requirements can filter imports in or out with it; the
	// CloudEvents exporter skips entries carrying it.
	PropServiceImported = "service.imported"

	// PropInstanceName holds the component instance name on services a
	// component publishes while valid.
	PropInstanceName = "instance.name"

	// PropFactoryID holds the component factory identifier on services a
	// component publishes while valid.
	PropFactoryID = "factory.id"
)

// CloudEvent types emitted by the event exporter, one per registry event.
// Following the CloudEvents specification, these use reverse domain notation.
const (
	EventTypeServiceRegistered    = "com.weave.service.registered"
	EventTypeServiceModified      = "com.weave.service.modified"
	EventTypeServiceUnregistering = "com.weave.service.unregistering"
	EventTypeServiceUnregistered  = "com.weave.service.unregistered"
)

// DefaultRanking is applied when a registration carries no ranking property
// or carries one that cannot be interpreted as an integer.
const DefaultRanking = 0
