package outbus

// Event is the user-facing description of a business fact before it is
// recorded. Payload is the event-type-specific body; it is serialized into
// the envelope at record time.
type Event struct {
	// EventID is generated when empty. It stays stable across publish
	// retries so consumers can deduplicate.
	EventID       string
	EventType     string
	RoutingKey    string
	SchemaVersion int
	Source        string
	Payload       interface{}
}

// DrainResult reports the outcome of one drain pass.
type DrainResult struct {
	Published int
	Failed    int
}
