package bus

import "time"

// Event is a domain event published on the bus. Kind is a dot-separated
// topic ("store.message.changed", "identity.logged_out") that subscribers
// match by prefix.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
