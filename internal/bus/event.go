package bus

import "time"

// Event is a domain event published on the bus. Kinds are dotted, with the
// publishing component first ("sync.cycle_done", "daemon.status_changed").
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
