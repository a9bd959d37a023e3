package bus

import "time"

// Event is a domain event published on the bus. Kind is dot-namespaced;
// the namespaces in use are:
//
//	crm.*          raw arrivals from the backend (realtime or poll)
//	message.*      send outcomes and hydration results (send_ack, send_failed, hydrated)
//	timeline.*     merged timeline changes for the active conversation
//	conversation.* roster updates (unread, preview)
//	conn.*         connection lifecycle changes
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
