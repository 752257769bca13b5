// Package notify delivers fire-and-forget events to connected clients.
// The dispatch core only talks to the Notifier port; the transport layer
// owns the real connections.
package notify

// Event names on the wire.
const (
	EventRequestIncoming  = "request:incoming"
	EventRequestTaken     = "request:taken"
	EventRequestTimeout   = "request:timeout"
	EventRequestCancelled = "request:cancelled"

	EventRideAssigned     = "ride:assigned"
	EventRideStarted      = "ride:started"
	EventRideCompleted    = "ride:completed"
	EventRideCancelled    = "ride:cancelled"
	EventRideAutoRejected = "ride:auto_rejected"
)

// Notifier pushes one event to one user. Delivery is best-effort; callers
// log and continue on error.
type Notifier interface {
	Notify(target, event string, payload any) error
}

// Fanout sends through every notifier, typically the live websocket
// channel plus the out-of-band wake push for backgrounded clients.
type Fanout []Notifier

func (f Fanout) Notify(target, event string, payload any) error {
	var firstErr error
	for _, n := range f {
		if err := n.Notify(target, event, payload); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
