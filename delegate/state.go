package delegate

import "time"

// State is the client's connection state.
type State int

const (
	Disconnected State = iota // No transport handle; Process fails with NotConnectedError
	Connected                 // Transport handle open; Process allowed
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connected:
		return "Connected"
	default:
		return "Unknown"
	}
}

// StateEvent is emitted when the connection state changes.
// It is passed to the handler registered with OnStateChange.
type StateEvent struct {
	State        State     // The new state
	Endpoint     string    // Endpoint of the connection that was opened or closed
	ConnectionID string    // ID of that connection
	Timestamp    time.Time // When the change occurred
	Reason       string    // Why the connection closed: "disconnect", "timeout", "canceled"; empty on connect
}

// StateChangeHandler is called when the connection state changes.
// Handlers are invoked from goroutines; implementations must be safe for concurrent use.
type StateChangeHandler func(event StateEvent)
