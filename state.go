package ring

import "fmt"

// StateKind enumerates the connection state machine's states.
type StateKind int

const (
	StateIdle StateKind = iota
	StateScanning
	StateConnecting
	StatePairing
	StateConnected
	StateDisconnected
	StateReconnecting
	StateError
)

func (k StateKind) String() string {
	switch k {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateConnecting:
		return "connecting"
	case StatePairing:
		return "pairing"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	}
	return fmt.Sprintf("unknown(%d)", int(k))
}

// State is an immutable snapshot of the connection state machine.
// Exactly one kind is active; the payload fields are only meaningful
// for the kinds noted on each.
type State struct {
	Kind StateKind

	// Device and MTU are set when Kind is StateConnected.
	Device DeviceIdentity
	MTU    int

	// Attempt is the consecutive failed-attempt count when Kind is
	// StateReconnecting.
	Attempt int

	// Err carries the failure when Kind is StateError.
	Err error
}

func (s State) String() string {
	switch s.Kind {
	case StateConnected:
		return fmt.Sprintf("connected(%s mtu=%d)", s.Device.Addr, s.MTU)
	case StateReconnecting:
		return fmt.Sprintf("reconnecting(attempt=%d)", s.Attempt)
	case StateError:
		return fmt.Sprintf("error(%v)", s.Err)
	}
	return s.Kind.String()
}

// Connected reports whether the snapshot is the connected state.
func (s State) Connected() bool {
	return s.Kind == StateConnected
}

// An Observer receives every state transition, synchronously and in
// order, before the call that triggered the transition returns.
type Observer func(State)
