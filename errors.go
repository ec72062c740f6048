package ring

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrNotConnected is returned by command execution when the state
	// machine is not in the connected state.
	ErrNotConnected = errors.New("not connected")

	// ErrConnectionTimeout is the failure for a connection attempt that
	// did not complete within the configured timeout.
	ErrConnectionTimeout = errors.New("connection timed out")

	// ErrServiceDiscovery is the failure for a session whose service
	// discovery did not complete.
	ErrServiceDiscovery = errors.New("service discovery failed")
)

// PermissionError reports a missing OS capability. Returned before any
// radio access is attempted.
type PermissionError struct {
	Capability string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("permission denied: missing capability %s", e.Capability)
}

// InvalidTransitionError reports a rejected state transition. The
// machine's state is unchanged when this is returned.
type InvalidTransitionError struct {
	From, To StateKind
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition: %s -> %s", e.From, e.To)
}

// PairingError reports a bonding handshake that failed after the
// retry allowance was spent.
type PairingError struct {
	Reason string
}

func (e *PairingError) Error() string {
	return fmt.Sprintf("pairing failed: %s", e.Reason)
}

// GattError wraps a failure from a GATT operation.
type GattError struct {
	Op  string
	Err error
}

func (e *GattError) Error() string {
	return fmt.Sprintf("gatt %s: %v", e.Op, e.Err)
}

func (e *GattError) Unwrap() error {
	return e.Err
}
