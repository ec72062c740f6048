// Package permission decides whether radio operations are authorized
// under the host OS's capability model. The required capabilities vary
// by OS API level; the mapping is a lookup table so callers never
// branch on level themselves.
package permission

import "github.com/lumaring/ring"

// Op is a class of radio operation that requires authorization.
type Op int

const (
	OpScan Op = iota
	OpConnect
	OpBackground
)

func (o Op) String() string {
	switch o {
	case OpScan:
		return "scan"
	case OpConnect:
		return "connect"
	case OpBackground:
		return "background"
	}
	return "unknown"
}

// Capability names follow the platform manifest spelling.
const (
	CapBluetooth          = "BLUETOOTH"
	CapBluetoothAdmin     = "BLUETOOTH_ADMIN"
	CapFineLocation       = "ACCESS_FINE_LOCATION"
	CapBackgroundLocation = "ACCESS_BACKGROUND_LOCATION"
	CapBluetoothScan      = "BLUETOOTH_SCAN"
	CapBluetoothConnect   = "BLUETOOTH_CONNECT"
	CapPostNotifications  = "POST_NOTIFICATIONS"
)

// Set is the snapshot of currently granted capabilities.
type Set map[string]bool

// NewSet builds a Set from capability names.
func NewSet(caps ...string) Set {
	s := make(Set, len(caps))
	for _, c := range caps {
		s[c] = true
	}
	return s
}

type levelBand int

const (
	bandLegacy levelBand = iota // < 12: location-based scanning
	bandModern                  // 12: explicit scan/connect capabilities
	bandNotify                  // >= 13: adds notification capability
)

func bandFor(apiLevel int) levelBand {
	switch {
	case apiLevel < 12:
		return bandLegacy
	case apiLevel < 13:
		return bandModern
	}
	return bandNotify
}

// required maps (level band, operation) to the capabilities that must
// all be granted before the operation may touch the radio.
var required = map[levelBand]map[Op][]string{
	bandLegacy: {
		OpScan:       {CapBluetooth, CapBluetoothAdmin, CapFineLocation},
		OpConnect:    {CapBluetooth},
		OpBackground: {CapBluetooth, CapBackgroundLocation},
	},
	bandModern: {
		OpScan:       {CapBluetoothScan},
		OpConnect:    {CapBluetoothConnect},
		OpBackground: {CapBluetoothConnect},
	},
	bandNotify: {
		OpScan:       {CapBluetoothScan},
		OpConnect:    {CapBluetoothConnect},
		OpBackground: {CapBluetoothConnect, CapPostNotifications},
	},
}

// Check returns nil when every capability the operation needs at the
// given API level is granted, and a *ring.PermissionError naming the
// first missing capability otherwise.
func Check(apiLevel int, granted Set, op Op) error {
	for _, cap := range required[bandFor(apiLevel)][op] {
		if !granted[cap] {
			return &ring.PermissionError{Capability: cap}
		}
	}
	return nil
}
