package ring

import "time"

// DeviceIdentity describes a discovered peripheral. Immutable once
// discovered; RSSI is the signal strength observed at discovery time.
type DeviceIdentity struct {
	Addr Addr
	Name string
	RSSI int
}

// BondState is the OS-level bonding status for one peripheral.
type BondState int

const (
	BondNone BondState = iota
	BondInProgress
	BondBonded
)

func (b BondState) String() string {
	switch b {
	case BondNone:
		return "none"
	case BondInProgress:
		return "in-progress"
	case BondBonded:
		return "bonded"
	}
	return "unknown"
}

// BondRecord tracks the bonding relationship with one peripheral for
// the duration of a connection attempt. Retries is capped at 1.
type BondRecord struct {
	Addr    Addr
	State   BondState
	Retries int
}

// PersistedDevice is the durable record of the last successfully
// connected peripheral. Written on every connected transition, cleared
// on manual disconnect, read once at startup.
type PersistedDevice struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	LastConnectedAt time.Time `json:"last_connected_at"`
	AutoReconnect   bool      `json:"auto_reconnect"`
}

// DeviceStore is durable storage for the PersistedDevice record.
type DeviceStore interface {
	Save(PersistedDevice) error
	Load() (PersistedDevice, bool, error)
	Clear() error
}
