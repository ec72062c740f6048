package ring

import "context"

// Radio is the host Bluetooth stack. Implementations translate the
// platform's asynchronous callbacks (scan reports, bond results, power
// changes) into the blocking calls and channels below; the connection
// manager never talks to the platform directly.
type Radio interface {
	// Scan starts device discovery and streams discovered peripherals
	// on the returned channel until ctx is cancelled or the platform
	// stops the scan. The channel is closed when the scan ends.
	Scan(ctx context.Context) (<-chan DeviceIdentity, error)

	// Dial establishes the physical link to addr. With persistent set,
	// the platform keeps retrying at the link layer while the returned
	// Link is idle, offloading part of the reconnection work to the
	// radio stack. Blocks until the link is up or ctx is done.
	Dial(ctx context.Context, addr Addr, persistent bool) (Link, error)

	// BondState reports the current OS bonding status for addr.
	BondState(addr Addr) BondState

	// Bond initiates the bonding handshake with addr and blocks until
	// the platform reports bonded, reports failure, or ctx is done.
	Bond(ctx context.Context, addr Addr) error

	// PowerEvents streams radio power changes: true when the adapter
	// powers on, false when it powers off.
	PowerEvents() <-chan bool
}

// Link is one open physical connection to a peripheral, owned
// exclusively by the GATT session wrapping it.
type Link interface {
	// Device identifies the remote peripheral.
	Device() DeviceIdentity

	// DiscoverServices enumerates the peripheral's service and
	// characteristic table. Must complete before ExchangeMTU or any
	// data operation.
	DiscoverServices(ctx context.Context) error

	// ExchangeMTU requests the given transfer unit and returns the
	// negotiated value.
	ExchangeMTU(ctx context.Context, preferred int) (int, error)

	// Write sends an opaque command payload to the peripheral.
	Write(ctx context.Context, data []byte) error

	// Read reads an opaque value from the peripheral.
	Read(ctx context.Context) ([]byte, error)

	// Disconnected returns a channel that is closed when the link
	// drops, whether by request or by loss.
	Disconnected() <-chan struct{}

	// Close signals disconnect intent and then releases the link's
	// resources. Idempotent.
	Close() error
}
