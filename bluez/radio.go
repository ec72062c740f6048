package bluez

import (
	"context"

	"github.com/godbus/dbus/v5"
	"github.com/pkg/errors"

	"github.com/lumaring/ring"
)

// Scan starts LE discovery and streams devices until ctx ends. Devices
// BlueZ already knows about are replayed first, then fresh discoveries
// arrive via InterfacesAdded.
func (r *Radio) Scan(ctx context.Context) (<-chan ring.DeviceIdentity, error) {
	adapter := r.conn.Object(busName, r.adapterPath)

	filter := map[string]dbus.Variant{
		"Transport": dbus.MakeVariant("le"),
	}
	if err := adapter.CallWithContext(ctx, adapterIface+".SetDiscoveryFilter", 0, filter).Err; err != nil {
		return nil, errors.Wrap(err, "set discovery filter")
	}
	if err := adapter.CallWithContext(ctx, adapterIface+".StartDiscovery", 0).Err; err != nil {
		return nil, errors.Wrap(err, "start discovery")
	}

	out := make(chan ring.DeviceIdentity, 16)
	r.mu.Lock()
	r.scanSink = out
	r.mu.Unlock()

	// Replay already-known devices.
	if objs, err := r.managedObjects(ctx); err == nil {
		for path, ifaces := range objs {
			props, ok := ifaces[deviceIface]
			if !ok {
				continue
			}
			if d, ok := r.identityFrom(path, props); ok {
				select {
				case out <- d:
				default:
				}
			}
		}
	}

	go func() {
		<-ctx.Done()

		r.mu.Lock()
		r.scanSink = nil
		close(out)
		r.mu.Unlock()

		if err := adapter.Call(adapterIface+".StopDiscovery", 0).Err; err != nil {
			r.log.Warnf("stop discovery: %v", err)
		}
	}()

	return out, nil
}

// Dial connects the physical link. BlueZ keeps retrying bonded devices
// at the link layer on its own, which carries the persistent-link
// semantics; the flag only gates a log line here.
func (r *Radio) Dial(ctx context.Context, addr ring.Addr, persistent bool) (ring.Link, error) {
	path := r.devicePath(addr)
	dev := r.conn.Object(busName, path)

	if err := dev.CallWithContext(ctx, deviceIface+".Connect", 0).Err; err != nil {
		return nil, errors.Wrapf(err, "connect %s", addr)
	}
	if persistent {
		r.log.Debugf("link to %s open, bluez owns link-layer retries", addr)
	}

	drop := make(chan struct{})
	r.mu.Lock()
	if old, ok := r.dropCh[path]; ok {
		close(old)
	}
	r.dropCh[path] = drop
	r.mu.Unlock()

	name := ""
	if v, err := r.getProp(path, deviceIface, "Name"); err == nil {
		name, _ = v.Value().(string)
	}

	return &link{
		radio:        r,
		path:         path,
		dev:          ring.DeviceIdentity{Addr: addr, Name: name},
		disconnected: drop,
	}, nil
}

// BondState reports the OS bonding status via the Paired property.
func (r *Radio) BondState(addr ring.Addr) ring.BondState {
	paired, err := r.getBool(r.devicePath(addr), deviceIface, "Paired")
	if err != nil {
		return ring.BondNone
	}
	if paired {
		return ring.BondBonded
	}
	return ring.BondNone
}

// Bond runs the BlueZ pairing call, which blocks until the agent
// exchange completes or fails.
func (r *Radio) Bond(ctx context.Context, addr ring.Addr) error {
	path := r.devicePath(addr)
	dev := r.conn.Object(busName, path)

	if err := dev.CallWithContext(ctx, deviceIface+".Pair", 0).Err; err != nil {
		return errors.Wrapf(err, "pair %s", addr)
	}
	return r.waitProp(ctx, path, "Paired", true)
}

// PowerEvents streams adapter Powered changes.
func (r *Radio) PowerEvents() <-chan bool {
	return r.power
}
