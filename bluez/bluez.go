// Package bluez implements ring.Radio on top of the BlueZ D-Bus API.
// Platform callbacks (property changes, discovered devices) arrive as
// bus signals and are translated into the Radio's channels and
// blocking calls; nothing in here touches the state machine directly.
package bluez

import (
	"context"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/pkg/errors"

	"github.com/lumaring/ring"
)

const (
	busName      = "org.bluez"
	adapterIface = "org.bluez.Adapter1"
	deviceIface  = "org.bluez.Device1"
	charIface    = "org.bluez.GattCharacteristic1"
	propsIface   = "org.freedesktop.DBus.Properties"

	propsSignal = "org.freedesktop.DBus.Properties.PropertiesChanged"
	addedSignal = "org.freedesktop.DBus.ObjectManager.InterfacesAdded"
)

// GattUUIDs names the ring's control service and characteristics.
type GattUUIDs struct {
	Service   string
	WriteChar string
	ReadChar  string
}

// Radio is the BlueZ-backed platform radio.
type Radio struct {
	conn        *dbus.Conn
	adapterPath dbus.ObjectPath
	uuids       GattUUIDs
	log         ring.Logger

	power chan bool
	sigCh chan *dbus.Signal

	mu       sync.Mutex
	scanSink chan<- ring.DeviceIdentity
	waiters  []*propWaiter
	dropCh   map[dbus.ObjectPath]chan struct{}
}

// propWaiter is one pending wait for a boolean device property to
// reach a wanted value.
type propWaiter struct {
	path dbus.ObjectPath
	prop string
	want bool
	ch   chan struct{}
}

// New connects to the system bus and starts routing BlueZ signals.
// adapter is the controller name, e.g. "hci0".
func New(adapter string, uuids GattUUIDs) (*Radio, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, errors.Wrap(err, "connect to system bus")
	}

	var names []string
	if err := conn.BusObject().Call("org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "list bus names")
	}
	found := false
	for _, n := range names {
		if n == busName {
			found = true
			break
		}
	}
	if !found {
		conn.Close()
		return nil, errors.New("org.bluez not found on system bus, is bluetooth.service running?")
	}

	r := &Radio{
		conn:        conn,
		adapterPath: dbus.ObjectPath("/org/bluez/" + adapter),
		uuids:       uuids,
		log:         ring.GetLogger().ChildLogger(map[string]interface{}{"component": "bluez"}),
		power:       make(chan bool, 4),
		sigCh:       make(chan *dbus.Signal, 32),
		dropCh:      make(map[dbus.ObjectPath]chan struct{}),
	}

	conn.BusObject().Call(
		"org.freedesktop.DBus.AddMatch", 0,
		"type='signal',interface='"+propsIface+"',member='PropertiesChanged',path_namespace='/org/bluez'",
	)
	conn.BusObject().Call(
		"org.freedesktop.DBus.AddMatch", 0,
		"type='signal',interface='org.freedesktop.DBus.ObjectManager',member='InterfacesAdded'",
	)
	conn.Signal(r.sigCh)
	go r.dispatch()

	return r, nil
}

// Close shuts the bus connection down.
func (r *Radio) Close() error {
	return r.conn.Close()
}

// devicePath converts "aa:bb:cc:dd:ee:ff" to the BlueZ object path
// for this adapter.
func (r *Radio) devicePath(addr ring.Addr) dbus.ObjectPath {
	escaped := strings.ReplaceAll(strings.ToUpper(addr.String()), ":", "_")
	return dbus.ObjectPath(string(r.adapterPath) + "/dev_" + escaped)
}

// macFromPath extracts a MAC address from a BlueZ device object path.
func (r *Radio) macFromPath(path dbus.ObjectPath) string {
	s := string(path)
	prefix := string(r.adapterPath) + "/dev_"
	if !strings.HasPrefix(s, prefix) {
		return ""
	}
	return strings.ToLower(strings.ReplaceAll(s[len(prefix):], "_", ":"))
}

// dispatch routes bus signals: adapter power to the power channel,
// device property changes to waiters and link-drop channels, and
// discovered devices to the active scan sink.
func (r *Radio) dispatch() {
	for sig := range r.sigCh {
		switch sig.Name {
		case propsSignal:
			r.handleProps(sig)
		case addedSignal:
			r.handleAdded(sig)
		}
	}
}

func (r *Radio) handleProps(sig *dbus.Signal) {
	if len(sig.Body) < 2 {
		return
	}
	iface, ok := sig.Body[0].(string)
	if !ok {
		return
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return
	}

	switch iface {
	case adapterIface:
		if sig.Path != r.adapterPath {
			return
		}
		if v, ok := changed["Powered"]; ok {
			if on, ok := v.Value().(bool); ok {
				select {
				case r.power <- on:
				default:
				}
			}
		}

	case deviceIface:
		r.mu.Lock()
		if v, ok := changed["Connected"]; ok {
			if conn, ok := v.Value().(bool); ok && !conn {
				if ch, ok := r.dropCh[sig.Path]; ok {
					close(ch)
					delete(r.dropCh, sig.Path)
				}
			}
		}
		kept := r.waiters[:0]
		for _, w := range r.waiters {
			v, ok := changed[w.prop]
			if ok && w.path == sig.Path {
				if b, isBool := v.Value().(bool); isBool && b == w.want {
					close(w.ch)
					continue
				}
			}
			kept = append(kept, w)
		}
		r.waiters = kept
		r.mu.Unlock()
	}
}

func (r *Radio) handleAdded(sig *dbus.Signal) {
	if len(sig.Body) < 2 {
		return
	}
	path, ok := sig.Body[0].(dbus.ObjectPath)
	if !ok {
		return
	}
	ifaces, ok := sig.Body[1].(map[string]map[string]dbus.Variant)
	if !ok {
		return
	}
	props, ok := ifaces[deviceIface]
	if !ok {
		return
	}

	// The send stays under r.mu so it cannot race the scan teardown
	// closing the sink.
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.scanSink == nil {
		return
	}

	if d, ok := r.identityFrom(path, props); ok {
		select {
		case r.scanSink <- d:
		default:
			// Scan consumer is behind; a rediscovery will refresh it.
		}
	}
}

func (r *Radio) identityFrom(path dbus.ObjectPath, props map[string]dbus.Variant) (ring.DeviceIdentity, bool) {
	mac := r.macFromPath(path)
	if v, ok := props["Address"]; ok {
		if s, ok := v.Value().(string); ok {
			mac = strings.ToLower(s)
		}
	}
	if mac == "" {
		return ring.DeviceIdentity{}, false
	}

	d := ring.DeviceIdentity{Addr: ring.NewAddr(mac)}
	if v, ok := props["Name"]; ok {
		d.Name, _ = v.Value().(string)
	} else if v, ok := props["Alias"]; ok {
		d.Name, _ = v.Value().(string)
	}
	if v, ok := props["RSSI"]; ok {
		if rssi, ok := v.Value().(int16); ok {
			d.RSSI = int(rssi)
		}
	}
	return d, true
}

// waitProp blocks until the device property reaches want or ctx ends.
// The current value is checked first so the wait is signal-driven, not
// polled.
func (r *Radio) waitProp(ctx context.Context, path dbus.ObjectPath, prop string, want bool) error {
	if cur, err := r.getBool(path, deviceIface, prop); err == nil && cur == want {
		return nil
	}

	w := &propWaiter{path: path, prop: prop, want: want, ch: make(chan struct{})}
	r.mu.Lock()
	r.waiters = append(r.waiters, w)
	r.mu.Unlock()

	select {
	case <-w.ch:
		return nil
	case <-ctx.Done():
		r.mu.Lock()
		kept := r.waiters[:0]
		for _, x := range r.waiters {
			if x != w {
				kept = append(kept, x)
			}
		}
		r.waiters = kept
		r.mu.Unlock()
		return ctx.Err()
	}
}

func (r *Radio) getProp(path dbus.ObjectPath, iface, prop string) (dbus.Variant, error) {
	obj := r.conn.Object(busName, path)
	var v dbus.Variant
	err := obj.Call(propsIface+".Get", 0, iface, prop).Store(&v)
	return v, err
}

func (r *Radio) getBool(path dbus.ObjectPath, iface, prop string) (bool, error) {
	v, err := r.getProp(path, iface, prop)
	if err != nil {
		return false, err
	}
	val, ok := v.Value().(bool)
	if !ok {
		return false, errors.Errorf("property %s is not bool", prop)
	}
	return val, nil
}

func (r *Radio) managedObjects(ctx context.Context) (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, error) {
	var objs map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	err := r.conn.Object(busName, "/").
		CallWithContext(ctx, "org.freedesktop.DBus.ObjectManager.GetManagedObjects", 0).
		Store(&objs)
	if err != nil {
		return nil, errors.Wrap(err, "get managed objects")
	}
	return objs, nil
}
