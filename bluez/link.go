package bluez

import (
	"context"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/pkg/errors"

	"github.com/lumaring/ring"
)

// link is one BlueZ device connection. The control characteristics are
// resolved during service discovery and required for data operations.
type link struct {
	radio *Radio
	path  dbus.ObjectPath
	dev   ring.DeviceIdentity

	disconnected chan struct{}
	closeOnce    sync.Once

	mu        sync.Mutex
	writeChar dbus.ObjectPath
	readChar  dbus.ObjectPath
}

func (l *link) Device() ring.DeviceIdentity {
	return l.dev
}

// DiscoverServices waits for BlueZ to resolve the GATT database, then
// locates the ring's control characteristics in it.
func (l *link) DiscoverServices(ctx context.Context) error {
	if err := l.radio.waitProp(ctx, l.path, "ServicesResolved", true); err != nil {
		return errors.Wrap(err, "resolve services")
	}

	objs, err := l.radio.managedObjects(ctx)
	if err != nil {
		return err
	}

	var writeChar, readChar dbus.ObjectPath
	for path, ifaces := range objs {
		props, ok := ifaces[charIface]
		if !ok || !strings.HasPrefix(string(path), string(l.path)) {
			continue
		}
		v, ok := props["UUID"]
		if !ok {
			continue
		}
		uuid, _ := v.Value().(string)
		switch strings.ToLower(uuid) {
		case strings.ToLower(l.radio.uuids.WriteChar):
			writeChar = path
		case strings.ToLower(l.radio.uuids.ReadChar):
			readChar = path
		}
	}

	if writeChar == "" {
		return errors.Errorf("control characteristic %s not found", l.radio.uuids.WriteChar)
	}

	l.mu.Lock()
	l.writeChar = writeChar
	l.readChar = readChar
	l.mu.Unlock()
	return nil
}

// ExchangeMTU reads the negotiated characteristic MTU. BlueZ performs
// the actual exchange itself; the preferred value only caps what we
// report upward.
func (l *link) ExchangeMTU(ctx context.Context, preferred int) (int, error) {
	l.mu.Lock()
	char := l.writeChar
	l.mu.Unlock()
	if char == "" {
		return 0, errors.New("services not discovered")
	}

	v, err := l.radio.getProp(char, charIface, "MTU")
	if err != nil {
		return 0, errors.Wrap(err, "read mtu")
	}
	mtu, ok := v.Value().(uint16)
	if !ok {
		return 0, errors.New("mtu property has unexpected type")
	}

	if int(mtu) < preferred {
		return int(mtu), nil
	}
	return preferred, nil
}

func (l *link) Write(ctx context.Context, data []byte) error {
	l.mu.Lock()
	char := l.writeChar
	l.mu.Unlock()
	if char == "" {
		return errors.New("services not discovered")
	}

	obj := l.radio.conn.Object(busName, char)
	opts := map[string]dbus.Variant{}
	if err := obj.CallWithContext(ctx, charIface+".WriteValue", 0, data, opts).Err; err != nil {
		return errors.Wrap(err, "write value")
	}
	return nil
}

func (l *link) Read(ctx context.Context) ([]byte, error) {
	l.mu.Lock()
	char := l.readChar
	l.mu.Unlock()
	if char == "" {
		return nil, errors.New("read characteristic not available")
	}

	obj := l.radio.conn.Object(busName, char)
	opts := map[string]dbus.Variant{}
	var out []byte
	if err := obj.CallWithContext(ctx, charIface+".ReadValue", 0, opts).Store(&out); err != nil {
		return nil, errors.Wrap(err, "read value")
	}
	return out, nil
}

func (l *link) Disconnected() <-chan struct{} {
	return l.disconnected
}

// Close signals disconnect intent to BlueZ, then releases the local
// watch. Both phases run on every call; repeated calls are no-ops.
func (l *link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		dev := l.radio.conn.Object(busName, l.path)
		if callErr := dev.Call(deviceIface+".Disconnect", 0).Err; callErr != nil {
			err = errors.Wrap(callErr, "disconnect")
		}

		l.radio.mu.Lock()
		if ch, ok := l.radio.dropCh[l.path]; ok && ch == l.disconnected {
			close(ch)
			delete(l.radio.dropCh, l.path)
		}
		l.radio.mu.Unlock()
	})
	return err
}
