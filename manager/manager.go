// Package manager holds the connection state machine: the single
// source of truth for the link to the ring and the gatekeeper for
// every operation that touches the radio.
package manager

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/lumaring/ring"
	"github.com/lumaring/ring/gatt"
	"github.com/lumaring/ring/pairing"
	"github.com/lumaring/ring/permission"
)

// allowed is the transition table. A requested transition absent from
// it is rejected and leaves the state untouched.
var allowed = map[ring.StateKind][]ring.StateKind{
	ring.StateIdle:         {ring.StateScanning, ring.StateConnecting},
	ring.StateScanning:     {ring.StateIdle},
	ring.StateConnecting:   {ring.StatePairing, ring.StateConnected, ring.StateError, ring.StateDisconnected},
	ring.StatePairing:      {ring.StateConnecting, ring.StateError},
	ring.StateConnected:    {ring.StateDisconnected, ring.StateReconnecting, ring.StateError},
	ring.StateDisconnected: {ring.StateConnecting},
	ring.StateReconnecting: {ring.StateConnected, ring.StateDisconnected, ring.StateReconnecting},
	ring.StateError:        {ring.StateIdle},
}

func canTransition(from, to ring.StateKind) bool {
	for _, t := range allowed[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Manager sequences permission checks, pairing, GATT establishment and
// reconnection behind one mutex: every state mutation, whether from a
// caller or from an asynchronous radio signal, goes through that lock
// in order.
type Manager struct {
	radio  ring.Radio
	store  ring.DeviceStore
	pairer *pairing.Coordinator
	opts   Options
	log    ring.Logger

	mu        sync.Mutex
	state     ring.State
	observers map[int]ring.Observer
	nextObs   int

	session    *gatt.Session
	scanCancel context.CancelFunc

	// gen invalidates in-flight attempts: any async completion carrying
	// a stale generation is discarded.
	gen uint64

	autoReconnect     bool
	reconnectAttempts int
	rec               *reconnector
	radioOn           bool

	// battery has its own lock so observers notified under m.mu can
	// still read it.
	batteryMu sync.Mutex
	battery   int
}

// New builds a Manager around a platform radio and a device store.
func New(radio ring.Radio, store ring.DeviceStore, opts ...Option) *Manager {
	o := buildOptions(opts)
	m := &Manager{
		radio:     radio,
		store:     store,
		opts:      o,
		pairer:    pairing.New(radio, o.PairTimeout),
		log:       ring.GetLogger().ChildLogger(map[string]interface{}{"component": "manager"}),
		state:     ring.State{Kind: ring.StateIdle},
		observers: make(map[int]ring.Observer),
		radioOn:   true,
		battery:   -1,
	}
	return m
}

// Start begins watching radio power events and, when the persisted
// device has auto-reconnect enabled, seeds one connection attempt
// in the background.
func (m *Manager) Start() {
	if ch := m.radio.PowerEvents(); ch != nil {
		go func() {
			for on := range ch {
				m.onPowerEvent(on)
			}
		}()
	}

	d, ok, err := m.store.Load()
	if err != nil {
		m.log.Warnf("loading persisted device: %v", err)
		return
	}
	if !ok || !d.AutoReconnect {
		return
	}
	m.log.Infof("seeding connection to persisted device %s", d.ID)
	go func() {
		if err := m.RequestConnect(ring.NewAddr(d.ID)); err != nil {
			m.log.Warnf("startup connect to %s: %v", d.ID, err)
		}
	}()
}

// State returns the current snapshot. Always reflects the latest
// notified state.
func (m *Manager) State() ring.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connected reports whether the machine is in the connected state.
func (m *Manager) Connected() bool {
	return m.State().Connected()
}

// ReconnectAttempts returns the consecutive failed reconnection count
// since the last successful connection.
func (m *Manager) ReconnectAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reconnectAttempts
}

// Subscribe registers an observer for every transition. Callbacks run
// synchronously inside the transition, in registration order; they
// must not call back into the Manager.
func (m *Manager) Subscribe(obs ring.Observer) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextObs
	m.nextObs++
	m.observers[id] = obs
	return id
}

// Unsubscribe removes a previously registered observer.
func (m *Manager) Unsubscribe(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.observers, id)
}

// transition validates and applies a state change, then notifies every
// observer before returning. Callers hold m.mu.
func (m *Manager) transition(to ring.State) error {
	if !canTransition(m.state.Kind, to.Kind) {
		return &ring.InvalidTransitionError{From: m.state.Kind, To: to.Kind}
	}

	m.log.Debugf("state %s -> %s", m.state, to)
	m.state = to

	ids := make([]int, 0, len(m.observers))
	for id := range m.observers {
		ids = append(ids, id)
	}
	// map iteration order is random; observers are notified in
	// registration order.
	sort.Ints(ids)
	for _, id := range ids {
		m.observers[id](to)
	}
	return nil
}

// applyTransition applies a transition the caller has already
// validated against the current state. A rejection here means the
// table and the caller disagree; it is logged loudly, never dropped.
func (m *Manager) applyTransition(to ring.State) {
	if err := m.transition(to); err != nil {
		m.log.Errorf("transition rejected unexpectedly: %v", err)
	}
}

// RequestScan begins device discovery. Valid only from idle. The
// returned channel carries discovered peripherals until the scan is
// stopped or times out, then closes.
func (m *Manager) RequestScan() (<-chan ring.DeviceIdentity, error) {
	m.mu.Lock()

	if m.state.Kind != ring.StateIdle {
		err := &ring.InvalidTransitionError{From: m.state.Kind, To: ring.StateScanning}
		m.mu.Unlock()
		return nil, err
	}
	if err := permission.Check(m.opts.APILevel, m.opts.Granted, permission.OpScan); err != nil {
		m.mu.Unlock()
		return nil, err
	}

	scanCtx, cancel := context.WithTimeout(context.Background(), m.opts.ScanTimeout)
	found, err := m.radio.Scan(scanCtx)
	if err != nil {
		cancel()
		m.mu.Unlock()
		return nil, &ring.GattError{Op: "scan", Err: err}
	}

	m.scanCancel = cancel
	m.applyTransition(ring.State{Kind: ring.StateScanning})
	m.mu.Unlock()

	// Forwarding never blocks on the consumer: an abandoned channel
	// must not keep the machine in scanning after the scan ends.
	out := make(chan ring.DeviceIdentity)
	go func() {
		defer func() {
			cancel()
			m.scanEnded()
			close(out)
		}()
		for {
			select {
			case d, ok := <-found:
				if !ok {
					return
				}
				select {
				case out <- d:
				case <-scanCtx.Done():
					return
				}
			case <-scanCtx.Done():
				return
			}
		}
	}()
	return out, nil
}

// RequestStopScan cancels an in-progress scan. No-op outside scanning.
func (m *Manager) RequestStopScan() {
	m.mu.Lock()
	cancel := m.scanCancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (m *Manager) scanEnded() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scanCancel = nil
	if m.state.Kind == ring.StateScanning {
		m.applyTransition(ring.State{Kind: ring.StateIdle})
	}
}

// RequestConnect drives the machine toward connected: permission gate,
// bonding when needed, then GATT open, discovery and MTU negotiation.
// Blocks until the attempt resolves. Valid from idle or disconnected.
func (m *Manager) RequestConnect(addr ring.Addr) error {
	m.mu.Lock()

	if m.state.Kind != ring.StateIdle && m.state.Kind != ring.StateDisconnected {
		err := &ring.InvalidTransitionError{From: m.state.Kind, To: ring.StateConnecting}
		m.mu.Unlock()
		return err
	}
	if err := permission.Check(m.opts.APILevel, m.opts.Granted, permission.OpConnect); err != nil {
		m.mu.Unlock()
		return err
	}

	m.gen++
	gen := m.gen
	bonded := m.radio.BondState(addr) == ring.BondBonded
	m.applyTransition(ring.State{Kind: ring.StateConnecting})
	m.mu.Unlock()

	if !bonded {
		if err := m.pairFor(addr, gen); err != nil {
			return err
		}
	}

	sess, mtu, err := m.buildSession(addr)

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		if sess != nil {
			sess.Close()
		}
		return ring.ErrNotConnected
	}
	if err != nil {
		m.log.Errorf("connection attempt failed in state %s: %v", m.state.Kind, err)
		m.applyTransition(ring.State{Kind: ring.StateError, Err: err})
		m.mu.Unlock()
		return err
	}

	m.finishConnectLocked(sess, mtu, gen)
	m.mu.Unlock()
	return nil
}

// pairFor runs the bonding handshake within the connecting sequence:
// connecting -> pairing -> connecting, or pairing -> error.
func (m *Manager) pairFor(addr ring.Addr, gen uint64) error {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return ring.ErrNotConnected
	}
	m.applyTransition(ring.State{Kind: ring.StatePairing})
	m.mu.Unlock()

	err := m.pairer.Pair(context.Background(), addr)

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return ring.ErrNotConnected
	}
	if err != nil {
		m.log.Errorf("pairing failed in state %s: %v", m.state.Kind, err)
		m.applyTransition(ring.State{Kind: ring.StateError, Err: err})
		return err
	}
	m.applyTransition(ring.State{Kind: ring.StateConnecting})
	return nil
}

// buildSession performs the full GATT establishment sequence without
// touching machine state: open, discover, negotiate.
func (m *Manager) buildSession(addr ring.Addr) (*gatt.Session, int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.ConnectTimeout)
	defer cancel()

	sess := gatt.NewSession(m.radio)
	if err := sess.Open(ctx, addr); err != nil {
		return nil, 0, err
	}
	if err := sess.DiscoverServices(ctx); err != nil {
		// Session self-closed already.
		return nil, 0, err
	}
	mtu := sess.NegotiateMTU(ctx, m.opts.PreferredMTU)
	return sess, mtu, nil
}

// finishConnectLocked installs a freshly built session and moves to
// connected. Callers hold m.mu and have validated gen.
func (m *Manager) finishConnectLocked(sess *gatt.Session, mtu int, gen uint64) {
	m.session = sess
	m.autoReconnect = true
	m.reconnectAttempts = 0

	dev := sess.Device()
	m.applyTransition(ring.State{Kind: ring.StateConnected, Device: dev, MTU: mtu})

	if err := m.store.Save(ring.PersistedDevice{
		ID:              dev.Addr.String(),
		Name:            dev.Name,
		LastConnectedAt: time.Now().UTC(),
		AutoReconnect:   true,
	}); err != nil {
		m.log.Warnf("persisting device %s: %v", dev.Addr, err)
	}

	go m.watchLink(sess, gen)
}

// watchLink waits for the session's link-loss signal and converts it
// into an unexpected-disconnect transition.
func (m *Manager) watchLink(sess *gatt.Session, gen uint64) {
	ch := sess.Disconnected()
	if ch == nil {
		return
	}
	<-ch

	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen || m.state.Kind != ring.StateConnected {
		return
	}

	addr := m.state.Device.Addr
	m.log.Warnf("link to %s lost unexpectedly", addr)
	m.session = nil
	go sess.Close()

	m.reconnectAttempts = 1
	m.applyTransition(ring.State{Kind: ring.StateReconnecting, Attempt: 1})
	if m.autoReconnect {
		m.startReconnectLocked(addr, gen)
	}
}

// RequestDisconnect tears the connection down, deterministically:
// auto-reconnect is disabled before the session is released, so an
// in-flight reconnect attempt can never re-open a session afterward.
func (m *Manager) RequestDisconnect() error {
	m.mu.Lock()

	if !canTransition(m.state.Kind, ring.StateDisconnected) {
		err := &ring.InvalidTransitionError{From: m.state.Kind, To: ring.StateDisconnected}
		m.mu.Unlock()
		return err
	}

	// Disable first.
	m.autoReconnect = false
	m.stopReconnectLocked()
	m.gen++

	sess := m.session
	m.session = nil
	m.mu.Unlock()

	// Then release.
	if sess != nil {
		if err := sess.Close(); err != nil {
			m.log.Warnf("releasing session: %v", err)
		}
	}

	// Then transition.
	m.mu.Lock()
	m.applyTransition(ring.State{Kind: ring.StateDisconnected})
	m.mu.Unlock()

	if err := m.store.Clear(); err != nil {
		m.log.Warnf("clearing persisted device: %v", err)
	}
	return nil
}

// AcknowledgeError clears a terminal attempt failure. Valid only from
// the error state.
func (m *Manager) AcknowledgeError() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Kind != ring.StateError {
		return &ring.InvalidTransitionError{From: m.state.Kind, To: ring.StateIdle}
	}
	return m.transition(ring.State{Kind: ring.StateIdle})
}

// ExecuteCommand is the gate every higher-level ring command passes
// through. Fails with ErrNotConnected unless the machine is connected.
// A GATT-level failure is terminal for the session and moves the
// machine to the error state; application-level command errors pass
// through untouched.
func (m *Manager) ExecuteCommand(fn func(ring.Link) error) error {
	m.mu.Lock()
	if m.state.Kind != ring.StateConnected || m.session == nil {
		m.mu.Unlock()
		return ring.ErrNotConnected
	}
	sess := m.session
	m.mu.Unlock()

	err := sess.Do(fn)

	var ge *ring.GattError
	if errors.As(err, &ge) {
		m.mu.Lock()
		if m.state.Kind == ring.StateConnected && m.session == sess {
			m.log.Errorf("mid-session gatt failure in state %s: %v", m.state.Kind, err)
			m.session = nil
			go sess.Close()
			m.applyTransition(ring.State{Kind: ring.StateError, Err: err})
		}
		m.mu.Unlock()
	}
	return err
}

// SetBatteryLevel caches the last battery reading pushed by the
// command layer, for the status feed.
func (m *Manager) SetBatteryLevel(level int) {
	m.batteryMu.Lock()
	defer m.batteryMu.Unlock()
	m.battery = level
}

// BatteryLevel returns the cached battery reading, -1 when unknown.
func (m *Manager) BatteryLevel() int {
	m.batteryMu.Lock()
	defer m.batteryMu.Unlock()
	return m.battery
}

// Shutdown stops scanning, reconnection and any open session. The
// persisted record is left in place so the next start can reconnect.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.autoReconnect = false
	m.stopReconnectLocked()
	m.gen++
	cancel := m.scanCancel
	sess := m.session
	m.session = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sess != nil {
		sess.Close()
	}
}
