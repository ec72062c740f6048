// Package gatt owns the lifecycle of one physical link: open, service
// discovery, MTU negotiation, close.
package gatt

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/lumaring/ring"
)

const (
	// DefaultMTU is the ATT minimum, in effect until negotiation
	// succeeds.
	DefaultMTU = 23

	// PreferredMTU is requested after discovery completes.
	PreferredMTU = 512
)

// Session wraps exactly one ring.Link. Data operations are refused
// until service discovery has completed at least once in the session's
// lifetime.
type Session struct {
	radio ring.Radio
	log   ring.Logger

	mu         sync.Mutex
	link       ring.Link
	openCancel context.CancelFunc
	discovered bool
	mtu        int
	closed     bool
}

func NewSession(radio ring.Radio) *Session {
	return &Session{
		radio: radio,
		mtu:   DefaultMTU,
		log:   ring.GetLogger().ChildLogger(map[string]interface{}{"component": "gatt"}),
	}
}

// Open establishes the physical link in persistent-link mode, so the
// radio stack keeps retrying at the link layer while the session is
// idle-waiting. Discovery must follow before any data operation.
func (s *Session) Open(ctx context.Context, addr ring.Addr) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return &ring.GattError{Op: "open", Err: errors.New("session closed")}
	}
	if s.link != nil {
		s.mu.Unlock()
		return &ring.GattError{Op: "open", Err: errors.New("link already open")}
	}
	dialCtx, cancel := context.WithCancel(ctx)
	s.openCancel = cancel
	s.mu.Unlock()

	link, err := s.radio.Dial(dialCtx, addr, true)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.openCancel = nil

	if err != nil {
		if dialCtx.Err() == context.DeadlineExceeded || ctx.Err() == context.DeadlineExceeded {
			return ring.ErrConnectionTimeout
		}
		return &ring.GattError{Op: "open", Err: err}
	}

	if s.closed {
		// Close raced the dial; release the late link immediately.
		link.Close()
		return &ring.GattError{Op: "open", Err: errors.New("session closed")}
	}

	s.link = link
	s.log.Debugf("link to %s open", addr)
	return nil
}

// DiscoverServices enumerates the peripheral's service table. On
// failure the session self-closes and the attempt is unusable.
func (s *Session) DiscoverServices(ctx context.Context) error {
	s.mu.Lock()
	link := s.link
	s.mu.Unlock()

	if link == nil {
		return &ring.GattError{Op: "discover", Err: errors.New("link not open")}
	}

	if err := link.DiscoverServices(ctx); err != nil {
		s.log.Errorf("service discovery failed for %s: %v", link.Device().Addr, err)
		s.Close()
		return errors.Wrap(ring.ErrServiceDiscovery, err.Error())
	}

	s.mu.Lock()
	s.discovered = true
	s.mu.Unlock()
	return nil
}

// NegotiateMTU requests the preferred transfer unit. Failure is not
// fatal; the session stays usable at the default MTU and the degraded
// capability is logged.
func (s *Session) NegotiateMTU(ctx context.Context, preferred int) int {
	s.mu.Lock()
	link := s.link
	discovered := s.discovered
	s.mu.Unlock()

	if link == nil || !discovered {
		return DefaultMTU
	}
	if preferred <= 0 {
		preferred = PreferredMTU
	}

	mtu, err := link.ExchangeMTU(ctx, preferred)
	if err != nil {
		s.log.Warnf("mtu negotiation failed, continuing with default %d: %v", DefaultMTU, err)
		return DefaultMTU
	}

	s.mu.Lock()
	s.mtu = mtu
	s.mu.Unlock()
	s.log.Debugf("negotiated mtu %d", mtu)
	return mtu
}

// MTU returns the negotiated transfer unit, or the default before
// negotiation.
func (s *Session) MTU() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mtu
}

// Device identifies the connected peripheral. Zero value until open.
func (s *Session) Device() ring.DeviceIdentity {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.link == nil {
		return ring.DeviceIdentity{}
	}
	return s.link.Device()
}

// Disconnected exposes the link-loss channel, or nil when no link is
// open.
func (s *Session) Disconnected() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.link == nil {
		return nil
	}
	return s.link.Disconnected()
}

// Do runs a data operation against the open link. Refused until
// discovery has completed.
func (s *Session) Do(fn func(ring.Link) error) error {
	s.mu.Lock()
	link := s.link
	discovered := s.discovered
	s.mu.Unlock()

	if link == nil {
		return &ring.GattError{Op: "execute", Err: errors.New("link not open")}
	}
	if !discovered {
		return &ring.GattError{Op: "execute", Err: errors.New("services not discovered")}
	}

	return fn(link)
}

// Close tears the session down in two phases: signal disconnect intent
// first, then release the underlying link. Both phases run in that
// order on every call, open link or not. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()

	// Phase one: intent. Stops an in-flight dial and marks the session
	// so a late dial result is discarded.
	s.closed = true
	if s.openCancel != nil {
		s.openCancel()
		s.openCancel = nil
	}

	link := s.link
	s.link = nil
	s.discovered = false
	s.mtu = DefaultMTU
	s.mu.Unlock()

	// Phase two: release.
	if link == nil {
		return nil
	}
	if err := link.Close(); err != nil {
		return &ring.GattError{Op: "close", Err: err}
	}
	return nil
}
