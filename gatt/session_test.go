package gatt

import (
	"context"
	"errors"
	"testing"

	"github.com/lumaring/ring"
)

type fakeLink struct {
	device       ring.DeviceIdentity
	discoverErr  error
	mtu          int
	mtuErr       error
	disconnected chan struct{}
	closes       int
}

func newFakeLink(id string) *fakeLink {
	return &fakeLink{
		device:       ring.DeviceIdentity{Addr: ring.NewAddr(id), Name: "ring"},
		mtu:          247,
		disconnected: make(chan struct{}),
	}
}

func (l *fakeLink) Device() ring.DeviceIdentity { return l.device }

func (l *fakeLink) DiscoverServices(context.Context) error { return l.discoverErr }

func (l *fakeLink) ExchangeMTU(_ context.Context, preferred int) (int, error) {
	if l.mtuErr != nil {
		return 0, l.mtuErr
	}
	if l.mtu < preferred {
		return l.mtu, nil
	}
	return preferred, nil
}

func (l *fakeLink) Write(context.Context, []byte) error { return nil }

func (l *fakeLink) Read(context.Context) ([]byte, error) { return nil, nil }

func (l *fakeLink) Disconnected() <-chan struct{} { return l.disconnected }

func (l *fakeLink) Close() error {
	l.closes++
	return nil
}

type fakeRadio struct {
	link    *fakeLink
	dialErr error
	dials   int
}

func (r *fakeRadio) Scan(context.Context) (<-chan ring.DeviceIdentity, error) { return nil, nil }

func (r *fakeRadio) Dial(ctx context.Context, addr ring.Addr, persistent bool) (ring.Link, error) {
	r.dials++
	if r.dialErr != nil {
		return nil, r.dialErr
	}
	if !persistent {
		return nil, errors.New("expected persistent dial")
	}
	return r.link, nil
}

func (r *fakeRadio) BondState(ring.Addr) ring.BondState { return ring.BondBonded }

func (r *fakeRadio) Bond(context.Context, ring.Addr) error { return nil }

func (r *fakeRadio) PowerEvents() <-chan bool { return nil }

func TestSessionLifecycle(t *testing.T) {
	link := newFakeLink("aa:bb:cc:dd:ee:ff")
	s := NewSession(&fakeRadio{link: link})
	ctx := context.Background()

	if err := s.Open(ctx, ring.NewAddr("aa:bb:cc:dd:ee:ff")); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.DiscoverServices(ctx); err != nil {
		t.Fatalf("discover: %v", err)
	}
	if mtu := s.NegotiateMTU(ctx, PreferredMTU); mtu != 247 {
		t.Fatalf("expected mtu 247, got %d", mtu)
	}
	if s.MTU() != 247 {
		t.Fatalf("expected stored mtu 247, got %d", s.MTU())
	}

	if err := s.Do(func(ring.Link) error { return nil }); err != nil {
		t.Fatalf("do: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if link.closes != 1 {
		t.Fatalf("expected one link close, got %d", link.closes)
	}
}

func TestSessionNoDataBeforeDiscovery(t *testing.T) {
	link := newFakeLink("aa:bb:cc:dd:ee:ff")
	s := NewSession(&fakeRadio{link: link})

	if err := s.Open(context.Background(), ring.NewAddr("aa:bb:cc:dd:ee:ff")); err != nil {
		t.Fatalf("open: %v", err)
	}

	err := s.Do(func(ring.Link) error { return nil })
	var ge *ring.GattError
	if !errors.As(err, &ge) {
		t.Fatalf("expected *ring.GattError before discovery, got %v", err)
	}
}

func TestSessionDiscoveryFailureSelfCloses(t *testing.T) {
	link := newFakeLink("aa:bb:cc:dd:ee:ff")
	link.discoverErr = errors.New("att timeout")
	s := NewSession(&fakeRadio{link: link})

	if err := s.Open(context.Background(), ring.NewAddr("aa:bb:cc:dd:ee:ff")); err != nil {
		t.Fatalf("open: %v", err)
	}

	err := s.DiscoverServices(context.Background())
	if !errors.Is(err, ring.ErrServiceDiscovery) {
		t.Fatalf("expected ErrServiceDiscovery, got %v", err)
	}
	if link.closes != 1 {
		t.Fatal("session must self-close on discovery failure")
	}
}

func TestSessionMTUFailureNonFatal(t *testing.T) {
	link := newFakeLink("aa:bb:cc:dd:ee:ff")
	link.mtuErr = errors.New("unsupported")
	s := NewSession(&fakeRadio{link: link})
	ctx := context.Background()

	if err := s.Open(ctx, ring.NewAddr("aa:bb:cc:dd:ee:ff")); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.DiscoverServices(ctx); err != nil {
		t.Fatalf("discover: %v", err)
	}

	if mtu := s.NegotiateMTU(ctx, PreferredMTU); mtu != DefaultMTU {
		t.Fatalf("expected default mtu on failure, got %d", mtu)
	}
	// Session remains usable.
	if err := s.Do(func(ring.Link) error { return nil }); err != nil {
		t.Fatalf("session should stay usable after mtu failure: %v", err)
	}
}

func TestSessionCloseIdempotent(t *testing.T) {
	link := newFakeLink("aa:bb:cc:dd:ee:ff")
	s := NewSession(&fakeRadio{link: link})

	if err := s.Open(context.Background(), ring.NewAddr("aa:bb:cc:dd:ee:ff")); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if link.closes != 1 {
		t.Fatalf("link must be released once, got %d", link.closes)
	}
}

func TestSessionCloseWithoutOpen(t *testing.T) {
	s := NewSession(&fakeRadio{link: newFakeLink("aa:bb:cc:dd:ee:ff")})
	if err := s.Close(); err != nil {
		t.Fatalf("close without open must succeed: %v", err)
	}
}

func TestSessionOpenAfterCloseRefused(t *testing.T) {
	radio := &fakeRadio{link: newFakeLink("aa:bb:cc:dd:ee:ff")}
	s := NewSession(radio)
	s.Close()

	err := s.Open(context.Background(), ring.NewAddr("aa:bb:cc:dd:ee:ff"))
	var ge *ring.GattError
	if !errors.As(err, &ge) {
		t.Fatalf("expected *ring.GattError for open after close, got %v", err)
	}
	if radio.dials != 0 {
		t.Fatal("closed session must not dial")
	}
}
