package command

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/lumaring/ring"
)

type fakeExec struct {
	link *fakeLink
	err  error
}

func (f *fakeExec) ExecuteCommand(fn func(ring.Link) error) error {
	if f.err != nil {
		return f.err
	}
	return fn(f.link)
}

type fakeLink struct {
	writes   [][]byte
	readResp []byte
}

func (l *fakeLink) Device() ring.DeviceIdentity            { return ring.DeviceIdentity{} }
func (l *fakeLink) DiscoverServices(context.Context) error { return nil }
func (l *fakeLink) ExchangeMTU(_ context.Context, preferred int) (int, error) {
	return preferred, nil
}
func (l *fakeLink) Write(_ context.Context, data []byte) error {
	l.writes = append(l.writes, data)
	return nil
}
func (l *fakeLink) Read(context.Context) ([]byte, error) { return l.readResp, nil }
func (l *fakeLink) Disconnected() <-chan struct{}        { return nil }
func (l *fakeLink) Close() error                         { return nil }

func TestLocateWritesOpcode(t *testing.T) {
	link := &fakeLink{}
	if err := Locate(&fakeExec{link: link}); err != nil {
		t.Fatalf("locate: %v", err)
	}
	if len(link.writes) != 1 || !bytes.Equal(link.writes[0], []byte{0x02, 0x01}) {
		t.Fatalf("unexpected writes: %v", link.writes)
	}
}

func TestBatteryParsesLevel(t *testing.T) {
	link := &fakeLink{readResp: []byte{0x57}}
	level, err := Battery(&fakeExec{link: link})
	if err != nil {
		t.Fatalf("battery: %v", err)
	}
	if level != 87 {
		t.Fatalf("expected 87, got %d", level)
	}
}

func TestBatteryEmptyResponse(t *testing.T) {
	link := &fakeLink{}
	if _, err := Battery(&fakeExec{link: link}); err == nil {
		t.Fatal("expected error on empty response")
	}
}

func TestCommandsPropagateGateFailure(t *testing.T) {
	e := &fakeExec{err: ring.ErrNotConnected}
	if err := Locate(e); !errors.Is(err, ring.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if _, err := Battery(e); !errors.Is(err, ring.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}
