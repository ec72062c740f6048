// Package command issues ring commands through the connection
// manager's execution gate. The wire encoding is the vendor's opaque
// framing; commands never touch the GATT layer directly.
package command

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/lumaring/ring"
)

// Executor is the connection manager's command gate.
type Executor interface {
	ExecuteCommand(func(ring.Link) error) error
}

const opTimeout = 5 * time.Second

// Vendor opcodes for the ring's control characteristic.
var (
	locateOp  = []byte{0x02, 0x01}
	batteryOp = []byte{0x03}
)

// Locate makes the ring vibrate and blink so the wearer can find it.
func Locate(e Executor) error {
	return e.ExecuteCommand(func(l ring.Link) error {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		return l.Write(ctx, locateOp)
	})
}

// Battery queries the ring's battery percentage.
func Battery(e Executor) (int, error) {
	var level int
	err := e.ExecuteCommand(func(l ring.Link) error {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()

		if err := l.Write(ctx, batteryOp); err != nil {
			return err
		}
		resp, err := l.Read(ctx)
		if err != nil {
			return err
		}
		if len(resp) == 0 {
			return errors.New("empty battery response")
		}
		level = int(resp[0])
		return nil
	})
	return level, err
}
