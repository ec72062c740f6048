// Package pairing drives OS-level bonding ahead of a GATT session.
package pairing

import (
	"context"
	"time"

	"github.com/lumaring/ring"
)

// DefaultTimeout bounds the wait for a single bonding handshake.
const DefaultTimeout = 30 * time.Second

// maxAttempts caps bonding at one initial attempt plus one retry.
const maxAttempts = 2

// Bonder is the slice of the platform radio the coordinator needs.
type Bonder interface {
	BondState(ring.Addr) ring.BondState
	Bond(ctx context.Context, addr ring.Addr) error
}

// Coordinator establishes bonding with a peripheral. The wait for the
// platform's bonded/failed signal is event-driven inside the Bonder;
// the coordinator only bounds it and applies the retry allowance.
type Coordinator struct {
	bonder  Bonder
	timeout time.Duration
	log     ring.Logger
}

func New(b Bonder, timeout time.Duration) *Coordinator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Coordinator{
		bonder:  b,
		timeout: timeout,
		log:     ring.GetLogger().ChildLogger(map[string]interface{}{"component": "pairing"}),
	}
}

// Pair ensures addr is bonded. Already-bonded peripherals return
// immediately. Otherwise bonding is attempted at most twice; a second
// failure is reported as *ring.PairingError.
func (c *Coordinator) Pair(ctx context.Context, addr ring.Addr) error {
	if c.bonder.BondState(addr) == ring.BondBonded {
		return nil
	}

	rec := ring.BondRecord{Addr: addr, State: ring.BondInProgress}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			rec.Retries++
			c.log.Warnf("bonding with %s failed, retrying: %v", addr, lastErr)
		}

		bondCtx, cancel := context.WithTimeout(ctx, c.timeout)
		err := c.bonder.Bond(bondCtx, addr)
		cancel()

		if err == nil {
			rec.State = ring.BondBonded
			c.log.Infof("bonded with %s (retries: %d)", addr, rec.Retries)
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			// Caller cancelled; don't burn the retry on it.
			return ctx.Err()
		}
	}

	rec.State = ring.BondNone
	return &ring.PairingError{Reason: lastErr.Error()}
}
