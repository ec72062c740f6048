package manager

import (
	"time"

	"github.com/lumaring/ring"
)

// reconnector is one engagement of the auto-reconnect engine, alive
// from an unexpected link loss until reconnection succeeds or the
// engine is disabled.
type reconnector struct {
	stop  chan struct{}
	power chan bool
}

// startReconnectLocked arms the engine for addr. Callers hold m.mu.
func (m *Manager) startReconnectLocked(addr ring.Addr, gen uint64) {
	r := &reconnector{
		stop:  make(chan struct{}),
		power: make(chan bool, 8),
	}
	m.rec = r
	go m.runReconnect(r, addr, gen, !m.radioOn)
}

// stopReconnectLocked cancels any pending scheduled attempt. Callers
// hold m.mu.
func (m *Manager) stopReconnectLocked() {
	if m.rec != nil {
		close(m.rec.stop)
		m.rec = nil
	}
}

// onPowerEvent marshals a radio power change onto the engine.
func (m *Manager) onPowerEvent(on bool) {
	m.mu.Lock()
	m.radioOn = on
	rec := m.rec
	m.mu.Unlock()

	if on {
		m.log.Info("radio powered on")
	} else {
		m.log.Warn("radio powered off")
	}

	if rec != nil {
		select {
		case rec.power <- on:
		case <-rec.stop:
		}
	}
}

// runReconnect is the engine loop: delay, retry, loop. There is no
// attempt cap; only the per-attempt delay is capped. While the radio
// is off, scheduling is suspended and the attempt counter frozen; on
// power-on one attempt fires with zero delay.
func (m *Manager) runReconnect(r *reconnector, addr ring.Addr, gen uint64, suspended bool) {
	attempt := 1
	immediate := false

	for {
		if suspended {
			select {
			case <-r.stop:
				return
			case on := <-r.power:
				if on {
					suspended = false
					immediate = true
				}
			}
			continue
		}

		if !immediate {
			delay := m.opts.Delay(attempt)
			m.log.Infof("reconnect attempt %d to %s in %s", attempt, addr, delay)

			fired, stopped := m.waitDelay(r, delay)
			if stopped {
				return
			}
			if !fired {
				// Radio powered off mid-wait.
				suspended = true
				continue
			}
		}
		immediate = false

		success, stop := m.tryReconnect(addr, gen, attempt)
		if success || stop {
			return
		}
		attempt++
	}
}

// waitDelay blocks until the delay elapses (fired), the radio powers
// off (neither), or the engine is stopped.
func (m *Manager) waitDelay(r *reconnector, delay time.Duration) (fired, stopped bool) {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-r.stop:
			return false, true
		case on := <-r.power:
			if !on {
				return false, false
			}
			// Power-on while already scheduled: keep waiting.
		case <-timer.C:
			return true, false
		}
	}
}

// tryReconnect runs one full session rebuild. A manual disconnect that
// raced this attempt wins: the enabled flag and generation are checked
// again after the attempt, and a late success is discarded.
func (m *Manager) tryReconnect(addr ring.Addr, gen uint64, attempt int) (success, stop bool) {
	m.mu.Lock()
	if gen != m.gen || !m.autoReconnect {
		m.mu.Unlock()
		return false, true
	}
	m.mu.Unlock()

	sess, mtu, err := m.buildSession(addr)

	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen || !m.autoReconnect {
		if sess != nil {
			go sess.Close()
		}
		return false, true
	}

	if err != nil {
		m.log.Warnf("reconnect attempt %d to %s failed: %v", attempt, addr, err)
		m.reconnectAttempts = attempt + 1
		m.applyTransition(ring.State{Kind: ring.StateReconnecting, Attempt: attempt + 1})
		return false, false
	}

	m.log.Infof("reconnected to %s on attempt %d", addr, attempt)
	m.rec = nil
	m.finishConnectLocked(sess, mtu, gen)
	return true, false
}
