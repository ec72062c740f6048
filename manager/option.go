package manager

import (
	"math/rand"
	"sync"
	"time"

	"github.com/lumaring/ring/backoff"
	"github.com/lumaring/ring/pairing"
	"github.com/lumaring/ring/permission"
)

const (
	defaultConnectTimeout = 30 * time.Second
	defaultScanTimeout    = 20 * time.Second
)

// Options configures a Manager.
type Options struct {
	// ConnectTimeout bounds one GATT connection attempt (open through
	// MTU negotiation).
	ConnectTimeout time.Duration

	// PairTimeout bounds one bonding handshake.
	PairTimeout time.Duration

	// ScanTimeout ends an unattended scan.
	ScanTimeout time.Duration

	// PreferredMTU is requested on every new session.
	PreferredMTU int

	// APILevel and Granted feed the permission gate.
	APILevel int
	Granted  permission.Set

	// Delay computes the post-jitter delay before a reconnect attempt.
	Delay func(attempt int) time.Duration
}

// An Option is a configuration function, which configures the manager.
type Option func(*Options)

func WithConnectTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.ConnectTimeout = d
	}
}

func WithPairTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.PairTimeout = d
	}
}

func WithScanTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.ScanTimeout = d
	}
}

func WithPreferredMTU(mtu int) Option {
	return func(o *Options) {
		o.PreferredMTU = mtu
	}
}

// WithCapabilities sets the OS API level and the granted capability
// snapshot consulted before any radio access.
func WithCapabilities(apiLevel int, granted permission.Set) Option {
	return func(o *Options) {
		o.APILevel = apiLevel
		o.Granted = granted
	}
}

// WithDelayFunc overrides the reconnect delay schedule.
func WithDelayFunc(fn func(attempt int) time.Duration) Option {
	return func(o *Options) {
		o.Delay = fn
	}
}

func buildOptions(opts []Option) Options {
	o := Options{
		ConnectTimeout: defaultConnectTimeout,
		PairTimeout:    pairing.DefaultTimeout,
		ScanTimeout:    defaultScanTimeout,
		PreferredMTU:   512,
		APILevel:       12,
		Granted:        permission.NewSet(permission.CapBluetoothScan, permission.CapBluetoothConnect),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Delay == nil {
		// The source is shared across engine engagements, which can
		// briefly overlap; rand.Rand is not safe for concurrent use.
		src := rand.New(rand.NewSource(time.Now().UnixNano()))
		var mu sync.Mutex
		o.Delay = func(attempt int) time.Duration {
			mu.Lock()
			defer mu.Unlock()
			return backoff.Jitter(backoff.Delay(attempt), src)
		}
	}
	return o
}
