package ring

import (
	"encoding/hex"
	"strings"
)

// Addr is the stable hardware address of a peripheral.
// It's a MAC address on Linux or a device UUID on OS X.
type Addr interface {
	String() string

	// Bytes is the raw address, nil when it cannot be decoded.
	Bytes() []byte
}

// NewAddr creates an Addr from string
func NewAddr(s string) Addr {
	return addr(strings.ToLower(s))
}

type addr string

func (a addr) String() string {
	return string(a)
}

// Bytes returns the address as raw bytes, or nil when the address is
// not valid hex.
func (a addr) Bytes() []byte {
	hexStr := strings.Replace(a.String(), ":", "", -1)

	out, err := hex.DecodeString(hexStr)
	if err != nil {
		return nil
	}

	return out
}
