// Package i2c defines the register bus that the chip drivers sit on and the
// USB bridges that implement it.
package i2c

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Valid unreserved 7-bit target addresses.
const (
	MinAddr uint8 = 0x08
	MaxAddr uint8 = 0x77
)

// Bus is a byte transport addressed by a 7-bit target address. A Bus never
// retries on its own; every failure is reported to the caller.
type Bus interface {
	// Write sends w to the target followed by a STOP condition.
	Write(addr uint8, w []byte) error
	// Read reads n bytes from the target.
	Read(addr uint8, n int) ([]byte, error)
	// Exchange writes w without a STOP, then reads n bytes after a
	// repeated START.
	Exchange(addr uint8, w []byte, n int) ([]byte, error)
	Close() error
}

// TransportError is returned for any bus failure: NACK, timeout, short
// transfer or a broken USB link.
type TransportError struct {
	Op   string
	Addr uint8
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("i2c %s 0x%02X: %v", e.Op, e.Addr, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ValidateAddr checks that addr is an unreserved 7-bit address.
func ValidateAddr(addr uint8) error {
	if addr < MinAddr || addr > MaxAddr {
		return fmt.Errorf("invalid 7-bit address 0x%02X, want [0x%02X, 0x%02X]", addr, MinAddr, MaxAddr)
	}
	return nil
}

// Port binds a Bus to a single target address.
type Port struct {
	bus  Bus
	addr uint8
}

// NewPort returns a Port for addr on bus.
func NewPort(bus Bus, addr uint8) (*Port, error) {
	if bus == nil {
		return nil, fmt.Errorf("nil bus")
	}
	if err := ValidateAddr(addr); err != nil {
		return nil, err
	}
	return &Port{bus: bus, addr: addr}, nil
}

func (p *Port) Addr() uint8 {
	return p.addr
}

func (p *Port) Write(w []byte) error {
	logrus.WithFields(logrus.Fields{
		"addr": fmt.Sprintf("0x%02X", p.addr),
		"data": fmt.Sprintf("% X", w),
	}).Trace("i2c write")

	return p.bus.Write(p.addr, w)
}

func (p *Port) Read(n int) ([]byte, error) {
	b, err := p.bus.Read(p.addr, n)

	logrus.WithFields(logrus.Fields{
		"addr": fmt.Sprintf("0x%02X", p.addr),
		"n":    n,
		"data": fmt.Sprintf("% X", b),
	}).Trace("i2c read")

	return b, err
}

func (p *Port) Exchange(w []byte, n int) ([]byte, error) {
	b, err := p.bus.Exchange(p.addr, w, n)

	logrus.WithFields(logrus.Fields{
		"addr":  fmt.Sprintf("0x%02X", p.addr),
		"write": fmt.Sprintf("% X", w),
		"data":  fmt.Sprintf("% X", b),
	}).Trace("i2c exchange")

	return b, err
}

// ReadFrom sets the register pointer to reg and reads n bytes.
func (p *Port) ReadFrom(reg byte, n int) ([]byte, error) {
	return p.Exchange([]byte{reg}, n)
}

// WriteTo writes data starting at register reg.
func (p *Port) WriteTo(reg byte, data []byte) error {
	return p.Write(append([]byte{reg}, data...))
}
