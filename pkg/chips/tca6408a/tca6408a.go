// Package tca6408a drives the TI TCA6408A 8-bit I/O expander. On the
// transceiver boards its outputs select the step attenuator code.
package tca6408a

import (
	"fmt"

	pkgerrors "github.com/pkg/errors"

	"github.com/charlie0129/rfof/pkg/i2c"
)

// Register is an expander register.
type Register byte

const (
	Input    Register = 0x0
	Output   Register = 0x1
	Polarity Register = 0x2
	Config   Register = 0x3
)

func (r Register) Valid() bool {
	return r <= Config
}

func (r Register) String() string {
	switch r {
	case Input:
		return "INPUT"
	case Output:
		return "OUTPUT"
	case Polarity:
		return "POLARITY"
	case Config:
		return "CONFIG"
	default:
		return fmt.Sprintf("Register(0x%02X)", byte(r))
	}
}

type port interface {
	Write(w []byte) error
	Exchange(w []byte, n int) ([]byte, error)
}

type Expander struct {
	port port
}

// New configures every pin as an output and returns the driver.
func New(p *i2c.Port) (*Expander, error) {
	return newExpander(p)
}

func newExpander(p port) (*Expander, error) {
	e := &Expander{port: p}
	if err := e.WriteRegister(Config, 0x00); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to configure attenuator outputs")
	}
	return e, nil
}

func (e *Expander) ReadRegister(reg Register) (byte, error) {
	if !reg.Valid() {
		return 0, fmt.Errorf("invalid register %s", reg)
	}
	b, err := e.port.Exchange([]byte{byte(reg)}, 1)
	if err != nil {
		return 0, pkgerrors.Wrapf(err, "failed to read %s", reg)
	}
	return b[0], nil
}

func (e *Expander) WriteRegister(reg Register, v byte) error {
	if !reg.Valid() {
		return fmt.Errorf("invalid register %s", reg)
	}
	if err := e.port.Write([]byte{byte(reg), v}); err != nil {
		return pkgerrors.Wrapf(err, "failed to write %s", reg)
	}
	return nil
}

func (e *Expander) ReadBit(reg Register, bit int) (bool, error) {
	if bit < 0 || bit > 7 {
		return false, fmt.Errorf("bit %d out of range [0, 7]", bit)
	}
	v, err := e.ReadRegister(reg)
	if err != nil {
		return false, err
	}
	return v&(1<<bit) != 0, nil
}

// WriteBit does a read-modify-write of a single bit.
func (e *Expander) WriteBit(reg Register, bit int, v bool) error {
	if bit < 0 || bit > 7 {
		return fmt.Errorf("bit %d out of range [0, 7]", bit)
	}
	cur, err := e.ReadRegister(reg)
	if err != nil {
		return err
	}
	if v {
		cur |= 1 << bit
	} else {
		cur &^= 1 << bit
	}
	return e.WriteRegister(reg, cur)
}

func (e *Expander) SetBit(reg Register, bit int) error {
	return e.WriteBit(reg, bit, true)
}

func (e *Expander) ClearBit(reg Register, bit int) error {
	return e.WriteBit(reg, bit, false)
}

// Write drives the output word.
func (e *Expander) Write(word byte) error {
	return e.WriteRegister(Output, word)
}

// Read returns the output word as reflected by the device.
func (e *Expander) Read() (byte, error) {
	return e.ReadRegister(Output)
}
