// Package cat5171 drives the onsemi CAT5171 256-tap digital potentiometer
// that sets the laser diode bias current.
package cat5171

import (
	pkgerrors "github.com/pkg/errors"

	"github.com/charlie0129/rfof/pkg/i2c"
)

type port interface {
	Write(w []byte) error
	Read(n int) ([]byte, error)
}

type Pot struct {
	port port
}

func New(p *i2c.Port) *Pot {
	return &Pot{port: p}
}

// Set moves the wiper to code.
func (d *Pot) Set(code byte) error {
	if err := d.port.Write([]byte{0x00, code}); err != nil {
		return pkgerrors.Wrapf(err, "failed to set wiper to %d", code)
	}
	return nil
}

// Get reads back the wiper position.
func (d *Pot) Get() (byte, error) {
	b, err := d.port.Read(1)
	if err != nil {
		return 0, pkgerrors.Wrap(err, "failed to read wiper")
	}
	return b[0], nil
}
