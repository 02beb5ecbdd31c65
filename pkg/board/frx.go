package board

import "github.com/charlie0129/rfof/pkg/i2c"

// Frx is the receive board: photodiode and attenuator.
type Frx struct {
	*base
}

// NewFrx wires the FRX chips on bus and runs ADC setup.
func NewFrx(bus i2c.Bus, opts ...Option) (*Frx, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	b, err := newBase(KindFRX, bus, o)
	if err != nil {
		return nil, err
	}
	f := &Frx{base: b}

	if err := f.setupADC(); err != nil {
		return nil, err
	}
	f.log().Info("frx ready")
	return f, nil
}

func (f *Frx) Telemetry() (*Telemetry, error) {
	return f.telemetry()
}
