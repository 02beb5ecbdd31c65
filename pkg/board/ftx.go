package board

import (
	pkgerrors "github.com/pkg/errors"

	"github.com/charlie0129/rfof/pkg/chips/cat5171"
	"github.com/charlie0129/rfof/pkg/chips/tla2528"
	"github.com/charlie0129/rfof/pkg/i2c"
)

// Ftx is the transmit board: LNA, laser diode and attenuator.
type Ftx struct {
	*base
	pot *cat5171.Pot
}

// NewFtx wires the FTX chips on bus and runs ADC setup. If setup fails the
// board is unusable; construct it again to retry.
func NewFtx(bus i2c.Bus, opts ...Option) (*Ftx, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	b, err := newBase(KindFTX, bus, o)
	if err != nil {
		return nil, err
	}
	potPort, err := i2c.NewPort(bus, AddrDigipot)
	if err != nil {
		return nil, err
	}
	f := &Ftx{base: b, pot: cat5171.New(potPort)}

	if err := f.setup(); err != nil {
		return nil, err
	}
	f.log().Info("ftx ready")
	return f, nil
}

func (f *Ftx) setup() error {
	if err := f.setupADC(); err != nil {
		return err
	}
	// pins 0-4 stay analog inputs after reset
	if err := f.adc.ConfigurePin(PinLNAFault, tla2528.DigitalInput); err != nil {
		return pkgerrors.Wrap(err, "ftx lna fault pin")
	}
	if err := f.adc.ConfigurePin(PinLNAEn, tla2528.PushPullOutput); err != nil {
		return pkgerrors.Wrap(err, "ftx lna enable pin")
	}
	return nil
}

// LDCurrent returns the laser diode current in mA.
func (f *Ftx) LDCurrent() (float64, error) {
	return f.current(PinLDIMon, SenseLD, "laser current")
}

// LNACurrent returns the LNA supply current in mA.
func (f *Ftx) LNACurrent() (float64, error) {
	return f.current(PinLNAIMon, SenseLNA, "lna current")
}

// LNAFault reports whether the LNA supply signals a fault. The fault line
// is active low.
func (f *Ftx) LNAFault() (bool, error) {
	ok, err := f.adc.DigitalRead(PinLNAFault)
	if err != nil {
		return false, pkgerrors.Wrap(err, "ftx lna fault")
	}
	return !ok, nil
}

// SetBiasEnable switches the LNA supply.
func (f *Ftx) SetBiasEnable(on bool) error {
	if err := f.adc.DigitalWrite(PinLNAEn, on); err != nil {
		return pkgerrors.Wrap(err, "ftx lna enable")
	}
	f.log().WithField("enabled", on).Info("lna power changed")
	return nil
}

// SetLaserCurrent writes the digipot code that sets the laser bias.
func (f *Ftx) SetLaserCurrent(code byte) error {
	if err := f.pot.Set(code); err != nil {
		return pkgerrors.Wrap(err, "ftx set laser current")
	}
	f.log().WithField("code", code).Info("laser current code changed")
	return nil
}

// LaserCurrent reads back the digipot code.
func (f *Ftx) LaserCurrent() (byte, error) {
	code, err := f.pot.Get()
	if err != nil {
		return 0, pkgerrors.Wrap(err, "ftx read laser current")
	}
	return code, nil
}

func (f *Ftx) Telemetry() (*Telemetry, error) {
	t, err := f.telemetry()
	if err != nil {
		return nil, err
	}

	ld, err := f.LDCurrent()
	if err != nil {
		return nil, err
	}
	lna, err := f.LNACurrent()
	if err != nil {
		return nil, err
	}
	fault, err := f.LNAFault()
	if err != nil {
		return nil, err
	}
	code, err := f.LaserCurrent()
	if err != nil {
		return nil, err
	}

	t.LDCurrent = &ld
	t.LNACurrent = &lna
	t.LNAFault = &fault
	t.LaserCode = &code
	return t, nil
}
