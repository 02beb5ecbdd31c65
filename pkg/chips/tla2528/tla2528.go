// Package tla2528 drives the TI TLA2528 8-channel 12-bit ADC with GPIO.
//
// Every transaction starts with an opcode byte followed by the register
// address. Conversions are started manually per channel; the result is
// 12 bits left aligned, or 16 bits when oversampling is enabled.
package tla2528

import (
	"errors"
	"fmt"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/charlie0129/rfof/pkg/i2c"
)

// Pins on the chip.
const NumPins = 8

const (
	DefaultCalibrationTimeout = 500 * time.Millisecond
	DefaultPollInterval       = time.Millisecond
	maxPollInterval           = 20 * time.Millisecond
)

// ErrCalibrationTimeout matches any *CalibrationTimeoutError via errors.Is.
var ErrCalibrationTimeout = errors.New("adc self-calibration timed out")

// CalibrationTimeoutError is returned when the CAL bit in GENERAL_CFG does
// not clear in time.
type CalibrationTimeoutError struct {
	Timeout time.Duration
	Polls   int
}

func (e *CalibrationTimeoutError) Error() string {
	return fmt.Sprintf("adc self-calibration did not finish within %s (%d polls)", e.Timeout, e.Polls)
}

func (e *CalibrationTimeoutError) Is(target error) bool {
	return target == ErrCalibrationTimeout
}

// port is the subset of *i2c.Port the driver needs.
type port interface {
	Write(w []byte) error
	Read(n int) ([]byte, error)
	Exchange(w []byte, n int) ([]byte, error)
}

type Option func(*ADC)

// WithCalibrationTimeout bounds how long Calibrate waits for the chip.
func WithCalibrationTimeout(d time.Duration) Option {
	return func(a *ADC) {
		if d > 0 {
			a.calTimeout = d
		}
	}
}

// WithPollInterval sets the initial interval between CAL bit polls. The
// interval doubles after each poll up to a fixed ceiling.
func WithPollInterval(d time.Duration) Option {
	return func(a *ADC) {
		if d > 0 {
			a.pollInterval = d
		}
	}
}

type ADC struct {
	port         port
	oversampling bool
	calTimeout   time.Duration
	pollInterval time.Duration

	// seams for tests
	now   func() time.Time
	sleep func(time.Duration)
}

func New(p *i2c.Port, opts ...Option) *ADC {
	return newADC(p, opts...)
}

func newADC(p port, opts ...Option) *ADC {
	a := &ADC{
		port:         p,
		calTimeout:   DefaultCalibrationTimeout,
		pollInterval: DefaultPollInterval,
		now:          time.Now,
		sleep:        time.Sleep,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Oversampling reports whether conversions return 16-bit averaged results.
func (a *ADC) Oversampling() bool {
	return a.oversampling
}

func (a *ADC) do(op opcode, reg Register, payload byte) error {
	if !reg.Valid() {
		return fmt.Errorf("invalid register %s", reg)
	}
	if err := a.port.Write([]byte{byte(op), byte(reg), payload}); err != nil {
		return pkgerrors.Wrapf(err, "failed to access %s", reg)
	}
	return nil
}

func (a *ADC) ReadRegister(reg Register) (byte, error) {
	if !reg.Valid() {
		return 0, fmt.Errorf("invalid register %s", reg)
	}
	b, err := a.port.Exchange([]byte{byte(opReadRegister), byte(reg)}, 1)
	if err != nil {
		return 0, pkgerrors.Wrapf(err, "failed to read %s", reg)
	}
	return b[0], nil
}

func (a *ADC) WriteRegister(reg Register, v byte) error {
	return a.do(opWriteRegister, reg, v)
}

// SetBits sets the bits in mask without touching the others.
func (a *ADC) SetBits(reg Register, mask byte) error {
	return a.do(opSetBit, reg, mask)
}

// ClearBits clears the bits in mask without touching the others.
func (a *ADC) ClearBits(reg Register, mask byte) error {
	return a.do(opClearBit, reg, mask)
}

func checkBit(bit int) error {
	if bit < 0 || bit >= 8 {
		return fmt.Errorf("bit %d out of range [0, 7]", bit)
	}
	return nil
}

func (a *ADC) SetBit(reg Register, bit int) error {
	if err := checkBit(bit); err != nil {
		return err
	}
	return a.SetBits(reg, 1<<bit)
}

func (a *ADC) ClearBit(reg Register, bit int) error {
	if err := checkBit(bit); err != nil {
		return err
	}
	return a.ClearBits(reg, 1<<bit)
}

func (a *ADC) WriteBit(reg Register, bit int, v bool) error {
	if v {
		return a.SetBit(reg, bit)
	}
	return a.ClearBit(reg, bit)
}

func (a *ADC) ReadBit(reg Register, bit int) (bool, error) {
	if err := checkBit(bit); err != nil {
		return false, err
	}
	v, err := a.ReadRegister(reg)
	if err != nil {
		return false, err
	}
	return (v>>bit)&1 == 1, nil
}

// Reset restores every register to its power-on value.
func (a *ADC) Reset() error {
	a.oversampling = false
	return a.WriteRegister(GeneralCfg, generalCfgReset)
}

// Calibrate starts offset self-calibration and waits for the chip to clear
// the CAL bit, backing off between polls.
func (a *ADC) Calibrate() error {
	if err := a.WriteRegister(GeneralCfg, generalCfgCal); err != nil {
		return err
	}

	deadline := a.now().Add(a.calTimeout)
	interval := a.pollInterval
	polls := 0
	for {
		v, err := a.ReadRegister(GeneralCfg)
		if err != nil {
			return err
		}
		polls++
		if v&generalCfgCal == 0 {
			logrus.WithField("polls", polls).Trace("adc self-calibration done")
			return nil
		}
		if !a.now().Before(deadline) {
			return &CalibrationTimeoutError{Timeout: a.calTimeout, Polls: polls}
		}

		a.sleep(interval)
		interval *= 2
		if interval > maxPollInterval {
			interval = maxPollInterval
		}
	}
}

// SetOversampling writes the oversampling ratio code. Zero disables it.
func (a *ADC) SetOversampling(ratio byte) error {
	if ratio > 7 {
		return fmt.Errorf("oversampling ratio code %d out of range [0, 7]", ratio)
	}
	if err := a.WriteRegister(OSRCfg, ratio); err != nil {
		return err
	}
	a.oversampling = ratio != 0
	return nil
}

func checkPin(pin int) error {
	if pin < 0 || pin >= NumPins {
		return fmt.Errorf("pin %d out of range [0, %d]", pin, NumPins-1)
	}
	return nil
}

func (a *ADC) ConfigurePin(pin int, mode PinMode) error {
	if err := checkPin(pin); err != nil {
		return err
	}

	type step struct {
		reg Register
		set bool
	}
	var steps []step
	switch mode {
	case AnalogInput:
		steps = []step{{PinCfg, false}}
	case DigitalInput:
		steps = []step{{PinCfg, true}, {GPIOCfg, false}}
	case PushPullOutput:
		steps = []step{{PinCfg, true}, {GPIOCfg, true}, {GPODriveCfg, true}}
	case OpenDrainOutput:
		steps = []step{{PinCfg, true}, {GPIOCfg, true}, {GPODriveCfg, false}}
	default:
		return fmt.Errorf("unknown pin mode %s", mode)
	}

	for _, s := range steps {
		if err := a.WriteBit(s.reg, pin, s.set); err != nil {
			return err
		}
	}

	logrus.WithFields(logrus.Fields{
		"pin":  pin,
		"mode": mode.String(),
	}).Debug("adc pin configured")

	return nil
}

// AnalogRead converts pin and returns the result as a fraction of full
// scale in [0, 1).
func (a *ADC) AnalogRead(pin int) (float64, error) {
	if err := checkPin(pin); err != nil {
		return 0, err
	}
	if err := a.WriteRegister(ChannelSel, byte(pin)); err != nil {
		return 0, err
	}
	if err := a.WriteRegister(OpModeCfg, opModeManual); err != nil {
		return 0, err
	}

	data, err := a.port.Read(2)
	if err != nil {
		return 0, pkgerrors.Wrapf(err, "failed to read conversion of pin %d", pin)
	}

	if !a.oversampling {
		return float64(uint16(data[0])<<4|uint16(data[1])>>4) / (1 << 12), nil
	}
	return float64(uint16(data[0])<<8|uint16(data[1])) / (1 << 16), nil
}

func (a *ADC) DigitalRead(pin int) (bool, error) {
	if err := checkPin(pin); err != nil {
		return false, err
	}
	return a.ReadBit(GPIValue, pin)
}

func (a *ADC) DigitalWrite(pin int, v bool) error {
	if err := checkPin(pin); err != nil {
		return err
	}
	return a.WriteBit(GPOValue, pin, v)
}
