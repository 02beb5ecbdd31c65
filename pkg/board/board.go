// Package board exposes the FTX (transmit) and FRX (receive) RF-over-fiber
// boards as physical-unit telemetry and control. Every telemetry call
// triggers a fresh conversion.
//
// Bus failures are never caught here; they reach the caller wrapped with
// the board and quantity that failed.
package board

import (
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/charlie0129/rfof/pkg/chips/tca6408a"
	"github.com/charlie0129/rfof/pkg/chips/tla2528"
	"github.com/charlie0129/rfof/pkg/chips/uid"
	"github.com/charlie0129/rfof/pkg/i2c"
)

type Kind string

const (
	KindFTX Kind = "ftx"
	KindFRX Kind = "frx"
)

func (k Kind) Valid() bool {
	return k == KindFTX || k == KindFRX
}

type Option func(*options)

type options struct {
	adc []tla2528.Option
}

// WithADCOptions passes options to the ADC driver, e.g. its calibration
// timeout.
func WithADCOptions(opts ...tla2528.Option) Option {
	return func(o *options) {
		o.adc = append(o.adc, opts...)
	}
}

// base holds the chips both boards carry.
type base struct {
	kind  Kind
	bus   i2c.Bus
	adc   *tla2528.ADC
	atten *tca6408a.Expander
	uid   *uid.EEPROM
}

func newBase(kind Kind, bus i2c.Bus, o *options) (*base, error) {
	adcPort, err := i2c.NewPort(bus, AddrADC)
	if err != nil {
		return nil, err
	}
	attenPort, err := i2c.NewPort(bus, AddrAtten)
	if err != nil {
		return nil, err
	}
	uidPort, err := i2c.NewPort(bus, AddrUID)
	if err != nil {
		return nil, err
	}

	atten, err := tca6408a.New(attenPort)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "%s setup", kind)
	}

	return &base{
		kind:  kind,
		bus:   bus,
		adc:   tla2528.New(adcPort, o.adc...),
		atten: atten,
		uid:   uid.New(uidPort),
	}, nil
}

func (b *base) setupADC() error {
	if err := b.adc.Reset(); err != nil {
		return pkgerrors.Wrapf(err, "%s adc reset", b.kind)
	}
	if err := b.adc.Calibrate(); err != nil {
		return pkgerrors.Wrapf(err, "%s adc calibration", b.kind)
	}
	if err := b.adc.SetOversampling(OversamplingRatio); err != nil {
		return pkgerrors.Wrapf(err, "%s adc oversampling", b.kind)
	}
	return nil
}

func (b *base) log() *logrus.Entry {
	return logrus.WithField("board", string(b.kind))
}

func (b *base) Kind() Kind {
	return b.kind
}

func (b *base) analog(pin int, what string) (float64, error) {
	raw, err := b.adc.AnalogRead(pin)
	if err != nil {
		return 0, pkgerrors.Wrapf(err, "%s %s", b.kind, what)
	}
	return raw, nil
}

func (b *base) current(pin int, senseR float64, what string) (float64, error) {
	raw, err := b.analog(pin, what)
	if err != nil {
		return 0, err
	}
	return rawToCurrent(raw, SenseGain, senseR, VRef) * 1e3, nil
}

// Temperature returns the board temperature in °C.
func (b *base) Temperature() (float64, error) {
	raw, err := b.analog(PinTemp, "temperature")
	if err != nil {
		return 0, err
	}
	return (raw*VRef*1000 - TempOffsetMV) / TempSlopeMVPC, nil
}

// RMSPower returns the RF monitor reading in dBm.
func (b *base) RMSPower() (float64, error) {
	raw, err := b.analog(PinRFMon, "rf monitor")
	if err != nil {
		return 0, err
	}
	return RFMonSlope*(raw*VRef) + RFMonOffset, nil
}

// PDCurrent returns the photodiode current in mA.
func (b *base) PDCurrent() (float64, error) {
	return b.current(PinPDIMon, SensePD, "photodiode current")
}

// SetAttenuation writes the raw attenuator code (0.25 dB per step).
func (b *base) SetAttenuation(code byte) error {
	if err := b.atten.Write(code); err != nil {
		return pkgerrors.Wrapf(err, "%s set attenuation", b.kind)
	}
	b.log().WithField("code", code).Debug("attenuation written")
	return nil
}

// Attenuation reads back the attenuator code.
func (b *base) Attenuation() (byte, error) {
	code, err := b.atten.Read()
	if err != nil {
		return 0, pkgerrors.Wrapf(err, "%s read attenuation", b.kind)
	}
	return code, nil
}

// UID returns the raw serial number bytes.
func (b *base) UID() ([]byte, error) {
	id, err := b.uid.Read()
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "%s uid", b.kind)
	}
	return id, nil
}

func (b *base) Serial() (string, error) {
	id, err := b.UID()
	if err != nil {
		return "", err
	}
	return uid.Format(id), nil
}

// Close releases the board's bus. Other boards are unaffected.
func (b *base) Close() error {
	return b.bus.Close()
}

func (b *base) telemetry() (*Telemetry, error) {
	var (
		t   = &Telemetry{Board: b.kind, Ts: time.Now().Unix()}
		err error
	)
	if t.Temperature, err = b.Temperature(); err != nil {
		return nil, err
	}
	if t.RMSPower, err = b.RMSPower(); err != nil {
		return nil, err
	}
	if t.PDCurrent, err = b.PDCurrent(); err != nil {
		return nil, err
	}
	if t.AttenuationCode, err = b.Attenuation(); err != nil {
		return nil, err
	}
	t.AttenuationDB = CodeToDB(t.AttenuationCode)
	return t, nil
}
