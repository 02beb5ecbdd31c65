package twotone

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/charlie0129/rfof/pkg/instrument"
)

// DefaultInputPower is assumed when measuring without a calibration and
// without a fallback.
const DefaultInputPower = 0.0

// ErrNotCalibrated is logged when a measurement runs on an assumed input
// power. It never fails the measurement.
var ErrNotCalibrated = errors.New("analyzer not calibrated")

// Result is one complete two-tone measurement cycle. InputPower is the
// power Gain and the input intercepts are referred to: the calibrated
// power when a calibration exists, in which case a fallback passed to
// Measure is ignored, otherwise the fallback or DefaultInputPower with
// Uncalibrated set.
type Result struct {
	RunID        string    `json:"runId"`
	Timestamp    time.Time `json:"timestamp"`
	InputPower   float64   `json:"inputPower"`
	Uncalibrated bool      `json:"uncalibrated"`
	Traces       Traces    `json:"traces"`
	Derived      Derived   `json:"derived"`
}

// Engine sweeps the five tone channels and derives intercept points.
type Engine struct {
	s   *instrument.Serialized
	cal *CalState
	cfg MeasureConfig

	sleep func(time.Duration)
	now   func() time.Time
}

func NewEngine(s instrument.Session, cal *CalState, cfg MeasureConfig) *Engine {
	return &Engine{
		s:     instrument.Serialize(s),
		cal:   cal,
		cfg:   cfg,
		sleep: time.Sleep,
		now:   time.Now,
	}
}

// inputPower picks the reference level for the gain computation.
func (e *Engine) inputPower(fallback *float64) (float64, bool) {
	if p, ok := e.cal.InputPower(); ok {
		return p, false
	}

	p := DefaultInputPower
	if fallback != nil {
		p = *fallback
	}
	logrus.WithError(ErrNotCalibrated).WithFields(logrus.Fields{
		"operation":  "measurement",
		"inputPower": p,
	}).Warn("measuring with assumed input power")
	return p, true
}

// Measure runs one cycle. The frequency-offset fixture is set up once per
// calibration and reused afterwards. Any instrument failure aborts the
// cycle and nothing of it is returned.
func (e *Engine) Measure(ctx context.Context, fallback *float64) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	power, uncal := e.inputPower(fallback)

	var t Traces
	err := e.s.Do(func(s instrument.Session) error {
		if _, ok := e.cal.PrimaryRange(); !ok {
			n, err := e.setupFixture(s)
			if err != nil {
				return pkgerrors.Wrap(err, "failed to set up two-tone fixture")
			}
			e.cal.setPrimary(n)
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		var err error
		t, err = e.acquire(s)
		return err
	})
	if err != nil {
		return nil, err
	}

	if err := t.checkLengths(true); err != nil {
		return nil, err
	}
	d, err := Derive(t, power)
	if err != nil {
		return nil, err
	}

	r := &Result{
		RunID:        uuid.NewString(),
		Timestamp:    e.now(),
		InputPower:   power,
		Uncalibrated: uncal,
		Traces:       t,
		Derived:      *d,
	}
	logrus.WithFields(logrus.Fields{
		"operation": "measurement",
		"runId":     r.RunID,
		"points":    len(t.PL),
	}).Info("two-tone measurement complete")
	return r, nil
}

func (e *Engine) setupFixture(s instrument.Session) (int, error) {
	primary, err := instrument.QueryInt(s, ":SENSe:FOM:RNUM? 'Primary'")
	if err != nil {
		return 0, err
	}
	err = writeAll(s,
		fmt.Sprintf(":SENSe:FOM:RANGe%d:FREQuency:STARt %s", primary, formatHz(e.cfg.PrimaryStartHz)),
		fmt.Sprintf(":SENSe:FOM:RANGe%d:FREQuency:STOP %s", primary, formatHz(e.cfg.PrimaryStopHz)),
	)
	if err != nil {
		return 0, err
	}

	ranges := make(map[string]int, 3)
	for _, name := range []string{"Source", "Source2", "Receivers"} {
		n, err := instrument.QueryInt(s, fmt.Sprintf(":SENSe:FOM:RNUM? '%s'", name))
		if err != nil {
			return 0, err
		}
		ranges[name] = n
	}

	off := e.cfg.ToneOffsetHz
	err = writeAll(s,
		fmt.Sprintf(":SENSe:FOM:RANGe%d:COUPled 1", ranges["Source"]),
		fmt.Sprintf(":SENSe:FOM:RANGe%d:COUPled 1", ranges["Source2"]),
		fmt.Sprintf(":SENSe:FOM:RANGe%d:COUPled 1", ranges["Receivers"]),
		fmt.Sprintf(":SENSe:FOM:RANGe%d:FREQuency:OFFSet %s", ranges["Source"], formatHz(-off)),
		fmt.Sprintf(":SENSe:FOM:RANGe%d:FREQuency:OFFSet %s", ranges["Source2"], formatHz(off)),
		fmt.Sprintf(":SENSe:FOM:RANGe%d:FREQuency:OFFSet %s", ranges["Receivers"], formatHz(-off)),
		":SENSe:FOM:STATe 1",
		":SOURce:POWer1:MODE ON",
		":SOURce:POWer3:MODE ON",
	)
	if err != nil {
		return 0, err
	}
	e.sleep(e.cfg.Settle)

	if err := ReplicateChannels(s, e.cfg.Settle, e.sleep); err != nil {
		return 0, err
	}

	logrus.WithFields(logrus.Fields{
		"operation": "measurement",
		"primary":   primary,
		"source":    ranges["Source"],
		"source2":   ranges["Source2"],
		"receivers": ranges["Receivers"],
	}).Info("two-tone fixture ready")
	return primary, nil
}

// acquire triggers each channel on its own and reads its formatted trace.
func (e *Engine) acquire(s instrument.Session) (Traces, error) {
	var t Traces

	cmds := []string{"INITiate:CONTinuous OFF"}
	for _, ch := range readOrder {
		cmds = append(cmds, fmt.Sprintf(":SENSe%d:SWEep:MODE HOLD", ch.Number))
	}
	cmds = append(cmds, ":TRIGger:SEQuence:SCOPe CURRent")
	if err := writeAll(s, cmds...); err != nil {
		return t, err
	}

	err := instrument.WithTimeout(s, e.cfg.TraceTimeout, func() error {
		for _, ch := range readOrder {
			err := writeAll(s,
				fmt.Sprintf("INITiate%d:IMMediate;*wai", ch.Number),
				fmt.Sprintf("CALCulate%d:PARameter:SELect '%s'", ch.Number, ch.Name),
			)
			if err != nil {
				return err
			}
			if ch == ChannelPL {
				if err := s.Write("FORM:DATA ASCII,0"); err != nil {
					return err
				}
			}

			v, err := s.QueryASCIIValues(fmt.Sprintf("CALC%d:DATA? FDATA", ch.Number))
			if err != nil {
				return pkgerrors.Wrapf(err, "failed to read %s trace", ch.Name)
			}
			*t.trace(ch) = v

			if ch == ChannelPL {
				f, err := s.QueryASCIIValues("CALC1:X?")
				if err != nil {
					return pkgerrors.Wrap(err, "failed to read frequency axis")
				}
				t.Frequency = f
			}
		}
		return nil
	})
	return t, err
}

func (t *Traces) trace(ch Channel) *[]float64 {
	switch ch.Name {
	case ChannelPH.Name:
		return &t.PH
	case ChannelIM2.Name:
		return &t.IM2
	case ChannelIM3L.Name:
		return &t.IM3L
	case ChannelIM3H.Name:
		return &t.IM3H
	default:
		return &t.PL
	}
}
