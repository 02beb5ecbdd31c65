package twotone

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/charlie0129/rfof/pkg/instrument"
)

// measurementAnalyzer scripts a two point sweep. overrides replace trace
// responses by query.
func measurementAnalyzer(overrides ...string) *instrument.Mock {
	resp := map[string]string{
		":SENSe:FOM:RNUM? 'Primary'":   "+1",
		":SENSe:FOM:RNUM? 'Source'":    "+2",
		":SENSe:FOM:RNUM? 'Source2'":   "+3",
		":SENSe:FOM:RNUM? 'Receivers'": "+4",
		"CALC1:X?":                     "1.0E9,2.0E9",
		"CALC1:DATA? FDATA":            "10,8",
		"CALC3:DATA? FDATA":            "10,9",
		"CALC2:DATA? FDATA":            "-20,-25",
		"CALC4:DATA? FDATA":            "-30,-40",
		"CALC5:DATA? FDATA":            "-28,-41",
	}
	for ch := 2; ch <= 5; ch++ {
		resp[fmt.Sprintf(":SENSe%d:FOM:RNUM? 'Receivers'", ch)] = "4"
	}
	for i := 0; i+1 < len(overrides); i += 2 {
		resp[overrides[i]] = overrides[i+1]
	}

	m := instrument.NewMock()
	for cmd, r := range resp {
		m.Respond(cmd, r)
	}
	return m
}

func newTestEngine(m *instrument.Mock, cal *CalState) *Engine {
	e := NewEngine(m, cal, DefaultMeasureConfig())
	e.sleep = func(time.Duration) {}
	return e
}

func TestMeasure(t *testing.T) {
	m := measurementAnalyzer()
	cal := &CalState{}
	cal.Restore(-10)
	e := newTestEngine(m, cal)

	r, err := e.Measure(context.Background(), nil)
	if err != nil {
		t.Fatalf("Measure: %v", err)
	}
	if r.Uncalibrated || r.InputPower != -10 {
		t.Errorf("input power = %v, uncalibrated = %v", r.InputPower, r.Uncalibrated)
	}
	if !eqSeq(r.Traces.Frequency, []float64{1e9, 2e9}) {
		t.Errorf("frequency = %v", r.Traces.Frequency)
	}
	if !eqSeq(r.Derived.OIP2, []float64{40, 42}) {
		t.Errorf("OIP2 = %v", r.Derived.OIP2)
	}
	if !eqSeq(r.Derived.Gain, []float64{20, 18}) {
		t.Errorf("gain = %v", r.Derived.Gain)
	}
	if r.RunID == "" {
		t.Error("no run id")
	}

	want := []string{
		":SENSe:FOM:RNUM? 'Primary'",
		":SENSe:FOM:RANGe1:FREQuency:STARt 350000000",
		":SENSe:FOM:RANGe1:FREQuency:STOP 2000000000",
		":SENSe:FOM:RANGe2:COUPled 1",
		":SENSe:FOM:RANGe3:COUPled 1",
		":SENSe:FOM:RANGe4:COUPled 1",
		":SENSe:FOM:RANGe2:FREQuency:OFFSet -500000",
		":SENSe:FOM:RANGe3:FREQuency:OFFSet 500000",
		":SENSe:FOM:RANGe4:FREQuency:OFFSet -500000",
		":SENSe:FOM:STATe 1",
		":SOURce:POWer1:MODE ON",
		":SOURce:POWer3:MODE ON",
		":SYSTem:MACRo:COPY:CHANnel:TO 2",
		":CALCulate2:PARameter:DEFine:EXTended 'IM2','B, 1'",
		":DISPlay:WINDow:TRACe3:FEED 'IM2'",
		"DISPlay:WINDow:TRACe3:Y:SCALe:RLEVel -50",
		":DISPlay:WINDow:TRACe1:DELete",
		":CALCulate2:PARameter:SELect 'IM2'",
		":SENSe2:FOM:RNUM? 'Receivers'",
		":SENSe2:FOM:RANGe4:FREQuency:OFFSet 0",
		":SENSe2:FOM:RANGe4:FREQuency:MULTiplier 2",
		":SYSTem:MACRo:COPY:CHANnel:TO 3",
		":SENSe3:FOM:RANGe4:FREQuency:OFFSet 500000",
		":SYSTem:MACRo:COPY:CHANnel:TO 4",
		":SENSe4:FOM:RANGe4:FREQuency:OFFSet -1500000",
		":SYSTem:MACRo:COPY:CHANnel:TO 5",
		":SENSe5:FOM:RANGe4:FREQuency:OFFSet 1500000",
		":SENSe5:FOM:RANGe4:FREQuency:MULTiplier 1",
		"INITiate:CONTinuous OFF",
		":SENSe1:SWEep:MODE HOLD",
		":SENSe5:SWEep:MODE HOLD",
		":TRIGger:SEQuence:SCOPe CURRent",
		"INITiate1:IMMediate;*wai",
		"CALCulate1:PARameter:SELect 'PL'",
		"FORM:DATA ASCII,0",
		"CALC1:DATA? FDATA",
		"CALC1:X?",
		"INITiate3:IMMediate;*wai",
		"CALCulate3:PARameter:SELect 'PH'",
		"CALC3:DATA? FDATA",
		"INITiate2:IMMediate;*wai",
		"CALC2:DATA? FDATA",
		"INITiate4:IMMediate;*wai",
		"CALC4:DATA? FDATA",
		"INITiate5:IMMediate;*wai",
		"CALCulate5:PARameter:SELect 'IM3H'",
		"CALC5:DATA? FDATA",
	}
	cmds := m.Commands()
	if missing, ok := inOrder(cmds, want); !ok {
		t.Fatalf("command %q missing or out of order", missing)
	}
	if m.Timeout() != instrument.DefaultTimeout {
		t.Errorf("timeout left at %v", m.Timeout())
	}
	for _, c := range m.Calls() {
		if c.Cmd == "CALC4:DATA? FDATA" && c.Timeout != instrument.Infinite {
			t.Errorf("trace read with timeout %v", c.Timeout)
		}
	}
}

func TestMeasureFixtureCached(t *testing.T) {
	m := measurementAnalyzer()
	cal := &CalState{}
	cal.Restore(0)
	e := newTestEngine(m, cal)

	for i := 0; i < 3; i++ {
		if _, err := e.Measure(context.Background(), nil); err != nil {
			t.Fatalf("Measure %d: %v", i, err)
		}
	}
	cmds := m.Commands()
	if n := count(cmds, ":SENSe:FOM:RNUM? 'Primary'"); n != 1 {
		t.Errorf("primary range queried %d times", n)
	}
	if n := count(cmds, ":SYSTem:MACRo:COPY:CHANnel:TO"); n != 4 {
		t.Errorf("channels copied %d times", n)
	}
	if n, ok := cal.PrimaryRange(); !ok || n != 1 {
		t.Errorf("PrimaryRange() = %d, %v", n, ok)
	}

	// a new calibration changes the channel layout
	q := NewSequencer(m, cal, &Scripted{}, DefaultSweepConfig(), Hooks{})
	q.sleep = func(time.Duration) {}
	m.Respond("SYSTem:COMMunicate:GPIB:PMETer:ADDRess?", "13")
	m.Respond("SYSTem:COMMunicate:GPIB:RDEVice:OPEN?", "1")
	m.Respond("SYSTem:COMMunicate:GPIB:RDEVice:READ? 1", "+0")
	m.Respond(":SENSe:CORRection:COLLect:ACQuire POWer;*OPC?", "1")
	if err := q.Calibrate(context.Background(), -10); err != nil {
		t.Fatalf("Calibrate: %v", err)
	}
	if _, ok := cal.PrimaryRange(); ok {
		t.Fatal("fixture survived recalibration")
	}

	if _, err := e.Measure(context.Background(), nil); err != nil {
		t.Fatalf("Measure: %v", err)
	}
	if n := count(m.Commands(), ":SENSe:FOM:RNUM? 'Primary'"); n != 2 {
		t.Errorf("primary range queried %d times after recalibration", n)
	}
}

func TestMeasureUncalibrated(t *testing.T) {
	fallback := -7.0
	tests := []struct {
		name     string
		fallback *float64
		want     float64
	}{
		{"default", nil, DefaultInputPower},
		{"fallback", &fallback, -7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hook := test.NewGlobal()
			defer hook.Reset()

			e := newTestEngine(measurementAnalyzer(), &CalState{})
			r, err := e.Measure(context.Background(), tt.fallback)
			if err != nil {
				t.Fatalf("Measure: %v", err)
			}
			if !r.Uncalibrated || r.InputPower != tt.want {
				t.Errorf("input power = %v, uncalibrated = %v", r.InputPower, r.Uncalibrated)
			}
			if r.Derived.Gain[0] != 10-tt.want {
				t.Errorf("gain = %v", r.Derived.Gain)
			}

			warned := false
			for _, entry := range hook.AllEntries() {
				if err, _ := entry.Data[logrus.ErrorKey].(error); entry.Level == logrus.WarnLevel && errors.Is(err, ErrNotCalibrated) {
					warned = true
				}
			}
			if !warned {
				t.Error("no warning logged")
			}
		})
	}
}

func TestMeasureCalibratedIgnoresFallback(t *testing.T) {
	hook := test.NewGlobal()
	defer hook.Reset()

	cal := &CalState{}
	cal.Restore(-10)
	fallback := -3.0
	r, err := newTestEngine(measurementAnalyzer(), cal).Measure(context.Background(), &fallback)
	if err != nil {
		t.Fatalf("Measure: %v", err)
	}
	if r.Uncalibrated || r.InputPower != -10 {
		t.Errorf("input power = %v, uncalibrated = %v", r.InputPower, r.Uncalibrated)
	}
	if r.Derived.Gain[0] != 20 {
		t.Errorf("gain = %v, want referred to the calibrated power", r.Derived.Gain)
	}
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.WarnLevel {
			t.Errorf("unexpected warning %q", entry.Message)
		}
	}
}

func TestMeasureErrors(t *testing.T) {
	t.Run("trace read fails", func(t *testing.T) {
		m := measurementAnalyzer()
		m.FailOn("CALC4:DATA?", errBoom)
		r, err := newTestEngine(m, &CalState{}).Measure(context.Background(), nil)
		if !errors.Is(err, errBoom) || r != nil {
			t.Fatalf("got %v, %v", r, err)
		}
		if m.Timeout() != instrument.DefaultTimeout {
			t.Errorf("timeout left at %v", m.Timeout())
		}
	})

	t.Run("short trace", func(t *testing.T) {
		m := measurementAnalyzer("CALC5:DATA? FDATA", "-28")
		_, err := newTestEngine(m, &CalState{}).Measure(context.Background(), nil)
		var lm *LengthMismatchError
		if !errors.As(err, &lm) || lm.Name != "IM3H" {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("fixture setup fails", func(t *testing.T) {
		m := measurementAnalyzer()
		m.FailOn(":SYSTem:MACRo:COPY:CHANnel:TO 4", errBoom)
		cal := &CalState{}
		_, err := newTestEngine(m, cal).Measure(context.Background(), nil)
		if !errors.Is(err, errBoom) {
			t.Fatalf("err = %v", err)
		}
		if _, ok := cal.PrimaryRange(); ok {
			t.Error("half-built fixture cached")
		}
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		m := measurementAnalyzer()
		_, err := newTestEngine(m, &CalState{}).Measure(ctx, nil)
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v", err)
		}
		if count(m.Commands(), "INITiate") != 0 {
			t.Error("channels triggered after cancel")
		}
	})
}
