package tla2528

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/charlie0129/rfof/pkg/i2c"
)

const addr = 0x10

func newTestADC(t *testing.T, opts ...Option) (*ADC, *Sim, *i2c.Mock) {
	t.Helper()
	bus := i2c.NewMock()
	sim := NewSim()
	bus.Attach(addr, sim)
	p, err := i2c.NewPort(bus, addr)
	if err != nil {
		t.Fatalf("NewPort: %v", err)
	}
	return New(p, opts...), sim, bus
}

// fakeClock advances only when the driver sleeps.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) sleep(d time.Duration) { c.t = c.t.Add(d) }

func (c *fakeClock) install(a *ADC) { a.now, a.sleep = c.now, c.sleep }

func TestRegisterFrames(t *testing.T) {
	a, _, bus := newTestADC(t)

	if err := a.WriteRegister(OSRCfg, 0x03); err != nil {
		t.Fatalf("WriteRegister: %v", err)
	}
	if err := a.SetBit(PinCfg, 5); err != nil {
		t.Fatalf("SetBit: %v", err)
	}
	if err := a.ClearBit(GPIOCfg, 5); err != nil {
		t.Fatalf("ClearBit: %v", err)
	}
	if _, err := a.ReadRegister(SystemStatus); err != nil {
		t.Fatalf("ReadRegister: %v", err)
	}

	want := [][]byte{
		{0x08, 0x03, 0x03},
		{0x18, 0x05, 0x20},
		{0x20, 0x07, 0x20},
		{0x10, 0x00},
	}
	txs := bus.Transactions()
	if len(txs) != len(want) {
		t.Fatalf("got %d transactions, want %d", len(txs), len(want))
	}
	for i, w := range want {
		if string(txs[i].Write) != string(w) {
			t.Errorf("transaction %d = % X, want % X", i, txs[i].Write, w)
		}
	}
	if txs[3].Op != "exchange" || txs[3].N != 1 {
		t.Errorf("register read should be a one byte exchange, got %+v", txs[3])
	}
}

func TestInvalidArguments(t *testing.T) {
	a, _, _ := newTestADC(t)

	if err := a.WriteRegister(Register(0x06), 0); err == nil {
		t.Errorf("write to unimplemented register expected error")
	}
	if err := a.SetBit(PinCfg, 8); err == nil {
		t.Errorf("bit 8 expected error")
	}
	if _, err := a.AnalogRead(8); err == nil {
		t.Errorf("pin 8 expected error")
	}
	if err := a.ConfigurePin(0, PinMode(9)); err == nil {
		t.Errorf("unknown pin mode expected error")
	}
	if err := a.SetOversampling(8); err == nil {
		t.Errorf("oversampling code 8 expected error")
	}
}

func TestConfigurePin(t *testing.T) {
	tests := []struct {
		mode             PinMode
		pin, gpio, drive bool
	}{
		{AnalogInput, false, false, false},
		{DigitalInput, true, false, false},
		{PushPullOutput, true, true, true},
		{OpenDrainOutput, true, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.mode.String(), func(t *testing.T) {
			a, sim, _ := newTestADC(t)
			if err := a.ConfigurePin(6, tt.mode); err != nil {
				t.Fatalf("ConfigurePin: %v", err)
			}
			bit := func(r Register) bool { return sim.Reg(r)&(1<<6) != 0 }
			if bit(PinCfg) != tt.pin || bit(GPIOCfg) != tt.gpio || bit(GPODriveCfg) != tt.drive {
				t.Errorf("PIN_CFG=%02X GPIO_CFG=%02X GPO_DRIVE_CFG=%02X", sim.Reg(PinCfg), sim.Reg(GPIOCfg), sim.Reg(GPODriveCfg))
			}
		})
	}
}

func TestAnalogRead(t *testing.T) {
	tests := []struct {
		name string
		osr  byte
		code uint16
		want float64
	}{
		{"12 bit", 0, 0x8000, 0.5},
		{"12 bit drops low nibble", 0, 0x123F, float64(0x123) / 4096},
		{"16 bit", 3, 0x123F, float64(0x123F) / 65536},
		{"zero", 3, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, sim, _ := newTestADC(t)
			if err := a.SetOversampling(tt.osr); err != nil {
				t.Fatalf("SetOversampling: %v", err)
			}
			sim.Codes[2] = tt.code
			got, err := a.AnalogRead(2)
			if err != nil {
				t.Fatalf("AnalogRead: %v", err)
			}
			if math.Abs(got-tt.want) > 1e-12 {
				t.Errorf("AnalogRead() = %v, want %v", got, tt.want)
			}
			if sim.Reg(ChannelSel) != 2 {
				t.Errorf("CHANNEL_SEL = %d, want 2", sim.Reg(ChannelSel))
			}
		})
	}
}

func TestDigitalIO(t *testing.T) {
	a, sim, _ := newTestADC(t)

	sim.Inputs = 1 << 5
	if v, err := a.DigitalRead(5); err != nil || !v {
		t.Errorf("DigitalRead(5) = %v, %v", v, err)
	}
	if v, err := a.DigitalRead(4); err != nil || v {
		t.Errorf("DigitalRead(4) = %v, %v", v, err)
	}

	if err := a.DigitalWrite(6, true); err != nil {
		t.Fatalf("DigitalWrite: %v", err)
	}
	if sim.Reg(GPOValue) != 1<<6 {
		t.Errorf("GPO_VALUE = %02X", sim.Reg(GPOValue))
	}
	if err := a.DigitalWrite(6, false); err != nil {
		t.Fatalf("DigitalWrite: %v", err)
	}
	if sim.Reg(GPOValue) != 0 {
		t.Errorf("GPO_VALUE = %02X after clear", sim.Reg(GPOValue))
	}
}

func TestCalibrate(t *testing.T) {
	a, sim, _ := newTestADC(t)
	clk := &fakeClock{t: time.Unix(0, 0)}
	clk.install(a)
	sim.CalPolls = 3

	if err := a.Calibrate(); err != nil {
		t.Fatalf("Calibrate: %v", err)
	}
	if sim.Reg(GeneralCfg)&generalCfgCal != 0 {
		t.Errorf("CAL bit still set")
	}
}

func TestCalibrateTimeout(t *testing.T) {
	a, sim, _ := newTestADC(t, WithCalibrationTimeout(50*time.Millisecond), WithPollInterval(time.Millisecond))
	clk := &fakeClock{t: time.Unix(0, 0)}
	clk.install(a)
	sim.CalPolls = -1

	err := a.Calibrate()
	if !errors.Is(err, ErrCalibrationTimeout) {
		t.Fatalf("Calibrate() = %v, want calibration timeout", err)
	}
	var cte *CalibrationTimeoutError
	if !errors.As(err, &cte) || cte.Timeout != 50*time.Millisecond || cte.Polls < 2 {
		t.Errorf("unexpected timeout error %+v", cte)
	}
	if elapsed := clk.t.Sub(time.Unix(0, 0)); elapsed > 100*time.Millisecond {
		t.Errorf("calibration waited %s, past its bound", elapsed)
	}
}

func TestBusErrorPropagates(t *testing.T) {
	a, _, bus := newTestADC(t)
	bus.Fail(addr, errors.New("link down"))

	_, err := a.AnalogRead(0)
	var te *i2c.TransportError
	if !errors.As(err, &te) {
		t.Errorf("AnalogRead() = %v, want transport error", err)
	}
	if err := a.Reset(); !errors.As(err, &te) {
		t.Errorf("Reset() = %v, want transport error", err)
	}
}
