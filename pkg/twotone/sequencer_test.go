package twotone

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/charlie0129/rfof/pkg/calibration"
	"github.com/charlie0129/rfof/pkg/instrument"
)

var errBoom = errors.New("boom")

func calibrationAnalyzer() *instrument.Mock {
	m := instrument.NewMock()
	m.Respond("SYSTem:COMMunicate:GPIB:PMETer:ADDRess?", "13")
	m.Respond("SYSTem:COMMunicate:GPIB:RDEVice:OPEN?", "1")
	m.Respond("SYSTem:COMMunicate:GPIB:RDEVice:READ? 1", "+0")
	m.Respond(":SENSe:CORRection:COLLect:ACQuire POWer;*OPC?", "1")
	return m
}

func newTestSequencer(m *instrument.Mock, op Operator, hooks Hooks) (*Sequencer, *CalState) {
	cal := &CalState{}
	q := NewSequencer(m, cal, op, DefaultSweepConfig(), hooks)
	q.sleep = func(time.Duration) {}
	return q, cal
}

// inOrder checks that want appears in cmds as a subsequence.
func inOrder(cmds, want []string) (string, bool) {
	i := 0
	for _, c := range cmds {
		if i < len(want) && c == want[i] {
			i++
		}
	}
	if i == len(want) {
		return "", true
	}
	return want[i], false
}

func count(cmds []string, prefix string) int {
	n := 0
	for _, c := range cmds {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func TestCalibrateSequence(t *testing.T) {
	m := calibrationAnalyzer()
	op := &Scripted{}
	var phases []calibration.Phase
	q, cal := newTestSequencer(m, op, Hooks{
		Phase: func(_, to calibration.Phase, _ string) { phases = append(phases, to) },
	})

	if err := q.Calibrate(context.Background(), -10); err != nil {
		t.Fatalf("Calibrate: %v", err)
	}

	want := []string{
		":SYSTem:PRESet",
		"SENSe:FREQuency:STARt 300000000",
		"SENSe:FREQuency:STOP 4050000000",
		"SENSe:SWEep:POINts 401",
		"SENSe:BANDwidth:RESolution 100",
		"SOURce:POWer1:LEVel:IMMediate:AMPLitude -10",
		"SOURce:POWer3:LEVel:IMMediate:AMPLitude -10",
		"SOURce:POWer2:MODE OFF",
		"SOURce:POWer4:MODE OFF",
		"SYSTem:COMMunicate:GPIB:PMETer:ADDRess?",
		"SYSTem:COMMunicate:GPIB:RDEVice:OPEN 0, 13, 200000",
		"SYSTem:COMMunicate:GPIB:RDEVice:OPEN?",
		"SYSTem:COMMunicate:GPIB:RDEVice:WRITe 1, '*CLS'",
		"SYSTem:COMMunicate:GPIB:RDEVice:WRITe 1, '*ESE 1'",
		"SYSTem:COMMunicate:GPIB:RDEVice:WRITe 1, 'CALibration1:ALL?'",
		"SYSTem:COMMunicate:GPIB:RDEVice:WRITe 1, '*OPC?'",
		"SYSTem:COMMunicate:GPIB:RDEVice:READ? 1",
		"SYSTem:COMMunicate:GPIB:RDEVice:CLOSE 1",
		"SOURce:POWer:CORRection:COLLect:DISPlay:STATe 1",
		"*CLS",
		"SOURce:POWer1:CORRection:COLLect:ACQuire PMETer,'ASENSOR',SYNChronous;*OPC",
		"SOURce:POWer:CORRection:COLLect:SAVE",
		"*CLS",
		"SOURce:POWer3:CORRection:COLLect:ACQuire PMETer,'ASENSOR',SYNChronous;*OPC",
		"SOURce:POWer:CORRection:COLLect:SAVE",
		":CALCulate:PARameter:DEFine:EXTended 'PL','B, 1'",
		":DISPlay:WINDow:TRACe2:FEED 'PL'",
		":DISPlay:WINDow:TRACe1:DELete",
		":CALCulate:PARameter:SELect 'PL'",
		":SENSe:CORRection:COLLect:METHod RPOWer",
		":SENSe:CORRection:COLLect:ACQuire POWer;*OPC?",
		":SENSe:CORRection:COLLect:SAVE",
	}
	cmds := m.Commands()
	if missing, ok := inOrder(cmds, want); !ok {
		t.Fatalf("command %q missing or out of order in\n%s", missing, strings.Join(cmds, "\n"))
	}

	if p, ok := cal.InputPower(); !ok || p != -10 {
		t.Errorf("InputPower() = %v, %v", p, ok)
	}
	if len(op.Prompts) != 4 {
		t.Errorf("prompts = %q", op.Prompts)
	}
	if len(op.Confirms) != 2 {
		t.Errorf("confirms = %q", op.Confirms)
	}
	if phases[len(phases)-1] != calibration.PhaseCalibrated {
		t.Errorf("last phase = %s", phases[len(phases)-1])
	}
	st := q.State()
	if !st.Calibrated() || st.InputPower == nil || *st.InputPower != -10 {
		t.Errorf("state = %+v", st)
	}
	if m.Timeout() != instrument.DefaultTimeout {
		t.Errorf("timeout left at %v", m.Timeout())
	}
}

func TestCalibrateTimeouts(t *testing.T) {
	m := calibrationAnalyzer()
	q, _ := newTestSequencer(m, &Scripted{}, Hooks{})
	if err := q.Calibrate(context.Background(), 0); err != nil {
		t.Fatalf("Calibrate: %v", err)
	}

	want := map[string]time.Duration{
		"SYSTem:COMMunicate:GPIB:RDEVice:WRITe 1, 'CALibration1:ALL?'":               instrument.DefaultTimeout,
		"SYSTem:COMMunicate:GPIB:RDEVice:READ? 1":                                    20 * time.Second,
		"SOURce:POWer1:CORRection:COLLect:ACQuire PMETer,'ASENSOR',SYNChronous;*OPC": instrument.Infinite,
		":SENSe:CORRection:COLLect:ACQuire POWer;*OPC?":                              instrument.Infinite,
	}
	for _, c := range m.Calls() {
		if d, ok := want[c.Cmd]; ok && c.Timeout != d {
			t.Errorf("%q ran with timeout %v, want %v", c.Cmd, c.Timeout, d)
		}
	}
}

func TestCalibrateRepeat(t *testing.T) {
	m := calibrationAnalyzer()
	tol, n := 0.2, 30
	op := &Scripted{
		Answers: []bool{false, false, true, true},
		Adjust:  &Iteration{Tolerance: &tol, Count: &n},
	}
	var sweeps [][2]int
	q, _ := newTestSequencer(m, op, Hooks{
		Sweep: func(port, attempt int) { sweeps = append(sweeps, [2]int{port, attempt}) },
	})

	if err := q.Calibrate(context.Background(), -5); err != nil {
		t.Fatalf("Calibrate: %v", err)
	}

	cmds := m.Commands()
	if got := count(cmds, "SOURce:POWer1:CORRection:COLLect:ACQuire"); got != 3 {
		t.Errorf("port 1 sweeps = %d, want 3", got)
	}
	if got := count(cmds, "SOURce:POWer3:CORRection:COLLect:ACQuire"); got != 1 {
		t.Errorf("port 3 sweeps = %d, want 1", got)
	}
	if got := count(cmds, "SOURce:POWer:CORRection:COLLect:ITERation:NTOLerance 0.2"); got != 2 {
		t.Errorf("tolerance writes = %d, want 2", got)
	}
	if got := count(cmds, "SOURce:POWer:CORRection:COLLect:ITERation:COUNt 30"); got != 2 {
		t.Errorf("count writes = %d, want 2", got)
	}
	// results are only saved once per port
	if got := count(cmds, "SOURce:POWer:CORRection:COLLect:SAVE"); got != 2 {
		t.Errorf("saves = %d, want 2", got)
	}

	wantSweeps := [][2]int{{1, 1}, {1, 2}, {1, 3}, {3, 1}}
	if len(sweeps) != len(wantSweeps) {
		t.Fatalf("sweeps = %v", sweeps)
	}
	for i := range sweeps {
		if sweeps[i] != wantSweeps[i] {
			t.Errorf("sweep %d = %v, want %v", i, sweeps[i], wantSweeps[i])
		}
	}
	if got := q.State().SweepAttempts; got[1] != 3 || got[3] != 1 {
		t.Errorf("attempts = %v", got)
	}
	if !strings.Contains(op.Confirms[2], "attempt 3") {
		t.Errorf("confirm = %q", op.Confirms[2])
	}
}

func TestCalibrateFailureRestoresTimeout(t *testing.T) {
	m := calibrationAnalyzer()
	m.FailOn("SOURce:POWer3:CORRection:COLLect:ACQuire", errBoom)
	q, cal := newTestSequencer(m, &Scripted{}, Hooks{})
	cal.Restore(-3)

	err := q.Calibrate(context.Background(), -10)
	if !errors.Is(err, errBoom) {
		t.Fatalf("err = %v, want %v", err, errBoom)
	}
	if m.Timeout() != instrument.DefaultTimeout {
		t.Errorf("timeout left at %v", m.Timeout())
	}
	if _, ok := cal.InputPower(); ok {
		t.Error("failed run left the session calibrated")
	}
	st := q.State()
	if st.Phase != calibration.PhaseError || st.LastError == "" {
		t.Errorf("state = %+v", st)
	}
	if count(m.Commands(), ":SENSe:CORRection:COLLect:METHod") != 0 {
		t.Error("receiver cal ran after a failed sweep")
	}
}

func TestCalibrateEmptyPowerMeterResult(t *testing.T) {
	m := instrument.NewMock()
	m.Respond("SYSTem:COMMunicate:GPIB:PMETer:ADDRess?", "13")
	m.Respond("SYSTem:COMMunicate:GPIB:RDEVice:OPEN?", "1")
	m.Respond("SYSTem:COMMunicate:GPIB:RDEVice:READ? 1", "\n")

	q, _ := newTestSequencer(m, &Scripted{}, Hooks{})
	if err := q.Calibrate(context.Background(), 0); err == nil {
		t.Fatal("Calibrate succeeded with no power meter result")
	}
	if count(m.Commands(), "SYSTem:COMMunicate:GPIB:RDEVice:CLOSE 1") != 1 {
		t.Error("relay left open")
	}
	if m.Timeout() != instrument.DefaultTimeout {
		t.Errorf("timeout left at %v", m.Timeout())
	}
}

type cancellingOperator struct {
	Scripted
	cancel context.CancelFunc
}

func (o *cancellingOperator) Confirm(ctx context.Context, msg string) (bool, error) {
	o.cancel()
	<-ctx.Done()
	return false, ctx.Err()
}

func TestCalibrateCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := calibrationAnalyzer()
	op := &cancellingOperator{cancel: cancel}
	q, cal := newTestSequencer(m, op, Hooks{})

	err := q.Calibrate(ctx, 0)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if _, ok := cal.InputPower(); ok {
		t.Error("cancelled run left the session calibrated")
	}
	if m.Timeout() != instrument.DefaultTimeout {
		t.Errorf("timeout left at %v", m.Timeout())
	}
	if count(m.Commands(), "SOURce:POWer:CORRection:COLLect:SAVE") != 0 {
		t.Error("sweep saved after cancel")
	}
}

func TestCalibrateCancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := calibrationAnalyzer()
	q, _ := newTestSequencer(m, &Scripted{}, Hooks{})
	if err := q.Calibrate(ctx, 0); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if len(m.Commands()) != 0 {
		t.Errorf("commands sent: %q", m.Commands())
	}
}
